package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/danmuck/ocapn/internal/config"
	"github.com/danmuck/ocapn/internal/daemon"
	"github.com/danmuck/ocapn/internal/testutil/testlog"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	testlog.Start(t)
	encoded, err := run(t, "", "encode", `[1, "a", {"k": true}]`, "--hex")
	require.NoError(t, err)

	decoded, err := run(t, encoded, "decode", "--hex")
	require.NoError(t, err)
	require.Equal(t, "[]interface {} [1 a map[k:true]]\n", decoded)
}

func TestDecodeAbortMessage(t *testing.T) {
	testlog.Start(t)
	out, err := run(t, `<8'op:abort7"explode>`, "decode")
	require.NoError(t, err)
	require.Contains(t, out, "ops.Abort")
	require.Contains(t, out, "explode")

	out, err = run(t, `<8'op:abort7"explode>`, "decode", "--format", "json")
	require.NoError(t, err)
	require.Contains(t, out, `"type": "ops.Abort"`)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	testlog.Start(t)
	_, err := run(t, "zz", "decode")
	require.Error(t, err)
	_, err = run(t, "", "decode", "--format", "yaml")
	require.ErrorContains(t, err, "invalid format")
}

func TestConfigInitWritesLoadableTemplate(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "peer.toml")
	_, err := run(t, "", "config", "init", path)
	require.NoError(t, err)
	_, err = config.Load(path)
	require.NoError(t, err)

	out, err := run(t, "", "config", "objects")
	require.NoError(t, err)
	require.Contains(t, out, "mailbox")
}

func TestFetchCallsDaemonObject(t *testing.T) {
	testlog.Start(t)
	cfg := config.DefaultConfig()
	cfg.Designator = "cli-target"
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.AdminAddr = ""
	cfg.SturdyRefs = []config.SturdyRef{{SwissNum: "greeter", Object: "greeter"}}
	svc := daemon.NewService(cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.RunContext(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	select {
	case <-svc.Ready():
	case <-time.After(5 * time.Second):
		t.Fatalf("daemon not ready")
	}

	ref := svc.SturdyRefs()[0].String()
	out, err := run(t, "", "fetch", ref, "hello", "bob", "--timeout", "5s")
	require.NoError(t, err)
	require.Equal(t, "string hello bob\n", out)
}
