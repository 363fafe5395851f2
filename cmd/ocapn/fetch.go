package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/danmuck/ocapn/internal/captp"
	"github.com/danmuck/ocapn/internal/netlayer"
	"github.com/danmuck/ocapn/internal/netlayer/frame"
	"github.com/danmuck/ocapn/internal/protocol/ops"
)

type fetchOptions struct {
	*RootOptions
	Timeout time.Duration
}

func newFetchCommand(root *RootOptions) *cobra.Command {
	opts := &fetchOptions{RootOptions: root}
	cmd := &cobra.Command{
		Use:   "fetch <sturdyref> [method [args...]]",
		Short: "Fetch a sturdy ref and optionally call a method on it",
		Long: `Fetch a sturdy ref and optionally call a method on it.

Each argument is parsed as JSON and falls back to a plain string.

Example:
  ocapn fetch 'ocapn://alice.tcp/s/Z3JlZXRlcg?host=127.0.0.1&port=7100' hello bob`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd, opts, args)
		},
	}
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "overall deadline")
	return cmd
}

func runFetch(cmd *cobra.Command, opts *fetchOptions, args []string) error {
	ref, err := ops.ParseSturdyRef(args[0])
	if err != nil {
		return err
	}
	callArgs := make([]any, 0, len(args))
	for _, raw := range args[min(len(args), 2):] {
		callArgs = append(callArgs, parseArg(raw))
	}

	client, err := captp.NewClient(ops.Location{Designator: uuid.NewString(), Transport: "cli"}, captp.DefaultConfig())
	if err != nil {
		return err
	}
	defer client.Close()
	client.AddNetlayer(netlayer.NewTCP(frame.DefaultLimits()))
	client.AddNetlayer(netlayer.NewGRPC())

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
	defer cancel()
	p, err := client.Fetch(ctx, ref)
	if err != nil {
		return err
	}
	if len(args) > 1 {
		p = p.CallMethod(args[1], callArgs)
	}
	v, err := p.Await(ctx)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", ref.Location.Key(), err)
	}
	return printValue(cmd.OutOrStdout(), opts.Format, v)
}
