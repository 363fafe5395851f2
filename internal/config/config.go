package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"github.com/danmuck/ocapn/internal/captp"
	"github.com/danmuck/ocapn/internal/keys"
	"github.com/danmuck/ocapn/internal/netlayer"
	"github.com/danmuck/ocapn/internal/netlayer/frame"
)

// Config is the daemon configuration for `ocapn serve`.
type Config struct {
	Designator    string
	Transport     string
	ListenAddr    string
	AdvertiseHost string
	AdminAddr     string
	AdminToken    string
	CorsOrigins   []string
	Session       captp.Config
	Frame         frame.Limits
	SturdyRefs    []SturdyRef
}

// SturdyRef binds a swiss number to one of the daemon's named objects.
type SturdyRef struct {
	SwissNum string
	Object   string
}

func DefaultConfig() Config {
	return Config{
		Designator: uuid.NewString(),
		Transport:  netlayer.TransportTCP,
		ListenAddr: "127.0.0.1:7100",
		AdminAddr:  "127.0.0.1:7110",
		Session:    captp.DefaultConfig(),
		Frame:      frame.DefaultLimits(),
	}
}

type fileConfig struct {
	Designator    string       `toml:"designator"`
	Transport     string       `toml:"transport"`
	Listen        string       `toml:"listen"`
	AdvertiseHost string       `toml:"advertise_host"`
	Admin         string       `toml:"admin"`
	AdminToken    string       `toml:"admin_token"`
	CorsOrigins   []string     `toml:"cors_origins"`
	Session       fileSession  `toml:"session"`
	Frame         fileFrame    `toml:"frame"`
	SturdyRefs    []fileSturdy `toml:"sturdyref"`
}

type fileSession struct {
	ConnectTimeout   string      `toml:"connect_timeout"`
	HandshakeTimeout string      `toml:"handshake_timeout"`
	HandoffTimeout   string      `toml:"handoff_timeout"`
	DialAttempts     int         `toml:"dial_attempts"`
	KeyScheme        string      `toml:"key_scheme"`
	Backoff          fileBackoff `toml:"backoff"`
}

type fileBackoff struct {
	Initial    string  `toml:"initial"`
	Multiplier float64 `toml:"multiplier"`
	Max        string  `toml:"max"`
	Jitter     bool    `toml:"jitter"`
}

type fileFrame struct {
	MaxPayloadBytes   uint64 `toml:"max_payload_bytes"`
	MaxExtensionBytes uint64 `toml:"max_extension_bytes"`
}

type fileSturdy struct {
	SwissNum string `toml:"swissnum"`
	Object   string `toml:"object"`
}

// Load reads path and overlays every defined key onto DefaultConfig.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config: load %s: %w", path, err)
	}
	cfg, err := overlay(DefaultConfig(), raw, meta)
	if err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode parses TOML text the same way Load parses a file.
func Decode(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	cfg, err := overlay(DefaultConfig(), raw, meta)
	if err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func overlay(cfg Config, raw fileConfig, meta toml.MetaData) (Config, error) {
	if meta.IsDefined("designator") {
		cfg.Designator = strings.TrimSpace(raw.Designator)
	}
	if meta.IsDefined("transport") {
		cfg.Transport = strings.ToLower(strings.TrimSpace(raw.Transport))
	}
	if meta.IsDefined("listen") {
		cfg.ListenAddr = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("advertise_host") {
		cfg.AdvertiseHost = strings.TrimSpace(raw.AdvertiseHost)
	}
	if meta.IsDefined("admin") {
		cfg.AdminAddr = strings.TrimSpace(raw.Admin)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = raw.CorsOrigins
	}

	durations := []struct {
		key  []string
		raw  string
		dest *time.Duration
	}{
		{[]string{"session", "connect_timeout"}, raw.Session.ConnectTimeout, &cfg.Session.ConnectTimeout},
		{[]string{"session", "handshake_timeout"}, raw.Session.HandshakeTimeout, &cfg.Session.HandshakeTimeout},
		{[]string{"session", "handoff_timeout"}, raw.Session.HandoffTimeout, &cfg.Session.HandoffTimeout},
		{[]string{"session", "backoff", "initial"}, raw.Session.Backoff.Initial, &cfg.Session.Backoff.InitialDelay},
		{[]string{"session", "backoff", "max"}, raw.Session.Backoff.Max, &cfg.Session.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", strings.Join(d.key, "."), err)
		}
		*d.dest = v
	}

	if meta.IsDefined("session", "dial_attempts") {
		cfg.Session.DialAttempts = raw.Session.DialAttempts
	}
	if meta.IsDefined("session", "key_scheme") {
		scheme, err := parseScheme(raw.Session.KeyScheme)
		if err != nil {
			return Config{}, err
		}
		cfg.Session.KeyScheme = scheme
	}
	if meta.IsDefined("session", "backoff", "multiplier") {
		cfg.Session.Backoff.Multiplier = raw.Session.Backoff.Multiplier
	}
	if meta.IsDefined("session", "backoff", "jitter") {
		cfg.Session.Backoff.Jitter = raw.Session.Backoff.Jitter
	}
	if meta.IsDefined("frame", "max_payload_bytes") {
		cfg.Frame.MaxPayloadBytes = raw.Frame.MaxPayloadBytes
	}
	if meta.IsDefined("frame", "max_extension_bytes") {
		cfg.Frame.MaxExtensionBytes = raw.Frame.MaxExtensionBytes
	}
	for _, ref := range raw.SturdyRefs {
		cfg.SturdyRefs = append(cfg.SturdyRefs, SturdyRef{
			SwissNum: strings.TrimSpace(ref.SwissNum),
			Object:   strings.TrimSpace(ref.Object),
		})
	}
	return cfg, nil
}

func parseScheme(raw string) (keys.Scheme, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "ed25519":
		return keys.Ed25519, nil
	case "dilithium3":
		return keys.Dilithium3, nil
	default:
		return "", fmt.Errorf("config: unknown key_scheme %q", raw)
	}
}

func Validate(cfg Config) error {
	if cfg.Designator == "" {
		return fmt.Errorf("config: designator is required")
	}
	switch cfg.Transport {
	case netlayer.TransportTCP, netlayer.TransportGRPC:
	default:
		return fmt.Errorf("config: unsupported transport %q", cfg.Transport)
	}
	if cfg.ListenAddr == "" {
		return fmt.Errorf("config: listen is required")
	}
	if strings.HasPrefix(cfg.ListenAddr, ":") && cfg.AdvertiseHost == "" {
		return fmt.Errorf("config: advertise_host required when listen is a port")
	}
	if cfg.Session.DialAttempts < 1 {
		return fmt.Errorf("config: session.dial_attempts must be at least 1")
	}
	if cfg.Session.ConnectTimeout <= 0 || cfg.Session.HandshakeTimeout <= 0 || cfg.Session.HandoffTimeout <= 0 {
		return fmt.Errorf("config: session timeouts must be positive")
	}
	if cfg.Frame.MaxPayloadBytes == 0 {
		return fmt.Errorf("config: frame.max_payload_bytes must be positive")
	}
	seen := make(map[string]struct{}, len(cfg.SturdyRefs))
	for i, ref := range cfg.SturdyRefs {
		if ref.SwissNum == "" {
			return fmt.Errorf("config: sturdyref[%d] missing swissnum", i)
		}
		if ref.Object == "" {
			return fmt.Errorf("config: sturdyref[%d] missing object", i)
		}
		if _, dup := seen[ref.SwissNum]; dup {
			return fmt.Errorf("config: sturdyref[%d] duplicate swissnum %q", i, ref.SwissNum)
		}
		seen[ref.SwissNum] = struct{}{}
	}
	return nil
}
