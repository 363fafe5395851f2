package main

import (
	"fmt"
	"slices"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/danmuck/ocapn/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format   string // "text" | "json"
	LogLevel string
}

var validFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}
	cmd := &cobra.Command{
		Use:   "ocapn",
		Short: "OCapN peer daemon and CapTP tooling",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if !slices.Contains(validFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
			}
			if opts.LogLevel != "" {
				lvl, ok := logging.ParseLevel(opts.LogLevel)
				if !ok {
					return fmt.Errorf("invalid log level %q", opts.LogLevel)
				}
				zerolog.SetGlobalLevel(lvl)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override "+logging.EnvLogLevel)

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newConfigCommand(opts))
	cmd.AddCommand(newFetchCommand(opts))
	cmd.AddCommand(newEncodeCommand(opts))
	cmd.AddCommand(newDecodeCommand(opts))
	return cmd
}
