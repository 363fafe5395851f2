package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/danmuck/ocapn/internal/config"
	"github.com/danmuck/ocapn/internal/daemon"
	"github.com/danmuck/ocapn/internal/objects"
)

func newServeCommand(_ *RootOptions) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a peer that serves the configured sturdy refs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.DefaultConfig()
			if path != "" {
				loaded, err := config.Load(path)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			return daemon.NewService(cfg, objects.Builtin()).Run()
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "", "path to a TOML config")
	return cmd
}

func newConfigCommand(_ *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Config helpers",
	}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Write an example config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteTemplate(args[0], force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	objectsCmd := &cobra.Command{
		Use:   "objects",
		Short: "List objects a sturdyref entry can name",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			for _, name := range objects.Builtin().Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
		},
	}
	cmd.AddCommand(initCmd, objectsCmd)
	return cmd
}
