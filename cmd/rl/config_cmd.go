package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	cliconfig "github.com/antonkrylov/devbox/internal/cli/config"
)

func newConfigCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage rl contexts",
	}

	setCtx := &cliconfig.Context{}
	setCmd := &cobra.Command{
		Use:   "set-context <name>",
		Short: "Add or replace a context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadOrEmpty(root.configPath)
			if err != nil {
				return err
			}
			if setCtx.Server == "" {
				return fmt.Errorf("--server is required")
			}
			ctx := *setCtx
			if err := cfg.SetContext(args[0], &ctx); err != nil {
				return err
			}
			if err := cfg.Save(root.configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "context %q saved to %s\n", args[0], root.configPath)
			return nil
		},
	}
	setCmd.Flags().StringVar(&setCtx.Server, "server", "", "control plane address host:port")
	setCmd.Flags().IntVar(&setCtx.TimeoutSeconds, "timeout-seconds", 0, "per-call timeout")
	setCmd.Flags().IntVar(&setCtx.PollIntervalMillis, "poll-interval-ms", 0, "lifecycle poll interval")
	setCmd.Flags().BoolVar(&setCtx.TLS, "tls", false, "dial with TLS")
	setCmd.Flags().StringVar(&setCtx.Compression, "compression", "", "tunnel channel compression (zstd)")

	useCmd := &cobra.Command{
		Use:   "use-context <name>",
		Short: "Switch the current context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadOrEmpty(root.configPath)
			if err != nil {
				return err
			}
			if err := cfg.UseContext(args[0]); err != nil {
				return err
			}
			return cfg.Save(root.configPath)
		},
	}

	getCmd := &cobra.Command{
		Use:   "get-contexts",
		Short: "List contexts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadOrEmpty(root.configPath)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CURRENT\tNAME\tSERVER\tTLS")
			for _, name := range cfg.Names() {
				marker := ""
				if name == cfg.CurrentContext {
					marker = "*"
				}
				c := cfg.Contexts[name]
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", marker, name, c.Server, c.TLS)
			}
			return tw.Flush()
		},
	}

	cmd.AddCommand(setCmd, useCmd, getCmd)
	return cmd
}

func loadOrEmpty(path string) (*cliconfig.Config, error) {
	cfg, err := cliconfig.Load(path)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = &cliconfig.Config{}
	}
	return cfg, nil
}
