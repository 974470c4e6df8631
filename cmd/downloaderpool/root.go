package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/downloader-pool/internal/config"
)

type cfgKeyType struct{}

// newRootCmd creates the root command. Subcommands find the loaded config in the
// command context.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "downloaderpool",
		Short: "A politeness-aware pool of remote downloaders",
		Long: `downloaderpool accepts URL download tasks over HTTP and runs them through
a pool of remote hosts reached over ssh SOCKS tunnels, never hitting the same
domain from one host more often than its configured interval allows.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), cfgKeyType{}, &cfg))
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env overrides use the DLPOOL_ prefix)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newWorkersCmd())
	cmd.AddCommand(newSitesCmd())
	return cmd
}

func resolveConfig(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(cfgKeyType{}).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}
