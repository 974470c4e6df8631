package main

import (
	"context"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/downloader-pool/internal/policy/throttle"
	"github.com/JakeFAU/downloader-pool/internal/repository"
)

const defaultSSHPort = 22

// newWorkersCmd prints the expanded worker list with the SOCKS port each host gets.
func newWorkersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "List the configured workers and their local SOCKS ports",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tUSER\tSOCKS PORT")
			for i, spec := range cfg.WorkerSpecs() {
				if spec.Port == 0 {
					spec.Port = defaultSSHPort
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\n", spec.ID(), spec.User, cfg.Pool.BaseSOCKSPort+i)
			}
			if err := tw.Flush(); err != nil {
				return fmt.Errorf("write workers: %w", err)
			}
			return nil
		},
	}
}

// newSitesCmd prints the effective per-domain intervals, repository entries included.
func newSitesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sites",
		Short: "Show the effective minimum download interval per domain",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			matcher := throttle.New()
			for _, iv := range cfg.SiteIntervals() {
				matcher.SetDomainInterval(iv.Domain, iv)
			}
			if cfg.Repository.URL != "" {
				ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Repository.Timeout+time.Second)
				defer cancel()
				loader := repository.NewLoader(repository.Config{
					UserAgent: cfg.Pool.UserAgent,
					Timeout:   cfg.Repository.Timeout,
				}, nil)
				intervals, err := loader.Load(ctx, cfg.Repository.URL)
				if err != nil {
					return fmt.Errorf("load site repository: %w", err)
				}
				for _, iv := range intervals {
					matcher.SetDomainInterval(iv.Domain, iv)
				}
			}
			intervals := matcher.Intervals()
			sort.Slice(intervals, func(i, j int) bool { return intervals[i].Domain < intervals[j].Domain })
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DOMAIN\tMIN INTERVAL")
			for _, iv := range intervals {
				fmt.Fprintf(tw, "%s\t%s\n", iv.Domain, iv.Min)
			}
			if err := tw.Flush(); err != nil {
				return fmt.Errorf("write sites: %w", err)
			}
			return nil
		},
	}
}
