package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/7and1/youtube-subtitle-api/internal/admission"
	"github.com/7and1/youtube-subtitle-api/internal/app"
	"github.com/7and1/youtube-subtitle-api/internal/coordinator"
	"github.com/7and1/youtube-subtitle-api/internal/subtitle"
)

func newAdminCmd() *cobra.Command {
	adminCmd := &cobra.Command{
		Use:   "admin",
		Short: "Operational commands against the live backing stores",
	}
	adminCmd.AddCommand(newClearCacheCmd())
	adminCmd.AddCommand(newQueueStatsCmd())
	adminCmd.AddCommand(newRateLimitCmd())
	adminCmd.AddCommand(newProxyHealthCmd())
	return adminCmd
}

// withApp builds the service container for one admin invocation.
func withApp(cmd *cobra.Command, fn func(*app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	application, err := app.New(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}
	defer application.Close()
	return fn(application)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newClearCacheCmd() *cobra.Command {
	var (
		scope      string
		videoID    string
		language   string
		raw        bool
		purgeDB    bool
		cancelJobs bool
	)
	cmd := &cobra.Command{
		Use:   "clear-cache",
		Short: "Evict cached artifacts (optionally the durable rows too)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(a *app.App) error {
				opts := admission.ClearCacheOptions{
					Scope:      coordinator.Scope(scope),
					PurgeDB:    purgeDB,
					CancelJobs: cancelJobs,
				}
				if videoID != "" && language != "" {
					f, err := subtitle.Canonicalise(videoID, language, !raw)
					if err != nil {
						return err
					}
					opts.Fingerprint = &f
				} else if videoID != "" {
					opts.VideoID = videoID
				}
				res, err := a.Orchestrator.ClearCache(cmd.Context(), opts)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "shared", "tiers to clear: local, shared, all")
	cmd.Flags().StringVar(&videoID, "video-id", "", "restrict to one video")
	cmd.Flags().StringVar(&language, "language", "", "restrict to one language (with --video-id)")
	cmd.Flags().BoolVar(&raw, "raw", false, "target the raw (uncleaned) variant")
	cmd.Flags().BoolVar(&purgeDB, "purge-db", false, "also delete durable artifact rows (full purge, or --video-id with --language)")
	cmd.Flags().BoolVar(&cancelJobs, "cancel-jobs", false, "fail queued jobs for the purged fingerprint (with --purge-db, --video-id and --language)")
	return cmd
}

func newQueueStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue-stats",
		Short: "Show queue depth, job counts and local cache counters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(a *app.App) error {
				report, err := a.Orchestrator.QueueStats(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(report)
			})
		},
	}
}

func newRateLimitCmd() *cobra.Command {
	rateCmd := &cobra.Command{
		Use:   "rate-limit",
		Short: "Inspect or reset per-principal rate limit buckets",
	}

	statsCmd := &cobra.Command{
		Use:   "stats <principal>",
		Short: "Show active buckets for a principal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app.App) error {
				stats, err := a.Orchestrator.RateLimitStats(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(stats)
			})
		},
	}

	resetCmd := &cobra.Command{
		Use:   "reset <principal>",
		Short: "Clear every bucket for a principal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app.App) error {
				deleted, err := a.Orchestrator.RateLimitReset(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(map[string]int64{"deleted": deleted})
			})
		},
	}

	rateCmd.AddCommand(statsCmd, resetCmd)
	return rateCmd
}

func newProxyHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "proxy-health",
		Short: "Report failure counts and cooldowns for the proxy pool",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(a *app.App) error {
				return printJSON(a.Rotator.Health(cmd.Context()))
			})
		},
	}
}
