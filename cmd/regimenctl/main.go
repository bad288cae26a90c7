// Package main provides regimenctl, the operations CLI for the regimen services.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-regimen/internal/bootstrap"
	"github.com/drfirst/go-regimen/internal/infrastructure/postgres"
	"github.com/drfirst/go-regimen/internal/infrastructure/redpanda"
	"github.com/drfirst/go-regimen/internal/sweep"
	"github.com/drfirst/go-regimen/pkg/idempotency"
	"github.com/drfirst/go-regimen/pkg/workerpool"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := &cobra.Command{
		Use:           "regimenctl",
		Short:         "Operations tooling for the medication regimen services",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(topicsCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(inboxCmd())

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// withRuntime runs fn with a started runtime and closes it afterwards.
func withRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *bootstrap.Runtime) error) error {
	ctx := cmd.Context()
	rt, err := bootstrap.Start(ctx, "regimenctl")
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close(context.Background()) }()
	return fn(ctx, rt)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the regimen, outbox and inbox tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				if rt.Pool == nil {
					return errors.New("migrate needs DATABASE_URL")
				}
				if err := postgres.Migrate(ctx, rt.Pool, rt.Logger); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
				return nil
			})
		},
	}
}

func topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage Redpanda topics",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "ensure",
		Short: "Create the regimen topics if they do not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, admin *redpanda.Admin) error {
				if err := admin.EnsureTopics(ctx); err != nil {
					return err
				}
				for _, t := range redpanda.DefaultTopicConfigs() {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d partitions\n", t.Name, t.Partitions)
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List topics on the cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, admin *redpanda.Admin) error {
				topics, err := admin.ListTopics(ctx)
				if err != nil {
					return err
				}
				sort.Strings(topics)
				for _, t := range topics {
					fmt.Fprintln(cmd.OutOrStdout(), t)
				}
				return nil
			})
		},
	})

	lagCmd := &cobra.Command{
		Use:   "lag",
		Short: "Show consumer group lag per topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			group, _ := cmd.Flags().GetString("group")
			return withAdmin(cmd, func(ctx context.Context, admin *redpanda.Admin) error {
				lag, err := admin.ConsumerGroupLag(ctx, group)
				if err != nil {
					return err
				}
				for topic, n := range lag {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", topic, n)
				}
				return nil
			})
		},
	}
	lagCmd.Flags().String("group", redpanda.DefaultConsumerConfig().GroupID, "Consumer group")
	cmd.AddCommand(lagCmd)

	return cmd
}

func withAdmin(cmd *cobra.Command, fn func(ctx context.Context, admin *redpanda.Admin) error) error {
	return withRuntime(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
		admin, err := redpanda.NewAdmin(rt.Config.KafkaBrokers, rt.Logger)
		if err != nil {
			return err
		}
		defer admin.Close()
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		return fn(ctx, admin)
	})
}

func inboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Inspect the dose command inbox",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Count inbox entries per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withInbox(cmd, idempotency.DefaultInboxConfig(), func(ctx context.Context, inbox *idempotency.Inbox) error {
				stats, err := inbox.GetStats(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "total\t%d\nstarted\t%d\nfinished\t%d\nrecoverable\t%d\nfailed\t%d\n",
					stats.TotalEntries, stats.Started, stats.Finished, stats.Recoverable, stats.Failed)
				return nil
			})
		},
	})

	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Release commands stuck in STARTED so they can be redelivered",
		RunE: func(cmd *cobra.Command, args []string) error {
			after, _ := cmd.Flags().GetDuration("after")
			cfg := idempotency.DefaultInboxConfig()
			cfg.RecoveryTimeout = after
			return withInbox(cmd, cfg, func(ctx context.Context, inbox *idempotency.Inbox) error {
				n, err := inbox.RecoverStaleEntries(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d entries older than %s marked recoverable\n", n, after)
				return nil
			})
		},
	}
	recoverCmd.Flags().Duration("after", idempotency.DefaultInboxConfig().RecoveryTimeout, "Age of a STARTED entry before it is released")
	cmd.AddCommand(recoverCmd)

	return cmd
}

func withInbox(cmd *cobra.Command, cfg idempotency.InboxConfig, fn func(ctx context.Context, inbox *idempotency.Inbox) error) error {
	return withRuntime(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
		if rt.Pool == nil {
			return errors.New("the inbox lives in PostgreSQL; set DATABASE_URL")
		}
		return fn(ctx, idempotency.NewInbox(rt.Pool, cfg, rt.Logger.Named("inbox")))
	})
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the missed-dose sweep once",
		Long: "Sweeps every active regimen as of --at (RFC 3339, or YYYY-MM-DD read as the end of\n" +
			"that day in REFERENCE_TIMEZONE). Defaults to now.",
		RunE: func(cmd *cobra.Command, args []string) error {
			atFlag, _ := cmd.Flags().GetString("at")
			return withRuntime(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				at, err := parseAt(atFlag, rt.Location, time.Now())
				if err != nil {
					return err
				}
				poolCfg := workerpool.DefaultConfig()
				poolCfg.Workers = rt.Config.SweepWorkers
				runner, err := sweep.NewRunner(rt.Service(), poolCfg, rt.Logger.Named("sweep"), rt.Metrics)
				if err != nil {
					return err
				}
				runner.Start()
				defer func() {
					if err := runner.Stop(); err != nil {
						rt.Logger.Warn("runner stop failed", zap.Error(err))
					}
				}()

				ctx, cancel := context.WithTimeout(ctx, rt.Config.SweepTimeout)
				defer cancel()
				report, err := runner.RunOnce(ctx, at)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "as of %s: %d schedules, %d missed, %d retired, %d failed in %s\n",
					report.At.Format(time.RFC3339), report.Schedules, report.Missed, report.Retired,
					report.Failed, report.Duration.Round(time.Millisecond))
				if report.Failed > 0 {
					return fmt.Errorf("%d schedules failed to sweep", report.Failed)
				}
				return nil
			})
		},
	}
	cmd.Flags().String("at", "", "Sweep instant (RFC 3339 or YYYY-MM-DD)")
	return cmd
}

// parseAt reads the --at flag. A bare date means one second before the next midnight.
func parseAt(s string, loc *time.Location, now time.Time) (time.Time, error) {
	if s == "" {
		return now, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseInLocation("2006-01-02", s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("--at %q: want RFC 3339 or YYYY-MM-DD", s)
	}
	return d.AddDate(0, 0, 1).Add(-time.Second), nil
}
