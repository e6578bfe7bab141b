package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"campaign-dialer/internal/app"
	"campaign-dialer/internal/calls"
	"campaign-dialer/internal/config"
	"campaign-dialer/internal/reconciler"
	"campaign-dialer/pkg/logger"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var jsonOut bool

var rootCmd = &cobra.Command{
	Use:   "dialerctl",
	Short: "Operate the campaign dialer",
	Long: `dialerctl runs maintenance tasks against the dialer's postgres and redis.
- migrate: create tables.
- watch: follow a campaign's progress until it completes.
- logs: print a campaign's call logs.
- enrich: pull post-call detail into call logs.
- recover: re-enqueue loops of campaigns left dialing.`,
	SilenceUsage: true,
}

func main() {
	_ = godotenv.Load()
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output JSON")
	rootCmd.AddCommand(migrateCmd(), watchCmd(), logsCmd(), enrichCmd(), recoverCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// withRuntime loads config, opens connections and runs fn.
func withRuntime(ctx context.Context, fn func(ctx context.Context, rt *app.Runtime) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	// Logs go to stderr so tables and JSON on stdout stay clean.
	log := logger.NewTo(os.Stderr, cfg.App.Env).With("process", "dialerctl")
	slog.SetDefault(log)
	ctx = logger.With(ctx, log)
	rt, err := app.Open(ctx, cfg, log, "dialerctl")
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schemas",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Migrate(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "schemas applied")
				return nil
			})
		},
	}
}

func watchCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "watch <campaign-id>",
		Short: "Follow campaign progress until it completes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				out := cmd.OutOrStdout()
				if once {
					s, err := rt.Reconciler.Snapshot(ctx, args[0])
					if err != nil {
						return err
					}
					return printSnapshot(out, s)
				}
				var printErr error
				h := rt.Reconciler.Watch(ctx, args[0], func(s reconciler.Snapshot) {
					if err := printSnapshot(out, s); err != nil && printErr == nil {
						printErr = err
					}
				})
				<-h.Done()
				if printErr != nil {
					return printErr
				}
				return h.Err()
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "print one snapshot and exit")
	return cmd
}

func printSnapshot(w io.Writer, s reconciler.Snapshot) error {
	if jsonOut {
		return json.NewEncoder(w).Encode(s)
	}
	_, err := fmt.Fprintf(w, "%s  %-9s %3d%%  dialed %d/%d  review %d\n",
		s.ObservedAt.Format(time.TimeOnly), s.Status, s.Progress, s.Dialed, s.Total, s.ReviewPending)
	return err
}

func logsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs <campaign-id>",
		Short: "Print a campaign's call logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				logs, err := rt.Store.GetCallLogs(ctx, args[0])
				if err != nil {
					return err
				}
				return printCallLogs(cmd.OutOrStdout(), logs)
			})
		},
	}
}

func printCallLogs(w io.Writer, logs []calls.CallLog) error {
	if jsonOut {
		return json.NewEncoder(w).Encode(logs)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Call ID", "Phone", "Name", "Status", "Disconnect", "Enriched", "Created"})
	for _, l := range logs {
		enriched := ""
		if l.Enriched() {
			enriched = l.EnrichedAt.Format(time.RFC3339)
		}
		tw.AppendRow(table.Row{l.CallID, l.PhoneNumber, l.FirstName, l.InitialStatus, l.DisconnectReason, enriched, l.CreatedAt.Format(time.RFC3339)})
	}
	tw.AppendFooter(table.Row{"", "", "", "", "", "Total", len(logs)})
	tw.Render()
	return nil
}

func enrichCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enrich <campaign-id>",
		Short: "Fetch post-call detail for a campaign's call logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				camp, err := rt.Store.GetCampaign(ctx, args[0])
				if err != nil {
					return err
				}
				rep, err := rt.Enricher.Enrich(ctx, camp.ID, camp.Credential)
				if err != nil {
					return err
				}
				if jsonOut {
					return json.NewEncoder(cmd.OutOrStdout()).Encode(rep)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(cmd.OutOrStdout())
				tw.AppendHeader(table.Row{"Call ID", "Error"})
				for _, f := range rep.Failed {
					tw.AppendRow(table.Row{f.CallID, f.Error})
				}
				tw.AppendFooter(table.Row{"Enriched", fmt.Sprintf("%d/%d", rep.Enriched, rep.Total)})
				tw.Render()
				return nil
			})
		},
	}
}

func recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Re-enqueue loops for campaigns left dialing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if rt.Config.Dispatch.Mode == config.DispatchModeInline {
					return fmt.Errorf("recover needs DISPATCH_MODE=worker; inline loops are resumed through the api")
				}
				n, err := rt.Worker().Recover(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "enqueued %d campaign(s)\n", n)
				return nil
			})
		},
	}
}
