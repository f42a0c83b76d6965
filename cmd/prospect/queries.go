package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/FranksOps/prospect/internal/export"
	"github.com/FranksOps/prospect/internal/metrics"
	"github.com/FranksOps/prospect/internal/pipeline"
	"github.com/FranksOps/prospect/internal/report"
	"github.com/FranksOps/prospect/internal/storage"
)

var (
	runFormat    string
	leadsFormat  string
	exportFormat string
	exportFile   string
	listStatus   string
	listLimit    int
	listFormat   string
)

var submitCmd = &cobra.Command{
	Use:   "submit <query text>",
	Short: "Record a new query and run its first discovery pass",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		defer startMetrics()()

		e, err := buildEnv(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer e.Close()

		res, err := e.Scheduler.Submit(ctx, strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "query %s %s\n", res.QueryID, res.Status)

		waitOrCancel(ctx, e)
		return printSummary(cmd.OutOrStdout(), e.Scheduler.LastSummary(res.QueryID))
	},
}

var runCmd = &cobra.Command{
	Use:   "run <query text>",
	Short: "Submit a query, wait for its first pass and print the leads",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		defer startMetrics()()

		e, err := buildEnv(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer e.Close()

		res, err := e.Scheduler.Submit(ctx, strings.Join(args, " "))
		if err != nil {
			return err
		}
		waitOrCancel(ctx, e)
		if err := printSummary(os.Stderr, e.Scheduler.LastSummary(res.QueryID)); err != nil {
			return err
		}
		return writeLeads(ctx, cmd.OutOrStdout(), e, res.QueryID, runFormat)
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh [query id]",
	Short: "Refresh one query, or every active query",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		defer startMetrics()()

		e, err := buildEnv(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer e.Close()

		if len(args) == 1 {
			summary, err := e.Scheduler.RunNow(ctx, args[0])
			if perr := printSummary(cmd.OutOrStdout(), summary); perr != nil {
				return perr
			}
			return err
		}

		res, err := e.Scheduler.Trigger(ctx, "")
		if err != nil {
			return err
		}
		waitOrCancel(ctx, e)
		for _, id := range res.Triggered {
			if err := printSummary(cmd.OutOrStdout(), e.Scheduler.LastSummary(id)); err != nil {
				return err
			}
		}
		if len(res.Triggered) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No active queries.")
		}
		return nil
	},
}

var leadsCmd = &cobra.Command{
	Use:   "leads <query id>",
	Short: "Print the leads of a query",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := buildEnv(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer e.Close()
		return writeLeads(cmd.Context(), cmd.OutOrStdout(), e, args[0], leadsFormat)
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <query id>",
	Short: "Export the leads of a query as CSV or NDJSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := export.ParseFormat(exportFormat)
		if err != nil {
			return err
		}
		e, err := buildEnv(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer e.Close()

		leads, err := e.Scheduler.Leads(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if exportFile == "" {
			return export.Write(cmd.OutOrStdout(), format, leads)
		}
		if err := export.WriteFile(exportFile, format, leads); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d leads to %s\n", len(leads), exportFile)
		return nil
	},
}

var queriesCmd = &cobra.Command{
	Use:   "queries",
	Short: "List stored queries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := storage.ParseQueryStatus(listStatus)
		if err != nil {
			return err
		}
		e, err := buildEnv(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer e.Close()

		return writeQueries(cmd.Context(), cmd.OutOrStdout(), e, storage.QueryFilter{Status: status, Limit: listLimit}, listFormat)
	},
}

var frequencyCmd = &cobra.Command{
	Use:   "set-frequency <query id> <duration>",
	Short: "Change how often a query is refreshed, e.g. 12h",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		freq, err := time.ParseDuration(args[1])
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", args[1], err)
		}
		e, err := buildEnv(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer e.Close()

		q, err := e.Scheduler.SetCheckFrequency(cmd.Context(), args[0], freq)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("no query with id %s", args[0])
			}
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "query %s refreshes every %s\n", q.ID, q.CheckFrequency)
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runFormat, "format", "text", "lead output format: text, json, html, csv, ndjson")
	leadsCmd.Flags().StringVar(&leadsFormat, "format", "text", "output format: text, json, html, csv, ndjson")
	exportCmd.Flags().StringVar(&exportFormat, "format", "csv", "export format: csv, ndjson")
	exportCmd.Flags().StringVarP(&exportFile, "out", "o", "", "write to file instead of stdout")

	queriesCmd.Flags().StringVar(&listStatus, "status", "", "only list queries with this status: active, paused, archived")
	queriesCmd.Flags().IntVar(&listLimit, "limit", 0, "maximum number of queries to list")
	queriesCmd.Flags().StringVar(&listFormat, "format", "text", "output format: text, json")

	rootCmd.AddCommand(submitCmd, runCmd, refreshCmd, leadsCmd, exportCmd, queriesCmd, frequencyCmd)
}

// waitOrCancel waits for background runs; an interrupt cancels them.
func waitOrCancel(ctx context.Context, e *env) {
	done := make(chan struct{})
	go func() {
		e.Scheduler.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.Scheduler.Close()
	}
}

func printSummary(w io.Writer, s *pipeline.RunSummary) error {
	if s == nil {
		return nil
	}
	return report.WriteText(w, s)
}

func writeLeads(ctx context.Context, w io.Writer, e *env, queryID, format string) error {
	leads, err := e.Scheduler.Leads(ctx, queryID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("no query with id %s", queryID)
		}
		return err
	}

	switch strings.ToLower(format) {
	case "", "text", "html":
		q, err := e.Scheduler.Query(ctx, queryID)
		if err != nil {
			return err
		}
		lr := report.LeadReport{Query: q, Leads: leads, GeneratedAt: time.Now().UTC()}
		if strings.EqualFold(format, "html") {
			return report.WriteLeadsHTML(w, lr)
		}
		return report.WriteLeadsText(w, lr)
	case "json":
		return report.WriteJSON(w, leads)
	}
	f, err := export.ParseFormat(format)
	if err != nil {
		return err
	}
	return export.Write(w, f, leads)
}

func writeQueries(ctx context.Context, w io.Writer, e *env, filter storage.QueryFilter, format string) error {
	queries, err := e.Scheduler.ListQueries(ctx, filter)
	if err != nil {
		return err
	}
	switch strings.ToLower(format) {
	case "", "text":
		return report.WriteQueriesText(w, queries)
	case "json":
		if queries == nil {
			queries = []*storage.Query{}
		}
		return report.WriteJSON(w, queries)
	}
	return fmt.Errorf("unknown format %q", format)
}

// startMetrics serves /metrics on metrics.addr when set. The returned func
// stops it.
func startMetrics() func() {
	if cfg.Metrics.Addr == "" {
		return func() {}
	}
	srv, err := metrics.Start(cfg.Metrics.Addr, logger)
	if err != nil {
		logger.Warn("metrics server not started", "addr", cfg.Metrics.Addr, "err", err)
		return func() {}
	}
	logger.Info("metrics listening", "addr", srv.Addr())
	return func() { _ = srv.Stop(context.Background()) }
}
