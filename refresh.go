package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/emsrefresh/internal/inventory"
	"github.com/tonimelisma/emsrefresh/internal/refresh"
	"github.com/tonimelisma/emsrefresh/internal/snapshot"
)

// errPartialRefresh is returned when a refresh finished but some records
// could not be saved.
var errPartialRefresh = errors.New("refresh incomplete")

type refreshOptions struct {
	ems          string
	typ          string
	target       string
	noDisconnect bool
	watch        string
}

func newRefreshCmd() *cobra.Command {
	opts := &refreshOptions{}

	cmd := &cobra.Command{
		Use:   "refresh --ems NAME [FILE...]",
		Short: "Reconcile snapshot files into the inventory",
		Long: `Reconcile one provider's inventory snapshot into the persisted inventory.

Several FILE arguments are merged into one snapshot, so a collector may split
an inventory across files. With --watch, snapshot files (.yaml, .yml or .json)
dropped into DIR are refreshed as they arrive and moved to DIR/processed or
DIR/failed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRefresh(cmd, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.ems, "ems", "", "provider name (required)")
	cmd.Flags().StringVar(&opts.typ, "type", "", "provider type, e.g. openstack")
	cmd.Flags().StringVar(&opts.target, "target", "provider",
		"disconnect scope: provider, zone:ID, host:ID or instance:ID")
	cmd.Flags().BoolVar(&opts.noDisconnect, "no-disconnect", false,
		"keep entities missing from the snapshot")
	cmd.Flags().StringVar(&opts.watch, "watch", "", "watch DIR for snapshot files")

	if err := cmd.MarkFlagRequired("ems"); err != nil {
		panic(err)
	}

	return cmd
}

func runRefresh(cmd *cobra.Command, opts *refreshOptions, files []string) error {
	cc := mustCLIContext(cmd.Context())

	target, err := refresh.ParseTarget(opts.target)
	if err != nil {
		return err
	}

	switch {
	case opts.watch != "" && len(files) > 0:
		return errors.New("--watch and FILE arguments are mutually exclusive")
	case opts.watch == "" && len(files) == 0:
		return errors.New("no snapshot files given (pass FILE... or --watch DIR)")
	}

	ctx := shutdownContext(cmd.Context(), cc.Logger)

	store, err := openStore(cc)
	if err != nil {
		return err
	}
	defer store.Close()

	ems, err := store.EnsureProvider(ctx, opts.ems, opts.typ)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()

	job := &refreshJob{
		cc: cc,
		rf: refresh.New(&refresh.Config{
			Store:         store,
			Metrics:       refresh.NewMetrics(reg),
			Logger:        cc.Logger,
			DebugFailures: cc.Cfg.Refresh.DebugFailures,
			DebugTrace:    cc.Cfg.Refresh.DebugTrace,
		}),
		ems:        ems,
		target:     target,
		disconnect: cc.Cfg.Refresh.Disconnect,
		gatherer:   reg,
		out:        cmd.OutOrStdout(),
	}

	if opts.watch != "" {
		cc.Statusf("Watching %s for %s snapshots\n", opts.watch, ems.Name)

		return watchInbox(ctx, opts.watch, cc.Cfg.Refresh.WatchIntervalDuration(), cc.Logger, job.run)
	}

	return job.run(ctx, files)
}

// refreshJob runs one reconciliation per batch of snapshot files.
type refreshJob struct {
	cc         *CLIContext
	rf         *refresh.Refresher
	ems        *inventory.Provider
	target     refresh.Target
	disconnect bool
	gatherer   prometheus.Gatherer
	out        io.Writer
}

func (j *refreshJob) run(ctx context.Context, files []string) error {
	inv, err := snapshot.DecodeFiles(ctx, files)
	if err != nil {
		return fmt.Errorf("reading snapshots: %w", err)
	}

	report, err := j.rf.SaveCloudInventory(ctx, j.ems, inv, j.target, j.disconnect)

	if path := j.cc.Cfg.Metrics.Textfile; path != "" {
		if mErr := refresh.WriteTextfile(path, j.gatherer); mErr != nil {
			j.cc.Logger.Warn("writing metrics failed", slog.String("error", mErr.Error()))
		}
	}

	if err != nil {
		return err
	}

	summary := summarize(j.ems, report)

	if j.cc.Flags.JSON {
		if err := printJSON(j.out, summary); err != nil {
			return err
		}
	} else if !j.cc.Flags.Quiet {
		printSummary(j.out, summary)
	}

	if len(summary.Invalid) > 0 {
		return fmt.Errorf("%w: %w", errPartialRefresh, report.Err())
	}

	return nil
}

// refreshSummary is the printable outcome of one refresh run.
type refreshSummary struct {
	RunID                 string              `json:"run_id"`
	EMS                   string              `json:"ems"`
	Target                string              `json:"target"`
	DurationMS            int64               `json:"duration_ms"`
	Collections           []collectionSummary `json:"collections"`
	Disconnected          int                 `json:"disconnected"`
	PartiallyDisconnected int                 `json:"partially_disconnected"`
	Requeued              int                 `json:"requeued"`
	DisconnectSuppressed  bool                `json:"disconnect_suppressed,omitempty"`
	Duplicates            []string            `json:"duplicates,omitempty"`
	Invalid               []invalidRecord     `json:"invalid,omitempty"`
}

type collectionSummary struct {
	Name    string `json:"name"`
	Created int    `json:"created"`
	Updated int    `json:"updated"`
	Invalid int    `json:"invalid"`
}

type invalidRecord struct {
	Collection string `json:"collection"`
	Index      int    `json:"index"`
	Record     string `json:"record"`
	Error      string `json:"error"`
}

func summarize(ems *inventory.Provider, report *refresh.Report) *refreshSummary {
	s := &refreshSummary{
		RunID:                 report.RunID,
		EMS:                   ems.Name,
		Target:                report.Target.String(),
		DurationMS:            report.Duration.Milliseconds(),
		Disconnected:          report.Disconnected,
		PartiallyDisconnected: report.PartiallyDisconnected,
		Requeued:              report.Requeued,
		DisconnectSuppressed:  report.DisconnectSuppressed,
		Duplicates:            report.Duplicates,
	}

	seen := make(map[string]bool)

	for _, res := range report.Results {
		if seen[res.Collection] {
			continue
		}

		seen[res.Collection] = true
		s.Collections = append(s.Collections, collectionSummary{
			Name:    res.Collection,
			Created: report.Count(res.Collection, refresh.StatusCreated),
			Updated: report.Count(res.Collection, refresh.StatusUpdated),
			Invalid: report.Count(res.Collection, refresh.StatusInvalid),
		})
	}

	for _, res := range report.Invalid() {
		msg := ""
		if res.Err != nil {
			msg = res.Err.Error()
		}

		s.Invalid = append(s.Invalid, invalidRecord{
			Collection: res.Collection,
			Index:      res.Index,
			Record:     res.Label(),
			Error:      msg,
		})
	}

	return s
}

func printSummary(w io.Writer, s *refreshSummary) {
	fmt.Fprintf(w, "Refreshed %s (%s) in %dms\n\n", s.EMS, s.Target, s.DurationMS)

	rows := make([][]string, 0, len(s.Collections))
	for _, c := range s.Collections {
		rows = append(rows, []string{
			c.Name, strconv.Itoa(c.Created), strconv.Itoa(c.Updated), strconv.Itoa(c.Invalid),
		})
	}

	printTable(w, []string{"COLLECTION", "CREATED", "UPDATED", "INVALID"}, rows)

	fmt.Fprintf(w, "\nDisconnected: %d\n", s.Disconnected)

	if s.PartiallyDisconnected > 0 || s.Requeued > 0 {
		fmt.Fprintf(w, "Detached from host: %d (requeued %d)\n", s.PartiallyDisconnected, s.Requeued)
	}

	if s.DisconnectSuppressed {
		fmt.Fprintln(w, "Disconnect skipped: some instances failed to save")
	}

	for _, d := range s.Duplicates {
		fmt.Fprintf(w, "Duplicate key: %s\n", d)
	}

	for _, inv := range s.Invalid {
		fmt.Fprintf(w, "Invalid %s[%d] %s: %s\n", inv.Collection, inv.Index, inv.Record, inv.Error)
	}
}
