package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tracelake/tracelake/internal/model"
	"github.com/tracelake/tracelake/pkg/metadata"
)

// Admin command flags
var (
	matFrom   string
	matTo     string
	matWindow time.Duration
	matKey    string

	listView    string
	listKey     string
	listRetired bool

	retireFingerprint string
)

var materializeCmd = &cobra.Command{
	Use:   "materialize [view]",
	Short: "Materialize a view's buckets immediately",
	Long: `Materialize every bucket of a view over a time range, bypassing the
scheduler's watermark. With --key, materializes a per-process instance.

Examples:
  tracelake materialize log_entries --window 1h
  tracelake materialize measures --key P1 --from 2026-08-29T10:00:00Z --to 2026-08-29T11:00:00Z`,
	Args: cobra.ExactArgs(1),
	RunE: runMaterialize,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one maintenance sweep",
	Long:  `Deduplicate metadata, retire stale-schema partitions and collect expired retired files, once.`,
	RunE:  runSweep,
}

var partitionsCmd = &cobra.Command{
	Use:   "partitions",
	Short: "List materialized partitions",
	RunE:  runPartitions,
}

var retireCmd = &cobra.Command{
	Use:   "retire [view]",
	Short: "Retire a view's partitions by schema fingerprint",
	Args:  cobra.ExactArgs(1),
	RunE:  runRetire,
}

var viewsCmd = &cobra.Command{
	Use:   "views",
	Short: "List registered views",
	RunE:  runViews,
}

func init() {
	materializeCmd.Flags().StringVar(&matFrom, "from", "", "Range start (RFC 3339)")
	materializeCmd.Flags().StringVar(&matTo, "to", "", "Range end (RFC 3339)")
	materializeCmd.Flags().DurationVar(&matWindow, "window", time.Hour, "Range width ending now (ignored when --from is set)")
	materializeCmd.Flags().StringVar(&matKey, "key", "", "Instance key (process id) for per-entity views")

	partitionsCmd.Flags().StringVar(&listView, "view", "", "Filter by view name")
	partitionsCmd.Flags().StringVar(&listKey, "key", "", "Filter by instance key")
	partitionsCmd.Flags().BoolVar(&listRetired, "retired", false, "Include retired partitions")

	retireCmd.Flags().StringVar(&retireFingerprint, "fingerprint", "", "Schema fingerprint to retire (required)")
	retireCmd.MarkFlagRequired("fingerprint")

	rootCmd.AddCommand(materializeCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(partitionsCmd)
	rootCmd.AddCommand(retireCmd)
	rootCmd.AddCommand(viewsCmd)
}

func runMaterialize(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	lake, err := openLake(ctx, cfg)
	if err != nil {
		return err
	}
	defer lake.Close()

	tr, err := resolveRange()
	if err != nil {
		return err
	}

	viewName := args[0]
	var parts []*model.Partition
	if matKey != "" {
		parts, err = lake.bridge.ViewInstance(ctx, viewName, matKey, tr)
	} else {
		parts, err = lake.bridge.MaterializeNow(ctx, viewName, tr)
	}
	if err != nil {
		return err
	}

	for _, p := range parts {
		fmt.Printf("%s  [%s, %s)  %d rows  %s\n",
			p.ViewName, p.BucketStart.Format(time.RFC3339), p.BucketEnd.Format(time.RFC3339),
			p.Rows, p.FilePath)
	}
	fmt.Printf("%d partitions current\n", len(parts))
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	lake, err := openLake(ctx, cfg)
	if err != nil {
		return err
	}
	defer lake.Close()

	sweeper := newSweeper(lake, cfg)
	report, err := sweeper.Sweep(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("deduplicated: %d processes, %d streams, %d blocks\n",
		report.Dedup.Processes, report.Dedup.Streams, report.Dedup.Blocks)
	fmt.Printf("retired by schema change: %d\n", report.RetiredBySchema)
	fmt.Printf("files collected: %d\n", report.FilesCollected)
	return nil
}

func runPartitions(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	lake, err := openLake(ctx, cfg)
	if err != nil {
		return err
	}
	defer lake.Close()

	parts, err := lake.bridge.ListPartitions(ctx, metadata.PartitionQuery{
		View:           listView,
		Key:            listKey,
		IncludeRetired: listRetired,
	})
	if err != nil {
		return err
	}

	for _, p := range parts {
		state := "live"
		if p.Retired {
			state = "retired"
		}
		fmt.Printf("%-20s %-12s [%s, %s)  %8d rows  %-7s  fp=%s\n",
			p.ViewName, p.ViewKey,
			p.BucketStart.Format(time.RFC3339), p.BucketEnd.Format(time.RFC3339),
			p.Rows, state, p.SchemaFingerprint)
	}
	fmt.Printf("%d partitions\n", len(parts))
	return nil
}

func runRetire(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	lake, err := openLake(ctx, cfg)
	if err != nil {
		return err
	}
	defer lake.Close()

	n, err := lake.bridge.RetirePartitions(ctx, args[0], retireFingerprint)
	if err != nil {
		return err
	}
	fmt.Printf("retired %d partitions of %s with fingerprint %s\n", n, args[0], retireFingerprint)
	return nil
}

func runViews(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	lake, err := openLake(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer lake.Close()

	for _, t := range lake.bridge.Tables() {
		mode := "scheduled"
		if t.Instance {
			mode = "jit"
		}
		fmt.Printf("%-20s %-8s %-9s %d columns\n", t.Name, t.Granularity, mode, t.Schema.NumFields())
	}
	return nil
}

func resolveRange() (model.TimeRange, error) {
	now := time.Now().UTC()
	if matFrom == "" {
		return model.TimeRange{Start: now.Add(-matWindow), End: now}, nil
	}

	start, err := time.Parse(time.RFC3339, matFrom)
	if err != nil {
		return model.TimeRange{}, fmt.Errorf("invalid --from: %w", err)
	}
	end := now
	if matTo != "" {
		if end, err = time.Parse(time.RFC3339, matTo); err != nil {
			return model.TimeRange{}, fmt.Errorf("invalid --to: %w", err)
		}
	}
	return model.TimeRange{Start: start, End: end}, nil
}
