package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"arb-executor/internal/config"
	"arb-executor/internal/execution"
	"arb-executor/internal/scheduler"
	"arb-executor/internal/taskstore"
)

func newStatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Print persisted task records of every bucket",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(cmd.String("config"))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return fmt.Errorf("open state store: %w", err)
			}
			defer store.Close()
			return printRecords(ctx, os.Stdout, store)
		},
	}
}

func newCleanupCommand() *cli.Command {
	return &cli.Command{
		Name:  "cleanup",
		Usage: "Purge completed and errored records older than the given age",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "max-age-hours",
				Usage: "Age in hours; defaults to scheduler.cleanup_max_age_hours",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(cmd.String("config"))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			hours := cfg.Scheduler.CleanupMaxAgeHours
			if cmd.IsSet("max-age-hours") {
				hours = int64(cmd.Int("max-age-hours"))
			}
			if hours < 0 {
				return fmt.Errorf("max-age-hours must be >= 0")
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return fmt.Errorf("open state store: %w", err)
			}
			defer store.Close()
			n, err := scheduler.New(store, scheduler.Options{}).CleanupPersistence(ctx, time.Duration(hours)*time.Hour)
			if err != nil {
				return err
			}
			fmt.Printf("purged=%d max_age_hours=%d\n", n, hours)
			return nil
		},
	}
}

func printRecords(ctx context.Context, w io.Writer, store taskstore.Store) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BUCKET\tTASK ID\tKIND\tSTATE\tCONFIG KEY\tPERSISTED AT")
	for _, bucket := range []taskstore.Bucket{taskstore.BucketActive, taskstore.BucketCompleted, taskstore.BucketErrored} {
		records, err := store.List(ctx, bucket)
		if err != nil {
			return fmt.Errorf("list %s: %w", bucket, err)
		}
		for _, rec := range records {
			key := "-"
			if md, err := execution.RecordMetadata(rec); err == nil && md[configKeyField] != "" {
				key = md[configKeyField]
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				bucket, rec.TaskID, rec.ContextType, rec.State, key, rec.PersistedAt.UTC().Format(time.RFC3339))
		}
	}
	return tw.Flush()
}
