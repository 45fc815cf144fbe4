package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/gradeflow/internal/app"
	"github.com/joseph-ayodele/gradeflow/internal/ingest"
	"github.com/joseph-ayodele/gradeflow/internal/pipeline"
)

type watchFlags struct {
	dirs     []string
	rubricID string
	account  string
	debounce time.Duration
	existing bool
}

func newWatchCmd() *cobra.Command {
	f := &watchFlags{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Grade documents as they appear in watched directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return watch(cmd.Context(), f)
		},
	}
	cmd.Flags().StringSliceVar(&f.dirs, "dir", nil, "directory to watch, repeatable (required)")
	cmd.Flags().StringVar(&f.rubricID, "rubric", "", "rubric id (required)")
	cmd.Flags().StringVar(&f.account, "account", "local", "account charged for fresh analyses")
	cmd.Flags().DurationVar(&f.debounce, "debounce", 500*time.Millisecond, "quiet period before a changed file is graded")
	cmd.Flags().BoolVar(&f.existing, "existing", false, "also grade files already present")
	_ = cmd.MarkFlagRequired("dir")
	_ = cmd.MarkFlagRequired("rubric")
	return cmd
}

func init() { rootCmd.AddCommand(newWatchCmd()) }

func watch(ctx context.Context, f *watchFlags) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	if _, err := a.Rubrics.Get(f.rubricID); err != nil {
		return err
	}

	paths, errs, err := ingest.Watch(ctx, ingest.WatchConfig{
		Roots:       f.dirs,
		InitialScan: f.existing,
		Debounce:    f.debounce,
		SkipHidden:  true,
	}, logger)
	if err != nil {
		return err
	}
	logger.Info("watching", "dirs", f.dirs, "rubric_id", f.rubricID)

	onDone := func(v pipeline.BatchView) {
		for _, it := range v.Items {
			logger.Info("document graded",
				"document", it.DisplayName,
				"status", it.Status,
				"frozen", it.Frozen,
				"charged", it.Charged,
				"error", it.LastError,
			)
		}
	}

	for {
		select {
		case p, ok := <-paths:
			if !ok {
				return nil
			}
			doc, err := a.Ingestor.IngestPath(ctx, f.rubricID, p)
			if err != nil {
				logger.Warn("document skipped", "path", p, "error", err)
				continue
			}
			if _, err := a.Coordinator.Submit(ctx, pipeline.SubmitRequest{
				AccountID: f.account,
				RubricID:  f.rubricID,
				Documents: toPipelineDocs([]ingest.Document{doc}),
			}, onDone); err != nil {
				logger.Error("submit failed", "path", p, "error", err)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			logger.Warn("watch error", "error", err)
		case <-ctx.Done():
			return nil
		}
	}
}
