package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/gradeflow/constants"
	"github.com/joseph-ayodele/gradeflow/internal/app"
	"github.com/joseph-ayodele/gradeflow/internal/ingest"
	"github.com/joseph-ayodele/gradeflow/internal/pipeline"
)

type runFlags struct {
	dir      string
	rubricID string
	out      string
	account  string
	credit   int64
	hidden   bool
}

func newRunCmd() *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Grade every document in a directory and write an XLSX report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVar(&f.dir, "dir", "", "directory of documents to grade (required)")
	cmd.Flags().StringVar(&f.rubricID, "rubric", "", "rubric id (required)")
	cmd.Flags().StringVar(&f.out, "out", "", "output XLSX path (defaults to <dir>/../grades.xlsx)")
	cmd.Flags().StringVar(&f.account, "account", "local", "account charged for fresh analyses")
	cmd.Flags().Int64Var(&f.credit, "credit", 0, "credit the account with this many units before running")
	cmd.Flags().BoolVar(&f.hidden, "include-hidden", false, "also grade hidden files")
	_ = cmd.MarkFlagRequired("dir")
	_ = cmd.MarkFlagRequired("rubric")
	return cmd
}

func init() { rootCmd.AddCommand(newRunCmd()) }

func runBatch(ctx context.Context, f *runFlags) error {
	if f.out == "" {
		f.out = filepath.Join(filepath.Dir(filepath.Clean(f.dir)), "grades.xlsx")
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	rb, err := a.Rubrics.Get(f.rubricID)
	if err != nil {
		return err
	}
	if f.credit > 0 {
		if err := a.Backend.Ledger.Credit(ctx, f.account, f.credit); err != nil {
			return fmt.Errorf("credit %s: %w", f.account, err)
		}
	}

	logger.Info("starting ingestion", "dir", f.dir, "rubric_id", rb.ID)
	docs, failures, stats, err := a.Ingestor.IngestDirectory(ctx, rb.ID, f.dir, !f.hidden)
	if err != nil {
		return err
	}
	for _, fl := range failures {
		logger.Warn("document skipped", "path", fl.Path, "error", fl.Err)
	}
	logger.Info("ingestion complete",
		"scanned", stats.Scanned,
		"matched", stats.Matched,
		"succeeded", stats.Succeeded,
		"deduplicated", stats.Deduplicated,
		"failed", stats.Failed,
	)
	if len(docs) == 0 {
		return errors.New("no documents to grade")
	}

	done := make(chan pipeline.BatchView, 1)
	view, err := a.Coordinator.Submit(ctx, pipeline.SubmitRequest{
		AccountID: f.account,
		RubricID:  rb.ID,
		Documents: toPipelineDocs(docs),
	}, func(v pipeline.BatchView) { done <- v })
	if err != nil {
		return err
	}
	logger.Info("batch submitted", "batch_id", view.ID, "documents", len(view.Items))

	select {
	case view = <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	xlsx, err := a.Exporter.BatchXLSX(ctx, view, rb)
	if err != nil {
		return err
	}
	if err := os.WriteFile(f.out, xlsx, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", f.out, err)
	}

	balance, err := a.Backend.Ledger.Balance(ctx, f.account)
	if err != nil {
		logger.Warn("balance unavailable", "account_id", f.account, "error", err)
	}
	logger.Info("batch processing complete",
		"batch_id", view.ID,
		"completed", view.Completed,
		"failed", view.Failed,
		"charged", view.Charged,
		"balance", balance,
		"output", f.out,
	)
	for _, it := range view.Items {
		if it.Status != constants.JobStatusCompleted {
			fmt.Printf("%s\t%s\t%s\n", it.DisplayName, it.Status, it.LastError)
		}
	}
	return nil
}

func toPipelineDocs(docs []ingest.Document) []pipeline.Document {
	out := make([]pipeline.Document, 0, len(docs))
	for _, d := range docs {
		out = append(out, pipeline.Document{Fingerprint: d.Fingerprint, DisplayName: d.DisplayName, Path: d.Path})
	}
	return out
}
