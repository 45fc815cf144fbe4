package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/gradeflow/internal/app"
	"github.com/joseph-ayodele/gradeflow/internal/common"
)

var (
	cfg      *common.Config
	logger   *slog.Logger
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:           "gradectl",
	Short:         "Grade document batches against YAML rubrics and inspect the fingerprint store.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfg != nil {
			return nil
		}
		c, err := common.LoadConfig()
		if err != nil {
			return err
		}
		if logLevel != "" {
			c.LogLevel = logLevel
		}
		cfg = c
		logger = app.NewLogger(cfg.LogLevel)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (default $LOG_LEVEL or info)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if _, werr := fmt.Fprintf(os.Stderr, "Error: %v\n", err); werr != nil {
			fmt.Printf("Error: %v\n", err)
		}
		os.Exit(1)
	}
}
