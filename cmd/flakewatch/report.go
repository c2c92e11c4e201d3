package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/flakewatch/flakewatch/pkg/report"
	"github.com/flakewatch/flakewatch/pkg/store"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Generate a test failure report for a repository",
	Long: `Generate a report covering every unique job of a repository within
the analysis window, either as an HTML failure grid or as plain text.`,
	RunE: runReport,
}

var (
	reportRepo   string
	reportFormat string
	reportOutput string
)

func init() {
	rootCmd.AddCommand(reportCmd)

	reportCmd.Flags().StringVar(&reportRepo, "repo", "",
		"repository URL to report on")
	reportCmd.Flags().StringVar(&reportFormat, "format", "html",
		"report format (html, text)")
	reportCmd.Flags().StringVar(&reportOutput, "output", "",
		"output file (defaults to stdout)")

	if err := reportCmd.MarkFlagRequired("repo"); err != nil {
		panic(err)
	}
}

func runReport(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	defer func() {
		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Closing store failed")
		}
	}()

	var out io.Writer = os.Stdout

	if reportOutput != "" {
		f, err := os.Create(reportOutput)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()

		out = f
	}

	gen := report.NewGenerator(log, cfg, st)

	switch reportFormat {
	case "html":
		err = gen.HTMLReport(ctx, out, reportRepo)
	case "text":
		err = gen.TextReport(ctx, out, reportRepo)
	default:
		return fmt.Errorf("unsupported report format: %s", reportFormat)
	}

	if err != nil {
		return fmt.Errorf("generating report: %w", err)
	}

	return nil
}
