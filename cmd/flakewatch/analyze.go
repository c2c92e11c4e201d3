package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/flakewatch/flakewatch/pkg/analysis"
	"github.com/flakewatch/flakewatch/pkg/report"
	"github.com/flakewatch/flakewatch/pkg/store"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Analyze recent runs of a repository's test jobs",
	Long: `Analyze the stored test runs of every unique job of a repository
within the analysis window, reporting flaky tests and tests that are
now consistently failing.`,
	RunE: runAnalyze,
}

var (
	analyzeRepo        string
	analyzeJob         string
	analyzeConcurrency int
)

func init() {
	rootCmd.AddCommand(analyzeCmd)

	analyzeCmd.Flags().StringVar(&analyzeRepo, "repo", "",
		"repository URL whose jobs to analyze")
	analyzeCmd.Flags().StringVar(&analyzeJob, "job", "",
		"analyze only this unique job key (account,repo,origin,jobname)")
	analyzeCmd.Flags().IntVar(&analyzeConcurrency, "concurrency", 4,
		"number of jobs to analyze in parallel")

	if err := analyzeCmd.MarkFlagRequired("repo"); err != nil {
		panic(err)
	}
}

func runAnalyze(cmd *cobra.Command, _ []string) error {
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

	jobs := []string{analyzeJob}
	if analyzeJob == "" {
		from := time.Now().
			Add(-time.Duration(cfg.Analysis.AnalysisHours) * time.Hour).
			Unix()

		jobs, err = st.UniqueJobs(ctx, analyzeRepo, from)
		if err != nil {
			return fmt.Errorf("listing unique jobs: %w", err)
		}
	}

	log.WithField("repo", analyzeRepo).
		WithField("jobs", len(jobs)).
		Info("Analyzing test runs")

	analyzer := analysis.NewAnalyzer(log, cfg, st)
	results := make([]*analysis.JobAnalysis, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(analyzeConcurrency)

	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			ja, err := analyzer.Analyze(gctx, job)
			if err != nil {
				return fmt.Errorf("analyzing %s: %w", job, err)
			}

			results[i] = ja

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	// Print in the stable unique-job order regardless of completion order.
	gen := report.NewGenerator(log, cfg, st)
	for _, ja := range results {
		gen.WriteJobText(os.Stdout, ja)
	}

	return nil
}
