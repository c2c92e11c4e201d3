// Package report renders analysis results as plain text or as an HTML
// failure grid. It consumes the analysis package's output structures
// and contains no analysis logic of its own.
package report

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/flakewatch/flakewatch/pkg/analysis"
	"github.com/flakewatch/flakewatch/pkg/config"
	"github.com/flakewatch/flakewatch/pkg/store"
)

// Generator produces per-repo reports by analyzing every unique job
// seen within the configured analysis window.
type Generator struct {
	log      logrus.FieldLogger
	cfg      *config.Config
	store    store.Store
	analyzer *analysis.Analyzer
}

// NewGenerator creates a report generator.
func NewGenerator(
	log logrus.FieldLogger,
	cfg *config.Config,
	st store.Store,
) *Generator {
	return &Generator{
		log:      log.WithField("component", "report"),
		cfg:      cfg,
		store:    st,
		analyzer: analysis.NewAnalyzer(log, cfg, st),
	}
}

// windowStart returns the beginning of the analysis window ending now.
func (g *Generator) windowStart() int64 {
	return time.Now().
		Add(-time.Duration(g.cfg.Analysis.AnalysisHours) * time.Hour).
		Unix()
}

// analyzeRepo analyzes every unique job of a repo within the analysis
// window, in the stable unique-job order returned by the store.
func (g *Generator) analyzeRepo(
	ctx context.Context, repo string,
) ([]*analysis.JobAnalysis, error) {
	jobs, err := g.store.UniqueJobs(ctx, repo, g.windowStart())
	if err != nil {
		return nil, fmt.Errorf("listing unique jobs: %w", err)
	}

	results := make([]*analysis.JobAnalysis, 0, len(jobs))

	for _, job := range jobs {
		ja, err := g.analyzer.Analyze(ctx, job)
		if err != nil {
			return nil, fmt.Errorf("analyzing %s: %w", job, err)
		}

		results = append(results, ja)
	}

	return results, nil
}

// TextReport writes the per-job flaky and permafail findings for a repo
// as plain text. Jobs with nothing to report still get a header so the
// reader can tell they were covered.
func (g *Generator) TextReport(
	ctx context.Context, w io.Writer, repo string,
) error {
	results, err := g.analyzeRepo(ctx, repo)
	if err != nil {
		return err
	}

	for _, ja := range results {
		g.WriteJobText(w, ja)
	}

	return nil
}

// WriteJobText writes the findings of one analyzed job as plain text.
func (g *Generator) WriteJobText(w io.Writer, ja *analysis.JobAnalysis) {
	fmt.Fprintf(w, "Analyzing unique job %s\n", ja.UniqueJob)

	if len(ja.Flaky) > 0 {
		fmt.Fprintln(w, "These tests were found to be flaky:")

		for _, flake := range ja.Flaky {
			urlText := ""
			if url := analysis.RecentFailedLink(ja.Runs, flake.Name); url != "" {
				urlText = fmt.Sprintf(" (latest failure: %s)", url)
			}

			fmt.Fprintf(w, "%s fails %.1f%%%s\n",
				flake.Name, flake.Ratio*100, urlText)
		}
	}

	switch {
	case len(ja.Permafails) > 0:
		if ja.IgnoredFailures {
			fmt.Fprintln(w, "Some tests are failing but the job was marked "+
				"as successful. These tests were likely marked to be "+
				"ignored in this job.")
		}

		fmt.Fprintln(w, "These tests are now consistently failing:")

		for _, name := range ja.Permafails {
			fmt.Fprintln(w, name)
		}

		for _, name := range ja.Permafails {
			fmt.Fprintln(w, ja.PermafailMessages[name])
		}

		fmt.Fprintf(w, "Latest failure: %s\n", ja.Runs[0].URL)
	case ja.LastAborted:
		fmt.Fprintln(w, "No tests are currently failing on this job but "+
			"the last test run aborted, probably due to a timeout")
	}

	fmt.Fprintln(w)
}
