// Package analysis classifies historical per-test results for one
// logical CI job into flaky and permanently failing tests, and bisects
// the commit chain to locate the onset of permanent failures.
package analysis

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/flakewatch/flakewatch/pkg/config"
	"github.com/flakewatch/flakewatch/pkg/store"
	"github.com/flakewatch/flakewatch/pkg/testname"
	"github.com/flakewatch/flakewatch/pkg/testresult"
)

// JobRun is one historical execution of a logical job, with its test
// outcomes partitioned into name sets. Immutable once loaded.
type JobRun struct {
	RunID     uint
	Time      int64
	Failed    []string
	Attempted []string
	Succeeded []string
	URL       string
	CheckRepo string
	Commit    string
	Aborted   bool

	// TestResult is the overall suite verdict reported by the CI
	// system: success, failure, truncated, or unknown.
	TestResult string
}

// FlakyTest is one flaky test together with its failure ratio over the
// full loaded history.
type FlakyTest struct {
	Name  string
	Ratio float64
}

// JobAnalysis is the complete derived analysis of one unique job over
// one time window. It is recomputed from scratch on every call and
// holds no cross-call state.
type JobAnalysis struct {
	UniqueJob string
	Runs      []JobRun

	// Streaks holds one consecutive-failure map per run, aligned with
	// Runs (newest first).
	Streaks []map[string]int

	// Flaky and Permafails are sorted by test name, numeric names first.
	Flaky      []FlakyTest
	Permafails []string

	// PermafailMessages maps each permafailing test to its bisection
	// message.
	PermafailMessages map[string]string

	// IgnoredFailures is set when tests permafail even though the CI
	// system marked the job successful (failures likely marked ignored).
	IgnoredFailures bool

	// LastAborted is set when nothing is failing but the most recent
	// run aborted, probably due to a timeout.
	LastAborted bool
}

// Analyzer performs per-unique-job trend analysis. It is stateless
// between calls; analyzing different jobs concurrently is safe.
type Analyzer struct {
	log    logrus.FieldLogger
	cfg    *config.AnalysisConfig
	branch string
	store  store.Store
}

// NewAnalyzer creates an Analyzer reading history from the given store.
func NewAnalyzer(
	log logrus.FieldLogger,
	cfg *config.Config,
	st store.Store,
) *Analyzer {
	return &Analyzer{
		log:    log.WithField("component", "analysis"),
		cfg:    &cfg.Analysis,
		branch: cfg.Global.Branch,
		store:  st,
	}
}

// UniqueJobKey builds the opaque unique-job key from run metadata: the
// concatenation of account, repo, origin, and unique job name.
func UniqueJobKey(meta map[string]string) string {
	return strings.Join([]string{
		meta[store.MetaAccount],
		meta[store.MetaCheckRepo],
		meta[store.MetaOrigin],
		meta[store.MetaUniqueJob],
	}, ",")
}

// abortedByOrigin maps a CI origin to the metadata key and status value
// that indicate a cancelled or timed-out run on that origin. There is no
// reliable way to determine this on Appveyor.
var abortedByOrigin = map[string]struct {
	metaKey string
	status  string
}{
	"azure":  {store.MetaCIStep, "canceled"},
	"circle": {store.MetaCIStep, "timedout"},
	"cirrus": {store.MetaCIResult, "aborted"},
	"gha":    {store.MetaCIStep, "cancelled"},
}

// checkAborted reports whether the run metadata indicates an aborted
// test run, either via an origin-specific status or the generic
// truncation flag set by the log parser.
func checkAborted(meta map[string]string) bool {
	if probe, ok := abortedByOrigin[meta[store.MetaOrigin]]; ok {
		if meta[probe.metaKey] == probe.status {
			return true
		}
	}

	return meta[store.MetaTestResult] == "truncated"
}

// LoadUniqueJob retrieves the historical runs for one unique job within
// the time window, newest first, with each run's test outcomes
// partitioned into failed, attempted, and succeeded name sets. Runs
// originating from pull requests are excluded. An empty result means no
// history, not an error.
func (a *Analyzer) LoadUniqueJob(
	ctx context.Context, uniqueJob string, from, to int64,
) ([]JobRun, error) {
	refs, err := a.store.ListRuns(ctx, uniqueJob, from, to)
	if err != nil {
		return nil, fmt.Errorf("listing runs for %s: %w", uniqueJob, err)
	}

	runs := make([]JobRun, 0, len(refs))

	for _, ref := range refs {
		meta, err := a.store.GetRunMeta(ctx, ref.ID)
		if err != nil {
			return nil, fmt.Errorf("loading run %d metadata: %w", ref.ID, err)
		}

		if pr := meta[store.MetaPullRequest]; pr != "" && pr != "0" {
			continue
		}

		findings, err := a.store.GetTestOutcomes(ctx, ref.ID)
		if err != nil {
			return nil, fmt.Errorf("loading run %d outcomes: %w", ref.ID, err)
		}

		run := JobRun{
			RunID:      ref.ID,
			Time:       ref.Time,
			URL:        meta[store.MetaURL],
			CheckRepo:  meta[store.MetaCheckRepo],
			Commit:     meta[store.MetaCommit],
			Aborted:    checkAborted(meta),
			TestResult: meta[store.MetaTestResult],
		}

		if run.TestResult == "" {
			run.TestResult = "unknown"
		}

		for _, tc := range findings {
			switch tc.Result {
			case testresult.Pass:
				run.Succeeded = append(run.Succeeded, tc.Name)
			case testresult.Fail:
				run.Failed = append(run.Failed, tc.Name)
			}

			if tc.Result.Attempted() {
				run.Attempted = append(run.Attempted, tc.Name)
			}
		}

		testname.Sort(run.Failed)
		testname.Sort(run.Attempted)
		testname.Sort(run.Succeeded)

		runs = append(runs, run)
	}

	return runs, nil
}

// Analyze loads and analyzes one unique job over the configured
// analysis window ending now.
func (a *Analyzer) Analyze(
	ctx context.Context, uniqueJob string,
) (*JobAnalysis, error) {
	to := time.Now().Unix()
	from := time.Now().
		Add(-time.Duration(a.cfg.AnalysisHours) * time.Hour).
		Unix()

	return a.AnalyzeWindow(ctx, uniqueJob, from, to)
}

// AnalyzeWindow loads and analyzes one unique job over an explicit time
// window.
func (a *Analyzer) AnalyzeWindow(
	ctx context.Context, uniqueJob string, from, to int64,
) (*JobAnalysis, error) {
	a.log.WithField("uniquejob", uniqueJob).
		Info("Starting analysis")

	runs, err := a.LoadUniqueJob(ctx, uniqueJob, from, to)
	if err != nil {
		return nil, err
	}

	a.log.WithFields(logrus.Fields{
		"uniquejob": uniqueJob,
		"runs":      len(runs),
	}).Debug("Job history loaded")

	streaks := FailureStreaks(runs)

	window := streaks
	if len(window) > a.cfg.FlakyBuildsMax {
		window = window[:a.cfg.FlakyBuildsMax]
	}

	successes := everSucceeded(runs, a.cfg.FlakyBuildsMax)

	flaky := a.detectFlakyTests(runs, window, successes)
	sort.Slice(flaky, func(i, j int) bool {
		return testname.Less(flaky[i].Name, flaky[j].Name)
	})

	result := &JobAnalysis{
		UniqueJob:         uniqueJob,
		Runs:              runs,
		Streaks:           streaks,
		Flaky:             flaky,
		PermafailMessages: make(map[string]string),
	}

	if len(runs) == 0 {
		return result, nil
	}

	current := streaks[0]
	result.Permafails = a.permafails(runs, current)

	latest := runs[0]

	switch {
	case len(result.Permafails) > 0:
		result.IgnoredFailures = latest.TestResult == "success"

		for _, name := range result.Permafails {
			result.PermafailMessages[name] =
				a.permafailMessage(ctx, runs, name, current[name])
		}
	case latest.Aborted:
		result.LastAborted = true
	}

	return result, nil
}

// RecentFailedLink returns the URL of the most recent run in which the
// test failed, or an empty string if none is known.
func RecentFailedLink(runs []JobRun, name string) string {
	for _, run := range runs {
		if contains(run.Failed, name) && run.URL != "" {
			return run.URL
		}
	}

	return ""
}

// contains reports whether a sorted name list contains the test name.
// The lists are small enough that a linear scan is fine.
func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}

	return false
}
