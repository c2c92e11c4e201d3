package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/flakewatch/flakewatch/pkg/store"
)

// errChainBroken indicates a commit referenced by a run could not be
// located in the stored commit chain, either because the chain has a
// gap or because runs arrived out of commit order. Bisection degrades
// to an approximate message in that case.
var errChainBroken = errors.New("commit chain discontinuity")

// HashesMatch compares two commit hashes that may be of differing
// lengths: the shorter must be a prefix of the longer. Empty hashes
// never match anything, including each other.
func HashesMatch(a, b string) bool {
	if a == "" || b == "" {
		return false
	}

	if len(a) > len(b) {
		a, b = b, a
	}

	return strings.HasPrefix(b, a)
}

// findLastGoodRun searches from the run just before the current failure
// streak toward older runs for the nearest run in which the test
// succeeded. numFails is the streak length of the test at the most
// recent run, so runs[numFails-1] is the oldest run of the streak and
// the search starts at runs[numFails].
//
// A run that attempted the test without recording a pass or fail (an
// aborted run, for example) keeps the search going, as does a run with
// no sign of the test at all: the test may not have existed yet, or may
// have been skipped throughout. Exhausting the history without finding
// a success returns false.
func (a *Analyzer) findLastGoodRun(
	runs []JobRun, name string, numFails int,
) (*JobRun, bool) {
	if numFails >= len(runs) {
		panic(fmt.Sprintf(
			"findLastGoodRun: streak length %d covers all %d runs",
			numFails, len(runs),
		))
	}

	for i := numFails; i < len(runs); i++ {
		run := &runs[i]

		switch {
		case contains(run.Succeeded, name):
			a.log.WithFields(logrus.Fields{
				"test": name,
				"run":  run.RunID,
			}).Debug("Found a success; last good test run")

			return run, true
		case contains(run.Failed, name):
			a.log.WithField("test", name).
				Debug("Another failure further back")
		case contains(run.Attempted, name):
			a.log.WithField("test", name).
				Debug("Only attempted, neither passed nor failed")
		default:
			a.log.WithField("test", name).
				Debug("No sign of test in run")
		}
	}

	a.log.WithField("test", name).
		Info("None of the prior test runs attempted to run this test")

	return nil, false
}

// findCommitRange walks the commit chain between the last known good
// run and the first failing run. It returns the commit immediately
// following the last good one (the oldest candidate for having
// introduced the failure) and the number of candidate commits up to
// and including the first failing run's commit.
func (a *Analyzer) findCommitRange(
	ctx context.Context, lastGood, firstFail *JobRun,
) (store.Commit, int, error) {
	a.log.WithField("commit", lastGood.Commit).
		Debug("Looking up commits after last good commit")

	chain, err := a.store.CommitsAfter(
		ctx, lastGood.CheckRepo, a.branch, lastGood.Commit,
	)
	if err != nil {
		return store.Commit{}, 0, fmt.Errorf("walking commit chain: %w", err)
	}

	if len(chain) == 0 {
		return store.Commit{}, 0,
			fmt.Errorf("%w: commit %s not in chain",
				errChainBroken, lastGood.Commit)
	}

	// The chain must contain the known-good commit plus at least one
	// newer commit the failing run built; anything less means the
	// run-to-commit mapping is corrupt.
	if len(chain) < 2 {
		panic(fmt.Sprintf(
			"findCommitRange: chain from %s has no successors", lastGood.Commit,
		))
	}

	firstBad := chain[1]

	firstBadIndex, failIndex := -1, -1

	for i := range chain {
		if chain[i].Hash == firstBad.Hash {
			firstBadIndex = i
		}

		if HashesMatch(chain[i].Hash, firstFail.Commit) {
			failIndex = i
		}
	}

	if failIndex < 0 {
		return store.Commit{}, 0,
			fmt.Errorf("%w: commit %s not in chain",
				errChainBroken, firstFail.Commit)
	}

	commitRange := failIndex - firstBadIndex + 1

	return firstBad, commitRange, nil
}

// permafailMessage builds the human-readable onset attribution for one
// permafailing test. numFails is the test's streak length at the most
// recent run and must be at least 1.
func (a *Analyzer) permafailMessage(
	ctx context.Context, runs []JobRun, name string, numFails int,
) string {
	if numFails < 1 {
		panic("permafailMessage called for a test that is not failing")
	}

	// When the streak spans the entire retained history there is no
	// point in searching for the onset; the answer would be the same.
	if numFails >= len(runs) {
		return fmt.Sprintf(
			"Test %s has been failing too long to know when the problem started",
			name,
		)
	}

	const undetermined = "The commit that introduced this failure " +
		"could not be determined (it may be failing for too long)"

	lastGood, ok := a.findLastGoodRun(runs, name, numFails)
	if !ok {
		return undetermined
	}

	firstFail := &runs[numFails-1]

	firstBad, commitRange, err := a.findCommitRange(ctx, lastGood, firstFail)
	if err != nil {
		if errors.Is(err, errChainBroken) {
			a.log.WithError(err).WithField("test", name).
				Warn("Bisection degraded")

			return undetermined
		}

		a.log.WithError(err).WithField("test", name).
			Error("Commit chain lookup failed")

		return undetermined
	}

	if firstFail.Commit == firstBad.Hash {
		return fmt.Sprintf(
			"Failures started with commit %.9s (last success: %s)",
			firstBad.Hash, lastGood.URL,
		)
	}

	return fmt.Sprintf(
		"Failures started somewhere in the commit range %.9s^..%.9s "+
			"(%d possible commits) (last success: %s)",
		firstBad.Hash, firstFail.Commit, commitRange, lastGood.URL,
	)
}
