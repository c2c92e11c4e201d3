package analysis

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flakewatch/flakewatch/pkg/store"
	"github.com/flakewatch/flakewatch/pkg/testresult"
)

func TestUniqueJobKey(t *testing.T) {
	meta := map[string]string{
		store.MetaAccount:   "acct",
		store.MetaCheckRepo: "https://example.com/example/project",
		store.MetaOrigin:    "gha",
		store.MetaUniqueJob: "linux-gcc",
	}

	assert.Equal(t,
		"acct,https://example.com/example/project,gha,linux-gcc",
		UniqueJobKey(meta))
}

func TestCheckAborted(t *testing.T) {
	tests := []struct {
		name    string
		meta    map[string]string
		aborted bool
	}{
		{
			name: "gha cancelled",
			meta: map[string]string{
				store.MetaOrigin: "gha",
				store.MetaCIStep: "cancelled",
			},
			aborted: true,
		},
		{
			name: "gha completed",
			meta: map[string]string{
				store.MetaOrigin: "gha",
				store.MetaCIStep: "completed",
			},
			aborted: false,
		},
		{
			name: "cirrus aborted",
			meta: map[string]string{
				store.MetaOrigin:   "cirrus",
				store.MetaCIResult: "aborted",
			},
			aborted: true,
		},
		{
			name: "azure canceled",
			meta: map[string]string{
				store.MetaOrigin: "azure",
				store.MetaCIStep: "canceled",
			},
			aborted: true,
		},
		{
			name: "truncated log on unprobed origin",
			meta: map[string]string{
				store.MetaOrigin:     "appveyor",
				store.MetaTestResult: "truncated",
			},
			aborted: true,
		},
		{
			name: "clean run",
			meta: map[string]string{
				store.MetaOrigin:     "appveyor",
				store.MetaTestResult: "success",
			},
			aborted: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.aborted, checkAborted(tt.meta))
		})
	}
}

func TestRecentFailedLink(t *testing.T) {
	runs := []JobRun{
		passingRun(3, "test1"),
		{
			RunID:     2,
			Failed:    []string{"test1"},
			Attempted: []string{"test1"},
			URL:       "https://ci.example.com/runs/2",
		},
		{
			RunID:     1,
			Failed:    []string{"test1"},
			Attempted: []string{"test1"},
			URL:       "https://ci.example.com/runs/1",
		},
	}

	assert.Equal(t, "https://ci.example.com/runs/2",
		RecentFailedLink(runs, "test1"))
	assert.Empty(t, RecentFailedLink(runs, "other"))
}

// storeRun ingests one run of the fixed unique job with the given
// per-test findings.
func storeRun(
	t *testing.T, st store.Store, runID string, runTime int64,
	commit, verdict string, extraMeta map[string]string,
	findings ...testresult.SingleTestFinding,
) {
	t.Helper()

	meta := map[string]string{
		store.MetaCheckRepo:  testRepo,
		store.MetaOrigin:     "gha",
		store.MetaAccount:    "acct",
		store.MetaRunID:      runID,
		store.MetaUniqueJob:  "linux-gcc",
		store.MetaCommit:     commit,
		store.MetaTestResult: verdict,
		store.MetaURL:        "https://ci.example.com/runs/" + runID,
		"runtriggertime":     fmt.Sprintf("%d", runTime),
	}

	for k, v := range extraMeta {
		meta[k] = v
	}

	_, err := st.StoreTestRun(context.Background(), meta, findings)
	require.NoError(t, err)
}

func pass(name string) testresult.SingleTestFinding {
	return testresult.SingleTestFinding{Name: name, Result: testresult.Pass}
}

func fail(name string) testresult.SingleTestFinding {
	return testresult.SingleTestFinding{Name: name, Result: testresult.Fail}
}

func TestAnalyzeWindow_EndToEnd(t *testing.T) {
	st := setupTestStore(t)
	a := testAnalyzer(t, st)
	ctx := context.Background()

	hashes := []string{
		"c1c1c1c1c1c1", "c2c2c2c2c2c2", "c3c3c3c3c3c3", "c4c4c4c4c4c4",
		"c5c5c5c5c5c5", "c6c6c6c6c6c6", "c7c7c7c7c7c7", "c8c8c8c8c8c8",
	}
	storeChain(t, st, hashes...)

	// Eight runs, one per commit, oldest first. "flaketest" fails on
	// and off; "permatest" passes in the first five runs and fails in
	// the last three.
	flakeResults := []bool{false, true, false, true, false, true, false, false}
	permaResults := []bool{false, false, false, false, false, true, true, true}

	for i := range hashes {
		verdict := "success"
		if flakeResults[i] || permaResults[i] {
			verdict = "failure"
		}

		findings := []testresult.SingleTestFinding{pass("steady")}

		if flakeResults[i] {
			findings = append(findings, fail("flaketest"))
		} else {
			findings = append(findings, pass("flaketest"))
		}

		if permaResults[i] {
			findings = append(findings, fail("permatest"))
		} else {
			findings = append(findings, pass("permatest"))
		}

		storeRun(t, st, fmt.Sprintf("%d", i+1), int64(1000+i*100),
			hashes[i], verdict, nil, findings...)
	}

	// A pull request run inside the window must not influence anything.
	storeRun(t, st, "pr-9", 1750, hashes[7], "failure",
		map[string]string{store.MetaPullRequest: "42"},
		fail("steady"), fail("flaketest"), fail("permatest"))

	uniqueJob := "acct," + testRepo + ",gha,linux-gcc"

	ja, err := a.AnalyzeWindow(ctx, uniqueJob, 0, 10000)
	require.NoError(t, err)

	require.Len(t, ja.Runs, 8, "the pull request run must be excluded")
	assert.Equal(t, uniqueJob, ja.UniqueJob)

	// flaketest failed 3 times with 3 separate onsets over 8 attempts.
	require.Len(t, ja.Flaky, 1)
	assert.Equal(t, "flaketest", ja.Flaky[0].Name)
	assert.InDelta(t, 3.0/8.0, ja.Flaky[0].Ratio, 1e-9)

	// permatest has a streak of 3, above the threshold of 2, and its
	// single onset keeps it out of the flaky list.
	require.Equal(t, []string{"permatest"}, ja.Permafails)
	assert.False(t, ja.IgnoredFailures)
	assert.False(t, ja.LastAborted)

	// The failure began exactly at c6: c5 still passed.
	assert.Equal(t,
		"Failures started with commit c6c6c6c6c "+
			"(last success: https://ci.example.com/runs/5)",
		ja.PermafailMessages["permatest"])

	// Streaks align with runs, newest first.
	require.Len(t, ja.Streaks, 8)
	assert.Equal(t, 3, ja.Streaks[0]["permatest"])
	assert.NotContains(t, ja.Streaks[0], "steady")
}

func TestAnalyzeWindow_FlakyAndPermafailOverlap(t *testing.T) {
	st := setupTestStore(t)
	a := testAnalyzer(t, st)

	// Oldest first: P F P F F F F F. Two separate failure onsets make
	// the test flaky, while the closing streak of five also makes it a
	// permafail; the two classifications are independent and one test
	// may hold both.
	outcomes := []bool{false, true, false, true, true, true, true, true}

	for i, failed := range outcomes {
		verdict := "success"
		finding := pass("churntest")

		if failed {
			verdict = "failure"
			finding = fail("churntest")
		}

		storeRun(t, st, fmt.Sprintf("%d", i+1), int64(1000+i*100),
			"", verdict, nil, finding)
	}

	ja, err := a.AnalyzeWindow(context.Background(),
		"acct,"+testRepo+",gha,linux-gcc", 0, 10000)
	require.NoError(t, err)
	require.Len(t, ja.Runs, 8)

	require.Len(t, ja.Flaky, 1)
	assert.Equal(t, "churntest", ja.Flaky[0].Name)
	assert.InDelta(t, 6.0/8.0, ja.Flaky[0].Ratio, 1e-9)

	assert.Equal(t, []string{"churntest"}, ja.Permafails)
	assert.Equal(t, 5, ja.Streaks[0]["churntest"])
	assert.Contains(t, ja.PermafailMessages, "churntest")
}

func TestAnalyzeWindow_EmptyHistory(t *testing.T) {
	st := setupTestStore(t)
	a := testAnalyzer(t, st)

	ja, err := a.AnalyzeWindow(context.Background(),
		"acct,"+testRepo+",gha,linux-gcc", 0, 10000)
	require.NoError(t, err)

	assert.Empty(t, ja.Runs)
	assert.Empty(t, ja.Flaky)
	assert.Empty(t, ja.Permafails)
	assert.False(t, ja.IgnoredFailures)
	assert.False(t, ja.LastAborted)
}

func TestAnalyzeWindow_IgnoredFailures(t *testing.T) {
	st := setupTestStore(t)
	a := testAnalyzer(t, st)

	// The test keeps failing but every job run reports success: the
	// job likely marks the failure as ignorable.
	for i := 0; i < 4; i++ {
		storeRun(t, st, fmt.Sprintf("%d", i+1), int64(1000+i*100),
			"", "success", nil, fail("ignored"), pass("steady"))
	}

	ja, err := a.AnalyzeWindow(context.Background(),
		"acct,"+testRepo+",gha,linux-gcc", 0, 10000)
	require.NoError(t, err)

	require.Equal(t, []string{"ignored"}, ja.Permafails)
	assert.True(t, ja.IgnoredFailures)
}

func TestAnalyzeWindow_LastRunAborted(t *testing.T) {
	st := setupTestStore(t)
	a := testAnalyzer(t, st)

	storeRun(t, st, "1", 1000, "", "success", nil, pass("steady"))
	storeRun(t, st, "2", 1100, "", "truncated", nil, pass("steady"))

	ja, err := a.AnalyzeWindow(context.Background(),
		"acct,"+testRepo+",gha,linux-gcc", 0, 10000)
	require.NoError(t, err)

	assert.Empty(t, ja.Permafails)
	assert.True(t, ja.LastAborted)
}
