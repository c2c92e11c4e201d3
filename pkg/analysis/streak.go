package analysis

// FailureStreaks computes, for every run in the newest-first run list,
// a map from test name to the number of consecutive runs (ending at
// that run) in which the test failed.
//
// The walk happens oldest to newest. A run in which a test was not
// attempted at all neither extends nor breaks its streak: the count is
// carried forward unresolved and continues if the test fails again
// later. Only a run in which the test was attempted and did not fail
// resets the streak.
//
// Each returned map contains entries only for tests failing in that
// run; carried-forward unresolved counts feed the next iteration but
// are not reported as current failures. The result has the same length
// and order as the input.
func FailureStreaks(runs []JobRun) []map[string]int {
	result := make([]map[string]int, len(runs))
	if len(runs) == 0 {
		return result
	}

	// Carry-in from the previous (older) run: current streaks plus
	// unresolved ones paused by skipped runs.
	prev := make(map[string]int)

	for i := len(runs) - 1; i >= 0; i-- {
		run := &runs[i]

		counts := make(map[string]int, len(run.Failed))
		for _, name := range run.Failed {
			counts[name] = prev[name] + 1
		}

		result[i] = counts

		attempted := make(map[string]struct{}, len(run.Attempted))
		for _, name := range run.Attempted {
			attempted[name] = struct{}{}
		}

		next := make(map[string]int, len(counts))
		for name, count := range counts {
			next[name] = count
		}

		// A test with an open streak that was not attempted this run
		// stays unresolved; dropping it here would reset the count when
		// the test was merely skipped (after a crash or timeout, for
		// example). Tests that were attempted and are not in the failed
		// set passed, so their streaks end.
		for name, count := range prev {
			if _, failedNow := counts[name]; failedNow {
				continue
			}

			if _, ok := attempted[name]; !ok {
				next[name] = count
			}
		}

		prev = next
	}

	return result
}
