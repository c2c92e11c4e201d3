package analysis

// everSucceeded returns the set of tests that passed at least once in
// the most recent numBuilds runs. A test cannot be considered flaky
// without at least one success on record.
func everSucceeded(runs []JobRun, numBuilds int) map[string]struct{} {
	if len(runs) > numBuilds {
		runs = runs[:numBuilds]
	}

	successes := make(map[string]struct{})

	for i := range runs {
		for _, name := range runs[i].Succeeded {
			successes[name] = struct{}{}
		}
	}

	return successes
}

// countByName tallies, per test name, the number of runs in which the
// test appears in the chosen name set.
func countByName(runs []JobRun, pick func(*JobRun) []string) map[string]int {
	counts := make(map[string]int)

	for i := range runs {
		for _, name := range pick(&runs[i]) {
			counts[name]++
		}
	}

	return counts
}

// detectFlakyTests classifies tests as flaky over the windowed streak
// maps. A test is flaky when it succeeded at least once recently and
// started failing (streak value exactly 1, a fresh failure rather than
// a continuation) at least FlakyFailuresMin separate times. A test that
// fails in 50 consecutive runs has a single failure onset and is never
// flaky, no matter how long it has been broken.
//
// The failure ratio is computed over the full loaded history, not just
// the classification window. The result is unsorted; callers sort.
func (a *Analyzer) detectFlakyTests(
	runs []JobRun,
	window []map[string]int,
	successes map[string]struct{},
) []FlakyTest {
	if len(window) < a.cfg.FlakyBuildsMin {
		a.log.Info("Not enough data to perform flakiness analysis")

		return nil
	}

	// All tests with at least one failure in the window.
	anyFailed := make(map[string]struct{})

	for _, counts := range window {
		for name := range counts {
			anyFailed[name] = struct{}{}
		}
	}

	// Number of times each test started to fail.
	onsets := make(map[string]int, len(anyFailed))

	for name := range anyFailed {
		for _, counts := range window {
			if counts[name] == 1 {
				onsets[name]++
			}
		}
	}

	failCounts := countByName(runs, func(r *JobRun) []string { return r.Failed })
	attemptCounts := countByName(runs, func(r *JobRun) []string { return r.Attempted })

	flaky := make([]FlakyTest, 0, len(onsets))

	for name, count := range onsets {
		if _, ok := successes[name]; !ok {
			continue
		}

		if count < a.cfg.FlakyFailuresMin {
			continue
		}

		flaky = append(flaky, FlakyTest{
			Name:  name,
			Ratio: float64(failCounts[name]) / float64(attemptCounts[name]),
		})
	}

	return flaky
}
