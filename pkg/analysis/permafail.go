package analysis

import "github.com/flakewatch/flakewatch/pkg/testname"

// permafails returns the tests failing in the most recent run whose
// consecutive-failure count exceeds the configured minimum, sorted with
// numeric names first.
//
// The list includes failed tests even when the overall CI job was
// marked successful; such failures were likely marked to be ignored in
// the job, and the caller decides whether to suppress them.
func (a *Analyzer) permafails(
	runs []JobRun, current map[string]int,
) []string {
	if len(runs) == 0 || len(runs[0].Failed) == 0 {
		return nil
	}

	var permafails []string

	for _, name := range runs[0].Failed {
		if current[name] > a.cfg.PermafailFailuresMin {
			permafails = append(permafails, name)
		}
	}

	testname.Sort(permafails)

	return permafails
}
