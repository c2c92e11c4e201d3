// Package testresult defines the classified outcome of a single test case
// execution and the classifier that maps raw stored statuses onto it.
package testresult

import "gopkg.in/yaml.v3"

// Result is the classified outcome of one test case in one run.
// The numeric values are stored directly in the database and must not
// be reordered.
type Result int

const (
	// Unknown means the test result could not be determined.
	Unknown Result = iota
	// Pass means the test succeeded.
	Pass
	// Fail means the test failed.
	Fail
	// Skip means the test was not run.
	Skip
	// Timeout means the test ran out of time.
	Timeout
	// FailIgnored means the test failed but the result was ignored.
	FailIgnored
	// Abort means the test was stopped prematurely by the framework.
	Abort
	// Error means a framework error occurred while running the test.
	Error

	last = Error
)

// resultNames maps each Result to its canonical lower-case name.
var resultNames = map[Result]string{
	Unknown:     "unknown",
	Pass:        "pass",
	Fail:        "fail",
	Skip:        "skip",
	Timeout:     "timeout",
	FailIgnored: "failignore",
	Abort:       "abort",
	Error:       "error",
}

// String returns the canonical name of the result.
func (r Result) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}

	return resultNames[Unknown]
}

// Attempted reports whether a test with this result was actually run.
// Skipped and unknown results do not count as attempts.
func (r Result) Attempted() bool {
	return r != Unknown && r != Skip
}

// FromCode classifies a raw stored status code. Codes outside the known
// range classify as Unknown; the function is total and never fails.
func FromCode(code int) Result {
	r := Result(code)
	if r < Unknown || r > last {
		return Unknown
	}

	return r
}

// Parse classifies a raw textual status. Unrecognized input maps to Unknown.
func Parse(status string) Result {
	for r, name := range resultNames {
		if name == status {
			return r
		}
	}

	return Unknown
}

// MarshalYAML encodes the result as its canonical name.
func (r Result) MarshalYAML() (any, error) {
	return r.String(), nil
}

// UnmarshalYAML accepts either a raw status code or a canonical name.
func (r *Result) UnmarshalYAML(value *yaml.Node) error {
	var code int
	if err := value.Decode(&code); err == nil {
		*r = FromCode(code)

		return nil
	}

	var name string
	if err := value.Decode(&name); err != nil {
		return err
	}

	*r = Parse(name)

	return nil
}

// SingleTestFinding is one classified per-test outcome extracted from a
// parsed CI log.
type SingleTestFinding struct {
	Name string `yaml:"name"`
	// Result is the classified outcome.
	Result Result `yaml:"result"`
	// Reason optionally describes why the test got this result.
	Reason string `yaml:"reason,omitempty"`
	// DurationUS is the test duration in microseconds.
	DurationUS int64 `yaml:"duration_us,omitempty"`
}
