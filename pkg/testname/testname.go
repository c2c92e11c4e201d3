// Package testname provides a total ordering for test names. Test names
// that parse as integers sort numerically and before all non-numeric
// names; everything else sorts lexically.
package testname

import (
	"sort"
	"strconv"
)

// Key is the sort key for a test name: either numeric or textual, with
// numeric keys ordering strictly before textual ones.
type Key struct {
	numeric bool
	number  int64
	text    string
}

// KeyFor builds the sort key for a test name.
func KeyFor(name string) Key {
	if n, err := strconv.ParseInt(name, 10, 64); err == nil {
		return Key{numeric: true, number: n}
	}

	return Key{text: name}
}

// Less reports whether k orders before other.
func (k Key) Less(other Key) bool {
	if k.numeric != other.numeric {
		return k.numeric
	}

	if k.numeric {
		return k.number < other.number
	}

	return k.text < other.text
}

// Less reports whether test name a orders before test name b.
func Less(a, b string) bool {
	return KeyFor(a).Less(KeyFor(b))
}

// Sort sorts test names in place using the numeric-before-textual order.
func Sort(names []string) {
	sort.Slice(names, func(i, j int) bool {
		return Less(names[i], names[j])
	})
}
