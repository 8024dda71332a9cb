// Package semver compares application version strings.
//
// Versions are compared as dotted integer tuples with missing components
// treated as 0 ("1.2" == "1.2.0"). A leading "v" is ignored. Pre-release
// suffixes sort before the release they precede ("1.0.0-rc.1" < "1.0.0").
// Strings that are not valid versions fall back to comparing whatever
// integer components can be extracted, so a malformed entry never panics
// a sort.
package semver

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	goversion "github.com/hashicorp/go-version"
)

// Parse parses a version string such as "0.8.2", "v0.8.2" or "0.9.0-rc.1".
func Parse(s string) (*goversion.Version, error) {
	v, err := goversion.NewVersion(Normalize(s))
	if err != nil {
		return nil, fmt.Errorf("invalid version format: %s", s)
	}
	return v, nil
}

// Compare compares two version strings
// Returns:
//   - 1 if a > b
//   - 0 if a == b
//   - -1 if a < b
func Compare(a, b string) int {
	va, errA := Parse(a)
	vb, errB := Parse(b)
	if errA == nil && errB == nil {
		return va.Compare(vb)
	}
	return compareTuples(numericTuple(a), numericTuple(b))
}

// CompareStrict compares two version strings and fails if either is invalid.
func CompareStrict(a, b string) (int, error) {
	va, err := Parse(a)
	if err != nil {
		return 0, fmt.Errorf("invalid version a: %w", err)
	}

	vb, err := Parse(b)
	if err != nil {
		return 0, fmt.Errorf("invalid version b: %w", err)
	}

	return va.Compare(vb), nil
}

// IsNewer returns true if a is strictly newer than b.
func IsNewer(a, b string) bool {
	return Compare(a, b) > 0
}

// CanUpgradeFrom reports whether a release requiring minSupported may be
// applied on top of current.
func CanUpgradeFrom(minSupported, current string) bool {
	if strings.TrimSpace(minSupported) == "" {
		return true
	}
	return !IsNewer(minSupported, current)
}

// Sort orders version strings ascending, in place.
func Sort(versions []string) {
	sort.SliceStable(versions, func(i, j int) bool {
		return Compare(versions[i], versions[j]) < 0
	})
}

// Valid reports whether s parses as a version.
func Valid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// Normalize removes surrounding whitespace and the 'v' prefix if present
func Normalize(s string) string {
	return strings.TrimPrefix(strings.TrimSpace(s), "v")
}

func numericTuple(s string) []int {
	var out []int
	for _, part := range strings.Split(Normalize(s), ".") {
		n, err := strconv.Atoi(part)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

func compareTuples(a, b []int) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		var x, y int
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		if x != y {
			if x > y {
				return 1
			}
			return -1
		}
	}
	return 0
}
