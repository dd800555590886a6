// Package version compares the loosely formatted version strings found in
// WordPress plugin and theme headers.
package version

import (
	"regexp"
	"strings"
)

var (
	leadingNonDigits = regexp.MustCompile(`^[^0-9]+`)
	separators       = regexp.MustCompile(`[.\-+_]`)
)

// Compare returns a negative number when a < b, zero when they are equal and
// a positive number when a > b. Missing segments count as "0", numeric
// segments compare numerically and anything else compares lexically.
func Compare(a, b string) int {
	left := split(a)
	right := split(b)
	n := max(len(left), len(right))
	for i := 0; i < n; i++ {
		l, r := "0", "0"
		if i < len(left) {
			l = left[i]
		}
		if i < len(right) {
			r = right[i]
		}
		if isNumeric(l) && isNumeric(r) {
			if c := compareNumeric(l, r); c != 0 {
				return c
			}
			continue
		}
		if c := strings.Compare(l, r); c != 0 {
			return c
		}
	}
	return 0
}

// Newer reports whether a is strictly newer than b.
func Newer(a, b string) bool {
	return Compare(a, b) > 0
}

func split(v string) []string {
	v = leadingNonDigits.ReplaceAllString(strings.TrimSpace(v), "")
	var parts []string
	for _, p := range separators.Split(v, -1) {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// compareNumeric compares digit strings of any length without overflowing.
func compareNumeric(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}
