// Package semver implements the semantic-version range matching used for
// extension engine-compatibility checks. Prerelease and build metadata are
// parsed but ignored in comparisons: a prerelease compares equal to its base
// version. This is a deliberate relaxation, not full semantic-version
// precedence.
package semver

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a parsed semantic version.
type Version struct {
	Major, Minor, Patch int
	Prerelease          string
	Build               string
}

// Parse parses "major.minor.patch[-prerelease][+build]".
func Parse(s string) (Version, error) {
	var v Version
	rest := strings.TrimSpace(s)
	if rest == "" {
		return v, fmt.Errorf("empty version")
	}

	if i := strings.IndexByte(rest, '+'); i >= 0 {
		v.Build = rest[i+1:]
		rest = rest[:i]
	}
	if i := strings.IndexByte(rest, '-'); i >= 0 {
		v.Prerelease = rest[i+1:]
		rest = rest[:i]
	}

	parts := strings.Split(rest, ".")
	if len(parts) != 3 {
		return v, fmt.Errorf("invalid version %q: want major.minor.patch", s)
	}
	var err error
	if v.Major, err = parseComponent(parts[0]); err != nil {
		return v, fmt.Errorf("invalid version %q: %w", s, err)
	}
	if v.Minor, err = parseComponent(parts[1]); err != nil {
		return v, fmt.Errorf("invalid version %q: %w", s, err)
	}
	if v.Patch, err = parseComponent(parts[2]); err != nil {
		return v, fmt.Errorf("invalid version %q: %w", s, err)
	}
	return v, nil
}

func parseComponent(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("bad component %q", s)
	}
	return n, nil
}

// String renders the version without prerelease or build metadata.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare orders two versions by major, minor, patch. Prerelease and build
// metadata do not participate.
func (v Version) Compare(o Version) int {
	if v.Major != o.Major {
		return cmp(v.Major, o.Major)
	}
	if v.Minor != o.Minor {
		return cmp(v.Minor, o.Minor)
	}
	return cmp(v.Patch, o.Patch)
}

func cmp(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

type rangeKind int

const (
	rangeAny rangeKind = iota
	rangeExact
	rangeCaret
	rangeTilde
	rangeGTE
	rangeLTE
)

// Range is a parsed range expression.
type Range struct {
	kind rangeKind
	base Version
}

// ParseRange parses one of: "*", "^x.y.z", "~x.y.z", ">=x.y.z", "<=x.y.z",
// or an exact version.
func ParseRange(s string) (Range, error) {
	expr := strings.TrimSpace(s)
	if expr == "" {
		return Range{}, fmt.Errorf("empty range")
	}
	if expr == "*" {
		return Range{kind: rangeAny}, nil
	}

	kind := rangeExact
	switch {
	case strings.HasPrefix(expr, "^"):
		kind = rangeCaret
		expr = expr[1:]
	case strings.HasPrefix(expr, "~"):
		kind = rangeTilde
		expr = expr[1:]
	case strings.HasPrefix(expr, ">="):
		kind = rangeGTE
		expr = expr[2:]
	case strings.HasPrefix(expr, "<="):
		kind = rangeLTE
		expr = expr[2:]
	}

	base, err := Parse(expr)
	if err != nil {
		return Range{}, fmt.Errorf("invalid range %q: %w", s, err)
	}
	return Range{kind: kind, base: base}, nil
}

// Contains reports whether the version satisfies the range.
func (r Range) Contains(v Version) bool {
	switch r.kind {
	case rangeAny:
		return true
	case rangeExact:
		return v.Compare(r.base) == 0
	case rangeCaret:
		return v.Major == r.base.Major && v.Compare(r.base) >= 0
	case rangeTilde:
		return v.Major == r.base.Major && v.Minor == r.base.Minor && v.Compare(r.base) >= 0
	case rangeGTE:
		return v.Compare(r.base) >= 0
	case rangeLTE:
		return v.Compare(r.base) <= 0
	default:
		return false
	}
}

// Satisfies parses both arguments and reports whether version is inside the
// range.
func Satisfies(version, rangeExpr string) (bool, error) {
	v, err := Parse(version)
	if err != nil {
		return false, err
	}
	r, err := ParseRange(rangeExpr)
	if err != nil {
		return false, err
	}
	return r.Contains(v), nil
}
