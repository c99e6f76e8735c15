// Package version implements the version algebra of spec §4.1: parsing a
// device's raw version string, classifying a vulnerability's
// affected_versions_raw text into one of six patterns, and deciding whether
// a given device version is affected.
//
// Grounded on quay/claircore's house style for a small version value type
// (pkg/rhctag, pkg/pep440): a Parse function that returns a typed error on
// garbage input, and a Compare built on a fixed-width component tuple. The
// "same train" / wildcard range checks below exploit the fact that every
// pattern in this spec reduces to a lexicographic (major, minor, patch)
// range test once the bounds are chosen correctly — there is no need for a
// separate "same train" predicate alongside the range check.
package version

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/ciscopsirt/matchd"
)

const maxComponent = math.MaxInt32

// Normalize splits s on '.', strips leading zeros, and drops a trailing
// non-numeric suffix from the last numeric token ("17.3.1a" -> {17,3,1}).
// It fails with *[matchd.BadVersion] when s has no numeric tokens at all.
func Normalize(s string) (matchd.Version, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ".")
	nums := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		digits := leadingDigits(p)
		if digits == "" {
			// Non-numeric token (e.g. a trailing letter suffix on the last
			// component); stop collecting once we've seen at least one
			// number, otherwise this whole string is junk.
			if len(nums) == 0 {
				continue
			}
			break
		}
		n, err := strconv.Atoi(digits)
		if err != nil {
			break
		}
		nums = append(nums, n)
	}
	if len(nums) == 0 {
		return matchd.Version{}, &matchd.BadVersion{Input: s}
	}
	v := matchd.Version{Patch: -1}
	v.Major = nums[0]
	if len(nums) > 1 {
		v.Minor = nums[1]
	}
	if len(nums) > 2 {
		v.Patch = nums[2]
	}
	return v, nil
}

// leadingDigits returns the maximal leading run of ASCII digits in s,
// discarding any trailing non-numeric suffix ("05a" -> "05", "1a" -> "1").
func leadingDigits(s string) string {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return s[:i]
}

var (
	wildcardRE    = regexp.MustCompile(`(?i)^(\d+)\.(\d+)\.x$`)
	majorWildRE   = regexp.MustCompile(`(?i)^(\d+)\.x$`)
	andLaterRE    = regexp.MustCompile(`(?i)^(\S+)\s+and\s+later$`)
	andEarlierRE  = regexp.MustCompile(`(?i)^(\S+)\s+and\s+earlier$`)
	explicitTokRE = regexp.MustCompile(`^\d+(?:\.\d+)+$`)
)

// Classified is the result of classifying a raw affected-versions string:
// the pattern tag plus the bounds/membership set needed by IsAffected.
//
// Every pattern below — including the keyword ones — reduces to a min/max
// range on (major, minor, patch); EXPLICIT is the only pattern that uses
// membership testing instead.
type Classified struct {
	Pattern  matchd.VersionPattern
	Min, Max matchd.Version
	Explicit []matchd.Version
}

// Classify recognizes the six patterns of spec §4.1. It returns an error
// when raw cannot be classified (e.g. "and later"/"and earlier" with no
// version, or free text); callers must fall back to text-only matching in
// that case, per spec.
func Classify(raw string) (Classified, error) {
	trimmed := strings.TrimSpace(raw)

	// EXPLICIT is tried first but only wins if every token parses cleanly;
	// otherwise a keyword pattern is tried. Spec: "an EXPLICIT list
	// overrides keyword patterns only if it parses cleanly; otherwise
	// keyword pattern wins."
	if c, ok := tryExplicit(trimmed); ok {
		return c, nil
	}

	if m := wildcardRE.FindStringSubmatch(trimmed); m != nil {
		major, minor := atoi(m[1]), atoi(m[2])
		return Classified{
			Pattern: matchd.PatternWildcard,
			Min:     matchd.Version{Major: major, Minor: minor, Patch: 0},
			Max:     matchd.Version{Major: major, Minor: minor, Patch: maxComponent},
		}, nil
	}
	if m := majorWildRE.FindStringSubmatch(trimmed); m != nil {
		major := atoi(m[1])
		return Classified{
			Pattern: matchd.PatternMajorWildcard,
			Min:     matchd.Version{Major: major, Minor: 0, Patch: 0},
			Max:     matchd.Version{Major: major, Minor: maxComponent, Patch: maxComponent},
		}, nil
	}
	if m := andLaterRE.FindStringSubmatch(trimmed); m != nil {
		return classifyLater(m[1])
	}
	if m := andEarlierRE.FindStringSubmatch(trimmed); m != nil {
		return classifyEarlier(m[1])
	}

	return Classified{}, &matchd.BadVersion{Input: raw}
}

func classifyLater(verStr string) (Classified, error) {
	components := strings.Count(verStr, ".") + 1
	v, err := Normalize(verStr)
	if err != nil {
		return Classified{}, &matchd.BadVersion{Input: verStr}
	}
	switch components {
	case 3:
		// OPEN_LATER: same train as X, inclusive lower bound.
		return Classified{
			Pattern: matchd.PatternOpenLater,
			Min:     v,
			Max:     matchd.Version{Major: v.Major, Minor: v.Minor, Patch: maxComponent},
		}, nil
	case 2:
		// MINOR_WILDCARD: major.minor floor, spans trains forward.
		return Classified{
			Pattern: matchd.PatternMinorWildcard,
			Min:     matchd.Version{Major: v.Major, Minor: v.Minor, Patch: 0},
			Max:     matchd.Version{Major: maxComponent, Minor: maxComponent, Patch: maxComponent},
		}, nil
	default:
		return Classified{}, &matchd.BadVersion{Input: verStr}
	}
}

func classifyEarlier(verStr string) (Classified, error) {
	components := strings.Count(verStr, ".") + 1
	v, err := Normalize(verStr)
	if err != nil {
		return Classified{}, &matchd.BadVersion{Input: verStr}
	}
	if components != 3 {
		// Spec defines no backward-spanning analog of MINOR_WILDCARD;
		// only the same-train "X and earlier" form is a recognized
		// pattern. See DESIGN.md for this decision.
		return Classified{}, &matchd.BadVersion{Input: verStr}
	}
	// OPEN_EARLIER: same train as X, inclusive upper bound.
	return Classified{
		Pattern: matchd.PatternOpenEarlier,
		Min:     matchd.Version{Major: v.Major, Minor: v.Minor, Patch: 0},
		Max:     v,
	}, nil
}

func tryExplicit(s string) (Classified, bool) {
	if s == "" {
		return Classified{}, false
	}
	tokens := regexp.MustCompile(`[,\s]+`).Split(s, -1)
	versions := make([]matchd.Version, 0, len(tokens))
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if !explicitTokRE.MatchString(tok) {
			return Classified{}, false
		}
		v, err := Normalize(tok)
		if err != nil {
			return Classified{}, false
		}
		versions = append(versions, v)
	}
	if len(versions) == 0 {
		return Classified{}, false
	}
	return Classified{Pattern: matchd.PatternExplicit, Explicit: versions}, true
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// IsAffected decides whether deviceVersion is affected, per spec §4.1.
// fixed, when non-nil, is checked first and takes priority over every
// pattern: a device at or above the fixed version is never affected.
func IsAffected(deviceVersion string, c Classified, fixed *matchd.Version) (bool, string, error) {
	d, err := Normalize(deviceVersion)
	if err != nil {
		return false, "", err
	}

	if fixed != nil && d.GreaterEqual(*fixed) {
		return false, "fixed in ≥" + fixed.String(), nil
	}

	switch c.Pattern {
	case matchd.PatternExplicit:
		for _, v := range c.Explicit {
			if d.Equal(v) {
				return true, "explicit match " + v.String(), nil
			}
		}
		return false, "not in explicit version list", nil
	case matchd.PatternWildcard:
		if inRange(d, c.Min, c.Max) {
			return true, "within " + c.Min.String() + ".x", nil
		}
		return false, "outside " + c.Min.String() + ".x", nil
	case matchd.PatternOpenLater:
		if inRange(d, c.Min, c.Max) {
			return true, "≥ " + c.Min.String() + " (same train)", nil
		}
		return false, "not ≥ " + c.Min.String() + " in its train", nil
	case matchd.PatternOpenEarlier:
		if inRange(d, c.Min, c.Max) {
			return true, "≤ " + c.Max.String() + " (same train)", nil
		}
		return false, "not ≤ " + c.Max.String() + " in its train", nil
	case matchd.PatternMinorWildcard:
		if d.GreaterEqual(c.Min) {
			return true, "≥ " + c.Min.String() + " (any later train)", nil
		}
		return false, "below " + c.Min.String(), nil
	case matchd.PatternMajorWildcard:
		if d.Major == c.Min.Major {
			return true, "within major " + strconv.Itoa(c.Min.Major), nil
		}
		return false, "outside major " + strconv.Itoa(c.Min.Major), nil
	default:
		return false, "", &matchd.BadVersion{Input: string(c.Pattern)}
	}
}

func inRange(d, min, max matchd.Version) bool {
	return d.GreaterEqual(min) && d.LessEqual(max)
}

// FromStored rebuilds a Classified from a vulnerability record's persisted
// VersionMin/VersionMax/ExplicitVersions fields, so the scanner doesn't
// need to re-parse AffectedVersionsRaw on every query.
func FromStored(pattern matchd.VersionPattern, min, max *matchd.Version, explicit []matchd.Version) Classified {
	c := Classified{Pattern: pattern, Explicit: explicit}
	if min != nil {
		c.Min = *min
	}
	if max != nil {
		c.Max = *max
	}
	return c
}
