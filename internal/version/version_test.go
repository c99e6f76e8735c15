package version

import (
	"testing"

	"github.com/Masterminds/semver"
	"github.com/google/go-cmp/cmp"

	"github.com/ciscopsirt/matchd"
)

type normalizeTestcase struct {
	Name  string
	In    string
	Want  matchd.Version
	Err   bool
}

func (tc normalizeTestcase) Run(t *testing.T) {
	got, err := Normalize(tc.In)
	if tc.Err {
		if err == nil {
			t.Fatalf("wanted an error normalizing %q, got none", tc.In)
		}
		return
	}
	if err != nil {
		t.Fatal(err)
	}
	if !cmp.Equal(tc.Want, got) {
		t.Error(cmp.Diff(tc.Want, got))
	}
}

func TestNormalize(t *testing.T) {
	tt := []normalizeTestcase{
		{Name: "dotted", In: "17.03.05", Want: matchd.Version{Major: 17, Minor: 3, Patch: 5}},
		{Name: "suffix", In: "17.3.1a", Want: matchd.Version{Major: 17, Minor: 3, Patch: 1}},
		{Name: "no-patch", In: "17.10", Want: matchd.Version{Major: 17, Minor: 10, Patch: -1}},
		{Name: "bad", In: "vNext", Err: true},
	}
	for _, tc := range tt {
		t.Run(tc.Name, tc.Run)
	}
}

// TestNormalizeRoundTrip checks spec §8's "normalize(display(v)) == v".
func TestNormalizeRoundTrip(t *testing.T) {
	v := matchd.Version{Major: 17, Minor: 10, Patch: 3}
	got, err := Normalize(v.String())
	if err != nil {
		t.Fatal(err)
	}
	if !cmp.Equal(v, got) {
		t.Error(cmp.Diff(v, got))
	}
}

// TestCompareCrossCheck cross-checks ordering against Masterminds/semver for
// the plain dotted-triple case, per SPEC_FULL.md's DOMAIN STACK entry.
func TestCompareCrossCheck(t *testing.T) {
	pairs := [][2]string{
		{"17.9.1", "17.10.0"},
		{"17.10.0", "17.10.1"},
		{"16.12.5", "17.1.1"},
	}
	for _, p := range pairs {
		a, _ := Normalize(p[0])
		b, _ := Normalize(p[1])
		sa, err := semver.NewVersion(p[0])
		if err != nil {
			t.Fatal(err)
		}
		sb, err := semver.NewVersion(p[1])
		if err != nil {
			t.Fatal(err)
		}
		if got, want := a.Less(b), sa.LessThan(sb); got != want {
			t.Errorf("%s < %s: matchd=%v semver=%v", p[0], p[1], got, want)
		}
	}
}

type classifyTestcase struct {
	Name    string
	Raw     string
	Pattern matchd.VersionPattern
	Err     bool
}

func (tc classifyTestcase) Run(t *testing.T) {
	c, err := Classify(tc.Raw)
	if tc.Err {
		if err == nil {
			t.Fatalf("wanted a classification error for %q", tc.Raw)
		}
		return
	}
	if err != nil {
		t.Fatal(err)
	}
	if c.Pattern != tc.Pattern {
		t.Errorf("%q: got %v, want %v", tc.Raw, c.Pattern, tc.Pattern)
	}
}

func TestClassify(t *testing.T) {
	tt := []classifyTestcase{
		{Name: "explicit-list", Raw: "17.10.1 17.12.4", Pattern: matchd.PatternExplicit},
		{Name: "explicit-commas", Raw: "17.10.1, 17.12.4", Pattern: matchd.PatternExplicit},
		{Name: "wildcard", Raw: "17.10.x", Pattern: matchd.PatternWildcard},
		{Name: "major-wildcard", Raw: "17.x", Pattern: matchd.PatternMajorWildcard},
		{Name: "open-later", Raw: "17.10.3 and later", Pattern: matchd.PatternOpenLater},
		{Name: "open-earlier", Raw: "17.10.3 and earlier", Pattern: matchd.PatternOpenEarlier},
		{Name: "minor-wildcard", Raw: "17.10 and later", Pattern: matchd.PatternMinorWildcard},
		{Name: "later-no-version", Raw: "and later", Err: true},
		{Name: "earlier-minor-undefined", Raw: "17.10 and earlier", Err: true},
		{Name: "free-text", Raw: "applies to certain configurations", Err: true},
	}
	for _, tc := range tt {
		t.Run(tc.Name, tc.Run)
	}
}

type affectedTestcase struct {
	Name   string
	Raw    string
	Device string
	Fixed  string
	Want   bool
}

func (tc affectedTestcase) Run(t *testing.T) {
	c, err := Classify(tc.Raw)
	if err != nil {
		t.Fatal(err)
	}
	var fixed *matchd.Version
	if tc.Fixed != "" {
		f, err := Normalize(tc.Fixed)
		if err != nil {
			t.Fatal(err)
		}
		fixed = &f
	}
	got, reason, err := IsAffected(tc.Device, c, fixed)
	if err != nil {
		t.Fatal(err)
	}
	t.Logf("reason: %s", reason)
	if got != tc.Want {
		t.Errorf("%s vs %q: got %v, want %v", tc.Device, tc.Raw, got, tc.Want)
	}
}

// TestIsAffectedBoundaries exercises spec §8's boundary behaviors verbatim.
func TestIsAffectedBoundaries(t *testing.T) {
	tt := []affectedTestcase{
		{Name: "wildcard-low", Raw: "17.10.x", Device: "17.10.0", Want: true},
		{Name: "wildcard-high", Raw: "17.10.x", Device: "17.10.9999", Want: true},
		{Name: "wildcard-next-train", Raw: "17.10.x", Device: "17.11.0", Want: false},
		{Name: "open-later-exact", Raw: "17.10.3 and later", Device: "17.10.3", Want: true},
		{Name: "open-later-high", Raw: "17.10.3 and later", Device: "17.10.99", Want: true},
		{Name: "open-later-next-train", Raw: "17.10.3 and later", Device: "17.11.0", Want: false},
		{Name: "minor-wildcard-low", Raw: "17.10 and later", Device: "17.10.0", Want: true},
		{Name: "minor-wildcard-next-train", Raw: "17.10 and later", Device: "17.11.0", Want: true},
		{Name: "minor-wildcard-far-train", Raw: "17.10 and later", Device: "17.12.5", Want: true},
		{Name: "minor-wildcard-below", Raw: "17.10 and later", Device: "17.9.99", Want: false},
		{Name: "major-wildcard-low", Raw: "17.x", Device: "17.0.0", Want: true},
		{Name: "major-wildcard-high", Raw: "17.x", Device: "17.99.99", Want: true},
		{Name: "major-wildcard-next", Raw: "17.x", Device: "18.0.0", Want: false},
		{Name: "fixed-excludes", Raw: "17.10.x", Device: "17.10.5", Fixed: "17.10.5", Want: false},
		{Name: "fixed-does-not-exclude-below", Raw: "17.10.x", Device: "17.10.4", Fixed: "17.10.5", Want: true},
	}
	for _, tc := range tt {
		t.Run(tc.Name, tc.Run)
	}
}
