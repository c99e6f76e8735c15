package scanner

import (
	"context"
	"testing"

	"github.com/ciscopsirt/matchd"
	"github.com/ciscopsirt/matchd/internal/store"
)

// fakeStore is a minimal in-memory stand-in for internal/store.Store,
// grounded on the teacher's habit of testing matcher logic against a fake
// datastore.Vulnerability rather than a live Postgres instance (see
// internal/matcher/match_test.go's test store).
type fakeStore struct {
	vulns map[string]*matchd.Vulnerability
}

func (f *fakeStore) CandidatesForVersion(ctx context.Context, platform matchd.Platform, v matchd.Version) ([]store.CandidateRow, error) {
	var out []store.CandidateRow
	for id, vuln := range f.vulns {
		if vuln.Platform != platform {
			continue
		}
		out = append(out, store.CandidateRow{Kind: vuln.Kind, Identifier: id})
	}
	return out, nil
}

func (f *fakeStore) GetVulnerabilities(ctx context.Context, identifiers []string) ([]*matchd.Vulnerability, error) {
	out := make([]*matchd.Vulnerability, 0, len(identifiers))
	for _, id := range identifiers {
		if v, ok := f.vulns[id]; ok {
			out = append(out, v)
		}
	}
	return out, nil
}

func mkVuln(id string, sev matchd.Severity, hw *string, labels []string) *matchd.Vulnerability {
	return &matchd.Vulnerability{
		Identifier:          id,
		Kind:                matchd.KindPSIRT,
		Platform:            matchd.PlatformIOSXE,
		Severity:            sev,
		HardwareModel:       hw,
		AffectedVersionsRaw: "17.9.x",
		VersionPattern:      matchd.PatternWildcard,
		VersionMin:          &matchd.Version{Major: 17, Minor: 9, Patch: 0},
		VersionMax:          &matchd.Version{Major: 17, Minor: 9, Patch: 9999},
		Labels:              labels,
	}
}

func TestScanFourStagePipeline(t *testing.T) {
	cat9300 := "Cat9300"
	fs := &fakeStore{vulns: map[string]*matchd.Vulnerability{
		"critical-generic":  mkVuln("critical-generic", matchd.SeverityCritical, nil, nil),
		"high-cat9300":       mkVuln("high-cat9300", matchd.SeverityHigh, &cat9300, []string{"RTE_EIGRP"}),
		"medium-other-label": mkVuln("medium-other-label", matchd.SeverityMedium, nil, []string{"RTE_BGP"}),
		"out-of-train":       mkVuln("out-of-train", matchd.SeverityCritical, nil, nil),
	}}
	fs.vulns["out-of-train"].VersionMin = &matchd.Version{Major: 17, Minor: 3, Patch: 0}
	fs.vulns["out-of-train"].VersionMax = &matchd.Version{Major: 17, Minor: 3, Patch: 9999}

	sc := New(fs)
	res, err := sc.Scan(context.Background(), Params{
		Platform: matchd.PlatformIOSXE,
		Version:  "17.9.4",
		Hardware: &cat9300,
		Features: []string{"RTE_EIGRP"},
	})
	if err != nil {
		t.Fatal(err)
	}

	// out-of-train is excluded by the version pre-filter/is_affected check.
	if res.VersionMatches != 3 {
		t.Fatalf("expected 3 version matches, got %d (total_checked=%d)", res.VersionMatches, res.TotalChecked)
	}
	// medium-other-label has HardwareModel==nil (generic) and hardware
	// requested is Cat9300, so the hardware stage keeps only generic +
	// exact-match rows; medium-other-label (generic) survives hardware but
	// its labels don't intersect the requested feature set, so it's
	// filtered out at stage 4.
	if res.HardwareFiltered != 0 {
		t.Fatalf("expected 0 hardware-filtered (both generic and exact-match pass), got %d", res.HardwareFiltered)
	}
	if res.FinalMatches != 2 {
		t.Fatalf("expected 2 final matches (critical-generic, high-cat9300), got %d", res.FinalMatches)
	}
	if len(res.CriticalHigh) != 2 {
		t.Fatalf("expected both final matches in critical_high, got %d", len(res.CriticalHigh))
	}
	if len(res.FilteredOutSample) != 1 || res.FilteredOutSample[0].Identifier != "medium-other-label" {
		t.Fatalf("expected medium-other-label in filtered-out sample, got %+v", res.FilteredOutSample)
	}
}

func TestScanHardwareStageNilRequestKeepsOnlyGeneric(t *testing.T) {
	cat9300 := "Cat9300"
	fs := &fakeStore{vulns: map[string]*matchd.Vulnerability{
		"generic":  mkVuln("generic", matchd.SeverityHigh, nil, nil),
		"specific": mkVuln("specific", matchd.SeverityHigh, &cat9300, nil),
	}}
	sc := New(fs)
	res, err := sc.Scan(context.Background(), Params{
		Platform: matchd.PlatformIOSXE,
		Version:  "17.9.4",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.FinalMatches != 1 {
		t.Fatalf("expected only the generic bug to survive a nil hardware request, got %d", res.FinalMatches)
	}
}

func TestScanRejectsUnknownPlatform(t *testing.T) {
	sc := New(&fakeStore{vulns: map[string]*matchd.Vulnerability{}})
	_, err := sc.Scan(context.Background(), Params{Platform: "bogus", Version: "1.0.0"})
	if err == nil {
		t.Fatal("expected an error for an unknown platform")
	}
}
