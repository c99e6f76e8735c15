package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/quay/zlog"

	"github.com/ciscopsirt/matchd"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := zlog.Test(context.Background(), t)
	path := filepath.Join(t.TempDir(), "matchd.sqlite")
	s, err := Open(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Error(err)
		}
	})
	return s
}

func sampleVuln(id string) *matchd.Vulnerability {
	hw := "Cat9300"
	return &matchd.Vulnerability{
		Identifier:          id,
		Kind:                matchd.KindPSIRT,
		Platform:            matchd.PlatformIOSXE,
		Severity:            matchd.SeverityHigh,
		Headline:            "test advisory",
		HardwareModel:       &hw,
		AffectedVersionsRaw: "17.9.x",
		VersionPattern:      matchd.PatternWildcard,
		VersionMin:          &matchd.Version{Major: 17, Minor: 9, Patch: 0},
		VersionMax:          &matchd.Version{Major: 17, Minor: 9, Patch: -1},
		Labels:              []string{"RTE_EIGRP"},
		LabelsSource:        matchd.LabelSourceFrontier,
		LastModified:        time.Unix(1700000000, 0).UTC(),
	}
}

func TestUpsertAndGetVulnerability(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	v := sampleVuln("cisco-sa-test-0001")
	if err := s.UpsertVulnerability(ctx, v); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetVulnerability(ctx, v.Identifier)
	if err != nil {
		t.Fatal(err)
	}
	if got.Headline != v.Headline || got.Severity != v.Severity {
		t.Fatalf("round trip mismatch: got %+v", got)
	}
	if !got.HasLabel("RTE_EIGRP") {
		t.Fatalf("expected label RTE_EIGRP, got %v", got.Labels)
	}

	// Re-ingest with different labels must fully replace label_index, not
	// accumulate it.
	v.Labels = []string{"RTE_BGP"}
	if err := s.UpsertVulnerability(ctx, v); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetVulnerability(ctx, v.Identifier)
	if err != nil {
		t.Fatal(err)
	}
	if got.HasLabel("RTE_EIGRP") || !got.HasLabel("RTE_BGP") {
		t.Fatalf("expected label_index to be replaced, got %v", got.Labels)
	}
}

func TestCandidatesForVersion(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	v := sampleVuln("cisco-sa-test-0002")
	if err := s.UpsertVulnerability(ctx, v); err != nil {
		t.Fatal(err)
	}

	cands, err := s.CandidatesForVersion(ctx, matchd.PlatformIOSXE, matchd.Version{Major: 17, Minor: 9, Patch: 4})
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 1 || cands[0].Identifier != v.Identifier {
		t.Fatalf("expected one candidate, got %v", cands)
	}

	none, err := s.CandidatesForVersion(ctx, matchd.PlatformIOSXE, matchd.Version{Major: 17, Minor: 3, Patch: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no candidates outside the train, got %v", none)
	}
}

// TestCandidatesForVersionMinorWildcardSpansHigherMajors guards spec §4.1's
// "spans trains forward": a MINOR_WILDCARD floor on major 17 must still
// surface as a candidate for a device on major 18, since the index is only
// a superset pre-filter ahead of precise is_affected evaluation.
func TestCandidatesForVersionMinorWildcardSpansHigherMajors(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	v := sampleVuln("cisco-sa-test-0003")
	v.AffectedVersionsRaw = "17.10 and later"
	v.VersionPattern = matchd.PatternMinorWildcard
	v.VersionMin = &matchd.Version{Major: 17, Minor: 10, Patch: 0}
	v.VersionMax = nil
	if err := s.UpsertVulnerability(ctx, v); err != nil {
		t.Fatal(err)
	}

	cands, err := s.CandidatesForVersion(ctx, matchd.PlatformIOSXE, matchd.Version{Major: 18, Minor: 2, Patch: 0})
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 1 || cands[0].Identifier != v.Identifier {
		t.Fatalf("expected the minor-wildcard vulnerability to surface for a later major, got %v", cands)
	}
}

func TestDeviceLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	platform := matchd.PlatformIOSXE
	version := "17.9.4"
	d := &matchd.Device{
		ID:       "dev-1",
		Hostname: "lab-sw-01",
		Platform: &platform,
		Version:  &version,
		Status:   matchd.DeviceStatusDiscovered,
	}
	if err := s.PutDevice(ctx, d); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDevice(ctx, "dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Hostname != d.Hostname || got.Platform == nil || *got.Platform != platform {
		t.Fatalf("round trip mismatch: got %+v", got)
	}

	list, err := s.ListDevices(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 device, got %d", len(list))
	}

	if err := s.DeleteDevice(ctx, "dev-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetDevice(ctx, "dev-1"); err == nil {
		t.Fatal("expected not-found after delete")
	}
}

func TestScanResultRoundTripAndHistory(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	v := sampleVuln("cisco-sa-test-0003")
	if err := s.UpsertVulnerability(ctx, v); err != nil {
		t.Fatal(err)
	}

	deviceID := "dev-2"
	for i, ts := range []int64{1700000000, 1700003600} {
		r := &matchd.ScanResult{
			ScanID:         "scan-" + string(rune('a'+i)),
			DeviceID:       &deviceID,
			Platform:       matchd.PlatformIOSXE,
			Version:        "17.9.4",
			CriticalHigh:   []*matchd.Vulnerability{v},
			TotalChecked:   10,
			VersionMatches: 1,
			FinalMatches:   1,
			Timestamp:      time.Unix(ts, 0).UTC(),
		}
		if err := s.PutScanResult(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	hist, err := s.ScansForDevice(ctx, deviceID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 {
		t.Fatalf("expected 2 scans, got %d", len(hist))
	}
	if hist[0].Timestamp.Before(hist[1].Timestamp) {
		t.Fatal("expected most-recent-first ordering")
	}
	if len(hist[0].CriticalHigh) != 1 || hist[0].CriticalHigh[0].Identifier != v.Identifier {
		t.Fatalf("expected hydrated critical_high bucket, got %+v", hist[0].CriticalHigh)
	}
}

func TestPSIRTCacheGetPut(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, err := s.GetPSIRTCache(ctx, "cisco-sa-missing", matchd.PlatformIOSXE); err == nil {
		t.Fatal("expected not-found for uncached entry")
	}

	entry := &matchd.PSIRTCacheEntry{
		AdvisoryID:       "cisco-sa-test-0004",
		Platform:         matchd.PlatformIOSXE,
		Labels:           []string{"RTE_BGP"},
		Confidence:       0.92,
		ConfidenceSource: matchd.ConfidenceSourceModel,
		Timestamp:        time.Now().Unix(),
	}
	if err := s.PutPSIRTCache(ctx, entry); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetPSIRTCache(ctx, entry.AdvisoryID, entry.Platform)
	if err != nil {
		t.Fatal(err)
	}
	if got.Confidence != entry.Confidence || len(got.Labels) != 1 {
		t.Fatalf("round trip mismatch: got %+v", got)
	}

	n, err := s.EvictStalePSIRTCache(ctx, -1*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected to evict 1 stale entry, evicted %d", n)
	}
}

func TestRotateDeviceScanDeletesEvictedRow(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	deviceID := "dev-3"
	d := &matchd.Device{ID: deviceID, Hostname: "lab-sw-03", Status: matchd.DeviceStatusDiscovered}
	if err := s.PutDevice(ctx, d); err != nil {
		t.Fatal(err)
	}

	// Fill both retained slots: scan-1 as previous, scan-2 as current.
	for _, id := range []string{"scan-1", "scan-2"} {
		r := &matchd.ScanResult{ScanID: id, DeviceID: &deviceID, Platform: matchd.PlatformIOSXE, Version: "17.9.4", Timestamp: time.Unix(1700000000, 0).UTC()}
		if err := s.PutScanResult(ctx, r); err != nil {
			t.Fatal(err)
		}
		evicted := d.RotateScan(id)
		if err := s.RotateDeviceScan(ctx, d, evicted); err != nil {
			t.Fatal(err)
		}
	}

	// A third scan evicts scan-1, the slot that fell off both pointers.
	r3 := &matchd.ScanResult{ScanID: "scan-3", DeviceID: &deviceID, Platform: matchd.PlatformIOSXE, Version: "17.9.4", Timestamp: time.Unix(1700003600, 0).UTC()}
	if err := s.PutScanResult(ctx, r3); err != nil {
		t.Fatal(err)
	}
	evicted := d.RotateScan(r3.ScanID)
	if evicted == nil || *evicted != "scan-1" {
		t.Fatalf("expected scan-1 to be evicted, got %v", evicted)
	}
	if err := s.RotateDeviceScan(ctx, d, evicted); err != nil {
		t.Fatal(err)
	}

	if _, err := s.GetScanResult(ctx, "scan-1"); err == nil {
		t.Fatal("expected evicted scan_results row to be deleted")
	}
	if _, err := s.GetScanResult(ctx, "scan-2"); err != nil {
		t.Fatalf("expected the still-referenced previous scan to survive: %v", err)
	}

	got, err := s.GetDevice(ctx, deviceID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastScanID == nil || *got.LastScanID != "scan-3" || got.PreviousScanID == nil || *got.PreviousScanID != "scan-2" {
		t.Fatalf("expected rotated pointers scan-3/scan-2, got %+v", got)
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.UpsertVulnerability(ctx, sampleVuln("cisco-sa-test-0005")); err != nil {
		t.Fatal(err)
	}
	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Vulnerabilities != 1 {
		t.Fatalf("expected 1 vulnerability in stats, got %+v", stats)
	}
}
