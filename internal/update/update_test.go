package update

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"

	"github.com/ciscopsirt/matchd"
)

type fakeStore struct {
	upserted     [][]*matchd.Vulnerability
	deletedCache []string
}

func (f *fakeStore) UpsertVulnerabilities(ctx context.Context, batch []*matchd.Vulnerability) error {
	cp := make([]*matchd.Vulnerability, len(batch))
	copy(cp, batch)
	f.upserted = append(f.upserted, cp)
	return nil
}

func (f *fakeStore) DeletePSIRTCache(ctx context.Context, advisoryID string) error {
	f.deletedCache = append(f.deletedCache, advisoryID)
	return nil
}

// buildArchive assembles an in-memory zip with manifest.json + a
// newline-delimited data file, optionally corrupting the recorded sha256.
func buildArchive(t *testing.T, dataFileName string, lines []string, badHash bool) []byte {
	t.Helper()
	data := strings.Join(lines, "\n")
	if len(lines) > 0 {
		data += "\n"
	}
	sum := sha256.Sum256([]byte(data))
	hash := hex.EncodeToString(sum[:])
	if badHash {
		hash = strings.Repeat("0", 64)
	}

	manifest := Manifest{File: dataFileName, SHA256: hash, PipelineVersion: "2026.07"}
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	mw, err := zw.Create("manifest.json")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mw.Write(manifestJSON); err != nil {
		t.Fatal(err)
	}
	dw, err := zw.Create(dataFileName)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := dw.Write([]byte(data)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func recordLine(t *testing.T, rec DataRecord) string {
	t.Helper()
	b, err := json.Marshal(rec)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestValidateAcceptsGoodArchive(t *testing.T) {
	archive := buildArchive(t, "data.jsonl", []string{`{}`}, false)
	r := bytes.NewReader(archive)
	m, warnings, err := Validate(r, int64(len(archive)))
	if err != nil {
		t.Fatal(err)
	}
	if m.File != "data.jsonl" {
		t.Fatalf("expected manifest file to round-trip, got %+v", m)
	}
	if len(warnings) != 0 {
		t.Fatalf("expected no warnings for a hash-verified archive, got %v", warnings)
	}
}

func TestValidateRejectsHashMismatch(t *testing.T) {
	archive := buildArchive(t, "data.jsonl", []string{`{}`}, true)
	r := bytes.NewReader(archive)
	if _, _, err := Validate(r, int64(len(archive))); err == nil {
		t.Fatal("expected a hash-mismatch error")
	}
}

func TestImportUpsertsAndInvalidatesCache(t *testing.T) {
	lines := []string{
		recordLine(t, DataRecord{
			Identifier: "cisco-sa-1", Kind: matchd.KindPSIRT, Platform: matchd.PlatformIOSXE,
			Severity: matchd.SeverityHigh, Headline: "bgp issue", AffectedVersions: "17.9.x",
			Labels: []string{"RTE_BGP"},
		}),
		recordLine(t, DataRecord{
			Identifier: "CSCab12345", Kind: matchd.KindBug, Platform: matchd.PlatformNXOS,
			Severity: matchd.SeverityMedium, Headline: "cosmetic", AffectedVersions: "9.3 and later",
		}),
	}
	archive := buildArchive(t, "data.jsonl", lines, false)
	r := bytes.NewReader(archive)

	store := &fakeStore{}
	u := New(store)
	result, err := u.Import(context.Background(), r, int64(len(archive)))
	if err != nil {
		t.Fatal(err)
	}
	if result.RecordsUpserted != 2 {
		t.Fatalf("expected 2 records upserted, got %d", result.RecordsUpserted)
	}
	if len(store.deletedCache) != 2 {
		t.Fatalf("expected cache invalidation for both ingested identifiers, got %v", store.deletedCache)
	}
	if !result.VectorRebuildSignal {
		t.Fatal("expected a rebuild signal on first import with a pipeline_version set")
	}

	// Re-importing the same pipeline_version should not signal a rebuild
	// again.
	r2 := bytes.NewReader(archive)
	result2, err := u.Import(context.Background(), r2, int64(len(archive)))
	if err != nil {
		t.Fatal(err)
	}
	if result2.VectorRebuildSignal {
		t.Fatal("expected no rebuild signal when pipeline_version repeats")
	}
}

func TestImportSkipsMalformedRecordsWithoutFailingTheBatch(t *testing.T) {
	lines := []string{
		recordLine(t, DataRecord{Identifier: "cisco-sa-ok", Kind: matchd.KindPSIRT, Platform: matchd.PlatformASA, Severity: matchd.SeverityLow, AffectedVersions: "9.8.1"}),
		recordLine(t, DataRecord{Identifier: "", Kind: matchd.KindPSIRT, Platform: matchd.PlatformASA, Severity: matchd.SeverityLow}),
		recordLine(t, DataRecord{Identifier: "cisco-sa-bad-platform", Kind: matchd.KindPSIRT, Platform: matchd.Platform("BOGUS"), Severity: matchd.SeverityLow}),
	}
	archive := buildArchive(t, "data.jsonl", lines, false)
	r := bytes.NewReader(archive)

	store := &fakeStore{}
	u := New(store)
	result, err := u.Import(context.Background(), r, int64(len(archive)))
	if err != nil {
		t.Fatal(err)
	}
	if result.RecordsUpserted != 1 || result.RecordsSkipped != 2 {
		t.Fatalf("expected 1 upserted and 2 skipped, got %+v", result)
	}
}

func TestImportFallsBackOnUnclassifiableVersion(t *testing.T) {
	lines := []string{
		recordLine(t, DataRecord{Identifier: "cisco-sa-text", Kind: matchd.KindPSIRT, Platform: matchd.PlatformIOSXR, Severity: matchd.SeverityHigh, AffectedVersions: "all releases in the affected family"}),
	}
	archive := buildArchive(t, "data.jsonl", lines, false)
	r := bytes.NewReader(archive)

	store := &fakeStore{}
	u := New(store)
	result, err := u.Import(context.Background(), r, int64(len(archive)))
	if err != nil {
		t.Fatal(err)
	}
	if result.RecordsUpserted != 1 {
		t.Fatalf("expected the record to still be stored, got %+v", result)
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected a warning about the unclassifiable version string")
	}
	got := store.upserted[0][0]
	if got.VersionPattern != matchd.PatternExplicit || len(got.ExplicitVersions) != 0 {
		t.Fatalf("expected a never-matching EXPLICIT fallback, got %+v", got)
	}
}
