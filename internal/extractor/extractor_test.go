package extractor

import (
	"testing"

	"github.com/ciscopsirt/matchd"
	"github.com/ciscopsirt/matchd/internal/taxonomy"
)

func mustStore(t *testing.T) *taxonomy.Store {
	t.Helper()
	st, err := taxonomy.LoadDefault()
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func TestExtractMatchesConfiguredFeature(t *testing.T) {
	e := New(mustStore(t))
	cfg := "hostname r1\n!\nrouter eigrp 100\n network 10.0.0.0\n!\nend\n"
	snap := e.Extract(matchd.PlatformIOSXE, cfg, nil)
	if !snap.HasFeature("RTE_EIGRP") {
		t.Errorf("expected RTE_EIGRP in %v", snap.FeaturesPresent)
	}
}

// TestExtractIgnoresSNMPTrapMention is spec §8's key boundary behavior: a
// trap-only mention must never produce a false positive.
func TestExtractIgnoresSNMPTrapMention(t *testing.T) {
	e := New(mustStore(t))
	cfg := "hostname r1\n!\nsnmp-server enable traps eigrp\n!\nend\n"
	snap := e.Extract(matchd.PlatformIOSXE, cfg, nil)
	if snap.HasFeature("RTE_EIGRP") {
		t.Errorf("snmp trap mention must not set RTE_EIGRP, got %v", snap.FeaturesPresent)
	}
}

func TestExtractSanitized(t *testing.T) {
	e := New(mustStore(t))
	cfg := "hostname secret-host\nenable secret 5 $1$abc$def\nusername admin password 7 0822455D0A16\niox\n"
	snap := e.Extract(matchd.PlatformIOSXE, cfg, nil)
	if !snap.HasFeature("APP_IOx") {
		t.Fatal("expected APP_IOx")
	}
	// The snapshot type has no field that could carry the raw config or
	// credentials through, so the type itself enforces sanitization; the
	// assertion below only checks that feature_count agrees with
	// features_present.
	if snap.FeatureCount != len(snap.FeaturesPresent) {
		t.Errorf("feature_count %d != len(features_present) %d", snap.FeatureCount, len(snap.FeaturesPresent))
	}
}

func TestExtractDeterministic(t *testing.T) {
	e := New(mustStore(t))
	cfg := "router eigrp 1\nip ssh version 2\ncontrol-plane\n service-policy input COPP\n"
	a := e.Extract(matchd.PlatformIOSXE, cfg, nil)
	b := e.Extract(matchd.PlatformIOSXE, cfg, nil)
	if len(a.FeaturesPresent) != len(b.FeaturesPresent) {
		t.Fatalf("non-deterministic feature counts: %v vs %v", a.FeaturesPresent, b.FeaturesPresent)
	}
	for i := range a.FeaturesPresent {
		if a.FeaturesPresent[i] != b.FeaturesPresent[i] {
			t.Fatalf("non-deterministic ordering: %v vs %v", a.FeaturesPresent, b.FeaturesPresent)
		}
	}
}
