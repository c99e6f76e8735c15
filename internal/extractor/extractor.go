// Package extractor implements the feature extractor of spec §4.3: it
// applies a platform's taxonomy regex against a block of configuration text
// and produces a sanitized [matchd.FeatureSnapshot] — never the matched
// text, never credentials, addresses, or hostnames.
package extractor

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ciscopsirt/matchd"
	"github.com/ciscopsirt/matchd/internal/taxonomy"
)

// Extractor applies taxonomy regex to configuration text.
type Extractor struct {
	tax *taxonomy.Store
}

func New(tax *taxonomy.Store) *Extractor {
	return &Extractor{tax: tax}
}

// Extract builds a FeatureSnapshot for the given platform from configText.
// hardware, if non-empty, is carried through onto the snapshot as-is (the
// caller is expected to have already run it through the hardware
// classifier, spec §4.4); extractor itself never parses hardware out of
// config text.
func (e *Extractor) Extract(platform matchd.Platform, configText string, hardware *string) matchd.FeatureSnapshot {
	labels := e.tax.LabelsFor(platform)
	sort.Strings(labels)
	snap := matchd.FeatureSnapshot{
		ID:               uuid.NewString(),
		Platform:         platform,
		HardwareModel:    hardware,
		TotalChecked:     len(labels),
		ExtractedAt:      time.Now().UTC(),
		ExtractorVersion: matchd.ExtractorVersion,
	}
	for _, label := range labels {
		patterns := e.tax.Patterns(platform, label)
		for _, re := range patterns {
			if re.MatchString(configText) {
				snap.FeaturesPresent = append(snap.FeaturesPresent, label)
				break
			}
		}
	}
	snap.FeatureCount = len(snap.FeaturesPresent)
	return snap
}
