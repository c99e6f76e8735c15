package matchd

import "time"

// ExtractorVersion is recorded on every snapshot so consumers can reason
// about drift when the taxonomy or extraction rules change (spec §4.3).
const ExtractorVersion = "1"

// FeatureSnapshot is a sanitized description of which taxonomy labels are
// configured on a device, per spec §3/§4.3. It deliberately contains no
// IPs, hostnames, credentials, config fragments, or command outputs.
type FeatureSnapshot struct {
	ID              string    `json:"snapshot_id"`
	Platform        Platform  `json:"platform"`
	HardwareModel   *string   `json:"hardware_model,omitempty"`
	FeaturesPresent []string  `json:"features_present"`
	FeatureCount    int       `json:"feature_count"`
	TotalChecked    int       `json:"total_checked"`
	ExtractedAt     time.Time `json:"extracted_at"`
	ExtractorVersion string   `json:"extractor_version"`
}

// HasFeature reports whether label is present in the snapshot.
func (s *FeatureSnapshot) HasFeature(label string) bool {
	for _, f := range s.FeaturesPresent {
		if f == label {
			return true
		}
	}
	return false
}
