package matchd

import "time"

// Vulnerability is a single PSIRT advisory or engineering bug, per spec §3.
// Its primary key is (Kind, Identifier).
type Vulnerability struct {
	Identifier string `json:"identifier"`
	Kind       Kind   `json:"kind"`
	Platform   Platform `json:"platform"`
	Severity   Severity `json:"severity"`
	Headline   string   `json:"headline"`
	Summary    string   `json:"summary"`
	URL        string   `json:"url,omitempty"`
	Status     string   `json:"status,omitempty"`

	// HardwareModel is nil when the bug applies to every hardware family of
	// the platform (spec §3).
	HardwareModel *string `json:"hardware_model,omitempty"`

	AffectedVersionsRaw string         `json:"affected_versions_raw"`
	VersionPattern      VersionPattern `json:"version_pattern"`
	VersionMin          *Version       `json:"version_min,omitempty"`
	VersionMax          *Version       `json:"version_max,omitempty"`
	// ExplicitVersions is populated only when VersionPattern ==
	// PatternExplicit; normalized and ordered.
	ExplicitVersions []Version `json:"explicit_versions,omitempty"`
	FixedVersion     *Version  `json:"fixed_version,omitempty"`

	Labels       []string    `json:"labels,omitempty"`
	LabelsSource LabelSource `json:"labels_source,omitempty"`

	LastModified time.Time `json:"last_modified"`
}

// Key returns the (kind, identifier) upsert key, spec §4.5.
func (v *Vulnerability) Key() (Kind, string) { return v.Kind, v.Identifier }

// HasLabel reports whether label is present in v's label set.
func (v *Vulnerability) HasLabel(label string) bool {
	for _, l := range v.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// MatchesHardware implements the scanner's hardware stage (§4.6 stage 3):
// nil HardwareModel matches everything; otherwise it must equal family
// exactly. A nil requested family only keeps generic (nil HardwareModel)
// bugs.
func (v *Vulnerability) MatchesHardware(family *string) bool {
	if v.HardwareModel == nil {
		return true
	}
	if family == nil {
		return false
	}
	return *v.HardwareModel == *family
}
