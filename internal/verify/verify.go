// Package verify implements the device/snapshot verification reports of
// spec §6's /verify-device and /verify-snapshot: given a cached Analysis's
// labels and a device's feature snapshot (plus, for /verify-device, an
// optional version check), decide whether the device is actually
// vulnerable.
//
// Grounded directly on internal/version's IsAffected (already the "decide
// whether a device version is affected, with a human reason" primitive
// used by the scanner) and on matchd.FeatureSnapshot.HasFeature; this
// package only composes them into the wire report shape spec §6 names, it
// introduces no new matching algorithm of its own.
package verify

import (
	"github.com/ciscopsirt/matchd"
	"github.com/ciscopsirt/matchd/internal/version"
)

// PSIRTMetadata is the optional caller-supplied affected/fixed version
// context for /verify-device, per spec §6.
type PSIRTMetadata struct {
	AffectedVersions string `json:"affected_versions,omitempty"`
	FixedVersion     string `json:"fixed_version,omitempty"`
}

// VersionCheck is the version half of a verification report. When there is
// no PSIRTMetadata (or it has no affected_versions) the report carries no
// VersionCheck at all and the overall verdict is decided on feature_check
// alone; this package never sets Skipped.
type VersionCheck struct {
	Skipped       bool   `json:"skipped"`
	DeviceVersion string `json:"device_version,omitempty"`
	Affected      bool   `json:"affected"`
	Reason        string `json:"reason,omitempty"`
}

// FeatureCheck is the feature half of a verification report: which of the
// analysis's labels were found configured on the device, and which
// weren't.
type FeatureCheck struct {
	Present []string `json:"present"`
	Absent  []string `json:"absent"`
}

// OverallStatus is the report's verdict, per spec §6.
type OverallStatus string

const (
	StatusVulnerable    OverallStatus = "VULNERABLE"
	StatusNotVulnerable OverallStatus = "NOT VULNERABLE"
	StatusError         OverallStatus = "ERROR"
)

// Report is the wire shape of /verify-device and /verify-snapshot's
// response.
type Report struct {
	VersionCheck  *VersionCheck `json:"version_check,omitempty"`
	FeatureCheck  FeatureCheck  `json:"feature_check"`
	OverallStatus OverallStatus `json:"overall_status"`
	Reason        string        `json:"reason"`
	Evidence      []string      `json:"evidence,omitempty"`
}

// Snapshot reports whether the analysis's labels indicate a configuration
// that makes the device vulnerable, given snapshot (/verify-snapshot, and
// the feature half of /verify-device).
func Snapshot(analysis *matchd.Analysis, snapshot *matchd.FeatureSnapshot) *Report {
	return build(analysis, snapshot, nil, nil)
}

// Device additionally checks deviceVersion against meta (when given),
// combining it with the feature check, for /verify-device.
func Device(analysis *matchd.Analysis, snapshot *matchd.FeatureSnapshot, deviceVersion string, meta *PSIRTMetadata) *Report {
	return build(analysis, snapshot, &deviceVersion, meta)
}

func build(analysis *matchd.Analysis, snapshot *matchd.FeatureSnapshot, deviceVersion *string, meta *PSIRTMetadata) *Report {
	fc := FeatureCheck{}
	for _, label := range analysis.Labels {
		if snapshot != nil && snapshot.HasFeature(label) {
			fc.Present = append(fc.Present, label)
		} else {
			fc.Absent = append(fc.Absent, label)
		}
	}

	var vc *VersionCheck
	if deviceVersion != nil && meta != nil && meta.AffectedVersions != "" {
		vc = checkVersion(*deviceVersion, *meta)
	}

	rpt := &Report{VersionCheck: vc, FeatureCheck: fc}
	switch {
	case vc != nil && !vc.Affected:
		rpt.OverallStatus = StatusNotVulnerable
		rpt.Reason = vc.Reason
	case len(fc.Present) == 0:
		rpt.OverallStatus = StatusNotVulnerable
		rpt.Reason = "no indicator features present in the device configuration"
	default:
		rpt.OverallStatus = StatusVulnerable
		rpt.Reason = "indicator features present" + versionSuffix(vc)
		rpt.Evidence = fc.Present
	}
	return rpt
}

func versionSuffix(vc *VersionCheck) string {
	if vc == nil {
		return ""
	}
	return " and device version is in the affected range"
}

func checkVersion(deviceVersion string, meta PSIRTMetadata) *VersionCheck {
	classified, err := version.Classify(meta.AffectedVersions)
	if err != nil {
		return &VersionCheck{DeviceVersion: deviceVersion, Affected: true,
			Reason: "could not classify affected_versions, treating as affected: " + err.Error()}
	}
	var fixed *matchd.Version
	if meta.FixedVersion != "" {
		if fv, err := version.Normalize(meta.FixedVersion); err == nil {
			fixed = &fv
		}
	}
	affected, reason, err := version.IsAffected(deviceVersion, classified, fixed)
	if err != nil {
		return &VersionCheck{DeviceVersion: deviceVersion, Affected: true,
			Reason: "could not parse device version, treating as affected: " + err.Error()}
	}
	return &VersionCheck{DeviceVersion: deviceVersion, Affected: affected, Reason: reason}
}
