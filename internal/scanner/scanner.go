// Package scanner implements the four-stage scan pipeline of spec §4.6:
// platform validation, version pre-filter + precise is_affected evaluation,
// hardware filtering, and feature-label filtering.
//
// Grounded on quay/claircore's internal/matcher.matchOne: a "narrow the
// candidate set, then verify precisely" shape, with per-stage counters
// folded into the returned result instead of a side-channel event log,
// since spec §4.6 requires the counters in the response itself.
package scanner

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/ciscopsirt/matchd"
	"github.com/ciscopsirt/matchd/internal/store"
	"github.com/ciscopsirt/matchd/internal/version"
)

// Store is the subset of internal/store's Store the scanner depends on.
type Store interface {
	CandidatesForVersion(ctx context.Context, platform matchd.Platform, v matchd.Version) ([]store.CandidateRow, error)
	GetVulnerabilities(ctx context.Context, identifiers []string) ([]*matchd.Vulnerability, error)
}

// Params bundles the scan operation's inputs, per spec §4.6's signature
// scan(platform, version, hardware?, features?, severity_filter?, limit?, offset?).
type Params struct {
	Platform       matchd.Platform
	Version        string
	Hardware       *string
	Features       []string
	SeverityFilter *matchd.Severity
	Limit          int
	Offset         int
}

// Scanner runs the scan pipeline against a Store.
type Scanner struct {
	store Store
}

func New(store Store) *Scanner {
	return &Scanner{store: store}
}

// Scan runs the four-stage pipeline of spec §4.6 and returns a ScanResult.
func (s *Scanner) Scan(ctx context.Context, p Params) (*matchd.ScanResult, error) {
	start := time.Now()

	// Stage 1: platform.
	if !p.Platform.Valid() {
		return nil, &matchd.Error{Op: "scanner.Scan", Kind: matchd.ErrBadInput,
			Message: "unknown platform " + string(p.Platform)}
	}
	deviceVersion, err := version.Normalize(p.Version)
	if err != nil {
		return nil, &matchd.Error{Op: "scanner.Scan", Kind: matchd.ErrBadInput, Inner: err}
	}

	// Stage 2: version pre-filter, then precise is_affected.
	candidates, err := s.store.CandidatesForVersion(ctx, p.Platform, deviceVersion)
	if err != nil {
		return nil, &matchd.Error{Op: "scanner.Scan", Kind: matchd.ErrInternal, Inner: err}
	}
	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.Identifier)
	}
	totalChecked := len(ids)
	vulns, err := s.store.GetVulnerabilities(ctx, ids)
	if err != nil {
		return nil, &matchd.Error{Op: "scanner.Scan", Kind: matchd.ErrInternal, Inner: err}
	}

	var versionMatched []*matchd.Vulnerability
	for _, v := range vulns {
		c := version.FromStored(v.VersionPattern, v.VersionMin, v.VersionMax, v.ExplicitVersions)
		affected, reason, err := version.IsAffected(p.Version, c, v.FixedVersion)
		if err != nil {
			zlog.Debug(ctx).Str("identifier", v.Identifier).Err(err).Msg("is_affected evaluation failed, dropping index false-positive")
			continue
		}
		if affected {
			versionMatched = append(versionMatched, v)
		} else {
			zlog.Debug(ctx).Str("identifier", v.Identifier).Str("reason", reason).Msg("version index false positive")
		}
	}
	versionMatches := len(versionMatched)

	// Stage 3: hardware.
	hardwareKept := make([]*matchd.Vulnerability, 0, len(versionMatched))
	for _, v := range versionMatched {
		if v.MatchesHardware(p.Hardware) {
			hardwareKept = append(hardwareKept, v)
		}
	}
	hardwareFiltered := versionMatches - len(hardwareKept)

	// Stage 4: features.
	var finalKept, filteredOut []*matchd.Vulnerability
	for _, v := range hardwareKept {
		if featurePasses(v, p.Features) {
			finalKept = append(finalKept, v)
		} else {
			filteredOut = append(filteredOut, v)
		}
	}

	if p.SeverityFilter != nil {
		finalKept = filterBySeverity(finalKept, *p.SeverityFilter)
	}

	sortVulns(finalKept)
	sortVulns(filteredOut)

	sample := filteredOut
	if len(sample) > 10 {
		sample = sample[:10]
	}

	result := &matchd.ScanResult{
		ScanID:            uuid.NewString(),
		Platform:          p.Platform,
		Version:           p.Version,
		HardwareModel:     p.Hardware,
		Features:          p.Features,
		TotalChecked:      totalChecked,
		VersionMatches:    versionMatches,
		HardwareFiltered:  hardwareFiltered,
		FinalMatches:      len(finalKept),
		QueryTimeMS:       time.Since(start).Milliseconds(),
		Timestamp:         time.Now().UTC(),
		FilteredOutSample: sample,
	}
	result.CriticalHigh, result.MediumLow = group(finalKept)
	result.MediumLow = paginate(result.MediumLow, p.Limit, p.Offset)
	return result, nil
}

// featurePasses implements stage 4 of spec §4.6: a bug with an empty label
// set always passes (it cannot be disproven relevant); otherwise it must
// intersect the requested feature set. A nil/empty features filter is a
// no-op.
func featurePasses(v *matchd.Vulnerability, features []string) bool {
	if len(features) == 0 {
		return true
	}
	if len(v.Labels) == 0 {
		return true
	}
	want := make(map[string]struct{}, len(features))
	for _, f := range features {
		want[f] = struct{}{}
	}
	for _, l := range v.Labels {
		if _, ok := want[l]; ok {
			return true
		}
	}
	return false
}

func filterBySeverity(vs []*matchd.Vulnerability, sev matchd.Severity) []*matchd.Vulnerability {
	out := make([]*matchd.Vulnerability, 0, len(vs))
	for _, v := range vs {
		if v.Severity == sev {
			out = append(out, v)
		}
	}
	return out
}

// group splits matched vulnerabilities into critical_high (severities 1-2)
// and medium_low (3-6), per spec §4.6.
func group(vs []*matchd.Vulnerability) (criticalHigh, mediumLow []*matchd.Vulnerability) {
	for _, v := range vs {
		if v.Severity.CriticalHigh() {
			criticalHigh = append(criticalHigh, v)
		} else {
			mediumLow = append(mediumLow, v)
		}
	}
	return criticalHigh, mediumLow
}

func sortVulns(vs []*matchd.Vulnerability) {
	sort.Slice(vs, func(i, j int) bool {
		if vs[i].Severity != vs[j].Severity {
			return vs[i].Severity < vs[j].Severity
		}
		return vs[i].Identifier < vs[j].Identifier
	})
}

func paginate(vs []*matchd.Vulnerability, limit, offset int) []*matchd.Vulnerability {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(vs) {
		return nil
	}
	vs = vs[offset:]
	if limit > 0 && limit < len(vs) {
		vs = vs[:limit]
	}
	return vs
}
