package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/ciscopsirt/matchd"
)

// UpsertVulnerability implements spec §4.5's upsert semantics: key =
// (kind, identifier); re-ingest replaces all fields and rebuilds
// label_index/version_index rows for that vulnerability atomically.
func (s *Store) UpsertVulnerability(ctx context.Context, v *matchd.Vulnerability) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return upsertVulnTx(ctx, tx, v)
	})
}

// UpsertVulnerabilities upserts a batch inside a single transaction scope,
// per spec §4.11's streaming offline-import contract ("upserts ... inside a
// single transaction scope per batch"). A failure partway through rolls
// back the whole batch rather than leaving it half-applied.
func (s *Store) UpsertVulnerabilities(ctx context.Context, batch []*matchd.Vulnerability) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, v := range batch {
			if err := upsertVulnTx(ctx, tx, v); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertVulnTx(ctx context.Context, tx *sql.Tx, v *matchd.Vulnerability) error {
	explicitJSON, err := json.Marshal(v.ExplicitVersions)
	if err != nil {
		return err
	}
	labelsJSON, err := json.Marshal(v.Labels)
	if err != nil {
		return err
	}

	var hw any
	if v.HardwareModel != nil {
		hw = *v.HardwareModel
	}
	minMaj, minMin, minPat := nullableVersion(v.VersionMin)
	maxMaj, maxMin, maxPat := nullableVersion(v.VersionMax)
	fixMaj, fixMin, fixPat := nullableVersion(v.FixedVersion)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO vulnerabilities (
			kind, identifier, platform, severity, headline, summary, url, status,
			hardware_model, affected_versions_raw, version_pattern,
			version_min_major, version_min_minor, version_min_patch,
			version_max_major, version_max_minor, version_max_patch,
			explicit_versions_json, fixed_major, fixed_minor, fixed_patch,
			labels_json, labels_source, last_modified
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (kind, identifier) DO UPDATE SET
			platform=excluded.platform, severity=excluded.severity,
			headline=excluded.headline, summary=excluded.summary, url=excluded.url,
			status=excluded.status, hardware_model=excluded.hardware_model,
			affected_versions_raw=excluded.affected_versions_raw,
			version_pattern=excluded.version_pattern,
			version_min_major=excluded.version_min_major, version_min_minor=excluded.version_min_minor, version_min_patch=excluded.version_min_patch,
			version_max_major=excluded.version_max_major, version_max_minor=excluded.version_max_minor, version_max_patch=excluded.version_max_patch,
			explicit_versions_json=excluded.explicit_versions_json,
			fixed_major=excluded.fixed_major, fixed_minor=excluded.fixed_minor, fixed_patch=excluded.fixed_patch,
			labels_json=excluded.labels_json, labels_source=excluded.labels_source,
			last_modified=excluded.last_modified
	`,
		string(v.Kind), v.Identifier, string(v.Platform), int(v.Severity), v.Headline, v.Summary, v.URL, v.Status,
		hw, v.AffectedVersionsRaw, string(v.VersionPattern),
		minMaj, minMin, minPat, maxMaj, maxMin, maxPat,
		string(explicitJSON), fixMaj, fixMin, fixPat,
		string(labelsJSON), string(v.LabelsSource), v.LastModified.UTC().Unix(),
	)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM label_index WHERE kind=? AND identifier=?`, string(v.Kind), v.Identifier); err != nil {
		return err
	}
	for _, label := range v.Labels {
		if _, err := tx.ExecContext(ctx, `INSERT INTO label_index (kind, identifier, label) VALUES (?,?,?)`,
			string(v.Kind), v.Identifier, label); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM version_index WHERE kind=? AND identifier=?`, string(v.Kind), v.Identifier); err != nil {
		return err
	}
	for _, row := range expandVersionIndex(v) {
		if _, err := tx.ExecContext(ctx, `INSERT INTO version_index (kind, identifier, platform, major, minor, patch) VALUES (?,?,?,?,?,?)`,
			string(v.Kind), v.Identifier, string(v.Platform), row.Major, row.Minor, row.Patch); err != nil {
			return err
		}
	}
	return nil
}

// expandVersionIndex precomputes the coarse VersionIndex rows used as a
// pre-filter ahead of precise is_affected evaluation, per spec §3/§4.6.
// Wildcard/range patterns are expanded to a bounded set of (major, minor)
// trains; within a train every patch is covered by a single row carrying
// patch = -1 as a "any patch in this train" sentinel, since expanding every
// individual patch for an open-ended upper bound is unbounded.
func expandVersionIndex(v *matchd.Vulnerability) []matchd.Version {
	switch v.VersionPattern {
	case matchd.PatternExplicit:
		out := make([]matchd.Version, 0, len(v.ExplicitVersions))
		for _, ver := range v.ExplicitVersions {
			out = append(out, matchd.Version{Major: ver.Major, Minor: ver.Minor, Patch: -1})
		}
		return out
	case matchd.PatternWildcard, matchd.PatternOpenLater, matchd.PatternOpenEarlier:
		if v.VersionMin == nil {
			return nil
		}
		return []matchd.Version{{Major: v.VersionMin.Major, Minor: v.VersionMin.Minor, Patch: -1}}
	case matchd.PatternMajorWildcard:
		// Bounded to one major: a single sentinel row for that major, and
		// the query side matches it against any minor/patch within it (see
		// CandidatesForVersion).
		if v.VersionMin == nil {
			return nil
		}
		return []matchd.Version{{Major: v.VersionMin.Major, Minor: -1, Patch: -1}}
	case matchd.PatternMinorWildcard:
		// Unbounded forward span across every higher major (§4.1: "spans
		// trains forward"), not just the floor major — a per-major sentinel
		// here would drop every device on a later major before precise
		// is_affected ever ran. major = -1 is a second sentinel meaning "any
		// major", which CandidatesForVersion's query matches independent of
		// the device's major.
		if v.VersionMin == nil {
			return nil
		}
		return []matchd.Version{{Major: -1, Minor: -1, Patch: -1}}
	default:
		return nil
	}
}

func nullableVersion(v *matchd.Version) (any, any, any) {
	if v == nil {
		return nil, nil, nil
	}
	return v.Major, v.Minor, v.Patch
}

// GetVulnerability fetches a single vulnerability by its identifier,
// regardless of kind, for GET /vulnerability/{id}.
func (s *Store) GetVulnerability(ctx context.Context, identifier string) (*matchd.Vulnerability, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT kind, identifier, platform, severity, headline, summary, url, status,
			hardware_model, affected_versions_raw, version_pattern,
			version_min_major, version_min_minor, version_min_patch,
			version_max_major, version_max_minor, version_max_patch,
			explicit_versions_json, fixed_major, fixed_minor, fixed_patch,
			labels_json, labels_source, last_modified
		FROM vulnerabilities WHERE identifier = ?`, identifier)
	v, err := scanVulnerability(row)
	if err != nil {
		return nil, notFound("store.GetVulnerability", "unknown vulnerability id "+identifier, err)
	}
	return v, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanVulnerability(row scannable) (*matchd.Vulnerability, error) {
	var v matchd.Vulnerability
	var hw sql.NullString
	var minMaj, minMin, minPat sql.NullInt64
	var maxMaj, maxMin, maxPat sql.NullInt64
	var fixMaj, fixMin, fixPat sql.NullInt64
	var explicitJSON, labelsJSON string
	var lastModified int64
	var kind, pattern, labelsSource string

	if err := row.Scan(&kind, &v.Identifier, &v.Platform, &v.Severity, &v.Headline, &v.Summary, &v.URL, &v.Status,
		&hw, &v.AffectedVersionsRaw, &pattern,
		&minMaj, &minMin, &minPat, &maxMaj, &maxMin, &maxPat,
		&explicitJSON, &fixMaj, &fixMin, &fixPat,
		&labelsJSON, &labelsSource, &lastModified); err != nil {
		return nil, err
	}
	v.Kind = matchd.Kind(kind)
	v.VersionPattern = matchd.VersionPattern(pattern)
	v.LabelsSource = matchd.LabelSource(labelsSource)
	v.LastModified = time.Unix(lastModified, 0).UTC()
	if hw.Valid {
		hwv := hw.String
		v.HardwareModel = &hwv
	}
	v.VersionMin = versionFromNullable(minMaj, minMin, minPat)
	v.VersionMax = versionFromNullable(maxMaj, maxMin, maxPat)
	v.FixedVersion = versionFromNullable(fixMaj, fixMin, fixPat)
	if err := json.Unmarshal([]byte(explicitJSON), &v.ExplicitVersions); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(labelsJSON), &v.Labels); err != nil {
		return nil, err
	}
	return &v, nil
}

func versionFromNullable(maj, min, pat sql.NullInt64) *matchd.Version {
	if !maj.Valid {
		return nil
	}
	v := matchd.Version{Major: int(maj.Int64)}
	if min.Valid {
		v.Minor = int(min.Int64)
	}
	if pat.Valid {
		v.Patch = int(pat.Int64)
	} else {
		v.Patch = -1
	}
	return &v
}

// CandidateRow is a version_index hit used as the scanner's coarse
// pre-filter, spec §4.6 stage 2.
type CandidateRow struct {
	Kind       matchd.Kind
	Identifier string
}

// CandidatesForVersion returns the distinct (kind, identifier) pairs whose
// version_index rows intersect the device's (major, minor, patch), per spec
// §4.6 stage 2. The caller still must run precise is_affected evaluation —
// this only narrows the candidate set. major = -1 is MINOR_WILDCARD's
// "any major" sentinel (see expandVersionIndex) and always matches,
// regardless of the device's major, so a MINOR_WILDCARD floor on an
// earlier major still surfaces as a candidate for a device several
// majors ahead.
func (s *Store) CandidatesForVersion(ctx context.Context, platform matchd.Platform, v matchd.Version) ([]CandidateRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT kind, identifier FROM version_index
		WHERE platform = ? AND (major = ? OR major = -1) AND (
			(minor = -1) OR
			(minor = ? AND (patch = -1 OR patch = ?))
		)`, string(platform), v.Major, v.Minor, v.Patch)
	if err != nil {
		return nil, &matchd.Error{Op: "store.CandidatesForVersion", Kind: matchd.ErrInternal, Inner: err}
	}
	defer rows.Close()
	var out []CandidateRow
	for rows.Next() {
		var kind, id string
		if err := rows.Scan(&kind, &id); err != nil {
			return nil, err
		}
		out = append(out, CandidateRow{Kind: matchd.Kind(kind), Identifier: id})
	}
	return out, rows.Err()
}

// GetVulnerabilities loads full records for the given identifiers.
func (s *Store) GetVulnerabilities(ctx context.Context, identifiers []string) ([]*matchd.Vulnerability, error) {
	out := make([]*matchd.Vulnerability, 0, len(identifiers))
	for _, id := range identifiers {
		v, err := s.GetVulnerability(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// VulnerabilitiesForPlatform returns every vulnerability for platform. The
// scanner does not call it: when the version_index pre-filter finds
// nothing, a scan has no candidates and no fallback lookup is made.
func (s *Store) VulnerabilitiesForPlatform(ctx context.Context, platform matchd.Platform) ([]*matchd.Vulnerability, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, identifier, platform, severity, headline, summary, url, status,
			hardware_model, affected_versions_raw, version_pattern,
			version_min_major, version_min_minor, version_min_patch,
			version_max_major, version_max_minor, version_max_patch,
			explicit_versions_json, fixed_major, fixed_minor, fixed_patch,
			labels_json, labels_source, last_modified
		FROM vulnerabilities WHERE platform = ?`, string(platform))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*matchd.Vulnerability
	for rows.Next() {
		v, err := scanVulnerability(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
