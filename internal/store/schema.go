package store

import "context"

// schema is applied with CREATE TABLE IF NOT EXISTS on every Open, so
// repeated starts against an existing file are idempotent. There is no
// migration framework here — one version, additive only — because the
// Non-goal of §1 rules out the multi-version upgrade machinery the
// teacher's own remind101/migrate-based libvuln/migrations package
// provides for its Postgres schema; a single append-only schema needs none
// of that.
const schema = `
CREATE TABLE IF NOT EXISTS vulnerabilities (
	kind                  TEXT    NOT NULL,
	identifier            TEXT    NOT NULL,
	platform              TEXT    NOT NULL,
	severity              INTEGER NOT NULL,
	headline              TEXT    NOT NULL DEFAULT '',
	summary               TEXT    NOT NULL DEFAULT '',
	url                   TEXT    NOT NULL DEFAULT '',
	status                TEXT    NOT NULL DEFAULT '',
	hardware_model        TEXT,
	affected_versions_raw TEXT    NOT NULL DEFAULT '',
	version_pattern       TEXT    NOT NULL DEFAULT '',
	version_min_major      INTEGER,
	version_min_minor      INTEGER,
	version_min_patch      INTEGER,
	version_max_major      INTEGER,
	version_max_minor      INTEGER,
	version_max_patch      INTEGER,
	explicit_versions_json TEXT   NOT NULL DEFAULT '[]',
	fixed_major           INTEGER,
	fixed_minor           INTEGER,
	fixed_patch           INTEGER,
	labels_json           TEXT    NOT NULL DEFAULT '[]',
	labels_source         TEXT    NOT NULL DEFAULT '',
	last_modified         INTEGER NOT NULL,
	PRIMARY KEY (kind, identifier)
);
CREATE INDEX IF NOT EXISTS idx_vuln_platform ON vulnerabilities(platform);
CREATE INDEX IF NOT EXISTS idx_vuln_hardware ON vulnerabilities(hardware_model);

CREATE TABLE IF NOT EXISTS version_index (
	kind       TEXT    NOT NULL,
	identifier TEXT    NOT NULL,
	platform   TEXT    NOT NULL,
	major      INTEGER NOT NULL,
	minor      INTEGER NOT NULL,
	patch      INTEGER NOT NULL,
	FOREIGN KEY (kind, identifier) REFERENCES vulnerabilities(kind, identifier) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_version_index_lookup ON version_index(platform, major, minor, patch);

CREATE TABLE IF NOT EXISTS label_index (
	kind       TEXT NOT NULL,
	identifier TEXT NOT NULL,
	label      TEXT NOT NULL,
	FOREIGN KEY (kind, identifier) REFERENCES vulnerabilities(kind, identifier) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_label_index_label ON label_index(label);

CREATE TABLE IF NOT EXISTS devices (
	id                    TEXT PRIMARY KEY,
	hostname              TEXT NOT NULL,
	platform              TEXT,
	version               TEXT,
	hardware_model        TEXT,
	features_json         TEXT NOT NULL DEFAULT '[]',
	status                TEXT NOT NULL,
	last_discovered_at    INTEGER,
	last_scan_id          TEXT,
	previous_scan_id      TEXT,
	consecutive_failures  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS scan_results (
	scan_id             TEXT PRIMARY KEY,
	device_id           TEXT,
	platform            TEXT NOT NULL,
	version             TEXT NOT NULL,
	hardware_model      TEXT,
	features_json       TEXT NOT NULL DEFAULT '[]',
	total_checked       INTEGER NOT NULL,
	version_matches     INTEGER NOT NULL,
	hardware_filtered   INTEGER NOT NULL,
	final_matches       INTEGER NOT NULL,
	critical_high_json  TEXT NOT NULL DEFAULT '[]',
	medium_low_json     TEXT NOT NULL DEFAULT '[]',
	filtered_sample_json TEXT NOT NULL DEFAULT '[]',
	query_time_ms       INTEGER NOT NULL,
	timestamp           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scan_device ON scan_results(device_id);

CREATE TABLE IF NOT EXISTS psirt_cache (
	advisory_id       TEXT NOT NULL,
	platform          TEXT NOT NULL,
	labels_json       TEXT NOT NULL DEFAULT '[]',
	confidence        REAL NOT NULL,
	confidence_source TEXT NOT NULL,
	needs_review      INTEGER NOT NULL,
	timestamp         INTEGER NOT NULL,
	PRIMARY KEY (advisory_id, platform)
);
`

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}
