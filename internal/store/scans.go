package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/ciscopsirt/matchd"
)

// PutScanResult persists the output of a single scanner run, per spec
// §4.6/§4.10, replacing any row with the same scan id. A device's
// last_scan_id / previous_scan_id pointers (updated separately via
// RotateDeviceScan, which also deletes the scan a rotation evicts) are what
// make a result "current" or "previous".
func (s *Store) PutScanResult(ctx context.Context, r *matchd.ScanResult) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		featuresJSON, err := json.Marshal(r.Features)
		if err != nil {
			return err
		}
		critJSON, err := marshalIdentifiers(r.CriticalHigh)
		if err != nil {
			return err
		}
		medJSON, err := marshalIdentifiers(r.MediumLow)
		if err != nil {
			return err
		}
		sampleJSON, err := marshalIdentifiers(r.FilteredOutSample)
		if err != nil {
			return err
		}
		var deviceID, hw any
		if r.DeviceID != nil {
			deviceID = *r.DeviceID
		}
		if r.HardwareModel != nil {
			hw = *r.HardwareModel
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO scan_results (
				scan_id, device_id, platform, version, hardware_model, features_json,
				total_checked, version_matches, hardware_filtered, final_matches,
				critical_high_json, medium_low_json, filtered_sample_json,
				query_time_ms, timestamp
			) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT (scan_id) DO UPDATE SET
				device_id=excluded.device_id, platform=excluded.platform, version=excluded.version,
				hardware_model=excluded.hardware_model, features_json=excluded.features_json,
				total_checked=excluded.total_checked, version_matches=excluded.version_matches,
				hardware_filtered=excluded.hardware_filtered, final_matches=excluded.final_matches,
				critical_high_json=excluded.critical_high_json, medium_low_json=excluded.medium_low_json,
				filtered_sample_json=excluded.filtered_sample_json,
				query_time_ms=excluded.query_time_ms, timestamp=excluded.timestamp
		`, r.ScanID, deviceID, string(r.Platform), r.Version, hw, string(featuresJSON),
			r.TotalChecked, r.VersionMatches, r.HardwareFiltered, r.FinalMatches,
			string(critJSON), string(medJSON), string(sampleJSON),
			r.QueryTimeMS, r.Timestamp.UTC().Unix())
		return err
	})
}

// marshalIdentifiers stores only the identifier of each vulnerability in a
// scan bucket; full records are re-fetched by identifier on read, keeping
// scan_results from duplicating the vulnerabilities table.
func marshalIdentifiers(vs []*matchd.Vulnerability) ([]byte, error) {
	ids := make([]string, 0, len(vs))
	for _, v := range vs {
		ids = append(ids, v.Identifier)
	}
	return json.Marshal(ids)
}

// GetScanResult loads a scan result and rehydrates its vulnerability
// buckets from the vulnerabilities table.
func (s *Store) GetScanResult(ctx context.Context, scanID string) (*matchd.ScanResult, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT scan_id, device_id, platform, version, hardware_model, features_json,
			total_checked, version_matches, hardware_filtered, final_matches,
			critical_high_json, medium_low_json, filtered_sample_json,
			query_time_ms, timestamp
		FROM scan_results WHERE scan_id = ?`, scanID)
	raw, err := scanResultRow(row)
	if err != nil {
		return nil, notFound("store.GetScanResult", "unknown scan id "+scanID, err)
	}
	// row.Scan (via QueryRowContext) releases its connection before this
	// call, so hydrating here doesn't contend with MaxOpenConns(1).
	return s.hydrateScanResult(ctx, raw)
}

// rawScanResult holds a scan_results row before its vulnerability buckets
// (stored as identifier lists) are re-fetched from the vulnerabilities
// table.
type rawScanResult struct {
	r        matchd.ScanResult
	critJSON string
	medJSON  string
	sampleJSON string
}

func scanResultRow(row scannable) (*rawScanResult, error) {
	var raw rawScanResult
	r := &raw.r
	var deviceID, hw sql.NullString
	var featuresJSON, platform string
	var ts int64

	if err := row.Scan(&r.ScanID, &deviceID, &platform, &r.Version, &hw, &featuresJSON,
		&r.TotalChecked, &r.VersionMatches, &r.HardwareFiltered, &r.FinalMatches,
		&raw.critJSON, &raw.medJSON, &raw.sampleJSON, &r.QueryTimeMS, &ts); err != nil {
		return nil, err
	}
	r.Platform = matchd.Platform(platform)
	r.Timestamp = time.Unix(ts, 0).UTC()
	if deviceID.Valid {
		v := deviceID.String
		r.DeviceID = &v
	}
	if hw.Valid {
		v := hw.String
		r.HardwareModel = &v
	}
	if err := json.Unmarshal([]byte(featuresJSON), &r.Features); err != nil {
		return nil, err
	}
	return &raw, nil
}

// hydrateScanResult re-fetches each bucket's vulnerabilities by identifier.
// Callers must invoke this only after any rows cursor that produced raw has
// been closed, since the single-connection pool (MaxOpenConns(1)) can't
// serve a nested query while an outer *sql.Rows is still open.
func (s *Store) hydrateScanResult(ctx context.Context, raw *rawScanResult) (*matchd.ScanResult, error) {
	r := raw.r
	var err error
	if r.CriticalHigh, err = s.loadIdentifiers(ctx, raw.critJSON); err != nil {
		return nil, err
	}
	if r.MediumLow, err = s.loadIdentifiers(ctx, raw.medJSON); err != nil {
		return nil, err
	}
	if r.FilteredOutSample, err = s.loadIdentifiers(ctx, raw.sampleJSON); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) loadIdentifiers(ctx context.Context, raw string) ([]*matchd.Vulnerability, error) {
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return s.GetVulnerabilities(ctx, ids)
}

// ScansForDevice returns a device's scan history, most recent first. The
// before/after comparison does not use it; it reads the two scans the
// device's pointers name via GetScanResult.
func (s *Store) ScansForDevice(ctx context.Context, deviceID string, limit int) ([]*matchd.ScanResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scan_id, device_id, platform, version, hardware_model, features_json,
			total_checked, version_matches, hardware_filtered, final_matches,
			critical_high_json, medium_low_json, filtered_sample_json,
			query_time_ms, timestamp
		FROM scan_results WHERE device_id = ? ORDER BY timestamp DESC LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, err
	}
	var raws []*rawScanResult
	for rows.Next() {
		raw, err := scanResultRow(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		raws = append(raws, raw)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	out := make([]*matchd.ScanResult, 0, len(raws))
	for _, raw := range raws {
		r, err := s.hydrateScanResult(ctx, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
