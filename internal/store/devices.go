package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/ciscopsirt/matchd"
)

// PutDevice inserts or fully replaces a device record, per spec §4.9's
// discovery lifecycle (pending -> discovered/failed -> stale).
func (s *Store) PutDevice(ctx context.Context, d *matchd.Device) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return putDeviceTx(ctx, tx, d)
	})
}

// RotateDeviceScan persists a device's rotated current/previous scan
// pointers and, in the same transaction, deletes the scan_results row that
// rotation evicted (if any). Doing both in one transaction is what keeps
// GetScanResult from ever resurrecting a scan that no device slot
// references, per spec §4.10 "Single-device scan".
func (s *Store) RotateDeviceScan(ctx context.Context, d *matchd.Device, evictedScanID *string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := putDeviceTx(ctx, tx, d); err != nil {
			return err
		}
		if evictedScanID != nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM scan_results WHERE scan_id = ?`, *evictedScanID); err != nil {
				return err
			}
		}
		return nil
	})
}

func putDeviceTx(ctx context.Context, tx *sql.Tx, d *matchd.Device) error {
	featuresJSON, err := json.Marshal(d.Features)
	if err != nil {
		return err
	}
	var platform, version any
	if d.Platform != nil {
		platform = string(*d.Platform)
	}
	if d.Version != nil {
		version = *d.Version
	}
	var hw any
	if d.HardwareModel != nil {
		hw = *d.HardwareModel
	}
	var lastDiscovered any
	if d.LastDiscoveredAt != nil {
		lastDiscovered = d.LastDiscoveredAt.UTC().Unix()
	}
	var lastScan, prevScan any
	if d.LastScanID != nil {
		lastScan = *d.LastScanID
	}
	if d.PreviousScanID != nil {
		prevScan = *d.PreviousScanID
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO devices (
			id, hostname, platform, version, hardware_model, features_json,
			status, last_discovered_at, last_scan_id, previous_scan_id, consecutive_failures
		) VALUES (?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (id) DO UPDATE SET
			hostname=excluded.hostname, platform=excluded.platform, version=excluded.version,
			hardware_model=excluded.hardware_model, features_json=excluded.features_json,
			status=excluded.status, last_discovered_at=excluded.last_discovered_at,
			last_scan_id=excluded.last_scan_id, previous_scan_id=excluded.previous_scan_id,
			consecutive_failures=excluded.consecutive_failures
	`, d.ID, d.Hostname, platform, version, hw, string(featuresJSON),
		string(d.Status), lastDiscovered, lastScan, prevScan, d.ConsecutiveFailures)
	return err
}

// GetDevice loads a device by id.
func (s *Store) GetDevice(ctx context.Context, id string) (*matchd.Device, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, hostname, platform, version, hardware_model, features_json,
			status, last_discovered_at, last_scan_id, previous_scan_id, consecutive_failures
		FROM devices WHERE id = ?`, id)
	d, err := scanDevice(row)
	if err != nil {
		return nil, notFound("store.GetDevice", "unknown device id "+id, err)
	}
	return d, nil
}

// ListDevices returns every registered device, ordered by hostname, for the
// inventory listing endpoint and bulk scan fan-out.
func (s *Store) ListDevices(ctx context.Context) ([]*matchd.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, hostname, platform, version, hardware_model, features_json,
			status, last_discovered_at, last_scan_id, previous_scan_id, consecutive_failures
		FROM devices ORDER BY hostname`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*matchd.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeleteDevice removes a device from the inventory.
func (s *Store) DeleteDevice(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id)
		return err
	})
}

func scanDevice(row scannable) (*matchd.Device, error) {
	var d matchd.Device
	var platform, version, hw sql.NullString
	var featuresJSON string
	var lastScan, prevScan sql.NullString
	var lastDiscoveredAt sql.NullInt64
	var status string

	// last_scan_id/previous_scan_id are TEXT and may be NULL; read as
	// NullString. last_discovered_at is the only nullable integer column.
	if err := row.Scan(&d.ID, &d.Hostname, &platform, &version, &hw, &featuresJSON,
		&status, &lastDiscoveredAt, &lastScan, &prevScan, &d.ConsecutiveFailures); err != nil {
		return nil, err
	}
	d.Status = matchd.DeviceStatus(status)
	if platform.Valid {
		p := matchd.Platform(platform.String)
		d.Platform = &p
	}
	if version.Valid {
		v := version.String
		d.Version = &v
	}
	if hw.Valid {
		h := hw.String
		d.HardwareModel = &h
	}
	if lastDiscoveredAt.Valid {
		t := time.Unix(lastDiscoveredAt.Int64, 0).UTC()
		d.LastDiscoveredAt = &t
	}
	if lastScan.Valid {
		v := lastScan.String
		d.LastScanID = &v
	}
	if prevScan.Valid {
		v := prevScan.String
		d.PreviousScanID = &v
	}
	if err := json.Unmarshal([]byte(featuresJSON), &d.Features); err != nil {
		return nil, err
	}
	return &d, nil
}
