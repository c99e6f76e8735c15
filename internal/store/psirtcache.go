package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/ciscopsirt/matchd"
)

// PutPSIRTCache persists an inference result for (advisory_id, platform),
// per spec §4.8's caching policy. The caller is responsible for only
// calling this when the policy gate passes — confidence_source == model,
// confidence >= 0.75 and a non-empty advisory id — this method itself has
// no opinion on the entry's contents.
func (s *Store) PutPSIRTCache(ctx context.Context, e *matchd.PSIRTCacheEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		labelsJSON, err := json.Marshal(e.Labels)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO psirt_cache (advisory_id, platform, labels_json, confidence, confidence_source, needs_review, timestamp)
			VALUES (?,?,?,?,?,?,?)
			ON CONFLICT (advisory_id, platform) DO UPDATE SET
				labels_json=excluded.labels_json, confidence=excluded.confidence,
				confidence_source=excluded.confidence_source, needs_review=excluded.needs_review,
				timestamp=excluded.timestamp
		`, e.AdvisoryID, string(e.Platform), string(labelsJSON), e.Confidence,
			string(e.ConfidenceSource), e.NeedsReview, e.Timestamp)
		return err
	})
}

// GetPSIRTCache looks up a cached inference result, the first tier of spec
// §4.8's five-tier resolution after in-memory request dedup.
func (s *Store) GetPSIRTCache(ctx context.Context, advisoryID string, platform matchd.Platform) (*matchd.PSIRTCacheEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT advisory_id, platform, labels_json, confidence, confidence_source, needs_review, timestamp
		FROM psirt_cache WHERE advisory_id = ? AND platform = ?`, advisoryID, string(platform))

	var e matchd.PSIRTCacheEntry
	var labelsJSON, plat, source string
	if err := row.Scan(&e.AdvisoryID, &plat, &labelsJSON, &e.Confidence, &source, &e.NeedsReview, &e.Timestamp); err != nil {
		return nil, notFound("store.GetPSIRTCache", "no cached analysis for "+advisoryID, err)
	}
	e.Platform = matchd.Platform(plat)
	e.ConfidenceSource = matchd.ConfidenceSource(source)
	if err := json.Unmarshal([]byte(labelsJSON), &e.Labels); err != nil {
		return nil, err
	}
	return &e, nil
}

// DeletePSIRTCache removes any cached analysis for advisoryID, across all
// platforms. Called by the offline updater (§4.11) when an ingested
// vulnerability's labels may have shifted, so a stale cached analysis is
// never served after a data update that supersedes it.
func (s *Store) DeletePSIRTCache(ctx context.Context, advisoryID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM psirt_cache WHERE advisory_id = ?`, advisoryID)
		return err
	})
}

// EvictStalePSIRTCache drops cache rows whose timestamp is more than ttl in
// the past and reports how many it removed. Its only caller is the admin
// cache-clear endpoint, which passes a ttl of 0; nothing evicts rows on a
// schedule.
func (s *Store) EvictStalePSIRTCache(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := time.Now().Add(-ttl).Unix()
	var affected int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM psirt_cache WHERE timestamp < ?`, cutoff)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}
