// Package store implements the vulnerability store, device inventory, scan
// history, and PSIRT cache tables of spec §3/§4.5 on a single on-disk SQLite
// database — the Non-goal of §1 ("single process owning a single on-disk
// database") ruling out anything fancier.
//
// Grounded on quay/claircore's internal/rpm/sqlite.Open, the one place the
// teacher itself drives modernc.org/sqlite through database/sql: the
// file-URL-with-_pragma-query-params trick for setting SQLite PRAGMAs
// through the connection string rather than a post-open Exec. The
// busy-timeout/retry/backoff contract is new (the teacher's usage there is
// read-only), grounded directly on spec §4.5's explicit numbers.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"
	"time"

	"github.com/quay/zlog"
	_ "modernc.org/sqlite" // register the sqlite driver

	"github.com/ciscopsirt/matchd"
)

// Store owns the single on-disk database.
type Store struct {
	db *sql.DB
}

// Open opens (and, on first use, migrates) the named SQLite database file,
// per spec §4.5: WAL journal mode and a ~5s busy-timeout are set via the
// connection DSN so every connection in the pool inherits them.
func Open(ctx context.Context, path string) (*Store, error) {
	u := url.URL{
		Scheme: "file",
		Opaque: path,
		RawQuery: url.Values{
			"_pragma": {
				"journal_mode(WAL)",
				"busy_timeout(5000)",
				"foreign_keys(1)",
			},
		}.Encode(),
	}
	db, err := sql.Open("sqlite", u.String())
	if err != nil {
		return nil, &matchd.Error{Op: "store.Open", Kind: matchd.ErrInternal, Inner: err}
	}
	// A single on-disk SQLite file only safely supports one writer;
	// readers and the writer coexist fine under WAL, but serialize writes
	// in-process to avoid churning through the busy-timeout retry path.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &matchd.Error{Op: "store.Open", Kind: matchd.ErrInternal, Inner: err}
	}
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// retryBackoff is the fixed schedule from spec §4.5: 100ms, 200ms, 400ms,
// each with jitter, up to 3 retries.
var retryBackoff = []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}

func isLockedErr(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite surfaces SQLITE_BUSY/SQLITE_LOCKED as a message
	// containing these substrings; there's no typed sentinel exported for
	// it, so match on text as the teacher's own rpm/sqlite package does for
	// its few handled SQLite error cases.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "SQLITE_LOCKED")
}

// withTx runs fn inside a transaction: commits on success, rolls back on
// any error. Non-lock errors are not retried; "database is locked" errors
// are retried up to three times with the backoff+jitter schedule above,
// per spec §4.5.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt <= len(retryBackoff); attempt++ {
		if attempt > 0 {
			d := retryBackoff[attempt-1]
			jitter := time.Duration(rand.Int64N(int64(d) / 2))
			select {
			case <-time.After(d + jitter):
			case <-ctx.Done():
				return ctx.Err()
			}
			zlog.Debug(ctx).Int("attempt", attempt).Dur("backoff", d).Msg("retrying locked transaction")
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			if isLockedErr(err) {
				lastErr = err
				continue
			}
			return &matchd.Error{Op: "store.withTx", Kind: matchd.ErrTransient, Inner: err}
		}

		err = fn(tx)
		if err != nil {
			tx.Rollback()
			if isLockedErr(err) {
				lastErr = err
				continue
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			if isLockedErr(err) {
				lastErr = err
				continue
			}
			return &matchd.Error{Op: "store.withTx", Kind: matchd.ErrTransient, Inner: err}
		}
		return nil
	}
	return &matchd.Error{Op: "store.withTx", Kind: matchd.ErrTransient,
		Message: "database locked after retries", Inner: lastErr}
}

var errNoRows = sql.ErrNoRows

func notFound(op, msg string, err error) error {
	if errors.Is(err, errNoRows) {
		return &matchd.Error{Op: op, Kind: matchd.ErrNotFound, Message: msg, Inner: err}
	}
	return &matchd.Error{Op: op, Kind: matchd.ErrInternal, Message: msg, Inner: err}
}

// Stats reports row counts for the admin "/system/stats/database" endpoint
// (SPEC_FULL.md's supplemented feature).
type Stats struct {
	Vulnerabilities int64 `json:"vulnerabilities"`
	Devices         int64 `json:"devices"`
	ScanResults     int64 `json:"scan_results"`
	PSIRTCache      int64 `json:"psirt_cache_entries"`
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	rows := []struct {
		query string
		dst   *int64
	}{
		{"SELECT count(*) FROM vulnerabilities", &st.Vulnerabilities},
		{"SELECT count(*) FROM devices", &st.Devices},
		{"SELECT count(*) FROM scan_results", &st.ScanResults},
		{"SELECT count(*) FROM psirt_cache", &st.PSIRTCache},
	}
	for _, r := range rows {
		if err := s.db.QueryRowContext(ctx, r.query).Scan(r.dst); err != nil {
			return Stats{}, fmt.Errorf("store: stats: %w", err)
		}
	}
	return st, nil
}
