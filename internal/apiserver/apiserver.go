// Package apiserver implements the HTTP surface of spec §6 atop a single
// explicitly-constructed CoreContext (spec §9's "Global mutable state"
// design note: caches, taxonomy, and the vector index are fields on one
// struct built at startup and passed into every handler, never
// process-wide singletons).
//
// Grounded on quay/claircore's libvuln/handler.go ("HTTP struct wraps an
// *http.ServeMux, NewHandler registers routes via m.HandleFunc, each
// handler decodes a request, calls one library method, and writes the
// result or a pkg/jsonerr.Response") for the handler shape itself; every
// domain operation below is a thin decode/call/encode wrapper over a
// package built in an earlier pass (internal/scanner, internal/inference,
// internal/inventory, internal/device, internal/update, internal/verify).
package apiserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/ciscopsirt/matchd"
	"github.com/ciscopsirt/matchd/internal/analysiscache"
	"github.com/ciscopsirt/matchd/internal/device"
	"github.com/ciscopsirt/matchd/internal/inference"
	"github.com/ciscopsirt/matchd/internal/inventory"
	"github.com/ciscopsirt/matchd/internal/ratelimit"
	"github.com/ciscopsirt/matchd/internal/scanner"
	"github.com/ciscopsirt/matchd/internal/store"
	"github.com/ciscopsirt/matchd/internal/update"
	"github.com/ciscopsirt/matchd/internal/verify"
	je "github.com/ciscopsirt/matchd/pkg/jsonerr"
)

// Store is the subset of internal/store's Store the API surface depends on
// directly (beyond what's already threaded through scanner/inventory/etc).
type Store interface {
	GetVulnerability(ctx context.Context, identifier string) (*matchd.Vulnerability, error)
	GetScanResult(ctx context.Context, scanID string) (*matchd.ScanResult, error)
	Stats(ctx context.Context) (store.Stats, error)
	EvictStalePSIRTCache(ctx context.Context, ttl time.Duration) (int64, error)
}

// CoreContext bundles every component a handler might need. It is built
// once at startup by cmd/server and never mutated field-by-field after
// that; a rebuild (e.g. a taxonomy or vector-index reload) swaps a whole
// new *inference.Engine/*retriever pointer in under its own guard, not a
// partial in-place edit.
type CoreContext struct {
	Store     Store
	Scanner   *scanner.Scanner
	Inventory *inventory.Coordinator
	Engine    *inference.Engine
	Verifier  *device.Verifier
	Updater   *update.Updater
	Analyses  *analysiscache.Cache
	Limiter   *ratelimit.Limiter
	Guard     *ratelimit.Guard
}

// Server is the HTTP handler for the whole API surface.
type Server struct {
	*http.ServeMux
	core *CoreContext
}

// New builds a Server and registers every route of spec §6.
func New(core *CoreContext) *Server {
	s := &Server{core: core}
	m := http.NewServeMux()

	m.HandleFunc("/health", s.limited(ratelimit.CategoryDefault, s.Health))
	m.HandleFunc("/analyze-psirt", s.limited(ratelimit.CategoryAnalyze, s.AnalyzePSIRT))
	m.HandleFunc("/results/", s.limited(ratelimit.CategoryDefault, s.GetResult))
	m.HandleFunc("/verify-device", s.limited(ratelimit.CategoryVerify, s.VerifyDevice))
	m.HandleFunc("/verify-snapshot", s.limited(ratelimit.CategoryVerify, s.VerifySnapshot))
	m.HandleFunc("/extract-features", s.limited(ratelimit.CategoryVerify, s.ExtractFeatures))
	m.HandleFunc("/scan-device", s.limited(ratelimit.CategoryScan, s.ScanDevice))
	m.HandleFunc("/vulnerability/", s.limited(ratelimit.CategoryDefault, s.GetVulnerability))

	m.HandleFunc("/inventory/devices", s.limited(ratelimit.CategoryDefault, s.Devices))
	m.HandleFunc("/inventory/devices/", s.limited(ratelimit.CategoryDefault, s.DeviceByID))
	m.HandleFunc("/inventory/discover", s.limited(ratelimit.CategoryDefault, s.DiscoverDevice))
	m.HandleFunc("/inventory/scan-device", s.limited(ratelimit.CategoryScan, s.InventoryScanDevice))
	m.HandleFunc("/inventory/scan-all", s.limited(ratelimit.CategoryScan, s.BulkScan))
	m.HandleFunc("/inventory/compare-scans", s.limited(ratelimit.CategoryDefault, s.CompareScans))
	m.HandleFunc("/inventory/compare-versions", s.limited(ratelimit.CategoryDefault, s.CompareVersions))
	m.HandleFunc("/inventory/scan-result/", s.limited(ratelimit.CategoryDefault, s.ScanResultByID))

	m.HandleFunc("/system/update/offline", s.limited(ratelimit.CategoryDefault, s.admin(s.UpdateOffline)))
	m.HandleFunc("/system/update/validate", s.limited(ratelimit.CategoryDefault, s.admin(s.ValidateUpdate)))
	m.HandleFunc("/system/stats/database", s.limited(ratelimit.CategoryDefault, s.admin(s.DatabaseStats)))
	m.HandleFunc("/system/health", s.limited(ratelimit.CategoryDefault, s.Health))
	m.HandleFunc("/system/cache/clear", s.limited(ratelimit.CategoryDefault, s.admin(s.CacheClear)))
	m.HandleFunc("/system/cache/stats", s.limited(ratelimit.CategoryDefault, s.admin(s.CacheStats)))

	s.ServeMux = m
	return s
}

// clientID derives the rate-limit key from the request, per spec §4.12
// ("keyed by client identifier (IP)").
func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// limited wraps next with the sliding-window admission check for cat.
func (s *Server) limited(cat ratelimit.Category, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.core.Limiter.Check(clientID(r), cat); err != nil {
			je.WriteError(w, err)
			return
		}
		next(w, r)
	}
}

// admin wraps next with the shared-secret guard, per spec §4.12's
// "mutating endpoints require a shared-secret header when the process is
// not in developer mode".
func (s *Server) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.core.Guard.Check(r); err != nil {
			je.WriteError(w, err)
			return
		}
		next(w, r)
	}
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return &matchd.Error{Op: "apiserver.decode", Kind: matchd.ErrBadInput, Message: "could not decode request body", Inner: err}
	}
	return nil
}

func writeJSON(ctx context.Context, w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zlog.Warn(ctx).Err(err).Msg("failed to encode response")
	}
}

// pathTail returns the segment of r.URL.Path after prefix, trimmed of any
// remaining slashes, matching libvuln/handler.go's filepath.Base(r.URL.Path)
// convention for a single trailing path parameter.
func pathTail(r *http.Request, prefix string) string {
	return strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
}

// atoiDefault parses s as an int, returning def on empty/invalid input.
func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
