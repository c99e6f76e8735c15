package apiserver

import (
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/ciscopsirt/matchd"
	"github.com/ciscopsirt/matchd/internal/device"
	"github.com/ciscopsirt/matchd/internal/scanner"
	"github.com/ciscopsirt/matchd/internal/update"
	"github.com/ciscopsirt/matchd/internal/verify"
	je "github.com/ciscopsirt/matchd/pkg/jsonerr"
)

// Health answers both /health and /system/health with a trivial liveness
// body, per spec §6.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, map[string]string{"status": "ok"})
}

// analyzePSIRTRequest is the wire request of POST /analyze-psirt, per spec §6.
type analyzePSIRTRequest struct {
	Summary    string          `json:"summary"`
	Platform   matchd.Platform `json:"platform"`
	AdvisoryID string          `json:"advisory_id,omitempty"`
}

// AnalyzePSIRT runs summary classification and caches the result under a
// fresh analysis_id for later verification calls, per spec §3/§4.7.
func (s *Server) AnalyzePSIRT(w http.ResponseWriter, r *http.Request) {
	var req analyzePSIRTRequest
	if err := decode(r, &req); err != nil {
		je.WriteError(w, err)
		return
	}
	a, err := s.core.Engine.Analyze(r.Context(), req.Summary, req.Platform, req.AdvisoryID)
	if err != nil {
		je.WriteError(w, err)
		return
	}
	a.ID = uuid.NewString()
	s.core.Analyses.Put(a)
	writeJSON(r.Context(), w, a)
}

// GetResult answers GET /results/{analysis_id} from the in-memory analysis
// cache, per spec §3's ~24h retention.
func (s *Server) GetResult(w http.ResponseWriter, r *http.Request) {
	id := pathTail(r, "/results/")
	a, ok := s.core.Analyses.Get(id)
	if !ok {
		je.WriteError(w, &matchd.Error{Op: "apiserver.GetResult", Kind: matchd.ErrNotFound, Message: "unknown or expired analysis_id"})
		return
	}
	writeJSON(r.Context(), w, a)
}

// deviceCredentialsRequest is the wire shape of a device login, shared by
// /verify-device and /extract-features.
type deviceCredentialsRequest struct {
	Host       string `json:"host"`
	Port       int    `json:"port,omitempty"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	DeviceType string `json:"device_type,omitempty"`
}

func (d deviceCredentialsRequest) toCredentials() device.Credentials {
	return device.Credentials{
		Host:       d.Host,
		Port:       d.Port,
		Username:   d.Username,
		Password:   d.Password,
		DeviceType: d.DeviceType,
	}
}

// verifyDeviceRequest is the wire request of POST /verify-device, per spec
// §6's worked example #4.
type verifyDeviceRequest struct {
	AnalysisID    string                   `json:"analysis_id"`
	Device        deviceCredentialsRequest `json:"device"`
	PSIRTMetadata *verify.PSIRTMetadata    `json:"psirt_metadata,omitempty"`
}

// VerifyDevice logs into a live device over SSH and checks a cached
// analysis's labels (and, if psirt_metadata is given, its version range)
// against what's actually running.
func (s *Server) VerifyDevice(w http.ResponseWriter, r *http.Request) {
	var req verifyDeviceRequest
	if err := decode(r, &req); err != nil {
		je.WriteError(w, err)
		return
	}
	a, ok := s.core.Analyses.Get(req.AnalysisID)
	if !ok {
		je.WriteError(w, &matchd.Error{Op: "apiserver.VerifyDevice", Kind: matchd.ErrNotFound, Message: "unknown or expired analysis_id"})
		return
	}

	res, err := s.core.Verifier.Verify(r.Context(), a.Platform, req.Device.toCredentials())
	if err != nil {
		// Per spec §7, a live-device verification failure is reported as
		// an ERROR report rather than an HTTP error, since the caller
		// still wants a structured answer about the analysis itself.
		writeJSON(r.Context(), w, &verify.Report{OverallStatus: verify.StatusError, Reason: err.Error()})
		return
	}
	rpt := verify.Device(a, &res.Snapshot, res.Version, req.PSIRTMetadata)
	writeJSON(r.Context(), w, rpt)
}

// verifySnapshotRequest is the wire request of POST /verify-snapshot.
type verifySnapshotRequest struct {
	AnalysisID string                 `json:"analysis_id"`
	Snapshot   matchd.FeatureSnapshot `json:"snapshot"`
}

// VerifySnapshot checks a cached analysis's labels against a feature
// snapshot the caller already collected, without touching a live device.
func (s *Server) VerifySnapshot(w http.ResponseWriter, r *http.Request) {
	var req verifySnapshotRequest
	if err := decode(r, &req); err != nil {
		je.WriteError(w, err)
		return
	}
	a, ok := s.core.Analyses.Get(req.AnalysisID)
	if !ok {
		je.WriteError(w, &matchd.Error{Op: "apiserver.VerifySnapshot", Kind: matchd.ErrNotFound, Message: "unknown or expired analysis_id"})
		return
	}
	rpt := verify.Snapshot(a, &req.Snapshot)
	writeJSON(r.Context(), w, rpt)
}

// extractFeaturesRequest is the wire request of POST /extract-features.
type extractFeaturesRequest struct {
	Device   deviceCredentialsRequest `json:"device"`
	Platform matchd.Platform          `json:"platform,omitempty"`
}

// ExtractFeatures logs into a device and returns only its feature
// snapshot, with no secrets or analysis attached, per spec §6.
func (s *Server) ExtractFeatures(w http.ResponseWriter, r *http.Request) {
	var req extractFeaturesRequest
	if err := decode(r, &req); err != nil {
		je.WriteError(w, err)
		return
	}
	res, err := s.core.Verifier.Verify(r.Context(), req.Platform, req.Device.toCredentials())
	if err != nil {
		je.WriteError(w, err)
		return
	}
	writeJSON(r.Context(), w, res.Snapshot)
}

// scanDeviceRequest is the wire request of POST /scan-device, per spec §4.6.
type scanDeviceRequest struct {
	Platform       matchd.Platform  `json:"platform"`
	Version        string           `json:"version"`
	Hardware       *string          `json:"hardware_model,omitempty"`
	Features       []string         `json:"features,omitempty"`
	SeverityFilter *matchd.Severity `json:"severity_filter,omitempty"`
	Limit          int              `json:"limit,omitempty"`
	Offset         int              `json:"offset,omitempty"`
}

// ScanDevice runs the four-stage scan pipeline against caller-supplied
// version/hardware/features, with no device of record required.
func (s *Server) ScanDevice(w http.ResponseWriter, r *http.Request) {
	var req scanDeviceRequest
	if err := decode(r, &req); err != nil {
		je.WriteError(w, err)
		return
	}
	result, err := s.core.Scanner.Scan(r.Context(), scanner.Params{
		Platform:       req.Platform,
		Version:        req.Version,
		Hardware:       req.Hardware,
		Features:       req.Features,
		SeverityFilter: req.SeverityFilter,
		Limit:          req.Limit,
		Offset:         req.Offset,
	})
	if err != nil {
		je.WriteError(w, err)
		return
	}
	writeJSON(r.Context(), w, result)
}

// GetVulnerability answers GET /vulnerability/{id}.
func (s *Server) GetVulnerability(w http.ResponseWriter, r *http.Request) {
	id := pathTail(r, "/vulnerability/")
	v, err := s.core.Store.GetVulnerability(r.Context(), id)
	if err != nil {
		je.WriteError(w, err)
		return
	}
	writeJSON(r.Context(), w, v)
}

// createDeviceRequest is the wire request of POST /inventory/devices.
type createDeviceRequest struct {
	Hostname string           `json:"hostname"`
	Platform *matchd.Platform `json:"platform,omitempty"`
}

// Devices answers GET (list) and POST (create) on /inventory/devices.
func (s *Server) Devices(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		devices, err := s.core.Inventory.ListDevices(r.Context())
		if err != nil {
			je.WriteError(w, err)
			return
		}
		writeJSON(r.Context(), w, devices)
	case http.MethodPost:
		var req createDeviceRequest
		if err := decode(r, &req); err != nil {
			je.WriteError(w, err)
			return
		}
		d, err := s.core.Inventory.CreateDevice(r.Context(), req.Hostname, req.Platform)
		if err != nil {
			je.WriteError(w, err)
			return
		}
		writeJSON(r.Context(), w, d)
	default:
		je.WriteError(w, &matchd.Error{Op: "apiserver.Devices", Kind: matchd.ErrBadInput, Message: "method not allowed"})
	}
}

// DeviceByID answers GET (fetch) and DELETE on /inventory/devices/{id}.
func (s *Server) DeviceByID(w http.ResponseWriter, r *http.Request) {
	id := pathTail(r, "/inventory/devices/")
	switch r.Method {
	case http.MethodGet:
		d, err := s.core.Inventory.GetDevice(r.Context(), id)
		if err != nil {
			je.WriteError(w, err)
			return
		}
		writeJSON(r.Context(), w, d)
	case http.MethodDelete:
		if err := s.core.Inventory.DeleteDevice(r.Context(), id); err != nil {
			je.WriteError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		je.WriteError(w, &matchd.Error{Op: "apiserver.DeviceByID", Kind: matchd.ErrBadInput, Message: "method not allowed"})
	}
}

// discoverDeviceRequest is the wire request of POST /inventory/discover.
type discoverDeviceRequest struct {
	DeviceID    string                   `json:"device_id"`
	Platform    matchd.Platform          `json:"platform"`
	Credentials deviceCredentialsRequest `json:"credentials"`
}

// DiscoverDevice runs SSH discovery against a registered device and
// records the result, per spec §4.9/§4.10.
func (s *Server) DiscoverDevice(w http.ResponseWriter, r *http.Request) {
	var req discoverDeviceRequest
	if err := decode(r, &req); err != nil {
		je.WriteError(w, err)
		return
	}
	d, err := s.core.Inventory.Discover(r.Context(), req.DeviceID, req.Platform, req.Credentials.toCredentials())
	if d != nil {
		// Discover returns both a (possibly updated) device and a
		// non-nil error when verification itself failed; the caller
		// still wants the device's updated status.
		writeJSON(r.Context(), w, d)
		return
	}
	je.WriteError(w, err)
}

// inventoryScanDeviceRequest is the wire request of POST
// /inventory/scan-device.
type inventoryScanDeviceRequest struct {
	DeviceID string `json:"device_id"`
}

// InventoryScanDevice runs a scan for a single registered device using its
// last-known discovery data.
func (s *Server) InventoryScanDevice(w http.ResponseWriter, r *http.Request) {
	var req inventoryScanDeviceRequest
	if err := decode(r, &req); err != nil {
		je.WriteError(w, err)
		return
	}
	result, err := s.core.Inventory.ScanDevice(r.Context(), req.DeviceID)
	if err != nil {
		je.WriteError(w, err)
		return
	}
	writeJSON(r.Context(), w, result)
}

// bulkScanRequest is the wire request of POST /inventory/scan-all, per spec
// §4.10's "per-device success/failure aggregated into a single response".
type bulkScanRequest struct {
	Platform *matchd.Platform     `json:"platform,omitempty"`
	Status   *matchd.DeviceStatus `json:"status,omitempty"`
}

// BulkScan scans every registered device matching the optional
// platform/status filter, collecting per-device success/failure via
// internal/inventory's own bounded-concurrency BulkScan.
func (s *Server) BulkScan(w http.ResponseWriter, r *http.Request) {
	var req bulkScanRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			je.WriteError(w, err)
			return
		}
	}

	filter := func(d *matchd.Device) bool {
		if req.Platform != nil && (d.Platform == nil || *d.Platform != *req.Platform) {
			return false
		}
		if req.Status != nil && d.Status != *req.Status {
			return false
		}
		return true
	}

	results, err := s.core.Inventory.BulkScan(r.Context(), filter)
	if err != nil {
		je.WriteError(w, err)
		return
	}
	writeJSON(r.Context(), w, results)
}

// compareScansRequest is the wire request of POST /inventory/compare-scans.
type compareScansRequest struct {
	DeviceID string `json:"device_id"`
}

// CompareScans diffs a device's current scan against its previous one.
func (s *Server) CompareScans(w http.ResponseWriter, r *http.Request) {
	var req compareScansRequest
	if err := decode(r, &req); err != nil {
		je.WriteError(w, err)
		return
	}
	cmp, err := s.core.Inventory.CompareScans(r.Context(), req.DeviceID)
	if err != nil {
		je.WriteError(w, err)
		return
	}
	writeJSON(r.Context(), w, cmp)
}

// compareVersionsRequest is the wire request of POST
// /inventory/compare-versions, per spec §4.10 "Version comparison".
type compareVersionsRequest struct {
	Platform       matchd.Platform `json:"platform"`
	CurrentVersion string          `json:"current_version"`
	TargetVersion  string          `json:"target_version"`
	Hardware       *string         `json:"hardware_model,omitempty"`
	Features       []string        `json:"features,omitempty"`
}

// CompareVersions runs synthetic scans at two versions and derives an
// upgrade recommendation.
func (s *Server) CompareVersions(w http.ResponseWriter, r *http.Request) {
	var req compareVersionsRequest
	if err := decode(r, &req); err != nil {
		je.WriteError(w, err)
		return
	}
	result, err := s.core.Inventory.CompareVersions(r.Context(), req.Platform, req.CurrentVersion, req.TargetVersion, req.Hardware, req.Features)
	if err != nil {
		je.WriteError(w, err)
		return
	}
	writeJSON(r.Context(), w, result)
}

// ScanResultByID answers GET /inventory/scan-result/{id}.
func (s *Server) ScanResultByID(w http.ResponseWriter, r *http.Request) {
	id := pathTail(r, "/inventory/scan-result/")
	result, err := s.core.Store.GetScanResult(r.Context(), id)
	if err != nil {
		je.WriteError(w, err)
		return
	}
	writeJSON(r.Context(), w, result)
}

// maxUploadBytes is the in-memory budget ParseMultipartForm gets for an
// offline-update archive upload; file parts beyond it are spooled to
// temporary files on disk, so it does not cap the upload's total size.
const maxUploadBytes = 512 << 20

// uploadedArchive extracts the multipart-form archive upload shared by
// /system/update/offline and /system/update/validate. The returned
// multipart.File satisfies io.ReaderAt, matching internal/update's Import
// and Validate signatures directly.
func uploadedArchive(r *http.Request) (io.ReaderAt, int64, func(), error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return nil, 0, nil, &matchd.Error{Op: "apiserver.uploadedArchive", Kind: matchd.ErrBadInput, Message: "could not parse multipart form", Inner: err}
	}
	file, header, err := r.FormFile("archive")
	if err != nil {
		return nil, 0, nil, &matchd.Error{Op: "apiserver.uploadedArchive", Kind: matchd.ErrBadInput, Message: "missing \"archive\" form file", Inner: err}
	}
	return file, header.Size, func() { file.Close() }, nil
}

// UpdateOffline applies an uploaded offline update archive, per spec §4.11.
func (s *Server) UpdateOffline(w http.ResponseWriter, r *http.Request) {
	archive, size, closeFn, err := uploadedArchive(r)
	if err != nil {
		je.WriteError(w, err)
		return
	}
	defer closeFn()
	result, err := s.core.Updater.Import(r.Context(), archive, size)
	if err != nil {
		je.WriteError(w, err)
		return
	}
	writeJSON(r.Context(), w, result)
}

// ValidateUpdate checks an uploaded archive against spec §4.11's
// validation rules without applying it.
func (s *Server) ValidateUpdate(w http.ResponseWriter, r *http.Request) {
	archive, size, closeFn, err := uploadedArchive(r)
	if err != nil {
		je.WriteError(w, err)
		return
	}
	defer closeFn()
	manifest, warnings, err := update.Validate(archive, size)
	if err != nil {
		je.WriteError(w, err)
		return
	}
	writeJSON(r.Context(), w, map[string]any{"manifest": manifest, "warnings": warnings})
}

// DatabaseStats answers GET /system/stats/database.
func (s *Server) DatabaseStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.core.Store.Stats(r.Context())
	if err != nil {
		je.WriteError(w, err)
		return
	}
	writeJSON(r.Context(), w, st)
}

// CacheClear handles /system/cache/clear?cache_type=psirt|analysis.
func (s *Server) CacheClear(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("cache_type") {
	case "analysis":
		s.core.Analyses.Flush()
		writeJSON(r.Context(), w, map[string]string{"cache_type": "analysis", "status": "cleared"})
	case "psirt", "":
		n, err := s.core.Store.EvictStalePSIRTCache(r.Context(), 0)
		if err != nil {
			je.WriteError(w, err)
			return
		}
		writeJSON(r.Context(), w, map[string]any{"cache_type": "psirt", "entries_cleared": n})
	default:
		je.WriteError(w, &matchd.Error{Op: "apiserver.CacheClear", Kind: matchd.ErrBadInput, Message: "unknown cache_type"})
	}
}

// CacheStats answers GET /system/cache/stats.
func (s *Server) CacheStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.core.Store.Stats(r.Context())
	if err != nil {
		je.WriteError(w, err)
		return
	}
	writeJSON(r.Context(), w, map[string]any{
		"psirt_cache_entries":    st.PSIRTCache,
		"analysis_cache_entries": s.core.Analyses.Count(),
	})
}
