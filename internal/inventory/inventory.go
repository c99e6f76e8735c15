// Package inventory implements the device lifecycle and scan coordinator of
// spec §4.10: device CRUD, SSH discovery via internal/device, single-device
// and bulk scans via internal/scanner, before/after and version-comparison
// diffing, and an optional external inventory sync.
//
// Bulk scan's bounded-concurrency fan-out is grounded on
// quay/claircore's internal/matcher.matchOne worker-pool shape, adapted
// from that package's fail-fast errgroup.WithContext (one matcher error
// cancels the whole match) to per-device independence: spec §4.10 requires
// "per-device success/failure aggregated into a single response", so a
// single device's SSH or DB error must never cancel its siblings.
package inventory

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/quay/zlog"

	"github.com/ciscopsirt/matchd"
	"github.com/ciscopsirt/matchd/internal/device"
	"github.com/ciscopsirt/matchd/internal/scanner"
)

// Store is the subset of internal/store's Store the coordinator depends on.
type Store interface {
	PutDevice(ctx context.Context, d *matchd.Device) error
	GetDevice(ctx context.Context, id string) (*matchd.Device, error)
	ListDevices(ctx context.Context) ([]*matchd.Device, error)
	DeleteDevice(ctx context.Context, id string) error

	PutScanResult(ctx context.Context, r *matchd.ScanResult) error
	GetScanResult(ctx context.Context, scanID string) (*matchd.ScanResult, error)
	ScansForDevice(ctx context.Context, deviceID string, limit int) ([]*matchd.ScanResult, error)
	RotateDeviceScan(ctx context.Context, d *matchd.Device, evictedScanID *string) error
}

// Scanner is the subset of internal/scanner's Scanner the coordinator
// depends on.
type Scanner interface {
	Scan(ctx context.Context, p scanner.Params) (*matchd.ScanResult, error)
}

// Verifier is the subset of internal/device's Verifier the coordinator
// depends on.
type Verifier interface {
	Verify(ctx context.Context, platform matchd.Platform, creds device.Credentials) (*device.Result, error)
}

// Source is an external inventory feed (e.g. ISE) that produces candidate
// devices to import as pending, per spec §6's "sync from external
// inventory source" and SPEC_FULL.md's supplemented ISE-sync feature.
type Source interface {
	Devices(ctx context.Context) ([]PendingDevice, error)
}

// PendingDevice is what a Source reports about a device not yet known to
// the inventory.
type PendingDevice struct {
	Hostname string
	Platform *matchd.Platform
}

// Coordinator owns device lifecycle, discovery, and scanning.
type Coordinator struct {
	store    Store
	scanner  Scanner
	verifier Verifier

	// bulkConcurrency bounds the number of devices scanned/discovered at
	// once during a bulk operation.
	bulkConcurrency int
}

const defaultBulkConcurrency = 8

func New(store Store, scan Scanner, verifier Verifier) *Coordinator {
	return &Coordinator{store: store, scanner: scan, verifier: verifier, bulkConcurrency: defaultBulkConcurrency}
}

// CreateDevice registers a new device in pending status, per spec §3.
func (c *Coordinator) CreateDevice(ctx context.Context, hostname string, platform *matchd.Platform) (*matchd.Device, error) {
	d := &matchd.Device{
		ID:       uuid.NewString(),
		Hostname: hostname,
		Platform: platform,
		Status:   matchd.DeviceStatusPending,
	}
	if err := c.store.PutDevice(ctx, d); err != nil {
		return nil, &matchd.Error{Op: "inventory.CreateDevice", Kind: matchd.ErrInternal, Inner: err}
	}
	return d, nil
}

func (c *Coordinator) GetDevice(ctx context.Context, id string) (*matchd.Device, error) {
	return c.store.GetDevice(ctx, id)
}

func (c *Coordinator) ListDevices(ctx context.Context) ([]*matchd.Device, error) {
	return c.store.ListDevices(ctx)
}

func (c *Coordinator) DeleteDevice(ctx context.Context, id string) error {
	return c.store.DeleteDevice(ctx, id)
}

// Discover runs SSH verification against a device and records the result.
// On failure it counts the consecutive failure and marks the device failed,
// or stale from the StaleAfterFailures-th failure on; it does not schedule
// or run a retry (nothing calls matchd.RetryDelay). creds is never
// stored on the returned device or logged; it lives only on this call's
// stack.
func (c *Coordinator) Discover(ctx context.Context, deviceID string, platform matchd.Platform, creds device.Credentials) (*matchd.Device, error) {
	d, err := c.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	res, verr := c.verifier.Verify(ctx, platform, creds)
	if verr != nil {
		d.ConsecutiveFailures++
		// Spec §4.9: the device goes stale on its 3rd consecutive failure,
		// a separate and smaller count than the 4-entry retry-delay
		// schedule (see matchd.StaleAfterFailures).
		if d.ConsecutiveFailures >= matchd.StaleAfterFailures {
			d.Status = matchd.DeviceStatusStale
		} else {
			d.Status = matchd.DeviceStatusFailed
		}
		zlog.Debug(ctx).Str("device_id", deviceID).Err(verr).Msg("discovery failed")
		if err := c.store.PutDevice(ctx, d); err != nil {
			return nil, &matchd.Error{Op: "inventory.Discover", Kind: matchd.ErrInternal, Inner: err}
		}
		return d, verr
	}

	now := time.Now().UTC()
	d.Platform = &res.Platform
	d.Version = &res.Version
	d.HardwareModel = res.HardwareModel
	d.Features = res.Snapshot.FeaturesPresent
	d.Status = matchd.DeviceStatusDiscovered
	d.LastDiscoveredAt = &now
	d.ConsecutiveFailures = 0

	if err := c.store.PutDevice(ctx, d); err != nil {
		return nil, &matchd.Error{Op: "inventory.Discover", Kind: matchd.ErrInternal, Inner: err}
	}
	return d, nil
}

// ScanDevice runs a scan for a device using its currently known
// platform/version/hardware/features and attaches the result, rotating
// current -> previous, per spec §4.10 "Single-device scan".
func (c *Coordinator) ScanDevice(ctx context.Context, deviceID string) (*matchd.ScanResult, error) {
	d, err := c.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if d.Platform == nil || d.Version == nil {
		return nil, &matchd.Error{Op: "inventory.ScanDevice", Kind: matchd.ErrBadInput,
			Message: "device has not been discovered yet"}
	}

	result, err := c.scanner.Scan(ctx, scanner.Params{
		Platform: *d.Platform,
		Version:  *d.Version,
		Hardware: d.HardwareModel,
		Features: d.Features,
	})
	if err != nil {
		return nil, err
	}
	result.DeviceID = &d.ID

	if err := c.store.PutScanResult(ctx, result); err != nil {
		return nil, &matchd.Error{Op: "inventory.ScanDevice", Kind: matchd.ErrInternal, Inner: err}
	}

	evicted := d.RotateScan(result.ScanID)
	if err := c.store.RotateDeviceScan(ctx, d, evicted); err != nil {
		return nil, &matchd.Error{Op: "inventory.ScanDevice", Kind: matchd.ErrInternal, Inner: err}
	}
	return result, nil
}

// CompareScans diffs a device's current scan against its previous one, per
// spec §4.10 "Before/after comparison".
func (c *Coordinator) CompareScans(ctx context.Context, deviceID string) (*matchd.ScanComparison, error) {
	d, err := c.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if d.LastScanID == nil || d.PreviousScanID == nil {
		return nil, &matchd.Error{Op: "inventory.CompareScans", Kind: matchd.ErrBadInput,
			Message: "device does not have two recorded scans yet"}
	}
	current, err := c.store.GetScanResult(ctx, *d.LastScanID)
	if err != nil {
		return nil, err
	}
	previous, err := c.store.GetScanResult(ctx, *d.PreviousScanID)
	if err != nil {
		return nil, err
	}
	cmp := matchd.DiffScans(previous.CriticalHigh, current.CriticalHigh)
	mediumCmp := matchd.DiffScans(previous.MediumLow, current.MediumLow)
	cmp.Fixed.Vulnerabilities = append(cmp.Fixed.Vulnerabilities, mediumCmp.Fixed.Vulnerabilities...)
	cmp.New.Vulnerabilities = append(cmp.New.Vulnerabilities, mediumCmp.New.Vulnerabilities...)
	cmp.Unchanged.Vulnerabilities = append(cmp.Unchanged.Vulnerabilities, mediumCmp.Unchanged.Vulnerabilities...)
	cmp.Fixed.CriticalCount += mediumCmp.Fixed.CriticalCount
	cmp.Fixed.HighCount += mediumCmp.Fixed.HighCount
	cmp.Fixed.MediumCount += mediumCmp.Fixed.MediumCount
	cmp.Fixed.LowCount += mediumCmp.Fixed.LowCount
	cmp.New.CriticalCount += mediumCmp.New.CriticalCount
	cmp.New.HighCount += mediumCmp.New.HighCount
	cmp.New.MediumCount += mediumCmp.New.MediumCount
	cmp.New.LowCount += mediumCmp.New.LowCount
	cmp.Unchanged.CriticalCount += mediumCmp.Unchanged.CriticalCount
	cmp.Unchanged.HighCount += mediumCmp.Unchanged.HighCount
	cmp.Unchanged.MediumCount += mediumCmp.Unchanged.MediumCount
	cmp.Unchanged.LowCount += mediumCmp.Unchanged.LowCount
	return &cmp, nil
}

// CompareVersions runs two synthetic scans for the same platform/hardware/
// features at two different versions and derives an upgrade recommendation,
// per spec §4.10 "Version comparison".
func (c *Coordinator) CompareVersions(ctx context.Context, platform matchd.Platform, currentVersion, targetVersion string, hardware *string, features []string) (*matchd.VersionComparisonResult, error) {
	current, err := c.scanner.Scan(ctx, scanner.Params{Platform: platform, Version: currentVersion, Hardware: hardware, Features: features})
	if err != nil {
		return nil, err
	}
	target, err := c.scanner.Scan(ctx, scanner.Params{Platform: platform, Version: targetVersion, Hardware: hardware, Features: features})
	if err != nil {
		return nil, err
	}

	currentAll := append(append([]*matchd.Vulnerability{}, current.CriticalHigh...), current.MediumLow...)
	targetAll := append(append([]*matchd.Vulnerability{}, target.CriticalHigh...), target.MediumLow...)
	diff := matchd.DiffScans(currentAll, targetAll)
	score := matchd.RiskScore(diff)

	return &matchd.VersionComparisonResult{
		Current:        current,
		Target:         target,
		Diff:           diff,
		RiskScore:      score,
		Recommendation: matchd.Recommend(score),
	}, nil
}

// BulkResult is one device's outcome within a bulk scan, per spec §4.10
// "Bulk scan".
type BulkResult struct {
	DeviceID string
	Scan     *matchd.ScanResult
	Err      error
}

// bulkResultWire is BulkResult's wire shape: Err has no exported fields of
// its own to marshal, so it's carried across as a message string instead.
type bulkResultWire struct {
	DeviceID string             `json:"device_id"`
	Scan     *matchd.ScanResult `json:"result,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (r BulkResult) MarshalJSON() ([]byte, error) {
	w := bulkResultWire{DeviceID: r.DeviceID, Scan: r.Scan}
	if r.Err != nil {
		w.Error = r.Err.Error()
	}
	return json.Marshal(w)
}

// BulkScan runs ScanDevice across every device accepted by filter, bounded
// to c.bulkConcurrency concurrent devices. One device's failure never
// aborts the others; every device gets a BulkResult entry.
func (c *Coordinator) BulkScan(ctx context.Context, filter func(*matchd.Device) bool) ([]BulkResult, error) {
	devices, err := c.store.ListDevices(ctx)
	if err != nil {
		return nil, &matchd.Error{Op: "inventory.BulkScan", Kind: matchd.ErrInternal, Inner: err}
	}
	var targets []*matchd.Device
	for _, d := range devices {
		if filter == nil || filter(d) {
			targets = append(targets, d)
		}
	}

	// results is pre-sized and each goroutine writes only its own index, so
	// no lock is needed despite the concurrent writers.
	results := make([]BulkResult, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.bulkConcurrency)
	for i, d := range targets {
		i, d := i, d
		g.Go(func() error {
			scan, err := c.ScanDevice(gctx, d.ID)
			results[i] = BulkResult{DeviceID: d.ID, Scan: scan, Err: err}
			// Always return nil: one device's error is recorded in its own
			// BulkResult, never propagated as the group's error, so it
			// can't cancel gctx and abort its siblings.
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].DeviceID < results[j].DeviceID })
	return results, nil
}

// SyncFromSource imports every device reported by src that isn't already
// known (matched by hostname) as a new pending device, per SPEC_FULL.md's
// supplemented ISE-sync feature.
func (c *Coordinator) SyncFromSource(ctx context.Context, src Source) (int, error) {
	pending, err := src.Devices(ctx)
	if err != nil {
		return 0, &matchd.Error{Op: "inventory.SyncFromSource", Kind: matchd.ErrUpstream, Inner: err}
	}
	existing, err := c.store.ListDevices(ctx)
	if err != nil {
		return 0, &matchd.Error{Op: "inventory.SyncFromSource", Kind: matchd.ErrInternal, Inner: err}
	}
	known := make(map[string]struct{}, len(existing))
	for _, d := range existing {
		known[d.Hostname] = struct{}{}
	}

	imported := 0
	for _, p := range pending {
		if _, ok := known[p.Hostname]; ok {
			continue
		}
		d := &matchd.Device{
			ID:       uuid.NewString(),
			Hostname: p.Hostname,
			Platform: p.Platform,
			Status:   matchd.DeviceStatusPending,
		}
		if err := c.store.PutDevice(ctx, d); err != nil {
			return imported, &matchd.Error{Op: "inventory.SyncFromSource", Kind: matchd.ErrInternal, Inner: err}
		}
		imported++
	}
	return imported, nil
}
