package matchd

import "time"

// DeviceStatus is a device's position in its discovery lifecycle, per §3.
type DeviceStatus string

const (
	DeviceStatusPending    DeviceStatus = "pending"
	DeviceStatusDiscovered DeviceStatus = "discovered"
	DeviceStatusFailed     DeviceStatus = "failed"
	DeviceStatusStale      DeviceStatus = "stale"
)

// Device is a managed network device, per spec §3. Credentials are never
// stored on this type; they live only on the stack of the handler that
// received them (spec §5, §9 Non-goals).
type Device struct {
	ID       string   `json:"id"`
	Hostname string   `json:"hostname"`
	Platform *Platform `json:"platform,omitempty"`
	Version  *string  `json:"version,omitempty"`

	HardwareModel *string  `json:"hardware_model,omitempty"`
	Features      []string `json:"features,omitempty"`

	Status             DeviceStatus `json:"status"`
	LastDiscoveredAt   *time.Time   `json:"last_discovered_at,omitempty"`
	LastScanID         *string      `json:"last_scan_id,omitempty"`
	PreviousScanID     *string      `json:"previous_scan_id,omitempty"`
	ConsecutiveFailures int         `json:"-"`
}

// StaleAfterFailures is spec §4.9's consecutive-failure count that flips a
// device to stale ("after three consecutive failures, stale, requiring
// manual intervention"): the 3rd consecutive failure, not the 5th. This is
// deliberately smaller than len(RetryDelay's schedule) — the schedule
// documents four backoff delays (1, 5, 15, 60 minutes) for a device that is
// merely failed, but §4.9 names a separate, shorter count for when a
// failing device stops being retried automatically at all.
const StaleAfterFailures = 3

// RetryDelay returns the backoff delay before the verifier should retry a
// device that has failed consecutiveFailures times in a row, per spec
// §4.9's documented schedule (1, 5, 15, 60 minutes). The caller is
// responsible for comparing consecutiveFailures against StaleAfterFailures
// separately; RetryDelay's ok return only reports whether the schedule has
// an entry for this attempt, not whether the device should go stale.
func RetryDelay(consecutiveFailures int) (time.Duration, bool) {
	schedule := []time.Duration{
		1 * time.Minute,
		5 * time.Minute,
		15 * time.Minute,
		60 * time.Minute,
	}
	if consecutiveFailures <= 0 || consecutiveFailures > len(schedule) {
		return 0, false
	}
	return schedule[consecutiveFailures-1], true
}

// RotateScan records a new scan id as current, demoting the old current to
// previous, per spec §4.10 "Single-device scan". Only two scans are ever
// retained per device, so the old previous falls out of both slots; it is
// returned as evicted so the caller can delete its scan_results row in the
// same transaction that persists the rotated pointers, rather than leaving
// it an orphaned row no device slot references.
func (d *Device) RotateScan(scanID string) (evicted *string) {
	evicted = d.PreviousScanID
	d.PreviousScanID = d.LastScanID
	id := scanID
	d.LastScanID = &id
	return evicted
}
