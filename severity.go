package matchd

import (
	"database/sql/driver"
	"fmt"
)

// Severity is a vulnerability's severity rank, 1 (worst) through 6 (best),
// per spec §3. Lower is worse, matching PSIRT's own Critical..Informational
// ordering so severity sorts naturally with plain numeric comparison.
type Severity uint8

const (
	SeverityCritical Severity = iota + 1
	SeverityHigh
	SeverityMedium
	SeverityLow
	SeverityInformational
	SeverityUnknown
)

func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "Critical"
	case SeverityHigh:
		return "High"
	case SeverityMedium:
		return "Medium"
	case SeverityLow:
		return "Low"
	case SeverityInformational:
		return "Informational"
	case SeverityUnknown:
		return "Unknown"
	default:
		return fmt.Sprintf("Severity(%d)", uint8(s))
	}
}

// CriticalHigh reports whether s belongs in the scanner's critical_high
// bucket (§4.6: severities 1 and 2).
func (s Severity) CriticalHigh() bool {
	return s == SeverityCritical || s == SeverityHigh
}

func (s Severity) Valid() bool {
	return s >= SeverityCritical && s <= SeverityUnknown
}

func (s Severity) Value() (driver.Value, error) {
	return int64(s), nil
}

func (s *Severity) Scan(v any) error {
	switch t := v.(type) {
	case int64:
		*s = Severity(t)
	case int:
		*s = Severity(t)
	case nil:
		*s = SeverityUnknown
	default:
		return fmt.Errorf("matchd: cannot scan Severity from %T", v)
	}
	return nil
}
