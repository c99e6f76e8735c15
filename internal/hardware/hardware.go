// Package hardware implements the hardware classifier of spec §4.4: it
// normalizes a free-text mention (a bug headline, or `show version` output)
// into a hardware family tag using a prioritized pattern table, first match
// wins.
package hardware

import "regexp"

// family is one entry in the prioritized table.
type family struct {
	name string
	re   *regexp.Regexp
}

// table is consulted in order; more specific models must be listed before
// the generic series they belong to, or the generic entry would shadow
// them. Grounded on spec §4.4's own two worked examples (C9200L-24T /
// Catalyst 9200 -> Cat9200, ASR 1001-X -> ASR1K).
var table = []family{
	{"Cat9200", regexp.MustCompile(`(?i)\bC9200\w*\b|\bCatalyst\s*9200\b`)},
	{"Cat9300", regexp.MustCompile(`(?i)\bC9300\w*\b|\bCatalyst\s*9300\b`)},
	{"Cat9400", regexp.MustCompile(`(?i)\bC9400\w*\b|\bCatalyst\s*9400\b`)},
	{"Cat9500", regexp.MustCompile(`(?i)\bC9500\w*\b|\bCatalyst\s*9500\b`)},
	{"Cat9600", regexp.MustCompile(`(?i)\bC9600\w*\b|\bCatalyst\s*9600\b`)},
	{"ASR1K", regexp.MustCompile(`(?i)\bASR\s*10\d\d\b|\bASR1K\b`)},
	{"ASR9K", regexp.MustCompile(`(?i)\bASR\s*9\d\d\d\b|\bASR9K\b`)},
	{"ISR4K", regexp.MustCompile(`(?i)\bISR\s*44\d\d\b|\bISR4K\b`)},
	{"NexusN9K", regexp.MustCompile(`(?i)\bN9K-\w+\b|\bNexus\s*9\d{3}\b`)},
	{"NexusN7K", regexp.MustCompile(`(?i)\bN7K-\w+\b|\bNexus\s*7\d{3}\b`)},
	{"ASA5500X", regexp.MustCompile(`(?i)\bASA\s*55\d\d-X\b`)},
	{"Firepower2100", regexp.MustCompile(`(?i)\bFirepower\s*21\d\d\b|\bFPR-?21\d\d\b`)},
	{"Firepower4100", regexp.MustCompile(`(?i)\bFirepower\s*41\d\d\b|\bFPR-?41\d\d\b`)},
}

// Classify returns the first matching hardware family in text, or "" if no
// entry in the table matches. A "" result means "generic, applies to all
// hardware of the platform" per spec §3/§4.4.
func Classify(text string) string {
	for _, f := range table {
		if f.re.MatchString(text) {
			return f.name
		}
	}
	return ""
}

// ClassifyPtr is Classify but returns nil instead of "" for storage in the
// nullable hardware_model fields of §3.
func ClassifyPtr(text string) *string {
	f := Classify(text)
	if f == "" {
		return nil
	}
	return &f
}

// showVersionHardwareRE pulls the first plausible "PID:" or model line out
// of `show version` output, narrowing the text Classify is run against so a
// stray mention elsewhere in the output (e.g. a neighbor's PID in a CDP
// line included by mistake) doesn't win.
var showVersionHardwareRE = regexp.MustCompile(`(?im)^\s*(?:cisco\s+)?([A-Za-z0-9][\w-]*)\s+\(.*\)\s+processor|PID:\s*(\S+)`)

// ClassifyShowVersion extracts the hardware family from `show version`
// output, per spec §4.4.
func ClassifyShowVersion(output string) *string {
	if m := showVersionHardwareRE.FindStringSubmatch(output); m != nil {
		candidate := m[1]
		if candidate == "" {
			candidate = m[2]
		}
		if f := Classify(candidate); f != "" {
			return &f
		}
	}
	// Fall back to scanning the whole blob; some show version formats
	// don't match the PID/processor line shape at all.
	return ClassifyPtr(output)
}
