package matchd

// Platform identifies a Cisco product family. The set is closed: every
// component that accepts a platform string must validate it against
// [Platforms] and reject unknown values eagerly (spec §9 "Dynamic-typed
// JSON at boundaries").
type Platform string

const (
	PlatformIOSXE Platform = "IOS-XE"
	PlatformIOSXR Platform = "IOS-XR"
	PlatformASA   Platform = "ASA"
	PlatformFTD   Platform = "FTD"
	PlatformNXOS  Platform = "NX-OS"
)

// Platforms is the closed set of recognized platforms.
var Platforms = []Platform{PlatformIOSXE, PlatformIOSXR, PlatformASA, PlatformFTD, PlatformNXOS}

// Valid reports whether p is a member of the closed platform set.
func (p Platform) Valid() bool {
	for _, v := range Platforms {
		if v == p {
			return true
		}
	}
	return false
}

// Kind distinguishes a PSIRT security advisory from a plain engineering bug.
type Kind string

const (
	KindPSIRT Kind = "psirt"
	KindBug   Kind = "bug"
)

func (k Kind) Valid() bool {
	return k == KindPSIRT || k == KindBug
}

// LabelSource records how a vulnerability's labels were produced, per §3.
type LabelSource string

const (
	LabelSourceFrontier LabelSource = "frontier"
	LabelSourceModel    LabelSource = "model"
	LabelSourceManual   LabelSource = "manual"
	LabelSourceHeuristic LabelSource = "heuristic"
)

// ConfidenceSource records which tier of the inference engine produced a
// confidence value, per §3/§4.8.
type ConfidenceSource string

const (
	ConfidenceSourceModel     ConfidenceSource = "model"
	ConfidenceSourceHeuristic ConfidenceSource = "heuristic"
	ConfidenceSourceExact     ConfidenceSource = "exact"
	ConfidenceSourceCache     ConfidenceSource = "cache"
)
