package matchd

// TaxonomyEntry describes one platform-scoped label, per spec §3/§4.2.
// Immutable once loaded; a taxonomy update is a data change, not a code
// change (spec §9).
type TaxonomyEntry struct {
	Platform         Platform `json:"platform"`
	Label            string   `json:"label"`
	HumanDefinition  string   `json:"human_definition"`
	AntiDefinition   string   `json:"anti_definition,omitempty"`
	Domain           string   `json:"domain,omitempty"`
	ConfigRegex      []string `json:"config_regex"`
	ShowCommands     []string `json:"show_commands,omitempty"`
}

// LabeledExemplar is a retrieval-corpus entry backing the vector retriever,
// per spec §3/§4.7.
type LabeledExemplar struct {
	ID         string    `json:"id"`
	Platform   Platform  `json:"platform"`
	Summary    string    `json:"summary"`
	Labels     []string  `json:"labels"`
	Embedding  []float32 `json:"-"`
}

// PSIRTCacheEntry is the persistent (advisory_id, platform)-keyed inference
// cache, per spec §3/§4.8. Only entries with ConfidenceSource == model,
// Confidence >= 0.75 and a non-empty AdvisoryID are written (spec §4.8,
// enforced by the inference engine, not this type).
type PSIRTCacheEntry struct {
	AdvisoryID       string           `json:"advisory_id"`
	Platform         Platform         `json:"platform"`
	Labels           []string         `json:"labels"`
	Confidence       float64          `json:"confidence"`
	ConfidenceSource ConfidenceSource `json:"confidence_source"`
	NeedsReview      bool             `json:"needs_review"`
	Timestamp        int64            `json:"timestamp"`
}

// Analysis is one inference run's result, per spec §3/§4.8. Retained in an
// in-memory cache for ~24h for follow-on verification calls.
type Analysis struct {
	ID           string           `json:"analysis_id"`
	Summary      string           `json:"summary"`
	Platform     Platform         `json:"platform"`
	AdvisoryID   string           `json:"advisory_id,omitempty"`
	Labels       []string         `json:"labels"`
	Confidence   float64          `json:"confidence"`
	Source       ConfidenceSource `json:"confidence_source"`
	NeedsReview  bool             `json:"needs_review"`
	ConfigRegex  []string         `json:"config_regex,omitempty"`
	ShowCommands []string         `json:"show_commands,omitempty"`
	Timestamp    int64            `json:"timestamp"`
}
