// Package inference implements the label inference engine of spec §4.8:
// five tiers consulted in order (request dedup, persistent cache, exact
// exemplar, model call, heuristic fallback), each with its own confidence
// source and caching policy.
//
// Grounded on quay/claircore's internal/cache.Live for the "request-level
// dedup in front of an expensive create function" shape, adapted to use
// golang.org/x/sync/singleflight directly (already a teacher dependency via
// errgroup's module) rather than the teacher's own internal/singleflight
// package, which isn't part of this corpus's reusable surface.
//
// Outbound model calls (tier 4) additionally pass through a single shared
// golang.org/x/time/rate.Limiter, the same token-bucket-over-one-resource
// shape as rhel/rhcc/mapper.go's update-check limiter, protecting the model
// endpoint from the combined load of every client rather than any one
// client's own share (that per-client fairness is internal/ratelimit's job).
package inference

import (
	"context"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/quay/zlog"

	"github.com/ciscopsirt/matchd"
	"github.com/ciscopsirt/matchd/internal/retriever"
	"github.com/ciscopsirt/matchd/internal/taxonomy"
)

// Store is the subset of internal/store's Store the engine depends on.
type Store interface {
	GetPSIRTCache(ctx context.Context, advisoryID string, platform matchd.Platform) (*matchd.PSIRTCacheEntry, error)
	PutPSIRTCache(ctx context.Context, e *matchd.PSIRTCacheEntry) error
}

// Retriever is the subset of internal/retriever's Retriever the engine
// depends on.
type Retriever interface {
	Query(ctx context.Context, text string, platform matchd.Platform, advisoryID string, k int) ([]retriever.Hit, error)
}

// ModelClient calls out to the external label-inference model. The engine
// owns the wall-clock timeout, temperature, and output-length bound; the
// client only needs to speak prompt-in, text-out.
type ModelClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

const (
	defaultTopK             = 5
	similarityThreshold     = 0.70
	cacheConfidenceThreshold = 0.75
	modelTimeout            = 30 * time.Second

	// defaultModelRPS throttles outbound model calls regardless of which
	// client triggered them, the same way rhel/rhcc/mapper.go uses a single
	// rate.Limiter to protect one shared upstream resource from every caller
	// combined, rather than any one caller's own share.
	defaultModelRPS   = 5
	defaultModelBurst = 5
)

// Engine resolves a summary/platform/advisory_id triple into an Analysis.
type Engine struct {
	store     Store
	retriever Retriever
	tax       *taxonomy.Store
	model     ModelClient
	topK      int

	sf           singleflight.Group
	modelLimiter *rate.Limiter
}

func New(store Store, ret Retriever, tax *taxonomy.Store, model ModelClient) *Engine {
	return &Engine{
		store: store, retriever: ret, tax: tax, model: model, topK: defaultTopK,
		modelLimiter: rate.NewLimiter(rate.Limit(defaultModelRPS), defaultModelBurst),
	}
}

// SetModelRateLimit reconfigures the shared outbound throughput cap on model
// calls, e.g. from process configuration at startup.
func (e *Engine) SetModelRateLimit(requestsPerSecond float64, burst int) {
	e.modelLimiter.SetLimit(rate.Limit(requestsPerSecond))
	e.modelLimiter.SetBurst(burst)
}

// Analyze runs the five-tier resolution of spec §4.8.
func (e *Engine) Analyze(ctx context.Context, summary string, platform matchd.Platform, advisoryID string) (*matchd.Analysis, error) {
	if !platform.Valid() {
		return nil, &matchd.Error{Op: "inference.Analyze", Kind: matchd.ErrBadInput,
			Message: "unknown platform " + string(platform)}
	}
	key := strings.Join([]string{string(platform), advisoryID, summary}, "\x00")
	v, err, _ := e.sf.Do(key, func() (any, error) {
		return e.analyze(ctx, summary, platform, advisoryID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*matchd.Analysis), nil
}

func (e *Engine) analyze(ctx context.Context, summary string, platform matchd.Platform, advisoryID string) (*matchd.Analysis, error) {
	// Tier 2: persistent cache.
	if advisoryID != "" {
		if entry, err := e.store.GetPSIRTCache(ctx, advisoryID, platform); err == nil {
			return &matchd.Analysis{
				Summary:     summary,
				Platform:    platform,
				AdvisoryID:  advisoryID,
				Labels:      entry.Labels,
				Confidence:  entry.Confidence,
				Source:      matchd.ConfidenceSourceCache,
				NeedsReview: entry.NeedsReview,
				Timestamp:   entry.Timestamp,
			}, nil
		}
	}

	// Tier 3: exact exemplar shortcut.
	hits, err := e.retriever.Query(ctx, summary, platform, advisoryID, e.topK)
	if err != nil {
		zlog.Debug(ctx).Err(err).Msg("retriever query failed, falling back to heuristic")
		return e.fallback(summary, platform, advisoryID, nil), nil
	}
	if len(hits) == 1 && hits[0].Similarity == 1.0 && advisoryID != "" {
		return e.finish(ctx, &matchd.Analysis{
			Summary:     summary,
			Platform:    platform,
			AdvisoryID:  advisoryID,
			Labels:      hits[0].Exemplar.Labels,
			Confidence:  1.0,
			Source:      matchd.ConfidenceSourceExact,
			NeedsReview: false,
			Timestamp:   now(),
		}), nil
	}

	// Tier 4: model path, gated on at least one exemplar clearing the
	// similarity bar.
	if !anyAboveThreshold(hits) {
		return e.fallback(summary, platform, advisoryID, hits), nil
	}

	mctx, cancel := context.WithTimeout(ctx, modelTimeout)
	defer cancel()
	if err := e.modelLimiter.Wait(mctx); err != nil {
		zlog.Debug(ctx).Err(err).Msg("model rate limit wait aborted, falling back to heuristic")
		return e.fallback(summary, platform, advisoryID, hits), nil
	}
	prompt := e.buildPrompt(platform, summary, hits)
	resp, err := e.model.Complete(mctx, prompt)
	if err != nil {
		zlog.Debug(ctx).Err(err).Msg("model call failed or timed out, falling back to heuristic")
		return e.fallback(summary, platform, advisoryID, hits), nil
	}
	labels := e.tax.ValidLabels(platform, parseLabels(resp))
	if len(labels) == 0 {
		return e.fallback(summary, platform, advisoryID, hits), nil
	}

	a := &matchd.Analysis{
		Summary:     summary,
		Platform:    platform,
		AdvisoryID:  advisoryID,
		Labels:      labels,
		Confidence:  weightedConfidence(hits),
		Source:      matchd.ConfidenceSourceModel,
		NeedsReview: false,
		Timestamp:   now(),
	}
	a.ConfigRegex, a.ShowCommands = e.joinTaxonomy(platform, labels)
	return e.finish(ctx, a), nil
}

// fallback builds tier 5's result. It is never written to PSIRTCache.
func (e *Engine) fallback(summary string, platform matchd.Platform, advisoryID string, hits []retriever.Hit) *matchd.Analysis {
	var labels []string
	// A minimal heuristic guess: if the single best hit is still
	// moderately close, surface its labels flagged for review rather than
	// returning nothing.
	if len(hits) > 0 && hits[0].Similarity >= 0.5 {
		labels = hits[0].Exemplar.Labels
	}
	return &matchd.Analysis{
		Summary:     summary,
		Platform:    platform,
		AdvisoryID:  advisoryID,
		Labels:      labels,
		Confidence:  0,
		Source:      matchd.ConfidenceSourceHeuristic,
		NeedsReview: true,
		Timestamp:   now(),
	}
}

// finish applies the caching policy of spec §4.8: write to PSIRTCache only
// when confidence_source == model, confidence >= 0.75, and advisory_id is
// present.
func (e *Engine) finish(ctx context.Context, a *matchd.Analysis) *matchd.Analysis {
	if a.Source == matchd.ConfidenceSourceModel && a.Confidence >= cacheConfidenceThreshold && a.AdvisoryID != "" {
		entry := &matchd.PSIRTCacheEntry{
			AdvisoryID:       a.AdvisoryID,
			Platform:         a.Platform,
			Labels:           a.Labels,
			Confidence:       a.Confidence,
			ConfidenceSource: a.Source,
			NeedsReview:      a.NeedsReview,
			Timestamp:        a.Timestamp,
		}
		if err := e.store.PutPSIRTCache(ctx, entry); err != nil {
			zlog.Error(ctx).Err(err).Msg("failed to persist PSIRT cache entry")
		}
	}
	return a
}

func anyAboveThreshold(hits []retriever.Hit) bool {
	for _, h := range hits {
		if h.Similarity >= similarityThreshold {
			return true
		}
	}
	return false
}

// weightedConfidence averages retrieved similarities, weighted toward the
// top result (rank-based harmonic weighting), per spec §4.8.
func weightedConfidence(hits []retriever.Hit) float64 {
	if len(hits) == 0 {
		return 0
	}
	var weighted, totalWeight float64
	for i, h := range hits {
		w := 1.0 / float64(i+1)
		weighted += h.Similarity * w
		totalWeight += w
	}
	return weighted / totalWeight
}

// buildPrompt joins the platform's label catalog with (summary -> labels)
// pairs from exemplars clearing the similarity bar, then the query, per
// spec §4.8.
func (e *Engine) buildPrompt(platform matchd.Platform, summary string, hits []retriever.Hit) string {
	var b strings.Builder
	b.WriteString("Label catalog for ")
	b.WriteString(string(platform))
	b.WriteString(":\n")
	for _, label := range sortedLabels(e.tax.LabelsFor(platform)) {
		entry, ok := e.tax.Lookup(platform, label)
		if !ok {
			continue
		}
		b.WriteString("- ")
		b.WriteString(label)
		b.WriteString(": ")
		b.WriteString(entry.HumanDefinition)
		b.WriteString("\n")
	}
	b.WriteString("\nExamples:\n")
	for _, h := range hits {
		if h.Similarity < similarityThreshold {
			continue
		}
		b.WriteString("- \"")
		b.WriteString(h.Exemplar.Summary)
		b.WriteString("\" -> ")
		b.WriteString(strings.Join(h.Exemplar.Labels, ", "))
		b.WriteString("\n")
	}
	b.WriteString("\nQuery: ")
	b.WriteString(summary)
	return b.String()
}

func (e *Engine) joinTaxonomy(platform matchd.Platform, labels []string) (configRegex, showCommands []string) {
	for _, label := range labels {
		entry, ok := e.tax.Lookup(platform, label)
		if !ok {
			continue
		}
		configRegex = append(configRegex, entry.ConfigRegex...)
		showCommands = append(showCommands, entry.ShowCommands...)
	}
	return configRegex, showCommands
}

func sortedLabels(labels []string) []string {
	out := make([]string, len(labels))
	copy(out, labels)
	sort.Strings(out)
	return out
}

// parseLabels reads the model's response as a comma/newline separated
// label list, trimming whitespace and punctuation the model may wrap
// labels in.
func parseLabels(resp string) []string {
	fields := strings.FieldsFunc(resp, func(r rune) bool {
		return r == ',' || r == '\n' || r == ';'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(strings.TrimSpace(f), `"'-•`)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// now is a seam so tests can't accidentally depend on wall-clock time
// ordering; production always wants the real time here.
func now() int64 { return time.Now().UTC().Unix() }
