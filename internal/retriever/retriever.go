// Package retriever implements the vector retriever of spec §4.7: a small
// in-memory flat index over a labeled-exemplar corpus, queried by cosine
// similarity, with an exact-id shortcut for the inference engine's "exact
// exemplar" tier.
//
// Grounded on quay/claircore's rhel/rhcc.updatingMapper: an atomic.Pointer
// holding the current corpus, swapped wholesale on rebuild rather than
// mutated in place, so readers never observe a partially rebuilt index.
package retriever

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"sort"
	"sync/atomic"

	"github.com/quay/zlog"

	"github.com/ciscopsirt/matchd"
)

// Embedder maps text to a fixed-dimension float vector. The production
// implementation calls out to an embedding model; tests can supply a
// deterministic stand-in.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Hit is one retrieval result.
type Hit struct {
	Exemplar   matchd.LabeledExemplar
	Similarity float64
}

// Retriever serves nearest-exemplar queries over a corpus that is rebuilt
// and swapped in atomically, never mutated in place.
type Retriever struct {
	embedder Embedder
	corpus   atomic.Pointer[corpus]
}

type corpus struct {
	exemplars []matchd.LabeledExemplar
	byID      map[string]int
}

func New(embedder Embedder) *Retriever {
	r := &Retriever{embedder: embedder}
	r.corpus.Store(&corpus{byID: map[string]int{}})
	return r
}

// Rebuild computes a fresh corpus index and swaps it in atomically. Callers
// (LoadAndRebuild, run once at startup) hold no lock while readers are
// served from the outgoing corpus until the swap completes.
func (r *Retriever) Rebuild(ctx context.Context, exemplars []matchd.LabeledExemplar) error {
	c := &corpus{
		exemplars: make([]matchd.LabeledExemplar, len(exemplars)),
		byID:      make(map[string]int, len(exemplars)),
	}
	copy(c.exemplars, exemplars)
	for i, e := range c.exemplars {
		if e.ID != "" {
			c.byID[e.ID] = i
		}
	}
	r.corpus.Store(c)
	return nil
}

// Query returns the top-k exemplars for text, restricted to platform, by
// cosine similarity. If advisoryID is non-empty and present in the corpus
// as an exemplar, it is returned alone with similarity 1.0 — the "exact
// exemplar" shortcut spec §4.7/§4.8 rely on.
func (r *Retriever) Query(ctx context.Context, text string, platform matchd.Platform, advisoryID string, k int) ([]Hit, error) {
	c := r.corpus.Load()

	if advisoryID != "" {
		if idx, ok := c.byID[advisoryID]; ok {
			e := c.exemplars[idx]
			if e.Platform == platform {
				return []Hit{{Exemplar: e, Similarity: 1.0}}, nil
			}
		}
	}

	qvec, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return nil, &matchd.Error{Op: "retriever.Query", Kind: matchd.ErrUpstream, Inner: err}
	}

	hits := make([]Hit, 0, len(c.exemplars))
	for _, e := range c.exemplars {
		if e.Platform != platform {
			continue
		}
		hits = append(hits, Hit{Exemplar: e, Similarity: cosine(qvec, e.Embedding)})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if k > 0 && k < len(hits) {
		hits = hits[:k]
	}
	return hits, nil
}

// LoadAndRebuild reads a JSON array of matchd.LabeledExemplar from path
// (the exemplar corpus file configured per spec §4.7, loaded independently
// of the taxonomy since it changes on its own schedule), embeds each
// summary through r's own Embedder, and swaps the result in via Rebuild.
// Grounded on internal/taxonomy's "read a configured file, validate,
// install" load path, adapted here to source vectors from the embedder
// rather than the file, since LabeledExemplar.Embedding is never carried
// on the wire (matchd.LabeledExemplar tags it json:"-").
func (r *Retriever) LoadAndRebuild(ctx context.Context, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return &matchd.Error{Op: "retriever.LoadAndRebuild", Kind: matchd.ErrInternal, Message: "reading exemplar corpus file", Inner: err}
	}
	var exemplars []matchd.LabeledExemplar
	if err := json.Unmarshal(b, &exemplars); err != nil {
		return &matchd.Error{Op: "retriever.LoadAndRebuild", Kind: matchd.ErrInternal, Message: "parsing exemplar corpus file", Inner: err}
	}
	for i := range exemplars {
		vec, err := r.embedder.Embed(ctx, exemplars[i].Summary)
		if err != nil {
			return &matchd.Error{Op: "retriever.LoadAndRebuild", Kind: matchd.ErrUpstream,
				Message: "embedding exemplar " + exemplars[i].ID, Inner: err}
		}
		exemplars[i].Embedding = vec
	}
	zlog.Info(ctx).Int("count", len(exemplars)).Str("path", path).Msg("loaded exemplar corpus")
	return r.Rebuild(ctx, exemplars)
}

// cosine computes cosine similarity; mismatched or zero-length vectors
// yield 0 rather than panicking or dividing by zero.
func cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
