package inference

import (
	"context"
	"errors"
	"testing"

	"github.com/ciscopsirt/matchd"
	"github.com/ciscopsirt/matchd/internal/retriever"
	"github.com/ciscopsirt/matchd/internal/taxonomy"
)

type fakeStore struct {
	cache map[string]*matchd.PSIRTCacheEntry
	puts  int
}

func newFakeStore() *fakeStore { return &fakeStore{cache: map[string]*matchd.PSIRTCacheEntry{}} }

func (f *fakeStore) GetPSIRTCache(ctx context.Context, advisoryID string, platform matchd.Platform) (*matchd.PSIRTCacheEntry, error) {
	e, ok := f.cache[advisoryID+string(platform)]
	if !ok {
		return nil, errors.New("not found")
	}
	return e, nil
}

func (f *fakeStore) PutPSIRTCache(ctx context.Context, e *matchd.PSIRTCacheEntry) error {
	f.puts++
	f.cache[e.AdvisoryID+string(e.Platform)] = e
	return nil
}

type fakeRetriever struct {
	hits []retriever.Hit
	err  error
}

func (f *fakeRetriever) Query(ctx context.Context, text string, platform matchd.Platform, advisoryID string, k int) ([]retriever.Hit, error) {
	return f.hits, f.err
}

type fakeModel struct {
	resp string
	err  error
}

func (f *fakeModel) Complete(ctx context.Context, prompt string) (string, error) {
	return f.resp, f.err
}

func mustLoadTaxonomy(t *testing.T) *taxonomy.Store {
	t.Helper()
	tax, err := taxonomy.LoadDefault()
	if err != nil {
		t.Fatal(err)
	}
	return tax
}

func TestAnalyzeCacheHit(t *testing.T) {
	store := newFakeStore()
	store.cache["cisco-sa-1"+string(matchd.PlatformIOSXE)] = &matchd.PSIRTCacheEntry{
		AdvisoryID: "cisco-sa-1", Platform: matchd.PlatformIOSXE, Labels: []string{"RTE_BGP"}, Confidence: 0.9,
	}
	e := New(store, &fakeRetriever{}, mustLoadTaxonomy(t), &fakeModel{})
	a, err := e.Analyze(context.Background(), "some summary", matchd.PlatformIOSXE, "cisco-sa-1")
	if err != nil {
		t.Fatal(err)
	}
	if a.Source != matchd.ConfidenceSourceCache || len(a.Labels) != 1 {
		t.Fatalf("expected a cache hit, got %+v", a)
	}
}

func TestAnalyzeExactExemplarShortcut(t *testing.T) {
	store := newFakeStore()
	hits := []retriever.Hit{{Exemplar: matchd.LabeledExemplar{ID: "cisco-sa-2", Labels: []string{"RTE_EIGRP"}}, Similarity: 1.0}}
	e := New(store, &fakeRetriever{hits: hits}, mustLoadTaxonomy(t), &fakeModel{})
	a, err := e.Analyze(context.Background(), "summary", matchd.PlatformIOSXE, "cisco-sa-2")
	if err != nil {
		t.Fatal(err)
	}
	if a.Source != matchd.ConfidenceSourceExact || a.Confidence != 1.0 {
		t.Fatalf("expected exact exemplar match, got %+v", a)
	}
	if store.puts != 0 {
		t.Fatalf("exact-exemplar tier must not populate PSIRTCache, got %d puts", store.puts)
	}
}

func TestAnalyzeFallbackWhenBelowThreshold(t *testing.T) {
	store := newFakeStore()
	hits := []retriever.Hit{{Exemplar: matchd.LabeledExemplar{ID: "ex-1", Labels: []string{"RTE_BGP"}}, Similarity: 0.3}}
	e := New(store, &fakeRetriever{hits: hits}, mustLoadTaxonomy(t), &fakeModel{})
	a, err := e.Analyze(context.Background(), "summary", matchd.PlatformIOSXE, "cisco-sa-3")
	if err != nil {
		t.Fatal(err)
	}
	if a.Source != matchd.ConfidenceSourceHeuristic || !a.NeedsReview {
		t.Fatalf("expected heuristic fallback, got %+v", a)
	}
	if store.puts != 0 {
		t.Fatalf("fallback tier must never write to PSIRTCache, got %d puts", store.puts)
	}
}

func TestAnalyzeModelCallFailureFallsBack(t *testing.T) {
	store := newFakeStore()
	hits := []retriever.Hit{{Exemplar: matchd.LabeledExemplar{ID: "ex-1", Labels: []string{"RTE_BGP"}}, Similarity: 0.9}}
	e := New(store, &fakeRetriever{hits: hits}, mustLoadTaxonomy(t), &fakeModel{err: errors.New("timeout")})
	a, err := e.Analyze(context.Background(), "summary", matchd.PlatformIOSXE, "cisco-sa-4")
	if err != nil {
		t.Fatal(err)
	}
	if a.Source != matchd.ConfidenceSourceHeuristic {
		t.Fatalf("expected fallback on model error, got %+v", a)
	}
}
