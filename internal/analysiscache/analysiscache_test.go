package analysiscache

import (
	"testing"

	"github.com/ciscopsirt/matchd"
)

func TestPutGetRoundTrips(t *testing.T) {
	c := New()
	a := &matchd.Analysis{ID: "an-1", Summary: "a bug", Labels: []string{"RTE_BGP"}}
	c.Put(a)

	got, ok := c.Get("an-1")
	if !ok {
		t.Fatal("expected a cache hit")
	}
	if got.ID != a.ID || len(got.Labels) != 1 || got.Labels[0] != "RTE_BGP" {
		t.Fatalf("got %+v", got)
	}
}

func TestGetMissReportsFalse(t *testing.T) {
	c := New()
	if _, ok := c.Get("missing"); ok {
		t.Fatal("expected a miss for an unknown id")
	}
}
