// Package analysiscache holds short-lived Analysis results in memory so a
// later /verify-device or /verify-snapshot call (or a repeat GET
// /results/{analysis_id}) can retrieve one by id, per spec §3's "Retained
// in an in-memory cache for ~24h for follow-on verification calls."
//
// Grounded on github.com/patrickmn/go-cache's TTL-map-with-background-
// janitor shape, as used directly in google/minions' vulners minion
// (cache.New(ttl, cleanupInterval)) for exactly this "cache an expensive
// result under an id, expire it later" need.
package analysiscache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/ciscopsirt/matchd"
)

const (
	defaultTTL             = 24 * time.Hour
	defaultCleanupInterval = 1 * time.Hour
)

// Cache stores Analysis results keyed by their ID.
type Cache struct {
	c *gocache.Cache
}

// New builds a Cache with spec §3's ~24h retention.
func New() *Cache {
	return &Cache{c: gocache.New(defaultTTL, defaultCleanupInterval)}
}

// Put stores a, keyed by a.ID, using the cache's default TTL.
func (c *Cache) Put(a *matchd.Analysis) {
	c.c.SetDefault(a.ID, a)
}

// Get looks up an Analysis by id.
func (c *Cache) Get(id string) (*matchd.Analysis, bool) {
	v, ok := c.c.Get(id)
	if !ok {
		return nil, false
	}
	return v.(*matchd.Analysis), true
}

// Count reports the number of cached entries, for the admin
// "/system/cache/stats" endpoint.
func (c *Cache) Count() int {
	return c.c.ItemCount()
}

// Flush drops every cached entry, for the admin "/system/cache/clear"
// endpoint.
func (c *Cache) Flush() {
	c.c.Flush()
}
