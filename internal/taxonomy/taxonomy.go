// Package taxonomy loads and serves the platform-scoped label catalog of
// spec §4.2. Grounded on quay/claircore's "load once, treat as immutable,
// swap a new instance on rebuild" convention (libvuln.Libvuln's config
// pointer swap) — there is no in-place mutation path here at all, matching
// spec §4.2's "reloading requires process restart".
package taxonomy

import (
	"embed"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/ciscopsirt/matchd"
)

//go:embed data/*.json
var defaultData embed.FS

// compiledEntry pairs a TaxonomyEntry with its pre-compiled config_regex
// patterns, so the feature extractor never recompiles a regexp per config
// text.
type compiledEntry struct {
	entry    matchd.TaxonomyEntry
	patterns []*regexp.Regexp
}

// Store is the immutable, platform-keyed label catalog.
type Store struct {
	byPlatform map[matchd.Platform]map[string]*compiledEntry
}

// sourceFile is the on-disk/embedded shape of one platform's taxonomy file.
type sourceFile struct {
	Platform matchd.Platform        `json:"platform"`
	Labels   []matchd.TaxonomyEntry `json:"labels"`
}

// LoadDefault loads the taxonomy embedded in the binary, for tests and for
// deployments that don't override TAXONOMY_DIR.
func LoadDefault() (*Store, error) {
	return load(func(name string) ([]byte, error) { return defaultData.ReadFile("data/" + name) })
}

// LoadDir loads platform-scoped taxonomy files from dir, one file per
// platform named "<platform>.json". A load failure for any platform is
// fatal, per spec §4.2.
func LoadDir(dir string) (*Store, error) {
	return load(func(name string) ([]byte, error) { return readFile(dir, name) })
}

func load(read func(name string) ([]byte, error)) (*Store, error) {
	st := &Store{byPlatform: make(map[matchd.Platform]map[string]*compiledEntry)}
	for _, p := range matchd.Platforms {
		name := string(p) + ".json"
		b, err := read(name)
		if err != nil {
			return nil, &matchd.Error{Op: "taxonomy.Load", Kind: matchd.ErrInternal,
				Message: fmt.Sprintf("platform %s taxonomy source missing", p), Inner: err}
		}
		var sf sourceFile
		if err := json.Unmarshal(b, &sf); err != nil {
			return nil, &matchd.Error{Op: "taxonomy.Load", Kind: matchd.ErrInternal,
				Message: fmt.Sprintf("platform %s taxonomy source invalid", p), Inner: err}
		}
		if sf.Platform != p {
			return nil, &matchd.Error{Op: "taxonomy.Load", Kind: matchd.ErrInternal,
				Message: fmt.Sprintf("taxonomy file for %s declares platform %s", p, sf.Platform)}
		}
		labels := make(map[string]*compiledEntry, len(sf.Labels))
		for _, e := range sf.Labels {
			ce := &compiledEntry{entry: e}
			for _, pat := range e.ConfigRegex {
				re, err := regexp.Compile(pat)
				if err != nil {
					return nil, &matchd.Error{Op: "taxonomy.Load", Kind: matchd.ErrInternal,
						Message: fmt.Sprintf("platform %s label %s: bad config_regex %q", p, e.Label, pat), Inner: err}
				}
				ce.patterns = append(ce.patterns, re)
			}
			labels[e.Label] = ce
		}
		st.byPlatform[p] = labels
	}
	return st, nil
}

// Lookup returns the taxonomy entry for (platform, label), or false if
// either is unknown.
func (s *Store) Lookup(platform matchd.Platform, label string) (matchd.TaxonomyEntry, bool) {
	labels, ok := s.byPlatform[platform]
	if !ok {
		return matchd.TaxonomyEntry{}, false
	}
	ce, ok := labels[label]
	if !ok {
		return matchd.TaxonomyEntry{}, false
	}
	return ce.entry, true
}

// Patterns returns the compiled config_regex list for (platform, label).
func (s *Store) Patterns(platform matchd.Platform, label string) []*regexp.Regexp {
	labels, ok := s.byPlatform[platform]
	if !ok {
		return nil
	}
	ce, ok := labels[label]
	if !ok {
		return nil
	}
	return ce.patterns
}

// LabelsFor returns every label defined for platform, in no particular
// order.
func (s *Store) LabelsFor(platform matchd.Platform) []string {
	labels, ok := s.byPlatform[platform]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(labels))
	for l := range labels {
		out = append(out, l)
	}
	return out
}

// ValidLabels returns the labels in want that are defined for platform, in
// want's order; unknown labels are dropped.
// Used by the inference engine to drop model hallucinations (spec §4.8).
func (s *Store) ValidLabels(platform matchd.Platform, want []string) []string {
	labels, ok := s.byPlatform[platform]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(want))
	for _, l := range want {
		if _, ok := labels[l]; ok {
			out = append(out, l)
		}
	}
	return out
}

// AllPlatforms returns the platforms this store has taxonomy data for.
func (s *Store) AllPlatforms() []matchd.Platform {
	out := make([]matchd.Platform, 0, len(s.byPlatform))
	for p := range s.byPlatform {
		out = append(out, p)
	}
	return out
}
