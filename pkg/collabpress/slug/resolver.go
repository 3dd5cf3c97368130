// Package slug resolves free-text names to stable lowercase hyphenated
// identifiers via cached dictionary files.
//
// Dictionaries are YAML files, one per name kind, holding canonical
// name → slug mappings with variant spellings. Resolution is a pure
// function of the dictionary snapshot: identical input against an
// unchanged file yields identical output across calls and processes.
package slug

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/text/width"
	"gopkg.in/yaml.v3"
)

// Kind identifies which dictionary a name resolves against.
type Kind string

// Dictionary kinds.
const (
	KindWork      Kind = "work"
	KindStore     Kind = "store"
	KindEventType Kind = "event-type"
	KindRegion    Kind = "region"
)

// Mapping is one dictionary entry. Every variant resolves to exactly
// one slug.
type Mapping struct {
	Name     string   `yaml:"name"`
	Slug     string   `yaml:"slug"`
	Variants []string `yaml:"variants,omitempty"`
}

// dictionary is a loaded, immutable snapshot of one kind's mappings.
type dictionary struct {
	entries []Mapping
}

// Resolver maps raw names to slugs using per-kind dictionary files.
//
// Dictionaries load lazily on first use and are cached for the process
// lifetime. ClearCache forces a reload on next resolution; it is safe
// for test use but is not designed for concurrent invalidation under
// production load.
type Resolver struct {
	dir    string
	logger *slog.Logger

	mu    sync.RWMutex
	dicts map[Kind]*dictionary
}

// NewResolver creates a resolver reading dictionaries from dir.
// Dictionary files are named <kind>.yaml (e.g. work.yaml).
func NewResolver(dir string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		dir:    dir,
		logger: logger,
		dicts:  make(map[Kind]*dictionary),
	}
}

// Resolve maps rawName to its slug. The second return is false when no
// dictionary entry matches; callers must treat that as "needs fallback",
// never as an error.
//
// Lookup order: exact match, case-insensitive exact match (with Unicode
// width folding, so full-width latin input matches), then substring
// containment in either direction.
func (r *Resolver) Resolve(kind Kind, rawName string) (string, bool) {
	name := strings.TrimSpace(rawName)
	if name == "" {
		return "", false
	}

	dict := r.dict(kind)
	if dict == nil {
		return "", false
	}

	// Pass 1: exact match on canonical name or any variant.
	for _, m := range dict.entries {
		if m.Name == name {
			return m.Slug, true
		}
		for _, v := range m.Variants {
			if v == name {
				return m.Slug, true
			}
		}
	}

	// Pass 2: case-insensitive exact match after width folding.
	folded := fold(name)
	for _, m := range dict.entries {
		if fold(m.Name) == folded {
			return m.Slug, true
		}
		for _, v := range m.Variants {
			if fold(v) == folded {
				return m.Slug, true
			}
		}
	}

	// Pass 3: substring containment, either direction.
	for _, m := range dict.entries {
		for _, candidate := range append([]string{m.Name}, m.Variants...) {
			fc := fold(candidate)
			if strings.Contains(folded, fc) || strings.Contains(fc, folded) {
				return m.Slug, true
			}
		}
	}

	return "", false
}

// ClearCache drops cached dictionaries so the next resolution re-reads
// the files. With no arguments every dictionary is dropped.
func (r *Resolver) ClearCache(kinds ...Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(kinds) == 0 {
		r.dicts = make(map[Kind]*dictionary)
		return
	}
	for _, k := range kinds {
		delete(r.dicts, k)
	}
}

// dict returns the cached dictionary for kind, loading it on first use.
// Load failures resolve everything to a miss; they are logged, not
// raised, because the resolver contract is miss-not-throw.
func (r *Resolver) dict(kind Kind) *dictionary {
	r.mu.RLock()
	d, ok := r.dicts[kind]
	r.mu.RUnlock()
	if ok {
		return d
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.dicts[kind]; ok {
		return d
	}

	d, err := loadDictionary(filepath.Join(r.dir, string(kind)+".yaml"))
	if err != nil {
		r.logger.Warn("slug dictionary load failed",
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
		d = &dictionary{}
	}
	r.dicts[kind] = d
	return d
}

// loadDictionary reads and parses one dictionary file.
func loadDictionary(path string) (*dictionary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dictionary: %w", err)
	}

	var entries []Mapping
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse dictionary %s: %w", filepath.Base(path), err)
	}

	for i, m := range entries {
		if m.Slug == "" {
			return nil, fmt.Errorf("dictionary %s: entry %d has no slug", filepath.Base(path), i)
		}
	}

	return &dictionary{entries: entries}, nil
}

// fold normalizes a name for case-insensitive comparison: Unicode width
// folding (full-width latin and half-width katakana to their canonical
// forms) followed by lowercasing.
func fold(s string) string {
	return strings.ToLower(width.Fold.String(s))
}
