package builder

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

type patternMatcher struct {
	pattern   string
	matcher   glob.Glob
	baseOnly  bool // pattern has no separator, match against base name
	builderID string
}

// Registry holds the registered builders and matches sources to them by
// file pattern. It is safe for concurrent use; builders register at
// startup and may be unregistered when a plugin is unloaded.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
	matchers []patternMatcher
}

// NewRegistry creates an empty builder registry
func NewRegistry() *Registry {
	return &Registry{
		builders: make(map[string]Builder),
	}
}

// Register adds a builder and compiles its patterns.
// Returns an error for a duplicate ID or an invalid pattern.
func (r *Registry) Register(b Builder) error {
	info := b.Info()
	if info.ID == "" {
		return fmt.Errorf("builder %q has no ID", info.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.builders[info.ID]; exists {
		return fmt.Errorf("builder %s (%s) already registered", info.ID, info.Name)
	}

	var matchers []patternMatcher
	for _, pattern := range info.Patterns {
		g, err := glob.Compile(strings.ToLower(pattern), '/')
		if err != nil {
			return fmt.Errorf("builder %s pattern %q: %w", info.Name, pattern, err)
		}
		matchers = append(matchers, patternMatcher{
			pattern:   pattern,
			matcher:   g,
			baseOnly:  !strings.Contains(pattern, "/"),
			builderID: info.ID,
		})
	}

	r.builders[info.ID] = b
	r.matchers = append(r.matchers, matchers...)
	return nil
}

// Unregister removes a builder. Dependencies it declared stop being
// honored by the dependency graph once it is gone.
func (r *Registry) Unregister(builderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.builders, builderID)
	kept := r.matchers[:0]
	for _, m := range r.matchers {
		if m.builderID != builderID {
			kept = append(kept, m)
		}
	}
	r.matchers = kept
}

// Builder returns a registered builder by ID
func (r *Registry) Builder(builderID string) (Builder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.builders[builderID]
	return b, ok
}

// IsRegistered reports whether a builder ID is currently registered
func (r *Registry) IsRegistered(builderID string) bool {
	_, ok := r.Builder(builderID)
	return ok
}

// MatchBuilders returns all builders whose patterns match the given
// scan-folder relative path, in deterministic order (by builder name,
// then ID) so multi-builder fan-out is stable across runs.
func (r *Registry) MatchBuilders(relativePath string) []Builder {
	norm := strings.ToLower(strings.ReplaceAll(relativePath, "\\", "/"))
	base := path.Base(norm)

	r.mu.RLock()
	matched := make(map[string]Builder)
	for _, m := range r.matchers {
		candidate := norm
		if m.baseOnly {
			candidate = base
		}
		if m.matcher.Match(candidate) {
			if b, ok := r.builders[m.builderID]; ok {
				matched[m.builderID] = b
			}
		}
	}
	r.mu.RUnlock()

	result := make([]Builder, 0, len(matched))
	for _, b := range matched {
		result = append(result, b)
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i].Info(), result[j].Info()
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID < b.ID
	})
	return result
}
