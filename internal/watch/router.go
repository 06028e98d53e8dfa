package watch

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/kiln/internal/transform"
)

type route struct {
	sets   [][]string
	binder *Binder
}

func (rt route) match(rel string) bool {
	for _, set := range rt.sets {
		if transform.Match(set, rel) {
			return true
		}
	}
	return false
}

// Router dispatches Change Events to the Binders whose patterns match.
type Router struct {
	root    string
	watcher Watcher
	routes  []route
}

// NewRouter creates a Router for the project root. Patterns are relative to
// root.
func NewRouter(root string, w Watcher) *Router {
	return &Router{root: root, watcher: w}
}

// Bind registers b for changes matching any of the pattern sets. Exclusions
// only apply within their own set.
func (r *Router) Bind(b *Binder, sets ...[]string) {
	r.routes = append(r.routes, route{sets: sets, binder: b})
}

// Binders returns the registered binders in registration order.
func (r *Router) Binders() []*Binder {
	out := make([]*Binder, len(r.routes))
	for i, rt := range r.routes {
		out[i] = rt.binder
	}
	return out
}

// Start watches the static directory prefix of every bound pattern. A
// prefix that does not exist yet is covered by watching its nearest existing
// ancestor inside the project root, so directories created later are picked
// up.
func (r *Router) Start() error {
	var patterns []string
	for _, rt := range r.routes {
		for _, set := range rt.sets {
			patterns = append(patterns, set...)
		}
	}
	var targets []string
	for _, dir := range transform.WatchRoots(patterns) {
		abs := filepath.Join(r.root, filepath.FromSlash(dir))
		target, err := r.nearestExisting(abs)
		if err != nil {
			if errors.Is(err, ErrPathNotExist) {
				log.Warn().Str("path", abs).Msg("Watch root does not exist")
				continue
			}
			return err
		}
		if target != abs {
			log.Debug().Str("path", abs).Str("parent", target).Msg("Watch root missing, watching parent")
		}
		targets = append(targets, target)
	}
	for _, dir := range outermost(targets) {
		if err := r.watcher.WatchRecursive(dir); err != nil {
			if errors.Is(err, ErrPathNotExist) {
				log.Warn().Str("path", dir).Msg("Watch root does not exist")
				continue
			}
			return err
		}
		log.Debug().Str("path", dir).Msg("Watching")
	}
	return nil
}

// nearestExisting returns dir or its closest existing ancestor, never
// leaving the project root.
func (r *Router) nearestExisting(dir string) (string, error) {
	for {
		_, err := os.Stat(dir)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(dir)
		if dir == r.root || parent == dir || !isWithin(r.root, parent) {
			return "", ErrPathNotExist
		}
		dir = parent
	}
}

// outermost drops duplicates and directories nested in another entry.
func outermost(dirs []string) []string {
	sort.Strings(dirs)
	var out []string
next:
	for _, d := range dirs {
		for _, kept := range out {
			if isWithin(kept, d) {
				continue next
			}
		}
		out = append(out, d)
	}
	return out
}

func isWithin(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	return err == nil && filepath.IsLocal(rel)
}

// Dispatch triggers every Binder whose patterns match ev and returns how
// many were triggered.
func (r *Router) Dispatch(ctx context.Context, ev Event) int {
	rel, err := filepath.Rel(r.root, ev.Path)
	if err != nil || !filepath.IsLocal(rel) {
		return 0
	}
	rel = filepath.ToSlash(rel)
	n := 0
	for _, rt := range r.routes {
		if rt.match(rel) {
			log.Debug().Str("task", rt.binder.Name()).Str("path", rel).Stringer("kind", ev.Kind).Msg("Change detected")
			rt.binder.Trigger(ctx)
			n++
		}
	}
	return n
}

// Run dispatches events until ctx is cancelled or the watcher closes.
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-r.watcher.Events():
			if !ok {
				return
			}
			r.Dispatch(ctx, ev)
		case err, ok := <-r.watcher.Errors():
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Watcher error")
		}
	}
}
