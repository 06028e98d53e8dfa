package devserver

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const maxIncludeDepth = 8

var includeRe = regexp.MustCompile(`<!--#include\s+(virtual|file)\s*=\s*"([^"]*)"\s*-->`)

type fragment struct {
	modTime time.Time
	size    int64
	data    []byte
}

// Includer expands server side include directives against a document root.
// Fragments are cached by absolute path and revalidated by modification
// time on every use.
type Includer struct {
	root  string
	cache *lru.Cache[string, fragment]
}

// NewIncluder creates an Includer caching up to size fragments.
func NewIncluder(root string, size int) (*Includer, error) {
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[string, fragment](size)
	if err != nil {
		return nil, fmt.Errorf("create fragment cache: %w", err)
	}
	return &Includer{root: root, cache: cache}, nil
}

// Expand replaces include directives in doc, which lives at urlPath (slash
// separated, rooted at the document root).
func (in *Includer) Expand(doc []byte, urlPath string) []byte {
	return in.expand(doc, urlPath, []string{path.Clean("/" + urlPath)})
}

func (in *Includer) expand(doc []byte, urlPath string, stack []string) []byte {
	return includeRe.ReplaceAllFunc(doc, func(directive []byte) []byte {
		m := includeRe.FindSubmatch(directive)
		kind, target := string(m[1]), string(m[2])

		ref := target
		if kind == "file" || !strings.HasPrefix(target, "/") {
			ref = path.Join(path.Dir(urlPath), target)
		}
		ref = path.Clean("/" + ref)

		if len(stack) > maxIncludeDepth {
			return errorComment("include depth exceeded", target)
		}
		for _, s := range stack {
			if s == ref {
				return errorComment("include cycle", target)
			}
		}
		data, err := in.load(ref)
		if err != nil {
			return errorComment(err.Error(), target)
		}
		return in.expand(data, ref, append(stack, ref))
	})
}

func (in *Includer) load(ref string) ([]byte, error) {
	rel := filepath.FromSlash(strings.TrimPrefix(ref, "/"))
	if !filepath.IsLocal(rel) {
		return nil, fmt.Errorf("include outside document root")
	}
	abs := filepath.Join(in.root, rel)
	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		return nil, fmt.Errorf("include not found")
	}
	if f, ok := in.cache.Get(abs); ok && f.modTime.Equal(info.ModTime()) && f.size == info.Size() {
		return f.data, nil
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("include not readable")
	}
	in.cache.Add(abs, fragment{modTime: info.ModTime(), size: info.Size(), data: data})
	return data, nil
}

// Cached returns the number of cached fragments.
func (in *Includer) Cached() int { return in.cache.Len() }

func errorComment(msg, target string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "<!-- kiln: %s: %s -->", msg, strings.ReplaceAll(target, "--", ""))
	return b.Bytes()
}
