// Package router maps (method, path) pairs to handler stacks.
//
// Static paths live in a flat map keyed by method and normalized path and
// are probed first. Everything else goes into a segment trie supporting
// named params (:name), optional params (:name?), regex constrained params
// (:name(pattern)), several params in one segment (:hour(\d{2})h:min(\d{2})m)
// and trailing wildcards (*).
//
// A Router is built once and then only read: Add and All must not race with
// Find.
package router

import (
	"errors"
	"fmt"
	"strings"
)

// MethodAll registers a route for every method.
const MethodAll = "*"

var (
	ErrInvalidPath    = errors.New("router: invalid path")
	ErrDuplicateRoute = errors.New("router: duplicate route")
)

// Config tunes matching. The zero value matches the defaults: trailing
// slashes and duplicate slashes are ignored, matching is case sensitive and
// params are limited to 100 bytes.
type Config struct {
	StrictTrailingSlash  bool
	KeepDuplicateSlashes bool
	CaseInsensitive      bool
	// MaxParamLength bounds a single param value; 0 means 100, negative
	// means unlimited.
	MaxParamLength       int
	DisableStaticMapping bool
}

// Result is a successful lookup.
type Result[S any] struct {
	Params map[string]string
	Route  string
	Stack  S
}

// Router is a static map in front of a segment trie. S is the stack type
// stored with each route.
type Router[S any] struct {
	cfg      Config
	statics  map[string]*Result[S] // method + normalized path
	root     *node[S]
	patterns map[string]map[string]struct{} // normalized pattern -> methods
}

// New creates a router. A missing config means defaults.
func New[S any](cfg ...Config) *Router[S] {
	r := &Router[S]{
		statics:  make(map[string]*Result[S], 64),
		root:     &node[S]{},
		patterns: make(map[string]map[string]struct{}),
	}
	if len(cfg) > 0 {
		r.cfg = cfg[0]
	}
	if r.cfg.MaxParamLength == 0 {
		r.cfg.MaxParamLength = 100
	}
	return r
}

// Config returns the effective configuration.
func (r *Router[S]) Config() Config {
	return r.cfg
}

// IgnoreTrailingSlash reports whether "/a" and "/a/" are the same path.
func (r *Router[S]) IgnoreTrailingSlash() bool {
	return !r.cfg.StrictTrailingSlash
}

// normalize is applied to registered patterns and looked up paths alike,
// before both the static probe and the trie walk.
func (r *Router[S]) normalize(path string) string {
	if !r.cfg.KeepDuplicateSlashes {
		path = collapseSlashes(path)
	}
	return NormalizePath(path, !r.cfg.StrictTrailingSlash)
}

func (r *Router[S]) staticKey(method, path string) string {
	if r.cfg.CaseInsensitive {
		path = strings.ToLower(path)
	}
	return method + path
}

// Add registers stack for method and path. It panics on a malformed path or
// a duplicate (method, path) pair; use Has to check first.
func (r *Router[S]) Add(method, path string, stack S) {
	if err := r.add(method, path, stack); err != nil {
		panic(err)
	}
}

// All registers stack for every method.
func (r *Router[S]) All(path string, stack S) {
	r.Add(MethodAll, path, stack)
}

func (r *Router[S]) add(method, path string, stack S) error {
	normalized := r.normalize(path)
	if methods := r.patterns[normalized]; methods != nil {
		if _, ok := methods[method]; ok {
			return fmt.Errorf("%w: %s %s", ErrDuplicateRoute, method, path)
		}
	}

	if !r.cfg.DisableStaticMapping && IsStaticPath(normalized) {
		r.statics[r.staticKey(method, normalized)] = &Result[S]{
			Params: map[string]string{},
			Route:  path,
			Stack:  stack,
		}
	} else {
		l := &leaf[S]{route: path, stack: stack}
		if err := r.root.insert(method, splitSegments(normalized), l, r.cfg.CaseInsensitive); err != nil {
			return err
		}
	}

	if r.patterns[normalized] == nil {
		r.patterns[normalized] = make(map[string]struct{}, 1)
	}
	r.patterns[normalized][method] = struct{}{}
	return nil
}

// Has reports whether a route with this exact pattern is registered for
// method, or for every method. Has with MethodAll matches any method.
func (r *Router[S]) Has(method, path string) bool {
	methods := r.patterns[r.normalize(path)]
	if len(methods) == 0 {
		return false
	}
	if method == MethodAll {
		return true
	}
	_, exact := methods[method]
	_, all := methods[MethodAll]
	return exact || all
}

// Find looks up the route for method and path. It returns nil when nothing
// matches. Static hits return the registered result itself; its Params map
// is empty and must not be written to.
func (r *Router[S]) Find(method, path string) *Result[S] {
	path = r.normalize(path)
	if res := r.find(method, path); res != nil {
		return res
	}
	if method != MethodAll {
		return r.find(MethodAll, path)
	}
	return nil
}

func (r *Router[S]) find(method, path string) *Result[S] {
	if res, ok := r.statics[r.staticKey(method, path)]; ok {
		return res
	}

	var segs []string
	if path != "/" {
		segs = strings.Split(path[1:], "/")
	}
	m := &matcher{
		method:          method,
		segs:            segs,
		maxParamLength:  r.cfg.MaxParamLength,
		caseInsensitive: r.cfg.CaseInsensitive,
	}
	var ps paramList
	l := r.root.getValue(m, 0, &ps)
	if l == nil {
		return nil
	}
	return &Result[S]{Params: ps.toMap(), Route: l.route, Stack: l.stack}
}
