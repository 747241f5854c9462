// Package httpd provides an HTTP handler whose routes can be installed and
// removed at runtime. chi builds immutable trees, so every change rebuilds
// a fresh chi.Mux and swaps it in atomically.
package httpd

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
)

// Filter decides per request whether a route applies. A nil filter always
// applies.
type Filter func(r *http.Request) bool

type route struct {
	id      uint64
	method  string
	pattern string
	handler http.Handler
	filter  Filter
}

type notFoundEntry struct {
	id      uint64
	handler http.Handler
}

type routeKey struct {
	method  string
	pattern string
}

// Router is a dynamic route table served through chi.
type Router struct {
	mu          sync.Mutex
	middlewares []func(http.Handler) http.Handler
	routes      []*route
	notFound    []notFoundEntry
	nextID      uint64
	mux         atomic.Pointer[chi.Mux]
}

// New creates a Router; middlewares wrap every route, including the
// not-found handler.
func New(middlewares ...func(http.Handler) http.Handler) *Router {
	r := &Router{middlewares: middlewares}
	r.mu.Lock()
	r.rebuildLocked()
	r.mu.Unlock()
	return r
}

// ServeHTTP dispatches to the current route tree.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.mux.Load().ServeHTTP(w, r)
}

// Handle installs h for method and pattern. An empty method matches any
// method. When several routes share a method and pattern, the most recently
// installed one whose filter accepts the request wins; if none accepts, the
// request falls through to the not-found handler. The returned function
// removes the route and is safe to call more than once.
func (rt *Router) Handle(method, pattern string, h http.Handler, filter Filter) (remove func()) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.nextID++
	id := rt.nextID
	rt.routes = append(rt.routes, &route{id: id, method: method, pattern: pattern, handler: h, filter: filter})
	rt.rebuildLocked()

	var once sync.Once
	return func() {
		once.Do(func() {
			rt.mu.Lock()
			defer rt.mu.Unlock()
			for i, r := range rt.routes {
				if r.id == id {
					rt.routes = append(rt.routes[:i], rt.routes[i+1:]...)
					break
				}
			}
			rt.rebuildLocked()
		})
	}
}

// HandleFunc is Handle for plain functions.
func (rt *Router) HandleFunc(method, pattern string, h http.HandlerFunc, filter Filter) (remove func()) {
	return rt.Handle(method, pattern, h, filter)
}

// SetNotFound overrides the not-found handler until the returned restore
// function is called. Overrides stack; restore is idempotent.
func (rt *Router) SetNotFound(h http.Handler) (restore func()) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.nextID++
	id := rt.nextID
	rt.notFound = append(rt.notFound, notFoundEntry{id: id, handler: h})
	rt.rebuildLocked()

	var once sync.Once
	return func() {
		once.Do(func() {
			rt.mu.Lock()
			defer rt.mu.Unlock()
			for i := len(rt.notFound) - 1; i >= 0; i-- {
				if rt.notFound[i].id == id {
					rt.notFound = append(rt.notFound[:i], rt.notFound[i+1:]...)
					break
				}
			}
			rt.rebuildLocked()
		})
	}
}

// RouteCount returns the number of installed routes.
func (rt *Router) RouteCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.routes)
}

func (rt *Router) rebuildLocked() {
	mux := chi.NewRouter()
	for _, mw := range rt.middlewares {
		mux.Use(mw)
	}

	notFound := http.Handler(http.HandlerFunc(http.NotFound))
	if n := len(rt.notFound); n > 0 {
		notFound = rt.notFound[n-1].handler
	}
	mux.NotFound(notFound.ServeHTTP)

	groups := make(map[routeKey][]*route)
	var order []routeKey
	for _, r := range rt.routes {
		key := routeKey{method: r.method, pattern: r.pattern}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], r)
	}

	for _, key := range order {
		h := dispatch(groups[key], notFound)
		if key.method == "" {
			mux.Handle(key.pattern, h)
		} else {
			mux.Method(key.method, key.pattern, h)
		}
	}

	rt.mux.Store(mux)
}

func dispatch(routes []*route, fallback http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := len(routes) - 1; i >= 0; i-- {
			if routes[i].filter == nil || routes[i].filter(r) {
				routes[i].handler.ServeHTTP(w, r)
				return
			}
		}
		fallback.ServeHTTP(w, r)
	})
}
