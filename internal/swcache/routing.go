package swcache

import (
	"context"
	"log"
	"net/http"
	"strings"
)

const (
	routeNonGET      = "non-get"
	routeBypass      = "bypass"
	routeNavigation  = "navigation"
	routeAsset       = "asset"
	routePassthrough = "passthrough"
	routeCrossOrigin = "cross-origin"
)

// fetchResult is the answer to one intercepted request. A zero ent with
// outcomeNetworkError means no response could be produced.
type fetchResult struct {
	route   string
	outcome string
	ent     CacheEntry
}

// isNavigation reports whether r is a full-document load. Fetch metadata is
// authoritative when present; older clients are classified by Accept.
func isNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return acceptsHTML(r)
}

func acceptsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// respond routes an intercepted request. The first matching rule wins.
func (w *Worker) respond(ctx context.Context, r *http.Request) fetchResult {
	if r.Method != http.MethodGet {
		return w.passthrough(ctx, r, routeNonGET)
	}
	if w.cfg.isBypass(r.URL.Path) {
		res := w.passthrough(ctx, r, routeBypass)
		if res.outcome == outcomePassthrough {
			res.outcome = outcomeBypass
		}
		return res
	}
	if isNavigation(r) {
		return w.navigate(ctx, r)
	}
	if w.svc.net.isSameOrigin(r) && !acceptsHTML(r) {
		return w.staleWhileRevalidate(ctx, r)
	}
	return w.passthrough(ctx, r, routePassthrough)
}

func (w *Worker) passthrough(ctx context.Context, r *http.Request, route string) fetchResult {
	ent, err := w.svc.net.fetch(ctx, r, nil)
	if err != nil {
		log.Printf("fetch: %s %s: %v", r.Method, r.URL.RequestURI(), err)
		return fetchResult{route: route, outcome: outcomeNetworkError}
	}
	return fetchResult{route: route, outcome: outcomePassthrough, ent: ent}
}

// navigate is network-first. A successful HTML response replaces the shell
// snapshot; when the network is unreachable the last snapshot is served.
func (w *Worker) navigate(ctx context.Context, r *http.Request) fetchResult {
	var extra http.Header
	if w.preload.Load() {
		extra = http.Header{"Service-Worker-Navigation-Preload": []string{"true"}}
	}
	ent, err := w.svc.net.fetch(ctx, r, extra)
	if err != nil {
		if shell, ok := w.Shell(); ok {
			log.Printf("fetch: navigation %s offline, serving shell: %v", r.URL.RequestURI(), err)
			return fetchResult{route: routeNavigation, outcome: outcomeFallback, ent: shell}
		}
		log.Printf("fetch: navigation %s offline, no shell: %v", r.URL.RequestURI(), err)
		return fetchResult{route: routeNavigation, outcome: outcomeNetworkError}
	}
	if isShellCandidate(ent) {
		w.storeShell(ent)
	}
	return fetchResult{route: routeNavigation, outcome: outcomeNetwork, ent: ent}
}

func isShellCandidate(ent CacheEntry) bool {
	if ent.Status != http.StatusOK || !ent.shared() {
		return false
	}
	ct := ent.Header.Get("Content-Type")
	return ct == "" || strings.Contains(ct, "text/html")
}

// storeShell overwrites the shell slot with the latest navigation response.
// Identical content is not rewritten.
func (w *Worker) storeShell(ent CacheEntry) {
	if cur, ok := w.Shell(); ok && cur.Hash32 == ent.Hash32 && cur.Status == ent.Status {
		return
	}
	w.store(w.gen.Static, w.shellKey(), ent)
}

// staleWhileRevalidate serves the cached asset when present and refreshes it
// in the background; on a miss it waits for the network.
func (w *Worker) staleWhileRevalidate(ctx context.Context, r *http.Request) fetchResult {
	key := requestKeyOf(r)
	if cached, ok := w.match(w.gen.Assets, key); ok {
		w.revalidateAsync(r, key)
		return fetchResult{route: routeAsset, outcome: outcomeCache, ent: cached}
	}

	ent, err := w.svc.net.fetch(ctx, r, nil)
	if err != nil {
		// Neither cache nor network answered: let the request through.
		return w.passthrough(ctx, r, routeAsset)
	}
	if ent.cacheable() {
		w.store(w.gen.Assets, key, ent)
	}
	return fetchResult{route: routeAsset, outcome: outcomeNetwork, ent: ent}
}

// revalidateAsync refreshes key from the network without holding up the
// caller. Concurrent refreshes of the same key share one fetch, and the
// background pool is bounded: when it is full the refresh is skipped.
func (w *Worker) revalidateAsync(r *http.Request, key string) {
	s := w.svc
	select {
	case s.bgSem <- struct{}{}:
	default:
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), w.cfg.Server.timeoutDur)
	req := r.Clone(ctx)

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		defer func() { <-s.bgSem }()
		defer cancel()

		_, _, _ = w.revalidate.Do(key, func() (any, error) {
			ent, err := s.net.fetch(ctx, req, nil)
			if err != nil {
				return nil, err
			}
			if ent.cacheable() {
				w.store(w.gen.Assets, key, ent)
			}
			return nil, nil
		})
	}()
}
