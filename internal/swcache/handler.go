package swcache

import (
	"net/http"
	"strings"
	"time"
)

// ServeHTTP is the fetch event: every request that is not addressed to the
// control surface lands here.
func (s *Service) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	start := time.Now()
	w := s.active.Load()

	var res fetchResult
	switch {
	case !s.net.isSameOrigin(r):
		// Absolute-form requests for other hosts: this is not a forward proxy.
		res = fetchResult{route: routeCrossOrigin, outcome: outcomeRefused}
	case w == nil:
		s.identifyClient(rw, r, w)
		res = s.uncontrolled(r)
	default:
		s.identifyClient(rw, r, w)
		res = w.respond(r.Context(), r)
	}

	switch res.outcome {
	case outcomeRefused:
		setCacheHeaders(rw.Header(), outcomeRefused)
		http.Error(rw, "cross-origin requests are not proxied", http.StatusForbidden)
	case outcomeNetworkError:
		setCacheHeaders(rw.Header(), outcomeNetworkError)
		http.Error(rw, "network error", http.StatusBadGateway)
	default:
		writeEntry(rw, res.ent, res.outcome)
	}

	s.metrics.fetches.WithLabelValues(res.route, res.outcome).Inc()
	s.metrics.fetchDuration.WithLabelValues(res.route).Observe(time.Since(start).Seconds())
	if s.stats != nil {
		s.stats.Observe(res.outcome, len(res.ent.Body))
	}
}

// uncontrolled handles requests that arrive before any worker is active.
func (s *Service) uncontrolled(r *http.Request) fetchResult {
	ent, err := s.net.fetch(r.Context(), r, nil)
	if err != nil {
		return fetchResult{route: routePassthrough, outcome: outcomeNetworkError}
	}
	return fetchResult{route: routePassthrough, outcome: outcomePassthrough, ent: ent}
}

// identifyClient records the page behind r. Navigations without a client
// cookie start a new client.
func (s *Service) identifyClient(rw http.ResponseWriter, r *http.Request, w *Worker) {
	controller := ""
	if w != nil {
		controller = w.id
	}
	nav := r.Method == http.MethodGet && isNavigation(r)
	name := s.clientCookie

	if c, err := r.Cookie(name); err == nil && c.Value != "" {
		s.clients.Touch(c.Value, r.URL.RequestURI(), nav, controller)
		return
	}
	if !nav {
		return
	}
	id := newClientID()
	http.SetCookie(rw, &http.Cookie{
		Name:     name,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	s.clients.Touch(id, r.URL.RequestURI(), true, controller)
}

func writeEntry(w http.ResponseWriter, ent CacheEntry, outcome string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, "X-Sw-Cache") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setCacheHeaders(w.Header(), outcome)
	status := ent.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(ent.Body)
}

func setCacheHeaders(h http.Header, outcome string) {
	if outcome != "" {
		h.Set("X-Sw-Cache", outcome)
	}
	// Custom headers are only readable from cross-origin JS when exposed.
	ensureExposedHeader(h, "X-Sw-Cache")
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}

	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}
