package swcache

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func htmlResponder(body string) httpmock.Responder {
	return httpmock.NewStringResponder(http.StatusOK, body).
		HeaderSet(http.Header{"Content-Type": {"text/html; charset=utf-8"}})
}

func TestIsNavigation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mode   string
		accept string
		want   bool
	}{
		{"fetch metadata navigate", "navigate", "", true},
		{"fetch metadata cors html", "cors", "text/html", false},
		{"legacy html accept", "", "text/html,application/xhtml+xml", true},
		{"legacy json accept", "", "application/json", false},
		{"no headers", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.mode != "" {
				r.Header.Set("Sec-Fetch-Mode", tt.mode)
			}
			if tt.accept != "" {
				r.Header.Set("Accept", tt.accept)
			}
			assert.Equal(t, tt.want, isNavigation(r))
		})
	}
}

func TestNavigationStoresLatestShell(t *testing.T) {
	env := newTestEnv(t, nil)
	env.mt.RegisterResponder(http.MethodGet, testOrigin+"/", htmlResponder("<html>home</html>"))
	env.mt.RegisterResponder(http.MethodGet, testOrigin+"/about", htmlResponder("<html>about</html>"))
	env.start(t)
	w := env.svc.Active()

	rec := env.do(navigationRequest("/"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, outcomeNetwork, rec.Header().Get("X-Sw-Cache"))
	assert.Equal(t, "<html>home</html>", rec.Body.String())

	shell, ok := env.entry(t, w.gen.Static, "/index.html")
	require.True(t, ok)
	assert.Equal(t, "<html>home</html>", string(shell.Body))

	env.do(navigationRequest("/about"))
	shell, ok = env.entry(t, w.gen.Static, "/index.html")
	require.True(t, ok)
	assert.Equal(t, "<html>about</html>", string(shell.Body), "last navigation wins")
}

func TestNavigationErrorPageKeepsShell(t *testing.T) {
	env := newTestEnv(t, nil)
	env.mt.RegisterResponder(http.MethodGet, testOrigin+"/", htmlResponder("<html>home</html>"))
	env.mt.RegisterResponder(http.MethodGet, testOrigin+"/missing", httpmock.NewStringResponder(http.StatusNotFound, "<html>404</html>").
		HeaderSet(http.Header{"Content-Type": {"text/html"}}))
	env.mt.RegisterResponder(http.MethodGet, testOrigin+"/data", httpmock.NewStringResponder(http.StatusOK, `{"a":1}`).
		HeaderSet(http.Header{"Content-Type": {"application/json"}}))
	env.start(t)

	env.do(navigationRequest("/"))
	rec := env.do(navigationRequest("/missing"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	env.do(navigationRequest("/data"))

	shell, ok := env.entry(t, env.svc.Active().gen.Static, "/index.html")
	require.True(t, ok)
	assert.Equal(t, "<html>home</html>", string(shell.Body))
}

func TestOfflineNavigationServesShell(t *testing.T) {
	env := newTestEnv(t, nil)
	env.mt.RegisterResponder(http.MethodGet, testOrigin+"/", htmlResponder("<html>home</html>"))
	env.mt.RegisterResponder(http.MethodGet, testOrigin+"/deep/link", httpmock.NewErrorResponder(errors.New("offline")))
	env.start(t)

	env.do(navigationRequest("/"))
	rec := env.do(navigationRequest("/deep/link"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, outcomeFallback, rec.Header().Get("X-Sw-Cache"))
	assert.Equal(t, "<html>home</html>", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
}

func TestOfflineNavigationWithoutShell(t *testing.T) {
	env := newTestEnv(t, nil)
	env.mt.RegisterResponder(http.MethodGet, testOrigin+"/", httpmock.NewErrorResponder(errors.New("offline")))
	env.start(t)

	rec := env.do(navigationRequest("/"))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, outcomeNetworkError, rec.Header().Get("X-Sw-Cache"))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.svc.metrics.fetches.WithLabelValues(routeNavigation, outcomeNetworkError)))
}

func TestStaleWhileRevalidate(t *testing.T) {
	env := newTestEnv(t, nil)
	var version atomic.Value
	version.Store("v1")
	env.mt.RegisterResponder(http.MethodGet, testOrigin+"/app.js", func(*http.Request) (*http.Response, error) {
		return httpmock.NewStringResponse(http.StatusOK, version.Load().(string)), nil
	})
	env.start(t)
	w := env.svc.Active()

	rec := env.do(assetRequest("/app.js"))
	assert.Equal(t, "v1", rec.Body.String())
	assert.Equal(t, outcomeNetwork, rec.Header().Get("X-Sw-Cache"))

	version.Store("v2")

	rec = env.do(assetRequest("/app.js"))
	assert.Equal(t, "v1", rec.Body.String(), "the cached copy is served first")
	assert.Equal(t, outcomeCache, rec.Header().Get("X-Sw-Cache"))

	env.svc.bgWG.Wait()
	ent, ok := env.entry(t, w.gen.Assets, "/app.js")
	require.True(t, ok)
	assert.Equal(t, "v2", string(ent.Body))
	assert.Equal(t, 2, env.calls(http.MethodGet, "/app.js"))

	rec = env.do(assetRequest("/app.js"))
	assert.Equal(t, "v2", rec.Body.String())
	env.svc.bgWG.Wait()
	assert.Equal(t, 3, env.calls(http.MethodGet, "/app.js"))
}

func TestRevalidationFailureKeepsCachedCopy(t *testing.T) {
	env := newTestEnv(t, nil)
	env.mt.RegisterResponder(http.MethodGet, testOrigin+"/app.css", httpmock.NewStringResponder(http.StatusOK, "body{}"))
	env.start(t)
	env.do(assetRequest("/app.css"))

	env.mt.RegisterResponder(http.MethodGet, testOrigin+"/app.css", httpmock.NewErrorResponder(errors.New("offline")))
	rec := env.do(assetRequest("/app.css"))
	env.svc.bgWG.Wait()

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "body{}", rec.Body.String())
	ent, ok := env.entry(t, env.svc.Active().gen.Assets, "/app.css")
	require.True(t, ok)
	assert.Equal(t, "body{}", string(ent.Body))
}

func TestNonOKAssetsAreNotCached(t *testing.T) {
	env := newTestEnv(t, nil)
	env.mt.RegisterResponder(http.MethodGet, testOrigin+"/gone.png", httpmock.NewStringResponder(http.StatusNotFound, "nope"))
	env.start(t)

	for i := 0; i < 2; i++ {
		rec := env.do(assetRequest("/gone.png"))
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, outcomeNetwork, rec.Header().Get("X-Sw-Cache"))
	}
	assert.Equal(t, 2, env.calls(http.MethodGet, "/gone.png"))
	_, ok := env.entry(t, env.svc.Active().gen.Assets, "/gone.png")
	assert.False(t, ok)
}

func TestAssetMissOfflineFallsThrough(t *testing.T) {
	env := newTestEnv(t, nil)
	env.mt.RegisterResponder(http.MethodGet, testOrigin+"/chunk.js", httpmock.NewErrorResponder(errors.New("offline")))
	env.start(t)

	rec := env.do(assetRequest("/chunk.js"))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, outcomeNetworkError, rec.Header().Get("X-Sw-Cache"))
	assert.Equal(t, 2, env.calls(http.MethodGet, "/chunk.js"), "the pass-through retries the network once")
}

func TestCacheWriteFailureIsSwallowed(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Precache = []string{}
	}, WithStorage(newMemStorage(64)))
	body := strings.Repeat("x", 1024)
	env.mt.RegisterResponder(http.MethodGet, testOrigin+"/big.js", httpmock.NewStringResponder(http.StatusOK, body))
	env.start(t)
	w := env.svc.Active()

	rec := env.do(assetRequest("/big.js"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, body, rec.Body.String())
	assert.Equal(t, 1.0, testutil.ToFloat64(env.svc.metrics.cacheWriteErrors.WithLabelValues(w.gen.Assets)))
}

func TestBypassPathsAreNeverCached(t *testing.T) {
	env := newTestEnv(t, nil)
	env.mt.RegisterResponder(http.MethodGet, testOrigin+"/sitemap.xml", httpmock.NewStringResponder(http.StatusOK, "<urlset>fresh</urlset>"))
	env.start(t)
	w := env.svc.Active()

	assets, err := env.storage.Open(w.gen.Assets)
	require.NoError(t, err)
	require.NoError(t, assets.Put(requestKey(http.MethodGet, "/sitemap.xml"), CacheEntry{
		Status: http.StatusOK,
		Body:   []byte("<urlset>stale</urlset>"),
		Type:   ResponseBasic,
	}))

	for i := 0; i < 2; i++ {
		rec := env.do(assetRequest("/sitemap.xml"))
		assert.Equal(t, "<urlset>fresh</urlset>", rec.Body.String())
		assert.Equal(t, outcomeBypass, rec.Header().Get("X-Sw-Cache"))
	}
	assert.Equal(t, 2, env.calls(http.MethodGet, "/sitemap.xml"))
}

func TestNonGETDoesNotTouchCaches(t *testing.T) {
	counting := &countingStorage{Storage: newMemStorage(0)}
	env := newTestEnv(t, nil, WithStorage(counting))
	env.mt.RegisterResponder(http.MethodPost, testOrigin+"/api/items", httpmock.NewStringResponder(http.StatusCreated, `{"id":1}`))
	env.start(t)
	counting.Reset()

	r := httptest.NewRequest(http.MethodPost, "/api/items", strings.NewReader(`{"name":"a"}`))
	r.Header.Set("Content-Type", "application/json")
	rec := env.do(r)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, outcomePassthrough, rec.Header().Get("X-Sw-Cache"))
	assert.Empty(t, counting.Ops())
}

func TestHTMLSubresourcePassesThrough(t *testing.T) {
	env := newTestEnv(t, nil)
	env.mt.RegisterResponder(http.MethodGet, testOrigin+"/partials/nav.html", htmlResponder("<nav></nav>"))
	env.start(t)

	r := httptest.NewRequest(http.MethodGet, "/partials/nav.html", nil)
	r.Header.Set("Sec-Fetch-Mode", "cors")
	r.Header.Set("Accept", "text/html")
	rec := env.do(r)

	assert.Equal(t, outcomePassthrough, rec.Header().Get("X-Sw-Cache"))
	w := env.svc.Active()
	_, ok := env.entry(t, w.gen.Assets, "/partials/nav.html")
	assert.False(t, ok)
	_, ok = env.entry(t, w.gen.Static, "/index.html")
	assert.False(t, ok, "only navigations refresh the shell")
}

func TestCrossOriginIsRefused(t *testing.T) {
	env := newTestEnv(t, nil)
	env.mt.RegisterResponder(http.MethodGet, "http://10.0.0.5/admin", httpmock.NewStringResponder(http.StatusOK, "internal"))
	env.mt.RegisterResponder(http.MethodGet, testOrigin+"/lib.js", httpmock.NewStringResponder(http.StatusOK, "lib"))

	for _, started := range []bool{false, true} {
		if started {
			env.start(t)
		}
		r := navigationRequest("http://10.0.0.5/admin")
		r.Header.Set("Cookie", "session=victim")
		rec := env.do(r)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, outcomeRefused, rec.Header().Get("X-Sw-Cache"))
		assert.NotContains(t, rec.Body.String(), "internal")
		assert.Empty(t, rec.Result().Cookies())
	}
	assert.Zero(t, env.mt.GetCallCountInfo()["GET http://10.0.0.5/admin"])
	assert.Zero(t, env.svc.clients.Count())
	assert.Equal(t, 2.0, testutil.ToFloat64(env.svc.metrics.fetches.WithLabelValues(routeCrossOrigin, outcomeRefused)))

	// Absolute-form requests for the origin itself are still served.
	rec := env.do(assetRequest(testOrigin + "/lib.js"))
	assert.Equal(t, "lib", rec.Body.String())
	assert.Equal(t, outcomeNetwork, rec.Header().Get("X-Sw-Cache"))
}

func TestPrivateResponsesAreNotShared(t *testing.T) {
	env := newTestEnv(t, nil)
	env.mt.RegisterResponder(http.MethodGet, testOrigin+"/dashboard", htmlResponder("<html>Hello userA</html>").
		HeaderAdd(http.Header{"Set-Cookie": {"session=userA; HttpOnly"}, "Cache-Control": {"private, no-store"}}))
	env.mt.RegisterResponder(http.MethodGet, testOrigin+"/me.json", httpmock.NewStringResponder(http.StatusOK, `{"user":"a"}`).
		HeaderSet(http.Header{"Cache-Control": {"private"}}))
	env.mt.RegisterResponder(http.MethodGet, testOrigin+"/", httpmock.NewErrorResponder(errors.New("offline")))
	env.start(t)
	w := env.svc.Active()

	rec := env.do(navigationRequest("/dashboard"))
	assert.Equal(t, "<html>Hello userA</html>", rec.Body.String())
	_, ok := env.entry(t, w.gen.Static, "/index.html")
	assert.False(t, ok, "a per-user page never becomes the shell")

	rec = env.do(navigationRequest("/"))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotContains(t, rec.Header().Values("Set-Cookie"), "session=userA; HttpOnly")

	for i := 0; i < 2; i++ {
		rec = env.do(assetRequest("/me.json"))
		assert.Equal(t, outcomeNetwork, rec.Header().Get("X-Sw-Cache"))
	}
	_, ok = env.entry(t, w.gen.Assets, "/me.json")
	assert.False(t, ok)
}

func TestCacheEntryShared(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		header http.Header
		want   bool
	}{
		{"plain", http.Header{"Content-Type": {"text/css"}}, true},
		{"public max-age", http.Header{"Cache-Control": {"public, max-age=60"}}, true},
		{"no-cache", http.Header{"Cache-Control": {"no-cache"}}, true},
		{"no-store", http.Header{"Cache-Control": {"no-store"}}, false},
		{"private", http.Header{"Cache-Control": {"max-age=0, Private"}}, false},
		{"private field", http.Header{"Cache-Control": {`private="Set-Cookie"`}}, false},
		{"set-cookie", http.Header{"Set-Cookie": {"a=b"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ent := CacheEntry{Status: http.StatusOK, Header: tt.header, Type: ResponseBasic}
			assert.Equal(t, tt.want, ent.shared())
			assert.Equal(t, tt.want, ent.cacheable())
		})
	}
}

func TestUncontrolledBeforeStart(t *testing.T) {
	env := newTestEnv(t, nil)
	env.mt.RegisterResponder(http.MethodGet, testOrigin+"/app.js", httpmock.NewStringResponder(http.StatusOK, "js"))

	rec := env.do(assetRequest("/app.js"))
	assert.Equal(t, "js", rec.Body.String())
	assert.Equal(t, outcomePassthrough, rec.Header().Get("X-Sw-Cache"))

	names, err := env.storage.Names()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestNavigationAssignsClient(t *testing.T) {
	env := newTestEnv(t, nil)
	env.mt.RegisterResponder(http.MethodGet, testOrigin+"/", htmlResponder("<html></html>"))
	env.mt.RegisterResponder(http.MethodGet, testOrigin+"/app.js", httpmock.NewStringResponder(http.StatusOK, "js"))
	env.start(t)

	rec := env.do(navigationRequest("/"))
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "sw_client", cookies[0].Name)

	c, ok := env.svc.clients.Get(cookies[0].Value)
	require.True(t, ok)
	assert.Equal(t, "/", c.URL)
	assert.Equal(t, env.svc.Active().ID(), c.Controller)

	// Sub-resources of the page reuse the client without moving it.
	r := assetRequest("/app.js")
	r.AddCookie(cookies[0])
	rec = env.do(r)
	assert.Empty(t, rec.Result().Cookies())
	c, _ = env.svc.clients.Get(cookies[0].Value)
	assert.Equal(t, "/", c.URL)
	assert.Equal(t, 1, env.svc.clients.Count())
}

func TestEnsureExposedHeader(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cur  []string
		want string
	}{
		{"empty", nil, "X-Sw-Cache"},
		{"appends", []string{"ETag"}, "ETag, X-Sw-Cache"},
		{"already present", []string{"etag, x-sw-cache"}, "etag, x-sw-cache"},
		{"multiple values", []string{"ETag", "Link"}, "ETag,Link, X-Sw-Cache"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			for _, v := range tt.cur {
				h.Add("Access-Control-Expose-Headers", v)
			}
			ensureExposedHeader(h, "X-Sw-Cache")
			assert.Equal(t, tt.want, h.Get("Access-Control-Expose-Headers"))
		})
	}
}
