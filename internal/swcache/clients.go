package swcache

import (
	"log"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

// Client is a page controlled (or about to be controlled) by a worker.
type Client struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Controller string    `json:"controller,omitempty"`
	Focused    bool      `json:"focused"`
	LastSeen   time.Time `json:"lastSeen"`
}

// ClickResult describes how a notification click was routed.
type ClickResult struct {
	Action   string `json:"action"` // "focus" | "open"
	ClientID string `json:"clientId"`
	URL      string `json:"url"`
}

// clientRegistry tracks client pages by id. Entries expire after the idle
// timeout, which is how closed tabs disappear.
type clientRegistry struct {
	mu    sync.Mutex
	items *cache.Cache
}

func newClientRegistry(idle time.Duration) *clientRegistry {
	// Expired clients are swept by the service loop, not by a go-cache janitor.
	c := cache.New(idle, 0)
	c.OnEvicted(func(id string, _ any) {
		log.Printf("clients: client gone id=%s", id)
	})
	return &clientRegistry{items: c}
}

func newClientID() string { return uuid.NewString() }

// Touch records activity for a client, creating it when unknown. Navigations
// update the client's URL; sub-resource requests only refresh its lifetime.
func (r *clientRegistry) Touch(id, rawURL string, navigation bool, controller string) Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.get(id)
	if !ok {
		c = Client{ID: id, URL: rawURL, Controller: controller}
	}
	if navigation {
		c.URL = rawURL
		if controller != "" {
			c.Controller = controller
		}
	}
	c.LastSeen = time.Now()
	r.items.Set(id, c, cache.DefaultExpiration)
	return c
}

func (r *clientRegistry) get(id string) (Client, bool) {
	v, ok := r.items.Get(id)
	if !ok {
		return Client{}, false
	}
	return v.(Client), true
}

func (r *clientRegistry) Get(id string) (Client, bool) {
	return r.get(id)
}

func (r *clientRegistry) Count() int {
	return len(r.items.Items())
}

// All returns live clients, most recently seen first.
func (r *clientRegistry) All() []Client {
	items := r.items.Items()
	out := make([]Client, 0, len(items))
	for _, it := range items {
		out = append(out, it.Object.(Client))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

// Claim makes workerID the controller of every live client.
func (r *clientRegistry) Claim(workerID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, it := range r.items.Items() {
		c := it.Object.(Client)
		c.Controller = workerID
		r.items.Set(id, c, cache.DefaultExpiration)
		n++
	}
	return n
}

// Sweep drops idle clients and returns how many remain.
func (r *clientRegistry) Sweep() int {
	r.items.DeleteExpired()
	return r.Count()
}

// FocusOrOpen focuses the most recent client showing target, or opens a new
// client there.
func (r *clientRegistry) FocusOrOpen(target, controller string) ClickResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := pathOf(target)
	var match *Client
	all := r.All()
	for i := range all {
		if pathOf(all[i].URL) == want {
			match = &all[i]
			break
		}
	}
	for _, c := range all {
		focused := match != nil && c.ID == match.ID
		if c.Focused != focused {
			c.Focused = focused
			r.items.Set(c.ID, c, cache.DefaultExpiration)
		}
	}
	if match != nil {
		return ClickResult{Action: "focus", ClientID: match.ID, URL: match.URL}
	}

	c := Client{
		ID:         newClientID(),
		URL:        target,
		Controller: controller,
		Focused:    true,
		LastSeen:   time.Now(),
	}
	r.items.Set(c.ID, c, cache.DefaultExpiration)
	return ClickResult{Action: "open", ClientID: c.ID, URL: c.URL}
}

func pathOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}
