package swcache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Worker is one deployed generation of the cache controller. Its config is
// fixed at construction; only its lifecycle state changes.
type Worker struct {
	id  string
	cfg Config
	gen Generation
	svc *Service

	state   atomic.Int32
	preload atomic.Bool

	cancelMu      sync.Mutex
	cancelInstall context.CancelFunc

	revalidate singleflight.Group
}

func newWorker(svc *Service, cfg Config) *Worker {
	w := &Worker{
		id:  uuid.NewString(),
		cfg: cfg,
		gen: cfg.Generation(),
		svc: svc,
	}
	w.state.Store(int32(StateRegistering))
	return w
}

func (w *Worker) ID() string             { return w.id }
func (w *Worker) Version() string        { return w.cfg.Caches.Version }
func (w *Worker) Generation() Generation { return w.gen }
func (w *Worker) State() State           { return State(w.state.Load()) }

// NavigationPreload reports whether navigation preload is enabled.
func (w *Worker) NavigationPreload() bool { return w.preload.Load() }

// setState moves the worker forward. Redundant is terminal.
func (w *Worker) setState(s State) {
	for {
		cur := w.state.Load()
		if State(cur) == StateRedundant || State(cur) == s {
			return
		}
		if w.state.CompareAndSwap(cur, int32(s)) {
			break
		}
	}
	w.svc.metrics.transitions.WithLabelValues(s.String()).Inc()
	log.Printf("worker: id=%s version=%s state=%s", w.id, w.Version(), s)
}

// supersede makes the worker redundant and aborts a running install.
func (w *Worker) supersede() {
	w.cancelMu.Lock()
	if w.cancelInstall != nil {
		w.cancelInstall()
	}
	w.cancelMu.Unlock()
	w.setState(StateRedundant)
}

// install fetches the whole precache set and stores it in one atomic batch.
// Nothing is written unless every fetch succeeded with status 200.
func (w *Worker) install(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.cancelMu.Lock()
	w.cancelInstall = cancel
	w.cancelMu.Unlock()

	w.setState(StateInstalling)

	paths := w.cfg.Precache
	fetched := make([]CacheEntry, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, p := range paths {
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, p, nil)
			if err != nil {
				return fmt.Errorf("precache %s: %w", p, err)
			}
			ent, err := w.svc.net.fetch(gctx, req, nil)
			if err != nil {
				return fmt.Errorf("precache %s: %w", p, err)
			}
			if ent.Status != http.StatusOK {
				return fmt.Errorf("precache %s: status %d: %w", p, ent.Status, errUnexpectedStatus)
			}
			fetched[i] = ent
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	static, err := w.svc.storage.Open(w.gen.Static)
	if err != nil {
		return fmt.Errorf("open %s: %w", w.gen.Static, err)
	}
	batch := make(map[string]CacheEntry, len(paths))
	for i, p := range paths {
		batch[requestKey(http.MethodGet, p)] = fetched[i]
	}
	if err := static.PutAll(batch); err != nil {
		return fmt.Errorf("store precache: %w", err)
	}
	log.Printf("worker: id=%s precached=%d partition=%s", w.id, len(paths), w.gen.Static)
	return nil
}

// purgeStale deletes every partition that does not belong to this worker's
// generation.
func (w *Worker) purgeStale() {
	names, err := w.svc.storage.Names()
	if err != nil {
		log.Printf("worker: list partitions: %v", err)
		return
	}
	for _, name := range names {
		if w.gen.Contains(name) {
			continue
		}
		if _, err := w.svc.storage.Delete(name); err != nil {
			log.Printf("worker: delete partition %s: %v", name, err)
			continue
		}
		w.svc.metrics.partitionsPurged.Inc()
		log.Printf("worker: deleted stale partition %s", name)
	}
}

// store writes a runtime cache entry. Failures are logged and dropped; they
// never reach the request that produced the entry.
func (w *Worker) store(partition, key string, ent CacheEntry) {
	w.svc.purgeMu.RLock()
	defer w.svc.purgeMu.RUnlock()
	if w.State() == StateRedundant {
		return
	}
	p, err := w.svc.storage.Open(partition)
	if err == nil {
		err = p.Put(key, ent)
	}
	if err != nil {
		w.svc.metrics.cacheWriteErrors.WithLabelValues(partition).Inc()
		w.svc.writeErrLog.Printf("cache: write %s %q: %v", partition, key, err)
	}
}

func (w *Worker) match(partition, key string) (CacheEntry, bool) {
	p, err := w.svc.storage.Lookup(partition)
	if errors.Is(err, ErrPartitionNotFound) {
		return CacheEntry{}, false
	}
	if err != nil {
		log.Printf("cache: lookup %s: %v", partition, err)
		return CacheEntry{}, false
	}
	ent, ok, err := p.Match(key)
	if err != nil {
		log.Printf("cache: match %s %q: %v", partition, key, err)
		return CacheEntry{}, false
	}
	return ent, ok
}

func (w *Worker) shellKey() string {
	return requestKey(http.MethodGet, w.cfg.Shell)
}

// Shell returns the stored offline fallback document, if any.
func (w *Worker) Shell() (CacheEntry, bool) {
	return w.match(w.gen.Static, w.shellKey())
}
