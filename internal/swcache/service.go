package swcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Service is the registration: it owns the shared storage and the network,
// runs worker lifecycles and dispatches every intercepted request to the
// active worker.
type Service struct {
	cfg Config

	net      *network
	storage  Storage
	clients  *clientRegistry
	notifier Notifier
	push     *mqttPushSource

	// clientCookie is fixed for the life of the process.
	clientCookie string

	metrics     *metrics
	stats       *statsCollector
	writeErrLog *rateLimitedLogger

	bgSem chan struct{}
	bgWG  sync.WaitGroup // background revalidations

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu         sync.Mutex   // guards installing and waiting; serialises activation
	purgeMu    sync.RWMutex // write-held while stale partitions are purged
	installing *Worker
	waiting    *Worker
	active     atomic.Pointer[Worker]
}

type Option func(*Service)

func WithHTTPClient(c *http.Client) Option { return func(s *Service) { s.net.client = c } }

func WithStorage(st Storage) Option { return func(s *Service) { s.storage = st } }

// WithNotifier replaces the configured notifier; nil disables notifications.
func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

func NewService(cfg Config, opts ...Option) (*Service, error) {
	if cfg.Server.originURL == nil {
		if err := cfg.compile(); err != nil {
			return nil, err
		}
	}

	s := &Service{
		cfg: cfg,
		net: &network{
			client: &http.Client{Timeout: cfg.Server.timeoutDur},
			origin: cfg.Server.originURL,
		},
		clients:      newClientRegistry(cfg.Clients.idleDur),
		clientCookie: cfg.Clients.Cookie,
		writeErrLog:  newRateLimitedLogger(1 * time.Minute),
		bgSem:        make(chan struct{}, 32),
		stopCh:       make(chan struct{}),
	}
	s.metrics = newMetrics(func() float64 { return float64(s.clients.Count()) })

	notifier, err := newNotifier(cfg.Notify)
	if err != nil {
		return nil, err
	}
	s.notifier = notifier

	for _, opt := range opts {
		opt(s)
	}

	if s.storage == nil {
		st, err := OpenStorage(cfg.Storage)
		if err != nil {
			return nil, err
		}
		s.storage = st
	}

	if cfg.Logging.logStatsEveryDur > 0 {
		s.stats = newStatsCollector()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.Logging.logStatsEveryDur)
		}()
	}

	if cfg.Clients.idleDur > 0 {
		sweepEvery := cfg.Clients.idleDur / 4
		if sweepEvery > time.Minute {
			sweepEvery = time.Minute
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.sweepLoop(sweepEvery)
		}()
	}

	return s, nil
}

// Start performs the first registration and connects the push source. An
// install failure is returned but leaves the service usable: requests pass
// through until a later registration succeeds.
func (s *Service) Start(ctx context.Context) error {
	if s.cfg.Push.MQTT.Broker != "" {
		src, err := newMQTTPushSource(s.cfg.Push.MQTT, s)
		if err != nil {
			log.Printf("push: mqtt disabled: %v", err)
		} else {
			s.push = src
		}
	}
	_, err := s.Register(ctx, s.cfg)
	return err
}

func (s *Service) Close() {
	close(s.stopCh)
	if s.push != nil {
		s.push.Close()
	}
	s.wg.Wait()
	s.bgWG.Wait()
	if err := s.storage.Close(); err != nil {
		log.Printf("storage close: %v", err)
	}
}

// Config returns the config of the most recent registration.
func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Active returns the controlling worker, or nil before the first activation.
func (s *Service) Active() *Worker { return s.active.Load() }

// Register installs a new worker generation built from cfg. A worker that is
// still installing or waiting is superseded. With skipWaiting (or when nothing
// is controlled yet) the new worker is activated right away.
func (s *Service) Register(ctx context.Context, cfg Config) (*Worker, error) {
	w := newWorker(s, cfg)

	s.mu.Lock()
	s.cfg = cfg
	if s.installing != nil {
		s.installing.supersede()
	}
	if s.waiting != nil {
		s.waiting.supersede()
		s.waiting = nil
	}
	s.installing = w
	s.mu.Unlock()

	err := w.install(ctx)

	s.mu.Lock()
	if s.installing == w {
		s.installing = nil
	}
	if err != nil {
		s.mu.Unlock()
		w.setState(StateRedundant)
		return w, fmt.Errorf("%w: version %s: %w", ErrInstallFailed, w.Version(), err)
	}
	if w.State() == StateRedundant {
		s.mu.Unlock()
		return w, ErrRedundant
	}
	w.setState(StateInstalled)
	s.waiting = w
	now := cfg.skipWaiting() || s.active.Load() == nil || s.clients.Count() == 0
	s.mu.Unlock()

	if !now {
		log.Printf("worker: id=%s waiting for %d clients to close", w.id, s.clients.Count())
		return w, nil
	}
	if err := s.activateWaiting(); err != nil && !errors.Is(err, ErrNoWaitingWorker) {
		return w, err
	}
	return w, nil
}

// SkipWaiting activates the waiting worker immediately.
func (s *Service) SkipWaiting() error {
	return s.activateWaiting()
}

func (s *Service) activateWaiting() error {
	s.mu.Lock()
	w := s.waiting
	if w == nil {
		s.mu.Unlock()
		return ErrNoWaitingWorker
	}
	s.waiting = nil

	w.setState(StateActivating)
	s.purgeMu.Lock()
	w.purgeStale()
	if prev := s.active.Load(); prev != nil && prev != w {
		prev.setState(StateRedundant)
	}
	s.purgeMu.Unlock()
	if w.cfg.navigationPreload() {
		w.preload.Store(true)
	}
	s.active.Store(w)
	w.setState(StateActivated)
	s.mu.Unlock()

	n := s.clients.Claim(w.id)
	log.Printf("worker: id=%s claimed clients=%d preload=%t", w.id, n, w.preload.Load())
	return nil
}

// Message types understood by HandleMessage.
const MessageSkipWaiting = "SKIP_WAITING"

type Message struct {
	Type string `json:"type"`
}

func (s *Service) HandleMessage(m Message) error {
	switch strings.ToUpper(strings.TrimSpace(m.Type)) {
	case MessageSkipWaiting:
		return s.SkipWaiting()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, m.Type)
	}
}

// HandlePush renders a push message as a notification through the active
// worker. Without a notifier the push is dropped.
func (s *Service) HandlePush(ctx context.Context, raw []byte) (Notification, error) {
	if s.active.Load() == nil {
		return Notification{}, ErrNoActiveWorker
	}
	n := parsePush(raw)
	if s.notifier == nil {
		log.Printf("push: notifications unsupported, dropping title=%q", n.Title)
		return n, nil
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		return n, fmt.Errorf("notify: %w", err)
	}
	return n, nil
}

// HandleNotificationClick focuses a client showing the notification's target
// or opens a new one there.
func (s *Service) HandleNotificationClick(raw []byte) (ClickResult, error) {
	var p PushPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return ClickResult{}, fmt.Errorf("decode notification click: %w", err)
		}
	}
	target := p.Data.URL
	if target == "" {
		target = "/"
	}
	controller := ""
	if w := s.active.Load(); w != nil {
		controller = w.id
	}
	return s.clients.FocusOrOpen(target, controller), nil
}

// WorkerInfo is the externally visible state of a worker.
type WorkerInfo struct {
	ID                string     `json:"id"`
	Version           string     `json:"version"`
	State             State      `json:"state"`
	Generation        Generation `json:"generation"`
	NavigationPreload bool       `json:"navigationPreload"`
}

type Status struct {
	Installing *WorkerInfo `json:"installing,omitempty"`
	Waiting    *WorkerInfo `json:"waiting,omitempty"`
	Active     *WorkerInfo `json:"active,omitempty"`
	Partitions []string    `json:"partitions"`
	Clients    []Client    `json:"clients"`
}

func infoOf(w *Worker) *WorkerInfo {
	if w == nil {
		return nil
	}
	return &WorkerInfo{
		ID:                w.id,
		Version:           w.Version(),
		State:             w.State(),
		Generation:        w.gen,
		NavigationPreload: w.preload.Load(),
	}
}

func (s *Service) Status() (Status, error) {
	s.mu.Lock()
	st := Status{
		Installing: infoOf(s.installing),
		Waiting:    infoOf(s.waiting),
		Active:     infoOf(s.active.Load()),
	}
	s.mu.Unlock()
	names, err := s.storage.Names()
	if err != nil {
		return Status{}, err
	}
	st.Partitions = names
	st.Clients = s.clients.All()
	return st, nil
}

func (s *Service) sweepLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			if s.clients.Sweep() > 0 {
				continue
			}
			if err := s.activateWaiting(); err == nil {
				log.Printf("worker: all clients closed, waiting worker activated")
			}
		}
	}
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			names, _ := s.storage.Names()
			log.Printf(
				"Served: %d (%s), Partitions: %d, Clients: %d, Resp Min/avg/max %s/%s/%s",
				ss.TotalResponses,
				ss.Outcomes(),
				len(names),
				s.clients.Count(),
				formatBytes(ss.MinRespBytes),
				formatBytes(ss.AvgRespBytes),
				formatBytes(ss.MaxRespBytes),
			)
		}
	}
}
