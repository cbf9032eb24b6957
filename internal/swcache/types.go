package swcache

import (
	"errors"
	"net/http"
	"strings"
)

var (
	ErrInstallFailed     = errors.New("install failed")
	ErrNoWaitingWorker   = errors.New("no waiting worker")
	ErrUnknownMessage    = errors.New("unknown message type")
	ErrRedundant         = errors.New("worker is redundant")
	ErrPartitionNotFound = errors.New("cache partition not found")
	ErrQuotaExceeded     = errors.New("cache quota exceeded")
	ErrNoActiveWorker    = errors.New("no active worker")
	errUnexpectedStatus  = errors.New("unexpected status")
)

// ResponseType mirrors the Fetch API response types that matter for caching.
type ResponseType string

const (
	ResponseBasic  ResponseType = "basic"
	ResponseCORS   ResponseType = "cors"
	ResponseOpaque ResponseType = "opaque"
)

type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	URL      string
	Type     ResponseType
	StoredAt int64 // unix seconds
	Hash32   uint32
}

// cacheable reports whether runtime caching may store the entry.
func (e CacheEntry) cacheable() bool {
	return e.Status == http.StatusOK && (e.Type == ResponseBasic || e.Type == ResponseCORS) && e.shared()
}

// shared reports whether the entry may be replayed to other clients. Every
// client reads the same partitions, so per-user responses stay out.
func (e CacheEntry) shared() bool {
	if len(e.Header.Values("Set-Cookie")) > 0 {
		return false
	}
	for _, v := range e.Header.Values("Cache-Control") {
		for _, d := range strings.Split(v, ",") {
			d = strings.ToLower(strings.TrimSpace(d))
			if d == "no-store" || d == "private" || strings.HasPrefix(d, "private=") {
				return false
			}
		}
	}
	return true
}

// State is a worker lifecycle state.
type State int32

const (
	StateRegistering State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateRegistering:
		return "registering"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Notification is what a push event asks the platform to display.
type Notification struct {
	Title      string `json:"title"`
	Body       string `json:"body"`
	TargetPath string `json:"targetPath"`
}

// outcome values are reported in the X-Sw-Cache header, stats and metrics.
const (
	outcomeNetwork      = "network"
	outcomeCache        = "cache"
	outcomeFallback     = "fallback"
	outcomeBypass       = "bypass"
	outcomePassthrough  = "passthrough"
	outcomeNetworkError = "network-error"
	outcomeRefused      = "refused"
)
