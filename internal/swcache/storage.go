package swcache

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"log"
	"net/http"
	"strings"
)

// Storage is the set of named cache partitions (the CacheStorage of a worker).
// Implementations must be safe for concurrent use; every single-entry read or
// write is atomic.
type Storage interface {
	// Open returns the partition, creating it when absent.
	Open(name string) (Partition, error)
	// Lookup returns an existing partition or ErrPartitionNotFound.
	Lookup(name string) (Partition, error)
	// Names lists existing partitions in lexical order.
	Names() ([]string, error)
	// Delete removes a partition and all of its entries. It reports whether the
	// partition existed.
	Delete(name string) (bool, error)
	Close() error
}

type Partition interface {
	Name() string
	Match(key string) (CacheEntry, bool, error)
	Put(key string, ent CacheEntry) error
	// PutAll stores every entry or none of them.
	PutAll(entries map[string]CacheEntry) error
	Remove(key string) (bool, error)
	Keys() ([]string, error)
}

// OpenStorage builds the backend selected in the config.
func OpenStorage(cfg StorageConfig) (Storage, error) {
	switch cfg.Backend {
	case "memory":
		return newMemStorage(int64(cfg.Max)), nil
	case "leveldb", "":
		return openLevelStorage(cfg.Path, int64(cfg.Max))
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// requestKey is the cache key of a request: method plus request URI.
func requestKey(method, uri string) string {
	return strings.ToUpper(method) + " " + uri
}

func requestKeyOf(r *http.Request) string {
	return requestKey(r.Method, r.URL.RequestURI())
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

func init() {
	gob.Register(http.Header{})
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}
