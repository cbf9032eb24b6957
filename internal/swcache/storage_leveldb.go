package swcache

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	p:<partition>              -> gob(partitionMeta)
//	e:<partition>\x00<request> -> gob(CacheEntry)
const (
	partitionPrefix = "p:"
	entryPrefix     = "e:"
)

type partitionMeta struct {
	CreatedAt int64
}

type levelStorage struct {
	maxBytes int64

	db *leveldb.DB

	// mu serialises partition deletion against writes so a put can never land
	// in a partition that is being dropped.
	mu        sync.RWMutex
	sizes     map[string]int64
	totalSize int64
}

func openLevelStorage(path string, maxBytes int64) (*levelStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return newLevelStorage(db, maxBytes)
}

func newLevelStorage(db *leveldb.DB, maxBytes int64) (*levelStorage, error) {
	s := &levelStorage{maxBytes: maxBytes, db: db, sizes: map[string]int64{}}
	if err := s.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *levelStorage) loadIndex() error {
	it := s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix)), nil)
	defer it.Release()

	var total int64
	sizes := map[string]int64{}
	for it.Next() {
		sz := int64(len(it.Value()))
		sizes[string(it.Key())] = sz
		total += sz
	}
	if err := it.Error(); err != nil {
		return err
	}
	s.mu.Lock()
	s.sizes = sizes
	s.totalSize = total
	s.mu.Unlock()
	return nil
}

func (s *levelStorage) Close() error {
	return s.db.Close()
}

func (s *levelStorage) TotalSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalSize
}

func (s *levelStorage) Open(name string) (Partition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mk := []byte(partitionPrefix + name)
	ok, err := s.db.Has(mk, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		b, err := encodeGob(partitionMeta{CreatedAt: time.Now().Unix()})
		if err != nil {
			return nil, err
		}
		if err := s.db.Put(mk, b, nil); err != nil {
			return nil, err
		}
	}
	return &levelPartition{s: s, name: name}, nil
}

func (s *levelStorage) Lookup(name string) (Partition, error) {
	ok, err := s.db.Has([]byte(partitionPrefix+name), nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPartitionNotFound, name)
	}
	return &levelPartition{s: s, name: name}, nil
}

func (s *levelStorage) Names() ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(partitionPrefix)), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(partitionPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (s *levelStorage) Delete(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mk := []byte(partitionPrefix + name)
	ok, err := s.db.Has(mk, nil)
	if err != nil || !ok {
		return false, err
	}

	batch := new(leveldb.Batch)
	batch.Delete(mk)
	var freed []string
	it := s.db.NewIterator(util.BytesPrefix(entryKeyPrefix(name)), nil)
	for it.Next() {
		k := append([]byte(nil), it.Key()...)
		batch.Delete(k)
		freed = append(freed, string(k))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, err
	}
	for _, k := range freed {
		s.totalSize -= s.sizes[k]
		delete(s.sizes, k)
	}
	return true, nil
}

func entryKeyPrefix(partition string) []byte {
	return []byte(entryPrefix + partition + "\x00")
}

func entryKey(partition, key string) []byte {
	return append(entryKeyPrefix(partition), key...)
}

// write stores all entries in one batch. It fails without writing anything
// when the partition is gone or the quota would be exceeded.
func (s *levelStorage) write(partition string, entries map[string]CacheEntry) error {
	type put struct {
		k []byte
		b []byte
	}
	puts := make([]put, 0, len(entries))
	for key, ent := range entries {
		b, err := encodeGob(ent)
		if err != nil {
			return err
		}
		puts = append(puts, put{k: entryKey(partition, key), b: b})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.db.Has([]byte(partitionPrefix+partition), nil)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrPartitionNotFound, partition)
	}

	total := s.totalSize
	batch := new(leveldb.Batch)
	for _, p := range puts {
		total += int64(len(p.b)) - s.sizes[string(p.k)]
		batch.Put(p.k, p.b)
	}
	if s.maxBytes > 0 && total > s.maxBytes {
		return fmt.Errorf("%w: %s > %s", ErrQuotaExceeded, ByteSize(total), ByteSize(s.maxBytes))
	}
	if err := s.db.Write(batch, nil); err != nil {
		return err
	}
	for _, p := range puts {
		s.sizes[string(p.k)] = int64(len(p.b))
	}
	s.totalSize = total
	return nil
}

type levelPartition struct {
	s    *levelStorage
	name string
}

func (p *levelPartition) Name() string { return p.name }

func (p *levelPartition) Match(key string) (CacheEntry, bool, error) {
	b, err := p.s.db.Get(entryKey(p.name, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, err
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, false, err
	}
	return ent, true, nil
}

func (p *levelPartition) Put(key string, ent CacheEntry) error {
	return p.s.write(p.name, map[string]CacheEntry{key: ent})
}

func (p *levelPartition) PutAll(entries map[string]CacheEntry) error {
	return p.s.write(p.name, entries)
}

func (p *levelPartition) Remove(key string) (bool, error) {
	s := p.s
	k := entryKey(p.name, key)

	s.mu.Lock()
	defer s.mu.Unlock()
	sz, ok := s.sizes[string(k)]
	if !ok {
		return false, nil
	}
	if err := s.db.Delete(k, nil); err != nil {
		return false, err
	}
	s.totalSize -= sz
	delete(s.sizes, string(k))
	return true, nil
}

func (p *levelPartition) Keys() ([]string, error) {
	prefix := entryKeyPrefix(p.name)
	it := p.s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}
