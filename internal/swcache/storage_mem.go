package swcache

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// memStorage keeps every partition in one byte-bounded LRU. When a write does
// not fit, least recently used entries of any partition are dropped first; a
// write larger than the whole budget fails with ErrQuotaExceeded.
type memStorage struct {
	maxBytes int64

	mu         sync.Mutex
	partitions map[string]int64 // name -> created at (unix)
	items      map[string]*memItem
	head       *memItem
	tail       *memItem
	total      int64
}

type memItem struct {
	partition string
	key       string
	ent       CacheEntry
	size      int64
	prev      *memItem
	next      *memItem
}

func newMemStorage(maxBytes int64) *memStorage {
	return &memStorage{
		maxBytes:   maxBytes,
		partitions: map[string]int64{},
		items:      map[string]*memItem{},
	}
}

func memKey(partition, key string) string { return partition + "\x00" + key }

func (c *memStorage) Close() error { return nil }

func (c *memStorage) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *memStorage) Open(name string) (Partition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.partitions[name]; !ok {
		c.partitions[name] = time.Now().Unix()
	}
	return &memPartition{c: c, name: name}, nil
}

func (c *memStorage) Lookup(name string) (Partition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.partitions[name]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrPartitionNotFound, name)
	}
	return &memPartition{c: c, name: name}, nil
}

func (c *memStorage) Names() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.partitions))
	for k := range c.partitions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (c *memStorage) Delete(name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.partitions[name]; !ok {
		return false, nil
	}
	delete(c.partitions, name)
	for k, it := range c.items {
		if it.partition == name {
			c.removeLocked(k, it)
		}
	}
	return true, nil
}

func (c *memStorage) put(partition string, entries map[string]CacheEntry) error {
	type sized struct {
		key  string
		ent  CacheEntry
		size int64
	}
	batch := make([]sized, 0, len(entries))
	var need int64
	for key, ent := range entries {
		b, err := encodeGob(ent)
		if err != nil {
			return err
		}
		sz := int64(len(b))
		batch = append(batch, sized{key: key, ent: ent, size: sz})
		need += sz
	}
	if c.maxBytes > 0 && need > c.maxBytes {
		return fmt.Errorf("%w: %s > %s", ErrQuotaExceeded, ByteSize(need), ByteSize(c.maxBytes))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.partitions[partition]; !ok {
		return fmt.Errorf("%w: %s", ErrPartitionNotFound, partition)
	}

	// Entries being replaced do not count against the budget.
	for _, s := range batch {
		if it, ok := c.items[memKey(partition, s.key)]; ok {
			c.removeLocked(memKey(partition, s.key), it)
		}
	}
	for c.maxBytes > 0 && c.total+need > c.maxBytes && c.tail != nil {
		it := c.tail
		c.removeLocked(memKey(it.partition, it.key), it)
	}

	for _, s := range batch {
		it := &memItem{partition: partition, key: s.key, ent: s.ent, size: s.size}
		c.items[memKey(partition, s.key)] = it
		c.addToFront(it)
		c.total += s.size
	}
	return nil
}

func (c *memStorage) removeLocked(k string, it *memItem) {
	c.remove(it)
	delete(c.items, k)
	c.total -= it.size
}

func (c *memStorage) addToFront(it *memItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *memStorage) remove(it *memItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *memStorage) moveToFront(it *memItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}

type memPartition struct {
	c    *memStorage
	name string
}

func (p *memPartition) Name() string { return p.name }

func (p *memPartition) Match(key string) (CacheEntry, bool, error) {
	c := p.c
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[memKey(p.name, key)]
	if !ok {
		return CacheEntry{}, false, nil
	}
	c.moveToFront(it)
	return it.ent, true, nil
}

func (p *memPartition) Put(key string, ent CacheEntry) error {
	return p.c.put(p.name, map[string]CacheEntry{key: ent})
}

func (p *memPartition) PutAll(entries map[string]CacheEntry) error {
	return p.c.put(p.name, entries)
}

func (p *memPartition) Remove(key string) (bool, error) {
	c := p.c
	c.mu.Lock()
	defer c.mu.Unlock()
	k := memKey(p.name, key)
	it, ok := c.items[k]
	if !ok {
		return false, nil
	}
	c.removeLocked(k, it)
	return true, nil
}

func (p *memPartition) Keys() ([]string, error) {
	c := p.c
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := p.name + "\x00"
	var out []string
	for k := range c.items {
		if strings.HasPrefix(k, prefix) {
			out = append(out, strings.TrimPrefix(k, prefix))
		}
	}
	sort.Strings(out)
	return out, nil
}
