// Package cache is the response cache: a sharded, capacity-bounded LRU whose
// entries expire a fixed TTL after they were stored.
package cache

import (
	"container/list"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

const shardCount = 16

type Config struct {
	Name     string
	TTL      time.Duration
	Capacity int
}

func DefaultConfig(name string) Config {
	return Config{Name: name, TTL: 15 * time.Minute, Capacity: 10000}
}

type item struct {
	key     string
	value   string
	expires time.Time
}

type shard struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	byKey    map[string]*list.Element
}

type Cache struct {
	name   string
	ttl    time.Duration
	now    func() time.Time
	shards [shardCount]*shard

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	expired   atomic.Uint64

	m *Metrics
}

// New builds a cache. m may be nil; now defaults to time.Now.
func New(cfg Config, now func() time.Time, m *Metrics) *Cache {
	def := DefaultConfig(cfg.Name)
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if now == nil {
		now = time.Now
	}
	per := (cfg.Capacity + shardCount - 1) / shardCount
	c := &Cache{name: cfg.Name, ttl: cfg.TTL, now: now, m: m}
	for i := range c.shards {
		c.shards[i] = &shard{
			capacity: per,
			ll:       list.New(),
			byKey:    make(map[string]*list.Element),
		}
	}
	return c
}

func (c *Cache) Name() string { return c.name }

func (c *Cache) TTL() time.Duration { return c.ttl }

func (c *Cache) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%shardCount]
}

// Get returns the live value for key. An expired entry is removed and
// reported as absent.
func (c *Cache) Get(key string) (string, bool) {
	if key == "" {
		return "", false
	}
	now := c.now()
	s := c.shardFor(key)

	s.mu.Lock()
	el, ok := s.byKey[key]
	if ok {
		it := el.Value.(*item)
		if !now.Before(it.expires) {
			s.remove(el)
			s.mu.Unlock()
			c.expired.Add(1)
			c.evicted("expired", 1)
			c.miss()
			return "", false
		}
		s.ll.MoveToFront(el)
		v := it.value
		s.mu.Unlock()
		c.hits.Add(1)
		if c.m != nil {
			c.m.hits.WithLabelValues(c.name).Inc()
		}
		return v, true
	}
	s.mu.Unlock()
	c.miss()
	return "", false
}

func (c *Cache) miss() {
	c.misses.Add(1)
	if c.m != nil {
		c.m.misses.WithLabelValues(c.name).Inc()
	}
}

func (c *Cache) evicted(reason string, n int) {
	if n == 0 {
		return
	}
	if reason == "capacity" {
		c.evictions.Add(uint64(n))
	}
	if c.m != nil {
		c.m.evictions.WithLabelValues(c.name, reason).Add(float64(n))
	}
}

// Put stores value under key for one TTL, replacing any previous entry.
func (c *Cache) Put(key, value string) {
	if key == "" {
		return
	}
	expires := c.now().Add(c.ttl)
	s := c.shardFor(key)

	s.mu.Lock()
	if el, ok := s.byKey[key]; ok {
		it := el.Value.(*item)
		it.value = value
		it.expires = expires
		s.ll.MoveToFront(el)
		s.mu.Unlock()
		return
	}
	s.byKey[key] = s.ll.PushFront(&item{key: key, value: value, expires: expires})

	dropped := 0
	for s.ll.Len() > s.capacity {
		back := s.ll.Back()
		if back == nil {
			break
		}
		s.remove(back)
		dropped++
	}
	s.mu.Unlock()
	c.evicted("capacity", dropped)
}

func (s *shard) remove(el *list.Element) {
	delete(s.byKey, el.Value.(*item).key)
	s.ll.Remove(el)
}

// Purge drops every expired entry and returns how many were removed.
func (c *Cache) Purge() int {
	now := c.now()
	total := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for el := s.ll.Back(); el != nil; {
			prev := el.Prev()
			if !now.Before(el.Value.(*item).expires) {
				s.remove(el)
				total++
			}
			el = prev
		}
		s.mu.Unlock()
	}
	c.expired.Add(uint64(total))
	c.evicted("expired", total)
	if c.m != nil {
		c.m.entries.WithLabelValues(c.name).Set(float64(c.Len()))
	}
	return total
}

// Len counts stored entries, expired or not.
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += s.ll.Len()
		s.mu.Unlock()
	}
	return n
}

type Stats struct {
	Name      string `json:"name"`
	Entries   int    `json:"entries"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Expired   uint64 `json:"expired"`
	TTLSec    int64  `json:"ttlSeconds"`
}

func (c *Cache) Stats() Stats {
	return Stats{
		Name:      c.name,
		Entries:   c.Len(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Expired:   c.expired.Load(),
		TTLSec:    int64(c.TTL() / time.Second),
	}
}
