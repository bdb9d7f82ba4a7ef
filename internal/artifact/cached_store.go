package artifact

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type CacheConfig struct {
	TTL        time.Duration
	MaxEntries int
	// MaxBlobBytes skips caching content larger than this. Zero caches all.
	MaxBlobBytes int
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:          5 * time.Minute,
		MaxEntries:   256,
		MaxBlobBytes: 4 * 1024 * 1024, // 4MiB
	}
}

type MetricsSnapshot struct {
	Hits           uint64
	Misses         uint64
	OriginReads    uint64
	OriginWrites   uint64
	OriginReadErr  uint64
	OriginWriteErr uint64
}

type Metrics struct {
	hits           atomic.Uint64
	misses         atomic.Uint64
	originReads    atomic.Uint64
	originWrites   atomic.Uint64
	originReadErr  atomic.Uint64
	originWriteErr atomic.Uint64
}

func (m *Metrics) snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	return MetricsSnapshot{
		Hits:           m.hits.Load(),
		Misses:         m.misses.Load(),
		OriginReads:    m.originReads.Load(),
		OriginWrites:   m.originWrites.Load(),
		OriginReadErr:  m.originReadErr.Load(),
		OriginWriteErr: m.originWriteErr.Load(),
	}
}

// CachedStore is a read-through, write-through cache in front of a remote
// store. A successful Save replaces the cached entry, so Load after Save
// always returns the new content.
type CachedStore struct {
	origin  Store
	cfg     CacheConfig
	blobs   *expirable.LRU[string, []byte]
	metrics Metrics
}

func NewCachedStore(origin Store, cfg CacheConfig) *CachedStore {
	def := DefaultCacheConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.MaxBlobBytes < 0 {
		cfg.MaxBlobBytes = def.MaxBlobBytes
	}
	return &CachedStore{
		origin: origin,
		cfg:    cfg,
		blobs:  expirable.NewLRU[string, []byte](cfg.MaxEntries, nil, cfg.TTL),
	}
}

func (s *CachedStore) Save(ctx context.Context, ref string, content []byte) error {
	key, err := CleanRef(ref)
	if err != nil {
		return err
	}
	s.metrics.originWrites.Add(1)
	if err := s.origin.Save(ctx, ref, content); err != nil {
		s.metrics.originWriteErr.Add(1)
		s.blobs.Remove(key)
		return err
	}
	s.put(key, content)
	return nil
}

func (s *CachedStore) Load(ctx context.Context, ref string) ([]byte, error) {
	key, err := CleanRef(ref)
	if err != nil {
		return nil, err
	}
	if raw, ok := s.blobs.Get(key); ok {
		s.metrics.hits.Add(1)
		return append([]byte(nil), raw...), nil
	}
	s.metrics.misses.Add(1)
	s.metrics.originReads.Add(1)

	raw, err := s.origin.Load(ctx, ref)
	if err != nil {
		s.metrics.originReadErr.Add(1)
		return nil, err
	}
	s.put(key, raw)
	return append([]byte(nil), raw...), nil
}

func (s *CachedStore) put(key string, content []byte) {
	if s.cfg.MaxBlobBytes > 0 && len(content) > s.cfg.MaxBlobBytes {
		s.blobs.Remove(key)
		return
	}
	s.blobs.Add(key, append([]byte(nil), content...))
}

func (s *CachedStore) Metrics() MetricsSnapshot {
	if s == nil {
		return MetricsSnapshot{}
	}
	return s.metrics.snapshot()
}
