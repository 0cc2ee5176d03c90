package store

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryStore keeps values in process memory. Expired entries stay invisible
// to Retrieve until ExpireKeys reclaims them.
type MemoryStore struct {
	cache *gocache.Cache
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cache: gocache.New(gocache.NoExpiration, 0)}
}

func (s *MemoryStore) StoreExpire(key []byte, data []byte, expiration time.Time) error {
	ttl := gocache.NoExpiration
	if !expiration.IsZero() {
		ttl = time.Until(expiration)
		if ttl <= 0 {
			s.cache.Delete(string(key))
			return nil
		}
	}
	s.cache.Set(string(key), append([]byte(nil), data...), ttl)
	return nil
}

func (s *MemoryStore) Retrieve(key []byte) ([]byte, bool) {
	v, ok := s.cache.Get(string(key))
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

func (s *MemoryStore) Delete(key []byte) {
	s.cache.Delete(string(key))
}

func (s *MemoryStore) ExpireKeys() {
	s.cache.DeleteExpired()
}

func (s *MemoryStore) Count() int {
	return s.cache.ItemCount()
}

func (s *MemoryStore) Close() error {
	s.cache.Flush()
	return nil
}
