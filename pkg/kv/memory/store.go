package memory

import (
	"context"
	"sync"
	"time"

	"github.com/leafsii/leafsii-farming/pkg/kv"
)

// Store is an in-memory implementation of the kv.Store interface
type Store struct {
	mu          sync.Mutex
	strings     map[string][]byte
	hashes      map[string]map[string][]byte
	lists       map[string][][]byte
	expirations map[string]time.Time

	janitorInterval time.Duration
	janitorStop     chan struct{}
	janitorDone     chan struct{}
}

// New creates a new in-memory store with optional janitor for TTL cleanup
func New(janitorInterval time.Duration) *Store {
	s := &Store{
		strings:         make(map[string][]byte),
		hashes:          make(map[string]map[string][]byte),
		lists:           make(map[string][][]byte),
		expirations:     make(map[string]time.Time),
		janitorInterval: janitorInterval,
		janitorStop:     make(chan struct{}),
		janitorDone:     make(chan struct{}),
	}

	if janitorInterval > 0 {
		go s.janitor()
	} else {
		close(s.janitorDone)
	}

	return s
}

func (s *Store) janitor() {
	defer close(s.janitorDone)
	ticker := time.NewTicker(s.janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.evictExpired()
		case <-s.janitorStop:
			return
		}
	}
}

func (s *Store) evictExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for key, expiry := range s.expirations {
		if now.After(expiry) {
			s.deleteKeyUnsafe(key)
		}
	}
}

// dropIfExpired removes key when its TTL has passed (must hold lock)
func (s *Store) dropIfExpired(key string) {
	if expiry, ok := s.expirations[key]; ok && time.Now().After(expiry) {
		s.deleteKeyUnsafe(key)
	}
}

func (s *Store) existsUnsafe(key string) bool {
	if _, ok := s.strings[key]; ok {
		return true
	}
	if _, ok := s.hashes[key]; ok {
		return true
	}
	_, ok := s.lists[key]
	return ok
}

func (s *Store) deleteKeyUnsafe(key string) {
	delete(s.strings, key)
	delete(s.hashes, key)
	delete(s.lists, key)
	delete(s.expirations, key)
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl ...time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleteKeyUnsafe(key)
	s.strings[key] = append([]byte(nil), value...)
	if len(ttl) > 0 && ttl[0] > 0 {
		s.expirations[key] = time.Now().Add(ttl[0])
	}
	return nil
}

func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dropIfExpired(key)
	if s.existsUnsafe(key) {
		return false, nil
	}
	s.strings[key] = append([]byte(nil), value...)
	if ttl > 0 {
		s.expirations[key] = time.Now().Add(ttl)
	}
	return true, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dropIfExpired(key)
	value, ok := s.strings[key]
	if !ok {
		return nil, kv.ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (s *Store) Del(ctx context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for _, key := range keys {
		s.dropIfExpired(key)
		if s.existsUnsafe(key) {
			deleted++
		}
		s.deleteKeyUnsafe(key)
	}
	return deleted, nil
}

func (s *Store) Exists(ctx context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found int64
	for _, key := range keys {
		s.dropIfExpired(key)
		if s.existsUnsafe(key) {
			found++
		}
	}
	return found, nil
}

// Hash operations

func (s *Store) hashForWrite(key string) map[string][]byte {
	s.dropIfExpired(key)
	h, ok := s.hashes[key]
	if !ok {
		s.deleteKeyUnsafe(key)
		h = make(map[string][]byte)
		s.hashes[key] = h
	}
	return h
}

func (s *Store) HSet(ctx context.Context, key string, field string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hashForWrite(key)[field] = append([]byte(nil), value...)
	return nil
}

func (s *Store) HMSet(ctx context.Context, key string, fields map[string][]byte) error {
	if len(fields) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.hashForWrite(key)
	for field, value := range fields {
		h[field] = append([]byte(nil), value...)
	}
	return nil
}

func (s *Store) HGet(ctx context.Context, key string, field string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dropIfExpired(key)
	value, ok := s.hashes[key][field]
	if !ok {
		return nil, kv.ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dropIfExpired(key)
	h, ok := s.hashes[key]
	if !ok {
		return nil, kv.ErrNotFound
	}
	out := make(map[string][]byte, len(h))
	for field, value := range h {
		out[field] = append([]byte(nil), value...)
	}
	return out, nil
}

func (s *Store) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dropIfExpired(key)
	h, ok := s.hashes[key]
	if !ok {
		return 0, nil
	}
	var deleted int64
	for _, field := range fields {
		if _, ok := h[field]; ok {
			delete(h, field)
			deleted++
		}
	}
	if len(h) == 0 {
		delete(s.hashes, key)
	}
	return deleted, nil
}

// List operations

func (s *Store) LPush(ctx context.Context, key string, values ...[]byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dropIfExpired(key)
	list, ok := s.lists[key]
	if !ok {
		s.deleteKeyUnsafe(key)
	}
	// each value becomes the new head, as in Redis
	for _, value := range values {
		list = append([][]byte{append([]byte(nil), value...)}, list...)
	}
	s.lists[key] = list
	return int64(len(list)), nil
}

func (s *Store) LTrim(ctx context.Context, key string, start, stop int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dropIfExpired(key)
	list, ok := s.lists[key]
	if !ok {
		return nil
	}
	lo, hi, ok := clampRange(int64(len(list)), start, stop)
	if !ok {
		delete(s.lists, key)
		return nil
	}
	s.lists[key] = list[lo : hi+1]
	return nil
}

func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dropIfExpired(key)
	list, ok := s.lists[key]
	if !ok {
		return nil, kv.ErrNotFound
	}
	lo, hi, ok := clampRange(int64(len(list)), start, stop)
	if !ok {
		return [][]byte{}, nil
	}
	out := make([][]byte, 0, hi-lo+1)
	for _, v := range list[lo : hi+1] {
		out = append(out, append([]byte(nil), v...))
	}
	return out, nil
}

// clampRange resolves Redis-style inclusive indices, negative ones counting
// from the tail.
func clampRange(n, start, stop int64) (int64, int64, bool) {
	if n == 0 {
		return 0, 0, false
	}
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop, true
}

// Ping always returns nil for the in-memory store
func (s *Store) Ping(ctx context.Context) error {
	return nil
}

// Close stops the background janitor and drops all data
func (s *Store) Close() error {
	s.mu.Lock()
	select {
	case <-s.janitorStop:
		s.mu.Unlock()
		return nil
	default:
		close(s.janitorStop)
	}
	s.strings = make(map[string][]byte)
	s.hashes = make(map[string]map[string][]byte)
	s.lists = make(map[string][][]byte)
	s.expirations = make(map[string]time.Time)
	s.mu.Unlock()

	<-s.janitorDone
	return nil
}
