package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is a single-process Store implementation for dev/test use
// and the non-canonical single-node deployment mode (spec §9 open
// question (a)). It is never wired as the default in cmd/router.
type MemoryStore struct {
	mu       sync.Mutex
	zsets    map[string][]Z
	hashes   map[string]map[string]string
	strings  map[string]string
	lists    map[string][]string
	expireAt map[string]time.Time

	subMu sync.Mutex
	subs  map[string][]chan string
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		zsets:    make(map[string][]Z),
		hashes:   make(map[string]map[string]string),
		strings:  make(map[string]string),
		lists:    make(map[string][]string),
		expireAt: make(map[string]time.Time),
		subs:     make(map[string][]chan string),
	}
}

func (s *MemoryStore) expired(key string) bool {
	at, ok := s.expireAt[key]
	return ok && time.Now().After(at)
}

func (s *MemoryStore) ZAdd(_ context.Context, key string, z Z) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.zsets[key]
	for i, existing := range set {
		if existing.Member == z.Member {
			set[i] = z
			s.zsets[key] = set
			return nil
		}
	}
	set = append(set, z)
	sort.Slice(set, func(i, j int) bool { return set[i].Score < set[j].Score })
	s.zsets[key] = set
	return nil
}

func (s *MemoryStore) ZRem(_ context.Context, key string, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.zsets[key]
	for i, z := range set {
		if z.Member == member {
			s.zsets[key] = append(set[:i], set[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) ZCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.zsets[key])), nil
}

func (s *MemoryStore) ZRangeByScore(_ context.Context, key string, min, max float64) ([]Z, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Z
	for _, z := range s.zsets[key] {
		if z.Score >= min && z.Score <= max {
			out = append(out, z)
		}
	}
	return out, nil
}

func (s *MemoryStore) ZRemRangeByScore(_ context.Context, key string, min, max float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.zsets[key]
	kept := set[:0:0]
	var removed int64
	for _, z := range set {
		if z.Score >= min && z.Score <= max {
			removed++
			continue
		}
		kept = append(kept, z)
	}
	s.zsets[key] = kept
	return removed, nil
}

func (s *MemoryStore) HSet(_ context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (s *MemoryStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.hashes[key]))
	for k, v := range s.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) HIncrByFloat(_ context.Context, key, field string, delta float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	cur := parseFloat(h[field])
	cur += delta
	h[field] = formatScore(cur)
	return cur, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired(key) {
		delete(s.strings, key)
		return "", false, nil
	}
	v, ok := s.strings[key]
	return v, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strings[key] = value
	if ttl > 0 {
		s.expireAt[key] = time.Now().Add(ttl)
	}
	return nil
}

func (s *MemoryStore) LPush(_ context.Context, key string, value string, trimTo int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append([]string{value}, s.lists[key]...)
	if trimTo > 0 && len(list) > trimTo {
		list = list[:trimTo]
	}
	s.lists[key] = list
	return nil
}

func (s *MemoryStore) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.lists[key]
	n := int64(len(list))
	if n == 0 {
		return nil, nil
	}
	if stop < 0 || stop >= n {
		stop = n - 1
	}
	if start < 0 {
		start = 0
	}
	if start > stop {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out, nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireAt[key] = time.Now().Add(ttl)
	return nil
}

func (s *MemoryStore) Publish(_ context.Context, channel string, message string) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs[channel] {
		select {
		case ch <- message:
		default:
		}
	}
	return nil
}

func (s *MemoryStore) Subscribe(_ context.Context, channel string) (Subscription, error) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	ch := make(chan string, 64)
	s.subs[channel] = append(s.subs[channel], ch)
	return &memorySubscription{store: s, channel: channel, ch: ch}, nil
}

func (s *MemoryStore) Close() error { return nil }

type memorySubscription struct {
	store   *MemoryStore
	channel string
	ch      chan string
}

func (m *memorySubscription) Channel() <-chan string { return m.ch }

func (m *memorySubscription) Close() error {
	m.store.subMu.Lock()
	defer m.store.subMu.Unlock()
	subs := m.store.subs[m.channel]
	for i, ch := range subs {
		if ch == m.ch {
			m.store.subs[m.channel] = append(subs[:i], subs[i+1:]...)
			close(m.ch)
			break
		}
	}
	return nil
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
