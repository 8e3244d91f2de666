package session

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"memvault.org/internal/obs"
)

const shardCount = 32

// Store holds live sessions keyed by "<user>:<scope>". Locking is per
// shard, so operations on unrelated users never serialise against each
// other, while the sweep and per-key mutations share one critical
// section per key.
//
// A Store is constructor-injected wherever it is needed; there is no
// package-level instance. Tests build a fresh one each.
type Store struct {
	shards [shardCount]shard
}

type shard struct {
	mu sync.Mutex
	m  map[string]*Session
}

// NewStore returns an empty store.
func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i].m = make(map[string]*Session)
	}
	return s
}

func (s *Store) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%shardCount]
}

// Get returns the session for key, if any.
func (s *Store) Get(key string) (*Session, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sess, ok := sh.m[key]
	return sess, ok
}

// Set stores sess under key, replacing any previous entry.
func (s *Store) Set(key string, sess *Session) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.m[key] = sess
}

// Delete removes the entry for key.
func (s *Store) Delete(key string) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.m, key)
}

// Mutate runs fn under the key's lock with the current entry (nil if
// absent). fn returns the entry to keep; returning nil removes the
// key. The manager uses this to make issue/accept atomic per key.
func (s *Store) Mutate(key string, fn func(cur *Session) (*Session, error)) (*Session, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	next, err := fn(sh.m[key])
	if err != nil {
		return nil, err
	}
	if next == nil {
		delete(sh.m, key)
		return nil, nil
	}
	sh.m[key] = next
	return next, nil
}

// View runs fn under the key's lock with the current entry (nil if
// absent), without modifying the map. Readers that need to observe
// fields written by Mutate callbacks must go through here so the read
// shares the writer's critical section.
func (s *Store) View(key string, fn func(cur *Session) error) error {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return fn(sh.m[key])
}

// Sweep removes every session past expiry and reports how many were
// evicted. It takes the same per-shard locks as the mutating
// operations, so it never races a concurrent issue or accept.
func (s *Store) Sweep(now time.Time) int {
	evicted := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for key, sess := range sh.m {
			if sess.Expired(now) {
				delete(sh.m, key)
				evicted++
			}
		}
		sh.mu.Unlock()
	}
	return evicted
}

// Len returns the number of stored sessions.
func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.m)
		sh.mu.Unlock()
	}
	return n
}

// StartSweeper evicts expired sessions on a fixed interval until ctx
// is cancelled.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.Sweep(time.Now()); n > 0 {
					logger.Info("evicted expired sessions", zap.Int("count", n))
				}
				obs.SetActiveSessions(s.Len())
			}
		}
	}()
}
