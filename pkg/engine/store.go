package engine

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DefaultWaitTimeout bounds GetAsync calls made with a zero timeout.
const DefaultWaitTimeout = 5 * time.Second

// DataStore is the run-scoped key/value store shared by the rules of one run.
// Writers never block. Readers may wait for a key that has not been written yet.
type DataStore struct {
	runID string

	mu      sync.Mutex
	entries map[string]*storeEntry

	// onTimeout is invoked for every expired GetAsync, used for metrics.
	onTimeout func(key string)
}

type storeEntry struct {
	value interface{}
	err   error
	set   bool
	ready chan struct{}
}

// NewDataStore creates an empty store scoped to runID.
func NewDataStore(runID string) *DataStore {
	return &DataStore{
		runID:   runID,
		entries: make(map[string]*storeEntry),
	}
}

// RunID returns the run the store belongs to.
func (s *DataStore) RunID() string {
	return s.runID
}

// entry returns the entry for key, creating an unset one if needed.
// Callers must hold s.mu.
func (s *DataStore) entry(key string) *storeEntry {
	e, ok := s.entries[key]
	if !ok {
		e = &storeEntry{ready: make(chan struct{})}
		s.entries[key] = e
	}
	return e
}

// Put stores value under key, replacing any previous value, and wakes
// every reader waiting on the key.
func (s *DataStore) Put(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(key)
	e.value = value
	e.err = nil
	if !e.set {
		e.set = true
		close(e.ready)
	}
}

// Get returns the value for key without blocking.
func (s *DataStore) Get(key string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || !e.set || e.err != nil {
		return nil, false
	}
	return e.value, true
}

// PutFunc computes the value for key on its own goroutine. Readers blocked in
// GetAsync receive the value, or the error if fn fails.
func (s *DataStore) PutFunc(ctx context.Context, key string, fn func(context.Context) (interface{}, error)) {
	go func() {
		v, err := fn(ctx)
		if err != nil {
			s.fail(key, err)
			return
		}
		s.Put(key, v)
	}()
}

func (s *DataStore) fail(key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(key)
	e.value = nil
	e.err = err
	if !e.set {
		e.set = true
		close(e.ready)
	}
}

// GetAsync waits until key has a value or timeout elapses. An expired wait
// returns an error satisfying IsTimeout. A zero timeout uses DefaultWaitTimeout.
func (s *DataStore) GetAsync(ctx context.Context, key string, timeout time.Duration) (interface{}, error) {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}

	s.mu.Lock()
	ready := s.entry(key).ready
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ready:
		s.mu.Lock()
		e := s.entries[key]
		v, err := e.value, e.err
		s.mu.Unlock()
		return v, err
	case <-timer.C:
		if s.onTimeout != nil {
			s.onTimeout(key)
		}
		return nil, NewTimeoutError(key, nil).WithDetail("timeout", timeout.String())
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Keys returns the keys that currently hold a value, sorted.
func (s *DataStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.entries))
	for k, e := range s.entries {
		if e.set && e.err == nil {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Snapshot copies every committed value.
func (s *DataStore) Snapshot() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]interface{}, len(s.entries))
	for k, e := range s.entries {
		if e.set && e.err == nil {
			out[k] = e.value
		}
	}
	return out
}
