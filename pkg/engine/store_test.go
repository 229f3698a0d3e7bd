package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestDataStorePutGet(t *testing.T) {
	s := NewDataStore("run-1")

	if _, ok := s.Get("missing"); ok {
		t.Error("expected missing key to report ok=false")
	}

	s.Put("name", "foo")
	s.Put("name", "bar")

	v, ok := s.Get("name")
	if !ok || v != "bar" {
		t.Errorf("expected last write to win, got %v (ok=%v)", v, ok)
	}
	if s.RunID() != "run-1" {
		t.Errorf("expected run id run-1, got %s", s.RunID())
	}
}

func TestDataStoreGetAsyncWaitsForWriter(t *testing.T) {
	s := NewDataStore("run-1")

	var wg sync.WaitGroup
	wg.Add(1)
	var got interface{}
	var err error
	go func() {
		defer wg.Done()
		got, err = s.GetAsync(context.Background(), "phone", time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	s.Put("phone", "555-0100")
	wg.Wait()

	if err != nil {
		t.Fatalf("GetAsync failed: %v", err)
	}
	if got != "555-0100" {
		t.Errorf("expected committed value, got %v", got)
	}
}

func TestDataStoreGetAsyncTimeout(t *testing.T) {
	s := NewDataStore("run-1")
	var timedOut []string
	s.onTimeout = func(key string) { timedOut = append(timedOut, key) }

	start := time.Now()
	_, err := s.GetAsync(context.Background(), "never", 20*time.Millisecond)
	if !IsTimeout(err) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if !errors.Is(err, ErrTimeout) {
		t.Error("expected errors.Is(err, ErrTimeout)")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("expected GetAsync to wait for the full timeout")
	}
	if len(timedOut) != 1 || timedOut[0] != "never" {
		t.Errorf("expected timeout hook for key never, got %v", timedOut)
	}

	ee, _ := asEngineError(err)
	if ee.Details["key"] != "never" {
		t.Errorf("expected key detail, got %v", ee.Details)
	}
}

func TestDataStoreGetAsyncContextCanceled(t *testing.T) {
	s := NewDataStore("run-1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.GetAsync(ctx, "never", time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestDataStorePutFunc(t *testing.T) {
	s := NewDataStore("run-1")

	s.PutFunc(context.Background(), "total", func(ctx context.Context) (interface{}, error) {
		time.Sleep(5 * time.Millisecond)
		return 42, nil
	})
	v, err := s.GetAsync(context.Background(), "total", time.Second)
	if err != nil || v != 42 {
		t.Errorf("expected 42, got %v (err=%v)", v, err)
	}

	boom := errors.New("boom")
	s.PutFunc(context.Background(), "broken", func(ctx context.Context) (interface{}, error) {
		return nil, boom
	})
	if _, err := s.GetAsync(context.Background(), "broken", time.Second); !errors.Is(err, boom) {
		t.Errorf("expected writer error, got %v", err)
	}
	if _, ok := s.Get("broken"); ok {
		t.Error("expected failed key to be absent")
	}
}

func TestDataStoreKeysAndSnapshot(t *testing.T) {
	s := NewDataStore("run-1")
	s.Put("b", 2)
	s.Put("a", 1)

	// A pending reader must not make the key visible.
	go func() { _, _ = s.GetAsync(context.Background(), "pending", 10*time.Millisecond) }()
	time.Sleep(time.Millisecond)

	equalNames(t, s.Keys(), []string{"a", "b"})
	snap := s.Snapshot()
	if len(snap) != 2 || snap["a"] != 1 || snap["b"] != 2 {
		t.Errorf("unexpected snapshot %v", snap)
	}
}

func TestBaseRuleUnbound(t *testing.T) {
	var r BaseRule[*account]

	if r.TryPut("k", 1) {
		t.Error("expected TryPut to fail when unbound")
	}
	if _, ok := r.TryGet("k"); ok {
		t.Error("expected TryGet to fail when unbound")
	}
	if r.TryPutAsync(context.Background(), "k", nil) {
		t.Error("expected TryPutAsync to fail when unbound")
	}
	if _, err := r.TryGetAsync(context.Background(), "k", time.Millisecond); !IsConfiguration(err) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestRunContextTerminateOnce(t *testing.T) {
	rc := newRunContext("run-1", RunModeAsync, nil, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rc.Terminate() {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("expected exactly one call to flip the flag, got %d", winners)
	}
	if !rc.Terminated() {
		t.Error("expected run to be terminated")
	}
}
