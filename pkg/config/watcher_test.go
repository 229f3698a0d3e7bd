package config

import (
	"context"
	"testing"
	"time"

	"github.com/openfroyo/rules/pkg/telemetry"
)

type reload struct {
	pack *Pack
	err  error
}

func TestPackWatcher_Reload(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "pack.yaml", "name: watched\nrules:\n  - name: a\n")

	events, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}
	published := make(chan telemetry.Event, 4)
	events.Subscribe(func(e telemetry.Event) { published <- e }, telemetry.FilterByType(telemetry.EventTypePackReloaded))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewPackWatcher(NewLoader(), path, telemetry.NewNopLogger(), events)
	w.SetDelay(20 * time.Millisecond)
	defer w.Close()

	reloads := make(chan reload, 4)
	if err := w.Watch(ctx, func(p *Pack, err error) { reloads <- reload{p, err} }); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	writeFile(t, dir, "pack.yaml", "name: watched\nrules:\n  - name: a\n  - name: b\n")

	select {
	case r := <-reloads:
		if r.err != nil {
			t.Fatalf("unexpected reload error: %v", r.err)
		}
		if r.pack.CountRules() != 2 {
			t.Errorf("expected 2 rules after reload, got %d", r.pack.CountRules())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	select {
	case e := <-published:
		if e.Data["rules"] != 2 {
			t.Errorf("expected event with 2 rules, got %v", e.Data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload event")
	}

	writeFile(t, dir, "pack.yaml", "name: watched\nrules: []\n")

	select {
	case r := <-reloads:
		if r.err == nil {
			t.Error("expected reload of an invalid pack to fail")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for failed reload")
	}
}

func TestPackWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "pack.yaml", "name: watched\nrules:\n  - name: a\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewPackWatcher(NewLoader(), path, nil, nil)
	w.SetDelay(20 * time.Millisecond)
	defer w.Close()

	reloads := make(chan reload, 1)
	if err := w.Watch(ctx, func(p *Pack, err error) { reloads <- reload{p, err} }); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	writeFile(t, dir, "notes.txt", "unrelated")

	select {
	case r := <-reloads:
		t.Fatalf("unexpected reload: %+v", r)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPackWatcher_MissingPath(t *testing.T) {
	w := NewPackWatcher(NewLoader(), "/does/not/exist.yaml", nil, nil)
	if err := w.Watch(context.Background(), func(*Pack, error) {}); err == nil {
		t.Error("expected error for a missing pack")
	}
}
