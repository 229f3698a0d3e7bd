package engine

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openfroyo/rules/pkg/telemetry"
)

type account struct {
	Name  string
	Phone string
}

// recorder tracks hook calls across goroutines.
type recorder struct {
	mu          sync.Mutex
	invoked     []string
	initialized atomic.Int32
}

func (r *recorder) record(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invoked = append(r.invoked, name)
}

func (r *recorder) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.invoked...)
}

type stepRule struct {
	BaseRule[*account]
	rec     *recorder
	delay   time.Duration
	err     error
	panics  bool
	payload interface{}
	setup   func(*stepRule)
	body    func(ctx context.Context, s *stepRule, m *account) error
}

func newStep(name string, rec *recorder) *stepRule {
	s := &stepRule{rec: rec}
	s.SetName(name)
	return s
}

func (s *stepRule) Initialize(ctx context.Context) error {
	s.rec.initialized.Add(1)
	if s.setup != nil {
		s.setup(s)
	}
	return nil
}

func (s *stepRule) Invoke(ctx context.Context, m *account) (*RuleResult, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.rec.record(s.RuleName())
	if s.panics {
		panic("boom")
	}
	if s.body != nil {
		if err := s.body(ctx, s, m); err != nil {
			return nil, err
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return NewResult(s.RuleName(), s.payload), nil
}

func newTestEngine(opts ...Option) *Engine[*account] {
	e := New[*account](opts...)
	e.SetInstance(&account{Name: "foo"})
	return e
}

func equalNames(t *testing.T, got, want []string) {
	t.Helper()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestRunExecutionOrder(t *testing.T) {
	rec := &recorder{}
	a := newStep("A", rec)
	a.Configuration().SetExecutionOrder(2)
	b := newStep("B", rec)
	b.Configuration().SetExecutionOrder(1)
	c := newStep("C", rec)

	e := newTestEngine()
	e.Attach(a, b, c)

	results, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	equalNames(t, results.Names(), []string{"B", "A", "C"})
	equalNames(t, rec.calls(), []string{"B", "A", "C"})
	if e.State() != RunStateDone {
		t.Errorf("expected state done, got %s", e.State())
	}
}

func TestRunExecutionOrderTiesKeepAttachOrder(t *testing.T) {
	rec := &recorder{}
	first := newStep("First", rec)
	first.Configuration().SetExecutionOrder(1)
	second := newStep("Second", rec)
	second.Configuration().SetExecutionOrder(1)
	zero := newStep("Zero", rec)
	zero.Configuration().SetExecutionOrder(0)

	e := newTestEngine()
	e.Attach(first, second, zero)

	results, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	equalNames(t, results.Names(), []string{"Zero", "First", "Second"})
}

func TestRunAsyncOrderedBeforeParallel(t *testing.T) {
	rec := &recorder{}
	a := newStep("A", rec)
	a.Configuration().SetExecutionOrder(2)
	b := newStep("B", rec)
	b.Configuration().SetExecutionOrder(1)
	c := newStep("C", rec)
	c.SetParallel(true)

	e := newTestEngine()
	e.Attach(a, b, c)

	results, err := e.RunAsync(context.Background())
	if err != nil {
		t.Fatalf("RunAsync failed: %v", err)
	}
	equalNames(t, results.Names(), []string{"B", "A", "C"})
}

func TestRunTerminate(t *testing.T) {
	rec := &recorder{}
	x := newStep("X", rec)
	x.Configuration().Terminate = true
	y := newStep("Y", rec)

	e := newTestEngine()
	e.Attach(x, y)

	results, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	equalNames(t, results.Names(), []string{"X"})
	equalNames(t, rec.calls(), []string{"X"})
}

func TestRunTerminateInsideSubtree(t *testing.T) {
	rec := &recorder{}
	parent := newStep("Parent", rec)
	stop := newStep("Stop", rec)
	stop.Configuration().Terminate = true
	after := newStep("After", rec)
	parent.AddChildren(stop, after)
	sibling := newStep("Sibling", rec)

	e := newTestEngine()
	e.Attach(parent, sibling)

	results, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	equalNames(t, rec.calls(), []string{"Parent", "Stop"})
	equalNames(t, results.Names(), []string{"Parent"})
	equalNames(t, results[0].Children().Names(), []string{"Stop"})
}

func TestRunTerminateDoesNotCancelParallel(t *testing.T) {
	rec := &recorder{}
	slow := newStep("Slow", rec)
	slow.SetParallel(true)
	slow.delay = 20 * time.Millisecond
	stop := newStep("Stop", rec)
	stop.Configuration().Terminate = true
	later := newStep("Later", rec)

	e := newTestEngine()
	e.Attach(slow, stop, later)

	results, err := e.RunAsync(context.Background())
	if err != nil {
		t.Fatalf("RunAsync failed: %v", err)
	}
	if results.FindByName("Slow") == nil {
		t.Error("expected dispatched parallel rule to complete")
	}
	if results.FindByName("Later") != nil {
		t.Error("expected rule after terminate to be skipped")
	}
}

func TestRunSkipAndConstraint(t *testing.T) {
	tests := []struct {
		name      string
		configure func(r *stepRule)
	}{
		{
			name:      "skip flag",
			configure: func(r *stepRule) { r.Configuration().Skip = true },
		},
		{
			name: "false constraint",
			configure: func(r *stepRule) {
				r.Configuration().Constraint = func(m *account) bool { return m.Name == "bar" }
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			nested := newStep("Nested", rec)
			nested.AddChildren(newStep("Child1", rec), newStep("Child2", rec))
			tt.configure(nested)

			e := newTestEngine()
			e.Attach(nested)

			results, err := e.Run(context.Background())
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if len(results) != 0 {
				t.Errorf("expected no results, got %v", results.Names())
			}
			if calls := rec.calls(); len(calls) != 0 {
				t.Errorf("expected no invocations, got %v", calls)
			}
		})
	}
}

func TestRunConstraintSetDuringInitialize(t *testing.T) {
	rec := &recorder{}
	gated := newStep("Gated", rec)
	gated.setup = func(s *stepRule) {
		s.Configuration().Constraint = func(m *account) bool { return m.Name == "foo" }
	}
	other := newStep("Other", rec)
	other.setup = func(s *stepRule) {
		s.Configuration().Constraint = func(m *account) bool { return m.Name == "bar" }
	}

	e := newTestEngine()
	e.Attach(gated, other)

	results, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	equalNames(t, results.Names(), []string{"Gated"})
}

func TestRunNestedDepthFirst(t *testing.T) {
	rec := &recorder{}
	root := newStep("Root", rec)
	root.payload = "root-payload"
	childA := newStep("ChildA", rec)
	child1 := newStep("Child1", rec)
	childA.AddChildren(child1)
	root.AddChildren(childA)

	e := newTestEngine()
	e.Attach(root)

	results, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	equalNames(t, rec.calls(), []string{"Root", "ChildA", "Child1"})
	equalNames(t, results.Names(), []string{"Root"})

	top := results[0]
	if top.Data[PayloadKey] != "root-payload" {
		t.Errorf("expected own payload under %q, got %v", PayloadKey, top.Data[PayloadKey])
	}
	equalNames(t, top.Children().Names(), []string{"ChildA"})
	if results.FindNested("Child1") == nil {
		t.Error("expected Child1 in nested results")
	}
	if results.FindByName("Child1") != nil {
		t.Error("expected Child1 absent from top-level results")
	}
}

func TestRunInvokeNestedRulesFirst(t *testing.T) {
	rec := &recorder{}
	root := newStep("Root", rec)
	childA := newStep("ChildA", rec)
	childA.AddChildren(newStep("Child1", rec))
	root.AddChildren(childA)

	e := newTestEngine(WithInvokeNestedRulesFirst(true))
	e.Attach(root)

	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	equalNames(t, rec.calls(), []string{"Child1", "ChildA", "Root"})
}

func TestRunNestedWithoutOwnResult(t *testing.T) {
	rec := &recorder{}
	parent := &silentRule{rec: rec}
	parent.AddChildren(newStep("Child", rec))

	e := newTestEngine()
	e.Attach(parent)

	results, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	equalNames(t, results.Names(), []string{"silentRule"})
	equalNames(t, results[0].Children().Names(), []string{"Child"})
}

type silentRule struct {
	BaseRule[*account]
	rec *recorder
}

func (s *silentRule) Invoke(ctx context.Context, m *account) (*RuleResult, error) {
	s.rec.record("silentRule")
	return nil, nil
}

func TestRunSkipsAsyncRules(t *testing.T) {
	rec := &recorder{}
	syncRule := newStep("Sync", rec)
	asyncRule := newStep("Async", rec)
	asyncRule.SetAsync(true)
	asyncRule.AddChildren(newStep("AsyncChild", rec))

	e := newTestEngine()
	e.Attach(syncRule, asyncRule)

	results, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	equalNames(t, results.Names(), []string{"Sync"})

	results, err = e.RunAsync(context.Background())
	if err != nil {
		t.Fatalf("RunAsync failed: %v", err)
	}
	equalNames(t, results.Names(), []string{"Sync", "Async"})
}

func TestRunAsyncJoinsParallelRules(t *testing.T) {
	rec := &recorder{}
	var rules []Rule[*account]
	for i, d := range []time.Duration{15, 5, 10} {
		r := newStep("P"+string(rune('1'+i)), rec)
		r.SetParallel(true)
		r.delay = d * time.Millisecond
		rules = append(rules, r)
	}

	e := newTestEngine()
	e.Attach(rules...)

	results, err := e.RunAsync(context.Background())
	if err != nil {
		t.Fatalf("RunAsync failed: %v", err)
	}

	names := results.Names()
	sort.Strings(names)
	equalNames(t, names, []string{"P1", "P2", "P3"})
}

func TestRunAsyncMaxParallel(t *testing.T) {
	var running, peak atomic.Int32
	rec := &recorder{}

	e := newTestEngine(WithMaxParallel(2))
	for i := 0; i < 6; i++ {
		r := newStep("P"+string(rune('a'+i)), rec)
		r.SetParallel(true)
		r.body = func(ctx context.Context, s *stepRule, m *account) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return nil
		}
		e.Attach(r)
	}

	results, err := e.RunAsync(context.Background())
	if err != nil {
		t.Fatalf("RunAsync failed: %v", err)
	}
	if len(results) != 6 {
		t.Errorf("expected 6 results, got %d", len(results))
	}
	if peak.Load() > 2 {
		t.Errorf("expected at most 2 concurrent rules, saw %d", peak.Load())
	}
}

// Phone is produced by a parallel rule nested under Foo while its
// sequential sibling waits for it through the data store.
func TestRunAsyncDataHandOff(t *testing.T) {
	rec := &recorder{}

	foo := newStep("Foo", rec)
	foo.SetAsync(true)

	phone := newStep("Phone", rec)
	phone.SetParallel(true)
	phone.delay = 10 * time.Millisecond
	phone.body = func(ctx context.Context, s *stepRule, m *account) error {
		if !s.TryPut("phone", "555-0100") {
			t.Error("expected TryPut to succeed on a bound rule")
		}
		return nil
	}

	updateName := newStep("UpdateName", rec)
	updateName.SetAsync(true)
	updateName.body = func(ctx context.Context, s *stepRule, m *account) error {
		v, err := s.TryGetAsync(ctx, "phone", time.Second)
		if err != nil {
			return err
		}
		m.Phone = v.(string)
		return nil
	}

	foo.AddChildren(updateName, phone)

	e := New[*account]()
	model := &account{Name: "foo"}
	e.SetInstance(model)
	e.Attach(foo)

	results, err := e.RunAsync(context.Background())
	if err != nil {
		t.Fatalf("RunAsync failed: %v", err)
	}
	if model.Phone != "555-0100" {
		t.Errorf("expected phone from parallel rule, got %q", model.Phone)
	}
	if results.FindNested("UpdateName") == nil {
		t.Error("expected UpdateName in Foo's results")
	}
	if results.FindByName("Phone") == nil {
		t.Error("expected Phone at run level")
	}
}

// With a single slot, a parallel parent must give its slot up before its
// parallel child can produce the value its sequential child waits on.
func TestRunAsyncNestedHandOffWithOneSlot(t *testing.T) {
	rec := &recorder{}

	foo := newStep("Foo", rec)
	foo.SetParallel(true)

	phone := newStep("Phone", rec)
	phone.SetParallel(true)
	phone.body = func(ctx context.Context, s *stepRule, m *account) error {
		s.TryPut("phone", "555-0100")
		return nil
	}

	updateName := newStep("UpdateName", rec)
	updateName.SetAsync(true)
	updateName.body = func(ctx context.Context, s *stepRule, m *account) error {
		v, err := s.TryGetAsync(ctx, "phone", 2*time.Second)
		if err != nil {
			return err
		}
		m.Phone = v.(string)
		return nil
	}

	foo.AddChildren(updateName, phone)

	e := New[*account](WithMaxParallel(1))
	model := &account{Name: "foo"}
	e.SetInstance(model)
	e.Attach(foo)

	start := time.Now()
	results, err := e.RunAsync(context.Background())
	if err != nil {
		t.Fatalf("RunAsync failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("expected hand-off without waiting on the store timeout, took %s", elapsed)
	}
	if model.Phone != "555-0100" {
		t.Errorf("expected phone from parallel rule, got %q", model.Phone)
	}
	for _, name := range []string{"Foo", "Phone"} {
		if results.FindByName(name) == nil {
			t.Errorf("expected %s at run level", name)
		}
	}
	if results.FindNested("UpdateName") == nil {
		t.Error("expected UpdateName in Foo's results")
	}
}

func TestRunWithoutInstance(t *testing.T) {
	for _, async := range []bool{false, true} {
		rec := &recorder{}
		e := New[*account]()
		e.Attach(newStep("A", rec))

		var err error
		if async {
			_, err = e.RunAsync(context.Background())
		} else {
			_, err = e.Run(context.Background())
		}

		if !IsNoInstance(err) {
			t.Errorf("async=%v: expected NoInstance, got %v", async, err)
		}
		if !errors.Is(err, ErrNoInstance) {
			t.Errorf("async=%v: expected errors.Is(err, ErrNoInstance)", async)
		}
		if rec.initialized.Load() != 0 || len(rec.calls()) != 0 {
			t.Errorf("async=%v: expected no rule to be touched", async)
		}
		if e.State() != RunStateNotStarted {
			t.Errorf("async=%v: expected state not_started, got %s", async, e.State())
		}
	}
}

func TestRunNilInstance(t *testing.T) {
	e := New[*account]()
	e.SetInstance(nil)
	e.Attach(newStep("A", &recorder{}))

	if _, err := e.Run(context.Background()); !IsNoInstance(err) {
		t.Errorf("expected NoInstance for nil model, got %v", err)
	}
}

type fixedCaps struct {
	stepRule
	caps Capabilities
}

func (f *fixedCaps) Capabilities() Capabilities { return f.caps }

func TestRunConfigurationErrors(t *testing.T) {
	tests := []struct {
		name  string
		build func(rec *recorder) Rule[*account]
		code  string
	}{
		{
			name: "order and parallel",
			build: func(rec *recorder) Rule[*account] {
				r := newStep("Both", rec)
				r.SetParallel(true)
				r.setup = func(s *stepRule) { s.Configuration().SetExecutionOrder(1) }
				return r
			},
			code: ErrCodeInvalidConfiguration,
		},
		{
			name: "parallel without async",
			build: func(rec *recorder) Rule[*account] {
				r := &fixedCaps{stepRule: *newStep("Sync", rec), caps: Capabilities{Parallel: true}}
				return r
			},
			code: ErrCodeInvalidConfiguration,
		},
		{
			name: "cycle",
			build: func(rec *recorder) Rule[*account] {
				a := newStep("Loop", rec)
				b := newStep("Back", rec)
				a.AddChildren(b)
				b.AddChildren(a)
				return a
			},
			code: ErrCodeCycle,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			e := newTestEngine()
			e.Attach(tt.build(rec))

			_, err := e.RunAsync(context.Background())
			if !IsConfiguration(err) {
				t.Fatalf("expected configuration error, got %v", err)
			}
			ee, _ := asEngineError(err)
			if ee.Code != tt.code {
				t.Errorf("expected code %s, got %s", tt.code, ee.Code)
			}
			if calls := rec.calls(); len(calls) != 0 {
				t.Errorf("expected no invocations, got %v", calls)
			}
		})
	}
}

func TestRunUnhandledError(t *testing.T) {
	rec := &recorder{}
	ok := newStep("Ok", rec)
	bad := newStep("Bad", rec)
	bad.err = errors.New("database unavailable")
	never := newStep("Never", rec)

	e := newTestEngine()
	e.Attach(ok, bad, never)

	results, err := e.Run(context.Background())
	if !IsUnhandled(err) {
		t.Fatalf("expected unhandled error, got %v", err)
	}
	ee, _ := asEngineError(err)
	if ee.Rule != "Bad" || ee.Operation != "invoke" {
		t.Errorf("expected rule=Bad operation=invoke, got rule=%s operation=%s", ee.Rule, ee.Operation)
	}
	if !strings.Contains(err.Error(), "database unavailable") {
		t.Errorf("expected cause in message, got %q", err.Error())
	}
	equalNames(t, results.Names(), []string{"Ok"})
	equalNames(t, rec.calls(), []string{"Ok", "Bad"})
}

func TestRunRecoversPanics(t *testing.T) {
	rec := &recorder{}
	p := newStep("Panicky", rec)
	p.panics = true

	e := newTestEngine()
	e.Attach(p)

	_, err := e.Run(context.Background())
	ee, ok := asEngineError(err)
	if !ok || ee.Code != ErrCodeRulePanicked {
		t.Fatalf("expected panic error, got %v", err)
	}
}

func TestRunRuleErrorIsData(t *testing.T) {
	rec := &recorder{}
	warn := newStep("Warn", rec)
	warn.body = func(ctx context.Context, s *stepRule, m *account) error { return nil }
	e := newTestEngine()
	e.Attach(&reportingRule{}, warn)

	results, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	errs := results.CollectErrors()
	if len(errs) != 1 || errs[0].Name != "reportingRule" {
		t.Errorf("expected one reported error, got %v", errs.Names())
	}
}

type reportingRule struct {
	BaseRule[*account]
}

func (r *reportingRule) Invoke(ctx context.Context, m *account) (*RuleResult, error) {
	return (&RuleResult{}).WithError("name too short", nil), nil
}

func TestRunAsyncAggregatesParallelFailures(t *testing.T) {
	rec := &recorder{}
	fail1 := newStep("Fail1", rec)
	fail1.SetParallel(true)
	fail1.err = errors.New("first")
	fail2 := newStep("Fail2", rec)
	fail2.SetParallel(true)
	fail2.err = errors.New("second")
	fine := newStep("Fine", rec)
	fine.SetParallel(true)

	e := newTestEngine()
	e.Attach(fail1, fail2, fine)

	results, err := e.RunAsync(context.Background())
	if !IsUnhandled(err) {
		t.Fatalf("expected unhandled error, got %v", err)
	}
	ee, _ := asEngineError(err)
	if ee.Code != ErrCodeParallelFailed {
		t.Errorf("expected code %s, got %s", ErrCodeParallelFailed, ee.Code)
	}
	for _, msg := range []string{"first", "second"} {
		if !strings.Contains(err.Error(), msg) {
			t.Errorf("expected %q in aggregated error %q", msg, err.Error())
		}
	}

	if len(results) != 3 {
		t.Errorf("expected 3 results, got %v", results.Names())
	}
	failed := results.CollectErrors().Names()
	sort.Strings(failed)
	equalNames(t, failed, []string{"Fail1", "Fail2"})
}

func TestRunResolver(t *testing.T) {
	rec := &recorder{}
	r := newStep("Resolving", rec)
	var resolved interface{}
	r.setup = func(s *stepRule) {
		resolved, _ = s.Resolve("greeting")
	}

	e := newTestEngine(WithResolver(func(name string) (interface{}, bool) {
		if name == "greeting" {
			return "hello", true
		}
		return nil, false
	}))
	e.Attach(r)

	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if resolved != "hello" {
		t.Errorf("expected resolver value in Initialize, got %v", resolved)
	}
}

func TestRunFreshStorePerRun(t *testing.T) {
	rec := &recorder{}
	var seen []bool
	r := newStep("Counter", rec)
	r.body = func(ctx context.Context, s *stepRule, m *account) error {
		_, ok := s.TryGet("count")
		seen = append(seen, ok)
		s.TryPut("count", 1)
		return nil
	}

	ids := []string{"run-1", "run-2"}
	next := 0
	e := newTestEngine(WithRunIDFunc(func() string {
		id := ids[next]
		next++
		return id
	}))
	e.Attach(r)

	for range ids {
		if _, err := e.Run(context.Background()); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	}
	if len(seen) != 2 || seen[0] || seen[1] {
		t.Errorf("expected an empty store on every run, got %v", seen)
	}
	if r.RunContext().ID() != "run-2" {
		t.Errorf("expected rule bound to run-2, got %s", r.RunContext().ID())
	}
}

func TestRunRecordsMetrics(t *testing.T) {
	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	rec := &recorder{}
	skipped := newStep("Skipped", rec)
	skipped.Configuration().Skip = true

	e := newTestEngine(WithTelemetry(&telemetry.Telemetry{
		Logger:  telemetry.NewNopLogger(),
		Metrics: metrics,
	}))
	e.Attach(newStep("A", rec), skipped)

	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	families, err := metrics.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	totals := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				totals[mf.GetName()] += c.GetValue()
			}
		}
	}

	expected := map[string]float64{
		"test_runs_started_total":     1,
		"test_runs_completed_total":   1,
		"test_rule_invocations_total": 1,
		"test_rule_skips_total":       1,
	}
	for name, want := range expected {
		if totals[name] != want {
			t.Errorf("%s = %v, want %v", name, totals[name], want)
		}
	}
}

func TestRunPublishesEvents(t *testing.T) {
	events, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true, BufferSize: 16})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}

	var mu sync.Mutex
	var types []string
	events.Subscribe(func(ev telemetry.Event) {
		mu.Lock()
		defer mu.Unlock()
		types = append(types, ev.Type)
	}, nil)

	rec := &recorder{}
	stop := newStep("Stop", rec)
	stop.Configuration().Terminate = true

	e := newTestEngine(WithTelemetry(&telemetry.Telemetry{Events: events}))
	e.Attach(stop, newStep("Later", rec))

	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	equalNames(t, types, []string{
		telemetry.EventTypeRunStarted,
		telemetry.EventTypeRuleInvoked,
		telemetry.EventTypeRunTerminated,
		telemetry.EventTypeRuleSkipped,
		telemetry.EventTypeRunCompleted,
	})
}
