// Package telemetry provides logging, tracing, metrics and lifecycle events
// for rule engine runs.
//
// The four parts are bundled in a Telemetry value:
//
//  1. Logger - zerolog with run, rule and lane fields
//  2. Tracer - OpenTelemetry spans per run and per rule invocation
//  3. Metrics - Prometheus counters and histograms on a private registry
//  4. Events - a publisher that fans lifecycle events out to subscribers
//
// # Usage
//
//	cfg := telemetry.DefaultConfig().Apply(
//	    telemetry.WithServiceVersion("1.0.0"),
//	    telemetry.WithMetricsAddress(":9090"),
//	    telemetry.WithTraceExporter("otlp", "otel-collector:4317"),
//	)
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(); err != nil {
//	    return err
//	}
//
//	e := engine.New[*Order](engine.WithTelemetry(tel))
//
// The engine starts a span for each run and each rule, records invocations,
// skips and terminations, and publishes the matching events. NewNop returns
// telemetry that records nothing; a nil Tracer, Metrics or EventPublisher is
// safe to call.
//
// # Events
//
// Subscribers receive events in publish order. With EnableAsync set they are
// batched and delivered from a background goroutine, otherwise Publish
// delivers before it returns:
//
//	tel.Events.Subscribe(func(ev telemetry.Event) {
//	    fmt.Println(ev.Rule, ev.Message)
//	}, telemetry.FilterByType(telemetry.EventTypeRuleSkipped))
//
// # Metrics
//
// With the default "rules" namespace the exported series are:
//
//   - rules_runs_started_total{mode}
//   - rules_runs_completed_total{mode,status}
//   - rules_run_duration_seconds{mode,status}
//   - rules_rule_invocations_total{rule,lane,status}
//   - rules_rule_duration_seconds{rule,lane}
//   - rules_rule_skips_total{rule,reason}
//   - rules_terminations_total{rule}
//   - rules_store_timeouts_total
//   - rules_errors_by_class_total{class}
//   - rules_errors_by_code_total{code}
//   - rules_active_runs
//   - rules_active_parallel_tasks
//
// # Exporters
//
// TracingConfig.Exporter selects "otlp" (gRPC), "stdout" or "none". With
// "none" spans are sampled but never exported.
package telemetry
