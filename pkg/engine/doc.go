// Package engine runs a forest of rules against a single model instance.
//
// # Overview
//
// Rules are attached to an Engine as root nodes. Each rule may carry children,
// forming a tree. A run walks the forest in execution order and records one
// RuleResult per invoked rule:
//
//  1. Initialize - bind a fresh RunContext to every rule, call Initialize, validate
//  2. Order - within each sibling group, ordered rules ascending, then attach order
//  3. Gate - skip flag, terminate flag, then the rule's constraint
//  4. Invoke - BeforeInvoke, Invoke, AfterInvoke, then the children
//  5. Terminate - a rule configured with Terminate stops every later rule of the run
//
// # Rules
//
// Most rules embed BaseRule and implement Invoke:
//
//	type Discount struct {
//	    engine.BaseRule[*Order]
//	}
//
//	func (d *Discount) Initialize(ctx context.Context) error {
//	    d.Configuration().Constraint = func(o *Order) bool { return o.Total > 100 }
//	    return nil
//	}
//
//	func (d *Discount) Invoke(ctx context.Context, o *Order) (*engine.RuleResult, error) {
//	    o.Total *= 0.9
//	    return engine.NewResult("Discount", o.Total), nil
//	}
//
// The Capabilities record decides how a rule is scheduled. Async rules may block
// on the data store and only run under RunAsync. Parallel rules are async rules
// without an ExecutionOrder; RunAsync starts them on their own goroutine as soon
// as their gate passes and joins them before returning.
//
// # Data Store
//
// Rules of one run share a DataStore. TryPut and TryGet never block. TryGetAsync
// waits for a value written by a concurrent rule, and fails with a timeout error
// when none arrives:
//
//	v, err := r.TryGetAsync(ctx, "phone", time.Second)
//	if engine.IsTimeout(err) {
//	    // no writer committed "phone"
//	}
//
// # Results
//
// A nested rule's Result holds its children's Results, and its own payload is
// moved to Data[PayloadKey]. Results.FindByName, FindNested, and CollectErrors
// search the result tree.
//
// # Error Classification
//
//   - Precondition: no model instance was set
//   - Timeout: a blocking store read expired
//   - Configuration: a rule configuration was rejected during initialize
//   - Unhandled: a lifecycle hook returned an error or panicked
//
// Errors a rule reports through RuleResult.WithError are data, not control flow,
// and never stop a run.
package engine
