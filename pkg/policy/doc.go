// Package policy integrates Open Policy Agent with rule packs.
//
// Policies serve two purposes. A rule may be gated by a boolean Rego query
// over the model, evaluated with Engine.Allow:
//
//	package rules.vip
//
//	allow if input.total > 1000
//
// and the engine lints whole packs with EvaluatePack, collecting the deny
// and warn sets of every enabled policy. The built-in lint policies check
// sibling name clashes, ordered parallel rules, async rules in synchronous
// packs and rules that do nothing. Custom lint policies follow the same
// shape:
//
//	package rules.lint.team
//
//	deny contains violation if {
//		some rule in input.rules
//		rule.depth > 3
//		violation := {"message": "too deep", "rule": rule.path}
//	}
//
// Any deny entry with severity error or critical makes the result
// disallowed. Warn entries never block.
//
// Policies are written in Rego v1 syntax. Loader reads them from .rego
// files, JSON definitions and bundles, and can watch directories and hand
// reloaded sets to Engine.ReplacePolicies.
package policy
