// Package config loads declarative rule packs and evaluates the Starlark
// they carry.
//
// # Overview
//
// A rule pack describes a forest of rules together with the engine options
// to run it with. Packs are written in CUE, YAML or JSON. Every format is
// checked against the same #RulePack CUE schema and then against the
// struct tags of Pack, so a pack that loads is safe to hand to the builder
// in package rules.
//
// # Components
//
// Loader: picks the decoder from the file extension. Directories are loaded
// as CUE packages.
//
// CUEParser: compiles CUE sources and unifies them with the built-in
// schemas. Errors carry file, line and column.
//
// SchemaRegistry: holds the built-in #RulePack and #Rule definitions and any
// custom schemas registered at runtime.
//
// StarlarkEvaluator: runs rule bodies and conditions with a timeout. Inputs
// are converted to Starlark values and the script's globals are converted
// back.
//
// PackWatcher: reloads a pack when its files change.
//
// # Pack Structure
//
//	name: "onboarding"
//	engine: async: true
//	policies: ["policies"]
//
//	rules: [{
//		name:  "normalize"
//		order: 0
//		script: """
//			model["email"] = model["email"].lower()
//			"""
//	}, {
//		name:     "lookup_phone"
//		parallel: true
//		script:   "put('phone', '555-0100')"
//	}, {
//		name:   "vip"
//		policy: "data.rules.vip.allow"
//		rules: [{
//			name:   "discount"
//			when:   "model['total'] > 100"
//			script: "result = model['total'] * 0.1"
//		}]
//	}]
//
// # Starlark Environment
//
// Scripts see their inputs as globals plus the struct, json and math
// modules. Public globals other than functions are returned in
// StarlarkResult.Output; inputs, including in-place mutations, are returned
// in StarlarkResult.Inputs.
package config
