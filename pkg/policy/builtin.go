package policy

// GetBuiltinPolicies returns the lint policies every engine starts with.
// They read the document built by PackInput.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		namingPolicy(),
		schedulingPolicy(),
		gatingPolicy(),
		structurePolicy(),
	}
}

func builtin(p Policy) Policy {
	p.Enabled = true
	p.Builtin = true
	p.Tags = append(p.Tags, "builtin")
	return p
}

// namingPolicy rejects sibling rules that share a result name, since name
// lookups on their results would be ambiguous.
func namingPolicy() Policy {
	return builtin(Policy{
		Name:        "rule-naming",
		Description: "Rule names must be unique among siblings",
		Severity:    SeverityError,
		Tags:        []string{"naming"},
		Rego: `package rules.lint.naming

deny contains violation if {
	some rule in input.rules
	count([r | some r in input.rules; r.path == rule.path]) > 1
	violation := {
		"message": sprintf("rule name %q is used more than once under %q", [rule.name, rule.parent]),
		"severity": "error",
		"rule": rule.path,
	}
}

warn contains violation if {
	some rule in input.rules
	rule.name != lower(rule.name)
	violation := {
		"message": sprintf("rule name %q is not lower case; result lookups are case-insensitive", [rule.name]),
		"rule": rule.path,
	}
}
`,
	})
}

// schedulingPolicy checks flag combinations the scheduler treats specially.
func schedulingPolicy() Policy {
	return builtin(Policy{
		Name:        "rule-scheduling",
		Description: "Parallel, async, order and terminate flags must be consistent",
		Severity:    SeverityError,
		Tags:        []string{"scheduling"},
		Rego: `package rules.lint.scheduling

deny contains violation if {
	some rule in input.rules
	rule.parallel
	rule.ordered
	violation := {
		"message": sprintf("rule %q is parallel and has an execution order", [rule.name]),
		"severity": "error",
		"rule": rule.path,
	}
}

warn contains violation if {
	not input.engine.async
	some rule in input.rules
	rule.async
	violation := {
		"message": sprintf("rule %q is async but the pack runs synchronously, so it never runs", [rule.name]),
		"rule": rule.path,
	}
}

warn contains violation if {
	some rule in input.rules
	rule.terminate
	rule.parallel
	violation := {
		"message": sprintf("rule %q terminates the run from the parallel lane; rules already dispatched still complete", [rule.name]),
		"rule": rule.path,
	}
}
`,
	})
}

// gatingPolicy checks rules gated by Rego queries.
func gatingPolicy() Policy {
	return builtin(Policy{
		Name:        "rule-gating",
		Description: "Rules gated by a policy query need policies to query",
		Severity:    SeverityError,
		Tags:        []string{"gating"},
		Rego: `package rules.lint.gating

deny contains violation if {
	count(input.policies) == 0
	some rule in input.rules
	rule.policy != ""
	violation := {
		"message": sprintf("rule %q is gated by %s but the pack loads no policies", [rule.name, rule.policy]),
		"severity": "error",
		"rule": rule.path,
	}
}
`,
	})
}

// structurePolicy reports rules that cannot have any effect.
func structurePolicy() Policy {
	return builtin(Policy{
		Name:        "rule-structure",
		Description: "Rules should do something when they run",
		Severity:    SeverityWarning,
		Tags:        []string{"structure"},
		Rego: `package rules.lint.structure

warn contains violation if {
	some rule in input.rules
	not rule.has_script
	rule.children == 0
	not rule.terminate
	violation := {
		"message": sprintf("rule %q has no script and no nested rules", [rule.name]),
		"rule": rule.path,
	}
}

warn contains violation if {
	some rule in input.rules
	rule.skip
	violation := {
		"message": sprintf("rule %q is always skipped", [rule.name]),
		"severity": "info",
		"rule": rule.path,
	}
}
`,
	})
}
