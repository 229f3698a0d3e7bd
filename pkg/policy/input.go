package policy

import (
	"github.com/openfroyo/rules/pkg/config"
)

// PackInput builds the lint input for a pack. Rules are flattened
// depth-first so policies can iterate them with a single `some`.
//
//	{
//	  "name": "checkout",
//	  "engine": {"async": true, ...},
//	  "policies": ["policies"],
//	  "rules": [{"path": "vip/discount", "parent": "vip", "depth": 1, ...}]
//	}
func PackInput(pack *config.Pack) map[string]interface{} {
	rules := make([]interface{}, 0, pack.CountRules())
	pack.Walk(func(path string, r *config.RuleSpec) {
		parent, depth := "", 0
		for i := len(path) - 1; i >= 0; i-- {
			if path[i] == '/' {
				if parent == "" {
					parent = path[:i]
				}
				depth++
			}
		}

		entry := map[string]interface{}{
			"path":       path,
			"name":       r.Name,
			"parent":     parent,
			"depth":      depth,
			"ordered":    r.Order != nil,
			"skip":       r.Skip,
			"terminate":  r.Terminate,
			"async":      r.Async || r.Parallel,
			"parallel":   r.Parallel,
			"when":       r.When,
			"policy":     r.Policy,
			"has_script": r.Script != "",
			"children":   len(r.Rules),
		}
		if r.Order != nil {
			entry["order"] = *r.Order
		}
		rules = append(rules, entry)
	})

	policies := make([]interface{}, 0, len(pack.Policies))
	for _, p := range pack.Policies {
		policies = append(policies, p)
	}

	return map[string]interface{}{
		"name":    pack.Name,
		"version": pack.Version,
		"engine": map[string]interface{}{
			"async":                     pack.Engine.Async,
			"invoke_nested_rules_first": pack.Engine.InvokeNestedRulesFirst,
			"max_parallel":              pack.Engine.MaxParallel,
		},
		"policies": policies,
		"rules":    rules,
	}
}
