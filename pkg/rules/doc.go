// Package rules runs declarative rule packs on the engine.
//
// A Builder turns every RuleSpec of a config.Pack into a ScriptRule, an
// engine.Rule over a *Document model. Scripts and conditions are compiled
// up front so a pack with a typo fails before any rule runs:
//
//	pack, _ := config.NewLoader().LoadPack(ctx, "checkout.yaml")
//	model, _ := rules.NewDocument(map[string]interface{}{"total": 1200})
//	e, _ := rules.NewBuilder().NewEngine(pack, model)
//	results, err := rules.Run(ctx, e, pack)
//
// Rule order, skip, terminate, async and parallel flags map directly onto
// the rule's engine configuration. A `when` expression and a `policy`
// query both become part of the rule's constraint.
package rules
