package engine

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// RuleName resolves the result name of a rule: the Named override when set,
// otherwise the rule's type name.
func RuleName[T any](r Rule[T]) string {
	if n, ok := r.(Named); ok {
		if name := n.RuleName(); name != "" {
			return name
		}
	}
	t := reflect.TypeOf(r)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	name := t.Name()
	// Generic instantiations carry their type arguments in the name.
	if i := strings.IndexByte(name, '['); i > 0 {
		name = name[:i]
	}
	return name
}

// orderGroup returns a sibling group in execution order: rules with an
// ExecutionOrder ascending, then the remaining rules in attach order.
func orderGroup[T any](rules []Rule[T]) []Rule[T] {
	ordered := make([]Rule[T], 0, len(rules))
	var unordered []Rule[T]
	for _, r := range rules {
		if r.Configuration().HasExecutionOrder() {
			ordered = append(ordered, r)
		} else {
			unordered = append(unordered, r)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return *ordered[i].Configuration().ExecutionOrder < *ordered[j].Configuration().ExecutionOrder
	})
	return append(ordered, unordered...)
}

// parallelEligible reports whether RunAsync dispatches the rule to the parallel lane.
func parallelEligible[T any](r Rule[T]) bool {
	return r.Capabilities().Parallel && !r.Configuration().HasExecutionOrder()
}

// validateRule checks the configuration a rule ended up with after Initialize.
func validateRule[T any](r Rule[T]) error {
	caps := r.Capabilities()
	name := RuleName(r)
	if caps.Parallel && r.Configuration().HasExecutionOrder() {
		return NewConfigurationError("execution order and parallel are mutually exclusive", nil).
			WithRule(name).
			WithOperation("initialize").
			WithDetail("execution_order", *r.Configuration().ExecutionOrder)
	}
	if caps.Parallel && !caps.Async {
		return NewConfigurationError("parallel rules must be async", nil).
			WithRule(name).
			WithOperation("initialize")
	}
	return nil
}

// detectCycles uses depth-first search to find a rule that is its own descendant.
func detectCycles[T any](rules []Rule[T]) error {
	var visit func(r Rule[T], ancestors []Rule[T]) error
	visit = func(r Rule[T], ancestors []Rule[T]) error {
		if err := checkAncestors(ancestors, r); err != nil {
			return err
		}
		for _, child := range r.Children() {
			if err := visit(child, append(ancestors, r)); err != nil {
				return err
			}
		}
		return nil
	}

	for _, r := range rules {
		if err := visit(r, nil); err != nil {
			return err
		}
	}
	return nil
}

// checkAncestors returns a cycle error when r already appears among its
// ancestors. The error names the whole path from the root down to r.
func checkAncestors[T any](ancestors []Rule[T], r Rule[T]) error {
	for _, ancestor := range ancestors {
		if ancestor != r {
			continue
		}
		names := make([]string, 0, len(ancestors)+1)
		for _, a := range ancestors {
			names = append(names, RuleName(a))
		}
		names = append(names, RuleName(r))
		return NewConfigurationError(
			fmt.Sprintf("rule is its own descendant: %s", strings.Join(names, " -> ")), nil,
		).WithCode(ErrCodeCycle).WithOperation("initialize")
	}
	return nil
}

// TreeNode is a read-only description of a rule and its subtree.
type TreeNode struct {
	Name           string     `json:"name"`
	Variant        string     `json:"variant"`
	ExecutionOrder *int       `json:"execution_order,omitempty"`
	Parallel       bool       `json:"parallel,omitempty"`
	Skip           bool       `json:"skip,omitempty"`
	Terminate      bool       `json:"terminate,omitempty"`
	Constrained    bool       `json:"constrained,omitempty"`
	Children       []TreeNode `json:"children,omitempty"`
}

// Describe returns the forest in execution order. Describe does not call
// Initialize, so rules configured there appear with their defaults.
func Describe[T any](rules []Rule[T]) ([]TreeNode, error) {
	if err := detectCycles(rules); err != nil {
		return nil, err
	}
	return describeGroup(rules), nil
}

func describeGroup[T any](rules []Rule[T]) []TreeNode {
	ordered := orderGroup(rules)
	nodes := make([]TreeNode, 0, len(ordered))
	for _, r := range ordered {
		cfg := r.Configuration()
		caps := r.Capabilities()
		nodes = append(nodes, TreeNode{
			Name:           RuleName(r),
			Variant:        caps.Variant(),
			ExecutionOrder: cfg.ExecutionOrder,
			Parallel:       caps.Parallel,
			Skip:           cfg.Skip,
			Terminate:      cfg.Terminate,
			Constrained:    cfg.Constraint != nil,
			Children:       describeGroup(r.Children()),
		})
	}
	return nodes
}

// ToDOT generates a DOT representation of the forest for visualization.
// The output can be rendered with Graphviz tools.
func ToDOT(nodes []TreeNode) string {
	var sb strings.Builder

	sb.WriteString("digraph RuleForest {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n")
	sb.WriteString("  root [label=\"engine\", shape=circle];\n\n")

	counter := 0
	var walk func(parent string, group []TreeNode)
	walk = func(parent string, group []TreeNode) {
		for i, n := range group {
			counter++
			id := fmt.Sprintf("n%d", counter)
			label := n.Name + "\\n" + n.Variant
			if n.ExecutionOrder != nil {
				label += fmt.Sprintf("\\norder=%d", *n.ExecutionOrder)
			}
			sb.WriteString(fmt.Sprintf("  %s [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				id, label, nodeColor(n)))
			sb.WriteString(fmt.Sprintf("  %s -> %s [label=\"%d\", %s];\n", parent, id, i+1, edgeStyle(n)))
			walk(id, n.Children)
		}
	}
	walk("root", nodes)

	sb.WriteString("}\n")
	return sb.String()
}

// nodeColor returns a fill color for visualizing rule state.
func nodeColor(n TreeNode) string {
	switch {
	case n.Skip:
		return "lightgray"
	case n.Terminate:
		return "lightcoral"
	case n.Parallel:
		return "lightblue"
	default:
		return "lightgreen"
	}
}

// edgeStyle returns a DOT edge style: dashed edges lead to parallel rules.
func edgeStyle(n TreeNode) string {
	if n.Parallel && n.ExecutionOrder == nil {
		return "style=dashed, color=blue"
	}
	return "style=solid, color=black"
}
