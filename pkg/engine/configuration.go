package engine

// Configuration is the per-rule configuration record.
type Configuration[T any] struct {
	// ExecutionOrder places the rule at a fixed position within its sibling group.
	// Nil means the rule runs after all ordered siblings, in attach order.
	ExecutionOrder *int

	// Skip prevents the rule and its subtree from running.
	Skip bool

	// Terminate stops every later rule of the run once this rule has completed.
	Terminate bool

	// Constraint gates the rule on the model. A nil constraint always passes.
	Constraint func(model T) bool
}

// Order returns a pointer to n, for use as an ExecutionOrder value.
func Order(n int) *int {
	return &n
}

// SetExecutionOrder fixes the rule's position within its sibling group.
func (c *Configuration[T]) SetExecutionOrder(n int) {
	c.ExecutionOrder = Order(n)
}

// HasExecutionOrder reports whether an explicit order is set.
func (c *Configuration[T]) HasExecutionOrder() bool {
	return c.ExecutionOrder != nil
}

// allows evaluates the static part of the gate: skip flag, then constraint.
func (c *Configuration[T]) allows(model T) (bool, SkipReason) {
	if c.Skip {
		return false, SkipReasonFlag
	}
	if c.Constraint != nil && !c.Constraint(model) {
		return false, SkipReasonConstraint
	}
	return true, ""
}
