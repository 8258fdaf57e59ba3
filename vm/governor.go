package vm

// ---------------------------------------------------------------------------
// Resource governor: cooperative step and depth budgets
// ---------------------------------------------------------------------------

// governor enforces the step-count and call-depth budgets for the
// current top-level invocation. Checks are cheap comparisons performed
// at dispatch boundaries; cancellation granularity is one bytecode
// instruction, never an asynchronous interrupt mid-instruction.
//
// The memory budget is enforced separately by the Allocator ceiling.
type governor struct {
	steps      uint64 // instructions dispatched this invocation
	stepBudget uint64 // 0 = unlimited
	maxDepth   int
}

// reset arms the governor for a fresh top-level invocation. Nested
// invocations (host reentry) keep consuming the same counters.
func (g *governor) reset(stepBudget uint64, maxDepth int) {
	g.steps = 0
	g.stepBudget = stepBudget
	g.maxDepth = maxDepth
}

// chargeStep counts one dispatched instruction against the budget. A
// counter increment and one comparison; cheap enough to run unbatched.
func (g *governor) chargeStep() error {
	g.steps++
	if g.stepBudget != 0 && g.steps > g.stepBudget {
		return &ResourceError{Kind: ResourceSteps}
	}
	return nil
}

// checkDepth validates a prospective frame-stack depth.
func (g *governor) checkDepth(depth int) error {
	if g.maxDepth > 0 && depth > g.maxDepth {
		return &ResourceError{Kind: ResourceStackDepth}
	}
	return nil
}
