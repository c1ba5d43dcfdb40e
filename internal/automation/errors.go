package automation

import "errors"

var (
	// ErrRuleNotFound is returned when a rule id does not exist.
	ErrRuleNotFound = errors.New("automation rule not found")
	// ErrBudgetExhausted is returned by RuleStore.IncrementExecutionCount when the
	// rule reached max executions or was disabled concurrently.
	ErrBudgetExhausted = errors.New("automation rule execution budget exhausted")
	// ErrEntityNotFound is returned by EntityStore for unknown tasks, lists, labels...
	ErrEntityNotFound = errors.New("entity not found")
	// ErrUnsupportedAction marks an action kind outside the known vocabulary.
	ErrUnsupportedAction = errors.New("unsupported action kind")
	// ErrMissingParam marks an action missing a required parameter.
	ErrMissingParam = errors.New("missing action parameter")
	// ErrPendingClaimed is returned when a delayed execution was already claimed.
	ErrPendingClaimed = errors.New("pending execution already claimed")
)
