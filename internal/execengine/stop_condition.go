package execengine

import (
	"context"
	"fmt"

	"github.com/reconcilio/rcaengine/internal/apperrors"
)

// StopCondition is itself a Node, inserted by the engine driver after every
// pipeline step rather than authored per-rule (spec.md §4.6): it checks the
// current relation's row count and the run's cumulative cost against the
// execution mode's budget and aborts with a recoverable ResourceExceeded
// error when either is over.
type StopCondition struct{}

func (StopCondition) Name() string { return "StopCondition" }

func (StopCondition) Execute(_ context.Context, ec *ExecutionContext) error {
	if ec.Budget.MaxRows > 0 && ec.Relation != nil && len(ec.Relation.Rows) > ec.Budget.MaxRows {
		return apperrors.NewRecoverable(apperrors.KindExecution,
			fmt.Sprintf("row limit %d exceeded: relation has %d rows", ec.Budget.MaxRows, len(ec.Relation.Rows)),
			apperrors.ErrResourceExceeded)
	}
	if ec.Budget.CostBudget > 0 && ec.Cost > ec.Budget.CostBudget {
		return apperrors.NewRecoverable(apperrors.KindExecution,
			fmt.Sprintf("cost budget %d exceeded: spent %d", ec.Budget.CostBudget, ec.Cost),
			apperrors.ErrResourceExceeded)
	}
	return nil
}
