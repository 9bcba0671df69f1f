package executor

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/autoflow/backend/internal/actionlog"
	"github.com/autoflow/backend/internal/core"
)

// SubmitPlan executes an interpreter-produced plan. Steps touching the
// same service run in plan order; steps for different services run
// concurrently. Individual action failures are recorded, not fatal:
// the returned slice always holds one record per step, in plan order.
// The error is non-nil only for infrastructure failures (a step whose
// record could not even be created).
func (e *Executor) SubmitPlan(ctx context.Context, userID string, plan core.Plan) ([]*actionlog.ActionRecord, error) {
	records := make([]*actionlog.ActionRecord, len(plan.Steps))

	// Partition step indexes by service, preserving plan order within
	// each service. The per-key queue serializes same-service actions
	// anyway, but submitting them from one goroutine guarantees the
	// queue sees them in plan order.
	byService := make(map[core.Service][]int)
	var order []core.Service
	for i, step := range plan.Steps {
		if _, seen := byService[step.Service]; !seen {
			order = append(order, step.Service)
		}
		byService[step.Service] = append(byService[step.Service], i)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, service := range order {
		indexes := byService[service]
		g.Go(func() error {
			for _, i := range indexes {
				step := plan.Steps[i]
				rec, err := e.Execute(gctx, userID, step.Service, step.Operation, step.Params)
				if rec == nil {
					return fmt.Errorf("step %d (%s %s): %w", i, step.Service, step.Operation, err)
				}
				records[i] = rec
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return records, err
	}
	return records, nil
}
