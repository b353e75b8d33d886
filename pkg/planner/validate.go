package planner

import (
	"errors"
	"fmt"
	"time"
)

// MaxEstimatedTime is the ceiling on a plan's estimated duration
const MaxEstimatedTime = 300 * time.Second

var (
	ErrInvalidPlan   = errors.New("invalid execution plan")
	ErrNoDataSources = errors.New("no data sources resolved")
)

// PlanError carries a human-readable reason a query could not be planned
type PlanError struct {
	Reason string
	Err    error
}

func (e *PlanError) Error() string {
	return e.Reason
}

func (e *PlanError) Unwrap() error {
	return e.Err
}

func invalid(format string, args ...any) *PlanError {
	return &PlanError{Reason: fmt.Sprintf(format, args...), Err: ErrInvalidPlan}
}

// Validate checks that a plan is safe to execute
func Validate(plan *ExecutionPlan) error {
	if plan == nil || len(plan.Steps) == 0 {
		return invalid("No execution steps defined")
	}

	if plan.EstimatedTime > MaxEstimatedTime {
		return invalid("Query estimated to take too long")
	}

	index := make(map[string]*Step, len(plan.Steps))
	for i := range plan.Steps {
		index[plan.Steps[i].ID] = &plan.Steps[i]
	}
	for _, step := range plan.Steps {
		for _, dep := range step.DependsOn {
			if _, ok := index[dep]; !ok {
				return invalid("Invalid dependency: %s", dep)
			}
		}
	}

	if id, ok := findCycle(plan.Steps, index); ok {
		return invalid("Circular dependency: %s", id)
	}

	for _, step := range plan.Steps {
		if step.Required {
			return nil
		}
	}
	return invalid("No required execution steps")
}

// findCycle returns the id of a step on a dependency cycle, if any
func findCycle(steps []Step, index map[string]*Step) (string, bool) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(steps))

	var visit func(id string) (string, bool)
	visit = func(id string) (string, bool) {
		switch state[id] {
		case visiting:
			return id, true
		case done:
			return "", false
		}
		state[id] = visiting
		for _, dep := range index[id].DependsOn {
			if cycled, ok := visit(dep); ok {
				return cycled, true
			}
		}
		state[id] = done
		return "", false
	}

	for _, step := range steps {
		if id, ok := visit(step.ID); ok {
			return id, true
		}
	}
	return "", false
}
