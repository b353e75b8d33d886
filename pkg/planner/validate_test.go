package planner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func step(id string, required bool, deps ...string) Step {
	if deps == nil {
		deps = []string{}
	}
	return Step{ID: id, Required: required, DependsOn: deps, EstimatedTime: 10 * time.Second}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		plan   *ExecutionPlan
		reason string
	}{
		{"nil plan", nil, "No execution steps defined"},
		{"no steps", &ExecutionPlan{}, "No execution steps defined"},
		{
			"too long",
			&ExecutionPlan{Steps: []Step{step("step_1", true)}, EstimatedTime: 301 * time.Second},
			"Query estimated to take too long",
		},
		{
			"dangling dependency",
			&ExecutionPlan{Steps: []Step{step("step_1", true), step("step_2", true, "step_9")}},
			"Invalid dependency: step_9",
		},
		{
			"cycle",
			&ExecutionPlan{Steps: []Step{step("step_1", true, "step_2"), step("step_2", true, "step_1")}},
			"Circular dependency: step_1",
		},
		{
			"self dependency",
			&ExecutionPlan{Steps: []Step{step("step_1", true, "step_1")}},
			"Circular dependency: step_1",
		},
		{
			"no required step",
			&ExecutionPlan{Steps: []Step{step("step_1", false), step("step_2", false, "step_1")}},
			"No required execution steps",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.plan)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidPlan)
			assert.Equal(t, tt.reason, err.Error())
		})
	}
}

func TestValidateAcceptsChainAtCeiling(t *testing.T) {
	plan := &ExecutionPlan{
		Steps:         []Step{step("step_1", true), step("step_2", false, "step_1"), step("step_3", false, "step_2")},
		EstimatedTime: MaxEstimatedTime,
	}
	assert.NoError(t, Validate(plan))
}
