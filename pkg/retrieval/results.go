package retrieval

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ToolResult is the outcome of one tool call within a step
type ToolResult struct {
	Success     bool           `json:"success"`
	Data        any            `json:"data,omitempty"`
	Arguments   map[string]any `json:"arguments"`
	Error       string         `json:"error,omitempty"`
	Unavailable bool           `json:"unavailable,omitempty"` // breaker open or server unreachable
}

// StepResult is the outcome of one plan step
type StepResult struct {
	StepID          string                `json:"step_id"`
	DataSource      string                `json:"data_source"`
	Success         bool                  `json:"success"`
	Data            map[string]ToolResult `json:"data"`
	ExecutionTime   time.Duration         `json:"execution_time"`
	ToolResults     int                   `json:"tool_results"`
	SuccessfulTools int                   `json:"successful_tools"`
	Error           string                `json:"error,omitempty"`
}

// Results maps step ids to their outcomes. Steps never attempted are absent.
type Results map[string]*StepResult

// StepIDs returns the ids in plan order: step_2 before step_10. Ids
// without a numeric suffix sort after numbered ones, by name.
func (r Results) StepIDs() []string {
	ids := make([]string, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ni, iok := stepNumber(ids[i])
		nj, jok := stepNumber(ids[j])
		switch {
		case iok && jok && ni != nj:
			return ni < nj
		case iok != jok:
			return iok
		}
		return ids[i] < ids[j]
	})
	return ids
}

func stepNumber(id string) (int, bool) {
	i := strings.LastIndexByte(id, '_')
	if i < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(id[i+1:])
	return n, err == nil
}

// ToolName strips the #N suffix given to repeated calls of one tool
func ToolName(key string) string {
	if i := strings.LastIndexByte(key, '#'); i > 0 {
		return key[:i]
	}
	return key
}

// Successful counts the successful steps
func (r Results) Successful() int {
	n := 0
	for _, res := range r {
		if res.Success {
			n++
		}
	}
	return n
}

// Unavailable reports whether every failed tool call failed because the
// tool server was unreachable or guarded by an open breaker. It is false
// when no tool call failed.
func (r Results) Unavailable() bool {
	failed := 0
	for _, res := range r {
		for _, tr := range res.Data {
			if tr.Success {
				continue
			}
			if !tr.Unavailable {
				return false
			}
			failed++
		}
	}
	return failed > 0
}

var (
	ErrNoResults         = errors.New("no results returned")
	ErrNoSuccessfulSteps = errors.New("no steps completed successfully")
	ErrNoUsableData      = errors.New("no data found in results")
)

// ValidationError reports a retrieval that ran but produced nothing usable
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("data retrieval validation failed: %v", e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Reason is the short label used in metrics
func (e *ValidationError) Reason() string {
	switch {
	case errors.Is(e.Err, ErrNoResults):
		return "no_results"
	case errors.Is(e.Err, ErrNoSuccessfulSteps):
		return "no_successful_steps"
	default:
		return "no_data"
	}
}

// ValidateResults accepts results with at least one successful step that
// carries non-empty tool data.
func ValidateResults(results Results) error {
	if len(results) == 0 {
		return &ValidationError{Err: ErrNoResults}
	}
	if results.Successful() == 0 {
		return &ValidationError{Err: ErrNoSuccessfulSteps}
	}

	for _, res := range results {
		if !res.Success {
			continue
		}
		for _, tr := range res.Data {
			if tr.Success && hasData(tr.Data) {
				return nil
			}
		}
	}
	return &ValidationError{Err: ErrNoUsableData}
}

// hasData reports whether v holds anything beyond a zero or empty value
func hasData(v any) bool {
	switch d := v.(type) {
	case nil:
		return false
	case string:
		return d != ""
	case bool:
		return d
	case float64:
		return d != 0
	case int:
		return d != 0
	case []any:
		return len(d) > 0
	case map[string]any:
		return len(d) > 0
	default:
		return true
	}
}
