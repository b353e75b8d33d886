package models

import (
	"fmt"
	"time"
)

// TaskStatus represents the current state of a queued task
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskDelayed    TaskStatus = "delayed"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// TaskPriority defines task execution priority
type TaskPriority int

const (
	LowPriority      TaskPriority = 1
	NormalPriority   TaskPriority = 5
	HighPriority     TaskPriority = 10
	CriticalPriority TaskPriority = 15
)

// HealthStatus represents the health state of a component
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnknown   HealthStatus = "unknown"
)

// CircuitState represents circuit breaker state
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// Value maps the state onto a gauge value (closed 0, half-open 1, open 2)
func (s CircuitState) Value() float64 {
	switch s {
	case CircuitOpen:
		return 2
	case CircuitHalfOpen:
		return 1
	default:
		return 0
	}
}

// QueueStats reports the size of each queue collection
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Failed     int64 `json:"failed"`
	Delayed    int64 `json:"delayed"`
}

// IntentType is the coarse classification of a data query
type IntentType string

const (
	IntentMetrics    IntentType = "metrics"
	IntentTrends     IntentType = "trends"
	IntentComparison IntentType = "comparison"
	IntentSummary    IntentType = "summary"
	IntentDetailed   IntentType = "detailed"
)

// IntentTypes lists every recognised intent type
var IntentTypes = []IntentType{IntentMetrics, IntentTrends, IntentComparison, IntentSummary, IntentDetailed}

// Valid reports whether t is one of the recognised intent types
func (t IntentType) Valid() bool {
	for _, known := range IntentTypes {
		if t == known {
			return true
		}
	}
	return false
}

// TimeRangeType tags the variant carried by a TimeRange
type TimeRangeType string

const (
	TimeRangeNone     TimeRangeType = "none"
	TimeRangeRelative TimeRangeType = "relative"
	TimeRangeAbsolute TimeRangeType = "absolute"
	TimeRangeDuration TimeRangeType = "duration"
)

// TimeRange describes the period a query covers.
// Relative ranges use Pattern, absolute ranges use StartDate/EndDate and
// duration ranges use Value and Unit.
type TimeRange struct {
	Type      TimeRangeType `json:"type" yaml:"type"`
	Pattern   string        `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	StartDate string        `json:"start_date,omitempty" yaml:"start_date,omitempty"`
	EndDate   string        `json:"end_date,omitempty" yaml:"end_date,omitempty"`
	Value     *int          `json:"value,omitempty" yaml:"value,omitempty"` // nil means the default window
	Unit      string        `json:"unit,omitempty" yaml:"unit,omitempty"`
}

// MinConfidence is the lowest intent confidence the pipeline will plan for
const MinConfidence = 0.5

// Intent is the structured interpretation of a natural-language query
type Intent struct {
	Type         IntentType     `json:"intent_type"`
	Confidence   float64        `json:"confidence"`
	Entities     map[string]any `json:"entities,omitempty"`
	Filters      map[string]any `json:"filters,omitempty"`
	TimeRange    *TimeRange     `json:"time_range,omitempty"`
	DataSources  []string       `json:"data_sources"`
	OutputFormat string         `json:"output_format,omitempty"`
}

// Confident reports whether the intent passed the confidence gate
func (i Intent) Confident() bool {
	return i.Confidence >= MinConfidence
}

// Validate checks the intent for structural problems
func (i Intent) Validate() error {
	if !i.Type.Valid() {
		return &ValidationError{Field: "intent_type", Message: fmt.Sprintf("unknown intent type %q", i.Type)}
	}
	if i.Confidence < 0 || i.Confidence > 1 {
		return &ValidationError{Field: "confidence", Message: "confidence must be within [0, 1]"}
	}
	if len(i.DataSources) == 0 {
		return &ValidationError{Field: "data_sources", Message: "at least one data source is required"}
	}
	return nil
}

// QueryRequest is the payload of a process_query task
type QueryRequest struct {
	Query     string    `json:"query"`
	UserID    string    `json:"user_id"`
	ChannelID string    `json:"channel_id"`
	ThreadTS  string    `json:"thread_ts,omitempty"`
	Intent    Intent    `json:"intent"`
	CreatedAt time.Time `json:"created_at"`
}

// ValidationError represents a record validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "validation error on field '" + e.Field + "': " + e.Message
}
