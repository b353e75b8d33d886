package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType defines the category of an outcome event
type EventType string

const (
	EventQueryCompleted EventType = "query.completed"
	EventQueryFailed    EventType = "query.failed"
)

// FailureKind classifies why a query could not be answered
type FailureKind string

const (
	FailureNone          FailureKind = ""
	FailureUnavailable   FailureKind = "unavailable"
	FailureNoData        FailureKind = "no_data"
	FailureNotUnderstood FailureKind = "not_understood"
	FailureTooLarge      FailureKind = "too_large"
	FailureInternal      FailureKind = "internal"
)

// QueryOutcome is published once a query task has been resolved so the chat
// layer can reply in the originating thread.
type QueryOutcome struct {
	ID          string      `json:"id"`
	Type        EventType   `json:"type"`
	Source      string      `json:"source"`
	TaskID      string      `json:"task_id"`
	PlanID      string      `json:"plan_id,omitempty"`
	UserID      string      `json:"user_id"`
	ChannelID   string      `json:"channel_id"`
	ThreadTS    string      `json:"thread_ts,omitempty"`
	Success     bool        `json:"success"`
	Failure     FailureKind `json:"failure,omitempty"`
	Message     string      `json:"message"`
	Reason      string      `json:"reason,omitempty"` // internal detail, not shown to users
	CSVPath     string      `json:"csv_path,omitempty"`
	RowCount    int         `json:"row_count"`
	Complexity  string      `json:"complexity,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
	Correlation string      `json:"correlation_id,omitempty"`
}

// NewQueryOutcome creates an outcome for the given request
func NewQueryOutcome(source, taskID string, req QueryRequest) QueryOutcome {
	return QueryOutcome{
		ID:        uuid.New().String(),
		Type:      EventQueryCompleted,
		Source:    source,
		TaskID:    taskID,
		UserID:    req.UserID,
		ChannelID: req.ChannelID,
		ThreadTS:  req.ThreadTS,
		Timestamp: time.Now().UTC(),
	}
}

// Failed marks the outcome as a failure of the given kind
func (o QueryOutcome) Failed(kind FailureKind, message string) QueryOutcome {
	o.Type = EventQueryFailed
	o.Success = false
	o.Failure = kind
	o.Message = message
	return o
}

// ToJSON serializes the outcome to JSON bytes
func (o QueryOutcome) ToJSON() ([]byte, error) {
	return json.Marshal(o)
}

// OutcomeFromJSON deserializes an outcome from JSON bytes
func OutcomeFromJSON(data []byte) (QueryOutcome, error) {
	var o QueryOutcome
	err := json.Unmarshal(data, &o)
	return o, err
}

// Validate checks if the outcome has all required fields
func (o QueryOutcome) Validate() error {
	if o.ID == "" {
		return &ValidationError{Field: "id", Message: "outcome ID is required"}
	}
	if o.Type == "" {
		return &ValidationError{Field: "type", Message: "outcome type is required"}
	}
	if o.TaskID == "" {
		return &ValidationError{Field: "task_id", Message: "task ID is required"}
	}
	if o.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: "outcome timestamp is required"}
	}
	return nil
}
