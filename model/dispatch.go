package model

import "time"

// Dispatch kind constants.
const (
	DispatchKindTemplate = "template"
	DispatchKindFlow     = "flow"
)

// Dispatch lifecycle status constants.
const (
	DispatchStatusIdle      = "idle"
	DispatchStatusRunning   = "running"
	DispatchStatusPaused    = "paused"
	DispatchStatusCompleted = "completed"
	DispatchStatusStopped   = "stopped"
	DispatchStatusError     = "error"
)

// Dispatch is a bulk messaging campaign: an ordered recipient list walked by
// the orchestrator loop, with a cursor so the campaign survives pause/resume
// and process restarts. Retained as history after completion, never deleted
// by the core.
type Dispatch struct {
	ID           string      `json:"id"`
	UserID       string      `json:"user_id"`
	Kind         string      `json:"kind"` // template | flow
	TemplateName string      `json:"template_name,omitempty"`
	FlowID       string      `json:"flow_id,omitempty"`
	Leads        []Lead      `json:"leads"`
	Mappings     MappingSpec `json:"mappings,omitempty"`
	CurrentIndex int         `json:"current_index"`
	TotalLeads   int         `json:"total_leads"`
	SuccessCount int         `json:"success_count"`
	ErrorCount   int         `json:"error_count"`
	Status       string      `json:"status"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Lead is one recipient record: free-form columns keyed by header name,
// typically imported from a spreadsheet.
type Lead map[string]any

// VariableMapping declares how one message parameter is filled: either a
// literal value or a named lead column, targeting a header or body slot.
type VariableMapping struct {
	Key       string `json:"key,omitempty"`
	Index     int    `json:"index"`
	Component string `json:"component"` // header | body
	Order     *int   `json:"order,omitempty"`
	Type      string `json:"type"` // column | value
	Column    string `json:"column,omitempty"`
	Value     string `json:"value,omitempty"`
}

// MappingSpec is the per-campaign parameter mapping, in declaration order.
type MappingSpec []VariableMapping

// Mapping component constants.
const (
	ComponentHeader = "header"
	ComponentBody   = "body"

	MappingTypeColumn = "column"
	MappingTypeValue  = "value"
)

// DispatchLog outcome constants.
const (
	LogStatusSent  = "sent"
	LogStatusError = "error"
)

// DispatchLog is one append-only record per processed recipient. Immutable
// once written.
type DispatchLog struct {
	ID         string    `json:"id"`
	DispatchID string    `json:"dispatch_id"`
	Phone      string    `json:"phone"`
	Status     string    `json:"status"` // sent | error
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// HistoryRecord is the unified message history row appended on successful
// sends and on inbound replies.
type HistoryRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Phone     string    `json:"phone"`
	Direction string    `json:"direction"` // in | out
	Kind      string    `json:"kind"`      // template | text | image | interactive
	Body      string    `json:"body,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// History direction constants.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)
