package model

import "time"

// FlowSession status constants.
const (
	SessionStatusActive       = "active"
	SessionStatusWaitingReply = "waiting_reply"
	SessionStatusCompleted    = "completed"
	SessionStatusStopped      = "stopped"
)

// FlowSession is the runtime cursor tracking one contact's progress through a
// flow. At most one non-terminal session exists per (contact phone, flow)
// pair, enforced by delete-then-create. Version guards concurrent writes from
// the orchestrator kickoff and the reply-routing path.
type FlowSession struct {
	ID           string                     `json:"id"`
	FlowID       string                     `json:"flow_id"`
	UserID       string                     `json:"user_id"`
	ContactPhone string                     `json:"contact_phone"` // canonical form
	CurrentStep  string                     `json:"current_step"`
	Status       string                     `json:"status"`
	Variables    map[string]SessionVariable `json:"variables,omitempty"`
	Version      int                        `json:"version"`
	CreatedAt    time.Time                  `json:"created_at"`
	UpdatedAt    time.Time                  `json:"updated_at"`
}

// Terminal reports whether the session can no longer transition.
func (s *FlowSession) Terminal() bool {
	return s.Status == SessionStatusCompleted || s.Status == SessionStatusStopped
}

// SessionVariable is one resolved message parameter scoped to a session.
// Keys in FlowSession.Variables are namespaced "<nodeID>.<name>" so a
// template node only picks up the variables addressed to it.
type SessionVariable struct {
	NodeID    string `json:"node_id"`
	Index     int    `json:"index"`
	Component string `json:"component"` // header | body
	Order     *int   `json:"order,omitempty"`
	Value     string `json:"value"`
}

// Session audit action constants.
const (
	SessionActionStepExecuted = "step_executed"
	SessionActionReplyMatched = "reply_matched"
	SessionActionReplyInvalid = "reply_invalid"
	SessionActionEnded        = "ended"
	SessionActionError        = "error"
)

// FlowSessionLog is an append-only audit record of engine actions. Written
// for observability, never read back by the engine.
type FlowSessionLog struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	NodeID    string    `json:"node_id"`
	NodeLabel string    `json:"node_label,omitempty"`
	Action    string    `json:"action"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
