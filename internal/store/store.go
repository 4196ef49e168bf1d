// Package store persists the campaign and flow records. Two implementations
// exist: an in-memory store used by tests and single-node deployments, and a
// PostgreSQL store for everything else.
package store

import (
	"context"

	"github.com/zaplane/zaplane/model"
)

// DispatchStore persists bulk campaigns and their per-recipient logs.
type DispatchStore interface {
	// CreateDispatch persists a new dispatch. Returns CONFLICT when the
	// storage layer enforces the one-active-dispatch-per-user rule and a
	// concurrent creation already won.
	CreateDispatch(ctx context.Context, d model.Dispatch) error

	// GetDispatch retrieves a dispatch by id. Returns NOT_FOUND if absent.
	GetDispatch(ctx context.Context, id string) (model.Dispatch, error)

	// UpdateDispatch persists cursor, counters, and status. The dispatch
	// loop is the single writer; no version check is applied.
	UpdateDispatch(ctx context.Context, d model.Dispatch) error

	// FindActiveByUser returns the user's dispatches in status running or
	// idle.
	FindActiveByUser(ctx context.Context, userID string) ([]model.Dispatch, error)

	// FindInterrupted returns every dispatch left in status running or idle,
	// across all users. Used by startup reconciliation.
	FindInterrupted(ctx context.Context) ([]model.Dispatch, error)

	// AppendDispatchLog adds one immutable per-recipient outcome record.
	AppendDispatchLog(ctx context.Context, l model.DispatchLog) error

	// ListDispatchLogs returns a dispatch's logs, optionally filtered by
	// outcome status, in append order.
	ListDispatchLogs(ctx context.Context, dispatchID, status string) ([]model.DispatchLog, error)
}

// FlowStore reads flow definitions. Authoring happens elsewhere.
type FlowStore interface {
	// GetFlow retrieves a flow graph by id. Returns NOT_FOUND if absent.
	GetFlow(ctx context.Context, id string) (model.Flow, error)

	// SaveFlow inserts or replaces a flow definition.
	SaveFlow(ctx context.Context, f model.Flow) error
}

// SessionStore persists flow sessions and their audit trail.
type SessionStore interface {
	// CreateSession persists a new session.
	CreateSession(ctx context.Context, s model.FlowSession) error

	// GetSession retrieves a session by id. Returns NOT_FOUND if absent.
	GetSession(ctx context.Context, id string) (model.FlowSession, error)

	// UpdateSession persists a session with optimistic locking. Returns
	// CONFLICT when the stored version differs; the caller re-reads and
	// re-applies.
	UpdateSession(ctx context.Context, s model.FlowSession) error

	// DeleteSessionsByContact removes every session for the (flow, canonical
	// phone) pair.
	DeleteSessionsByContact(ctx context.Context, flowID, contactPhone string) error

	// FindWaitingByPhones returns sessions in status waiting_reply whose
	// contact phone matches any of the given variants, newest update first.
	// userID, when non-empty, restricts to flows owned by that user.
	FindWaitingByPhones(ctx context.Context, phones []string, userID string) ([]model.FlowSession, error)

	// AppendSessionLog adds one audit record.
	AppendSessionLog(ctx context.Context, l model.FlowSessionLog) error
}

// ConfigStore reads per-user channel credentials.
type ConfigStore interface {
	// GetUserConfig retrieves a user's channel credentials. Returns
	// NOT_FOUND if absent.
	GetUserConfig(ctx context.Context, userID string) (model.UserConfig, error)

	// FindUserByChannel resolves the owning user of a receiving channel id.
	FindUserByChannel(ctx context.Context, phoneNumberID string) (model.UserConfig, error)

	// FindUserByVerifyToken resolves the user whose webhook verification
	// secret matches. Used by the subscription handshake, which carries no
	// channel id.
	FindUserByVerifyToken(ctx context.Context, token string) (model.UserConfig, error)

	// SaveUserConfig inserts or replaces a user's credentials.
	SaveUserConfig(ctx context.Context, c model.UserConfig) error
}

// HistoryStore appends to the unified message history.
type HistoryStore interface {
	AppendHistory(ctx context.Context, h model.HistoryRecord) error
}

// Store is the full persistence surface consumed by the core.
type Store interface {
	DispatchStore
	FlowStore
	SessionStore
	ConfigStore
	HistoryStore
}
