// Package notify pushes progress and status events to a user's connected
// realtime clients. Delivery is fire-and-forget: a slow or absent consumer
// never blocks the dispatch loop or the flow engine.
package notify

// Event name constants.
const (
	EventDispatchStatus   = "dispatch:status"
	EventDispatchProgress = "dispatch:progress"
	EventDispatchComplete = "dispatch:complete"
	EventMessageReceived  = "message:received"
)

// Port publishes events scoped to one user's clients.
type Port interface {
	Publish(userID, event string, payload any)
}

// Noop discards every event. Used by tests and when notification is
// disabled.
type Noop struct{}

// Publish discards the event.
func (Noop) Publish(string, string, any) {}
