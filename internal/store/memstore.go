package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zaplane/zaplane/model"
)

// MemoryStore is an in-memory Store for tests and single-node deployments.
type MemoryStore struct {
	mu          sync.RWMutex
	dispatches  map[string]model.Dispatch
	logs        map[string][]model.DispatchLog // key: dispatch ID
	flows       map[string]model.Flow
	sessions    map[string]model.FlowSession
	sessionLogs map[string][]model.FlowSessionLog // key: session ID
	configs     map[string]model.UserConfig       // key: user ID
	history     []model.HistoryRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		dispatches:  make(map[string]model.Dispatch),
		logs:        make(map[string][]model.DispatchLog),
		flows:       make(map[string]model.Flow),
		sessions:    make(map[string]model.FlowSession),
		sessionLogs: make(map[string][]model.FlowSessionLog),
		configs:     make(map[string]model.UserConfig),
	}
}

// CreateDispatch persists a new dispatch.
func (s *MemoryStore) CreateDispatch(_ context.Context, d model.Dispatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.dispatches[d.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("dispatch %q already exists", d.ID))
	}
	// Mirror the storage-level mutual exclusion the SQL schema enforces with
	// a partial unique index.
	for _, other := range s.dispatches {
		if other.UserID == d.UserID && activeStatus(other.Status) && activeStatus(d.Status) {
			return model.NewConflictError(
				fmt.Sprintf("user %q already has dispatch %q in status %s", d.UserID, other.ID, other.Status),
			)
		}
	}
	s.dispatches[d.ID] = d
	return nil
}

// GetDispatch retrieves a dispatch by id.
func (s *MemoryStore) GetDispatch(_ context.Context, id string) (model.Dispatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, exists := s.dispatches[id]
	if !exists {
		return model.Dispatch{}, model.NewNotFoundError(fmt.Sprintf("dispatch %q not found", id))
	}
	return d, nil
}

// UpdateDispatch persists cursor, counters, and status.
func (s *MemoryStore) UpdateDispatch(_ context.Context, d model.Dispatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.dispatches[d.ID]; !exists {
		return model.NewNotFoundError(fmt.Sprintf("dispatch %q not found", d.ID))
	}
	d.UpdatedAt = time.Now().UTC()
	s.dispatches[d.ID] = d
	return nil
}

// FindActiveByUser returns the user's running/idle dispatches.
func (s *MemoryStore) FindActiveByUser(_ context.Context, userID string) ([]model.Dispatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Dispatch
	for _, d := range s.dispatches {
		if d.UserID == userID && activeStatus(d.Status) {
			result = append(result, d)
		}
	}
	return result, nil
}

// FindInterrupted returns every running/idle dispatch.
func (s *MemoryStore) FindInterrupted(_ context.Context) ([]model.Dispatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Dispatch
	for _, d := range s.dispatches {
		if activeStatus(d.Status) {
			result = append(result, d)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// AppendDispatchLog adds one per-recipient outcome record.
func (s *MemoryStore) AppendDispatchLog(_ context.Context, l model.DispatchLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logs[l.DispatchID] = append(s.logs[l.DispatchID], l)
	return nil
}

// ListDispatchLogs returns a dispatch's logs in append order.
func (s *MemoryStore) ListDispatchLogs(_ context.Context, dispatchID, status string) ([]model.DispatchLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.DispatchLog
	for _, l := range s.logs[dispatchID] {
		if status != "" && l.Status != status {
			continue
		}
		result = append(result, l)
	}
	return result, nil
}

// GetFlow retrieves a flow graph by id.
func (s *MemoryStore) GetFlow(_ context.Context, id string) (model.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, exists := s.flows[id]
	if !exists {
		return model.Flow{}, model.NewNotFoundError(fmt.Sprintf("flow %q not found", id))
	}
	return f, nil
}

// SaveFlow inserts or replaces a flow definition.
func (s *MemoryStore) SaveFlow(_ context.Context, f model.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.flows[f.ID] = f
	return nil
}

// CreateSession persists a new session.
func (s *MemoryStore) CreateSession(_ context.Context, sess model.FlowSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("session %q already exists", sess.ID))
	}
	s.sessions[sess.ID] = sess
	return nil
}

// GetSession retrieves a session by id.
func (s *MemoryStore) GetSession(_ context.Context, id string) (model.FlowSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, exists := s.sessions[id]
	if !exists {
		return model.FlowSession{}, model.NewNotFoundError(fmt.Sprintf("session %q not found", id))
	}
	return sess, nil
}

// UpdateSession persists a session with optimistic locking.
func (s *MemoryStore) UpdateSession(_ context.Context, sess model.FlowSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.sessions[sess.ID]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("session %q not found", sess.ID))
	}
	if existing.Version != sess.Version {
		return model.NewConflictError(
			fmt.Sprintf("session %q version conflict (expected %d, got %d)", sess.ID, sess.Version, existing.Version),
		)
	}
	sess.Version++
	sess.UpdatedAt = time.Now().UTC()
	s.sessions[sess.ID] = sess
	return nil
}

// DeleteSessionsByContact removes sessions for a (flow, phone) pair.
func (s *MemoryStore) DeleteSessionsByContact(_ context.Context, flowID, contactPhone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, sess := range s.sessions {
		if sess.FlowID == flowID && sess.ContactPhone == contactPhone {
			delete(s.sessions, id)
			delete(s.sessionLogs, id)
		}
	}
	return nil
}

// FindWaitingByPhones returns waiting_reply sessions matching any phone
// variant, newest update first.
func (s *MemoryStore) FindWaitingByPhones(_ context.Context, phones []string, userID string) ([]model.FlowSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	match := make(map[string]bool, len(phones))
	for _, p := range phones {
		match[p] = true
	}

	var result []model.FlowSession
	for _, sess := range s.sessions {
		if sess.Status != model.SessionStatusWaitingReply {
			continue
		}
		if !match[sess.ContactPhone] {
			continue
		}
		if userID != "" && sess.UserID != userID {
			continue
		}
		result = append(result, sess)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	return result, nil
}

// AppendSessionLog adds one audit record.
func (s *MemoryStore) AppendSessionLog(_ context.Context, l model.FlowSessionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessionLogs[l.SessionID] = append(s.sessionLogs[l.SessionID], l)
	return nil
}

// GetUserConfig retrieves a user's channel credentials.
func (s *MemoryStore) GetUserConfig(_ context.Context, userID string) (model.UserConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, exists := s.configs[userID]
	if !exists {
		return model.UserConfig{}, model.NewNotFoundError(fmt.Sprintf("config for user %q not found", userID))
	}
	return c, nil
}

// FindUserByChannel resolves the owning user of a channel id.
func (s *MemoryStore) FindUserByChannel(_ context.Context, phoneNumberID string) (model.UserConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.configs {
		if c.PhoneNumberID == phoneNumberID {
			return c, nil
		}
	}
	return model.UserConfig{}, model.NewNotFoundError(fmt.Sprintf("no user for channel %q", phoneNumberID))
}

// FindUserByVerifyToken resolves a user by webhook verification secret.
func (s *MemoryStore) FindUserByVerifyToken(_ context.Context, token string) (model.UserConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.configs {
		if c.VerifyToken != "" && c.VerifyToken == token {
			return c, nil
		}
	}
	return model.UserConfig{}, model.NewNotFoundError("no user matches the verification token")
}

// SaveUserConfig inserts or replaces a user's credentials.
func (s *MemoryStore) SaveUserConfig(_ context.Context, c model.UserConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.configs[c.UserID] = c
	return nil
}

// AppendHistory adds one unified history record.
func (s *MemoryStore) AppendHistory(_ context.Context, h model.HistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, h)
	return nil
}

// SessionLogs returns a session's audit trail. For testing.
func (s *MemoryStore) SessionLogs(sessionID string) []model.FlowSessionLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	logs := make([]model.FlowSessionLog, len(s.sessionLogs[sessionID]))
	copy(logs, s.sessionLogs[sessionID])
	return logs
}

// HistoryLen returns the number of history rows. For testing.
func (s *MemoryStore) HistoryLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history)
}

func activeStatus(status string) bool {
	return status == model.DispatchStatusRunning || status == model.DispatchStatusIdle
}
