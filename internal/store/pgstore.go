package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zaplane/zaplane/model"
)

// uniqueViolation is the PostgreSQL error code raised when the partial
// unique index on active dispatches rejects a concurrent creation.
const uniqueViolation = "23505"

// PgStore is a PostgreSQL-backed Store using pgx/v5. Recipient lists,
// mapping specs, graphs, and session variables are stored as JSONB and
// round-tripped on load.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Ping reports store reachability for readiness checks.
func (s *PgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateDispatch inserts a new dispatch. The uq_dispatches_active_user index
// turns a concurrent same-user creation into a CONFLICT.
func (s *PgStore) CreateDispatch(ctx context.Context, d model.Dispatch) error {
	leadsJSON, err := json.Marshal(d.Leads)
	if err != nil {
		return fmt.Errorf("marshal leads: %w", err)
	}
	mappingsJSON, err := json.Marshal(d.Mappings)
	if err != nil {
		return fmt.Errorf("marshal mappings: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO dispatches (
			id, user_id, kind, template_name, flow_id,
			leads, mappings, current_index, total_leads,
			success_count, error_count, status, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13, $14
		)`,
		d.ID, d.UserID, d.Kind, d.TemplateName, d.FlowID,
		leadsJSON, mappingsJSON, d.CurrentIndex, d.TotalLeads,
		d.SuccessCount, d.ErrorCount, d.Status, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return model.NewConflictError(
				fmt.Sprintf("user %q already has an active dispatch", d.UserID),
			)
		}
		return fmt.Errorf("insert dispatch: %w", err)
	}
	return nil
}

// GetDispatch retrieves a dispatch by id.
func (s *PgStore) GetDispatch(ctx context.Context, id string) (model.Dispatch, error) {
	var d model.Dispatch
	var leadsJSON, mappingsJSON []byte

	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, kind, template_name, flow_id,
		       leads, mappings, current_index, total_leads,
		       success_count, error_count, status, created_at, updated_at
		FROM dispatches
		WHERE id = $1`,
		id,
	).Scan(
		&d.ID, &d.UserID, &d.Kind, &d.TemplateName, &d.FlowID,
		&leadsJSON, &mappingsJSON, &d.CurrentIndex, &d.TotalLeads,
		&d.SuccessCount, &d.ErrorCount, &d.Status, &d.CreatedAt, &d.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return model.Dispatch{}, model.NewNotFoundError(fmt.Sprintf("dispatch %q not found", id))
	}
	if err != nil {
		return model.Dispatch{}, fmt.Errorf("query dispatch: %w", err)
	}

	if err := json.Unmarshal(leadsJSON, &d.Leads); err != nil {
		return model.Dispatch{}, fmt.Errorf("unmarshal leads: %w", err)
	}
	if len(mappingsJSON) > 0 {
		if err := json.Unmarshal(mappingsJSON, &d.Mappings); err != nil {
			return model.Dispatch{}, fmt.Errorf("unmarshal mappings: %w", err)
		}
	}
	return d, nil
}

// UpdateDispatch persists cursor, counters, and status.
func (s *PgStore) UpdateDispatch(ctx context.Context, d model.Dispatch) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dispatches SET
			current_index = $1,
			success_count = $2,
			error_count = $3,
			status = $4,
			updated_at = $5
		WHERE id = $6`,
		d.CurrentIndex, d.SuccessCount, d.ErrorCount, d.Status,
		time.Now().UTC(), d.ID,
	)
	if err != nil {
		return fmt.Errorf("update dispatch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("dispatch %q not found", d.ID))
	}
	return nil
}

// FindActiveByUser returns the user's running/idle dispatches.
func (s *PgStore) FindActiveByUser(ctx context.Context, userID string) ([]model.Dispatch, error) {
	return s.queryDispatches(ctx, `
		SELECT id, user_id, kind, template_name, flow_id,
		       leads, mappings, current_index, total_leads,
		       success_count, error_count, status, created_at, updated_at
		FROM dispatches
		WHERE user_id = $1 AND status IN ('running', 'idle')
		ORDER BY created_at`,
		userID,
	)
}

// FindInterrupted returns every running/idle dispatch.
func (s *PgStore) FindInterrupted(ctx context.Context) ([]model.Dispatch, error) {
	return s.queryDispatches(ctx, `
		SELECT id, user_id, kind, template_name, flow_id,
		       leads, mappings, current_index, total_leads,
		       success_count, error_count, status, created_at, updated_at
		FROM dispatches
		WHERE status IN ('running', 'idle')
		ORDER BY created_at`,
	)
}

func (s *PgStore) queryDispatches(ctx context.Context, query string, args ...any) ([]model.Dispatch, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query dispatches: %w", err)
	}
	defer rows.Close()

	var result []model.Dispatch
	for rows.Next() {
		var d model.Dispatch
		var leadsJSON, mappingsJSON []byte
		if err := rows.Scan(
			&d.ID, &d.UserID, &d.Kind, &d.TemplateName, &d.FlowID,
			&leadsJSON, &mappingsJSON, &d.CurrentIndex, &d.TotalLeads,
			&d.SuccessCount, &d.ErrorCount, &d.Status, &d.CreatedAt, &d.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan dispatch: %w", err)
		}
		if err := json.Unmarshal(leadsJSON, &d.Leads); err != nil {
			return nil, fmt.Errorf("unmarshal leads: %w", err)
		}
		if len(mappingsJSON) > 0 {
			if err := json.Unmarshal(mappingsJSON, &d.Mappings); err != nil {
				return nil, fmt.Errorf("unmarshal mappings: %w", err)
			}
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// AppendDispatchLog inserts one per-recipient outcome record.
func (s *PgStore) AppendDispatchLog(ctx context.Context, l model.DispatchLog) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dispatch_logs (id, dispatch_id, phone, status, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		l.ID, l.DispatchID, l.Phone, l.Status, l.Error, l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert dispatch log: %w", err)
	}
	return nil
}

// ListDispatchLogs returns a dispatch's logs in append order.
func (s *PgStore) ListDispatchLogs(ctx context.Context, dispatchID, status string) ([]model.DispatchLog, error) {
	query := `
		SELECT id, dispatch_id, phone, status, error, created_at
		FROM dispatch_logs
		WHERE dispatch_id = $1`
	args := []any{dispatchID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query dispatch logs: %w", err)
	}
	defer rows.Close()

	var result []model.DispatchLog
	for rows.Next() {
		var l model.DispatchLog
		if err := rows.Scan(&l.ID, &l.DispatchID, &l.Phone, &l.Status, &l.Error, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dispatch log: %w", err)
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

// GetFlow retrieves a flow graph by id.
func (s *PgStore) GetFlow(ctx context.Context, id string) (model.Flow, error) {
	var f model.Flow
	var nodesJSON, edgesJSON []byte

	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, name, nodes, edges, created_at, updated_at
		FROM flows
		WHERE id = $1`,
		id,
	).Scan(&f.ID, &f.UserID, &f.Name, &nodesJSON, &edgesJSON, &f.CreatedAt, &f.UpdatedAt)
	if err == pgx.ErrNoRows {
		return model.Flow{}, model.NewNotFoundError(fmt.Sprintf("flow %q not found", id))
	}
	if err != nil {
		return model.Flow{}, fmt.Errorf("query flow: %w", err)
	}

	if err := json.Unmarshal(nodesJSON, &f.Nodes); err != nil {
		return model.Flow{}, fmt.Errorf("unmarshal nodes: %w", err)
	}
	if err := json.Unmarshal(edgesJSON, &f.Edges); err != nil {
		return model.Flow{}, fmt.Errorf("unmarshal edges: %w", err)
	}
	return f, nil
}

// SaveFlow inserts or replaces a flow definition.
func (s *PgStore) SaveFlow(ctx context.Context, f model.Flow) error {
	nodesJSON, err := json.Marshal(f.Nodes)
	if err != nil {
		return fmt.Errorf("marshal nodes: %w", err)
	}
	edgesJSON, err := json.Marshal(f.Edges)
	if err != nil {
		return fmt.Errorf("marshal edges: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO flows (id, user_id, name, nodes, edges, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			nodes = EXCLUDED.nodes,
			edges = EXCLUDED.edges,
			updated_at = EXCLUDED.updated_at`,
		f.ID, f.UserID, f.Name, nodesJSON, edgesJSON, f.CreatedAt, f.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert flow: %w", err)
	}
	return nil
}

// CreateSession inserts a new session.
func (s *PgStore) CreateSession(ctx context.Context, sess model.FlowSession) error {
	varsJSON, err := json.Marshal(sess.Variables)
	if err != nil {
		return fmt.Errorf("marshal session variables: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO flow_sessions (
			id, flow_id, user_id, contact_phone, current_step,
			status, variables, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sess.ID, sess.FlowID, sess.UserID, sess.ContactPhone, sess.CurrentStep,
		sess.Status, varsJSON, sess.Version, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id.
func (s *PgStore) GetSession(ctx context.Context, id string) (model.FlowSession, error) {
	var sess model.FlowSession
	var varsJSON []byte

	err := s.pool.QueryRow(ctx, `
		SELECT id, flow_id, user_id, contact_phone, current_step,
		       status, variables, version, created_at, updated_at
		FROM flow_sessions
		WHERE id = $1`,
		id,
	).Scan(
		&sess.ID, &sess.FlowID, &sess.UserID, &sess.ContactPhone, &sess.CurrentStep,
		&sess.Status, &varsJSON, &sess.Version, &sess.CreatedAt, &sess.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return model.FlowSession{}, model.NewNotFoundError(fmt.Sprintf("session %q not found", id))
	}
	if err != nil {
		return model.FlowSession{}, fmt.Errorf("query session: %w", err)
	}

	if len(varsJSON) > 0 {
		if err := json.Unmarshal(varsJSON, &sess.Variables); err != nil {
			return model.FlowSession{}, fmt.Errorf("unmarshal session variables: %w", err)
		}
	}
	return sess, nil
}

// UpdateSession persists a session with optimistic locking.
func (s *PgStore) UpdateSession(ctx context.Context, sess model.FlowSession) error {
	varsJSON, err := json.Marshal(sess.Variables)
	if err != nil {
		return fmt.Errorf("marshal session variables: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE flow_sessions SET
			current_step = $1,
			status = $2,
			variables = $3,
			version = $4,
			updated_at = $5
		WHERE id = $6 AND version = $7`,
		sess.CurrentStep, sess.Status, varsJSON, sess.Version+1,
		time.Now().UTC(), sess.ID, sess.Version,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("session %q version conflict (expected %d)", sess.ID, sess.Version),
		)
	}
	return nil
}

// DeleteSessionsByContact removes sessions for a (flow, phone) pair.
func (s *PgStore) DeleteSessionsByContact(ctx context.Context, flowID, contactPhone string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM flow_sessions WHERE flow_id = $1 AND contact_phone = $2`,
		flowID, contactPhone,
	)
	if err != nil {
		return fmt.Errorf("delete sessions: %w", err)
	}
	return nil
}

// FindWaitingByPhones returns waiting_reply sessions matching any variant,
// newest update first.
func (s *PgStore) FindWaitingByPhones(ctx context.Context, phones []string, userID string) ([]model.FlowSession, error) {
	query := `
		SELECT id, flow_id, user_id, contact_phone, current_step,
		       status, variables, version, created_at, updated_at
		FROM flow_sessions
		WHERE status = 'waiting_reply' AND contact_phone = ANY($1)`
	args := []any{phones}
	if userID != "" {
		query += ` AND user_id = $2`
		args = append(args, userID)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query waiting sessions: %w", err)
	}
	defer rows.Close()

	var result []model.FlowSession
	for rows.Next() {
		var sess model.FlowSession
		var varsJSON []byte
		if err := rows.Scan(
			&sess.ID, &sess.FlowID, &sess.UserID, &sess.ContactPhone, &sess.CurrentStep,
			&sess.Status, &varsJSON, &sess.Version, &sess.CreatedAt, &sess.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if len(varsJSON) > 0 {
			if err := json.Unmarshal(varsJSON, &sess.Variables); err != nil {
				return nil, fmt.Errorf("unmarshal session variables: %w", err)
			}
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

// AppendSessionLog inserts one audit record.
func (s *PgStore) AppendSessionLog(ctx context.Context, l model.FlowSessionLog) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO flow_session_logs (id, session_id, node_id, node_label, action, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		l.ID, l.SessionID, l.NodeID, l.NodeLabel, l.Action, l.Details, l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session log: %w", err)
	}
	return nil
}

// GetUserConfig retrieves a user's channel credentials.
func (s *PgStore) GetUserConfig(ctx context.Context, userID string) (model.UserConfig, error) {
	var c model.UserConfig
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, access_token, phone_number_id, business_id, verify_token, api_version, updated_at
		FROM user_configs
		WHERE user_id = $1`,
		userID,
	).Scan(&c.UserID, &c.AccessToken, &c.PhoneNumberID, &c.BusinessID, &c.VerifyToken, &c.APIVersion, &c.UpdatedAt)
	if err == pgx.ErrNoRows {
		return model.UserConfig{}, model.NewNotFoundError(fmt.Sprintf("config for user %q not found", userID))
	}
	if err != nil {
		return model.UserConfig{}, fmt.Errorf("query user config: %w", err)
	}
	return c, nil
}

// FindUserByChannel resolves the owning user of a channel id.
func (s *PgStore) FindUserByChannel(ctx context.Context, phoneNumberID string) (model.UserConfig, error) {
	var c model.UserConfig
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, access_token, phone_number_id, business_id, verify_token, api_version, updated_at
		FROM user_configs
		WHERE phone_number_id = $1`,
		phoneNumberID,
	).Scan(&c.UserID, &c.AccessToken, &c.PhoneNumberID, &c.BusinessID, &c.VerifyToken, &c.APIVersion, &c.UpdatedAt)
	if err == pgx.ErrNoRows {
		return model.UserConfig{}, model.NewNotFoundError(fmt.Sprintf("no user for channel %q", phoneNumberID))
	}
	if err != nil {
		return model.UserConfig{}, fmt.Errorf("query user config by channel: %w", err)
	}
	return c, nil
}

// FindUserByVerifyToken resolves a user by webhook verification secret.
func (s *PgStore) FindUserByVerifyToken(ctx context.Context, token string) (model.UserConfig, error) {
	var c model.UserConfig
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, access_token, phone_number_id, business_id, verify_token, api_version, updated_at
		FROM user_configs
		WHERE verify_token = $1 AND verify_token <> ''`,
		token,
	).Scan(&c.UserID, &c.AccessToken, &c.PhoneNumberID, &c.BusinessID, &c.VerifyToken, &c.APIVersion, &c.UpdatedAt)
	if err == pgx.ErrNoRows {
		return model.UserConfig{}, model.NewNotFoundError("no user matches the verification token")
	}
	if err != nil {
		return model.UserConfig{}, fmt.Errorf("query user config by verify token: %w", err)
	}
	return c, nil
}

// SaveUserConfig inserts or replaces a user's credentials.
func (s *PgStore) SaveUserConfig(ctx context.Context, c model.UserConfig) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_configs (user_id, access_token, phone_number_id, business_id, verify_token, api_version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			phone_number_id = EXCLUDED.phone_number_id,
			business_id = EXCLUDED.business_id,
			verify_token = EXCLUDED.verify_token,
			api_version = EXCLUDED.api_version,
			updated_at = EXCLUDED.updated_at`,
		c.UserID, c.AccessToken, c.PhoneNumberID, c.BusinessID, c.VerifyToken, c.APIVersion, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert user config: %w", err)
	}
	return nil
}

// AppendHistory inserts one unified history record.
func (s *PgStore) AppendHistory(ctx context.Context, h model.HistoryRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO message_history (id, user_id, phone, direction, kind, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		h.ID, h.UserID, h.Phone, h.Direction, h.Kind, h.Body, h.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}
