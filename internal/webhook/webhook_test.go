package webhook

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/zaplane/zaplane/internal/flow"
	"github.com/zaplane/zaplane/internal/gateway"
	"github.com/zaplane/zaplane/internal/store"
	"github.com/zaplane/zaplane/model"
)

func newTestHandler(t *testing.T) (*Handler, *store.MemoryStore, *gateway.Mock) {
	t.Helper()
	st := store.NewMemoryStore()
	ctx := context.Background()
	if err := st.SaveUserConfig(ctx, model.UserConfig{
		UserID:        "u1",
		AccessToken:   "token",
		PhoneNumberID: "chan-1",
	}); err != nil {
		t.Fatal(err)
	}
	gw := gateway.NewMock()
	eng := flow.NewEngine(st, gw, nil, zap.NewNop(), flow.Options{StepDelay: 1})
	return NewHandler(st, eng, "secret", zap.NewNop(), nil), st, gw
}

// seedWaitingSession parks a session on a node that accepts any reply.
func seedWaitingSession(t *testing.T, st *store.MemoryStore) model.FlowSession {
	t.Helper()
	ctx := context.Background()
	f := model.Flow{
		ID:     "f1",
		UserID: "u1",
		Nodes: []model.Node{
			{ID: "1", Type: model.NodeTypeMessage, Data: model.NodeData{Text: "hi", AwaitReply: true}},
			{ID: "2", Type: model.NodeTypeMessage, Data: model.NodeData{Text: "bye"}},
		},
		Edges: []model.Edge{{Source: "1", Target: "2"}},
	}
	if err := st.SaveFlow(ctx, f); err != nil {
		t.Fatal(err)
	}
	sess := model.FlowSession{
		ID:           "s1",
		FlowID:       "f1",
		UserID:       "u1",
		ContactPhone: "5511999990000",
		CurrentStep:  "1",
		Status:       model.SessionStatusWaitingReply,
		Version:      1,
	}
	if err := st.CreateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	return sess
}

func TestVerify_valid_token(t *testing.T) {
	h, _, _ := newTestHandler(t)

	r := httptest.NewRequest("GET", "/webhook?hub.mode=subscribe&hub.verify_token=secret&hub.challenge=12345", nil)
	w := httptest.NewRecorder()
	h.Verify(w, r)

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body, _ := io.ReadAll(w.Result().Body)
	if string(body) != "12345" {
		t.Errorf("body = %q, want echoed challenge", body)
	}
}

func TestVerify_user_stored_token(t *testing.T) {
	h, st, _ := newTestHandler(t)

	err := st.SaveUserConfig(context.Background(), model.UserConfig{
		UserID:        "u2",
		AccessToken:   "token",
		PhoneNumberID: "chan-2",
		VerifyToken:   "user-secret",
	})
	if err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest("GET", "/webhook?hub.mode=subscribe&hub.verify_token=user-secret&hub.challenge=777", nil)
	w := httptest.NewRecorder()
	h.Verify(w, r)

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200 for a stored user token", w.Code)
	}
	body, _ := io.ReadAll(w.Result().Body)
	if string(body) != "777" {
		t.Errorf("body = %q, want echoed challenge", body)
	}
}

func TestVerify_wrong_token(t *testing.T) {
	h, _, _ := newTestHandler(t)

	r := httptest.NewRequest("GET", "/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
	w := httptest.NewRecorder()
	h.Verify(w, r)

	if w.Code != 403 {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestReceive_routes_text_reply(t *testing.T) {
	h, st, _ := newTestHandler(t)
	sess := seedWaitingSession(t, st)

	body := `{"entry":[{"changes":[{"value":{
		"metadata":{"phone_number_id":"chan-1"},
		"messages":[{"from":"5511999990000","type":"text","text":{"body":"ok"}}]
	}}]}]}`
	r := httptest.NewRequest("POST", "/webhook", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.Receive(w, r)

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	cur, err := st.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cur.CurrentStep != "2" || cur.Status != model.SessionStatusCompleted {
		t.Errorf("session = (%q, %q), want advanced to 2 and completed", cur.CurrentStep, cur.Status)
	}
}

func TestReceive_interactive_reply_uses_selection_id(t *testing.T) {
	h, st, _ := newTestHandler(t)
	ctx := context.Background()
	f := model.Flow{
		ID:     "f2",
		UserID: "u1",
		Nodes: []model.Node{
			{ID: "1", Type: model.NodeTypeOptions, Data: model.NodeData{Text: "pick", Options: []string{"A", "B"}}},
			{ID: "2", Type: model.NodeTypeMessage, Data: model.NodeData{Text: "A it is"}},
			{ID: "3", Type: model.NodeTypeMessage, Data: model.NodeData{Text: "B it is"}},
		},
		Edges: []model.Edge{
			{Source: "1", Target: "2", Handle: "source-1"},
			{Source: "1", Target: "3", Handle: "source-2"},
		},
	}
	if err := st.SaveFlow(ctx, f); err != nil {
		t.Fatal(err)
	}
	sess := model.FlowSession{
		ID: "s2", FlowID: "f2", UserID: "u1",
		ContactPhone: "5511999990000",
		CurrentStep:  "1",
		Status:       model.SessionStatusWaitingReply,
		Version:      1,
	}
	if err := st.CreateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}

	body := `{"entry":[{"changes":[{"value":{
		"metadata":{"phone_number_id":"chan-1"},
		"messages":[{"from":"5511999990000","type":"interactive",
			"interactive":{"button_reply":{"id":"choice-2"}}}]
	}}]}]}`
	r := httptest.NewRequest("POST", "/webhook", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.Receive(w, r)

	cur, _ := st.GetSession(ctx, sess.ID)
	if cur.CurrentStep != "3" {
		t.Errorf("CurrentStep = %q, want 3 (button choice-2)", cur.CurrentStep)
	}
}

func TestReceive_unknown_channel_still_routes_by_phone(t *testing.T) {
	h, st, _ := newTestHandler(t)
	sess := seedWaitingSession(t, st)

	body := `{"entry":[{"changes":[{"value":{
		"metadata":{"phone_number_id":"chan-unknown"},
		"messages":[{"from":"5511999990000","type":"text","text":{"body":"ok"}}]
	}}]}]}`
	r := httptest.NewRequest("POST", "/webhook", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.Receive(w, r)

	// Without an owner, the phone match is unscoped but still finds the session.
	cur, _ := st.GetSession(context.Background(), sess.ID)
	if cur.CurrentStep != "2" {
		t.Errorf("CurrentStep = %q, want 2", cur.CurrentStep)
	}
}

func TestReceive_malformed_payload_is_acknowledged(t *testing.T) {
	h, _, gw := newTestHandler(t)

	r := httptest.NewRequest("POST", "/webhook", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	h.Receive(w, r)

	if w.Code != 200 {
		t.Errorf("status = %d, want 200 (no redelivery storm)", w.Code)
	}
	if gw.Len() != 0 {
		t.Errorf("gateway calls = %d, want 0", gw.Len())
	}
}
