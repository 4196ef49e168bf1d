package flow

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/zaplane/zaplane/internal/gateway"
	"github.com/zaplane/zaplane/internal/store"
	"github.com/zaplane/zaplane/model"
)

const (
	testUser  = "u1"
	testPhone = "5511999990000"
)

func newTestEngine(st *store.MemoryStore, gw gateway.Gateway) *Engine {
	return NewEngine(st, gw, nil, zap.NewNop(), Options{
		ChainLimit: 10,
		StepDelay:  time.Millisecond,
		ImageDelay: time.Millisecond,
	})
}

func seedConfig(t *testing.T, st *store.MemoryStore) {
	t.Helper()
	err := st.SaveUserConfig(context.Background(), model.UserConfig{
		UserID:        testUser,
		AccessToken:   "token",
		PhoneNumberID: "chan-1",
	})
	if err != nil {
		t.Fatalf("SaveUserConfig() error = %v", err)
	}
}

// branchingFlow is a message node leading into an options node with two
// choice branches. Nodes 3 and 4 await a reply so tests can observe where
// the session landed.
func branchingFlow() model.Flow {
	return model.Flow{
		ID:     "f1",
		UserID: testUser,
		Nodes: []model.Node{
			{ID: "1", Type: model.NodeTypeMessage, Data: model.NodeData{Label: "hi"}},
			{ID: "2", Type: model.NodeTypeOptions, Data: model.NodeData{Text: "pick", Options: []string{"A", "B"}}},
			{ID: "3", Type: model.NodeTypeMessage, Data: model.NodeData{Text: "chose A", AwaitReply: true}},
			{ID: "4", Type: model.NodeTypeMessage, Data: model.NodeData{Text: "chose B", AwaitReply: true}},
		},
		Edges: []model.Edge{
			{Source: "1", Target: "2"},
			{Source: "2", Target: "3", Handle: "source-1"},
			{Source: "2", Target: "4", Handle: "source-2"},
		},
	}
}

func startBranchingSession(t *testing.T, eng *Engine, st *store.MemoryStore) model.FlowSession {
	t.Helper()
	ctx := context.Background()
	f := branchingFlow()
	if err := st.SaveFlow(ctx, f); err != nil {
		t.Fatalf("SaveFlow() error = %v", err)
	}
	sess, err := eng.StartSession(ctx, f, testPhone, nil)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	cur, err := st.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	return cur
}

func TestStartSession_advances_to_branching_node(t *testing.T) {
	st := store.NewMemoryStore()
	seedConfig(t, st)
	gw := gateway.NewMock()
	eng := newTestEngine(st, gw)

	sess := startBranchingSession(t, eng, st)

	if sess.CurrentStep != "2" {
		t.Errorf("CurrentStep = %q, want 2", sess.CurrentStep)
	}
	if sess.Status != model.SessionStatusWaitingReply {
		t.Errorf("Status = %q, want waiting_reply", sess.Status)
	}
	kinds := gw.CallKinds()
	if len(kinds) != 2 || kinds[0] != "text" || kinds[1] != "interactive" {
		t.Errorf("gateway calls = %v, want [text interactive]", kinds)
	}
}

func TestStartSession_replaces_prior_session(t *testing.T) {
	st := store.NewMemoryStore()
	seedConfig(t, st)
	eng := newTestEngine(st, gateway.NewMock())

	first := startBranchingSession(t, eng, st)

	f := branchingFlow()
	ctx := context.Background()
	second, err := eng.StartSession(ctx, f, testPhone, nil)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	if _, err := st.GetSession(ctx, first.ID); model.ErrorCode(err) != model.ErrNotFound {
		t.Errorf("prior session lookup error = %v, want NOT_FOUND", err)
	}
	waiting, _ := st.FindWaitingByPhones(ctx, []string{testPhone}, testUser)
	if len(waiting) != 1 || waiting[0].ID != second.ID {
		t.Errorf("waiting sessions = %d, want exactly the new session", len(waiting))
	}
}

func TestProcessMessage_label_reply_selects_choice(t *testing.T) {
	st := store.NewMemoryStore()
	seedConfig(t, st)
	eng := newTestEngine(st, gateway.NewMock())
	sess := startBranchingSession(t, eng, st)

	ctx := context.Background()
	if err := eng.ProcessMessage(ctx, testPhone, "B", testUser); err != nil {
		t.Fatalf("ProcessMessage() error = %v", err)
	}

	cur, _ := st.GetSession(ctx, sess.ID)
	if cur.CurrentStep != "4" {
		t.Errorf("CurrentStep = %q, want 4 (choice B)", cur.CurrentStep)
	}
	if cur.Status != model.SessionStatusWaitingReply {
		t.Errorf("Status = %q, want waiting_reply at node 4", cur.Status)
	}
}

func TestProcessMessage_interactive_reply_id(t *testing.T) {
	st := store.NewMemoryStore()
	seedConfig(t, st)
	eng := newTestEngine(st, gateway.NewMock())
	sess := startBranchingSession(t, eng, st)

	ctx := context.Background()
	if err := eng.ProcessMessage(ctx, testPhone, "choice-1", testUser); err != nil {
		t.Fatalf("ProcessMessage() error = %v", err)
	}

	cur, _ := st.GetSession(ctx, sess.ID)
	if cur.CurrentStep != "3" {
		t.Errorf("CurrentStep = %q, want 3 (choice 1)", cur.CurrentStep)
	}
}

func TestProcessMessage_numeric_reply(t *testing.T) {
	st := store.NewMemoryStore()
	seedConfig(t, st)
	eng := newTestEngine(st, gateway.NewMock())
	sess := startBranchingSession(t, eng, st)

	ctx := context.Background()
	if err := eng.ProcessMessage(ctx, testPhone, " 2 ", testUser); err != nil {
		t.Fatalf("ProcessMessage() error = %v", err)
	}

	cur, _ := st.GetSession(ctx, sess.ID)
	if cur.CurrentStep != "4" {
		t.Errorf("CurrentStep = %q, want 4 (numeric 2)", cur.CurrentStep)
	}
}

func TestProcessMessage_invalid_reply_keeps_waiting(t *testing.T) {
	st := store.NewMemoryStore()
	seedConfig(t, st)
	gw := gateway.NewMock()
	eng := newTestEngine(st, gw)
	sess := startBranchingSession(t, eng, st)

	sent := gw.Len()
	ctx := context.Background()
	if err := eng.ProcessMessage(ctx, testPhone, "whatever else", testUser); err != nil {
		t.Fatalf("ProcessMessage() error = %v", err)
	}

	cur, _ := st.GetSession(ctx, sess.ID)
	if cur.Status != model.SessionStatusWaitingReply || cur.CurrentStep != "2" {
		t.Errorf("session = (%q, %q), want unchanged waiting at 2", cur.CurrentStep, cur.Status)
	}
	// The retry prompt went out.
	if gw.Len() != sent+1 {
		t.Fatalf("gateway calls = %d, want %d (invalid-option prompt)", gw.Len(), sent+1)
	}
	last := gw.Calls[gw.Len()-1]
	if last.Kind != "text" || last.Text != invalidReplyText {
		t.Errorf("last call = (%q, %q), want invalid-option text", last.Kind, last.Text)
	}
}

func TestProcessMessage_invalid_reply_takes_negative_branch(t *testing.T) {
	st := store.NewMemoryStore()
	seedConfig(t, st)
	eng := newTestEngine(st, gateway.NewMock())

	f := model.Flow{
		ID:     "f2",
		UserID: testUser,
		Nodes: []model.Node{
			{ID: "1", Type: model.NodeTypeOptions, Data: model.NodeData{Text: "pick", Options: []string{"A"}}},
			{ID: "2", Type: model.NodeTypeMessage, Data: model.NodeData{Text: "ok", AwaitReply: true}},
			{ID: "9", Type: model.NodeTypeMessage, Data: model.NodeData{Text: "did not get that", AwaitReply: true}},
		},
		Edges: []model.Edge{
			{Source: "1", Target: "2", Handle: "source-1"},
			{Source: "1", Target: "9", Handle: "red"},
		},
	}
	ctx := context.Background()
	if err := st.SaveFlow(ctx, f); err != nil {
		t.Fatal(err)
	}
	sess, err := eng.StartSession(ctx, f, testPhone, nil)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	if err := eng.ProcessMessage(ctx, testPhone, "no such option", testUser); err != nil {
		t.Fatalf("ProcessMessage() error = %v", err)
	}

	cur, _ := st.GetSession(ctx, sess.ID)
	if cur.CurrentStep != "9" {
		t.Errorf("CurrentStep = %q, want 9 (negative branch)", cur.CurrentStep)
	}
}

func TestProcessMessage_nonbranching_accepts_any_reply(t *testing.T) {
	st := store.NewMemoryStore()
	seedConfig(t, st)
	eng := newTestEngine(st, gateway.NewMock())

	f := model.Flow{
		ID:     "f3",
		UserID: testUser,
		Nodes: []model.Node{
			{ID: "1", Type: model.NodeTypeMessage, Data: model.NodeData{Text: "anything?", AwaitReply: true}},
			{ID: "2", Type: model.NodeTypeMessage, Data: model.NodeData{Text: "thanks", AwaitReply: true}},
		},
		Edges: []model.Edge{{Source: "1", Target: "2"}},
	}
	ctx := context.Background()
	if err := st.SaveFlow(ctx, f); err != nil {
		t.Fatal(err)
	}
	sess, err := eng.StartSession(ctx, f, testPhone, nil)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	if err := eng.ProcessMessage(ctx, testPhone, "random gibberish reply", testUser); err != nil {
		t.Fatalf("ProcessMessage() error = %v", err)
	}

	cur, _ := st.GetSession(ctx, sess.ID)
	if cur.CurrentStep != "2" {
		t.Errorf("CurrentStep = %q, want 2 (any reply advances)", cur.CurrentStep)
	}
}

func TestProcessMessage_phone_variant_match(t *testing.T) {
	st := store.NewMemoryStore()
	seedConfig(t, st)
	eng := newTestEngine(st, gateway.NewMock())
	// Session stored under the 13-digit mobile form.
	sess := startBranchingSession(t, eng, st)

	// Reply arrives without the mobile "9" and without the country code.
	ctx := context.Background()
	if err := eng.ProcessMessage(ctx, "1199990000", "1", testUser); err != nil {
		t.Fatalf("ProcessMessage() error = %v", err)
	}

	cur, _ := st.GetSession(ctx, sess.ID)
	if cur.CurrentStep != "3" {
		t.Errorf("CurrentStep = %q, want 3 (variant-matched reply)", cur.CurrentStep)
	}
}

func TestProcessMessage_no_waiting_session_is_noop(t *testing.T) {
	st := store.NewMemoryStore()
	seedConfig(t, st)
	gw := gateway.NewMock()
	eng := newTestEngine(st, gw)

	if err := eng.ProcessMessage(context.Background(), "5511988887777", "hello", testUser); err != nil {
		t.Fatalf("ProcessMessage() error = %v", err)
	}
	if gw.Len() != 0 {
		t.Errorf("gateway calls = %d, want 0 (dropped reply)", gw.Len())
	}
}

func TestExecuteStep_terminal_node_completes(t *testing.T) {
	st := store.NewMemoryStore()
	seedConfig(t, st)
	eng := newTestEngine(st, gateway.NewMock())

	f := model.Flow{
		ID:     "f4",
		UserID: testUser,
		Nodes:  []model.Node{{ID: "1", Type: model.NodeTypeMessage, Data: model.NodeData{Text: "bye"}}},
	}
	ctx := context.Background()
	sess, err := eng.StartSession(ctx, f, testPhone, nil)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	cur, _ := st.GetSession(ctx, sess.ID)
	if cur.Status != model.SessionStatusCompleted {
		t.Errorf("Status = %q, want completed (no outgoing edges)", cur.Status)
	}
}

func TestExecuteStep_chain_limit_stops_cycle(t *testing.T) {
	st := store.NewMemoryStore()
	seedConfig(t, st)
	gw := gateway.NewMock()
	eng := newTestEngine(st, gw)

	f := model.Flow{
		ID:     "f5",
		UserID: testUser,
		Nodes: []model.Node{
			{ID: "a", Type: model.NodeTypeMessage, Data: model.NodeData{Text: "ping"}},
			{ID: "b", Type: model.NodeTypeMessage, Data: model.NodeData{Text: "pong"}},
		},
		Edges: []model.Edge{
			{Source: "a", Target: "b"},
			{Source: "b", Target: "a"},
		},
	}
	ctx := context.Background()
	sess, err := eng.StartSession(ctx, f, testPhone, nil)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	cur, _ := st.GetSession(ctx, sess.ID)
	if cur.Status != model.SessionStatusStopped {
		t.Errorf("Status = %q, want stopped (advance limit)", cur.Status)
	}
	if gw.Len() != 10 {
		t.Errorf("sends = %d, want 10 (one per allowed advance)", gw.Len())
	}
}

func TestExecuteStep_missing_node_ends_session(t *testing.T) {
	st := store.NewMemoryStore()
	seedConfig(t, st)
	eng := newTestEngine(st, gateway.NewMock())

	f := model.Flow{
		ID:     "f6",
		UserID: testUser,
		Nodes:  []model.Node{{ID: "1", Type: model.NodeTypeMessage}},
	}
	ctx := context.Background()
	sess := model.FlowSession{
		ID:           "s-missing",
		FlowID:       f.ID,
		UserID:       testUser,
		ContactPhone: testPhone,
		CurrentStep:  "99",
		Status:       model.SessionStatusActive,
		Version:      1,
	}
	if err := st.CreateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}

	if err := eng.ExecuteStep(ctx, sess, f); err != nil {
		t.Fatalf("ExecuteStep() error = %v", err)
	}

	cur, _ := st.GetSession(ctx, sess.ID)
	if cur.Status != model.SessionStatusCompleted {
		t.Errorf("Status = %q, want completed", cur.Status)
	}
	logs := st.SessionLogs(sess.ID)
	var sawError bool
	for _, l := range logs {
		if l.Action == model.SessionActionError && l.Details == "node not found" {
			sawError = true
		}
	}
	if !sawError {
		t.Error("expected a node-not-found error in the session log")
	}
}

func TestExecuteStep_inconsistent_graph_ends_session(t *testing.T) {
	st := store.NewMemoryStore()
	seedConfig(t, st)
	eng := newTestEngine(st, gateway.NewMock())

	f := model.Flow{
		ID:     "f7",
		UserID: testUser,
		Nodes:  []model.Node{{ID: "1", Type: model.NodeTypeMessage, Data: model.NodeData{Text: "hi"}}},
		Edges:  []model.Edge{{Source: "1", Target: "404"}},
	}
	ctx := context.Background()
	sess, err := eng.StartSession(ctx, f, testPhone, nil)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	cur, _ := st.GetSession(ctx, sess.ID)
	if cur.Status != model.SessionStatusCompleted {
		t.Errorf("Status = %q, want completed (ended on dangling edge)", cur.Status)
	}
}

func TestExecuteStep_send_failure_is_not_fatal(t *testing.T) {
	st := store.NewMemoryStore()
	seedConfig(t, st)
	gw := gateway.NewMock()
	gw.FailAll = true
	eng := newTestEngine(st, gw)

	f := model.Flow{
		ID:     "f8",
		UserID: testUser,
		Nodes:  []model.Node{{ID: "1", Type: model.NodeTypeMessage, Data: model.NodeData{Text: "hi"}}},
	}
	ctx := context.Background()
	sess, err := eng.StartSession(ctx, f, testPhone, nil)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	cur, _ := st.GetSession(ctx, sess.ID)
	if cur.Status != model.SessionStatusCompleted {
		t.Errorf("Status = %q, want completed (send failure recorded, not fatal)", cur.Status)
	}
}

func TestRunNode_template_uses_session_variables(t *testing.T) {
	st := store.NewMemoryStore()
	seedConfig(t, st)
	gw := gateway.NewMock()
	eng := newTestEngine(st, gw)

	order1, order2 := 1, 2
	vars := map[string]model.SessionVariable{
		"1.nome":   {NodeID: "1", Index: 1, Component: model.ComponentBody, Order: &order1, Value: "Maria"},
		"1.codigo": {NodeID: "1", Index: 2, Component: model.ComponentBody, Order: &order2, Value: "42"},
		"2.outro":  {NodeID: "2", Index: 1, Component: model.ComponentBody, Value: "ignored"},
	}
	f := model.Flow{
		ID:     "f9",
		UserID: testUser,
		Nodes: []model.Node{
			{ID: "1", Type: model.NodeTypeTemplate, Data: model.NodeData{TemplateName: "welcome"}},
		},
	}
	ctx := context.Background()
	if _, err := eng.StartSession(ctx, f, testPhone, vars); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	if gw.Len() != 1 {
		t.Fatalf("sends = %d, want 1", gw.Len())
	}
	call := gw.Calls[0]
	if call.Template != "welcome" {
		t.Errorf("template = %q, want welcome", call.Template)
	}
	if len(call.Body) != 2 || call.Body[0].Value != "Maria" || call.Body[1].Value != "42" {
		t.Errorf("body params = %+v, want [Maria 42] (only node 1 variables)", call.Body)
	}
}

func TestResolveChoice(t *testing.T) {
	options := []string{"Sim", "Não"}
	tests := []struct {
		text string
		want int
		ok   bool
	}{
		{"choice-2", 2, true},
		{"1", 1, true},
		{"não", 2, true},
		{" SIM ", 1, true},
		{"quero a 2", 2, true},
		{"this reply is far too long to scan 2", 0, false},
		{"nothing here", 0, false},
		{"0", 0, false},
	}

	for _, tt := range tests {
		got, ok := resolveChoice(tt.text, options)
		if got != tt.want || ok != tt.ok {
			t.Errorf("resolveChoice(%q) = (%d, %v), want (%d, %v)", tt.text, got, ok, tt.want, tt.ok)
		}
	}
}
