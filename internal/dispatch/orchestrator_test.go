package dispatch

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/zaplane/zaplane/internal/flow"
	"github.com/zaplane/zaplane/internal/gateway"
	"github.com/zaplane/zaplane/internal/store"
	"github.com/zaplane/zaplane/internal/variable"
	"github.com/zaplane/zaplane/model"
)

const testUser = "u1"

func newTestOrchestrator(st *store.MemoryStore, gw gateway.Gateway, mode string) *Orchestrator {
	eng := flow.NewEngine(st, gw, nil, zap.NewNop(), flow.Options{StepDelay: time.Millisecond})
	return NewOrchestrator(st, gw, eng, nil, zap.NewNop(), Options{
		SendInterval: time.Millisecond,
		RecoverMode:  mode,
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
		t.Fatal(err)
	}
}

func leads(phones ...string) []model.Lead {
	out := make([]model.Lead, len(phones))
	for i, p := range phones {
		out[i] = model.Lead{"telefone": p, "nome": "Lead " + p}
	}
	return out
}

func templateRequest(l []model.Lead) CreateRequest {
	return CreateRequest{
		UserID:       testUser,
		Kind:         model.DispatchKindTemplate,
		TemplateName: "promo",
		Leads:        l,
		Mappings: model.MappingSpec{
			{Index: 1, Component: model.ComponentBody, Type: model.MappingTypeColumn, Column: "nome"},
		},
	}
}

func TestCreate_validations(t *testing.T) {
	st := store.NewMemoryStore()
	seedConfig(t, st)
	o := newTestOrchestrator(st, gateway.NewMock(), "")
	ctx := context.Background()

	cases := []struct {
		name string
		req  CreateRequest
		code string
	}{
		{"no leads", CreateRequest{UserID: testUser, Kind: model.DispatchKindTemplate, TemplateName: "t"}, model.ErrInvalidInput},
		{"no user", CreateRequest{Kind: model.DispatchKindTemplate, TemplateName: "t", Leads: leads("5511999990000")}, model.ErrInvalidInput},
		{"unknown kind", CreateRequest{UserID: testUser, Kind: "sms", Leads: leads("5511999990000")}, model.ErrInvalidInput},
		{"template without name", CreateRequest{UserID: testUser, Kind: model.DispatchKindTemplate, Leads: leads("5511999990000")}, model.ErrInvalidInput},
		{"flow without id", CreateRequest{UserID: testUser, Kind: model.DispatchKindFlow, Leads: leads("5511999990000")}, model.ErrInvalidInput},
		{"flow not found", CreateRequest{UserID: testUser, Kind: model.DispatchKindFlow, FlowID: "missing", Leads: leads("5511999990000")}, model.ErrNotFound},
	}

	for _, tc := range cases {
		_, err := o.Create(ctx, tc.req)
		if model.ErrorCode(err) != tc.code {
			t.Errorf("%s: error = %v, want code %s", tc.name, err, tc.code)
		}
	}
}

func TestCreate_rejects_inconsistent_flow_graph(t *testing.T) {
	st := store.NewMemoryStore()
	seedConfig(t, st)
	o := newTestOrchestrator(st, gateway.NewMock(), "")
	ctx := context.Background()

	f := model.Flow{
		ID:     "f1",
		UserID: testUser,
		Nodes:  []model.Node{{ID: "1", Type: model.NodeTypeMessage}},
		Edges:  []model.Edge{{Source: "1", Target: "99"}},
	}
	if err := st.SaveFlow(ctx, f); err != nil {
		t.Fatal(err)
	}

	_, err := o.Create(ctx, CreateRequest{
		UserID: testUser,
		Kind:   model.DispatchKindFlow,
		FlowID: "f1",
		Leads:  leads("5511999990000"),
	})
	if model.ErrorCode(err) != model.ErrGraphInconsistent {
		t.Errorf("Create() error = %v, want GRAPH_INCONSISTENT", err)
	}
}

func TestCreate_conflict_when_dispatch_active(t *testing.T) {
	st := store.NewMemoryStore()
	seedConfig(t, st)
	o := newTestOrchestrator(st, gateway.NewMock(), "")
	ctx := context.Background()

	err := st.CreateDispatch(ctx, model.Dispatch{
		ID: "d0", UserID: testUser, Kind: model.DispatchKindTemplate,
		TemplateName: "t", Leads: leads("5511988887777"),
		TotalLeads: 1, Status: model.DispatchStatusRunning,
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = o.Create(ctx, templateRequest(leads("5511999990000")))
	if model.ErrorCode(err) != model.ErrConflict {
		t.Errorf("Create() error = %v, want CONFLICT", err)
	}
}

func TestRun_template_dispatch_completes(t *testing.T) {
	st := store.NewMemoryStore()
	seedConfig(t, st)
	gw := gateway.NewMock()
	o := newTestOrchestrator(st, gw, "")
	ctx := context.Background()

	d, err := o.Create(ctx, templateRequest(leads("5511999990001", "5511999990002", "5511999990003")))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	o.Wait()

	final, _ := st.GetDispatch(ctx, d.ID)
	if final.Status != model.DispatchStatusCompleted {
		t.Errorf("Status = %q, want completed", final.Status)
	}
	if final.SuccessCount != 3 || final.ErrorCount != 0 || final.CurrentIndex != 3 {
		t.Errorf("counts = (%d ok, %d err, cursor %d), want (3, 0, 3)",
			final.SuccessCount, final.ErrorCount, final.CurrentIndex)
	}
	if gw.Len() != 3 {
		t.Errorf("gateway calls = %d, want 3", gw.Len())
	}
	if gw.Calls[0].Template != "promo" {
		t.Errorf("template = %q, want promo", gw.Calls[0].Template)
	}
	if len(gw.Calls[0].Body) != 1 || gw.Calls[0].Body[0].Value != "Lead 5511999990001" {
		t.Errorf("body params = %+v, want resolved nome column", gw.Calls[0].Body)
	}
	if o.registry.Len() != 0 {
		t.Errorf("registry size = %d, want 0 after completion", o.registry.Len())
	}
}

func TestRun_recipient_failure_does_not_abort_batch(t *testing.T) {
	st := store.NewMemoryStore()
	seedConfig(t, st)
	gw := gateway.NewMock()
	gw.FailPhones["5511999990002"] = true
	o := newTestOrchestrator(st, gw, "")
	ctx := context.Background()

	d, err := o.Create(ctx, templateRequest(leads("5511999990001", "5511999990002", "5511999990003")))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	o.Wait()

	final, _ := st.GetDispatch(ctx, d.ID)
	if final.Status != model.DispatchStatusError {
		t.Errorf("Status = %q, want error (one recipient failed)", final.Status)
	}
	if final.SuccessCount != 2 || final.ErrorCount != 1 {
		t.Errorf("counts = (%d ok, %d err), want (2, 1)", final.SuccessCount, final.ErrorCount)
	}
	failed, _ := st.ListDispatchLogs(ctx, d.ID, model.LogStatusError)
	if len(failed) != 1 || failed[0].Phone != "5511999990002" {
		t.Errorf("failed logs = %+v, want the one rejected phone", failed)
	}
}

func TestRun_lead_without_phone_is_skipped(t *testing.T) {
	st := store.NewMemoryStore()
	seedConfig(t, st)
	gw := gateway.NewMock()
	o := newTestOrchestrator(st, gw, "")
	ctx := context.Background()

	l := leads("5511999990001", "5511999990002")
	l = append(l, model.Lead{"nome": "no phone at all"})
	d, err := o.Create(ctx, templateRequest(l))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	o.Wait()

	final, _ := st.GetDispatch(ctx, d.ID)
	if final.Status != model.DispatchStatusCompleted {
		t.Errorf("Status = %q, want completed (skip is not an error)", final.Status)
	}
	if final.SuccessCount != 2 || final.ErrorCount != 0 {
		t.Errorf("counts = (%d ok, %d err), want (2, 0)", final.SuccessCount, final.ErrorCount)
	}
	logs, _ := st.ListDispatchLogs(ctx, d.ID, "")
	if len(logs) != 2 {
		t.Errorf("logs = %d, want 2 (skipped lead unlogged)", len(logs))
	}
}

// pausingGateway raises a control signal after a fixed number of sends, so
// the pause lands mid-batch at a deterministic index.
type pausingGateway struct {
	*gateway.Mock
	after int
	onHit func()
}

func (g *pausingGateway) SendTemplate(ctx context.Context, creds model.UserConfig, phone, name string, header, body []variable.Param) (gateway.SendResult, error) {
	res, err := g.Mock.SendTemplate(ctx, creds, phone, name, header, body)
	if g.Mock.Len() == g.after {
		g.onHit()
	}
	return res, err
}

func TestRun_pause_persists_cursor_at_next_unprocessed(t *testing.T) {
	st := store.NewMemoryStore()
	seedConfig(t, st)
	pg := &pausingGateway{Mock: gateway.NewMock(), after: 2}
	o := newTestOrchestrator(st, pg, "")
	ctx := context.Background()

	err := st.CreateDispatch(ctx, model.Dispatch{
		ID: "d1", UserID: testUser, Kind: model.DispatchKindTemplate,
		TemplateName: "promo",
		Leads:        leads("5511999990001", "5511999990002", "5511999990003", "5511999990004"),
		TotalLeads:   4, Status: model.DispatchStatusRunning,
	})
	if err != nil {
		t.Fatal(err)
	}
	h := o.registry.Register("d1")
	pg.onHit = func() { h.Signal(ReasonPause) }

	o.run(ctx, "d1")

	final, _ := st.GetDispatch(ctx, "d1")
	if final.Status != model.DispatchStatusPaused {
		t.Errorf("Status = %q, want paused", final.Status)
	}
	if final.CurrentIndex != 2 {
		t.Errorf("CurrentIndex = %d, want 2 (two processed, cursor at next)", final.CurrentIndex)
	}
	if o.registry.Len() != 0 {
		t.Error("handle should be deregistered after parking")
	}
}

func TestRun_stop_is_not_downgraded_to_paused(t *testing.T) {
	st := store.NewMemoryStore()
	seedConfig(t, st)
	pg := &pausingGateway{Mock: gateway.NewMock(), after: 1}
	o := newTestOrchestrator(st, pg, "")
	ctx := context.Background()

	err := st.CreateDispatch(ctx, model.Dispatch{
		ID: "d1", UserID: testUser, Kind: model.DispatchKindTemplate,
		TemplateName: "promo",
		Leads:        leads("5511999990001", "5511999990002", "5511999990003"),
		TotalLeads:   3, Status: model.DispatchStatusRunning,
	})
	if err != nil {
		t.Fatal(err)
	}
	h := o.registry.Register("d1")
	pg.onHit = func() {
		h.Signal(ReasonPause)
		h.Signal(ReasonStop) // stop wins over a pending pause
	}

	o.run(ctx, "d1")

	final, _ := st.GetDispatch(ctx, "d1")
	if final.Status != model.DispatchStatusStopped {
		t.Errorf("Status = %q, want stopped", final.Status)
	}
	if final.CurrentIndex != 1 {
		t.Errorf("CurrentIndex = %d, want 1", final.CurrentIndex)
	}
}

func TestRun_stop_at_final_recipient_is_not_overwritten(t *testing.T) {
	st := store.NewMemoryStore()
	seedConfig(t, st)
	pg := &pausingGateway{Mock: gateway.NewMock(), after: 2}
	o := newTestOrchestrator(st, pg, "")
	ctx := context.Background()

	err := st.CreateDispatch(ctx, model.Dispatch{
		ID: "d1", UserID: testUser, Kind: model.DispatchKindTemplate,
		TemplateName: "promo",
		Leads:        leads("5511999990001", "5511999990002"),
		TotalLeads:   2, Status: model.DispatchStatusRunning,
	})
	if err != nil {
		t.Fatal(err)
	}
	h := o.registry.Register("d1")
	// The stop lands during the last send, after the final boundary check;
	// loop exhaustion must not rewrite the final status to completed.
	pg.onHit = func() { h.Signal(ReasonStop) }

	o.run(ctx, "d1")

	final, _ := st.GetDispatch(ctx, "d1")
	if final.Status != model.DispatchStatusStopped {
		t.Errorf("Status = %q, want stopped", final.Status)
	}
	if final.CurrentIndex != 2 {
		t.Errorf("CurrentIndex = %d, want 2", final.CurrentIndex)
	}
	if o.registry.Len() != 0 {
		t.Error("handle should be deregistered after parking")
	}
}

func TestControl_resume_restarts_from_cursor(t *testing.T) {
	st := store.NewMemoryStore()
	seedConfig(t, st)
	gw := gateway.NewMock()
	o := newTestOrchestrator(st, gw, "")
	ctx := context.Background()

	err := st.CreateDispatch(ctx, model.Dispatch{
		ID: "d1", UserID: testUser, Kind: model.DispatchKindTemplate,
		TemplateName: "promo",
		Leads:        leads("5511999990001", "5511999990002", "5511999990003", "5511999990004"),
		TotalLeads:   4, CurrentIndex: 2, SuccessCount: 2,
		Status: model.DispatchStatusPaused,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := o.Control(ctx, "d1", ActionResume); err != nil {
		t.Fatalf("Control(resume) error = %v", err)
	}
	o.Wait()

	final, _ := st.GetDispatch(ctx, "d1")
	if final.Status != model.DispatchStatusCompleted {
		t.Errorf("Status = %q, want completed", final.Status)
	}
	if gw.Len() != 2 {
		t.Errorf("gateway calls = %d, want 2 (only leads past the cursor)", gw.Len())
	}
	if final.SuccessCount != 4 {
		t.Errorf("SuccessCount = %d, want 4", final.SuccessCount)
	}
}

func TestControl_resume_conflicts_with_running_dispatch(t *testing.T) {
	st := store.NewMemoryStore()
	seedConfig(t, st)
	o := newTestOrchestrator(st, gateway.NewMock(), "")
	ctx := context.Background()

	for _, d := range []model.Dispatch{
		{ID: "paused", UserID: testUser, Kind: model.DispatchKindTemplate, TemplateName: "t",
			Leads: leads("5511999990001"), TotalLeads: 1, Status: model.DispatchStatusPaused},
		{ID: "running", UserID: testUser, Kind: model.DispatchKindTemplate, TemplateName: "t",
			Leads: leads("5511999990002"), TotalLeads: 1, Status: model.DispatchStatusRunning},
	} {
		if err := st.CreateDispatch(ctx, d); err != nil {
			t.Fatal(err)
		}
	}

	_, err := o.Control(ctx, "paused", ActionResume)
	if model.ErrorCode(err) != model.ErrConflict {
		t.Errorf("Control(resume) error = %v, want CONFLICT", err)
	}
}

func TestControl_unknown_action(t *testing.T) {
	st := store.NewMemoryStore()
	seedConfig(t, st)
	o := newTestOrchestrator(st, gateway.NewMock(), "")
	ctx := context.Background()

	err := st.CreateDispatch(ctx, model.Dispatch{
		ID: "d1", UserID: testUser, Kind: model.DispatchKindTemplate, TemplateName: "t",
		Leads: leads("5511999990001"), TotalLeads: 1, Status: model.DispatchStatusPaused,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := o.Control(ctx, "d1", "rewind"); model.ErrorCode(err) != model.ErrInvalidInput {
		t.Errorf("Control(rewind) error = %v, want INVALID_INPUT", err)
	}
}

func TestRetryFailed_builds_dispatch_from_failed_logs(t *testing.T) {
	st := store.NewMemoryStore()
	seedConfig(t, st)
	gw := gateway.NewMock()
	o := newTestOrchestrator(st, gw, "")
	ctx := context.Background()

	err := st.CreateDispatch(ctx, model.Dispatch{
		ID: "d1", UserID: testUser, Kind: model.DispatchKindTemplate,
		TemplateName: "promo",
		Leads:        leads("5511999990000", "5511988887777"),
		TotalLeads:   2, SuccessCount: 1, ErrorCount: 1, CurrentIndex: 2,
		Status: model.DispatchStatusError,
	})
	if err != nil {
		t.Fatal(err)
	}
	err = st.AppendDispatchLog(ctx, model.DispatchLog{
		ID: "l1", DispatchID: "d1", Phone: "5511999990000", Status: model.LogStatusError,
	})
	if err != nil {
		t.Fatal(err)
	}

	retry, err := o.RetryFailed(ctx, "d1")
	if err != nil {
		t.Fatalf("RetryFailed() error = %v", err)
	}
	o.Wait()

	if len(retry.Leads) != 1 {
		t.Fatalf("retry leads = %d, want 1", len(retry.Leads))
	}
	if got := retry.Leads[0]["telefone"]; got != "5511999990000" {
		t.Errorf("retry lead phone = %v, want the failed one", got)
	}
	final, _ := st.GetDispatch(ctx, retry.ID)
	if final.Status != model.DispatchStatusCompleted {
		t.Errorf("retry Status = %q, want completed", final.Status)
	}
}

func TestRetryFailed_no_failed_logs(t *testing.T) {
	st := store.NewMemoryStore()
	seedConfig(t, st)
	o := newTestOrchestrator(st, gateway.NewMock(), "")
	ctx := context.Background()

	err := st.CreateDispatch(ctx, model.Dispatch{
		ID: "d1", UserID: testUser, Kind: model.DispatchKindTemplate, TemplateName: "t",
		Leads: leads("5511999990000"), TotalLeads: 1, Status: model.DispatchStatusCompleted,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := o.RetryFailed(ctx, "d1"); model.ErrorCode(err) != model.ErrNotFound {
		t.Errorf("RetryFailed() error = %v, want NOT_FOUND", err)
	}
}

func TestRecover_mark_error(t *testing.T) {
	st := store.NewMemoryStore()
	seedConfig(t, st)
	o := newTestOrchestrator(st, gateway.NewMock(), "mark_error")
	ctx := context.Background()

	err := st.CreateDispatch(ctx, model.Dispatch{
		ID: "d1", UserID: testUser, Kind: model.DispatchKindTemplate, TemplateName: "t",
		Leads: leads("5511999990000"), TotalLeads: 1, Status: model.DispatchStatusRunning,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := o.Recover(ctx); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}

	final, _ := st.GetDispatch(ctx, "d1")
	if final.Status != model.DispatchStatusError {
		t.Errorf("Status = %q, want error after mark_error recovery", final.Status)
	}
}

func TestRecover_resume_finishes_interrupted_dispatch(t *testing.T) {
	st := store.NewMemoryStore()
	seedConfig(t, st)
	gw := gateway.NewMock()
	o := newTestOrchestrator(st, gw, "resume")
	ctx := context.Background()

	err := st.CreateDispatch(ctx, model.Dispatch{
		ID: "d1", UserID: testUser, Kind: model.DispatchKindTemplate,
		TemplateName: "promo",
		Leads:        leads("5511999990001", "5511999990002"),
		TotalLeads:   2, CurrentIndex: 1, SuccessCount: 1,
		Status: model.DispatchStatusRunning,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := o.Recover(ctx); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	o.Wait()

	final, _ := st.GetDispatch(ctx, "d1")
	if final.Status != model.DispatchStatusCompleted {
		t.Errorf("Status = %q, want completed after resume recovery", final.Status)
	}
	if gw.Len() != 1 {
		t.Errorf("gateway calls = %d, want 1 (cursor already past the first lead)", gw.Len())
	}
}

func TestRun_flow_dispatch_starts_sessions(t *testing.T) {
	st := store.NewMemoryStore()
	seedConfig(t, st)
	gw := gateway.NewMock()
	o := newTestOrchestrator(st, gw, "")
	ctx := context.Background()

	f := model.Flow{
		ID:     "f1",
		UserID: testUser,
		Nodes:  []model.Node{{ID: "1", Type: model.NodeTypeMessage, Data: model.NodeData{Text: "oi"}}},
	}
	if err := st.SaveFlow(ctx, f); err != nil {
		t.Fatal(err)
	}

	d, err := o.Create(ctx, CreateRequest{
		UserID: testUser,
		Kind:   model.DispatchKindFlow,
		FlowID: "f1",
		Leads:  leads("5511999990001", "5511999990002"),
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	o.Wait()

	final, _ := st.GetDispatch(ctx, d.ID)
	if final.Status != model.DispatchStatusCompleted || final.SuccessCount != 2 {
		t.Errorf("dispatch = (%q, %d ok), want completed with 2", final.Status, final.SuccessCount)
	}
	kinds := gw.CallKinds()
	if len(kinds) != 2 || kinds[0] != "text" || kinds[1] != "text" {
		t.Errorf("gateway calls = %v, want two flow text sends", kinds)
	}
}

func TestExtractPhone_alias_priority(t *testing.T) {
	tests := []struct {
		lead model.Lead
		want string
	}{
		{model.Lead{"telefone": "111", "phone": "222"}, "111"},
		{model.Lead{"phone": "222"}, "222"},
		{model.Lead{"Celular": "333"}, "333"},
		{model.Lead{"whatsapp": float64(5511999990000)}, "5511999990000"},
		{model.Lead{"nome": "sem telefone"}, ""},
		{model.Lead{}, ""},
	}

	for _, tt := range tests {
		if got := extractPhone(tt.lead); got != tt.want {
			t.Errorf("extractPhone(%v) = %q, want %q", tt.lead, got, tt.want)
		}
	}
}

func TestSessionVariables_namespaced_by_node(t *testing.T) {
	order := 1
	spec := model.MappingSpec{
		{Key: "5.nome", Index: 1, Component: model.ComponentBody, Order: &order, Type: model.MappingTypeColumn, Column: "nome"},
		{Key: "5.cupom", Index: 2, Component: model.ComponentBody, Type: model.MappingTypeValue, Value: "DESC10"},
		{Key: "", Index: 3, Component: model.ComponentBody, Type: model.MappingTypeValue, Value: "dropped"},
	}
	lead := model.Lead{"nome": "Maria"}

	vars := sessionVariables(lead, spec)
	if len(vars) != 2 {
		t.Fatalf("variables = %d, want 2 (keyless entry dropped)", len(vars))
	}
	if v := vars["5.nome"]; v.NodeID != "5" || v.Value != "Maria" || v.Order == nil {
		t.Errorf("5.nome = %+v, want node 5, value Maria, explicit order", v)
	}
	if v := vars["5.cupom"]; v.Value != "DESC10" {
		t.Errorf("5.cupom = %+v, want literal DESC10", v)
	}
}
