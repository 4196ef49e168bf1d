package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zaplane/zaplane/internal/config"
	"github.com/zaplane/zaplane/internal/flow"
	"github.com/zaplane/zaplane/internal/gateway"
	"github.com/zaplane/zaplane/internal/notify"
	"github.com/zaplane/zaplane/internal/observability"
	"github.com/zaplane/zaplane/internal/phone"
	"github.com/zaplane/zaplane/internal/store"
	"github.com/zaplane/zaplane/internal/variable"
	"github.com/zaplane/zaplane/model"
)

const defaultSendInterval = 200 * time.Millisecond

// Recipient field names checked, in priority order, when extracting the
// destination phone from a lead.
var phoneAliases = []string{"telefone", "phone", "celular", "whatsapp", "fone", "numero", "número", "tel", "mobile"}

// Control action constants.
const (
	ActionPause  = "pause"
	ActionResume = "resume"
	ActionStop   = "stop"
)

// CreateRequest describes a new campaign.
type CreateRequest struct {
	UserID       string            `json:"user_id"`
	Kind         string            `json:"kind"`
	TemplateName string            `json:"template_name,omitempty"`
	FlowID       string            `json:"flow_id,omitempty"`
	Leads        []model.Lead      `json:"leads"`
	Mappings     model.MappingSpec `json:"mappings,omitempty"`
}

// Options tunes the orchestrator.
type Options struct {
	// SendInterval is the fixed pause between recipient sends, the only
	// backpressure against channel rate limits.
	SendInterval time.Duration
	// RecoverMode selects what Recover does with dispatches left running by
	// a previous process: resume, mark_error, or off.
	RecoverMode string
	Metrics     *observability.Metrics
}

// Orchestrator drives dispatch campaigns. Each running dispatch is one
// goroutine walking the recipient list; the registry carries its cooperative
// stop flag.
type Orchestrator struct {
	store    store.Store
	gw       gateway.Gateway
	engine   *flow.Engine
	notifier notify.Port
	logger   *zap.Logger
	metrics  *observability.Metrics
	registry *Registry

	sendInterval time.Duration
	recoverMode  string

	wg sync.WaitGroup
}

// NewOrchestrator creates a dispatch orchestrator.
func NewOrchestrator(st store.Store, gw gateway.Gateway, engine *flow.Engine, notifier notify.Port, logger *zap.Logger, opts Options) *Orchestrator {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		store:        st,
		gw:           gw,
		engine:       engine,
		notifier:     notifier,
		logger:       logger,
		metrics:      opts.Metrics,
		registry:     NewRegistry(),
		sendInterval: opts.SendInterval,
		recoverMode:  opts.RecoverMode,
	}
	if o.sendInterval <= 0 {
		o.sendInterval = defaultSendInterval
	}
	if o.recoverMode == "" {
		o.recoverMode = config.RecoverMarkError
	}
	return o
}

// Create validates and persists a new dispatch, then starts its loop in the
// background. At most one running or idle dispatch may exist per user; the
// storage layer backs the check with a unique constraint, so a concurrent
// creation loses with CONFLICT rather than slipping through.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (model.Dispatch, error) {
	if req.UserID == "" {
		return model.Dispatch{}, model.NewInvalidInputError("user id is required")
	}
	if len(req.Leads) == 0 {
		return model.Dispatch{}, model.NewInvalidInputError("dispatch has no recipients")
	}
	switch req.Kind {
	case model.DispatchKindTemplate:
		if req.TemplateName == "" {
			return model.Dispatch{}, model.NewInvalidInputError("template dispatch needs a template name")
		}
	case model.DispatchKindFlow:
		if req.FlowID == "" {
			return model.Dispatch{}, model.NewInvalidInputError("flow dispatch needs a flow id")
		}
		f, err := o.store.GetFlow(ctx, req.FlowID)
		if err != nil {
			return model.Dispatch{}, err
		}
		if err := flow.ValidateGraph(f); err != nil {
			return model.Dispatch{}, err
		}
	default:
		return model.Dispatch{}, model.NewInvalidInputError(fmt.Sprintf("unknown dispatch kind %q", req.Kind))
	}

	active, err := o.store.FindActiveByUser(ctx, req.UserID)
	if err != nil {
		return model.Dispatch{}, err
	}
	if len(active) > 0 {
		return model.Dispatch{}, model.NewConflictError(
			fmt.Sprintf("user %q already has an active dispatch (%s)", req.UserID, active[0].ID))
	}

	now := time.Now().UTC()
	d := model.Dispatch{
		ID:           uuid.New().String(),
		UserID:       req.UserID,
		Kind:         req.Kind,
		TemplateName: req.TemplateName,
		FlowID:       req.FlowID,
		Leads:        req.Leads,
		Mappings:     req.Mappings,
		TotalLeads:   len(req.Leads),
		Status:       model.DispatchStatusRunning,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := o.store.CreateDispatch(ctx, d); err != nil {
		return model.Dispatch{}, err
	}

	o.start(d.ID)
	return d, nil
}

// Get returns a dispatch by id.
func (o *Orchestrator) Get(ctx context.Context, dispatchID string) (model.Dispatch, error) {
	return o.store.GetDispatch(ctx, dispatchID)
}

// Control applies a lifecycle action to a dispatch.
func (o *Orchestrator) Control(ctx context.Context, dispatchID, action string) (model.Dispatch, error) {
	d, err := o.store.GetDispatch(ctx, dispatchID)
	if err != nil {
		return model.Dispatch{}, err
	}

	switch action {
	case ActionPause:
		if d.Status != model.DispatchStatusRunning && d.Status != model.DispatchStatusIdle {
			return model.Dispatch{}, model.NewConflictError(
				fmt.Sprintf("dispatch %q is %s, cannot pause", dispatchID, d.Status))
		}
		if h, ok := o.registry.Get(dispatchID); ok {
			h.Signal(ReasonPause)
		}
		d.Status = model.DispatchStatusPaused
		d.UpdatedAt = time.Now().UTC()
		if err := o.store.UpdateDispatch(ctx, d); err != nil {
			return model.Dispatch{}, err
		}
		o.notifyStatus(d)
		return d, nil

	case ActionResume:
		if d.Status != model.DispatchStatusPaused {
			return model.Dispatch{}, model.NewConflictError(
				fmt.Sprintf("dispatch %q is %s, cannot resume", dispatchID, d.Status))
		}
		active, err := o.store.FindActiveByUser(ctx, d.UserID)
		if err != nil {
			return model.Dispatch{}, err
		}
		if len(active) > 0 {
			return model.Dispatch{}, model.NewConflictError(
				fmt.Sprintf("user %q already has an active dispatch (%s)", d.UserID, active[0].ID))
		}
		d.Status = model.DispatchStatusRunning
		d.UpdatedAt = time.Now().UTC()
		if err := o.store.UpdateDispatch(ctx, d); err != nil {
			return model.Dispatch{}, err
		}
		o.notifyStatus(d)
		o.start(d.ID)
		return d, nil

	case ActionStop:
		if h, ok := o.registry.Get(dispatchID); ok {
			h.Signal(ReasonStop)
		}
		d.Status = model.DispatchStatusStopped
		d.UpdatedAt = time.Now().UTC()
		if err := o.store.UpdateDispatch(ctx, d); err != nil {
			return model.Dispatch{}, err
		}
		o.notifyStatus(d)
		return d, nil

	default:
		return model.Dispatch{}, model.NewInvalidInputError(fmt.Sprintf("unknown control action %q", action))
	}
}

// RetryFailed builds a new dispatch out of the recipients that errored in a
// finished one and starts it.
func (o *Orchestrator) RetryFailed(ctx context.Context, dispatchID string) (model.Dispatch, error) {
	d, err := o.store.GetDispatch(ctx, dispatchID)
	if err != nil {
		return model.Dispatch{}, err
	}

	logs, err := o.store.ListDispatchLogs(ctx, dispatchID, model.LogStatusError)
	if err != nil {
		return model.Dispatch{}, err
	}
	if len(logs) == 0 {
		return model.Dispatch{}, model.NewNotFoundError(
			fmt.Sprintf("dispatch %q has no failed recipients", dispatchID))
	}

	failed := make(map[string]bool, len(logs))
	for _, l := range logs {
		failed[phone.Canonicalize(l.Phone)] = true
	}

	var retry []model.Lead
	for _, lead := range d.Leads {
		raw := extractPhone(lead)
		if raw != "" && failed[phone.Canonicalize(raw)] {
			retry = append(retry, lead)
		}
	}
	if len(retry) == 0 {
		return model.Dispatch{}, model.NewNotFoundError(
			fmt.Sprintf("no recipients of dispatch %q match its failed logs", dispatchID))
	}

	return o.Create(ctx, CreateRequest{
		UserID:       d.UserID,
		Kind:         d.Kind,
		TemplateName: d.TemplateName,
		FlowID:       d.FlowID,
		Leads:        retry,
		Mappings:     d.Mappings,
	})
}

// Recover reconciles dispatches a previous process left running or idle.
// The control registry dies with the process, so without this a crashed
// dispatch would sit in running forever.
func (o *Orchestrator) Recover(ctx context.Context) error {
	if o.recoverMode == config.RecoverOff {
		return nil
	}

	interrupted, err := o.store.FindInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("find interrupted dispatches: %w", err)
	}

	for _, d := range interrupted {
		switch o.recoverMode {
		case config.RecoverResume:
			o.logger.Info("resuming interrupted dispatch",
				zap.String("dispatch_id", d.ID),
				zap.String("user_id", d.UserID),
				zap.Int("cursor", d.CurrentIndex))
			o.start(d.ID)
		default:
			o.logger.Warn("marking interrupted dispatch as error",
				zap.String("dispatch_id", d.ID),
				zap.String("user_id", d.UserID))
			d.Status = model.DispatchStatusError
			d.UpdatedAt = time.Now().UTC()
			if err := o.store.UpdateDispatch(ctx, d); err != nil {
				o.logger.Error("interrupted dispatch update failed",
					zap.String("dispatch_id", d.ID), zap.Error(err))
				continue
			}
			o.notifyStatus(d)
		}
	}
	return nil
}

// Shutdown signals every running loop to park at its next recipient boundary
// and waits for them to drain. Parked dispatches resume on the next startup
// when recovery is set to resume.
func (o *Orchestrator) Shutdown() {
	o.registry.SignalAll(ReasonPause)
	o.wg.Wait()
}

// Wait blocks until all running loops finish. For testing.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// start registers a control handle and launches the processing loop. The
// loop runs on a background context: it belongs to the process, not to the
// HTTP request that created it.
func (o *Orchestrator) start(dispatchID string) {
	o.registry.Register(dispatchID)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(context.Background(), dispatchID)
	}()
}

// run walks the recipient list. Per-recipient failures are logged and
// counted, never fatal; only a panic escaping the loop marks the dispatch as
// error.
func (o *Orchestrator) run(ctx context.Context, dispatchID string) {
	logger := o.logger.With(zap.String("dispatch_id", dispatchID))

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("dispatch loop panicked", zap.Any("panic", rec))
			o.registry.Remove(dispatchID)
			if d, err := o.store.GetDispatch(ctx, dispatchID); err == nil {
				d.Status = model.DispatchStatusError
				d.UpdatedAt = time.Now().UTC()
				if err := o.store.UpdateDispatch(ctx, d); err != nil {
					logger.Error("dispatch error-status write failed", zap.Error(err))
				}
				o.notifyStatus(d)
				o.recordEnd(d.Kind, model.DispatchStatusError)
			}
		}
	}()

	d, err := o.store.GetDispatch(ctx, dispatchID)
	if err != nil {
		logger.Error("dispatch load failed", zap.Error(err))
		o.registry.Remove(dispatchID)
		return
	}

	creds, err := o.store.GetUserConfig(ctx, d.UserID)
	if err != nil || !creds.Valid() {
		logger.Error("dispatch owner has no usable channel credentials",
			zap.String("user_id", d.UserID), zap.Error(err))
		o.failDispatch(ctx, d, "missing channel credentials")
		return
	}

	var f model.Flow
	if d.Kind == model.DispatchKindFlow {
		f, err = o.store.GetFlow(ctx, d.FlowID)
		if err != nil {
			logger.Error("dispatch flow load failed", zap.String("flow_id", d.FlowID), zap.Error(err))
			o.failDispatch(ctx, d, "flow not found")
			return
		}
	}

	if o.metrics != nil {
		o.metrics.RecordDispatchStart(d.Kind, len(d.Leads)-d.CurrentIndex)
	}
	ctx, span := observability.StartSpan(ctx, "dispatch.run",
		observability.AttrDispatchID.String(d.ID),
		observability.AttrDispatchKind.String(d.Kind),
		observability.AttrUserID.String(d.UserID))
	defer span.End()
	logger.Info("dispatch loop started",
		zap.String("kind", d.Kind),
		zap.Int("cursor", d.CurrentIndex),
		zap.Int("total", d.TotalLeads))

	for d.CurrentIndex < len(d.Leads) {
		// Pause/stop exit path: polled at the recipient boundary, never
		// mid-send. A stop already persisted its final status; do not
		// overwrite it with paused.
		h, ok := o.registry.Get(d.ID)
		if !ok {
			return
		}
		if reason, stopped := h.Stopped(); stopped {
			if reason == ReasonStop {
				// Control already persisted stopped; re-write with this
				// loop's accurate cursor and counters.
				d.Status = model.DispatchStatusStopped
				d.UpdatedAt = time.Now().UTC()
				if err := o.store.UpdateDispatch(ctx, d); err != nil {
					logger.Error("stop cursor write failed", zap.Error(err))
				}
			} else {
				d.Status = model.DispatchStatusPaused
				d.UpdatedAt = time.Now().UTC()
				if err := o.store.UpdateDispatch(ctx, d); err != nil {
					logger.Error("pause cursor write failed", zap.Error(err))
				}
				o.notifyStatus(d)
			}
			o.registry.Remove(d.ID)
			o.recordEnd(d.Kind, d.Status)
			logger.Info("dispatch loop parked", zap.String("reason", reason), zap.Int("cursor", d.CurrentIndex))
			return
		}

		lead := d.Leads[d.CurrentIndex]
		raw := extractPhone(lead)
		if raw == "" {
			// No phone column: skipped, not an error.
			d.CurrentIndex++
			d.UpdatedAt = time.Now().UTC()
			if err := o.store.UpdateDispatch(ctx, d); err != nil {
				logger.Error("cursor write failed", zap.Error(err))
			}
			continue
		}
		canonical := phone.Canonicalize(raw)

		var sendErr error
		if d.Kind == model.DispatchKindFlow {
			_, sendErr = o.engine.StartSession(ctx, f, canonical, sessionVariables(lead, d.Mappings))
		} else {
			header, body := variable.Resolve(lead, d.Mappings)
			_, sendErr = o.gw.SendTemplate(ctx, creds, canonical, d.TemplateName, header, body)
		}

		logStatus := model.LogStatusSent
		logDetail := ""
		if sendErr != nil {
			logStatus = model.LogStatusError
			logDetail = sendErr.Error()
			d.ErrorCount++
			logger.Warn("recipient send failed", zap.String("phone", canonical), zap.Error(sendErr))
		} else {
			d.SuccessCount++
			if d.Kind == model.DispatchKindTemplate {
				o.appendHistory(ctx, d.UserID, canonical, d.TemplateName)
			}
			o.notifier.Publish(d.UserID, notify.EventMessageReceived, map[string]any{
				"phone":     canonical,
				"direction": model.DirectionOut,
				"kind":      d.Kind,
			})
		}

		if err := o.store.AppendDispatchLog(ctx, model.DispatchLog{
			ID:         uuid.New().String(),
			DispatchID: d.ID,
			Phone:      canonical,
			Status:     logStatus,
			Error:      logDetail,
			CreatedAt:  time.Now().UTC(),
		}); err != nil {
			logger.Error("dispatch log append failed", zap.Error(err))
		}
		if o.metrics != nil {
			o.metrics.RecordRecipientSend(d.Kind, logStatus)
		}

		d.CurrentIndex++
		d.UpdatedAt = time.Now().UTC()
		if err := o.store.UpdateDispatch(ctx, d); err != nil {
			logger.Error("progress write failed", zap.Error(err))
		}
		o.notifier.Publish(d.UserID, notify.EventDispatchProgress, progressPayload(d, logStatus))

		select {
		case <-ctx.Done():
			return
		case <-time.After(o.sendInterval):
		}
	}

	// A stop landing at the final recipient boundary wins over loop
	// exhaustion: stopped is final and Control already persisted it.
	if h, ok := o.registry.Get(d.ID); ok {
		if reason, stopped := h.Stopped(); stopped && reason == ReasonStop {
			d.Status = model.DispatchStatusStopped
			d.UpdatedAt = time.Now().UTC()
			if err := o.store.UpdateDispatch(ctx, d); err != nil {
				logger.Error("stop cursor write failed", zap.Error(err))
			}
			o.registry.Remove(d.ID)
			o.recordEnd(d.Kind, d.Status)
			logger.Info("dispatch loop parked", zap.String("reason", reason), zap.Int("cursor", d.CurrentIndex))
			return
		}
	}

	// Re-read so the final counts reflect every write of this loop.
	final, err := o.store.GetDispatch(ctx, d.ID)
	if err != nil {
		final = d
	}
	if final.ErrorCount > 0 {
		final.Status = model.DispatchStatusError
	} else {
		final.Status = model.DispatchStatusCompleted
	}
	final.UpdatedAt = time.Now().UTC()
	if err := o.store.UpdateDispatch(ctx, final); err != nil {
		logger.Error("final status write failed", zap.Error(err))
	}

	o.notifier.Publish(final.UserID, notify.EventDispatchProgress, progressPayload(final, ""))
	o.notifyStatus(final)
	o.notifier.Publish(final.UserID, notify.EventDispatchComplete, map[string]any{
		"dispatch_id": final.ID,
		"status":      final.Status,
		"success":     final.SuccessCount,
		"errors":      final.ErrorCount,
	})
	o.registry.Remove(final.ID)
	o.recordEnd(final.Kind, final.Status)
	logger.Info("dispatch loop finished",
		zap.String("status", final.Status),
		zap.Int("success", final.SuccessCount),
		zap.Int("errors", final.ErrorCount))
}

// failDispatch marks a dispatch as error before its loop ever processed a
// recipient.
func (o *Orchestrator) failDispatch(ctx context.Context, d model.Dispatch, reason string) {
	d.Status = model.DispatchStatusError
	d.UpdatedAt = time.Now().UTC()
	if err := o.store.UpdateDispatch(ctx, d); err != nil {
		o.logger.Error("dispatch error-status write failed",
			zap.String("dispatch_id", d.ID), zap.Error(err))
	}
	o.notifyStatus(d)
	o.registry.Remove(d.ID)
	o.logger.Warn("dispatch aborted", zap.String("dispatch_id", d.ID), zap.String("reason", reason))
}

func (o *Orchestrator) notifyStatus(d model.Dispatch) {
	o.notifier.Publish(d.UserID, notify.EventDispatchStatus, map[string]any{
		"dispatch_id": d.ID,
		"status":      d.Status,
	})
	if o.metrics != nil {
		o.metrics.RecordNotification(notify.EventDispatchStatus)
	}
}

func (o *Orchestrator) recordEnd(kind, status string) {
	if o.metrics != nil {
		o.metrics.RecordDispatchEnd(kind, status)
	}
}

func (o *Orchestrator) appendHistory(ctx context.Context, userID, canonical, templateName string) {
	err := o.store.AppendHistory(ctx, model.HistoryRecord{
		ID:        uuid.New().String(),
		UserID:    userID,
		Phone:     canonical,
		Direction: model.DirectionOut,
		Kind:      "template",
		Body:      templateName,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		o.logger.Warn("history append failed", zap.String("user_id", userID), zap.Error(err))
	}
}

func progressPayload(d model.Dispatch, lastStatus string) map[string]any {
	p := map[string]any{
		"dispatch_id": d.ID,
		"current":     d.CurrentIndex,
		"total":       d.TotalLeads,
		"success":     d.SuccessCount,
		"errors":      d.ErrorCount,
		"status":      d.Status,
	}
	if lastStatus != "" {
		p["last_result"] = lastStatus
	}
	return p
}

// extractPhone pulls the destination phone from a lead using the alias
// priority list, falling back to a case-insensitive column scan.
func extractPhone(lead model.Lead) string {
	for _, alias := range phoneAliases {
		if v, ok := lead[alias]; ok {
			if s := variable.Coerce(v); s != "" {
				return s
			}
		}
	}
	for k, v := range lead {
		for _, alias := range phoneAliases {
			if strings.EqualFold(k, alias) {
				if s := variable.Coerce(v); s != "" {
					return s
				}
			}
		}
	}
	return ""
}

// sessionVariables resolves a flow dispatch's mappings against one lead into
// the session variable map the engine consumes. The node a variable belongs
// to is the segment of its key before the first dot.
func sessionVariables(lead model.Lead, spec model.MappingSpec) map[string]model.SessionVariable {
	if len(spec) == 0 {
		return nil
	}
	vars := make(map[string]model.SessionVariable, len(spec))
	for _, m := range spec {
		if m.Key == "" {
			continue
		}
		nodeID := m.Key
		if i := strings.Index(m.Key, "."); i > 0 {
			nodeID = m.Key[:i]
		}
		val := m.Value
		if m.Type == model.MappingTypeColumn {
			val = variable.Coerce(lead[m.Column])
		} else {
			val = variable.Coerce(val)
		}
		vars[m.Key] = model.SessionVariable{
			NodeID:    nodeID,
			Index:     m.Index,
			Component: m.Component,
			Order:     m.Order,
			Value:     val,
		}
	}
	return vars
}
