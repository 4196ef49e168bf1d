package flow

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zaplane/zaplane/internal/gateway"
	"github.com/zaplane/zaplane/internal/notify"
	"github.com/zaplane/zaplane/internal/observability"
	"github.com/zaplane/zaplane/internal/phone"
	"github.com/zaplane/zaplane/internal/store"
	"github.com/zaplane/zaplane/internal/variable"
	"github.com/zaplane/zaplane/model"
)

const (
	defaultChainLimit = 25
	defaultStepDelay  = 500 * time.Millisecond
	defaultImageDelay = time.Second

	// Replies longer than this never fall through to digit extraction.
	shortReplyLimit = 12

	invalidReplyText = "Opção inválida, tente novamente."
)

// Options tunes the engine. Zero values fall back to defaults.
type Options struct {
	ChainLimit int
	StepDelay  time.Duration
	ImageDelay time.Duration
	Metrics    *observability.Metrics
}

// Engine walks sessions through flow graphs. All mutations of a session go
// through the store's version-checked update, so a lost race with a
// concurrent writer surfaces as a conflict and the slower writer backs off.
type Engine struct {
	store    store.Store
	gw       gateway.Gateway
	notifier notify.Port
	logger   *zap.Logger
	metrics  *observability.Metrics

	chainLimit int
	stepDelay  time.Duration
	imageDelay time.Duration
}

// NewEngine creates a flow engine.
func NewEngine(st store.Store, gw gateway.Gateway, notifier notify.Port, logger *zap.Logger, opts Options) *Engine {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:      st,
		gw:         gw,
		notifier:   notifier,
		logger:     logger,
		metrics:    opts.Metrics,
		chainLimit: opts.ChainLimit,
		stepDelay:  opts.StepDelay,
		imageDelay: opts.ImageDelay,
	}
	if e.chainLimit <= 0 {
		e.chainLimit = defaultChainLimit
	}
	if e.stepDelay <= 0 {
		e.stepDelay = defaultStepDelay
	}
	if e.imageDelay <= 0 {
		e.imageDelay = defaultImageDelay
	}
	return e
}

// StartSession begins a contact's run through a flow: any prior session for
// the (flow, phone) pair is replaced, a fresh session is created at the start
// node, and execution begins immediately.
func (e *Engine) StartSession(ctx context.Context, f model.Flow, contactPhone string, vars map[string]model.SessionVariable) (model.FlowSession, error) {
	start, ok := FindStartNode(f)
	if !ok {
		return model.FlowSession{}, model.NewInvalidInputError(fmt.Sprintf("flow %q has no nodes", f.ID))
	}

	canonical := phone.Canonicalize(contactPhone)
	if err := e.store.DeleteSessionsByContact(ctx, f.ID, canonical); err != nil {
		return model.FlowSession{}, err
	}

	now := time.Now().UTC()
	sess := model.FlowSession{
		ID:           uuid.New().String(),
		FlowID:       f.ID,
		UserID:       f.UserID,
		ContactPhone: canonical,
		CurrentStep:  start.ID.String(),
		Status:       model.SessionStatusActive,
		Variables:    vars,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.store.CreateSession(ctx, sess); err != nil {
		return model.FlowSession{}, err
	}
	if e.metrics != nil {
		e.metrics.RecordFlowSessionStart(f.ID)
	}

	return sess, e.ExecuteStep(ctx, sess, f)
}

// ExecuteStep runs the node at the session's current step and advances along
// default edges until the flow branches, ends, or the advance limit trips.
// The loop is bounded so a graph drawn as a cycle of auto-advancing nodes
// cannot spin forever.
func (e *Engine) ExecuteStep(ctx context.Context, sess model.FlowSession, f model.Flow) error {
	for depth := 0; ; depth++ {
		if depth >= e.chainLimit {
			e.appendLog(ctx, sess.ID, sess.CurrentStep, "", model.SessionActionError, "auto-advance limit reached")
			sess.Status = model.SessionStatusStopped
			if err := e.saveSession(ctx, &sess); err != nil {
				return err
			}
			if e.metrics != nil {
				e.metrics.RecordFlowSessionEnd(model.SessionStatusStopped)
			}
			return nil
		}

		// Re-read credentials each step so a rotation mid-flow takes effect.
		creds, err := e.store.GetUserConfig(ctx, f.UserID)
		if err != nil {
			e.appendLog(ctx, sess.ID, sess.CurrentStep, "", model.SessionActionError, "missing channel credentials")
			return err
		}
		if !creds.Valid() {
			e.appendLog(ctx, sess.ID, sess.CurrentStep, "", model.SessionActionError, "incomplete channel credentials")
			return model.NewInvalidInputError(fmt.Sprintf("user %q has incomplete channel credentials", f.UserID))
		}

		node, ok := nodeByID(f, sess.CurrentStep)
		if !ok {
			e.appendLog(ctx, sess.ID, sess.CurrentStep, "", model.SessionActionError, "node not found")
			return e.EndSession(ctx, sess, "node not found")
		}

		stepCtx, span := observability.StartSpan(ctx, "flow.step",
			observability.AttrFlowID.String(sess.FlowID),
			observability.AttrSessionID.String(sess.ID),
			observability.AttrNodeID.String(node.ID.String()),
			observability.AttrNodeType.String(nodeType(node)))
		sendErr := e.runNode(stepCtx, creds, &sess, node)
		observability.EndSpanWithError(span, sendErr)
		if sendErr != nil {
			// Channel failures never abort the session; record and move on.
			e.logger.Warn("flow step send failed",
				zap.String("session_id", sess.ID),
				zap.String("node_id", node.ID.String()),
				zap.Error(sendErr))
			e.appendLog(ctx, sess.ID, node.ID.String(), node.Data.Label, model.SessionActionError, sendErr.Error())
		} else {
			e.appendLog(ctx, sess.ID, node.ID.String(), node.Data.Label, model.SessionActionStepExecuted, "")
		}
		if e.metrics != nil {
			e.metrics.RecordFlowStep(nodeType(node))
		}

		out := edgesFrom(f, sess.CurrentStep)

		if node.Data.AwaitReply || hasChoiceHandles(out) {
			sess.Status = model.SessionStatusWaitingReply
			if err := e.saveSession(ctx, &sess); err != nil {
				return err
			}
			if e.metrics != nil {
				e.metrics.FlowWaitingSessions.Inc()
			}
			return nil
		}

		if len(out) == 0 {
			return e.EndSession(ctx, sess, "completed")
		}

		next, ok := defaultEdge(out)
		if !ok {
			return e.EndSession(ctx, sess, "out of options")
		}
		if _, ok := nodeByID(f, next.Target.String()); !ok {
			e.appendLog(ctx, sess.ID, sess.CurrentStep, "", model.SessionActionError,
				fmt.Sprintf("edge targets missing node %q", next.Target))
			return e.EndSession(ctx, sess, "inconsistent graph")
		}

		sess.CurrentStep = next.Target.String()
		sess.Status = model.SessionStatusActive
		if err := e.saveSession(ctx, &sess); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.stepDelay):
		}
	}
}

// ProcessMessage routes an inbound reply to the waiting session matching the
// sender's phone. A reply with no matching session is dropped. When several
// sessions match across phone variants, the most recently updated wins.
func (e *Engine) ProcessMessage(ctx context.Context, contactPhone, text, targetUserID string) error {
	canonical := phone.Canonicalize(contactPhone)
	sessions, err := e.store.FindWaitingByPhones(ctx, phone.Variants(canonical), targetUserID)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		e.logger.Debug("inbound reply matched no waiting session",
			zap.String("phone", canonical),
			zap.String("user_id", targetUserID))
		return nil
	}
	sess := sessions[0]

	f, err := e.store.GetFlow(ctx, sess.FlowID)
	if err != nil {
		return err
	}

	node, ok := nodeByID(f, sess.CurrentStep)
	if !ok {
		e.appendLog(ctx, sess.ID, sess.CurrentStep, "", model.SessionActionError, "node not found")
		if e.metrics != nil {
			e.metrics.FlowWaitingSessions.Dec()
		}
		return e.EndSession(ctx, sess, "node not found")
	}

	e.appendHistory(ctx, sess.UserID, sess.ContactPhone, model.DirectionIn, "text", text)
	e.notifier.Publish(sess.UserID, notify.EventMessageReceived, map[string]any{
		"phone": sess.ContactPhone,
		"text":  text,
	})

	out := edgesFrom(f, sess.CurrentStep)
	next, valid := e.resolveReply(text, node, out)

	if !valid {
		if neg, ok := negativeEdge(out); ok {
			e.appendLog(ctx, sess.ID, node.ID.String(), node.Data.Label, model.SessionActionReplyInvalid, "took negative branch")
			return e.advance(ctx, sess, f, neg)
		}
		e.appendLog(ctx, sess.ID, node.ID.String(), node.Data.Label, model.SessionActionReplyInvalid, text)
		creds, err := e.store.GetUserConfig(ctx, sess.UserID)
		if err == nil && creds.Valid() {
			if _, sendErr := e.gw.SendText(ctx, creds, sess.ContactPhone, invalidReplyText); sendErr != nil {
				e.logger.Warn("invalid-reply prompt failed", zap.String("session_id", sess.ID), zap.Error(sendErr))
			}
		}
		// Session stays waiting_reply.
		return nil
	}

	if next == nil {
		if e.metrics != nil {
			e.metrics.FlowWaitingSessions.Dec()
		}
		return e.EndSession(ctx, sess, "out of options")
	}

	e.appendLog(ctx, sess.ID, node.ID.String(), node.Data.Label, model.SessionActionReplyMatched, text)
	return e.advance(ctx, sess, f, *next)
}

// EndSession marks a session completed. Terminal; no further transitions.
func (e *Engine) EndSession(ctx context.Context, sess model.FlowSession, reason string) error {
	sess.Status = model.SessionStatusCompleted
	if err := e.saveSession(ctx, &sess); err != nil {
		return err
	}
	e.appendLog(ctx, sess.ID, sess.CurrentStep, "", model.SessionActionEnded, reason)
	if e.metrics != nil {
		e.metrics.RecordFlowSessionEnd(model.SessionStatusCompleted)
	}
	return nil
}

// advance follows an edge out of a waiting node and resumes execution.
func (e *Engine) advance(ctx context.Context, sess model.FlowSession, f model.Flow, edge model.Edge) error {
	if e.metrics != nil {
		e.metrics.FlowWaitingSessions.Dec()
	}
	if _, ok := nodeByID(f, edge.Target.String()); !ok {
		e.appendLog(ctx, sess.ID, sess.CurrentStep, "", model.SessionActionError,
			fmt.Sprintf("edge targets missing node %q", edge.Target))
		return e.EndSession(ctx, sess, "inconsistent graph")
	}

	sess.CurrentStep = edge.Target.String()
	sess.Status = model.SessionStatusActive
	if err := e.saveSession(ctx, &sess); err != nil {
		return err
	}
	return e.ExecuteStep(ctx, sess, f)
}

// resolveReply evaluates an inbound reply against the current node. It
// returns the edge to follow and whether the reply was valid. A valid reply
// with a nil edge means the node is a dead end.
func (e *Engine) resolveReply(text string, node model.Node, out []model.Edge) (*model.Edge, bool) {
	if node.Type == model.NodeTypeOptions && hasChoiceHandles(out) {
		choice, ok := resolveChoice(text, node.Data.Options)
		if !ok {
			return nil, false
		}
		edge, ok := choiceEdge(out, choice)
		if !ok {
			return nil, false
		}
		return &edge, true
	}

	// Non-branching nodes accept any reply as affirmation.
	if edge, ok := positiveEdge(out); ok {
		return &edge, true
	}
	return nil, true
}

// resolveChoice maps reply text to a 1-based option position: an interactive
// reply id first, then an exact number, then a label match, then the first
// digit run embedded in a short reply.
func resolveChoice(text string, options []string) (int, bool) {
	trimmed := strings.TrimSpace(text)

	if strings.HasPrefix(trimmed, "choice-") {
		if n, err := strconv.Atoi(trimmed[len("choice-"):]); err == nil && n >= 1 {
			return n, true
		}
	}

	if n, err := strconv.Atoi(trimmed); err == nil && n >= 1 {
		return n, true
	}

	for i, opt := range options {
		if strings.EqualFold(strings.TrimSpace(opt), trimmed) {
			return i + 1, true
		}
	}

	if len(trimmed) <= shortReplyLimit {
		if n, ok := firstDigitRun(trimmed); ok && n >= 1 {
			return n, true
		}
	}

	return 0, false
}

// firstDigitRun extracts the first contiguous digit sequence from s.
func firstDigitRun(s string) (int, bool) {
	start := -1
	for i, r := range s {
		if r >= '0' && r <= '9' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			n, err := strconv.Atoi(s[start:i])
			return n, err == nil
		}
	}
	if start >= 0 {
		n, err := strconv.Atoi(s[start:])
		return n, err == nil
	}
	return 0, false
}

// runNode performs the node's outbound action.
func (e *Engine) runNode(ctx context.Context, creds model.UserConfig, sess *model.FlowSession, node model.Node) error {
	switch node.Type {
	case model.NodeTypeTemplate:
		header, body := e.sessionParams(sess, node)
		_, err := e.gw.SendTemplate(ctx, creds, sess.ContactPhone, node.Data.TemplateName, header, body)
		if err != nil {
			return err
		}
		e.appendHistory(ctx, sess.UserID, sess.ContactPhone, model.DirectionOut, "template", node.Data.TemplateName)
		return nil

	case model.NodeTypeImage:
		for i, img := range node.Data.Images {
			if i > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(e.imageDelay):
				}
			}
			if _, err := e.gw.SendImage(ctx, creds, sess.ContactPhone, img); err != nil {
				return err
			}
		}
		e.appendHistory(ctx, sess.UserID, sess.ContactPhone, model.DirectionOut, "image", node.Data.Label)
		return nil

	case model.NodeTypeOptions:
		text := node.Data.Text
		if text == "" {
			text = node.Data.Label
		}
		_, err := e.gw.SendInteractive(ctx, creds, sess.ContactPhone, text, node.Data.Options)
		if err != nil {
			return err
		}
		e.appendHistory(ctx, sess.UserID, sess.ContactPhone, model.DirectionOut, "interactive", text)
		return nil

	case model.NodeTypeVariable:
		// Reserved node type; nothing to send.
		return nil

	default:
		text := node.Data.Text
		if text == "" {
			text = node.Data.Label
		}
		_, err := e.gw.SendText(ctx, creds, sess.ContactPhone, text)
		if err != nil {
			return err
		}
		e.appendHistory(ctx, sess.UserID, sess.ContactPhone, model.DirectionOut, "text", text)
		return nil
	}
}

// sessionParams resolves message parameters for a template node from the
// session variables namespaced to it, falling back to the node's static
// parameter lists.
func (e *Engine) sessionParams(sess *model.FlowSession, node model.Node) (header, body []variable.Param) {
	nodeID := node.ID.String()

	keys := make([]string, 0, len(sess.Variables))
	for k, v := range sess.Variables {
		if v.NodeID == nodeID {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	if len(keys) > 0 {
		spec := make(model.MappingSpec, 0, len(keys))
		for _, k := range keys {
			v := sess.Variables[k]
			spec = append(spec, model.VariableMapping{
				Key:       k,
				Index:     v.Index,
				Component: v.Component,
				Order:     v.Order,
				Type:      model.MappingTypeValue,
				Value:     v.Value,
			})
		}
		return variable.Resolve(nil, spec)
	}

	for i, v := range node.Data.HeaderParams {
		header = append(header, variable.Param{Index: i + 1, Value: v})
	}
	for i, v := range node.Data.BodyParams {
		body = append(body, variable.Param{Index: i + 1, Value: v})
	}
	return header, body
}

// saveSession persists the session and mirrors the store's version bump so
// the next write in a chain keeps the lock. A conflict means a concurrent
// writer won; the caller backs off.
func (e *Engine) saveSession(ctx context.Context, sess *model.FlowSession) error {
	sess.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateSession(ctx, *sess); err != nil {
		return err
	}
	sess.Version++
	return nil
}

func (e *Engine) appendLog(ctx context.Context, sessionID, nodeID, nodeLabel, action, details string) {
	err := e.store.AppendSessionLog(ctx, model.FlowSessionLog{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		NodeID:    nodeID,
		NodeLabel: nodeLabel,
		Action:    action,
		Details:   details,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		e.logger.Warn("session log append failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (e *Engine) appendHistory(ctx context.Context, userID, contactPhone, direction, kind, body string) {
	err := e.store.AppendHistory(ctx, model.HistoryRecord{
		ID:        uuid.New().String(),
		UserID:    userID,
		Phone:     contactPhone,
		Direction: direction,
		Kind:      kind,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		e.logger.Warn("history append failed", zap.String("user_id", userID), zap.Error(err))
	}
}

func nodeType(n model.Node) string {
	if n.Type == "" {
		return model.NodeTypeMessage
	}
	return n.Type
}
