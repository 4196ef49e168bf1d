// Package webhook receives the messaging channel's delivery callbacks and
// routes inbound contact replies into the flow engine.
package webhook

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/zaplane/zaplane/internal/flow"
	"github.com/zaplane/zaplane/internal/observability"
	"github.com/zaplane/zaplane/internal/store"
	"github.com/zaplane/zaplane/model"
)

// payload mirrors the channel's webhook event shape. Only the fields the
// router reads are declared.
type payload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Metadata struct {
					PhoneNumberID string `json:"phone_number_id"`
				} `json:"metadata"`
				Messages []inboundMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type inboundMessage struct {
	From string `json:"from"`
	Type string `json:"type"`
	Text struct {
		Body string `json:"body"`
	} `json:"text"`
	Interactive struct {
		ButtonReply struct {
			ID string `json:"id"`
		} `json:"button_reply"`
		ListReply struct {
			ID string `json:"id"`
		} `json:"list_reply"`
	} `json:"interactive"`
}

// Handler serves the channel's webhook endpoint: the GET verification
// handshake and the POST event stream.
type Handler struct {
	store       store.ConfigStore
	engine      *flow.Engine
	verifyToken string
	logger      *zap.Logger
	metrics     *observability.Metrics
}

// NewHandler creates a webhook handler. verifyToken is the shared secret the
// channel echoes during subscription verification.
func NewHandler(st store.ConfigStore, engine *flow.Engine, verifyToken string, logger *zap.Logger, metrics *observability.Metrics) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		store:       st,
		engine:      engine,
		verifyToken: verifyToken,
		logger:      logger,
		metrics:     metrics,
	}
}

// Verify handles the channel's GET subscription handshake: echo the
// challenge when the mode and token match. The token may be the
// process-level secret or any user's stored verification secret; the
// handshake carries no channel id to scope it tighter.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") == "subscribe" && h.tokenAccepted(r.Context(), q.Get("hub.verify_token")) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(q.Get("hub.challenge")))
		return
	}
	http.Error(w, "verification failed", http.StatusForbidden)
}

func (h *Handler) tokenAccepted(ctx context.Context, token string) bool {
	if token == "" {
		return false
	}
	if h.verifyToken != "" && token == h.verifyToken {
		return true
	}
	_, err := h.store.FindUserByVerifyToken(ctx, token)
	return err == nil
}

// Receive handles POSTed channel events. The channel retries on non-2xx, so
// the handler acknowledges everything it could parse and logs the rest;
// processing failures must not trigger redelivery storms.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	var p payload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		h.record("malformed")
		h.logger.Warn("webhook payload decode failed", zap.Error(err))
		w.WriteHeader(http.StatusOK)
		return
	}

	ctx := r.Context()
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			channelID := change.Value.Metadata.PhoneNumberID
			for _, msg := range change.Value.Messages {
				text := replyText(msg)
				if msg.From == "" || text == "" {
					h.record("ignored")
					continue
				}

				userID := ""
				if channelID != "" {
					cfg, err := h.store.FindUserByChannel(ctx, channelID)
					if err == nil {
						userID = cfg.UserID
					} else if model.ErrorCode(err) != model.ErrNotFound {
						h.logger.Warn("channel owner lookup failed",
							zap.String("channel_id", channelID), zap.Error(err))
					}
				}

				if err := h.engine.ProcessMessage(ctx, msg.From, text, userID); err != nil {
					h.record("error")
					h.logger.Warn("inbound reply processing failed",
						zap.String("from", msg.From),
						zap.String("user_id", userID),
						zap.Error(err))
					continue
				}
				h.record("routed")
			}
		}
	}

	w.WriteHeader(http.StatusOK)
}

// replyText extracts the contact's answer: plain text body, or the selected
// interactive reply id ("choice-N").
func replyText(msg inboundMessage) string {
	switch msg.Type {
	case "interactive":
		if id := msg.Interactive.ButtonReply.ID; id != "" {
			return id
		}
		return msg.Interactive.ListReply.ID
	default:
		return msg.Text.Body
	}
}

func (h *Handler) record(outcome string) {
	if h.metrics != nil {
		h.metrics.RecordWebhookEvent(outcome)
	}
}
