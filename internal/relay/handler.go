// Package relay carries an inbound WhatsApp message to the bot backend and
// the reply back to the user.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"warelay/internal/dedup"
	"warelay/internal/domain"
	"warelay/internal/metrics"
	"warelay/internal/whatsapp"
)

const maxBodyBytes = 1 << 20

var errPanic = errors.New("panic")

// HandlerConfig wires a Handler.
type HandlerConfig struct {
	VerifyToken string
	AppSecret   string // empty disables signature checks
	Typing      bool
	Dedup       *dedup.Cache
	Resolver    domain.ConfigResolver
	Replier     domain.Replier
	Messenger   domain.Messenger
	Observers   []Observer
	Logger      *slog.Logger
}

// Handler is the provider-facing webhook. POST always acknowledges with 200
// unless the request signature is invalid.
type Handler struct {
	verifyToken string
	appSecret   string
	typing      bool
	dedup       *dedup.Cache
	resolver    domain.ConfigResolver
	replier     domain.Replier
	messenger   domain.Messenger
	coordinator *Coordinator
	observers   []Observer
	logger      *slog.Logger
	now         func() time.Time
}

func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Dedup == nil {
		cfg.Dedup = dedup.New(0)
	}
	return &Handler{
		verifyToken: cfg.VerifyToken,
		appSecret:   cfg.AppSecret,
		typing:      cfg.Typing,
		dedup:       cfg.Dedup,
		resolver:    cfg.Resolver,
		replier:     cfg.Replier,
		messenger:   cfg.Messenger,
		coordinator: NewCoordinator(cfg.Messenger, cfg.Logger),
		observers:   cfg.Observers,
		logger:      cfg.Logger,
		now:         time.Now,
	}
}

// Response is the JSON acknowledgment body.
type Response struct {
	Status  string       `json:"status,omitempty"`
	Error   string       `json:"error,omitempty"`
	Results []ItemResult `json:"results,omitempty"`
}

// ItemResult is reported per message when a notification carries several.
type ItemResult struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// Verify answers the subscription handshake: the challenge on a token
// match, 403 otherwise.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode == "subscribe" && h.verifyToken != "" && token == h.verifyToken {
		h.logger.Info("webhook verified")
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, challenge)
		return
	}

	h.logger.Warn("webhook verification failed", "mode", mode)
	writeJSON(w, http.StatusForbidden, Response{Error: "Forbidden"})
}

// Receive handles a webhook notification.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	metrics.WebhookRequests.Inc()
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("webhook handler panic", "panic", rec)
			writeJSON(w, http.StatusOK, Response{Status: StatusInternalError})
		}
	}()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.logger.Warn("webhook body read failed", "err", err)
		writeJSON(w, http.StatusOK, Response{Status: StatusInvalidPayload})
		return
	}

	if h.appSecret != "" && !whatsapp.VerifySignature(h.appSecret, body, r.Header.Get(whatsapp.SignatureHeader)) {
		metrics.SignatureRejects.Inc()
		h.logger.Warn("webhook signature mismatch", "remote", r.RemoteAddr)
		writeJSON(w, http.StatusForbidden, Response{Error: "Forbidden"})
		return
	}

	var n whatsapp.Notification
	if err := json.Unmarshal(body, &n); err != nil {
		h.logger.Warn("webhook payload invalid", "err", err)
		writeJSON(w, http.StatusOK, Response{Status: StatusInvalidPayload})
		return
	}

	// The provider may hang up once it has waited long enough; the relay
	// still finishes.
	writeJSON(w, http.StatusOK, h.Process(context.WithoutCancel(r.Context()), n))
}

// Process relays every message in the notification and builds the
// acknowledgment.
func (h *Handler) Process(ctx context.Context, n whatsapp.Notification) Response {
	items := n.Items()
	if len(items) == 0 {
		metrics.RelayOutcomes.With(kindIgnored).Inc()
		if c := n.StatusCount(); c > 0 {
			h.logger.Debug("status update acknowledged", "statuses", c)
			return Response{Status: StatusStatusUpdate}
		}
		h.logger.Info("notification without messages acknowledged")
		return Response{Status: StatusIgnored}
	}

	outcomes := make([]Outcome, 0, len(items))
	for _, it := range items {
		outcomes = append(outcomes, h.Relay(ctx, it))
	}

	resp := Response{Status: outcomes[0].Status}
	if len(outcomes) > 1 {
		for _, o := range outcomes {
			resp.Results = append(resp.Results, ItemResult{MessageID: o.MessageID, Status: o.Status})
		}
	}
	return resp
}

// Relay runs one message through the state machine and returns its outcome.
// It never panics and never returns without notifying observers.
func (h *Handler) Relay(ctx context.Context, it whatsapp.Item) (out Outcome) {
	in := it.Inbound()
	out = Outcome{
		MessageID:     in.ID,
		From:          in.From,
		BusinessPhone: in.BusinessPhone,
		PhoneNumberID: in.PhoneNumberID,
		Stage:         StageReceived,
		Started:       h.now(),
	}

	defer func() {
		if rec := recover(); rec != nil {
			out.Status = StatusInternalError
			out.Err = fmt.Errorf("%w: %v", errPanic, rec)
		}
		out.Duration = h.now().Sub(out.Started)
		h.finish(ctx, out)
	}()

	if !it.Message.IsText() || in.ID == "" {
		out.Status = StatusIgnored
		return out
	}
	metrics.MessagesReceived.Inc()

	if !h.dedup.CheckAndMark(in.ID) {
		out.Status = StatusDuplicate
		return out
	}
	out.Stage = StageDeduplicated

	if !it.HasMetadata() {
		out.Status = StatusMissingMetadata
		out.Err = fmt.Errorf("%w: missing display_phone_number or phone_number_id", domain.ErrConfiguration)
		return out
	}

	cfg, err := h.resolver.Resolve(ctx, in.BusinessPhone)
	if err != nil {
		out.Status = StatusConfigNotFound
		out.Err = err
		return out
	}
	out.Stage = StageConfigResolved
	out.BotID = cfg.BotID

	dest := domain.Destination{
		PhoneNumberID: in.PhoneNumberID,
		To:            in.From,
		MessageID:     in.ID,
		Credential:    cfg.GraphAPIToken,
	}

	segs, err := h.converse(ctx, cfg.BotID, in.Body, dest)
	if err != nil {
		out.Err = err
		switch {
		case errors.Is(err, errPanic):
			out.Status = StatusInternalError
		case errors.Is(err, domain.ErrConnection):
			out.Status = StatusBackendDown
		default:
			out.Stage = StageSessionAcquired
			out.Status = StatusBackendDown
		}
		return out
	}
	out.Stage = StageConverged
	out.TextSegments, out.ImageSegments, out.ErrorSegments = domain.CountKinds(segs)

	out.Delivery = h.coordinator.Deliver(ctx, segs, dest)
	out.Stage = StageDelivered
	if out.Delivery.Failed() {
		out.Status = StatusPartialDelivery
		out.Err = fmt.Errorf("%w: %w", domain.ErrDelivery, errors.Join(out.Delivery.Errors...))
		return out
	}
	out.Status = StatusSuccess
	return out
}

// converse runs the chat turn, with the typing indicator alongside it.
func (h *Handler) converse(ctx context.Context, botID, text string, dest domain.Destination) ([]domain.Segment, error) {
	start := time.Now()
	defer func() { metrics.ConversationLatency.Observe(time.Since(start).Seconds()) }()

	var segs []domain.Segment
	g, gctx := errgroup.WithContext(ctx)
	if h.typing {
		g.Go(func() error {
			if err := h.messenger.SendTyping(gctx, dest); err != nil {
				h.logger.Debug("typing indicator failed", "message_id", dest.MessageID, "err", err)
			}
			return nil
		})
	}
	g.Go(func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("%w in replier: %v", errPanic, rec)
			}
		}()
		segs, err = h.replier.Reply(gctx, botID, text)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return segs, nil
}

func (h *Handler) finish(ctx context.Context, out Outcome) {
	metrics.RelayOutcomes.With(out.Kind()).Inc()

	attrs := []any{
		"message_id", out.MessageID,
		"stage", out.Stage.String(),
		"status", out.Status,
		"duration_ms", out.Duration.Milliseconds(),
	}
	switch {
	case out.Kind() == "failed":
		h.logger.Error("relay failed", append(attrs, "bot_id", out.BotID, "err", out.Err)...)
	case out.Err != nil:
		h.logger.Warn("relay finished with errors", append(attrs, "err", out.Err)...)
	case out.Status == StatusSuccess:
		h.logger.Info("relay finished", append(attrs, "bot_id", out.BotID,
			"text", out.TextSegments, "images", out.ImageSegments)...)
	default:
		h.logger.Debug("relay skipped", attrs...)
	}

	for _, o := range h.observers {
		o.Observe(ctx, out)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
