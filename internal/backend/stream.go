package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"warelay/internal/domain"
	"warelay/internal/reply"
)

// StreamReplier converses with the backend's HTTP chat-stream endpoint,
// one request per turn.
type StreamReplier struct {
	baseURL  string
	referrer string
	timeout  time.Duration
	client   *http.Client
	logger   *slog.Logger
}

type StreamReplierConfig struct {
	BaseURL  string
	Referrer string
	Timeout  time.Duration
	Client   *http.Client
	Logger   *slog.Logger
}

func NewStreamReplier(cfg StreamReplierConfig) *StreamReplier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	return &StreamReplier{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		referrer: cfg.Referrer,
		timeout:  cfg.Timeout,
		client:   cfg.Client,
		logger:   cfg.Logger,
	}
}

// Reply posts one turn and parses the event stream. Transport failures and
// non-success statuses become apology segments; only a cancelled caller
// context is returned as an error.
func (r *StreamReplier) Reply(ctx context.Context, botID, text string) ([]domain.Segment, error) {
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	body, err := json.Marshal(StreamRequest{
		TurnData: newTurnData(text),
		BotID:    botID,
		Referrer: r.referrer,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	endpoint := r.baseURL + "/chat-stream/" + url.PathEscape(botID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build chat request: %v", domain.ErrConnection, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if r.referrer != "" {
		req.Header.Set("Referer", r.referrer)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(parent.Err(), context.Canceled) {
			return nil, parent.Err()
		}
		r.logger.Warn("chat stream request failed", "bot_id", botID, "err", err)
		return reply.TransportFailure(ctx, err), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		r.logger.Warn("chat stream returned error status",
			"bot_id", botID, "status", resp.StatusCode, "body", string(snippet))
		return reply.StatusFailure(http.StatusText(resp.StatusCode)), nil
	}

	a := reply.NewAssembler()
	segs := a.ReadStream(ctx, resp.Body)
	if errors.Is(parent.Err(), context.Canceled) {
		return nil, parent.Err()
	}
	if err := a.Err(); err != nil {
		r.logger.Warn("chat stream carried malformed events", "bot_id", botID, "count", a.Malformed(), "err", err)
	}
	return segs, nil
}
