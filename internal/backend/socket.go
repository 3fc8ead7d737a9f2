package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"warelay/internal/domain"
	"warelay/internal/reply"
)

// WSDialer opens websocket sessions against the backend's socket endpoint.
type WSDialer struct {
	baseURL  string
	path     string
	referrer string
	dialer   *websocket.Dialer
}

func NewWSDialer(baseURL, path, referrer string, handshakeTimeout time.Duration) *WSDialer {
	return &WSDialer{
		baseURL:  baseURL,
		path:     path,
		referrer: referrer,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

func (d *WSDialer) Dial(ctx context.Context, botID string) (Conn, error) {
	u, err := socketURL(d.baseURL, d.path, botID)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if d.referrer != "" {
		header.Set("Referer", d.referrer)
	}
	conn, resp, err := d.dialer.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (HTTP %d)", u, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	return conn, nil
}

// socketURL maps an http(s) base URL to the ws(s) endpoint for botID.
func socketURL(base, path, botID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid backend URL %q: %w", base, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported backend URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	q := u.Query()
	q.Set("botId", botID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// SocketReplier converses over persistent backend sessions.
type SocketReplier struct {
	sessions *SessionManager
	logger   *slog.Logger
}

func NewSocketReplier(sessions *SessionManager, logger *slog.Logger) *SocketReplier {
	return &SocketReplier{sessions: sessions, logger: logger}
}

// Reply acquires the bot's session and runs one turn. A session lost before
// the turn was sent (for example to a concurrent sweep) is re-acquired once.
// A turn timeout becomes the timeout apology and the next turn runs on a
// fresh connection; connection failures are returned as errors.
func (r *SocketReplier) Reply(ctx context.Context, botID, text string) ([]domain.Segment, error) {
	var (
		frames [][]byte
		err    error
	)
	for attempt := 0; attempt < 2; attempt++ {
		var sess *Session
		sess, err = r.sessions.Acquire(ctx, botID)
		if err != nil {
			return nil, err
		}
		frames, err = sess.Converse(ctx, text)
		if !errors.Is(err, errNotConnected) {
			break
		}
		r.logger.Debug("backend session gone before turn, re-acquiring", "bot_id", botID)
	}

	switch {
	case err == nil:
		a := reply.NewAssembler()
		segs := a.FeedAll(frames)
		if perr := a.Err(); perr != nil {
			r.logger.Warn("backend turn carried malformed frames", "bot_id", botID, "count", a.Malformed(), "err", perr)
		}
		return segs, nil
	case errors.Is(err, domain.ErrConversationTimeout):
		r.logger.Warn("backend turn timed out", "bot_id", botID, "frames", len(frames))
		return reply.TransportFailure(ctx, err), nil
	default:
		return nil, err
	}
}
