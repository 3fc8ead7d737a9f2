// Package events publishes relay outcomes to NATS so other services can
// follow conversations without polling the journal.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"warelay/internal/relay"
)

type Config struct {
	URL       string
	Prefix    string
	JetStream bool
	Logger    *slog.Logger
}

type publishFunc func(ctx context.Context, subject string, data []byte) error

// Publisher sends one message per relay outcome.
type Publisher struct {
	nc      *nats.Conn
	publish publishFunc
	prefix  string
	logger  *slog.Logger
}

// Connect dials NATS. With JetStream enabled, publishes wait for the
// stream's ack; a stream must already capture the subjects.
func Connect(cfg Config) (*Publisher, error) {
	logger := cfg.Logger
	nc, err := nats.Connect(cfg.URL,
		nats.Name("warelay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", cfg.URL, err)
	}

	var publish publishFunc
	if cfg.JetStream {
		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("jetstream: %w", err)
		}
		publish = func(ctx context.Context, subject string, data []byte) error {
			_, err := js.Publish(ctx, subject, data)
			return err
		}
	} else {
		publish = func(_ context.Context, subject string, data []byte) error {
			return nc.Publish(subject, data)
		}
	}

	p := newPublisher(publish, cfg.Prefix, logger)
	p.nc = nc
	logger.Info("nats publisher connected", "url", nc.ConnectedUrl(), "jetstream", cfg.JetStream)
	return p, nil
}

func newPublisher(publish publishFunc, prefix string, logger *slog.Logger) *Publisher {
	if prefix == "" {
		prefix = "warelay"
	}
	return &Publisher{publish: publish, prefix: prefix, logger: logger}
}

// Event is the JSON body of a published outcome.
type Event struct {
	MessageID     string    `json:"messageId"`
	From          string    `json:"from"`
	BusinessPhone string    `json:"businessPhone"`
	BotID         string    `json:"botId,omitempty"`
	Stage         string    `json:"stage"`
	Status        string    `json:"status"`
	Kind          string    `json:"kind"`
	Error         string    `json:"error,omitempty"`
	TextSegments  int       `json:"textSegments"`
	ImageSegments int       `json:"imageSegments"`
	ImagesFailed  int       `json:"imagesFailed"`
	ReadMarked    bool      `json:"readMarked"`
	DurationMS    int64     `json:"durationMs"`
	At            time.Time `json:"at"`
}

func newEvent(o relay.Outcome) Event {
	return Event{
		MessageID:     o.MessageID,
		From:          o.From,
		BusinessPhone: o.BusinessPhone,
		BotID:         o.BotID,
		Stage:         o.Stage.String(),
		Status:        o.Status,
		Kind:          o.Kind(),
		Error:         o.ErrString(),
		TextSegments:  o.TextSegments,
		ImageSegments: o.ImageSegments,
		ImagesFailed:  o.Delivery.ImagesFailed,
		ReadMarked:    o.Delivery.ReadMarked,
		DurationMS:    o.Duration.Milliseconds(),
		At:            o.Started,
	}
}

// Subject is {prefix}.{businessPhone}.relay.{kind}.
func (p *Publisher) Subject(o relay.Outcome) string {
	phone := token(o.BusinessPhone)
	if phone == "" {
		phone = "unknown"
	}
	return fmt.Sprintf("%s.%s.relay.%s", p.prefix, phone, o.Kind())
}

// Observe publishes the outcome; failures are logged only.
func (p *Publisher) Observe(ctx context.Context, o relay.Outcome) {
	data, err := json.Marshal(newEvent(o))
	if err != nil {
		p.logger.Warn("marshal relay event", "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	subject := p.Subject(o)
	if err := p.publish(ctx, subject, data); err != nil {
		p.logger.Warn("publish relay event failed", "subject", subject, "err", err)
		return
	}
	p.logger.Debug("relay event published", "subject", subject)
}

// Close drains pending publishes and closes the connection.
func (p *Publisher) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}

// token strips characters NATS treats as subject syntax.
func token(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return -1
		}
		return r
	}, s)
}
