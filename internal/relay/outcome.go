package relay

import (
	"context"
	"time"

	"warelay/internal/domain"
)

// Stage is a step of the relay state machine. Every relay ends in
// StageAcknowledged; Outcome.Stage records the last step completed before it.
type Stage int

const (
	StageReceived Stage = iota
	StageDeduplicated
	StageConfigResolved
	StageSessionAcquired
	StageConverged
	StageDelivered
	StageAcknowledged
)

func (s Stage) String() string {
	switch s {
	case StageReceived:
		return "received"
	case StageDeduplicated:
		return "deduplicated"
	case StageConfigResolved:
		return "config_resolved"
	case StageSessionAcquired:
		return "session_acquired"
	case StageConverged:
		return "converged"
	case StageDelivered:
		return "delivered"
	case StageAcknowledged:
		return "acknowledged"
	default:
		return "unknown"
	}
}

// Acknowledgment statuses returned to the provider.
const (
	StatusSuccess         = "Success"
	StatusIgnored         = "Acknowledged non-text/empty message"
	StatusStatusUpdate    = "Acknowledged status update"
	StatusInvalidPayload  = "Acknowledged invalid payload"
	StatusDuplicate       = "Duplicate message, already processed"
	StatusMissingMetadata = "Missing required metadata"
	StatusConfigNotFound  = "Configuration not found"
	StatusBackendDown     = "Backend unavailable"
	StatusPartialDelivery = "Delivered with errors"
	StatusInternalError   = "Internal error"
)

// Outcome is the record of one inbound message's trip through the relay.
type Outcome struct {
	MessageID     string
	From          string
	BusinessPhone string
	PhoneNumberID string
	BotID         string
	Stage         Stage
	Status        string
	Err           error
	TextSegments  int
	ImageSegments int
	ErrorSegments int
	Delivery      domain.DeliveryReport
	Started       time.Time
	Duration      time.Duration
}

// Outcome kinds.
const (
	kindRelayed   = "relayed"
	kindPartial   = "partial"
	kindFailed    = "failed"
	kindDuplicate = "duplicate"
	kindIgnored   = "ignored"
)

// Kind classifies the outcome for metrics, journal rows and event subjects.
func (o Outcome) Kind() string {
	switch {
	case o.Status == StatusDuplicate:
		return kindDuplicate
	case o.Status == StatusIgnored:
		return kindIgnored
	case o.Err != nil && o.Stage < StageDelivered:
		return kindFailed
	case o.Err != nil:
		return kindPartial
	default:
		return kindRelayed
	}
}

// ErrString returns the error text or "".
func (o Outcome) ErrString() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Observer receives every finished outcome. Implementations must not block
// for long; they run on the webhook request path.
type Observer interface {
	Observe(ctx context.Context, o Outcome)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, o Outcome)

func (f ObserverFunc) Observe(ctx context.Context, o Outcome) { f(ctx, o) }
