package domain

import "errors"

var (
	// ErrConfiguration marks missing or invalid bot configuration or credentials.
	ErrConfiguration = errors.New("configuration error")
	// ErrConnection marks an unreachable backend session.
	ErrConnection = errors.New("backend connection error")
	// ErrConversationTimeout marks a chat turn with no terminal event in time.
	ErrConversationTimeout = errors.New("conversation timed out")
	// ErrStreamParse marks a malformed reply event.
	ErrStreamParse = errors.New("reply stream parse error")
	// ErrDelivery marks a send rejected by the messaging provider.
	ErrDelivery = errors.New("delivery error")
)
