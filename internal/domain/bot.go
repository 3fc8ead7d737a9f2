package domain

import "context"

// BotConfig is the externally owned configuration of the bot serving one
// business phone number. Read-only for the relay.
type BotConfig struct {
	BotID         string `json:"bot" validate:"required"`
	GraphAPIToken string `json:"graphApiToken" validate:"required"`
	PhoneNumberID string `json:"phoneNumberId,omitempty"`
}

// ConfigResolver looks up the bot configuration for a business phone number.
type ConfigResolver interface {
	Resolve(ctx context.Context, businessPhone string) (BotConfig, error)
}

// Replier runs one chat turn against the bot backend and returns the
// reconstructed reply. Reply errors are reserved for failures that produced
// no user-facing segment at all (connection failures, cancelled contexts).
type Replier interface {
	Reply(ctx context.Context, botID, text string) ([]Segment, error)
}
