package domain

import "context"

// Destination addresses outbound provider calls for one inbound message.
type Destination struct {
	PhoneNumberID string // sending business routing id
	To            string // end-user address
	MessageID     string // inbound message being answered
	Credential    string // bearer token for the Graph API
}

// Image is one outbound image message.
type Image struct {
	URL     string
	Caption string
}

// Messenger sends content and status updates to the messaging provider.
type Messenger interface {
	SendText(ctx context.Context, dest Destination, body string) error
	SendImage(ctx context.Context, dest Destination, img Image) error
	MarkRead(ctx context.Context, dest Destination) error
	SendTyping(ctx context.Context, dest Destination) error
}

// DeliveryReport summarizes one delivery attempt.
type DeliveryReport struct {
	TextSent     bool
	ImagesSent   int
	ImagesFailed int
	ReadMarked   bool
	Errors       []error
}

// Failed reports whether any provider call failed.
func (r DeliveryReport) Failed() bool { return len(r.Errors) > 0 }
