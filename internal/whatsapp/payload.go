// Package whatsapp speaks the WhatsApp Business Cloud API: webhook
// notification payloads in, Graph API messages out.
package whatsapp

import (
	"strconv"
	"strings"
	"time"

	"warelay/internal/domain"
)

// Notification is the body of a webhook POST.
type Notification struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

type Change struct {
	Value Value  `json:"value"`
	Field string `json:"field"`
}

type Value struct {
	MessagingProduct string    `json:"messaging_product"`
	Metadata         *Metadata `json:"metadata,omitempty"`
	Contacts         []Contact `json:"contacts,omitempty"`
	Messages         []Message `json:"messages,omitempty"`
	Statuses         []Status  `json:"statuses,omitempty"`
}

// Metadata identifies the business number a notification was sent to.
type Metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type Contact struct {
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
	WaID string `json:"wa_id"`
}

type Message struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *Text  `json:"text,omitempty"`
}

type Text struct {
	Body string `json:"body"`
}

// Status is a delivery receipt for a message the business sent.
type Status struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
}

// Item is one message of a notification together with the metadata of the
// change that carried it.
type Item struct {
	Message  Message
	Metadata *Metadata
}

// Items flattens entry × change × message in payload order.
func (n Notification) Items() []Item {
	var items []Item
	for _, e := range n.Entry {
		for _, c := range e.Changes {
			for _, m := range c.Value.Messages {
				items = append(items, Item{Message: m, Metadata: c.Value.Metadata})
			}
		}
	}
	return items
}

// StatusCount returns how many delivery receipts the notification carries.
func (n Notification) StatusCount() int {
	var total int
	for _, e := range n.Entry {
		for _, c := range e.Changes {
			total += len(c.Value.Statuses)
		}
	}
	return total
}

// IsText reports whether the message is a text message with a non-blank body.
func (m Message) IsText() bool {
	return m.Type == "text" && m.Text != nil && strings.TrimSpace(m.Text.Body) != ""
}

// HasMetadata reports whether both routing fields are present.
func (it Item) HasMetadata() bool {
	return it.Metadata != nil && it.Metadata.DisplayPhoneNumber != "" && it.Metadata.PhoneNumberID != ""
}

// Inbound converts a text item to the relay's inbound message.
func (it Item) Inbound() domain.InboundMessage {
	in := domain.InboundMessage{
		ID:        it.Message.ID,
		From:      it.Message.From,
		Timestamp: parseUnix(it.Message.Timestamp),
	}
	if it.Message.Text != nil {
		in.Body = it.Message.Text.Body
	}
	if it.Metadata != nil {
		in.BusinessPhone = it.Metadata.DisplayPhoneNumber
		in.PhoneNumberID = it.Metadata.PhoneNumberID
	}
	return in
}

func parseUnix(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil || sec <= 0 {
		return time.Now()
	}
	return time.Unix(sec, 0)
}
