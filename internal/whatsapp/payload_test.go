package whatsapp

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warelay/internal/domain"
)

const sampleNotification = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "WABA_ID",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "metadata": {"display_phone_number": "15550001111", "phone_number_id": "PNID-1"},
        "contacts": [{"profile": {"name": "Ana"}, "wa_id": "447700900123"}],
        "messages": [
          {"from": "447700900123", "id": "wamid.A", "timestamp": "1767225600", "type": "text", "text": {"body": "hello"}},
          {"from": "447700900123", "id": "wamid.B", "timestamp": "1767225601", "type": "image"}
        ]
      }
    }, {
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "metadata": {"display_phone_number": "15550001111", "phone_number_id": "PNID-1"},
        "statuses": [{"id": "wamid.OUT", "status": "delivered", "timestamp": "1767225602", "recipient_id": "447700900123"}]
      }
    }]
  }]
}`

func TestNotification_Items(t *testing.T) {
	var n Notification
	require.NoError(t, json.Unmarshal([]byte(sampleNotification), &n))

	items := n.Items()
	require.Len(t, items, 2)
	assert.True(t, items[0].Message.IsText())
	assert.False(t, items[1].Message.IsText())
	assert.True(t, items[0].HasMetadata())
	assert.Equal(t, 1, n.StatusCount())

	assert.Equal(t, domain.InboundMessage{
		ID:            "wamid.A",
		From:          "447700900123",
		Body:          "hello",
		Timestamp:     time.Unix(1767225600, 0),
		BusinessPhone: "15550001111",
		PhoneNumberID: "PNID-1",
	}, items[0].Inbound())
}

func TestMessage_IsText(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want bool
	}{
		{"text", Message{Type: "text", Text: &Text{Body: "hi"}}, true},
		{"blank body", Message{Type: "text", Text: &Text{Body: "  \n"}}, false},
		{"no text object", Message{Type: "text"}, false},
		{"image", Message{Type: "image", Text: &Text{Body: "x"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.msg.IsText())
		})
	}
}

func TestItem_HasMetadata(t *testing.T) {
	assert.False(t, Item{}.HasMetadata())
	assert.False(t, Item{Metadata: &Metadata{DisplayPhoneNumber: "1555"}}.HasMetadata())
	assert.False(t, Item{Metadata: &Metadata{PhoneNumberID: "PN"}}.HasMetadata())
	assert.True(t, Item{Metadata: &Metadata{DisplayPhoneNumber: "1555", PhoneNumberID: "PN"}}.HasMetadata())
}

func TestItem_InboundBadTimestamp(t *testing.T) {
	before := time.Now()
	in := Item{Message: Message{ID: "x", Timestamp: "soon"}}.Inbound()
	assert.False(t, in.Timestamp.Before(before))
}

func TestSignature(t *testing.T) {
	body := []byte(`{"object":"whatsapp_business_account"}`)
	sig := "sha256=" + Sign("s3cret", body)

	assert.True(t, VerifySignature("s3cret", body, sig))
	assert.False(t, VerifySignature("other", body, sig))
	assert.False(t, VerifySignature("s3cret", []byte(`{}`), sig))
	assert.False(t, VerifySignature("s3cret", body, Sign("s3cret", body)))
	assert.False(t, VerifySignature("s3cret", body, "sha256="))
	assert.False(t, VerifySignature("s3cret", body, ""))
}
