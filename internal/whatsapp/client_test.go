package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warelay/internal/domain"
	"warelay/internal/httpx"
)

type graphCall struct {
	Path string
	Auth string
	Body map[string]any
}

type fakeGraph struct {
	mu     sync.Mutex
	calls  []graphCall
	status int
}

func (g *fakeGraph) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	g.mu.Lock()
	g.calls = append(g.calls, graphCall{Path: r.URL.Path, Auth: r.Header.Get("Authorization"), Body: body})
	status := g.status
	g.mu.Unlock()
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.OUT"}]}`))
}

func newTestClient(t *testing.T, g *fakeGraph) *Client {
	t.Helper()
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	return NewClient(ClientConfig{
		APIBase:    srv.URL,
		APIVersion: "v18.0",
		Timeout:    time.Second,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

var dest = domain.Destination{
	PhoneNumberID: "PNID-1",
	To:            "447700900123",
	MessageID:     "wamid.IN",
	Credential:    "EAAG-token",
}

func TestClient_SendText(t *testing.T) {
	g := &fakeGraph{}
	c := newTestClient(t, g)

	require.NoError(t, c.SendText(context.Background(), dest, "hello\n\nworld"))
	require.Len(t, g.calls, 1)
	call := g.calls[0]
	assert.Equal(t, "/v18.0/PNID-1/messages", call.Path)
	assert.Equal(t, "Bearer EAAG-token", call.Auth)
	assert.Equal(t, "whatsapp", call.Body["messaging_product"])
	assert.Equal(t, "447700900123", call.Body["to"])
	assert.Equal(t, "text", call.Body["type"])
	assert.Equal(t, map[string]any{"message_id": "wamid.IN"}, call.Body["context"])
	assert.Equal(t, "hello\n\nworld", call.Body["text"].(map[string]any)["body"])
}

func TestClient_SendImage(t *testing.T) {
	g := &fakeGraph{}
	c := newTestClient(t, g)

	require.NoError(t, c.SendImage(context.Background(), dest, domain.Image{URL: "http://x/1.png", Caption: "one"}))
	require.NoError(t, c.SendImage(context.Background(), dest, domain.Image{URL: "http://x/2.png"}))
	require.Len(t, g.calls, 2)

	assert.Equal(t, "image", g.calls[0].Body["type"])
	assert.Equal(t, map[string]any{"link": "http://x/1.png", "caption": "one"}, g.calls[0].Body["image"])
	assert.Equal(t, map[string]any{"link": "http://x/2.png"}, g.calls[1].Body["image"])
}

func TestClient_MarkRead(t *testing.T) {
	g := &fakeGraph{}
	c := newTestClient(t, g)

	require.NoError(t, c.MarkRead(context.Background(), dest))
	assert.Equal(t, map[string]any{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        "wamid.IN",
	}, g.calls[0].Body)
}

func TestClient_SendTyping(t *testing.T) {
	g := &fakeGraph{}
	c := newTestClient(t, g)

	require.NoError(t, c.SendTyping(context.Background(), dest))
	assert.Equal(t, "typing_on", g.calls[0].Body["type"])
	assert.Equal(t, "447700900123", g.calls[0].Body["to"])
}

func TestClient_RejectedSend(t *testing.T) {
	g := &fakeGraph{status: http.StatusBadRequest}
	c := newTestClient(t, g)

	err := c.SendText(context.Background(), dest, "hi")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDelivery)
	var se *httpx.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.Len(t, g.calls, 1, "sends are not retried")
}

func TestClient_MissingCredential(t *testing.T) {
	g := &fakeGraph{}
	c := newTestClient(t, g)

	d := dest
	d.Credential = ""
	err := c.SendText(context.Background(), d, "hi")
	assert.ErrorIs(t, err, domain.ErrConfiguration)
	assert.Empty(t, g.calls)
}
