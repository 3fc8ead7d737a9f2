package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"warelay/internal/domain"
	"warelay/internal/httpx"
)

// Client sends messages and status updates through the Graph API.
// Sends are not retried: a duplicate text is worse than a missing one.
type Client struct {
	apiBase    string
	apiVersion string
	timeout    time.Duration
	client     *http.Client
	logger     *slog.Logger
}

type ClientConfig struct {
	APIBase    string
	APIVersion string
	Timeout    time.Duration
	Client     *http.Client
	Logger     *slog.Logger
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://graph.facebook.com"
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "v18.0"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = httpx.SharedClient(cfg.Timeout)
	}
	return &Client{
		apiBase:    strings.TrimRight(cfg.APIBase, "/"),
		apiVersion: strings.Trim(cfg.APIVersion, "/"),
		timeout:    cfg.Timeout,
		client:     cfg.Client,
		logger:     cfg.Logger,
	}
}

type replyContext struct {
	MessageID string `json:"message_id"`
}

type textBody struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type imageBody struct {
	Link    string `json:"link"`
	Caption string `json:"caption,omitempty"`
}

type outbound struct {
	MessagingProduct string        `json:"messaging_product"`
	RecipientType    string        `json:"recipient_type,omitempty"`
	To               string        `json:"to,omitempty"`
	Type             string        `json:"type,omitempty"`
	Context          *replyContext `json:"context,omitempty"`
	Text             *textBody     `json:"text,omitempty"`
	Image            *imageBody    `json:"image,omitempty"`
	Status           string        `json:"status,omitempty"`
	MessageID        string        `json:"message_id,omitempty"`
}

func (c *Client) base(dest domain.Destination, typ string) outbound {
	o := outbound{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               dest.To,
		Type:             typ,
	}
	if dest.MessageID != "" {
		o.Context = &replyContext{MessageID: dest.MessageID}
	}
	return o
}

// SendText sends body as a reply to the inbound message.
func (c *Client) SendText(ctx context.Context, dest domain.Destination, body string) error {
	o := c.base(dest, "text")
	o.Text = &textBody{Body: body}
	return c.post(ctx, dest, "text", o)
}

// SendImage sends one image by link with an optional caption.
func (c *Client) SendImage(ctx context.Context, dest domain.Destination, img domain.Image) error {
	o := c.base(dest, "image")
	o.Image = &imageBody{Link: img.URL, Caption: img.Caption}
	return c.post(ctx, dest, "image", o)
}

// MarkRead flips the inbound message to read on the user's device.
func (c *Client) MarkRead(ctx context.Context, dest domain.Destination) error {
	return c.post(ctx, dest, "read", outbound{
		MessagingProduct: "whatsapp",
		Status:           "read",
		MessageID:        dest.MessageID,
	})
}

// SendTyping shows the typing indicator to the user.
func (c *Client) SendTyping(ctx context.Context, dest domain.Destination) error {
	return c.post(ctx, dest, "typing", outbound{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               dest.To,
		Type:             "typing_on",
	})
}

func (c *Client) endpoint(phoneNumberID string) string {
	return fmt.Sprintf("%s/%s/%s/messages", c.apiBase, c.apiVersion, url.PathEscape(phoneNumberID))
}

func (c *Client) post(ctx context.Context, dest domain.Destination, kind string, payload outbound) error {
	if dest.PhoneNumberID == "" {
		return fmt.Errorf("%w: %s: missing phone number id", domain.ErrDelivery, kind)
	}
	if dest.Credential == "" {
		return fmt.Errorf("%w: %s: missing credential", domain.ErrConfiguration, kind)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", kind, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(dest.PhoneNumberID), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", kind, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+dest.Credential)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrDelivery, kind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: %s: %w", domain.ErrDelivery, kind,
			&httpx.StatusError{StatusCode: resp.StatusCode, Body: string(respBody)})
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	c.logger.Debug("whatsapp call ok", "kind", kind, "to", dest.To)
	return nil
}
