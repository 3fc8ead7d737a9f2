package relay

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"warelay/internal/domain"
	"warelay/internal/metrics"
)

// Coordinator turns reply segments into provider messages.
type Coordinator struct {
	messenger domain.Messenger
	logger    *slog.Logger
}

func NewCoordinator(messenger domain.Messenger, logger *slog.Logger) *Coordinator {
	return &Coordinator{messenger: messenger, logger: logger}
}

// Aggregate joins all text segments into one body separated by blank lines
// and collects the images in order. An error notice becomes the body only
// when there is no text or image content at all.
func Aggregate(segs []domain.Segment) (string, []domain.Image) {
	var (
		texts    []string
		images   []domain.Image
		firstErr string
	)
	for _, s := range segs {
		switch s.Kind {
		case domain.SegmentText:
			if s.Text != "" {
				texts = append(texts, s.Text)
			}
		case domain.SegmentImage:
			if s.URL != "" {
				images = append(images, domain.Image{URL: s.URL, Caption: s.Caption})
			}
		case domain.SegmentError:
			if firstErr == "" && s.Text != "" {
				firstErr = s.Text
			}
		}
	}
	body := strings.TrimSpace(strings.Join(texts, "\n\n"))
	if body == "" && len(images) == 0 {
		body = strings.TrimSpace(firstErr)
	}
	return body, images
}

// Deliver sends the combined text, then each image, then marks the inbound
// message read. A failed send is recorded and never stops the ones after it.
func (c *Coordinator) Deliver(ctx context.Context, segs []domain.Segment, dest domain.Destination) domain.DeliveryReport {
	start := time.Now()
	defer func() { metrics.DeliveryLatency.Observe(time.Since(start).Seconds()) }()

	var report domain.DeliveryReport
	body, images := Aggregate(segs)

	if body != "" {
		if err := c.messenger.SendText(ctx, dest, body); err != nil {
			c.fail(&report, "text", dest, err)
		} else {
			report.TextSent = true
		}
	} else {
		c.logger.Debug("no text content to send", "message_id", dest.MessageID)
	}

	for _, img := range images {
		if err := c.messenger.SendImage(ctx, dest, img); err != nil {
			report.ImagesFailed++
			c.fail(&report, "image", dest, err, "url", img.URL)
			continue
		}
		report.ImagesSent++
	}

	if err := c.messenger.MarkRead(context.WithoutCancel(ctx), dest); err != nil {
		c.fail(&report, "read", dest, err)
	} else {
		report.ReadMarked = true
	}

	c.logger.Info("reply delivered",
		"message_id", dest.MessageID,
		"text", report.TextSent,
		"images_sent", report.ImagesSent,
		"images_failed", report.ImagesFailed,
		"read", report.ReadMarked)
	return report
}

func (c *Coordinator) fail(report *domain.DeliveryReport, send string, dest domain.Destination, err error, attrs ...any) {
	report.Errors = append(report.Errors, err)
	metrics.DeliveryErrors.With(send).Inc()
	c.logger.Warn("delivery failed", append([]any{"send", send, "message_id", dest.MessageID, "to", dest.To, "err", err}, attrs...)...)
}
