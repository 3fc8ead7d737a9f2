package relay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"warelay/internal/domain"
	"warelay/internal/metrics"
)

var testDest = domain.Destination{PhoneNumberID: "PN", To: "447700900123", MessageID: "wamid.in", Credential: "tok"}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name   string
		segs   []domain.Segment
		body   string
		images []domain.Image
	}{
		{
			name: "interleaved",
			segs: []domain.Segment{
				domain.TextSegment("a"),
				domain.ImageSegment("u1", ""),
				domain.TextSegment("b"),
				domain.ImageSegment("u2", "two"),
			},
			body:   "a\n\nb",
			images: []domain.Image{{URL: "u1"}, {URL: "u2", Caption: "two"}},
		},
		{
			name: "error only",
			segs: []domain.Segment{domain.ErrorSegment("first"), domain.ErrorSegment("second")},
			body: "first",
		},
		{
			name: "error with content is dropped",
			segs: []domain.Segment{domain.ErrorSegment("oops"), domain.TextSegment("fine")},
			body: "fine",
		},
		{
			name:   "error with image only",
			segs:   []domain.Segment{domain.ErrorSegment("oops"), domain.ImageSegment("u", "")},
			images: []domain.Image{{URL: "u"}},
		},
		{
			name: "empty",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, images := Aggregate(tt.segs)
			assert.Equal(t, tt.body, body)
			assert.Equal(t, tt.images, images)
		})
	}
}

func TestDeliver_Order(t *testing.T) {
	m := &fakeMessenger{}
	c := NewCoordinator(m, testLogger())

	report := c.Deliver(context.Background(), []domain.Segment{
		domain.TextSegment("a"),
		domain.ImageSegment("u1", ""),
		domain.TextSegment("b"),
		domain.ImageSegment("u2", ""),
	}, testDest)

	assert.Equal(t, []string{"text:a\n\nb", "image:u1", "image:u2", "read:wamid.in"}, m.Calls())
	assert.True(t, report.TextSent)
	assert.Equal(t, 2, report.ImagesSent)
	assert.True(t, report.ReadMarked)
	assert.False(t, report.Failed())
}

func TestDeliver_FailuresDoNotBlockLaterSends(t *testing.T) {
	m := &fakeMessenger{failText: true, failImg: map[string]bool{"u1": true}}
	c := NewCoordinator(m, testLogger())
	textErrs := metrics.DeliveryErrors.With("text").Value()
	imageErrs := metrics.DeliveryErrors.With("image").Value()
	readErrs := metrics.DeliveryErrors.With("read").Value()

	report := c.Deliver(context.Background(), []domain.Segment{
		domain.TextSegment("a"),
		domain.ImageSegment("u1", ""),
		domain.ImageSegment("u2", ""),
	}, testDest)

	assert.Equal(t, []string{"text:a", "image:u1", "image:u2", "read:wamid.in"}, m.Calls())
	assert.False(t, report.TextSent)
	assert.Equal(t, 1, report.ImagesSent)
	assert.Equal(t, 1, report.ImagesFailed)
	assert.True(t, report.ReadMarked)
	assert.Len(t, report.Errors, 2)
	for _, err := range report.Errors {
		assert.ErrorIs(t, err, domain.ErrDelivery)
	}

	assert.Equal(t, textErrs+1, metrics.DeliveryErrors.With("text").Value())
	assert.Equal(t, imageErrs+1, metrics.DeliveryErrors.With("image").Value())
	assert.Equal(t, readErrs, metrics.DeliveryErrors.With("read").Value())
}

func TestDeliver_NothingToSendStillMarksRead(t *testing.T) {
	m := &fakeMessenger{}
	c := NewCoordinator(m, testLogger())

	report := c.Deliver(context.Background(), nil, testDest)
	assert.Equal(t, []string{"read:wamid.in"}, m.Calls())
	assert.True(t, report.ReadMarked)
}

func TestDeliver_MarkReadSurvivesCancelledContext(t *testing.T) {
	m := &fakeMessenger{}
	c := NewCoordinator(m, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := c.Deliver(ctx, []domain.Segment{domain.TextSegment("a")}, testDest)
	assert.True(t, report.ReadMarked)
}
