package domain

import "time"

// InboundMessage is one user text message received through the provider webhook.
type InboundMessage struct {
	ID        string // provider-unique message id (wamid)
	From      string // sender address
	Body      string
	Timestamp time.Time

	BusinessPhone string // display_phone_number of the receiving business
	PhoneNumberID string // Graph API routing id of the receiving business
}

// SegmentKind tags a ResponseSegment.
type SegmentKind string

const (
	SegmentText  SegmentKind = "text"
	SegmentImage SegmentKind = "image"
	SegmentError SegmentKind = "error"
)

// Segment is one typed unit of a reconstructed bot reply.
type Segment struct {
	Kind    SegmentKind
	Text    string // text content or error-notice message
	URL     string // image only
	Caption string // image only, empty when absent
}

func TextSegment(s string) Segment  { return Segment{Kind: SegmentText, Text: s} }
func ErrorSegment(s string) Segment { return Segment{Kind: SegmentError, Text: s} }

func ImageSegment(url, caption string) Segment {
	return Segment{Kind: SegmentImage, URL: url, Caption: caption}
}

// CountKinds returns the number of text, image and error segments.
func CountKinds(segs []Segment) (text, image, errs int) {
	for _, s := range segs {
		switch s.Kind {
		case SegmentText:
			text++
		case SegmentImage:
			image++
		case SegmentError:
			errs++
		}
	}
	return text, image, errs
}
