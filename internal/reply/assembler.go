package reply

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"warelay/internal/domain"
)

// User-facing texts for replies that carry no bot content.
const (
	FallbackText     = "Sorry, I couldn't generate a response."
	ParseErrorText   = "Error parsing bot response."
	StreamErrorText  = "Chat stream returned an error."
	TimeoutText      = "Sorry, the request timed out."
	genericErrorText = "An error occurred."
)

// imagePattern matches inline markdown images: ![caption](url).
var imagePattern = regexp.MustCompile(`!\[(.*?)\]\((.*?)\)`)

// Assembler turns a sequence of backend events into ordered segments.
// It is not safe for concurrent use.
type Assembler struct {
	segments  []domain.Segment
	pending   strings.Builder // text not yet flushed, may hold a partial image marker
	done      bool
	events    int
	parseErrs []error
}

func NewAssembler() *Assembler { return &Assembler{} }

// Done reports whether a terminal event or sentinel was seen.
func (a *Assembler) Done() bool { return a.done }

// Malformed returns how many events failed to decode.
func (a *Assembler) Malformed() int { return len(a.parseErrs) }

// Err returns the decode failures seen so far, each wrapping
// domain.ErrStreamParse, or nil. They never stop assembly.
func (a *Assembler) Err() error { return errors.Join(a.parseErrs...) }

// Feed consumes one raw event payload (the JSON after "data: ") and reports
// whether the turn is complete. A payload that is not valid JSON becomes a
// single error-notice segment and does not stop the scan.
func (a *Assembler) Feed(payload []byte) bool {
	if a.done {
		return true
	}
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return false
	}
	if string(payload) == DoneSentinel {
		a.done = true
		return true
	}
	a.events++
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		a.parseErrs = append(a.parseErrs, fmt.Errorf("%w: event %d: %v", domain.ErrStreamParse, a.events, err))
		a.segments = append(a.segments, domain.ErrorSegment(ParseErrorText))
		return false
	}
	return a.FeedEvent(ev)
}

// FeedEvent consumes one decoded event.
func (a *Assembler) FeedEvent(ev Event) bool {
	if a.done {
		return true
	}
	switch ev.Type {
	case TypeProgress:
		if s, ok := ev.DataString(); ok {
			a.scan(s)
		}
	case TypeFinished:
		if msg, ok := ev.MessageString(); ok && len(a.segments) == 0 && strings.TrimSpace(a.pending.String()) == "" {
			a.pending.Reset()
			a.scan(msg)
		}
		a.done = true
	case TypeError:
		msg, _ := ev.MessageString()
		if msg == "" {
			msg = StreamErrorText
		}
		a.segments = append(a.segments, domain.ErrorSegment(msg))
	}
	return a.done
}

// scan appends chunk to the pending text and emits every complete image
// marker found. Text preceding a marker is flushed as its own segment; the
// remainder stays pending so markers split across chunks are still found.
func (a *Assembler) scan(chunk string) {
	a.pending.WriteString(chunk)
	s := a.pending.String()

	matches := imagePattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return
	}

	last := 0
	for _, m := range matches {
		a.emitText(s[last:m[0]])
		url := strings.TrimSpace(s[m[4]:m[5]])
		if url != "" {
			a.segments = append(a.segments, domain.ImageSegment(url, strings.TrimSpace(s[m[2]:m[3]])))
		}
		last = m[1]
	}
	rest := s[last:]
	a.pending.Reset()
	a.pending.WriteString(rest)
}

func (a *Assembler) emitText(s string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return
	}
	a.segments = append(a.segments, domain.TextSegment(toWhatsAppMarkup(s)))
}

// Segments flushes pending text and returns the final ordered reply. A reply
// with no content and no error gets a fallback text; a reply made only of
// error notices collapses to one text carrying the first error.
func (a *Assembler) Segments() []domain.Segment {
	a.emitText(a.pending.String())
	a.pending.Reset()
	return finalize(a.segments)
}

func finalize(segs []domain.Segment) []domain.Segment {
	text, image, errs := domain.CountKinds(segs)
	if text+image > 0 {
		return segs
	}
	if errs == 0 {
		return []domain.Segment{domain.TextSegment(FallbackText)}
	}
	for _, s := range segs {
		if s.Kind == domain.SegmentError {
			msg := s.Text
			if msg == "" {
				msg = genericErrorText
			}
			return []domain.Segment{domain.TextSegment(msg)}
		}
	}
	return segs
}

// FeedAll feeds already-collected raw payloads until the turn completes and returns the segments.
func (a *Assembler) FeedAll(payloads [][]byte) []domain.Segment {
	for _, p := range payloads {
		if a.Feed(p) {
			break
		}
	}
	return a.Segments()
}

// toWhatsAppMarkup rewrites markdown bold (**x**) to WhatsApp bold (*x*).
func toWhatsAppMarkup(s string) string {
	return strings.ReplaceAll(s, "**", "*")
}
