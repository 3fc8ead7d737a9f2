package reply

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"warelay/internal/domain"
)

const maxEventSize = 1 << 20

// ParseStream reads a server-sent-event body and returns the reply segments.
func ParseStream(ctx context.Context, r io.Reader) []domain.Segment {
	return NewAssembler().ReadStream(ctx, r)
}

// ReadStream feeds a server-sent-event body into a. Events are separated by
// a blank line; each event's data lines form one JSON payload. The scan
// stops at a terminal event or the [DONE] sentinel. A body that fails
// mid-read yields one transport-failure segment instead of a partial reply.
func (a *Assembler) ReadStream(ctx context.Context, r io.Reader) []domain.Segment {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	sc.Split(splitEvents)

	for sc.Scan() {
		payload, ok := eventData(sc.Bytes())
		if !ok {
			continue
		}
		if a.Feed(payload) {
			break
		}
	}
	if !a.Done() {
		if err := sc.Err(); err != nil {
			return TransportFailure(ctx, err)
		}
		if err := ctx.Err(); err != nil {
			return TransportFailure(ctx, err)
		}
	}
	return a.Segments()
}

// TransportFailure maps a hard transport error to the single segment the
// user receives.
func TransportFailure(ctx context.Context, err error) []domain.Segment {
	if IsTimeout(ctx, err) {
		return []domain.Segment{domain.TextSegment(TimeoutText)}
	}
	return []domain.Segment{domain.TextSegment(fmt.Sprintf("Sorry, an error occurred: %v", err))}
}

// StatusFailure is the reply for a non-success HTTP status from the backend.
func StatusFailure(status string) []domain.Segment {
	return []domain.Segment{domain.ErrorSegment("Failed to connect to chat stream: " + status)}
}

// IsTimeout reports whether err (or ctx) is a deadline expiry.
func IsTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, domain.ErrConversationTimeout) {
		return true
	}
	if ctx != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

var eventBoundary = []byte("\n\n")

func splitEvents(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.Index(data, eventBoundary); i >= 0 {
		return i + len(eventBoundary), data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// eventData joins the data lines of one event block.
func eventData(block []byte) ([]byte, bool) {
	var parts []string
	for _, line := range strings.Split(string(block), "\n") {
		line = strings.TrimRight(line, "\r")
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		line = strings.TrimPrefix(line, "data:")
		line = strings.TrimPrefix(line, " ")
		parts = append(parts, line)
	}
	if len(parts) == 0 {
		return nil, false
	}
	return []byte(strings.Join(parts, "\n")), true
}
