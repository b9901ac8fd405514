// Package stream decodes the orchestrator's line-delimited event stream.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
)

const (
	dataPrefix  = "data:"
	eventPrefix = "event:"

	// EventEnd is the terminal event name; also produced for a "[DONE]" sentinel.
	EventEnd = "end"

	doneSentinel = "[DONE]"

	defaultReadSize = 4096
)

// WireEvent is one decoded event: its name and the raw JSON payload.
type WireEvent struct {
	Name string
	// Payload is the "data" member of the envelope, or the whole object when
	// the name came from an "event:" line.
	Payload json.RawMessage
	// Raw is the complete JSON object carried by the line.
	Raw json.RawMessage
}

// ProtocolError describes a single event that could not be decoded or routed.
// It is never fatal to the stream.
type ProtocolError struct {
	Event  string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := "protocol error"
	if e.Event != "" {
		msg += " in " + e.Event
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Decoder turns arbitrarily fragmented text into WireEvents. It keeps an
// incomplete trailing line between calls to Feed. A Decoder is not safe for
// concurrent use; one stream owns one decoder.
type Decoder struct {
	pending   strings.Builder
	eventName string
	onError   func(error)
	dropped   int
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithErrorHandler sets the callback for dropped events.
func WithErrorHandler(fn func(error)) Option {
	return func(d *Decoder) {
		if fn != nil {
			d.onError = fn
		}
	}
}

// NewDecoder creates a decoder. Without an error handler, dropped events are
// logged at warn level.
func NewDecoder(logger *slog.Logger, opts ...Option) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Decoder{
		onError: func(err error) {
			logger.Warn("dropping malformed stream event", "error", err)
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dropped returns the number of events dropped so far.
func (d *Decoder) Dropped() int {
	return d.dropped
}

// Feed appends a chunk and returns every event completed by it, in arrival order.
func (d *Decoder) Feed(chunk string) []WireEvent {
	if chunk == "" {
		return nil
	}
	d.pending.WriteString(chunk)
	buffered := d.pending.String()

	last := strings.LastIndexByte(buffered, '\n')
	if last < 0 {
		return nil
	}
	complete, rest := buffered[:last], buffered[last+1:]
	d.pending.Reset()
	d.pending.WriteString(rest)

	var events []WireEvent
	for _, line := range strings.Split(complete, "\n") {
		if ev, ok := d.decodeLine(line); ok {
			events = append(events, ev)
		}
	}
	return events
}

// Flush decodes a trailing line that was never newline-terminated. Call it
// once the transport reports EOF.
func (d *Decoder) Flush() []WireEvent {
	line := d.pending.String()
	d.pending.Reset()
	if line == "" {
		return nil
	}
	if ev, ok := d.decodeLine(line); ok {
		return []WireEvent{ev}
	}
	return nil
}

func (d *Decoder) decodeLine(line string) (WireEvent, bool) {
	line = strings.TrimSuffix(line, "\r")
	switch {
	case line == "":
		d.eventName = ""
		return WireEvent{}, false
	case strings.HasPrefix(line, eventPrefix):
		d.eventName = strings.TrimSpace(strings.TrimPrefix(line, eventPrefix))
		return WireEvent{}, false
	case strings.HasPrefix(line, dataPrefix):
		return d.decodeData(trimFieldValue(line[len(dataPrefix):]))
	default:
		// comments, keepalives, id:/retry: fields
		return WireEvent{}, false
	}
}

func trimFieldValue(v string) string {
	return strings.TrimPrefix(v, " ")
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (d *Decoder) decodeData(data string) (WireEvent, bool) {
	data = strings.TrimSpace(data)
	if data == doneSentinel {
		return WireEvent{Name: EventEnd}, true
	}
	if data == "" {
		return WireEvent{}, false
	}

	var env envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		d.drop(&ProtocolError{Event: d.eventName, Reason: "malformed JSON payload", Err: err})
		return WireEvent{}, false
	}

	raw := json.RawMessage(data)
	switch {
	case env.Type != "":
		return WireEvent{Name: env.Type, Payload: env.Data, Raw: raw}, true
	case d.eventName != "":
		return WireEvent{Name: d.eventName, Payload: raw, Raw: raw}, true
	default:
		d.drop(&ProtocolError{Reason: "payload has no event discriminant"})
		return WireEvent{}, false
	}
}

func (d *Decoder) drop(err error) {
	d.dropped++
	d.onError(err)
}

// Events reads r in chunks of whatever size the reader returns and yields
// decoded events in order. A read error other than io.EOF is yielded once and
// ends the sequence; ctx cancellation stops iteration between reads.
func (d *Decoder) Events(ctx context.Context, r io.Reader) iter.Seq2[WireEvent, error] {
	return func(yield func(WireEvent, error) bool) {
		buf := make([]byte, defaultReadSize)
		for {
			if err := ctx.Err(); err != nil {
				yield(WireEvent{}, err)
				return
			}
			n, err := r.Read(buf)
			if n > 0 {
				for _, ev := range d.Feed(string(buf[:n])) {
					if !yield(ev, nil) {
						return
					}
				}
			}
			if errors.Is(err, io.EOF) {
				for _, ev := range d.Flush() {
					if !yield(ev, nil) {
						return
					}
				}
				return
			}
			if err != nil {
				yield(WireEvent{}, fmt.Errorf("read stream: %w", err))
				return
			}
		}
	}
}
