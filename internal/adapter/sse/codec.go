// Package sse converts chat frames to and from the Server-Sent Events wire
// format ("data: <json>\n\n").
package sse

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/yyup/aistream/internal/domain/chat"
)

// MaxEventSize bounds the bytes a Decoder buffers for one unfinished event.
const MaxEventSize = 1 << 20

// ErrEventTooLarge is reported when an event grows past MaxEventSize without terminating.
var ErrEventTooLarge = errors.New("sse event exceeds maximum size")

// EncodeError reports a frame whose payload cannot be serialized.
type EncodeError struct {
	Type chat.EventType
	Err  error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("sse encode %s: %v", e.Type, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// DecodeError describes an event that was dropped during decoding.
type DecodeError struct {
	Data string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("sse decode: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

var (
	dataPrefix = []byte("data: ")
	eventEnd   = []byte("\n\n")
)

// Encode serializes f as one SSE event.
func Encode(f chat.Frame) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, &EncodeError{Type: f.Type(), Err: err}
	}
	out := make([]byte, 0, len(dataPrefix)+len(body)+len(eventEnd))
	out = append(out, dataPrefix...)
	out = append(out, body...)
	out = append(out, eventEnd...)
	return out, nil
}

// Decode parses every complete event in carryover followed by chunk and
// returns the frames together with the unconsumed trailing bytes, which the
// caller passes back as carryover with the next chunk. Malformed events are
// dropped and logged; decoding continues with the next event.
func Decode(chunk, carryover []byte) (frames []chat.Frame, rest []byte) {
	buf := make([]byte, 0, len(carryover)+len(chunk))
	buf = append(buf, carryover...)
	buf = append(buf, chunk...)
	return decode(buf, func(err *DecodeError) {
		slog.Warn("sse frame dropped", "error", err.Err, "data", truncate(err.Data, 200))
	})
}

// decode scans buf line by line. Lines end in "\n" with an optional "\r";
// an empty line dispatches the data lines collected since the previous one.
func decode(buf []byte, drop func(*DecodeError)) ([]chat.Frame, []byte) {
	var (
		frames     []chat.Frame
		data       [][]byte
		eventStart int
		pos        int
	)

	for {
		nl := bytes.IndexByte(buf[pos:], '\n')
		if nl < 0 {
			break
		}
		line := buf[pos : pos+nl]
		pos += nl + 1
		line = bytes.TrimSuffix(line, []byte{'\r'})

		switch {
		case len(line) == 0:
			if len(data) > 0 {
				payload := bytes.Join(data, []byte{'\n'})
				var f chat.Frame
				if err := json.Unmarshal(payload, &f); err != nil {
					drop(&DecodeError{Data: string(payload), Err: err})
				} else {
					frames = append(frames, f)
				}
				data = data[:0]
			}
			eventStart = pos
		case line[0] == ':':
			// comment, used for keepalives
		default:
			field, value, _ := bytes.Cut(line, []byte{':'})
			if string(field) == "data" {
				data = append(data, bytes.TrimPrefix(value, []byte{' '}))
			}
			// event, id and retry fields carry nothing the frame does not
		}
	}

	if eventStart == len(buf) {
		return frames, nil
	}
	rest := make([]byte, len(buf)-eventStart)
	copy(rest, buf[eventStart:])
	return frames, rest
}

// Decoder is a per-connection accumulator around Decode.
type Decoder struct {
	carry   []byte
	dropped int
	log     *slog.Logger
}

// NewDecoder creates a Decoder that reports dropped events to log.
// A nil log uses slog.Default().
func NewDecoder(log *slog.Logger) *Decoder {
	if log == nil {
		log = slog.Default()
	}
	return &Decoder{log: log}
}

// Feed decodes chunk and returns the frames it completes.
func (d *Decoder) Feed(chunk []byte) []chat.Frame {
	buf := make([]byte, 0, len(d.carry)+len(chunk))
	buf = append(buf, d.carry...)
	buf = append(buf, chunk...)

	frames, rest := decode(buf, d.drop)
	if len(rest) > MaxEventSize {
		d.drop(&DecodeError{Data: string(rest[:200]), Err: ErrEventTooLarge})
		rest = nil
	}
	d.carry = rest
	return frames
}

// Flush terminates the buffered event at end of stream and returns any
// frame it completes. The decoder is empty afterwards.
func (d *Decoder) Flush() []chat.Frame {
	if len(bytes.TrimSpace(d.carry)) == 0 {
		d.carry = nil
		return nil
	}
	buf := append(d.carry, eventEnd...)
	d.carry = nil
	frames, _ := decode(buf, d.drop)
	return frames
}

// Buffered returns the number of carryover bytes held for the next chunk.
func (d *Decoder) Buffered() int { return len(d.carry) }

// Dropped returns the number of events dropped so far.
func (d *Decoder) Dropped() int { return d.dropped }

func (d *Decoder) drop(err *DecodeError) {
	d.dropped++
	d.log.Warn("sse frame dropped", "error", err.Err, "data", truncate(err.Data, 200))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
