// Package codec implements stream frame reading and typed event decoding.
//
// The stream endpoint speaks server-sent events: each frame is a block of
// "field: value" lines terminated by a blank line. Frames carry an event
// type tag, a JSON payload, and optionally a frame id used as the
// resumption token on reconnect.
package codec

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
)

// MaxFrameSize caps one frame's accumulated data (1 MiB). Preview
// fragments are small; anything larger is a protocol violation.
const MaxFrameSize = 1 << 20

// Frame is one raw frame read off the stream, before event decoding.
type Frame struct {
	// Type is the declared event type tag (SSE "event" field).
	Type string
	// Data is the JSON payload (SSE "data" field, multi-line joined).
	Data []byte
	// ID is the server-assigned frame id (SSE "id" field), empty if unset.
	ID string
}

// Reader reads frames from a server-sent event stream.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader creates a frame reader over r.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxFrameSize)
	return &Reader{scanner: sc}
}

// Next reads the next frame from the stream. Blocks until a complete frame
// arrives. Returns io.EOF when the server closes the stream cleanly; any
// other error is a transport failure.
//
// Comment lines (leading ':') and unknown fields are skipped. A frame with
// no data and no event tag (e.g. a bare id or retry hint) is skipped and
// reading continues.
func (r *Reader) Next() (*Frame, error) {
	var (
		frame    Frame
		data     bytes.Buffer
		haveLine bool
	)

	for r.scanner.Scan() {
		line := r.scanner.Text()

		// Blank line dispatches the accumulated frame.
		if line == "" {
			if !haveLine {
				continue
			}
			if data.Len() == 0 && frame.Type == "" {
				// Nothing dispatchable (id/retry only); keep reading.
				frame = Frame{}
				haveLine = false
				continue
			}
			frame.Data = data.Bytes()
			return &frame, nil
		}

		// Comment line.
		if strings.HasPrefix(line, ":") {
			continue
		}

		haveLine = true
		field, value := splitField(line)
		switch field {
		case "event":
			frame.Type = value
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			if data.Len()+len(value) > MaxFrameSize {
				return nil, fmt.Errorf("frame data exceeds %d bytes", MaxFrameSize)
			}
			data.WriteString(value)
		case "id":
			frame.ID = value
		}
		// Unknown fields (including "retry") are ignored.
	}

	if err := r.scanner.Err(); err != nil {
		return nil, fmt.Errorf("stream read: %w", err)
	}
	return nil, io.EOF
}

// splitField splits "field: value", stripping the single optional space
// after the colon per the SSE grammar.
func splitField(line string) (field, value string) {
	field, value, found := strings.Cut(line, ":")
	if !found {
		return line, ""
	}
	return field, strings.TrimPrefix(value, " ")
}
