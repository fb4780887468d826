package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pithecene-io/inkwell/types"
)

// DecodeErrorKind classifies event decoding errors.
type DecodeErrorKind int

const (
	// DecodeErrorUnknownType indicates an unrecognized event type tag.
	DecodeErrorUnknownType DecodeErrorKind = iota
	// DecodeErrorBadPayload indicates malformed or invalid JSON payload.
	DecodeErrorBadPayload
	// DecodeErrorMissingField indicates a required payload field was absent.
	DecodeErrorMissingField
)

// DecodeError represents an event decoding error. Decode errors are never
// fatal to the stream: the caller logs and continues with the next frame.
type DecodeError struct {
	Kind DecodeErrorKind
	Msg  string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError returns true if err is (or wraps) a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// Decode parses a raw frame into a typed stream event. Pure function of
// the frame; no side effects.
//
// Returns a *DecodeError for unknown type tags, malformed payloads, and
// missing required fields. A progress value outside [0,100] is clamped,
// not rejected.
func Decode(frame *Frame) (*types.StreamEvent, error) {
	et := types.EventType(frame.Type)
	if !et.Known() {
		return nil, &DecodeError{
			Kind: DecodeErrorUnknownType,
			Msg:  fmt.Sprintf("unknown event type %q", frame.Type),
		}
	}

	event := &types.StreamEvent{ID: frame.ID, Type: et}

	switch et {
	case types.EventTypeProgress:
		var p types.ProgressPayload
		if err := unmarshal(frame.Data, &p); err != nil {
			return nil, err
		}
		p.Value = clamp(p.Value, 0, 100)
		event.Progress = &p

	case types.EventTypePreview:
		var p types.PreviewPayload
		if err := unmarshal(frame.Data, &p); err != nil {
			return nil, err
		}
		event.Preview = &p

	case types.EventTypeCompleted:
		var p types.CompletedPayload
		if err := unmarshal(frame.Data, &p); err != nil {
			return nil, err
		}
		if p.FinalContent == "" {
			return nil, &DecodeError{
				Kind: DecodeErrorMissingField,
				Msg:  "completed event missing final_content",
			}
		}
		event.Completed = &p

	case types.EventTypeFailed:
		var p types.FailedPayload
		if err := unmarshal(frame.Data, &p); err != nil {
			return nil, err
		}
		if p.ErrorCode == "" {
			return nil, &DecodeError{
				Kind: DecodeErrorMissingField,
				Msg:  "failed event missing error_code",
			}
		}
		event.Failed = &p

	case types.EventTypeHeartbeat:
		var p types.HeartbeatPayload
		// A heartbeat with no payload is still a valid heartbeat.
		if len(frame.Data) > 0 {
			if err := unmarshal(frame.Data, &p); err != nil {
				return nil, err
			}
		}
		event.Heartbeat = &p
	}

	return event, nil
}

func unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &DecodeError{
			Kind: DecodeErrorBadPayload,
			Msg:  "malformed event payload",
			Err:  err,
		}
	}
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
