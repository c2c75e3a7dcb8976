// Package channel carries requests from the probe to the companion library
// inside the target, and the answers back.
//
// Messages are msgpack encoded and travel as a single unary gRPC method over
// a unix socket named after the target pid.
package channel

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"pyprobe/internal/probeerr"
	"pyprobe/internal/value"
	"pyprobe/internal/versions"
)

// Operations the companion understands.
const (
	OpLoadFrameHead = "load-frame-head"
	OpReadFrame     = "read-frame"
	OpReadLocals    = "read-locals"
	OpEvaluate      = "evaluate"
)

// Status of a response.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// DiagnosticKind classifies a failed request.
type DiagnosticKind string

const (
	DiagEvaluation     DiagnosticKind = "evaluation"
	DiagCorruptedChain DiagnosticKind = "corrupted-frame-chain"
	DiagInvalidRequest DiagnosticKind = "invalid-request"
	DiagInternal       DiagnosticKind = "internal"
)

// ErrInvalidRequest is returned by handlers for malformed requests.
var ErrInvalidRequest = errors.New("invalid request")

// Request is one call to the companion.
type Request struct {
	ID      uint64             `msgpack:"id"`
	Op      string             `msgpack:"op"`
	Payload msgpack.RawMessage `msgpack:"payload,omitempty"`
}

// Response answers the request with the same ID.
type Response struct {
	ID         uint64             `msgpack:"id"`
	Status     Status             `msgpack:"status"`
	Payload    msgpack.RawMessage `msgpack:"payload,omitempty"`
	Diagnostic *Diagnostic        `msgpack:"diagnostic,omitempty"`
}

// Diagnostic explains a failed request.
type Diagnostic struct {
	Kind      DiagnosticKind `msgpack:"kind"`
	Type      string         `msgpack:"type,omitempty"`
	Message   string         `msgpack:"message"`
	Traceback string         `msgpack:"traceback,omitempty"`
}

// Err turns the diagnostic back into the error the caller should see.
func (d *Diagnostic) Err() error {
	if d == nil {
		return fmt.Errorf("companion: error response without diagnostic")
	}
	switch d.Kind {
	case DiagEvaluation:
		return &probeerr.EvaluationError{Type: d.Type, Message: d.Message, Traceback: d.Traceback}
	case DiagCorruptedChain:
		return fmt.Errorf("%w: %s", probeerr.ErrCorruptedFrameChain, d.Message)
	case DiagInvalidRequest:
		return fmt.Errorf("companion: %w: %s", ErrInvalidRequest, d.Message)
	}
	return fmt.Errorf("companion: %s: %s", d.Kind, d.Message)
}

// OK builds a successful response.
func OK(id uint64, payload any) *Response {
	data, err := msgpack.Marshal(payload)
	if err != nil {
		return Fail(id, fmt.Errorf("encode result: %w", err))
	}
	return &Response{ID: id, Status: StatusOK, Payload: data}
}

// Fail builds an error response from err.
func Fail(id uint64, err error) *Response {
	d := &Diagnostic{Kind: DiagInternal, Message: err.Error()}
	var ee *probeerr.EvaluationError
	switch {
	case errors.As(err, &ee):
		d = &Diagnostic{Kind: DiagEvaluation, Type: ee.Type, Message: ee.Message, Traceback: ee.Traceback}
	case errors.Is(err, probeerr.ErrCorruptedFrameChain):
		d.Kind = DiagCorruptedChain
	case errors.Is(err, ErrInvalidRequest):
		d.Kind = DiagInvalidRequest
	}
	return &Response{ID: id, Status: StatusError, Diagnostic: d}
}

// FrameHeadRequest asks for the innermost frame of the thread holding the
// interpreter lock.
type FrameHeadRequest struct {
	Layout versions.Descriptor `msgpack:"layout"`
}

// FrameHeadResponse carries the frame address, zero when no Python code runs.
type FrameHeadResponse struct {
	Addr uint64 `msgpack:"addr"`
}

// FrameRequest reads one frame.
type FrameRequest struct {
	Addr   uint64              `msgpack:"addr"`
	Layout versions.Descriptor `msgpack:"layout"`
}

// Code identifies the code object a frame executes.
type Code struct {
	Name      string `msgpack:"name"`
	Filename  string `msgpack:"filename"`
	FirstLine int    `msgpack:"first_line"`
}

// FrameResponse describes one frame.
type FrameResponse struct {
	Addr uint64 `msgpack:"addr"`
	Back uint64 `msgpack:"back"`
	Code Code   `msgpack:"code"`
	Line int    `msgpack:"line"`
}

// LocalsRequest reads a frame's locals.
type LocalsRequest struct {
	Addr   uint64              `msgpack:"addr"`
	Layout versions.Descriptor `msgpack:"layout"`
	Limits value.Limits        `msgpack:"limits"`
}

// Local is one named local variable.
type Local struct {
	Name  string      `msgpack:"name"`
	Value value.Value `msgpack:"value"`
}

// LocalsResponse lists locals in definition order.
type LocalsResponse struct {
	Locals []Local `msgpack:"locals"`
}

// EvaluateRequest runs source in the target's main module namespace.
type EvaluateRequest struct {
	Source string       `msgpack:"source"`
	Limits value.Limits `msgpack:"limits"`
}

// EvaluateResponse carries the value of the last expression, None for
// statements.
type EvaluateResponse struct {
	Value value.Value `msgpack:"value"`
}
