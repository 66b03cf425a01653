// Package protocol defines the newline-delimited JSON messages exchanged
// between the controller and the PTY host process. Every message is exactly
// one JSON object on one line; the field names are a wire contract shared
// with any reimplementation of either endpoint.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Message kinds, carried in the "type" field.
const (
	TypeRequest  = "request"
	TypeResponse = "response"
	TypeEvent    = "event"
)

// Request methods.
const (
	MethodCreate = "create"
	MethodWrite  = "write"
	MethodResize = "resize"
	MethodKill   = "kill"
)

// Event names sent from host to controller.
const (
	EventReady = "ready"
	EventData  = "data"
	EventExit  = "exit"
	EventError = "error"
)

// MaxLineBytes bounds a single protocol line. Large paste bursts are split
// across data events well below this.
const MaxLineBytes = 1024 * 1024

// ErrForeignLine marks a line that is not protocol traffic at all (leaked
// logging from the runtime, shell noise). Receivers discard these silently.
var ErrForeignLine = errors.New("not a protocol line")

// Envelope is the union of all three message kinds. Exactly the fields for
// one kind are populated; Kind selects which.
type Envelope struct {
	Kind   string          `json:"type"`
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Event  string          `json:"event,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// CreateParams spawns a PTY.
type CreateParams struct {
	File string            `json:"file"`
	Args []string          `json:"args"`
	Cols int               `json:"cols"`
	Rows int               `json:"rows"`
	Cwd  string            `json:"cwd,omitempty"`
	Env  map[string]string `json:"env,omitempty"`
}

// CreateResult is the create response payload.
type CreateResult struct {
	Pid int `json:"pid"`
}

// WriteParams sends input bytes to a PTY. Fire-and-forget: no response.
type WriteParams struct {
	Pid  int    `json:"pid"`
	Data string `json:"data"`
}

// ResizeParams sets a PTY's dimensions.
type ResizeParams struct {
	Pid  int `json:"pid"`
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// KillParams terminates a PTY. Signal defaults to SIGTERM when empty.
type KillParams struct {
	Pid    int    `json:"pid"`
	Signal string `json:"signal,omitempty"`
}

// ReadyParams announces host startup, carrying the host's own pid.
type ReadyParams struct {
	Pid int `json:"pid"`
}

// DataParams carries PTY output for one session.
type DataParams struct {
	Pid  int    `json:"pid"`
	Data string `json:"data"`
}

// ExitParams reports a PTY process ending.
type ExitParams struct {
	Pid      int    `json:"pid"`
	ExitCode int    `json:"exitCode"`
	Signal   string `json:"signal,omitempty"`
}

// ErrorParams reports a host-side failure. Pid is zero unless the error is
// scoped to one session.
type ErrorParams struct {
	Message string `json:"message"`
	Pid     int    `json:"pid,omitempty"`
}

// NewRequest builds a request envelope with marshaled params.
func NewRequest(id, method string, params any) (Envelope, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s params: %w", method, err)
	}
	return Envelope{Kind: TypeRequest, ID: id, Method: method, Params: raw}, nil
}

// NewResponse builds a success response for the given request id.
func NewResponse(id string, result any) (Envelope, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal result: %w", err)
	}
	return Envelope{Kind: TypeResponse, ID: id, Result: raw}, nil
}

// NewErrorResponse builds a failure response for the given request id.
func NewErrorResponse(id string, msg string) Envelope {
	return Envelope{Kind: TypeResponse, ID: id, Error: msg}
}

// NewEvent builds an event envelope with marshaled params.
func NewEvent(name string, params any) (Envelope, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s event: %w", name, err)
	}
	return Envelope{Kind: TypeEvent, Event: name, Params: raw}, nil
}

// ParseLine decodes one received line. Lines that do not start with '{' are
// foreign noise and return ErrForeignLine; callers skip those without
// logging. Malformed JSON on a '{' line is a real (but non-fatal) protocol
// error.
func ParseLine(line []byte) (Envelope, error) {
	if len(line) == 0 || line[0] != '{' {
		return Envelope{}, ErrForeignLine
	}
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed protocol line: %w", err)
	}
	return env, nil
}

// Writer serializes envelopes onto a stream, one per line. Writes from
// concurrent goroutines are serialized so lines never interleave.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Send marshals the envelope and writes it newline-terminated.
func (w *Writer) Send(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(data); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}
