// Package envelope canonicalizes requests bound for a worker process,
// validates them against the command-ownership table and per-command
// schemas, serializes them to the newline-delimited wire format, and
// normalizes whatever a worker sends back into a response or event
// envelope.
package envelope

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RequestEnvelope is sent to a worker as one line of JSON.
type RequestEnvelope struct {
	ID      string         `json:"id"`
	Worker  Worker         `json:"worker"`
	Cmd     string         `json:"cmd"`
	Payload map[string]any `json:"payload"`
	TraceID string         `json:"trace_id"`
}

// Metrics carries optional latency/worker metrics attached to a response.
type Metrics struct {
	LatencyMs     int64  `json:"latency_ms,omitempty"`
	WorkerLatency int64  `json:"worker_latency_ms,omitempty"`
	Cmd           string `json:"cmd,omitempty"`
}

// ResponseEnvelope is the terminal reply to exactly one RequestEnvelope.ID.
type ResponseEnvelope struct {
	ID      string   `json:"id"`
	OK      bool     `json:"ok"`
	Data    any      `json:"data,omitempty"`
	Error   *Error   `json:"error,omitempty"`
	Metrics *Metrics `json:"metrics,omitempty"`
}

// EventEnvelope is a fan-out-only message; it never consumes a pending
// request entry.
type EventEnvelope struct {
	Event   string   `json:"event"`
	TraceID string   `json:"trace_id,omitempty"`
	Code    string   `json:"code,omitempty"`
	Data    any      `json:"data,omitempty"`
	Error   *string  `json:"error,omitempty"`
	Message *string  `json:"message,omitempty"`
	Metrics *Metrics `json:"metrics,omitempty"`
}

// Normalized is the result of classifying one line read from a worker's
// stdout: exactly one of Response or Event is non-nil.
type Normalized struct {
	Response *ResponseEnvelope
	Event    *EventEnvelope
}

// RawRequest is the loosely-typed shape accepted from the front end /
// control plane before canonicalization: either a bare command name or a
// mapping with any of the reserved fields plus arbitrary extras that fold
// into the payload.
type RawRequest struct {
	ID      string         `json:"id,omitempty"`
	Worker  string         `json:"worker,omitempty"`
	Cmd     string         `json:"cmd,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	TraceID string         `json:"trace_id,omitempty"`
	Extra   map[string]any `json:"-"`
}

// UnmarshalJSON accepts either a bare command-name string or a mapping whose
// unrecognized top-level fields fold into Extra.
func (r *RawRequest) UnmarshalJSON(data []byte) error {
	var bare string
	if err := json.Unmarshal(data, &bare); err == nil {
		*r = RawRequest{Cmd: bare}
		return nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	var out RawRequest
	extra := map[string]any{}
	for k, v := range fields {
		switch k {
		case "id":
			_ = json.Unmarshal(v, &out.ID)
		case "worker":
			_ = json.Unmarshal(v, &out.Worker)
		case "cmd":
			_ = json.Unmarshal(v, &out.Cmd)
		case "trace_id":
			_ = json.Unmarshal(v, &out.TraceID)
		case "payload":
			_ = json.Unmarshal(v, &out.Payload)
		default:
			var val any
			if err := json.Unmarshal(v, &val); err == nil {
				extra[k] = val
			}
		}
	}
	if len(extra) > 0 {
		out.Extra = extra
	}
	*r = out
	return nil
}

// ToRequestEnvelope canonicalizes raw into a RequestEnvelope. workerHint, if
// non-empty, takes precedence over raw.Worker and the command-ownership
// table.
func ToRequestEnvelope(raw RawRequest, workerHint Worker) RequestEnvelope {
	worker := workerHint
	if worker == "" {
		worker = Worker(raw.Worker)
	}
	if worker == "" {
		if owner, ok := CommandOwner(raw.Cmd); ok && owner != "" {
			worker = owner
		}
	}

	payload := map[string]any{}
	for k, v := range raw.Payload {
		payload[k] = v
	}
	// extra fields win over the explicit payload.
	for k, v := range raw.Extra {
		payload[k] = v
	}

	id := raw.ID
	if id == "" {
		id = uuid.NewString()
	}
	traceID := raw.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}

	return RequestEnvelope{
		ID:      id,
		Worker:  worker,
		Cmd:     raw.Cmd,
		Payload: payload,
		TraceID: traceID,
	}
}

// ValidateRequestEnvelope enforces validation rules,
// returning a UserError describing the first violation found.
func ValidateRequestEnvelope(env RequestEnvelope) *Error {
	if env.ID == "" {
		return NewUserError("id is required")
	}
	if env.Worker == "" {
		return NewUserError("worker is required")
	}
	if !IsValidWorker(env.Worker) {
		return NewUserError("worker %q is not a recognized worker", env.Worker)
	}
	if env.Cmd == "" {
		return NewUserError("cmd is required")
	}
	owner, known := CommandOwner(env.Cmd)
	if !known {
		return NewUserError("cmd %q is not a known command", env.Cmd)
	}
	if owner != "" && owner != env.Worker {
		return NewUserError("cmd %q is owned by worker %q, not %q", env.Cmd, owner, env.Worker)
	}
	if env.Payload == nil {
		return NewUserError("payload must be a mapping")
	}

	schema, ok := SchemaFor(env.Cmd)
	if !ok {
		return nil
	}
	for _, field := range schema.Fields {
		value, present := env.Payload[field.Name]
		if !present {
			if field.Required {
				return NewUserError("payload field %q is required for cmd %q", field.Name, env.Cmd)
			}
			continue
		}
		if !matchesType(value, field.Type) {
			return NewUserError("payload field %q must be of type %s for cmd %q", field.Name, field.Type, env.Cmd)
		}
	}
	return nil
}

func matchesType(value any, want FieldType) bool {
	switch want {
	case FieldString:
		_, ok := value.(string)
		return ok
	case FieldNumber:
		switch value.(type) {
		case float64, float32, int, int32, int64:
			return true
		default:
			return false
		}
	case FieldBool:
		_, ok := value.(bool)
		return ok
	default:
		return true
	}
}

// wireMessage is the historical flattened-payload wire shape.
type wireMessage struct {
	ID      string `json:"id"`
	Cmd     string `json:"cmd"`
	TraceID string `json:"trace_id"`
}

// ToWorkerWireMessage serializes env as a single line of JSON with the
// payload's fields flattened at top level, for historical wire
// compatibility with the worker implementations.
func ToWorkerWireMessage(env RequestEnvelope) ([]byte, error) {
	flat := map[string]any{
		"id":       env.ID,
		"cmd":      env.Cmd,
		"trace_id": env.TraceID,
	}
	for k, v := range env.Payload {
		flat[k] = v
	}
	return json.Marshal(flat)
}

// rawWorkerMessage is the loosely-typed shape of one line received from a
// worker's stdout, tolerant of both the legacy and new wire shapes.
type rawWorkerMessage struct {
	ID      string          `json:"id"`
	OK      *bool           `json:"ok"`
	Data    json.RawMessage `json:"data"`
	Error   json.RawMessage `json:"error"`
	Event   string          `json:"event"`
	TraceID string          `json:"trace_id"`
	Code    string          `json:"code"`
	Message *string         `json:"message"`
	Metrics *Metrics        `json:"metrics"`
}

// NormalizeResponseEnvelope classifies one line read from a worker's
// stdout. When startedAt is non-zero, metrics.latency_ms is stamped onto
// the result.
func NormalizeResponseEnvelope(line []byte, expectedID string, startedAt time.Time) Normalized {
	var raw rawWorkerMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return Normalized{Response: &ResponseEnvelope{
			OK:    false,
			Error: NewUserError("invalid response: %v", err),
		}}
	}

	if raw.Event != "" {
		return Normalized{Event: decodeEvent(raw)}
	}

	resp := &ResponseEnvelope{ID: raw.ID, Metrics: raw.Metrics}
	if raw.OK != nil && !*raw.OK {
		resp.OK = false
		resp.Error = decodeError(raw.Error)
	} else {
		resp.OK = true
		if len(raw.Data) > 0 {
			var data any
			if err := json.Unmarshal(raw.Data, &data); err == nil {
				resp.Data = data
			}
		} else {
			// legacy wire: no "data" field, the whole message is the payload.
			var whole any
			if err := json.Unmarshal(line, &whole); err == nil {
				resp.Data = whole
			}
		}
	}

	if !startedAt.IsZero() {
		latency := time.Since(startedAt).Milliseconds()
		if resp.Metrics == nil {
			resp.Metrics = &Metrics{}
		}
		resp.Metrics.LatencyMs = latency
	}

	if expectedID != "" && resp.ID == "" {
		resp.ID = expectedID
	}
	return Normalized{Response: resp}
}

func decodeEvent(raw rawWorkerMessage) *EventEnvelope {
	return &EventEnvelope{
		Event:   raw.Event,
		TraceID: raw.TraceID,
		Code:    raw.Code,
		Data:    decodeAny(raw.Data),
		Error:   decodeOptionalString(raw.Error),
		Message: raw.Message,
		Metrics: raw.Metrics,
	}
}

func decodeAny(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

func decodeOptionalString(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return &s
	}
	return nil
}

func decodeError(raw json.RawMessage) *Error {
	if len(raw) == 0 {
		return NewUserError("worker reported failure with no error detail")
	}
	// Try the structured {category,message,details} shape first.
	var structured Error
	if err := json.Unmarshal(raw, &structured); err == nil && structured.Message != "" {
		if structured.Category == "" {
			structured.Category = UserError
		}
		return &structured
	}
	// Fall back to a bare string message; default category is UserError.
	var msg string
	if err := json.Unmarshal(raw, &msg); err == nil {
		return NewUserError("%s", msg)
	}
	return NewUserError("worker reported an unrecognized error shape")
}
