package envelope_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ktr0328/orchestrator-core/internal/envelope"
)

func TestToRequestEnvelopeRoutesByCommandOwner(t *testing.T) {
	env := envelope.ToRequestEnvelope(envelope.RawRequest{
		Cmd:   "transcribe_folder",
		Extra: map[string]any{"folder_path": "/tmp/audio"},
	}, "")
	if env.Worker != envelope.WorkerMedia {
		t.Fatalf("expected worker media, got %s", env.Worker)
	}
	if env.ID == "" || env.TraceID == "" {
		t.Fatalf("expected generated id and trace_id")
	}
	if env.Payload["folder_path"] != "/tmp/audio" {
		t.Fatalf("expected extra field to fold into payload")
	}
}

func TestRawRequestUnmarshalFoldsExtraFields(t *testing.T) {
	var raw envelope.RawRequest
	doc := []byte(`{"cmd":"transcribe_folder","trace_id":"t-1","folder_path":"/tmp/audio","use_gpu":true}`)
	if err := json.Unmarshal(doc, &raw); err != nil {
		t.Fatalf("unmarshal raw request: %v", err)
	}
	if raw.Cmd != "transcribe_folder" || raw.TraceID != "t-1" {
		t.Fatalf("unexpected reserved fields: %+v", raw)
	}
	if raw.Extra["folder_path"] != "/tmp/audio" || raw.Extra["use_gpu"] != true {
		t.Fatalf("expected unrecognized fields in Extra, got %+v", raw.Extra)
	}

	env := envelope.ToRequestEnvelope(raw, "")
	if env.Payload["folder_path"] != "/tmp/audio" {
		t.Fatalf("expected extra field folded into payload, got %+v", env.Payload)
	}
}

func TestRawRequestUnmarshalBareCommand(t *testing.T) {
	var raw envelope.RawRequest
	if err := json.Unmarshal([]byte(`"test_cuda"`), &raw); err != nil {
		t.Fatalf("unmarshal bare command: %v", err)
	}
	if raw.Cmd != "test_cuda" {
		t.Fatalf("expected bare command name, got %+v", raw)
	}
}

func TestValidateRequestEnvelopeRejectsMisrouting(t *testing.T) {
	env := envelope.RequestEnvelope{
		ID:      "1",
		Worker:  envelope.WorkerResolve,
		Cmd:     "transcribe_folder",
		Payload: map[string]any{"folder_path": "x"},
	}
	err := envelope.ValidateRequestEnvelope(env)
	if err == nil || err.Category != envelope.UserError {
		t.Fatalf("expected UserError for misrouted command, got %v", err)
	}
}

func TestValidateRequestEnvelopeRequiresSchemaFields(t *testing.T) {
	env := envelope.RequestEnvelope{
		ID:      "1",
		Worker:  envelope.WorkerMedia,
		Cmd:     "transcribe_folder",
		Payload: map[string]any{},
	}
	err := envelope.ValidateRequestEnvelope(env)
	if err == nil {
		t.Fatalf("expected error for missing required field")
	}
}

func TestNormalizeResponseEnvelopeRoundTrip(t *testing.T) {
	line := []byte(`{"id":"abc","ok":true,"data":{"x":1}}`)
	norm := envelope.NormalizeResponseEnvelope(line, "abc", time.Time{})
	if norm.Response == nil || !norm.Response.OK || norm.Response.ID != "abc" {
		t.Fatalf("expected successful response envelope, got %+v", norm)
	}
}

func TestNormalizeResponseEnvelopeLegacyWholeObjectIsData(t *testing.T) {
	line := []byte(`{"id":"abc","files_processed":1}`)
	norm := envelope.NormalizeResponseEnvelope(line, "abc", time.Time{})
	if norm.Response == nil || !norm.Response.OK {
		t.Fatalf("expected legacy response treated as success, got %+v", norm)
	}
	data, ok := norm.Response.Data.(map[string]any)
	if !ok || data["files_processed"] != float64(1) {
		t.Fatalf("expected whole message as data, got %+v", norm.Response.Data)
	}
}

func TestNormalizeResponseEnvelopeEventDoesNotConsumeID(t *testing.T) {
	line := []byte(`{"event":"status","code":"WORKER_AVAILABLE"}`)
	norm := envelope.NormalizeResponseEnvelope(line, "abc", time.Time{})
	if norm.Event == nil || norm.Response != nil {
		t.Fatalf("expected event envelope only, got %+v", norm)
	}
}

func TestNormalizeResponseEnvelopeFailureDefaultsToUserError(t *testing.T) {
	line := []byte(`{"id":"abc","ok":false,"error":"temporary"}`)
	norm := envelope.NormalizeResponseEnvelope(line, "abc", time.Time{})
	if norm.Response == nil || norm.Response.Error == nil {
		t.Fatalf("expected error on failed response")
	}
	if norm.Response.Error.Category != envelope.UserError {
		t.Fatalf("expected default UserError category, got %s", norm.Response.Error.Category)
	}
}

func TestNormalizeResponseEnvelopeStampsLatency(t *testing.T) {
	line := []byte(`{"id":"abc","ok":true,"data":{}}`)
	started := time.Now().Add(-50 * time.Millisecond)
	norm := envelope.NormalizeResponseEnvelope(line, "abc", started)
	if norm.Response.Metrics == nil || norm.Response.Metrics.LatencyMs <= 0 {
		t.Fatalf("expected latency_ms stamped, got %+v", norm.Response.Metrics)
	}
}
