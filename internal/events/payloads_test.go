package events

import (
	"testing"

	"github.com/dohr-michael/shellkernel/internal/protocol"
)

func TestTypedEvent_ExecuteInput(t *testing.T) {
	evt := NewTypedEvent(SourceKernel, ExecuteInputPayload{Code: "1 + 1", ExecutionCount: 1})

	if evt.Type != EventExecuteInput {
		t.Fatalf("expected type %q, got %q", EventExecuteInput, evt.Type)
	}
	if evt.Payload["code"] != "1 + 1" {
		t.Fatalf("expected wire field code, got %v", evt.Payload)
	}
	got, ok := GetExecuteInputPayload(evt)
	if !ok {
		t.Fatal("ExtractPayload returned false")
	}
	if got.ExecutionCount != 1 {
		t.Fatalf("expected execution_count 1, got %d", got.ExecutionCount)
	}
}

func TestTypedEvent_ExecuteResult(t *testing.T) {
	payload := ExecuteResultPayload{
		ExecutionCount: 3,
		Data:           map[string]any{"text/plain": "2"},
		Metadata:       map[string]any{},
	}
	evt := NewTypedEvent(SourceKernel, payload)

	got, ok := GetExecuteResultPayload(evt)
	if !ok {
		t.Fatal("ExtractPayload returned false")
	}
	if got.Data["text/plain"] != "2" {
		t.Fatalf("expected text/plain %q, got %v", "2", got.Data["text/plain"])
	}
}

func TestTypedEvent_Error(t *testing.T) {
	evt := NewTypedEvent(SourceKernel, ErrorPayload{EName: "ExitStatus", EValue: "exit status 1", Traceback: []string{"exit status 1"}})

	if evt.Type != EventError {
		t.Fatalf("expected type %q, got %q", EventError, evt.Type)
	}
	got, ok := GetErrorPayload(evt)
	if !ok {
		t.Fatal("ExtractPayload returned false")
	}
	if got.EName != "ExitStatus" || len(got.Traceback) != 1 {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestNewReplyEventCopiesParent(t *testing.T) {
	parent := &protocol.Header{MsgID: "req-1", Session: "sess-1", MsgType: protocol.MsgExecuteRequest}
	evt := NewReplyEvent(SourceKernel, StatusPayload{ExecutionState: protocol.StateBusy}, parent)

	if evt.Parent == nil || evt.Parent.MsgID != "req-1" {
		t.Fatalf("expected parent req-1, got %+v", evt.Parent)
	}
	if evt.SessionID != "sess-1" {
		t.Errorf("session: got %q", evt.SessionID)
	}

	parent.MsgID = "mutated"
	if evt.Parent.MsgID != "req-1" {
		t.Error("event shares the caller's header")
	}

	if e := NewReplyEvent(SourceKernel, StatusPayload{}, nil); e.Parent != nil {
		t.Error("expected no parent")
	}
}
