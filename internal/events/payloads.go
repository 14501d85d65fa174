package events

import (
	"encoding/json"
	"time"

	"github.com/dohr-michael/shellkernel/internal/protocol"
)

// EventPayload is the interface all typed payloads implement. Payload fields
// are the IOPub message content.
type EventPayload interface {
	EventType() EventType
}

// =============================================================================
// EXECUTION EVENTS
// =============================================================================

type StatusPayload struct {
	ExecutionState string `json:"execution_state"`
}

func (StatusPayload) EventType() EventType { return EventStatus }

type ExecuteInputPayload struct {
	Code           string `json:"code"`
	ExecutionCount int    `json:"execution_count"`
}

func (ExecuteInputPayload) EventType() EventType { return EventExecuteInput }

type ExecuteResultPayload struct {
	ExecutionCount int            `json:"execution_count"`
	Data           map[string]any `json:"data"`
	Metadata       map[string]any `json:"metadata"`
}

func (ExecuteResultPayload) EventType() EventType { return EventExecuteResult }

type StreamPayload struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

func (StreamPayload) EventType() EventType { return EventStream }

type ErrorPayload struct {
	EName     string   `json:"ename"`
	EValue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

func (ErrorPayload) EventType() EventType { return EventError }

// =============================================================================
// COMM EVENTS
// =============================================================================

type CommOpenPayload struct {
	CommID     string         `json:"comm_id"`
	TargetName string         `json:"target_name"`
	Data       map[string]any `json:"data"`
}

func (CommOpenPayload) EventType() EventType { return EventCommOpen }

type CommMsgPayload struct {
	CommID string         `json:"comm_id"`
	Data   map[string]any `json:"data"`
}

func (CommMsgPayload) EventType() EventType { return EventCommMsg }

type CommClosePayload struct {
	CommID string         `json:"comm_id"`
	Data   map[string]any `json:"data"`
}

func (CommClosePayload) EventType() EventType { return EventCommClose }

// =============================================================================
// TYPED EVENT CONSTRUCTORS
// =============================================================================

func NewTypedEvent(source EventSource, payload EventPayload) Event {
	return Event{
		ID:        generateEventID(),
		Type:      payload.EventType(),
		Timestamp: time.Now(),
		Source:    source,
		Payload:   toMap(payload),
	}
}

// NewReplyEvent creates an event answering the request identified by parent.
func NewReplyEvent(source EventSource, payload EventPayload, parent *protocol.Header) Event {
	e := NewTypedEvent(source, payload)
	if parent != nil {
		p := *parent
		e.Parent = &p
		e.SessionID = p.Session
	}
	return e
}

func toMap(v any) map[string]any {
	var result map[string]any
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// =============================================================================
// TYPED PAYLOAD EXTRACTORS
// =============================================================================

func ExtractPayload[T EventPayload](e Event) (T, bool) {
	var result T
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return result, false
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, false
	}
	return result, true
}

func GetStatusPayload(e Event) (StatusPayload, bool) {
	return ExtractPayload[StatusPayload](e)
}

func GetExecuteInputPayload(e Event) (ExecuteInputPayload, bool) {
	return ExtractPayload[ExecuteInputPayload](e)
}

func GetExecuteResultPayload(e Event) (ExecuteResultPayload, bool) {
	return ExtractPayload[ExecuteResultPayload](e)
}

func GetStreamPayload(e Event) (StreamPayload, bool) {
	return ExtractPayload[StreamPayload](e)
}

func GetErrorPayload(e Event) (ErrorPayload, bool) {
	return ExtractPayload[ErrorPayload](e)
}

func GetCommMsgPayload(e Event) (CommMsgPayload, bool) {
	return ExtractPayload[CommMsgPayload](e)
}
