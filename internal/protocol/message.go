// Package protocol provides the Jupyter message model spoken on the kernel's
// websocket: the header and envelope, channel names, message types and the
// content of every message the kernel handles.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Version is the messaging protocol version implemented by the kernel.
const Version = "5.3"

// Username is the header username of kernel-originated messages.
const Username = "kernel"

var (
	ErrMalformed      = errors.New("malformed message")
	ErrUnknownChannel = errors.New("unknown channel")
)

// Channel names a logical socket of the protocol.
type Channel string

const (
	ChannelShell   Channel = "shell"
	ChannelControl Channel = "control"
	ChannelStdin   Channel = "stdin"
	ChannelIOPub   Channel = "iopub"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelShell, ChannelControl, ChannelStdin, ChannelIOPub:
		return true
	}
	return false
}

// Message types.
const (
	MsgExecuteRequest    = "execute_request"
	MsgExecuteReply      = "execute_reply"
	MsgKernelInfoRequest = "kernel_info_request"
	MsgKernelInfoReply   = "kernel_info_reply"
	MsgIsCompleteRequest = "is_complete_request"
	MsgIsCompleteReply   = "is_complete_reply"
	MsgCompleteRequest   = "complete_request"
	MsgCompleteReply     = "complete_reply"
	MsgInspectRequest    = "inspect_request"
	MsgInspectReply      = "inspect_reply"
	MsgHistoryRequest    = "history_request"
	MsgHistoryReply      = "history_reply"
	MsgCommInfoRequest   = "comm_info_request"
	MsgCommInfoReply     = "comm_info_reply"
	MsgCommOpen          = "comm_open"
	MsgCommMsg           = "comm_msg"
	MsgCommClose         = "comm_close"
	MsgShutdownRequest   = "shutdown_request"
	MsgShutdownReply     = "shutdown_reply"
	MsgInterruptRequest  = "interrupt_request"
	MsgInterruptReply    = "interrupt_reply"
	MsgInputRequest      = "input_request"
	MsgInputReply        = "input_reply"
	MsgStatus            = "status"
	MsgExecuteInput      = "execute_input"
	MsgExecuteResult     = "execute_result"
	MsgStream            = "stream"
	MsgError             = "error"
)

// ReplyType returns the reply message type of a request type.
func ReplyType(requestType string) string {
	const suffix = "_request"
	if len(requestType) > len(suffix) && requestType[len(requestType)-len(suffix):] == suffix {
		return requestType[:len(requestType)-len(suffix)] + "_reply"
	}
	return requestType
}

// Header identifies a message. Every field is omitted when empty so that a
// missing parent encodes as {}.
type Header struct {
	MsgID    string    `json:"msg_id,omitempty"`
	Session  string    `json:"session,omitempty"`
	Username string    `json:"username,omitempty"`
	Date     time.Time `json:"date,omitzero"`
	MsgType  string    `json:"msg_type,omitempty"`
	Version  string    `json:"version,omitempty"`
}

// NewHeader creates a header for a kernel-originated message.
func NewHeader(msgType, session string) Header {
	return Header{
		MsgID:    uuid.NewString(),
		Session:  session,
		Username: Username,
		Date:     time.Now().UTC(),
		MsgType:  msgType,
		Version:  Version,
	}
}

// Message is the envelope of every frame exchanged with clients.
type Message struct {
	Channel      Channel         `json:"channel"`
	Header       Header          `json:"header"`
	ParentHeader Header          `json:"parent_header"`
	Metadata     map[string]any  `json:"metadata"`
	Content      json.RawMessage `json:"content"`
	Buffers      []any           `json:"buffers,omitempty"`
}

// NewMessage builds a message with a fresh header. parent may be nil.
func NewMessage(channel Channel, msgType, session string, parent *Header, content any) (*Message, error) {
	data, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshal %s content: %w", msgType, err)
	}
	m := &Message{
		Channel:  channel,
		Header:   NewHeader(msgType, session),
		Metadata: map[string]any{},
		Content:  data,
	}
	if parent != nil {
		m.ParentHeader = *parent
	}
	return m, nil
}

// Reply builds the reply to m on the same channel and session.
func (m *Message) Reply(msgType string, content any) (*Message, error) {
	return NewMessage(m.Channel, msgType, m.Header.Session, &m.Header, content)
}

// Type returns the message type.
func (m *Message) Type() string {
	return m.Header.MsgType
}

// Marshal serializes the message.
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a client frame and validates its envelope.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.Channel == "" {
		m.Channel = ChannelShell
	}
	if !m.Channel.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, m.Channel)
	}
	if m.Header.MsgType == "" {
		return nil, fmt.Errorf("%w: missing msg_type", ErrMalformed)
	}
	if len(m.Content) == 0 || string(m.Content) == "null" {
		m.Content = json.RawMessage("{}")
	}
	return &m, nil
}

// DecodeHeader extracts the header of a frame Decode rejected. ok is false
// when no msg_id can be recovered, so there is nothing to reply to.
func DecodeHeader(data []byte) (h Header, ok bool) {
	var partial struct {
		Header Header `json:"header"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return Header{}, false
	}
	return partial.Header, partial.Header.MsgID != ""
}

// DecodeContent unmarshals the content of m into a T.
func DecodeContent[T any](m *Message) (T, error) {
	var result T
	if err := json.Unmarshal(m.Content, &result); err != nil {
		return result, fmt.Errorf("%w: %s content: %v", ErrMalformed, m.Header.MsgType, err)
	}
	return result, nil
}
