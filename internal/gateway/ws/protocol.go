package ws

import (
	"errors"

	"github.com/dohr-michael/shellkernel/internal/events"
	"github.com/dohr-michael/shellkernel/internal/protocol"
)

// Error names of protocol-level error replies.
const (
	ENameUnsupported = "UnsupportedMessage"
	ENameMalformed   = "MalformedMessage"
	ENameKernel      = "KernelError"
)

// NewIOPubMessage wraps a bus event as an iopub message. Events without a
// parent are tagged with the hub session.
func NewIOPubMessage(e events.Event, session string) (*protocol.Message, error) {
	if e.Parent != nil && e.Parent.Session != "" {
		session = e.Parent.Session
	}
	return protocol.NewMessage(protocol.ChannelIOPub, string(e.Type), session, e.Parent, e.Payload)
}

// NewErrorMessage builds the error reply to msg.
func NewErrorMessage(msg *protocol.Message, err error) (*protocol.Message, error) {
	ename := ENameKernel
	if errors.Is(err, protocol.ErrMalformed) {
		ename = ENameMalformed
	}
	return msg.Reply(protocol.ReplyType(msg.Type()), protocol.NewErrorReply(ename, err.Error()))
}

// NewUnsupportedMessage builds the reply to a message type the dispatcher
// does not handle.
func NewUnsupportedMessage(msg *protocol.Message) (*protocol.Message, error) {
	reply := protocol.NewErrorReply(ENameUnsupported, "unsupported message type "+msg.Type()+" on "+string(msg.Channel))
	return msg.Reply(protocol.ReplyType(msg.Type()), reply)
}

// NewMalformedMessage builds the error reply to a frame that could not be
// decoded, parented to its recovered header. The reply goes out on shell.
func NewMalformedMessage(header protocol.Header, err error) (*protocol.Message, error) {
	msgType := protocol.MsgError
	if header.MsgType != "" {
		msgType = protocol.ReplyType(header.MsgType)
	}
	reply := protocol.NewErrorReply(ENameMalformed, err.Error())
	return protocol.NewMessage(protocol.ChannelShell, msgType, header.Session, &header, reply)
}
