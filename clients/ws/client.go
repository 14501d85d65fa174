// Package ws provides a WebSocket client for a running shellkernel.
package ws

import (
	"context"
	"errors"
	"fmt"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/dohr-michael/shellkernel/internal/events"
	"github.com/dohr-michael/shellkernel/internal/protocol"
)

// ErrNoInput is returned by an InputFunc that cannot answer.
var ErrNoInput = errors.New("no input available")

// InputFunc answers an input request from the kernel.
type InputFunc func(req protocol.InputRequest) (string, error)

// OutputFunc receives the iopub messages produced by a request.
type OutputFunc func(msg *protocol.Message)

// Client is a WebSocket client for the kernel channels endpoint.
type Client struct {
	conn    *websocket.Conn
	session string
	ctx     context.Context
	cancel  context.CancelFunc
}

// Dial connects to the kernel WebSocket endpoint.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ws dial: %w", err)
	}
	conn.SetReadLimit(-1)

	clientCtx, cancel := context.WithCancel(ctx)

	return &Client{
		conn:    conn,
		session: uuid.NewString(),
		ctx:     clientCtx,
		cancel:  cancel,
	}, nil
}

// Send writes a message on channel and returns it.
func (c *Client) Send(channel protocol.Channel, msgType string, parent *protocol.Header, content any) (*protocol.Message, error) {
	msg, err := protocol.NewMessage(channel, msgType, c.session, parent, content)
	if err != nil {
		return nil, err
	}
	msg.Header.Username = "client"
	if err := wsjson.Write(c.ctx, c.conn, msg); err != nil {
		return nil, fmt.Errorf("write %s: %w", msgType, err)
	}
	return msg, nil
}

// Read reads the next message from the connection.
func (c *Client) Read() (*protocol.Message, error) {
	var msg protocol.Message
	if err := wsjson.Read(c.ctx, c.conn, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Execute runs code and waits for its reply and for the kernel to report
// idle. Input requests are answered with input, or refused when input is nil.
func (c *Client) Execute(code string, input InputFunc, output OutputFunc) (protocol.ExecuteReply, error) {
	req, err := c.Send(protocol.ChannelShell, protocol.MsgExecuteRequest, nil, protocol.ExecuteRequest{
		Code:         code,
		StoreHistory: true,
		AllowStdin:   input != nil,
		StopOnError:  true,
	})
	if err != nil {
		return protocol.ExecuteReply{}, err
	}

	var (
		reply          protocol.ExecuteReply
		replied, idled bool
	)
	for !replied || !idled {
		msg, err := c.Read()
		if err != nil {
			return reply, fmt.Errorf("read: %w", err)
		}
		if msg.ParentHeader.MsgID != req.Header.MsgID {
			continue
		}

		switch msg.Channel {
		case protocol.ChannelIOPub:
			if msg.Type() == protocol.MsgStatus {
				st, _ := protocol.DecodeContent[events.StatusPayload](msg)
				idled = st.ExecutionState == protocol.StateIdle
			}
			if output != nil {
				output(msg)
			}
		case protocol.ChannelStdin:
			if err := c.answer(msg, input); err != nil {
				return reply, err
			}
		case protocol.ChannelShell:
			if msg.Type() == protocol.MsgExecuteReply {
				reply, err = protocol.DecodeContent[protocol.ExecuteReply](msg)
				if err != nil {
					return reply, err
				}
				replied = true
			}
		}
	}
	return reply, nil
}

func (c *Client) answer(msg *protocol.Message, input InputFunc) error {
	req, err := protocol.DecodeContent[protocol.InputRequest](msg)
	if err != nil {
		return err
	}
	content := protocol.InputReply{Status: protocol.StatusError}
	if input != nil {
		if value, err := input(req); err == nil {
			content = protocol.InputReply{Value: value}
		}
	}
	_, err = c.Send(protocol.ChannelStdin, protocol.MsgInputReply, &msg.Header, content)
	return err
}

// Interrupt sends an interrupt_request on the control channel without
// waiting for the reply.
func (c *Client) Interrupt() error {
	_, err := c.Send(protocol.ChannelControl, protocol.MsgInterruptRequest, nil, map[string]any{})
	return err
}

// Close gracefully closes the connection.
func (c *Client) Close() error {
	c.cancel()
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}
