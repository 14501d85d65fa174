package ws

import (
	"context"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/dohr-michael/shellkernel/internal/kernel"
	"github.com/dohr-michael/shellkernel/internal/protocol"
)

// Client represents a connected WebSocket client.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	done     chan struct{}
	doneOnce sync.Once

	mu    sync.Mutex
	input chan protocol.InputReply // pending input request, nil when none
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
		done: make(chan struct{}),
	}
}

func (c *Client) closeDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

// readPump reads frames from the WS connection and routes them by channel.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("ws read closed", "client", c.id, "status", websocket.CloseStatus(err))
			} else {
				slog.Debug("ws read error", "client", c.id, "error", err)
			}
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			slog.Warn("ws decode message", "client", c.id, "error", err)
			c.sendMalformed(data, err)
			continue
		}

		switch msg.Channel {
		case protocol.ChannelShell, protocol.ChannelControl:
			c.hub.enqueue(c, msg)
		case protocol.ChannelStdin:
			c.handleStdin(msg)
		default:
			slog.Debug("ws message on iopub ignored", "client", c.id, "type", msg.Type())
		}
	}
}

// writePump writes queued messages to the WS connection.
func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case msg := <-c.send:
			if err := c.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				slog.Debug("ws write", "client", c.id, "error", err)
				return
			}
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// deliver queues msg for this client, waiting while the queue is full.
func (c *Client) deliver(msg *protocol.Message) bool {
	data, err := msg.Marshal()
	if err != nil {
		slog.Error("marshal message", "type", msg.Type(), "error", err)
		return false
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		slog.Warn("client gone, message dropped", "client", c.id, "type", msg.Type())
		return false
	}
}

func (c *Client) reply(msg *protocol.Message, content any) {
	r, err := msg.Reply(protocol.ReplyType(msg.Type()), content)
	if err != nil {
		slog.Error("build reply", "type", msg.Type(), "error", err)
		return
	}
	c.deliver(r)
}

func (c *Client) sendError(msg *protocol.Message, err error) {
	r, merr := NewErrorMessage(msg, err)
	if merr != nil {
		slog.Error("build error reply", "type", msg.Type(), "error", merr)
		return
	}
	c.deliver(r)
}

// sendMalformed answers a frame Decode rejected, if it names a msg_id.
func (c *Client) sendMalformed(data []byte, err error) {
	header, ok := protocol.DecodeHeader(data)
	if !ok {
		return
	}
	r, merr := NewMalformedMessage(header, err)
	if merr != nil {
		slog.Error("build error reply", "msg_id", header.MsgID, "error", merr)
		return
	}
	c.deliver(r)
}

func (c *Client) sendUnsupported(msg *protocol.Message) {
	slog.Warn("unsupported message", "channel", msg.Channel, "type", msg.Type(), "client", c.id)
	r, err := NewUnsupportedMessage(msg)
	if err != nil {
		slog.Error("build error reply", "type", msg.Type(), "error", err)
		return
	}
	c.deliver(r)
}

// RequestInput sends an input_request to this client and waits for its
// input_reply. A client that disconnects has no more input.
func (c *Client) RequestInput(ctx context.Context, parent *protocol.Header, req protocol.InputRequest) (string, error) {
	ch := make(chan protocol.InputReply, 1)
	c.mu.Lock()
	c.input = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.input == ch {
			c.input = nil
		}
		c.mu.Unlock()
	}()

	session := c.hub.session
	if parent != nil && parent.Session != "" {
		session = parent.Session
	}
	msg, err := protocol.NewMessage(protocol.ChannelStdin, protocol.MsgInputRequest, session, parent, req)
	if err != nil {
		return "", err
	}
	if !c.deliver(msg) {
		return "", kernel.ErrNoInput
	}

	select {
	case r := <-ch:
		if r.Status == protocol.StatusError {
			return "", kernel.ErrNoInput
		}
		return r.Value, nil
	case <-c.done:
		return "", kernel.ErrNoInput
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Client) handleStdin(msg *protocol.Message) {
	if msg.Type() != protocol.MsgInputReply {
		c.sendUnsupported(msg)
		return
	}
	reply, err := protocol.DecodeContent[protocol.InputReply](msg)
	if err != nil {
		slog.Warn("bad input_reply", "client", c.id, "error", err)
		reply = protocol.InputReply{Status: protocol.StatusError}
	}

	c.mu.Lock()
	ch := c.input
	c.input = nil
	c.mu.Unlock()
	if ch == nil {
		slog.Warn("input_reply without a pending input request", "client", c.id)
		return
	}
	ch <- reply
}
