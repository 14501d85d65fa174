package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/dohr-michael/shellkernel/internal/comm"
	"github.com/dohr-michael/shellkernel/internal/events"
	"github.com/dohr-michael/shellkernel/internal/kernel"
	"github.com/dohr-michael/shellkernel/internal/protocol"
)

// queueSize bounds the requests read ahead of each dispatcher.
const queueSize = 64

// Kernel is what the hub dispatches requests to.
type Kernel interface {
	Execute(ctx context.Context, req kernel.Request) (protocol.ExecuteReply, error)
	KernelInfo() protocol.KernelInfoReply
	IsComplete(req protocol.IsCompleteRequest) protocol.IsCompleteReply
	Complete(ctx context.Context, req protocol.CompleteRequest) (protocol.CompleteReply, error)
	Inspect(ctx context.Context, req protocol.InspectRequest) (protocol.InspectReply, error)
	History(ctx context.Context, req protocol.HistoryRequest) (protocol.HistoryReply, error)
	CommInfo(req protocol.CommInfoRequest) protocol.CommInfoReply
	Comms() *comm.Manager
	Interrupt() protocol.StatusReply
	Shutdown(ctx context.Context, req protocol.ShutdownRequest) protocol.ShutdownReply
}

type job struct {
	client *Client
	msg    *protocol.Message
}

// Hub manages WebSocket clients, feeds their shell and control messages to
// one dispatcher goroutine each, and fans bus events out as iopub messages.
type Hub struct {
	kernel  Kernel
	bus     *events.Bus
	session string

	mu      sync.RWMutex
	clients map[*Client]struct{}

	shell   chan job
	control chan job

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	unsubscribe func()
}

// NewHub creates a hub serving k and starts its dispatchers.
func NewHub(k Kernel, bus *events.Bus) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		kernel:  k,
		bus:     bus,
		session: uuid.NewString(),
		clients: make(map[*Client]struct{}),
		shell:   make(chan job, queueSize),
		control: make(chan job, queueSize),
		ctx:     ctx,
		cancel:  cancel,
	}

	h.unsubscribe = bus.Subscribe(func(e events.Event) {
		msg, err := NewIOPubMessage(e, h.session)
		if err != nil {
			slog.Error("build iopub message", "type", e.Type, "error", err)
			return
		}
		data, err := msg.Marshal()
		if err != nil {
			slog.Error("marshal iopub message", "type", e.Type, "error", err)
			return
		}
		h.broadcast(data)
	})

	h.wg.Add(2)
	go h.dispatch("shell", h.shell, h.handleShell)
	go h.dispatch("control", h.control, h.handleControl)
	return h
}

// Session returns the session id of kernel-originated messages.
func (h *Hub) Session() string {
	return h.session
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcast sends data to all connected clients.
func (h *Hub) broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

// register adds a client to the hub.
func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	slog.Info("ws client connected", "client", c.id, "clients", len(h.clients))
}

// unregister removes a client from the hub.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.closeDone()
		slog.Info("ws client disconnected", "client", c.id, "clients", len(h.clients))
	}
}

// ServeWS handles a WebSocket upgrade and manages the client lifecycle.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Allow any origin for dev
	})
	if err != nil {
		slog.Error("ws accept", "error", err)
		return
	}
	conn.SetReadLimit(-1)

	client := newClient(h, conn)
	h.register(client)

	ctx := r.Context()
	go client.writePump(ctx)
	client.readPump(ctx)
}

// enqueue hands a message to its dispatcher. It blocks while the queue is
// full, which stops reading from that client.
func (h *Hub) enqueue(c *Client, msg *protocol.Message) {
	queue := h.shell
	if msg.Channel == protocol.ChannelControl {
		queue = h.control
	}
	select {
	case queue <- job{client: c, msg: msg}:
	case <-c.done:
	case <-h.ctx.Done():
	}
}

func (h *Hub) dispatch(name string, queue <-chan job, handle func(context.Context, job)) {
	defer h.wg.Done()
	for {
		select {
		case j := <-queue:
			ctx := events.ContextWithParent(h.ctx, &j.msg.Header)
			slog.Debug("dispatch", "channel", name, "type", j.msg.Type(), "msg_id", j.msg.Header.MsgID, "client", j.client.id)
			handle(ctx, j)
		case <-h.ctx.Done():
			return
		}
	}
}

func (h *Hub) handleShell(ctx context.Context, j job) {
	msg := j.msg
	var (
		content any
		err     error
	)

	switch msg.Type() {
	case protocol.MsgExecuteRequest:
		content, err = h.execute(ctx, j)
	case protocol.MsgKernelInfoRequest:
		content = h.kernel.KernelInfo()
	case protocol.MsgIsCompleteRequest:
		content, err = decodeAnd(msg, func(req protocol.IsCompleteRequest) (any, error) {
			return h.kernel.IsComplete(req), nil
		})
	case protocol.MsgCompleteRequest:
		content, err = decodeAnd(msg, func(req protocol.CompleteRequest) (any, error) {
			return h.kernel.Complete(ctx, req)
		})
	case protocol.MsgInspectRequest:
		content, err = decodeAnd(msg, func(req protocol.InspectRequest) (any, error) {
			return h.kernel.Inspect(ctx, req)
		})
	case protocol.MsgHistoryRequest:
		content, err = decodeAnd(msg, func(req protocol.HistoryRequest) (any, error) {
			return h.kernel.History(ctx, req)
		})
	case protocol.MsgCommInfoRequest:
		content, err = decodeAnd(msg, func(req protocol.CommInfoRequest) (any, error) {
			return h.kernel.CommInfo(req), nil
		})
	case protocol.MsgCommOpen, protocol.MsgCommMsg, protocol.MsgCommClose:
		// Comm messages have no reply.
		if err := h.handleComm(ctx, msg); err != nil {
			slog.Warn("comm message failed", "type", msg.Type(), "error", err)
		}
		return
	default:
		j.client.sendUnsupported(msg)
		return
	}

	if err != nil {
		slog.Warn("shell request failed", "type", msg.Type(), "error", err)
		j.client.sendError(msg, err)
		return
	}
	j.client.reply(msg, content)
}

func (h *Hub) execute(ctx context.Context, j job) (any, error) {
	req, err := protocol.DecodeContent[protocol.ExecuteRequest](j.msg)
	if err != nil {
		return nil, err
	}
	kreq := kernel.Request{
		Code:         req.Code,
		Silent:       req.Silent,
		StoreHistory: req.StoreHistory && !req.Silent,
		AllowStdin:   req.AllowStdin,
		Parent:       &j.msg.Header,
		Originator:   j.client.id,
	}
	if req.AllowStdin {
		kreq.Stdin = j.client
	}
	return h.kernel.Execute(ctx, kreq)
}

func (h *Hub) handleComm(ctx context.Context, msg *protocol.Message) error {
	comms := h.kernel.Comms()
	switch msg.Type() {
	case protocol.MsgCommOpen:
		req, err := protocol.DecodeContent[protocol.CommOpen](msg)
		if err != nil {
			return err
		}
		return comms.Open(ctx, req)
	case protocol.MsgCommMsg:
		req, err := protocol.DecodeContent[protocol.CommMsg](msg)
		if err != nil {
			return err
		}
		return comms.Message(ctx, req)
	default:
		req, err := protocol.DecodeContent[protocol.CommClose](msg)
		if err != nil {
			return err
		}
		return comms.Close(ctx, req)
	}
}

func (h *Hub) handleControl(ctx context.Context, j job) {
	msg := j.msg
	switch msg.Type() {
	case protocol.MsgInterruptRequest:
		j.client.reply(msg, h.kernel.Interrupt())
	case protocol.MsgShutdownRequest:
		req, err := protocol.DecodeContent[protocol.ShutdownRequest](msg)
		if err != nil {
			j.client.sendError(msg, err)
			return
		}
		j.client.reply(msg, h.kernel.Shutdown(ctx, req))
	case protocol.MsgKernelInfoRequest:
		j.client.reply(msg, h.kernel.KernelInfo())
	default:
		j.client.sendUnsupported(msg)
	}
}

// decodeAnd decodes the content of msg and passes it to fn.
func decodeAnd[T any](msg *protocol.Message, fn func(T) (any, error)) (any, error) {
	req, err := protocol.DecodeContent[T](msg)
	if err != nil {
		return nil, err
	}
	return fn(req)
}

// Close shuts down the dispatchers and all client connections.
func (h *Hub) Close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	h.cancel()
	h.wg.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.conn.Close(websocket.StatusGoingAway, "server shutdown")
		c.closeDone()
		delete(h.clients, c)
	}
}
