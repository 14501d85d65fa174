package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/dohr-michael/shellkernel/internal/comm"
	"github.com/dohr-michael/shellkernel/internal/events"
	"github.com/dohr-michael/shellkernel/internal/kernel"
	"github.com/dohr-michael/shellkernel/internal/protocol"
)

// fakeKernel answers requests without an interpreter. Code "ask" requests
// input, code "block" waits for an interrupt.
type fakeKernel struct {
	comms *comm.Manager

	mu       sync.Mutex
	requests []kernel.Request
	inputErr error

	interrupted chan struct{}
	once        sync.Once
}

func newFakeKernel(bus *events.Bus) *fakeKernel {
	return &fakeKernel{comms: comm.NewManager(bus), interrupted: make(chan struct{})}
}

func (f *fakeKernel) Execute(ctx context.Context, req kernel.Request) (protocol.ExecuteReply, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	reply := protocol.ExecuteReply{Status: protocol.StatusOK, ExecutionCount: 1, UserExpressions: map[string]any{}}
	switch req.Code {
	case "ask":
		if req.Stdin == nil {
			return reply, errors.New("no stdin")
		}
		value, err := req.Stdin.RequestInput(ctx, req.Parent, protocol.InputRequest{Prompt: "Name? "})
		f.mu.Lock()
		f.inputErr = err
		f.mu.Unlock()
		reply.UserExpressions["value"] = value
	case "block":
		select {
		case <-f.interrupted:
			reply.Status = protocol.StatusError
			reply.EName = "Interrupt"
		case <-ctx.Done():
			return reply, ctx.Err()
		}
	}
	return reply, nil
}

func (f *fakeKernel) KernelInfo() protocol.KernelInfoReply {
	return protocol.KernelInfoReply{Status: protocol.StatusOK, ProtocolVersion: protocol.Version}
}

func (f *fakeKernel) IsComplete(req protocol.IsCompleteRequest) protocol.IsCompleteReply {
	return protocol.IsCompleteReply{Status: protocol.CodeComplete}
}

func (f *fakeKernel) Complete(ctx context.Context, req protocol.CompleteRequest) (protocol.CompleteReply, error) {
	return protocol.CompleteReply{Status: protocol.StatusOK, Matches: []string{"echo"}}, nil
}

func (f *fakeKernel) Inspect(ctx context.Context, req protocol.InspectRequest) (protocol.InspectReply, error) {
	return protocol.InspectReply{}, errors.New("inspect failed")
}

func (f *fakeKernel) History(ctx context.Context, req protocol.HistoryRequest) (protocol.HistoryReply, error) {
	return protocol.HistoryReply{Status: protocol.StatusOK, History: [][]any{}}, nil
}

func (f *fakeKernel) CommInfo(req protocol.CommInfoRequest) protocol.CommInfoReply {
	return protocol.CommInfoReply{Status: protocol.StatusOK, Comms: f.comms.Info(req.TargetName)}
}

func (f *fakeKernel) Comms() *comm.Manager { return f.comms }

func (f *fakeKernel) Interrupt() protocol.StatusReply {
	f.once.Do(func() { close(f.interrupted) })
	return protocol.StatusReply{Status: protocol.StatusOK}
}

func (f *fakeKernel) Shutdown(ctx context.Context, req protocol.ShutdownRequest) protocol.ShutdownReply {
	return protocol.ShutdownReply{Status: protocol.StatusOK}
}

func (f *fakeKernel) lastRequest() kernel.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
	ctx  context.Context
}

func newTestHub(t *testing.T) (*Hub, *fakeKernel, *events.Bus, string) {
	t.Helper()
	bus := events.NewBus(64)
	t.Cleanup(bus.Close)
	fk := newFakeKernel(bus)
	hub := NewHub(fk, bus)
	t.Cleanup(hub.Close)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)
	return hub, fk, bus, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *testClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return &testClient{t: t, conn: conn, ctx: ctx}
}

func (c *testClient) send(channel protocol.Channel, msgType string, content any) *protocol.Message {
	c.t.Helper()
	msg, err := protocol.NewMessage(channel, msgType, "client-session", nil, content)
	if err != nil {
		c.t.Fatal(err)
	}
	if err := wsjson.Write(c.ctx, c.conn, msg); err != nil {
		c.t.Fatalf("write: %v", err)
	}
	return msg
}

// next reads messages until one of the given type arrives.
func (c *testClient) next(msgType string) *protocol.Message {
	c.t.Helper()
	for {
		var msg protocol.Message
		if err := wsjson.Read(c.ctx, c.conn, &msg); err != nil {
			c.t.Fatalf("read waiting for %s: %v", msgType, err)
		}
		if msg.Type() == msgType {
			return &msg
		}
	}
}

func TestShellReply(t *testing.T) {
	_, _, _, url := newTestHub(t)
	c := dial(t, url)

	req := c.send(protocol.ChannelShell, protocol.MsgKernelInfoRequest, map[string]any{})
	reply := c.next(protocol.MsgKernelInfoReply)
	if reply.Channel != protocol.ChannelShell || reply.ParentHeader.MsgID != req.Header.MsgID {
		t.Errorf("reply envelope: channel %q parent %q", reply.Channel, reply.ParentHeader.MsgID)
	}
	info, _ := protocol.DecodeContent[protocol.KernelInfoReply](reply)
	if info.ProtocolVersion != protocol.Version {
		t.Errorf("content: got %+v", info)
	}

	c.send(protocol.ChannelShell, protocol.MsgCompleteRequest, protocol.CompleteRequest{Code: "ec", CursorPos: 2})
	complete, _ := protocol.DecodeContent[protocol.CompleteReply](c.next(protocol.MsgCompleteReply))
	if len(complete.Matches) != 1 || complete.Matches[0] != "echo" {
		t.Errorf("complete: got %+v", complete)
	}
}

func TestHandlerErrorBecomesErrorReply(t *testing.T) {
	_, _, _, url := newTestHub(t)
	c := dial(t, url)

	c.send(protocol.ChannelShell, protocol.MsgInspectRequest, protocol.InspectRequest{Code: "x"})
	reply, _ := protocol.DecodeContent[protocol.ErrorReply](c.next(protocol.MsgInspectReply))
	if reply.Status != protocol.StatusError || reply.EName != ENameKernel || reply.EValue != "inspect failed" {
		t.Errorf("got %+v", reply)
	}
}

func TestUnsupportedMessage(t *testing.T) {
	_, _, _, url := newTestHub(t)
	c := dial(t, url)

	c.send(protocol.ChannelShell, "frobnicate_request", map[string]any{})
	reply, _ := protocol.DecodeContent[protocol.ErrorReply](c.next("frobnicate_reply"))
	if reply.Status != protocol.StatusError || reply.EName != ENameUnsupported {
		t.Errorf("shell: got %+v", reply)
	}

	// execute_request is not a control message.
	c.send(protocol.ChannelControl, protocol.MsgExecuteRequest, protocol.ExecuteRequest{Code: "true"})
	reply, _ = protocol.DecodeContent[protocol.ErrorReply](c.next(protocol.MsgExecuteReply))
	if reply.EName != ENameUnsupported {
		t.Errorf("control: got %+v", reply)
	}
}

func TestMalformedFrameGetsErrorReply(t *testing.T) {
	_, _, _, url := newTestHub(t)
	c := dial(t, url)

	tests := []struct {
		name  string
		frame string
		want  string
	}{
		{"unknown channel", `{"channel":"nope","header":{"msg_id":"m1","session":"s","msg_type":"kernel_info_request"}}`, protocol.MsgKernelInfoReply},
		{"missing type", `{"channel":"shell","header":{"msg_id":"m2","session":"s"}}`, protocol.MsgError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.conn.Write(c.ctx, websocket.MessageText, []byte(tt.frame)); err != nil {
				t.Fatalf("write: %v", err)
			}
			msg := c.next(tt.want)
			reply, _ := protocol.DecodeContent[protocol.ErrorReply](msg)
			if reply.Status != protocol.StatusError || reply.EName != ENameMalformed {
				t.Errorf("got %+v", reply)
			}
			if msg.Channel != protocol.ChannelShell || msg.ParentHeader.Session != "s" {
				t.Errorf("reply envelope: channel %q parent %+v", msg.Channel, msg.ParentHeader)
			}
		})
	}

	// A frame without a msg_id is dropped; the connection stays usable.
	if err := c.conn.Write(c.ctx, websocket.MessageText, []byte(`{`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	req := c.send(protocol.ChannelShell, protocol.MsgKernelInfoRequest, map[string]any{})
	if reply := c.next(protocol.MsgKernelInfoReply); reply.ParentHeader.MsgID != req.Header.MsgID {
		t.Errorf("reply parent: got %q", reply.ParentHeader.MsgID)
	}
}

func TestSilentDoesNotStoreHistory(t *testing.T) {
	_, fk, _, url := newTestHub(t)
	c := dial(t, url)

	c.send(protocol.ChannelShell, protocol.MsgExecuteRequest, map[string]any{"code": "true", "silent": true})
	c.next(protocol.MsgExecuteReply)
	if req := fk.lastRequest(); req.StoreHistory || !req.Silent {
		t.Errorf("silent request: got %+v", req)
	}

	c.send(protocol.ChannelShell, protocol.MsgExecuteRequest, map[string]any{"code": "true"})
	c.next(protocol.MsgExecuteReply)
	if req := fk.lastRequest(); !req.StoreHistory || req.Parent == nil {
		t.Errorf("default request: got %+v", req)
	}
}

func TestStdinRoundTrip(t *testing.T) {
	_, _, _, url := newTestHub(t)
	c := dial(t, url)

	exec := c.send(protocol.ChannelShell, protocol.MsgExecuteRequest, protocol.ExecuteRequest{Code: "ask", AllowStdin: true, StoreHistory: true})

	ask := c.next(protocol.MsgInputRequest)
	if ask.Channel != protocol.ChannelStdin || ask.ParentHeader.MsgID != exec.Header.MsgID {
		t.Errorf("input_request envelope: channel %q parent %q", ask.Channel, ask.ParentHeader.MsgID)
	}
	in, _ := protocol.DecodeContent[protocol.InputRequest](ask)
	if in.Prompt != "Name? " {
		t.Errorf("prompt: got %q", in.Prompt)
	}

	c.send(protocol.ChannelStdin, protocol.MsgInputReply, protocol.InputReply{Value: "bob"})
	reply, _ := protocol.DecodeContent[protocol.ExecuteReply](c.next(protocol.MsgExecuteReply))
	if reply.UserExpressions["value"] != "bob" {
		t.Errorf("value: got %v", reply.UserExpressions["value"])
	}
}

func TestStdinDisallowed(t *testing.T) {
	_, fk, _, url := newTestHub(t)
	c := dial(t, url)

	c.send(protocol.ChannelShell, protocol.MsgExecuteRequest, map[string]any{"code": "ask", "allow_stdin": false})
	c.next(protocol.MsgExecuteReply)
	if fk.lastRequest().Stdin != nil {
		t.Error("stdin offered to a request that does not allow it")
	}
}

func TestDisconnectEndsInput(t *testing.T) {
	_, fk, _, url := newTestHub(t)
	c := dial(t, url)

	c.send(protocol.ChannelShell, protocol.MsgExecuteRequest, protocol.ExecuteRequest{Code: "ask", AllowStdin: true})
	c.next(protocol.MsgInputRequest)
	c.conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		fk.mu.Lock()
		err := fk.inputErr
		fk.mu.Unlock()
		if err != nil {
			if !errors.Is(err, kernel.ErrNoInput) {
				t.Errorf("got %v, want ErrNoInput", err)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("input request not ended by disconnect")
}

func TestControlNotBlockedByExecute(t *testing.T) {
	_, _, _, url := newTestHub(t)
	c := dial(t, url)

	c.send(protocol.ChannelShell, protocol.MsgExecuteRequest, protocol.ExecuteRequest{Code: "block"})
	c.send(protocol.ChannelControl, protocol.MsgInterruptRequest, map[string]any{})

	if r := c.next(protocol.MsgInterruptReply); r.Channel != protocol.ChannelControl {
		t.Errorf("interrupt reply on %q", r.Channel)
	}
	reply, _ := protocol.DecodeContent[protocol.ExecuteReply](c.next(protocol.MsgExecuteReply))
	if reply.EName != "Interrupt" {
		t.Errorf("execute reply: got %+v", reply)
	}
}

func TestIOPubFanOut(t *testing.T) {
	hub, _, bus, url := newTestHub(t)
	a := dial(t, url)
	b := dial(t, url)

	deadline := time.Now().Add(5 * time.Second)
	for hub.Clients() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	parent := &protocol.Header{MsgID: "req-9", Session: "client-session"}
	bus.Publish(events.NewReplyEvent(events.SourceKernel, events.StreamPayload{Name: "stdout", Text: "out\n"}, parent))

	for _, c := range []*testClient{a, b} {
		msg := c.next(protocol.MsgStream)
		if msg.Channel != protocol.ChannelIOPub || msg.ParentHeader.MsgID != "req-9" {
			t.Errorf("iopub envelope: channel %q parent %q", msg.Channel, msg.ParentHeader.MsgID)
		}
	}
}

func TestCommOpenOverShell(t *testing.T) {
	_, fk, _, url := newTestHub(t)
	c := dial(t, url)

	fk.comms.Register("echo", echoTarget{})
	c.send(protocol.ChannelShell, protocol.MsgCommOpen, protocol.CommOpen{CommID: "c1", TargetName: "echo"})
	c.send(protocol.ChannelShell, protocol.MsgCommInfoRequest, protocol.CommInfoRequest{})

	info, _ := protocol.DecodeContent[protocol.CommInfoReply](c.next(protocol.MsgCommInfoReply))
	if info.Comms["c1"].TargetName != "echo" {
		t.Errorf("comms: got %+v", info.Comms)
	}

	// Unknown targets are closed again.
	c.send(protocol.ChannelShell, protocol.MsgCommOpen, protocol.CommOpen{CommID: "c2", TargetName: "nope"})
	closed, _ := protocol.DecodeContent[protocol.CommClose](c.next(protocol.MsgCommClose))
	if closed.CommID != "c2" {
		t.Errorf("comm_close: got %+v", closed)
	}
}

type echoTarget struct{}

func (echoTarget) Opened(ctx context.Context, c *comm.Comm, data map[string]any) error { return nil }
func (echoTarget) Message(ctx context.Context, c *comm.Comm, data map[string]any) error {
	return c.Send(ctx, data)
}
func (echoTarget) Closed(c *comm.Comm) {}
