package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/dohr-michael/shellkernel/internal/events"
	"github.com/dohr-michael/shellkernel/internal/protocol"
)

// scriptedKernel answers one execute_request: it asks for input, echoes the
// answer on stdout, then replies and goes idle.
func scriptedKernel(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()

		var req protocol.Message
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}
		send := func(channel protocol.Channel, msgType string, content any) {
			m, _ := protocol.NewMessage(channel, msgType, req.Header.Session, &req.Header, content)
			wsjson.Write(ctx, conn, m)
		}

		// Unrelated traffic is skipped by the client.
		other, _ := protocol.NewMessage(protocol.ChannelIOPub, protocol.MsgStream, "x", &protocol.Header{MsgID: "other"}, events.StreamPayload{Name: "stdout", Text: "noise"})
		wsjson.Write(ctx, conn, other)

		send(protocol.ChannelIOPub, protocol.MsgStatus, events.StatusPayload{ExecutionState: protocol.StateBusy})
		send(protocol.ChannelStdin, protocol.MsgInputRequest, protocol.InputRequest{Prompt: "Name? "})

		var answer protocol.Message
		if err := wsjson.Read(ctx, conn, &answer); err != nil {
			return
		}
		in, _ := protocol.DecodeContent[protocol.InputReply](&answer)
		send(protocol.ChannelIOPub, protocol.MsgStream, events.StreamPayload{Name: "stdout", Text: "hi " + in.Value + "\n"})
		send(protocol.ChannelShell, protocol.MsgExecuteReply, protocol.ExecuteReply{Status: protocol.StatusOK, ExecutionCount: 1})
		send(protocol.ChannelIOPub, protocol.MsgStatus, events.StatusPayload{ExecutionState: protocol.StateIdle})

		// Wait for the client to hang up.
		conn.Read(ctx)
	}))
}

func TestExecute(t *testing.T) {
	srv := scriptedKernel(t)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	var prompts []string
	var out strings.Builder
	reply, err := c.Execute("read name; echo hi $name",
		func(req protocol.InputRequest) (string, error) {
			prompts = append(prompts, req.Prompt)
			return "bob", nil
		},
		func(msg *protocol.Message) {
			if msg.Type() == protocol.MsgStream {
				p, _ := protocol.DecodeContent[events.StreamPayload](msg)
				out.WriteString(p.Text)
			}
		})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if reply.Status != protocol.StatusOK || reply.ExecutionCount != 1 {
		t.Errorf("reply: got %+v", reply)
	}
	if len(prompts) != 1 || prompts[0] != "Name? " {
		t.Errorf("prompts: got %v", prompts)
	}
	if out.String() != "hi bob\n" {
		t.Errorf("output: got %q", out.String())
	}
}

func TestExecuteWithoutInput(t *testing.T) {
	srv := scriptedKernel(t)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	var out strings.Builder
	_, err = c.Execute("read name", nil, func(msg *protocol.Message) {
		p, _ := protocol.DecodeContent[events.StreamPayload](msg)
		out.WriteString(p.Text)
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.String() != "hi \n" {
		t.Errorf("output: got %q", out.String())
	}
}
