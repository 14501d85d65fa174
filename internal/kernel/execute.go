package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dohr-michael/shellkernel/internal/console"
	"github.com/dohr-michael/shellkernel/internal/events"
	"github.com/dohr-michael/shellkernel/internal/protocol"
)

// Request is one execute request.
type Request struct {
	Code         string
	Silent       bool
	StoreHistory bool
	AllowStdin   bool
	// Parent is the header of the client message, used to tag every event
	// the request produces.
	Parent *protocol.Header
	// Originator identifies the client, for logging.
	Originator string
	// Stdin reaches the originating client; nil when there is none.
	Stdin Stdin
}

// Execute runs req, waiting for any request in flight to finish first.
func (k *Kernel) Execute(ctx context.Context, req Request) (protocol.ExecuteReply, error) {
	if !k.started.Load() {
		return protocol.ExecuteReply{}, ErrNotStarted
	}
	select {
	case k.exec <- struct{}{}:
	case <-k.done:
		return protocol.ExecuteReply{}, ErrExited
	case <-ctx.Done():
		return protocol.ExecuteReply{}, ctx.Err()
	}
	defer func() { <-k.exec }()
	return k.execute(ctx, req)
}

// TryExecute runs req, or fails with ErrBusy if a request is in flight.
func (k *Kernel) TryExecute(ctx context.Context, req Request) (protocol.ExecuteReply, error) {
	if !k.started.Load() {
		return protocol.ExecuteReply{}, ErrNotStarted
	}
	select {
	case k.exec <- struct{}{}:
	default:
		return protocol.ExecuteReply{}, ErrBusy
	}
	defer func() { <-k.exec }()
	return k.execute(ctx, req)
}

func (k *Kernel) execute(ctx context.Context, req Request) (reply protocol.ExecuteReply, err error) {
	select {
	case <-k.done:
		return protocol.ExecuteReply{}, ErrExited
	default:
	}

	ctx = events.ContextWithParent(ctx, req.Parent)
	log := slog.With("originator", req.Originator, "silent", req.Silent, "store_history", req.StoreHistory)

	k.setState(StateBusy)
	k.publish(ctx, events.StatusPayload{ExecutionState: protocol.StateBusy})
	defer func() {
		k.setState(StateIdle)
		k.publish(ctx, events.StatusPayload{ExecutionState: protocol.StateIdle})
	}()

	count, err := k.admit(ctx, req)
	if err != nil {
		log.Warn("execute request abandoned", "error", err)
		return protocol.ExecuteReply{}, err
	}
	log.Debug("execute request admitted", "execution_count", count)

	if err := k.console.Send(ctx, console.Input{Text: req.Code}); err != nil {
		k.finish()
		if errors.Is(err, console.ErrClosed) {
			return k.exitedReply(count), nil
		}
		return protocol.ExecuteReply{}, fmt.Errorf("inject code: %w", err)
	}

	reply = k.await(ctx, req, count)
	k.vars.Changed()
	log.Debug("execute request finished", "status", reply.Status, "execution_count", reply.ExecutionCount)
	return reply, nil
}

// admit performs the side effects that precede injection while holding the
// arbiter: counting, echoing the input and recording it in history.
func (k *Kernel) admit(ctx context.Context, req Request) (int, error) {
	g, err := k.arb.Lock(ctx, "execute")
	if err != nil {
		return 0, fmt.Errorf("acquire interpreter: %w", err)
	}
	defer g.Unlock()

	k.mu.Lock()
	k.current = &execution{parent: req.Parent}
	k.mu.Unlock()

	if req.StoreHistory {
		k.count.Add(1)
	}
	count := int(k.count.Load())

	if !req.Silent {
		k.publish(ctx, events.ExecuteInputPayload{Code: req.Code, ExecutionCount: count})
	}
	if req.StoreHistory && k.hist != nil {
		if err := k.hist.Append(ctx, count, req.Code); err != nil {
			slog.Warn("history not recorded", "execution_count", count, "error", err)
		}
	}
	return count, nil
}

// await applies the prompt decision until the request reaches a terminal
// state. It ignores ctx cancellation: an injected request always runs to its
// next top-level or continuation prompt.
func (k *Kernel) await(ctx context.Context, req Request, count int) protocol.ExecuteReply {
	var info console.PromptInfo
	select {
	case info = <-k.console.Prompts():
	case <-k.done:
		k.finish()
		return k.exitedReply(count)
	}

	for {
		switch {
		case info.Incomplete:
			k.setState(StateReportingIncomplete)
			k.finish()
			return protocol.ExecuteReply{
				Status:          protocol.StatusIncomplete,
				ExecutionCount:  count,
				UserExpressions: map[string]any{},
				Payload:         []any{},
			}

		case info.UserRequest:
			k.setState(StateRequestingInput)
			next, exited := k.requestInput(ctx, req, info)
			if exited {
				k.finish()
				return k.exitedReply(count)
			}
			k.setState(StateBusy)
			info = next

		default:
			k.setState(StateFinishing)
			return k.finishReply(ctx, req, count)
		}
	}
}

// requestInput forwards a user input request to the originating client and
// feeds the answer to the interpreter, returning the prompt that follows.
func (k *Kernel) requestInput(ctx context.Context, req Request, info console.PromptInfo) (console.PromptInfo, bool) {
	askCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	answer := make(chan console.Input, 1)
	go func() { answer <- k.ask(askCtx, req, info) }()

	select {
	case in := <-answer:
		// The interpreter may have left the read in the meantime.
		select {
		case next := <-k.console.Prompts():
			slog.Debug("input reply arrived after the read ended", "prompt", next.Prompt)
			return next, false
		default:
		}
		if err := k.console.Send(context.WithoutCancel(ctx), in); err != nil {
			return console.PromptInfo{}, true
		}
	case next := <-k.console.Prompts():
		return next, false
	case <-k.done:
		return console.PromptInfo{}, true
	}

	select {
	case next := <-k.console.Prompts():
		return next, false
	case <-k.done:
		return console.PromptInfo{}, true
	}
}

// ask returns the client's answer, or an end of input when there is no one
// to ask or the client has no more input.
func (k *Kernel) ask(ctx context.Context, req Request, info console.PromptInfo) console.Input {
	if !req.AllowStdin || req.Stdin == nil {
		slog.Info("input requested but the client does not accept it", "prompt", info.Prompt, "originator", req.Originator)
		return console.Input{EOF: true}
	}
	value, err := req.Stdin.RequestInput(ctx, req.Parent, protocol.InputRequest{Prompt: info.Prompt, Password: info.Password})
	if err != nil {
		slog.Info("no input from client", "prompt", info.Prompt, "originator", req.Originator, "error", err)
		return console.Input{EOF: true}
	}
	return console.Input{Text: value}
}

// finishReply publishes the result and error of a finished request and
// builds its reply.
func (k *Kernel) finishReply(ctx context.Context, req Request, count int) protocol.ExecuteReply {
	x := k.finish()
	reply := protocol.ExecuteReply{
		Status:          protocol.StatusOK,
		ExecutionCount:  count,
		UserExpressions: map[string]any{},
		Payload:         []any{},
	}

	if x.hasResult && !req.Silent {
		k.publish(ctx, events.ExecuteResultPayload{
			ExecutionCount: count,
			Data:           map[string]any{"text/plain": x.result},
			Metadata:       map[string]any{},
		})
	}
	if f := x.failure; f != nil {
		traceback := f.Traceback
		if traceback == nil {
			traceback = []string{f.Message}
		}
		if !req.Silent {
			k.publish(ctx, events.ErrorPayload{EName: f.Name, EValue: f.Message, Traceback: traceback})
		}
		reply.Status = protocol.StatusError
		reply.EName = f.Name
		reply.EValue = f.Message
		reply.Traceback = traceback
	}
	return reply
}

// finish detaches the current execution.
func (k *Kernel) finish() *execution {
	k.mu.Lock()
	defer k.mu.Unlock()
	x := k.current
	k.current = nil
	if x == nil {
		x = &execution{}
	}
	return x
}

func (k *Kernel) exitedReply(count int) protocol.ExecuteReply {
	return protocol.ExecuteReply{
		Status:          protocol.StatusError,
		ExecutionCount:  count,
		UserExpressions: map[string]any{},
		Payload:         []any{},
		EName:           "KernelExited",
		EValue:          ErrExited.Error(),
		Traceback:       []string{ErrExited.Error()},
	}
}
