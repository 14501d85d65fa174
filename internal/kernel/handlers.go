package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/dohr-michael/shellkernel/internal/history"
	"github.com/dohr-michael/shellkernel/internal/protocol"
	"github.com/dohr-michael/shellkernel/internal/shell"
)

// Language describes the language the kernel runs.
func Language() protocol.LanguageInfo {
	return protocol.LanguageInfo{
		Name:           "bash",
		MimeType:       "text/x-sh",
		FileExtension:  ".sh",
		PygmentsLexer:  "bash",
		CodemirrorMode: "shell",
	}
}

// KernelInfo describes the kernel and its language.
func (k *Kernel) KernelInfo() protocol.KernelInfoReply {
	return protocol.KernelInfoReply{
		Status:                protocol.StatusOK,
		ProtocolVersion:       protocol.Version,
		Implementation:        "shellkernel",
		ImplementationVersion: Version,
		LanguageInfo:          Language(),
		Banner: "shellkernel " + Version + ": a POSIX shell and Bash kernel",
		HelpLinks: []protocol.HelpLink{
			{Text: "Bash manual", URL: "https://www.gnu.org/software/bash/manual/"},
		},
	}
}

// IsComplete reports whether code is ready to run. It only parses the code
// and never waits for the interpreter.
func (k *Kernel) IsComplete(req protocol.IsCompleteRequest) protocol.IsCompleteReply {
	switch shell.IsComplete(req.Code) {
	case shell.Complete:
		return protocol.IsCompleteReply{Status: protocol.CodeComplete}
	case shell.Incomplete:
		return protocol.IsCompleteReply{Status: protocol.CodeIncomplete, Indent: "  "}
	default:
		return protocol.IsCompleteReply{Status: protocol.CodeInvalid}
	}
}

// Complete returns the completions at the cursor.
func (k *Kernel) Complete(ctx context.Context, req protocol.CompleteRequest) (protocol.CompleteReply, error) {
	g, err := k.arb.Lock(ctx, "complete")
	if err != nil {
		return protocol.CompleteReply{}, fmt.Errorf("acquire interpreter: %w", err)
	}
	defer g.Unlock()

	cursor := byteOffset(req.Code, req.CursorPos)
	matches, start, end := g.Value().Complete(req.Code, cursor)
	if matches == nil {
		matches = []string{}
	}
	return protocol.CompleteReply{
		Status:      protocol.StatusOK,
		Matches:     matches,
		CursorStart: utf8.RuneCountInString(req.Code[:start]),
		CursorEnd:   utf8.RuneCountInString(req.Code[:end]),
		Metadata:    map[string]any{},
	}, nil
}

// Inspect describes the variable or function under the cursor.
func (k *Kernel) Inspect(ctx context.Context, req protocol.InspectRequest) (protocol.InspectReply, error) {
	name := shell.WordAt(req.Code, byteOffset(req.Code, req.CursorPos))
	reply := protocol.InspectReply{Status: protocol.StatusOK, Data: map[string]any{}, Metadata: map[string]any{}}
	if name == "" {
		return reply, nil
	}

	g, err := k.arb.Lock(ctx, "inspect")
	if err != nil {
		return protocol.InspectReply{}, fmt.Errorf("acquire interpreter: %w", err)
	}
	defer g.Unlock()
	sh := g.Value()

	if v, ok := sh.Lookup(name); ok {
		text := fmt.Sprintf("%s: %s variable\n%s", v.Name, v.Kind, v.Value)
		if req.DetailLevel > 0 {
			text += fmt.Sprintf("\nlength: %d, exported: %t, read-only: %t", v.Length, v.Exported, v.ReadOnly)
		}
		reply.Found = true
		reply.Data["text/plain"] = text
		return reply, nil
	}
	if src, ok := sh.FunctionSource(name); ok {
		reply.Found = true
		reply.Data["text/plain"] = src
	}
	return reply, nil
}

// History queries the input history.
func (k *Kernel) History(ctx context.Context, req protocol.HistoryRequest) (protocol.HistoryReply, error) {
	reply := protocol.HistoryReply{Status: protocol.StatusOK, History: [][]any{}}
	if k.hist == nil {
		return reply, nil
	}

	var (
		entries []history.Entry
		err     error
	)
	switch req.HistAccessType {
	case protocol.HistoryTail, "":
		entries, err = k.hist.Tail(ctx, req.N, req.Unique)
	case protocol.HistoryRange:
		entries, err = k.hist.Range(ctx, req.Session, req.Start, req.Stop)
	case protocol.HistorySearch:
		entries, err = k.hist.Search(ctx, req.Pattern, req.N, req.Unique)
	default:
		return reply, fmt.Errorf("unknown history access type %q", req.HistAccessType)
	}
	if err != nil {
		return reply, err
	}

	for _, e := range entries {
		if req.Output {
			reply.History = append(reply.History, []any{e.Session, e.Line, []any{e.Source, nil}})
		} else {
			reply.History = append(reply.History, []any{e.Session, e.Line, e.Source})
		}
	}
	return reply, nil
}

// Interrupt raises a pending interrupt, as if the process had received
// SIGINT.
func (k *Kernel) Interrupt() protocol.StatusReply {
	slog.Info("interrupt requested")
	k.intr.Raise()
	return protocol.StatusReply{Status: protocol.StatusOK}
}

// Shutdown ends the interpreter loop and waits for it to stop. Restarts are
// left to the process supervisor.
func (k *Kernel) Shutdown(ctx context.Context, req protocol.ShutdownRequest) protocol.ShutdownReply {
	slog.Info("shutdown requested", "restart", req.Restart)
	k.console.Close()
	if k.launched.Load() {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		select {
		case <-k.done:
		case <-ctx.Done():
			slog.Warn("interpreter still running after shutdown request")
			k.cancel()
		}
	}
	return protocol.ShutdownReply{Status: protocol.StatusOK, Restart: req.Restart}
}

// CommInfo lists the open comms.
func (k *Kernel) CommInfo(req protocol.CommInfoRequest) protocol.CommInfoReply {
	return protocol.CommInfoReply{Status: protocol.StatusOK, Comms: k.comms.Info(req.TargetName)}
}

// byteOffset converts a cursor counted in code points to a byte offset.
func byteOffset(code string, cursor int) int {
	if cursor < 0 {
		return len(code)
	}
	offset := 0
	for i := 0; i < cursor && offset < len(code); i++ {
		_, size := utf8.DecodeRuneInString(code[offset:])
		offset += size
	}
	return offset
}
