// Package storage persists kernel broadcast traffic.
package storage

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/dohr-michael/shellkernel/internal/events"
)

// unsafeName matches characters not allowed in a log file name.
var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// EventLogger persists bus events to JSONL files, one file per client
// session. Events without a parent go to _kernel.jsonl.
type EventLogger struct {
	dir  string
	skip map[events.EventType]bool

	unsubscribe func()
	done        chan struct{}
	closeOnce   sync.Once
}

// NewEventLogger subscribes to bus and writes events to dir. Events of the
// skipped types are not written.
func NewEventLogger(dir string, bus *events.Bus, bufSize int, skip ...events.EventType) *EventLogger {
	el := &EventLogger{
		dir:  dir,
		skip: make(map[events.EventType]bool, len(skip)),
		done: make(chan struct{}),
	}
	for _, t := range skip {
		el.skip[t] = true
	}

	ch, unsubscribe := bus.SubscribeChan(bufSize)
	el.unsubscribe = unsubscribe
	go el.run(ch)
	return el
}

// Close unsubscribes the logger and waits for pending writes.
func (el *EventLogger) Close() {
	el.closeOnce.Do(func() {
		el.unsubscribe()
		<-el.done
	})
}

func (el *EventLogger) run(ch <-chan events.Event) {
	defer close(el.done)
	for e := range ch {
		if el.skip[e.Type] {
			continue
		}
		if err := el.writeEvent(e); err != nil {
			slog.Warn("event log write failed", "type", e.Type, "error", err)
		}
	}
}

func (el *EventLogger) writeEvent(e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	path := el.logPath(e)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(data)
	return err
}

func (el *EventLogger) logPath(e events.Event) string {
	if e.Parent == nil || e.Parent.Session == "" {
		return filepath.Join(el.dir, "_kernel.jsonl")
	}
	return filepath.Join(el.dir, unsafeName.ReplaceAllString(e.Parent.Session, "_")+".jsonl")
}
