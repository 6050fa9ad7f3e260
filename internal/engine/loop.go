package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// Loop is the single execution context a view runs on. Every state
// transition (user commands, fetch results, coalesced pushes) is posted here
// and executed in order on one goroutine, so view state needs no locking.
type Loop struct {
	inbox    chan func()
	quit     chan struct{}

	// Notify path: never blocks the caller, whatever the inbox holds.
	wake     chan struct{}
	notifyMu sync.Mutex
	notified []func()

	exited   chan struct{}
	stopOnce sync.Once

	// Post-mortem support
	dumpFile string
	dump     func() any
}

// NewLoop creates a loop with a buffered inbox.
func NewLoop(inboxSize int) *Loop {
	return &Loop{
		inbox:    make(chan func(), inboxSize),
		quit:     make(chan struct{}),
		wake:     make(chan struct{}, 1),
		exited:   make(chan struct{}),
		dumpFile: "panic_dump.json",
	}
}

// SetStateDump registers the state written to file if a task panics.
func (l *Loop) SetStateDump(filename string, dump func() any) {
	l.dumpFile = filename
	l.dump = dump
}

// Post enqueues fn, waiting for inbox space. It returns false once the loop
// is stopping.
func (l *Loop) Post(fn func()) bool {
	return l.PostContext(context.Background(), fn)
}

// PostContext is Post that also gives up when ctx is done.
func (l *Loop) PostContext(ctx context.Context, fn func()) bool {
	select {
	case <-l.quit:
		return false
	default:
	}

	select {
	case l.inbox <- fn:
		return true
	case <-l.quit:
		return false
	case <-ctx.Done():
		return false
	}
}

// Notify schedules fn without ever blocking, even with a full inbox. Feed
// reader goroutines use it: the loop may be waiting for them to exit.
// Tasks posted before Notify was called run before fn.
func (l *Loop) Notify(fn func()) bool {
	select {
	case <-l.quit:
		return false
	default:
	}

	l.notifyMu.Lock()
	l.notified = append(l.notified, fn)
	l.notifyMu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Run executes posted tasks until ctx is done or Stop is called.
// This MUST be run in a single goroutine.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.exited)
	defer func() {
		if r := recover(); r != nil {
			// The view freezes in its last state; the process keeps serving.
			slog.Error("CRITICAL_PANIC_DETECTED", slog.Any("panic", r))
			l.DumpState()
			l.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			l.Stop()
			return
		case <-l.quit:
			return
		case fn := <-l.inbox:
			fn()
		case <-l.wake:
			l.runNotified()
		}
	}
}

func (l *Loop) runNotified() {
	// Inbox tasks queued ahead of the notification keep their order.
	for n := len(l.inbox); n > 0; n-- {
		select {
		case <-l.quit:
			return
		default:
		}
		fn := <-l.inbox
		fn()
	}

	l.notifyMu.Lock()
	batch := l.notified
	l.notified = nil
	l.notifyMu.Unlock()

	for _, fn := range batch {
		select {
		case <-l.quit:
			return
		default:
		}
		fn()
	}
}

// Stop asks the loop to exit. Tasks still queued are dropped.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.quit) })
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.exited
}

// DumpState writes the registered state to a file (for post-mortem).
func (l *Loop) DumpState() {
	if l.dump == nil {
		return
	}
	slog.Info("Dumping internal state...", slog.String("file", l.dumpFile))

	b, err := json.MarshalIndent(l.dump(), "", "  ")
	if err != nil {
		slog.Error("Failed to marshal state", slog.Any("error", err))
		return
	}

	if err := os.WriteFile(l.dumpFile, b, 0644); err != nil {
		slog.Error("Failed to write state dump", slog.Any("error", fmt.Errorf("dump %s: %w", l.dumpFile, err)))
	}
}
