package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultDebounceWindow is how long the worker waits for a burst of messages
// to go quiet before running the pipeline once over all of them.
const DefaultDebounceWindow = 5 * time.Second

// FlushFunc processes one coalesced message block for a conversation.
type FlushFunc func(ctx context.Context, conversationID, text string) error

// Debouncer coalesces per-conversation message bursts and serializes
// pipeline runs. Each conversation owns a buffer, a timer, and a run lock;
// every arrival re-arms the timer, and the flush joins the buffered parts in
// arrival order. At most one flush per conversation is ever in flight, and
// the scheduler shares the same run lock through RunSerialized.
type Debouncer struct {
	window time.Duration
	flush  FlushFunc
	gauge  func(buffered int)

	// OnDrop, when set, is invoked with the conversation id after a
	// coalesced block is dropped on the second flush failure. Set before
	// the first Enqueue.
	OnDrop func(conversationID string)

	mu      sync.Mutex
	entries map[string]*debounceEntry

	// base context for timer-initiated flushes; enqueue contexts are long
	// gone by the time the window closes.
	base context.Context
}

type debounceEntry struct {
	parts   []string
	timer   *time.Timer
	retried bool
	refs    int
	run     sync.Mutex
}

// NewDebouncer builds a debouncer. window <= 0 uses the default; gauge may be
// nil.
func NewDebouncer(base context.Context, window time.Duration, flush FlushFunc, gauge func(int)) *Debouncer {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	if base == nil {
		base = context.Background()
	}
	return &Debouncer{
		window:  window,
		flush:   flush,
		gauge:   gauge,
		entries: make(map[string]*debounceEntry),
		base:    base,
	}
}

// Enqueue buffers text for a conversation and re-arms its window.
func (d *Debouncer) Enqueue(conversationID, text string) {
	d.mu.Lock()
	entry := d.getOrCreateLocked(conversationID)
	entry.parts = append(entry.parts, text)
	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.timer = time.AfterFunc(d.window, func() { d.fire(conversationID) })
	d.reportLocked()
	d.mu.Unlock()
}

// RunSerialized executes fn under the conversation's run lock without
// touching its buffer. The scheduler uses this so a follow-up can never
// interleave with an in-flight inbound pipeline run.
func (d *Debouncer) RunSerialized(conversationID string, fn func()) {
	d.mu.Lock()
	entry := d.acquireLocked(conversationID)
	d.mu.Unlock()

	entry.run.Lock()
	fn()
	entry.run.Unlock()

	d.mu.Lock()
	d.releaseLocked(conversationID, entry)
	d.mu.Unlock()
}

// Buffered reports how many conversations currently hold unflushed text.
func (d *Debouncer) Buffered() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, entry := range d.entries {
		if len(entry.parts) > 0 {
			n++
		}
	}
	return n
}

// fire drains the buffer and runs the flush under the run lock. A failed
// flush re-buffers the drained text once; a second failure drops it.
func (d *Debouncer) fire(conversationID string) {
	d.mu.Lock()
	entry, ok := d.entries[conversationID]
	if !ok || len(entry.parts) == 0 {
		d.mu.Unlock()
		return
	}
	text := joinParts(entry.parts)
	wasRetry := entry.retried
	entry.parts = nil
	entry.refs++
	d.reportLocked()
	d.mu.Unlock()

	entry.run.Lock()
	err := d.flush(d.base, conversationID, text)
	entry.run.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil && !wasRetry {
		slog.Warn("debounce flush failed, requeueing once",
			"conversation_id", conversationID, "error", err)
		entry.retried = true
		entry.parts = append([]string{text}, entry.parts...)
		entry.timer = time.AfterFunc(d.window, func() { d.fire(conversationID) })
	} else {
		if err != nil {
			slog.Error("debounce flush failed after retry, dropping",
				"conversation_id", conversationID, "error", err)
			if d.OnDrop != nil {
				go d.OnDrop(conversationID)
			}
		}
		entry.retried = false
	}
	d.releaseLocked(conversationID, entry)
	d.reportLocked()
}

func (d *Debouncer) getOrCreateLocked(conversationID string) *debounceEntry {
	entry, ok := d.entries[conversationID]
	if !ok {
		entry = &debounceEntry{}
		d.entries[conversationID] = entry
	}
	return entry
}

// acquireLocked pins the entry for an in-flight operation so it cannot be
// dropped from the map while its run lock is held.
func (d *Debouncer) acquireLocked(conversationID string) *debounceEntry {
	entry := d.getOrCreateLocked(conversationID)
	entry.refs++
	return entry
}

func (d *Debouncer) releaseLocked(conversationID string, entry *debounceEntry) {
	entry.refs--
	if entry.refs <= 0 && len(entry.parts) == 0 {
		delete(d.entries, conversationID)
	}
}

func (d *Debouncer) reportLocked() {
	if d.gauge == nil {
		return
	}
	n := 0
	for _, entry := range d.entries {
		if len(entry.parts) > 0 {
			n++
		}
	}
	d.gauge(n)
}

func joinParts(parts []string) string {
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += "\n" + p
	}
	return out
}
