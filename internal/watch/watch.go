// Package watch turns filesystem activity in a directory into a bounded
// stream of task events. Duplicate bursts are debounced, uninteresting
// files are filtered out, and overload drops events rather than blocking
// the watcher.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"taskdesk/internal/eventlog"
)

// DefaultQueueSize bounds the event channel.
const DefaultQueueSize = 100

// Event is one observed file change worth turning into a task.
type Event struct {
	Path string
	Op   string
	Time time.Time
}

// Filter selects which basenames are interesting. Deny patterns win over
// allow patterns; an empty allow list allows everything.
type Filter struct {
	Allow []string
	Deny  []string
}

// Match applies the filter to a path's basename.
func (f Filter) Match(path string) bool {
	name := filepath.Base(path)

	for _, pattern := range f.Deny {
		if ok, _ := filepath.Match(pattern, name); ok {
			return false
		}
	}
	if len(f.Allow) == 0 {
		return true
	}
	for _, pattern := range f.Allow {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// EventLogger receives journal entries for dropped events.
type EventLogger interface {
	Write(eventType, planID, message string) error
}

// Watcher watches a single directory and publishes filtered, debounced
// events on a bounded channel.
type Watcher struct {
	dir      string
	fsw      *fsnotify.Watcher
	filter   Filter
	debounce *Debouncer
	out      chan Event
	logger   *slog.Logger
	events   EventLogger
	dropped  atomic.Uint64
}

// New builds a watcher over dir. queueSize <= 0 selects the default bound.
// events may be nil.
func New(dir string, filter Filter, debounce *Debouncer, queueSize int, logger *slog.Logger, events EventLogger) (*Watcher, error) {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	return &Watcher{
		dir:      dir,
		fsw:      fsw,
		filter:   filter,
		debounce: debounce,
		out:      make(chan Event, queueSize),
		logger:   logger,
		events:   events,
	}, nil
}

// Events is the bounded output stream.
func (w *Watcher) Events() <-chan Event {
	return w.out
}

// Dropped returns how many events have been discarded under overload.
func (w *Watcher) Dropped() uint64 {
	return w.dropped.Load()
}

// Run consumes filesystem notifications until the context is cancelled.
// Only create and write operations produce events.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", "dir", w.dir, "error", err)

		case fe, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !fe.Has(fsnotify.Create) && !fe.Has(fsnotify.Write) {
				continue
			}
			if !w.filter.Match(fe.Name) {
				continue
			}
			if !w.debounce.Allow(fe.Name) {
				continue
			}
			w.Submit(Event{Path: fe.Name, Op: fe.Op.String(), Time: time.Now().UTC()})
		}
	}
}

// Submit offers an event to the queue without blocking. Under overload the
// event is dropped, counted and journaled; the watcher never stalls.
func (w *Watcher) Submit(evt Event) bool {
	select {
	case w.out <- evt:
		return true
	default:
		n := w.dropped.Add(1)
		w.logger.Warn("event queue full, dropping event", "path", evt.Path, "dropped_total", n)
		if w.events != nil {
			if err := w.events.Write(eventlog.TypeEventDropped, "", evt.Path); err != nil {
				w.logger.Warn("failed to journal dropped event", "error", err)
			}
		}
		return false
	}
}
