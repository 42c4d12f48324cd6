package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/rjeczalik/notify"
)

// EventKind is the normalized change-notification event type.
type EventKind string

const (
	EventCreated  EventKind = "created"
	EventModified EventKind = "modified"
	EventDeleted  EventKind = "deleted"
	EventRenamed  EventKind = "renamed"
)

// FileEvent is one normalized filesystem change.
type FileEvent struct {
	Path string
	Kind EventKind
}

func eventKind(e notify.Event) EventKind {
	switch e {
	case notify.Create:
		return EventCreated
	case notify.Remove:
		return EventDeleted
	case notify.Rename:
		return EventRenamed
	}
	return EventModified
}

// DedupeEvents keeps only the last event per path, preserving the order in
// which each path's final event arrived. Pure so the collapse behavior is
// testable without a watcher.
func DedupeEvents(events []FileEvent) []FileEvent {
	last := make(map[string]int, len(events))
	for i, ev := range events {
		last[ev.Path] = i
	}

	out := make([]FileEvent, 0, len(last))
	for i, ev := range events {
		if last[ev.Path] == i {
			out = append(out, ev)
		}
	}
	return out
}

// ChangeIntake merges the periodic timer and the watcher event stream into
// coalesced pass requests. A burst of file events triggers one pass once the
// window closes; timer passes are suppressed on a metered connection.
type ChangeIntake struct {
	interval time.Duration
	window   time.Duration
	events   <-chan notify.EventInfo
	metered  MeteredFunc

	requests chan []FileEvent
}

func NewChangeIntake(interval, window time.Duration, events <-chan notify.EventInfo, metered MeteredFunc) *ChangeIntake {
	if metered == nil {
		metered = func() bool { return false }
	}
	return &ChangeIntake{
		interval: interval,
		window:   window,
		events:   events,
		metered:  metered,
		requests: make(chan []FileEvent, 1),
	}
}

// Requests delivers one batch of deduplicated events per triggered pass. A
// timer-triggered pass arrives as an empty batch.
func (ci *ChangeIntake) Requests() <-chan []FileEvent {
	return ci.requests
}

// Run pumps triggers until the context ends. Uses a timer rather than a
// ticker so a slow pass never faces a queue of stale ticks.
func (ci *ChangeIntake) Run(ctx context.Context) {
	timer := time.NewTimer(ci.interval)
	defer timer.Stop()

	var pending []FileEvent
	var windowTimer *time.Timer
	var windowC <-chan time.Time

	flush := func() {
		if len(pending) == 0 {
			return
		}
		batch := DedupeEvents(pending)
		pending = nil
		windowC = nil
		ci.send(batch)
	}

	for {
		select {
		case <-ctx.Done():
			if windowTimer != nil {
				windowTimer.Stop()
			}
			return

		case <-timer.C:
			if ci.metered() {
				slog.Debug("sync trigger suppressed on metered connection")
			} else {
				ci.send(nil)
			}
			timer.Reset(ci.interval)

		case ev, ok := <-ci.events:
			if !ok {
				flush()
				return
			}
			pending = append(pending, FileEvent{Path: ev.Path(), Kind: eventKind(ev.Event())})
			// restart the debounce window on every new event
			if windowTimer != nil {
				windowTimer.Stop()
			}
			windowTimer = time.NewTimer(ci.window)
			windowC = windowTimer.C

		case <-windowC:
			flush()
		}
	}
}

// send coalesces: if a request is already waiting, merge into it rather
// than queueing a second pass.
func (ci *ChangeIntake) send(batch []FileEvent) {
	select {
	case ci.requests <- batch:
	default:
		select {
		case waiting := <-ci.requests:
			merged := DedupeEvents(append(waiting, batch...))
			select {
			case ci.requests <- merged:
			default:
			}
		default:
			select {
			case ci.requests <- batch:
			default:
			}
		}
	}
}
