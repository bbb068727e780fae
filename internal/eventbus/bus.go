// Package eventbus carries in-process hints between the dispatcher's
// components. Nothing on the bus is authoritative; state that must survive
// lives in the store.
package eventbus

import (
	"sync"
	"time"
)

const (
	// TypeChangesAppended wakes the change feed after a local write.
	TypeChangesAppended = "store.changes_appended"

	TypeTaskFinished = "task.finished"
	TypeTaskFailed   = "task.failed"
	TypeTaskDropped  = "task.dropped"
	TypeTaskSkipped  = "task.skipped"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus fans events out to subscribers. Publish never blocks; a subscriber
// whose buffer is full misses the event.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

func New() Bus { return &fanout{} }

type fanout struct {
	mu   sync.RWMutex
	subs []chan Event
}

func (f *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Holding the read lock keeps unsubscribe from closing a channel
	// mid-send.
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (f *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			for i, c := range f.subs {
				if c == ch {
					f.subs = append(f.subs[:i], f.subs[i+1:]...)
					break
				}
			}
			f.mu.Unlock()
			close(ch)
		})
	}
}
