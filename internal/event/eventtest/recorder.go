// Package eventtest provides an in-memory event.Publisher for tests.
package eventtest

import (
	"context"
	"sync"

	"github.com/k11v/pipetrack/internal/event"
)

var _ event.Publisher = (*Recorder)(nil)

// Recorder records published events. If Err is set, Publish fails with it
// and records nothing.
type Recorder struct {
	Err error

	mu     sync.Mutex
	events []event.Event
}

func (r *Recorder) Publish(_ context.Context, e event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of the recorded events in publish order.
func (r *Recorder) Events() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Event(nil), r.events...)
}

// Filter returns the recorded events of type T.
func Filter[T event.Event](r *Recorder) []T {
	var filtered []T
	for _, e := range r.Events() {
		if t, ok := e.(T); ok {
			filtered = append(filtered, t)
		}
	}
	return filtered
}
