// Package subscribe fans a database's mutation events out to labeled
// callbacks, coalescing bursts with a trailing debounce. No debounce
// library appears anywhere in the example corpus this database was
// grounded on, so this one piece is built directly on time.Timer rather
// than an ecosystem dependency (see DESIGN.md).
package subscribe

import (
	"sync"
	"time"
)

// DefaultInterval is the trailing debounce window applied when a
// registry is created without an explicit interval.
const DefaultInterval = 250 * time.Millisecond

// Registry holds a set of labeled callbacks and delivers each Notify to
// all of them, debounced.
type Registry struct {
	mu        sync.Mutex
	interval  time.Duration
	listeners map[string]*debouncer
}

// New creates a Registry whose callbacks fire at most once per interval
// of trailing quiet time. interval <= 0 selects DefaultInterval.
func New(interval time.Duration) *Registry {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Registry{
		interval:  interval,
		listeners: map[string]*debouncer{},
	}
}

// Subscribe registers fn under label, replacing any previous callback
// with the same label. It returns a function that unregisters fn.
func (r *Registry) Subscribe(label string, fn func(interface{})) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.listeners[label]; ok {
		old.stop()
	}
	d := newDebouncer(r.interval, fn)
	r.listeners[label] = d
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if cur, ok := r.listeners[label]; ok && cur == d {
			cur.stop()
			delete(r.listeners, label)
		}
	}
}

// Notify schedules every registered callback to run with payload after
// the debounce window elapses, coalescing any Notify calls that arrive
// before the window fires.
func (r *Registry) Notify(payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.listeners {
		d.schedule(payload)
	}
}

// Close stops every pending debounce timer without firing it.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for label, d := range r.listeners {
		d.stop()
		delete(r.listeners, label)
	}
}

type debouncer struct {
	interval time.Duration
	fn       func(interface{})

	mu      sync.Mutex
	timer   *time.Timer
	pending interface{}
	stopped bool
}

func newDebouncer(interval time.Duration, fn func(interface{})) *debouncer {
	return &debouncer{interval: interval, fn: fn}
}

func (d *debouncer) schedule(payload interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.pending = payload
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.interval, d.fire)
}

func (d *debouncer) fire() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	payload := d.pending
	d.mu.Unlock()
	d.fn(payload)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
}
