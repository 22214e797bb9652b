// Package fanout implements the broadcast registry of §4.H: a set of
// outbound channels, one per connected client session, fed by graph
// updates. The registry never blocks a publisher — a full subscriber
// channel drops that one message and logs a warning.
package fanout

import "sync"

// Logger is the minimal logging surface the registry needs.
type Logger interface {
	Warn(msg any, keyvals ...any)
}

// Registry holds the set of subscriber channels under a reader/writer
// lock, per §5's shared-resource model.
type Registry struct {
	mu   sync.RWMutex
	subs map[chan<- []byte]string // channel -> subscriber id, for logging
	log  Logger
}

// New returns an empty registry.
func New(log Logger) *Registry {
	return &Registry{subs: make(map[chan<- []byte]string), log: log}
}

// Subscribe registers ch under id and returns an Unsubscribe func.
func (r *Registry) Subscribe(id string, ch chan<- []byte) (unsubscribe func()) {
	r.mu.Lock()
	r.subs[ch] = id
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.subs, ch)
		r.mu.Unlock()
	}
}

// Broadcast sends payload to every subscriber. A subscriber whose channel
// is full has the message dropped for it; the registry continues to the
// rest and never blocks.
func (r *Registry) Broadcast(payload []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for ch, id := range r.subs {
		select {
		case ch <- payload:
		default:
			if r.log != nil {
				r.log.Warn("dropping broadcast message, subscriber outbox full", "subscriber", id)
			}
		}
	}
}

// Count reports the number of active subscribers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
