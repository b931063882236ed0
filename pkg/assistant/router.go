package assistant

import (
	"encoding/json"
	"sync"

	"tradeassist/gateway/internal/model"
	"tradeassist/gateway/pkg/logger"
)

// Handler receives decoded wire messages.
type Handler func(msg model.Message)

// Router decodes inbound frames into typed messages and fans them out to
// registered handlers. Frames that do not decode are dropped with a
// diagnostic; a panicking handler never blocks delivery to the rest;
// delivery order is registration order.
type Router struct {
	mu     sync.Mutex
	subs   []*subscriber
	nextID int

	log *logger.Logger
}

type subscriber struct {
	id    int
	types map[model.MessageType]bool // nil means all types
	fn    Handler
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{
		log: logger.Component("router"),
	}
}

// Subscribe registers a handler for every message and returns its
// subscription id.
func (r *Router) Subscribe(fn Handler) int {
	return r.add(fn, nil)
}

// SubscribeTypes registers a handler for the given message types only.
func (r *Router) SubscribeTypes(fn Handler, types ...model.MessageType) int {
	filter := make(map[model.MessageType]bool, len(types))
	for _, t := range types {
		filter[t] = true
	}
	return r.add(fn, filter)
}

func (r *Router) add(fn Handler, filter map[model.MessageType]bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.subs = append(r.subs, &subscriber{id: r.nextID, types: filter, fn: fn})
	return r.nextID
}

// Unsubscribe removes a handler by subscription id. Unknown ids are
// ignored so teardown code can be unconditional.
func (r *Router) Unsubscribe(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.subs {
		if s.id == id {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			return
		}
	}
}

// Dispatch decodes a raw frame and delivers it. Malformed frames are
// dropped here; they must never take down the connection or reach
// handlers half-parsed.
func (r *Router) Dispatch(frame []byte) {
	var msg model.Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		r.log.Warnf("Dropping malformed frame (%d bytes): %v", len(frame), err)
		return
	}
	if msg.Type == "" {
		r.log.Warnf("Dropping frame without a type (%d bytes)", len(frame))
		return
	}
	r.Deliver(msg)
}

// Deliver fans a decoded message out to matching handlers in
// registration order.
func (r *Router) Deliver(msg model.Message) {
	r.mu.Lock()
	subs := make([]*subscriber, len(r.subs))
	copy(subs, r.subs)
	r.mu.Unlock()

	for _, s := range subs {
		if s.types != nil && !s.types[msg.Type] {
			continue
		}
		r.invoke(s, msg)
	}
}

// invoke isolates a single handler call so one panic cannot starve the
// remaining handlers.
func (r *Router) invoke(s *subscriber, msg model.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Errorf("Handler %d panicked on %s message: %v", s.id, msg.Type, rec)
		}
	}()
	s.fn(msg)
}
