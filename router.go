package chatcore

import (
	"log/slog"
	"sync"
)

// Handler receives one inbound envelope.
type Handler func(Envelope)

// Subscription is a registered handler. Keep it to unsubscribe later.
type Subscription struct {
	router *Router
	seq    uint64
	typ    EventType
	h      Handler
}

// Unsubscribe removes the handler. Safe to call more than once and from
// inside a handler.
func (s *Subscription) Unsubscribe() {
	if s != nil && s.router != nil {
		s.router.RemoveListener(s)
	}
}

// Router fans inbound envelopes out to registered handlers. Typed handlers
// are indexed by discriminator; wildcard handlers see every envelope. Both
// kinds run in registration order.
type Router struct {
	mu     sync.RWMutex
	seq    uint64
	all    []*Subscription
	byType map[EventType][]*Subscription
	logger *slog.Logger
}

// NewRouter creates an empty router. A nil logger means slog.Default().
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		byType: make(map[EventType][]*Subscription),
		logger: logger,
	}
}

// AddListener registers h for every non-probe envelope.
func (r *Router) AddListener(h Handler) *Subscription {
	return r.add("", h)
}

// On registers h for envelopes of type t only.
func (r *Router) On(t EventType, h Handler) *Subscription {
	return r.add(t, h)
}

func (r *Router) add(t EventType, h Handler) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	sub := &Subscription{router: r, seq: r.seq, typ: t, h: h}
	if t == "" {
		r.all = append(r.all, sub)
	} else {
		r.byType[t] = append(r.byType[t], sub)
	}
	return sub
}

// RemoveListener unregisters sub.
func (r *Router) RemoveListener(sub *Subscription) {
	if sub == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub.typ == "" {
		r.all = without(r.all, sub)
		return
	}
	list := without(r.byType[sub.typ], sub)
	if len(list) == 0 {
		delete(r.byType, sub.typ)
	} else {
		r.byType[sub.typ] = list
	}
}

func without(list []*Subscription, sub *Subscription) []*Subscription {
	out := make([]*Subscription, 0, len(list))
	for _, s := range list {
		if s != sub {
			out = append(out, s)
		}
	}
	return out
}

// Clear drops every subscription.
func (r *Router) Clear() {
	r.mu.Lock()
	r.all = nil
	r.byType = make(map[EventType][]*Subscription)
	r.mu.Unlock()
}

// Len returns the number of registered handlers.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := len(r.all)
	for _, list := range r.byType {
		n += len(list)
	}
	return n
}

// Dispatch delivers env to every matching handler, synchronously and in
// registration order. A panicking handler is logged and skipped; the rest
// still run. Probe envelopes are never delivered.
func (r *Router) Dispatch(env Envelope) {
	if env.Type.IsProbe() {
		return
	}
	r.mu.RLock()
	typed := r.byType[env.Type]
	all := r.all
	r.mu.RUnlock()

	// Both lists are append-only between removals and ordered by seq, so a
	// merge keeps global registration order.
	i, j := 0, 0
	for i < len(typed) || j < len(all) {
		var sub *Subscription
		if j >= len(all) || (i < len(typed) && typed[i].seq < all[j].seq) {
			sub = typed[i]
			i++
		} else {
			sub = all[j]
			j++
		}
		r.invoke(sub, env)
	}
}

func (r *Router) invoke(sub *Subscription, env Envelope) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("listener_panic", "type", env.Type, "panic", p)
		}
	}()
	sub.h(env)
}
