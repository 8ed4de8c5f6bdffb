package chatcore

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// PendingState is the local state of an outgoing chat message.
type PendingState string

const (
	// PendingSent means the envelope went out and the echo has not arrived.
	PendingSent PendingState = "pending"
	// PendingUnsent means the connection was not open, or the write failed.
	PendingUnsent PendingState = "unsent"
)

// PendingMessage is an outgoing chat message the server has not echoed yet.
type PendingMessage struct {
	ClientID  string
	Key       ConversationKey
	Payload   ChatPayload
	State     PendingState
	Err       error
	CreatedAt time.Time
	Attempts  int
}

// OutboxEvent names what happened to a pending message.
type OutboxEvent string

const (
	OutboxUnsent    OutboxEvent = "unsent"
	OutboxConfirmed OutboxEvent = "confirmed"
)

// OutboxHandler observes outbox transitions.
type OutboxHandler func(event OutboxEvent, pm PendingMessage)

// Outbox tracks outgoing chat messages until the server echoes them, so a
// send on a closed connection is visible instead of lost. Nothing is
// resent unless Retry is called.
type Outbox struct {
	sender Sender
	clock  clockwork.Clock
	logger *slog.Logger

	mu       sync.Mutex
	entries  map[string]*PendingMessage
	handlers []OutboxHandler
}

// NewOutbox creates an empty outbox that sends through sender.
func NewOutbox(sender Sender, clock clockwork.Clock, logger *slog.Logger) *Outbox {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{
		sender:  sender,
		clock:   clock,
		logger:  logger.With("component", "outbox"),
		entries: make(map[string]*PendingMessage),
	}
}

// On registers h for every transition.
func (o *Outbox) On(h OutboxHandler) {
	o.mu.Lock()
	o.handlers = append(o.handlers, h)
	o.mu.Unlock()
}

func (o *Outbox) emit(event OutboxEvent, pm PendingMessage) {
	o.mu.Lock()
	handlers := append([]OutboxHandler{}, o.handlers...)
	o.mu.Unlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if p := recover(); p != nil {
					o.logger.Error("outbox_handler_panic", "event", event, "panic", p)
				}
			}()
			h(event, pm)
		}()
	}
}

// Send records payload under a fresh client id and sends it. When the send
// fails the entry stays as unsent and the error is returned; the entry is
// recorded either way.
func (o *Outbox) Send(ctx context.Context, key ConversationKey, payload ChatPayload) (PendingMessage, error) {
	payload.ClientID = uuid.NewString()
	pm := &PendingMessage{
		ClientID:  payload.ClientID,
		Key:       key,
		Payload:   payload,
		State:     PendingSent,
		CreatedAt: o.clock.Now(),
	}
	o.mu.Lock()
	o.entries[pm.ClientID] = pm
	o.mu.Unlock()

	err := o.attempt(ctx, pm)
	o.mu.Lock()
	snapshot := *pm
	o.mu.Unlock()
	return snapshot, err
}

func (o *Outbox) attempt(ctx context.Context, pm *PendingMessage) error {
	env, err := NewEnvelope(EventChat, pm.Payload)
	if err != nil {
		return err
	}
	sendErr := o.sender.Send(ctx, env)

	o.mu.Lock()
	if _, ok := o.entries[pm.ClientID]; !ok {
		// Confirmed while the write was in flight.
		o.mu.Unlock()
		return nil
	}
	pm.Attempts++
	if sendErr == nil {
		pm.State = PendingSent
		pm.Err = nil
		o.mu.Unlock()
		return nil
	}
	pm.State = PendingUnsent
	pm.Err = sendErr
	snapshot := *pm
	o.mu.Unlock()

	if errors.Is(sendErr, ErrNotConnected) {
		o.logger.Info("message_unsent", "client_id", pm.ClientID, "key", pm.Key.String())
	} else {
		o.logger.Warn("message_unsent", "client_id", pm.ClientID, "key", pm.Key.String(), "err", sendErr)
	}
	o.emit(OutboxUnsent, snapshot)
	return sendErr
}

// Reconcile matches an echoed chat message from the viewer against the
// outbox. A client id in the echo wins; otherwise the oldest entry with the
// same conversation and content is taken. It reports whether an entry was
// confirmed.
func (o *Outbox) Reconcile(key ConversationKey, msg Message) bool {
	o.mu.Lock()
	var match *PendingMessage
	if msg.ClientID != "" {
		match = o.entries[msg.ClientID]
	}
	if match == nil {
		for _, pm := range o.entries {
			if pm.Key != key || pm.Payload.Content != msg.Content {
				continue
			}
			if match == nil || pm.CreatedAt.Before(match.CreatedAt) {
				match = pm
			}
		}
	}
	if match == nil {
		o.mu.Unlock()
		return false
	}
	delete(o.entries, match.ClientID)
	snapshot := *match
	o.mu.Unlock()

	o.emit(OutboxConfirmed, snapshot)
	return true
}

// Retry resends every unsent entry, oldest first, and returns the first
// error. It is only ever called on user request.
func (o *Outbox) Retry(ctx context.Context) error {
	var firstErr error
	for _, pm := range o.byState(PendingUnsent) {
		if err := o.attempt(ctx, pm); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (o *Outbox) byState(state PendingState) []*PendingMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []*PendingMessage
	for _, pm := range o.entries {
		if state == "" || pm.State == state {
			out = append(out, pm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Pending returns the entries of key, oldest first.
func (o *Outbox) Pending(key ConversationKey) []PendingMessage {
	var out []PendingMessage
	for _, pm := range o.byState("") {
		if pm.Key == key {
			o.mu.Lock()
			out = append(out, *pm)
			o.mu.Unlock()
		}
	}
	return out
}

// Unsent returns every unsent entry, oldest first.
func (o *Outbox) Unsent() []PendingMessage {
	var out []PendingMessage
	for _, pm := range o.byState(PendingUnsent) {
		o.mu.Lock()
		out = append(out, *pm)
		o.mu.Unlock()
	}
	return out
}

// Discard drops an entry without sending it.
func (o *Outbox) Discard(clientID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.entries[clientID]
	delete(o.entries, clientID)
	return ok
}

// Len returns the number of entries.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}
