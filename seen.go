package chatcore

import (
	"context"
	"log/slog"
	"sync"
)

// Sender pushes an envelope over the realtime connection. *Conn implements
// it.
type Sender interface {
	Send(ctx context.Context, env Envelope) error
}

// SeenTracker emits read receipts for the open conversation and applies
// receipts from the other side to the cache.
type SeenTracker struct {
	viewer string
	sender Sender
	cache  *Cache
	logger *slog.Logger

	mu    sync.Mutex
	acked map[ConversationKey]MessageID
}

// NewSeenTracker creates a tracker acting for viewer.
func NewSeenTracker(viewer string, sender Sender, cache *Cache, logger *slog.Logger) *SeenTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &SeenTracker{
		viewer: viewer,
		sender: sender,
		cache:  cache,
		logger: logger.With("component", "seen"),
		acked:  make(map[ConversationKey]MessageID),
	}
}

// Observe is called whenever the visible messages of key change. When the
// trailing message is from someone else and newer than the last one
// acknowledged, one update_seen envelope is sent. It reports whether a receipt went out.
// A failed send leaves the message unacknowledged so a later change retries.
func (t *SeenTracker) Observe(ctx context.Context, key ConversationKey, msgs []Message) (bool, error) {
	if key.IsZero() || len(msgs) == 0 {
		return false, nil
	}
	last := msgs[len(msgs)-1]
	if last.ID == "" || last.SenderID == t.viewer {
		return false, nil
	}

	// Reserve the id so a concurrent caller with the same or an older
	// trailing message does not send too.
	t.mu.Lock()
	prev, had := t.acked[key]
	if had && last.ID.Compare(prev) <= 0 {
		t.mu.Unlock()
		return false, nil
	}
	t.acked[key] = last.ID
	t.mu.Unlock()

	receiver := key.PeerID()
	if key.IsGroup() {
		receiver = last.SenderID
	}
	env, err := NewEnvelope(EventUpdateSeen, SeenPayload{
		LastSeenMessageID: last.ID,
		SenderID:          t.viewer,
		ReceiverID:        receiver,
		GroupID:           key.GroupID(),
	})
	if err == nil {
		err = t.sender.Send(ctx, env)
	}
	if err != nil {
		t.logger.Debug("seen_not_sent", "key", key.String(), "err", err)
		t.release(key, last.ID, prev, had)
		return false, err
	}
	return true, nil
}

// release undoes a reservation unless a newer receipt replaced it.
func (t *SeenTracker) release(key ConversationKey, id, prev MessageID, had bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.acked[key] != id {
		return
	}
	if had {
		t.acked[key] = prev
	} else {
		delete(t.acked, key)
	}
}

// Apply handles an inbound receipt: the other side has seen our messages up
// to p.LastSeenMessageID. It returns the affected key and the number of
// messages whose status changed.
func (t *SeenTracker) Apply(p SeenPayload) (ConversationKey, int) {
	key := KeyForPeer(p.SenderID, p.ReceiverID, p.GroupID, t.viewer)
	if key.IsZero() || p.LastSeenMessageID == "" {
		return key, 0
	}
	// Receipts we sent ourselves carry nothing for our own messages.
	if p.SenderID == t.viewer {
		return key, 0
	}
	return key, t.cache.MarkSeen(key, t.viewer, p.LastSeenMessageID)
}

// Forget drops the acknowledgement state of key.
func (t *SeenTracker) Forget(key ConversationKey) {
	t.mu.Lock()
	delete(t.acked, key)
	t.mu.Unlock()
}

// LastAcked returns the id of the last receipt sent for key.
func (t *SeenTracker) LastAcked(key ConversationKey) (MessageID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.acked[key]
	return id, ok
}
