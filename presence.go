package chatcore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ConversationSource lists conversation summaries. *ConversationsClient
// implements it.
type ConversationSource interface {
	List(ctx context.Context, page, limit int, keyword string) (*ConversationPage, error)
}

// SettingsSource reads and writes notification settings. *SettingsClient
// implements it.
type SettingsSource interface {
	Get(ctx context.Context, targetID string, isGroup bool) (*NotificationSetting, error)
	Upsert(ctx context.Context, req UpsertSettingRequest) error
}

// ============================================================================
// Inbox
// ============================================================================

// Inbox is the conversation list, most recently active first. It follows
// conversations and presence envelopes whichever conversation is open.
type Inbox struct {
	viewer string
	source ConversationSource
	clock  clockwork.Clock
	logger *slog.Logger

	mu    sync.RWMutex
	items []ConversationSummary
}

// NewInbox creates an empty inbox for viewer.
func NewInbox(viewer string, source ConversationSource, clock clockwork.Clock, logger *slog.Logger) *Inbox {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Inbox{
		viewer: viewer,
		source: source,
		clock:  clock,
		logger: logger.With("component", "inbox"),
	}
}

// Load fetches one page of summaries. Page 1 replaces the list; later pages
// append conversations not already listed.
func (b *Inbox) Load(ctx context.Context, page, limit int, keyword string) error {
	if page < 1 {
		page = 1
	}
	res, err := b.source.List(ctx, page, limit, keyword)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if page == 1 {
		b.items = b.items[:0]
	}
	for _, s := range res.Data {
		if b.indexLocked(s.Key()) >= 0 {
			continue
		}
		b.items = append(b.items, s)
	}
	return nil
}

func (b *Inbox) indexLocked(key ConversationKey) int {
	if key.IsZero() {
		return -1
	}
	for i := range b.items {
		if b.items[i].Key() == key {
			return i
		}
	}
	return -1
}

// ApplyConversation records new activity: the summary is updated (or
// created) and moved to the front. Unread grows only for activity from
// someone else.
func (b *Inbox) ApplyConversation(p ConversationPayload) (ConversationSummary, bool) {
	key := p.Key()
	if key.IsZero() {
		b.logger.Debug("conversation_without_key", "sender_id", p.SenderID)
		return ConversationSummary{}, false
	}
	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	s := ConversationSummary{
		UserID:  key.PeerID(),
		GroupID: key.GroupID(),
		Status:  PresenceOffline,
	}
	if i := b.indexLocked(key); i >= 0 {
		s = b.items[i]
		b.items = append(b.items[:i], b.items[i+1:]...)
	}
	if s.DisplayName == "" {
		s.DisplayName = p.DisplayName
	}
	if s.DisplayName == "" {
		s.DisplayName = "Unknown"
	}
	if s.Avatar == "" {
		s.Avatar = p.Avatar
	}
	s.LastMessage = p.LastMessage
	s.LastMessageType = p.LastMessageType
	if s.LastMessageType == "" {
		s.LastMessageType = MessageText
	}
	s.LastDate = now
	s.UpdatedAt = now
	if p.SenderID != b.viewer {
		s.UnreadCount++
	}

	b.items = append([]ConversationSummary{s}, b.items...)
	return s, true
}

// ApplyPresence updates the status of the matching direct conversation and
// nothing else. It reports whether a summary matched.
func (b *Inbox) ApplyPresence(p PresencePayload) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.indexLocked(DirectKey(p.UserID))
	if i < 0 {
		return false
	}
	b.items[i].Status = p.Status
	return true
}

// MarkRead clears the unread counter of key.
func (b *Inbox) MarkRead(key ConversationKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i := b.indexLocked(key); i >= 0 {
		b.items[i].UnreadCount = 0
	}
}

// Summaries returns a copy of the list.
func (b *Inbox) Summaries() []ConversationSummary {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]ConversationSummary(nil), b.items...)
}

// Summary returns the summary of key.
func (b *Inbox) Summary(key ConversationKey) (ConversationSummary, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if i := b.indexLocked(key); i >= 0 {
		return b.items[i], true
	}
	return ConversationSummary{}, false
}

// TotalUnread sums the unread counters.
func (b *Inbox) TotalUnread() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for i := range b.items {
		n += b.items[i].UnreadCount
	}
	return n
}

// ============================================================================
// Notifier
// ============================================================================

// Alerter plays the audible notification for an incoming message.
type Alerter interface {
	Alert(key ConversationKey, msg Message)
}

// AlerterFunc adapts a function to Alerter.
type AlerterFunc func(key ConversationKey, msg Message)

// Alert calls f.
func (f AlerterFunc) Alert(key ConversationKey, msg Message) { f(key, msg) }

// Notifier decides whether an incoming message may alert, based on the
// viewer's notification setting for the conversation.
type Notifier struct {
	viewer   string
	settings SettingsSource
	alerter  Alerter
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *Metrics

	mu    sync.Mutex
	known map[ConversationKey]NotificationSetting
}

// NewNotifier creates a notifier. A nil alerter only records decisions.
func NewNotifier(viewer string, settings SettingsSource, alerter Alerter, clock clockwork.Clock, logger *slog.Logger, metrics *Metrics) *Notifier {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		viewer:   viewer,
		settings: settings,
		alerter:  alerter,
		clock:    clock,
		logger:   logger.With("component", "notifier"),
		metrics:  metrics,
		known:    make(map[ConversationKey]NotificationSetting),
	}
}

// Setting returns the setting of key, fetching it on first use.
func (n *Notifier) Setting(ctx context.Context, key ConversationKey) (NotificationSetting, error) {
	n.mu.Lock()
	s, ok := n.known[key]
	n.mu.Unlock()
	if ok {
		return s, nil
	}
	fetched, err := n.settings.Get(ctx, key.ID, key.IsGroup())
	if err != nil {
		return NotificationSetting{}, err
	}
	s = NotificationSetting{TargetID: key.ID, IsGroup: key.IsGroup()}
	if fetched != nil {
		s = *fetched
	}
	n.remember(key, s)
	return s, nil
}

func (n *Notifier) remember(key ConversationKey, s NotificationSetting) {
	n.mu.Lock()
	n.known[key] = s
	n.mu.Unlock()
}

// Invalidate forgets the cached setting of key.
func (n *Notifier) Invalidate(key ConversationKey) {
	n.mu.Lock()
	delete(n.known, key)
	n.mu.Unlock()
}

// HandleChat alerts for msg unless the viewer wrote it or muted its
// conversation. A setting that cannot be fetched does not block the alert,
// but a cancelled ctx does.
func (n *Notifier) HandleChat(ctx context.Context, msg Message) bool {
	if msg.SenderID == n.viewer {
		return false
	}
	key := KeyForMessage(&msg, n.viewer)
	if key.IsZero() {
		return false
	}
	s, err := n.Setting(ctx, key)
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		n.logger.Warn("setting_fetch_failed", "key", key.String(), "err", err)
	} else if s.Suppressed(n.clock.Now()) {
		n.metrics.alert("suppressed")
		return false
	}
	n.metrics.alert("played")
	if n.alerter != nil {
		n.alerter.Alert(key, msg)
	}
	return true
}

// SetMute mutes key until the given time. A nil until mutes forever.
func (n *Notifier) SetMute(ctx context.Context, key ConversationKey, until *time.Time) (NotificationSetting, error) {
	if until == nil {
		forever := MuteForever
		until = &forever
	}
	return n.upsert(ctx, key, true, until)
}

// Unmute clears the mute on key.
func (n *Notifier) Unmute(ctx context.Context, key ConversationKey) (NotificationSetting, error) {
	return n.upsert(ctx, key, false, nil)
}

func (n *Notifier) upsert(ctx context.Context, key ConversationKey, muted bool, until *time.Time) (NotificationSetting, error) {
	req := UpsertSettingRequest{
		UserID:    n.viewer,
		TargetID:  key.ID,
		IsGroup:   key.IsGroup(),
		IsMuted:   muted,
		MuteUntil: until,
	}
	if err := n.settings.Upsert(ctx, req); err != nil {
		return NotificationSetting{}, err
	}
	s := NotificationSetting{TargetID: key.ID, IsGroup: key.IsGroup(), IsMuted: muted, MuteUntil: until}
	n.remember(key, s)
	return s, nil
}
