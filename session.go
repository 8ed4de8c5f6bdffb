package chatcore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// SessionConfig configures a Session.
type SessionConfig struct {
	// UserID of the viewer. Resolved from the profile API when empty.
	UserID      string
	DisplayName string
	Avatar      string

	Realtime      RealtimeConfig
	PageSize      int
	CacheCapacity int
	Alerter       Alerter
	Clock         clockwork.Clock
	Logger        *slog.Logger
	Metrics       *Metrics

	// OnView receives the messages of the open conversation whenever they
	// change. It never fires for a conversation that is no longer open.
	// Calls are serialized and must not call back into Open or LoadOlder.
	OnView func(key ConversationKey, msgs []Message)
	// OnInbox receives every summary changed by a conversations envelope.
	OnInbox func(s ConversationSummary)
	// OnUnsent is called when a chat message could not be sent.
	OnUnsent func(pm PendingMessage)
	// OnDisconnect is called when the connection drops on its own.
	OnDisconnect func(err error)
}

func (c *SessionConfig) defaults() {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Realtime.Clock == nil {
		c.Realtime.Clock = c.Clock
	}
	if c.Realtime.Logger == nil {
		c.Realtime.Logger = c.Logger
	}
	if c.Realtime.Metrics == nil {
		c.Realtime.Metrics = c.Metrics
	}
}

// Session ties the realtime connection, the cache and the conversation
// list together for one signed-in viewer.
type Session struct {
	client  *Client
	config  SessionConfig
	conn    *Conn
	cache   *Cache
	history *HistoryFetcher
	outbox  *Outbox
	logger  *slog.Logger

	// Bound to the viewer in Start.
	seen     *SeenTracker
	inbox    *Inbox
	notifier *Notifier

	// Cancelled by Close; bounds alert delivery.
	ctx    context.Context
	cancel context.CancelFunc
	alerts chan Message

	// Serializes view updates so a stale list never replaces a newer one.
	viewMu sync.Mutex

	mu        sync.Mutex
	viewer    string
	active    ConversationKey
	leftGroup bool
}

const alertQueueSize = 64

// NewSession creates a session over client. Nothing touches the network
// until Start.
func NewSession(client *Client, config SessionConfig) *Session {
	config.defaults()
	if config.Realtime.URL == "" {
		config.Realtime.URL = RealtimeURLFromBase(client.BaseURL())
	}
	if config.Realtime.HTTPClient == nil {
		config.Realtime.HTTPClient = client.HTTPClient()
	}

	s := &Session{
		client: client,
		config: config,
		logger: config.Logger.With("component", "session"),
		alerts: make(chan Message, alertQueueSize),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.conn = NewConn(config.Realtime)
	s.cache = NewCache(CacheConfig{
		Capacity: config.CacheCapacity,
		Logger:   config.Logger,
		Metrics:  config.Metrics,
		OnEvict:  s.evicted,
	})
	s.history = NewHistoryFetcher(client.Messages, config.Logger, config.Metrics)
	s.outbox = NewOutbox(s.conn, config.Clock, config.Logger)
	s.outbox.On(func(event OutboxEvent, pm PendingMessage) {
		if event == OutboxUnsent && s.config.OnUnsent != nil {
			s.config.OnUnsent(pm)
		}
	})
	return s
}

func (s *Session) evicted(key ConversationKey) {
	if seen := s.seenTracker(); seen != nil {
		seen.Forget(key)
	}
}

func (s *Session) seenTracker() *SeenTracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen
}

// Start resolves the viewer, subscribes the session's handlers and opens
// the connection.
func (s *Session) Start(ctx context.Context) error {
	viewer := s.config.UserID
	if viewer == "" {
		profile, err := s.client.Users.Profile(ctx)
		if err != nil {
			return fmt.Errorf("resolve viewer: %w", err)
		}
		viewer = profile.ID
		if s.config.DisplayName == "" {
			s.config.DisplayName = profile.DisplayName
		}
		if s.config.Avatar == "" {
			s.config.Avatar = profile.Avatar
		}
	}
	if viewer == "" {
		return errors.New("resolve viewer: empty user id")
	}

	s.mu.Lock()
	if s.viewer == "" {
		s.viewer = viewer
		s.seen = NewSeenTracker(viewer, s.conn, s.cache, s.config.Logger)
		s.inbox = NewInbox(viewer, s.client.Conversations, s.config.Clock, s.config.Logger)
		s.notifier = NewNotifier(viewer, s.client.Settings, s.config.Alerter, s.config.Clock, s.config.Logger, s.config.Metrics)
		s.subscribe()
		go s.alertLoop()
	}
	s.mu.Unlock()

	return s.conn.Connect(ctx, viewer)
}

func (s *Session) subscribe() {
	r := s.conn.Router()
	r.On(EventChat, s.handleChat)
	r.On(EventUpdateSeen, s.handleSeen)
	r.On(EventConversations, s.handleConversation)
	r.On(EventPresence, s.handlePresence)
	r.On(EventMemberLeft, s.handleMemberLeft)
	s.conn.OnClose(func(err error) {
		if s.config.OnDisconnect != nil {
			s.config.OnDisconnect(err)
		}
	})
}

// Reconnect reopens a connection that dropped. It is a no-op while the
// connection is open.
func (s *Session) Reconnect(ctx context.Context) error {
	viewer := s.Viewer()
	if viewer == "" {
		return ErrNotConnected
	}
	return s.conn.Connect(ctx, viewer)
}

// Close disconnects, stops pending alerts and drops every cached
// conversation.
func (s *Session) Close() error {
	s.cancel()
	err := s.conn.Disconnect()
	s.cache.Purge()
	return err
}

// Viewer returns the signed-in user id, empty before Start.
func (s *Session) Viewer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewer
}

// Active returns the open conversation.
func (s *Session) Active() ConversationKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Session) isActive(key ConversationKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !key.IsZero() && s.active == key
}

// HasLeftGroup reports whether the viewer left the open group during this
// session. Switching conversations resets it.
func (s *Session) HasLeftGroup() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leftGroup
}

func (s *Session) Conn() *Conn { return s.conn }
func (s *Session) Cache() *Cache { return s.cache }
func (s *Session) Outbox() *Outbox { return s.outbox }
func (s *Session) Inbox() *Inbox { return s.inbox }
func (s *Session) Notifier() *Notifier { return s.notifier }
func (s *Session) Seen() *SeenTracker { return s.seen }
func (s *Session) History() *HistoryFetcher { return s.history }

// Messages returns the cached messages of key.
func (s *Session) Messages(key ConversationKey) []Message {
	msgs, _ := s.cache.Get(key)
	return msgs
}

// Open makes key the open conversation and loads its first page unless it
// is cached. When the load finishes after the viewer moved on, the cache
// keeps the result but no view update happens.
func (s *Session) Open(ctx context.Context, key ConversationKey) ([]Message, error) {
	if key.IsZero() {
		return nil, ErrNoActiveConversation
	}
	s.mu.Lock()
	if s.active != key {
		s.active = key
		s.leftGroup = false
	}
	s.mu.Unlock()

	if _, err := s.cache.EnsureLoaded(ctx, key, s.history.FirstPage(s.cache, s.config.PageSize)); err != nil {
		return nil, err
	}
	if s.refresh(ctx, key) && s.inbox != nil {
		s.inbox.MarkRead(key)
	}
	if s.notifier != nil {
		if _, err := s.notifier.Setting(ctx, key); err != nil {
			s.logger.Warn("setting_prefetch_failed", "key", key.String(), "err", err)
		}
	}
	return s.Messages(key), nil
}

// LoadOlder pages backwards in the open conversation. more is false once
// the oldest message is cached.
func (s *Session) LoadOlder(ctx context.Context) (added int, more bool, err error) {
	key := s.Active()
	if key.IsZero() {
		return 0, false, ErrNoActiveConversation
	}
	added, more, err = s.history.LoadOlder(ctx, s.cache, key, s.config.PageSize)
	if err != nil {
		return 0, more, err
	}
	if added > 0 {
		s.viewLatest(key)
	}
	return added, more, nil
}

// SendChat sends a message to the open conversation. The returned entry is
// unsent, together with the error, when the connection was not open.
func (s *Session) SendChat(ctx context.Context, content string, media []Media) (PendingMessage, error) {
	s.mu.Lock()
	key, left, viewer := s.active, s.leftGroup, s.viewer
	s.mu.Unlock()
	if key.IsZero() {
		return PendingMessage{}, ErrNoActiveConversation
	}
	if left && key.IsGroup() {
		return PendingMessage{}, ErrLeftGroup
	}

	if media == nil {
		media = []Media{}
	}
	msgType := MessageText
	if len(media) > 0 {
		msgType = MessageFile
	}
	payload := ChatPayload{
		SenderID:     viewer,
		ReceiverID:   key.PeerID(),
		GroupID:      key.GroupID(),
		Content:      content,
		Media:        media,
		Type:         msgType,
		DisplayName:  s.config.DisplayName,
		SenderAvatar: s.config.Avatar,
	}
	if s.inbox != nil {
		if sum, ok := s.inbox.Summary(key); ok {
			payload.Avatar = sum.Avatar
		}
	}
	return s.outbox.Send(ctx, key, payload)
}

// Retry resends unsent chat messages.
func (s *Session) Retry(ctx context.Context) error {
	return s.outbox.Retry(ctx)
}

// LeaveGroup announces that the viewer leaves the open group. Sending in
// that conversation is refused afterwards.
func (s *Session) LeaveGroup(ctx context.Context) error {
	s.mu.Lock()
	key, viewer := s.active, s.viewer
	s.mu.Unlock()
	if !key.IsGroup() {
		return ErrNoActiveConversation
	}
	name := s.config.DisplayName
	if name == "" {
		name = viewer
	}
	env, err := NewEnvelope(EventMemberLeft, MemberLeftPayload{
		SenderID: viewer,
		GroupID:  key.GroupID(),
		Content:  fmt.Sprintf("%s left the group", name),
		Avatar:   s.config.Avatar,
		Type:     MessageSystem,
	})
	if err != nil {
		return err
	}
	if err := s.conn.Send(ctx, env); err != nil {
		return err
	}
	s.markLeft(key)
	return nil
}

func (s *Session) markLeft(key ConversationKey) {
	s.mu.Lock()
	if s.active == key {
		s.leftGroup = true
	}
	s.mu.Unlock()
}

// viewLatest reads key from the cache and pushes it to the view when key
// is still open. It reports false when key is not open.
func (s *Session) viewLatest(key ConversationKey) ([]Message, bool) {
	s.viewMu.Lock()
	defer s.viewMu.Unlock()
	if !s.isActive(key) {
		return nil, false
	}
	msgs, _ := s.cache.Get(key)
	if s.config.OnView != nil {
		s.config.OnView(key, msgs)
	}
	return msgs, true
}

// refresh updates the view of key and acknowledges its trailing message.
// It reports false when key is no longer open.
func (s *Session) refresh(ctx context.Context, key ConversationKey) bool {
	msgs, ok := s.viewLatest(key)
	if !ok {
		return false
	}
	if seen := s.seenTracker(); seen != nil {
		if _, err := seen.Observe(ctx, key, msgs); err != nil && !errors.Is(err, ErrNotConnected) {
			s.logger.Warn("seen_failed", "key", key.String(), "err", err)
		}
	}
	return true
}

// alertLoop hands inbound messages to the notifier one at a time, in
// arrival order, until Close.
func (s *Session) alertLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.alerts:
			s.notifier.HandleChat(s.ctx, msg)
		}
	}
}

// ============================================================================
// Envelope handlers
// ============================================================================

func (s *Session) handleChat(env Envelope) {
	msg, err := env.Chat()
	if err != nil {
		s.logger.Warn("bad_chat_envelope", "err", err)
		return
	}
	if msg.ID == "" {
		s.logger.Warn("chat_without_id", "sender_id", msg.SenderID)
		return
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.config.Clock.Now()
	}
	normalize(&msg)

	viewer := s.Viewer()
	key := KeyForMessage(&msg, viewer)
	if key.IsZero() {
		s.logger.Warn("chat_without_key", "id", msg.ID)
		return
	}

	if msg.SenderID == viewer {
		s.outbox.Reconcile(key, msg)
		if msg.Type == MessageSystem && key.IsGroup() {
			s.markLeft(key)
		}
	} else if s.notifier != nil {
		select {
		case s.alerts <- msg:
		default:
			s.logger.Warn("alert_dropped", "id", msg.ID)
		}
	}

	if !s.cache.AppendRealtime(key, msg) {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	s.refresh(ctx, key)
	cancel()
}

func (s *Session) handleSeen(env Envelope) {
	p, err := env.Seen()
	if err != nil {
		s.logger.Warn("bad_seen_envelope", "err", err)
		return
	}
	key, n := s.seen.Apply(p)
	if n > 0 {
		s.viewLatest(key)
	}
}

func (s *Session) handleConversation(env Envelope) {
	p, err := env.Conversation()
	if err != nil {
		s.logger.Warn("bad_conversation_envelope", "err", err)
		return
	}
	sum, ok := s.inbox.ApplyConversation(p)
	if !ok {
		return
	}
	if s.isActive(sum.Key()) {
		s.inbox.MarkRead(sum.Key())
		sum.UnreadCount = 0
	}
	if s.config.OnInbox != nil {
		s.config.OnInbox(sum)
	}
}

func (s *Session) handlePresence(env Envelope) {
	p, err := env.Presence()
	if err != nil {
		s.logger.Warn("bad_presence_envelope", "err", err)
		return
	}
	s.inbox.ApplyPresence(p)
}

func (s *Session) handleMemberLeft(env Envelope) {
	p, err := env.MemberLeft()
	if err != nil {
		s.logger.Warn("bad_member_left_envelope", "err", err)
		return
	}
	if p.SenderID == s.Viewer() {
		s.markLeft(GroupKey(p.GroupID))
		return
	}
	s.logger.Info("member_left", "group_id", p.GroupID, "user_id", p.SenderID)
}
