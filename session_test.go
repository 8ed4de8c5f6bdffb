package chatcore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// fakeBackend serves the HTTP API and the realtime endpoint from one
// server, with history held per conversation key.
type fakeBackend struct {
	*httptest.Server
	ws      *wsServer
	history map[ConversationKey]*fakeHistory
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	return newFakeBackendWith(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":200,"data":null}`)
	})
}

// newFakeBackendWith serves notification settings from setting.
func newFakeBackendWith(t *testing.T, setting http.HandlerFunc) *fakeBackend {
	t.Helper()
	b := &fakeBackend{
		ws:      newWSEndpoint(),
		history: make(map[ConversationKey]*fakeHistory),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/ws", b.ws.handle)
	mux.HandleFunc("/v1/message/get-message", b.serveHistory)
	mux.HandleFunc("/v1/users/get-setting", setting)
	b.Server = httptest.NewServer(mux)
	b.ws.Server = b.Server
	t.Cleanup(b.Close)
	return b
}

func (b *fakeBackend) serveHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := KeyFor(q.Get("group_id"), q.Get("receiver_id"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	hq := HistoryQuery{Limit: limit}
	if v := q.Get("before_time"); v != "" {
		hq.BeforeTime, _ = time.Parse(time.RFC3339Nano, v)
	}
	var page []Message
	if src, ok := b.history[key]; ok {
		page, _ = src.History(r.Context(), hq)
	}
	writeData(w, http.StatusOK, MessagePage{Count: len(page), Limit: limit, Data: page})
}

type viewRecorder struct {
	mu    sync.Mutex
	views []ConversationKey
	last  map[ConversationKey][]Message
}

func (v *viewRecorder) record(key ConversationKey, msgs []Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.last == nil {
		v.last = make(map[ConversationKey][]Message)
	}
	v.views = append(v.views, key)
	v.last[key] = msgs
}

func (v *viewRecorder) count(key ConversationKey) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for _, k := range v.views {
		if k == key {
			n++
		}
	}
	return n
}

func (v *viewRecorder) latest(key ConversationKey) []Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.last[key]
}

func startSession(t *testing.T, b *fakeBackend, config SessionConfig) (*Session, *websocket.Conn) {
	t.Helper()
	client := NewClient(
		WithBaseURL(b.URL+"/v1"),
		WithCredentialStore(NewMemoryCredentialStore("tok")),
	)
	config.UserID = "me"
	config.DisplayName = "Me"
	if config.Clock == nil {
		config.Clock = clockwork.NewFakeClockAt(t0)
	}
	s := NewSession(client, config)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s, b.ws.accept(t)
}

func pushEnvelope(t *testing.T, ws *websocket.Conn, typ EventType, payload interface{}) {
	t.Helper()
	env, err := NewEnvelope(typ, payload)
	require.NoError(t, err)
	b, err := json.Marshal(env)
	require.NoError(t, err)
	push(t, ws, string(b))
}

func seenFrame(id MessageID) string {
	return fmt.Sprintf(`{"type":"update_seen","message":{"last_seen_message_id":%q,"sender_id":"me","receiver_id":"42"}}`, id)
}

func TestSessionOpenPushAndPageBack(t *testing.T) {
	b := newFakeBackend(t)
	b.history[peer] = &fakeHistory{all: msgs(-29, 30, "42", "me")}
	views := &viewRecorder{}
	s, ws := startSession(t, b, SessionConfig{OnView: views.record})
	ctx := context.Background()

	got, err := s.Open(ctx, peer)
	require.NoError(t, err)
	require.Len(t, got, 30)
	assert.Equal(t, MessageID("m1"), got[0].ID)
	assert.Equal(t, MessageID("m30"), got[29].ID)
	assert.JSONEq(t, seenFrame("m30"), b.ws.nextFrame(t))

	pushEnvelope(t, ws, EventChat, msg(31, "42", "me"))
	assert.JSONEq(t, seenFrame("m31"), b.ws.nextFrame(t))
	require.Eventually(t, func() bool { return len(views.latest(peer)) == 31 }, 5*time.Second, 5*time.Millisecond)

	added, more, err := s.LoadOlder(ctx)
	require.NoError(t, err)
	assert.Equal(t, 30, added)
	assert.True(t, more)

	all := s.Messages(peer)
	require.Len(t, all, 61)
	assert.Equal(t, MessageID("m-29"), all[0].ID)
	assert.Equal(t, MessageID("m31"), all[60].ID)
	for i := 1; i < len(all); i++ {
		assert.True(t, all[i-1].before(&all[i]), "not ascending at %d", i)
	}

	added, more, err = s.LoadOlder(ctx)
	require.NoError(t, err)
	assert.Zero(t, added)
	assert.False(t, more)
}

func TestSessionViewOnlyForOpenConversation(t *testing.T) {
	b := newFakeBackend(t)
	other := DirectKey("7")
	b.history[peer] = &fakeHistory{all: msgs(1, 3, "42", "me")}
	b.history[other] = &fakeHistory{all: msgs(1, 3, "7", "me")}
	views := &viewRecorder{}
	s, ws := startSession(t, b, SessionConfig{OnView: views.record})
	ctx := context.Background()

	_, err := s.Open(ctx, other)
	require.NoError(t, err)
	_, err = s.Open(ctx, peer)
	require.NoError(t, err)
	before := views.count(other)

	pushEnvelope(t, ws, EventChat, msg(4, "7", "me"))
	require.Eventually(t, func() bool { return len(s.Messages(other)) == 4 }, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, before, views.count(other))
	assert.Equal(t, peer, s.Active())
}

func TestSessionSeenReceiptsUpdateStatus(t *testing.T) {
	b := newFakeBackend(t)
	b.history[peer] = &fakeHistory{all: msgs(1, 3, "me", "42")}
	views := &viewRecorder{}
	s, ws := startSession(t, b, SessionConfig{OnView: views.record})

	_, err := s.Open(context.Background(), peer)
	require.NoError(t, err)

	pushEnvelope(t, ws, EventUpdateSeen, SeenPayload{LastSeenMessageID: "m2", SenderID: "42", ReceiverID: "me"})
	require.Eventually(t, func() bool {
		got := s.Messages(peer)
		return got[1].Status == StatusSeen
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusSent, s.Messages(peer)[2].Status)
}

func TestSessionLeaveGroup(t *testing.T) {
	b := newFakeBackend(t)
	g := GroupKey("g1")
	s, _ := startSession(t, b, SessionConfig{})
	ctx := context.Background()

	_, err := s.Open(ctx, g)
	require.NoError(t, err)
	require.NoError(t, s.LeaveGroup(ctx))
	assert.JSONEq(t, `{"type":"member_left","message":{"sender_id":"me","group_id":"g1","content":"Me left the group","type":"system"}}`, b.ws.nextFrame(t))
	assert.True(t, s.HasLeftGroup())

	_, err = s.SendChat(ctx, "hello?", nil)
	assert.ErrorIs(t, err, ErrLeftGroup)

	_, err = s.Open(ctx, peer)
	require.NoError(t, err)
	assert.False(t, s.HasLeftGroup())
}

func TestSessionUnsentAndRetry(t *testing.T) {
	b := newFakeBackend(t)
	unsent := make(chan PendingMessage, 1)
	dropped := make(chan error, 1)
	s, ws := startSession(t, b, SessionConfig{
		OnUnsent:     func(pm PendingMessage) { unsent <- pm },
		OnDisconnect: func(err error) { dropped <- err },
	})
	ctx := context.Background()

	_, err := s.Open(ctx, peer)
	require.NoError(t, err)

	_ = ws.Close(websocket.StatusGoingAway, "restart")
	select {
	case <-dropped:
	case <-time.After(5 * time.Second):
		t.Fatal("OnDisconnect not called")
	}

	pm, err := s.SendChat(ctx, "are you there", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, PendingUnsent, pm.State)
	select {
	case got := <-unsent:
		assert.Equal(t, pm.ClientID, got.ClientID)
	case <-time.After(5 * time.Second):
		t.Fatal("OnUnsent not called")
	}

	require.NoError(t, s.Reconnect(ctx))
	b.ws.accept(t)
	require.NoError(t, s.Retry(ctx))

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(b.ws.nextFrame(t)), &env))
	var sent ChatPayload
	require.NoError(t, json.Unmarshal(env.Message, &sent))
	assert.Equal(t, "are you there", sent.Content)
	assert.Equal(t, pm.ClientID, sent.ClientID)
	assert.Equal(t, []Media{}, sent.Media)
	assert.Equal(t, MessageText, sent.Type)
	assert.Empty(t, s.Outbox().Unsent())
	assert.Equal(t, 1, s.Outbox().Len(), "still waiting for the echo")
}

func TestSessionEchoConfirmsPending(t *testing.T) {
	b := newFakeBackend(t)
	b.history[peer] = &fakeHistory{all: msgs(1, 2, "42", "me")}
	s, ws := startSession(t, b, SessionConfig{})
	ctx := context.Background()

	_, err := s.Open(ctx, peer)
	require.NoError(t, err)
	b.ws.nextFrame(t) // receipt for m2

	pm, err := s.SendChat(ctx, "hi", nil)
	require.NoError(t, err)
	b.ws.nextFrame(t)
	assert.Equal(t, 1, s.Outbox().Len())

	echo := msg(3, "me", "42")
	echo.Content = "hi"
	echo.ClientID = pm.ClientID
	pushEnvelope(t, ws, EventChat, echo)

	require.Eventually(t, func() bool { return s.Outbox().Len() == 0 }, 5*time.Second, 5*time.Millisecond)
	assert.Len(t, s.Messages(peer), 3)
}

func TestSessionConversationsAndPresence(t *testing.T) {
	b := newFakeBackend(t)
	b.history[peer] = &fakeHistory{all: msgs(1, 1, "42", "me")}
	inbox := make(chan ConversationSummary, 4)
	s, ws := startSession(t, b, SessionConfig{OnInbox: func(sum ConversationSummary) { inbox <- sum }})

	_, err := s.Open(context.Background(), peer)
	require.NoError(t, err)

	pushEnvelope(t, ws, EventConversations, ConversationPayload{SenderID: "7", UserID: "7", DisplayName: "Seven", LastMessage: "yo"})
	pushEnvelope(t, ws, EventConversations, ConversationPayload{SenderID: "42", UserID: "42", LastMessage: "hey"})

	first := <-inbox
	assert.Equal(t, 1, first.UnreadCount)
	second := <-inbox
	assert.Zero(t, second.UnreadCount, "the open conversation stays read")

	push(t, ws, `{"user_id":"7","status":"online"}`)
	require.Eventually(t, func() bool {
		sum, ok := s.Inbox().Summary(DirectKey("7"))
		return ok && sum.Status == PresenceOnline
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, s.Inbox().TotalUnread())
}

// blockedSetting holds every settings request until release is closed.
type blockedSetting struct {
	requested chan struct{}
	release   chan struct{}
	once      sync.Once
}

func (b *blockedSetting) unblock() { b.once.Do(func() { close(b.release) }) }

func newBlockedSetting() *blockedSetting {
	return &blockedSetting{requested: make(chan struct{}, 8), release: make(chan struct{})}
}

func (b *blockedSetting) serve(w http.ResponseWriter, r *http.Request) {
	b.requested <- struct{}{}
	select {
	case <-b.release:
	case <-r.Context().Done():
		return
	}
	_, _ = io.WriteString(w, `{"status":200,"data":null}`)
}

func (b *blockedSetting) waitRequest(t *testing.T) {
	t.Helper()
	select {
	case <-b.requested:
	case <-time.After(5 * time.Second):
		t.Fatal("no settings request")
	}
}

func noFrame(t *testing.T, ws *wsServer) {
	t.Helper()
	select {
	case f := <-ws.frames:
		t.Fatalf("unexpected frame %s", f)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSessionOpenKeepsPushDuringSettingsFetch(t *testing.T) {
	setting := newBlockedSetting()
	b := newFakeBackendWith(t, setting.serve)
	t.Cleanup(setting.unblock)
	b.history[peer] = &fakeHistory{all: msgs(1, 30, "42", "me")}
	views := &viewRecorder{}
	s, ws := startSession(t, b, SessionConfig{OnView: views.record})

	opened := make(chan []Message, 1)
	go func() {
		got, err := s.Open(context.Background(), peer)
		assert.NoError(t, err)
		opened <- got
	}()
	assert.JSONEq(t, seenFrame("m30"), b.ws.nextFrame(t))
	setting.waitRequest(t)

	pushEnvelope(t, ws, EventChat, msg(31, "42", "me"))
	assert.JSONEq(t, seenFrame("m31"), b.ws.nextFrame(t))
	require.Eventually(t, func() bool { return len(views.latest(peer)) == 31 }, 5*time.Second, 5*time.Millisecond)

	setting.unblock()
	select {
	case got := <-opened:
		assert.Len(t, got, 31)
	case <-time.After(5 * time.Second):
		t.Fatal("Open did not return")
	}

	noFrame(t, b.ws)
	assert.Len(t, views.latest(peer), 31)
	last, _ := s.Seen().LastAcked(peer)
	assert.Equal(t, MessageID("m31"), last)
}

func TestSessionCloseStopsPendingAlerts(t *testing.T) {
	setting := newBlockedSetting()
	b := newFakeBackendWith(t, setting.serve)
	t.Cleanup(setting.unblock)
	var mu sync.Mutex
	alerts := 0
	s, ws := startSession(t, b, SessionConfig{
		Alerter: AlerterFunc(func(ConversationKey, Message) {
			mu.Lock()
			alerts++
			mu.Unlock()
		}),
	})

	pushEnvelope(t, ws, EventChat, msg(1, "42", "me"))
	setting.waitRequest(t)
	require.NoError(t, s.Close())
	setting.unblock()

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, alerts)
}
