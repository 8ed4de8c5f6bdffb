package chatcore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// apiServer answers every request with handler and records the requests.
type apiServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []*http.Request
}

func newAPIServer(t *testing.T, handler http.HandlerFunc) *apiServer {
	t.Helper()
	s := &apiServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, r.Clone(context.Background()))
		s.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *apiServer) last() *http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	b, _ := json.Marshal(data)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIResponse{Status: status, Message: http.StatusText(status), Data: b})
}

func testClient(s *apiServer, token string, opts ...ClientOption) *Client {
	base := []ClientOption{
		WithBaseURL(s.URL + "/v1/"),
		WithCredentialStore(NewMemoryCredentialStore(token)),
		WithAPIKey("test-key"),
	}
	return NewClient(append(base, opts...)...)
}

func TestLoginSavesToken(t *testing.T) {
	var body map[string]string
	s := newAPIServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/users/login", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-API-Key"))
		assert.Empty(t, r.Header.Get("Authorization"))
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeData(w, http.StatusOK, "tok-123")
	})
	c := testClient(s, "")

	tok, err := c.Auth.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)
	assert.Equal(t, "tok-123", tok)
	assert.Equal(t, map[string]string{"username": "alice", "password": "secret"}, body)

	stored, _ := c.Credentials().Load()
	assert.Equal(t, "tok-123", stored)
	assert.True(t, c.Authenticated())

	require.NoError(t, c.Auth.Logout())
	assert.False(t, c.Authenticated())
}

func TestUnauthorizedClearsCredential(t *testing.T) {
	s := newAPIServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer stale", r.Header.Get("Authorization"))
		writeData(w, http.StatusUnauthorized, nil)
	})
	c := testClient(s, "stale")

	_, err := c.Users.Profile(context.Background())
	assert.ErrorIs(t, err, ErrUnauthenticated)
	stored, _ := c.Credentials().Load()
	assert.Empty(t, stored)
}

func TestExpiredTokenNeverSent(t *testing.T) {
	s := newAPIServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request to %s", r.URL.Path)
	})
	clock := clockwork.NewFakeClockAt(t0)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": "me",
		"exp":     t0.Add(-time.Minute).Unix(),
	}).SignedString([]byte("k"))
	require.NoError(t, err)
	c := testClient(s, tok, WithClock(clock))

	_, err = c.Conversations.List(context.Background(), 1, 20, "")
	assert.ErrorIs(t, err, ErrUnauthenticated)
	stored, _ := c.Credentials().Load()
	assert.Empty(t, stored)
}

func TestServerErrors(t *testing.T) {
	t.Run("http status", func(t *testing.T) {
		s := newAPIServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = io.WriteString(w, "upstream down")
		})
		_, err := testClient(s, "tok").Groups.List(context.Background())
		var srv *ServerError
		require.True(t, errors.As(err, &srv))
		assert.Equal(t, http.StatusBadGateway, srv.StatusCode)
		assert.Equal(t, "upstream down", srv.Message)
		assert.True(t, IsRetryable(err))
	})

	t.Run("status in body", func(t *testing.T) {
		s := newAPIServer(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"status":400,"message":"bad group"}`)
		})
		err := testClient(s, "tok").Groups.AddMember(context.Background(), "g1", "u1", "")
		var srv *ServerError
		require.True(t, errors.As(err, &srv))
		assert.Equal(t, 400, srv.StatusCode)
		assert.Equal(t, "bad group", srv.Message)
		assert.False(t, IsRetryable(err))
	})
}

func TestNetworkError(t *testing.T) {
	s := newAPIServer(t, func(http.ResponseWriter, *http.Request) {})
	c := testClient(s, "tok")
	s.Close()

	_, err := c.Users.Statuses(context.Background())
	var netErr *NetworkError
	require.True(t, errors.As(err, &netErr))
	assert.Equal(t, "statuses", netErr.Op)
	assert.True(t, IsRetryable(err))
}

func TestHistoryQuery(t *testing.T) {
	s := newAPIServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusOK, MessagePage{Count: 2, Limit: 30, Data: msgs(1, 2, "42", "me")})
	})
	c := testClient(s, "tok")
	before := time.Date(2024, 5, 1, 12, 0, 0, 500, time.FixedZone("x", 3600))

	got, err := c.Messages.History(context.Background(), HistoryQuery{ReceiverID: "42", Limit: 30, BeforeTime: before})
	require.NoError(t, err)
	assert.Equal(t, []MessageID{"m1", "m2"}, ids(got))

	r := s.last()
	assert.Equal(t, "/v1/message/get-message", r.URL.Path)
	q := r.URL.Query()
	assert.Equal(t, "42", q.Get("receiver_id"))
	assert.Equal(t, "30", q.Get("limit"))
	assert.Equal(t, "2024-05-01T11:00:00.0000005Z", q.Get("before_time"))
	assert.False(t, q.Has("group_id"))
	assert.False(t, q.Has("skip"))
}

func TestSettingsClient(t *testing.T) {
	var upsert UpsertSettingRequest
	s := newAPIServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/users/get-setting":
			assert.Equal(t, "g1", r.URL.Query().Get("target_id"))
			assert.Equal(t, "true", r.URL.Query().Get("is_group"))
			_, _ = io.WriteString(w, `{"status":200,"data":{"target_id":"g1","is_group":true,"is_muted":true,"mute_until":""}}`)
		case "/v1/users/upsert-setting":
			_ = json.NewDecoder(r.Body).Decode(&upsert)
			writeData(w, http.StatusOK, true)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})
	c := testClient(s, "tok")
	ctx := context.Background()

	got, err := c.Settings.Get(ctx, "g1", true)
	require.NoError(t, err)
	assert.True(t, got.IsMuted)
	assert.Nil(t, got.MuteUntil)
	assert.True(t, got.Suppressed(t0))

	until := t0.Add(time.Hour)
	require.NoError(t, c.Settings.Upsert(ctx, UpsertSettingRequest{UserID: "me", TargetID: "42", IsMuted: true, MuteUntil: &until}))
	assert.Equal(t, "42", upsert.TargetID)
	require.NotNil(t, upsert.MuteUntil)
	assert.True(t, until.Equal(*upsert.MuteUntil))
}

func TestConversationsListTolerantDates(t *testing.T) {
	s := newAPIServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "ali", r.URL.Query().Get("keyword"))
		_, _ = io.WriteString(w, `{"status":200,"data":{"total":1,"page":2,"limit":20,"data":[
			{"user_id":"42","display_name":"Alice","last_date":"","unread_count":3,"status":"online"}]}}`)
	})
	page, err := testClient(s, "tok").Conversations.List(context.Background(), 2, 20, "ali")
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	assert.Equal(t, peer, page.Data[0].Key())
	assert.Equal(t, 3, page.Data[0].UnreadCount)
	assert.True(t, page.Data[0].LastDate.IsZero())
}

func TestMediaUpload(t *testing.T) {
	received := map[string]string{}
	s := newAPIServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/upload/media", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		for _, fh := range r.MultipartForm.File["files"] {
			f, err := fh.Open()
			require.NoError(t, err)
			b, _ := io.ReadAll(f)
			f.Close()
			received[fh.Filename] = string(b)
		}
		writeData(w, http.StatusOK, []Media{
			{ID: "a", Type: "image", Filename: "a.png", Size: 5, URL: "http://cdn/a.png"},
			{ID: "b", Type: "file", Filename: "b.txt", Size: 3, URL: "http://cdn/b.txt"},
		})
	})
	c := testClient(s, "tok")

	var mu sync.Mutex
	last := map[int]int64{}
	media, err := c.Media.Upload(context.Background(), []UploadFile{
		{Name: "a.png", Reader: strings.NewReader("hello"), Size: 5},
		{Name: "b.txt", Reader: bytes.NewReader([]byte("abc")), Size: 3},
	}, func(index int, written, total int64) {
		mu.Lock()
		last[index] = written
		mu.Unlock()
		assert.LessOrEqual(t, written, total)
	})
	require.NoError(t, err)
	require.Len(t, media, 2)
	assert.Equal(t, "http://cdn/a.png", media[0].URL)
	assert.Equal(t, map[string]string{"a.png": "hello", "b.txt": "abc"}, received)
	assert.Equal(t, map[int]int64{0: 5, 1: 3}, last)

	_, err = c.Media.Upload(context.Background(), nil, nil)
	assert.Error(t, err)
}

func TestRegisterSendsForm(t *testing.T) {
	var form map[string][]string
	var avatar string
	s := newAPIServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/users/register", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Empty(t, r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		form = r.MultipartForm.Value
		fh := r.MultipartForm.File["avatar"]
		require.Len(t, fh, 1)
		f, err := fh[0].Open()
		require.NoError(t, err)
		b, _ := io.ReadAll(f)
		f.Close()
		avatar = fh[0].Filename + ":" + string(b)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": 200, "message": "account created", "data": "u-1"})
	})
	c := testClient(s, "")

	msg, err := c.Auth.Register(context.Background(), RegisterRequest{
		Username:    "alice",
		DisplayName: "Alice",
		Email:       "alice@example.com",
		Phone:       "0123",
		Password:    "secret",
		Birthday:    "1990-01-02",
		Gender:      "female",
		Avatar:      &UploadFile{Name: "me.png", Reader: strings.NewReader("png")},
	})
	require.NoError(t, err)
	assert.Equal(t, "account created", msg)
	assert.Equal(t, map[string][]string{
		"username":     {"alice"},
		"display_name": {"Alice"},
		"email":        {"alice@example.com"},
		"phone":        {"0123"},
		"password":     {"secret"},
		"birthday":     {"1990-01-02"},
		"gender":       {"female"},
	}, form)
	assert.Equal(t, "me.png:png", avatar)

	stored, _ := c.Credentials().Load()
	assert.Empty(t, stored, "registering does not sign in")

	_, err = c.Auth.Register(context.Background(), RegisterRequest{Username: "bob"})
	assert.Error(t, err)
}

func TestRegisterConflict(t *testing.T) {
	s := newAPIServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"status":409,"message":"username taken"}`)
	})
	c := testClient(s, "")

	_, err := c.Auth.Register(context.Background(), RegisterRequest{Username: "alice", Password: "x"})
	var se *ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusConflict, se.StatusCode)
	assert.Equal(t, "username taken", se.Message)
}

func TestGroupsCreate(t *testing.T) {
	var form map[string][]string
	var images int
	s := newAPIServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/group/add", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		form = r.MultipartForm.Value
		images = len(r.MultipartForm.File["image"])
		writeData(w, http.StatusOK, "g-9")
	})
	c := testClient(s, "tok")
	ctx := context.Background()

	id, err := c.Groups.Create(ctx, "Hikers", nil)
	require.NoError(t, err)
	assert.Equal(t, "g-9", id)
	assert.Equal(t, map[string][]string{"name": {"Hikers"}, "status": {"active"}}, form)
	assert.Zero(t, images)

	_, err = c.Groups.Create(ctx, "Hikers", &UploadFile{Name: "group.jpg", Reader: strings.NewReader("jpg")})
	require.NoError(t, err)
	assert.Equal(t, 1, images)

	_, err = c.Groups.Create(ctx, "  ", nil)
	assert.Error(t, err)
}
