// Package chatcore is the realtime messaging and presence core of a chat
// client.
//
// It keeps one WebSocket connection per signed-in user, routes the
// envelopes it carries, and rebuilds ordered conversations from history
// pages and realtime pushes. The backend HTTP API is reached through Client.
//
// Example:
//
//	client := chatcore.NewClient(chatcore.WithBaseURL("http://localhost:3000/v1"))
//	if _, err := client.Auth.Login(ctx, "alice", "secret"); err != nil {
//		return err
//	}
//
//	sess := chatcore.NewSession(client, chatcore.SessionConfig{})
//	if err := sess.Start(ctx); err != nil {
//		return err
//	}
//	defer sess.Close()
//
//	msgs, _ := sess.Open(ctx, chatcore.DirectKey("42"))
//	sess.SendChat(ctx, "hello", nil)
package chatcore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	DefaultBaseURL = "http://localhost:3000/v1"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the backend HTTP API. Sub-clients group the endpoints.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	creds      CredentialStore
	clock      clockwork.Clock
	logger     *slog.Logger

	Auth          *AuthClient
	Users         *UsersClient
	Messages      *MessagesClient
	Conversations *ConversationsClient
	Settings      *SettingsClient
	Groups        *GroupsClient
	Media         *MediaClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithAPIKey sets the X-API-Key header sent on every request.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithCredentialStore sets where the bearer token is read from.
func WithCredentialStore(store CredentialStore) ClientOption {
	return func(c *Client) { c.creds = store }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

func WithClock(clock clockwork.Clock) ClientOption {
	return func(c *Client) { c.clock = clock }
}

// NewClient creates a client. Without WithCredentialStore the token lives
// in memory.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		creds:  NewMemoryCredentialStore(""),
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.Auth = &AuthClient{c: c}
	c.Users = &UsersClient{c: c}
	c.Messages = &MessagesClient{c: c}
	c.Conversations = &ConversationsClient{c: c}
	c.Settings = &SettingsClient{c: c}
	c.Groups = &GroupsClient{c: c}
	c.Media = &MediaClient{c: c}
	return c
}

// BaseURL returns the API base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// HTTPClient returns the underlying HTTP client.
func (c *Client) HTTPClient() *http.Client { return c.httpClient }

// Credentials returns the credential store.
func (c *Client) Credentials() CredentialStore { return c.creds }

// Authenticated reports whether a usable bearer token is stored.
func (c *Client) Authenticated() bool {
	token, err := c.creds.Load()
	return err == nil && TokenUsable(token, c.clock.Now())
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	return req, nil
}

// authorize attaches the bearer token. A missing or expired token clears
// the store and fails with ErrUnauthenticated.
func (c *Client) authorize(req *http.Request) error {
	token, err := c.creds.Load()
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	if !TokenUsable(token, c.clock.Now()) {
		if token != "" {
			c.logger.Info("credential_expired")
			_ = c.creds.Clear()
		}
		return ErrUnauthenticated
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body interface{}, auth bool) (*APIResponse, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := c.newRequest(ctx, method, path, query, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(op, req, auth)
}

func (c *Client) send(op string, req *http.Request, auth bool) (*APIResponse, error) {
	if auth {
		if err := c.authorize(req); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		_ = c.creds.Clear()
		return nil, fmt.Errorf("%s: %w", op, ErrUnauthenticated)
	}

	var res APIResponse
	if err := json.Unmarshal(data, &res); err != nil {
		msg := strings.TrimSpace(string(data))
		if resp.StatusCode < 400 {
			msg = "invalid response body"
		}
		return nil, &ServerError{Op: op, StatusCode: resp.StatusCode, Message: msg}
	}
	if resp.StatusCode >= 400 {
		return nil, &ServerError{Op: op, StatusCode: resp.StatusCode, Message: res.Message}
	}
	if res.Status >= 400 {
		return nil, &ServerError{Op: op, StatusCode: res.Status, Message: res.Message}
	}
	return &res, nil
}

func decodeData[T any](op string, res *APIResponse) (*T, error) {
	var result T
	if err := res.Decode(&result); err != nil {
		return nil, fmt.Errorf("%s: failed to unmarshal response: %w", op, err)
	}
	return &result, nil
}

// ============================================================================
// Sub-clients
// ============================================================================

// AuthClient handles sign-in.
type AuthClient struct{ c *Client }

// Login exchanges credentials for a bearer token and stores it.
func (a *AuthClient) Login(ctx context.Context, username, password string) (string, error) {
	body := map[string]string{"username": username, "password": password}
	res, err := a.c.do(ctx, "login", "POST", "/users/login", nil, body, false)
	if err != nil {
		return "", err
	}
	token, err := decodeData[string]("login", res)
	if err != nil {
		return "", err
	}
	if *token == "" {
		return "", &ServerError{Op: "login", StatusCode: res.Status, Message: "empty token"}
	}
	if err := a.c.creds.Save(*token); err != nil {
		return "", fmt.Errorf("save credential: %w", err)
	}
	return *token, nil
}

// RegisterRequest is the sign-up form. Avatar is optional.
type RegisterRequest struct {
	Username    string
	DisplayName string
	Email       string
	Phone       string
	Password    string
	// Birthday as YYYY-MM-DD.
	Birthday string
	Gender   string
	Avatar   *UploadFile
}

// Register creates an account and returns the server's confirmation
// message. It does not sign in.
func (a *AuthClient) Register(ctx context.Context, r RegisterRequest) (string, error) {
	if r.Username == "" || r.Password == "" {
		return "", errors.New("register: username and password are required")
	}
	fields := []formField{
		{"username", r.Username},
		{"display_name", r.DisplayName},
		{"email", r.Email},
		{"phone", r.Phone},
		{"password", r.Password},
		{"birthday", r.Birthday},
		{"gender", r.Gender},
	}
	var files []UploadFile
	if r.Avatar != nil {
		files = []UploadFile{*r.Avatar}
	}
	res, err := a.c.postForm(ctx, "register", "/users/register", fields, "avatar", files, nil, false)
	if err != nil {
		return "", err
	}
	return res.Message, nil
}

// Logout drops the stored token.
func (a *AuthClient) Logout() error {
	return a.c.creds.Clear()
}

// UsersClient reads profiles and presence.
type UsersClient struct{ c *Client }

func (u *UsersClient) Profile(ctx context.Context) (*Profile, error) {
	res, err := u.c.do(ctx, "profile", "GET", "/users/profile", nil, nil, true)
	if err != nil {
		return nil, err
	}
	return decodeData[Profile]("profile", res)
}

// Statuses lists the presence of the viewer's contacts.
func (u *UsersClient) Statuses(ctx context.Context) ([]UserStatus, error) {
	res, err := u.c.do(ctx, "statuses", "GET", "/user-status/status", nil, nil, true)
	if err != nil {
		return nil, err
	}
	out, err := decodeData[[]UserStatus]("statuses", res)
	if err != nil {
		return nil, err
	}
	return *out, nil
}

// MessagesClient reads message history.
type MessagesClient struct{ c *Client }

// History returns one page of stored messages, in server order.
func (m *MessagesClient) History(ctx context.Context, q HistoryQuery) ([]Message, error) {
	page, err := m.Page(ctx, q)
	if err != nil {
		return nil, err
	}
	return page.Data, nil
}

// Page is History with the paging block.
func (m *MessagesClient) Page(ctx context.Context, q HistoryQuery) (*MessagePage, error) {
	query := url.Values{}
	if q.ReceiverID != "" {
		query.Set("receiver_id", q.ReceiverID)
	}
	if q.GroupID != "" {
		query.Set("group_id", q.GroupID)
	}
	if q.Limit > 0 {
		query.Set("limit", strconv.Itoa(q.Limit))
	}
	if !q.BeforeTime.IsZero() {
		query.Set("before_time", q.BeforeTime.UTC().Format(time.RFC3339Nano))
	}
	res, err := m.c.do(ctx, "history", "GET", "/message/get-message", query, nil, true)
	if err != nil {
		return nil, err
	}
	return decodeData[MessagePage]("history", res)
}

// ConversationsClient lists conversation summaries.
type ConversationsClient struct{ c *Client }

func (cc *ConversationsClient) List(ctx context.Context, page, limit int, keyword string) (*ConversationPage, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if keyword != "" {
		query.Set("keyword", keyword)
	}
	res, err := cc.c.do(ctx, "conversations", "GET", "/conversations/list", query, nil, true)
	if err != nil {
		return nil, err
	}
	return decodeData[ConversationPage]("conversations", res)
}

// SettingsClient reads and writes notification settings.
type SettingsClient struct{ c *Client }

func (s *SettingsClient) Get(ctx context.Context, targetID string, isGroup bool) (*NotificationSetting, error) {
	query := url.Values{}
	query.Set("target_id", targetID)
	query.Set("is_group", strconv.FormatBool(isGroup))
	res, err := s.c.do(ctx, "get setting", "GET", "/users/get-setting", query, nil, true)
	if err != nil {
		return nil, err
	}
	return decodeData[NotificationSetting]("get setting", res)
}

func (s *SettingsClient) Upsert(ctx context.Context, req UpsertSettingRequest) error {
	_, err := s.c.do(ctx, "upsert setting", "POST", "/users/upsert-setting", nil, req, true)
	return err
}

// GroupsClient handles group membership.
type GroupsClient struct{ c *Client }

func (g *GroupsClient) List(ctx context.Context) ([]Group, error) {
	res, err := g.c.do(ctx, "groups", "GET", "/group/get-all", nil, nil, true)
	if err != nil {
		return nil, err
	}
	out, err := decodeData[[]Group]("groups", res)
	if err != nil {
		return nil, err
	}
	return *out, nil
}

// Create makes a group owned by the viewer and returns its id. image is
// optional.
func (g *GroupsClient) Create(ctx context.Context, name string, image *UploadFile) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", errors.New("create group: empty name")
	}
	fields := []formField{{"name", name}, {"status", "active"}}
	var files []UploadFile
	if image != nil {
		files = []UploadFile{*image}
	}
	res, err := g.c.postForm(ctx, "create group", "/group/add", fields, "image", files, nil, true)
	if err != nil {
		return "", err
	}
	id, err := decodeData[string]("create group", res)
	if err != nil {
		return "", err
	}
	return *id, nil
}

// AddMember adds userID to groupID. An empty role lets the backend decide.
func (g *GroupsClient) AddMember(ctx context.Context, groupID, userID, role string) error {
	body := map[string]string{"group_id": groupID, "user_id": userID}
	if role != "" {
		body["role"] = role
	}
	_, err := g.c.do(ctx, "add member", "POST", "/group/add-number", nil, body, true)
	return err
}

// ============================================================================
// Media upload
// ============================================================================

// UploadFile is one file of a media upload. Size is used for progress only
// and may be zero.
type UploadFile struct {
	Name   string
	Reader io.Reader
	Size   int64
}

// ProgressFunc reports bytes written for the file at index.
type ProgressFunc func(index int, written, total int64)

// MediaClient uploads attachments.
type MediaClient struct{ c *Client }

// Upload sends files in one multipart request and returns their
// descriptors, in the same order.
func (m *MediaClient) Upload(ctx context.Context, files []UploadFile, progress ProgressFunc) ([]Media, error) {
	if len(files) == 0 {
		return nil, errors.New("upload: no files")
	}
	res, err := m.c.postForm(ctx, "upload", "/upload/media", nil, "files", files, progress, true)
	if err != nil {
		return nil, err
	}
	out, err := decodeData[[]Media]("upload", res)
	if err != nil {
		return nil, err
	}
	return *out, nil
}

type formField struct {
	name, value string
}

// postForm streams a multipart form: fields first, then files under
// fileField.
func (c *Client) postForm(ctx context.Context, op, path string, fields []formField, fileField string, files []UploadFile, progress ProgressFunc, auth bool) (*APIResponse, error) {
	pr, pw := io.Pipe()
	w := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeParts(w, fields, fileField, files, progress))
	}()

	req, err := c.newRequest(ctx, "POST", path, nil, pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	res, err := c.send(op, req, auth)
	pr.Close()
	return res, err
}

func writeParts(w *multipart.Writer, fields []formField, fileField string, files []UploadFile, progress ProgressFunc) error {
	for _, f := range fields {
		if err := w.WriteField(f.name, f.value); err != nil {
			return fmt.Errorf("failed to write field %s: %w", f.name, err)
		}
	}
	for i, f := range files {
		part, err := w.CreateFormFile(fileField, f.Name)
		if err != nil {
			return fmt.Errorf("failed to create form file: %w", err)
		}
		var dst io.Writer = part
		if progress != nil {
			dst = &progressWriter{w: part, index: i, total: f.Size, fn: progress}
		}
		if _, err := io.Copy(dst, f.Reader); err != nil {
			return fmt.Errorf("failed to write %s: %w", f.Name, err)
		}
	}
	return w.Close()
}

type progressWriter struct {
	w       io.Writer
	index   int
	written int64
	total   int64
	fn      ProgressFunc
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)
	p.fn(p.index, p.written, p.total)
	return n, err
}
