package chatcore

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Messages
// ============================================================================

// MessageType tags the kind of content a message carries.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

// DeliveryStatus is the acknowledgement state of a message.
type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusSeen      DeliveryStatus = "seen"
)

// rank orders statuses so that merges only ever move forward.
func (s DeliveryStatus) rank() int {
	switch s {
	case StatusSeen:
		return 3
	case StatusDelivered:
		return 2
	case StatusSent:
		return 1
	}
	return 0
}

// MessageID is an opaque server-assigned identity. IDs are assigned
// monotonically, so two IDs of equal length compare lexically and a shorter
// ID sorts before a longer one.
type MessageID string

// Compare returns -1, 0 or +1.
func (id MessageID) Compare(other MessageID) int {
	switch {
	case len(id) < len(other):
		return -1
	case len(id) > len(other):
		return 1
	case id < other:
		return -1
	case id > other:
		return 1
	}
	return 0
}

// Media describes an uploaded attachment referenced from a chat message.
type Media struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	URL      string `json:"url"`
}

// Message is a single chat message, either fetched from history or pushed
// over the realtime connection. Exactly one of ReceiverID and GroupID is
// meaningful; see KeyForMessage.
type Message struct {
	ID           MessageID      `json:"id"`
	SenderID     string         `json:"sender_id"`
	ReceiverID   string         `json:"receiver_id,omitempty"`
	GroupID      string         `json:"group_id,omitempty"`
	Content      string         `json:"content"`
	Media        []Media        `json:"media_ids,omitempty"`
	Type         MessageType    `json:"type,omitempty"`
	Status       DeliveryStatus `json:"status,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	DisplayName  string         `json:"display_name,omitempty"`
	Avatar       string         `json:"avatar,omitempty"`
	SenderAvatar string         `json:"sender_avatar,omitempty"`
	ClientID     string         `json:"client_id,omitempty"`
}

// before reports whether m sorts strictly before other in a conversation.
func (m *Message) before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID.Compare(other.ID) < 0
}

// ============================================================================
// Conversations & presence
// ============================================================================

// ConversationSummary is one row of the conversation list.
type ConversationSummary struct {
	UserID          string      `json:"user_id,omitempty"`
	GroupID         string      `json:"group_id,omitempty"`
	DisplayName     string      `json:"display_name"`
	Avatar          string      `json:"avatar,omitempty"`
	LastMessage     string      `json:"last_message,omitempty"`
	LastMessageType MessageType `json:"last_message_type,omitempty"`
	LastDate        time.Time   `json:"last_date,omitempty"`
	UnreadCount     int         `json:"unread_count"`
	Status          string      `json:"status,omitempty"`
	UpdatedAt       time.Time   `json:"updated_at,omitempty"`
}

// UnmarshalJSON tolerates empty or missing timestamps, which the list API
// returns for conversations that never had a message.
func (s *ConversationSummary) UnmarshalJSON(data []byte) error {
	type alias ConversationSummary
	aux := struct {
		*alias
		LastDate  string `json:"last_date"`
		UpdatedAt string `json:"updated_at"`
	}{alias: (*alias)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	s.LastDate = parseTime(aux.LastDate)
	s.UpdatedAt = parseTime(aux.UpdatedAt)
	return nil
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Key returns the conversation key this summary addresses.
func (s *ConversationSummary) Key() ConversationKey {
	return KeyFor(s.GroupID, s.UserID)
}

// Presence statuses.
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// UserStatus is a presence row from the status API.
type UserStatus struct {
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Avatar    string    `json:"avatar"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Profile is the authenticated user's profile.
type Profile struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Email       string `json:"email"`
	Avatar      string `json:"avatar"`
	Phone       string `json:"phone"`
	DisplayName string `json:"display_name"`
	Birthday    string `json:"birthday"`
	Gender      string `json:"gender"`
}

// Group is a group chat the user belongs to.
type Group struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Image     string    `json:"image"`
	CreatorID string    `json:"creator_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ============================================================================
// Notification settings
// ============================================================================

// MuteForever is the mute_until value meaning the mute never expires. An
// empty mute_until on a muted setting means the same thing.
var MuteForever = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

// NotificationSetting is the per (viewer, target) notification preference.
type NotificationSetting struct {
	TargetID  string     `json:"target_id"`
	IsGroup   bool       `json:"is_group"`
	IsMuted   bool       `json:"is_muted"`
	MuteUntil *time.Time `json:"mute_until,omitempty"`
}

func (s *NotificationSetting) UnmarshalJSON(data []byte) error {
	type alias NotificationSetting
	aux := struct {
		*alias
		MuteUntil string `json:"mute_until"`
	}{alias: (*alias)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	s.MuteUntil = nil
	if t := parseTime(aux.MuteUntil); !t.IsZero() {
		s.MuteUntil = &t
	}
	return nil
}

// Suppressed reports whether alerts for this target are muted at now.
func (s *NotificationSetting) Suppressed(now time.Time) bool {
	if s == nil || !s.IsMuted {
		return false
	}
	if s.MuteUntil == nil || s.MuteUntil.IsZero() || !s.MuteUntil.Before(MuteForever) {
		return true
	}
	return now.Before(*s.MuteUntil)
}

// UpsertSettingRequest is the body of the setting upsert call.
type UpsertSettingRequest struct {
	UserID    string     `json:"user_id"`
	TargetID  string     `json:"target_id"`
	IsGroup   bool       `json:"is_group"`
	IsMuted   bool       `json:"is_muted"`
	MuteUntil *time.Time `json:"mute_until,omitempty"`
}

// ============================================================================
// API envelopes
// ============================================================================

// APIResponse is the generic backend response.
type APIResponse struct {
	Status  int             `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *APIResponse) Decode(v interface{}) error {
	if len(r.Data) == 0 || string(r.Data) == "null" {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// MessagePage is the data block of a history response.
type MessagePage struct {
	Count int       `json:"count"`
	Limit int       `json:"limit"`
	Skip  int       `json:"skip"`
	Data  []Message `json:"data"`
}

// ConversationPage is the data block of a conversation list response.
type ConversationPage struct {
	Total int                   `json:"total"`
	Page  int                   `json:"page"`
	Limit int                   `json:"limit"`
	Data  []ConversationSummary `json:"data"`
}

// HistoryQuery selects one page of history for a conversation. Paging is by
// BeforeTime only; the backend's skip parameter is never sent.
type HistoryQuery struct {
	ReceiverID string
	GroupID    string
	Limit      int
	BeforeTime time.Time
}
