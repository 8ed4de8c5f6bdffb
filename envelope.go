package chatcore

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType is the envelope discriminator.
type EventType string

const (
	EventChat          EventType = "chat"
	EventUpdateSeen    EventType = "update_seen"
	EventConversations EventType = "conversations"
	EventMemberLeft    EventType = "member_left"
	EventPing          EventType = "ping"
	EventPong          EventType = "pong"

	// EventPresence is assigned locally to bare {user_id, status} frames,
	// which arrive without a type wrapper.
	EventPresence EventType = "presence"
)

// IsProbe reports whether t is liveness traffic.
func (t EventType) IsProbe() bool {
	return t == EventPing || t == EventPong
}

// Envelope is the unit exchanged over the realtime connection.
type Envelope struct {
	Type    EventType       `json:"type"`
	Message json.RawMessage `json:"message,omitempty"`
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(t EventType, payload interface{}) (Envelope, error) {
	env := Envelope{Type: t}
	if payload == nil {
		return env, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	env.Message = b
	return env, nil
}

// DecodeEnvelope parses one inbound frame.
func DecodeEnvelope(frame []byte) (Envelope, error) {
	var raw struct {
		Type    EventType       `json:"type"`
		Message json.RawMessage `json:"message"`
		UserID  string          `json:"user_id"`
		Status  string          `json:"status"`
	}
	if err := json.Unmarshal(frame, &raw); err != nil {
		return Envelope{}, &MalformedEnvelopeError{Frame: frame, Err: err}
	}
	if raw.Type == "" {
		if raw.UserID != "" && raw.Status != "" {
			return Envelope{Type: EventPresence, Message: json.RawMessage(frame)}, nil
		}
		return Envelope{}, &MalformedEnvelopeError{Frame: frame, Err: errors.New("missing type")}
	}
	return Envelope{Type: raw.Type, Message: raw.Message}, nil
}

func (e Envelope) decode(want EventType, v interface{}) error {
	if e.Type != want {
		return fmt.Errorf("envelope is %q, not %q", e.Type, want)
	}
	if len(e.Message) == 0 {
		return fmt.Errorf("%s envelope has no message", want)
	}
	if err := json.Unmarshal(e.Message, v); err != nil {
		return &MalformedEnvelopeError{Frame: e.Message, Err: err}
	}
	return nil
}

// ============================================================================
// Payloads
// ============================================================================

// ChatPayload is the outbound body of a chat envelope. Inbound chat
// envelopes carry the stored Message, see Envelope.Chat.
type ChatPayload struct {
	SenderID     string      `json:"sender_id"`
	ReceiverID   string      `json:"receiver_id,omitempty"`
	GroupID      string      `json:"group_id,omitempty"`
	Content      string      `json:"content"`
	Media        []Media     `json:"media_ids"`
	Type         MessageType `json:"type"`
	DisplayName  string      `json:"display_name"`
	Avatar       string      `json:"avatar,omitempty"`
	SenderAvatar string      `json:"sender_avatar,omitempty"`
	ClientID     string      `json:"client_id,omitempty"`
}

// SeenPayload acknowledges every message up to LastSeenMessageID. Outbound,
// SenderID is the viewer; inbound, SenderID is whoever saw the messages.
type SeenPayload struct {
	LastSeenMessageID MessageID `json:"last_seen_message_id"`
	SenderID          string    `json:"sender_id"`
	ReceiverID        string    `json:"receiver_id"`
	GroupID           string    `json:"group_id,omitempty"`
}

// ConversationPayload announces activity in a conversation for the list.
type ConversationPayload struct {
	SenderID        string      `json:"sender_id"`
	UserID          string      `json:"user_id,omitempty"`
	GroupID         string      `json:"group_id,omitempty"`
	DisplayName     string      `json:"display_name,omitempty"`
	Avatar          string      `json:"avatar,omitempty"`
	LastMessage     string      `json:"last_message,omitempty"`
	LastMessageType MessageType `json:"last_message_type,omitempty"`
}

// Key returns the conversation the payload is about.
func (p *ConversationPayload) Key() ConversationKey {
	return KeyFor(p.GroupID, p.UserID)
}

// MemberLeftPayload announces that SenderID left GroupID.
type MemberLeftPayload struct {
	SenderID string      `json:"sender_id"`
	GroupID  string      `json:"group_id"`
	Content  string      `json:"content"`
	Avatar   string      `json:"avatar,omitempty"`
	Type     MessageType `json:"type"`
}

// PresencePayload is a bare presence frame.
type PresencePayload struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

// Chat decodes a chat envelope.
func (e Envelope) Chat() (Message, error) {
	var m Message
	err := e.decode(EventChat, &m)
	return m, err
}

// Seen decodes an update_seen envelope.
func (e Envelope) Seen() (SeenPayload, error) {
	var p SeenPayload
	err := e.decode(EventUpdateSeen, &p)
	return p, err
}

// Conversation decodes a conversations envelope.
func (e Envelope) Conversation() (ConversationPayload, error) {
	var p ConversationPayload
	err := e.decode(EventConversations, &p)
	return p, err
}

// MemberLeft decodes a member_left envelope.
func (e Envelope) MemberLeft() (MemberLeftPayload, error) {
	var p MemberLeftPayload
	err := e.decode(EventMemberLeft, &p)
	return p, err
}

// Presence decodes a bare presence frame.
func (e Envelope) Presence() (PresencePayload, error) {
	var p PresencePayload
	err := e.decode(EventPresence, &p)
	return p, err
}
