package chatcore

import (
	"fmt"
	"strings"
)

// NoGroupID is the placeholder the backend puts in group_id for direct
// messages. Only IsGroupID looks at it.
const NoGroupID = "000000000000000000000000"

// IsGroupID reports whether id names a real group.
func IsGroupID(id string) bool {
	return id != "" && id != NoGroupID
}

// KeyKind distinguishes direct from group conversations.
type KeyKind uint8

const (
	KindDirect KeyKind = iota + 1
	KindGroup
)

// ConversationKey addresses one conversation. The zero value addresses
// nothing; build keys with KeyFor or one of its helpers.
type ConversationKey struct {
	Kind KeyKind
	ID   string
}

// KeyFor is the canonical constructor: a real group id wins, otherwise the
// key is the direct conversation with counterpartyID.
func KeyFor(groupID, counterpartyID string) ConversationKey {
	if IsGroupID(groupID) {
		return ConversationKey{Kind: KindGroup, ID: groupID}
	}
	if counterpartyID == "" {
		return ConversationKey{}
	}
	return ConversationKey{Kind: KindDirect, ID: counterpartyID}
}

// GroupKey returns the key of a group conversation.
func GroupKey(groupID string) ConversationKey { return KeyFor(groupID, "") }

// DirectKey returns the key of the direct conversation with userID.
func DirectKey(userID string) ConversationKey { return KeyFor("", userID) }

// KeyForPeer resolves a sender/receiver pair relative to viewer: the
// counterparty is whichever side is not the viewer.
func KeyForPeer(senderID, receiverID, groupID, viewer string) ConversationKey {
	counterparty := senderID
	if senderID == viewer {
		counterparty = receiverID
	}
	return KeyFor(groupID, counterparty)
}

// KeyForMessage resolves the conversation a message belongs to.
func KeyForMessage(m *Message, viewer string) ConversationKey {
	return KeyForPeer(m.SenderID, m.ReceiverID, m.GroupID, viewer)
}

// IsZero reports whether k addresses nothing.
func (k ConversationKey) IsZero() bool { return k.Kind == 0 }

// IsGroup reports whether k addresses a group conversation.
func (k ConversationKey) IsGroup() bool { return k.Kind == KindGroup }

// GroupID returns the group id, or "" for a direct key.
func (k ConversationKey) GroupID() string {
	if k.Kind == KindGroup {
		return k.ID
	}
	return ""
}

// PeerID returns the counterparty id, or "" for a group key.
func (k ConversationKey) PeerID() string {
	if k.Kind == KindDirect {
		return k.ID
	}
	return ""
}

func (k ConversationKey) String() string {
	switch k.Kind {
	case KindGroup:
		return "group:" + k.ID
	case KindDirect:
		return "user:" + k.ID
	}
	return ""
}

// ParseConversationKey parses "user:<id>" or "group:<id>". A group key
// carrying the placeholder id is rejected.
func ParseConversationKey(s string) (ConversationKey, error) {
	prefix, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return ConversationKey{}, fmt.Errorf("invalid conversation key %q", s)
	}
	switch prefix {
	case "user", "direct":
		return DirectKey(id), nil
	case "group":
		if !IsGroupID(id) {
			return ConversationKey{}, fmt.Errorf("invalid group id in key %q", s)
		}
		return GroupKey(id), nil
	}
	return ConversationKey{}, fmt.Errorf("unknown conversation key kind %q", prefix)
}
