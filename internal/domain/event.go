package domain

import (
	"time"
)

// EventType is the closed vocabulary of domain events the core accepts.
// Producers publishing anything else are rejected at the bus boundary.
type EventType string

const (
	EventPosts            EventType = "posts"
	EventReactions        EventType = "reactions"
	EventTrends           EventType = "trends"
	EventNews             EventType = "news"
	EventAIResponses      EventType = "ai_responses"
	EventLiveReactions    EventType = "live_reactions"
	EventTypingIndicators EventType = "typing_indicators"
	EventUserStatus       EventType = "user_status"
	EventDirectMessages   EventType = "direct_messages"
)

// AllEventTypes lists every valid event type in a stable order.
var AllEventTypes = []EventType{
	EventPosts,
	EventReactions,
	EventTrends,
	EventNews,
	EventAIResponses,
	EventLiveReactions,
	EventTypingIndicators,
	EventUserStatus,
	EventDirectMessages,
}

// BroadcastEventTypes is the default subscription set for broadcast
// connections that name no channels.
var BroadcastEventTypes = []EventType{
	EventPosts,
	EventReactions,
	EventTrends,
	EventNews,
	EventAIResponses,
}

// Valid reports whether t belongs to the closed vocabulary.
func (t EventType) Valid() bool {
	switch t {
	case EventPosts, EventReactions, EventTrends, EventNews, EventAIResponses,
		EventLiveReactions, EventTypingIndicators, EventUserStatus, EventDirectMessages:
		return true
	}
	return false
}

// Interactive reports whether events of this type are delivered over the
// interactive channel first.
func (t EventType) Interactive() bool {
	switch t {
	case EventTypingIndicators, EventLiveReactions, EventDirectMessages, EventUserStatus:
		return true
	}
	return false
}

// Event is an immutable, typed notification of a state change.
// Payload contents are opaque to the bus; delivery-side filters consult
// well-known keys (author_id, content, region, relevance, alignment,
// target_user_id) when present.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
	UserID    string         `json:"user_id,omitempty"`
}

// PayloadString returns the named payload field as a string, or "" when
// absent or of another type.
func (e Event) PayloadString(key string) string {
	s, _ := e.Payload[key].(string)
	return s
}

// PayloadFloat returns the named payload field as a float64.
// JSON decoding yields float64 for all numbers, so this covers the wire case.
func (e Event) PayloadFloat(key string) (float64, bool) {
	f, ok := e.Payload[key].(float64)
	return f, ok
}

// AuthorID identifies the user whose action produced the event, preferring
// the explicit event-level user id over the payload field.
func (e Event) AuthorID() string {
	if e.UserID != "" {
		return e.UserID
	}
	return e.PayloadString("author_id")
}

// ReactionKind is the closed set of live reaction kinds clients may send.
type ReactionKind string

const (
	ReactionLike  ReactionKind = "like"
	ReactionLove  ReactionKind = "love"
	ReactionLaugh ReactionKind = "laugh"
	ReactionWow   ReactionKind = "wow"
	ReactionSad   ReactionKind = "sad"
	ReactionAngry ReactionKind = "angry"
)

// Valid reports whether k is a known reaction kind.
func (k ReactionKind) Valid() bool {
	switch k {
	case ReactionLike, ReactionLove, ReactionLaugh, ReactionWow, ReactionSad, ReactionAngry:
		return true
	}
	return false
}
