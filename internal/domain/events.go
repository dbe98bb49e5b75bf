package domain

import (
	"sync"
	"time"
)

type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
)

type EventType string

const (
	EventTypeNewMessage      EventType = "message.new"
	EventTypeTyping          EventType = "user.typing"
	EventTypeReadReceipt     EventType = "messages.read"
	EventTypeConnectionState EventType = "connection.state"
	EventTypeTimelineUpdated EventType = "timeline.updated"
	EventTypeInboxUpdated    EventType = "inbox.updated"
)

type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// NewMessageEvent carries one pushed message. NewChat is only set when the
// server announced a chat this client has never seen; it holds the minimal
// participant metadata needed to synthesize the conversation entry.
type NewMessageEvent struct {
	ChatID    string
	Message   *Message
	NewChat   *Chat
	EventTime time.Time
}

func (e NewMessageEvent) Type() EventType      { return EventTypeNewMessage }
func (e NewMessageEvent) Timestamp() time.Time { return e.EventTime }

// TypingEvent is ephemeral; consumers expire it themselves.
type TypingEvent struct {
	ChatID    string
	UserID    string
	EventTime time.Time
}

func (e TypingEvent) Type() EventType      { return EventTypeTyping }
func (e TypingEvent) Timestamp() time.Time { return e.EventTime }

type ReadReceiptEvent struct {
	ChatID     string
	ReaderID   string
	MessageIDs []string
	EventTime  time.Time
}

func (e ReadReceiptEvent) Type() EventType      { return EventTypeReadReceipt }
func (e ReadReceiptEvent) Timestamp() time.Time { return e.EventTime }

type ConnectionStateEvent struct {
	State     ConnectionState
	Reason    string
	EventTime time.Time
}

func (e ConnectionStateEvent) Type() EventType      { return EventTypeConnectionState }
func (e ConnectionStateEvent) Timestamp() time.Time { return e.EventTime }

// TimelineUpdatedEvent signals that the open conversation's message list
// changed; UI consumers re-read the timeline snapshot.
type TimelineUpdatedEvent struct {
	ChatID    string
	EventTime time.Time
}

func (e TimelineUpdatedEvent) Type() EventType      { return EventTypeTimelineUpdated }
func (e TimelineUpdatedEvent) Timestamp() time.Time { return e.EventTime }

type InboxUpdatedEvent struct {
	EventTime time.Time
}

func (e InboxUpdatedEvent) Type() EventType      { return EventTypeInboxUpdated }
func (e InboxUpdatedEvent) Timestamp() time.Time { return e.EventTime }

// EventBus provides pub/sub for domain events
type EventBus interface {
	Publish(event Event)
	Subscribe(eventTypes []EventType) <-chan Event
	Unsubscribe(ch <-chan Event)
}

// SimpleEventBus is a basic in-memory implementation of EventBus.
// Unsubscription is keyed by the channel returned from Subscribe, so there
// is no handler reference for callers to lose.
type SimpleEventBus struct {
	mu          sync.RWMutex
	subscribers map[<-chan Event]subscription
}

type subscription struct {
	ch         chan Event
	eventTypes map[EventType]bool
}

func NewEventBus() *SimpleEventBus {
	return &SimpleEventBus{
		subscribers: make(map[<-chan Event]subscription),
	}
}

func (b *SimpleEventBus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if len(sub.eventTypes) == 0 || sub.eventTypes[event.Type()] {
			select {
			case sub.ch <- event:
			default:
				// Channel full, skip this subscriber
			}
		}
	}
}

func (b *SimpleEventBus) Subscribe(eventTypes []EventType) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 100)
	typeMap := make(map[EventType]bool)
	for _, t := range eventTypes {
		typeMap[t] = true
	}

	b.subscribers[ch] = subscription{
		ch:         ch,
		eventTypes: typeMap,
	}

	return ch
}

func (b *SimpleEventBus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[ch]; ok {
		close(sub.ch)
		delete(b.subscribers, ch)
	}
}
