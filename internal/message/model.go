package message

import (
	"errors"
	"time"
)

type Channel string

const (
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelEmail    Channel = "email"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelSMS, ChannelWhatsApp, ChannelEmail:
		return true
	}
	return false
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusRead      Status = "read"
)

// Message is one send/receive event. Outbound messages are created pending
// and move through the state machine as provider callbacks arrive.
type Message struct {
	ID                 string
	ProviderID         *string
	Channel            Channel
	Direction          Direction
	Body               string
	MediaURL           *string
	Status             Status
	ErrorCode          *string
	ErrorMessage       *string
	ContactID          string
	AuthorID           *string
	ScheduledMessageID *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type ScheduleStatus string

const (
	SchedulePending   ScheduleStatus = "pending"
	ScheduleSent      ScheduleStatus = "sent"
	ScheduleFailed    ScheduleStatus = "failed"
	ScheduleCancelled ScheduleStatus = "cancelled"
)

// Terminal reports whether the scheduled status can still change. Terminal
// values are safe to cache indefinitely.
func (s ScheduleStatus) Terminal() bool {
	return s == ScheduleSent || s == ScheduleFailed || s == ScheduleCancelled
}

// ScheduledMessage is a deferred send intent. It is mutated only by the
// scheduler (pending -> sent/failed) or by explicit cancellation.
type ScheduledMessage struct {
	ID           string
	Channel      Channel
	Body         string
	MediaURL     *string
	ContactID    string
	AuthorID     string
	SendAt       time.Time
	Status       ScheduleStatus
	ErrorMessage *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Contact is the recipient/sender identity a message belongs to. Contact
// management lives elsewhere; the engine only resolves addresses.
type Contact struct {
	ID    string
	Phone string
	Email string
}

// Address returns the contact's provider address for a channel, or "" when
// the contact has none.
func (c Contact) Address(ch Channel) string {
	switch ch {
	case ChannelSMS, ChannelWhatsApp:
		return c.Phone
	case ChannelEmail:
		return c.Email
	}
	return ""
}

var (
	ErrNotFound       = errors.New("not found")
	ErrNotCancellable = errors.New("scheduled message is no longer cancellable")
)

// transitionSources lists the statuses a message may hold immediately before
// moving to the keyed status. Delivered and failed are terminal except for
// delivered -> read; nothing ever returns to pending.
var transitionSources = map[Status][]Status{
	StatusSent:      {StatusPending},
	StatusDelivered: {StatusPending, StatusSent},
	StatusFailed:    {StatusPending, StatusSent},
	StatusRead:      {StatusDelivered},
}

// TransitionSources returns the statuses from which to is reachable.
func TransitionSources(to Status) []Status {
	return transitionSources[to]
}

// CanTransition reports whether a message may move from one status to
// another. Identical statuses are a no-op, not a transition.
func CanTransition(from, to Status) bool {
	for _, s := range transitionSources[to] {
		if s == from {
			return true
		}
	}
	return false
}

// providerStatuses maps the provider's callback vocabulary onto the
// canonical enum. Anything absent is treated as unknown and must not cause
// a transition, so a stale or novel callback can never regress a message.
var providerStatuses = map[string]Status{
	"queued":      StatusSent,
	"accepted":    StatusSent,
	"sending":     StatusSent,
	"sent":        StatusSent,
	"delivered":   StatusDelivered,
	"failed":      StatusFailed,
	"undelivered": StatusFailed,
	"read":        StatusRead,
}

// StatusFromProvider translates a raw provider status string. ok is false
// for vocabulary this system does not recognise.
func StatusFromProvider(raw string) (Status, bool) {
	s, ok := providerStatuses[raw]
	return s, ok
}
