package message

import (
	"context"
	"time"
)

// StatusUpdate carries the metadata attached to a status transition.
type StatusUpdate struct {
	Status       Status
	ErrorCode    *string
	ErrorMessage *string
}

// Store is the durable state the engine runs against.
type Store interface {
	// CreateMessage persists a message. When the message carries a provider
	// id that already exists, the stored message is returned with duplicate
	// set so webhook redeliveries stay idempotent.
	CreateMessage(ctx context.Context, m Message) (Message, bool, error)
	GetMessage(ctx context.Context, id string) (Message, error)
	GetMessageByProviderID(ctx context.Context, providerID string) (Message, error)

	// MarkMessageSent records provider acceptance of a pending message.
	MarkMessageSent(ctx context.Context, id, providerID string) (bool, error)

	// ApplyStatus applies a guarded status transition. It returns false when
	// the state machine forbids the move (including same-status no-ops), so
	// replayed callbacks converge without erroring.
	ApplyStatus(ctx context.Context, id string, upd StatusUpdate) (bool, error)

	CreateScheduledMessage(ctx context.Context, s ScheduledMessage) (ScheduledMessage, error)
	GetScheduledMessage(ctx context.Context, id string) (ScheduledMessage, error)
	ListScheduledMessages(ctx context.Context) ([]ScheduledMessage, error)
	DueScheduledMessages(ctx context.Context, now time.Time) ([]ScheduledMessage, error)

	// MarkScheduledSent / MarkScheduledFailed flip a pending row into a
	// terminal state; false means the row was not pending anymore.
	MarkScheduledSent(ctx context.Context, id string) (bool, error)
	MarkScheduledFailed(ctx context.Context, id, reason string) (bool, error)

	// CancelScheduledMessage cancels a pending row. It fails with
	// ErrNotCancellable once the row left pending or a message already
	// references it (the scheduler won the race).
	CancelScheduledMessage(ctx context.Context, id string) error

	// MessageForScheduled returns the message created for a scheduled send,
	// or ErrNotFound. Used for crash repair.
	MessageForScheduled(ctx context.Context, scheduledID string) (Message, error)

	GetContact(ctx context.Context, id string) (Contact, error)
	GetContactByPhone(ctx context.Context, phone string) (Contact, error)
	GetContactByEmail(ctx context.Context, email string) (Contact, error)
}
