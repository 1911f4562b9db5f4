package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/example/courier/internal/hub"
	"github.com/example/courier/internal/message"
	"github.com/example/courier/internal/provider"
)

var (
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedPayload = errors.New("malformed callback payload")
)

var callbackCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "reconcile_callbacks_total",
	Help: "Provider callbacks processed",
}, []string{"result"})

// Callback is a status callback parsed into a typed struct at the boundary.
type Callback struct {
	ProviderID   string
	RawStatus    string
	ErrorCode    *string
	ErrorMessage *string
}

// InboundMessage is an incoming-message callback from the carrier.
type InboundMessage struct {
	ProviderID string
	From       string
	To         string
	Body       string
	MediaURL   *string
}

// ParseCallback rejects structurally invalid payloads before any business
// logic runs. The provider posts url-encoded forms.
func ParseCallback(form url.Values) (Callback, error) {
	cb := Callback{
		ProviderID: form.Get("MessageSid"),
		RawStatus:  form.Get("MessageStatus"),
	}
	if cb.ProviderID == "" {
		return Callback{}, fmt.Errorf("%w: MessageSid is required", ErrMalformedPayload)
	}
	if cb.RawStatus == "" {
		return Callback{}, fmt.Errorf("%w: MessageStatus is required", ErrMalformedPayload)
	}
	if v := form.Get("ErrorCode"); v != "" {
		cb.ErrorCode = &v
	}
	if v := form.Get("ErrorMessage"); v != "" {
		cb.ErrorMessage = &v
	}
	return cb, nil
}

// ParseInbound validates an incoming-message callback.
func ParseInbound(form url.Values) (InboundMessage, error) {
	in := InboundMessage{
		ProviderID: form.Get("MessageSid"),
		From:       form.Get("From"),
		To:         form.Get("To"),
		Body:       form.Get("Body"),
	}
	if in.ProviderID == "" || in.From == "" {
		return InboundMessage{}, fmt.Errorf("%w: MessageSid and From are required", ErrMalformedPayload)
	}
	if v := form.Get("MediaUrl0"); v != "" {
		in.MediaURL = &v
	}
	return in, nil
}

// Reconciler applies provider callbacks to stored messages.
type Reconciler struct {
	Store  message.Store
	Secret string
	Events hub.Broadcaster
	Logger zerolog.Logger

	// MaxRetryElapsed caps the backoff loop around store writes.
	MaxRetryElapsed time.Duration
}

// VerifySignature authenticates a callback. Both failure modes are terminal
// and must never reach the store.
func (r *Reconciler) VerifySignature(requestURL string, form url.Values, signature string) error {
	if signature == "" {
		return ErrMissingSignature
	}
	if !provider.VerifySignature(r.Secret, requestURL, form, signature) {
		return ErrInvalidSignature
	}
	return nil
}

// Reconcile applies one authenticated status callback. It is idempotent:
// redelivered callbacks find the transition already applied and produce no
// further state change or event. Unknown messages and unknown vocabulary are
// acknowledged no-ops so the provider does not retry-storm.
func (r *Reconciler) Reconcile(ctx context.Context, cb Callback) error {
	msg, err := r.Store.GetMessageByProviderID(ctx, cb.ProviderID)
	if err != nil {
		if errors.Is(err, message.ErrNotFound) {
			callbackCounter.WithLabelValues("unknown_message").Inc()
			r.Logger.Info().Str("provider_id", cb.ProviderID).Msg("callback for untracked message ignored")
			return nil
		}
		return fmt.Errorf("locate message: %w", err)
	}

	status, known := message.StatusFromProvider(cb.RawStatus)
	if !known {
		callbackCounter.WithLabelValues("unknown_status").Inc()
		r.Logger.Info().
			Str("provider_id", cb.ProviderID).
			Str("raw_status", cb.RawStatus).
			Msg("unrecognized provider status left message unchanged")
		return nil
	}

	applied, err := r.applyWithRetry(ctx, msg.ID, message.StatusUpdate{
		Status:       status,
		ErrorCode:    cb.ErrorCode,
		ErrorMessage: cb.ErrorMessage,
	})
	if err != nil {
		callbackCounter.WithLabelValues("store_error").Inc()
		return err
	}
	if !applied {
		// Duplicate delivery or a regression attempt; either way the stored
		// status is already at least as certain as the callback's.
		callbackCounter.WithLabelValues("noop").Inc()
		return nil
	}

	callbackCounter.WithLabelValues("applied").Inc()
	r.Events.Publish(ctx, hub.Event{
		Type: hub.EventStatusUpdate,
		Data: map[string]any{
			"message_id": msg.ID,
			"status":     status,
			"error_code": cb.ErrorCode,
		},
	})
	return nil
}

// Inbound records an incoming message and announces it to subscribers.
// Senders this system has no contact for are acknowledged and dropped.
// Redeliveries dedupe on the provider id.
func (r *Reconciler) Inbound(ctx context.Context, in InboundMessage) error {
	channel, address := channelForAddress(in.From)
	var (
		contact message.Contact
		err     error
	)
	if channel == message.ChannelEmail {
		contact, err = r.Store.GetContactByEmail(ctx, address)
	} else {
		contact, err = r.Store.GetContactByPhone(ctx, address)
	}
	if err != nil {
		if errors.Is(err, message.ErrNotFound) {
			callbackCounter.WithLabelValues("unknown_sender").Inc()
			r.Logger.Info().Str("from", in.From).Msg("inbound message from unknown sender ignored")
			return nil
		}
		return fmt.Errorf("resolve sender: %w", err)
	}

	providerID := in.ProviderID
	saved, duplicate, err := r.Store.CreateMessage(ctx, message.Message{
		ID:         uuid.NewString(),
		ProviderID: &providerID,
		Channel:    channel,
		Direction:  message.DirectionInbound,
		Body:       in.Body,
		MediaURL:   in.MediaURL,
		Status:     message.StatusDelivered,
		ContactID:  contact.ID,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("store inbound message: %w", err)
	}
	if duplicate {
		callbackCounter.WithLabelValues("noop").Inc()
		return nil
	}

	callbackCounter.WithLabelValues("inbound").Inc()
	r.Events.Publish(ctx, hub.Event{
		Type: hub.EventNewMessage,
		Data: map[string]any{
			"message_id": saved.ID,
			"contact_id": saved.ContactID,
			"channel":    saved.Channel,
			"direction":  saved.Direction,
			"body":       saved.Body,
		},
	})
	return nil
}

// applyWithRetry retries the guarded status update through transient store
// failures with capped exponential backoff.
func (r *Reconciler) applyWithRetry(ctx context.Context, id string, upd message.StatusUpdate) (bool, error) {
	op := backoff.NewExponentialBackOff()
	op.MaxElapsedTime = r.MaxRetryElapsed
	if op.MaxElapsedTime <= 0 {
		op.MaxElapsedTime = 5 * time.Second
	}

	var applied bool
	err := backoff.Retry(func() error {
		var err error
		applied, err = r.Store.ApplyStatus(ctx, id, upd)
		return err
	}, backoff.WithContext(op, ctx))
	return applied, err
}

// channelForAddress infers the channel an inbound address arrived on.
func channelForAddress(from string) (message.Channel, string) {
	if rest, ok := strings.CutPrefix(from, "whatsapp:"); ok {
		return message.ChannelWhatsApp, rest
	}
	if strings.Contains(from, "@") {
		return message.ChannelEmail, from
	}
	return message.ChannelSMS, from
}
