package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/courier/internal/message"
	"github.com/example/courier/internal/provider"
)

var (
	ErrInvalidRecipient   = errors.New("invalid recipient address")
	ErrUnsupportedChannel = errors.New("unsupported channel")
	ErrEmptyBody          = errors.New("message body is empty")
)

var (
	sendCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_sends_total",
		Help: "Outbound provider submissions",
	}, []string{"channel", "outcome"})
	sendLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_send_duration_seconds",
		Help:    "Latency of provider submissions",
		Buckets: prometheus.DefBuckets,
	}, []string{"channel"})
)

var phonePattern = regexp.MustCompile(`^\+?[0-9]{7,15}$`)

// Request is one send intent, already resolved to a provider address.
type Request struct {
	Address  string
	Body     string
	Channel  message.Channel
	MediaURL string
}

// Receipt is the normalized immediate acknowledgment. Status is always
// StatusSent: delivery confirmation only ever arrives through the
// reconciler, never from the send path.
type Receipt struct {
	ProviderID string
	Status     message.Status
}

// Dispatcher converts a send intent into exactly one provider call. It does
// not retry; transient failures surface as provider.ErrUnavailable and the
// caller decides what to do with the pending message.
type Dispatcher struct {
	Providers map[message.Channel]provider.Client
	Timeout   time.Duration
	Logger    zerolog.Logger
}

func (d *Dispatcher) Send(ctx context.Context, req Request) (Receipt, error) {
	client, ok := d.Providers[req.Channel]
	if !ok {
		return Receipt{}, fmt.Errorf("%w: %s", ErrUnsupportedChannel, req.Channel)
	}
	if err := validateAddress(req.Channel, req.Address); err != nil {
		return Receipt{}, err
	}

	body := req.Body
	if req.Channel != message.ChannelEmail {
		body = PlainText(body)
	}
	if body == "" {
		return Receipt{}, ErrEmptyBody
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	callCtx, span := otel.Tracer("dispatch").Start(callCtx, "provider_send")
	span.SetAttributes(
		attribute.String("message.channel", string(req.Channel)),
		attribute.String("provider", client.Name()),
	)
	defer span.End()

	start := time.Now()
	receipt, err := client.Send(callCtx, provider.SendRequest{
		To:       req.Address,
		Body:     body,
		MediaURL: req.MediaURL,
	})
	sendLatency.WithLabelValues(string(req.Channel)).Observe(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		sendCounter.WithLabelValues(string(req.Channel), outcome(err)).Inc()
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, provider.ErrUnavailable) {
			err = fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
		}
		return Receipt{}, err
	}

	sendCounter.WithLabelValues(string(req.Channel), "accepted").Inc()
	span.SetAttributes(attribute.String("provider.id", receipt.ProviderID))

	// Acceptance vocabulary (queued/accepted/sending/sent) all collapses to
	// canonical sent. Anything else from the ack path is logged and still
	// treated as sent: the reconciler owns every later transition.
	if st, known := message.StatusFromProvider(receipt.RawStatus); !known || st != message.StatusSent {
		d.Logger.Debug().
			Str("raw_status", receipt.RawStatus).
			Str("provider", client.Name()).
			Msg("unexpected ack status from provider")
	}
	return Receipt{ProviderID: receipt.ProviderID, Status: message.StatusSent}, nil
}

func validateAddress(ch message.Channel, address string) error {
	if address == "" {
		return ErrInvalidRecipient
	}
	switch ch {
	case message.ChannelSMS, message.ChannelWhatsApp:
		if !phonePattern.MatchString(address) {
			return fmt.Errorf("%w: %q is not a phone number", ErrInvalidRecipient, address)
		}
	case message.ChannelEmail:
		if _, err := mail.ParseAddress(address); err != nil {
			return fmt.Errorf("%w: %q is not an email address", ErrInvalidRecipient, address)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedChannel, ch)
	}
	return nil
}

func outcome(err error) string {
	var rej *provider.RejectionError
	switch {
	case errors.As(err, &rej):
		return "rejected"
	case errors.Is(err, provider.ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
