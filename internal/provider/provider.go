package provider

import (
	"context"
	"errors"
	"fmt"
)

// SendRequest is one outbound submission to the carrier.
type SendRequest struct {
	To       string
	Body     string
	MediaURL string
}

// Receipt is the carrier's immediate acknowledgment. RawStatus is the
// provider's own vocabulary; canonical mapping happens in the dispatcher.
type Receipt struct {
	ProviderID string
	RawStatus  string
}

// Client submits one message to the external carrier. Implementations make
// exactly one outbound call per invocation; retry policy lives with callers.
type Client interface {
	Name() string
	Send(ctx context.Context, req SendRequest) (Receipt, error)
}

// ErrUnavailable covers timeouts and transport failures: the carrier never
// acknowledged the message either way.
var ErrUnavailable = errors.New("provider unavailable")

// RejectionError is a definitive refusal from the carrier. It is not
// transient and must not be retried automatically.
type RejectionError struct {
	Code    int
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("provider rejected message (code %d): %s", e.Code, e.Message)
}

// optInCodes are the carrier error codes meaning the recipient has not
// registered for a sandboxed channel. Callers surface remediation steps for
// these instead of a generic rejection.
var optInCodes = map[int]bool{
	21608: true, // unverified recipient on a trial account
	21610: true, // recipient has opted out / blocked the sender
	63007: true, // whatsapp sender channel not found
	63016: true, // whatsapp freeform message outside the session window
}

// OptInRequired reports whether the rejection is fixable by the recipient
// joining or re-enabling the channel.
func (e *RejectionError) OptInRequired() bool {
	return optInCodes[e.Code]
}

// Troubleshooting returns remediation guidance for opt-in rejections, or ""
// for generic ones.
func (e *RejectionError) Troubleshooting() string {
	if !e.OptInRequired() {
		return ""
	}
	switch e.Code {
	case 63007, 63016:
		return "The recipient must message the WhatsApp sender number first to open a session window, or the message must use an approved template."
	default:
		return "The recipient number is not verified for this sending channel. Ask the recipient to opt in (or verify the number) and try again."
	}
}
