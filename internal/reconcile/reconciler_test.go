package reconcile

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/courier/internal/hub"
	"github.com/example/courier/internal/message"
	"github.com/example/courier/internal/provider"
)

type captureSink struct {
	mu     sync.Mutex
	events []hub.Event
}

func (c *captureSink) Publish(_ context.Context, ev hub.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *captureSink) count(t hub.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func seedSentMessage(t *testing.T, store *message.MemoryStore, providerID string) message.Message {
	t.Helper()
	pid := providerID
	msg, _, err := store.CreateMessage(context.Background(), message.Message{
		ID:         "m-" + providerID,
		ProviderID: &pid,
		Channel:    message.ChannelSMS,
		Direction:  message.DirectionOutbound,
		Body:       "hello",
		Status:     message.StatusSent,
		ContactID:  "c1",
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed message: %v", err)
	}
	return msg
}

func newReconciler(store message.Store, sink *captureSink) *Reconciler {
	return &Reconciler{
		Store:           store,
		Secret:          "secret",
		Events:          sink,
		Logger:          zerolog.Nop(),
		MaxRetryElapsed: 100 * time.Millisecond,
	}
}

func TestReconcileAppliesDelivered(t *testing.T) {
	store := message.NewMemoryStore()
	sink := &captureSink{}
	r := newReconciler(store, sink)
	msg := seedSentMessage(t, store, "SM1")

	if err := r.Reconcile(context.Background(), Callback{ProviderID: "SM1", RawStatus: "delivered"}); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	got, _ := store.GetMessage(context.Background(), msg.ID)
	if got.Status != message.StatusDelivered {
		t.Fatalf("status=%s, expected delivered", got.Status)
	}
	if sink.count(hub.EventStatusUpdate) != 1 {
		t.Fatalf("expected one status_update event, got %d", sink.count(hub.EventStatusUpdate))
	}
}

func TestReconcileReplayIsIdempotent(t *testing.T) {
	store := message.NewMemoryStore()
	sink := &captureSink{}
	r := newReconciler(store, sink)
	msg := seedSentMessage(t, store, "SM1")

	cb := Callback{ProviderID: "SM1", RawStatus: "delivered"}
	for i := 0; i < 2; i++ {
		if err := r.Reconcile(context.Background(), cb); err != nil {
			t.Fatalf("reconcile #%d: %v", i+1, err)
		}
	}

	got, _ := store.GetMessage(context.Background(), msg.ID)
	if got.Status != message.StatusDelivered {
		t.Fatalf("status=%s, expected delivered", got.Status)
	}
	if n := sink.count(hub.EventStatusUpdate); n != 1 {
		t.Fatalf("replay produced %d status_update events, expected 1", n)
	}
}

func TestReconcileNeverRegresses(t *testing.T) {
	store := message.NewMemoryStore()
	sink := &captureSink{}
	r := newReconciler(store, sink)
	msg := seedSentMessage(t, store, "SM1")

	if err := r.Reconcile(context.Background(), Callback{ProviderID: "SM1", RawStatus: "delivered"}); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	// A stale queued callback arrives after delivery confirmation.
	if err := r.Reconcile(context.Background(), Callback{ProviderID: "SM1", RawStatus: "queued"}); err != nil {
		t.Fatalf("reconcile stale: %v", err)
	}

	got, _ := store.GetMessage(context.Background(), msg.ID)
	if got.Status != message.StatusDelivered {
		t.Fatalf("status=%s, delivered must not regress", got.Status)
	}
}

func TestReconcileUnknownMessageIsAcknowledged(t *testing.T) {
	store := message.NewMemoryStore()
	sink := &captureSink{}
	r := newReconciler(store, sink)

	if err := r.Reconcile(context.Background(), Callback{ProviderID: "SM-nope", RawStatus: "delivered"}); err != nil {
		t.Fatalf("unknown message must not error: %v", err)
	}
	if len(sink.events) != 0 {
		t.Fatal("unknown message must not emit events")
	}
}

func TestReconcileUnknownStatusIsNoop(t *testing.T) {
	store := message.NewMemoryStore()
	sink := &captureSink{}
	r := newReconciler(store, sink)
	msg := seedSentMessage(t, store, "SM1")

	if err := r.Reconcile(context.Background(), Callback{ProviderID: "SM1", RawStatus: "carrier_special"}); err != nil {
		t.Fatalf("unknown status must not error: %v", err)
	}
	got, _ := store.GetMessage(context.Background(), msg.ID)
	if got.Status != message.StatusSent {
		t.Fatalf("status=%s, unknown vocabulary must leave status unchanged", got.Status)
	}
	if len(sink.events) != 0 {
		t.Fatal("unknown status must not emit events")
	}
}

func TestReconcileAttachesErrorMetadata(t *testing.T) {
	store := message.NewMemoryStore()
	sink := &captureSink{}
	r := newReconciler(store, sink)
	msg := seedSentMessage(t, store, "SM1")

	code := "30003"
	detail := "unreachable destination"
	if err := r.Reconcile(context.Background(), Callback{
		ProviderID:   "SM1",
		RawStatus:    "undelivered",
		ErrorCode:    &code,
		ErrorMessage: &detail,
	}); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	got, _ := store.GetMessage(context.Background(), msg.ID)
	if got.Status != message.StatusFailed {
		t.Fatalf("status=%s, expected failed", got.Status)
	}
	if got.ErrorCode == nil || *got.ErrorCode != code {
		t.Fatalf("error code not attached: %v", got.ErrorCode)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != detail {
		t.Fatalf("error message not attached: %v", got.ErrorMessage)
	}
}

func TestVerifySignature(t *testing.T) {
	r := newReconciler(message.NewMemoryStore(), &captureSink{})
	requestURL := "https://courier.example.com/v1/webhooks/status"
	form := url.Values{}
	form.Set("MessageSid", "SM1")
	form.Set("MessageStatus", "delivered")

	valid := provider.Signature("secret", requestURL, form)
	if err := r.VerifySignature(requestURL, form, valid); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if err := r.VerifySignature(requestURL, form, ""); err != ErrMissingSignature {
		t.Fatalf("expected ErrMissingSignature, got %v", err)
	}
	if err := r.VerifySignature(requestURL, form, "bogus"); err != ErrInvalidSignature {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestParseCallback(t *testing.T) {
	form := url.Values{}
	form.Set("MessageSid", "SM1")
	form.Set("MessageStatus", "failed")
	form.Set("ErrorCode", "30008")

	cb, err := ParseCallback(form)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cb.ProviderID != "SM1" || cb.RawStatus != "failed" {
		t.Fatalf("unexpected callback: %+v", cb)
	}
	if cb.ErrorCode == nil || *cb.ErrorCode != "30008" {
		t.Fatalf("error code not parsed: %+v", cb)
	}

	for _, missing := range []string{"MessageSid", "MessageStatus"} {
		bad := url.Values{}
		bad.Set("MessageSid", "SM1")
		bad.Set("MessageStatus", "failed")
		bad.Del(missing)
		if _, err := ParseCallback(bad); err == nil {
			t.Fatalf("expected error when %s is missing", missing)
		}
	}
}

func TestInboundCreatesMessageOnce(t *testing.T) {
	store := message.NewMemoryStore()
	store.PutContact(message.Contact{ID: "c1", Phone: "+15550001111"})
	sink := &captureSink{}
	r := newReconciler(store, sink)

	in := InboundMessage{ProviderID: "SMin", From: "+15550001111", To: "+15559990000", Body: "hi there"}
	for i := 0; i < 2; i++ {
		if err := r.Inbound(context.Background(), in); err != nil {
			t.Fatalf("inbound #%d: %v", i+1, err)
		}
	}

	saved, err := store.GetMessageByProviderID(context.Background(), "SMin")
	if err != nil {
		t.Fatalf("inbound message not stored: %v", err)
	}
	if saved.Direction != message.DirectionInbound || saved.Channel != message.ChannelSMS {
		t.Fatalf("unexpected message: %+v", saved)
	}
	if n := sink.count(hub.EventNewMessage); n != 1 {
		t.Fatalf("redelivered inbound produced %d new_message events, expected 1", n)
	}
}

func TestInboundUnknownSenderIgnored(t *testing.T) {
	store := message.NewMemoryStore()
	sink := &captureSink{}
	r := newReconciler(store, sink)

	err := r.Inbound(context.Background(), InboundMessage{ProviderID: "SMx", From: "+15550009999", Body: "?"})
	if err != nil {
		t.Fatalf("unknown sender must not error: %v", err)
	}
	if len(sink.events) != 0 {
		t.Fatal("unknown sender must not emit events")
	}
}

func TestChannelForAddress(t *testing.T) {
	tests := []struct {
		from    string
		channel message.Channel
		address string
	}{
		{"whatsapp:+15550001111", message.ChannelWhatsApp, "+15550001111"},
		{"+15550001111", message.ChannelSMS, "+15550001111"},
		{"someone@example.com", message.ChannelEmail, "someone@example.com"},
	}
	for _, tc := range tests {
		ch, addr := channelForAddress(tc.from)
		if ch != tc.channel || addr != tc.address {
			t.Fatalf("channelForAddress(%q)=(%s,%s), expected (%s,%s)", tc.from, ch, addr, tc.channel, tc.address)
		}
	}
}
