package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/courier/internal/dispatch"
	"github.com/example/courier/internal/hub"
	"github.com/example/courier/internal/message"
	"github.com/example/courier/internal/provider"
)

type fakeSender struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeSender) Send(_ context.Context, _ dispatch.Request) (dispatch.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return dispatch.Receipt{}, f.err
	}
	return dispatch.Receipt{
		ProviderID: fmt.Sprintf("SM%d", f.calls),
		Status:     message.StatusSent,
	}, nil
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// gatedSender blocks inside Send until released, modelling a dispatch that
// is in flight while other calls race it.
type gatedSender struct {
	fakeSender
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSender) Send(ctx context.Context, req dispatch.Request) (dispatch.Receipt, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.fakeSender.Send(ctx, req)
}

type fakeCache struct {
	mu sync.Mutex
	m  map[string]string
}

func (f *fakeCache) SetStatus(_ context.Context, id, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.m == nil {
		f.m = make(map[string]string)
	}
	f.m[id] = status
}

func (f *fakeCache) Invalidate(_ context.Context, id string) {
	f.mu.Lock()
	delete(f.m, id)
	f.mu.Unlock()
}

func (f *fakeCache) get(id string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.m[id]
	return v, ok
}

type captureSink struct {
	mu     sync.Mutex
	events []hub.Event
}

func (c *captureSink) Publish(_ context.Context, ev hub.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func newScheduler(store message.Store, sender Sender, sink *captureSink) *Scheduler {
	return &Scheduler{
		Store:      store,
		Dispatcher: sender,
		Events:     sink,
		Logger:     zerolog.Nop(),
	}
}

func seedScheduled(t *testing.T, store *message.MemoryStore, sendAt time.Time) message.ScheduledMessage {
	t.Helper()
	store.PutContact(message.Contact{ID: "c1", Phone: "+15550001111", Email: "c1@example.com"})
	sm, err := store.CreateScheduledMessage(context.Background(), message.ScheduledMessage{
		ID:        "sched-1",
		Channel:   message.ChannelSMS,
		Body:      "Hello",
		ContactID: "c1",
		AuthorID:  "u1",
		SendAt:    sendAt,
		Status:    message.SchedulePending,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed scheduled message: %v", err)
	}
	return sm
}

func TestRunCycleColdScheduling(t *testing.T) {
	store := message.NewMemoryStore()
	sender := &fakeSender{}
	sink := &captureSink{}
	s := newScheduler(store, sender, sink)

	due := time.Now().UTC().Add(-time.Second)
	sm := seedScheduled(t, store, due)

	// Before the due time nothing happens.
	s.Now = func() time.Time { return due.Add(-5 * time.Second) }
	if n, err := s.RunCycle(context.Background()); err != nil || n != 0 {
		t.Fatalf("early cycle processed %d (err=%v), expected 0", n, err)
	}
	got, _ := store.GetScheduledMessage(context.Background(), sm.ID)
	if got.Status != message.SchedulePending {
		t.Fatalf("status=%s before due time, expected pending", got.Status)
	}

	// After the due time exactly one message goes out.
	s.Now = nil
	if n, err := s.RunCycle(context.Background()); err != nil || n != 1 {
		t.Fatalf("cycle processed %d (err=%v), expected 1", n, err)
	}

	got, _ = store.GetScheduledMessage(context.Background(), sm.ID)
	if got.Status != message.ScheduleSent {
		t.Fatalf("status=%s, expected sent", got.Status)
	}
	msg, err := store.MessageForScheduled(context.Background(), sm.ID)
	if err != nil {
		t.Fatalf("no message created for scheduled send: %v", err)
	}
	if msg.Body != "Hello" || msg.Channel != message.ChannelSMS || msg.Status != message.StatusSent {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if len(sink.events) != 1 || sink.events[0].Type != hub.EventScheduledMessageSent {
		t.Fatalf("expected one scheduled_message_sent event, got %+v", sink.events)
	}
}

func TestRunCycleIsNoopWhenNothingDue(t *testing.T) {
	store := message.NewMemoryStore()
	sender := &fakeSender{}
	s := newScheduler(store, sender, &captureSink{})
	seedScheduled(t, store, time.Now().UTC().Add(time.Hour))

	for i := 0; i < 3; i++ {
		if n, err := s.RunCycle(context.Background()); err != nil || n != 0 {
			t.Fatalf("cycle %d processed %d (err=%v), expected 0", i, n, err)
		}
	}
	if sender.callCount() != 0 {
		t.Fatal("nothing was due, dispatcher must not be called")
	}
}

func TestRunCycleAtMostOneSend(t *testing.T) {
	store := message.NewMemoryStore()
	sender := &fakeSender{}
	s := newScheduler(store, sender, &captureSink{})
	sm := seedScheduled(t, store, time.Now().UTC().Add(-time.Second))

	for i := 0; i < 5; i++ {
		if _, err := s.RunCycle(context.Background()); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}
	if sender.callCount() != 1 {
		t.Fatalf("dispatched %d times across cycles, expected 1", sender.callCount())
	}
	if _, err := store.MessageForScheduled(context.Background(), sm.ID); err != nil {
		t.Fatalf("message missing: %v", err)
	}
}

func TestRunCycleCrashRepair(t *testing.T) {
	store := message.NewMemoryStore()
	sender := &fakeSender{}
	sink := &captureSink{}
	s := newScheduler(store, sender, sink)
	sm := seedScheduled(t, store, time.Now().UTC().Add(-time.Second))

	// Simulate a crash after the message row was written but before the
	// scheduled row was flipped: the message exists, the row is pending.
	pid := "SM-crashed"
	scheduledID := sm.ID
	if _, _, err := store.CreateMessage(context.Background(), message.Message{
		ID:                 "m-crashed",
		ProviderID:         &pid,
		Channel:            sm.Channel,
		Direction:          message.DirectionOutbound,
		Body:               sm.Body,
		Status:             message.StatusSent,
		ContactID:          sm.ContactID,
		ScheduledMessageID: &scheduledID,
		CreatedAt:          time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed crashed message: %v", err)
	}

	if n, err := s.RunCycle(context.Background()); err != nil || n != 1 {
		t.Fatalf("repair cycle processed %d (err=%v), expected 1", n, err)
	}
	if sender.callCount() != 0 {
		t.Fatal("repair must not dispatch a second time")
	}
	got, _ := store.GetScheduledMessage(context.Background(), sm.ID)
	if got.Status != message.ScheduleSent {
		t.Fatalf("status=%s after repair, expected sent", got.Status)
	}
}

func TestRunCycleDispatchFailure(t *testing.T) {
	store := message.NewMemoryStore()
	sender := &fakeSender{err: &provider.RejectionError{Code: 21211, Message: "invalid number"}}
	sink := &captureSink{}
	s := newScheduler(store, sender, sink)
	sm := seedScheduled(t, store, time.Now().UTC().Add(-time.Second))

	if _, err := s.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	got, _ := store.GetScheduledMessage(context.Background(), sm.ID)
	if got.Status != message.ScheduleFailed {
		t.Fatalf("status=%s, expected failed", got.Status)
	}
	if got.ErrorMessage == nil {
		t.Fatal("failure reason not recorded")
	}
	if _, err := store.MessageForScheduled(context.Background(), sm.ID); !errors.Is(err, message.ErrNotFound) {
		t.Fatal("failed dispatch must not create a message")
	}
	if len(sink.events) != 0 {
		t.Fatal("failed dispatch must not emit events")
	}

	// Failure is terminal: later cycles leave the row alone.
	if n, err := s.RunCycle(context.Background()); err != nil || n != 0 {
		t.Fatalf("post-failure cycle processed %d (err=%v), expected 0", n, err)
	}
}

func TestCancelDuringDispatchLoses(t *testing.T) {
	store := message.NewMemoryStore()
	sender := &gatedSender{entered: make(chan struct{}), release: make(chan struct{})}
	s := newScheduler(store, sender, &captureSink{})
	sm := seedScheduled(t, store, time.Now().UTC().Add(-time.Second))

	done := make(chan error, 1)
	go func() {
		_, err := s.RunCycle(context.Background())
		done <- err
	}()

	// The dispatcher is inside the provider call: no message row exists yet,
	// but the row is spoken for. Cancellation must lose here, not only after
	// the message row lands.
	<-sender.entered
	if err := s.Cancel(context.Background(), sm.ID); !errors.Is(err, message.ErrNotCancellable) {
		t.Fatalf("cancel during dispatch returned %v, expected ErrNotCancellable", err)
	}

	close(sender.release)
	if err := <-done; err != nil {
		t.Fatalf("cycle: %v", err)
	}

	got, _ := store.GetScheduledMessage(context.Background(), sm.ID)
	if got.Status == message.ScheduleCancelled {
		t.Fatal("row cancelled even though a dispatch was in flight")
	}
	if got.Status != message.ScheduleSent {
		t.Fatalf("status=%s, expected sent", got.Status)
	}
	if _, err := store.MessageForScheduled(context.Background(), sm.ID); err != nil {
		t.Fatalf("message missing after dispatch: %v", err)
	}
}

func TestStaleDueRowSkippedAfterCancel(t *testing.T) {
	store := message.NewMemoryStore()
	sender := &fakeSender{}
	s := newScheduler(store, sender, &captureSink{})
	sm := seedScheduled(t, store, time.Now().UTC().Add(-time.Second))

	if err := s.Cancel(context.Background(), sm.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// The due query snapshot still says pending; processing must re-read and
	// back off instead of dispatching a cancelled row.
	s.process(context.Background(), sm)
	if sender.callCount() != 0 {
		t.Fatal("cancelled row must not be dispatched")
	}
	got, _ := store.GetScheduledMessage(context.Background(), sm.ID)
	if got.Status != message.ScheduleCancelled {
		t.Fatalf("status=%s, expected cancelled", got.Status)
	}
}

func TestSchedulerWritesTerminalStatusesToCache(t *testing.T) {
	store := message.NewMemoryStore()
	fc := &fakeCache{}
	s := newScheduler(store, &fakeSender{}, &captureSink{})
	s.Cache = fc
	sm := seedScheduled(t, store, time.Now().UTC().Add(-time.Second))

	if _, err := s.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if v, ok := fc.get(sm.ID); !ok || v != string(message.ScheduleSent) {
		t.Fatalf("cache=%q(%v), expected sent", v, ok)
	}

	failStore := message.NewMemoryStore()
	failCache := &fakeCache{}
	fs := newScheduler(failStore, &fakeSender{err: &provider.RejectionError{Code: 21211, Message: "bad number"}}, &captureSink{})
	fs.Cache = failCache
	failed := seedScheduled(t, failStore, time.Now().UTC().Add(-time.Second))

	if _, err := fs.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if v, ok := failCache.get(failed.ID); !ok || v != string(message.ScheduleFailed) {
		t.Fatalf("cache=%q(%v), expected failed", v, ok)
	}
}

func TestCancellationLosesRaceOnceDispatched(t *testing.T) {
	store := message.NewMemoryStore()
	sender := &fakeSender{}
	s := newScheduler(store, sender, &captureSink{})
	sm := seedScheduled(t, store, time.Now().UTC().Add(-time.Second))

	if _, err := s.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	err := store.CancelScheduledMessage(context.Background(), sm.ID)
	if !errors.Is(err, message.ErrNotCancellable) {
		t.Fatalf("expected ErrNotCancellable after dispatch, got %v", err)
	}
	got, _ := store.GetScheduledMessage(context.Background(), sm.ID)
	if got.Status == message.ScheduleCancelled {
		t.Fatal("a dispatched scheduled message must never end up cancelled")
	}
}

func TestCancelWhilePending(t *testing.T) {
	store := message.NewMemoryStore()
	fc := &fakeCache{}
	fc.SetStatus(context.Background(), "sched-1", "stale")
	s := newScheduler(store, &fakeSender{}, &captureSink{})
	s.Cache = fc
	sm := seedScheduled(t, store, time.Now().UTC().Add(time.Hour))

	if err := s.Cancel(context.Background(), sm.ID); err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
	if _, ok := fc.get(sm.ID); ok {
		t.Fatal("cancel must invalidate the cached status")
	}
	if n, err := s.RunCycle(context.Background()); err != nil || n != 0 {
		t.Fatalf("cycle after cancel processed %d (err=%v), expected 0", n, err)
	}
}
