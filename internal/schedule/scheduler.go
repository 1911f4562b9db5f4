package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/courier/internal/dispatch"
	"github.com/example/courier/internal/hub"
	"github.com/example/courier/internal/message"
)

var (
	cycleCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_cycles_total",
		Help: "Scheduler cycles executed",
	})
	processedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_messages_total",
		Help: "Due scheduled messages processed",
	}, []string{"outcome"})
)

// Sender is the dispatch surface the scheduler needs.
type Sender interface {
	Send(ctx context.Context, req dispatch.Request) (dispatch.Receipt, error)
}

// StatusCache mirrors scheduled-status transitions for the poll endpoints.
// Only terminal statuses are ever written, so a cached value can never go
// stale.
type StatusCache interface {
	SetStatus(ctx context.Context, id, status string)
	Invalidate(ctx context.Context, id string)
}

// claims serializes work on one scheduled row between overlapping cycles
// and the cancellation path. Whoever holds the claim owns the row's next
// transition; the other side backs off.
type claims struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func (c *claims) tryAcquire(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.held == nil {
		c.held = make(map[string]struct{})
	}
	if _, ok := c.held[id]; ok {
		return false
	}
	c.held[id] = struct{}{}
	return true
}

func (c *claims) release(id string) {
	c.mu.Lock()
	delete(c.held, id)
	c.mu.Unlock()
}

// Scheduler fires due scheduled messages. It polls on a fixed cadence; the
// only delivery guarantee is "at or after" the due time, and each row is
// dispatched at most once across cycles and restarts.
type Scheduler struct {
	Store      message.Store
	Dispatcher Sender
	Events     hub.Broadcaster
	Cache      StatusCache
	Interval   time.Duration
	Logger     zerolog.Logger
	Now        func() time.Time

	claims claims
}

// Run polls until the context is cancelled. A tick that panics is contained
// so one poisoned row cannot kill the loop.
func (s *Scheduler) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.Logger.Info().Dur("interval", interval).Msg("scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.Logger.Info().Msg("scheduler stopped")
			return
		case <-ticker.C:
			s.safeCycle(ctx)
		}
	}
}

func (s *Scheduler) safeCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.Logger.Error().Interface("panic", r).Msg("scheduler cycle panicked")
		}
	}()
	if _, err := s.RunCycle(ctx); err != nil {
		s.Logger.Error().Err(err).Msg("scheduler cycle failed")
	}
}

// RunCycle processes every scheduled message that is due right now and
// returns how many rows it handled. Invoking it when nothing is due is a
// cheap no-op, so overlapping cron triggers and the poll loop coexist.
func (s *Scheduler) RunCycle(ctx context.Context) (int, error) {
	ctx, span := otel.Tracer("scheduler").Start(ctx, "cycle")
	defer span.End()
	cycleCounter.Inc()

	now := time.Now().UTC()
	if s.Now != nil {
		now = s.Now()
	}

	due, err := s.Store.DueScheduledMessages(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("query due messages: %w", err)
	}

	processed := 0
	for _, sm := range due {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		s.process(ctx, sm)
		processed++
	}
	span.SetAttributes(attribute.Int("scheduler.processed", processed))
	return processed, nil
}

// Cancel cancels a pending scheduled message. A cancellation arriving while
// a dispatch for the same row is in flight loses: the claim is already held
// and the caller gets ErrNotCancellable instead of a silent success.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	if !s.claims.tryAcquire(id) {
		return message.ErrNotCancellable
	}
	defer s.claims.release(id)

	if err := s.Store.CancelScheduledMessage(ctx, id); err != nil {
		return err
	}
	if s.Cache != nil {
		s.Cache.Invalidate(ctx, id)
	}
	return nil
}

func (s *Scheduler) process(ctx context.Context, sm message.ScheduledMessage) {
	logger := s.Logger.With().Str("scheduled_message_id", sm.ID).Logger()

	if !s.claims.tryAcquire(sm.ID) {
		// An overlapping cycle or a cancellation owns the row.
		processedCounter.WithLabelValues("skipped").Inc()
		return
	}
	defer s.claims.release(sm.ID)

	// Re-read under the claim: the row may have been cancelled between the
	// due query and now.
	current, err := s.Store.GetScheduledMessage(ctx, sm.ID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to re-read scheduled message")
		processedCounter.WithLabelValues("error").Inc()
		return
	}
	if current.Status != message.SchedulePending {
		processedCounter.WithLabelValues("skipped").Inc()
		return
	}

	// Crash repair: a message already referencing this row means a previous
	// cycle dispatched it but died before flipping the row. Converge to sent
	// without touching the provider again.
	if existing, err := s.Store.MessageForScheduled(ctx, sm.ID); err == nil {
		s.markSent(ctx, logger, sm.ID)
		logger.Warn().Str("message_id", existing.ID).Msg("repaired scheduled message already dispatched")
		processedCounter.WithLabelValues("repaired").Inc()
		return
	} else if !errors.Is(err, message.ErrNotFound) {
		logger.Error().Err(err).Msg("repair lookup failed")
		processedCounter.WithLabelValues("error").Inc()
		return
	}

	contact, err := s.Store.GetContact(ctx, sm.ContactID)
	if err != nil {
		s.fail(ctx, logger, sm, fmt.Sprintf("resolve contact: %v", err))
		return
	}

	mediaURL := ""
	if sm.MediaURL != nil {
		mediaURL = *sm.MediaURL
	}
	receipt, err := s.Dispatcher.Send(ctx, dispatch.Request{
		Address:  contact.Address(sm.Channel),
		Body:     sm.Body,
		Channel:  sm.Channel,
		MediaURL: mediaURL,
	})
	if err != nil {
		s.fail(ctx, logger, sm, err.Error())
		return
	}

	providerID := receipt.ProviderID
	authorID := sm.AuthorID
	scheduledID := sm.ID
	msg, _, err := s.Store.CreateMessage(ctx, message.Message{
		ID:                 uuid.NewString(),
		ProviderID:         &providerID,
		Channel:            sm.Channel,
		Direction:          message.DirectionOutbound,
		Body:               sm.Body,
		MediaURL:           sm.MediaURL,
		Status:             receipt.Status,
		ContactID:          sm.ContactID,
		AuthorID:           &authorID,
		ScheduledMessageID: &scheduledID,
		CreatedAt:          time.Now().UTC(),
	})
	if err != nil {
		// The provider already accepted the message; leave the row pending
		// so the next cycle's repair pass can converge instead of sending
		// twice.
		logger.Error().Err(err).Msg("failed to record dispatched message")
		processedCounter.WithLabelValues("error").Inc()
		return
	}

	s.Events.Publish(ctx, hub.Event{
		Type: hub.EventScheduledMessageSent,
		Data: map[string]any{
			"scheduled_message_id": sm.ID,
			"message_id":           msg.ID,
			"contact_id":           sm.ContactID,
			"channel":              sm.Channel,
		},
	})

	s.markSent(ctx, logger, sm.ID)
	logger.Info().Str("message_id", msg.ID).Msg("scheduled message dispatched")
	processedCounter.WithLabelValues("sent").Inc()
}

func (s *Scheduler) markSent(ctx context.Context, logger zerolog.Logger, id string) {
	flipped, err := s.Store.MarkScheduledSent(ctx, id)
	if err != nil {
		logger.Error().Err(err).Msg("failed to mark scheduled message sent")
		processedCounter.WithLabelValues("error").Inc()
		return
	}
	if !flipped {
		// Another process beat us to the flip. The message row exists either
		// way, so the row converged; record the collision.
		logger.Warn().Msg("scheduled message was no longer pending at completion")
		processedCounter.WithLabelValues("conflict").Inc()
	}
	if s.Cache != nil {
		s.Cache.SetStatus(ctx, id, string(message.ScheduleSent))
	}
}

func (s *Scheduler) fail(ctx context.Context, logger zerolog.Logger, sm message.ScheduledMessage, reason string) {
	flipped, err := s.Store.MarkScheduledFailed(ctx, sm.ID, reason)
	if err != nil {
		logger.Error().Err(err).Msg("failed to mark scheduled message failed")
		processedCounter.WithLabelValues("error").Inc()
		return
	}
	if !flipped {
		logger.Warn().Msg("scheduled message was no longer pending at failure")
		processedCounter.WithLabelValues("conflict").Inc()
		return
	}
	if s.Cache != nil {
		s.Cache.SetStatus(ctx, sm.ID, string(message.ScheduleFailed))
	}
	logger.Warn().Str("reason", reason).Msg("scheduled message failed")
	processedCounter.WithLabelValues("failed").Inc()
}
