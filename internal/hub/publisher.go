package hub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Publisher fans events out to the websocket hub and, when configured,
// mirrors them to a Kafka topic for external consumers. Both legs are
// best-effort: errors are logged and swallowed so a broadcast failure can
// never roll back the state change that produced it.
type Publisher struct {
	Hub    *Hub
	Writer *kafka.Writer
	Logger zerolog.Logger
}

func (p *Publisher) Publish(ctx context.Context, ev Event) {
	if p.Hub != nil {
		p.Hub.Broadcast(ev)
	}
	if p.Writer == nil {
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		p.Logger.Error().Err(err).Str("type", string(ev.Type)).Msg("failed to encode event for mirror")
		return
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := p.Writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(ev.Type),
		Value: payload,
	}); err != nil {
		p.Logger.Warn().Err(err).Str("type", string(ev.Type)).Msg("event mirror write failed")
	}
}
