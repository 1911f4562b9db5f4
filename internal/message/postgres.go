package message

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const messageColumns = `id, provider_id, channel, direction, body, media_url, status, error_code, error_message, contact_id, author_id, scheduled_message_id, created_at, updated_at`

const insertMessage = `
INSERT INTO messages (
id,
provider_id,
channel,
direction,
body,
media_url,
status,
error_code,
error_message,
contact_id,
author_id,
scheduled_message_id,
created_at,
updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$13)
ON CONFLICT (provider_id) DO NOTHING
RETURNING ` + messageColumns

const selectMessage = `
SELECT ` + messageColumns + `
FROM messages
WHERE id = $1
`

const selectMessageByProviderID = `
SELECT ` + messageColumns + `
FROM messages
WHERE provider_id = $1
`

const selectMessageForScheduled = `
SELECT ` + messageColumns + `
FROM messages
WHERE scheduled_message_id = $1
`

const markMessageSent = `
UPDATE messages
SET provider_id = $2, status = 'sent', updated_at = now()
WHERE id = $1 AND status = 'pending'
`

const applyStatus = `
UPDATE messages
SET status = $2,
    error_code = COALESCE($3, error_code),
    error_message = COALESCE($4, error_message),
    updated_at = now()
WHERE id = $1 AND status = ANY($5)
`

const scheduledColumns = `id, channel, body, media_url, contact_id, author_id, send_at, status, error_message, created_at, updated_at`

const insertScheduled = `
INSERT INTO scheduled_messages (
id,
channel,
body,
media_url,
contact_id,
author_id,
send_at,
status,
created_at,
updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)
RETURNING ` + scheduledColumns

const selectScheduled = `
SELECT ` + scheduledColumns + `
FROM scheduled_messages
WHERE id = $1
`

const listScheduled = `
SELECT ` + scheduledColumns + `
FROM scheduled_messages
ORDER BY send_at
`

const selectDueScheduled = `
SELECT ` + scheduledColumns + `
FROM scheduled_messages
WHERE status = 'pending' AND send_at <= $1
ORDER BY send_at
`

const markScheduledSent = `
UPDATE scheduled_messages
SET status = 'sent', updated_at = now()
WHERE id = $1 AND status = 'pending'
`

const markScheduledFailed = `
UPDATE scheduled_messages
SET status = 'failed', error_message = $2, updated_at = now()
WHERE id = $1 AND status = 'pending'
`

const cancelScheduled = `
UPDATE scheduled_messages
SET status = 'cancelled', updated_at = now()
WHERE id = $1
  AND status = 'pending'
  AND NOT EXISTS (SELECT 1 FROM messages WHERE scheduled_message_id = $1)
`

const selectContact = `
SELECT id, phone, email FROM contacts WHERE id = $1
`

const selectContactByPhone = `
SELECT id, phone, email FROM contacts WHERE phone = $1
`

const selectContactByEmail = `
SELECT id, phone, email FROM contacts WHERE email = $1
`

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreateMessage(ctx context.Context, m Message) (Message, bool, error) {
	row := s.pool.QueryRow(ctx, insertMessage,
		m.ID,
		m.ProviderID,
		string(m.Channel),
		string(m.Direction),
		m.Body,
		m.MediaURL,
		string(m.Status),
		m.ErrorCode,
		m.ErrorMessage,
		m.ContactID,
		m.AuthorID,
		m.ScheduledMessageID,
		m.CreatedAt,
	)

	saved, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) && m.ProviderID != nil {
			// Same provider id seen before: return the stored message so
			// callback-driven inserts stay idempotent.
			existing, err := s.GetMessageByProviderID(ctx, *m.ProviderID)
			if err != nil {
				return Message{}, false, fmt.Errorf("fetch existing message: %w", err)
			}
			return existing, true, nil
		}
		return Message{}, false, fmt.Errorf("insert message: %w", err)
	}
	return saved, false, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx, selectMessage, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	return m, err
}

func (s *PostgresStore) GetMessageByProviderID(ctx context.Context, providerID string) (Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx, selectMessageByProviderID, providerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	return m, err
}

func (s *PostgresStore) MessageForScheduled(ctx context.Context, scheduledID string) (Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx, selectMessageForScheduled, scheduledID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	return m, err
}

func (s *PostgresStore) MarkMessageSent(ctx context.Context, id, providerID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, markMessageSent, id, providerID)
	if err != nil {
		return false, fmt.Errorf("mark message sent: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ApplyStatus(ctx context.Context, id string, upd StatusUpdate) (bool, error) {
	sources := TransitionSources(upd.Status)
	if len(sources) == 0 {
		return false, nil
	}
	from := make([]string, len(sources))
	for i, st := range sources {
		from[i] = string(st)
	}
	tag, err := s.pool.Exec(ctx, applyStatus, id, string(upd.Status), upd.ErrorCode, upd.ErrorMessage, from)
	if err != nil {
		return false, fmt.Errorf("apply status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) CreateScheduledMessage(ctx context.Context, sm ScheduledMessage) (ScheduledMessage, error) {
	row := s.pool.QueryRow(ctx, insertScheduled,
		sm.ID,
		string(sm.Channel),
		sm.Body,
		sm.MediaURL,
		sm.ContactID,
		sm.AuthorID,
		sm.SendAt,
		string(sm.Status),
		sm.CreatedAt,
	)
	saved, err := scanScheduled(row)
	if err != nil {
		return ScheduledMessage{}, fmt.Errorf("insert scheduled message: %w", err)
	}
	return saved, nil
}

func (s *PostgresStore) GetScheduledMessage(ctx context.Context, id string) (ScheduledMessage, error) {
	sm, err := scanScheduled(s.pool.QueryRow(ctx, selectScheduled, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ScheduledMessage{}, ErrNotFound
	}
	return sm, err
}

func (s *PostgresStore) ListScheduledMessages(ctx context.Context) ([]ScheduledMessage, error) {
	rows, err := s.pool.Query(ctx, listScheduled)
	if err != nil {
		return nil, fmt.Errorf("list scheduled messages: %w", err)
	}
	defer rows.Close()
	return collectScheduled(rows)
}

func (s *PostgresStore) DueScheduledMessages(ctx context.Context, now time.Time) ([]ScheduledMessage, error) {
	rows, err := s.pool.Query(ctx, selectDueScheduled, now)
	if err != nil {
		return nil, fmt.Errorf("select due scheduled messages: %w", err)
	}
	defer rows.Close()
	return collectScheduled(rows)
}

func (s *PostgresStore) MarkScheduledSent(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, markScheduledSent, id)
	if err != nil {
		return false, fmt.Errorf("mark scheduled sent: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) MarkScheduledFailed(ctx context.Context, id, reason string) (bool, error) {
	tag, err := s.pool.Exec(ctx, markScheduledFailed, id, reason)
	if err != nil {
		return false, fmt.Errorf("mark scheduled failed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) CancelScheduledMessage(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, cancelScheduled, id)
	if err != nil {
		return fmt.Errorf("cancel scheduled message: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.GetScheduledMessage(ctx, id); err != nil {
		return err
	}
	return ErrNotCancellable
}

func (s *PostgresStore) GetContact(ctx context.Context, id string) (Contact, error) {
	return s.scanContact(s.pool.QueryRow(ctx, selectContact, id))
}

func (s *PostgresStore) GetContactByPhone(ctx context.Context, phone string) (Contact, error) {
	return s.scanContact(s.pool.QueryRow(ctx, selectContactByPhone, phone))
}

func (s *PostgresStore) GetContactByEmail(ctx context.Context, email string) (Contact, error) {
	return s.scanContact(s.pool.QueryRow(ctx, selectContactByEmail, email))
}

func (s *PostgresStore) scanContact(row pgx.Row) (Contact, error) {
	var c Contact
	if err := row.Scan(&c.ID, &c.Phone, &c.Email); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contact{}, ErrNotFound
		}
		return Contact{}, fmt.Errorf("scan contact: %w", err)
	}
	return c, nil
}

func scanMessage(row pgx.Row) (Message, error) {
	var (
		m         Message
		channel   string
		direction string
		status    string
	)
	err := row.Scan(
		&m.ID,
		&m.ProviderID,
		&channel,
		&direction,
		&m.Body,
		&m.MediaURL,
		&status,
		&m.ErrorCode,
		&m.ErrorMessage,
		&m.ContactID,
		&m.AuthorID,
		&m.ScheduledMessageID,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return Message{}, err
	}
	m.Channel = Channel(channel)
	m.Direction = Direction(direction)
	m.Status = Status(status)
	return m, nil
}

func scanScheduled(row pgx.Row) (ScheduledMessage, error) {
	var (
		sm      ScheduledMessage
		channel string
		status  string
	)
	err := row.Scan(
		&sm.ID,
		&channel,
		&sm.Body,
		&sm.MediaURL,
		&sm.ContactID,
		&sm.AuthorID,
		&sm.SendAt,
		&status,
		&sm.ErrorMessage,
		&sm.CreatedAt,
		&sm.UpdatedAt,
	)
	if err != nil {
		return ScheduledMessage{}, err
	}
	sm.Channel = Channel(channel)
	sm.Status = ScheduleStatus(status)
	return sm, nil
}

func collectScheduled(rows pgx.Rows) ([]ScheduledMessage, error) {
	var out []ScheduledMessage
	for rows.Next() {
		sm, err := scanScheduled(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}
