package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/signalix/devicegate/internal/apperr"
	"github.com/signalix/devicegate/internal/model"
)

// MessageRepo defines the interface for message log repository operations
type MessageRepo interface {
	InsertIfAbsent(ctx context.Context, msg model.Message) (model.Message, bool, error)
	List(ctx context.Context, filter MessageFilter) ([]model.Message, int, error)
	Latest(ctx context.Context, deviceID string, since int64, limit int) ([]model.Message, error)
	Counts(ctx context.Context, deviceID string) (model.MessageCounts, error)
	DeleteByDevice(ctx context.Context, deviceID string) (int64, error)
	DeleteAll(ctx context.Context) (int64, error)
	Count(ctx context.Context) (int, error)
}

// MessageFilter selects a page of a device's message log. An empty Type means all types.
type MessageFilter struct {
	DeviceID string
	Type     model.MessageType
	Page     int
	Limit    int
}

// Offset returns the row offset of the page (pages start at 1)
func (f MessageFilter) Offset() int {
	if f.Page < 1 {
		return 0
	}
	return (f.Page - 1) * f.Limit
}

type messageRepo struct {
	db *sql.DB
}

// NewMessageRepo creates a new MessageRepo instance
func NewMessageRepo(db *sql.DB) MessageRepo {
	return &messageRepo{db: db}
}

const messageColumns = `id, device_id, address, body, date, type, created_at`

func scanMessage(row rowScanner) (model.Message, error) {
	var m model.Message
	var idStr, typ string
	if err := row.Scan(&idStr, &m.DeviceID, &m.Address, &m.Body, &m.Date, &typ, &m.CreatedAt); err != nil {
		return model.Message{}, err
	}
	m.Type = model.MessageType(typ)
	id, err := uuid.Parse(idStr)
	if err != nil {
		return model.Message{}, fmt.Errorf("parse message ID: %w", err)
	}
	m.ID = id
	return m, nil
}

// InsertIfAbsent stores msg unless an identical (device, address, body, date) entry exists.
// The bool reports whether a new row was created; the unique constraint is the
// authoritative duplicate guard.
func (r *messageRepo) InsertIfAbsent(ctx context.Context, msg model.Message) (model.Message, bool, error) {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, device_id, address, body, date, type)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT ON CONSTRAINT messages_unique_report DO NOTHING
		RETURNING `+messageColumns,
		msg.ID, msg.DeviceID, msg.Address, msg.Body, msg.Date, string(msg.Type),
	)
	created, err := scanMessage(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.Message{}, false, apperr.Store("insert message", err)
	}

	row = r.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE device_id = $1 AND address = $2 AND body = $3 AND date = $4
	`, msg.DeviceID, msg.Address, msg.Body, msg.Date)
	existing, err := scanMessage(row)
	if err != nil {
		return model.Message{}, false, apperr.Store("load existing message", err)
	}
	return existing, false, nil
}

// List returns one page of messages, newest first, and the total matching count
func (r *messageRepo) List(ctx context.Context, filter MessageFilter) ([]model.Message, int, error) {
	var typ interface{}
	if filter.Type != "" {
		typ = string(filter.Type)
	}

	var total int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE device_id = $1 AND ($2::text IS NULL OR type = $2)
	`, filter.DeviceID, typ).Scan(&total)
	if err != nil {
		return nil, 0, apperr.Store("count messages", err)
	}

	messages, err := r.query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE device_id = $1 AND ($2::text IS NULL OR type = $2)
		ORDER BY date DESC
		LIMIT $3 OFFSET $4
	`, filter.DeviceID, typ, filter.Limit, filter.Offset())
	if err != nil {
		return nil, 0, err
	}
	return messages, total, nil
}

// Latest returns up to limit messages newer than since (unix millis), newest first
func (r *messageRepo) Latest(ctx context.Context, deviceID string, since int64, limit int) ([]model.Message, error) {
	return r.query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE device_id = $1 AND date > $2
		ORDER BY date DESC
		LIMIT $3
	`, deviceID, since, limit)
}

func (r *messageRepo) query(ctx context.Context, query string, args ...interface{}) ([]model.Message, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Store("query messages", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, apperr.Store("scan message", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Store("iterate messages", err)
	}
	return messages, nil
}

// Counts aggregates the device's messages by type
func (r *messageRepo) Counts(ctx context.Context, deviceID string) (model.MessageCounts, error) {
	var c model.MessageCounts
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE type = 'inbox'),
			COUNT(*) FILTER (WHERE type = 'sent')
		FROM messages WHERE device_id = $1
	`, deviceID).Scan(&c.Inbox, &c.Sent)
	if err != nil {
		return model.MessageCounts{}, apperr.Store("count messages by type", err)
	}
	return c, nil
}

// DeleteByDevice removes the device's message log
func (r *messageRepo) DeleteByDevice(ctx context.Context, deviceID string) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM messages WHERE device_id = $1`, deviceID)
	if err != nil {
		return 0, apperr.Store("delete device messages", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// DeleteAll removes every message
func (r *messageRepo) DeleteAll(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM messages`)
	if err != nil {
		return 0, apperr.Store("delete messages", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// Count returns the total number of stored messages
func (r *messageRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, apperr.Store("count messages", err)
	}
	return n, nil
}
