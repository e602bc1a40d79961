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

// CommandRepo defines the interface for command repository operations
type CommandRepo interface {
	CreateSuperseding(ctx context.Context, cmd model.Command, supersededMessage string) (created model.Command, superseded int64, err error)
	Get(ctx context.Context, ref string) (model.Command, error)
	ListPending(ctx context.Context, deviceID string, limit int) ([]model.Command, error)
	ListByDevice(ctx context.Context, deviceID string, limit int) ([]model.Command, error)
	Acknowledge(ctx context.Context, ack model.Ack) (model.Command, error)
	UpdateStatus(ctx context.Context, ref string, update model.StatusUpdate) (model.Command, error)
}

type commandRepo struct {
	db *sql.DB
}

// NewCommandRepo creates a new CommandRepo instance
func NewCommandRepo(db *sql.DB) CommandRepo {
	return &commandRepo{db: db}
}

const commandColumns = `id, device_id, action, supersede_key, payload, done, auto_executed,
	executed_at, error, result_code, execution_message, forwarding_status, created_at, updated_at`

// refMatch matches a command by id or by its correlation token.
const refMatch = `(id::text = $1 OR correlation_id = $1)`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCommand(row rowScanner) (model.Command, error) {
	var c model.Command
	var idStr, action string
	err := row.Scan(
		&idStr,
		&c.DeviceID,
		&action,
		&c.SupersedeKey,
		&c.Payload,
		&c.Done,
		&c.AutoExecuted,
		&c.ExecutedAt,
		&c.Error,
		&c.ResultCode,
		&c.ExecutionMessage,
		&c.ForwardingStatus,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return model.Command{}, err
	}
	c.Action = model.Action(action)
	c.ID, err = uuid.Parse(idStr)
	if err != nil {
		return model.Command{}, fmt.Errorf("parse command ID: %w", err)
	}
	return c, nil
}

// CreateSuperseding ensures at most one pending command per (device, action, supersede key):
// it marks every matching pending command done with supersededMessage and inserts cmd, in one
// transaction. An advisory lock serializes concurrent creations for the same key.
func (r *commandRepo) CreateSuperseding(ctx context.Context, cmd model.Command, supersededMessage string) (model.Command, int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Command{}, 0, apperr.Store("begin tx", err)
	}
	defer tx.Rollback()

	lockKey := fmt.Sprintf("%s|%s|%s", cmd.DeviceID, cmd.Action, cmd.SupersedeKey)
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(2, hashtext($1))`, lockKey); err != nil {
		return model.Command{}, 0, apperr.Store("advisory lock", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE commands
		SET done = TRUE, executed_at = now(), execution_message = $4, updated_at = now()
		WHERE device_id = $1 AND action = $2 AND supersede_key = $3 AND NOT done
	`, cmd.DeviceID, string(cmd.Action), cmd.SupersedeKey, supersededMessage)
	if err != nil {
		return model.Command{}, 0, apperr.Store("supersede pending commands", err)
	}
	superseded, _ := result.RowsAffected()

	if cmd.ID == uuid.Nil {
		cmd.ID = uuid.New()
	}
	row := tx.QueryRowContext(ctx, `
		INSERT INTO commands (id, device_id, action, supersede_key, correlation_id, payload, done, auto_executed)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		RETURNING `+commandColumns,
		cmd.ID, cmd.DeviceID, string(cmd.Action), cmd.SupersedeKey, cmd.CorrelationID(), cmd.Payload, cmd.AutoExecuted,
	)
	created, err := scanCommand(row)
	if err != nil {
		return model.Command{}, 0, apperr.Store("insert command", err)
	}

	if err := tx.Commit(); err != nil {
		return model.Command{}, 0, apperr.Store("commit", err)
	}
	return created, superseded, nil
}

// Get returns the command with the given id or correlation token
func (r *commandRepo) Get(ctx context.Context, ref string) (model.Command, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM commands WHERE `+refMatch, ref)
	c, err := scanCommand(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Command{}, apperr.NotFound("command not found")
		}
		return model.Command{}, apperr.Store("query command", err)
	}
	return c, nil
}

// ListPending returns up to limit pending commands for the device, most recent first
func (r *commandRepo) ListPending(ctx context.Context, deviceID string, limit int) ([]model.Command, error) {
	return r.list(ctx, `
		SELECT `+commandColumns+` FROM commands
		WHERE device_id = $1 AND NOT done
		ORDER BY created_at DESC
		LIMIT $2
	`, deviceID, limit)
}

// ListByDevice returns up to limit commands for the device regardless of status, most recent first
func (r *commandRepo) ListByDevice(ctx context.Context, deviceID string, limit int) ([]model.Command, error) {
	return r.list(ctx, `
		SELECT `+commandColumns+` FROM commands
		WHERE device_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, deviceID, limit)
}

func (r *commandRepo) list(ctx context.Context, query string, args ...interface{}) ([]model.Command, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Store("query commands", err)
	}
	defer rows.Close()

	commands := make([]model.Command, 0)
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, apperr.Store("scan command", err)
		}
		commands = append(commands, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Store("iterate commands", err)
	}
	return commands, nil
}

// Acknowledge records a device outcome in a single UPDATE. done only moves forward
// (done OR success), and once a command is done its recorded outcome is frozen: late or
// duplicate acks only touch updated_at.
func (r *commandRepo) Acknowledge(ctx context.Context, ack model.Ack) (model.Command, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE commands
		SET done = done OR $2,
		    error = CASE WHEN done THEN error ELSE $3 END,
		    result_code = CASE WHEN done THEN result_code ELSE $4 END,
		    execution_message = CASE WHEN done THEN execution_message ELSE $5 END,
		    executed_at = CASE WHEN done THEN executed_at ELSE now() END,
		    updated_at = now()
		WHERE `+refMatch+`
		RETURNING `+commandColumns,
		ack.Ref, ack.Success, nullString(ack.Error), nullString(ack.ResultCode), nullString(ack.Message),
	)
	c, err := scanCommand(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Command{}, apperr.NotFound("command not found")
		}
		return model.Command{}, apperr.Store("acknowledge command", err)
	}
	return c, nil
}

// UpdateStatus applies an administrative status change. Empty strings and nil pointers keep
// the stored value; done is monotonic as in Acknowledge.
func (r *commandRepo) UpdateStatus(ctx context.Context, ref string, update model.StatusUpdate) (model.Command, error) {
	var forwarding interface{}
	if update.ForwardingStatus != nil {
		forwarding = *update.ForwardingStatus
	}
	row := r.db.QueryRowContext(ctx, `
		UPDATE commands
		SET done = done OR $2,
		    auto_executed = COALESCE($3, auto_executed),
		    result_code = COALESCE($4, result_code),
		    execution_message = COALESCE($5, execution_message),
		    forwarding_status = COALESCE($6, forwarding_status),
		    executed_at = CASE WHEN $2 AND NOT done THEN now() ELSE executed_at END,
		    updated_at = now()
		WHERE `+refMatch+`
		RETURNING `+commandColumns,
		ref, update.Done, update.AutoExecuted, nullString(update.ResultCode), nullString(update.ExecutionMessage), forwarding,
	)
	c, err := scanCommand(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Command{}, apperr.NotFound("command not found")
		}
		return model.Command{}, apperr.Store("update command status", err)
	}
	return c, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
