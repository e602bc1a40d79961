// Package dispatch owns the command lifecycle: creation with supersession, delivery to
// live device connections and paced replay of the backlog when a device registers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/signalix/devicegate/internal/apperr"
	"github.com/signalix/devicegate/internal/clock"
	"github.com/signalix/devicegate/internal/identity"
	"github.com/signalix/devicegate/internal/model"
	"github.com/signalix/devicegate/internal/observer"
	"github.com/signalix/devicegate/internal/repo"
	"github.com/signalix/devicegate/internal/session"
)

const (
	// MaxSlots is the number of SIM slots a device exposes.
	MaxSlots = 2

	StatusSent    = "sent"
	StatusPending = "pending"

	supersededByCommand = "Superseded by new command"
	supersededBySMS     = "Superseded by new SMS command"
	supersededByCheck   = "Superseded by new status check"
)

// Sessions looks up the live connections of a device.
type Sessions interface {
	LiveConnections(deviceID string) []session.Conn
}

// Config holds the engine's limits and pacing.
type Config struct {
	ReplayLimit  int
	ReplayPacing time.Duration
	HistoryLimit int
}

// DefaultConfig returns the replay limit of 20, a 2s pacing and a history of 10.
func DefaultConfig() Config {
	return Config{ReplayLimit: 20, ReplayPacing: 2 * time.Second, HistoryLimit: 10}
}

// Engine creates, delivers and replays commands.
type Engine struct {
	commands  repo.CommandRepo
	devices   repo.DeviceRepo
	sessions  Sessions
	broadcast observer.Broadcaster
	clock     clock.Clock
	cfg       Config
	log       zerolog.Logger
}

// NewEngine creates an Engine.
func NewEngine(commands repo.CommandRepo, devices repo.DeviceRepo, sessions Sessions, broadcast observer.Broadcaster, clk clock.Clock, cfg Config, log zerolog.Logger) *Engine {
	if clk == nil {
		clk = clock.Real()
	}
	if broadcast == nil {
		broadcast = observer.Nop{}
	}
	def := DefaultConfig()
	if cfg.ReplayLimit <= 0 {
		cfg.ReplayLimit = def.ReplayLimit
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	return &Engine{
		commands:  commands,
		devices:   devices,
		sessions:  sessions,
		broadcast: broadcast,
		clock:     clk,
		cfg:       cfg,
		log:       log.With().Str("component", "dispatch").Logger(),
	}
}

// CreateRequest is an administrative request for a new command. DeviceID is raw and is
// normalized by Create.
type CreateRequest struct {
	DeviceID    string
	Action      model.Action
	Slot        *int
	Number      string
	To          string
	Body        string
	AutoExecute bool
	Priority    model.Priority
	RequestedBy string
}

// Result reports a created command and how many live connections it reached.
type Result struct {
	Command    model.Command `json:"command"`
	Delivered  int           `json:"activeSockets"`
	Status     string        `json:"status"`
	Superseded int64         `json:"superseded"`
}

// Create validates req, derives the action's semantics, supersedes the pending command
// for the same device, action and sub-key, stores the new one and pushes it to every live
// connection. Without a live connection the command stays pending until replay.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (Result, error) {
	deviceID, ok := identity.Normalize(req.DeviceID)
	if !ok {
		return Result{}, apperr.Validation("invalid deviceId")
	}

	cmd, supersededMsg, err := e.build(deviceID, req)
	if err != nil {
		return Result{}, err
	}

	created, superseded, err := e.commands.CreateSuperseding(ctx, cmd, supersededMsg)
	if err != nil {
		return Result{}, err
	}

	if created.Action == model.ActionCallForward {
		err := e.devices.UpdateForwarding(ctx, deviceID, *created.Payload.Slot, created.Payload.Number, created.Payload.AutoExecute)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			e.log.Error().Err(err).Str("device_id", identity.Mask(deviceID)).Msg("failed to record forwarding state")
		}
	}

	delivered := e.deliver(created)
	status := StatusPending
	if delivered > 0 {
		status = StatusSent
	}

	e.log.Info().
		Str("device_id", identity.Mask(deviceID)).
		Str("command_id", created.ID.String()).
		Str("action", string(created.Action)).
		Int64("superseded", superseded).
		Int("delivered", delivered).
		Msg("command created")

	e.broadcast.Broadcast("command:created", map[string]interface{}{
		"deviceId": deviceID,
		"command":  created,
		"status":   status,
	})

	return Result{Command: created, Delivered: delivered, Status: status, Superseded: superseded}, nil
}

func (e *Engine) build(deviceID string, req CreateRequest) (model.Command, string, error) {
	now := e.clock.Now()
	requestedBy := strings.TrimSpace(req.RequestedBy)
	if requestedBy == "" {
		requestedBy = "admin"
	}
	cmd := model.Command{
		ID:       uuid.New(),
		DeviceID: deviceID,
		Action:   req.Action,
		Payload: model.CommandPayload{
			Timestamp:   now.UnixMilli(),
			RequestedBy: requestedBy,
			Priority:    model.PriorityNormal,
		},
	}

	switch req.Action {
	case model.ActionCallForward:
		if req.Slot == nil {
			return model.Command{}, "", apperr.Validation("missing deviceId or slot")
		}
		slot := *req.Slot
		if slot < 0 || slot >= MaxSlots {
			return model.Command{}, "", apperr.Validation("slot must be 0 or 1")
		}
		number := strings.TrimSpace(req.Number)
		deactivate := IsDeactivation(number)
		if deactivate {
			number = ""
		}
		cmd.SupersedeKey = SlotKey(slot)
		cmd.Payload.Slot = &slot
		cmd.Payload.Number = number
		cmd.Payload.IsDeactivation = deactivate
		// Deactivation always runs unattended and first.
		cmd.Payload.AutoExecute = deactivate || req.AutoExecute
		cmd.Payload.Priority = priorityOr(req.Priority)
		if deactivate {
			cmd.Payload.Priority = model.PriorityHigh
		}
		cmd.Payload.CommandID = correlationID("cf", deviceID, slot, now)
		return cmd, supersededByCommand, nil

	case model.ActionSendSMS:
		to := strings.TrimSpace(req.To)
		body := strings.TrimSpace(req.Body)
		if to == "" || body == "" {
			return model.Command{}, "", apperr.Validation("missing required parameters: deviceId, to, body")
		}
		slot := 0
		if req.Slot != nil {
			slot = *req.Slot
		}
		if slot < 0 || slot >= MaxSlots {
			return model.Command{}, "", apperr.Validation("slot must be 0 or 1")
		}
		cmd.Payload.Slot = &slot
		cmd.Payload.To = to
		cmd.Payload.Body = body
		cmd.Payload.Priority = priorityOr(req.Priority)
		cmd.Payload.CommandID = correlationID("sms", deviceID, slot, now)
		return cmd, supersededBySMS, nil

	case model.ActionCheckCallForward:
		cmd.Payload.CommandID = correlationID("chk", deviceID, 0, now)
		return cmd, supersededByCheck, nil
	}
	return model.Command{}, "", apperr.Validation(fmt.Sprintf("unsupported action %q", req.Action))
}

// IsDeactivation reports whether a call-forward number asks to switch forwarding off.
func IsDeactivation(number string) bool {
	n := strings.TrimSpace(number)
	return n == "" || strings.EqualFold(n, "deactivate")
}

// SlotKey is the supersession sub-key of slot-scoped commands.
func SlotKey(slot int) string {
	return fmt.Sprintf("slot:%d", slot)
}

func priorityOr(p model.Priority) model.Priority {
	switch p {
	case model.PriorityLow, model.PriorityNormal, model.PriorityHigh:
		return p
	}
	return model.PriorityNormal
}

func correlationID(prefix, deviceID string, slot int, now time.Time) string {
	return fmt.Sprintf("%s_%s_%d_%d_%s", prefix, deviceID, slot, now.UnixMilli(), uuid.NewString()[:8])
}

// ListCommands returns the most recent commands of a device regardless of status.
func (e *Engine) ListCommands(ctx context.Context, rawDeviceID string) ([]model.Command, error) {
	deviceID, ok := identity.Normalize(rawDeviceID)
	if !ok {
		return nil, apperr.Validation("invalid deviceId")
	}
	return e.commands.ListByDevice(ctx, deviceID, e.cfg.HistoryLimit)
}

// UpdateStatus applies an administrative status change and notifies observers.
func (e *Engine) UpdateStatus(ctx context.Context, ref string, update model.StatusUpdate) (model.Command, error) {
	if strings.TrimSpace(ref) == "" {
		return model.Command{}, apperr.Validation("missing commandId")
	}
	cmd, err := e.commands.UpdateStatus(ctx, ref, update)
	if err != nil {
		return model.Command{}, err
	}
	e.broadcast.Broadcast("command:status", cmd)
	return cmd, nil
}

// SetAutoExecution persists the device's auto-execution switch and pushes it to the device.
func (e *Engine) SetAutoExecution(ctx context.Context, rawDeviceID string, enabled bool) (model.Device, int, error) {
	deviceID, ok := identity.Normalize(rawDeviceID)
	if !ok {
		return model.Device{}, 0, apperr.Validation("invalid deviceId")
	}
	device, err := e.devices.SetAutoExecute(ctx, deviceID, enabled)
	if err != nil {
		return model.Device{}, 0, err
	}
	status := map[string]interface{}{
		"enabled":   enabled,
		"timestamp": e.clock.Now().UnixMilli(),
	}
	conns := e.sessions.LiveConnections(deviceID)
	for _, c := range conns {
		c.Send("auto-execute-status", status)
	}
	return device, len(conns), nil
}
