// Package ack reconciles device-reported outcomes with stored command state.
package ack

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/signalix/devicegate/internal/apperr"
	"github.com/signalix/devicegate/internal/clock"
	"github.com/signalix/devicegate/internal/identity"
	"github.com/signalix/devicegate/internal/model"
	"github.com/signalix/devicegate/internal/observer"
	"github.com/signalix/devicegate/internal/repo"
)

// WarnUnknownCommand is returned for acks that match no stored command. Under
// at-least-once delivery and supersession this is expected, not an error.
const WarnUnknownCommand = "command not found"

// Correlator applies acknowledgments and device-initiated outcome reports.
type Correlator struct {
	commands  repo.CommandRepo
	messages  repo.MessageRepo
	broadcast observer.Broadcaster
	clock     clock.Clock
	log       zerolog.Logger
}

// NewCorrelator creates a Correlator.
func NewCorrelator(commands repo.CommandRepo, messages repo.MessageRepo, broadcast observer.Broadcaster, clk clock.Clock, log zerolog.Logger) *Correlator {
	if clk == nil {
		clk = clock.Real()
	}
	if broadcast == nil {
		broadcast = observer.Nop{}
	}
	return &Correlator{
		commands:  commands,
		messages:  messages,
		broadcast: broadcast,
		clock:     clk,
		log:       log.With().Str("component", "ack").Logger(),
	}
}

// Result is the outcome of an acknowledgment. Command is nil when Warning is set.
type Result struct {
	Command *model.Command `json:"command,omitempty"`
	Warning string         `json:"warning,omitempty"`
}

// Acknowledge records a device's outcome for the command identified by ack.Ref (id or
// correlation token). The update is a single idempotent write: repeated acks converge,
// and a failed ack never reopens a finished command.
func (c *Correlator) Acknowledge(ctx context.Context, deviceID string, a model.Ack) (Result, error) {
	a.Ref = strings.TrimSpace(a.Ref)
	if a.Ref == "" {
		return Result{}, apperr.Validation("missing commandId")
	}

	cmd, err := c.commands.Acknowledge(ctx, a)
	if errors.Is(err, apperr.ErrNotFound) {
		c.log.Warn().
			Str("device_id", identity.Mask(deviceID)).
			Str("ref", a.Ref).
			Msg("ack for unknown command")
		return Result{Warning: WarnUnknownCommand}, nil
	}
	if err != nil {
		c.log.Error().Err(err).Str("ref", a.Ref).Msg("failed to record ack")
		return Result{}, err
	}
	if deviceID != "" && cmd.DeviceID != deviceID {
		c.log.Warn().
			Str("device_id", identity.Mask(deviceID)).
			Str("owner", identity.Mask(cmd.DeviceID)).
			Str("command_id", cmd.ID.String()).
			Msg("ack received from a device that does not own the command")
	}

	c.log.Info().
		Str("device_id", identity.Mask(cmd.DeviceID)).
		Str("command_id", cmd.ID.String()).
		Bool("success", a.Success).
		Bool("done", cmd.Done).
		Msg("command acknowledged")

	c.broadcast.Broadcast("command:ack", map[string]interface{}{
		"deviceId": cmd.DeviceID,
		"command":  cmd,
		"success":  a.Success,
	})
	return Result{Command: &cmd}, nil
}

// SentReport is a device's confirmation that it sent a message, optionally on behalf
// of a SEND_SMS command.
type SentReport struct {
	Address   string
	Body      string
	Date      int64
	Slot      int
	CommandID string
}

// SentResult reports the effects of ReportSent.
type SentResult struct {
	Message *model.Message `json:"sms,omitempty"`
	Logged  bool           `json:"logged"`
	Command *model.Command `json:"command,omitempty"`
	Warning string         `json:"warning,omitempty"`
}

// ReportSent logs the sent message and, when a command id is present, closes that
// command. Both effects are attempted independently; their errors are joined.
func (c *Correlator) ReportSent(ctx context.Context, rawDeviceID string, r SentReport) (SentResult, error) {
	deviceID, ok := identity.Normalize(rawDeviceID)
	if !ok {
		return SentResult{}, apperr.Validation("invalid deviceId")
	}
	address := strings.TrimSpace(r.Address)
	if address == "" || r.Body == "" {
		return SentResult{}, apperr.Validation("missing address or body")
	}
	if r.Date == 0 {
		r.Date = c.clock.Now().UnixMilli()
	}

	var res SentResult
	var errs []error

	msg, created, err := c.messages.InsertIfAbsent(ctx, model.Message{
		DeviceID: deviceID,
		Address:  address,
		Body:     r.Body,
		Date:     r.Date,
		Type:     model.MessageSent,
	})
	if err != nil {
		c.log.Error().Err(err).Str("device_id", identity.Mask(deviceID)).Msg("failed to log sent message")
		errs = append(errs, err)
	} else {
		res.Message = &msg
		res.Logged = created
		if created {
			c.broadcast.Broadcast("new-sms-sent", map[string]interface{}{
				"deviceId":  deviceID,
				"sms":       msg,
				"timestamp": c.clock.Now().UnixMilli(),
				"realtime":  true,
			})
		}
	}

	if ref := strings.TrimSpace(r.CommandID); ref != "" {
		cmd, err := c.commands.Acknowledge(ctx, model.Ack{
			Ref:     ref,
			Success: true,
			Message: "SMS sent to " + address,
		})
		switch {
		case errors.Is(err, apperr.ErrNotFound):
			res.Warning = WarnUnknownCommand
		case err != nil:
			c.log.Error().Err(err).Str("ref", ref).Msg("failed to close send command")
			errs = append(errs, err)
		default:
			res.Command = &cmd
			c.broadcast.Broadcast("command:ack", map[string]interface{}{
				"deviceId": deviceID,
				"command":  cmd,
				"success":  true,
			})
		}
	}

	return res, errors.Join(errs...)
}
