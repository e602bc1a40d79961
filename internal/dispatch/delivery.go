package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/signalix/devicegate/internal/identity"
	"github.com/signalix/devicegate/internal/model"
	"github.com/signalix/devicegate/internal/session"
)

// Outbound channel names. Executors may listen on any of the overlapping channels and
// deduplicate by the payload's commandId.
const (
	EventCommand         = "command"
	EventCallForward     = "call-forward-command"
	EventAutoExecute     = "auto-execute-command"
	EventForceDeactivate = "force-deactivate-command"
	EventForceActivate   = "force-activate-command"
	EventResetState      = "reset-command-state"
	EventSendSMS         = "send-sms-command"
	EventStatusCheck     = "status-check"
)

// Delivery is the frame pushed to a device: the stored command plus delivery hints.
type Delivery struct {
	model.Command
	Urgent         bool   `json:"urgent"`
	Pending        bool   `json:"pending,omitempty"`
	AutoExecute    bool   `json:"autoExecute"`
	IsDeactivation bool   `json:"isDeactivation"`
	ForceExecute   bool   `json:"forceExecute,omitempty"`
	ResetState     bool   `json:"resetState,omitempty"`
	ExecutionID    string `json:"executionId,omitempty"`
}

type resetState struct {
	DeviceID  string `json:"deviceId"`
	Timestamp int64  `json:"timestamp"`
	ResetAll  bool   `json:"resetAll"`
}

// PrimaryEvent returns the action-specific channel of an action.
func PrimaryEvent(a model.Action) string {
	switch a {
	case model.ActionSendSMS:
		return EventSendSMS
	case model.ActionCheckCallForward:
		return EventStatusCheck
	}
	return EventCallForward
}

// deliver pushes a freshly created command to every live connection and returns how
// many connections it reached.
func (e *Engine) deliver(cmd model.Command) int {
	conns := e.sessions.LiveConnections(cmd.DeviceID)
	if len(conns) == 0 {
		e.log.Warn().
			Str("device_id", identity.Mask(cmd.DeviceID)).
			Str("command_id", cmd.ID.String()).
			Msg("no live connection, command left pending")
		return 0
	}

	d := Delivery{
		Command:        cmd,
		Urgent:         true,
		AutoExecute:    cmd.Payload.AutoExecute,
		IsDeactivation: cmd.Payload.IsDeactivation,
	}
	for _, c := range conns {
		switch cmd.Action {
		case model.ActionCallForward:
			d.ForceExecute = cmd.Payload.IsDeactivation
			d.ResetState = true
			d.ExecutionID = "exec_" + uuid.NewString()
			c.Send(EventCommand, d)
			c.Send(EventCallForward, d)
			c.Send(EventAutoExecute, d)
			if cmd.Payload.IsDeactivation {
				c.Send(EventForceDeactivate, d)
			} else {
				c.Send(EventForceActivate, d)
			}
			c.Send(EventResetState, resetState{
				DeviceID:  cmd.DeviceID,
				Timestamp: e.clock.Now().UnixMilli(),
				ResetAll:  true,
			})
		default:
			c.Send(EventCommand, d)
			c.Send(PrimaryEvent(cmd.Action), d)
		}
	}
	return len(conns)
}

// Replay delivers up to ReplayLimit pending commands of the device, most recent first,
// to conn. The first is sent immediately and each later one ReplayPacing after its
// predecessor. Scheduled sends are not cancelled: if conn has closed by then its Send
// drops the frame. It returns the number of commands scheduled.
func (e *Engine) Replay(ctx context.Context, conn session.Conn, deviceID string) (int, error) {
	pending, err := e.commands.ListPending(ctx, deviceID, e.cfg.ReplayLimit)
	if err != nil {
		e.log.Error().Err(err).Str("device_id", identity.Mask(deviceID)).Msg("failed to load pending commands")
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	e.log.Info().
		Str("device_id", identity.Mask(deviceID)).
		Int("pending", len(pending)).
		Msg("replaying pending commands")

	for i, cmd := range pending {
		d := Delivery{
			Command:        cmd,
			Urgent:         true,
			Pending:        true,
			AutoExecute:    cmd.Payload.AutoExecute,
			IsDeactivation: cmd.Payload.IsDeactivation,
		}
		send := func() {
			if !conn.Send(EventCommand, d) {
				e.log.Debug().Str("command_id", d.ID.String()).Msg("replay dropped, connection gone")
				return
			}
			conn.Send(PrimaryEvent(d.Action), d)
		}
		if i == 0 {
			send()
			continue
		}
		e.clock.AfterFunc(e.cfg.ReplayPacing*time.Duration(i), send)
	}
	return len(pending), nil
}
