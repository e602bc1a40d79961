package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/signalix/devicegate/internal/clock"
	"github.com/signalix/devicegate/internal/dispatch"
	"github.com/signalix/devicegate/internal/model"
)

// CommandHandler handles the admin command endpoints
type CommandHandler struct {
	engine *dispatch.Engine
	clock  clock.Clock
	log    zerolog.Logger
}

// NewCommandHandler creates a new command handler
func NewCommandHandler(engine *dispatch.Engine, clk clock.Clock, log zerolog.Logger) *CommandHandler {
	if clk == nil {
		clk = clock.Real()
	}
	return &CommandHandler{engine: engine, clock: clk, log: log.With().Str("component", "commands").Logger()}
}

// slotField is a SIM slot sent either as a JSON number or as a numeric string.
// null and "" leave it unset.
type slotField struct {
	value *int
}

func (f *slotField) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		f.value = nil
		return nil
	}
	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = strings.TrimSpace(unquoted)
		if raw == "" {
			f.value = nil
			return nil
		}
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("slot %q is not an integer", raw)
	}
	f.value = &n
	return nil
}

type callForwardRequest struct {
	DeviceID    string         `json:"deviceId"`
	Slot        slotField      `json:"slot"`
	Number      string         `json:"number"`
	AutoExecute bool           `json:"autoExecute"`
	Priority    model.Priority `json:"priority"`
	RequestedBy string         `json:"requestedBy"`
}

// HandleCallForward handles POST /api/call-forward
func (h *CommandHandler) HandleCallForward(w http.ResponseWriter, r *http.Request) {
	var req callForwardRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.engine.Create(r.Context(), dispatch.CreateRequest{
		DeviceID:    req.DeviceID,
		Action:      model.ActionCallForward,
		Slot:        req.Slot.value,
		Number:      req.Number,
		AutoExecute: req.AutoExecute,
		Priority:    req.Priority,
		RequestedBy: req.RequestedBy,
	})
	if err != nil {
		respondWithAppError(w, h.log, err, "Failed to set call forwarding")
		return
	}

	p := res.Command.Payload
	kind := "activation"
	if p.IsDeactivation {
		kind = "deactivation"
	}
	verb := "queued"
	if res.Delivered > 0 {
		verb = "sent"
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"command": map[string]interface{}{
			"id":             res.Command.ID,
			"commandId":      p.CommandID,
			"deviceId":       res.Command.DeviceID,
			"action":         res.Command.Action,
			"payload":        p,
			"autoExecute":    p.AutoExecute,
			"isDeactivation": p.IsDeactivation,
			"status":         res.Status,
			"activeSockets":  res.Delivered,
		},
		"message":          fmt.Sprintf("Call forwarding %s command %s", kind, verb),
		"devicesConnected": res.Delivered,
		"superseded":       res.Superseded,
		"timestamp":        h.clock.Now().UnixMilli(),
	})
}

type sendSMSRequest struct {
	DeviceID    string    `json:"deviceId"`
	To          string    `json:"to"`
	Body        string    `json:"body"`
	Slot        slotField `json:"slot"`
	RequestedBy string    `json:"requestedBy"`
}

// HandleSendSMS handles POST /api/send-sms
func (h *CommandHandler) HandleSendSMS(w http.ResponseWriter, r *http.Request) {
	var req sendSMSRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.engine.Create(r.Context(), dispatch.CreateRequest{
		DeviceID:    req.DeviceID,
		Action:      model.ActionSendSMS,
		Slot:        req.Slot.value,
		To:          req.To,
		Body:        req.Body,
		RequestedBy: req.RequestedBy,
	})
	if err != nil {
		respondWithAppError(w, h.log, err, "Failed to send SMS command")
		return
	}

	p := res.Command.Payload
	slot := 0
	if p.Slot != nil {
		slot = *p.Slot
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"command": map[string]interface{}{
			"id":              res.Command.ID,
			"uniqueCommandId": p.CommandID,
			"deviceId":        res.Command.DeviceID,
			"action":          res.Command.Action,
			"payload":         p,
			"status":          res.Status,
			"activeSockets":   res.Delivered,
		},
		"sms":              map[string]interface{}{"address": p.To, "body": p.Body, "slot": slot, "simNumber": slot + 1},
		"devicesConnected": res.Delivered,
		"message":          fmt.Sprintf("SMS command sent for SIM %d", slot+1),
	})
}

// HandleCheckForwarding handles POST /api/check-call-forwarding/{deviceId}
func (h *CommandHandler) HandleCheckForwarding(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.Create(r.Context(), dispatch.CreateRequest{
		DeviceID: chi.URLParam(r, "deviceId"),
		Action:   model.ActionCheckCallForward,
	})
	if err != nil {
		respondWithAppError(w, h.log, err, "Failed to check call forwarding status")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success":          true,
		"message":          "Status check command sent",
		"command":          res.Command,
		"status":           res.Status,
		"devicesConnected": res.Delivered,
	})
}

// HandleList handles GET /api/commands/{deviceId}
func (h *CommandHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	commands, err := h.engine.ListCommands(r.Context(), chi.URLParam(r, "deviceId"))
	if err != nil {
		respondWithAppError(w, h.log, err, "Failed to get command status")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"success": true, "commands": commands})
}

type commandStatusRequest struct {
	Done             bool                           `json:"done"`
	AutoExecuted     *bool                          `json:"autoExecuted"`
	USSDCode         string                         `json:"ussdCode"`
	ResultCode       string                         `json:"resultCode"`
	ExecutionMessage string                         `json:"executionMessage"`
	ForwardingStatus *model.CommandForwardingStatus `json:"callForwardingStatus"`
}

// HandleUpdateStatus handles PATCH /api/command-status/{commandId}
func (h *CommandHandler) HandleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req commandStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	code := strings.TrimSpace(req.ResultCode)
	if code == "" {
		code = strings.TrimSpace(req.USSDCode)
	}
	cmd, err := h.engine.UpdateStatus(r.Context(), chi.URLParam(r, "commandId"), model.StatusUpdate{
		Done:             req.Done,
		AutoExecuted:     req.AutoExecuted,
		ResultCode:       code,
		ExecutionMessage: req.ExecutionMessage,
		ForwardingStatus: req.ForwardingStatus,
	})
	if err != nil {
		respondWithAppError(w, h.log, err, "Failed to update command status")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"success": true, "command": cmd})
}

type toggleAutoRequest struct {
	DeviceID string `json:"deviceId"`
	Enabled  bool   `json:"enabled"`
}

// HandleToggleAutoExecution handles POST /api/toggle-auto-execution
func (h *CommandHandler) HandleToggleAutoExecution(w http.ResponseWriter, r *http.Request) {
	var req toggleAutoRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	d, delivered, err := h.engine.SetAutoExecution(r.Context(), req.DeviceID, req.Enabled)
	if err != nil {
		respondWithAppError(w, h.log, err, "Failed to toggle auto-execution")
		return
	}
	state := "disabled"
	if req.Enabled {
		state = "enabled"
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success":            true,
		"autoExecuteEnabled": d.CallForwarding.AutoExecuteEnabled,
		"devicesConnected":   delivered,
		"message":            fmt.Sprintf("Auto-execution %s for device %s", state, d.DeviceID),
	})
}
