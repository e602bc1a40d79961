package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/signalix/devicegate/internal/auth"
	"github.com/signalix/devicegate/internal/device"
)

// DeviceHandler handles device reports and the admin device endpoints
type DeviceHandler struct {
	devices *device.Service
	admin   *auth.AdminService
	log     zerolog.Logger
}

// NewDeviceHandler creates a new device handler
func NewDeviceHandler(devices *device.Service, admin *auth.AdminService, log zerolog.Logger) *DeviceHandler {
	return &DeviceHandler{devices: devices, admin: admin, log: log.With().Str("component", "devices").Logger()}
}

// HandleRegister handles POST /api/register (device report)
func (h *DeviceHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req device.ReportRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.devices.Report(r.Context(), req)
	if err != nil {
		respondWithAppError(w, h.log, err, "Server error")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"device":      res.Device,
		"newSmsCount": res.NewSmsCount,
	})
}

// HandleUpdateStatus handles POST /api/update-status
func (h *DeviceHandler) HandleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req device.StatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	view, err := h.devices.UpdateStatus(r.Context(), req)
	if err != nil {
		respondWithAppError(w, h.log, err, "Update failed")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"success": true, "device": view})
}

type updateSimRequest struct {
	DeviceID string             `json:"deviceId"`
	SimInfo  []device.SimReport `json:"simInfo"`
}

// HandleUpdateSim handles POST /api/user/update-sim
func (h *DeviceHandler) HandleUpdateSim(w http.ResponseWriter, r *http.Request) {
	var req updateSimRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SimInfo == nil {
		respondWithError(w, http.StatusBadRequest, "simInfo must be an array")
		return
	}
	view, err := h.devices.UpdateSimInfo(r.Context(), req.DeviceID, req.SimInfo)
	if err != nil {
		respondWithAppError(w, h.log, err, "Internal server error")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"user":    view,
		"message": fmt.Sprintf("Updated SIM info for %d SIM card(s)", len(req.SimInfo)),
	})
}

// HandleList handles GET /api/users
func (h *DeviceHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	views, err := h.devices.List(r.Context())
	if err != nil {
		respondWithAppError(w, h.log, err, "Failed to fetch users")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"users": views})
}

// HandleGet handles GET /api/users/{deviceId}
func (h *DeviceHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	view, err := h.devices.Get(r.Context(), chi.URLParam(r, "deviceId"))
	if err != nil {
		respondWithAppError(w, h.log, err, "Failed to fetch device")
		return
	}
	respondWithJSON(w, http.StatusOK, view)
}

// HandleMessages handles GET /api/sms/{deviceId}?page=&limit=&type=
func (h *DeviceHandler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := queryInt(q.Get("page"), 1)
	limit := queryInt(q.Get("limit"), 0)

	res, err := h.devices.Messages(r.Context(), chi.URLParam(r, "deviceId"), page, limit, q.Get("type"))
	if err != nil {
		respondWithAppError(w, h.log, err, "Failed to fetch SMS messages")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"messages":   res.Messages,
		"pagination": res.Pagination,
	})
}

// HandleLatest handles GET /api/sms/{deviceId}/latest?since=
func (h *DeviceHandler) HandleLatest(w http.ResponseWriter, r *http.Request) {
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	res, err := h.devices.Latest(r.Context(), chi.URLParam(r, "deviceId"), since)
	if err != nil {
		respondWithAppError(w, h.log, err, "Failed to fetch latest messages")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success":         true,
		"messages":        res.Messages,
		"count":           res.Count,
		"latestTimestamp": res.LatestTimestamp,
	})
}

// HandleDelete handles POST /api/users/{deviceId}/delete and DELETE /api/users/{deviceId}
func (h *DeviceHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !checkDeletePassword(w, h.admin, h.log, req.Password) {
		return
	}
	res, err := h.devices.Delete(r.Context(), chi.URLParam(r, "deviceId"))
	if err != nil {
		respondWithAppError(w, h.log, err, "Failed to delete device")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"message":     "Device and all associated data deleted successfully",
		"deletedUser": res.DeletedDevices,
		"deletedSms":  res.DeletedSms,
		"deviceId":    res.DeviceID,
	})
}

// HandleDeleteAll handles POST /api/delete-all
func (h *DeviceHandler) HandleDeleteAll(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !checkDeletePassword(w, h.admin, h.log, req.Password) {
		return
	}
	res, err := h.devices.DeleteAll(r.Context())
	if err != nil {
		respondWithAppError(w, h.log, err, "Failed to delete data")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"message":      "All data deleted successfully",
		"deletedUsers": res.DeletedDevices,
		"deletedSms":   res.DeletedSms,
	})
}

func queryInt(raw string, fallback int) int {
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
