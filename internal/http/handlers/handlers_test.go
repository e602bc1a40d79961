package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalix/devicegate/internal/auth"
	"github.com/signalix/devicegate/internal/cache"
	"github.com/signalix/devicegate/internal/clock"
	"github.com/signalix/devicegate/internal/device"
	"github.com/signalix/devicegate/internal/dispatch"
	"github.com/signalix/devicegate/internal/model"
	"github.com/signalix/devicegate/internal/session"
	"github.com/signalix/devicegate/internal/testutil/storetest"
)

type fixture struct {
	clk      *clock.Fake
	devices  *storetest.Devices
	messages *storetest.Messages
	commands *storetest.Commands
	registry *session.Registry
	router   chi.Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zerolog.Nop()
	clk := clock.NewFake(time.Unix(1700000000, 0))
	f := &fixture{
		clk:      clk,
		devices:  storetest.NewDevices(clk.Now),
		messages: storetest.NewMessages(clk.Now),
		commands: storetest.NewCommands(clk.Now),
		registry: session.NewRegistry(session.Options{Clock: clk, Logger: log}),
	}
	broadcast := &storetest.Broadcasts{}
	svc := device.NewService(f.devices, f.messages,
		cache.NewWindow(2*time.Second, 10, clk), cache.NewWindow(10*time.Second, 10, clk), broadcast, clk, log)
	engine := dispatch.NewEngine(f.commands, f.devices, f.registry, broadcast, clk, dispatch.DefaultConfig(), log)
	admin := auth.NewAdminService(auth.NewJWTService("secret"), "admin",
		auth.Secret{Plain: "pw"}, auth.Secret{Plain: "del"})

	ah := NewAdminHandler(admin, log)
	dh := NewDeviceHandler(svc, admin, log)
	ch := NewCommandHandler(engine, clk, log)
	hh := NewHealthHandler(svc, f.registry.Devices, func() int { return 2 }, clk, log)

	r := chi.NewRouter()
	r.Get("/health", hh.ServeHTTP)
	r.Get("/api/health", hh.HandleStatus)
	r.Get("/api/ping", hh.HandlePing)
	r.Post("/api/admin-login", ah.HandleLogin)
	r.Post("/api/verify-delete-password", ah.HandleVerifyDeletePassword)
	r.Post("/api/register", dh.HandleRegister)
	r.Post("/api/update-status", dh.HandleUpdateStatus)
	r.Post("/api/user/update-sim", dh.HandleUpdateSim)
	r.Get("/api/users", dh.HandleList)
	r.Get("/api/users/{deviceId}", dh.HandleGet)
	r.Post("/api/users/{deviceId}/delete", dh.HandleDelete)
	r.Post("/api/delete-all", dh.HandleDeleteAll)
	r.Get("/api/sms/{deviceId}", dh.HandleMessages)
	r.Get("/api/sms/{deviceId}/latest", dh.HandleLatest)
	r.Post("/api/call-forward", ch.HandleCallForward)
	r.Post("/api/send-sms", ch.HandleSendSMS)
	r.Post("/api/check-call-forwarding/{deviceId}", ch.HandleCheckForwarding)
	r.Get("/api/commands/{deviceId}", ch.HandleList)
	r.Patch("/api/command-status/{commandId}", ch.HandleUpdateStatus)
	r.Post("/api/toggle-auto-execution", ch.HandleToggleAutoExecution)
	f.router = r
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return rec.Code, out
}

func (f *fixture) seed(t *testing.T, id string) {
	t.Helper()
	_, err := f.devices.UpsertReport(context.Background(), model.DeviceReport{
		DeviceID: id,
		SimInfo:  model.SimList{{Slot: 0, Carrier: "Vodafone"}, {Slot: 1}},
	})
	require.NoError(t, err)
}

func TestAdminLogin(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodPost, "/api/admin-login", map[string]string{"username": "admin", "password": "bad"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Bad creds", body["error"])

	status, body = f.do(t, http.MethodPost, "/api/admin-login", map[string]string{"username": "admin", "password": "pw"})
	assert.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, body["token"])

	status, body = f.do(t, http.MethodPost, "/api/admin-login", "{not json")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid request body", body["error"])
}

func TestVerifyDeletePassword(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodPost, "/api/verify-delete-password", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Delete password is required", body["error"])

	status, body = f.do(t, http.MethodPost, "/api/verify-delete-password", map[string]string{"password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Invalid delete password", body["error"])

	status, body = f.do(t, http.MethodPost, "/api/verify-delete-password", map[string]string{"password": "del"})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	report := map[string]interface{}{
		"deviceId": "D10000",
		"battery":  40,
		"sms":      []map[string]interface{}{{"address": "+1555", "body": "hi", "date": 1000}},
	}

	status, body := f.do(t, http.MethodPost, "/api/register", report)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(1), body["newSmsCount"])
	dev := body["device"].(map[string]interface{})
	assert.Equal(t, "D10000", dev["deviceId"])

	status, body = f.do(t, http.MethodPost, "/api/register", report)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "Too many requests. Please wait.", body["error"])

	status, body = f.do(t, http.MethodPost, "/api/register", map[string]string{"deviceId": "abc"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Invalid deviceId", body["error"])
}

func TestUpdateSim(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodPost, "/api/user/update-sim", map[string]string{"deviceId": "D10000"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "simInfo must be an array", body["error"])

	status, body = f.do(t, http.MethodPost, "/api/user/update-sim", map[string]interface{}{
		"deviceId": "D10000", "simInfo": []map[string]interface{}{{"slot": 5}},
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Each SIM must have a valid slot number", body["error"])

	status, body = f.do(t, http.MethodPost, "/api/user/update-sim", map[string]interface{}{
		"deviceId": "D10000", "simInfo": []map[string]interface{}{{"slot": 0, "carrier": "O2"}, {"slot": 1}},
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Updated SIM info for 2 SIM card(s)", body["message"])
}

func TestDevicesAndMessages(t *testing.T) {
	f := newFixture(t)
	status, _ := f.do(t, http.MethodPost, "/api/register", map[string]interface{}{
		"deviceId": "D10000",
		"sms": []map[string]interface{}{
			{"address": "+1", "body": "one", "date": 1000},
			{"address": "+1", "body": "two", "date": 2000},
			{"address": "+1", "body": "three", "date": 3000, "type": "sent"},
		},
	})
	require.Equal(t, http.StatusOK, status)

	status, body := f.do(t, http.MethodGet, "/api/users", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, body["users"], 1)

	status, body = f.do(t, http.MethodGet, "/api/users/D10000", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "D10000", body["deviceId"])

	status, _ = f.do(t, http.MethodGet, "/api/users/D99999", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, body = f.do(t, http.MethodGet, "/api/sms/D10000?page=1&limit=2", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["messages"], 2)
	pagination := body["pagination"].(map[string]interface{})
	assert.Equal(t, float64(3), pagination["totalMessages"])
	assert.Equal(t, true, pagination["hasNextPage"])

	status, body = f.do(t, http.MethodGet, "/api/sms/D10000?type=sent", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["messages"], 1)

	status, body = f.do(t, http.MethodGet, "/api/sms/D10000/latest?since=1500", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(2), body["count"])
	assert.Equal(t, float64(3000), body["latestTimestamp"])
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "D10000")
	f.seed(t, "D20000")

	status, body := f.do(t, http.MethodPost, "/api/users/D10000/delete", map[string]string{"password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Invalid delete password", body["error"])

	status, body = f.do(t, http.MethodPost, "/api/users/D10000/delete", map[string]string{"password": "del"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["deletedUser"])
	assert.Equal(t, "D10000", body["deviceId"])

	status, body = f.do(t, http.MethodPost, "/api/delete-all", map[string]string{"password": "del"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["deletedUsers"])
	assert.Equal(t, "All data deleted successfully", body["message"])
}

func TestCallForward(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "D10000")

	status, body := f.do(t, http.MethodPost, "/api/call-forward", map[string]interface{}{"deviceId": "D10000"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "missing deviceId or slot", body["error"])

	status, body = f.do(t, http.MethodPost, "/api/call-forward", map[string]interface{}{
		"deviceId": "D10000", "slot": 0, "number": "+1999",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Call forwarding activation command queued", body["message"])
	assert.Equal(t, float64(0), body["devicesConnected"])
	cmd := body["command"].(map[string]interface{})
	assert.Equal(t, dispatch.StatusPending, cmd["status"])
	assert.Equal(t, false, cmd["isDeactivation"])

	status, body = f.do(t, http.MethodPost, "/api/call-forward", map[string]interface{}{
		"deviceId": "D10000", "slot": 0, "number": "",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Call forwarding deactivation command queued", body["message"])
	assert.Equal(t, float64(1), body["superseded"])
}

func TestCallForward_SlotAsString(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "D10000")

	status, body := f.do(t, http.MethodPost, "/api/call-forward", `{"deviceId":"D10000","slot":"1","number":"+1999"}`)
	require.Equal(t, http.StatusOK, status, "body: %v", body)
	cmd := body["command"].(map[string]interface{})
	payload := cmd["payload"].(map[string]interface{})
	assert.Equal(t, float64(1), payload["slot"])
	assert.Equal(t, float64(f.clk.Now().UnixMilli()), body["timestamp"])

	status, body = f.do(t, http.MethodPost, "/api/call-forward", `{"deviceId":"D10000","slot":"","number":"+1999"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "missing deviceId or slot", body["error"])

	status, _ = f.do(t, http.MethodPost, "/api/call-forward", `{"deviceId":"D10000","slot":"first","number":"+1999"}`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestSendSMS(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodPost, "/api/send-sms", map[string]interface{}{"deviceId": "D10000", "to": "+1"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "missing required parameters: deviceId, to, body", body["error"])

	status, body = f.do(t, http.MethodPost, "/api/send-sms", map[string]interface{}{
		"deviceId": "D10000", "to": "+1", "body": "hello", "slot": 1,
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "SMS command sent for SIM 2", body["message"])
	sms := body["sms"].(map[string]interface{})
	assert.Equal(t, float64(2), sms["simNumber"])
	cmd := body["command"].(map[string]interface{})
	assert.NotEmpty(t, cmd["uniqueCommandId"])

	status, body = f.do(t, http.MethodPost, "/api/send-sms", `{"deviceId":"D10000","to":"+1","body":"hi","slot":"0"}`)
	require.Equal(t, http.StatusOK, status, "body: %v", body)
	assert.Equal(t, "SMS command sent for SIM 1", body["message"])
}

func TestCommandStatusAndList(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodPost, "/api/check-call-forwarding/D10000", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Status check command sent", body["message"])
	cmd := body["command"].(map[string]interface{})
	id := cmd["id"].(string)

	status, body = f.do(t, http.MethodPatch, "/api/command-status/"+id, map[string]interface{}{
		"done": true, "ussdCode": "*#21#", "callForwardingStatus": map[string]interface{}{"active": true},
	})
	require.Equal(t, http.StatusOK, status)
	updated := body["command"].(map[string]interface{})
	assert.Equal(t, true, updated["done"])
	assert.Equal(t, "*#21#", updated["resultCode"])

	status, _ = f.do(t, http.MethodPatch, "/api/command-status/missing", map[string]interface{}{"done": true})
	assert.Equal(t, http.StatusNotFound, status)

	status, body = f.do(t, http.MethodGet, "/api/commands/D10000", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["commands"], 1)
}

func TestToggleAutoExecution(t *testing.T) {
	f := newFixture(t)

	status, _ := f.do(t, http.MethodPost, "/api/toggle-auto-execution", map[string]interface{}{"deviceId": "D10000", "enabled": true})
	assert.Equal(t, http.StatusNotFound, status)

	f.seed(t, "D10000")
	status, body := f.do(t, http.MethodPost, "/api/toggle-auto-execution", map[string]interface{}{"deviceId": "D10000", "enabled": true})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["autoExecuteEnabled"])
	assert.Equal(t, "Auto-execution enabled for device D10000", body["message"])
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "D10000")

	status, body := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["ok"])

	status, body = f.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])
	data := body["data"].(map[string]interface{})
	assert.Equal(t, float64(1), data["totalUsers"])

	status, body = f.do(t, http.MethodGet, "/api/ping", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "pong", body["message"])
	assert.Equal(t, float64(0), body["connectedDevices"])
	assert.Equal(t, float64(2), body["observers"])
	assert.Equal(t, float64(f.clk.Now().UnixMilli()), body["timestamp"])
}
