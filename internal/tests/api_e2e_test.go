package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalix/devicegate/internal/ack"
	"github.com/signalix/devicegate/internal/auth"
	"github.com/signalix/devicegate/internal/cache"
	"github.com/signalix/devicegate/internal/clock"
	"github.com/signalix/devicegate/internal/device"
	"github.com/signalix/devicegate/internal/dispatch"
	"github.com/signalix/devicegate/internal/gateway"
	httphandler "github.com/signalix/devicegate/internal/http"
	"github.com/signalix/devicegate/internal/http/handlers"
	"github.com/signalix/devicegate/internal/middleware"
	"github.com/signalix/devicegate/internal/observer"
	"github.com/signalix/devicegate/internal/repo"
	"github.com/signalix/devicegate/internal/session"
	"github.com/signalix/devicegate/internal/wsconn"
)

const (
	testAdminUser      = "admin"
	testAdminPassword  = "admin-pass"
	testDeletePassword = "delete-pass"
)

type testServer struct {
	Server *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	database := OpenTestDB(t)
	log := zerolog.Nop()
	clk := clock.Real()

	deviceRepo := repo.NewDeviceRepo(database)
	messageRepo := repo.NewMessageRepo(database)
	commandRepo := repo.NewCommandRepo(database)

	upgrader := wsconn.NewUpgrader(nil)
	hub := observer.NewHub(upgrader, wsconn.DefaultConfig(), log)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = hub.Run(ctx) }()
	registry := session.NewRegistry(session.Options{Clock: clk, Logger: log})
	engine := dispatch.NewEngine(commandRepo, deviceRepo, registry, hub, clk,
		dispatch.Config{ReplayLimit: 20, ReplayPacing: 10 * time.Millisecond, HistoryLimit: 10}, log)
	correlator := ack.NewCorrelator(commandRepo, messageRepo, hub, clk, log)
	devices := device.NewService(deviceRepo, messageRepo,
		cache.NewWindow(time.Millisecond, 10, clk), cache.NewWindow(10*time.Second, 10, clk), hub, clk, log)
	gw := gateway.NewServer(upgrader, gateway.Config{Conn: wsconn.DefaultConfig()}, registry, devices, engine, correlator, log)

	jwtService := auth.NewJWTService("test-jwt-secret-at-least-32-characters-long")
	admin := auth.NewAdminService(jwtService, testAdminUser,
		auth.Secret{Plain: testAdminPassword}, auth.Secret{Plain: testDeletePassword})

	router := httphandler.NewRouter(httphandler.Routes{
		Admin:          handlers.NewAdminHandler(admin, log),
		Devices:        handlers.NewDeviceHandler(devices, admin, log),
		Commands:       handlers.NewCommandHandler(engine, clk, log),
		Health:         handlers.NewHealthHandler(devices, registry.Devices, hub.Len, clk, log),
		DeviceSocket:   gw.Handler(),
		ObserverSocket: hub.Handler(middleware.AuthorizeQueryToken(jwtService)),
	}, jwtService, middleware.NewRateLimiter(time.Minute, 100, clk), log)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return &testServer{Server: server}
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.Server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.Server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (s *testServer) login(t *testing.T) string {
	t.Helper()
	status, body := s.do(t, http.MethodPost, "/api/admin-login", "", map[string]string{
		"username": testAdminUser, "password": testAdminPassword,
	})
	require.Equal(t, http.StatusOK, status, "login: %v", body)
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)
	return token
}

func TestAPIE2E(t *testing.T) {
	ts := newTestServer(t)

	t.Run("A_Health", func(t *testing.T) {
		status, body := ts.do(t, http.MethodGet, "/health", "", nil)
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, true, body["ok"])

		status, body = ts.do(t, http.MethodGet, "/api/health", "", nil)
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, "healthy", body["status"])
	})

	t.Run("B_AdminLogin", func(t *testing.T) {
		status, body := ts.do(t, http.MethodPost, "/api/admin-login", "", map[string]string{
			"username": testAdminUser, "password": "wrong",
		})
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, "Bad creds", body["error"])

		status, _ = ts.do(t, http.MethodGet, "/api/users", "", nil)
		assert.Equal(t, http.StatusUnauthorized, status)

		status, body = ts.do(t, http.MethodPost, "/api/admin-refresh", ts.login(t), nil)
		assert.Equal(t, http.StatusOK, status)
		assert.NotEmpty(t, body["token"])
	})

	t.Run("C_ReportAndQuery", func(t *testing.T) {
		token := ts.login(t)

		status, body := ts.do(t, http.MethodPost, "/api/register", "", map[string]interface{}{
			"deviceId":   "E2E_DEVICE_1",
			"deviceName": "Pixel",
			"battery":    55,
			"simInfo":    []map[string]interface{}{{"slot": 0, "carrier": "Vodafone"}},
			"sms":        []map[string]interface{}{{"address": "+1555", "body": "hello", "date": 1000}},
		})
		require.Equal(t, http.StatusOK, status, "register: %v", body)
		assert.Equal(t, float64(1), body["newSmsCount"])

		status, body = ts.do(t, http.MethodPost, "/api/register", "", map[string]string{"deviceId": "unknown"})
		assert.Equal(t, http.StatusBadRequest, status)
		assert.NotEmpty(t, body["error"])

		status, body = ts.do(t, http.MethodGet, "/api/users", token, nil)
		assert.Equal(t, http.StatusOK, status)
		assert.Len(t, body["users"], 1)

		status, body = ts.do(t, http.MethodGet, "/api/sms/E2E_DEVICE_1?page=1&limit=10", token, nil)
		assert.Equal(t, http.StatusOK, status)
		assert.Len(t, body["messages"], 1)

		status, body = ts.do(t, http.MethodGet, "/api/users/E2E_NOPE_1", token, nil)
		assert.Equal(t, http.StatusNotFound, status)
		assert.NotEmpty(t, body["error"])
	})

	t.Run("D_CommandRoundTrip", func(t *testing.T) {
		token := ts.login(t)

		url := "ws" + strings.TrimPrefix(ts.Server.URL, "http") + "/ws/device?deviceId=E2E_DEVICE_1"
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		defer conn.Close()

		// The registration is asynchronous; wait until the device is bound.
		require.Eventually(t, func() bool {
			_, body := ts.do(t, http.MethodGet, "/api/ping", "", nil)
			return body["connectedDevices"] == float64(1)
		}, 3*time.Second, 20*time.Millisecond)

		status, body := ts.do(t, http.MethodPost, "/api/call-forward", token, map[string]interface{}{
			"deviceId": "E2E_DEVICE_1", "slot": 0, "number": "+1999",
		})
		require.Equal(t, http.StatusOK, status, "call-forward: %v", body)
		assert.Equal(t, "Call forwarding activation command sent", body["message"])
		cmd := body["command"].(map[string]interface{})
		commandID := cmd["commandId"].(string)

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		for {
			_, data, err := conn.ReadMessage()
			require.NoError(t, err)
			var env wsconn.Envelope
			require.NoError(t, json.Unmarshal(data, &env))
			if env.Event == dispatch.EventCallForward {
				break
			}
		}

		frame, err := wsconn.Marshal(gateway.EventAck, map[string]interface{}{
			"commandId": commandID, "success": true, "ussdCode": "*21*1999#",
		})
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

		require.Eventually(t, func() bool {
			_, body := ts.do(t, http.MethodGet, "/api/commands/E2E_DEVICE_1", token, nil)
			list, _ := body["commands"].([]interface{})
			if len(list) == 0 {
				return false
			}
			first := list[0].(map[string]interface{})
			return first["done"] == true
		}, 3*time.Second, 20*time.Millisecond)
	})

	t.Run("E_Delete", func(t *testing.T) {
		token := ts.login(t)

		status, body := ts.do(t, http.MethodPost, "/api/delete-all", token, map[string]string{"password": "wrong"})
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, "Invalid delete password", body["error"])

		status, body = ts.do(t, http.MethodPost, "/api/users/E2E_DEVICE_1/delete", token, map[string]string{"password": testDeletePassword})
		require.Equal(t, http.StatusOK, status, "delete: %v", body)
		assert.Equal(t, float64(1), body["deletedSms"])

		status, body = ts.do(t, http.MethodPost, "/api/delete-all", token, map[string]string{"password": testDeletePassword})
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, "All data deleted successfully", body["message"])
	})
}
