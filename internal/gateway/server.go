// Package gateway serves the device channel: a WebSocket per device carrying
// registration, command delivery and acknowledgments.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/signalix/devicegate/internal/ack"
	"github.com/signalix/devicegate/internal/apperr"
	"github.com/signalix/devicegate/internal/clock"
	"github.com/signalix/devicegate/internal/identity"
	"github.com/signalix/devicegate/internal/model"
	"github.com/signalix/devicegate/internal/session"
	"github.com/signalix/devicegate/internal/wsconn"
)

// Inbound and outbound event names.
const (
	EventRegister = "register-device"
	EventAck      = "command-ack"
	EventSentSMS  = "sms-sent-success"
	EventPing     = "ping"
	EventPong     = "pong"
	EventError    = "error"
)

const (
	eventTimeout        = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	presenceStripes     = 64
)

// Presence records channel connects and disconnects on the device.
type Presence interface {
	SetOnline(ctx context.Context, deviceID string, online bool) error
}

// Replayer re-delivers pending commands to a freshly registered connection.
type Replayer interface {
	Replay(ctx context.Context, conn session.Conn, deviceID string) (int, error)
}

// Acknowledger applies device-reported command outcomes.
type Acknowledger interface {
	Acknowledge(ctx context.Context, deviceID string, a model.Ack) (ack.Result, error)
	ReportSent(ctx context.Context, deviceID string, r ack.SentReport) (ack.SentResult, error)
}

// Config holds the gateway timings.
type Config struct {
	Conn wsconn.Config
	// PingInterval is the period of the application-level ping event. Zero uses 30s.
	PingInterval time.Duration
	// Clock stamps pong replies. Nil uses the wall clock.
	Clock clock.Clock
}

// Server upgrades device requests and dispatches their events.
type Server struct {
	upgrader websocket.Upgrader
	cfg      Config
	registry *session.Registry
	presence Presence
	replay   Replayer
	acks     Acknowledger
	log      zerolog.Logger

	// presence writes for one identity are serialized so an offline write cannot land
	// after the online write of a connection that registered meanwhile.
	presenceLocks [presenceStripes]sync.Mutex
}

// NewServer creates a Server.
func NewServer(upgrader websocket.Upgrader, cfg Config, registry *session.Registry, presence Presence, replay Replayer, acks Acknowledger, log zerolog.Logger) *Server {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Server{
		upgrader: upgrader,
		cfg:      cfg,
		registry: registry,
		presence: presence,
		replay:   replay,
		acks:     acks,
		log:      log.With().Str("component", "gateway").Logger(),
	}
}

// deviceConn is a session.Conn over a websocket client.
type deviceConn struct {
	*wsconn.Client

	mu       sync.Mutex
	deviceID string
}

func (c *deviceConn) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

func (c *deviceConn) SetDeviceID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deviceID = id
}

// Handler serves GET /ws/device. A deviceId query parameter registers the connection
// right after the upgrade.
func (s *Server) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn().Err(err).Msg("device upgrade failed")
			return
		}

		conn := &deviceConn{Client: wsconn.New(ws, uuid.NewString(), s.cfg.Conn, s.log)}
		s.log.Debug().Str("conn_id", conn.ID()).Str("remote", r.RemoteAddr).Msg("device connected")

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go conn.WritePump()
		go s.keepAlive(ctx, conn)

		if raw := r.URL.Query().Get("deviceId"); raw != "" {
			s.register(ctx, conn, raw)
		}
		conn.ReadPump(func(env wsconn.Envelope) {
			s.handle(ctx, conn, env)
		})
		s.disconnect(conn)
	}
}

func (s *Server) keepAlive(ctx context.Context, conn *deviceConn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !conn.Send(EventPing, nil) {
				return
			}
		}
	}
}

// handle runs one inbound event. A failing event never takes the connection down.
func (s *Server) handle(ctx context.Context, conn *deviceConn, env wsconn.Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error().
				Interface("panic", rec).
				Str("event", env.Event).
				Str("conn_id", conn.ID()).
				Msg("device event handler panicked")
			conn.Send(EventError, errorPayload("internal error"))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, eventTimeout)
	defer cancel()

	switch env.Event {
	case EventRegister:
		raw, _ := identity.FromJSON(env.Data)
		s.register(ctx, conn, raw)
	case EventAck:
		s.handleAck(ctx, conn, env.Data)
	case EventSentSMS:
		s.handleSent(ctx, conn, env.Data)
	case EventPing:
		conn.Send(EventPong, map[string]interface{}{
			"timestamp":    s.cfg.Clock.Now().UnixMilli(),
			"connectionId": conn.ID(),
		})
	default:
		s.log.Debug().Str("event", env.Event).Str("conn_id", conn.ID()).Msg("ignoring unknown event")
	}
}

func (s *Server) register(ctx context.Context, conn *deviceConn, raw string) {
	reg, err := s.registry.Register(conn, raw)
	if err != nil {
		return
	}
	lock := s.presenceLock(reg.DeviceID)
	lock.Lock()
	err = s.presence.SetOnline(ctx, reg.DeviceID, true)
	lock.Unlock()
	if err != nil {
		s.log.Error().Err(err).Str("device_id", identity.Mask(reg.DeviceID)).Msg("failed to mark device online")
	}
	if _, err := s.replay.Replay(ctx, conn, reg.DeviceID); err != nil {
		s.log.Error().Err(err).Str("device_id", identity.Mask(reg.DeviceID)).Msg("replay failed")
	}
}

func (s *Server) disconnect(conn *deviceConn) {
	id, removed := s.registry.Unregister(conn)
	s.log.Debug().Str("conn_id", conn.ID()).Str("device_id", identity.Mask(id)).Bool("bound", removed).Msg("device disconnected")
	if !removed {
		return
	}

	lock := s.presenceLock(id)
	lock.Lock()
	defer lock.Unlock()
	if s.registry.Count(id) > 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	if err := s.presence.SetOnline(ctx, id, false); err != nil {
		s.log.Error().Err(err).Str("device_id", identity.Mask(id)).Msg("failed to mark device offline")
	}
}

func (s *Server) presenceLock(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &s.presenceLocks[h.Sum32()%presenceStripes]
}

type ackFrame struct {
	CommandID  string `json:"commandId"`
	Success    bool   `json:"success"`
	Error      string `json:"error"`
	USSDCode   string `json:"ussdCode"`
	ResultCode string `json:"resultCode"`
	Message    string `json:"message"`
}

func (s *Server) handleAck(ctx context.Context, conn *deviceConn, data json.RawMessage) {
	var f ackFrame
	if err := json.Unmarshal(data, &f); err != nil {
		conn.Send(EventError, errorPayload("malformed command-ack"))
		return
	}
	code := f.ResultCode
	if code == "" {
		code = f.USSDCode
	}
	_, err := s.acks.Acknowledge(ctx, conn.DeviceID(), model.Ack{
		Ref:        f.CommandID,
		Success:    f.Success,
		Error:      f.Error,
		ResultCode: code,
		Message:    f.Message,
	})
	if err != nil {
		s.reject(conn, EventAck, err)
	}
}

type sentFrame struct {
	DeviceID  string `json:"deviceId"`
	Address   string `json:"address"`
	Body      string `json:"body"`
	Date      int64  `json:"date"`
	Slot      int    `json:"slot"`
	CommandID string `json:"commandId"`
}

func (s *Server) handleSent(ctx context.Context, conn *deviceConn, data json.RawMessage) {
	var f sentFrame
	if err := json.Unmarshal(data, &f); err != nil {
		conn.Send(EventError, errorPayload("malformed sms-sent-success"))
		return
	}
	deviceID := conn.DeviceID()
	if deviceID == "" {
		deviceID = f.DeviceID
	}
	_, err := s.acks.ReportSent(ctx, deviceID, ack.SentReport{
		Address:   f.Address,
		Body:      f.Body,
		Date:      f.Date,
		Slot:      f.Slot,
		CommandID: f.CommandID,
	})
	if err != nil {
		s.reject(conn, EventSentSMS, err)
	}
}

// reject logs a failed event and tells the device when the input was at fault.
func (s *Server) reject(conn *deviceConn, event string, err error) {
	s.log.Warn().Err(err).Str("event", event).Str("conn_id", conn.ID()).Msg("device event failed")
	if errors.Is(err, apperr.ErrValidation) {
		conn.Send(EventError, errorPayload(apperr.Message(err, "invalid "+event)))
	}
}

func errorPayload(msg string) map[string]string {
	return map[string]string{"message": msg}
}
