// Package device handles device self-reports and the admin reads and deletes of devices
// and their message logs.
package device

import (
	"context"
	"math"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/signalix/devicegate/internal/apperr"
	"github.com/signalix/devicegate/internal/cache"
	"github.com/signalix/devicegate/internal/clock"
	"github.com/signalix/devicegate/internal/identity"
	"github.com/signalix/devicegate/internal/model"
	"github.com/signalix/devicegate/internal/observer"
	"github.com/signalix/devicegate/internal/repo"
)

const (
	// MaxSims is the number of SIM entries kept per device.
	MaxSims = 2
	// LatestLimit caps the latest-messages poll.
	LatestLimit     = 20
	defaultPageSize = 50
	maxPageSize     = 500
)

// Names that look like generated ids are ignored in favour of the stored name.
var randomIDName = regexp.MustCompile(`^[A-Z0-9]{8,}$`)

// Service implements the device-facing report API and the admin device API.
type Service struct {
	devices   repo.DeviceRepo
	messages  repo.MessageRepo
	rateLimit *cache.Window
	dedup     *cache.Window
	broadcast observer.Broadcaster
	clock     clock.Clock
	log       zerolog.Logger
}

// NewService creates a Service. rateLimit is keyed by device id, dedup by cache.ReportKey.
func NewService(devices repo.DeviceRepo, messages repo.MessageRepo, rateLimit, dedup *cache.Window, broadcast observer.Broadcaster, clk clock.Clock, log zerolog.Logger) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	if broadcast == nil {
		broadcast = observer.Nop{}
	}
	return &Service{
		devices:   devices,
		messages:  messages,
		rateLimit: rateLimit,
		dedup:     dedup,
		broadcast: broadcast,
		clock:     clk,
		log:       log.With().Str("component", "device").Logger(),
	}
}

// SimReport is one SIM slot as reported by a device.
type SimReport struct {
	Slot        int    `json:"slot"`
	Carrier     string `json:"carrier"`
	PhoneNumber string `json:"phoneNumber"`
	CountryCode string `json:"countryCode"`
	MCC         string `json:"mcc"`
	MNC         string `json:"mnc"`
	DisplayName string `json:"displayName"`
	Forwarding  string `json:"forwarding"`
}

// ReportedMessage is one message carried in a device report.
type ReportedMessage struct {
	Address string `json:"address"`
	Body    string `json:"body"`
	Date    int64  `json:"date"`
	Type    string `json:"type"`
}

// ReportRequest is a device's periodic self-report.
type ReportRequest struct {
	DeviceID      string            `json:"deviceId"`
	DeviceName    *string           `json:"deviceName"`
	Battery       *float64          `json:"battery"`
	BatterySource string            `json:"batterySource"`
	Online        *bool             `json:"online"`
	SimInfo       []SimReport       `json:"simInfo"`
	SMS           []ReportedMessage `json:"sms"`
}

// ReportResult is the outcome of a report.
type ReportResult struct {
	Device      View `json:"device"`
	NewSmsCount int  `json:"newSmsCount"`
}

// Report applies a device self-report: rate limit, message ingestion with dedup, and the
// device upsert. Observers receive device:update and, with new messages, new-sms.
func (s *Service) Report(ctx context.Context, req ReportRequest) (ReportResult, error) {
	deviceID, ok := identity.Normalize(req.DeviceID)
	if !ok {
		return ReportResult{}, apperr.Validation("Invalid deviceId")
	}
	if !s.rateLimit.Allow(deviceID) {
		return ReportResult{}, apperr.RateLimited("Too many requests. Please wait.")
	}

	newCount := 0
	var latest *ReportedMessage
	for i := range req.SMS {
		m := req.SMS[i]
		if m.Address == "" || m.Body == "" || m.Date == 0 {
			continue
		}
		key := cache.ReportKey(deviceID, m.Address, m.Body, m.Date)
		if !s.dedup.Allow(key) {
			continue
		}
		typ := model.MessageInbox
		if model.MessageType(m.Type) == model.MessageSent {
			typ = model.MessageSent
		}
		_, created, err := s.messages.InsertIfAbsent(ctx, model.Message{
			DeviceID: deviceID,
			Address:  m.Address,
			Body:     m.Body,
			Date:     m.Date,
			Type:     typ,
		})
		if err != nil {
			s.log.Error().Err(err).Str("device_id", identity.Mask(deviceID)).Msg("failed to store reported message")
			s.dedup.Remove(key)
			continue
		}
		if created {
			newCount++
			if latest == nil {
				latest = &req.SMS[i]
			}
		}
	}

	report := model.DeviceReport{
		DeviceID:        deviceID,
		Battery:         batteryLevel(req.Battery, req.BatterySource),
		Online:          req.Online,
		SimInfo:         s.simList(req.SimInfo),
		NewMessageCount: newCount,
	}
	if req.DeviceName != nil {
		name := strings.TrimSpace(*req.DeviceName)
		if name != "" && !randomIDName.MatchString(name) {
			report.DeviceName = &name
		}
	}

	d, err := s.devices.UpsertReport(ctx, report)
	if err != nil {
		return ReportResult{}, err
	}
	view, err := s.view(ctx, d)
	if err != nil {
		return ReportResult{}, err
	}

	s.broadcast.Broadcast("device:update", view)
	if newCount > 0 {
		s.broadcast.Broadcast("new-sms", map[string]interface{}{
			"deviceId":      deviceID,
			"newSmsCount":   newCount,
			"latestMessage": latest,
		})
	}

	s.log.Debug().
		Str("device_id", identity.Mask(deviceID)).
		Int("reported", len(req.SMS)).
		Int("new", newCount).
		Msg("device report applied")

	return ReportResult{Device: view, NewSmsCount: newCount}, nil
}

// batteryLevel clamps a reported level to 0..100. A zero reading is trusted only when
// the device says it measured it.
func batteryLevel(raw *float64, source string) *int {
	if raw == nil || math.IsNaN(*raw) || math.IsInf(*raw, 0) {
		return nil
	}
	level := int(math.Max(0, math.Min(100, *raw)))
	if level == 0 && source != "device" {
		return nil
	}
	return &level
}

func (s *Service) simList(in []SimReport) model.SimList {
	if len(in) == 0 {
		return nil
	}
	if len(in) > MaxSims {
		in = in[:MaxSims]
	}
	now := s.clock.Now().UTC()
	out := make(model.SimList, 0, len(in))
	for _, r := range in {
		carrier := r.Carrier
		if carrier == "" {
			carrier = "Unknown"
		}
		out = append(out, model.SimInfo{
			Slot:        r.Slot,
			Carrier:     carrier,
			PhoneNumber: r.PhoneNumber,
			CountryCode: r.CountryCode,
			MCC:         r.MCC,
			MNC:         r.MNC,
			DisplayName: r.DisplayName,
			Forwarding:  r.Forwarding,
			UpdatedAt:   now,
		})
	}
	return out
}

// StatusRequest is a lightweight battery/online update.
type StatusRequest struct {
	DeviceID      string   `json:"deviceId"`
	Battery       *float64 `json:"battery"`
	BatterySource string   `json:"batterySource"`
	Online        *bool    `json:"online"`
}

// UpdateStatus refreshes battery, online and last-seen of a known device.
func (s *Service) UpdateStatus(ctx context.Context, req StatusRequest) (View, error) {
	deviceID, ok := identity.Normalize(req.DeviceID)
	if !ok {
		return View{}, apperr.Validation("Invalid deviceId")
	}
	d, err := s.devices.UpdateStatus(ctx, deviceID, batteryLevel(req.Battery, req.BatterySource), req.Online)
	if err != nil {
		return View{}, err
	}
	view, err := s.view(ctx, d)
	if err != nil {
		return View{}, err
	}
	s.broadcast.Broadcast("device:update", view)
	return view, nil
}

// UpdateSimInfo replaces the SIM list of a device, creating the device when unknown.
func (s *Service) UpdateSimInfo(ctx context.Context, rawDeviceID string, sims []SimReport) (View, error) {
	deviceID, ok := identity.Normalize(rawDeviceID)
	if !ok {
		return View{}, apperr.Validation("deviceId is required")
	}
	for _, sim := range sims {
		if sim.Slot < 0 || sim.Slot >= MaxSims {
			return View{}, apperr.Validation("Each SIM must have a valid slot number")
		}
	}
	list := s.simList(sims)
	if list == nil {
		list = model.SimList{}
	}
	d, err := s.devices.ReplaceSimInfo(ctx, deviceID, list)
	if err != nil {
		return View{}, err
	}
	view, err := s.view(ctx, d)
	if err != nil {
		return View{}, err
	}
	s.broadcast.Broadcast("device:update", view)
	return view, nil
}

// SetOnline records a channel connect or disconnect and notifies observers.
func (s *Service) SetOnline(ctx context.Context, deviceID string, online bool) error {
	d, err := s.devices.SetOnline(ctx, deviceID, online)
	if err != nil {
		return err
	}
	s.broadcast.Broadcast("device:status", map[string]interface{}{
		"deviceId": deviceID,
		"online":   online,
		"lastSeen": d.LastSeen,
	})
	return nil
}

func (s *Service) view(ctx context.Context, d model.Device) (View, error) {
	counts, err := s.messages.Counts(ctx, d.DeviceID)
	if err != nil {
		return View{}, err
	}
	return NewView(d, counts), nil
}

// List returns every device, most recently seen first.
func (s *Service) List(ctx context.Context) ([]View, error) {
	devices, err := s.devices.List(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]View, 0, len(devices))
	for _, d := range devices {
		v, err := s.view(ctx, d)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}

// Get returns one device.
func (s *Service) Get(ctx context.Context, rawDeviceID string) (View, error) {
	deviceID, ok := identity.Normalize(rawDeviceID)
	if !ok {
		return View{}, apperr.Validation("Invalid deviceId")
	}
	d, err := s.devices.Get(ctx, deviceID)
	if err != nil {
		return View{}, err
	}
	return s.view(ctx, d)
}

// Pagination describes a page of the message log.
type Pagination struct {
	CurrentPage   int  `json:"currentPage"`
	TotalPages    int  `json:"totalPages"`
	TotalMessages int  `json:"totalMessages"`
	HasNextPage   bool `json:"hasNextPage"`
	HasPrevPage   bool `json:"hasPrevPage"`
}

// MessagePage is one page of a device's message log.
type MessagePage struct {
	Messages   []model.Message `json:"messages"`
	Pagination Pagination      `json:"pagination"`
}

// Messages returns a page of the device's messages, newest first. typ "" or "all"
// returns every type.
func (s *Service) Messages(ctx context.Context, rawDeviceID string, page, limit int, typ string) (MessagePage, error) {
	deviceID, ok := identity.Normalize(rawDeviceID)
	if !ok {
		return MessagePage{}, apperr.Validation("Invalid deviceId")
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	filter := repo.MessageFilter{DeviceID: deviceID, Page: page, Limit: limit}
	switch typ {
	case "", "all":
	case string(model.MessageInbox), string(model.MessageSent):
		filter.Type = model.MessageType(typ)
	default:
		return MessagePage{}, apperr.Validation("type must be inbox, sent or all")
	}

	messages, total, err := s.messages.List(ctx, filter)
	if err != nil {
		return MessagePage{}, err
	}
	return MessagePage{
		Messages: messages,
		Pagination: Pagination{
			CurrentPage:   page,
			TotalPages:    (total + limit - 1) / limit,
			TotalMessages: total,
			HasNextPage:   filter.Offset()+len(messages) < total,
			HasPrevPage:   page > 1,
		},
	}, nil
}

// LatestMessages is the result of a latest-messages poll.
type LatestMessages struct {
	Messages        []model.Message `json:"messages"`
	Count           int             `json:"count"`
	LatestTimestamp *int64          `json:"latestTimestamp"`
}

// Latest returns up to LatestLimit messages newer than since (unix millis).
func (s *Service) Latest(ctx context.Context, rawDeviceID string, since int64) (LatestMessages, error) {
	deviceID, ok := identity.Normalize(rawDeviceID)
	if !ok {
		return LatestMessages{}, apperr.Validation("Invalid deviceId")
	}
	messages, err := s.messages.Latest(ctx, deviceID, since, LatestLimit)
	if err != nil {
		return LatestMessages{}, err
	}
	res := LatestMessages{Messages: messages, Count: len(messages)}
	if len(messages) > 0 {
		ts := messages[0].Date
		res.LatestTimestamp = &ts
	}
	return res, nil
}

// DeleteResult reports what a delete removed.
type DeleteResult struct {
	DeviceID       string `json:"deviceId,omitempty"`
	DeletedDevices int64  `json:"deletedUsers"`
	DeletedSms     int64  `json:"deletedSms"`
}

// Delete removes a device, its message log and its cache entries.
func (s *Service) Delete(ctx context.Context, rawDeviceID string) (DeleteResult, error) {
	deviceID, ok := identity.Normalize(rawDeviceID)
	if !ok {
		return DeleteResult{}, apperr.Validation("Invalid deviceId format")
	}
	deleted, err := s.devices.Delete(ctx, deviceID)
	if err != nil {
		return DeleteResult{}, err
	}
	messages, err := s.messages.DeleteByDevice(ctx, deviceID)
	if err != nil {
		return DeleteResult{}, err
	}
	if !deleted {
		return DeleteResult{}, apperr.NotFound("Device not found")
	}

	s.rateLimit.Forget(deviceID)
	s.dedup.Forget(deviceID)
	s.broadcast.Broadcast("device:deleted", map[string]string{"deviceId": deviceID})

	s.log.Info().Str("device_id", identity.Mask(deviceID)).Int64("messages", messages).Msg("device deleted")
	return DeleteResult{DeviceID: deviceID, DeletedDevices: 1, DeletedSms: messages}, nil
}

// DeleteAll removes every device and message and clears both caches.
func (s *Service) DeleteAll(ctx context.Context) (DeleteResult, error) {
	devices, err := s.devices.DeleteAll(ctx)
	if err != nil {
		return DeleteResult{}, err
	}
	messages, err := s.messages.DeleteAll(ctx)
	if err != nil {
		return DeleteResult{}, err
	}
	s.rateLimit.Clear()
	s.dedup.Clear()

	s.log.Warn().Int64("devices", devices).Int64("messages", messages).Msg("all device data deleted")
	return DeleteResult{DeletedDevices: devices, DeletedSms: messages}, nil
}

// Stats is the store and cache summary served by the health endpoint.
type Stats struct {
	Devices          int `json:"totalUsers"`
	Messages         int `json:"totalSms"`
	RateLimitEntries int `json:"rateLimitCacheSize"`
	DedupEntries     int `json:"smsDeduplicationCacheSize"`
}

// Stats counts stored devices and messages and reports cache sizes.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	devices, err := s.devices.Count(ctx)
	if err != nil {
		return Stats{}, err
	}
	messages, err := s.messages.Count(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Devices:          devices,
		Messages:         messages,
		RateLimitEntries: s.rateLimit.Len(),
		DedupEntries:     s.dedup.Len(),
	}, nil
}
