// Package storetest provides in-memory implementations of the repository interfaces for
// unit tests. They honour the same invariants as the Postgres repositories.
package storetest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/signalix/devicegate/internal/apperr"
	"github.com/signalix/devicegate/internal/model"
	"github.com/signalix/devicegate/internal/repo"
)

// Commands is an in-memory repo.CommandRepo.
type Commands struct {
	mu    sync.Mutex
	items []model.Command
	now   func() time.Time
	// Err, when set, is returned by every operation.
	Err error
}

var _ repo.CommandRepo = (*Commands)(nil)

// NewCommands returns an empty command store. now may be nil.
func NewCommands(now func() time.Time) *Commands {
	if now == nil {
		now = time.Now
	}
	return &Commands{now: now}
}

func (s *Commands) CreateSuperseding(ctx context.Context, cmd model.Command, supersededMessage string) (model.Command, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return model.Command{}, 0, apperr.Store("create command", s.Err)
	}

	now := s.now()
	var superseded int64
	for i := range s.items {
		c := &s.items[i]
		if c.Done || c.DeviceID != cmd.DeviceID || c.Action != cmd.Action || c.SupersedeKey != cmd.SupersedeKey {
			continue
		}
		c.Done = true
		c.ExecutedAt = &now
		msg := supersededMessage
		c.ExecutionMessage = &msg
		c.UpdatedAt = now
		superseded++
	}

	if cmd.ID == uuid.Nil {
		cmd.ID = uuid.New()
	}
	// Keep created_at strictly increasing so newest-first ordering is deterministic.
	if n := len(s.items); n > 0 && !now.After(s.items[n-1].CreatedAt) {
		now = s.items[n-1].CreatedAt.Add(time.Microsecond)
	}
	cmd.Done = false
	cmd.CreatedAt = now
	cmd.UpdatedAt = now
	s.items = append(s.items, cmd)
	return cmd, superseded, nil
}

func (s *Commands) find(ref string) int {
	for i := range s.items {
		if s.items[i].ID.String() == ref || s.items[i].CorrelationID() == ref {
			return i
		}
	}
	return -1
}

func (s *Commands) Get(ctx context.Context, ref string) (model.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return model.Command{}, apperr.Store("query command", s.Err)
	}
	i := s.find(ref)
	if i < 0 {
		return model.Command{}, apperr.NotFound("command not found")
	}
	return s.items[i], nil
}

func (s *Commands) ListPending(ctx context.Context, deviceID string, limit int) ([]model.Command, error) {
	return s.list(deviceID, limit, true)
}

func (s *Commands) ListByDevice(ctx context.Context, deviceID string, limit int) ([]model.Command, error) {
	return s.list(deviceID, limit, false)
}

func (s *Commands) list(deviceID string, limit int, pendingOnly bool) ([]model.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, apperr.Store("query commands", s.Err)
	}
	out := make([]model.Command, 0)
	for i := len(s.items) - 1; i >= 0; i-- {
		c := s.items[i]
		if c.DeviceID != deviceID || (pendingOnly && c.Done) {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Commands) Acknowledge(ctx context.Context, ack model.Ack) (model.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return model.Command{}, apperr.Store("acknowledge command", s.Err)
	}
	i := s.find(ack.Ref)
	if i < 0 {
		return model.Command{}, apperr.NotFound("command not found")
	}
	now := s.now()
	c := &s.items[i]
	c.UpdatedAt = now
	if c.Done {
		return *c, nil
	}
	c.Done = ack.Success
	c.Error = optional(ack.Error)
	c.ResultCode = optional(ack.ResultCode)
	c.ExecutionMessage = optional(ack.Message)
	c.ExecutedAt = &now
	return *c, nil
}

func (s *Commands) UpdateStatus(ctx context.Context, ref string, update model.StatusUpdate) (model.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return model.Command{}, apperr.Store("update command status", s.Err)
	}
	i := s.find(ref)
	if i < 0 {
		return model.Command{}, apperr.NotFound("command not found")
	}
	now := s.now()
	c := &s.items[i]
	if update.Done && !c.Done {
		c.ExecutedAt = &now
	}
	c.Done = c.Done || update.Done
	if update.AutoExecuted != nil {
		c.AutoExecuted = *update.AutoExecuted
	}
	if update.ResultCode != "" {
		c.ResultCode = optional(update.ResultCode)
	}
	if update.ExecutionMessage != "" {
		c.ExecutionMessage = optional(update.ExecutionMessage)
	}
	if update.ForwardingStatus != nil {
		fs := *update.ForwardingStatus
		c.ForwardingStatus = &fs
	}
	c.UpdatedAt = now
	return *c, nil
}

// All returns every stored command in insertion order.
func (s *Commands) All() []model.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Command(nil), s.items...)
}

// Devices is an in-memory repo.DeviceRepo.
type Devices struct {
	mu    sync.Mutex
	items map[string]model.Device
	now   func() time.Time
	Err   error
}

var _ repo.DeviceRepo = (*Devices)(nil)

// NewDevices returns an empty device store. now may be nil.
func NewDevices(now func() time.Time) *Devices {
	if now == nil {
		now = time.Now
	}
	return &Devices{items: make(map[string]model.Device), now: now}
}

func (s *Devices) newDevice(id string) model.Device {
	now := s.now()
	return model.Device{
		DeviceID:          id,
		DeviceName:        "Unknown Device",
		SimInfo:           model.SimList{},
		CallForwarding:    model.CallForwardingSettings{MonitoringEnabled: true},
		LastSeen:          now,
		RegistrationCount: 1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func (s *Devices) UpsertReport(ctx context.Context, report model.DeviceReport) (model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return model.Device{}, apperr.Store("upsert device", s.Err)
	}
	d, ok := s.items[report.DeviceID]
	if !ok {
		d = s.newDevice(report.DeviceID)
	}
	now := s.now()
	if report.DeviceName != nil {
		d.DeviceName = *report.DeviceName
	}
	if report.Battery != nil {
		d.Battery = *report.Battery
	}
	if report.Online != nil {
		d.Online = *report.Online
	}
	if len(report.SimInfo) > 0 {
		d.SimInfo = append(model.SimList(nil), report.SimInfo...)
	}
	d.TotalSmsCount += report.NewMessageCount
	if report.NewMessageCount > 0 {
		d.LastSmsReceived = &now
	}
	d.LastSeen = now
	d.UpdatedAt = now
	s.items[d.DeviceID] = d
	return d, nil
}

func (s *Devices) UpdateStatus(ctx context.Context, deviceID string, battery *int, online *bool) (model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return model.Device{}, apperr.Store("update device status", s.Err)
	}
	d, ok := s.items[deviceID]
	if !ok {
		return model.Device{}, apperr.NotFound("device not found")
	}
	if battery != nil {
		d.Battery = *battery
	}
	if online != nil {
		d.Online = *online
	}
	d.LastSeen = s.now()
	d.UpdatedAt = d.LastSeen
	s.items[deviceID] = d
	return d, nil
}

func (s *Devices) SetOnline(ctx context.Context, deviceID string, online bool) (model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return model.Device{}, apperr.Store("set device online", s.Err)
	}
	d, ok := s.items[deviceID]
	if !ok {
		d = s.newDevice(deviceID)
	} else if online {
		d.RegistrationCount++
	}
	d.Online = online
	d.LastSeen = s.now()
	d.UpdatedAt = d.LastSeen
	s.items[deviceID] = d
	return d, nil
}

func (s *Devices) ReplaceSimInfo(ctx context.Context, deviceID string, sims model.SimList) (model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return model.Device{}, apperr.Store("replace sim info", s.Err)
	}
	d, ok := s.items[deviceID]
	if !ok {
		d = s.newDevice(deviceID)
	}
	d.SimInfo = append(model.SimList{}, sims...)
	d.LastSeen = s.now()
	d.UpdatedAt = d.LastSeen
	s.items[deviceID] = d
	return d, nil
}

func (s *Devices) UpdateForwarding(ctx context.Context, deviceID string, slot int, number string, autoManaged bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return apperr.Store("update sim info", s.Err)
	}
	d, ok := s.items[deviceID]
	if !ok {
		return apperr.NotFound("device not found")
	}
	now := s.now()
	sims := append(model.SimList(nil), d.SimInfo...)
	for i := range sims {
		if sims[i].Slot != slot {
			continue
		}
		sims[i].Forwarding = number
		st := &sims[i].ForwardingStatus
		st.Active = number != ""
		st.AutoManaged = autoManaged
		st.LastChecked = &now
		st.LastCommandSent = &now
		if number == "" {
			st.LastDeactivated = &now
		} else {
			st.LastActivated = &now
		}
		sims[i].UpdatedAt = now
	}
	d.SimInfo = sims
	s.items[deviceID] = d
	return nil
}

func (s *Devices) SetAutoExecute(ctx context.Context, deviceID string, enabled bool) (model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return model.Device{}, apperr.Store("set auto execute", s.Err)
	}
	d, ok := s.items[deviceID]
	if !ok {
		return model.Device{}, apperr.NotFound("device not found")
	}
	now := s.now()
	d.CallForwarding.AutoExecuteEnabled = enabled
	d.CallForwarding.LastStatusCheck = &now
	d.UpdatedAt = now
	s.items[deviceID] = d
	return d, nil
}

func (s *Devices) Get(ctx context.Context, deviceID string) (model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return model.Device{}, apperr.Store("query device", s.Err)
	}
	d, ok := s.items[deviceID]
	if !ok {
		return model.Device{}, apperr.NotFound("device not found")
	}
	return d, nil
}

func (s *Devices) List(ctx context.Context) ([]model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, apperr.Store("query devices", s.Err)
	}
	out := make([]model.Device, 0, len(s.items))
	for _, d := range s.items {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out, nil
}

func (s *Devices) Delete(ctx context.Context, deviceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, apperr.Store("delete device", s.Err)
	}
	_, ok := s.items[deviceID]
	delete(s.items, deviceID)
	return ok, nil
}

func (s *Devices) DeleteAll(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, apperr.Store("delete devices", s.Err)
	}
	n := int64(len(s.items))
	s.items = make(map[string]model.Device)
	return n, nil
}

func (s *Devices) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, apperr.Store("count devices", s.Err)
	}
	return len(s.items), nil
}

// Put stores d as-is.
func (s *Devices) Put(d model.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[d.DeviceID] = d
}

// Messages is an in-memory repo.MessageRepo.
type Messages struct {
	mu    sync.Mutex
	items []model.Message
	now   func() time.Time
	Err   error
}

var _ repo.MessageRepo = (*Messages)(nil)

// NewMessages returns an empty message log. now may be nil.
func NewMessages(now func() time.Time) *Messages {
	if now == nil {
		now = time.Now
	}
	return &Messages{now: now}
}

func (s *Messages) InsertIfAbsent(ctx context.Context, msg model.Message) (model.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return model.Message{}, false, apperr.Store("insert message", s.Err)
	}
	for _, m := range s.items {
		if m.DeviceID == msg.DeviceID && m.Address == msg.Address && m.Body == msg.Body && m.Date == msg.Date {
			return m, false, nil
		}
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	msg.CreatedAt = s.now()
	s.items = append(s.items, msg)
	return msg, true, nil
}

func (s *Messages) sorted(match func(model.Message) bool) []model.Message {
	out := make([]model.Message, 0)
	for _, m := range s.items {
		if match(m) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	return out
}

func (s *Messages) List(ctx context.Context, filter repo.MessageFilter) ([]model.Message, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, 0, apperr.Store("query messages", s.Err)
	}
	all := s.sorted(func(m model.Message) bool {
		return m.DeviceID == filter.DeviceID && (filter.Type == "" || m.Type == filter.Type)
	})
	start := filter.Offset()
	if start > len(all) {
		start = len(all)
	}
	end := len(all)
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}
	return append([]model.Message{}, all[start:end]...), len(all), nil
}

func (s *Messages) Latest(ctx context.Context, deviceID string, since int64, limit int) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, apperr.Store("query messages", s.Err)
	}
	out := s.sorted(func(m model.Message) bool { return m.DeviceID == deviceID && m.Date > since })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Messages) Counts(ctx context.Context, deviceID string) (model.MessageCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return model.MessageCounts{}, apperr.Store("count messages by type", s.Err)
	}
	var c model.MessageCounts
	for _, m := range s.items {
		if m.DeviceID != deviceID {
			continue
		}
		switch m.Type {
		case model.MessageInbox:
			c.Inbox++
		case model.MessageSent:
			c.Sent++
		}
	}
	return c, nil
}

func (s *Messages) DeleteByDevice(ctx context.Context, deviceID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, apperr.Store("delete device messages", s.Err)
	}
	kept := s.items[:0]
	var n int64
	for _, m := range s.items {
		if m.DeviceID == deviceID {
			n++
			continue
		}
		kept = append(kept, m)
	}
	s.items = kept
	return n, nil
}

func (s *Messages) DeleteAll(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, apperr.Store("delete messages", s.Err)
	}
	n := int64(len(s.items))
	s.items = nil
	return n, nil
}

func (s *Messages) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, apperr.Store("count messages", s.Err)
	}
	return len(s.items), nil
}

// ByBody returns stored messages whose body contains substr.
func (s *Messages) ByBody(substr string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Message
	for _, m := range s.items {
		if strings.Contains(m.Body, substr) {
			out = append(out, m)
		}
	}
	return out
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
