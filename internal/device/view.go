package device

import (
	"strings"
	"time"

	"github.com/signalix/devicegate/internal/model"
)

// MessageStats is the per-type message count of a device.
type MessageStats struct {
	InboxCount int `json:"inboxCount"`
	SentCount  int `json:"sentCount"`
}

// View is the device representation served to admin clients and broadcast to observers.
type View struct {
	ID                     string                       `json:"id"`
	DeviceID               string                       `json:"deviceId"`
	DeviceName             string                       `json:"deviceName"`
	Name                   string                       `json:"name"`
	Battery                int                          `json:"battery"`
	Online                 bool                         `json:"online"`
	Status                 string                       `json:"status"`
	LastSeen               time.Time                    `json:"lastSeen"`
	LastSmsReceived        *time.Time                   `json:"lastSmsReceived"`
	LoginTime              time.Time                    `json:"loginTime"`
	TotalSms               int                          `json:"totalSms"`
	TotalSmsCount          int                          `json:"totalSmsCount"`
	Inbox                  int                          `json:"inbox"`
	Sent                   int                          `json:"sent"`
	SimInfo                model.SimList                `json:"simInfo"`
	Sim1                   string                       `json:"sim1"`
	Sim2                   string                       `json:"sim2"`
	MessageStats           MessageStats                 `json:"messageStats"`
	CallForwardingSettings model.CallForwardingSettings `json:"callForwardingSettings"`
	RegistrationCount      int                          `json:"registrationCount"`
	CreatedAt              time.Time                    `json:"createdAt"`
	UpdatedAt              time.Time                    `json:"updatedAt"`
}

// NewView builds the admin view of d with its message counts.
func NewView(d model.Device, counts model.MessageCounts) View {
	name := d.DeviceName
	if name == "" {
		name = "Unknown Device"
	}
	status := "Offline"
	if d.Online {
		status = "Online"
	}
	total := counts.Inbox + counts.Sent
	totalCount := d.TotalSmsCount
	if totalCount == 0 {
		totalCount = total
	}
	sims := d.SimInfo
	if sims == nil {
		sims = model.SimList{}
	}

	v := View{
		ID:                     d.DeviceID,
		DeviceID:               d.DeviceID,
		DeviceName:             name,
		Name:                   name,
		Battery:                d.Battery,
		Online:                 d.Online,
		Status:                 status,
		LastSeen:               d.LastSeen,
		LastSmsReceived:        d.LastSmsReceived,
		LoginTime:              d.CreatedAt,
		TotalSms:               total,
		TotalSmsCount:          totalCount,
		Inbox:                  counts.Inbox,
		Sent:                   counts.Sent,
		SimInfo:                sims,
		Sim1:                   "N/A",
		Sim2:                   "N/A",
		MessageStats:           MessageStats{InboxCount: counts.Inbox, SentCount: counts.Sent},
		CallForwardingSettings: d.CallForwarding,
		RegistrationCount:      d.RegistrationCount,
		CreatedAt:              d.CreatedAt,
		UpdatedAt:              d.UpdatedAt,
	}
	if len(sims) > 0 {
		v.Sim1 = FormatSim(sims[0])
	}
	if len(sims) > 1 {
		v.Sim2 = FormatSim(sims[1])
	}
	return v
}

// FormatSim renders a SIM as "Carrier (number) [cc]", or "N/A" when nothing is known.
func FormatSim(s model.SimInfo) string {
	if s.Carrier == "" && s.PhoneNumber == "" {
		return "N/A"
	}
	var parts []string
	if s.Carrier != "" && s.Carrier != "Unknown" {
		parts = append(parts, s.Carrier)
	}
	if s.PhoneNumber != "" {
		parts = append(parts, "("+s.PhoneNumber+")")
	}
	if s.CountryCode != "" {
		parts = append(parts, "["+s.CountryCode+"]")
	}
	if len(parts) == 0 {
		return "N/A"
	}
	return strings.Join(parts, " ")
}
