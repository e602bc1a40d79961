package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Action names the kind of work a command asks a device to perform
type Action string

const (
	ActionCallForward      Action = "CALL_FORWARD"
	ActionSendSMS          Action = "SEND_SMS"
	ActionCheckCallForward Action = "CHECK_CALL_FORWARDING_STATUS"
)

// Valid reports whether a is a known action
func (a Action) Valid() bool {
	switch a {
	case ActionCallForward, ActionSendSMS, ActionCheckCallForward:
		return true
	}
	return false
}

// Priority is the urgency hint passed to the device executor
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// CommandPayload holds the action-specific fields of a command.
// CommandID is the correlation token the device mirrors back in its acknowledgment.
type CommandPayload struct {
	Slot           *int     `json:"slot,omitempty"`
	Number         string   `json:"number,omitempty"`
	To             string   `json:"to,omitempty"`
	Body           string   `json:"body,omitempty"`
	Timestamp      int64    `json:"timestamp"`
	RequestedBy    string   `json:"requestedBy,omitempty"`
	AutoExecute    bool     `json:"autoExecute"`
	Priority       Priority `json:"priority,omitempty"`
	IsDeactivation bool     `json:"isDeactivation"`
	CommandID      string   `json:"commandId"`
}

// Value implements driver.Valuer so the payload is stored as JSONB
func (p CommandPayload) Value() (driver.Value, error) {
	return marshalJSON(p)
}

// Scan implements sql.Scanner for JSONB payload columns
func (p *CommandPayload) Scan(src interface{}) error {
	return scanJSON(src, p)
}

// ForwardingStatus tracks the call-forwarding state of a SIM slot
type ForwardingStatus struct {
	Active          bool       `json:"active"`
	LastChecked     *time.Time `json:"lastChecked"`
	LastActivated   *time.Time `json:"lastActivated"`
	LastDeactivated *time.Time `json:"lastDeactivated"`
	LastCommandSent *time.Time `json:"lastCommandSent,omitempty"`
	AutoManaged     bool       `json:"autoManaged"`
}

// CommandForwardingStatus is the device-confirmed forwarding state recorded on a command
type CommandForwardingStatus struct {
	Active      bool       `json:"active"`
	DetectedAt  *time.Time `json:"detectedAt,omitempty"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
}

// Value implements driver.Valuer
func (s CommandForwardingStatus) Value() (driver.Value, error) {
	return marshalJSON(s)
}

// Scan implements sql.Scanner
func (s *CommandForwardingStatus) Scan(src interface{}) error {
	return scanJSON(src, s)
}

// Command is a unit of work targeted at one device
type Command struct {
	ID               uuid.UUID                `json:"id"`
	DeviceID         string                   `json:"deviceId"`
	Action           Action                   `json:"action"`
	SupersedeKey     string                   `json:"-"`
	Payload          CommandPayload           `json:"payload"`
	Done             bool                     `json:"done"`
	AutoExecuted     bool                     `json:"autoExecuted"`
	ExecutedAt       *time.Time               `json:"executedAt,omitempty"`
	Error            *string                  `json:"error,omitempty"`
	ResultCode       *string                  `json:"resultCode,omitempty"`
	ExecutionMessage *string                  `json:"executionMessage,omitempty"`
	ForwardingStatus *CommandForwardingStatus `json:"callForwardingStatus,omitempty"`
	CreatedAt        time.Time                `json:"createdAt"`
	UpdatedAt        time.Time                `json:"updatedAt"`
}

// CorrelationID returns the token embedded in the payload
func (c Command) CorrelationID() string {
	return c.Payload.CommandID
}

// Ack is the outcome a device reports for a command
type Ack struct {
	// Ref is either the command id or its correlation token
	Ref        string
	Success    bool
	Error      string
	ResultCode string
	Message    string
}

// StatusUpdate is an administrative change to a command's status
type StatusUpdate struct {
	Done             bool
	AutoExecuted     *bool
	ResultCode       string
	ExecutionMessage string
	ForwardingStatus *CommandForwardingStatus
}

// SimInfo describes one SIM slot of a device
type SimInfo struct {
	Slot             int              `json:"slot"`
	Carrier          string           `json:"carrier"`
	PhoneNumber      string           `json:"phoneNumber"`
	CountryCode      string           `json:"countryCode"`
	MCC              string           `json:"mcc"`
	MNC              string           `json:"mnc"`
	DisplayName      string           `json:"displayName"`
	Forwarding       string           `json:"forwarding"`
	ForwardingStatus ForwardingStatus `json:"forwardingStatus"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// SimList is the JSONB-backed list of SIM slots
type SimList []SimInfo

// Value implements driver.Valuer
func (l SimList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	return marshalJSON(l)
}

// Scan implements sql.Scanner
func (l *SimList) Scan(src interface{}) error {
	return scanJSON(src, l)
}

// CallForwardingSettings are the per-device automation switches
type CallForwardingSettings struct {
	AutoExecuteEnabled bool       `json:"autoExecuteEnabled"`
	MonitoringEnabled  bool       `json:"monitoringEnabled"`
	DefaultAutoNumber  string     `json:"defaultAutoNumber"`
	LastStatusCheck    *time.Time `json:"lastStatusCheck"`
}

// Device is the stored record of a remote device
type Device struct {
	DeviceID          string
	DeviceName        string
	Battery           int
	Online            bool
	SimInfo           SimList
	CallForwarding    CallForwardingSettings
	LastSeen          time.Time
	TotalSmsCount     int
	LastSmsReceived   *time.Time
	RegistrationCount int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// DeviceReport carries the fields a device may update about itself.
// Nil fields are left unchanged.
type DeviceReport struct {
	DeviceID        string
	DeviceName      *string
	Battery         *int
	Online          *bool
	SimInfo         SimList
	NewMessageCount int
}

// MessageType distinguishes received from sent messages
type MessageType string

const (
	MessageInbox MessageType = "inbox"
	MessageSent  MessageType = "sent"
)

// Message is one entry of a device's message log
type Message struct {
	ID        uuid.UUID   `json:"id"`
	DeviceID  string      `json:"deviceId"`
	Address   string      `json:"address"`
	Body      string      `json:"body"`
	Date      int64       `json:"date"`
	Type      MessageType `json:"type"`
	CreatedAt time.Time   `json:"createdAt"`
}

// MessageCounts aggregates a device's message log by type
type MessageCounts struct {
	Inbox int `json:"inbox"`
	Sent  int `json:"sent"`
}

func marshalJSON(v interface{}) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func scanJSON(src interface{}, dst interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
}
