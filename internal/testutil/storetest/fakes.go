package storetest

import (
	"errors"
	"sync"
)

// Sent is one event recorded by Conn or Broadcasts.
type Sent struct {
	Event   string
	Payload interface{}
}

// Conn is a recording session.Conn.
type Conn struct {
	mu       sync.Mutex
	id       string
	deviceID string
	sent     []Sent
	closed   bool

	// CloseErr, when set, is returned by Close and the connection stays open.
	CloseErr error
}

// NewConn returns an open connection with the given handle.
func NewConn(id string) *Conn {
	return &Conn{id: id}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

func (c *Conn) SetDeviceID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deviceID = id
}

func (c *Conn) Send(event string, payload interface{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.sent = append(c.sent, Sent{Event: event, Payload: payload})
	return true
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.CloseErr != nil {
		return c.CloseErr
	}
	if c.closed {
		return errors.New("connection already closed")
	}
	c.closed = true
	return nil
}

// Closed reports whether Close succeeded.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Sent returns every recorded event in order.
func (c *Conn) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// Events returns the names of the recorded events in order.
func (c *Conn) Events() []string {
	return names(c.Sent())
}

// Payloads returns the payloads recorded for event.
func (c *Conn) Payloads(event string) []interface{} {
	return payloads(c.Sent(), event)
}

// Reset forgets recorded events.
func (c *Conn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = nil
}

// Broadcasts records observer broadcasts.
type Broadcasts struct {
	mu     sync.Mutex
	events []Sent
}

func (b *Broadcasts) Broadcast(event string, payload interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, Sent{Event: event, Payload: payload})
}

// Events returns the broadcast event names in order.
func (b *Broadcasts) Events() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return names(b.events)
}

// Payloads returns the payloads broadcast for event.
func (b *Broadcasts) Payloads(event string) []interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return payloads(b.events, event)
}

func names(sent []Sent) []string {
	out := make([]string, 0, len(sent))
	for _, s := range sent {
		out = append(out, s.Event)
	}
	return out
}

func payloads(sent []Sent, event string) []interface{} {
	var out []interface{}
	for _, s := range sent {
		if s.Event == event {
			out = append(out, s.Payload)
		}
	}
	return out
}
