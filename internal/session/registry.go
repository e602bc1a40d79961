// Package session binds device identities to live connections. A device may run only
// one channel: registering a second connection under the same identity evicts and closes
// the first.
package session

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/signalix/devicegate/internal/apperr"
	"github.com/signalix/devicegate/internal/clock"
	"github.com/signalix/devicegate/internal/identity"
)

// Conn is a live device channel as seen by the registry. The transport owns it; the
// registry only holds references.
type Conn interface {
	ID() string
	DeviceID() string
	SetDeviceID(id string)
	// Send queues an event without blocking and reports whether it was accepted.
	Send(event string, payload interface{}) bool
	Close() error
}

// Registration is the outcome of a successful Register call.
type Registration struct {
	DeviceID string    `json:"deviceId"`
	ConnID   string    `json:"connectionId"`
	Members  []string  `json:"members"`
	Evicted  int       `json:"evicted"`
	At       time.Time `json:"timestamp"`
}

// Options configures a Registry.
type Options struct {
	// VerifyDelay is how long after a registration the binding is re-checked. Zero disables it.
	VerifyDelay time.Duration
	Clock       clock.Clock
	Logger      zerolog.Logger
}

// Registry is the identity -> connections map. All mutations go through Register and
// Unregister under one mutex, so evict-then-bind is atomic for a given identity.
type Registry struct {
	mu       sync.Mutex
	bindings map[string]map[string]Conn

	verifyDelay time.Duration
	clock       clock.Clock
	log         zerolog.Logger
	anomalies   atomic.Int64
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts Options) *Registry {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Registry{
		bindings:    make(map[string]map[string]Conn),
		verifyDelay: opts.VerifyDelay,
		clock:       clk,
		log:         opts.Logger.With().Str("component", "session").Logger(),
	}
}

// Register binds conn to the identity named by raw. Every other connection bound to the
// same identity is removed and closed. A connection previously bound to a different
// identity leaves that binding first. On an invalid identity the connection receives an
// "error" event and no state changes.
func (r *Registry) Register(conn Conn, raw string) (Registration, error) {
	id, ok := identity.Normalize(raw)
	if !ok {
		conn.Send("error", map[string]string{"message": "Invalid device ID"})
		return Registration{}, apperr.Validation("invalid device ID")
	}

	r.mu.Lock()
	if prev := conn.DeviceID(); prev != "" && prev != id {
		r.removeLocked(prev, conn)
	}
	set := r.bindings[id]
	if set == nil {
		set = make(map[string]Conn)
		r.bindings[id] = set
	}
	var evicted []Conn
	for connID, other := range set {
		if connID == conn.ID() {
			continue
		}
		delete(set, connID)
		evicted = append(evicted, other)
	}
	set[conn.ID()] = conn
	conn.SetDeviceID(id)
	members := memberIDs(set)
	r.mu.Unlock()

	// Close outside the lock: a transport may call Unregister from Close.
	for _, old := range evicted {
		if err := old.Close(); err != nil {
			r.log.Warn().Err(err).
				Str("device_id", identity.Mask(id)).
				Str("conn_id", old.ID()).
				Msg("failed to close evicted connection")
			continue
		}
		r.log.Info().
			Str("device_id", identity.Mask(id)).
			Str("conn_id", old.ID()).
			Str("replaced_by", conn.ID()).
			Msg("evicted stale connection")
	}

	reg := Registration{
		DeviceID: id,
		ConnID:   conn.ID(),
		Members:  members,
		Evicted:  len(evicted),
		At:       r.clock.Now(),
	}
	conn.Send("registered", reg)

	r.log.Info().
		Str("device_id", identity.Mask(id)).
		Str("conn_id", conn.ID()).
		Int("evicted", len(evicted)).
		Msg("device registered")

	if r.verifyDelay > 0 {
		r.clock.AfterFunc(r.verifyDelay, func() { r.verify(id) })
	}
	return reg, nil
}

// verify is a diagnostic re-read of a binding after registration settled.
func (r *Registry) verify(id string) {
	n := r.Count(id)
	if n == 1 {
		return
	}
	r.anomalies.Add(1)
	r.log.Warn().
		Str("device_id", identity.Mask(id)).
		Int("members", n).
		Msg("binding verification found unexpected member count")
}

// Unregister removes conn from the binding recorded on it. It reports the identity the
// connection was bound to and whether it was still a member; a connection already
// evicted returns false.
func (r *Registry) Unregister(conn Conn) (string, bool) {
	id := conn.DeviceID()
	if id == "" {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return id, r.removeLocked(id, conn)
}

func (r *Registry) removeLocked(id string, conn Conn) bool {
	set := r.bindings[id]
	if current, ok := set[conn.ID()]; !ok || current != conn {
		return false
	}
	delete(set, conn.ID())
	if len(set) == 0 {
		delete(r.bindings, id)
	}
	return true
}

// LiveConnections returns a snapshot of the connections bound to id. Callers must
// tolerate more than one entry.
func (r *Registry) LiveConnections(id string) []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.bindings[id]
	out := make([]Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// Count returns the number of connections bound to id.
func (r *Registry) Count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bindings[id])
}

// Devices returns the number of identities with at least one connection.
func (r *Registry) Devices() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bindings)
}

// Anomalies returns how many verification passes found a binding without exactly one member.
func (r *Registry) Anomalies() int64 {
	return r.anomalies.Load()
}

func memberIDs(set map[string]Conn) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
