// Package recovery implements the Error/Recovery Manager (spec.md §4.7):
// transport fault classification, exponential-backoff reconnection driven
// by an explicit per-connection state machine, and crash recovery via a
// persisted side store. The state machine restates the source's
// callback-pyramid reconnection logic as explicit transitions, per the
// redesign notes; the backoff curve comes from cenkalti/backoff and
// per-connection fault isolation uses gobreaker circuit breakers, one per
// connection.
package recovery

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"

	"github.com/yasunoritani/manxo-bridge/internal/bridgeerr"
	"github.com/yasunoritani/manxo-bridge/internal/logging"
)

// ConnState is the explicit per-connection state machine named in the
// redesign notes: Idle -> Connecting -> Connected -> Reconnecting ->
// ConnectionError.
type ConnState string

const (
	StateIdle            ConnState = "idle"
	StateConnecting      ConnState = "connecting"
	StateConnected       ConnState = "connected"
	StateReconnecting    ConnState = "reconnecting"
	StateConnectionError ConnState = "connectionError"
)

// Config tunes the reconnection policy.
type Config struct {
	BaseDelay  time.Duration // default 2s
	AttemptCap int           // default 5
}

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = 2 * time.Second
	}
	if c.AttemptCap <= 0 {
		c.AttemptCap = 5
	}
	return c
}

// Reconnector is supplied by the caller to actually re-establish a
// transport connection.
type Reconnector func(ctx context.Context) error

// Connection tracks one transport connection's reconnection lifecycle,
// wrapped in a circuit breaker so repeated failures trip fast instead of
// hammering a dead peer.
type Connection struct {
	name    string
	cfg     Config
	cb      *gobreaker.CircuitBreaker[struct{}]
	mu      sync.Mutex
	state   ConnState
	attempt int

	onStateChange func(ConnState)
}

// NewConnection builds a Connection named for logging/metrics purposes.
func NewConnection(name string, cfg Config, onStateChange func(ConnState)) *Connection {
	cfg = cfg.withDefaults()
	c := &Connection{name: name, cfg: cfg, state: StateIdle, onStateChange: onStateChange}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.BaseDelay * time.Duration(1<<uint(cfg.AttemptCap)),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.AttemptCap)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("connection", name).Str("from", from.String()).Str("to", to.String()).Msg("recovery: circuit breaker state change")
			if to == gobreaker.StateOpen {
				c.setState(StateConnectionError)
			}
		},
	}
	c.cb = gobreaker.NewCircuitBreaker[struct{}](settings)
	return c
}

func (c *Connection) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.onStateChange != nil {
		c.onStateChange(s)
	}
}

// State returns the current connection state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// MarkConnected and MarkIdle record state for connections whose lifecycle is
// driven by a passive listener rather than an active Reconnector (the L2
// channel: the bridge accepts whatever connects next, it never dials out),
// so the circuit breaker's own reconnect loop in Disconnected does not
// apply to them.
func (c *Connection) MarkConnected() { c.setState(StateConnected) }
func (c *Connection) MarkIdle()      { c.setState(StateIdle) }

// Disconnected transitions the connection into Reconnecting and begins the
// exponential-backoff reconnection loop: delay = base * 2^(attempt-1),
// capped at AttemptCap attempts, after which the connection enters
// ConnectionError requiring manual intervention.
func (c *Connection) Disconnected(ctx context.Context, reconnect Reconnector) error {
	c.setState(StateReconnecting)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.BaseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	withCap := backoff.WithMaxRetries(bo, uint64(c.cfg.AttemptCap-1))

	attempt := 0
	op := func() error {
		attempt++
		c.setState(StateConnecting)
		_, err := c.cb.Execute(func() (struct{}, error) {
			return struct{}{}, reconnect(ctx)
		})
		if err != nil {
			logging.Warn().Str("connection", c.name).Int("attempt", attempt).Err(err).Msg("recovery: reconnect attempt failed")
			c.setState(StateReconnecting)
			return err
		}
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(withCap, ctx)); err != nil {
		c.setState(StateConnectionError)
		return bridgeerr.Wrap(bridgeerr.CodeConnectionLost, "reconnection attempts exhausted", err)
	}
	c.setState(StateConnected)
	return nil
}

// PersistedState is the side-store document persisted on every change, so
// crash recovery can reconcile the mirror on restart (spec.md §6).
type PersistedState struct {
	Connection      ConnState `json:"connection"`
	Session         bool      `json:"session"`
	SessionID       string    `json:"sessionId"`
	LastSyncID      uint64    `json:"lastSyncId"`
	LastStateChange time.Time `json:"lastStateChange"`
	Snapshots       []string  `json:"snapshots,omitempty"`
}

// Store persists and loads the recovery side-store document atomically.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore opens (without requiring it to exist yet) the side store at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the persisted state; a missing file is not an error and
// yields the zero value.
func (s *Store) Load() (*PersistedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &PersistedState{}, nil
	}
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.CodeStateSyncError, "read recovery state", err)
	}
	var st PersistedState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.CodeStateSyncError, "parse recovery state", err)
	}
	return &st, nil
}

// Save atomically replaces the persisted state document (write to temp file
// then rename), per the §6 "atomic replace on write" requirement.
func (s *Store) Save(st *PersistedState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.CodeStateSyncError, "marshal recovery state", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".bridge_state-*.tmp")
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.CodeStateSyncError, "create recovery state temp file", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return bridgeerr.Wrap(bridgeerr.CodeStateSyncError, "write recovery state temp file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return bridgeerr.Wrap(bridgeerr.CodeStateSyncError, "close recovery state temp file", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return bridgeerr.Wrap(bridgeerr.CodeStateSyncError, "atomic replace recovery state", err)
	}
	return nil
}
