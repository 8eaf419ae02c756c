// Package paramsync implements the Parameter Sync Engine (spec.md §4.6): it
// batches, rate-limits, and coalesces outbound parameter change
// notifications so watched parameters stay synchronised without flooding
// either side. Batch coalescing follows the bound Open Question decision:
// last writer wins, last type wins within one window.
package paramsync

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/yasunoritani/manxo-bridge/internal/logging"
	"github.com/yasunoritani/manxo-bridge/internal/model"
)

// Sender delivers one coalesced batch to its destination (an L2 channel, in
// practice). Returning an error counts as a failed delivery attempt.
type Sender func(batch []Change) error

// Change is one coalesced parameter change ready for emission.
type Change struct {
	ObjectID   string
	Param      string
	Value      interface{}
	Type       model.ParamType
	EnqueuedAt time.Time
}

type watchKey struct {
	objectID string
	param    string
}

// Config tunes batching, rate limiting, and retry.
type Config struct {
	BatchWindow     time.Duration // default 50ms
	BatchSizeCap    int           // default 10
	RetryAttempts   int           // default 3
	RateLimitPerSec float64       // token-bucket cap on flush rate; 0 disables
}

func (c Config) withDefaults() Config {
	if c.BatchWindow <= 0 {
		c.BatchWindow = 50 * time.Millisecond
	}
	if c.BatchSizeCap <= 0 {
		c.BatchSizeCap = 10
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	return c
}

// Engine is the Parameter Sync Engine.
type Engine struct {
	cfg     Config
	send    Sender
	limiter *rate.Limiter

	mu        sync.Mutex
	watches   map[watchKey]map[string]bool // key -> subscriber ids
	pending   map[watchKey]Change
	order     []watchKey // first-enqueued-first-emitted across distinct keys
	unhealthy map[watchKey]bool

	flushTimer *time.Timer
	stopCh     chan struct{}

	onUnhealthy func(objectID, param string)
}

// New constructs an Engine that delivers batches via send.
func New(cfg Config, send Sender) *Engine {
	cfg = cfg.withDefaults()
	var limiter *rate.Limiter
	if cfg.RateLimitPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), int(cfg.RateLimitPerSec)+1)
	}
	e := &Engine{
		cfg:       cfg,
		send:      send,
		limiter:   limiter,
		watches:   make(map[watchKey]map[string]bool),
		pending:   make(map[watchKey]Change),
		unhealthy: make(map[watchKey]bool),
		stopCh:    make(chan struct{}),
	}
	return e
}

// OnUnhealthy registers a callback invoked when a watch gives up retrying
// and is marked unhealthy (a SyncFailed event, per spec.md §4.6).
func (e *Engine) OnUnhealthy(fn func(objectID, param string)) {
	e.onUnhealthy = fn
}

// Watch registers subscriberID's interest in (objectID, param). Duplicate
// watches deduplicate.
func (e *Engine) Watch(subscriberID, objectID, param string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := watchKey{objectID: objectID, param: param}
	set, ok := e.watches[key]
	if !ok {
		set = make(map[string]bool)
		e.watches[key] = set
	}
	set[subscriberID] = true
	delete(e.unhealthy, key)
}

// Unwatch removes subscriberID's interest in (objectID, param).
func (e *Engine) Unwatch(subscriberID, objectID, param string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := watchKey{objectID: objectID, param: param}
	if set, ok := e.watches[key]; ok {
		delete(set, subscriberID)
		if len(set) == 0 {
			delete(e.watches, key)
		}
	}
}

// IsWatched reports whether any subscriber watches (objectID, param).
func (e *Engine) IsWatched(objectID, param string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	set, ok := e.watches[watchKey{objectID: objectID, param: param}]
	return ok && len(set) > 0
}

// Enqueue records a mirror-side parameter change. Only watched keys are
// tracked; unwatched changes are ignored by the engine (structural events
// bypass this engine entirely, per §4.6).
func (e *Engine) Enqueue(objectID, param string, value interface{}, typ model.ParamType) {
	key := watchKey{objectID: objectID, param: param}

	e.mu.Lock()
	if set, ok := e.watches[key]; !ok || len(set) == 0 {
		e.mu.Unlock()
		return
	}
	if _, exists := e.pending[key]; !exists {
		e.order = append(e.order, key)
	}
	// Last writer wins, last type wins: overwrite unconditionally.
	e.pending[key] = Change{ObjectID: objectID, Param: param, Value: value, Type: typ, EnqueuedAt: time.Now().UTC()}
	size := len(e.pending)
	e.mu.Unlock()

	if size >= e.cfg.BatchSizeCap {
		e.flush()
		return
	}
	e.armTimer()
}

func (e *Engine) armTimer() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.flushTimer != nil {
		return
	}
	e.flushTimer = time.AfterFunc(e.cfg.BatchWindow, e.flush)
}

// flush drains the pending queue in first-enqueued-first-emitted order and
// delivers it via Sender, retrying up to RetryAttempts on failure.
func (e *Engine) flush() {
	e.mu.Lock()
	e.flushTimer = nil
	if len(e.order) == 0 {
		e.mu.Unlock()
		return
	}
	batch := make([]Change, 0, len(e.order))
	keys := make([]watchKey, 0, len(e.order))
	for _, key := range e.order {
		if c, ok := e.pending[key]; ok {
			batch = append(batch, c)
			keys = append(keys, key)
		}
	}
	e.order = nil
	e.pending = make(map[watchKey]Change)
	e.mu.Unlock()

	if e.limiter != nil {
		_ = e.limiter.Wait(context.Background())
	}

	var err error
	for attempt := 1; attempt <= e.cfg.RetryAttempts; attempt++ {
		err = e.send(batch)
		if err == nil {
			return
		}
		logging.Warn().Err(err).Int("attempt", attempt).Msg("paramsync: flush attempt failed")
	}

	// Give up: mark every key in this batch unhealthy and raise SyncFailed.
	e.mu.Lock()
	for _, key := range keys {
		e.unhealthy[key] = true
	}
	e.mu.Unlock()
	if e.onUnhealthy != nil {
		for _, key := range keys {
			e.onUnhealthy(key.objectID, key.param)
		}
	}
}

// WatchHealth summarises the watch set: how many registered watches are
// healthy versus marked unhealthy after retry exhaustion.
func (e *Engine) WatchHealth() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	unhealthy := 0
	for key := range e.watches {
		if e.unhealthy[key] {
			unhealthy++
		}
	}
	return map[string]int{
		"healthy":   len(e.watches) - unhealthy,
		"unhealthy": unhealthy,
	}
}

// Close stops any pending flush timer.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.flushTimer != nil {
		e.flushTimer.Stop()
	}
	close(e.stopCh)
}
