// Package lifecycle implements the Request Lifecycle Manager: it turns each
// inbound L2 request into a tracked operation with a typed state machine,
// a cancellation token, and a bounded duration, restating the source's
// callback-pyramid async code as explicit state transitions driven by
// events (per the redesign notes).
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yasunoritani/manxo-bridge/internal/bridgeerr"
	"github.com/yasunoritani/manxo-bridge/internal/logging"
	"github.com/yasunoritani/manxo-bridge/internal/model"
)

// DefaultTimeout is used when a method declares no override.
const DefaultTimeout = 10 * time.Second

// gracePeriod is how long a terminal request is retained before reaping, so
// late responses can still be correlated by id (spec.md §3).
const gracePeriod = 5 * time.Second

// Handler executes one request's business logic. It must observe ctx
// cancellation/deadline and return promptly.
type Handler func(ctx context.Context, req *model.Request) (result interface{}, err error)

// tracked wraps a model.Request with its runtime machinery.
type tracked struct {
	req      *model.Request
	cancel   context.CancelFunc
	explicit bool // set by Cancel; distinguishes a user cancel from the
	// parent (connection) context going away, which instead resolves to
	// ConnectionLost per the bound Open Question decision (spec.md §9).
	mu sync.Mutex
}

// Manager tracks every in-flight Request and owns its state transitions.
type Manager struct {
	mu       sync.Mutex
	requests map[string]*tracked

	// conflictLocks serialises requests sharing the same conflict key (the
	// owning entity's id), per spec.md §4.5.
	conflictLocks map[string]*sync.Mutex
}

// New constructs an empty Manager.
func New() *Manager {
	m := &Manager{
		requests:      make(map[string]*tracked),
		conflictLocks: make(map[string]*sync.Mutex),
	}
	return m
}

// Dispatch registers a new Request, transitions it pending->running, runs
// handler with a context bound to the method's timeout, and resolves to a
// terminal state. conflictKey, if non-empty, serialises this call against
// any other in-flight request sharing the same key.
func (m *Manager) Dispatch(ctx context.Context, method string, args map[string]interface{}, timeout time.Duration, conflictKey string, handler Handler) (*model.Request, interface{}, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	req := &model.Request{
		ID:        uuid.New().String(),
		Method:    method,
		Args:      args,
		State:     model.RequestPending,
		StartedAt: time.Now().UTC(),
		TimeoutMs: int(timeout / time.Millisecond),
		Attempts:  1,
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	t := &tracked{req: req, cancel: cancel}

	m.mu.Lock()
	m.requests[req.ID] = t
	m.mu.Unlock()

	if conflictKey != "" {
		lock := m.lockFor(conflictKey)
		lock.Lock()
		defer lock.Unlock()
	}

	m.transition(t, model.RequestRunning)

	type outcome struct {
		result interface{}
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: bridgeerr.Internal(nil).WithData(map[string]interface{}{"recovered": r})}
			}
		}()
		res, err := handler(runCtx, req)
		done <- outcome{result: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			if runCtx.Err() == context.DeadlineExceeded {
				m.transition(t, model.RequestTimedOut)
				return req, nil, bridgeerr.New(bridgeerr.CodeTimeout, "request timed out")
			}
			m.transition(t, model.RequestFailed)
			return req, nil, o.err
		}
		m.transition(t, model.RequestSucceeded)
		return req, o.result, nil
	case <-runCtx.Done():
		// The handler is abandoned: it keeps the done channel (buffered) so
		// a late return never blocks, and its partial effects stand as-is.
		if runCtx.Err() == context.Canceled {
			t.mu.Lock()
			explicit := t.explicit
			t.mu.Unlock()
			if explicit {
				m.transition(t, model.RequestCancelled)
				return req, nil, bridgeerr.New(bridgeerr.CodeTimeout, "request cancelled")
			}
			// The parent (connection-scoped) context was cancelled out from
			// under this request, not the request itself: the owning L2
			// connection was replaced or closed mid-flight.
			m.transition(t, model.RequestFailed)
			return req, nil, bridgeerr.New(bridgeerr.CodeConnectionLost, "owning connection lost")
		}
		m.transition(t, model.RequestTimedOut)
		return req, nil, bridgeerr.New(bridgeerr.CodeTimeout, "request timed out")
	}
}

// Cancel requests cancellation of an in-flight request. Cancelling an
// unknown id succeeds silently, per spec.md §8 boundary behaviour.
func (m *Manager) Cancel(requestID string) {
	m.mu.Lock()
	t, ok := m.requests[requestID]
	m.mu.Unlock()
	if !ok {
		return
	}
	t.mu.Lock()
	t.explicit = true
	t.mu.Unlock()
	t.cancel()
}

// MarkLost transitions an orphaned pending/running request to failed with
// code 109 ConnectionLost, per the bound Open Question decision: requests
// still pending when their owning L2 connection is replaced are failed
// rather than left to time out.
func (m *Manager) MarkLost(requestID string) {
	m.mu.Lock()
	t, ok := m.requests[requestID]
	m.mu.Unlock()
	if !ok {
		return
	}
	t.mu.Lock()
	if !t.req.State.Terminal() {
		t.req.State = model.RequestFailed
		now := time.Now().UTC()
		t.req.EndedAt = &now
	}
	t.mu.Unlock()
	t.cancel()
	m.scheduleReap(requestID)
}

func (m *Manager) transition(t *tracked, next model.RequestState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.req.State = next
	if next.Terminal() {
		now := time.Now().UTC()
		t.req.EndedAt = &now
		m.scheduleReap(t.req.ID)
	}
	logging.Debug().Str("request_id", t.req.ID).Str("method", t.req.Method).Str("state", string(next)).Msg("request transition")
}

// ActiveCount returns the number of tracked requests not yet in a
// terminal state.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.requests {
		t.mu.Lock()
		if !t.req.State.Terminal() {
			n++
		}
		t.mu.Unlock()
	}
	return n
}

// Get returns a copy of the tracked request, if still retained.
func (m *Manager) Get(requestID string) (*model.Request, bool) {
	m.mu.Lock()
	t, ok := m.requests[requestID]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := *t.req
	return &cp, true
}

func (m *Manager) scheduleReap(requestID string) {
	time.AfterFunc(gracePeriod, func() {
		m.mu.Lock()
		delete(m.requests, requestID)
		m.mu.Unlock()
	})
}

func (m *Manager) lockFor(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.conflictLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.conflictLocks[key] = lock
	}
	return lock
}
