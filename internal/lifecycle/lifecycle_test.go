package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yasunoritani/manxo-bridge/internal/bridgeerr"
	"github.com/yasunoritani/manxo-bridge/internal/model"
)

func TestDispatchSucceeds(t *testing.T) {
	m := New()
	req, result, err := m.Dispatch(context.Background(), "patch.create", nil, time.Second, "", func(ctx context.Context, r *model.Request) (interface{}, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result != "ok" {
		t.Errorf("result = %v, want ok", result)
	}
	if req.State != model.RequestSucceeded {
		t.Errorf("state = %s, want succeeded", req.State)
	}
}

func TestDispatchPropagatesHandlerError(t *testing.T) {
	m := New()
	wantErr := bridgeerr.New(bridgeerr.CodeObjectNotFound, "no such object")
	req, _, err := m.Dispatch(context.Background(), "object.move", nil, time.Second, "", func(ctx context.Context, r *model.Request) (interface{}, error) {
		return nil, wantErr
	})
	if err != wantErr {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
	if req.State != model.RequestFailed {
		t.Errorf("state = %s, want failed", req.State)
	}
}

func TestDispatchTimesOut(t *testing.T) {
	m := New()
	req, _, err := m.Dispatch(context.Background(), "slow.op", nil, 20*time.Millisecond, "", func(ctx context.Context, r *model.Request) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	be, ok := bridgeerr.As(err)
	if !ok || be.Code != bridgeerr.CodeTimeout {
		t.Fatalf("err = %v, want CodeTimeout", err)
	}
	if req.State != model.RequestTimedOut {
		t.Errorf("state = %s, want timedOut", req.State)
	}
}

// TestDispatchCancelledByParentContext exercises the bound Open Question
// decision (spec.md §9): a request whose *parent* (connection-scoped)
// context is cancelled out from under it — not cancelled explicitly via
// Manager.Cancel — resolves Failed with CodeConnectionLost (109), not
// Cancelled. This is the scenario the owning L2 connection being replaced
// or closed mid-request produces (internal/wiring/l2listener.go).
func TestDispatchCancelledByParentContext(t *testing.T) {
	m := New()
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	go func() {
		<-started
		cancel()
	}()

	req, _, err := m.Dispatch(ctx, "object.connect", nil, 5*time.Second, "", func(hctx context.Context, r *model.Request) (interface{}, error) {
		close(started)
		<-hctx.Done()
		// Hang a beat past cancellation so Dispatch's select observes
		// runCtx.Done() before this goroutine's own result arrives,
		// keeping the outcome deterministic for the test.
		time.Sleep(50 * time.Millisecond)
		return nil, hctx.Err()
	})
	be, ok := bridgeerr.As(err)
	if !ok {
		t.Fatalf("expected a bridgeerr.Error, got %v", err)
	}
	if be.Code != bridgeerr.CodeConnectionLost {
		t.Errorf("code = %d, want CodeConnectionLost", be.Code)
	}
	if req.State != model.RequestFailed {
		t.Errorf("state = %s, want failed", req.State)
	}
}

// TestDispatchExplicitCancel exercises the Manager.Cancel path: a request
// cancelled by its own id resolves Cancelled, distinct from the
// parent-context-cancelled case above.
func TestDispatchExplicitCancel(t *testing.T) {
	m := New()
	started := make(chan struct{})
	reqIDCh := make(chan string, 1)

	go func() {
		<-started
		id := <-reqIDCh
		m.Cancel(id)
	}()

	req, _, err := m.Dispatch(context.Background(), "object.connect", nil, 5*time.Second, "", func(hctx context.Context, r *model.Request) (interface{}, error) {
		reqIDCh <- r.ID
		close(started)
		<-hctx.Done()
		time.Sleep(50 * time.Millisecond)
		return nil, hctx.Err()
	})
	be, ok := bridgeerr.As(err)
	if !ok {
		t.Fatalf("expected a bridgeerr.Error, got %v", err)
	}
	if be.Code != bridgeerr.CodeTimeout {
		t.Errorf("code = %d, want CodeTimeout", be.Code)
	}
	if req.State != model.RequestCancelled {
		t.Errorf("state = %s, want cancelled", req.State)
	}
}

func TestDispatchRecoversFromHandlerPanic(t *testing.T) {
	m := New()
	req, _, err := m.Dispatch(context.Background(), "object.create", nil, time.Second, "", func(ctx context.Context, r *model.Request) (interface{}, error) {
		panic("boom")
	})
	be, ok := bridgeerr.As(err)
	if !ok || be.Code != bridgeerr.CodeInternalError {
		t.Fatalf("err = %v, want CodeInternalError", err)
	}
	if req.Method != "object.create" {
		t.Errorf("Method = %q", req.Method)
	}
}

func TestConflictKeySerialisesOverlappingRequests(t *testing.T) {
	m := New()
	var order []int
	var mu sync.Mutex
	var running int32

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Dispatch(context.Background(), "param.set", nil, time.Second, "objectId:obj-1", func(ctx context.Context, r *model.Request) (interface{}, error) {
				if atomic.AddInt32(&running, 1) != 1 {
					t.Error("conflict key failed to serialise concurrent requests")
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			})
		}()
	}
	wg.Wait()

	if len(order) != 3 {
		t.Errorf("got %d completions, want 3", len(order))
	}
}

func TestCancelUnknownRequestIsNoop(t *testing.T) {
	m := New()
	m.Cancel("does-not-exist")
}

func TestMarkLostFailsNonTerminalRequest(t *testing.T) {
	m := New()
	done := make(chan struct{})
	var reqID string

	go func() {
		m.Dispatch(context.Background(), "state.sync", nil, 5*time.Second, "", func(ctx context.Context, r *model.Request) (interface{}, error) {
			reqID = r.ID
			close(done)
			<-ctx.Done()
			// Never returns. MarkLost writes failed directly and also
			// cancels the context, so Dispatch's own cancellation branch
			// (not an explicit cancel) resolves failed too: whichever
			// transition lands, the state read after MarkLost is failed.
			select {}
		})
	}()
	<-done
	time.Sleep(10 * time.Millisecond)

	m.MarkLost(reqID)

	req, ok := m.Get(reqID)
	if !ok {
		t.Fatal("expected the request to still be retained (grace period)")
	}
	if req.State != model.RequestFailed {
		t.Errorf("state = %s, want failed", req.State)
	}
}

func TestGetUnknownRequest(t *testing.T) {
	m := New()
	if _, ok := m.Get("nope"); ok {
		t.Error("expected ok=false for an unknown request id")
	}
}

// TestDispatchAbandonsNonCompletingHandler pins the hard-deadline
// behaviour: a handler that ignores its context entirely is abandoned at
// the deadline, and Dispatch still resolves timedOut promptly instead of
// waiting for a return that never comes.
func TestDispatchAbandonsNonCompletingHandler(t *testing.T) {
	m := New()
	start := time.Now()
	req, _, err := m.Dispatch(context.Background(), "stuck.op", nil, 100*time.Millisecond, "", func(ctx context.Context, r *model.Request) (interface{}, error) {
		select {} // never completes, never observes ctx
	})
	elapsed := time.Since(start)

	be, ok := bridgeerr.As(err)
	if !ok || be.Code != bridgeerr.CodeTimeout {
		t.Fatalf("err = %v, want CodeTimeout", err)
	}
	if req.State != model.RequestTimedOut {
		t.Errorf("state = %s, want timedOut", req.State)
	}
	if elapsed < 100*time.Millisecond || elapsed > 200*time.Millisecond {
		t.Errorf("resolved after %v, want within [100ms, 200ms]", elapsed)
	}
}

func TestActiveCountTracksInFlightRequests(t *testing.T) {
	m := New()
	if n := m.ActiveCount(); n != 0 {
		t.Fatalf("ActiveCount = %d on an empty manager", n)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		m.Dispatch(context.Background(), "state.sync", nil, 5*time.Second, "", func(ctx context.Context, r *model.Request) (interface{}, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started
	if n := m.ActiveCount(); n != 1 {
		t.Errorf("ActiveCount = %d with one request running, want 1", n)
	}
	close(release)
}
