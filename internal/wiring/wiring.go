// Package wiring is the bridge's composition root: it constructs every
// component, wires them to each other and to the supervision tree, and
// exposes the handful of entry points cmd/bridge calls. Init order is
// config -> logging -> components -> supervisor -> serve, per the "global
// mutable state" redesign note: there is exactly one root object (Bridge)
// that owns every sub-component.
package wiring

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	json "github.com/goccy/go-json"

	"github.com/yasunoritani/manxo-bridge/internal/bus"
	"github.com/yasunoritani/manxo-bridge/internal/config"
	"github.com/yasunoritani/manxo-bridge/internal/diagnostics"
	"github.com/yasunoritani/manxo-bridge/internal/hostlifecycle"
	"github.com/yasunoritani/manxo-bridge/internal/lifecycle"
	"github.com/yasunoritani/manxo-bridge/internal/logging"
	"github.com/yasunoritani/manxo-bridge/internal/metrics"
	"github.com/yasunoritani/manxo-bridge/internal/mirror"
	"github.com/yasunoritani/manxo-bridge/internal/model"
	"github.com/yasunoritani/manxo-bridge/internal/paramsync"
	"github.com/yasunoritani/manxo-bridge/internal/protocol"
	"github.com/yasunoritani/manxo-bridge/internal/recovery"
	"github.com/yasunoritani/manxo-bridge/internal/session"
	"github.com/yasunoritani/manxo-bridge/internal/supervisor"
	"github.com/yasunoritani/manxo-bridge/internal/transport/l1"
)

// Bridge is the single root object owning every long-lived sub-component,
// per the "global mutable state -> constructor injection" redesign note.
type Bridge struct {
	cfg *config.Config

	mirror    *mirror.Mirror
	lifecycle *lifecycle.Manager
	router    *protocol.Router
	paramsync *paramsync.Engine
	sessions  *session.Manager
	hostlife  *hostlifecycle.Adapter

	l1Transport *l1.Transport
	l2Listener  *l2Listener

	recoveryStore *recovery.Store
	l1Conn        *recovery.Connection
	l2Conn        *recovery.Connection

	msgBus    *bus.Bus
	msgRouter *bus.Router
	stats     *metrics.Metrics
	hub       *diagnostics.Hub
	diag      *diagnostics.Server

	tree   *supervisor.Tree
	cancel context.CancelFunc
}

// Run constructs a Bridge from cfg and serves it until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	runCtx, cancel := context.WithCancel(ctx)

	b, err := newBridge(cfg)
	if err != nil {
		cancel()
		return err
	}
	b.cancel = cancel
	defer b.Close()

	b.registerMethods()
	b.registerAddresses()
	b.startSupervisedServices()

	return b.tree.Serve(runCtx)
}

func newBridge(cfg *config.Config) (*Bridge, error) {
	b := &Bridge{cfg: cfg}

	b.mirror = mirror.New()
	b.lifecycle = lifecycle.New()
	b.router = protocol.New()
	b.sessions = session.New(b.mirror)
	b.recoveryStore = recovery.NewStore(cfg.StatePath)
	b.stats = metrics.New(prometheusDefaultRegisterer())
	b.hub = diagnostics.NewHub()

	msgBus, err := bus.Start()
	if err != nil {
		return nil, err
	}
	b.msgBus = msgBus

	msgRouter, err := bus.NewRouter(bus.RouterConfig{})
	if err != nil {
		return nil, err
	}
	b.msgRouter = msgRouter

	if persisted, err := b.recoveryStore.Load(); err != nil {
		logging.Warn().Err(err).Msg("recovery: side store unreadable, starting cold")
	} else if persisted.LastSyncID > 0 {
		logging.Info().Uint64("last_sync_id", persisted.LastSyncID).Str("connection", string(persisted.Connection)).
			Msg("recovery: found prior side store state, mirror will rebuild from a fresh snapshot")
	}

	b.paramsync = paramsync.New(paramsync.Config{
		BatchWindow:   time.Duration(cfg.ParamBatchMs) * time.Millisecond,
		BatchSizeCap:  cfg.ParamBatchCap,
		RetryAttempts: cfg.ParamRetryAttempts,
	}, b.sendParamBatch)
	b.paramsync.OnUnhealthy(func(objectID, param string) {
		b.stats.ParamSyncFailures.WithLabelValues(objectID, param).Inc()
		logging.Warn().Str("object_id", objectID).Str("param", param).Msg("paramsync: watch marked unhealthy")
		if b.msgRouter != nil {
			payload := []byte(fmt.Sprintf(`{"objectId":%q,"param":%q}`, objectID, param))
			if err := b.msgRouter.Publish("paramsync.unhealthy", payload); err != nil {
				logging.Warn().Err(err).Msg("paramsync: publish unhealthy notice failed")
			}
		}
	})

	b.l1Conn = recovery.NewConnection("l1", recovery.Config{
		BaseDelay:  time.Duration(cfg.ReconnectBaseMs) * time.Millisecond,
		AttemptCap: cfg.ReconnectCap,
	}, func(s recovery.ConnState) {
		b.stats.CircuitBreakerState.WithLabelValues("l1").Set(stateToFloat(s))
	})
	b.l2Conn = recovery.NewConnection("l2", recovery.Config{
		BaseDelay:  time.Duration(cfg.ReconnectBaseMs) * time.Millisecond,
		AttemptCap: cfg.ReconnectCap,
	}, func(s recovery.ConnState) {
		b.stats.CircuitBreakerState.WithLabelValues("l2").Set(stateToFloat(s))
	})

	l1t, reassigned, err := l1.Open(l1.Config{
		Host:         cfg.Host,
		PortIn:       cfg.L1In,
		PortOut:      cfg.L1Out,
		DynamicPorts: cfg.L1DynamicPort,
	})
	if err != nil {
		return nil, err
	}
	b.l1Transport = l1t
	if reassigned != nil {
		logging.Warn().Int("requested", reassigned.Requested).Int("actual", reassigned.Actual).Msg("l1: port reassigned")
	}

	b.l2Listener = newL2Listener(cfg)

	b.hostlife = hostlifecycle.New(
		func() bool { return b.l1Conn.State() == recovery.StateConnected },
		func(ctx context.Context) error { return b.l1Conn.Disconnected(ctx, b.reopenL1) },
		func(ctx context.Context) error { return b.l1Transport.Close() },
		func() error {
			if sess, ok := b.sessions.Active(); ok {
				for _, pid := range sess.PatchIDs {
					_ = b.mirror.TouchPatch(pid)
				}
			}
			_, err := b.sessions.Snapshot()
			return err
		},
		func() error {
			logging.Info().Msg("hostlifecycle: new scene acknowledged")
			return nil
		},
	)

	b.diag = diagnostics.NewServer(cfg.DiagnosticsAddr, b.hub, b.healthSnapshot, b.msgBus.Recent)

	b.tree = supervisor.NewTree(slog.New(slog.NewTextHandler(os.Stderr, nil)), supervisor.DefaultTreeConfig())

	return b, nil
}

func (b *Bridge) reopenL1(ctx context.Context) error {
	t, reassigned, err := l1.Open(l1.Config{
		Host: b.cfg.Host, PortIn: b.cfg.L1In, PortOut: b.cfg.L1Out, DynamicPorts: b.cfg.L1DynamicPort,
	})
	if err != nil {
		return err
	}
	b.l1Transport = t
	if reassigned != nil {
		logging.Warn().Int("actual", reassigned.Actual).Msg("l1: reconnect port reassigned")
	}
	return nil
}

func (b *Bridge) sendParamBatch(batch []paramsync.Change) error {
	b.stats.ParamBatchSize.Observe(float64(len(batch)))
	for _, change := range batch {
		ev := &model.StateEvent{
			Category:  model.CategoryParameter,
			Kind:      model.KindParamChanged,
			SubjectID: change.ObjectID,
			Data: map[string]interface{}{
				"objectId": change.ObjectID,
				"param":    change.Param,
				"value":    change.Value,
				"type":     change.Type,
			},
			Timestamp: change.EnqueuedAt,
		}
		b.router.FanOutStateEvent(ev)
	}
	return nil
}

func (b *Bridge) Close() {
	if b.l1Transport != nil {
		b.l1Transport.Close()
	}
	if b.msgRouter != nil {
		b.msgRouter.Close()
	}
	if b.msgBus != nil {
		b.msgBus.Close()
	}
	b.paramsync.Close()
}

func (b *Bridge) healthSnapshot() diagnostics.Health {
	return diagnostics.Health{
		Status:          "ok",
		MirrorSyncID:    b.mirror.Snapshot().SyncID,
		ConnectionState: string(b.l1Conn.State()),
		ActiveRequests:  b.lifecycle.ActiveCount(),
		WatchHealth:     b.paramsync.WatchHealth(),
	}
}

func stateToFloat(s recovery.ConnState) float64 {
	switch s {
	case recovery.StateConnected:
		return 0
	case recovery.StateReconnecting, recovery.StateConnecting:
		return 1
	case recovery.StateConnectionError:
		return 2
	default:
		return -1
	}
}

// VerifyState checks that the recovery side-store at path parses.
func VerifyState(path string) error {
	store := recovery.NewStore(path)
	_, err := store.Load()
	return err
}

// MethodSchema describes one L2 method's argument and result shapes, the
// declared-schema half of the typed handler registry. Params maps argument
// name to a type hint ("string", "number", "any"; a "?" suffix marks it
// optional); Result names the shape the method resolves with.
type MethodSchema struct {
	Method string            `json:"method"`
	Params map[string]string `json:"params,omitempty"`
	Result string            `json:"result"`
}

// ExportSchema dumps the L2 method catalogue with each method's argument
// and result shapes, for `bridge export-schema`.
func ExportSchema() ([]byte, error) {
	return json.MarshalIndent(methodSchemas(), "", "  ")
}

func methodSchemas() []MethodSchema {
	return []MethodSchema{
		{Method: "patch.create", Params: map[string]string{"name": "string"}, Result: "Patch"},
		{Method: "patch.open", Params: map[string]string{"filepath": "string"}, Result: "Patch"},
		{Method: "patch.save", Params: map[string]string{"patchId": "string", "filepath": "string?"}, Result: "Patch"},
		{Method: "patch.close", Params: map[string]string{"patchId": "string"}, Result: "null"},
		{Method: "object.create", Params: map[string]string{"patchId": "string", "type": "string", "x": "number?", "y": "number?", "w": "number?", "h": "number?", "inlets": "number?", "outlets": "number?"}, Result: "Object"},
		{Method: "object.delete", Params: map[string]string{"objectId": "string"}, Result: "null"},
		{Method: "object.move", Params: map[string]string{"objectId": "string", "x": "number?", "y": "number?"}, Result: "Object"},
		{Method: "object.connect", Params: map[string]string{"sourceObjectId": "string", "sourceOutlet": "number", "destObjectId": "string", "destInlet": "number"}, Result: "Connection"},
		{Method: "object.disconnect", Params: map[string]string{"connectionId": "string"}, Result: "null"},
		{Method: "param.set", Params: map[string]string{"objectId": "string", "name": "string", "value": "any", "type": "string?"}, Result: "Parameter"},
		{Method: "param.get", Params: map[string]string{"objectId": "string", "name": "string"}, Result: "Parameter"},
		{Method: "param.watch", Params: map[string]string{"objectId": "string", "name": "string", "subscriberId": "string?"}, Result: "WatchStatus"},
		{Method: "param.unwatch", Params: map[string]string{"objectId": "string", "name": "string", "subscriberId": "string?"}, Result: "WatchStatus"},
		{Method: "state.sync", Result: "Snapshot"},
		{Method: "state.diff", Params: map[string]string{"sinceSyncId": "number"}, Result: "DiffResult"},
		{Method: "session.start", Params: map[string]string{"name": "string?"}, Result: "Session"},
		{Method: "session.end", Result: "Session"},
		{Method: "session.save", Params: map[string]string{"path": "string"}, Result: "null"},
		{Method: "session.load", Params: map[string]string{"path": "string"}, Result: "Session"},
		{Method: "system.init", Result: "InitInfo"},
		{Method: "system.shutdown", Result: "ShutdownStatus"},
		{Method: "system.status", Result: "Health"},
		{Method: "system.ping", Result: "Pong"},
		{Method: "system.cancel", Params: map[string]string{"requestId": "string"}, Result: "CancelStatus"},
	}
}

func methodCatalogue() []string {
	schemas := methodSchemas()
	names := make([]string, len(schemas))
	for i, s := range schemas {
		names[i] = s.Method
	}
	return names
}
