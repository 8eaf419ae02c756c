package wiring

import (
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/yasunoritani/manxo-bridge/internal/bridgeerr"
	"github.com/yasunoritani/manxo-bridge/internal/diagnostics"
	"github.com/yasunoritani/manxo-bridge/internal/logging"
	"github.com/yasunoritani/manxo-bridge/internal/model"
	"github.com/yasunoritani/manxo-bridge/internal/recovery"
	"github.com/yasunoritani/manxo-bridge/internal/transport/l1"
	"github.com/yasunoritani/manxo-bridge/internal/transport/l2"
)

func prometheusDefaultRegisterer() prometheus.Registerer {
	return prometheus.DefaultRegisterer
}

// startSupervisedServices wires every long-lived component into the
// three-layer supervision tree.
func (b *Bridge) startSupervisedServices() {
	b.l2Listener.onFrame = b.handleL2Frame
	b.l2Listener.onConnect = b.onL2Connect
	b.l2Listener.onDisconnect = b.onL2Disconnect

	b.tree.AddTransportService(&l1Service{b: b})
	b.tree.AddTransportService(b.l2Listener)
	b.tree.AddTransportService(b.diag)

	b.tree.AddCoreService(&eventForwarderService{b: b})
	b.tree.AddCoreService(hubRunner{b.hub})

	b.tree.AddBusService(b.msgRouter)
	b.wireWatchHealthConsumer()
}

// hubRunner adapts diagnostics.Hub's argument-less Run/Stop pair to
// suture.Service.
type hubRunner struct{ hub *diagnostics.Hub }

func (h hubRunner) Serve(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.hub.Run()
		close(done)
	}()
	select {
	case <-ctx.Done():
		h.hub.Stop()
		<-done
		return nil
	case <-done:
		return nil
	}
}

// l1Service reads inbound L1 frames and dispatches them against the
// router's address-pattern registry.
type l1Service struct{ b *Bridge }

func (s *l1Service) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-s.b.l1Transport.Receive():
			if !ok {
				return nil
			}
			s.b.stats.L1FramesTotal.WithLabelValues("in").Inc()
			matched, err := s.b.router.DispatchL1(ctx, frame)
			if matched == 0 {
				logging.Warn().Str("address", frame.Address).Msg("l1: unknown route")
				s.b.sendL1UnknownRoute(frame)
			} else if err != nil {
				logging.Warn().Err(err).Str("address", frame.Address).Msg("l1: handler error")
			}
		}
	}
}

// sendL1UnknownRoute replies over L1 to an address that matched no
// registered handler, per spec.md §4.3/§6: a /max/error/<category>/<action>
// message carrying a freshly generated request id, mirroring the shape of
// every other outbound L1 reply.
func (b *Bridge) sendL1UnknownRoute(frame l1.Frame) {
	category, action := splitL1Address(frame.Address)
	payload, err := json.Marshal(map[string]interface{}{
		"requestId": uuid.NewString(),
		"code":      bridgeerr.CodeUnknownRoute,
		"message":   fmt.Sprintf("unknown address %q", frame.Address),
	})
	if err != nil {
		logging.Warn().Err(err).Msg("l1: marshal unknown-route error payload failed")
		return
	}
	errFrame := l1.Frame{
		Address: fmt.Sprintf("/max/error/%s/%s", category, action),
		Args:    []l1.Arg{{Type: l1.ArgString, Str: string(payload)}},
	}
	if err := b.l1Transport.Send(errFrame); err != nil {
		logging.Warn().Err(err).Str("address", frame.Address).Msg("l1: send unknown-route error failed")
	}
}

// splitL1Address pulls a (category, action) pair out of an inbound address
// for use in the outbound /max/error/<category>/<action> reply, tolerating
// addresses shorter than two segments.
func splitL1Address(addr string) (category, action string) {
	trimmed := strings.Trim(strings.TrimPrefix(addr, "/mcp"), "/")
	if trimmed == "" {
		return "unknown", "unknown"
	}
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) == 1 {
		return parts[0], "unknown"
	}
	return parts[0], parts[1]
}

// onL2Connect marks the L2 connection-state machine connected and
// subscribes the newly adopted channel to every StateEvent category so
// FanOutStateEvent's outbound delivery (spec.md §4.3) reaches it.
func (b *Bridge) onL2Connect(ch *l2.Channel) {
	b.l2Conn.MarkConnected()
	b.router.SubscribeL2(l2ClientID(ch), ch)
}

// onL2Disconnect marks the L2 connection-state machine idle and removes
// the channel's fan-out subscription.
func (b *Bridge) onL2Disconnect(ch *l2.Channel) {
	b.l2Conn.MarkIdle()
	b.router.UnsubscribeL2(l2ClientID(ch))
}

// l2ClientID derives a stable per-connection identity for the router's
// subscription table from the channel's address, since l2Listener serves
// one active channel at a time but replaces it across reconnects.
func l2ClientID(ch *l2.Channel) string {
	return fmt.Sprintf("%p", ch)
}

// handleL2Frame turns one inbound L2 request frame into a lifecycle-managed
// dispatch, replying on the same channel. Frames without a method are
// ignored; notifications (a method but no id) are dispatched but get no
// reply.
func (b *Bridge) handleL2Frame(ctx context.Context, ch *l2.Channel, f l2.Frame) {
	if !f.IsRequest() {
		return
	}
	b.stats.L2FramesTotal.WithLabelValues("in").Inc()

	var params map[string]interface{}
	if len(f.Params) > 0 {
		if err := json.Unmarshal(f.Params, &params); err != nil {
			if f.ID != nil {
				ch.Send(l2.ErrorFrame(f.ID, bridgeerr.CodeInvalidArguments, "malformed params", nil))
			}
			return
		}
	}

	if err := checkAccess(b.cfg.AccessLevel, f.Method); err != nil {
		b.stats.RequestsTotal.WithLabelValues(f.Method, "failed").Inc()
		if f.ID != nil {
			be, _ := bridgeerr.As(err)
			ch.Send(l2.ErrorFrame(f.ID, be.Code, be.Message, be.Data))
		}
		return
	}

	timeout := b.timeoutFor(f.Method)
	conflictKey := conflictKeyFor(params)

	start := time.Now()
	_, result, err := b.lifecycle.Dispatch(ctx, f.Method, params, timeout, conflictKey,
		func(dctx context.Context, req *model.Request) (interface{}, error) {
			return b.router.DispatchL2(dctx, f.Method, params)
		})
	b.stats.RequestDuration.WithLabelValues(f.Method).Observe(time.Since(start).Seconds())

	if f.ID == nil {
		return
	}

	b.stats.L2FramesTotal.WithLabelValues("out").Inc()
	if err != nil {
		b.stats.RequestsTotal.WithLabelValues(f.Method, "failed").Inc()
		if be, ok := bridgeerr.As(err); ok {
			ch.Send(l2.ErrorFrame(f.ID, be.Code, be.Message, be.Data))
			return
		}
		ch.Send(l2.ErrorFrame(f.ID, bridgeerr.CodeInternalError, err.Error(), nil))
		return
	}
	b.stats.RequestsTotal.WithLabelValues(f.Method, "succeeded").Inc()
	ch.Send(l2.ResultFrame(f.ID, result))
}

// wireWatchHealthConsumer registers the bus-routed consumer for watch
// health notices: every unhealthy-watch notice from the Parameter Sync
// Engine is republished onto the Watermill-routed bus (rather than handled
// inline) so it passes through the same Recoverer/Retry/PoisonQueue chain
// every other bus consumer does, and lands on the diagnostics debug stream.
func (b *Bridge) wireWatchHealthConsumer() {
	b.msgRouter.AddNoPublisherHandler("watch-health-fanout", "paramsync.unhealthy", func(msg *message.Message) error {
		b.hub.Broadcast(msg.Payload)
		return nil
	})
}

// persistRecoveryState writes the crash-recovery side store (spec.md §6)
// after a state-changing event: the mirror's sync cursor and the L1
// connection state are the fields a restart needs to decide
// whether it can trust a previous snapshot or must resync from scratch.
func (b *Bridge) persistRecoveryState(ev *model.StateEvent) {
	sessionID := ""
	active := false
	if sess, ok := b.sessions.Active(); ok {
		active = true
		sessionID = sess.ID
	}
	st := &recovery.PersistedState{
		Connection:      b.l1Conn.State(),
		Session:         active,
		SessionID:       sessionID,
		LastSyncID:      ev.SyncID,
		LastStateChange: ev.Timestamp,
	}
	if err := b.recoveryStore.Save(st); err != nil {
		logging.Warn().Err(err).Msg("recovery: persist side store failed")
	}
}

// timeoutFor returns the per-method timeout: ping runs under its own, much
// shorter budget; every other method uses the configured default.
func (b *Bridge) timeoutFor(method string) time.Duration {
	if method == "system.ping" {
		return time.Duration(b.cfg.PingTimeoutMs) * time.Millisecond
	}
	return time.Duration(b.cfg.RequestTimeoutMs) * time.Millisecond
}

// conflictKeyFor derives the Request Lifecycle Manager's conflict-key for a
// method call: operations mutating the same owning entity are serialised
// against each other (spec.md §4.5).
func conflictKeyFor(params map[string]interface{}) string {
	for _, key := range []string{"patchId", "objectId", "connectionId"} {
		if v, ok := params[key]; ok {
			if s, ok := v.(string); ok {
				return fmt.Sprintf("%s:%s", key, s)
			}
		}
	}
	return ""
}

// eventForwarderService subscribes to every StateEvent the mirror commits
// and routes it onward: parameter changes feed the Parameter Sync Engine's
// batching/rate-limiting, everything else fans out to L2 clients, the
// diagnostics debug stream, and the durable bus immediately.
type eventForwarderService struct{ b *Bridge }

func (s *eventForwarderService) Serve(ctx context.Context) error {
	sub := s.b.mirror.Subscribe()
	defer s.b.mirror.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			s.b.stats.MirrorSyncID.Set(float64(ev.SyncID))

			if ev.Category == model.CategoryParameter {
				objectID, _ := ev.Data["objectId"].(string)
				param, _ := ev.Data["param"].(string)
				typ := model.ParamFloat
				if t, ok := ev.Data["type"].(string); ok && t != "" {
					typ = model.ParamType(t)
				}
				if objectID != "" && param != "" {
					s.b.paramsync.Enqueue(objectID, param, ev.Data["value"], typ)
				}
				s.b.persistRecoveryState(ev)
				continue
			}

			s.b.router.FanOutStateEvent(ev)
			s.b.persistRecoveryState(ev)

			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			s.b.hub.Broadcast(payload)
			if err := s.b.msgBus.Publish(string(ev.Category), string(ev.Kind), payload); err != nil {
				logging.Warn().Err(err).Msg("wiring: publish state event to bus failed")
			}
		}
	}
}
