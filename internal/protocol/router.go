// Package protocol implements the Router/Dispatcher (spec.md §4.3): it
// binds inbound L1/L2 frames to handlers and routes outbound state events
// back to subscribed transports. The handler registry is typed rather than
// the source's runtime-duck-typed callback tables, per the redesign notes:
// each handler declares its method/pattern and is invoked with the raw
// argument map; argument checks happen inside each handler.
package protocol

import (
	"context"
	"sort"
	"sync"

	"github.com/yasunoritani/manxo-bridge/internal/bridgeerr"
	"github.com/yasunoritani/manxo-bridge/internal/logging"
	"github.com/yasunoritani/manxo-bridge/internal/model"
	"github.com/yasunoritani/manxo-bridge/internal/transport/l1"
	"github.com/yasunoritani/manxo-bridge/internal/transport/l2"
)

// MethodHandler handles one L2 method call.
type MethodHandler func(ctx context.Context, params map[string]interface{}) (result interface{}, err error)

// AddressHandler handles one L1 address-pattern match.
type AddressHandler func(ctx context.Context, frame l1.Frame) error

type methodEntry struct {
	name    string
	handler MethodHandler
}

type addressEntry struct {
	pattern string
	handler AddressHandler
}

// Router owns the method-name -> handler and address-pattern -> handler
// registries and dispatches inbound frames from both transports.
type Router struct {
	mu        sync.RWMutex
	methods   map[string]methodEntry
	addresses []addressEntry

	subMu sync.Mutex
	subs  map[string]*l2subscription
}

// l2subscription tracks which StateEvent categories an L2 client wants
// streamed to it.
type l2subscription struct {
	channel    *l2.Channel
	categories map[model.EventCategory]bool
}

// New constructs an empty Router.
func New() *Router {
	return &Router{
		methods: make(map[string]methodEntry),
		subs:    make(map[string]*l2subscription),
	}
}

// RegisterMethod binds an L2 method name to a handler. The catalogue in
// spec.md §4.3 ("patch.create", "object.connect", ...) is registered this
// way by the caller at startup.
func (r *Router) RegisterMethod(name string, h MethodHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[name] = methodEntry{name: name, handler: h}
}

// RegisterAddress binds an L1 address pattern to a handler. Patterns are
// tried in registration order; when several match the same inbound
// address, all are invoked in that order (spec.md §4.3 ambiguity policy —
// handlers must be idempotent).
func (r *Router) RegisterAddress(pattern string, h AddressHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addresses = append(r.addresses, addressEntry{pattern: pattern, handler: h})
}

// DispatchL2 resolves an inbound L2 request frame to its handler. The
// caller is responsible for wrapping this through the lifecycle manager.
func (r *Router) DispatchL2(ctx context.Context, method string, params map[string]interface{}) (interface{}, error) {
	r.mu.RLock()
	entry, ok := r.methods[method]
	r.mu.RUnlock()
	if !ok {
		return nil, bridgeerr.Newf(bridgeerr.CodeUnknownRoute, "unknown method %q", method).WithData(map[string]interface{}{"method": method})
	}
	return entry.handler(ctx, params)
}

// DispatchL1 resolves an inbound L1 frame against every matching registered
// pattern, invoking each in registration order. Returns the count of
// handlers invoked; zero means UnknownRoute.
func (r *Router) DispatchL1(ctx context.Context, frame l1.Frame) (matched int, firstErr error) {
	r.mu.RLock()
	entries := make([]addressEntry, len(r.addresses))
	copy(entries, r.addresses)
	r.mu.RUnlock()

	for _, e := range entries {
		if !l1.MatchPattern(e.pattern, frame.Address) {
			continue
		}
		matched++
		if err := e.handler(ctx, frame); err != nil && firstErr == nil {
			firstErr = err
			logging.Warn().Err(err).Str("address", frame.Address).Msg("l1 handler error")
		}
	}
	return matched, firstErr
}

// SubscribeL2 records which StateEvent categories an L2 client wants
// streamed to it ("a client may have subscribed to a subset of
// categories", spec.md §4.3).
func (r *Router) SubscribeL2(clientID string, ch *l2.Channel, categories ...model.EventCategory) {
	filter := make(map[model.EventCategory]bool, len(categories))
	for _, c := range categories {
		filter[c] = true
	}
	r.subMu.Lock()
	r.subs[clientID] = &l2subscription{channel: ch, categories: filter}
	r.subMu.Unlock()
}

// UnsubscribeL2 removes an L2 client's subscription.
func (r *Router) UnsubscribeL2(clientID string) {
	r.subMu.Lock()
	delete(r.subs, clientID)
	r.subMu.Unlock()
}

// FanOutStateEvent serialises ev as a notification Frame and writes it to
// every L2 client subscribed to ev.Category.
func (r *Router) FanOutStateEvent(ev *model.StateEvent) {
	r.subMu.Lock()
	clientIDs := make([]string, 0, len(r.subs))
	for id := range r.subs {
		clientIDs = append(clientIDs, id)
	}
	sort.Strings(clientIDs)
	subsSnapshot := make(map[string]*l2subscription, len(r.subs))
	for _, id := range clientIDs {
		subsSnapshot[id] = r.subs[id]
	}
	r.subMu.Unlock()

	frame := l2.Frame{
		Method: "state." + string(ev.Kind),
		Params: mustMarshalParams(ev),
	}

	for _, id := range clientIDs {
		sub := subsSnapshot[id]
		if len(sub.categories) > 0 && !sub.categories[ev.Category] {
			continue
		}
		if err := sub.channel.Send(frame); err != nil {
			logging.Warn().Err(err).Str("client", id).Msg("state event fan-out failed")
		}
	}
}

func mustMarshalParams(ev *model.StateEvent) []byte {
	b, err := marshalEvent(ev)
	if err != nil {
		logging.Err(err).Msg("marshal state event for fan-out")
		return nil
	}
	return b
}
