// Package mirror implements the State Mirror: the sole owner of entity data
// (patches, objects, connections), serialising every mutation through a
// single linearisation point, a single run loop that owns all writes the
// same way a broadcast hub serialises state through one goroutine.
package mirror

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yasunoritani/manxo-bridge/internal/bridgeerr"
	"github.com/yasunoritani/manxo-bridge/internal/logging"
	"github.com/yasunoritani/manxo-bridge/internal/model"
)

const changeLogWindow = 2048

// op is one unit of an atomic mutation batch; unexported because it closes
// over the mirror's private state type. External callers use the
// domain-specific methods below (CreatePatch, Connect, SetParameter, ...)
// rather than constructing ops directly.
type op struct {
	apply func(*state) (*model.StateEvent, error)
}

// state is the mirror's internal, unexported, unsynchronised data; it is
// only ever touched on the single writer goroutine.
type state struct {
	patches     map[string]*model.Patch
	objects     map[string]*model.Object
	connections map[string]*model.Connection
	syncID      uint64
}

func newState() *state {
	return &state{
		patches:     make(map[string]*model.Patch),
		objects:     make(map[string]*model.Object),
		connections: make(map[string]*model.Connection),
	}
}

// clone deep-copies the entity graph. Mutation batches apply against a
// clone and commit by swapping it in, so a failed batch leaves the live
// state untouched and entities handed out by reads are never written to
// again.
func (s *state) clone() *state {
	next := &state{
		patches:     make(map[string]*model.Patch, len(s.patches)),
		objects:     make(map[string]*model.Object, len(s.objects)),
		connections: make(map[string]*model.Connection, len(s.connections)),
		syncID:      s.syncID,
	}
	for k, v := range s.patches {
		p := *v
		p.Objects = copyIDSet(v.Objects)
		p.Connections = copyIDSet(v.Connections)
		next.patches[k] = &p
	}
	for k, v := range s.objects {
		o := *v
		o.Params = make(map[string]*model.Parameter, len(v.Params))
		for name, param := range v.Params {
			cp := *param
			o.Params[name] = &cp
		}
		if v.Size != nil {
			size := *v.Size
			o.Size = &size
		}
		next.objects[k] = &o
	}
	for k, v := range s.connections {
		c := *v
		next.connections[k] = &c
	}
	return next
}

func copyIDSet(in map[string]bool) map[string]bool {
	out := make(map[string]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Subscriber receives StateEvents fanned out from the mirror. Delivery to
// the consumer-facing channel happens on the subscriber's own pump
// goroutine, never on the mirror's writer goroutine: a slow consumer backs
// up this subscriber's own queue, not the mirror's write lock.
type Subscriber struct {
	id     string
	filter map[model.EventCategory]bool
	ch     chan *model.StateEvent

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*model.StateEvent
	lagging bool
	closed  bool
}

// laggingQueueDepth is the backlog size past which a subscriber is reported
// Lagging() and parameter events start coalescing against it; structural
// events still queue past this point, they just stop coalescing.
const laggingQueueDepth = 32

func newSubscriber(filter map[model.EventCategory]bool) *Subscriber {
	s := &Subscriber{
		id:     uuid.New().String(),
		filter: filter,
		ch:     make(chan *model.StateEvent, 256),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.pump()
	return s
}

// Events returns the subscriber's delivery channel.
func (s *Subscriber) Events() <-chan *model.StateEvent { return s.ch }

// Lagging reports whether this subscriber has fallen behind and is having
// parameter events coalesced in its favour.
func (s *Subscriber) Lagging() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lagging
}

// enqueue appends ev to the subscriber's internal queue without ever
// blocking the caller (the mirror's single writer goroutine). Once the
// subscriber is lagging, a parameter event replaces in place a queued one
// for the same (subjectId, param), searching only the trailing run of
// parameter events after the last queued structural event, per the
// drop-oldest coalescing
// policy (spec.md §4.4); structural events are always appended and never
// dropped, only ever queued.
func (s *Subscriber) enqueue(ev *model.StateEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	lagging := len(s.queue) >= laggingQueueDepth
	s.lagging = lagging
	if lagging && ev.Category == model.CategoryParameter {
		for i := len(s.queue) - 1; i >= 0; i-- {
			if s.queue[i].Category != model.CategoryParameter {
				break
			}
			if sameParamKey(s.queue[i], ev) {
				s.queue[i] = ev
				s.cond.Signal()
				return
			}
		}
	}
	s.queue = append(s.queue, ev)
	s.cond.Signal()
}

func sameParamKey(a, b *model.StateEvent) bool {
	return a.SubjectID == b.SubjectID && a.Data["param"] == b.Data["param"]
}

// close marks the subscriber closed; its pump goroutine drains whatever is
// already queued and then closes the consumer-facing channel.
func (s *Subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

// pump is the subscriber's own delivery goroutine: it owns the only
// blocking send to ch, so a slow consumer stalls this goroutine and this
// subscriber's queue, never the mirror's writer or any other subscriber.
func (s *Subscriber) pump() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			close(s.ch)
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.ch <- ev
	}
}

// changeLogEntry pairs a committed StateEvent with the diff ops it produced,
// retained for a bounded window to serve diff(sinceSyncId).
type changeLogEntry struct {
	event *model.StateEvent
	diffs []model.StateDiff
}

// Mirror is the State Mirror component (§4.4).
type Mirror struct {
	mu    sync.RWMutex
	st    *state
	log   []changeLogEntry
	subMu sync.Mutex
	subs  map[string]*Subscriber

	writeCh chan mutationRequest
}

type mutationRequest struct {
	ops     []op
	replyCh chan mutationResult
}

type mutationResult struct {
	events []*model.StateEvent
	err    error
}

// New constructs an empty Mirror and starts its serialising writer loop.
func New() *Mirror {
	m := &Mirror{
		st:      newState(),
		subs:    make(map[string]*Subscriber),
		writeCh: make(chan mutationRequest, 64),
	}
	go m.run()
	return m
}

// run is the mirror's single writer goroutine; every mutation is applied
// here, one batch at a time, guaranteeing linearised commit order.
func (m *Mirror) run() {
	for req := range m.writeCh {
		events, err := m.applyBatch(req.ops)
		req.replyCh <- mutationResult{events: events, err: err}
	}
}

func (m *Mirror) applyBatch(ops []op) ([]*model.StateEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Atomic batch: ops apply against a clone of the live state, which is
	// only swapped in once every op has succeeded.
	next := m.st.clone()
	var events []*model.StateEvent
	for _, o := range ops {
		ev, err := o.apply(next)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			next.syncID++
			ev.SyncID = next.syncID
			ev.Timestamp = time.Now().UTC()
			events = append(events, ev)
		}
	}
	m.st = next

	for _, ev := range events {
		m.log = append(m.log, changeLogEntry{event: ev, diffs: diffsForEvent(ev)})
	}
	if len(m.log) > changeLogWindow {
		m.log = m.log[len(m.log)-changeLogWindow:]
	}

	for _, ev := range events {
		m.fanOut(ev)
	}
	return events, nil
}

// mutate accepts an atomic batch of ops; either all apply or none, per the
// §4.4 contract. It is the single entry point every domain-specific method
// below funnels through to reach the serialising writer goroutine.
func (m *Mirror) mutate(ops ...op) ([]*model.StateEvent, error) {
	reply := make(chan mutationResult, 1)
	m.writeCh <- mutationRequest{ops: ops, replyCh: reply}
	res := <-reply
	return res.events, res.err
}

// GetPatch returns a copy of the named patch.
func (m *Mirror) GetPatch(id string) (*model.Patch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.st.patches[id]
	if !ok {
		return nil, bridgeerr.New(bridgeerr.CodePatchNotFound, "patch not found").WithData(map[string]interface{}{"patchId": id})
	}
	cp := *p
	return &cp, nil
}

// GetObject returns a copy of the named object.
func (m *Mirror) GetObject(id string) (*model.Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.st.objects[id]
	if !ok {
		return nil, bridgeerr.New(bridgeerr.CodeObjectNotFound, "object not found").WithData(map[string]interface{}{"objectId": id})
	}
	cp := *o
	return &cp, nil
}

// GetConnection returns a copy of the named connection.
func (m *Mirror) GetConnection(id string) (*model.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.st.connections[id]
	if !ok {
		return nil, bridgeerr.Newf(bridgeerr.CodeObjectNotFound, "connection %s not found", id)
	}
	cp := *c
	return &cp, nil
}

// Snapshot returns a consistent image of all entities plus its syncId.
func (m *Mirror) Snapshot() *model.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := &model.Snapshot{
		SyncID:      m.st.syncID,
		TakenAt:     time.Now().UTC(),
		Patches:     make(map[string]*model.Patch, len(m.st.patches)),
		Objects:     make(map[string]*model.Object, len(m.st.objects)),
		Connections: make(map[string]*model.Connection, len(m.st.connections)),
	}
	for k, v := range m.st.patches {
		cp := *v
		snap.Patches[k] = &cp
	}
	for k, v := range m.st.objects {
		cp := *v
		snap.Objects[k] = &cp
	}
	for k, v := range m.st.connections {
		cp := *v
		snap.Connections[k] = &cp
	}
	return snap
}

// Diff returns the minimal JSON-pointer diff since sinceSyncID. If the
// anchor has aged out of the retained change-log window, rebased is true
// and the caller must fall back to a full Snapshot.
func (m *Mirror) Diff(sinceSyncID uint64) (newSyncID uint64, diffs []model.StateDiff, rebased bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.log) == 0 {
		return m.st.syncID, nil, false
	}
	oldest := m.log[0].event.SyncID - 1
	if sinceSyncID < oldest {
		return m.st.syncID, nil, true
	}
	for _, entry := range m.log {
		if entry.event.SyncID > sinceSyncID {
			diffs = append(diffs, entry.diffs...)
		}
	}
	return m.st.syncID, diffs, false
}

// diffsForEvent derives the JSON-Pointer ops implied by a StateEvent. The
// mapping is intentionally coarse (replace-whole-subject) since the mirror
// stores whole entities, not field-level deltas.
func diffsForEvent(ev *model.StateEvent) []model.StateDiff {
	base := "/" + string(ev.Category) + "s/" + ev.SubjectID
	switch ev.Kind {
	case model.KindCreated, model.KindConnected:
		return []model.StateDiff{{Op: model.OpAdd, Path: base, Value: ev.Data}}
	case model.KindDeleted, model.KindDisconnected:
		return []model.StateDiff{{Op: model.OpRemove, Path: base}}
	default:
		return []model.StateDiff{{Op: model.OpReplace, Path: base, Value: ev.Data}}
	}
}

// Subscribe registers a new subscriber for the given category filter (nil
// or empty means all categories). Structural events are never dropped;
// only parameter events are coalesced with drop-oldest once a subscriber is
// marked lagging.
func (m *Mirror) Subscribe(categories ...model.EventCategory) *Subscriber {
	filter := make(map[model.EventCategory]bool, len(categories))
	for _, c := range categories {
		filter[c] = true
	}
	sub := newSubscriber(filter)
	m.subMu.Lock()
	m.subs[sub.id] = sub
	m.subMu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber. Its channel closes once its own pump
// goroutine has drained whatever was already queued.
func (m *Mirror) Unsubscribe(sub *Subscriber) {
	m.subMu.Lock()
	_, ok := m.subs[sub.id]
	delete(m.subs, sub.id)
	m.subMu.Unlock()
	if ok {
		sub.close()
	}
}

// fanOut hands ev to every matching subscriber's own queue. This never
// blocks: enqueue only ever takes the subscriber's own short-lived mutex,
// so one stalled consumer cannot wedge the mirror's write lock, other
// subscribers, or reads (GetPatch/GetObject/Snapshot) that share m.mu with
// the writer goroutine calling this from applyBatch.
func (m *Mirror) fanOut(ev *model.StateEvent) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	for _, sub := range m.subs {
		if len(sub.filter) > 0 && !sub.filter[ev.Category] {
			continue
		}
		sub.enqueue(ev)
		if sub.Lagging() {
			logging.Warn().Str("subscriber", sub.id).Msg("subscriber lagging, parameter events coalescing")
		}
	}
}
