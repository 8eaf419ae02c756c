package mirror

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yasunoritani/manxo-bridge/internal/bridgeerr"
	"github.com/yasunoritani/manxo-bridge/internal/model"
)

// CreatePatch allocates a new, empty Patch.
func (m *Mirror) CreatePatch(name string) (*model.Patch, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	events, err := m.mutate(op{apply: func(s *state) (*model.StateEvent, error) {
		p := &model.Patch{
			ID:          id,
			Name:        name,
			CreatedAt:   now,
			UpdatedAt:   now,
			Objects:     make(map[string]bool),
			Connections: make(map[string]bool),
		}
		s.patches[id] = p
		return &model.StateEvent{Category: model.CategoryPatch, Kind: model.KindCreated, SubjectID: id,
			Data: map[string]interface{}{"id": id, "name": name}}, nil
	}})
	if err != nil {
		return nil, err
	}
	_ = events
	return m.GetPatch(id)
}

// ClosePatch removes a patch and cascades deletion of every object and
// connection it owns, preserving the invariant that structural references
// never dangle.
func (m *Mirror) ClosePatch(patchID string) error {
	_, err := m.mutate(op{apply: func(s *state) (*model.StateEvent, error) {
		p, ok := s.patches[patchID]
		if !ok {
			return nil, bridgeerr.New(bridgeerr.CodePatchNotFound, "patch not found").WithData(map[string]interface{}{"patchId": patchID})
		}
		for connID := range p.Connections {
			delete(s.connections, connID)
		}
		for objID := range p.Objects {
			delete(s.objects, objID)
		}
		delete(s.patches, patchID)
		return &model.StateEvent{Category: model.CategoryPatch, Kind: model.KindDeleted, SubjectID: patchID}, nil
	}})
	return err
}

// SavePatch marks a patch unmodified, as of a successful save.
func (m *Mirror) SavePatch(patchID, filepath string) error {
	_, err := m.mutate(op{apply: func(s *state) (*model.StateEvent, error) {
		p, ok := s.patches[patchID]
		if !ok {
			return nil, bridgeerr.New(bridgeerr.CodePatchNotFound, "patch not found").WithData(map[string]interface{}{"patchId": patchID})
		}
		p.Modified = false
		if filepath != "" {
			p.Filepath = filepath
		}
		p.UpdatedAt = time.Now().UTC()
		return &model.StateEvent{Category: model.CategoryPatch, Kind: model.KindUpdated, SubjectID: patchID,
			Data: map[string]interface{}{"filepath": p.Filepath}}, nil
	}})
	return err
}

// CreateObject adds a new Object to patchID.
func (m *Mirror) CreateObject(patchID, objType string, pos model.Position, size *model.Size, inlets, outlets int) (*model.Object, error) {
	id := uuid.New().String()

	_, err := m.mutate(op{apply: func(s *state) (*model.StateEvent, error) {
		p, ok := s.patches[patchID]
		if !ok {
			return nil, bridgeerr.New(bridgeerr.CodePatchNotFound, "patch not found").WithData(map[string]interface{}{"patchId": patchID})
		}
		o := &model.Object{
			ID: id, PatchID: patchID, Type: objType, Position: pos, Size: size,
			Inlets: inlets, Outlets: outlets, Params: make(map[string]*model.Parameter),
		}
		s.objects[id] = o
		p.Objects[id] = true
		p.Modified = true
		p.UpdatedAt = time.Now().UTC()
		return &model.StateEvent{Category: model.CategoryObject, Kind: model.KindCreated, SubjectID: id,
			Data: map[string]interface{}{"id": id, "patchId": patchID, "type": objType}}, nil
	}})
	if err != nil {
		return nil, err
	}
	return m.GetObject(id)
}

// DeleteObject removes an object and cascades deletion of any connection
// touching it.
func (m *Mirror) DeleteObject(objectID string) error {
	_, err := m.mutate(op{apply: func(s *state) (*model.StateEvent, error) {
		o, ok := s.objects[objectID]
		if !ok {
			return nil, bridgeerr.New(bridgeerr.CodeObjectNotFound, "object not found").WithData(map[string]interface{}{"objectId": objectID})
		}
		p := s.patches[o.PatchID]
		for connID := range p.Connections {
			c, ok := s.connections[connID]
			if ok && (c.SourceObjectID == objectID || c.DestObjectID == objectID) {
				delete(s.connections, connID)
				delete(p.Connections, connID)
			}
		}
		delete(s.objects, objectID)
		delete(p.Objects, objectID)
		p.Modified = true
		return &model.StateEvent{Category: model.CategoryObject, Kind: model.KindDeleted, SubjectID: objectID}, nil
	}})
	return err
}

// MoveObject updates an object's canvas position.
func (m *Mirror) MoveObject(objectID string, pos model.Position) (*model.Object, error) {
	_, err := m.mutate(op{apply: func(s *state) (*model.StateEvent, error) {
		o, ok := s.objects[objectID]
		if !ok {
			return nil, bridgeerr.New(bridgeerr.CodeObjectNotFound, "object not found").WithData(map[string]interface{}{"objectId": objectID})
		}
		o.Position = pos
		return &model.StateEvent{Category: model.CategoryObject, Kind: model.KindMoved, SubjectID: objectID,
			Data: map[string]interface{}{"x": pos.X, "y": pos.Y}}, nil
	}})
	if err != nil {
		return nil, err
	}
	return m.GetObject(objectID)
}

// deterministicConnectionID derives a stable connection id from its
// endpoints, so duplicate creation is idempotent (spec.md §3).
func deterministicConnectionID(srcObj string, srcOutlet int, dstObj string, dstInlet int) string {
	h := sha1.New()
	fmt.Fprintf(h, "%s:%d->%s:%d", srcObj, srcOutlet, dstObj, dstInlet)
	return hex.EncodeToString(h.Sum(nil))
}

// Connect creates a directed edge from (srcObj, srcOutlet) to (dstObj,
// dstInlet). Both endpoints must belong to the same patch (311
// IncompatibleConnection otherwise); indices must be in range (307/308);
// a connection that would introduce a cycle is rejected (312). Creating an
// identical connection twice is idempotent.
func (m *Mirror) Connect(srcObj string, srcOutlet int, dstObj string, dstInlet int) (*model.Connection, error) {
	id := deterministicConnectionID(srcObj, srcOutlet, dstObj, dstInlet)

	_, err := m.mutate(op{apply: func(s *state) (*model.StateEvent, error) {
		if _, exists := s.connections[id]; exists {
			return nil, nil // idempotent no-op: already connected, no new event
		}

		src, ok := s.objects[srcObj]
		if !ok {
			return nil, bridgeerr.New(bridgeerr.CodeObjectNotFound, "source object not found").WithData(map[string]interface{}{"objectId": srcObj})
		}
		dst, ok := s.objects[dstObj]
		if !ok {
			return nil, bridgeerr.New(bridgeerr.CodeObjectNotFound, "dest object not found").WithData(map[string]interface{}{"objectId": dstObj})
		}
		if src.PatchID != dst.PatchID {
			return nil, bridgeerr.New(bridgeerr.CodeIncompatibleConnection, "cross-patch connections are rejected")
		}
		if srcOutlet < 0 || srcOutlet >= src.Outlets {
			return nil, bridgeerr.New(bridgeerr.CodeOutletOutOfRange, "source outlet index out of range")
		}
		if dstInlet < 0 || dstInlet >= dst.Inlets {
			return nil, bridgeerr.New(bridgeerr.CodeInletOutOfRange, "dest inlet index out of range")
		}
		if wouldCycle(s, src.PatchID, dstObj, srcObj) {
			return nil, bridgeerr.New(bridgeerr.CodeCircularConnection, "connection would introduce a cycle")
		}

		c := &model.Connection{ID: id, PatchID: src.PatchID, SourceObjectID: srcObj, SourceOutlet: srcOutlet, DestObjectID: dstObj, DestInlet: dstInlet}
		s.connections[id] = c
		s.patches[src.PatchID].Connections[id] = true
		s.patches[src.PatchID].Modified = true

		return &model.StateEvent{Category: model.CategoryConnection, Kind: model.KindConnected, SubjectID: id,
			Data: map[string]interface{}{"id": id, "sourceObjectId": srcObj, "destObjectId": dstObj}}, nil
	}})
	if err != nil {
		return nil, err
	}
	return m.GetConnection(id)
}

// wouldCycle reports whether a path already runs from `from` to `to` within
// patchID, via depth-first search from `from`. Connect passes the new edge's
// destination as `from` and its source as `to`, so a hit means the new edge
// would close a cycle.
func wouldCycle(s *state, patchID, from, to string) bool {
	visited := make(map[string]bool)
	var dfs func(node string) bool
	dfs = func(node string) bool {
		if node == to {
			return true
		}
		if visited[node] {
			return false
		}
		visited[node] = true
		p := s.patches[patchID]
		for connID := range p.Connections {
			c, ok := s.connections[connID]
			if ok && c.SourceObjectID == node {
				if dfs(c.DestObjectID) {
					return true
				}
			}
		}
		return false
	}
	return dfs(from)
}

// Disconnect removes a connection by id.
func (m *Mirror) Disconnect(connID string) error {
	_, err := m.mutate(op{apply: func(s *state) (*model.StateEvent, error) {
		c, ok := s.connections[connID]
		if !ok {
			return nil, bridgeerr.Newf(bridgeerr.CodeObjectNotFound, "connection %s not found", connID)
		}
		delete(s.connections, connID)
		if p, ok := s.patches[c.PatchID]; ok {
			delete(p.Connections, connID)
			p.Modified = true
		}
		return &model.StateEvent{Category: model.CategoryConnection, Kind: model.KindDisconnected, SubjectID: connID}, nil
	}})
	return err
}

// SetParameter writes a value to a named Parameter on an object, enforcing
// type/range and read-only invariants (spec.md §3).
func (m *Mirror) SetParameter(objectID, name string, value interface{}, typ model.ParamType) (*model.Parameter, error) {
	_, err := m.mutate(op{apply: func(s *state) (*model.StateEvent, error) {
		o, ok := s.objects[objectID]
		if !ok {
			return nil, bridgeerr.New(bridgeerr.CodeObjectNotFound, "object not found").WithData(map[string]interface{}{"objectId": objectID})
		}
		p, exists := o.Params[name]
		if !exists {
			p = &model.Parameter{Name: name, Type: typ}
			o.Params[name] = p
		}
		if p.ReadOnly {
			return nil, bridgeerr.New(bridgeerr.CodeReadOnlyParameter, "parameter is read-only").WithData(map[string]interface{}{"objectId": objectID, "param": name})
		}
		if f, ok := asFloat(value); ok {
			if p.Min != nil && f < *p.Min {
				return nil, bridgeerr.New(bridgeerr.CodeParameterOutOfRange, "value below min").WithData(map[string]interface{}{"objectId": objectID, "param": name})
			}
			if p.Max != nil && f > *p.Max {
				return nil, bridgeerr.New(bridgeerr.CodeParameterOutOfRange, "value above max").WithData(map[string]interface{}{"objectId": objectID, "param": name})
			}
		}
		// Last writer wins, last type wins, per the bound coalescing decision.
		p.Value = value
		p.Type = typ
		p.LastUpdatedAt = time.Now().UTC()

		return &model.StateEvent{Category: model.CategoryParameter, Kind: model.KindParamChanged, SubjectID: objectID,
			Data: map[string]interface{}{"objectId": objectID, "param": name, "value": value, "type": string(typ)}}, nil
	}})
	if err != nil {
		return nil, err
	}
	return m.GetParameter(objectID, name)
}

// TouchPatch emits a stateChanged event for patchID without altering its
// contents, used when the host reports an external save of the live scene.
func (m *Mirror) TouchPatch(patchID string) error {
	_, err := m.mutate(op{apply: func(s *state) (*model.StateEvent, error) {
		p, ok := s.patches[patchID]
		if !ok {
			return nil, bridgeerr.New(bridgeerr.CodePatchNotFound, "patch not found").WithData(map[string]interface{}{"patchId": patchID})
		}
		p.UpdatedAt = time.Now().UTC()
		return &model.StateEvent{Category: model.CategoryPatch, Kind: model.KindStateChanged, SubjectID: patchID,
			Data: map[string]interface{}{"reason": "host-saved"}}, nil
	}})
	return err
}

// GetParameter reads a named Parameter off an object.
func (m *Mirror) GetParameter(objectID, name string) (*model.Parameter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.st.objects[objectID]
	if !ok {
		return nil, bridgeerr.New(bridgeerr.CodeObjectNotFound, "object not found").WithData(map[string]interface{}{"objectId": objectID})
	}
	p, ok := o.Params[name]
	if !ok {
		return nil, bridgeerr.New(bridgeerr.CodeParameterNotFound, "parameter not found").WithData(map[string]interface{}{"objectId": objectID, "param": name})
	}
	cp := *p
	return &cp, nil
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
