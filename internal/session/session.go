// Package session implements the Session & Snapshot Manager (spec.md
// §4.8): session lifecycle, snapshots at start/end/on-request, and
// round-trip save/load of a session document to disk.
package session

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/yasunoritani/manxo-bridge/internal/bridgeerr"
	"github.com/yasunoritani/manxo-bridge/internal/mirror"
	"github.com/yasunoritani/manxo-bridge/internal/model"
)

// Manager owns the lifecycle of at most one active Session at a time.
// Callers operating without an active session implicitly run in an
// anonymous default workspace that is never persisted.
type Manager struct {
	mu     sync.Mutex
	mirror *mirror.Mirror
	active *model.Session
}

// New constructs a Manager bound to the given State Mirror, from which
// snapshots are taken.
func New(m *mirror.Mirror) *Manager {
	return &Manager{mirror: m}
}

// Start allocates a fresh session id, captures an initial snapshot, and
// begins tracking it as the active session. If a session is already
// active, it is ended first (mirrors Load's behaviour).
func (m *Manager) Start(name string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		m.endLocked()
	}

	snap := m.mirror.Snapshot()
	sess := &model.Session{
		ID:        uuid.New().String(),
		Name:      name,
		StartTime: time.Now().UTC(),
		Snapshots: []*model.Snapshot{snap},
	}
	m.active = sess
	cp := *sess
	return &cp, nil
}

// End captures a closing snapshot, computes duration, and marks the
// session terminal. Ending with no active session returns a session error.
func (m *Manager) End() (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil, bridgeerr.New(bridgeerr.CodeSessionError, "no active session")
	}
	m.endLocked()
	cp := *m.active
	m.active = nil
	return &cp, nil
}

func (m *Manager) endLocked() {
	snap := m.mirror.Snapshot()
	m.active.Snapshots = append(m.active.Snapshots, snap)
	now := time.Now().UTC()
	m.active.EndTime = &now
	dur := now.Sub(m.active.StartTime).Milliseconds()
	m.active.Duration = &dur
}

// Snapshot captures an additional, explicit snapshot of the active session
// without ending it.
func (m *Manager) Snapshot() (*model.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil, bridgeerr.New(bridgeerr.CodeSessionError, "no active session")
	}
	snap := m.mirror.Snapshot()
	m.active.Snapshots = append(m.active.Snapshots, snap)
	return snap, nil
}

// TrackPatch records patchID as owned by the active session, if any. A
// session-less caller runs in the anonymous default workspace (§4.8) and
// this is a no-op.
func (m *Manager) TrackPatch(patchID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return
	}
	for _, id := range m.active.PatchIDs {
		if id == patchID {
			return
		}
	}
	m.active.PatchIDs = append(m.active.PatchIDs, patchID)
}

// Active returns a copy of the active session, if any.
func (m *Manager) Active() (*model.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil, false
	}
	cp := *m.active
	return &cp, true
}

// Save serialises the active session (including all its snapshots) to
// path. The serialiser is required to round-trip (spec.md §8 S6).
func (m *Manager) Save(path string) error {
	m.mu.Lock()
	if m.active == nil {
		m.mu.Unlock()
		return bridgeerr.New(bridgeerr.CodeSessionError, "no active session to save")
	}
	data, err := json.MarshalIndent(m.active, "", "  ")
	m.mu.Unlock()
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.CodeSessionError, "marshal session", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".session-*.tmp")
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.CodeSessionError, "create session temp file", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return bridgeerr.Wrap(bridgeerr.CodeSessionError, "write session file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return bridgeerr.Wrap(bridgeerr.CodeSessionError, "close session file", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return bridgeerr.Wrap(bridgeerr.CodeSessionError, "atomic replace session file", err)
	}
	return nil
}

// Load deserialises a session document from path. If a session is already
// active, it is ended first.
func (m *Manager) Load(path string) (*model.Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.CodeSessionError, "read session file", err)
	}
	var sess model.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.CodeSessionError, "parse session file", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		m.endLocked()
	}
	m.active = &sess
	cp := sess
	return &cp, nil
}
