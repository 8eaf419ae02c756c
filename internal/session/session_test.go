package session

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yasunoritani/manxo-bridge/internal/mirror"
)

func TestStartEndActive(t *testing.T) {
	m := New(mirror.New())
	_, ok := m.Active()
	require.False(t, ok, "expected no active session before Start")

	sess, err := m.Start("take-1")
	require.NoError(t, err)
	assert.Equal(t, "take-1", sess.Name)
	assert.Len(t, sess.Snapshots, 1)

	active, ok := m.Active()
	require.True(t, ok)
	assert.Equal(t, sess.ID, active.ID)

	ended, err := m.End()
	require.NoError(t, err)
	assert.NotNil(t, ended.EndTime)
	assert.NotNil(t, ended.Duration)
	assert.Len(t, ended.Snapshots, 2, "start + end snapshots")

	_, ok = m.Active()
	assert.False(t, ok, "expected no active session after End")
}

func TestEndWithNoActiveSessionFails(t *testing.T) {
	m := New(mirror.New())
	_, err := m.End()
	assert.Error(t, err)
}

func TestTrackPatchNoopWithoutActiveSession(t *testing.T) {
	m := New(mirror.New())
	m.TrackPatch("patch-1") // must not panic
	_, ok := m.Active()
	assert.False(t, ok)
}

func TestTrackPatchDeduplicates(t *testing.T) {
	m := New(mirror.New())
	_, err := m.Start("take-1")
	require.NoError(t, err)

	m.TrackPatch("patch-1")
	m.TrackPatch("patch-1")
	m.TrackPatch("patch-2")

	active, _ := m.Active()
	assert.Equal(t, []string{"patch-1", "patch-2"}, active.PatchIDs)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	mgr := New(mirror.New())
	sess, err := mgr.Start("round-trip")
	require.NoError(t, err)
	mgr.TrackPatch("patch-1")
	_, err = mgr.Snapshot()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, mgr.Save(path))
	_, err = mgr.End()
	require.NoError(t, err)

	loader := New(mirror.New())
	loaded, err := loader.Load(path)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, loaded.ID)
	assert.Equal(t, sess.Name, loaded.Name)
	assert.Equal(t, []string{"patch-1"}, loaded.PatchIDs)
	assert.Len(t, loaded.Snapshots, 2)
}

func TestSaveWithNoActiveSessionFails(t *testing.T) {
	m := New(mirror.New())
	err := m.Save(filepath.Join(t.TempDir(), "x.json"))
	assert.Error(t, err)
}

func TestLoadEndsPriorActiveSession(t *testing.T) {
	m := New(mirror.New())
	first, err := m.Start("first")
	require.NoError(t, err)

	other := New(mirror.New())
	_, err = other.Start("second")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "second.json")
	require.NoError(t, other.Save(path))

	loaded, err := m.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "second", loaded.Name)

	active, ok := m.Active()
	require.True(t, ok)
	assert.NotEqual(t, first.ID, active.ID, "the loaded session should replace the prior active session")
}
