package recovery

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yasunoritani/manxo-bridge/internal/bridgeerr"
)

func TestMarkConnectedIdleTransitions(t *testing.T) {
	var mu sync.Mutex
	var seen []ConnState
	c := NewConnection("test", Config{}, func(s ConnState) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	require.Equal(t, StateIdle, c.State())
	c.MarkConnected()
	assert.Equal(t, StateConnected, c.State())
	c.MarkIdle()
	assert.Equal(t, StateIdle, c.State())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []ConnState{StateConnected, StateIdle}, seen)
}

func TestDisconnectedRecoversAfterTransientFailures(t *testing.T) {
	c := NewConnection("test", Config{BaseDelay: time.Millisecond, AttemptCap: 5}, nil)

	attempts := 0
	reconnect := func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient failure")
		}
		return nil
	}

	err := c.Disconnected(context.Background(), reconnect)
	require.NoError(t, err)
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 3, attempts)
}

func TestDisconnectedExhaustsAttemptsAndEntersConnectionError(t *testing.T) {
	c := NewConnection("test", Config{BaseDelay: time.Millisecond, AttemptCap: 2}, nil)

	reconnect := func(ctx context.Context) error {
		return errors.New("permanent failure")
	}

	err := c.Disconnected(context.Background(), reconnect)
	require.Error(t, err)
	be, ok := bridgeerr.As(err)
	require.True(t, ok)
	assert.Equal(t, bridgeerr.CodeConnectionLost, be.Code)
	assert.Equal(t, StateConnectionError, c.State())
}

func TestStoreLoadMissingFileYieldsZeroValue(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "nonexistent.json"))
	st, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, st.Connection)
	assert.Empty(t, st.SessionID)
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewStore(path)

	want := &PersistedState{
		Connection:      StateConnected,
		Session:         true,
		SessionID:       "sess-1",
		LastSyncID:      42,
		LastStateChange: time.Now().UTC().Round(time.Second),
		Snapshots:       []string{"snap-a", "snap-b"},
	}
	require.NoError(t, s.Save(want))

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, want.Connection, got.Connection)
	assert.Equal(t, want.SessionID, got.SessionID)
	assert.Equal(t, want.LastSyncID, got.LastSyncID)
	assert.Len(t, got.Snapshots, 2)
}
