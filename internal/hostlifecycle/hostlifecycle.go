// Package hostlifecycle implements the Host-Lifecycle Adapter (spec.md
// §4.9): it translates host process lifecycle hooks (scene loaded/saved/
// closed/new) into bridge actions against the transport and mirror, via
// callbacks supplied by the component that wires the bridge together.
package hostlifecycle

import (
	"context"

	"github.com/yasunoritani/manxo-bridge/internal/logging"
)

// Hook enumerates the host lifecycle notifications.
type Hook string

const (
	HookLoaded Hook = "loaded"
	HookSaved  Hook = "saved"
	HookClosed Hook = "closed"
	HookNew    Hook = "new"
)

// Reconnector is invoked on HookLoaded when the transport is not already
// connected.
type Reconnector func(ctx context.Context) error

// Disconnector gracefully disconnects L1 on HookClosed, leaving L2 alive.
type Disconnector func(ctx context.Context) error

// SavedFn emits the StateEvent(patch, stateChanged) and takes any snapshot
// warranted by an external host-side save.
type SavedFn func() error

// ResetFn resets the mirror's host-side view and invalidates cached object
// ids, used on HookNew.
type ResetFn func() error

// Adapter wires host lifecycle hooks to bridge actions.
type Adapter struct {
	connected    func() bool
	reconnect    Reconnector
	disconnectL1 Disconnector
	onSaved      SavedFn
	onNew        ResetFn
	frozen       bool
}

// New constructs an Adapter. connected reports current L1 connectivity.
func New(connected func() bool, reconnect Reconnector, disconnectL1 Disconnector, onSaved SavedFn, onNew ResetFn) *Adapter {
	return &Adapter{
		connected:    connected,
		reconnect:    reconnect,
		disconnectL1: disconnectL1,
		onSaved:      onSaved,
		onNew:        onNew,
	}
}

// Handle translates one host lifecycle hook into its bridge action.
func (a *Adapter) Handle(ctx context.Context, hook Hook) error {
	logging.Info().Str("hook", string(hook)).Msg("hostlifecycle: received hook")

	switch hook {
	case HookLoaded:
		if !a.connected() {
			return a.reconnect(ctx)
		}
		return nil

	case HookSaved:
		if a.onSaved != nil {
			return a.onSaved()
		}
		return nil

	case HookClosed:
		a.frozen = true
		return a.disconnectL1(ctx)

	case HookNew:
		a.frozen = false
		if a.onNew != nil {
			return a.onNew()
		}
		return nil
	}
	return nil
}

// Frozen reports whether the mirror is currently frozen following a closed
// hook (reads still served, but host-originated mutations are suppressed
// upstream).
func (a *Adapter) Frozen() bool { return a.frozen }
