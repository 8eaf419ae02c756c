// Package supervisor builds the bridge's process supervision tree: three
// layers of fault isolation (transport, core, bus) under one root, so a
// crash in one does not take the others down with it.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// TreeConfig holds supervisor tree tuning knobs.
type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

// DefaultTreeConfig returns suture's own recommended defaults.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree is the bridge's three-layer supervision tree:
//   - transport: L1 read/write loop, L2 listener, diagnostics HTTP server.
//   - core: the mirror event forwarder and the diagnostics hub loop.
//   - bus: the watermill router (the embedded NATS server runs in-process
//     outside the tree).
type Tree struct {
	root      *suture.Supervisor
	transport *suture.Supervisor
	core      *suture.Supervisor
	bus       *suture.Supervisor
	config    TreeConfig
}

// NewTree constructs the tree, wiring sutureslog so service lifecycle
// events land on the same logger as everything else.
func NewTree(logger *slog.Logger, config TreeConfig) *Tree {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5.0
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = 30.0
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = 15 * time.Second
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	handler := &sutureslog.Handler{Logger: logger}
	eventHook := handler.MustHook()

	rootSpec := suture.Spec{
		EventHook:        eventHook,
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	childSpec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}

	root := suture.New("bridge", rootSpec)
	transport := suture.New("transport-layer", childSpec)
	core := suture.New("core-layer", childSpec)
	bus := suture.New("bus-layer", childSpec)

	root.Add(transport)
	root.Add(core)
	root.Add(bus)

	return &Tree{root: root, transport: transport, core: core, bus: bus, config: config}
}

func (t *Tree) Root() *suture.Supervisor { return t.root }

func (t *Tree) AddTransportService(svc suture.Service) suture.ServiceToken {
	return t.transport.Add(svc)
}

func (t *Tree) AddCoreService(svc suture.Service) suture.ServiceToken {
	return t.core.Add(svc)
}

func (t *Tree) AddBusService(svc suture.Service) suture.ServiceToken {
	return t.bus.Add(svc)
}

// Serve runs the tree until ctx is cancelled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground runs the tree in the background, returning the stop error
// channel.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}
