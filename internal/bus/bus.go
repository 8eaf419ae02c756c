// Package bus runs an embedded, in-process NATS server with JetStream and
// exposes a thin publish/subscribe facade used by the State Mirror's
// fan-out. The Watermill router in router.go runs over its own in-process
// gochannel pub/sub, not over this bus. Starting an embedded
// server in-process rather than dialing an external broker keeps the
// bridge's trust model localhost-only: nothing outside this process ever
// holds a connection to the bus.
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/yasunoritani/manxo-bridge/internal/bridgeerr"
	"github.com/yasunoritani/manxo-bridge/internal/logging"
)

// StateStreamName is the JetStream stream every committed StateEvent is
// published to. The mirror's own diff/rebase and crash recovery stay
// purely in-memory (internal/mirror, internal/recovery) and never read
// this stream back; it exists as the bridge's durable, replayable record
// of what happened, consumed by Recent below and available to any external
// NATS client that wants a replay feed without reaching into process
// memory.
const StateStreamName = "BRIDGE_STATE"

// Bus owns the embedded NATS server and a client connection to it.
type Bus struct {
	srv  *server.Server
	conn *nats.Conn
	js   jetstream.JetStream
}

// Start launches an embedded NATS server bound to loopback only and
// connects a client to it. No network listener is exposed beyond the
// process itself.
func Start() (*Bus, error) {
	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      server.RANDOM_PORT,
		JetStream: true,
		NoLog:     true,
		NoSigs:    true,
	}

	srv, err := server.NewServer(opts)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.CodeInsufficientResources, "start embedded nats server", err)
	}
	go srv.Start()

	if !srv.ReadyForConnections(5 * time.Second) {
		return nil, bridgeerr.New(bridgeerr.CodeInsufficientResources, "embedded nats server did not become ready")
	}

	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.CodeConnectionRefused, "connect to embedded nats server", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.CodeInsufficientResources, "init jetstream", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StateStreamName,
		Subjects:  []string{"state.>"},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Storage:   jetstream.MemoryStorage,
	})
	if err != nil {
		nc.Close()
		srv.Shutdown()
		return nil, bridgeerr.Wrap(bridgeerr.CodeInsufficientResources, "create state stream", err)
	}

	logging.Info().Str("client_url", srv.ClientURL()).Msg("bus: embedded nats server ready")
	return &Bus{srv: srv, conn: nc, js: js}, nil
}

// Conn returns the underlying NATS connection, for components that need it
// directly.
func (b *Bus) Conn() *nats.Conn { return b.conn }

// JetStream returns the JetStream context.
func (b *Bus) JetStream() jetstream.JetStream { return b.js }

// Publish sends a StateEvent-shaped payload to subject
// "state.<category>.<kind>".
func (b *Bus) Publish(category, kind string, payload []byte) error {
	subject := fmt.Sprintf("state.%s.%s", category, kind)
	if _, err := b.js.Publish(context.Background(), subject, payload); err != nil {
		return bridgeerr.Wrap(bridgeerr.CodeTransportSendFailed, "publish to bus", err)
	}
	return nil
}

// Recent fetches up to n of the most recently published StateEvent
// payloads from the state stream via an ephemeral ordered consumer. This is
// the bus's one real consumer, backing the diagnostics /debug/events route
// with whatever the bridge has actually durably published, rather than
// leaving JetStream as a pure write sink.
func (b *Bus) Recent(ctx context.Context, n int) ([][]byte, error) {
	if n <= 0 {
		return nil, nil
	}

	stream, err := b.js.Stream(ctx, StateStreamName)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.CodeInsufficientResources, "look up state stream", err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.CodeInsufficientResources, "get state stream info", err)
	}
	if info.State.Msgs == 0 {
		return nil, nil
	}

	startSeq := uint64(1)
	if info.State.Msgs > uint64(n) {
		startSeq = info.State.LastSeq - uint64(n) + 1
	}

	cons, err := b.js.OrderedConsumer(ctx, StateStreamName, jetstream.OrderedConsumerConfig{
		DeliverPolicy: jetstream.DeliverByStartSequencePolicy,
		OptStartSeq:   startSeq,
	})
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.CodeInsufficientResources, "create ordered consumer", err)
	}

	batch, err := cons.Fetch(n, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.CodeInsufficientResources, "fetch recent events", err)
	}

	out := make([][]byte, 0, n)
	for msg := range batch.Messages() {
		out = append(out, msg.Data())
		msg.Ack()
	}
	if err := batch.Error(); err != nil {
		return out, bridgeerr.Wrap(bridgeerr.CodeInsufficientResources, "drain recent events", err)
	}
	return out, nil
}

// Close drains the client and shuts the embedded server down.
func (b *Bus) Close() {
	if b.conn != nil {
		b.conn.Drain()
	}
	if b.srv != nil {
		b.srv.Shutdown()
		b.srv.WaitForShutdown()
	}
}
