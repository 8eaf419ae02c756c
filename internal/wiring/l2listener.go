package wiring

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/yasunoritani/manxo-bridge/internal/bridgeerr"
	"github.com/yasunoritani/manxo-bridge/internal/config"
	"github.com/yasunoritani/manxo-bridge/internal/logging"
	"github.com/yasunoritani/manxo-bridge/internal/transport/l2"
)

// l2Listener owns the single active L2 connection at a time. Every frame
// handed to onFrame carries a context scoped to its connection: when a new
// connection replaces one still mid-request, the old connection's context
// is cancelled, letting the lifecycle manager's own deadline/cancel plumbing
// unwind any request still pending on it rather than leaving it to time out
// against a peer that is already gone.
type l2Listener struct {
	cfg config.Config

	mu           sync.Mutex
	active       *l2.Channel
	activeCancel context.CancelFunc

	onFrame      func(ctx context.Context, ch *l2.Channel, f l2.Frame)
	onConnect    func(ch *l2.Channel)
	onDisconnect func(ch *l2.Channel)
}

func newL2Listener(cfg *config.Config) *l2Listener {
	return &l2Listener{cfg: *cfg}
}

// Serve accepts (or, in stdio mode, adopts) connections until ctx is
// cancelled. Implements suture.Service.
func (ln *l2Listener) Serve(ctx context.Context) error {
	if ln.cfg.L2Mode == config.L2ModeStdio {
		ch := l2.OpenStdio(os.Stdin, os.Stdout)
		ln.adopt(ch)
		<-ctx.Done()
		return nil
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", ln.cfg.Host, ln.cfg.L2Port))
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.CodeConnectionRefused, "listen L2 socket", err)
	}
	defer listener.Close()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return bridgeerr.Wrap(bridgeerr.CodeConnectionRefused, "accept L2 connection", err)
			}
		}
		ch := l2.OpenSocketConn(conn)
		ln.adopt(ch)
	}
}

// adopt replaces the active channel, cancelling the previous one's
// connection-scoped context, and starts reading frames from the new one.
func (ln *l2Listener) adopt(ch *l2.Channel) {
	ln.mu.Lock()
	prev := ln.active
	if ln.activeCancel != nil {
		ln.activeCancel()
	}
	chCtx, cancel := context.WithCancel(context.Background())
	ln.active = ch
	ln.activeCancel = cancel
	ln.mu.Unlock()

	// A replaced connection is disconnected from the bridge's point of view
	// even while its socket lingers; its eventual Closed signal is then a
	// no-op below.
	if prev != nil && ln.onDisconnect != nil {
		ln.onDisconnect(prev)
	}
	if ln.onConnect != nil {
		ln.onConnect(ch)
	}

	go func() {
		for f := range ch.Receive() {
			if ln.onFrame != nil {
				go ln.onFrame(chCtx, ch, f)
			}
		}
	}()
	go func() {
		for err := range ch.ProtocolErrors() {
			logging.Warn().Err(err).Msg("l2: protocol error")
		}
	}()
	go func() {
		<-ch.Closed()
		cancel()
		ln.mu.Lock()
		stillActive := ln.active == ch
		if stillActive {
			ln.active = nil
			ln.activeCancel = nil
		}
		ln.mu.Unlock()
		if stillActive && ln.onDisconnect != nil {
			ln.onDisconnect(ch)
		}
	}()
}

// ActiveChannel returns the current channel, or nil if none is connected.
func (ln *l2Listener) ActiveChannel() *l2.Channel {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	return ln.active
}
