// Package l2 implements Transport-L2, the assistant channel adapter:
// length-delimited JSON-RPC-like frames exchanged over either standard IO
// streams or a framed TCP socket (spec.md §4.2/§6). Frame shapes are
// grounded on the JSON-RPC types surfaced in the retrieval pack's MCP
// types file (method/params/id, result/error).
package l2

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/yasunoritani/manxo-bridge/internal/bridgeerr"
	"github.com/yasunoritani/manxo-bridge/internal/logging"
)

// Frame is one L2 message. Requests carry Method/Params/ID; responses carry
// Result or Error; notifications omit ID.
type Frame struct {
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	ID     interface{}     `json:"id,omitempty"`
	Result interface{}     `json:"result,omitempty"`
	Error  *FrameError     `json:"error,omitempty"`
}

// FrameError is the error object carried by a response Frame.
type FrameError struct {
	Code    int                    `json:"code"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// IsNotification reports whether f carries no correlation id.
func (f Frame) IsNotification() bool { return f.ID == nil }

// IsRequest reports whether f is an inbound method call.
func (f Frame) IsRequest() bool { return f.Method != "" }

// Mode selects how frames are exchanged.
type Mode string

const (
	ModeStdio  Mode = "stdio"
	ModeSocket Mode = "socket"
)

// Channel is one open L2 connection, stdio or a single accepted socket.
type Channel struct {
	r  *bufio.Reader
	w  io.Writer
	wm sync.Mutex

	inbox    chan Frame
	protoErr chan error
	closed   chan struct{}
}

// newChannel wraps r/w with the framing reader goroutine.
func newChannel(r io.Reader, w io.Writer) *Channel {
	c := &Channel{
		r:        bufio.NewReader(r),
		w:        w,
		inbox:    make(chan Frame, 128),
		protoErr: make(chan error, 16),
		closed:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Channel) readLoop() {
	defer close(c.inbox)
	defer close(c.closed)
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		payload := make([]byte, n)
		if _, err := io.ReadFull(c.r, payload); err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(payload, &f); err != nil {
			select {
			case c.protoErr <- bridgeerr.Wrap(bridgeerr.CodeInvalidArguments, "malformed L2 frame", err):
			default:
			}
			logging.Warn().Err(err).Msg("l2: dropped malformed frame")
			continue
		}
		c.inbox <- f
	}
}

// Receive returns the inbound frame stream, in arrival order.
func (c *Channel) Receive() <-chan Frame { return c.inbox }

// ProtocolErrors reports parse failures of inbound frames; the connection
// stays open.
func (c *Channel) ProtocolErrors() <-chan error { return c.protoErr }

// Closed is signalled once the peer disconnects (EOF) or a transport error
// occurs, matching the §4.2 Disconnected event.
func (c *Channel) Closed() <-chan struct{} { return c.closed }

// Send writes one frame, length-prefixed. Send is safe for concurrent use.
func (c *Channel) Send(f Frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.CodeInvalidArguments, "encode L2 frame", err)
	}
	if len(payload) > 0xFFFFFFFF {
		return fmt.Errorf("frame too large")
	}

	c.wm.Lock()
	defer c.wm.Unlock()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := c.w.Write(lenBuf[:]); err != nil {
		return bridgeerr.Wrap(bridgeerr.CodeTransportSendFailed, "write L2 frame length", err)
	}
	if _, err := c.w.Write(payload); err != nil {
		return bridgeerr.Wrap(bridgeerr.CodeTransportSendFailed, "write L2 frame body", err)
	}
	return nil
}

// OpenStdio wraps process stdin/stdout as a Channel.
func OpenStdio(stdin io.Reader, stdout io.Writer) *Channel {
	return newChannel(stdin, stdout)
}

// OpenSocketConn wraps one accepted net.Conn as a Channel.
func OpenSocketConn(conn io.ReadWriter) *Channel {
	return newChannel(conn, conn)
}

// ErrorFrame builds a response Frame carrying an error for the given
// request id.
func ErrorFrame(id interface{}, code bridgeerr.Code, message string, data map[string]interface{}) Frame {
	return Frame{ID: id, Error: &FrameError{Code: int(code), Message: message, Data: data}}
}

// ResultFrame builds a successful response Frame.
func ResultFrame(id interface{}, result interface{}) Frame {
	return Frame{ID: id, Result: result}
}
