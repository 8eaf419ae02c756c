// Package l1 implements Transport-L1, the host bus adapter: a datagram
// socket pair on loopback exchanging slash-rooted, wildcard-capable
// address/argument messages with the host process (spec.md §4.1/§6).
package l1

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/yasunoritani/manxo-bridge/internal/bridgeerr"
	"github.com/yasunoritani/manxo-bridge/internal/logging"
)

// dynamicPortLow/High bound the scan range when the requested inbound port
// is occupied and dynamic reassignment is enabled.
const (
	dynamicPortLow  = 49152
	dynamicPortHigh = 65535
)

// Frame is one inbound or outbound L1 message: an address pattern plus a
// typed argument list.
type Frame struct {
	Address string
	Args    []Arg
}

// ArgType enumerates the wire type tags the host bus round-trips losslessly.
type ArgType byte

const (
	ArgInt ArgType = iota
	ArgFloat
	ArgString
	ArgBool
	ArgBlob
)

// Arg is one typed argument value.
type Arg struct {
	Type  ArgType
	Int   int64
	Float float64
	Str   string
	Bool  bool
	Blob  []byte
}

// Transport owns the inbound/outbound UDP sockets.
type Transport struct {
	host        string
	conn        *net.UDPConn
	outAddr     *net.UDPAddr
	actualPort  int
	dynamicOK   bool
	inbox       chan Frame
	protoErrors chan error
}

// Config configures the L1 transport.
type Config struct {
	Host         string
	PortIn       int
	PortOut      int
	DynamicPorts bool
}

// PortReassigned is emitted when the requested inbound port was occupied
// and a dynamic scan found a free one instead.
type PortReassigned struct {
	Requested int
	Actual    int
}

// Open binds the inbound socket (scanning for a free dynamic port if
// configured and the requested one is occupied) and resolves the outbound
// peer address.
func Open(cfg Config) (*Transport, *PortReassigned, error) {
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}

	conn, actual, reassigned, err := bindWithFallback(host, cfg.PortIn, cfg.DynamicPorts)
	if err != nil {
		return nil, nil, bridgeerr.Wrap(bridgeerr.CodeTransportSendFailed, "bind L1 inbound socket", err)
	}

	outAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, cfg.PortOut))
	if err != nil {
		conn.Close()
		return nil, nil, bridgeerr.Wrap(bridgeerr.CodeInvalidAddress, "resolve L1 outbound address", err)
	}

	t := &Transport{
		host:        host,
		conn:        conn,
		outAddr:     outAddr,
		actualPort:  actual,
		dynamicOK:   cfg.DynamicPorts,
		inbox:       make(chan Frame, 256),
		protoErrors: make(chan error, 16),
	}
	go t.readLoop()

	var pr *PortReassigned
	if reassigned {
		pr = &PortReassigned{Requested: cfg.PortIn, Actual: actual}
	}
	return t, pr, nil
}

func bindWithFallback(host string, requested int, dynamic bool) (*net.UDPConn, int, bool, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, requested))
	if err == nil {
		if conn, err := net.ListenUDP("udp", addr); err == nil {
			return conn, requested, false, nil
		}
	}
	if !dynamic {
		return nil, 0, false, fmt.Errorf("port %d unavailable and dynamic_ports disabled", requested)
	}
	for port := dynamicPortLow; port <= dynamicPortHigh; port++ {
		addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
		if err != nil {
			continue
		}
		conn, err := net.ListenUDP("udp", addr)
		if err == nil {
			return conn, port, true, nil
		}
	}
	return nil, 0, false, fmt.Errorf("no free port found in dynamic range %d-%d", dynamicPortLow, dynamicPortHigh)
}

// ActualPort returns the port actually bound (may differ from requested).
func (t *Transport) ActualPort() int { return t.actualPort }

// Receive returns the inbound frame stream, in arrival order. Mis-parsed
// datagrams are dropped and reported on ProtocolErrors, never surfaced here.
func (t *Transport) Receive() <-chan Frame { return t.inbox }

// ProtocolErrors reports parse failures of inbound datagrams.
func (t *Transport) ProtocolErrors() <-chan error { return t.protoErrors }

func (t *Transport) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, _, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			close(t.inbox)
			return
		}
		frame, err := decode(buf[:n])
		if err != nil {
			select {
			case t.protoErrors <- bridgeerr.Wrap(bridgeerr.CodeInvalidAddress, "malformed L1 datagram", err):
			default:
			}
			logging.Warn().Err(err).Msg("l1: dropped malformed datagram")
			continue
		}
		select {
		case t.inbox <- *frame:
		case <-time.After(50 * time.Millisecond):
			logging.Warn().Str("address", frame.Address).Msg("l1: inbox full, dropping frame")
		}
	}
}

// Send serialises and writes one datagram to the configured peer. It does
// not retry; that is the Lifecycle/Recovery managers' business.
func (t *Transport) Send(f Frame) error {
	payload, err := encode(f)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.CodeInvalidArguments, "encode L1 frame", err)
	}
	if _, err := t.conn.WriteToUDP(payload, t.outAddr); err != nil {
		return bridgeerr.Wrap(bridgeerr.CodeTransportSendFailed, "write L1 datagram", err)
	}
	return nil
}

// Close releases the socket.
func (t *Transport) Close() error {
	return t.conn.Close()
}

// Wire format: [u16 addrLen][addr bytes][u16 argc][argc * (type byte, payload)]
// Strings/blobs are length-prefixed (u32); ints are int64; floats float64;
// bools one byte.
func encode(f Frame) ([]byte, error) {
	var buf bytes.Buffer
	addrBytes := []byte(f.Address)
	if len(addrBytes) > 0xFFFF {
		return nil, fmt.Errorf("address too long")
	}
	binary.Write(&buf, binary.BigEndian, uint16(len(addrBytes)))
	buf.Write(addrBytes)
	binary.Write(&buf, binary.BigEndian, uint16(len(f.Args)))
	for _, a := range f.Args {
		buf.WriteByte(byte(a.Type))
		switch a.Type {
		case ArgInt:
			binary.Write(&buf, binary.BigEndian, a.Int)
		case ArgFloat:
			binary.Write(&buf, binary.BigEndian, a.Float)
		case ArgBool:
			if a.Bool {
				buf.WriteByte(1)
			} else {
				buf.WriteByte(0)
			}
		case ArgString:
			b := []byte(a.Str)
			binary.Write(&buf, binary.BigEndian, uint32(len(b)))
			buf.Write(b)
		case ArgBlob:
			binary.Write(&buf, binary.BigEndian, uint32(len(a.Blob)))
			buf.Write(a.Blob)
		default:
			return nil, fmt.Errorf("unknown arg type %d", a.Type)
		}
	}
	return buf.Bytes(), nil
}

func decode(data []byte) (*Frame, error) {
	r := bytes.NewReader(data)
	var addrLen uint16
	if err := binary.Read(r, binary.BigEndian, &addrLen); err != nil {
		return nil, err
	}
	addrBuf := make([]byte, addrLen)
	if _, err := r.Read(addrBuf); err != nil {
		return nil, err
	}
	var argc uint16
	if err := binary.Read(r, binary.BigEndian, &argc); err != nil {
		return nil, err
	}
	args := make([]Arg, 0, argc)
	for i := uint16(0); i < argc; i++ {
		typeByte, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		a := Arg{Type: ArgType(typeByte)}
		switch a.Type {
		case ArgInt:
			if err := binary.Read(r, binary.BigEndian, &a.Int); err != nil {
				return nil, err
			}
		case ArgFloat:
			if err := binary.Read(r, binary.BigEndian, &a.Float); err != nil {
				return nil, err
			}
		case ArgBool:
			b, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			a.Bool = b != 0
		case ArgString:
			var n uint32
			if err := binary.Read(r, binary.BigEndian, &n); err != nil {
				return nil, err
			}
			sb := make([]byte, n)
			if _, err := r.Read(sb); err != nil {
				return nil, err
			}
			a.Str = string(sb)
		case ArgBlob:
			var n uint32
			if err := binary.Read(r, binary.BigEndian, &n); err != nil {
				return nil, err
			}
			bb := make([]byte, n)
			if _, err := r.Read(bb); err != nil {
				return nil, err
			}
			a.Blob = bb
		default:
			return nil, fmt.Errorf("unknown arg type %d", a.Type)
		}
		args = append(args, a)
	}
	return &Frame{Address: string(addrBuf), Args: args}, nil
}

// MatchPattern reports whether addr matches the host bus' wildcard pattern
// syntax (*, ?, [set], {a,b}).
func MatchPattern(pattern, addr string) bool {
	return matchSegment(pattern, addr)
}

func matchSegment(pattern, s string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(s); i++ {
				if matchSegment(pattern[1:], s[i:]) {
					return true
				}
			}
			return false
		case '?':
			if len(s) == 0 {
				return false
			}
			pattern, s = pattern[1:], s[1:]
		case '[':
			end := indexByte(pattern, ']')
			if end < 0 || len(s) == 0 {
				return false
			}
			set := pattern[1:end]
			if !inSet(set, s[0]) {
				return false
			}
			pattern, s = pattern[end+1:], s[1:]
		case '{':
			end := indexByte(pattern, '}')
			if end < 0 {
				return false
			}
			alts := splitComma(pattern[1:end])
			rest := pattern[end+1:]
			for _, alt := range alts {
				if matchSegment(alt+rest, s) {
					return true
				}
			}
			return false
		default:
			if len(s) == 0 || pattern[0] != s[0] {
				return false
			}
			pattern, s = pattern[1:], s[1:]
		}
	}
	return len(s) == 0
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func inSet(set string, c byte) bool {
	for i := 0; i < len(set); i++ {
		if set[i] == c {
			return true
		}
	}
	return false
}

func splitComma(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}
