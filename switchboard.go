// Package switchboard multiplexes many independent, ordered, flow-controlled
// logical byte streams ("streams") over a single physical connection between
// two peers and dispatches each stream to a registered protocol handler.
//
// Switchboard is transport- and crypto-agnostic: it sits on top of any
// ordered, reliable, bidirectional net.Conn. If confidentiality is needed,
// wrap the underlying connection in TLS (or any other secure channel) before
// handing it to switchboard; the multiplexer performs no cryptography itself.
//
// Definitions:
//
//	physical connection - an underlying (e.g. TCP or TLS) connection
//
//	stream              - a virtual connection multiplexed over a physical
//	                      connection
//
//	session             - unit for managing multiplexed streams, corresponds
//	                      1 to 1 with a physical connection
//
//	protocol            - a named application behavior ("echo/1.0.0") whose
//	                      handler owns streams negotiated for it
//
// Framing:
//
//	All numeric fields are unsigned integers in BigEndian format. Every
//	frame starts with a fixed 12-byte header:
//
//	  +---------+------+-------+-----------+--------+
//	  | Version | Type | Flags | Stream ID | Length |
//	  +---------+------+-------+-----------+--------+
//	  |    1    |  1   |   2   |     4     |   4    |
//	  +---------+------+-------+-----------+--------+
//
//	  Version - the version of the protocol (currently 0)
//
//	  Type    - 0 = data, 1 = window update, 2 = ping, 3 = go away
//
//	  Flags   - bitwise OR of SYN (0x1), ACK (0x2), FIN (0x4), RST (0x8)
//
//	  Length  - number of payload bytes following the header (data), window
//	            delta in bytes (window update), opaque ping identifier
//	            (ping) or termination code (go away)
//
//	Only data frames carry a payload. Stream IDs are parity partitioned:
//	the side that initiated the physical connection opens odd-numbered
//	streams, the accepting side opens even-numbered ones, and IDs are never
//	reused within a session.
//
// Flow Control:
//
//	Flow control is managed with byte-granular windows similarly to HTTP/2.
//
//	  - each direction of a stream has its own window, initialized to the
//	    session's window size at stream open
//	  - as the sender transmits data, its window decreases by the number of
//	    payload bytes sent
//	  - a sender whose window reaches 0 suspends until new credit arrives
//	  - as the receiving application consumes buffered bytes, the receiver
//	    sends window updates restoring the sender's credit; credit is
//	    replenished in increments (window size / WindowUpdateRatio) rather
//	    than byte-for-byte to avoid tiny-update storms
//	  - windows are per-stream, so one slow consumer never stalls its
//	    siblings or the session itself
//
// Protocol Negotiation:
//
//	The first bytes of a newly opened stream carry the requested protocol
//	identifier, uvarint-length-prefixed. The accepting side echoes the
//	identifier if a handler is registered for it, or answers with a
//	zero-length identifier and closes the stream if not.
package switchboard

import (
	"encoding/binary"
	"time"

	"github.com/getlantern/golog"
	"github.com/oxtoacart/bpool"
)

const (
	protoVersion = 0

	headerSize = 12

	// frame types
	frameTypeData         = 0
	frameTypeWindowUpdate = 1
	frameTypePing         = 2
	frameTypeGoAway       = 3

	// header flags
	flagSYN uint16 = 0x1
	flagACK uint16 = 0x2
	flagFIN uint16 = 0x4
	flagRST uint16 = 0x8

	// go away termination codes
	goAwayNormal      = 0
	goAwayProtoErr    = 1
	goAwayInternalErr = 2

	// DefaultWindowSize is the initial per-stream receive window in bytes.
	DefaultWindowSize = 256 * 1024

	// DefaultMaxDataLen is the maximum payload carried by a single data
	// frame. Both peers must agree on this limit since frames exceeding it
	// are treated as a framing error.
	DefaultMaxDataLen = 64 * 1024

	defaultAcceptBacklog     = 256
	defaultHandlerBacklog    = 64
	defaultEventBacklog      = 128
	defaultWindowUpdateRatio = 10
	defaultOpenTimeout       = 10 * time.Second
	defaultNegotiateTimeout  = 10 * time.Second
	defaultWriteTimeout      = 10 * time.Second
	defaultPingTimeout       = 10 * time.Second

	// control stream id, used by ping and go away frames
	controlStreamID = 0

	maxProtocolIDLen = 1024
)

var (
	log = golog.LoggerFor("switchboard")

	// ErrTimeout indicates that an i/o operation timed out.
	ErrTimeout = &netError{"i/o timeout", true, true}
	// ErrSessionClosed indicates that an operation was attempted on a closed
	// session, or that a stream's session closed underneath it.
	ErrSessionClosed = &netError{"session closed", false, false}
	// ErrBrokenPipe indicates that the session's underlying connection isn't
	// working anymore.
	ErrBrokenPipe = &netError{"broken pipe", false, false}
	// ErrStreamClosed indicates that an i/o operation was attempted on a
	// closed stream.
	ErrStreamClosed = &netError{"stream closed", false, false}
	// ErrStreamReset indicates that the stream was reset, locally or by the
	// remote peer.
	ErrStreamReset = &netError{"stream reset", false, false}
	// ErrRemoteGoAway indicates that the remote side is no longer accepting
	// new streams on this session.
	ErrRemoteGoAway = &netError{"remote end is not accepting new streams", false, false}
	// ErrStreamsExhausted indicates that the session ran out of stream IDs.
	ErrStreamsExhausted = &netError{"stream ids exhausted", false, false}
	// ErrTooManyStreams indicates that opening a stream would exceed the
	// configured per-session stream limit.
	ErrTooManyStreams = &netError{"too many streams", false, true}
	// ErrProtocolUnsupported indicates that the remote peer has no handler
	// registered for the requested protocol.
	ErrProtocolUnsupported = &netError{"protocol unsupported", false, false}
	// ErrListenerClosed indicates that an Accept was attempted on a closed
	// listener.
	ErrListenerClosed = &netError{"listener closed", false, false}
	// ErrKeepAliveTimeout indicates that the remote peer stopped answering
	// pings.
	ErrKeepAliveTimeout = &netError{"keepalive timeout", false, false}

	// ErrInvalidVersion indicates a frame header with an unknown version, a
	// fatal framing error.
	ErrInvalidVersion = &netError{"invalid protocol version", false, false}
	// ErrInvalidFrameType indicates a frame header with an unknown type, a
	// fatal framing error.
	ErrInvalidFrameType = &netError{"invalid frame type", false, false}
	// ErrFrameTooLarge indicates a data frame whose length exceeds the
	// configured maximum, a fatal framing error.
	ErrFrameTooLarge = &netError{"frame exceeds maximum data length", false, false}
	// ErrRecvWindowExceeded indicates that the remote peer sent more data
	// than its window allowed, a fatal protocol error.
	ErrRecvWindowExceeded = &netError{"receive window exceeded", false, false}
	// ErrDuplicateStream indicates that the remote peer opened a stream with
	// an ID that is already in use, a fatal protocol error.
	ErrDuplicateStream = &netError{"duplicate stream id", false, false}
	// ErrInvalidStreamID indicates that the remote peer opened a stream with
	// an ID of the wrong parity, a fatal protocol error.
	ErrInvalidStreamID = &netError{"invalid stream id", false, false}
	// ErrRemoteProtoError indicates that the remote peer terminated the
	// session because we violated the framing protocol.
	ErrRemoteProtoError = &netError{"remote peer reported protocol error", false, false}
	// ErrRemoteInternalError indicates that the remote peer terminated the
	// session due to an internal error.
	ErrRemoteInternalError = &netError{"remote peer reported internal error", false, false}

	binaryEncoding = binary.BigEndian
)

// netError implements the interface net.Error
type netError struct {
	err       string
	timeout   bool
	temporary bool
}

func (e *netError) Error() string   { return e.err }
func (e *netError) Timeout() bool   { return e.timeout }
func (e *netError) Temporary() bool { return e.temporary }

// BufferPool is a pool of reusable buffers
type BufferPool interface {
	// getForFrame gets a complete buffer large enough to hold an entire
	// frame (header plus maximum payload)
	getForFrame() []byte

	// Put returns a buffer back to the pool, indicating that it is safe to
	// reuse.
	Put([]byte)
}

// NewBufferPool constructs a BufferPool holding up to maxBuffers frame-sized
// buffers for frames with payloads up to maxDataLen.
func NewBufferPool(maxBuffers int, maxDataLen int) BufferPool {
	return &bufferPool{bpool.NewBytePool(maxBuffers, headerSize+maxDataLen)}
}

type bufferPool struct {
	pool *bpool.BytePool
}

func (p *bufferPool) getForFrame() []byte {
	return p.pool.Get()
}

func (p *bufferPool) Put(b []byte) {
	p.pool.Put(b[:cap(b)])
}

// Config configures a Service and the sessions it creates.
type Config struct {
	// WindowSize - initial per-stream receive window in bytes. If <= 0,
	// defaults to DefaultWindowSize.
	WindowSize int

	// MaxDataLen - maximum payload of a single data frame. Must match on
	// both peers. If <= 0, defaults to DefaultMaxDataLen.
	MaxDataLen int

	// WindowUpdateRatio - a window update is sent once the local reader has
	// consumed at least WindowSize/WindowUpdateRatio bytes. If <= 0,
	// defaults to 10. This is a performance knob, not a correctness
	// parameter.
	WindowUpdateRatio int

	// MaxStreams - limits the number of live streams per session. If <= 0,
	// streams are unlimited.
	MaxStreams int

	// AcceptBacklog - how many incoming streams may be pending acceptance
	// before further opens are refused. If <= 0, defaults to 256.
	AcceptBacklog int

	// HandlerBacklog - size of the event queue feeding each session-scoped
	// protocol handler. If <= 0, defaults to 64.
	HandlerBacklog int

	// EventBacklog - size of the queue feeding application callbacks. If
	// <= 0, defaults to 128.
	EventBacklog int

	// OpenTimeout - how long an OpenStream waits for the remote to
	// acknowledge the new stream. If <= 0, defaults to 10 seconds.
	OpenTimeout time.Duration

	// NegotiateTimeout - bounds the protocol negotiation exchange on a new
	// stream. If <= 0, defaults to 10 seconds.
	NegotiateTimeout time.Duration

	// WriteTimeout - per-write deadline on the underlying connection. If
	// <= 0, defaults to 10 seconds.
	WriteTimeout time.Duration

	// PingInterval - how frequently to ping the peer to verify liveness and
	// measure RTT. Set to 0 to disable keepalive pings.
	PingInterval time.Duration

	// PingTimeout - how long to wait for a ping response before declaring
	// the session dead. If <= 0, defaults to 10 seconds.
	PingTimeout time.Duration

	// IdleTimeout - if > 0, sessions whose underlying connection sees no
	// activity for this long are closed.
	IdleTimeout time.Duration

	// Pool - BufferPool to use. If nil, a pool sized for 1024 in-flight
	// frames is created.
	Pool BufferPool
}

// withDefaults returns a copy of cfg with all unset fields populated.
func (cfg Config) withDefaults() Config {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.MaxDataLen <= 0 {
		cfg.MaxDataLen = DefaultMaxDataLen
	}
	if cfg.WindowUpdateRatio <= 0 {
		cfg.WindowUpdateRatio = defaultWindowUpdateRatio
	}
	if cfg.AcceptBacklog <= 0 {
		cfg.AcceptBacklog = defaultAcceptBacklog
	}
	if cfg.HandlerBacklog <= 0 {
		cfg.HandlerBacklog = defaultHandlerBacklog
	}
	if cfg.EventBacklog <= 0 {
		cfg.EventBacklog = defaultEventBacklog
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = defaultOpenTimeout
	}
	if cfg.NegotiateTimeout <= 0 {
		cfg.NegotiateTimeout = defaultNegotiateTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = defaultPingTimeout
	}
	if cfg.Pool == nil {
		cfg.Pool = NewBufferPool(1024, cfg.MaxDataLen)
	}
	return cfg
}
