package switchboard

import (
	"context"
	"io"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getlantern/ema"
	"github.com/getlantern/mtime"
	"github.com/getlantern/ops"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// number of recently dead stream ids remembered so that late frames for them
// can be dropped silently
const deadStreamMemory = 1024

// outFrame is one fully encoded frame awaiting serialization onto the
// physical connection. buf, if non-nil, is the pooled buffer backing bytes.
type outFrame struct {
	bytes []byte
	buf   []byte
}

// Session encapsulates the multiplexing of streams onto a single physical
// net.Conn. One side of the physical connection is the client (it opens
// odd-numbered streams), the other the server (even-numbered); beyond id
// parity the two sides behave identically.
//
// A session runs two background tasks: a receive loop that decodes inbound
// frames and routes them to streams, and a send loop that serializes
// outbound frames from all streams onto the connection. Frames from
// different streams interleave in enqueue order; a stream writer enqueues at
// most one window-granted chunk at a time, so no ready stream can starve its
// siblings.
type Session struct {
	id       string
	conn     net.Conn
	isClient bool
	cfg      Config
	pool     BufferPool

	nextID uint32 // atomic

	localGoAway    int32 // atomic
	remoteGoAway   int32 // atomic
	remoteGoAwayCh chan struct{}

	streams   map[uint32]*Stream
	dead      *lru.Cache[uint32, struct{}]
	streamsMx sync.Mutex

	synCh    chan struct{}
	acceptCh chan *Stream
	sendCh   chan outFrame

	pings   map[uint32]chan struct{}
	pingID  uint32
	pingsMx sync.Mutex
	emaRTT  *ema.EMA

	shutdown    bool
	shutdownErr error
	shutdownCh  chan struct{}
	shutdownMx  sync.Mutex

	onClose func(*Session, error)
}

// newSession starts a session on the given net.Conn. cfg must already have
// defaults applied. If onClose is provided it is invoked exactly once, after
// the session's streams have been torn down, with the session's terminal
// error (ErrSessionClosed for a deliberate close).
func newSession(cfg Config, conn net.Conn, isClient bool, onClose func(*Session, error)) *Session {
	dead, _ := lru.New[uint32, struct{}](deadStreamMemory)
	s := &Session{
		id:             uuid.NewString(),
		conn:           conn,
		isClient:       isClient,
		cfg:            cfg,
		pool:           cfg.Pool,
		remoteGoAwayCh: make(chan struct{}),
		streams:        make(map[uint32]*Stream),
		dead:           dead,
		synCh:          make(chan struct{}, cfg.AcceptBacklog),
		acceptCh:       make(chan *Stream, cfg.AcceptBacklog),
		sendCh:         make(chan outFrame, 128),
		pings:          make(map[uint32]chan struct{}),
		emaRTT:         ema.NewDuration(0, 0.5),
		shutdownCh:     make(chan struct{}),
		onClose:        onClose,
	}
	if isClient {
		s.nextID = 1
	} else {
		s.nextID = 2
	}
	s.spawn(s.recvLoop)
	s.spawn(s.sendLoop)
	if cfg.PingInterval > 0 {
		s.spawn(s.keepalive)
	}
	return s
}

func (s *Session) spawn(fn func()) {
	ops.Go(fn)
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// IsClient indicates whether the local side initiated the physical
// connection.
func (s *Session) IsClient() bool {
	return s.isClient
}

func (s *Session) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// NumStreams returns the number of live streams.
func (s *Session) NumStreams() int {
	s.streamsMx.Lock()
	defer s.streamsMx.Unlock()
	return len(s.streams)
}

// RTT returns the smoothed round-trip time measured by keepalive pings, or 0
// if no ping has completed yet.
func (s *Session) RTT() time.Duration {
	return s.emaRTT.GetDuration()
}

// StreamStats returns flow-control stats for the identified stream, if it is
// live.
func (s *Session) StreamStats(id uint32) (WindowStats, bool) {
	s.streamsMx.Lock()
	c := s.streams[id]
	s.streamsMx.Unlock()
	if c == nil {
		return WindowStats{}, false
	}
	return c.Stats(), true
}

// IsClosed reports whether the session has been shut down.
func (s *Session) IsClosed() bool {
	select {
	case <-s.shutdownCh:
		return true
	default:
		return false
	}
}

func (s *Session) shutdownError() error {
	s.shutdownMx.Lock()
	defer s.shutdownMx.Unlock()
	if s.shutdownErr == nil {
		return ErrSessionClosed
	}
	return s.shutdownErr
}

// OpenStream opens a new outbound stream, blocking until the remote peer
// acknowledges it, the configured open timeout elapses, or ctx is done.
func (s *Session) OpenStream(ctx context.Context) (*Stream, error) {
	if s.IsClosed() {
		return nil, s.shutdownError()
	}
	if atomic.LoadInt32(&s.remoteGoAway) == 1 || atomic.LoadInt32(&s.localGoAway) == 1 {
		return nil, ErrRemoteGoAway
	}
	if s.cfg.MaxStreams > 0 && s.NumStreams() >= s.cfg.MaxStreams {
		return nil, ErrTooManyStreams
	}

	// bound the number of SYNs in flight
	select {
	case s.synCh <- struct{}{}:
	case <-s.shutdownCh:
		return nil, s.shutdownError()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() {
		<-s.synCh
	}()

	var id uint32
	for {
		id = atomic.LoadUint32(&s.nextID)
		if id > math.MaxUint32-2 {
			return nil, ErrStreamsExhausted
		}
		if atomic.CompareAndSwapUint32(&s.nextID, id, id+2) {
			break
		}
	}

	c := newStream(s, id, streamSYNSent)
	s.streamsMx.Lock()
	s.streams[id] = c
	s.streamsMx.Unlock()

	if err := s.sendControl(controlFrame(frameTypeWindowUpdate, flagSYN, id, 0)); err != nil {
		s.removeStream(id)
		return nil, err
	}

	if err := c.waitEstablished(ctx, s.cfg.OpenTimeout); err != nil {
		if err == ErrTimeout || err == context.Canceled || err == context.DeadlineExceeded {
			// tear down just this stream, the session stays healthy
			_ = c.Reset()
		}
		return nil, err
	}
	return c, nil
}

// AcceptStream blocks until the remote peer opens a new stream, the session
// closes, or ctx is done. Streams already pending are returned even after a
// remote go away.
func (s *Session) AcceptStream(ctx context.Context) (*Stream, error) {
	select {
	case c := <-s.acceptCh:
		return s.prepareAccepted(c)
	default:
	}
	select {
	case c := <-s.acceptCh:
		return s.prepareAccepted(c)
	case <-s.remoteGoAwayCh:
		return nil, ErrRemoteGoAway
	case <-s.shutdownCh:
		return nil, s.shutdownError()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// prepareAccepted acknowledges a newly accepted stream.
func (s *Session) prepareAccepted(c *Stream) (*Stream, error) {
	c.mx.Lock()
	if c.state == streamSYNReceived {
		c.state = streamEstablished
	}
	c.mx.Unlock()
	if err := s.sendControl(controlFrame(frameTypeWindowUpdate, flagACK, c.id, 0)); err != nil {
		c.forceClose(err)
		s.removeStream(c.id)
		return nil, err
	}
	return c, nil
}

// GoAway tells the remote peer to stop opening new streams on this session.
// Existing streams are unaffected.
func (s *Session) GoAway() error {
	atomic.StoreInt32(&s.localGoAway, 1)
	return s.sendControl(controlFrame(frameTypeGoAway, 0, controlStreamID, goAwayNormal))
}

// Ping measures the round-trip time to the remote peer.
func (s *Session) Ping() (time.Duration, error) {
	ch := make(chan struct{})
	s.pingsMx.Lock()
	id := s.pingID
	for {
		if _, exists := s.pings[id]; !exists {
			break
		}
		id++
	}
	s.pingID = id + 1
	s.pings[id] = ch
	s.pingsMx.Unlock()

	start := mtime.Now()
	if err := s.sendControl(controlFrame(frameTypePing, flagSYN, controlStreamID, id)); err != nil {
		s.pingsMx.Lock()
		delete(s.pings, id)
		s.pingsMx.Unlock()
		return 0, err
	}

	t := time.NewTimer(s.cfg.PingTimeout)
	defer t.Stop()
	select {
	case <-ch:
		rtt := mtime.Now().Sub(start)
		s.emaRTT.UpdateDuration(rtt)
		return rtt, nil
	case <-t.C:
		s.pingsMx.Lock()
		delete(s.pings, id) // ignore a response that comes later
		s.pingsMx.Unlock()
		return 0, ErrTimeout
	case <-s.shutdownCh:
		return 0, s.shutdownError()
	}
}

// keepalive periodically pings the peer; an unanswered ping is fatal to the
// session.
func (s *Session) keepalive() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := s.Ping(); err != nil {
				if !s.IsClosed() {
					log.Errorf("session %v: keepalive failed: %v", s.id, err)
					s.exitErr(ErrKeepAliveTimeout)
				}
				return
			}
		case <-s.shutdownCh:
			return
		}
	}
}

// Close shuts the session down: a go away is sent on a best-effort basis,
// all live streams are forcibly reset (blocked operations on them return
// errors rather than hang), and the physical connection is closed. Close is
// idempotent.
func (s *Session) Close() error {
	s.closeWithError(ErrSessionClosed)
	return nil
}

// exitErr terminates the session because of err (transport failure, framing
// violation, keepalive timeout).
func (s *Session) exitErr(err error) {
	s.closeWithError(err)
}

func (s *Session) closeWithError(err error) {
	s.shutdownMx.Lock()
	if s.shutdown {
		s.shutdownMx.Unlock()
		return
	}
	s.shutdown = true
	if s.shutdownErr == nil {
		s.shutdownErr = err
	}
	terminal := s.shutdownErr
	s.shutdownMx.Unlock()

	// best effort: let the peer know we're going away while the send loop is
	// still draining
	select {
	case s.sendCh <- outFrame{bytes: controlFrame(frameTypeGoAway, 0, controlStreamID, goAwayNormal)}:
	default:
	}

	close(s.shutdownCh)
	_ = s.conn.Close()

	s.streamsMx.Lock()
	streams := make([]*Stream, 0, len(s.streams))
	for _, c := range s.streams {
		streams = append(streams, c)
	}
	s.streams = make(map[uint32]*Stream)
	s.streamsMx.Unlock()
	for _, c := range streams {
		c.forceClose(terminal)
	}

	if s.onClose != nil {
		s.onClose(s, terminal)
	}
}

// removeStream drops a stream from the live set and remembers its id so that
// late frames for it are discarded silently.
func (s *Session) removeStream(id uint32) {
	s.streamsMx.Lock()
	delete(s.streams, id)
	s.dead.Add(id, struct{}{})
	s.streamsMx.Unlock()
}

func (s *Session) getStream(id uint32) *Stream {
	s.streamsMx.Lock()
	defer s.streamsMx.Unlock()
	return s.streams[id]
}

func (s *Session) releaseFrame(f frame) {
	if f.buf != nil {
		s.pool.Put(f.buf)
	}
}

// sendFrame enqueues a frame for the send loop, preserving per-stream order.
// It blocks until there is room, the deadline (or the configured write
// timeout) passes, or the session shuts down.
func (s *Session) sendFrame(f outFrame, deadline time.Time) error {
	if deadline.IsZero() {
		deadline = time.Now().Add(s.cfg.WriteTimeout)
	}
	t := time.NewTimer(time.Until(deadline))
	defer t.Stop()
	select {
	case s.sendCh <- f:
		return nil
	case <-s.shutdownCh:
		if f.buf != nil {
			s.pool.Put(f.buf)
		}
		return s.shutdownError()
	case <-t.C:
		if f.buf != nil {
			s.pool.Put(f.buf)
		}
		return ErrTimeout
	}
}

func (s *Session) sendControl(b []byte) error {
	return s.sendFrame(outFrame{bytes: b}, time.Time{})
}

// sendControlBestEffort enqueues a control frame without blocking. It is
// used from the receive loop, which must never stall on the send path; a
// saturated send queue drops the frame.
func (s *Session) sendControlBestEffort(b []byte) {
	select {
	case s.sendCh <- outFrame{bytes: b}:
	default:
		log.Debugf("session %v: send queue saturated, dropping control frame", s.id)
	}
}

// sendLoop is a long-running task that serializes frames from all streams
// and the control plane onto the physical connection.
func (s *Session) sendLoop() {
	for {
		select {
		case f := <-s.sendCh:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			_, err := s.conn.Write(f.bytes)
			if f.buf != nil {
				s.pool.Put(f.buf)
			}
			if err != nil {
				s.exitErr(&writeError{err})
				return
			}
		case <-s.shutdownCh:
			return
		}
	}
}

// recvLoop is a long-running task that decodes inbound frames and routes
// them to streams and the control plane.
func (s *Session) recvLoop() {
	decoder := newFrameDecoder(s.cfg.MaxDataLen, s.pool)
	buf := make([]byte, 64*1024)
	var frames []frame
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			var derr error
			frames, derr = decoder.decode(buf[:n], frames[:0])
			if log.IsTraceEnabled() {
				log.Tracef("session %v: decoded %d frames from %d bytes", s.id, len(frames), n)
			}
			for i, f := range frames {
				if herr := s.handleFrame(f); herr != nil {
					// the byte boundary can no longer be trusted
					for _, rest := range frames[i+1:] {
						s.releaseFrame(rest)
					}
					s.sendControlBestEffort(controlFrame(frameTypeGoAway, 0, controlStreamID, goAwayProtoErr))
					s.exitErr(herr)
					return
				}
			}
			if derr != nil {
				log.Errorf("session %v: framing error: %v", s.id, derr)
				s.sendControlBestEffort(controlFrame(frameTypeGoAway, 0, controlStreamID, goAwayProtoErr))
				s.exitErr(derr)
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				// the transport should never run out of bytes unless the
				// session was closed first
				err = ErrBrokenPipe
			}
			s.exitErr(err)
			return
		}
	}
}

func (s *Session) handleFrame(f frame) error {
	switch f.ftype {
	case frameTypeData, frameTypeWindowUpdate:
		return s.handleStreamFrame(f)
	case frameTypePing:
		s.handlePing(f)
		return nil
	case frameTypeGoAway:
		return s.handleGoAway(f)
	}
	return nil
}

func (s *Session) handleStreamFrame(f frame) error {
	if f.flags&flagSYN != 0 {
		if err := s.incomingStream(f.streamID); err != nil {
			s.releaseFrame(f)
			return err
		}
	}

	c := s.getStream(f.streamID)
	if c == nil {
		// late frame for a stream we already reset or closed
		wasDead, _ := s.dead.ContainsOrAdd(f.streamID, struct{}{})
		s.releaseFrame(f)
		if !wasDead {
			log.Debugf("session %v: discarding frame for unknown stream %d", s.id, f.streamID)
		}
		return nil
	}

	if f.ftype == frameTypeWindowUpdate {
		c.handleWindowUpdate(f)
		return nil
	}
	return c.handleData(f)
}

// incomingStream registers a stream the remote peer just opened and queues
// it for acceptance.
func (s *Session) incomingStream(id uint32) error {
	// the peer must use the opposite parity from ours
	if s.isClient == (id%2 == 1) {
		log.Errorf("session %v: remote opened stream %d with our id parity", s.id, id)
		return ErrInvalidStreamID
	}

	if atomic.LoadInt32(&s.localGoAway) == 1 {
		// we told the peer to stop; refuse the stream without killing the
		// session
		s.sendControlBestEffort(controlFrame(frameTypeWindowUpdate, flagRST, id, 0))
		return nil
	}

	c := newStream(s, id, streamSYNReceived)

	s.streamsMx.Lock()
	if _, exists := s.streams[id]; exists {
		s.streamsMx.Unlock()
		log.Errorf("session %v: duplicate stream id %d", s.id, id)
		return ErrDuplicateStream
	}
	if s.dead.Contains(id) {
		s.streamsMx.Unlock()
		log.Errorf("session %v: remote reused dead stream id %d", s.id, id)
		return ErrDuplicateStream
	}
	if s.cfg.MaxStreams > 0 && len(s.streams) >= s.cfg.MaxStreams {
		s.streamsMx.Unlock()
		s.sendControlBestEffort(controlFrame(frameTypeWindowUpdate, flagRST, id, 0))
		return nil
	}
	s.streams[id] = c
	s.streamsMx.Unlock()

	select {
	case s.acceptCh <- c:
		return nil
	default:
		// accept backlog exceeded, refuse the stream
		log.Debugf("session %v: accept backlog exceeded, resetting stream %d", s.id, id)
		s.removeStream(id)
		s.sendControlBestEffort(controlFrame(frameTypeWindowUpdate, flagRST, id, 0))
		return nil
	}
}

func (s *Session) handlePing(f frame) {
	if f.flags&flagSYN != 0 {
		s.sendControlBestEffort(controlFrame(frameTypePing, flagACK, controlStreamID, f.length))
		return
	}
	s.pingsMx.Lock()
	ch := s.pings[f.length]
	if ch != nil {
		delete(s.pings, f.length)
		close(ch)
	}
	s.pingsMx.Unlock()
}

func (s *Session) handleGoAway(f frame) error {
	switch f.length {
	case goAwayNormal:
		if atomic.SwapInt32(&s.remoteGoAway, 1) == 0 {
			close(s.remoteGoAwayCh)
		}
		return nil
	case goAwayProtoErr:
		log.Errorf("session %v: remote reported a protocol error", s.id)
		return ErrRemoteProtoError
	case goAwayInternalErr:
		log.Errorf("session %v: remote reported an internal error", s.id)
		return ErrRemoteInternalError
	default:
		log.Errorf("session %v: unexpected go away code %d", s.id, f.length)
		return ErrRemoteProtoError
	}
}

// writeError wraps transport write failures so they surface as broken pipe
// to blocked operations while preserving the cause for logs.
type writeError struct {
	cause error
}

func (e *writeError) Error() string   { return ErrBrokenPipe.Error() + ": " + e.cause.Error() }
func (e *writeError) Timeout() bool   { return false }
func (e *writeError) Temporary() bool { return false }
func (e *writeError) Unwrap() error   { return e.cause }
