package switchboard

import (
	"context"
	"io"
	"net"
	"sync"
	"time"
)

type streamState int

const (
	// local side sent SYN, awaiting the remote ACK
	streamSYNSent streamState = iota
	// remote side sent SYN, our ACK is pending acceptance
	streamSYNReceived
	// both sides agree the stream is open
	streamEstablished
	// we sent FIN; reads continue, writes fail
	streamLocalClose
	// remote sent FIN; writes continue, reads drain then EOF
	streamRemoteClose
	// both sides sent FIN
	streamClosed
	// terminal, reached from any state
	streamReset
)

// Stream is one logical, ordered, bidirectional byte stream multiplexed
// within a Session. It implements net.Conn. A Stream is created either by
// Session.OpenStream/Service.OpenStream (locally initiated) or by the remote
// peer opening it, in which case it is handed to the protocol handler that
// negotiation selects.
type Stream struct {
	id       uint32
	session  *Session
	protocol string

	sendWindow *window
	rb         *buffer

	establishOnce sync.Once
	establishCh   chan struct{}

	state         streamState
	writeErr      error
	readDeadline  time.Time
	writeDeadline time.Time
	recvWindow    int
	unacked       int
	onClose       func(error)
	closeNotified bool
	mx            sync.Mutex
}

func newStream(s *Session, id uint32, state streamState) *Stream {
	return &Stream{
		id:          id,
		session:     s,
		sendWindow:  newWindow(s.cfg.WindowSize),
		rb:          newBuffer(s.pool),
		establishCh: make(chan struct{}),
		state:       state,
		recvWindow:  s.cfg.WindowSize,
	}
}

// StreamID returns the stream's id, unique within its session for the
// session's lifetime.
func (c *Stream) StreamID() uint32 {
	return c.id
}

// Protocol returns the negotiated protocol identifier, or "" if negotiation
// has not completed.
func (c *Stream) Protocol() string {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.protocol
}

func (c *Stream) setProtocol(p string) {
	c.mx.Lock()
	c.protocol = p
	c.mx.Unlock()
}

// Session returns the session that owns this stream.
func (c *Stream) Session() *Session {
	return c.session
}

func (c *Stream) Read(p []byte) (int, error) {
	c.mx.Lock()
	deadline := c.readDeadline
	c.mx.Unlock()
	n, err := c.rb.read(p, deadline)
	if n > 0 {
		c.replenish(n)
	}
	return n, err
}

// replenish restores receive credit consumed by the reader, emitting a
// window update once enough has accumulated to be worth a frame.
func (c *Stream) replenish(n int) {
	threshold := c.session.cfg.WindowSize / c.session.cfg.WindowUpdateRatio
	var delta int
	c.mx.Lock()
	c.unacked += n
	if c.unacked >= threshold && c.state != streamReset {
		delta = c.unacked
		c.unacked = 0
		c.recvWindow += delta
	}
	c.mx.Unlock()
	if delta > 0 {
		frame := controlFrame(frameTypeWindowUpdate, 0, c.id, uint32(delta))
		if err := c.session.sendControl(frame); err != nil {
			log.Debugf("unable to send window update for stream %d: %v", c.id, err)
		}
	}
}

func (c *Stream) Write(b []byte) (int, error) {
	total := 0
	for {
		c.mx.Lock()
		deadline := c.writeDeadline
		writeErr := c.writeErr
		c.mx.Unlock()
		if writeErr != nil {
			return total, writeErr
		}
		if len(b) == 0 {
			return total, nil
		}

		max := len(b)
		if max > c.session.cfg.MaxDataLen {
			max = c.session.cfg.MaxDataLen
		}
		n, err := c.sendWindow.take(max, deadline)
		if err != nil {
			return total, err
		}

		buf := c.session.pool.getForFrame()
		putHeader(buf, frameTypeData, 0, c.id, uint32(n))
		copy(buf[headerSize:], b[:n])
		if err := c.session.sendFrame(outFrame{bytes: buf[:headerSize+n], buf: buf}, deadline); err != nil {
			// credit was debited but nothing went on the wire
			c.sendWindow.add(n)
			return total, err
		}
		total += n
		b = b[n:]
	}
}

// Close half-closes the stream locally: a FIN is sent, further writes fail,
// and reads continue until the remote side closes too. Once both sides have
// closed, the stream is removed from its session. Close is idempotent.
func (c *Stream) Close() error {
	c.mx.Lock()
	var remove bool
	switch c.state {
	case streamReset, streamClosed, streamLocalClose:
		c.mx.Unlock()
		return nil
	case streamRemoteClose:
		c.state = streamClosed
		remove = true
	default:
		c.state = streamLocalClose
	}
	c.writeErr = ErrStreamClosed
	c.mx.Unlock()

	c.sendWindow.closeWith(ErrStreamClosed)
	err := c.session.sendControl(controlFrame(frameTypeWindowUpdate, flagFIN, c.id, 0))
	if remove {
		c.session.removeStream(c.id)
		c.notifyClose(nil)
	}
	return err
}

// Reset abruptly terminates both directions of the stream: buffered data is
// discarded, blocked reads and writes fail with ErrStreamReset, and an RST
// frame tells the remote peer to do the same.
func (c *Stream) Reset() error {
	if !c.terminate(ErrStreamReset, ErrStreamReset) {
		return nil
	}
	err := c.session.sendControl(controlFrame(frameTypeWindowUpdate, flagRST, c.id, 0))
	c.session.removeStream(c.id)
	c.notifyClose(ErrStreamReset)
	return err
}

// resetFromRemote handles an RST frame from the peer. No RST is sent back
// since the other end is already gone.
func (c *Stream) resetFromRemote() {
	if !c.terminate(ErrStreamReset, ErrStreamReset) {
		return
	}
	c.session.removeStream(c.id)
	c.notifyClose(ErrStreamReset)
}

// forceClose terminates the stream because its session is going away.
// Blocked operations observe err rather than hanging.
func (c *Stream) forceClose(err error) {
	if !c.terminate(err, err) {
		return
	}
	c.notifyClose(err)
}

// terminate moves the stream to the reset state, waking all blocked readers
// and writers. It reports whether this call performed the transition.
func (c *Stream) terminate(readErr, writeErr error) bool {
	c.mx.Lock()
	if c.state == streamReset {
		c.mx.Unlock()
		return false
	}
	alreadyClosed := c.state == streamClosed
	c.state = streamReset
	c.writeErr = writeErr
	c.mx.Unlock()

	c.rb.closeWith(readErr, true)
	c.sendWindow.closeWith(writeErr)
	// wake an OpenStream blocked on establishment
	c.establishOnce.Do(func() { close(c.establishCh) })
	return !alreadyClosed
}

// handleData processes an inbound data frame. A payload larger than the
// credit we advertised is a fatal protocol violation.
func (c *Stream) handleData(f frame) error {
	if f.length > 0 {
		c.mx.Lock()
		if int(f.length) > c.recvWindow {
			c.mx.Unlock()
			c.session.releaseFrame(f)
			return ErrRecvWindowExceeded
		}
		c.recvWindow -= int(f.length)
		c.mx.Unlock()
		c.rb.write(f.payload, f.buf)
	}
	c.processFlags(f.flags)
	return nil
}

// handleWindowUpdate processes an inbound window update frame.
func (c *Stream) handleWindowUpdate(f frame) {
	c.processFlags(f.flags)
	if f.length > 0 {
		c.sendWindow.add(int(f.length))
	}
}

func (c *Stream) processFlags(flags uint16) {
	if flags&flagACK != 0 {
		c.mx.Lock()
		if c.state == streamSYNSent {
			c.state = streamEstablished
		}
		c.mx.Unlock()
		c.establishOnce.Do(func() { close(c.establishCh) })
	}
	if flags&flagFIN != 0 {
		c.mx.Lock()
		var remove bool
		switch c.state {
		case streamSYNSent, streamSYNReceived, streamEstablished:
			c.state = streamRemoteClose
		case streamLocalClose:
			c.state = streamClosed
			remove = true
		}
		c.mx.Unlock()
		c.rb.closeWith(io.EOF, false)
		if remove {
			c.session.removeStream(c.id)
			c.notifyClose(nil)
		}
	}
	if flags&flagRST != 0 {
		c.resetFromRemote()
	}
}

// waitEstablished blocks until the remote ACKs the stream, the timeout
// passes, ctx is done, or the stream/session dies.
func (c *Stream) waitEstablished(ctx context.Context, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-c.establishCh:
		c.mx.Lock()
		established := c.state != streamReset
		c.mx.Unlock()
		if !established {
			return ErrStreamReset
		}
		return nil
	case <-c.session.shutdownCh:
		return c.session.shutdownError()
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return ErrTimeout
	}
}

// notifyClose fires the stream's close callback exactly once. The callback
// may block on a handler queue, so it runs off the session's loops.
func (c *Stream) notifyClose(err error) {
	c.mx.Lock()
	notified := c.closeNotified
	c.closeNotified = true
	cb := c.onClose
	c.mx.Unlock()
	if notified || cb == nil {
		return
	}
	c.session.spawn(func() { cb(err) })
}

func (c *Stream) setOnClose(cb func(error)) {
	c.mx.Lock()
	c.onClose = cb
	c.mx.Unlock()
}

// WindowStats reports the stream's flow-control state for observability.
type WindowStats struct {
	// SendAvailable is the number of bytes we may still send before the
	// remote must grant more credit.
	SendAvailable int
	// RecvBuffered is the number of received bytes not yet consumed by the
	// application.
	RecvBuffered int
	// RecvCredit is the number of bytes the remote may still send.
	RecvCredit int
}

// Stats returns a snapshot of the stream's window state.
func (c *Stream) Stats() WindowStats {
	c.mx.Lock()
	credit := c.recvWindow
	c.mx.Unlock()
	return WindowStats{
		SendAvailable: c.sendWindow.size(),
		RecvBuffered:  c.rb.buffered(),
		RecvCredit:    credit,
	}
}

func (c *Stream) LocalAddr() net.Addr {
	return c.session.conn.LocalAddr()
}

func (c *Stream) RemoteAddr() net.Addr {
	return c.session.conn.RemoteAddr()
}

func (c *Stream) SetDeadline(t time.Time) error {
	c.mx.Lock()
	c.readDeadline = t
	c.writeDeadline = t
	c.mx.Unlock()
	return nil
}

func (c *Stream) SetReadDeadline(t time.Time) error {
	c.mx.Lock()
	c.readDeadline = t
	c.mx.Unlock()
	return nil
}

func (c *Stream) SetWriteDeadline(t time.Time) error {
	c.mx.Lock()
	c.writeDeadline = t
	c.mx.Unlock()
	return nil
}
