package switchboard

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/getlantern/errors"
	"github.com/getlantern/ops"
	"github.com/multiformats/go-varint"
)

// dispatcher owns protocol negotiation and handler routing for the inbound
// streams of one session. It runs the session's accept loop as a background
// task and never executes handler logic on the session's receive loop:
// stream-scoped handlers get their own goroutine, session-scoped handlers a
// bounded event queue drained by one goroutine.
type dispatcher struct {
	svc     *Service
	session *Session
	queues  map[string]*handlerQueue
	mx      sync.Mutex
}

func newDispatcher(svc *Service, session *Session) *dispatcher {
	d := &dispatcher{
		svc:     svc,
		session: session,
		queues:  make(map[string]*handlerQueue),
	}
	ops.Go(d.run)
	return d
}

func (d *dispatcher) run() {
	for {
		c, err := d.session.AcceptStream(context.Background())
		if err != nil {
			if err == ErrRemoteGoAway {
				// no new streams will arrive, but existing ones may finish;
				// stay alive until the session actually closes
				<-d.session.shutdownCh
			}
			return
		}
		ops.Go(func() { d.dispatch(c) })
	}
}

// dispatch negotiates the protocol for a newly accepted stream and hands it
// to the registered handler.
func (d *dispatcher) dispatch(c *Stream) {
	_ = c.SetDeadline(time.Now().Add(d.svc.cfg.NegotiateTimeout))

	id, err := readProtocolID(c)
	if err != nil {
		log.Debugf("session %v: negotiation failed on stream %d: %v", d.session.id, c.StreamID(), err)
		_ = c.Reset()
		return
	}

	p, found := d.svc.protocol(id)
	if !found {
		// answer with a zero-length identifier so the opener learns the
		// protocol is unsupported, then close; no handler is instantiated
		log.Debugf("session %v: no handler for protocol %q, refusing stream %d", d.session.id, id, c.StreamID())
		_ = writeProtocolID(c, "")
		_ = c.Close()
		return
	}

	if err := writeProtocolID(c, id); err != nil {
		_ = c.Reset()
		return
	}
	_ = c.SetDeadline(time.Time{})
	c.setProtocol(id)

	switch p.Scope {
	case ScopeStream:
		d.runStreamHandler(p, c)
	case ScopeSession:
		q := d.queue(p)
		c.setOnClose(func(err error) {
			q.enqueue(handlerEvent{closed: true, streamID: c.StreamID(), err: err})
		})
		q.enqueue(handlerEvent{stream: c})
	}
}

// runStreamHandler runs a fresh handler for one stream. A panicking handler
// resets its own stream and nothing else.
func (d *dispatcher) runStreamHandler(p Protocol, c *Stream) {
	defer func() {
		if r := recover(); r != nil {
			err := errors.New("handler for protocol %v panicked: %v", p.ID, r)
			log.Error(err)
			_ = c.Reset()
			d.svc.emitError(d.session, err)
		}
	}()
	h := p.NewStreamHandler()
	h.HandleStream(c)
	_ = c.Close()
}

// queue returns the session's event queue for a session-scoped protocol,
// creating the handler instance on first use.
func (d *dispatcher) queue(p Protocol) *handlerQueue {
	d.mx.Lock()
	defer d.mx.Unlock()
	q := d.queues[p.ID]
	if q == nil {
		q = newHandlerQueue(d, p)
		d.queues[p.ID] = q
	}
	return q
}

// handlerEvent is one unit of work for a session-scoped handler: either a
// newly negotiated stream or the termination of one.
type handlerEvent struct {
	stream   *Stream
	closed   bool
	streamID uint32
	err      error
}

// handlerQueue feeds one session-scoped handler instance. The queue is
// bounded: a slow handler back-pressures its own protocol's streams (their
// flow-control windows stop replenishing) without ever blocking the
// session's receive loop, and events are never dropped while the session is
// alive.
type handlerQueue struct {
	d        *dispatcher
	protocol string
	handler  SessionHandler
	events   chan handlerEvent
}

func newHandlerQueue(d *dispatcher, p Protocol) *handlerQueue {
	q := &handlerQueue{
		d:        d,
		protocol: p.ID,
		handler:  p.NewSessionHandler(d.session),
		events:   make(chan handlerEvent, d.svc.cfg.HandlerBacklog),
	}
	ops.Go(q.drain)
	return q
}

// enqueue hands an event to the handler's queue, suspending if it is full.
func (q *handlerQueue) enqueue(ev handlerEvent) {
	select {
	case q.events <- ev:
	case <-q.d.session.shutdownCh:
		// session is gone; drain delivers what it can, the rest is moot
	}
}

func (q *handlerQueue) drain() {
	for {
		select {
		case ev := <-q.events:
			q.deliver(ev)
		case <-q.d.session.shutdownCh:
			// deliver already queued events, then stop
			for {
				select {
				case ev := <-q.events:
					q.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (q *handlerQueue) deliver(ev handlerEvent) {
	defer func() {
		if r := recover(); r != nil {
			err := errors.New("handler for protocol %v panicked: %v", q.protocol, r)
			log.Error(err)
			if ev.stream != nil {
				_ = ev.stream.Reset()
			}
			q.d.svc.emitError(q.d.session, err)
		}
	}()
	if ev.closed {
		q.handler.StreamClosed(ev.streamID, ev.err)
	} else {
		q.handler.StreamOpened(ev.stream)
	}
}

// negotiateOutbound announces the desired protocol as the first bytes of a
// freshly opened stream and waits for the responder's answer.
func negotiateOutbound(c *Stream, id string, timeout time.Duration) error {
	_ = c.SetDeadline(time.Now().Add(timeout))
	if err := writeProtocolID(c, id); err != nil {
		_ = c.Reset()
		return err
	}
	echo, err := readProtocolID(c)
	if err != nil {
		_ = c.Reset()
		return err
	}
	if echo == "" {
		_ = c.Reset()
		return ErrProtocolUnsupported
	}
	if echo != id {
		_ = c.Reset()
		return errors.New("negotiation answer mismatch: requested %q, got %q", id, echo)
	}
	_ = c.SetDeadline(time.Time{})
	c.setProtocol(id)
	return nil
}

// writeProtocolID writes a uvarint-length-prefixed protocol identifier.
func writeProtocolID(w io.Writer, id string) error {
	buf := make([]byte, varint.UvarintSize(uint64(len(id)))+len(id))
	n := varint.PutUvarint(buf, uint64(len(id)))
	copy(buf[n:], id)
	_, err := w.Write(buf)
	return err
}

// readProtocolID reads a uvarint-length-prefixed protocol identifier. A
// zero-length identifier is returned as "".
func readProtocolID(r io.Reader) (string, error) {
	l, err := varint.ReadUvarint(&byteReader{r: r})
	if err != nil {
		return "", err
	}
	if l == 0 {
		return "", nil
	}
	if l > maxProtocolIDLen {
		return "", errors.New("protocol id of %d bytes exceeds maximum of %d", l, maxProtocolIDLen)
	}
	buf := make([]byte, l)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// byteReader adapts an io.Reader to io.ByteReader for uvarint decoding.
type byteReader struct {
	r io.Reader
	b [1]byte
}

func (br *byteReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(br.r, br.b[:]); err != nil {
		return 0, err
	}
	return br.b[0], nil
}
