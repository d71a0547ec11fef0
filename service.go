package switchboard

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getlantern/errors"
	"github.com/getlantern/eventual"
	"github.com/getlantern/idletiming"
	"github.com/getlantern/ops"
)

// DialFN dials the underlying physical connection. If a secure channel is
// wanted, the DialFN performs the handshake and returns the wrapped conn.
type DialFN func() (net.Conn, error)

// Callbacks receive service-level events. All callbacks are optional and are
// invoked sequentially from a single goroutine, so for any one session the
// open event precedes the close event and the close event fires exactly
// once.
type Callbacks struct {
	// OnSessionOpen fires when a session has been established, whether
	// dialed or accepted.
	OnSessionOpen func(s *Session)

	// OnSessionClose fires when a session terminates. err is nil for a
	// deliberate close and the terminal transport/protocol error otherwise.
	OnSessionClose func(s *Session, err error)

	// OnError reports non-fatal errors such as handler panics.
	OnError func(s *Session, err error)
}

// Service is the top-level owner of sessions and the protocol registry. The
// expected shape of a program using it:
//
//	svc := switchboard.NewService(switchboard.Config{}, callbacks)
//	svc.Register(switchboard.Protocol{ID: "echo/1.0.0", ...})
//	go svc.Serve(listener)             // accept inbound sessions
//	sess, err := svc.DialSession(dial) // and/or dial outbound ones
//	stream, err := svc.OpenStream(ctx, sess.ID(), "echo/1.0.0")
//
// Registration must complete before the first Serve or DialSession call;
// after that the registry is immutable.
type Service struct {
	cfg       Config
	callbacks Callbacks

	protocols   map[string]Protocol
	protocolsMx sync.Mutex
	started     int32 // atomic

	sessions   map[string]*Session
	sessionsMx sync.RWMutex

	listeners   []net.Listener
	listenersMx sync.Mutex

	events    chan func()
	closed    int32 // atomic
	closeCh   chan struct{}
	closeOnce sync.Once
}

// NewService constructs a Service with the given configuration and
// callbacks. Zero-valued config fields get defaults.
func NewService(cfg Config, callbacks Callbacks) *Service {
	s := &Service{
		cfg:       cfg.withDefaults(),
		callbacks: callbacks,
		protocols: make(map[string]Protocol),
		sessions:  make(map[string]*Session),
		events:    make(chan func(), cfg.withDefaults().EventBacklog),
		closeCh:   make(chan struct{}),
	}
	ops.Go(s.eventLoop)
	return s
}

// Register adds a protocol to the registry. It must be called before the
// service starts serving or dialing.
func (s *Service) Register(p Protocol) error {
	if atomic.LoadInt32(&s.started) == 1 {
		return errors.New("cannot register protocol %v: service already started", p.ID)
	}
	if err := p.validate(); err != nil {
		return err
	}
	s.protocolsMx.Lock()
	defer s.protocolsMx.Unlock()
	if _, exists := s.protocols[p.ID]; exists {
		return errors.New("protocol %v already registered", p.ID)
	}
	s.protocols[p.ID] = p
	return nil
}

func (s *Service) protocol(id string) (Protocol, bool) {
	s.protocolsMx.Lock()
	defer s.protocolsMx.Unlock()
	p, found := s.protocols[id]
	return p, found
}

func (s *Service) markStarted() {
	atomic.StoreInt32(&s.started, 1)
}

// Serve accepts inbound physical connections from l and runs a session on
// each. It blocks until l fails or the service closes, retrying temporary
// accept errors with backoff.
func (s *Service) Serve(l net.Listener) error {
	s.markStarted()
	s.listenersMx.Lock()
	s.listeners = append(s.listeners, l)
	s.listenersMx.Unlock()

	var tempDelay time.Duration // how long to sleep on accept failure
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrListenerClosed
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				// delay code based on net/http.Server
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				log.Errorf("accept error: %v; retrying in %v", err, tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0
		s.startSession(conn, false)
	}
}

// DialSession establishes a new outbound session over the physical
// connection produced by dial.
func (s *Service) DialSession(dial DialFN) (*Session, error) {
	s.markStarted()
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	conn, err := dial()
	if err != nil {
		return nil, errors.New("unable to dial physical connection: %v", err)
	}
	return s.startSession(conn, true), nil
}

func (s *Service) startSession(conn net.Conn, isClient bool) *Session {
	if s.cfg.IdleTimeout > 0 {
		conn = idletiming.Conn(conn, s.cfg.IdleTimeout, nil)
	}
	sess := newSession(s.cfg, conn, isClient, s.sessionClosed)

	s.sessionsMx.Lock()
	s.sessions[sess.ID()] = sess
	s.sessionsMx.Unlock()

	if s.callbacks.OnSessionOpen != nil {
		s.emit(func() { s.callbacks.OnSessionOpen(sess) })
	}
	newDispatcher(s, sess)
	return sess
}

// sessionClosed is each session's onClose callback; the session guarantees
// it runs exactly once.
func (s *Service) sessionClosed(sess *Session, err error) {
	s.sessionsMx.Lock()
	delete(s.sessions, sess.ID())
	s.sessionsMx.Unlock()

	if err == ErrSessionClosed {
		// deliberate close, not a failure
		err = nil
	}
	if s.callbacks.OnSessionClose != nil {
		closeErr := err
		s.emit(func() { s.callbacks.OnSessionClose(sess, closeErr) })
	} else if err != nil {
		log.Errorf("session %v closed: %v", sess.ID(), err)
	}
}

// Session looks up a live session by id.
func (s *Service) Session(id string) (*Session, bool) {
	s.sessionsMx.RLock()
	defer s.sessionsMx.RUnlock()
	sess, found := s.sessions[id]
	return sess, found
}

// Sessions snapshots the live session set.
func (s *Service) Sessions() []*Session {
	s.sessionsMx.RLock()
	defer s.sessionsMx.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// OpenStream opens a stream for the given protocol on the identified
// session and negotiates it, blocking until the remote side has accepted.
func (s *Service) OpenStream(ctx context.Context, sessionID string, protocolID string) (*Stream, error) {
	if protocolID == "" {
		return nil, errors.New("protocol id must not be empty")
	}
	sess, found := s.Session(sessionID)
	if !found {
		return nil, errors.New("no such session: %v", sessionID)
	}
	return s.openStreamOn(ctx, sess, protocolID)
}

func (s *Service) openStreamOn(ctx context.Context, sess *Session, protocolID string) (*Stream, error) {
	c, err := sess.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	if err := negotiateOutbound(c, protocolID, s.cfg.NegotiateTimeout); err != nil {
		return nil, err
	}
	return c, nil
}

// Close stops accepting new connections, closes every live session (which
// forcibly resets their streams) and stops event delivery. Close is
// idempotent.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		// stop accepting first so no new sessions appear mid-teardown
		atomic.StoreInt32(&s.closed, 1)
		s.listenersMx.Lock()
		listeners := s.listeners
		s.listeners = nil
		s.listenersMx.Unlock()
		for _, l := range listeners {
			_ = l.Close()
		}

		// closing sessions emits their close events; only then stop the
		// event loop, which drains what is queued
		for _, sess := range s.Sessions() {
			_ = sess.Close()
		}
		close(s.closeCh)
	})
	return nil
}

func (s *Service) isClosed() bool {
	return atomic.LoadInt32(&s.closed) == 1
}

// emit queues an application callback. Callbacks run sequentially on the
// event loop, preserving per-session causal order.
func (s *Service) emit(fn func()) {
	select {
	case s.events <- fn:
	case <-s.closeCh:
		log.Debugf("event loop stopped, dropping event")
	}
}

func (s *Service) emitError(sess *Session, err error) {
	if s.callbacks.OnError != nil {
		s.emit(func() { s.callbacks.OnError(sess, err) })
	}
}

func (s *Service) eventLoop() {
	for {
		select {
		case fn := <-s.events:
			fn()
		case <-s.closeCh:
			for {
				select {
				case fn := <-s.events:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Dialer maintains at most one shared session to a fixed peer, lazily
// (re)dialing as needed: concurrent DialStream calls coalesce onto the same
// physical connection, and a dead session is replaced on the next call.
type Dialer struct {
	svc     *Service
	dial    DialFN
	current eventual.Value
	mx      sync.Mutex
}

// Dialer returns a Dialer that shares one session to the peer reached by
// dial.
func (s *Service) Dialer(dial DialFN) *Dialer {
	return &Dialer{svc: s, dial: dial}
}

type sessionAndError struct {
	s   *Session
	err error
}

// DialStream opens a stream for the given protocol on the dialer's shared
// session, dialing a new session if there is none or the previous one died.
func (d *Dialer) DialStream(ctx context.Context, protocolID string) (*Stream, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		sess, current, err := d.acquireSession()
		if err == ErrSessionClosed {
			// raced with the previous session dying, try once more
			lastErr = err
			continue
		} else if err != nil {
			return nil, err
		}
		c, err := d.svc.openStreamOn(ctx, sess, protocolID)
		if err == nil {
			return c, nil
		}
		switch err {
		case ErrSessionClosed, ErrBrokenPipe, ErrRemoteGoAway, ErrStreamsExhausted:
			// the shared session is no longer usable, clear it and redial
			log.Debugf("shared session no longer usable (%v), will redial", err)
			d.clearSession(current)
			lastErr = err
		default:
			return nil, err
		}
	}
	return nil, lastErr
}

// Session returns the dialer's shared session, dialing it if needed.
func (d *Dialer) Session() (*Session, error) {
	sess, _, err := d.acquireSession()
	return sess, err
}

func (d *Dialer) acquireSession() (*Session, eventual.Value, error) {
	d.mx.Lock()
	current := d.current
	if current == nil {
		current = eventual.NewValue()
		d.current = current
		dial := d.dial
		ops.Go(func() {
			sess, err := d.svc.DialSession(dial)
			current.Set(&sessionAndError{sess, err})
		})
	}
	d.mx.Unlock()

	_sae, ok := current.Get(d.svc.cfg.OpenTimeout)
	if !ok {
		d.clearSession(current)
		return nil, current, ErrTimeout
	}
	sae := _sae.(*sessionAndError)
	if sae.err != nil {
		d.clearSession(current)
		return nil, current, sae.err
	}
	if sae.s.IsClosed() {
		d.clearSession(current)
		return nil, current, ErrSessionClosed
	}
	return sae.s, current, nil
}

// clearSession discards the shared session if it is still the given one.
func (d *Dialer) clearSession(old eventual.Value) {
	d.mx.Lock()
	if d.current == old {
		d.current = nil
	}
	d.mx.Unlock()
}
