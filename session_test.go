package switchboard

import (
	"context"
	"io"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const testdata = "Hello Dear World"

// sessionPair wires a client and a server session over an in-memory pipe.
func sessionPair(cfg Config) (client *Session, server *Session, stop func()) {
	cc, sc := net.Pipe()
	cfg = cfg.withDefaults()
	client = newSession(cfg, cc, true, nil)
	server = newSession(cfg, sc, false, nil)
	stop = func() {
		client.Close()
		server.Close()
	}
	return
}

func TestSessionEcho(t *testing.T) {
	client, server, stop := sessionPair(Config{})
	defer stop()

	go func() {
		c, err := server.AcceptStream(context.Background())
		if !assert.NoError(t, err) {
			return
		}
		io.Copy(c, c)
		c.Close()
	}()

	c, err := client.OpenStream(context.Background())
	if !assert.NoError(t, err) {
		return
	}
	defer c.Close()

	assert.True(t, c.StreamID()%2 == 1, "client-opened streams should have odd ids")

	n, err := c.Write([]byte(testdata))
	if !assert.NoError(t, err) {
		return
	}
	assert.Equal(t, len(testdata), n)

	b := make([]byte, len(testdata))
	n, err = io.ReadFull(c, b)
	if !assert.NoError(t, err) {
		return
	}
	assert.Equal(t, testdata, string(b[:n]))
}

func TestStreamHalfClose(t *testing.T) {
	client, server, stop := sessionPair(Config{})
	defer stop()

	go func() {
		c, err := server.AcceptStream(context.Background())
		if !assert.NoError(t, err) {
			return
		}
		// drain the client's data up to its FIN, then answer and close
		b, err := io.ReadAll(c)
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, "request", string(b))
		c.Write([]byte("response"))
		c.Close()
	}()

	c, err := client.OpenStream(context.Background())
	if !assert.NoError(t, err) {
		return
	}

	_, err = c.Write([]byte("request"))
	if !assert.NoError(t, err) {
		return
	}
	if !assert.NoError(t, c.Close()) {
		return
	}

	// our half is closed, writes fail but reads still work
	_, err = c.Write([]byte("more"))
	assert.Equal(t, ErrStreamClosed, err)

	b, err := io.ReadAll(c)
	if !assert.NoError(t, err) {
		return
	}
	assert.Equal(t, "response", string(b))
}

func TestMultipleStreamsInterleaved(t *testing.T) {
	client, server, stop := sessionPair(Config{})
	defer stop()

	streams := 10
	rounds := 20
	payload := make([]byte, 1377)
	rand.Read(payload)

	go func() {
		for i := 0; i < streams; i++ {
			c, err := server.AcceptStream(context.Background())
			if err != nil {
				return
			}
			go func() {
				io.Copy(c, c)
				c.Close()
			}()
		}
	}()

	var wg sync.WaitGroup
	wg.Add(streams)
	for i := 0; i < streams; i++ {
		go func() {
			defer wg.Done()
			c, err := client.OpenStream(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			defer c.Close()
			for r := 0; r < rounds; r++ {
				_, err := c.Write(payload)
				if !assert.NoError(t, err) {
					return
				}
				b := make([]byte, len(payload))
				_, err = io.ReadFull(c, b)
				if !assert.NoError(t, err) {
					return
				}
				if !assert.Equal(t, payload, b, "stream data arrived corrupted or out of order") {
					return
				}
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 0, client.RTT())
}

func TestWriteBlocksOnWindow(t *testing.T) {
	client, server, stop := sessionPair(Config{WindowSize: 100, MaxDataLen: 64})
	defer stop()

	accepted := make(chan *Stream, 1)
	go func() {
		c, err := server.AcceptStream(context.Background())
		if !assert.NoError(t, err) {
			return
		}
		accepted <- c
	}()

	c, err := client.OpenStream(context.Background())
	if !assert.NoError(t, err) {
		return
	}
	defer c.Close()
	sc := <-accepted

	payload := make([]byte, 300)
	rand.Read(payload)
	done := make(chan error, 1)
	go func() {
		_, err := c.Write(payload)
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("write of 300 bytes against a 100 byte window should have blocked")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 0, c.Stats().SendAvailable, "send credit should be exhausted while blocked")

	// consuming on the receiving side replenishes the window and unblocks
	// the writer
	b := make([]byte, len(payload))
	_, err = io.ReadFull(sc, b)
	if !assert.NoError(t, err) {
		return
	}
	assert.Equal(t, payload, b)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("write did not complete after window was replenished")
	}
}

func TestWriteDeadlineOnFullWindow(t *testing.T) {
	client, server, stop := sessionPair(Config{WindowSize: 100, MaxDataLen: 64})
	defer stop()

	go func() {
		server.AcceptStream(context.Background())
	}()

	c, err := client.OpenStream(context.Background())
	if !assert.NoError(t, err) {
		return
	}
	defer c.Close()

	// exhaust the window; nothing is reading on the other side
	_, err = c.Write(make([]byte, 100))
	if !assert.NoError(t, err) {
		return
	}

	c.SetWriteDeadline(time.Now().Add(50 * time.Millisecond))
	_, err = c.Write([]byte("x"))
	if !assert.Equal(t, ErrTimeout, err) {
		return
	}
	ne, ok := err.(net.Error)
	if assert.True(t, ok, "write timeout should be a net.Error") {
		assert.True(t, ne.Timeout())
	}
}

func TestResetIsolation(t *testing.T) {
	client, server, stop := sessionPair(Config{})
	defer stop()

	serverStreams := make(chan *Stream, 2)
	go func() {
		for i := 0; i < 2; i++ {
			c, err := server.AcceptStream(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			serverStreams <- c
		}
	}()

	c1, err := client.OpenStream(context.Background())
	if !assert.NoError(t, err) {
		return
	}
	c2, err := client.OpenStream(context.Background())
	if !assert.NoError(t, err) {
		return
	}
	defer c2.Close()
	sc1 := <-serverStreams
	sc2 := <-serverStreams

	if !assert.NoError(t, c1.Reset()) {
		return
	}

	// the reset stream fails on both ends
	_, err = c1.Write([]byte("x"))
	assert.Equal(t, ErrStreamReset, err)
	b := make([]byte, 1)
	_, err = c1.Read(b)
	assert.Equal(t, ErrStreamReset, err)

	sc1.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = sc1.Read(b)
	assert.Equal(t, ErrStreamReset, err, "remote end should observe the reset")

	// its sibling is unaffected
	go func() {
		io.Copy(sc2, sc2)
		sc2.Close()
	}()
	_, err = c2.Write([]byte(testdata))
	if !assert.NoError(t, err) {
		return
	}
	b = make([]byte, len(testdata))
	_, err = io.ReadFull(c2, b)
	if !assert.NoError(t, err) {
		return
	}
	assert.Equal(t, testdata, string(b))
}

func TestSessionCloseWakesStreams(t *testing.T) {
	cc, sc := net.Pipe()
	cfg := Config{}.withDefaults()
	var closeCount int64
	closeErrs := make(chan error, 2)
	client := newSession(cfg, cc, true, func(_ *Session, err error) {
		atomic.AddInt64(&closeCount, 1)
		closeErrs <- err
	})
	server := newSession(cfg, sc, false, nil)
	defer server.Close()

	go func() {
		server.AcceptStream(context.Background())
	}()

	c, err := client.OpenStream(context.Background())
	if !assert.NoError(t, err) {
		return
	}

	readErr := make(chan error, 1)
	go func() {
		_, err := c.Read(make([]byte, 1))
		readErr <- err
	}()
	time.Sleep(25 * time.Millisecond)

	client.Close()
	client.Close() // idempotent

	select {
	case err := <-readErr:
		assert.Equal(t, ErrSessionClosed, err, "blocked read should be woken with the session's terminal error")
	case <-time.After(2 * time.Second):
		t.Fatal("blocked read was not woken by session close")
	}

	_, err = c.Write([]byte("x"))
	assert.Equal(t, ErrSessionClosed, err)

	_, err = client.OpenStream(context.Background())
	assert.Equal(t, ErrSessionClosed, err)

	select {
	case err := <-closeErrs:
		assert.Equal(t, ErrSessionClosed, err)
	case <-time.After(2 * time.Second):
		t.Fatal("onClose was never invoked")
	}
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt64(&closeCount), "onClose should fire exactly once")
}

func TestPing(t *testing.T) {
	client, _, stop := sessionPair(Config{})
	defer stop()

	rtt, err := client.Ping()
	if !assert.NoError(t, err) {
		return
	}
	assert.True(t, rtt > 0)
	assert.True(t, client.RTT() > 0, "smoothed RTT should reflect completed pings")
}

func TestKeepAliveTimeout(t *testing.T) {
	cfg := Config{
		PingInterval: 20 * time.Millisecond,
		PingTimeout:  25 * time.Millisecond,
	}.withDefaults()

	closeErrs := make(chan error, 1)
	s := newSession(cfg, newStallConn(), true, func(_ *Session, err error) {
		closeErrs <- err
	})
	defer s.Close()

	select {
	case err := <-closeErrs:
		assert.Equal(t, ErrKeepAliveTimeout, err)
	case <-time.After(5 * time.Second):
		t.Fatal("unresponsive peer did not kill the session")
	}
	assert.True(t, s.IsClosed())
}

func TestGoAway(t *testing.T) {
	client, server, stop := sessionPair(Config{})
	defer stop()

	if !assert.NoError(t, server.GoAway()) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := client.AcceptStream(ctx)
	if !assert.Equal(t, ErrRemoteGoAway, err) {
		return
	}

	_, err = client.OpenStream(context.Background())
	assert.Equal(t, ErrRemoteGoAway, err)

	// the refusing side also stops opening new streams
	_, err = server.OpenStream(context.Background())
	assert.Equal(t, ErrRemoteGoAway, err)
}

func TestPhysicalConnBroken(t *testing.T) {
	cc, sc := net.Pipe()
	cfg := Config{}.withDefaults()
	var closeCount int64
	closeErrs := make(chan error, 2)
	client := newSession(cfg, cc, true, func(_ *Session, err error) {
		atomic.AddInt64(&closeCount, 1)
		closeErrs <- err
	})
	server := newSession(cfg, sc, false, nil)
	defer server.Close()
	defer client.Close()

	go func() {
		for i := 0; i < 3; i++ {
			if _, err := server.AcceptStream(context.Background()); err != nil {
				return
			}
		}
	}()
	var streams []*Stream
	for i := 0; i < 3; i++ {
		c, err := client.OpenStream(context.Background())
		if !assert.NoError(t, err) {
			return
		}
		streams = append(streams, c)
	}

	// yank the transport out from under the session
	cc.Close()

	select {
	case err := <-closeErrs:
		assert.Error(t, err)
		assert.NotEqual(t, ErrSessionClosed, err, "a transport failure is not a deliberate close")
	case <-time.After(2 * time.Second):
		t.Fatal("session did not notice its transport dying")
	}

	// every live stream observes a terminal error rather than hanging
	for _, c := range streams {
		_, err := c.Write([]byte("x"))
		assert.Error(t, err)
		c.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, err = c.Read(make([]byte, 1))
		assert.Error(t, err)
		assert.NotEqual(t, ErrTimeout, err)
	}
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt64(&closeCount), "the disconnect should be reported exactly once")
}

func TestMaxStreams(t *testing.T) {
	client, server, stop := sessionPair(Config{MaxStreams: 2})
	defer stop()

	go func() {
		for {
			_, err := server.AcceptStream(context.Background())
			if err != nil {
				return
			}
		}
	}()

	c1, err := client.OpenStream(context.Background())
	if !assert.NoError(t, err) {
		return
	}
	_, err = client.OpenStream(context.Background())
	if !assert.NoError(t, err) {
		return
	}
	_, err = client.OpenStream(context.Background())
	assert.Equal(t, ErrTooManyStreams, err)

	// closing a stream on both ends frees a slot
	c1.Reset()
	assert.Eventually(t, func() bool {
		_, err := client.OpenStream(context.Background())
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

// stallConn accepts writes and never delivers reads, like a peer that
// vanished without closing the connection.
type stallConn struct {
	closed    chan struct{}
	closeOnce sync.Once
}

func newStallConn() *stallConn {
	return &stallConn{closed: make(chan struct{})}
}

func (c *stallConn) Read(p []byte) (int, error) {
	<-c.closed
	return 0, io.ErrClosedPipe
}

func (c *stallConn) Write(p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, io.ErrClosedPipe
	default:
		return len(p), nil
	}
}

func (c *stallConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *stallConn) LocalAddr() net.Addr                { return stallAddr("local") }
func (c *stallConn) RemoteAddr() net.Addr               { return stallAddr("remote") }
func (c *stallConn) SetDeadline(t time.Time) error      { return nil }
func (c *stallConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *stallConn) SetWriteDeadline(t time.Time) error { return nil }

type stallAddr string

func (a stallAddr) Network() string { return "stall" }
func (a stallAddr) String() string  { return string(a) }
