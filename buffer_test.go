package switchboard

import (
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// countingPool tracks how many buffers were handed back.
type countingPool struct {
	returned int64
}

func (tp *countingPool) getForFrame() []byte {
	return make([]byte, headerSize+64)
}

func (tp *countingPool) Put(b []byte) {
	atomic.AddInt64(&tp.returned, 1)
}

func (tp *countingPool) totalReturned() int {
	return int(atomic.LoadInt64(&tp.returned))
}

func TestBuffer(t *testing.T) {
	pool := &countingPool{}
	buf := newBuffer(pool)
	p := make([]byte, 1000)
	zeroTime := time.Time{}

	_, err := buf.read(p, time.Now().Add(-1*time.Hour))
	if !assert.Equal(t, ErrTimeout, err, "read from empty buffer with past deadline should fail") {
		return
	}

	_, err = buf.read(p, time.Now().Add(25*time.Millisecond))
	if !assert.Equal(t, ErrTimeout, err, "read from empty buffer with future deadline should fail") {
		return
	}

	buf.write([]byte("a"), nil)
	assert.Equal(t, 1, buf.buffered())
	n, err := buf.read(p, zeroTime)
	if !assert.NoError(t, err) || !assert.Equal(t, 1, n) {
		return
	}
	assert.Equal(t, "a", string(p[:n]))
	assert.Equal(t, 0, buf.buffered())

	buf.write([]byte("ab"), nil)
	assert.Equal(t, 2, buf.buffered())
	buf.write([]byte("c"), nil)
	assert.Equal(t, 3, buf.buffered())
	n, err = buf.read(p[:1], zeroTime)
	if !assert.NoError(t, err) || !assert.Equal(t, 1, n) {
		return
	}
	assert.Equal(t, 2, buf.buffered())
	n, err = buf.read(p[1:], zeroTime)
	if !assert.NoError(t, err) || !assert.Equal(t, 2, n) {
		return
	}
	assert.Equal(t, "abc", string(p[:3]))
	assert.Equal(t, 0, buf.buffered())
}

func TestBufferReturnsPooled(t *testing.T) {
	pool := &countingPool{}
	buf := newBuffer(pool)

	b := pool.getForFrame()
	copy(b, "hello")
	buf.write(b[:5], b)
	assert.Equal(t, 0, pool.totalReturned())

	p := make([]byte, 5)
	n, err := buf.read(p, time.Time{})
	if !assert.NoError(t, err) || !assert.Equal(t, 5, n) {
		return
	}
	assert.Equal(t, "hello", string(p))
	assert.Equal(t, 1, pool.totalReturned(), "fully consumed payload buffer should go back to the pool")
}

func TestBufferHalfCloseDrainsBeforeEOF(t *testing.T) {
	pool := &countingPool{}
	buf := newBuffer(pool)

	buf.write([]byte("tail"), nil)
	buf.closeWith(io.EOF, false)

	p := make([]byte, 10)
	n, err := buf.read(p, time.Time{})
	if !assert.NoError(t, err) {
		return
	}
	assert.Equal(t, "tail", string(p[:n]))

	_, err = buf.read(p, time.Time{})
	assert.Equal(t, io.EOF, err)

	// writes arriving after the terminal error are dropped and their
	// buffers returned
	b := pool.getForFrame()
	buf.write(b[:3], b)
	assert.Equal(t, 0, buf.buffered())
	assert.Equal(t, 1, pool.totalReturned())
}

func TestBufferDiscard(t *testing.T) {
	pool := &countingPool{}
	buf := newBuffer(pool)

	b := pool.getForFrame()
	buf.write(b[:8], b)
	buf.closeWith(ErrStreamReset, true)

	p := make([]byte, 10)
	_, err := buf.read(p, time.Time{})
	assert.Equal(t, ErrStreamReset, err, "discarded data should never reach the reader")
	assert.Equal(t, 0, buf.buffered())
	assert.Equal(t, 1, pool.totalReturned())
}

func TestBufferWakesBlockedReader(t *testing.T) {
	pool := &countingPool{}
	buf := newBuffer(pool)

	type result struct {
		n   int
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		p := make([]byte, 10)
		n, err := buf.read(p, time.Now().Add(5*time.Second))
		resCh <- result{n, err}
	}()

	time.Sleep(25 * time.Millisecond)
	buf.write([]byte("x"), nil)

	select {
	case res := <-resCh:
		assert.NoError(t, res.err)
		assert.Equal(t, 1, res.n)
	case <-time.After(1 * time.Second):
		t.Fatal("blocked read was not woken by write")
	}
}
