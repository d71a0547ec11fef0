package switchboard

import (
	"sync"
	"time"
)

// buffer queues a stream's received-but-unconsumed bytes. The session's
// receive loop appends pooled frame payloads with write; the application
// reads them in order with read, which blocks (up to a deadline) only when
// the buffer is completely empty. Exhausted payload buffers are returned to
// the pool.
type buffer struct {
	head   *bufferEntry
	tail   *bufferEntry
	size   int
	err    error
	onData chan struct{}
	pool   BufferPool
	mx     sync.Mutex
}

type bufferEntry struct {
	data []byte
	buf  []byte
	next *bufferEntry
}

func newBuffer(pool BufferPool) *buffer {
	return &buffer{pool: pool}
}

// write appends a frame payload. buf, if non-nil, is the pooled buffer
// backing data and is released once data has been fully consumed. Payloads
// arriving after a terminal error are discarded.
func (b *buffer) write(data []byte, buf []byte) {
	b.mx.Lock()
	if b.err != nil {
		b.mx.Unlock()
		if buf != nil {
			b.pool.Put(buf)
		}
		return
	}
	entry := &bufferEntry{data: data, buf: buf}
	if b.tail == nil {
		b.head = entry
	} else {
		b.tail.next = entry
	}
	b.tail = entry
	b.size += len(data)
	if b.onData != nil {
		close(b.onData)
		b.onData = nil
	}
	b.mx.Unlock()
}

// read copies buffered bytes into p. As long as some data was already
// queued, read will not wait for more even if p has not been filled. With no
// data queued it blocks until data arrives, the deadline passes, or the
// buffer is terminally closed; a terminal error is only surfaced once all
// buffered data has been drained.
func (b *buffer) read(p []byte, deadline time.Time) (int, error) {
	var now time.Time
	var onData chan struct{}

	b.mx.Lock()
	n := b.doRead(p)
	if n == 0 {
		if b.err != nil {
			err := b.err
			b.mx.Unlock()
			return 0, err
		}
		now = time.Now()
		if !deadline.IsZero() && deadline.Before(now) {
			b.mx.Unlock()
			return 0, ErrTimeout
		}
		if b.onData == nil {
			b.onData = make(chan struct{})
		}
		onData = b.onData
	}
	b.mx.Unlock()
	if n > 0 {
		return n, nil
	}

	if deadline.IsZero() {
		// wait indefinitely
		<-onData
		return b.read(p, deadline)
	}
	timeout := time.NewTimer(deadline.Sub(now))
	select {
	case <-onData:
		timeout.Stop()
		return b.read(p, deadline)
	case <-timeout.C:
		timeout.Stop()
		return 0, ErrTimeout
	}
}

func (b *buffer) doRead(p []byte) (totalN int) {
	for {
		if b.head == nil {
			return
		}
		n := copy(p, b.head.data)
		totalN += n
		b.size -= n
		if n < len(b.head.data) {
			b.head.data = b.head.data[n:]
			return
		}
		if b.head.buf != nil {
			b.pool.Put(b.head.buf)
		}
		b.head = b.head.next
		if b.head == nil {
			b.tail = nil
		}
		if n == len(p) {
			return
		}
		p = p[n:]
	}
}

// closeWith terminally fails the buffer, waking blocked readers. If discard
// is set, pending data is dropped and returned to the pool (reset semantics);
// otherwise readers may drain what is buffered before seeing err (half-close
// semantics, typically with io.EOF). The first terminal error wins.
func (b *buffer) closeWith(err error, discard bool) {
	b.mx.Lock()
	if b.err == nil {
		b.err = err
	}
	if discard {
		for e := b.head; e != nil; e = e.next {
			if e.buf != nil {
				b.pool.Put(e.buf)
			}
		}
		b.head = nil
		b.tail = nil
		b.size = 0
	}
	if b.onData != nil {
		close(b.onData)
		b.onData = nil
	}
	b.mx.Unlock()
}

// buffered reports the number of queued, unconsumed bytes.
func (b *buffer) buffered() int {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.size
}
