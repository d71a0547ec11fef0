package switchboard

import (
	"sync"
	"time"
)

// window models one direction of a stream's flow-control credit, counted in
// bytes. The available credit never goes negative: take hands out at most
// what the peer has advertised and blocks while the window is empty.
type window struct {
	available int
	err       error
	wake      chan struct{}
	mx        sync.Mutex
}

func newWindow(initial int) *window {
	return &window{
		available: initial,
		wake:      make(chan struct{}),
	}
}

// take debits and returns up to max bytes of credit. If no credit is
// available it blocks until some arrives, the deadline passes, or the window
// is closed. The returned count is always in (0, max] on success.
func (w *window) take(max int, deadline time.Time) (int, error) {
	for {
		w.mx.Lock()
		if w.err != nil {
			w.mx.Unlock()
			return 0, w.err
		}
		if w.available > 0 {
			n := w.available
			if n > max {
				n = max
			}
			w.available -= n
			w.mx.Unlock()
			return n, nil
		}
		wake := w.wake
		w.mx.Unlock()

		if deadline.IsZero() {
			<-wake
			continue
		}
		now := time.Now()
		if !deadline.After(now) {
			return 0, ErrTimeout
		}
		t := time.NewTimer(deadline.Sub(now))
		select {
		case <-wake:
			t.Stop()
		case <-t.C:
			return 0, ErrTimeout
		}
	}
}

// add restores credit and wakes any blocked takers.
func (w *window) add(delta int) {
	if delta <= 0 {
		return
	}
	w.mx.Lock()
	w.available += delta
	w.broadcast()
	w.mx.Unlock()
}

// closeWith terminally fails the window. Blocked and future takers observe
// err. The first terminal error wins.
func (w *window) closeWith(err error) {
	w.mx.Lock()
	if w.err == nil {
		w.err = err
		w.broadcast()
	}
	w.mx.Unlock()
}

// size reports the currently available credit.
func (w *window) size() int {
	w.mx.Lock()
	defer w.mx.Unlock()
	return w.available
}

// broadcast wakes all waiters. Callers must hold mx.
func (w *window) broadcast() {
	close(w.wake)
	w.wake = make(chan struct{})
}
