// Package audio holds the PCM building blocks of the intercom pipeline:
// the frame ring buffer decoupling producer and consumer threads, the FIR
// decimator converting the hardware bus rate to the processing rate, a
// linear resampler for the playback direction, and in-place gain staging.
package audio

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/smallnest/ringbuffer"
)

// Ring is a byte-oriented circular buffer decoupling one producer and one
// consumer running at independent cadences. It supports two write
// disciplines: Write blocks until space frees up or a timeout elapses;
// WritePublish never blocks and overwrites the oldest unread bytes instead.
//
// Exactly one writer goroutine and one reader goroutine per instance.
type Ring struct {
	mu      sync.Mutex
	cond    *sync.Cond
	b       *ringbuffer.RingBuffer
	closed  bool
	dropped uint64
}

// NewRing creates a ring buffer with the given capacity in bytes.
func NewRing(capacity int) (*Ring, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("audio: ring capacity must be positive, got %d", capacity)
	}
	r := &Ring{b: ringbuffer.New(capacity)}
	r.cond = sync.NewCond(&r.mu)
	return r, nil
}

// Write copies up to len(p) bytes, blocking until capacity is available or
// the timeout elapses. Returns the number of bytes written, which may be
// less than len(p) (0 on immediate timeout against a full buffer).
func (r *Ring) Write(p []byte, timeout time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	deadline := time.Now().Add(timeout)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	written := 0
	for written < len(p) {
		if r.closed {
			return written, io.ErrClosedPipe
		}
		if free := r.b.Free(); free > 0 {
			n := min(free, len(p)-written)
			r.b.Write(p[written : written+n])
			written += n
			r.cond.Broadcast()
			continue
		}
		if timeout <= 0 || !time.Now().Before(deadline) {
			return written, nil
		}
		if timer == nil {
			timer = time.AfterFunc(time.Until(deadline), r.cond.Broadcast)
		}
		r.cond.Wait()
	}
	return written, nil
}

// WritePublish writes all of p without blocking. If p exceeds the free
// space, the oldest unread bytes are discarded to make room; the consumer
// sees a discontinuity, not an error. If p exceeds the capacity entirely,
// only its last capacity bytes are retained. Always returns len(p).
func (r *Ring) WritePublish(p []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := len(p)
	if over := len(p) - r.b.Capacity(); over > 0 {
		r.dropped += uint64(over)
		p = p[over:]
	}
	if need := len(p) - r.b.Free(); need > 0 {
		scratch := make([]byte, need)
		n, _ := r.b.Read(scratch)
		r.dropped += uint64(n)
	}
	r.b.Write(p)
	r.cond.Broadcast()
	return total
}

// Read copies up to len(p) available bytes, blocking up to timeout for at
// least one byte to exist. Returns the number of bytes copied, 0 on timeout.
func (r *Ring) Read(p []byte, timeout time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	deadline := time.Now().Add(timeout)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for r.b.Length() == 0 {
		if r.closed {
			return 0, io.EOF
		}
		if timeout <= 0 || !time.Now().Before(deadline) {
			return 0, nil
		}
		if timer == nil {
			timer = time.AfterFunc(time.Until(deadline), r.cond.Broadcast)
		}
		r.cond.Wait()
	}

	n := min(len(p), r.b.Length())
	r.b.Read(p[:n])
	r.cond.Broadcast()
	return n, nil
}

// Available returns the number of unread bytes.
func (r *Ring) Available() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.b.Length()
}

// Capacity returns the total buffer capacity in bytes.
func (r *Ring) Capacity() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.b.Capacity()
}

// Dropped returns the total bytes discarded by WritePublish overwrites.
func (r *Ring) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Reset discards all buffered content. Used at session boundaries so stale
// audio from a previous call cannot leak into a new one.
func (r *Ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.b.Reset()
	r.cond.Broadcast()
}

// Close wakes blocked readers and writers. Subsequent reads of an empty
// buffer return io.EOF, writes return io.ErrClosedPipe.
func (r *Ring) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.cond.Broadcast()
	return nil
}
