// Package engine owns the real-time audio pipeline: one duplex cycle per
// hardware frame period moving PCM between the hardware port, the echo
// canceller and the network-facing ring buffers, with subscriber fan-out
// for every consumer of the capture stream.
package engine

import (
	"sync"
	"time"
)

// HardwareAudioPort abstracts a duplex hardware audio bus. Both calls block
// with a bounded timeout and operate on the bus's native frame length in
// bytes. Hardware initialization is outside the engine's scope.
type HardwareAudioPort interface {
	// ReadCaptureFrame fills buf with one capture frame and returns the
	// number of bytes read.
	ReadCaptureFrame(buf []byte) (int, error)

	// WritePlaybackFrame writes one playback frame from buf and returns the
	// number of bytes written.
	WritePlaybackFrame(buf []byte) (int, error)
}

// LoopbackPort is an in-memory HardwareAudioPort. Capture frames are fed by
// the test through Feed; playback frames accumulate for inspection. A read
// with nothing fed returns silence after a short wait, like an idle bus.
type LoopbackPort struct {
	mu       sync.Mutex
	capture  chan []byte
	playback [][]byte
	readErr  error
	writeErr error
}

func NewLoopbackPort() *LoopbackPort {
	return &LoopbackPort{capture: make(chan []byte, 64)}
}

// Feed queues one capture frame for the next read.
func (p *LoopbackPort) Feed(frame []byte) {
	data := make([]byte, len(frame))
	copy(data, frame)
	p.capture <- data
}

// FailReads makes subsequent capture reads return err (nil to clear).
func (p *LoopbackPort) FailReads(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readErr = err
}

// FailWrites makes subsequent playback writes return err (nil to clear).
func (p *LoopbackPort) FailWrites(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

func (p *LoopbackPort) ReadCaptureFrame(buf []byte) (int, error) {
	p.mu.Lock()
	err := p.readErr
	p.mu.Unlock()
	if err != nil {
		return 0, err
	}

	select {
	case frame := <-p.capture:
		n := copy(buf, frame)
		return n, nil
	case <-time.After(5 * time.Millisecond):
		for i := range buf {
			buf[i] = 0
		}
		return len(buf), nil
	}
}

func (p *LoopbackPort) WritePlaybackFrame(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	frame := make([]byte, len(buf))
	copy(frame, buf)
	p.playback = append(p.playback, frame)
	return len(buf), nil
}

// Played returns all playback frames written so far.
func (p *LoopbackPort) Played() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.playback))
	copy(out, p.playback)
	return out
}
