package intercom

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hausnet/intercom-go/audio"
	"github.com/hausnet/intercom-go/engine"
	"github.com/hausnet/intercom-go/proto"
)

var (
	ErrNotIdle    = errors.New("session: call already in progress")
	ErrNotRinging = errors.New("session: no call to answer")
)

// Session speaks the framed session protocol over one connection, moving
// inbound audio into the engine's playback path and the engine's processed
// capture frames out to the peer. All state changes go through a single
// transition point and surface on the event channel.
type Session struct {
	id     string
	conn   net.Conn
	eng    *engine.Engine
	opts   sessionOptions
	logger *slog.Logger

	writeMu sync.Mutex

	mu         sync.Mutex
	state      State
	initiator  bool
	noRingCall bool
	peer       string
	ringTimer *time.Timer
	cancelSub func()

	streaming atomic.Bool

	txFrames  chan []byte
	txDropped atomic.Uint64

	events chan Event

	closeOnce sync.Once
	closeCh   chan struct{}
}

// NewSession wraps an established connection. The session does nothing until
// Run is called.
func NewSession(conn net.Conn, eng *engine.Engine, options ...Option) *Session {
	var opts sessionOptions
	withOptions(append([]Option{withDefaults()}, options...)...)(&opts)

	return &Session{
		id:   opts.id,
		conn: conn,
		eng:  eng,
		opts: opts,
		logger: opts.logger.With(
			slog.String("component", "session"),
			slog.String("id", opts.id),
		),
		state:    StateIdle,
		txFrames: make(chan []byte, opts.txQueue),
		events:   make(chan Event, opts.eventBuffer),
		closeCh:  make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current call state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Peer returns the remote caller identity, if one was announced.
func (s *Session) Peer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// Events returns the session's event channel. Events are dropped when the
// channel is full; consumers that care should keep up or use WithOnEvent.
func (s *Session) Events() <-chan Event { return s.events }

// TxDropped returns the number of outbound audio frames dropped on
// backpressure.
func (s *Session) TxDropped() uint64 { return s.txDropped.Load() }

// Run drives the session until the context ends, Close is called, or the
// transport fails. It always leaves the engine with no capture references.
func (s *Session) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.readLoop() })
	g.Go(func() error { return s.pingLoop(ctx) })
	g.Go(func() error { return s.sendLoop(ctx) })
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-s.closeCh:
		}
		s.conn.Close()
		return nil
	})

	err := g.Wait()
	s.transition(StateClosing, ReasonTransportClosed)
	s.transition(StateIdle, ReasonTransportClosed)

	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}

// Close tears the session down. Safe to call concurrently and repeatedly.
func (s *Session) Close() error {
	s.closeOnce.Do(func() { close(s.closeCh) })
	return s.conn.Close()
}

// Call places an outbound call: announce our identity, then wait for the
// remote ack (pong or answer). With noRing the remote is asked to start
// streaming without ringing for a local answer.
func (s *Session) Call(noRing bool) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrNotIdle
	}
	s.initiator = true
	s.noRingCall = noRing
	s.mu.Unlock()

	// State first: the remote ack may race the send's return.
	s.transition(StateConnecting, ReasonCalling)
	s.armRingTimer()

	flags := proto.FlagNone
	if noRing {
		flags |= proto.FlagNoRing
	}
	if err := s.send(proto.MsgStart, flags, []byte(s.opts.deviceID)); err != nil {
		s.transition(StateIdle, ReasonCallFailed)
		return err
	}
	return nil
}

// Accept answers a ringing inbound call and starts streaming.
func (s *Session) Accept() error {
	s.mu.Lock()
	ok := s.state == StateRinging && !s.initiator
	s.mu.Unlock()
	if !ok {
		return ErrNotRinging
	}
	if err := s.send(proto.MsgAnswer, proto.FlagNone, nil); err != nil {
		return err
	}
	s.transition(StateStreaming, ReasonAnswered)
	return nil
}

// Decline rejects a ringing inbound call with an error code.
func (s *Session) Decline(code proto.ErrorCode) error {
	s.mu.Lock()
	ok := s.state == StateRinging && !s.initiator
	s.mu.Unlock()
	if !ok {
		return ErrNotRinging
	}
	if err := s.sendError(code); err != nil {
		return err
	}
	s.transition(StateIdle, ReasonDeclined)
	return nil
}

// Hangup ends the current call, if any, and returns the session to Idle.
// The transport stays open for the next call.
func (s *Session) Hangup() error {
	if s.State() == StateIdle {
		return nil
	}
	err := s.send(proto.MsgStop, proto.FlagEnd, nil)
	s.transition(StateIdle, ReasonLocalHangup)
	return err
}

func (s *Session) send(typ proto.MsgType, flags proto.Flags, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.opts.writeTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.opts.writeTimeout))
	}
	return proto.WriteMessage(s.conn, typ, flags, payload)
}

func (s *Session) sendError(code proto.ErrorCode) error {
	return s.send(proto.MsgError, proto.FlagNone, []byte{byte(code)})
}

// readLoop decodes inbound messages. A declared payload beyond the receive
// buffer is a protocol violation: best-effort error to the peer, then close.
func (s *Session) readLoop() error {
	buf := make([]byte, proto.MaxPayload)
	for {
		if s.opts.pingInterval > 0 {
			s.conn.SetReadDeadline(time.Now().Add(3 * s.opts.pingInterval))
		}
		h, payload, err := proto.ReadMessage(s.conn, buf)
		if err != nil {
			if errors.Is(err, proto.ErrPayloadTooLarge) {
				s.logger.Error("oversized payload, closing",
					slog.String("type", h.Type.String()),
					slog.Int("length", int(h.Length)))
				s.sendError(proto.ErrCodeInvalidMsg)
				return fmt.Errorf("session: %w", err)
			}
			return err
		}
		s.handleMessage(h, payload)
	}
}

func (s *Session) handleMessage(h proto.Header, payload []byte) {
	switch h.Type {
	case proto.MsgAudio:
		if s.streaming.Load() {
			if _, err := s.eng.Play(payload); err != nil {
				s.logger.Warn("playback write failed", slog.Any("err", err))
			}
		}

	case proto.MsgStart:
		s.handleStart(h.Flags, string(payload))

	case proto.MsgStop:
		if s.State() != StateIdle {
			s.transition(StateIdle, ReasonRemoteHangup)
		}

	case proto.MsgPing:
		if err := s.send(proto.MsgPong, proto.FlagNone, nil); err != nil {
			s.logger.Warn("pong failed", slog.Any("err", err))
		}

	case proto.MsgPong:
		// The pong doubles as the start ack, but only on a no-ring call:
		// in the ring flow a keepalive pong from the still-ringing remote
		// must not be mistaken for an answer.
		s.mu.Lock()
		ack := s.initiator && s.noRingCall && s.state == StateConnecting
		s.mu.Unlock()
		if ack {
			s.transition(StateStreaming, ReasonAnswered)
		}

	case proto.MsgRing:
		s.mu.Lock()
		ringing := s.initiator && s.state == StateConnecting
		s.mu.Unlock()
		if ringing {
			s.transition(StateRinging, ReasonRemoteRinging)
		}

	case proto.MsgAnswer:
		s.mu.Lock()
		answered := s.initiator && (s.state == StateConnecting || s.state == StateRinging)
		s.mu.Unlock()
		if answered {
			s.transition(StateStreaming, ReasonAnswered)
		}

	case proto.MsgError:
		code := proto.ErrCodeInternal
		if len(payload) > 0 {
			code = proto.ErrorCode(payload[0])
		}
		s.logger.Warn("remote error", slog.String("code", code.String()))
		if s.State() != StateIdle {
			s.transitionEvent(StateIdle, ReasonCallFailed, code)
		}

	default:
		s.logger.Warn("unknown message type", slog.String("type", h.Type.String()))
	}
}

func (s *Session) handleStart(flags proto.Flags, caller string) {
	if s.opts.busyCheck != nil && s.opts.busyCheck() {
		s.sendError(proto.ErrCodeBusy)
		return
	}
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		s.sendError(proto.ErrCodeBusy)
		return
	}
	s.initiator = false
	s.peer = caller
	s.mu.Unlock()

	if flags&proto.FlagNoRing != 0 || s.opts.autoAccept {
		if err := s.send(proto.MsgPong, proto.FlagNone, nil); err != nil {
			s.logger.Warn("start ack failed", slog.Any("err", err))
			return
		}
		s.transition(StateStreaming, ReasonAnswered)
		return
	}

	if err := s.send(proto.MsgRing, proto.FlagNone, nil); err != nil {
		s.logger.Warn("ring notify failed", slog.Any("err", err))
		return
	}
	s.transition(StateRinging, ReasonIncomingCall)
	s.armRingTimer()
}

// armRingTimer abandons an unanswered call after the configured timeout.
func (s *Session) armRingTimer() {
	if s.opts.ringTimeout <= 0 {
		return
	}
	s.mu.Lock()
	if s.ringTimer != nil {
		s.ringTimer.Stop()
	}
	s.ringTimer = time.AfterFunc(s.opts.ringTimeout, func() {
		s.mu.Lock()
		expired := s.state == StateRinging || s.state == StateConnecting
		s.mu.Unlock()
		if !expired {
			return
		}
		s.logger.Info("ring timeout, abandoning call")
		s.send(proto.MsgStop, proto.FlagEnd, nil)
		s.transition(StateIdle, ReasonRingTimeout)
	})
	s.mu.Unlock()
}

// pingLoop probes liveness while no call is streaming. During a call the
// 16ms audio cadence keeps the read deadline fed instead.
func (s *Session) pingLoop(ctx context.Context) error {
	if s.opts.pingInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(s.opts.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if s.streaming.Load() {
				continue
			}
			if err := s.send(proto.MsgPing, proto.FlagNone, nil); err != nil {
				return fmt.Errorf("session: ping: %w", err)
			}
		}
	}
}

// sendLoop drains the outbound audio queue in order.
func (s *Session) sendLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case data := <-s.txFrames:
			if err := s.send(proto.MsgAudio, proto.FlagNone, data); err != nil {
				return fmt.Errorf("session: audio send: %w", err)
			}
		}
	}
}

// onProcessedFrame receives engine capture frames while streaming. The
// queue never blocks the audio pipeline: a full queue drops the frame.
func (s *Session) onProcessedFrame(frame []int16) {
	if !s.streaming.Load() {
		return
	}
	data := make([]byte, len(frame)*2)
	audio.SamplesToBytes(frame, data)
	select {
	case s.txFrames <- data:
	default:
		s.txDropped.Add(1)
	}
}
