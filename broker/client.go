package broker

import (
	"context"
	"encoding/json"
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
	ErrClientBusy   = errors.New("broker client: call already in progress")
	ErrNoCall       = errors.New("broker client: no call to answer")
	ErrNotConnected = errors.New("broker client: not connected")
)

// CallState is the client's view of its single call slot.
type CallState string

const (
	CallIdle    CallState = "idle"
	CallDialing CallState = "dialing" // invite sent, waiting for the answer
	CallRinging CallState = "ringing" // incoming call, waiting for local answer
	CallActive  CallState = "active"
)

// Event is one notification on the client's event channel.
type Event struct {
	State  CallState
	Reason string
	Peer   string
	Code   proto.BrokerError
}

type clientOptions struct {
	logger       *slog.Logger
	autoAccept   bool
	pingInterval time.Duration
	writeTimeout time.Duration
	eventBuffer  int
	txQueue      int
	onEvent      func(Event)
}

type ClientOption func(*clientOptions)

func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(o *clientOptions) { o.logger = logger }
}

// WithClientAutoAccept answers incoming broker calls without ringing.
func WithClientAutoAccept(auto bool) ClientOption {
	return func(o *clientOptions) { o.autoAccept = auto }
}

func WithClientPingInterval(d time.Duration) ClientOption {
	return func(o *clientOptions) { o.pingInterval = d }
}

func WithClientTxQueue(n int) ClientOption {
	return func(o *clientOptions) { o.txQueue = n }
}

func WithClientEventBuffer(n int) ClientOption {
	return func(o *clientOptions) { o.eventBuffer = n }
}

func WithClientOnEvent(fn func(Event)) ClientOption {
	return func(o *clientOptions) { o.onEvent = fn }
}

// Client maintains one device's broker connection: registers an identity,
// tracks the contact list, and bridges a single call slot between the
// broker and the audio engine.
type Client struct {
	id     string
	addr   string
	eng    *engine.Engine
	opts   clientOptions
	logger *slog.Logger

	writeMu sync.Mutex
	conn    net.Conn

	mu        sync.Mutex
	state     CallState
	callID    uint32
	peer      string
	contacts  []proto.Contact
	cancelSub func()

	streaming atomic.Bool
	seq       atomic.Uint32

	txFrames  chan []byte
	txDropped atomic.Uint64

	events chan Event

	closeOnce sync.Once
	closeCh   chan struct{}
}

// NewClient prepares a broker client for the given identity. The engine may
// be nil for a signalling-only client; audio is then discarded.
func NewClient(addr, deviceID string, eng *engine.Engine, options ...ClientOption) *Client {
	o := clientOptions{
		logger:       slog.Default(),
		pingInterval: proto.BrokerPingInterval,
		writeTimeout: 5 * time.Second,
		eventBuffer:  16,
		txQueue:      16,
	}
	for _, opt := range options {
		opt(&o)
	}
	if addr == "" {
		addr = fmt.Sprintf("localhost:%d", proto.DefaultBrokerPort)
	}
	return &Client{
		id:   deviceID,
		addr: addr,
		eng:  eng,
		opts: o,
		logger: o.logger.With(
			slog.String("component", "broker-client"),
			slog.String("device", deviceID),
		),
		state:    CallIdle,
		txFrames: make(chan []byte, o.txQueue),
		events:   make(chan Event, o.eventBuffer),
		closeCh:  make(chan struct{}),
	}
}

// State returns the current call state.
func (c *Client) State() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Peer returns the remote device of the current call, if any.
func (c *Client) Peer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

// Contacts returns the last contact list pushed by the broker.
func (c *Client) Contacts() []proto.Contact {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]proto.Contact, len(c.contacts))
	copy(out, c.contacts)
	return out
}

// Events returns the client's event channel. Full-channel events are
// dropped; use WithClientOnEvent for a lossless feed.
func (c *Client) Events() <-chan Event { return c.events }

// TxDropped returns the number of outbound audio frames dropped on
// backpressure.
func (c *Client) TxDropped() uint64 { return c.txDropped.Load() }

// Run dials the broker, registers, and serves until the context ends,
// Close is called, or the connection fails. Reconnecting is the caller's
// loop; state always returns to idle on exit.
func (c *Client) Run(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("broker client: dial %s: %w", c.addr, err)
	}
	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	if err := c.send(proto.BrokerRegister, 0, proto.EncodeDeviceID(c.id)); err != nil {
		conn.Close()
		return fmt.Errorf("broker client: register: %w", err)
	}
	c.logger.Info("registered", slog.String("broker", c.addr))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(conn) })
	g.Go(func() error { return c.pingLoop(ctx) })
	g.Go(func() error { return c.sendLoop(ctx) })
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-c.closeCh:
		}
		conn.Close()
		return nil
	})

	err = g.Wait()
	c.transition(CallIdle, "disconnected", 0)

	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Close tears the client down. Safe to call concurrently and repeatedly.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closeCh) })
	c.writeMu.Lock()
	conn := c.conn
	c.writeMu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Invite asks the broker to ring another device.
func (c *Client) Invite(target string) error {
	c.mu.Lock()
	if c.state != CallIdle {
		c.mu.Unlock()
		return ErrClientBusy
	}
	c.peer = target
	c.mu.Unlock()

	// State first: the broker's reply may race the send's return.
	c.transition(CallDialing, "calling", 0)
	if err := c.send(proto.BrokerInvite, 0, proto.EncodeDeviceID(target)); err != nil {
		c.transition(CallIdle, "call-failed", 0)
		return err
	}
	return nil
}

// Answer accepts the ringing incoming call.
func (c *Client) Answer() error {
	c.mu.Lock()
	ok := c.state == CallRinging
	callID := c.callID
	c.mu.Unlock()
	if !ok {
		return ErrNoCall
	}
	if err := c.send(proto.BrokerAnswer, callID, nil); err != nil {
		return err
	}
	c.transition(CallActive, "answered", 0)
	return nil
}

// Decline rejects the ringing incoming call.
func (c *Client) Decline(reason proto.DeclineReason) error {
	c.mu.Lock()
	ok := c.state == CallRinging
	callID := c.callID
	c.mu.Unlock()
	if !ok {
		return ErrNoCall
	}
	if err := c.send(proto.BrokerDecline, callID, []byte{byte(reason)}); err != nil {
		return err
	}
	c.transition(CallIdle, "declined", 0)
	return nil
}

// Hangup ends the current call, if any.
func (c *Client) Hangup() error {
	c.mu.Lock()
	idle := c.state == CallIdle
	callID := c.callID
	c.mu.Unlock()
	if idle {
		return nil
	}
	err := c.send(proto.BrokerHangup, callID, nil)
	c.transition(CallIdle, "local-hangup", 0)
	return err
}

func (c *Client) send(typ proto.BrokerMsgType, callID uint32, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	if c.opts.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
	}
	return proto.WriteBrokerMessage(c.conn, proto.BrokerHeader{
		Type:   typ,
		CallID: callID,
		Seq:    c.seq.Add(1),
	}, payload)
}

func (c *Client) readLoop(conn net.Conn) error {
	buf := make([]byte, proto.MaxBrokerPayload)
	for {
		if c.opts.pingInterval > 0 {
			conn.SetReadDeadline(time.Now().Add(3 * c.opts.pingInterval))
		}
		h, payload, err := proto.ReadBrokerMessage(conn, buf)
		if err != nil {
			return err
		}
		c.handleMessage(h, payload)
	}
}

func (c *Client) handleMessage(h proto.BrokerHeader, payload []byte) {
	switch h.Type {
	case proto.BrokerAudio:
		c.mu.Lock()
		active := c.state == CallActive && c.callID == h.CallID
		c.mu.Unlock()
		if active && c.eng != nil {
			if _, err := c.eng.Play(payload); err != nil {
				c.logger.Warn("playback write failed", slog.Any("err", err))
			}
		}

	case proto.BrokerRing:
		c.handleRing(h.CallID, proto.DecodeDeviceID(payload))

	case proto.BrokerAnswer:
		c.mu.Lock()
		dialing := c.state == CallDialing
		if dialing {
			c.callID = h.CallID
		}
		c.mu.Unlock()
		if dialing {
			c.transition(CallActive, "answered", 0)
		}

	case proto.BrokerDecline:
		if c.State() == CallDialing {
			c.transition(CallIdle, "declined", 0)
		}

	case proto.BrokerBye:
		if c.State() != CallIdle {
			c.transition(CallIdle, "remote-hangup", 0)
		}

	case proto.BrokerContacts:
		var contacts []proto.Contact
		if err := json.Unmarshal(payload, &contacts); err != nil {
			c.logger.Warn("bad contacts payload", slog.Any("err", err))
			return
		}
		c.mu.Lock()
		c.contacts = contacts
		state := c.state
		c.mu.Unlock()
		c.emit(Event{State: state, Reason: "contacts-updated"})

	case proto.BrokerPing:
		if err := c.send(proto.BrokerPong, 0, nil); err != nil {
			c.logger.Warn("pong failed", slog.Any("err", err))
		}

	case proto.BrokerPong:
		// liveness only

	case proto.BrokerErrorMsg:
		code := proto.BrokerErrProtocol
		if len(payload) > 0 {
			code = proto.BrokerError(payload[0])
		}
		c.logger.Warn("broker error", slog.String("code", code.String()))
		if c.State() != CallIdle {
			c.transition(CallIdle, "call-failed", code)
		}

	default:
		c.logger.Warn("unknown message", slog.String("type", h.Type.String()))
	}
}

func (c *Client) handleRing(callID uint32, caller string) {
	c.mu.Lock()
	if c.state != CallIdle {
		c.mu.Unlock()
		// Broker should not ring a busy device; decline defensively.
		c.send(proto.BrokerDecline, callID, []byte{byte(proto.DeclineBusy)})
		return
	}
	c.callID = callID
	c.peer = caller
	c.mu.Unlock()

	if c.opts.autoAccept {
		if err := c.send(proto.BrokerAnswer, callID, nil); err != nil {
			c.logger.Warn("auto answer failed", slog.Any("err", err))
			return
		}
		c.transition(CallActive, "answered", 0)
		return
	}
	c.transition(CallRinging, "incoming-call", 0)
}

// transition is the single place call state changes. Entering the active
// state acquires an engine capture reference and attaches the outbound
// frame subscriber; leaving it releases both and clears buffered audio.
func (c *Client) transition(to CallState, reason string, code proto.BrokerError) {
	c.mu.Lock()
	from := c.state
	if from == to {
		c.mu.Unlock()
		return
	}
	c.state = to

	if to == CallActive {
		c.streaming.Store(true)
		if c.eng != nil {
			c.eng.StartCapture()
			c.cancelSub = c.eng.SubscribeProcessed(c.onProcessedFrame)
		}
	}
	if from == CallActive {
		c.streaming.Store(false)
		if c.cancelSub != nil {
			c.cancelSub()
			c.cancelSub = nil
		}
		if c.eng != nil {
			c.eng.StopCapture()
			c.eng.ResetStreams()
		}
		c.drainTx()
	}
	peer := c.peer
	if to == CallIdle {
		c.callID = 0
		c.peer = ""
	}
	c.mu.Unlock()

	c.logger.Info("call state change",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("reason", reason),
	)
	c.emit(Event{State: to, Reason: reason, Peer: peer, Code: code})
}

func (c *Client) drainTx() {
	for {
		select {
		case <-c.txFrames:
		default:
			return
		}
	}
}

func (c *Client) emit(evt Event) {
	select {
	case c.events <- evt:
	default:
	}
	if c.opts.onEvent != nil {
		c.opts.onEvent(evt)
	}
}

func (c *Client) pingLoop(ctx context.Context) error {
	if c.opts.pingInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(c.opts.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.send(proto.BrokerPing, 0, nil); err != nil {
				return fmt.Errorf("broker client: ping: %w", err)
			}
		}
	}
}

func (c *Client) sendLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case data := <-c.txFrames:
			c.mu.Lock()
			callID := c.callID
			c.mu.Unlock()
			if callID == 0 {
				continue
			}
			if err := c.send(proto.BrokerAudio, callID, data); err != nil {
				return fmt.Errorf("broker client: audio send: %w", err)
			}
		}
	}
}

// onProcessedFrame receives engine capture frames while a call is active.
// The queue never blocks the audio pipeline: a full queue drops the frame.
func (c *Client) onProcessedFrame(frame []int16) {
	if !c.streaming.Load() {
		return
	}
	data := make([]byte, len(frame)*2)
	audio.SamplesToBytes(frame, data)
	select {
	case c.txFrames <- data:
	default:
		c.txDropped.Add(1)
	}
}
