// Package broker implements the rendezvous relay: devices dial in, register
// an identity and keep the connection open, so any registered device can
// call any other without accepting inbound connections itself. The broker
// relays signalling and audio between the two legs of a call and never
// inspects audio payloads.
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

	"github.com/hausnet/intercom-go/proto"
)

const defaultQueueDepth = 64

type brokerOptions struct {
	logger       *slog.Logger
	callTimeout  time.Duration
	pingInterval time.Duration
	writeTimeout time.Duration
	queueDepth   int
}

type Option func(*brokerOptions)

func WithLogger(logger *slog.Logger) Option {
	return func(o *brokerOptions) { o.logger = logger }
}

// WithCallTimeout bounds how long an invite may ring unanswered.
func WithCallTimeout(d time.Duration) Option {
	return func(o *brokerOptions) { o.callTimeout = d }
}

func WithPingInterval(d time.Duration) Option {
	return func(o *brokerOptions) { o.pingInterval = d }
}

// WithQueueDepth sets the per-device outbound queue depth in messages.
// A full queue evicts the oldest message rather than stalling the relay.
func WithQueueDepth(n int) Option {
	return func(o *brokerOptions) { o.queueDepth = n }
}

type outMsg struct {
	hdr     proto.BrokerHeader
	payload []byte
}

// device is one registered connection. All outbound traffic goes through
// the bounded queue and a single tx goroutine, so a slow device sheds its
// own backlog without blocking anyone else.
type device struct {
	id     string
	conn   net.Conn
	logger *slog.Logger

	queue   chan outMsg
	dropped atomic.Uint64
	sent    atomic.Uint64
	seq     atomic.Uint32

	closeOnce sync.Once
	closed    chan struct{}

	// guarded by Broker.mu
	callID uint32 // 0 when idle
}

func (d *device) close() {
	d.closeOnce.Do(func() {
		close(d.closed)
		d.conn.Close()
	})
}

// enqueue places a message on the outbound queue, evicting the oldest
// entry when full.
func (d *device) enqueue(hdr proto.BrokerHeader, payload []byte) {
	m := outMsg{hdr: hdr, payload: append([]byte(nil), payload...)}
	for {
		select {
		case d.queue <- m:
			return
		default:
			select {
			case <-d.queue:
				d.dropped.Add(1)
			default:
			}
		}
	}
}

// send enqueues a broker-originated message with a fresh sequence number.
func (d *device) send(typ proto.BrokerMsgType, callID uint32, payload []byte) {
	d.enqueue(proto.BrokerHeader{
		Type:   typ,
		CallID: callID,
		Seq:    d.seq.Add(1),
	}, payload)
}

func (d *device) sendError(code proto.BrokerError, callID uint32) {
	d.send(proto.BrokerErrorMsg, callID, []byte{byte(code)})
}

// call is one pending or established relay between two devices.
type call struct {
	id       uint32
	caller   *device
	callee   *device
	answered bool
	timer    *time.Timer
}

func (c *call) peerOf(d *device) *device {
	if d == c.caller {
		return c.callee
	}
	return c.caller
}

// Broker accepts device connections and relays calls between them.
type Broker struct {
	logger *slog.Logger
	addr   string
	opts   brokerOptions

	ln net.Listener

	mu         sync.Mutex
	devices    map[string]*device
	calls      map[uint32]*call
	nextCallID uint32

	shutdownOnce sync.Once
	shutdown     chan struct{}
	done         chan struct{}
}

func New(addr string, opts ...Option) *Broker {
	o := brokerOptions{
		logger:       slog.Default(),
		callTimeout:  proto.BrokerCallTimeout,
		pingInterval: proto.BrokerPingInterval,
		writeTimeout: 5 * time.Second,
		queueDepth:   defaultQueueDepth,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if addr == "" {
		addr = fmt.Sprintf(":%d", proto.DefaultBrokerPort)
	}
	return &Broker{
		logger:   o.logger.With(slog.String("component", "broker")),
		addr:     addr,
		opts:     o,
		devices:  make(map[string]*device),
		calls:    make(map[uint32]*call),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Addr returns the bound listen address, valid once Run has started.
func (b *Broker) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ln == nil {
		return nil
	}
	return b.ln.Addr()
}

func (b *Broker) Stats() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	var dropped, sent uint64
	for _, d := range b.devices {
		dropped += d.dropped.Load()
		sent += d.sent.Load()
	}
	return map[string]any{
		"devices":      len(b.devices),
		"calls":        len(b.calls),
		"packets_sent": sent,
		"dropped":      dropped,
	}
}

// Shutdown stops accepting, disconnects all devices and waits for teardown.
func (b *Broker) Shutdown() error {
	b.logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b.shutdownOnce.Do(func() { close(b.shutdown) })

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return nil
	}
}

// Run listens and serves until the context ends or Shutdown is called.
func (b *Broker) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", b.addr)
	if err != nil {
		return fmt.Errorf("broker: listen %s: %w", b.addr, err)
	}
	b.mu.Lock()
	b.ln = ln
	b.mu.Unlock()

	b.logger.Info("listening", slog.String("addr", ln.Addr().String()))

	go func() {
		select {
		case <-ctx.Done():
		case <-b.shutdown:
		}
		ln.Close()
	}()

	var wg sync.WaitGroup
	defer b.tearDown(&wg)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-b.shutdown:
				return nil
			default:
				return fmt.Errorf("broker: accept: %w", err)
			}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.serveConn(conn)
		}()
	}
}

func (b *Broker) tearDown(wg *sync.WaitGroup) {
	b.mu.Lock()
	devices := make([]*device, 0, len(b.devices))
	for _, d := range b.devices {
		devices = append(devices, d)
	}
	b.mu.Unlock()

	for _, d := range devices {
		d.close()
	}
	wg.Wait()

	b.logger.Info("shut down")
	close(b.done)
}

// serveConn owns one device connection: first message must register an
// identity, then rx and tx loops run until either side goes away.
func (b *Broker) serveConn(conn net.Conn) {
	buf := make([]byte, proto.MaxBrokerPayload)

	conn.SetReadDeadline(time.Now().Add(3 * b.opts.pingInterval))
	h, payload, err := proto.ReadBrokerMessage(conn, buf)
	if err != nil || h.Type != proto.BrokerRegister {
		b.logger.Info("connection without registration, dropping",
			slog.String("remote", conn.RemoteAddr().String()))
		conn.Close()
		return
	}

	id := proto.DecodeDeviceID(payload)
	if id == "" {
		conn.Close()
		return
	}

	d := &device{
		id:     id,
		conn:   conn,
		queue:  make(chan outMsg, b.opts.queueDepth),
		closed: make(chan struct{}),
		logger: b.logger.With(slog.String("device", id)),
	}

	b.register(d)
	defer b.unregister(d)

	go b.txLoop(d)
	b.rxLoop(d, buf)
}

// register adds the device, displacing any previous connection under the
// same identity.
func (b *Broker) register(d *device) {
	b.mu.Lock()
	old := b.devices[d.id]
	b.devices[d.id] = d
	b.mu.Unlock()

	if old != nil {
		d.logger.Info("re-registration, displacing previous connection")
		old.close()
	}

	d.logger.Info("device registered")
	b.broadcastContacts()
}

func (b *Broker) unregister(d *device) {
	b.mu.Lock()
	current := b.devices[d.id] == d
	if current {
		delete(b.devices, d.id)
	}
	callID := d.callID
	b.mu.Unlock()

	d.close()

	if callID != 0 {
		b.endCall(callID, d, proto.BrokerBye, nil)
	}
	if current {
		d.logger.Info("device disconnected",
			slog.Uint64("packets_sent", d.sent.Load()),
			slog.Uint64("dropped", d.dropped.Load()))
		b.broadcastContacts()
	}
}

func (b *Broker) txLoop(d *device) {
	for {
		select {
		case <-d.closed:
			return
		case m := <-d.queue:
			if b.opts.writeTimeout > 0 {
				d.conn.SetWriteDeadline(time.Now().Add(b.opts.writeTimeout))
			}
			if err := proto.WriteBrokerMessage(d.conn, m.hdr, m.payload); err != nil {
				d.logger.Warn("tx failed, closing", slog.Any("err", err))
				d.close()
				return
			}
			d.sent.Add(1)
		}
	}
}

func (b *Broker) rxLoop(d *device, buf []byte) {
	for {
		d.conn.SetReadDeadline(time.Now().Add(3 * b.opts.pingInterval))
		h, payload, err := proto.ReadBrokerMessage(d.conn, buf)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				d.logger.Debug("rx ended", slog.Any("err", err))
			}
			return
		}
		b.handleMessage(d, h, payload)
	}
}

func (b *Broker) handleMessage(d *device, h proto.BrokerHeader, payload []byte) {
	switch h.Type {
	case proto.BrokerAudio:
		b.relayAudio(d, h, payload)
	case proto.BrokerInvite:
		b.handleInvite(d, proto.DecodeDeviceID(payload))
	case proto.BrokerAnswer:
		b.handleAnswer(d, h.CallID)
	case proto.BrokerDecline:
		b.endCall(h.CallID, d, proto.BrokerDecline, payload)
	case proto.BrokerHangup:
		b.endCall(h.CallID, d, proto.BrokerBye, nil)
	case proto.BrokerPing:
		d.send(proto.BrokerPong, 0, nil)
	case proto.BrokerPong:
		// liveness only
	case proto.BrokerRegister:
		// identity is fixed for the lifetime of the connection
		d.sendError(proto.BrokerErrProtocol, 0)
	default:
		d.logger.Warn("unknown message", slog.String("type", h.Type.String()))
		d.sendError(proto.BrokerErrProtocol, h.CallID)
	}
}

// handleInvite sets up a call leg pair and rings the target.
func (b *Broker) handleInvite(caller *device, target string) {
	b.mu.Lock()
	callee, ok := b.devices[target]
	switch {
	case caller.callID != 0:
		b.mu.Unlock()
		caller.sendError(proto.BrokerErrBusy, 0)
		return
	case !ok || callee == caller:
		b.mu.Unlock()
		caller.logger.Info("invite target not found", slog.String("target", target))
		caller.sendError(proto.BrokerErrNotFound, 0)
		return
	case callee.callID != 0:
		b.mu.Unlock()
		caller.logger.Info("invite target busy", slog.String("target", target))
		caller.sendError(proto.BrokerErrBusy, 0)
		return
	}

	b.nextCallID++
	c := &call{
		id:     b.nextCallID,
		caller: caller,
		callee: callee,
	}
	if b.opts.callTimeout > 0 {
		c.timer = time.AfterFunc(b.opts.callTimeout, func() { b.timeoutCall(c.id) })
	}
	b.calls[c.id] = c
	caller.callID = c.id
	callee.callID = c.id
	b.mu.Unlock()

	caller.logger.Info("call invited",
		slog.String("target", target),
		slog.Uint64("call_id", uint64(c.id)))

	callee.send(proto.BrokerRing, c.id, proto.EncodeDeviceID(caller.id))
	b.broadcastContacts()
}

func (b *Broker) handleAnswer(d *device, callID uint32) {
	b.mu.Lock()
	c, ok := b.calls[callID]
	if !ok || c.callee != d || c.answered {
		b.mu.Unlock()
		return
	}
	c.answered = true
	if c.timer != nil {
		c.timer.Stop()
	}
	peer := c.caller
	b.mu.Unlock()

	d.logger.Info("call answered", slog.Uint64("call_id", uint64(callID)))
	peer.send(proto.BrokerAnswer, callID, nil)
}

// endCall removes the call and notifies the other leg with notify (Bye on
// hangup and disconnect, Decline with the reason payload on rejection).
func (b *Broker) endCall(callID uint32, from *device, notify proto.BrokerMsgType, payload []byte) {
	b.mu.Lock()
	c, ok := b.calls[callID]
	if !ok || (c.caller != from && c.callee != from) {
		b.mu.Unlock()
		return
	}
	delete(b.calls, callID)
	if c.timer != nil {
		c.timer.Stop()
	}
	c.caller.callID = 0
	c.callee.callID = 0
	peer := c.peerOf(from)
	b.mu.Unlock()

	from.logger.Info("call ended",
		slog.Uint64("call_id", uint64(callID)),
		slog.String("notify", notify.String()))

	peer.send(notify, callID, payload)
	b.broadcastContacts()
}

// timeoutCall abandons an unanswered call: the caller learns it timed out,
// the callee stops ringing.
func (b *Broker) timeoutCall(callID uint32) {
	b.mu.Lock()
	c, ok := b.calls[callID]
	if !ok || c.answered {
		b.mu.Unlock()
		return
	}
	delete(b.calls, callID)
	c.caller.callID = 0
	c.callee.callID = 0
	b.mu.Unlock()

	b.logger.Info("call timed out unanswered", slog.Uint64("call_id", uint64(callID)))

	c.caller.sendError(proto.BrokerErrTimeout, callID)
	c.callee.send(proto.BrokerBye, callID, nil)
	b.broadcastContacts()
}

// relayAudio forwards an audio chunk to the peer leg, preserving the
// sender's header so end-to-end sequence numbers survive the relay. Audio
// for a call that already ended is dropped silently; hangup races against
// in-flight audio are normal.
func (b *Broker) relayAudio(d *device, h proto.BrokerHeader, payload []byte) {
	b.mu.Lock()
	c, ok := b.calls[h.CallID]
	if !ok || !c.answered || (c.caller != d && c.callee != d) {
		b.mu.Unlock()
		return
	}
	peer := c.peerOf(d)
	b.mu.Unlock()

	peer.enqueue(h, payload)
}

// broadcastContacts pushes the registry, with busy flags, to every device.
func (b *Broker) broadcastContacts() {
	b.mu.Lock()
	contacts := make([]proto.Contact, 0, len(b.devices))
	targets := make([]*device, 0, len(b.devices))
	for _, d := range b.devices {
		contacts = append(contacts, proto.Contact{
			ID:   d.id,
			Name: d.id,
			Busy: d.callID != 0,
		})
		targets = append(targets, d)
	}
	b.mu.Unlock()

	payload, err := json.Marshal(contacts)
	if err != nil {
		b.logger.Error("contacts marshal failed", slog.Any("err", err))
		return
	}

	for _, d := range targets {
		d.send(proto.BrokerContacts, 0, payload)
	}
}
