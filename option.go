package intercom

import (
	"log/slog"
	"time"

	"github.com/hausnet/intercom-go/proto"
)

type sessionOptions struct {
	id           string
	deviceID     string
	logger       *slog.Logger
	autoAccept   bool
	ringTimeout  time.Duration
	pingInterval time.Duration
	writeTimeout time.Duration
	eventBuffer  int
	txQueue      int
	onEvent      func(Event)
	busyCheck    func() bool
}

type Option func(opts *sessionOptions)

func withDefaults() Option {
	return withOptions(
		WithLogger(slog.Default()),
		WithID(proto.ID()),
		WithRingTimeout(proto.BrokerCallTimeout),
		WithPingInterval(5*time.Second),
		WithWriteTimeout(5*time.Second),
		WithEventBuffer(16),
		WithTxQueue(16),
	)
}

func withOptions(os ...Option) Option {
	return func(opts *sessionOptions) {
		for _, o := range os {
			o(opts)
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(opts *sessionOptions) {
		opts.logger = logger
	}
}

func WithID(id string) Option {
	return func(opts *sessionOptions) {
		opts.id = id
	}
}

// WithDeviceID sets the identity announced to the remote peer when placing
// a call.
func WithDeviceID(id string) Option {
	return func(opts *sessionOptions) {
		opts.deviceID = id
	}
}

// WithAutoAccept makes inbound calls start streaming immediately instead of
// ringing for a local answer.
func WithAutoAccept(auto bool) Option {
	return func(opts *sessionOptions) {
		opts.autoAccept = auto
	}
}

// WithRingTimeout bounds how long a call may ring unanswered before it is
// abandoned. Zero disables the timeout.
func WithRingTimeout(timeout time.Duration) Option {
	return func(opts *sessionOptions) {
		opts.ringTimeout = timeout
	}
}

func WithPingInterval(interval time.Duration) Option {
	return func(opts *sessionOptions) {
		opts.pingInterval = interval
	}
}

func WithWriteTimeout(timeout time.Duration) Option {
	return func(opts *sessionOptions) {
		opts.writeTimeout = timeout
	}
}

func WithEventBuffer(size int) Option {
	return func(opts *sessionOptions) {
		opts.eventBuffer = size
	}
}

// WithTxQueue sets the outbound audio queue depth in frames. A full queue
// drops the newest frame rather than stalling the pipeline.
func WithTxQueue(size int) Option {
	return func(opts *sessionOptions) {
		opts.txQueue = size
	}
}

// WithOnEvent registers a callback invoked synchronously for every event,
// in addition to the event channel.
func WithOnEvent(fn func(Event)) Option {
	return func(opts *sessionOptions) {
		opts.onEvent = fn
	}
}

// withBusyCheck lets the server refuse an inbound call when another session
// on the same device is already non-idle.
func withBusyCheck(fn func() bool) Option {
	return func(opts *sessionOptions) {
		opts.busyCheck = fn
	}
}
