package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hausnet/intercom-go/audio"
)

const (
	defaultFrameSize        = 256
	defaultSpeakerBufBase   = 8192
	defaultIOErrorThreshold = 10

	bytesPerSample = 2

	// playTimeout bounds Play's blocking write into the speaker ring so a
	// stalled hardware loop cannot wedge the network thread.
	playTimeout = 50 * time.Millisecond
)

// Config carries the engine's tuning, consumed once at construction.
type Config struct {
	// BusRate is the hardware bus sample rate in Hz.
	BusRate int
	// ProcessingRate is the pipeline rate in Hz. 0 means BusRate (no
	// conversion). BusRate must be an exact multiple of it.
	ProcessingRate int
	// FrameSize is samples per processing-rate frame. When a canceller is
	// attached its required frame size wins.
	FrameSize int

	MicGain        float32 // post-canceller gain, 0..2, 1 = unity
	MicAttenuation float32 // pre-canceller attenuation for hot mics
	SpeakerVolume  float32 // 0..1

	// AECRefDelay aligns the reference with the acoustic echo path when the
	// reference is captured from the playback buffer rather than the bus.
	AECRefDelay time.Duration
	// AECRefGain scales the reference to match the codec's output level.
	AECRefGain float32

	// SpeakerBufferSize is the playback ring capacity in bytes at bus rate.
	SpeakerBufferSize int

	// IOErrorThreshold is the number of consecutive hardware I/O failures
	// that trip the sticky fault. Transient failures below it substitute
	// silence and continue.
	IOErrorThreshold int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.BusRate == 0 {
		out.BusRate = 16000
	}
	if out.ProcessingRate == 0 {
		out.ProcessingRate = out.BusRate
	}
	if out.FrameSize == 0 {
		out.FrameSize = defaultFrameSize
	}
	if out.MicGain == 0 {
		out.MicGain = 1.0
	}
	if out.MicAttenuation == 0 {
		out.MicAttenuation = 1.0
	}
	if out.SpeakerVolume == 0 {
		out.SpeakerVolume = 1.0
	}
	if out.AECRefGain == 0 {
		out.AECRefGain = 1.0
	}
	if out.IOErrorThreshold == 0 {
		out.IOErrorThreshold = defaultIOErrorThreshold
	}
	return out
}

// FrameFunc receives a read-only view of one processing-rate frame. The
// buffer is reused on the next cycle; retain by copying only.
type FrameFunc func(frame []int16)

// Engine orchestrates the duplex pipeline: capture frame in, decimate,
// attenuate, fan out raw, cancel echo, apply gain, fan out processed; then
// playback bytes out of the speaker ring, volume-scaled, up to the bus rate
// and into the hardware port.
type Engine struct {
	cfg    Config
	ratio  int
	port   HardwareAudioPort
	aec    EchoCanceller
	logger *slog.Logger

	frameSize int // samples per processing frame

	micDecimator Decimators
	upsampler    *audio.Resampler // nil at ratio 1
	speakerRing  *audio.Ring
	refRing      *audio.Ring

	mu         sync.RWMutex
	raw        map[uint64]FrameFunc
	processed  map[uint64]FrameFunc
	nextSubID  uint64
	micGain    float32
	micAtten   float32
	spkVolume  float32
	aecRefGain float32

	captureRefs    atomic.Int32
	running        atomic.Bool
	speakerPaused  atomic.Bool
	aecEnabled     atomic.Bool
	lastSpkAudioNs atomic.Int64

	faultMu sync.Mutex
	fault   error

	loopWG sync.WaitGroup

	cycles   atomic.Uint64
	ioErrors atomic.Uint64
}

// Decimators groups the two FIR instances the mic and reference paths need.
type Decimators struct {
	Mic audio.Decimator
	Ref audio.Decimator
}

// New builds an engine around a hardware port and an optional canceller
// (nil disables echo cancellation, mic frames pass through unchanged).
func New(port HardwareAudioPort, aec EchoCanceller, cfg Config) (*Engine, error) {
	c := cfg.withDefaults()

	if c.BusRate%c.ProcessingRate != 0 {
		return nil, fmt.Errorf("engine: bus rate %d not an exact multiple of processing rate %d", c.BusRate, c.ProcessingRate)
	}
	ratio := c.BusRate / c.ProcessingRate

	frameSize := c.FrameSize
	if aec != nil {
		frameSize = aec.FrameSize()
	}

	if c.SpeakerBufferSize == 0 {
		c.SpeakerBufferSize = defaultSpeakerBufBase * ratio
	}

	e := &Engine{
		cfg:        c,
		ratio:      ratio,
		port:       port,
		aec:        aec,
		frameSize:  frameSize,
		micGain:    c.MicGain,
		micAtten:   c.MicAttenuation,
		spkVolume:  c.SpeakerVolume,
		aecRefGain: c.AECRefGain,
		raw:        make(map[uint64]FrameFunc),
		processed:  make(map[uint64]FrameFunc),
		logger: slog.Default().With(
			slog.String("component", "engine"),
		),
	}
	e.aecEnabled.Store(aec != nil)

	if err := e.micDecimator.Mic.Init(ratio); err != nil {
		return nil, err
	}
	if err := e.micDecimator.Ref.Init(ratio); err != nil {
		return nil, err
	}
	if ratio > 1 {
		up, err := audio.NewResampler(c.ProcessingRate, c.BusRate)
		if err != nil {
			return nil, err
		}
		e.upsampler = up
	}

	var err error
	if e.speakerRing, err = audio.NewRing(c.SpeakerBufferSize); err != nil {
		return nil, fmt.Errorf("engine: speaker ring: %w", err)
	}
	if aec != nil {
		refSize := e.refDelayBytes() + c.SpeakerBufferSize
		if e.refRing, err = audio.NewRing(refSize); err != nil {
			return nil, fmt.Errorf("engine: reference ring: %w", err)
		}
		e.prefillReference()
	}

	e.logger.Info("engine ready",
		slog.Int("bus_rate", c.BusRate),
		slog.Int("processing_rate", c.ProcessingRate),
		slog.Int("ratio", ratio),
		slog.Int("frame_size", frameSize),
		slog.Bool("aec", aec != nil),
	)

	return e, nil
}

func (e *Engine) refDelayBytes() int {
	return int(e.cfg.AECRefDelay.Seconds()*float64(e.cfg.BusRate)) * bytesPerSample
}

// prefillReference loads the reference ring with the configured delay of
// silence, so the canceller sees a reference offset by the acoustic path
// latency from the first real playback byte.
func (e *Engine) prefillReference() {
	if e.refRing == nil {
		return
	}
	remaining := e.refDelayBytes()
	silence := make([]byte, 512)
	for remaining > 0 {
		chunk := min(remaining, len(silence))
		e.refRing.WritePublish(silence[:chunk])
		remaining -= chunk
	}
}

// SubscribeRaw registers a consumer of pre-canceller capture frames (wake
// word detectors want the unprocessed signal). The returned func removes
// the subscription.
func (e *Engine) SubscribeRaw(fn FrameFunc) (cancel func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextSubID
	e.nextSubID++
	e.raw[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.raw, id)
	}
}

// SubscribeProcessed registers a consumer of post-canceller, post-gain
// frames (the outbound side of a call session). The returned func removes
// the subscription.
func (e *Engine) SubscribeProcessed(fn FrameFunc) (cancel func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextSubID
	e.nextSubID++
	e.processed[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.processed, id)
	}
}

// StartCapture requests the capture/playback path be active. The hardware
// loop starts only on the 0 -> 1 transition; further calls just count.
func (e *Engine) StartCapture() {
	if e.captureRefs.Add(1) == 1 {
		e.startLoop()
	}
}

// StopCapture releases one capture reference. The hardware loop stops only
// on the 1 -> 0 transition; a release with no outstanding reference is a
// no-op and never drives the count negative.
func (e *Engine) StopCapture() {
	for {
		n := e.captureRefs.Load()
		if n == 0 {
			return
		}
		if e.captureRefs.CompareAndSwap(n, n-1) {
			if n == 1 {
				e.stopLoop()
			}
			return
		}
	}
}

// CaptureActive reports whether any listener holds a capture reference.
func (e *Engine) CaptureActive() bool {
	return e.captureRefs.Load() > 0
}

func (e *Engine) startLoop() {
	if !e.running.CompareAndSwap(false, true) {
		return
	}
	e.micDecimator.Mic.Reset()
	e.micDecimator.Ref.Reset()
	e.logger.Info("audio loop starting")
	e.loopWG.Add(1)
	go e.run()
}

func (e *Engine) stopLoop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	e.loopWG.Wait()
	e.speakerRing.Reset()
	e.logger.Info("audio loop stopped")
}

// Play queues processing-rate playback bytes, upsampling to the bus rate
// when the two differ and blocking briefly when the speaker ring is full.
// The queued bytes also feed the canceller's reference stream. Returns the
// number of input bytes accepted.
func (e *Engine) Play(data []byte) (int, error) {
	out := data
	if e.upsampler != nil {
		up := e.upsampler.Process(audio.BytesToSamples(data))
		out = make([]byte, len(up)*bytesPerSample)
		audio.SamplesToBytes(up, out)
	}

	n, err := e.speakerRing.Write(out, playTimeout)
	if n > 0 {
		if e.refRing != nil {
			e.refRing.WritePublish(out[:n])
		}
		if !silentBytes(out[:n]) {
			e.lastSpkAudioNs.Store(time.Now().UnixNano())
		}
	}
	if len(out) > 0 {
		n = n * len(data) / len(out)
	}
	return n, err
}

func silentBytes(p []byte) bool {
	for _, b := range p {
		if b != 0 {
			return false
		}
	}
	return true
}

// ResetStreams clears all buffered audio and filter state. Called at
// session boundaries so a new call never hears the tail of the last one.
func (e *Engine) ResetStreams() {
	e.speakerRing.Reset()
	e.micDecimator.Mic.Reset()
	e.micDecimator.Ref.Reset()
	if e.refRing != nil {
		e.refRing.Reset()
		e.prefillReference()
	}
}

// PauseSpeaker keeps the playback path draining but substitutes silence on
// the bus, so upstream producers keep flowing while output is muted.
func (e *Engine) PauseSpeaker(paused bool) { e.speakerPaused.Store(paused) }

// SetAECEnabled toggles the canceller at runtime. Disabled or absent, mic
// frames pass through unchanged; audio never blocks on cancellation.
func (e *Engine) SetAECEnabled(enabled bool) {
	e.aecEnabled.Store(enabled && e.aec != nil)
}

// SetMicGain sets post-canceller gain, clamped to [0, 2].
func (e *Engine) SetMicGain(gain float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.micGain = clamp(gain, 0, 2)
}

// SetSpeakerVolume sets playback volume, clamped to [0, 1].
func (e *Engine) SetSpeakerVolume(volume float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spkVolume = clamp(volume, 0, 1)
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Err returns the sticky fault set after persistent hardware I/O failure,
// or nil while healthy.
func (e *Engine) Err() error {
	e.faultMu.Lock()
	defer e.faultMu.Unlock()
	return e.fault
}

// ClearFault lets the control layer restart the engine after a fault.
func (e *Engine) ClearFault() {
	e.faultMu.Lock()
	defer e.faultMu.Unlock()
	e.fault = nil
}

func (e *Engine) setFault(err error) {
	e.faultMu.Lock()
	defer e.faultMu.Unlock()
	e.fault = err
}

// Cycles returns the number of completed pipeline cycles.
func (e *Engine) Cycles() uint64 { return e.cycles.Load() }

// IOErrors returns the number of hardware I/O failures observed.
func (e *Engine) IOErrors() uint64 { return e.ioErrors.Load() }

// SpeakerBufferAvailable returns the unplayed playback bytes.
func (e *Engine) SpeakerBufferAvailable() int { return e.speakerRing.Available() }

// FrameSize returns the processing frame length in samples.
func (e *Engine) FrameSize() int { return e.frameSize }

// ProcessingRate returns the pipeline sample rate in Hz.
func (e *Engine) ProcessingRate() int { return e.cfg.ProcessingRate }

// run is the hardware I/O loop: one cycle per bus frame period. It blocks
// only on the port and on short ring reads, never on the network.
func (e *Engine) run() {
	defer e.loopWG.Done()

	busFrameSamples := e.frameSize * e.ratio
	busFrameBytes := busFrameSamples * bytesPerSample

	busBytes := make([]byte, busFrameBytes)
	busSamples := make([]int16, busFrameSamples)
	micFrame := make([]int16, e.frameSize)
	spkSamples := make([]int16, busFrameSamples)
	refBus := make([]int16, busFrameSamples)
	refFrame := make([]int16, e.frameSize)
	aecOut := make([]int16, e.frameSize)
	refScratch := make([]byte, busFrameBytes)
	spkBytes := make([]byte, busFrameBytes)
	rawFns := make([]FrameFunc, 0, 4)
	processedFns := make([]FrameFunc, 0, 4)

	consecutiveErrs := 0

	for e.running.Load() {
		// ── capture ──
		n, err := e.port.ReadCaptureFrame(busBytes)
		if err != nil || n < busFrameBytes {
			e.ioErrors.Add(1)
			consecutiveErrs++
			if consecutiveErrs >= e.cfg.IOErrorThreshold {
				e.logger.Error("persistent capture failure, stopping engine",
					slog.Int("consecutive", consecutiveErrs), slog.Any("err", err))
				e.setFault(fmt.Errorf("engine: capture failed %d times: %w", consecutiveErrs, err))
				e.running.Store(false)
				return
			}
			e.logger.Warn("capture read failed, substituting silence", slog.Any("err", err))
			for i := range busBytes {
				busBytes[i] = 0
			}
		} else {
			consecutiveErrs = 0
		}

		audio.BytesToSamplesInto(busBytes, busSamples)
		e.micDecimator.Mic.Process(busSamples, micFrame)

		e.mu.RLock()
		micAtten := e.micAtten
		micGain := e.micGain
		spkVolume := e.spkVolume
		aecRefGain := e.aecRefGain
		rawFns = rawFns[:0]
		for _, fn := range e.raw {
			rawFns = append(rawFns, fn)
		}
		processedFns = processedFns[:0]
		for _, fn := range e.processed {
			processedFns = append(processedFns, fn)
		}
		e.mu.RUnlock()

		audio.Scale(micFrame, micAtten)

		for _, fn := range rawFns {
			fn(micFrame)
		}

		outFrame := micFrame
		if e.aecReady() {
			e.fillReference(refBus, refFrame, refScratch)
			audio.Scale(refFrame, aecRefGain*micAtten)
			e.aec.Process(micFrame, refFrame, aecOut)
			outFrame = aecOut
		}

		audio.Scale(outFrame, micGain)

		for _, fn := range processedFns {
			fn(outFrame)
		}

		// ── playback ──
		got, _ := e.speakerRing.Read(spkBytes, 0)
		if e.speakerPaused.Load() || got == 0 {
			for i := range spkBytes {
				spkBytes[i] = 0
			}
		} else {
			ns := audio.BytesToSamplesInto(spkBytes[:got], spkSamples)
			audio.Scale(spkSamples[:ns], spkVolume)
			audio.SamplesToBytes(spkSamples[:ns], spkBytes[:got])
			for i := got; i < len(spkBytes); i++ {
				spkBytes[i] = 0
			}
		}

		if _, err := e.port.WritePlaybackFrame(spkBytes); err != nil {
			e.ioErrors.Add(1)
			e.logger.Warn("playback write failed", slog.Any("err", err))
		}

		e.cycles.Add(1)
	}
}

// aecReady gates the canceller: initialized, enabled, and the speaker has
// emitted non-silent audio within the active window.
func (e *Engine) aecReady() bool {
	if e.aec == nil || !e.aecEnabled.Load() || e.refRing == nil {
		return false
	}
	last := e.lastSpkAudioNs.Load()
	if last == 0 {
		return false
	}
	return time.Since(time.Unix(0, last)) <= aecActiveWindow
}

// fillReference produces one processing-rate reference frame, reading
// bus-rate bytes from the delayed reference ring. Short reads yield a
// silent reference; the canceller must never stall the cycle.
func (e *Engine) fillReference(refBus, refFrame []int16, scratch []byte) {
	needBytes := len(refBus) * bytesPerSample
	minAvail := e.refDelayBytes() + needBytes

	if e.refRing.Available() < minAvail {
		for i := range refFrame {
			refFrame[i] = 0
		}
		return
	}

	n, _ := e.refRing.Read(scratch[:needBytes], 0)
	for i := n; i < needBytes; i++ {
		scratch[i] = 0
	}
	audio.BytesToSamplesInto(scratch[:needBytes], refBus)
	e.micDecimator.Ref.Process(refBus, refFrame)
}
