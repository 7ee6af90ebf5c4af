package engine

import "time"

// EchoCanceller is the contract for an adaptive echo cancellation filter.
// All three frames are at the processing sample rate and of identical
// length, fixed by the implementation (typically tens of milliseconds).
// The implementation is an opaque external algorithm; the engine only
// supplies time-aligned mic and reference frames and consumes the output.
type EchoCanceller interface {
	// FrameSize returns the required frame length in samples.
	FrameSize() int

	// Process writes an echo-suppressed version of mic into out, using ref
	// as the model of what the speaker emitted.
	Process(mic, ref, out []int16)
}

// aecActiveWindow gates the canceller: it only runs while the speaker has
// emitted non-silent audio this recently. Adapting on pure silence would
// drift the filter into suppressing legitimate speech once the speaker
// resumes.
const aecActiveWindow = 250 * time.Millisecond
