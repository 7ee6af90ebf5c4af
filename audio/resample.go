package audio

import (
	"fmt"
	"math"
)

// Resampler converts PCM between arbitrary rates by linear interpolation.
// It covers the playback direction, where a processing-rate frame must grow
// back to the bus's native frame size before the hardware write; the capture
// direction uses the FIR Decimator instead. Equal rates are a plain copy.
type Resampler struct {
	srcRate float64
	dstRate float64
}

func NewResampler(srcRate, dstRate int) (*Resampler, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("audio: invalid resample rates %d -> %d", srcRate, dstRate)
	}
	return &Resampler{srcRate: float64(srcRate), dstRate: float64(dstRate)}, nil
}

// Process converts one frame of samples from the source to the destination
// rate. The output length is len(in) * dstRate / srcRate.
func (r *Resampler) Process(in []int16) []int16 {
	if r.srcRate == r.dstRate {
		out := make([]int16, len(in))
		copy(out, in)
		return out
	}
	if len(in) == 0 {
		return nil
	}

	ratio := r.dstRate / r.srcRate
	outCount := int(float64(len(in)) * ratio)
	out := make([]int16, outCount)

	for i := 0; i < outCount; i++ {
		srcIndex := float64(i) / ratio
		i0 := int(math.Floor(srcIndex))
		i1 := min(i0+1, len(in)-1)
		frac := srcIndex - float64(i0)

		s0 := float64(in[i0])
		s1 := float64(in[i1])
		out[i] = int16(s0*(1-frac) + s1*frac)
	}

	return out
}
