package audio

import "fmt"

// MaxDecimationRatio bounds the supported bus-rate to processing-rate
// ratios (48 kHz bus to 8 kHz processing at the extreme).
const MaxDecimationRatio = 6

// firTaps is padded to a power of two so the delay-line index wraps with a
// bitmask instead of a modulo.
const firTaps = 32

// Low-pass kernel: 31-tap Kaiser window (beta 8.0) plus one zero pad,
// cutoff 7.5 kHz at a 48 kHz input rate. Unity DC gain, ~60 dB stopband,
// symmetric so group delay is constant.
var firCoeffs = [firTaps]float32{
	4.1270231666e-05, 2.1633893589e-04, 1.2531119530e-04, -9.9999988238e-04,
	-2.6821920740e-03, -1.8518117881e-03, 4.4563387256e-03, 1.2653483833e-02,
	1.0683467077e-02, -1.0893520506e-02, -4.0743026823e-02, -4.2934182572e-02,
	1.7799016112e-02, 1.3755146771e-01, 2.6031620059e-01, 3.1252367847e-01,
	2.6031620059e-01, 1.3755146771e-01, 1.7799016112e-02, -4.2934182572e-02,
	-4.0743026823e-02, -1.0893520506e-02, 1.0683467077e-02, 1.2653483833e-02,
	4.4563387256e-03, -1.8518117881e-03, -2.6821920740e-03, -9.9999988238e-04,
	1.2531119530e-04, 2.1633893589e-04, 4.1270231666e-05, 0.0,
}

// Decimator is a FIR low-pass decimator converting a high-rate sample
// stream to an integer fraction of its rate. Ratio 1 is an identity copy
// with no filtering overhead. Accumulation is in float32 so intermediate
// sums cannot overflow; the output saturates to the int16 range.
type Decimator struct {
	ratio int
	delay [firTaps]float32
	pos   uint32
}

// Init configures the integer decimation ratio and clears filter state.
func (d *Decimator) Init(ratio int) error {
	if ratio < 1 || ratio > MaxDecimationRatio {
		return fmt.Errorf("audio: decimation ratio %d out of range [1,%d]", ratio, MaxDecimationRatio)
	}
	d.ratio = ratio
	d.Reset()
	return nil
}

// Ratio returns the configured decimation ratio.
func (d *Decimator) Ratio() int {
	if d.ratio == 0 {
		return 1
	}
	return d.ratio
}

// Reset zeroes the delay line. Must be called whenever the input stream
// restarts after a gap so the filter does not convolve across unrelated
// audio.
func (d *Decimator) Reset() {
	d.delay = [firTaps]float32{}
	d.pos = 0
}

// Process consumes len(in) samples at the high rate and produces
// len(in)/ratio samples at the low rate into out, returning the output
// count. len(in) must be a multiple of the ratio.
func (d *Decimator) Process(in []int16, out []int16) (int, error) {
	ratio := d.Ratio()
	if ratio == 1 {
		n := copy(out, in)
		if n < len(in) {
			return n, fmt.Errorf("audio: output holds %d of %d samples", len(out), len(in))
		}
		return n, nil
	}
	if len(in)%ratio != 0 {
		return 0, fmt.Errorf("audio: input count %d not a multiple of ratio %d", len(in), ratio)
	}
	outCount := len(in) / ratio
	if len(out) < outCount {
		return 0, fmt.Errorf("audio: output holds %d of %d samples", len(out), outCount)
	}

	for o := 0; o < outCount; o++ {
		for r := 0; r < ratio; r++ {
			d.delay[d.pos] = float32(in[o*ratio+r])
			d.pos = (d.pos + 1) & (firTaps - 1)
		}

		var acc float32
		idx := d.pos
		for t := 0; t < firTaps; t++ {
			acc += d.delay[idx] * firCoeffs[t]
			idx = (idx + 1) & (firTaps - 1)
		}

		out[o] = saturate(acc)
	}
	return outCount, nil
}

func saturate(v float32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
