package audio

import "encoding/binary"

// Scale multiplies samples in place by gain, saturating to the int16 range
// rather than wrapping. Gain 1.0 is a no-op.
func Scale(samples []int16, gain float32) {
	if gain == 1.0 {
		return
	}
	for i, s := range samples {
		samples[i] = saturate(float32(s) * gain)
	}
}

// IsSilence reports whether every sample is zero.
func IsSilence(samples []int16) bool {
	for _, s := range samples {
		if s != 0 {
			return false
		}
	}
	return true
}

// BytesToSamples reinterprets little-endian 16-bit PCM bytes as samples.
// len(p) must be even; a trailing odd byte is ignored.
func BytesToSamples(p []byte) []int16 {
	out := make([]int16, len(p)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(p[i*2:]))
	}
	return out
}

// BytesToSamplesInto decodes little-endian 16-bit PCM bytes into out
// without allocating, returning the sample count. For hot paths.
func BytesToSamplesInto(p []byte, out []int16) int {
	n := min(len(p)/2, len(out))
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(p[i*2:]))
	}
	return n
}

// SamplesToBytes encodes samples as little-endian 16-bit PCM into p, which
// must hold 2*len(samples) bytes.
func SamplesToBytes(samples []int16, p []byte) {
	for i, s := range samples {
		binary.LittleEndian.PutUint16(p[i*2:], uint16(s))
	}
}
