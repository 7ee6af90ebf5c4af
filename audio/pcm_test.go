package audio

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResamplerEqualRatesIsCopy(t *testing.T) {
	r, err := NewResampler(16000, 16000)
	require.NoError(t, err)

	in := []int16{1, 2, 3, -4}
	out := r.Process(in)
	require.Equal(t, in, out)
}

func TestResamplerUpsampleCount(t *testing.T) {
	r, err := NewResampler(16000, 48000)
	require.NoError(t, err)

	out := r.Process(make([]int16, 256))
	require.Len(t, out, 768)
}

func TestResamplerDownsampleCount(t *testing.T) {
	r, err := NewResampler(48000, 16000)
	require.NoError(t, err)

	out := r.Process(make([]int16, 768))
	require.Len(t, out, 256)
}

func TestResamplerPreservesDC(t *testing.T) {
	r, err := NewResampler(16000, 48000)
	require.NoError(t, err)

	in := make([]int16, 128)
	for i := range in {
		in[i] = 5000
	}
	for i, s := range r.Process(in) {
		require.InDelta(t, 5000, s, 1, "sample %d", i)
	}
}

func TestResamplerInvalidRates(t *testing.T) {
	_, err := NewResampler(0, 16000)
	require.Error(t, err)
	_, err = NewResampler(16000, -1)
	require.Error(t, err)
}

func TestScaleSaturates(t *testing.T) {
	samples := []int16{16000, -16000, 32767, -32768}
	Scale(samples, 4.0)
	require.Equal(t, []int16{32767, -32768, 32767, -32768}, samples)
}

func TestScaleUnityIsNoop(t *testing.T) {
	samples := []int16{1, 2, 3}
	Scale(samples, 1.0)
	require.Equal(t, []int16{1, 2, 3}, samples)
}

func TestScaleAttenuates(t *testing.T) {
	samples := []int16{10000, -10000}
	Scale(samples, 0.5)
	require.Equal(t, []int16{5000, -5000}, samples)
}

func TestIsSilence(t *testing.T) {
	require.True(t, IsSilence(make([]int16, 32)))
	require.True(t, IsSilence(nil))
	require.False(t, IsSilence([]int16{0, 0, 1}))
}

func TestSampleByteConversion(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768}
	buf := make([]byte, len(samples)*2)
	SamplesToBytes(samples, buf)
	require.Equal(t, samples, BytesToSamples(buf))
}
