package audio

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecimatorIdentityRatio(t *testing.T) {
	var d Decimator
	require.NoError(t, d.Init(1))

	in := []int16{1, -2, 3, -4, 32767, -32768, 0, 100}
	out := make([]int16, len(in))
	n, err := d.Process(in, out)
	require.NoError(t, err)
	require.Equal(t, len(in), n)
	require.Equal(t, in, out)
}

func TestDecimatorOutputCount(t *testing.T) {
	var d Decimator
	require.NoError(t, d.Init(3))

	in := make([]int16, 3*96)
	out := make([]int16, 96)
	n, err := d.Process(in, out)
	require.NoError(t, err)
	require.Equal(t, 96, n)
}

func TestDecimatorRejectsPartialRatio(t *testing.T) {
	var d Decimator
	require.NoError(t, d.Init(3))

	_, err := d.Process(make([]int16, 100), make([]int16, 34))
	require.Error(t, err)
}

func TestDecimatorRejectsBadRatio(t *testing.T) {
	var d Decimator
	require.Error(t, d.Init(0))
	require.Error(t, d.Init(MaxDecimationRatio+1))
}

// A constant (DC) input must converge to the same constant at the output:
// the kernel has unity DC gain.
func TestDecimatorUnityDCGain(t *testing.T) {
	var d Decimator
	require.NoError(t, d.Init(3))

	const dc = 10000
	in := make([]int16, 3*256)
	for i := range in {
		in[i] = dc
	}
	out := make([]int16, 256)
	n, err := d.Process(in, out)
	require.NoError(t, err)
	require.Equal(t, 256, n)

	// Skip the filter's group delay, then expect convergence within a small
	// numeric tolerance.
	for i := firTaps; i < n; i++ {
		require.InDelta(t, dc, out[i], 16, "sample %d", i)
	}
}

func TestDecimatorSaturatesInsteadOfWrapping(t *testing.T) {
	var d Decimator
	require.NoError(t, d.Init(2))

	in := make([]int16, 2*128)
	for i := range in {
		in[i] = 32767
	}
	out := make([]int16, 128)
	_, err := d.Process(in, out)
	require.NoError(t, err)
	for i, s := range out {
		require.GreaterOrEqual(t, s, int16(-32768), "sample %d wrapped", i)
	}
}

func TestDecimatorResetClearsState(t *testing.T) {
	var d Decimator
	require.NoError(t, d.Init(2))

	loud := make([]int16, 64)
	for i := range loud {
		loud[i] = 30000
	}
	out := make([]int16, 32)
	_, err := d.Process(loud, out)
	require.NoError(t, err)

	d.Reset()

	// After a reset, silence in produces silence out immediately: no energy
	// from the previous stream remains in the delay line.
	silence := make([]int16, 64)
	_, err = d.Process(silence, out)
	require.NoError(t, err)
	for i, s := range out {
		require.Equal(t, int16(0), s, "residual energy at sample %d", i)
	}
}
