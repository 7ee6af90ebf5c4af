package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hausnet/intercom-go/proto"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "intercom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadEmptyPathGivesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.Equal(t, proto.SampleRate, cfg.Audio.SampleRate)
	require.Equal(t, float32(1.0), cfg.Audio.SpeakerVolume)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
device_id: kitchen
audio:
  bus_sample_rate: 48000
  mic_gain: 1.5
aec:
  enabled: true
  reference_delay_ms: 40
session:
  auto_accept: true
  ring_timeout: 10s
broker:
  enabled: true
  addr: broker.local:6060
log:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "kitchen", cfg.DeviceID)
	require.Equal(t, 48000, cfg.Audio.BusSampleRate)
	require.Equal(t, proto.SampleRate, cfg.Audio.SampleRate, "untouched fields keep defaults")
	require.Equal(t, float32(1.5), cfg.Audio.MicGain)
	require.True(t, cfg.AEC.Enabled)
	require.True(t, cfg.Session.AutoAccept)
	require.Equal(t, 10*time.Second, cfg.Session.RingTimeout)
	require.True(t, cfg.Broker.Enabled)
	require.Equal(t, "broker.local:6060", cfg.Broker.Addr)

	level, err := cfg.LogLevel()
	require.NoError(t, err)
	require.Equal(t, slog.LevelDebug, level)
}

func TestLoadRejectsInexactRatio(t *testing.T) {
	path := writeConfig(t, `
audio:
  bus_sample_rate: 44100
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsBadRanges(t *testing.T) {
	for _, body := range []string{
		"audio:\n  speaker_volume: 1.5\n",
		"audio:\n  mic_gain: 3.0\n",
		"device_id: \"\"\n",
	} {
		path := writeConfig(t, body)
		_, err := Load(path)
		require.Error(t, err, body)
	}
}

func TestEngineConfigMapping(t *testing.T) {
	cfg := Default()
	cfg.Audio.BusSampleRate = 48000
	cfg.AEC.ReferenceDelayMs = 25

	ec := cfg.EngineConfig()
	require.Equal(t, 48000, ec.BusRate)
	require.Equal(t, proto.SampleRate, ec.ProcessingRate)
	require.Equal(t, 25*time.Millisecond, ec.AECRefDelay)
}

func TestUnknownLogLevel(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "loud"
	_, err := cfg.LogLevel()
	require.Error(t, err)
}
