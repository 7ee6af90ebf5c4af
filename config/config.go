// Package config loads the device configuration from YAML, with defaults
// matching the canonical 16 kHz mono pipeline.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hausnet/intercom-go/engine"
	"github.com/hausnet/intercom-go/proto"
)

type Audio struct {
	BusSampleRate     int     `yaml:"bus_sample_rate"`
	SampleRate        int     `yaml:"sample_rate"`
	FrameSize         int     `yaml:"frame_size"`
	SpeakerBufferSize int     `yaml:"speaker_buffer_size"`
	MicGain           float32 `yaml:"mic_gain"`
	MicAttenuation    float32 `yaml:"mic_attenuation"`
	SpeakerVolume     float32 `yaml:"speaker_volume"`
}

type AEC struct {
	Enabled          bool    `yaml:"enabled"`
	ReferenceDelayMs int     `yaml:"reference_delay_ms"`
	ReferenceGain    float32 `yaml:"reference_gain"`
}

type Session struct {
	Listen       string        `yaml:"listen"`
	AutoAccept   bool          `yaml:"auto_accept"`
	RingTimeout  time.Duration `yaml:"ring_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
}

type Broker struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr"`
	Listen      string        `yaml:"listen"`
	CallTimeout time.Duration `yaml:"call_timeout"`
}

type Log struct {
	Level string `yaml:"level"`
}

type Config struct {
	DeviceID string  `yaml:"device_id"`
	Audio    Audio   `yaml:"audio"`
	AEC      AEC     `yaml:"aec"`
	Session  Session `yaml:"session"`
	Broker   Broker  `yaml:"broker"`
	Log      Log     `yaml:"log"`
}

// Default returns the configuration of a stock device.
func Default() Config {
	return Config{
		DeviceID: "intercom",
		Audio: Audio{
			BusSampleRate:  proto.SampleRate,
			SampleRate:     proto.SampleRate,
			MicGain:        1.0,
			MicAttenuation: 1.0,
			SpeakerVolume:  1.0,
		},
		AEC: AEC{
			ReferenceGain: 1.0,
		},
		Session: Session{
			Listen:       fmt.Sprintf(":%d", proto.DefaultPort),
			RingTimeout:  proto.BrokerCallTimeout,
			PingInterval: 5 * time.Second,
		},
		Broker: Broker{
			Addr:        fmt.Sprintf("localhost:%d", proto.DefaultBrokerPort),
			Listen:      fmt.Sprintf(":%d", proto.DefaultBrokerPort),
			CallTimeout: proto.BrokerCallTimeout,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.DeviceID == "" {
		return fmt.Errorf("config: device_id must not be empty")
	}
	if len(c.DeviceID) > proto.MaxDeviceIDLen {
		return fmt.Errorf("config: device_id exceeds %d bytes", proto.MaxDeviceIDLen)
	}
	if c.Audio.SampleRate <= 0 || c.Audio.BusSampleRate <= 0 {
		return fmt.Errorf("config: sample rates must be positive")
	}
	if c.Audio.BusSampleRate%c.Audio.SampleRate != 0 {
		return fmt.Errorf("config: bus_sample_rate %d not an exact multiple of sample_rate %d",
			c.Audio.BusSampleRate, c.Audio.SampleRate)
	}
	if c.Audio.SpeakerVolume < 0 || c.Audio.SpeakerVolume > 1 {
		return fmt.Errorf("config: speaker_volume out of range [0, 1]")
	}
	if c.Audio.MicGain < 0 || c.Audio.MicGain > 2 {
		return fmt.Errorf("config: mic_gain out of range [0, 2]")
	}
	return nil
}

// EngineConfig maps the audio and AEC sections onto the pipeline config.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		BusRate:           c.Audio.BusSampleRate,
		ProcessingRate:    c.Audio.SampleRate,
		FrameSize:         c.Audio.FrameSize,
		SpeakerBufferSize: c.Audio.SpeakerBufferSize,
		MicGain:           c.Audio.MicGain,
		MicAttenuation:    c.Audio.MicAttenuation,
		SpeakerVolume:     c.Audio.SpeakerVolume,
		AECRefDelay:       time.Duration(c.AEC.ReferenceDelayMs) * time.Millisecond,
		AECRefGain:        c.AEC.ReferenceGain,
	}
}

// LogLevel maps the configured level onto slog.
func (c *Config) LogLevel() (slog.Level, error) {
	switch c.Log.Level {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("config: unknown log level %q", c.Log.Level)
	}
}
