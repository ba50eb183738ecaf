package live

import "time"

// ConnectionState is the externally observable lifecycle state of a
// session controller.
type ConnectionState int32

const (
	// StateDisconnected means no session is open.
	StateDisconnected ConnectionState = iota
	// StateConnecting means devices are acquired and the transport dial
	// is in flight but the remote has not confirmed the session yet.
	StateConnecting
	// StateConnected means the duplex session is live and media flows.
	StateConnected
	// StateError means the last session ended abnormally. A new Connect
	// may be issued from this state.
	StateError
)

// String returns a human-readable state name.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// AudioConfig specifies audio format parameters.
type AudioConfig struct {
	// SampleRate in Hz. The session uses 16000 for capture and 24000 for
	// playback.
	SampleRate int `json:"sample_rate"`

	// Channels: 1 for mono, 2 for stereo.
	Channels int `json:"channels"`

	// BitsPerSample: typically 16 for PCM.
	BitsPerSample int `json:"bits_per_sample"`
}

// CaptureAudioConfig returns the microphone capture format (16 kHz mono).
func CaptureAudioConfig() AudioConfig {
	return AudioConfig{SampleRate: 16000, Channels: 1, BitsPerSample: 16}
}

// PlaybackAudioConfig returns the synthesized speech format (24 kHz mono).
func PlaybackAudioConfig() AudioConfig {
	return AudioConfig{SampleRate: 24000, Channels: 1, BitsPerSample: 16}
}

// BytesPerSecond returns the audio byte rate.
func (c AudioConfig) BytesPerSecond() int {
	return c.SampleRate * c.Channels * (c.BitsPerSample / 8)
}

// Duration returns the play time of the given byte count.
func (c AudioConfig) Duration(bytes int) time.Duration {
	bps := c.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(bytes) * time.Second / time.Duration(bps)
}

// BytesFor returns the byte count for the given duration.
func (c AudioConfig) BytesFor(d time.Duration) int {
	return int(int64(c.BytesPerSecond()) * int64(d) / int64(time.Second))
}

// SessionConfig holds configuration for one live session.
type SessionConfig struct {
	// Model is the live model to converse with.
	Model string `json:"model"`

	// System is the system instruction for the session.
	System string `json:"system,omitempty"`

	// CaptureAudio is the microphone format. Default: 16 kHz mono PCM.
	CaptureAudio AudioConfig `json:"capture_audio"`

	// PlaybackAudio is the inbound speech format. Default: 24 kHz mono PCM.
	PlaybackAudio AudioConfig `json:"playback_audio"`

	// MicBlockSamples is the fixed microphone block size. Default: 4096.
	MicBlockSamples int `json:"mic_block_samples"`

	// VideoInterval is the camera snapshot cadence. Default: 1s.
	VideoInterval time.Duration `json:"video_interval"`

	// VideoMaxWidth/VideoMaxHeight bound the downscaled snapshot.
	// Default: 320x180.
	VideoMaxWidth  int `json:"video_max_width"`
	VideoMaxHeight int `json:"video_max_height"`

	// VideoJPEGQuality is the snapshot encode quality (1-100). Low by
	// default; snapshots are context, not footage. Default: 40.
	VideoJPEGQuality int `json:"video_jpeg_quality"`
}

// DefaultSessionConfig returns a SessionConfig with sensible defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Model:            "gemini-2.0-flash-live-001",
		CaptureAudio:     CaptureAudioConfig(),
		PlaybackAudio:    PlaybackAudioConfig(),
		MicBlockSamples:  4096,
		VideoInterval:    time.Second,
		VideoMaxWidth:    320,
		VideoMaxHeight:   180,
		VideoJPEGQuality: 40,
	}
}

// withDefaults fills zero fields so a partially specified config is usable.
func (c SessionConfig) withDefaults() SessionConfig {
	def := DefaultSessionConfig()
	if c.Model == "" {
		c.Model = def.Model
	}
	if c.CaptureAudio.SampleRate == 0 {
		c.CaptureAudio = def.CaptureAudio
	}
	if c.PlaybackAudio.SampleRate == 0 {
		c.PlaybackAudio = def.PlaybackAudio
	}
	if c.MicBlockSamples <= 0 {
		c.MicBlockSamples = def.MicBlockSamples
	}
	if c.VideoInterval <= 0 {
		c.VideoInterval = def.VideoInterval
	}
	if c.VideoMaxWidth <= 0 {
		c.VideoMaxWidth = def.VideoMaxWidth
	}
	if c.VideoMaxHeight <= 0 {
		c.VideoMaxHeight = def.VideoMaxHeight
	}
	if c.VideoJPEGQuality <= 0 {
		c.VideoJPEGQuality = def.VideoJPEGQuality
	}
	return c
}

// Location is a latitude/longitude pair supplied by an external
// geolocation collaborator. The core only ever reads the most recent
// value; there is no staleness guard.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}
