package live

import (
	"context"
	"image"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// MicSource is an open microphone device. ReadBlock blocks until one
// fixed-size sample block is available and must return promptly with
// ctx.Err() once ctx is canceled.
type MicSource interface {
	ReadBlock(ctx context.Context) ([]float32, error)
	Close() error
}

// FrameSource is an open camera device. Frame returns the most recent
// video frame, or ok=false while video is not ready; a not-ready tick is
// skipped silently, not an error.
type FrameSource interface {
	Frame() (image.Image, bool)
	Close() error
}

// Capture runs the two outbound media streams of an open session: fixed
// microphone blocks and, on an independent slower cadence, downsampled
// camera snapshots. The streams never block each other, and sends are
// fire-and-forget: a failed send is logged and the stream keeps going.
type Capture struct {
	cfg    SessionConfig
	mic    MicSource
	camera FrameSource

	sendAudio   func(pcm []byte) error
	sendImage   func(jpeg []byte) error
	encodeFrame func(img image.Image) ([]byte, error)

	logger *slog.Logger

	loudness atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCapture wires a capture pipeline. camera may be nil when no video
// device is held; encodeFrame is required only when camera is set.
func NewCapture(
	cfg SessionConfig,
	mic MicSource,
	camera FrameSource,
	sendAudio func(pcm []byte) error,
	sendImage func(jpeg []byte) error,
	encodeFrame func(img image.Image) ([]byte, error),
	logger *slog.Logger,
) *Capture {
	if logger == nil {
		logger = slog.Default()
	}
	return &Capture{
		cfg:         cfg.withDefaults(),
		mic:         mic,
		camera:      camera,
		sendAudio:   sendAudio,
		sendImage:   sendImage,
		encodeFrame: encodeFrame,
		logger:      logger,
	}
}

// Start launches the audio and video streams. Both stop when ctx is
// canceled or Stop is called.
func (c *Capture) Start(ctx context.Context) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.wg.Add(1)
	go c.audioLoop(ctx)

	if c.camera != nil {
		c.wg.Add(1)
		go c.videoLoop(ctx)
	}
}

// Stop tears both streams down and waits for them to exit. Idempotent.
func (c *Capture) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

// Loudness returns the RMS energy of the most recent microphone block.
func (c *Capture) Loudness() float64 {
	return math.Float64frombits(c.loudness.Load())
}

func (c *Capture) audioLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		block, err := c.mic.ReadBlock(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("microphone read failed, stopping audio capture", "error", err)
			}
			return
		}
		if len(block) == 0 {
			continue
		}
		c.loudness.Store(math.Float64bits(RMSEnergy(block)))
		if err := c.sendAudio(FloatsToPCM16(block)); err != nil {
			// Fire-and-forget: outbound audio is best-effort, the
			// transport's own error event ends the session if it is gone.
			c.logger.Warn("audio send failed", "error", err)
		}
	}
}

func (c *Capture) videoLoop(ctx context.Context) {
	defer c.wg.Done()
	interval := c.cfg.VideoInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.captureFrame()
		}
	}
}

func (c *Capture) captureFrame() {
	frame, ok := c.camera.Frame()
	if !ok {
		// Video not ready yet; skip the tick.
		return
	}
	jpeg, err := c.encodeFrame(frame)
	if err != nil {
		c.logger.Warn("frame encode failed", "error", err)
		return
	}
	if err := c.sendImage(jpeg); err != nil {
		c.logger.Warn("image send failed", "error", err)
	}
}
