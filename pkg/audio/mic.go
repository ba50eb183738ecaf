package audio

import (
	"context"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/fieldlens/companion/pkg/core/live"
)

// Mic captures audio from the default input device and hands it out as
// fixed-size float32 blocks. Implements live.MicSource.
type Mic struct {
	ctx       *malgo.AllocatedContext
	device    *malgo.Device
	blockSize int

	mu     sync.Mutex
	buf    []byte
	closed bool
	notify chan struct{}
}

var _ live.MicSource = (*Mic)(nil)

// NewMic opens the default capture device at the given format and starts
// recording. blockSamples is the number of samples per ReadBlock.
func NewMic(format live.AudioConfig, blockSamples int) (*Mic, error) {
	if blockSamples <= 0 {
		return nil, fmt.Errorf("block size must be positive")
	}

	malgoCtx, err := malgo.InitContext(nil, malgo.ContextConfig{
		ThreadPriority: malgo.ThreadPriorityRealtime,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("init capture context: %w", err)
	}

	m := &Mic{
		ctx:       malgoCtx,
		blockSize: blockSamples * 2,
		buf:       make([]byte, 0, format.BytesPerSecond()),
		notify:    make(chan struct{}, 1),
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(format.Channels)
	deviceConfig.SampleRate = uint32(format.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = 20

	device, err := malgo.InitDevice(malgoCtx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: func(_, samples []byte, _ uint32) {
			m.mu.Lock()
			m.buf = append(m.buf, samples...)
			m.mu.Unlock()
			select {
			case m.notify <- struct{}{}:
			default:
			}
		},
	})
	if err != nil {
		_ = malgoCtx.Uninit()
		malgoCtx.Free()
		return nil, fmt.Errorf("init microphone: %w", err)
	}
	m.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		_ = malgoCtx.Uninit()
		malgoCtx.Free()
		return nil, fmt.Errorf("start microphone: %w", err)
	}
	return m, nil
}

// ReadBlock blocks until a full block of samples is available and
// returns it as float32 in [-1, 1].
func (m *Mic) ReadBlock(ctx context.Context) ([]float32, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, fmt.Errorf("microphone is closed")
		}
		if len(m.buf) >= m.blockSize {
			block := make([]byte, m.blockSize)
			copy(block, m.buf)
			m.buf = m.buf[m.blockSize:]
			m.mu.Unlock()
			return live.PCM16ToFloats(block), nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.notify:
		}
	}
}

// Close stops the capture device and releases the audio context.
func (m *Mic) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	_ = m.device.Stop()
	m.device.Uninit()
	if err := m.ctx.Uninit(); err != nil {
		return err
	}
	m.ctx.Free()
	return nil
}
