package audio

import (
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/fieldlens/companion/pkg/core/live"
)

// Speaker plays scheduled PCM through the default output device. It
// implements live.Sink and live.Clock over a shared playout timeline, so
// the clock handed to the scheduler is the actual device position.
//
// oto allows one context per process, so create at most one Speaker.
type Speaker struct {
	timeline *timeline
	player   *oto.Player

	mu     sync.Mutex
	closed bool
}

var (
	_ live.Sink  = (*Speaker)(nil)
	_ live.Clock = (*Speaker)(nil)
)

// NewSpeaker opens the output device for the given format and starts the
// playout stream. The stream runs silence until segments are scheduled.
func NewSpeaker(format live.AudioConfig) (*Speaker, error) {
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   format.SampleRate,
		ChannelCount: format.Channels,
		Format:       oto.FormatSignedInt16LE,
		// Small device buffer for low latency.
		BufferSize: 100 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("init speaker: %w", err)
	}
	<-ready

	s := &Speaker{timeline: newTimeline(format)}
	s.player = ctx.NewPlayer(speakerStream{s})
	s.player.Play()
	return s, nil
}

// Now returns the playout position. Implements live.Clock.
func (s *Speaker) Now() time.Duration {
	return s.timeline.now()
}

// Play schedules pcm to start at startAt on the playout timeline. done
// fires when the segment has been fully handed to the device or was
// stopped. Implements live.Sink.
func (s *Speaker) Play(pcm []byte, format live.AudioConfig, startAt time.Duration, done func()) (live.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("speaker is closed")
	}
	if format.SampleRate != s.timeline.format.SampleRate || format.Channels != s.timeline.format.Channels {
		return nil, fmt.Errorf("segment format %dHz/%dch does not match device %dHz/%dch",
			format.SampleRate, format.Channels, s.timeline.format.SampleRate, s.timeline.format.Channels)
	}
	return s.timeline.schedule(pcm, startAt, done), nil
}

// Close stops playback. The oto context itself cannot be torn down; the
// player just stops pulling.
func (s *Speaker) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.player.Close()
}

// speakerStream adapts the timeline to the io.Reader oto pulls from.
type speakerStream struct {
	s *Speaker
}

func (r speakerStream) Read(p []byte) (int, error) {
	return r.s.timeline.read(p), nil
}
