// Package audio binds the live session to real capture and playback
// devices: a malgo microphone producing fixed-size sample blocks and an
// oto speaker that plays scheduled PCM segments gaplessly.
package audio

import (
	"sync"
	"time"

	"github.com/fieldlens/companion/pkg/core/live"
)

// segment is one scheduled span of PCM on the playout timeline.
type segment struct {
	data    []byte
	startAt time.Duration

	mu      sync.Mutex
	stopped bool
	fired   bool
	done    func()
}

// Stop removes the segment from playback. Implements live.Handle.
func (g *segment) Stop() error {
	g.mu.Lock()
	g.stopped = true
	g.mu.Unlock()
	g.fire()
	return nil
}

func (g *segment) isStopped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopped
}

// fire invokes the completion callback exactly once.
func (g *segment) fire() {
	g.mu.Lock()
	fired := g.fired
	g.fired = true
	done := g.done
	g.mu.Unlock()
	if !fired && done != nil {
		done()
	}
}

// timeline mixes scheduled segments onto a continuous sample stream. The
// stream position, advanced by every read, is the playback clock: a
// segment scheduled at startAt begins exactly when the device has pulled
// that much audio, with silence filling the gaps.
type timeline struct {
	format live.AudioConfig

	mu       sync.Mutex
	segments []*segment
	pulled   int64
}

func newTimeline(format live.AudioConfig) *timeline {
	return &timeline{format: format}
}

// now returns the stream position as a duration.
func (tl *timeline) now() time.Duration {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.format.Duration(int(tl.pulled))
}

// schedule adds a segment starting at startAt. Callers are expected to
// hand in non-overlapping segments in start order.
func (tl *timeline) schedule(pcm []byte, startAt time.Duration, done func()) *segment {
	g := &segment{data: pcm, startAt: startAt, done: done}
	tl.mu.Lock()
	tl.segments = append(tl.segments, g)
	tl.mu.Unlock()
	return g
}

// read fills p from the timeline, sample-aligned. Completion callbacks
// fire after the lock is released; the scheduler calls back into the
// timeline's owner from them.
func (tl *timeline) read(p []byte) int {
	n := len(p) &^ 1
	for i := 0; i < n; i++ {
		p[i] = 0
	}

	tl.mu.Lock()
	windowStart := tl.pulled
	windowEnd := windowStart + int64(n)

	var finished []*segment
	remaining := tl.segments[:0]
	for _, g := range tl.segments {
		if g.isStopped() {
			continue
		}
		segStart := int64(tl.format.BytesFor(g.startAt)) &^ 1
		segEnd := segStart + int64(len(g.data))

		if segEnd <= windowStart {
			finished = append(finished, g)
			continue
		}
		if segStart < windowEnd {
			from := segStart
			if from < windowStart {
				from = windowStart
			}
			to := segEnd
			if to > windowEnd {
				to = windowEnd
			}
			copy(p[from-windowStart:to-windowStart], g.data[from-segStart:to-segStart])
		}
		if segEnd <= windowEnd {
			finished = append(finished, g)
			continue
		}
		remaining = append(remaining, g)
	}
	tl.segments = remaining
	tl.pulled = windowEnd
	tl.mu.Unlock()

	for _, g := range finished {
		g.fire()
	}
	return n
}
