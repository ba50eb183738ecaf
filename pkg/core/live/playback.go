package live

import (
	"log/slog"
	"sync"
	"time"
)

// Clock is the output playback clock. Implementations must be
// monotonically non-decreasing.
type Clock interface {
	Now() time.Duration
}

// Handle represents one scheduled segment. Stop aborts it; stopping a
// segment that already finished is not an error worth surfacing, so
// callers may swallow it.
type Handle interface {
	Stop() error
}

// Sink plays PCM segments on the output clock. Play schedules pcm to
// begin at startAt and must invoke done exactly once when the segment
// finishes naturally or is stopped. Play must not invoke done before
// returning: the scheduler holds its own lock across Play and done
// re-enters that lock.
type Sink interface {
	Play(pcm []byte, format AudioConfig, startAt time.Duration, done func()) (Handle, error)
}

// Scheduler consumes inbound audio segments in arrival order and plays
// them gaplessly: each segment starts exactly where the previous one
// ends, or immediately if the queue drained.
//
// The "next start" marker is monotonically non-decreasing except on an
// explicit Interrupt, which resets it to the clock's current time.
type Scheduler struct {
	sink   Sink
	clock  Clock
	logger *slog.Logger

	mu        sync.Mutex
	nextStart time.Duration
	active    map[int64]Handle
	seq       int64
	speaking  bool

	onSpeaking func(bool)
}

// NewScheduler creates a playback scheduler over the given sink and clock.
func NewScheduler(sink Sink, clock Clock, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		sink:   sink,
		clock:  clock,
		logger: logger,
		active: make(map[int64]Handle),
	}
}

// OnSpeaking registers a callback invoked whenever the remote-is-speaking
// observable flips. Must be set before the first Enqueue.
func (s *Scheduler) OnSpeaking(fn func(bool)) {
	s.mu.Lock()
	s.onSpeaking = fn
	s.mu.Unlock()
}

// Speaking reports whether any segment is currently scheduled or playing.
func (s *Scheduler) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// Reset re-baselines the marker to the clock's current time. Called once
// at session connect.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.nextStart = s.clock.Now()
	s.mu.Unlock()
}

// NextStart returns the current marker value.
func (s *Scheduler) NextStart() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}

// Enqueue schedules one inbound segment back-to-back with whatever is
// already queued. A failing segment is dropped and logged; the scheduler
// and the session keep running.
func (s *Scheduler) Enqueue(seg AudioEvent) {
	format := seg.Format
	if format.SampleRate == 0 {
		format = PlaybackAudioConfig()
	}
	duration := format.Duration(len(seg.Data))
	if duration <= 0 {
		return
	}

	s.mu.Lock()
	startAt := s.nextStart
	if now := s.clock.Now(); now > startAt {
		startAt = now
	}
	s.seq++
	id := s.seq

	handle, err := s.sink.Play(seg.Data, format, startAt, func() { s.segmentDone(id) })
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("dropping audio segment", "error", err, "bytes", len(seg.Data))
		return
	}
	s.active[id] = handle
	s.nextStart = startAt + duration
	notify := !s.speaking
	s.speaking = true
	fn := s.onSpeaking
	s.mu.Unlock()

	if notify && fn != nil {
		fn(true)
	}
}

func (s *Scheduler) segmentDone(id int64) {
	s.mu.Lock()
	delete(s.active, id)
	notify := s.speaking && len(s.active) == 0
	if notify {
		s.speaking = false
	}
	fn := s.onSpeaking
	s.mu.Unlock()

	if notify && fn != nil {
		fn(false)
	}
}

// Interrupt stops every active segment immediately, clears the set, and
// resets the marker to "now". Runs synchronously with the interruption
// signal so no stale audio bleeds through.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	handles := make([]Handle, 0, len(s.active))
	for id, h := range s.active {
		handles = append(handles, h)
		delete(s.active, id)
	}
	s.nextStart = s.clock.Now()
	notify := s.speaking
	s.speaking = false
	fn := s.onSpeaking
	s.mu.Unlock()

	for _, h := range handles {
		// Stop errors from already-finished segments are uninteresting.
		_ = h.Stop()
	}
	if notify && fn != nil {
		fn(false)
	}
}

// ActiveCount reports how many segments are scheduled or playing.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
