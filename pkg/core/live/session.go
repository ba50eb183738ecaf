package live

import (
	"context"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/fieldlens/companion/pkg/core"
)

// Dependencies are the collaborators a Controller needs. Dial, OpenMic,
// Sink and Clock are required; OpenCamera and Places are optional
// (sessions without video or without the map tool are valid).
type Dependencies struct {
	// Dial opens the duplex transport.
	Dial func(ctx context.Context) (Transport, error)

	// OpenMic acquires the microphone device.
	OpenMic func(ctx context.Context) (MicSource, error)

	// OpenCamera acquires the camera device. Nil means no video stream.
	OpenCamera func(ctx context.Context) (FrameSource, error)

	// Sink and Clock drive the playback scheduler.
	Sink  Sink
	Clock Clock

	// Places backs the map lookup tool. Nil disables the tool.
	Places PlaceFinder

	// EncodeFrame compresses a camera frame for the wire. Required when
	// OpenCamera is set.
	EncodeFrame func(img image.Image) ([]byte, error)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Controller owns exactly one live session at a time: it opens and closes
// the duplex transport, wires capture output into it, routes inbound
// events to the playback scheduler and the tool dispatcher, and exposes
// the external-facing connection state.
type Controller struct {
	cfg    SessionConfig
	deps   Dependencies
	logger *slog.Logger

	scheduler *Scheduler

	state    atomic.Int32
	location atomic.Value // Location
	capture  atomic.Pointer[Capture]

	cbMu                 sync.Mutex
	onToolResult         func(out ToolOutput)
	onCredentialRejected func()
	onStateChange        func(state ConnectionState)

	mu   sync.Mutex
	sess *activeSession
}

// activeSession bundles the resources owned by the current connection.
type activeSession struct {
	transport  Transport
	mic        MicSource
	camera     FrameSource
	capture    *Capture
	dispatcher *Dispatcher
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewController creates a controller in the Disconnected state.
func NewController(cfg SessionConfig, deps Dependencies) *Controller {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	c := &Controller{
		cfg:       cfg.withDefaults(),
		deps:      deps,
		logger:    deps.Logger,
		scheduler: NewScheduler(deps.Sink, deps.Clock, deps.Logger),
	}
	c.location.Store(Location{})
	return c
}

// State returns the current connection state.
func (c *Controller) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// IsRemoteSpeaking reports whether synthesized speech is currently
// scheduled or playing.
func (c *Controller) IsRemoteSpeaking() bool {
	return c.scheduler.Speaking()
}

// InputLoudness returns the RMS energy of the latest microphone block, or
// zero when no session is capturing.
func (c *Controller) InputLoudness() float64 {
	if pipe := c.capture.Load(); pipe != nil {
		return pipe.Loudness()
	}
	return 0
}

// SetLocation records the latest known device location. Written by the
// external geolocation collaborator at its own cadence; tool invocations
// read whatever value is current when they run.
func (c *Controller) SetLocation(lat, lng float64) {
	c.location.Store(Location{Lat: lat, Lng: lng})
}

// Location returns the most recent known location.
func (c *Controller) Location() Location {
	return c.location.Load().(Location)
}

// OnToolResult registers the UI callback for lookup results.
func (c *Controller) OnToolResult(fn func(out ToolOutput)) {
	c.cbMu.Lock()
	c.onToolResult = fn
	c.cbMu.Unlock()
}

// OnCredentialRejected registers the UI callback fired when the remote
// rejects the API credential. The caller is expected to re-select a
// credential and issue a fresh Connect.
func (c *Controller) OnCredentialRejected(fn func()) {
	c.cbMu.Lock()
	c.onCredentialRejected = fn
	c.cbMu.Unlock()
}

// OnStateChange registers a callback for connection state transitions.
func (c *Controller) OnStateChange(fn func(state ConnectionState)) {
	c.cbMu.Lock()
	c.onStateChange = fn
	c.cbMu.Unlock()
}

// OnSpeaking registers a callback for the remote-is-speaking observable.
func (c *Controller) OnSpeaking(fn func(speaking bool)) {
	c.scheduler.OnSpeaking(fn)
}

// Connect acquires the local devices, opens the duplex transport and
// moves the controller to Connecting. The Connected state is entered when
// the transport's open event arrives. Calling Connect while a session is
// already Connecting or Connected is rejected; it never opens a second
// overlapping session.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case StateConnecting, StateConnected:
		return core.NewInvalidRequestError("session is already open")
	}
	c.setState(StateConnecting)

	mic, err := c.deps.OpenMic(ctx)
	if err != nil {
		c.setState(StateError)
		return core.NewDeviceError("microphone", err)
	}

	var camera FrameSource
	if c.deps.OpenCamera != nil {
		camera, err = c.deps.OpenCamera(ctx)
		if err != nil {
			_ = mic.Close()
			c.setState(StateError)
			return core.NewDeviceError("camera", err)
		}
	}

	transport, err := c.deps.Dial(ctx)
	if err != nil {
		_ = mic.Close()
		if camera != nil {
			_ = camera.Close()
		}
		c.setState(StateError)
		if core.IsCredentialError(err) {
			c.fireCredentialRejected()
		}
		return err
	}

	sessCtx, cancel := context.WithCancel(context.Background())

	dispatcher := NewDispatcher(transport.SendToolResults, c.logger)
	dispatcher.OnResult(func(out ToolOutput) {
		c.cbMu.Lock()
		fn := c.onToolResult
		c.cbMu.Unlock()
		if fn != nil {
			fn(out)
		}
	})
	dispatcher.OnCredentialRejected(func(err error) {
		c.logger.Error("credential rejected during tool lookup", "error", err)
		c.fireCredentialRejected()
		go c.teardown(StateError, false)
	})
	if c.deps.Places != nil {
		dispatcher.Register(ToolLookupMapInfo, MapLookupHandler(c.deps.Places, c.Location))
	}

	capture := NewCapture(c.cfg, mic, camera,
		transport.SendAudio, transport.SendImage, c.deps.EncodeFrame, c.logger)

	sess := &activeSession{
		transport:  transport,
		mic:        mic,
		camera:     camera,
		capture:    capture,
		dispatcher: dispatcher,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	c.sess = sess
	c.capture.Store(capture)

	go c.eventLoop(sessCtx, sess)
	return nil
}

// Disconnect tears the current session down and forces the state to
// Disconnected. Safe to call from any state, multiple times, and from
// within an error handler.
func (c *Controller) Disconnect() {
	c.teardown(StateDisconnected, true)
}

// eventLoop is the single sequential consumer of inbound traffic. All
// ordering-sensitive mutation (playback scheduling, interruption) happens
// here; only tool handlers fan out.
func (c *Controller) eventLoop(ctx context.Context, sess *activeSession) {
	defer close(sess.done)

	for event := range sess.transport.Events() {
		switch e := event.(type) {
		case OpenEvent:
			c.setState(StateConnected)
			c.scheduler.Reset()
			sess.capture.Start(ctx)
			c.logger.Info("session connected", "model", c.cfg.Model)
		case AudioEvent:
			c.scheduler.Enqueue(e)
		case ToolCallEvent:
			sess.dispatcher.Dispatch(ctx, e)
		case InterruptedEvent:
			c.scheduler.Interrupt()
			c.logger.Debug("remote turn interrupted")
		case TurnCompleteEvent:
			c.logger.Debug("remote turn complete")
		case ClosedEvent:
			if e.Err != nil {
				c.logger.Warn("session closed abnormally", "error", e.Err)
				c.teardown(StateError, false)
			} else {
				c.teardown(StateDisconnected, false)
			}
			return
		case ErrorEvent:
			c.logger.Error("session error", "error", e.Err)
			if core.IsCredentialError(e.Err) {
				c.fireCredentialRejected()
			}
			c.teardown(StateError, false)
			return
		}
	}

	// Channel closed without an explicit close/error frame; treat it as a
	// transport close.
	c.teardown(StateDisconnected, false)
}

// teardown releases every session-owned resource exactly once and moves
// the controller to the given terminal state. No-op when no session is
// active, which is what makes Disconnect idempotent. force marks an
// explicit external Disconnect: only that may override a state set by an
// earlier teardown, so a trailing transport close cannot downgrade Error
// to Disconnected.
func (c *Controller) teardown(to ConnectionState, force bool) {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.mu.Unlock()

	if sess == nil {
		if force && c.State() != StateDisconnected {
			c.setState(StateDisconnected)
		}
		return
	}

	sess.cancel()
	sess.capture.Stop()
	c.capture.Store(nil)
	c.scheduler.Interrupt()
	_ = sess.transport.Close()
	_ = sess.mic.Close()
	if sess.camera != nil {
		_ = sess.camera.Close()
	}
	c.setState(to)
}

func (c *Controller) setState(s ConnectionState) {
	if ConnectionState(c.state.Swap(int32(s))) == s {
		return
	}
	c.cbMu.Lock()
	fn := c.onStateChange
	c.cbMu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (c *Controller) fireCredentialRejected() {
	c.cbMu.Lock()
	fn := c.onCredentialRejected
	c.cbMu.Unlock()
	if fn != nil {
		fn()
	}
}
