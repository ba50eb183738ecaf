// Package live implements the streaming session core of the companion
// client: one duplex media session that carries microphone audio and
// camera snapshots out, synthesized speech in, and tool invocations on
// the side.
//
// # Architecture
//
// The package provides the following components:
//
//   - Controller: owns the session lifecycle and wires everything else
//   - Scheduler: gapless playback of inbound audio segments
//   - Capture: microphone block and camera snapshot production
//   - Dispatcher: tool invocation registry and resolution
//   - PCM helpers: float <-> 16-bit little-endian conversion and metering
//
// # Data Flow
//
//	Mic/Camera → Capture → Controller → Transport
//	Transport  → Controller → {Scheduler, Dispatcher}
//	Dispatcher results → Controller → Transport
//
// The controller consumes the transport's inbound events on a single
// sequential loop; tool handlers run on their own goroutines so that a
// slow lookup never stalls audio in either direction.
//
// # State Machine
//
//	Disconnected → Connecting → Connected → Disconnected
//	                   │            │
//	                   └──→ Error ←─┘
//
// Both Disconnected and Error are re-enterable: a fresh Connect may be
// issued from either.
//
// # Usage
//
//	ctrl := live.NewController(cfg, live.Dependencies{
//	    Dial:    dialer,
//	    OpenMic: micOpener,
//	    Sink:    speaker,
//	    Clock:   speaker,
//	    Places:  placesClient,
//	})
//	ctrl.OnToolResult(func(out live.ToolOutput) { render(out) })
//	if err := ctrl.Connect(ctx); err != nil { ... }
//	defer ctrl.Disconnect()
package live
