package live

// Event is one inbound occurrence on the duplex session. The transport
// delivers events in arrival order on a single channel; the controller
// consumes them on one sequential loop, which is what preserves playback
// ordering without extra locking.
type Event interface {
	eventType() string
}

// OpenEvent signals that the remote confirmed the session.
type OpenEvent struct{}

func (OpenEvent) eventType() string { return "open" }

// AudioEvent carries one inbound synthesized speech segment.
type AudioEvent struct {
	// Data is raw 16-bit little-endian PCM.
	Data []byte
	// Format describes Data. Zero value means the session's playback
	// format.
	Format AudioConfig
}

func (AudioEvent) eventType() string { return "audio" }

// ToolCallEvent carries one or more remote tool invocations. Invocations
// arriving in one event belong to the same remote turn and are resolved
// together, matched by identifier.
type ToolCallEvent struct {
	Calls []ToolCall
}

func (ToolCallEvent) eventType() string { return "tool_call" }

// ToolCall is a single remote invocation request.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// InterruptedEvent signals that the remote ended its speaking turn
// abnormally (user barge-in). All scheduled playback must stop at once.
type InterruptedEvent struct{}

func (InterruptedEvent) eventType() string { return "interrupted" }

// TurnCompleteEvent signals that the remote finished a speaking turn
// normally.
type TurnCompleteEvent struct{}

func (TurnCompleteEvent) eventType() string { return "turn_complete" }

// ClosedEvent signals that the transport closed. Err is nil for a clean
// close.
type ClosedEvent struct {
	Err error
}

func (ClosedEvent) eventType() string { return "closed" }

// ErrorEvent signals a transport or protocol failure. The session is no
// longer usable after it.
type ErrorEvent struct {
	Err error
}

func (ErrorEvent) eventType() string { return "error" }

// Transport is the duplex media session as the controller consumes it.
// Implementations deliver inbound traffic on Events in arrival order and
// close the channel once the session is finished.
type Transport interface {
	// Events yields inbound events until the session ends.
	Events() <-chan Event

	// SendAudio sends one captured PCM block (16 kHz mono by default).
	SendAudio(pcm []byte) error

	// SendImage sends one compressed camera snapshot (JPEG).
	SendImage(jpeg []byte) error

	// SendToolResults returns resolved invocations, keyed by id.
	SendToolResults(results []ToolResult) error

	// Close tears the session down. Safe to call more than once.
	Close() error
}

// ToolResult is the resolution of one ToolCall, sent back on the session.
type ToolResult struct {
	ID      string
	Name    string
	Output  ToolOutput
	IsError bool
}
