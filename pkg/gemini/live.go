package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fieldlens/companion/pkg/core"
	"github.com/fieldlens/companion/pkg/core/live"
)

const defaultConnectTimeout = 15 * time.Second

// Config configures a live websocket session.
type Config struct {
	// APIKey authenticates the session. Required.
	APIKey string

	// Endpoint overrides the production websocket URL. Used by tests.
	Endpoint string

	// Model is the live model name, without the "models/" prefix.
	Model string

	// System is the system instruction text.
	System string

	// Tools are the function declarations offered to the model.
	Tools []FunctionDeclaration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Session is a live duplex connection to the Gemini service. It
// implements live.Transport: inbound frames are decoded onto Events(),
// outbound media goes through the Send methods.
type Session struct {
	conn   *websocket.Conn
	logger *slog.Logger

	events chan live.Event
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

var _ live.Transport = (*Session)(nil)

// Dial opens a websocket session and sends the setup frame. The returned
// session emits live.OpenEvent once the server acknowledges setup; media
// must not be sent before that.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, core.NewAuthenticationError("API key must not be empty")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, core.NewInvalidRequestError("model must not be empty")
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	wsURL := endpoint + "?key=" + url.QueryEscape(key)

	dialer := websocket.DefaultDialer
	if dialer == nil {
		dialer = &websocket.Dialer{}
	}

	dialCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		dialCtx, cancel = context.WithTimeout(ctx, defaultConnectTimeout)
		defer cancel()
	}

	conn, resp, err := dialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		if resp != nil {
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return nil, core.NewAuthenticationError(fmt.Sprintf("live handshake rejected (status %d)", resp.StatusCode))
			}
			return nil, &core.TransportError{Op: "GET", URL: wsURL, Err: fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)}
		}
		return nil, &core.TransportError{Op: "GET", URL: wsURL, Err: err}
	}

	setup := clientMessage{Setup: &Setup{
		Model:            "models/" + model,
		GenerationConfig: &GenerationConfig{ResponseModalities: []string{"AUDIO"}},
	}}
	if system := strings.TrimSpace(cfg.System); system != "" {
		setup.Setup.SystemInstruction = &Content{Parts: []Part{{Text: system}}}
	}
	if len(cfg.Tools) > 0 {
		setup.Setup.Tools = []Tool{{FunctionDeclarations: cfg.Tools}}
	}
	if err := conn.WriteJSON(setup); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send setup: %w", err)
	}

	s := &Session{
		conn:   conn,
		logger: logger,
		events: make(chan live.Event, 256),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Events yields decoded inbound events. The channel is closed after the
// terminal ClosedEvent or ErrorEvent.
func (s *Session) Events() <-chan live.Event {
	return s.events
}

// SendAudio streams one block of 16kHz mono PCM upstream.
func (s *Session) SendAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	return s.sendJSON(clientMessage{RealtimeInput: &RealtimeInput{
		MediaChunks: []Blob{{
			MIMEType: mimePCM16k,
			Data:     base64.StdEncoding.EncodeToString(pcm),
		}},
	}})
}

// SendImage streams one JPEG camera snapshot upstream.
func (s *Session) SendImage(jpeg []byte) error {
	if len(jpeg) == 0 {
		return nil
	}
	return s.sendJSON(clientMessage{RealtimeInput: &RealtimeInput{
		MediaChunks: []Blob{{
			MIMEType: mimeJPEG,
			Data:     base64.StdEncoding.EncodeToString(jpeg),
		}},
	}})
}

// SendToolResults returns a batch of function results to the model.
func (s *Session) SendToolResults(results []live.ToolResult) error {
	if len(results) == 0 {
		return nil
	}
	responses := make([]FunctionResponse, 0, len(results))
	for _, r := range results {
		response := map[string]any{}
		if r.IsError {
			response["error"] = r.Output.Text
		} else {
			response["output"] = r.Output
		}
		responses = append(responses, FunctionResponse{
			ID:       r.ID,
			Name:     r.Name,
			Response: response,
		})
	}
	return s.sendJSON(clientMessage{ToolResponse: &ToolResponse{FunctionResponses: responses}})
}

func (s *Session) sendJSON(v any) error {
	if s.closed.Load() {
		return core.NewInvalidRequestError("live session is closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(v); err != nil {
		return &core.TransportError{Op: "write", Err: err}
	}
	return nil
}

// Close closes the websocket session and waits for the read loop to
// drain. Safe to call multiple times.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	<-s.done
	return nil
}

func (s *Session) readLoop() {
	defer close(s.events)
	defer close(s.done)

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.emit(s.terminalEvent(err))
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		for _, event := range decodeServerFrame(data, s.logger) {
			s.emit(event)
		}
	}
}

// terminalEvent maps a read failure to the final event of the stream.
func (s *Session) terminalEvent(err error) live.Event {
	if s.closed.Load() {
		return live.ClosedEvent{}
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return live.ClosedEvent{}
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && isCredentialClose(closeErr) {
		return live.ErrorEvent{Err: core.NewAuthenticationError(strings.TrimSpace(closeErr.Text))}
	}
	return live.ClosedEvent{Err: &core.TransportError{Op: "read", Err: err}}
}

// isCredentialClose recognizes the close frames the service uses when it
// rejects the API key after the handshake.
func isCredentialClose(ce *websocket.CloseError) bool {
	if ce.Code == websocket.ClosePolicyViolation {
		return true
	}
	text := strings.ToLower(ce.Text)
	return strings.Contains(text, "api key") || strings.Contains(text, "unauthenticated") ||
		strings.Contains(text, "permission")
}

func (s *Session) emit(event live.Event) {
	if event == nil {
		return
	}
	select {
	case s.events <- event:
	default:
		// Avoid deadlocking the read loop if the consumer stops.
		s.logger.Warn("live event dropped, consumer not keeping up")
	}
}

// decodeServerFrame turns one inbound frame into zero or more events. A
// serverContent frame can carry audio, an interruption marker and a turn
// boundary at once; interruption is surfaced before any audio in the same
// frame so stale playback is flushed first.
func decodeServerFrame(data []byte, logger *slog.Logger) []live.Event {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return []live.Event{live.ErrorEvent{Err: core.NewAPIError(fmt.Sprintf("decode live frame: %v", err))}}
	}

	var events []live.Event
	switch {
	case msg.SetupComplete != nil:
		events = append(events, live.OpenEvent{})

	case msg.ServerContent != nil:
		sc := msg.ServerContent
		if sc.Interrupted {
			events = append(events, live.InterruptedEvent{})
		}
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part.InlineData == nil || !strings.HasPrefix(part.InlineData.MIMEType, "audio/") {
					continue
				}
				pcm, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
				if err != nil {
					logger.Warn("undecodable audio part", "error", err)
					continue
				}
				events = append(events, live.AudioEvent{Data: pcm, Format: live.PlaybackAudioConfig()})
			}
		}
		if sc.TurnComplete {
			events = append(events, live.TurnCompleteEvent{})
		}

	case msg.ToolCall != nil:
		calls := make([]live.ToolCall, 0, len(msg.ToolCall.FunctionCalls))
		for _, fc := range msg.ToolCall.FunctionCalls {
			args := map[string]any{}
			if len(fc.Args) > 0 {
				if err := json.Unmarshal(fc.Args, &args); err != nil {
					logger.Warn("undecodable tool call args", "name", fc.Name, "error", err)
				}
			}
			calls = append(calls, live.ToolCall{ID: fc.ID, Name: fc.Name, Args: args})
		}
		if len(calls) > 0 {
			events = append(events, live.ToolCallEvent{Calls: calls})
		}

	case msg.GoAway != nil:
		logger.Info("live service sent goAway", "time_left", msg.GoAway.TimeLeft)
	}
	return events
}
