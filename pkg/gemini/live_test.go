package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fieldlens/companion/pkg/core"
	"github.com/fieldlens/companion/pkg/core/live"
)

func newWebsocketTestServer(t *testing.T, handler func(conn *websocket.Conn)) (string, func()) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") == "" {
			http.Error(w, "missing key", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler(conn)
	}))

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	return wsURL, server.Close
}

func dialTest(t *testing.T, endpoint string) *Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s, err := Dial(ctx, Config{
		APIKey:   "test-key",
		Endpoint: endpoint,
		Model:    "gemini-2.0-flash-live-001",
		System:   "you are a field companion",
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return s
}

func collectEvents(t *testing.T, s *Session) []live.Event {
	t.Helper()
	var events []live.Event
	timeout := time.After(3 * time.Second)
	for {
		select {
		case e, ok := <-s.Events():
			if !ok {
				return events
			}
			events = append(events, e)
		case <-timeout:
			t.Fatalf("timed out draining events, got %d so far", len(events))
		}
	}
}

func TestDialValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := Dial(context.Background(), Config{Model: "gemini-2.0-flash-live-001"})
	if !core.IsCredentialError(err) {
		t.Fatalf("empty key err=%v, want credential error", err)
	}

	_, err = Dial(context.Background(), Config{APIKey: "k"})
	if err == nil {
		t.Fatal("empty model accepted")
	}
}

func TestDialSendsSetupAndSurfacesOpen(t *testing.T) {
	t.Parallel()

	setupCh := make(chan map[string]any, 1)
	endpoint, closeServer := newWebsocketTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		setupCh <- frame
		_ = conn.WriteJSON(map[string]any{"setupComplete": map[string]any{}})
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
	})
	defer closeServer()

	s := dialTest(t, endpoint)
	defer s.Close()

	events := collectEvents(t, s)
	if len(events) != 2 {
		t.Fatalf("events=%v, want open then closed", events)
	}
	if _, ok := events[0].(live.OpenEvent); !ok {
		t.Fatalf("first event %T, want OpenEvent", events[0])
	}
	if closed, ok := events[1].(live.ClosedEvent); !ok || closed.Err != nil {
		t.Fatalf("last event %#v, want clean ClosedEvent", events[1])
	}

	setup := <-setupCh
	payload, ok := setup["setup"].(map[string]any)
	if !ok {
		t.Fatalf("first frame is not setup: %v", setup)
	}
	if payload["model"] != "models/gemini-2.0-flash-live-001" {
		t.Errorf("model=%v", payload["model"])
	}
	system, _ := payload["systemInstruction"].(map[string]any)
	if system == nil {
		t.Error("system instruction missing from setup")
	}
}

func TestDialRejectedHandshakeIsCredentialError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "API key not valid", http.StatusForbidden)
	}))
	defer server.Close()
	endpoint := "ws" + strings.TrimPrefix(server.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := Dial(ctx, Config{APIKey: "bad-key", Endpoint: endpoint, Model: "m"})
	if !core.IsCredentialError(err) {
		t.Fatalf("err=%v, want credential error", err)
	}
}

func TestDialEscapesAPIKeyInQuery(t *testing.T) {
	t.Parallel()

	const key = "sk/live+key=&extra"

	keyCh := make(chan string, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keyCh <- r.URL.Query().Get("key")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_, _, _ = conn.ReadMessage()
		conn.Close()
	}))
	defer server.Close()
	endpoint := "ws" + strings.TrimPrefix(server.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s, err := Dial(ctx, Config{APIKey: key, Endpoint: endpoint, Model: "m"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.Close()

	if got := <-keyCh; got != key {
		t.Fatalf("server saw key %q, want %q", got, key)
	}
}

func TestSessionDecodesModelAudio(t *testing.T) {
	t.Parallel()

	pcm := []byte{1, 2, 3, 4, 5, 6}
	endpoint, closeServer := newWebsocketTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		var frame json.RawMessage
		_ = conn.ReadJSON(&frame)
		_ = conn.WriteJSON(map[string]any{"setupComplete": map[string]any{}})
		_ = conn.WriteJSON(map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []map[string]any{
						{"inlineData": map[string]any{
							"mimeType": "audio/pcm;rate=24000",
							"data":     base64.StdEncoding.EncodeToString(pcm),
						}},
						{"text": "spoken transcript, no audio"},
					},
				},
			},
		})
		_ = conn.WriteJSON(map[string]any{
			"serverContent": map[string]any{"turnComplete": true},
		})
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
	})
	defer closeServer()

	s := dialTest(t, endpoint)
	defer s.Close()

	events := collectEvents(t, s)
	var audio []live.AudioEvent
	turnComplete := false
	for _, e := range events {
		switch e := e.(type) {
		case live.AudioEvent:
			audio = append(audio, e)
		case live.TurnCompleteEvent:
			turnComplete = true
		}
	}
	if len(audio) != 1 {
		t.Fatalf("audio events=%d, want 1", len(audio))
	}
	if string(audio[0].Data) != string(pcm) {
		t.Errorf("audio bytes=%v, want %v", audio[0].Data, pcm)
	}
	if audio[0].Format.SampleRate != 24000 {
		t.Errorf("audio format=%+v, want 24kHz playback shape", audio[0].Format)
	}
	if !turnComplete {
		t.Error("turn boundary not surfaced")
	}
}

func TestSessionSurfacesInterruptionBeforeAudioInSameFrame(t *testing.T) {
	t.Parallel()

	endpoint, closeServer := newWebsocketTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		var frame json.RawMessage
		_ = conn.ReadJSON(&frame)
		_ = conn.WriteJSON(map[string]any{"setupComplete": map[string]any{}})
		_ = conn.WriteJSON(map[string]any{
			"serverContent": map[string]any{
				"interrupted": true,
				"modelTurn": map[string]any{
					"parts": []map[string]any{
						{"inlineData": map[string]any{
							"mimeType": "audio/pcm;rate=24000",
							"data":     base64.StdEncoding.EncodeToString([]byte{9, 9}),
						}},
					},
				},
			},
		})
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
	})
	defer closeServer()

	s := dialTest(t, endpoint)
	defer s.Close()

	events := collectEvents(t, s)
	interruptedAt, audioAt := -1, -1
	for i, e := range events {
		switch e.(type) {
		case live.InterruptedEvent:
			interruptedAt = i
		case live.AudioEvent:
			audioAt = i
		}
	}
	if interruptedAt < 0 || audioAt < 0 {
		t.Fatalf("events=%v, want both interruption and audio", events)
	}
	if interruptedAt > audioAt {
		t.Error("audio surfaced before the interruption marker")
	}
}

func TestSessionRoundTripsToolCalls(t *testing.T) {
	t.Parallel()

	responseCh := make(chan map[string]any, 1)
	endpoint, closeServer := newWebsocketTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		var frame json.RawMessage
		_ = conn.ReadJSON(&frame)
		_ = conn.WriteJSON(map[string]any{"setupComplete": map[string]any{}})
		_ = conn.WriteJSON(map[string]any{
			"toolCall": map[string]any{
				"functionCalls": []map[string]any{
					{"id": "fc-1", "name": "lookup_map_info", "args": map[string]any{"query": "pharmacy"}},
				},
			},
		})
		var response map[string]any
		if err := conn.ReadJSON(&response); err != nil {
			return
		}
		responseCh <- response
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
	})
	defer closeServer()

	s := dialTest(t, endpoint)
	defer s.Close()

	var call live.ToolCallEvent
	timeout := time.After(3 * time.Second)
wait:
	for {
		select {
		case e := <-s.Events():
			if tc, ok := e.(live.ToolCallEvent); ok {
				call = tc
				break wait
			}
		case <-timeout:
			t.Fatal("tool call never arrived")
		}
	}

	if len(call.Calls) != 1 || call.Calls[0].Name != "lookup_map_info" {
		t.Fatalf("call=%+v", call)
	}
	if call.Calls[0].Args["query"] != "pharmacy" {
		t.Fatalf("args=%v", call.Calls[0].Args)
	}

	err := s.SendToolResults([]live.ToolResult{{
		ID:     call.Calls[0].ID,
		Name:   call.Calls[0].Name,
		Output: live.ToolOutput{Text: "two blocks east"},
	}})
	if err != nil {
		t.Fatalf("SendToolResults: %v", err)
	}

	select {
	case response := <-responseCh:
		tr, ok := response["toolResponse"].(map[string]any)
		if !ok {
			t.Fatalf("frame=%v, want toolResponse", response)
		}
		frs, _ := tr["functionResponses"].([]any)
		if len(frs) != 1 {
			t.Fatalf("functionResponses=%v", tr["functionResponses"])
		}
		fr := frs[0].(map[string]any)
		if fr["id"] != "fc-1" || fr["name"] != "lookup_map_info" {
			t.Fatalf("functionResponse=%v", fr)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("tool response never reached the server")
	}
}

func TestSessionEncodesOutboundMedia(t *testing.T) {
	t.Parallel()

	framesCh := make(chan map[string]any, 2)
	endpoint, closeServer := newWebsocketTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		var setup json.RawMessage
		_ = conn.ReadJSON(&setup)
		_ = conn.WriteJSON(map[string]any{"setupComplete": map[string]any{}})
		for i := 0; i < 2; i++ {
			var frame map[string]any
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			framesCh <- frame
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
	})
	defer closeServer()

	s := dialTest(t, endpoint)
	defer s.Close()

	pcm := []byte{0x00, 0x40}
	if err := s.SendAudio(pcm); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if err := s.SendImage([]byte("jpeg")); err != nil {
		t.Fatalf("SendImage: %v", err)
	}

	chunk := func(frame map[string]any) map[string]any {
		ri, _ := frame["realtimeInput"].(map[string]any)
		if ri == nil {
			t.Fatalf("frame=%v, want realtimeInput", frame)
		}
		chunks, _ := ri["mediaChunks"].([]any)
		if len(chunks) != 1 {
			t.Fatalf("mediaChunks=%v", ri["mediaChunks"])
		}
		return chunks[0].(map[string]any)
	}

	first := chunk(<-framesCh)
	if first["mimeType"] != "audio/pcm;rate=16000" {
		t.Errorf("audio mimeType=%v", first["mimeType"])
	}
	if first["data"] != base64.StdEncoding.EncodeToString(pcm) {
		t.Errorf("audio data=%v", first["data"])
	}

	second := chunk(<-framesCh)
	if second["mimeType"] != "image/jpeg" {
		t.Errorf("image mimeType=%v", second["mimeType"])
	}
}

func TestSessionCloseIsIdempotentAndStopsWrites(t *testing.T) {
	t.Parallel()

	endpoint, closeServer := newWebsocketTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		var setup json.RawMessage
		_ = conn.ReadJSON(&setup)
		_ = conn.WriteJSON(map[string]any{"setupComplete": map[string]any{}})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer closeServer()

	s := dialTest(t, endpoint)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := s.SendAudio([]byte{1, 2}); err == nil {
		t.Fatal("SendAudio succeeded on a closed session")
	}
}
