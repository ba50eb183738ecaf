// Package gemini implements the live duplex transport over the Gemini
// BidiGenerateContent websocket API. It adapts the wire protocol to the
// transport-neutral event stream consumed by pkg/core/live.
package gemini

import "encoding/json"

const (
	// DefaultEndpoint is the production websocket endpoint.
	DefaultEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	// MIME types for outbound realtime media.
	mimePCM16k = "audio/pcm;rate=16000"
	mimeJPEG   = "image/jpeg"
)

// clientMessage is the outbound frame envelope. Exactly one field is set.
type clientMessage struct {
	Setup         *Setup         `json:"setup,omitempty"`
	RealtimeInput *RealtimeInput `json:"realtimeInput,omitempty"`
	ToolResponse  *ToolResponse  `json:"toolResponse,omitempty"`
}

// Setup is the first frame of every session. The server answers with
// setupComplete before any media flows.
type Setup struct {
	Model             string            `json:"model"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	Tools             []Tool            `json:"tools,omitempty"`
}

type GenerationConfig struct {
	ResponseModalities []string `json:"responseModalities,omitempty"`
}

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts,omitempty"`
}

type Part struct {
	Text       string `json:"text,omitempty"`
	InlineData *Blob  `json:"inlineData,omitempty"`
}

// Blob carries base64-encoded media with its MIME type.
type Blob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// RealtimeInput streams microphone audio and camera snapshots upstream.
type RealtimeInput struct {
	MediaChunks []Blob `json:"mediaChunks"`
}

// Tool declares callable functions to the model.
type Tool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations,omitempty"`
}

type FunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolResponse returns function results to the model.
type ToolResponse struct {
	FunctionResponses []FunctionResponse `json:"functionResponses"`
}

type FunctionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// serverMessage is the inbound frame envelope.
type serverMessage struct {
	SetupComplete *setupComplete `json:"setupComplete,omitempty"`
	ServerContent *serverContent `json:"serverContent,omitempty"`
	ToolCall      *toolCall      `json:"toolCall,omitempty"`
	GoAway        *goAway        `json:"goAway,omitempty"`
}

type setupComplete struct{}

type serverContent struct {
	ModelTurn    *Content `json:"modelTurn,omitempty"`
	Interrupted  bool     `json:"interrupted,omitempty"`
	TurnComplete bool     `json:"turnComplete,omitempty"`
}

type toolCall struct {
	FunctionCalls []functionCall `json:"functionCalls"`
}

type functionCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}
