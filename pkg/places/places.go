// Package places resolves free-text map lookups ("find a pharmacy near
// me") against the Gemini API with Google Maps grounding. It backs the
// lookup tool exposed to the live session.
package places

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/fieldlens/companion/pkg/core"
	"github.com/fieldlens/companion/pkg/core/live"
)

// DefaultModel is the text model used for grounded lookups. Lookups are
// short one-shot requests, so a lighter model than the live session's is
// fine.
const DefaultModel = "gemini-2.0-flash"

// generator is the slice of *genai.Models the client depends on.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Config configures a lookup client.
type Config struct {
	// APIKey authenticates against the Gemini API. Required.
	APIKey string

	// Model overrides DefaultModel.
	Model string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Client answers map lookups. It implements live.PlaceFinder.
type Client struct {
	models generator
	model  string
	logger *slog.Logger
}

var _ live.PlaceFinder = (*Client)(nil)

// New creates a lookup client.
func New(ctx context.Context, cfg Config) (*Client, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, core.NewAuthenticationError("API key must not be empty")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  key,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create lookup client: %w", err)
	}
	return newClient(client.Models, cfg), nil
}

func newClient(models generator, cfg Config) *Client {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{models: models, model: model, logger: logger}
}

// Lookup answers the query grounded near loc. A zero location is still
// valid; the lookup just runs without a location bias.
func (c *Client) Lookup(ctx context.Context, query string, loc live.Location) (live.ToolOutput, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return live.ToolOutput{}, core.NewInvalidRequestError("lookup query must not be empty")
	}

	config := &genai.GenerateContentConfig{
		Tools: []*genai.Tool{{GoogleMaps: &genai.GoogleMaps{}}},
	}
	if loc.Lat != 0 || loc.Lng != 0 {
		config.ToolConfig = &genai.ToolConfig{
			RetrievalConfig: &genai.RetrievalConfig{
				LatLng: &genai.LatLng{Latitude: genai.Ptr(loc.Lat), Longitude: genai.Ptr(loc.Lng)},
			},
		}
	}

	resp, err := c.models.GenerateContent(ctx, c.model, genai.Text(query), config)
	if err != nil {
		return live.ToolOutput{}, mapLookupError(err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return live.ToolOutput{}, core.NewAPIError("lookup returned no answer")
	}
	return live.ToolOutput{Text: text, Links: groundingLinks(resp)}, nil
}

// mapLookupError folds SDK failures into the canonical taxonomy so the
// dispatcher can tell a rejected key from a transient failure. 400 is
// overloaded by the API: it carries both invalid arguments and invalid
// keys, so only key-shaped messages count as credential failures.
func mapLookupError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 401 || apiErr.Code == 403:
			return core.NewAuthenticationError(apiErr.Message)
		case apiErr.Code == 400 && strings.Contains(strings.ToLower(apiErr.Message), "api key"):
			return core.NewAuthenticationError(apiErr.Message)
		}
		return core.NewAPIError(apiErr.Message)
	}
	return fmt.Errorf("map lookup: %w", err)
}

// groundingLinks collects the supplementary references of the answer.
func groundingLinks(resp *genai.GenerateContentResponse) []live.Link {
	var links []live.Link
	for _, cand := range resp.Candidates {
		if cand == nil || cand.GroundingMetadata == nil {
			continue
		}
		for _, chunk := range cand.GroundingMetadata.GroundingChunks {
			if chunk == nil {
				continue
			}
			switch {
			case chunk.Maps != nil && chunk.Maps.URI != "":
				links = append(links, live.Link{URI: chunk.Maps.URI, Title: chunk.Maps.Title})
			case chunk.Web != nil && chunk.Web.URI != "":
				links = append(links, live.Link{URI: chunk.Web.URI, Title: chunk.Web.Title})
			}
		}
	}
	return links
}
