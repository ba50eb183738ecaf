// Command companion runs a live voice-and-vision session against the
// Gemini live API: microphone audio streams up, synthesized speech plays
// back gaplessly, and an optional camera feed sends one snapshot per
// second. The model can call the map lookup tool to answer "what's near
// me" questions using the configured location.
//
// Usage:
//
//	companion [-model name] [-frames dir] [-lat f -lng f] [-v]
//
// Environment variables:
//
//	GEMINI_API_KEY - Required. Also read from a local .env file.
package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/fieldlens/companion/pkg/audio"
	"github.com/fieldlens/companion/pkg/core/live"
	"github.com/fieldlens/companion/pkg/gemini"
	"github.com/fieldlens/companion/pkg/media"
	"github.com/fieldlens/companion/pkg/places"
)

const defaultSystem = `You are a hands-free companion for someone out in the field. ` +
	`Keep replies short and conversational; they are spoken aloud. When the user asks ` +
	`about places, directions or anything location-bound, call the lookup_map_info tool ` +
	`instead of guessing.`

func main() {
	_ = godotenv.Load()

	var (
		model     = flag.String("model", live.DefaultSessionConfig().Model, "live model name")
		system    = flag.String("system", defaultSystem, "system instruction")
		envFile   = flag.String("env", "", "extra env file to load on top of .env")
		framesDir = flag.String("frames", "", "directory of images used as the camera feed")
		lat       = flag.Float64("lat", 0, "initial latitude for map lookups")
		lng       = flag.Float64("lng", 0, "initial longitude for map lookups")
		verbose   = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			log.Fatalf("Failed to load %s: %v", *envFile, err)
		}
	}

	apiKey := strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
	if apiKey == "" {
		log.Fatal("GEMINI_API_KEY required")
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := live.DefaultSessionConfig()
	cfg.Model = *model
	cfg.System = *system

	speaker, err := audio.NewSpeaker(cfg.PlaybackAudio)
	if err != nil {
		log.Fatalf("Failed to open speaker: %v", err)
	}
	defer speaker.Close()

	finder, err := places.New(ctx, places.Config{APIKey: apiKey, Logger: logger})
	if err != nil {
		log.Fatalf("Failed to create lookup client: %v", err)
	}

	deps := live.Dependencies{
		Dial: func(ctx context.Context) (live.Transport, error) {
			return gemini.Dial(ctx, gemini.Config{
				APIKey: apiKey,
				Model:  cfg.Model,
				System: cfg.System,
				Tools:  []gemini.FunctionDeclaration{lookupDeclaration()},
				Logger: logger,
			})
		},
		OpenMic: func(ctx context.Context) (live.MicSource, error) {
			return audio.NewMic(cfg.CaptureAudio, cfg.MicBlockSamples)
		},
		Sink:   speaker,
		Clock:  speaker,
		Places: finder,
		EncodeFrame: func(img image.Image) ([]byte, error) {
			return media.EncodeSnapshot(img, media.SnapshotConfig{
				MaxWidth:  cfg.VideoMaxWidth,
				MaxHeight: cfg.VideoMaxHeight,
				Quality:   cfg.VideoJPEGQuality,
			})
		},
		Logger: logger,
	}
	if *framesDir != "" {
		deps.OpenCamera = func(ctx context.Context) (live.FrameSource, error) {
			return openFrameDir(*framesDir)
		}
	}

	controller := live.NewController(cfg, deps)
	if *lat != 0 || *lng != 0 {
		controller.SetLocation(*lat, *lng)
	}

	controller.OnStateChange(func(state live.ConnectionState) {
		fmt.Printf("[session] %s\n", state)
	})
	controller.OnSpeaking(func(speaking bool) {
		if speaking {
			fmt.Println("[assistant] speaking...")
		}
	})
	controller.OnToolResult(func(out live.ToolOutput) {
		fmt.Printf("[lookup] %s\n", out.Text)
		for _, link := range out.Links {
			fmt.Printf("[lookup]   %s (%s)\n", link.Title, link.URI)
		}
	})
	credentialRejected := make(chan struct{}, 1)
	controller.OnCredentialRejected(func() {
		fmt.Println("[session] API key rejected; update GEMINI_API_KEY and restart")
		select {
		case credentialRejected <- struct{}{}:
		default:
		}
		cancel()
	})

	if err := controller.Connect(ctx); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}

	if *verbose {
		go meterLoop(ctx, controller)
	}

	fmt.Println("Speak naturally; Ctrl-C to quit.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case <-ctx.Done():
	}
	controller.Disconnect()

	select {
	case <-credentialRejected:
		os.Exit(2)
	default:
	}
}

// meterLoop prints a coarse input level once a second.
func meterLoop(ctx context.Context, controller *live.Controller) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if controller.State() != live.StateConnected {
				continue
			}
			level := controller.InputLoudness()
			bars := int(level * 40)
			if bars > 40 {
				bars = 40
			}
			fmt.Printf("[mic] %-40s %.3f\n", strings.Repeat("#", bars), level)
		}
	}
}

// lookupDeclaration is the wire schema of the map lookup tool.
func lookupDeclaration() gemini.FunctionDeclaration {
	return gemini.FunctionDeclaration{
		Name:        live.ToolLookupMapInfo,
		Description: "Look up places, directions or other map information near the user's current location.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "What to look up, e.g. \"the nearest pharmacy\".",
				},
			},
			"required": []string{"query"},
		},
	}
}
