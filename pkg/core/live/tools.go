package live

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/fieldlens/companion/pkg/core"
)

// ToolLookupMapInfo is the one operation the remote model can invoke
// today: a free-text place/directions lookup near the user.
const ToolLookupMapInfo = "lookup_map_info"

// lookupFallbackText is what the user hears when the lookup itself fails
// for any reason other than a rejected credential.
const lookupFallbackText = "Sorry, I couldn't look that up right now. Please try again in a moment."

// Link is a supplementary grounding reference returned with a lookup.
type Link struct {
	URI   string `json:"uri"`
	Title string `json:"title"`
}

// ToolOutput is the human-facing result of one invocation.
type ToolOutput struct {
	Text  string `json:"text"`
	Links []Link `json:"links,omitempty"`
}

// ToolHandler resolves one invocation. Handlers run on their own
// goroutines and must be safe to call concurrently.
type ToolHandler func(ctx context.Context, args json.RawMessage) (ToolOutput, error)

// PlaceFinder is the external place-lookup collaborator. Lookup fails
// with a credential error (core.IsCredentialError) when the API key is
// rejected; any other failure is degraded to fallback text by the
// dispatcher.
type PlaceFinder interface {
	Lookup(ctx context.Context, query string, loc Location) (ToolOutput, error)
}

// Dispatcher maps invocation names to handlers and resolves remote tool
// calls without ever blocking the media pipeline. The registry is open:
// the protocol anticipates more tools than the one that exists today.
type Dispatcher struct {
	send                 func(results []ToolResult) error
	onResult             func(out ToolOutput)
	onCredentialRejected func(err error)
	logger               *slog.Logger

	mu       sync.Mutex
	handlers map[string]ToolHandler
	inflight sync.WaitGroup
}

// NewDispatcher creates a dispatcher that returns results through send.
func NewDispatcher(send func(results []ToolResult) error, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		send:     send,
		logger:   logger,
		handlers: make(map[string]ToolHandler),
	}
}

// Register adds or replaces the handler for an operation name.
func (d *Dispatcher) Register(name string, handler ToolHandler) {
	d.mu.Lock()
	d.handlers[strings.TrimSpace(name)] = handler
	d.mu.Unlock()
}

// OnResult registers a callback invoked with each successful output, for
// display by the UI collaborator.
func (d *Dispatcher) OnResult(fn func(out ToolOutput)) {
	d.mu.Lock()
	d.onResult = fn
	d.mu.Unlock()
}

// OnCredentialRejected registers the escalation callback for lookups that
// failed because the remote credential is invalid.
func (d *Dispatcher) OnCredentialRejected(fn func(err error)) {
	d.mu.Lock()
	d.onCredentialRejected = fn
	d.mu.Unlock()
}

// Dispatch resolves every invocation in the event concurrently and sends
// all results back together, matched by identifier. It returns
// immediately; handling never stalls inbound audio.
func (d *Dispatcher) Dispatch(ctx context.Context, event ToolCallEvent) {
	if len(event.Calls) == 0 {
		return
	}
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		d.resolve(ctx, event.Calls)
	}()
}

// Wait blocks until all in-flight invocations have resolved. Used at
// teardown and by tests.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

func (d *Dispatcher) resolve(ctx context.Context, calls []ToolCall) {
	type slot struct {
		result ToolResult
		skip   bool
	}
	slots := make([]slot, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call ToolCall) {
			defer wg.Done()
			result, skip := d.resolveOne(ctx, call)
			slots[i] = slot{result: result, skip: skip}
		}(i, call)
	}
	wg.Wait()

	results := make([]ToolResult, 0, len(calls))
	for _, s := range slots {
		if s.skip {
			continue
		}
		results = append(results, s.result)
	}
	if len(results) == 0 {
		return
	}
	if err := d.send(results); err != nil {
		d.logger.Warn("tool result send failed", "error", err, "count", len(results))
	}
}

// resolveOne runs a single invocation. skip=true means no result should
// be sent for it (credential escalation).
func (d *Dispatcher) resolveOne(ctx context.Context, call ToolCall) (ToolResult, bool) {
	d.mu.Lock()
	handler := d.handlers[strings.TrimSpace(call.Name)]
	onResult := d.onResult
	onCredential := d.onCredentialRejected
	d.mu.Unlock()

	if handler == nil {
		d.logger.Warn("unknown tool invocation", "name", call.Name, "id", call.ID)
		return ToolResult{
			ID:      call.ID,
			Name:    call.Name,
			Output:  ToolOutput{Text: fmt.Sprintf("Tool %q is not available.", call.Name)},
			IsError: true,
		}, false
	}

	args, err := json.Marshal(call.Args)
	if err != nil {
		return ToolResult{
			ID:      call.ID,
			Name:    call.Name,
			Output:  ToolOutput{Text: "Invalid tool arguments."},
			IsError: true,
		}, false
	}

	output, execErr := handler(ctx, args)
	if execErr != nil {
		if core.IsCredentialError(execErr) {
			// Escalate instead of fabricating a result; the UI needs to
			// re-prompt for a credential.
			d.logger.Error("tool lookup rejected credential", "name", call.Name, "id", call.ID)
			if onCredential != nil {
				onCredential(execErr)
			}
			return ToolResult{}, true
		}
		d.logger.Warn("tool invocation failed", "name", call.Name, "id", call.ID, "error", execErr)
		return ToolResult{
			ID:     call.ID,
			Name:   call.Name,
			Output: ToolOutput{Text: lookupFallbackText},
		}, false
	}

	if onResult != nil {
		onResult(output)
	}
	return ToolResult{ID: call.ID, Name: call.Name, Output: output}, false
}

// mapLookupArgs is the argument payload of ToolLookupMapInfo.
type mapLookupArgs struct {
	Query string `json:"query"`
}

// MapLookupHandler builds the ToolLookupMapInfo handler over the given
// collaborator. location is read at invocation time; the freshest value
// wins.
func MapLookupHandler(finder PlaceFinder, location func() Location) ToolHandler {
	return func(ctx context.Context, raw json.RawMessage) (ToolOutput, error) {
		var args mapLookupArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return ToolOutput{}, fmt.Errorf("decode lookup args: %w", err)
		}
		query := strings.TrimSpace(args.Query)
		if query == "" {
			return ToolOutput{}, fmt.Errorf("lookup query must not be empty")
		}
		return finder.Lookup(ctx, query, location())
	}
}
