// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/tombee/mcpbridge/internal/config"
)

// maxToolDescriptionChars bounds descriptions in verbose tool listings.
const maxToolDescriptionChars = 100

// Dispatcher implements the eight meta-tool operations, orchestrating the
// config registry, connection manager, schema cache, result store, and
// compactor.
type Dispatcher struct {
	registry  *config.Registry
	manager   *ConnectionManager
	cache     *SchemaCache
	store     *ResultStore
	compactor *Compactor
	retry     *RetryConfig
	rng       *rand.Rand
	logger    *slog.Logger
	startedAt time.Time
	now       func() time.Time
}

// DispatcherConfig assembles a Dispatcher.
type DispatcherConfig struct {
	Registry  *config.Registry
	Manager   *ConnectionManager
	Cache     *SchemaCache
	Store     *ResultStore
	Compactor *Compactor

	// Retry overrides the default retry policy (optional).
	Retry *RetryConfig

	// Rand seeds the jitter source (optional; defaults to a time-seeded
	// source). Injected in tests for determinism.
	Rand *rand.Rand

	// Logger is used for structured logging (optional).
	Logger *slog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	retry := cfg.Retry
	if retry == nil {
		retry = DefaultRetryConfig()
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(&lockedSource{src: rand.NewSource(time.Now().UnixNano()).(rand.Source64)})
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	compactor := cfg.Compactor
	if compactor == nil {
		compactor = NewCompactor(DefaultCompactConfig())
	}

	return &Dispatcher{
		registry:  cfg.Registry,
		manager:   cfg.Manager,
		cache:     cfg.Cache,
		store:     cfg.Store,
		compactor: compactor,
		retry:     retry,
		rng:       rng,
		logger:    logger,
		startedAt: time.Now(),
		now:       time.Now,
	}
}

// lockedSource makes a rand.Source64 safe for concurrent dispatches.
type lockedSource struct {
	mu  sync.Mutex
	src rand.Source64
}

func (s *lockedSource) Int63() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src.Int63()
}

func (s *lockedSource) Uint64() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src.Uint64()
}

func (s *lockedSource) Seed(seed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.src.Seed(seed)
}

// ListServers returns the enabled server descriptors projected for the
// upstream client. No child process is spawned.
func (d *Dispatcher) ListServers() map[string]any {
	connected := make(map[string]bool)
	for _, name := range d.manager.ConnectedNames() {
		connected[name] = true
	}

	servers := make([]map[string]any, 0, d.registry.Len())
	for _, desc := range d.registry.Enabled() {
		entry := map[string]any{
			"name":        desc.Name,
			"description": desc.Description,
		}
		if connected[desc.Name] {
			entry["status"] = "connected"
		}
		servers = append(servers, entry)
	}

	return map[string]any{
		"servers": servers,
		"count":   len(servers),
	}
}

// ListTools returns the tool listing for server. With refresh the cache
// entry is invalidated first; with verbose each tool carries a bounded
// description instead of a bare name.
func (d *Dispatcher) ListTools(ctx context.Context, server string, verbose, refresh bool) (map[string]any, error) {
	if server == "" {
		return nil, ErrArgumentMissing("server", d.registry.EnabledNames())
	}

	if refresh {
		d.cache.Invalidate(server)
	}

	tools, err := d.cache.ServerTools(ctx, server, refresh)
	if err != nil {
		return nil, err
	}

	var listing any
	if verbose {
		entries := make([]map[string]any, len(tools))
		for i, tool := range tools {
			desc := tool.Description
			if len(desc) > maxToolDescriptionChars {
				desc = desc[:maxToolDescriptionChars]
			}
			entries[i] = map[string]any{
				"name":        tool.Name,
				"description": desc,
			}
		}
		listing = entries
	} else {
		names := make([]string, len(tools))
		for i, tool := range tools {
			names[i] = tool.Name
		}
		listing = names
	}

	return map[string]any{
		"server": server,
		"tools":  listing,
		"count":  len(tools),
		"hint":   "use get_tool_schema(server, tool) for parameter details",
	}, nil
}

// GetToolSchema returns one tool's full schema.
func (d *Dispatcher) GetToolSchema(ctx context.Context, server, tool string) (map[string]any, error) {
	if server == "" {
		return nil, ErrArgumentMissing("server", d.registry.EnabledNames())
	}
	if tool == "" {
		return nil, ErrArgumentMissing("tool", d.registry.EnabledNames())
	}

	def, err := d.cache.ToolSchema(ctx, server, tool)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"server":       server,
		"name":         def.Name,
		"description":  def.Description,
		"input_schema": def.InputSchema,
	}, nil
}

// CallTool invokes a downstream tool with retry, extracts the canonical
// payload, and compacts large results into the store.
func (d *Dispatcher) CallTool(ctx context.Context, server, tool string, args map[string]any, compact bool) (map[string]any, error) {
	if server == "" {
		return nil, ErrArgumentMissing("server", d.registry.EnabledNames())
	}
	if tool == "" {
		return nil, ErrArgumentMissing("tool", d.registry.EnabledNames())
	}
	if args == nil {
		args = map[string]any{}
	}

	start := d.now()
	var resp *ToolCallResponse
	attempt := 0

	err := Execute(ctx, d.retry, d.rng, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			retriesTotal.Inc()
		}

		client, err := d.manager.Get(ctx, server)
		if err != nil {
			return err
		}

		r, err := client.CallTool(ctx, ToolCallRequest{Name: tool, Arguments: args})
		if err != nil {
			d.manager.MarkFaulted(server)
			return err
		}
		resp = r
		return nil
	}, func() {
		d.manager.Invalidate(server)
	})

	elapsed := d.now().Sub(start)
	if err != nil {
		// An upstream cancellation aborts the retry loop and drops the
		// connection so a half-written frame cannot poison the next call.
		if errors.Is(err, context.Canceled) {
			d.manager.Invalidate(server)
		}
		toolCallsTotal.WithLabelValues(server, "error").Inc()
		return nil, d.wrapCallError(err, server, tool)
	}
	toolCallsTotal.WithLabelValues(server, "ok").Inc()
	toolCallDuration.WithLabelValues(server).Observe(elapsed.Seconds())

	if resp.IsError {
		be := NewBridgeError(ErrorCodeDownstreamTool, downstreamErrorText(resp))
		be.Server = server
		be.Tool = tool
		be.Hint = "the downstream tool rejected the call; check the arguments against get_tool_schema"
		return nil, be
	}

	payload, compactable := extractPayload(resp)
	if compactable && (compact || d.compactor.IsLarge(payload)) {
		summary := d.compactor.Summary(payload, server, tool)
		id := d.store.Put(payload, summary, server, tool)
		compactionsTotal.Inc()
		d.logger.Debug("result compacted",
			"server", server,
			"tool", tool,
			"result_id", id,
			"size_bytes", summary["size_bytes"],
		)
		return map[string]any{
			"compacted":  true,
			"result_id":  id,
			"summary":    summary,
			"preview":    d.compactor.Preview(payload),
			"hint":       "use get_result(result_id) for the full payload",
			"elapsed_ms": elapsed.Milliseconds(),
		}, nil
	}

	return map[string]any{
		"compacted": false,
		"data":      payload,
	}, nil
}

// extractPayload derives the canonical payload from a downstream response.
// A single text content is JSON-decoded when possible, falling back to the
// raw string. Responses carrying any non-text part (or no content) pass
// through verbatim and are never compacted.
func extractPayload(resp *ToolCallResponse) (payload any, compactable bool) {
	if len(resp.Content) == 0 {
		return resp, false
	}
	for _, item := range resp.Content {
		if item.Type != "text" {
			return resp, false
		}
	}

	text := resp.Content[0].Text
	if len(resp.Content) > 1 {
		parts := make([]string, len(resp.Content))
		for i, item := range resp.Content {
			parts[i] = item.Text
		}
		text = strings.Join(parts, "\n")
	}

	var decoded any
	if err := json.Unmarshal([]byte(text), &decoded); err == nil {
		return decoded, true
	}
	return text, true
}

// downstreamErrorText renders the error text of a failed downstream call.
func downstreamErrorText(resp *ToolCallResponse) string {
	for _, item := range resp.Content {
		if item.Type == "text" && item.Text != "" {
			return item.Text
		}
	}
	return "downstream tool reported an error"
}

// wrapCallError attaches server+tool context to a failed call.
func (d *Dispatcher) wrapCallError(err error, server, tool string) error {
	if be := AsBridgeError(err); be != nil {
		if be.Server == "" {
			be.Server = server
		}
		if be.Tool == "" {
			be.Tool = tool
		}
		return be
	}

	be := NewBridgeError(ErrorCodeTransport, fmt.Sprintf("call to %s.%s failed", server, tool))
	be.Server = server
	be.Tool = tool
	be.Cause = err
	be.Hint = Hint(err, d.registry.EnabledNames())
	return be
}

// GetResult retrieves a stored result by id.
func (d *Dispatcher) GetResult(resultID string) (*RetrievedResult, error) {
	if resultID == "" {
		return nil, ErrArgumentMissing("result_id", nil).
			WithHint("use list_results to see stored results")
	}
	return d.store.Get(resultID)
}

// ListResults lists the extant stored results.
func (d *Dispatcher) ListResults() map[string]any {
	results := d.store.List()
	return map[string]any{
		"results": results,
		"count":   len(results),
	}
}

// ServerHealth is one entry in the check_server_health report.
type ServerHealth struct {
	Server         string `json:"server"`
	Status         string `json:"status"`
	ResponseTimeMS int64  `json:"response_time_ms"`
	ToolCount      *int   `json:"tool_count,omitempty"`
	Error          string `json:"error,omitempty"`
}

// CheckHealth probes the named server, or every enabled server when name is
// empty. Per-server errors are captured in the report, never surfaced.
func (d *Dispatcher) CheckHealth(ctx context.Context, server string) map[string]any {
	targets := d.registry.EnabledNames()
	if server != "" {
		targets = []string{server}
	}

	checks := make([]ServerHealth, 0, len(targets))
	healthy := 0
	for _, name := range targets {
		start := d.now()
		tools, err := d.cache.ServerTools(ctx, name, false)
		elapsed := d.now().Sub(start).Milliseconds()

		check := ServerHealth{Server: name, ResponseTimeMS: elapsed}
		if err != nil {
			check.Status = "error"
			check.Error = err.Error()
		} else {
			check.Status = "healthy"
			count := len(tools)
			check.ToolCount = &count
			healthy++
		}
		checks = append(checks, check)
	}

	return map[string]any{
		"servers":   checks,
		"checked":   len(checks),
		"healthy":   healthy,
		"unhealthy": len(checks) - healthy,
	}
}

// Stats returns the get_bridge_stats report. cached_tools is the sum of
// per-entry tool counts; cache_entries is the number of cache entries.
func (d *Dispatcher) Stats() map[string]any {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	const mib = 1024 * 1024
	return map[string]any{
		"version":            Version,
		"configured_servers": d.registry.Len(),
		"connected_servers":  d.manager.ConnectedCount(),
		"cached_tools":       d.cache.ToolCount(),
		"cache_entries":      d.cache.EntryCount(),
		"memory": map[string]any{
			"heap_used_mb":  float64(mem.HeapAlloc) / mib,
			"heap_total_mb": float64(mem.HeapSys) / mib,
		},
		"uptime_seconds":     int64(d.now().Sub(d.startedAt).Seconds()),
		"compaction":         d.compactor.Config(),
		"result_ttl_seconds": int64(d.store.TTL().Seconds()),
		"counters":           counterSnapshot(),
	}
}

// ErrorPayload renders err as the user-visible error envelope.
func (d *Dispatcher) ErrorPayload(err error, server, tool string, elapsed time.Duration) map[string]any {
	payload := map[string]any{
		"error": err.Error(),
		"hint":  Hint(err, d.registry.EnabledNames()),
	}
	if be := AsBridgeError(err); be != nil {
		if be.Server != "" {
			server = be.Server
		}
		if be.Tool != "" {
			tool = be.Tool
		}
	}
	if server != "" {
		payload["server"] = server
	}
	if tool != "" {
		payload["tool"] = tool
	}
	if elapsed > 0 {
		payload["elapsed_ms"] = elapsed.Milliseconds()
	}
	return payload
}

// Close shuts the engine down: the sweep stops and every downstream
// connection is closed best-effort.
func (d *Dispatcher) Close() {
	d.store.StopSweep()
	d.manager.Close()
}
