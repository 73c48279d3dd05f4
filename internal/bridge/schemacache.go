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
	"sync"
	"time"
)

// DefaultToolCacheTTL bounds how long a cached tool list is served.
const DefaultToolCacheTTL = 5 * time.Minute

// schemaEntry is one per-server cache slot.
type schemaEntry struct {
	tools    []ToolDefinition
	cachedAt time.Time
}

// SchemaCache caches downstream tool lists per server with a TTL.
// A stale entry is refreshed at read time; the sweep-free design keeps
// correctness entirely on the read path.
type SchemaCache struct {
	manager *ConnectionManager
	ttl     time.Duration
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*schemaEntry
}

// NewSchemaCache creates a cache backed by the given connection manager.
// A non-positive ttl falls back to DefaultToolCacheTTL.
func NewSchemaCache(manager *ConnectionManager, ttl time.Duration) *SchemaCache {
	if ttl <= 0 {
		ttl = DefaultToolCacheTTL
	}
	return &SchemaCache{
		manager: manager,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]*schemaEntry),
	}
}

// ServerTools returns the tool list for server. A fresh cache entry is
// returned as-is unless refresh forces a downstream listTools; stale or
// absent entries are fetched and replaced atomically.
func (c *SchemaCache) ServerTools(ctx context.Context, server string, refresh bool) ([]ToolDefinition, error) {
	if !refresh {
		c.mu.Lock()
		entry, ok := c.entries[server]
		if ok && c.now().Sub(entry.cachedAt) < c.ttl {
			tools := entry.tools
			c.mu.Unlock()
			schemaCacheHits.Inc()
			return tools, nil
		}
		c.mu.Unlock()
	}

	client, err := c.manager.Get(ctx, server)
	if err != nil {
		return nil, err
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		c.manager.MarkFaulted(server)
		return nil, err
	}
	schemaCacheMisses.Inc()

	c.mu.Lock()
	c.entries[server] = &schemaEntry{tools: tools, cachedAt: c.now()}
	c.mu.Unlock()

	return tools, nil
}

// ToolSchema locates one tool's definition on server, fetching the tool
// list through the cache.
func (c *SchemaCache) ToolSchema(ctx context.Context, server, tool string) (*ToolDefinition, error) {
	tools, err := c.ServerTools(ctx, server, false)
	if err != nil {
		return nil, err
	}

	for i := range tools {
		if tools[i].Name == tool {
			return &tools[i], nil
		}
	}

	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	return nil, ErrToolNotFound(server, tool, names)
}

// Invalidate drops the cache entry for server.
func (c *SchemaCache) Invalidate(server string) {
	c.mu.Lock()
	delete(c.entries, server)
	c.mu.Unlock()
}

// EntryCount returns the number of cached servers.
func (c *SchemaCache) EntryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// ToolCount returns the sum of tool counts across all cache entries.
func (c *SchemaCache) ToolCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := 0
	for _, entry := range c.entries {
		total += len(entry.tools)
	}
	return total
}
