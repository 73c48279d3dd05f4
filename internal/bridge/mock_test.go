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
	"sync"

	"github.com/tombee/mcpbridge/internal/config"
)

// fakeClient implements ToolClient for tests.
type fakeClient struct {
	serverName string

	mu        sync.Mutex
	tools     []ToolDefinition
	listCalls int
	callFunc  func(ctx context.Context, req ToolCallRequest) (*ToolCallResponse, error)
	listErr   error
	pingErr   error
	closed    bool
}

func newFakeClient(serverName string, tools ...ToolDefinition) *fakeClient {
	return &fakeClient{serverName: serverName, tools: tools}
}

func (c *fakeClient) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listCalls++
	if c.listErr != nil {
		return nil, c.listErr
	}
	out := make([]ToolDefinition, len(c.tools))
	copy(out, c.tools)
	return out, nil
}

func (c *fakeClient) CallTool(ctx context.Context, req ToolCallRequest) (*ToolCallResponse, error) {
	c.mu.Lock()
	callFunc := c.callFunc
	c.mu.Unlock()
	if callFunc != nil {
		return callFunc(ctx, req)
	}
	return textResponse(`{"echo":true}`), nil
}

func (c *fakeClient) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingErr
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeClient) ServerName() string {
	return c.serverName
}

func (c *fakeClient) listCallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listCalls
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// textResponse builds a single-text downstream response.
func textResponse(text string) *ToolCallResponse {
	return &ToolCallResponse{
		Content: []ContentItem{{Type: "text", Text: text}},
	}
}

// jsonResponse builds a single-text downstream response from a value.
func jsonResponse(v any) *ToolCallResponse {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return textResponse(string(data))
}

// testRegistry builds a registry from a config document.
func testRegistry(doc string) *config.Registry {
	reg, err := config.Parse([]byte(doc), "test.json")
	if err != nil {
		panic(err)
	}
	return reg
}

// twoServerRegistry has servers "alpha" (enabled), "beta" (enabled) and
// "off" (disabled).
func twoServerRegistry() *config.Registry {
	return testRegistry(`{
		"servers": {
			"alpha": {"command": "alpha-server", "description": "first"},
			"beta":  {"command": "beta-server", "description": "second"},
			"off":   {"command": "off-server", "enabled": false}
		}
	}`)
}
