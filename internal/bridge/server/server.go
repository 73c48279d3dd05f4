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

// Package server presents the bridge as an MCP server over stdio.
//
// It registers the eight meta-tools and translates their invocations into
// dispatcher calls. Responses are rendered as a single JSON text content;
// dispatcher errors become error results carrying the user-visible envelope.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/tombee/mcpbridge/internal/bridge"
	"github.com/tombee/mcpbridge/internal/log"
)

// Server wraps the MCP server and exposes the meta-tools.
type Server struct {
	mcpServer  *server.MCPServer
	dispatcher *bridge.Dispatcher
	logger     *slog.Logger
}

// NewServer creates the front-end MCP server over a dispatcher.
func NewServer(dispatcher *bridge.Dispatcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		mcpServer:  server.NewMCPServer("mcpbridge", bridge.Version),
		dispatcher: dispatcher,
		logger:     logger,
	}
	s.registerTools()
	return s
}

// registerTools registers the eight meta-tools with the MCP server.
func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "list_servers",
		Description: "List the configured downstream MCP servers. No server process is started.",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, s.handleListServers)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "list_mcp_tools",
		Description: "List the tools a downstream server exposes. Tool lists are cached; pass refresh to force a fresh fetch.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"server": map[string]interface{}{
					"type":        "string",
					"description": "Downstream server name (from list_servers)",
				},
				"verbose": map[string]interface{}{
					"type":        "boolean",
					"description": "Include tool descriptions (default: false)",
				},
				"refresh": map[string]interface{}{
					"type":        "boolean",
					"description": "Bypass the tool cache (default: false)",
				},
			},
			Required: []string{"server"},
		},
	}, s.handleListTools)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "get_tool_schema",
		Description: "Get the full input schema for one downstream tool.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"server": map[string]interface{}{
					"type":        "string",
					"description": "Downstream server name",
				},
				"tool": map[string]interface{}{
					"type":        "string",
					"description": "Tool name (from list_mcp_tools)",
				},
			},
			Required: []string{"server", "tool"},
		},
	}, s.handleGetToolSchema)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "call_mcp_tool",
		Description: "Invoke a downstream tool. Large results are compacted into a preview plus a result_id; fetch the full payload with get_result.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"server": map[string]interface{}{
					"type":        "string",
					"description": "Downstream server name",
				},
				"tool": map[string]interface{}{
					"type":        "string",
					"description": "Tool to invoke",
				},
				"arguments": map[string]interface{}{
					"type":        "object",
					"description": "Arguments passed to the downstream tool unchanged (default: {})",
				},
				"compact": map[string]interface{}{
					"type":        "boolean",
					"description": "Force compaction even for small results (default: false)",
				},
			},
			Required: []string{"server", "tool"},
		},
	}, s.handleCallTool)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "get_result",
		Description: "Fetch the full payload of a compacted result by result_id.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"result_id": map[string]interface{}{
					"type":        "string",
					"description": "Result identifier from a compacted call_mcp_tool response",
				},
			},
			Required: []string{"result_id"},
		},
	}, s.handleGetResult)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "list_results",
		Description: "List the stored results that have not expired yet.",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, s.handleListResults)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "check_server_health",
		Description: "Probe one downstream server, or all of them, and report status and response times.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"server": map[string]interface{}{
					"type":        "string",
					"description": "Server to check (default: all enabled servers)",
				},
			},
		},
	}, s.handleCheckHealth)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "get_bridge_stats",
		Description: "Report bridge version, connection and cache counts, memory usage, uptime, and compaction configuration.",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, s.handleStats)
}

func (s *Server) handleListServers(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResponse(s.dispatcher.ListServers())
}

func (s *Server) handleListTools(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	serverName := request.GetString("server", "")
	verbose := request.GetBool("verbose", false)
	refresh := request.GetBool("refresh", false)

	out, err := s.dispatcher.ListTools(ctx, serverName, verbose, refresh)
	if err != nil {
		return s.errorResult(err, serverName, ""), nil
	}
	return jsonResponse(out)
}

func (s *Server) handleGetToolSchema(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	serverName := request.GetString("server", "")
	tool := request.GetString("tool", "")

	out, err := s.dispatcher.GetToolSchema(ctx, serverName, tool)
	if err != nil {
		return s.errorResult(err, serverName, tool), nil
	}
	return jsonResponse(out)
}

func (s *Server) handleCallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	serverName := request.GetString("server", "")
	tool := request.GetString("tool", "")
	compact := request.GetBool("compact", false)

	var args map[string]any
	if meta := request.GetArguments(); meta != nil {
		if raw, ok := meta["arguments"].(map[string]any); ok {
			args = raw
		}
	}

	reqLog := log.WithRequestID(s.logger, uuid.NewString())
	reqLog.Debug("meta-tool invocation",
		"meta_tool", "call_mcp_tool",
		log.ServerKey, serverName,
		log.ToolKey, tool,
	)

	out, err := s.dispatcher.CallTool(ctx, serverName, tool, args, compact)
	if err != nil {
		reqLog.Warn("meta-tool invocation failed", log.Error(err))
		return s.errorResult(err, serverName, tool), nil
	}
	return jsonResponse(out)
}

func (s *Server) handleGetResult(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resultID := request.GetString("result_id", "")

	out, err := s.dispatcher.GetResult(resultID)
	if err != nil {
		return s.errorResult(err, "", ""), nil
	}
	return jsonResponse(out)
}

func (s *Server) handleListResults(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResponse(s.dispatcher.ListResults())
}

func (s *Server) handleCheckHealth(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResponse(s.dispatcher.CheckHealth(ctx, request.GetString("server", "")))
}

func (s *Server) handleStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResponse(s.dispatcher.Stats())
}

// errorResult renders a dispatcher error as an MCP error result carrying the
// user-visible envelope.
func (s *Server) errorResult(err error, serverName, tool string) *mcp.CallToolResult {
	payload := s.dispatcher.ErrorPayload(err, serverName, tool, 0)
	data, marshalErr := json.MarshalIndent(payload, "", "  ")
	if marshalErr != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultError(string(data))
}

// jsonResponse renders v as a single JSON text content.
func jsonResponse(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode response: %v", err)), nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(string(data)),
		},
	}, nil
}

// Run serves the MCP protocol over stdio until the upstream client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting mcpbridge MCP server", slog.String("version", bridge.Version))

	if err := server.ServeStdio(s.mcpServer); err != nil {
		return fmt.Errorf("MCP server error: %w", err)
	}
	return nil
}

// Shutdown closes the engine: downstream connections and the result sweep.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down mcpbridge MCP server")
	s.dispatcher.Close()
	return nil
}
