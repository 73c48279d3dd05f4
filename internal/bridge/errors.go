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
	"errors"
	"fmt"
	"strings"
)

// ErrorCode categorizes a bridge error.
type ErrorCode string

const (
	// ErrorCodeConfig indicates a configuration error.
	ErrorCodeConfig ErrorCode = "CONFIG"
	// ErrorCodeUnknownServer indicates the server name is not configured.
	ErrorCodeUnknownServer ErrorCode = "UNKNOWN_SERVER"
	// ErrorCodeServerDisabled indicates the server is configured but disabled.
	ErrorCodeServerDisabled ErrorCode = "SERVER_DISABLED"
	// ErrorCodeUnsupportedTransport indicates a non-stdio transport type.
	ErrorCodeUnsupportedTransport ErrorCode = "UNSUPPORTED_TRANSPORT"
	// ErrorCodeSpawnFailed indicates the child process could not be started.
	ErrorCodeSpawnFailed ErrorCode = "SPAWN_FAILED"
	// ErrorCodeConnectTimeout indicates the connect attempt timed out.
	ErrorCodeConnectTimeout ErrorCode = "CONNECT_TIMEOUT"
	// ErrorCodeTransport indicates a downstream transport-level fault.
	ErrorCodeTransport ErrorCode = "TRANSPORT"
	// ErrorCodeToolNotFound indicates the tool is not exposed by the server.
	ErrorCodeToolNotFound ErrorCode = "TOOL_NOT_FOUND"
	// ErrorCodeDownstreamTool indicates the downstream tool reported an error.
	ErrorCodeDownstreamTool ErrorCode = "DOWNSTREAM_TOOL"
	// ErrorCodeResultMissing indicates an unknown result_id.
	ErrorCodeResultMissing ErrorCode = "RESULT_MISSING"
	// ErrorCodeResultExpired indicates the stored result aged past its TTL.
	ErrorCodeResultExpired ErrorCode = "RESULT_EXPIRED"
	// ErrorCodeArgumentMissing indicates a required meta-tool input was omitted.
	ErrorCodeArgumentMissing ErrorCode = "ARGUMENT_MISSING"
)

// BridgeError is the error type surfaced to the upstream client.
// It carries a category, optional server/tool context, and an actionable hint.
type BridgeError struct {
	// Code is the error category.
	Code ErrorCode
	// Message is the primary error message.
	Message string
	// Server is the downstream server involved, if any.
	Server string
	// Tool is the downstream tool involved, if any.
	Tool string
	// Hint is actionable guidance for the upstream client.
	Hint string
	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *BridgeError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Message)
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error.
func (e *BridgeError) Unwrap() error {
	return e.Cause
}

// WithHint sets the hint and returns the error.
func (e *BridgeError) WithHint(hint string) *BridgeError {
	e.Hint = hint
	return e
}

// WithCause sets the underlying error and returns the error.
func (e *BridgeError) WithCause(cause error) *BridgeError {
	e.Cause = cause
	return e
}

// NewBridgeError creates a new BridgeError.
func NewBridgeError(code ErrorCode, message string) *BridgeError {
	return &BridgeError{Code: code, Message: message}
}

// AsBridgeError extracts a BridgeError from an error chain, or nil.
func AsBridgeError(err error) *BridgeError {
	var be *BridgeError
	if errors.As(err, &be) {
		return be
	}
	return nil
}

// CodeOf returns the category of err, or empty if err is not a BridgeError.
func CodeOf(err error) ErrorCode {
	if be := AsBridgeError(err); be != nil {
		return be.Code
	}
	return ""
}

// ErrUnknownServer creates an error for an unconfigured server name.
func ErrUnknownServer(name string, available []string) *BridgeError {
	e := NewBridgeError(ErrorCodeUnknownServer, fmt.Sprintf("unknown server %q", name))
	e.Server = name
	e.Hint = availableServersHint(available)
	return e
}

// ErrServerDisabled creates an error for a disabled server.
func ErrServerDisabled(name string) *BridgeError {
	e := NewBridgeError(ErrorCodeServerDisabled, fmt.Sprintf("server %q is disabled", name))
	e.Server = name
	e.Hint = "enable the server in mcpbridge.config.json and restart the bridge"
	return e
}

// ErrUnsupportedTransport creates an error for a non-stdio descriptor.
func ErrUnsupportedTransport(name, transport string) *BridgeError {
	e := NewBridgeError(ErrorCodeUnsupportedTransport,
		fmt.Sprintf("server %q uses unsupported transport %q", name, transport))
	e.Server = name
	e.Hint = "only stdio servers are supported"
	return e
}

// ErrSpawnFailed creates an error for a child process that could not start.
// The descriptor command is included to aid diagnosis.
func ErrSpawnFailed(name, command string, cause error) *BridgeError {
	e := NewBridgeError(ErrorCodeSpawnFailed,
		fmt.Sprintf("failed to start server %q (command %q)", name, command))
	e.Server = name
	e.Cause = cause
	e.Hint = fmt.Sprintf("server command %q not found or not executable", command)
	return e
}

// ErrConnectTimeout creates an error for a connect attempt that timed out.
func ErrConnectTimeout(name string, cause error) *BridgeError {
	e := NewBridgeError(ErrorCodeConnectTimeout, fmt.Sprintf("timed out connecting to server %q", name))
	e.Server = name
	e.Cause = cause
	e.Hint = "server may be starting up; retry"
	return e
}

// ErrToolNotFound creates an error enumerating up to ten available tool names.
func ErrToolNotFound(server, tool string, available []string) *BridgeError {
	const maxListed = 10
	listed := available
	suffix := ""
	if len(listed) > maxListed {
		suffix = fmt.Sprintf(", ... (%d more)", len(listed)-maxListed)
		listed = listed[:maxListed]
	}
	e := NewBridgeError(ErrorCodeToolNotFound,
		fmt.Sprintf("tool %q not found on server %q. Available: %s%s",
			tool, server, strings.Join(listed, ", "), suffix))
	e.Server = server
	e.Tool = tool
	e.Hint = fmt.Sprintf("use list_mcp_tools with server=%q to see available tools", server)
	return e
}

// ErrArgumentMissing creates an error for an omitted required meta-tool input.
func ErrArgumentMissing(arg string, available []string) *BridgeError {
	e := NewBridgeError(ErrorCodeArgumentMissing, fmt.Sprintf("required argument %q is missing", arg))
	e.Hint = availableServersHint(available)
	return e
}

// ErrResultMissing creates an error for an unknown result_id.
func ErrResultMissing(resultID string) *BridgeError {
	e := NewBridgeError(ErrorCodeResultMissing, fmt.Sprintf("result %q not found", resultID))
	e.Hint = "use list_results to see stored results"
	return e
}

// ErrResultExpired creates an error for a result past its TTL.
func ErrResultExpired(resultID string) *BridgeError {
	e := NewBridgeError(ErrorCodeResultExpired, fmt.Sprintf("result %q has expired", resultID))
	e.Hint = "use list_results to see stored results"
	return e
}

// availableServersHint renders the enabled server names as a hint.
func availableServersHint(available []string) string {
	if len(available) == 0 {
		return "no servers are configured"
	}
	return "available servers: " + strings.Join(available, ", ")
}

// Hint generates actionable guidance for err by pattern-matching its
// category. Errors that already carry a hint keep it.
func Hint(err error, available []string) string {
	be := AsBridgeError(err)
	if be != nil && be.Hint != "" {
		return be.Hint
	}

	switch CodeOf(err) {
	case ErrorCodeUnknownServer:
		return availableServersHint(available)
	case ErrorCodeConnectTimeout:
		return "server may be starting up; retry"
	case ErrorCodeSpawnFailed:
		return "server command not found"
	case ErrorCodeResultExpired, ErrorCodeResultMissing:
		return "use list_results to see stored results"
	case ErrorCodeToolNotFound:
		return "use list_mcp_tools to see available tools"
	default:
		return "use list_servers and list_mcp_tools to discover what is available"
	}
}
