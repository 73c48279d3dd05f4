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

// Package config loads and validates the mcpbridge configuration file.
//
// The configuration is a single JSON document describing the downstream MCP
// servers the bridge may launch. It is loaded once at startup and immutable
// for the process lifetime.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// EnvConfigPath names the environment variable that overrides the
// configuration file location.
const EnvConfigPath = "MCPBRIDGE_CONFIG"

// FileName is the default configuration file name, looked up in the working
// directory and next to the executable.
const FileName = "mcpbridge.config.json"

// TransportStdio is the only downstream transport the bridge supports.
const TransportStdio = "stdio"

// ServerNameRegex validates downstream server names.
// Names must start with a letter and contain only letters, numbers, hyphens,
// and underscores. Maximum length is 64 characters.
var ServerNameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]{0,63}$`)

// ServerDescriptor describes one downstream MCP server.
type ServerDescriptor struct {
	// Name is the unique identifier for this server.
	Name string `json:"-"`

	// Type is the transport type. Only "stdio" is supported.
	Type string `json:"type,omitempty"`

	// Command is the executable to run.
	Command string `json:"command"`

	// Args are the command-line arguments.
	Args []string `json:"args,omitempty"`

	// Env are environment variables merged over the process environment.
	Env map[string]string `json:"env,omitempty"`

	// WorkingDir is the optional working directory for the child process.
	WorkingDir string `json:"cwd,omitempty"`

	// Description is human-readable text shown by list_servers.
	Description string `json:"description,omitempty"`

	// Enabled defaults to true; disabled servers are listed nowhere and
	// never spawned.
	Enabled *bool `json:"enabled,omitempty"`
}

// IsEnabled reports whether the server may be used.
func (d *ServerDescriptor) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// IsStdio reports whether the descriptor uses the stdio transport.
// An empty type defaults to stdio.
func (d *ServerDescriptor) IsStdio() bool {
	return d.Type == "" || d.Type == TransportStdio
}

// file is the on-disk document shape.
type file struct {
	Servers map[string]*ServerDescriptor `json:"servers"`
}

// Registry is the immutable set of server descriptors.
type Registry struct {
	servers map[string]*ServerDescriptor
	path    string
}

// Resolve returns the configuration file path, following the lookup order:
// $MCPBRIDGE_CONFIG, ./mcpbridge.config.json, <executable dir>/mcpbridge.config.json.
// Returns an error if none exists.
func Resolve() (string, error) {
	if path := os.Getenv(EnvConfigPath); path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("config file from %s not readable: %w", EnvConfigPath, err)
		}
		return path, nil
	}

	if _, err := os.Stat(FileName); err == nil {
		return FileName, nil
	}

	exe, err := os.Executable()
	if err == nil {
		adjacent := filepath.Join(filepath.Dir(exe), FileName)
		if _, err := os.Stat(adjacent); err == nil {
			return adjacent, nil
		}
	}

	return "", fmt.Errorf("no %s found: set %s, or place the file in the working directory or next to the executable", FileName, EnvConfigPath)
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data, path)
}

// Parse validates a configuration document.
func Parse(data []byte, path string) (*Registry, error) {
	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if len(f.Servers) == 0 {
		return nil, fmt.Errorf("config file %s defines no servers", path)
	}

	for name, desc := range f.Servers {
		if desc == nil {
			return nil, fmt.Errorf("server %q: empty descriptor", name)
		}
		desc.Name = name
		if err := desc.validate(); err != nil {
			return nil, fmt.Errorf("server %q: %w", name, err)
		}
	}

	return &Registry{servers: f.Servers, path: path}, nil
}

// validate checks a single descriptor.
func (d *ServerDescriptor) validate() error {
	if !ServerNameRegex.MatchString(d.Name) {
		return fmt.Errorf("invalid server name: must start with a letter and contain only letters, numbers, hyphens, and underscores (max 64 characters)")
	}
	if d.Command == "" {
		return fmt.Errorf("command is required")
	}
	if d.Type != "" && d.Type != TransportStdio {
		// Not fatal: the descriptor stays in the registry and dispatch
		// rejects it per call with an UNSUPPORTED_TRANSPORT error.
		slog.Warn("server uses an unsupported transport type and will reject all calls",
			"server", d.Name,
			"type", d.Type,
			"supported", TransportStdio)
	}
	for key := range d.Env {
		if !envKeyRegex.MatchString(key) {
			return fmt.Errorf("invalid environment variable key %q", key)
		}
	}
	return nil
}

var envKeyRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Get returns the descriptor for name, or nil if absent.
func (r *Registry) Get(name string) *ServerDescriptor {
	return r.servers[name]
}

// Path returns the file the registry was loaded from.
func (r *Registry) Path() string {
	return r.path
}

// Names returns all configured server names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.servers))
	for name := range r.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EnabledNames returns the names of enabled servers, sorted.
func (r *Registry) EnabledNames() []string {
	names := make([]string, 0, len(r.servers))
	for name, desc := range r.servers {
		if desc.IsEnabled() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Enabled returns the enabled descriptors, sorted by name.
func (r *Registry) Enabled() []*ServerDescriptor {
	descs := make([]*ServerDescriptor, 0, len(r.servers))
	for _, name := range r.EnabledNames() {
		descs = append(descs, r.servers[name])
	}
	return descs
}

// Len returns the number of configured servers, enabled or not.
func (r *Registry) Len() int {
	return len(r.servers)
}

// sensitiveKeyPatterns are patterns that indicate a sensitive env value.
var sensitiveKeyPatterns = []string{
	"SECRET", "TOKEN", "KEY", "PASSWORD", "CREDENTIAL", "AUTH",
}

// IsSensitiveEnvKey returns true if the key appears to hold sensitive data.
func IsSensitiveEnvKey(key string) bool {
	upper := strings.ToUpper(key)
	for _, pattern := range sensitiveKeyPatterns {
		if strings.Contains(upper, pattern) {
			return true
		}
	}
	return false
}

// RedactEnv returns a copy of env with sensitive values masked.
// Used wherever descriptor environments appear in diagnostics.
func RedactEnv(env map[string]string) map[string]string {
	if env == nil {
		return nil
	}
	out := make(map[string]string, len(env))
	for key, value := range env {
		if IsSensitiveEnvKey(key) {
			out[key] = "***REDACTED***"
		} else {
			out[key] = value
		}
	}
	return out
}
