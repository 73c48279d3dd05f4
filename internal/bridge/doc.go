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

// Package bridge implements the mcpbridge proxy engine.
//
// The engine multiplexes meta-tool invocations from a single upstream MCP
// client onto an arbitrary set of downstream MCP servers, launched lazily as
// stdio child processes. Large downstream results are compacted into
// previews backed by a TTL-bound in-memory result store.
//
// Components:
//
//   - ConnectionManager owns downstream client handles: lazy spawn, per-server
//     connect serialization, eviction on failure, close on shutdown.
//   - SchemaCache holds per-server tool lists with a TTL.
//   - ResultStore keeps full payloads of compacted results until they expire.
//   - Compactor decides whether a payload is large and derives the preview
//     and summary shown in place of it.
//   - Dispatcher wires the above into the eight meta-tool operations.
//
// The front-end MCP surface lives in the server subpackage.
package bridge
