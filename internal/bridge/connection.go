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
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/mcpbridge/internal/config"
)

// DefaultConnectTimeout bounds a single downstream connect attempt.
const DefaultConnectTimeout = 30 * time.Second

// Dialer constructs a live ToolClient for a descriptor. The production
// dialer spawns the stdio child via NewClient; tests substitute fakes.
type Dialer func(ctx context.Context, desc *config.ServerDescriptor) (ToolClient, error)

// connection is one slot in the manager's name-keyed map.
type connection struct {
	client          ToolClient
	connected       bool
	lastConnectedAt time.Time
}

// ConnectionManager owns downstream client handles. Connections are created
// lazily on first need, at most one per server, and rebuilt after eviction.
// The manager is the sole mutator of the connections map; the dispatcher
// holds only non-owning references acquired per call.
type ConnectionManager struct {
	registry       *config.Registry
	dial           Dialer
	connectTimeout time.Duration
	logger         *slog.Logger

	// mu guards conns and locks.
	mu    sync.Mutex
	conns map[string]*connection

	// locks serializes connect attempts per server so that concurrent
	// Get calls for the same name spawn at most one child.
	locks map[string]*sync.Mutex

	closed bool
}

// ManagerOption configures a ConnectionManager.
type ManagerOption func(*ConnectionManager)

// WithDialer overrides the production dialer.
func WithDialer(dial Dialer) ManagerOption {
	return func(m *ConnectionManager) { m.dial = dial }
}

// WithConnectTimeout overrides the per-attempt connect timeout.
func WithConnectTimeout(d time.Duration) ManagerOption {
	return func(m *ConnectionManager) { m.connectTimeout = d }
}

// NewConnectionManager creates a manager over the given registry.
func NewConnectionManager(registry *config.Registry, logger *slog.Logger, opts ...ManagerOption) *ConnectionManager {
	if logger == nil {
		logger = slog.Default()
	}

	m := &ConnectionManager{
		registry:       registry,
		connectTimeout: DefaultConnectTimeout,
		logger:         logger,
		conns:          make(map[string]*connection),
		locks:          make(map[string]*sync.Mutex),
	}
	m.dial = func(ctx context.Context, desc *config.ServerDescriptor) (ToolClient, error) {
		return NewClient(ctx, desc)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns a live client handle for the named server, spawning the child
// process on first need. Fails with UNKNOWN_SERVER, SERVER_DISABLED,
// UNSUPPORTED_TRANSPORT, CONNECT_TIMEOUT, or SPAWN_FAILED.
func (m *ConnectionManager) Get(ctx context.Context, server string) (ToolClient, error) {
	// Reject before any process is spawned.
	desc := m.registry.Get(server)
	if desc == nil {
		return nil, ErrUnknownServer(server, m.registry.EnabledNames())
	}
	if !desc.IsEnabled() {
		return nil, ErrServerDisabled(server)
	}
	if !desc.IsStdio() {
		return nil, ErrUnsupportedTransport(server, desc.Type)
	}

	lock := m.serverLock(server)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New("connection manager is closed")
	}
	if conn, ok := m.conns[server]; ok && conn.connected {
		client := conn.client
		m.mu.Unlock()
		return client, nil
	}
	m.mu.Unlock()

	return m.connect(ctx, desc)
}

// connect performs one dial attempt under the per-server lock.
func (m *ConnectionManager) connect(ctx context.Context, desc *config.ServerDescriptor) (ToolClient, error) {
	connectCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()

	m.logger.Debug("connecting to downstream server",
		"server", desc.Name,
		"command", desc.Command,
		"args", desc.Args,
		"env", config.RedactEnv(desc.Env),
	)

	start := time.Now()
	client, err := m.dial(connectCtx, desc)
	if err != nil {
		m.evict(desc.Name)
		if connectCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, ErrConnectTimeout(desc.Name, err)
		}
		return nil, ErrSpawnFailed(desc.Name, desc.Command, err)
	}

	// Verify the server is responsive before handing the connection out.
	if err := client.Ping(connectCtx); err != nil {
		_ = client.Close()
		m.evict(desc.Name)
		if connectCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, ErrConnectTimeout(desc.Name, err)
		}
		return nil, ErrSpawnFailed(desc.Name, desc.Command, err)
	}

	m.mu.Lock()
	m.conns[desc.Name] = &connection{
		client:          client,
		connected:       true,
		lastConnectedAt: time.Now(),
	}
	m.mu.Unlock()

	m.logger.Info("downstream server connected",
		"server", desc.Name,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	connectsTotal.WithLabelValues(desc.Name).Inc()

	return client, nil
}

// Invalidate drops the cached connection for server, closing the handle.
// The next Get rebuilds it. Used by the retry loop on connection errors and
// by the dispatcher when an upstream cancellation aborts a call; an ordinary
// call failure goes through MarkFaulted instead.
func (m *ConnectionManager) Invalidate(server string) {
	m.evict(server)
}

// MarkFaulted flags the connection without closing it, so the next Get
// rebuilds while an in-flight call may still drain.
func (m *ConnectionManager) MarkFaulted(server string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn, ok := m.conns[server]; ok {
		conn.connected = false
	}
}

// evict removes the slot and closes its handle best-effort.
func (m *ConnectionManager) evict(server string) {
	m.mu.Lock()
	conn, ok := m.conns[server]
	delete(m.conns, server)
	m.mu.Unlock()

	if ok && conn.client != nil {
		if err := conn.client.Close(); err != nil {
			m.logger.Warn("error closing downstream connection",
				"server", server,
				"error", err,
			)
		}
	}
}

// ConnectedCount returns the number of live connections.
func (m *ConnectionManager) ConnectedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, conn := range m.conns {
		if conn.connected {
			count++
		}
	}
	return count
}

// ConnectedNames returns the names of servers with live connections.
func (m *ConnectionManager) ConnectedNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.conns))
	for name, conn := range m.conns {
		if conn.connected {
			names = append(names, name)
		}
	}
	return names
}

// Close closes every live handle best-effort. Errors are logged and ignored.
// The manager rejects further Get calls after Close.
func (m *ConnectionManager) Close() {
	m.mu.Lock()
	m.closed = true
	conns := m.conns
	m.conns = make(map[string]*connection)
	m.mu.Unlock()

	for name, conn := range conns {
		if conn.client == nil {
			continue
		}
		if err := conn.client.Close(); err != nil {
			m.logger.Warn("error closing downstream connection during shutdown",
				"server", name,
				"error", err,
			)
		}
	}
}

// serverLock returns the per-server connect mutex, creating it on first use.
func (m *ConnectionManager) serverLock(server string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[server]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[server] = lock
	}
	return lock
}
