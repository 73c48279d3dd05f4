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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/mcpbridge/internal/bridge"
	mcpserver "github.com/tombee/mcpbridge/internal/bridge/server"
	"github.com/tombee/mcpbridge/internal/config"
	"github.com/tombee/mcpbridge/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if version != "dev" {
		bridge.Version = version
	}

	root := &cobra.Command{
		Use:   "mcpbridge",
		Short: "A meta-protocol proxy for MCP servers",
		Long: `mcpbridge presents itself to an MCP client as a single stdio server
exposing eight meta-tools, while multiplexing calls to the downstream MCP
servers named in mcpbridge.config.json. Downstream servers are launched
lazily as child processes; large tool results are compacted into previews
backed by a short-lived result store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCommand())
	root.AddCommand(newVersionCommand())

	// Running with no subcommand serves, so an MCP client configuration
	// can point at the bare binary.
	root.RunE = func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context(), "")
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", log.Prefix, err)
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the meta-tools over stdio",
		Long: `Serve the MCP protocol on standard input/output.

Configuration is read from, in order: the path given with --config, the
MCPBRIDGE_CONFIG environment variable, mcpbridge.config.json in the working
directory, or next to the executable.

All diagnostics go to stderr; stdout carries only the JSON-RPC channel.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the configuration file")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mcpbridge %s (commit %s, built %s)\n", bridge.Version, commit, buildDate)
		},
	}
}

// serve loads the configuration, assembles the engine, and runs the MCP
// server until the upstream client disconnects or a signal arrives.
func serve(ctx context.Context, configPath string) error {
	logger := log.New(log.FromEnv())

	path := configPath
	if path == "" {
		var err error
		path, err = config.Resolve()
		if err != nil {
			return err
		}
	}

	registry, err := config.Load(path)
	if err != nil {
		return err
	}
	logger.Info("configuration loaded",
		"path", path,
		"servers", registry.Len(),
		"enabled", len(registry.EnabledNames()),
	)

	manager := bridge.NewConnectionManager(registry, log.WithComponent(logger, "connections"))
	store := bridge.NewResultStore(bridge.DefaultResultTTL, log.WithComponent(logger, "results"))
	store.StartSweep(bridge.DefaultSweepInterval)

	dispatcher := bridge.NewDispatcher(bridge.DispatcherConfig{
		Registry: registry,
		Manager:  manager,
		Cache:    bridge.NewSchemaCache(manager, bridge.DefaultToolCacheTTL),
		Store:    store,
		Logger:   log.WithComponent(logger, "dispatcher"),
	})

	srv := mcpserver.NewServer(dispatcher, log.WithComponent(logger, "server"))

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- srv.Run(ctx)
	}()

	select {
	case err := <-done:
		shutdown(srv, logger)
		return err
	case <-ctx.Done():
		logger.Info("signal received, shutting down")
		shutdown(srv, logger)
		return nil
	}
}

// shutdown closes the engine with a bounded grace period.
func shutdown(srv *mcpserver.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = srv.Shutdown(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		logger.Info("shutdown grace period elapsed")
	}
}
