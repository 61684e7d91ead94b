// Copyright 2025 Google LLC
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

// Package cmd is the CLI entrypoint: it parses flags and environment
// variables, builds the registry/dispatcher core, registers the example
// tools this module ships, and runs either the streamable HTTP server or
// the STDIO transport until a shutdown signal arrives.
package cmd

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jfellow/mcpforge/internal/authn"
	"github.com/jfellow/mcpforge/internal/config"
	"github.com/jfellow/mcpforge/internal/exampletools"
	"github.com/jfellow/mcpforge/internal/log"
	"github.com/jfellow/mcpforge/internal/protocol"
	"github.com/jfellow/mcpforge/internal/registry"
	"github.com/jfellow/mcpforge/internal/server"
	"github.com/jfellow/mcpforge/internal/sources"
	"github.com/jfellow/mcpforge/internal/telemetry"
	"github.com/jfellow/mcpforge/internal/transport/stdio"

	"github.com/spf13/cobra"
)

//go:embed version.txt
var versionNum string

var versionString = strings.TrimSpace(versionNum)

// Execute builds the root command and runs it. Called
// once from main.main.
func Execute() {
	if err := NewCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// cliConfig holds everything the flags and environment inputs of §6.4
// populate, ahead of being turned into a Dispatcher and a transport.
type cliConfig struct {
	Address              string
	Port                 int
	ServerName           string
	ServerVersion        string
	LogLevel             stringLevel
	LoggingFormat        logFormat
	TelemetryOTLP        string
	TelemetryServiceName string
	Stdio                bool
	ConfigFile           string
}

// Command represents one invocation of the CLI.
type Command struct {
	*cobra.Command

	cfg       cliConfig
	logger    log.Logger
	inStream  io.Reader
	outStream io.Writer
	errStream io.Writer
}

// NewCommand builds the root command and wires its flags.
func NewCommand(opts ...Option) *Command {
	baseCmd := &cobra.Command{
		Use:           "mcpforge",
		Version:       versionString,
		SilenceErrors: true,
	}
	cmd := &Command{
		Command:   baseCmd,
		inStream:  os.Stdin,
		outStream: os.Stdout,
		errStream: os.Stderr,
	}
	for _, o := range opts {
		o(cmd)
	}
	cmd.cfg.ServerVersion = versionString

	baseCmd.SetIn(cmd.inStream)
	baseCmd.SetOut(cmd.outStream)
	baseCmd.SetErr(cmd.errStream)

	flags := cmd.Flags()
	flags.StringVarP(&cmd.cfg.Address, "address", "a", "127.0.0.1", "Address of the interface the server will listen on.")
	flags.IntVarP(&cmd.cfg.Port, "port", "p", 5000, "Port the server will listen on.")
	flags.StringVar(&cmd.cfg.ServerName, "server-name", "mcpforge", "Name reported to clients at initialize.")
	flags.Var(&cmd.cfg.LogLevel, "log-level", "Minimum level logged. Allowed: 'debug', 'info', 'warn', 'error'.")
	flags.Var(&cmd.cfg.LoggingFormat, "logging-format", "Logging format to use. Allowed: 'standard' or 'json'.")
	flags.StringVar(&cmd.cfg.TelemetryOTLP, "telemetry-otlp", "", "Export traces/metrics via OTLP to the given endpoint (e.g. 'http://127.0.0.1:4318').")
	flags.StringVar(&cmd.cfg.TelemetryServiceName, "telemetry-service-name", "mcpforge", "Value of the service.name resource attribute for telemetry data.")
	flags.BoolVar(&cmd.cfg.Stdio, "stdio", false, "Serve via line-delimited STDIO instead of HTTP.")
	flags.StringVar(&cmd.cfg.ConfigFile, "config", "", "Path to a config file describing example sources and auth services.")

	cmd.RunE = func(*cobra.Command, []string) error { return run(cmd) }

	return cmd
}

// applyEnv overlays the §6.4 environment variables onto flag-derived
// config, for deployments that configure this server purely through its
// environment (e.g. a container image with no CLI args).
func (c *cliConfig) applyEnv() {
	if v, ok := os.LookupEnv("MCP_TRANSPORT"); ok {
		c.Stdio = strings.EqualFold(v, "stdio")
	}
	if _, ok := os.LookupEnv("MCP_STDIO"); ok {
		c.Stdio = true
	}
	if _, ok := os.LookupEnv("USE_STDIO"); ok {
		c.Stdio = true
	}
	if v, ok := os.LookupEnv("MCP_LOG_LEVEL"); ok {
		_ = c.LogLevel.Set(v)
	}
	if v, ok := os.LookupEnv("MCP_SERVER_NAME"); ok {
		c.ServerName = v
	}
	if v, ok := os.LookupEnv("MCP_SERVER_VERSION"); ok {
		c.ServerVersion = v
	}
	if v, ok := os.LookupEnv("PORT"); ok {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
}

func run(cmd *Command) error {
	cmd.cfg.applyEnv()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-signals:
			cancel()
		}
	}()

	if cmd.logger == nil {
		var err error
		switch cmd.cfg.LoggingFormat.String() {
		case "json":
			cmd.logger, err = log.NewJSONLogger(cmd.outStream, cmd.errStream, cmd.cfg.LogLevel.String())
		default:
			cmd.logger, err = log.NewStdLogger(cmd.outStream, cmd.errStream, cmd.cfg.LogLevel.String())
		}
		if err != nil {
			return fmt.Errorf("unable to initialize logger: %w", err)
		}
	}
	logger := cmd.logger

	otelShutdown, err := telemetry.SetupOTel(ctx, cmd.cfg.ServerVersion, cmd.cfg.TelemetryOTLP, cmd.cfg.TelemetryServiceName)
	if err != nil {
		return fmt.Errorf("error setting up OpenTelemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			logger.Error("error shutting down OpenTelemetry", "error", err)
		}
	}()

	inst, err := telemetry.CreateTelemetryInstrumentation(cmd.cfg.ServerVersion)
	if err != nil {
		return fmt.Errorf("unable to create telemetry instrumentation: %w", err)
	}

	fileCfg, err := config.Load(ctx, cmd.cfg.ConfigFile)
	if err != nil {
		return err
	}
	if fileCfg.ServerName != "" {
		cmd.cfg.ServerName = fileCfg.ServerName
	}

	reg := registry.New(cmd.cfg.ServerVersion)

	openSources, err := initializeSources(ctx, inst, fileCfg.Sources)
	if err != nil {
		return err
	}
	defer func() {
		for _, s := range openSources {
			if closer, ok := s.(interface{ Close() }); ok {
				closer.Close()
			}
		}
	}()
	if err := exampletools.Register(reg, openSources); err != nil {
		return fmt.Errorf("unable to register example tools: %w", err)
	}

	var authReg *authn.Registry
	if len(fileCfg.AuthServices) > 0 {
		validators := make([]authn.TokenValidator, 0, len(fileCfg.AuthServices))
		for _, v := range fileCfg.AuthServices {
			validators = append(validators, v)
		}
		authReg = authn.NewRegistry(validators...)
	}

	impl := protocol.Implementation{Name: cmd.cfg.ServerName, Version: cmd.cfg.ServerVersion}
	dispatcherOpts := []protocol.Option{
		protocol.WithLogger(logger),
		protocol.WithInstrumentation(inst),
	}
	if authReg != nil {
		dispatcherOpts = append(dispatcherOpts, protocol.WithAuthRegistry(authReg))
	}
	dispatcher := protocol.New(impl, reg, dispatcherOpts...)

	if cmd.cfg.ConfigFile != "" {
		go config.Watch(ctx, cmd.cfg.ConfigFile, logger, func(newCfg config.Config) error {
			if len(newCfg.Sources) != len(fileCfg.Sources) || len(newCfg.AuthServices) != len(fileCfg.AuthServices) {
				return errors.New("structural config changes (sources/authServices) require a restart")
			}
			return nil
		})
	}

	if cmd.cfg.Stdio {
		return runStdio(ctx, dispatcher, logger, cmd.inStream, cmd.outStream)
	}
	return runHTTP(ctx, cmd.cfg, dispatcher, reg, logger, inst)
}

func initializeSources(ctx context.Context, inst *telemetry.Instrumentation, cfgs config.SourceConfigs) (map[string]sources.Source, error) {
	out := make(map[string]sources.Source, len(cfgs))
	for name, sc := range cfgs {
		src, err := sc.Initialize(ctx, inst.Tracer)
		if err != nil {
			return nil, fmt.Errorf("unable to initialize source %q: %w", name, err)
		}
		out[name] = src
	}
	return out, nil
}

func runStdio(ctx context.Context, dispatcher *protocol.Dispatcher, logger log.Logger, in io.Reader, out io.Writer) error {
	sess := stdio.New(dispatcher, logger, in, out)
	if err := sess.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("stdio session failed: %w", err)
	}
	return nil
}

func runHTTP(ctx context.Context, cfg cliConfig, dispatcher *protocol.Dispatcher, reg *registry.Registry, logger log.Logger, inst *telemetry.Instrumentation) error {
	srv, err := server.New(server.Config{
		Address:       cfg.Address,
		Port:          cfg.Port,
		Version:       cfg.ServerVersion,
		LoggingFormat: cfg.LoggingFormat.String(),
		LogLevel:      strings.ToUpper(cfg.LogLevel.String()),
	}, dispatcher, reg, logger, inst)
	if err != nil {
		return fmt.Errorf("mcpforge failed to initialize: %w", err)
	}

	if err := srv.Listen(ctx); err != nil {
		return fmt.Errorf("mcpforge failed to start listener: %w", err)
	}
	logger.Info("server ready to serve", "addr", srv.Addr())

	srvErr := make(chan error, 1)
	go func() {
		srvErr <- srv.Serve(ctx)
	}()

	select {
	case err := <-srvErr:
		if err != nil {
			return fmt.Errorf("mcpforge crashed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Warn("shutting down gracefully")
		if err := dispatcher.Shutdown(shutdownCtx); err != nil {
			logger.Error("dispatcher shutdown error", "error", err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("graceful shutdown timed out, forcing exit")
			}
			return err
		}
		return nil
	}
}
