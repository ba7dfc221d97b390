package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/rendis/conductor/internal/logging"
	"github.com/rendis/conductor/internal/service"
	"github.com/rendis/conductor/pkg/mcp"
	"github.com/rendis/conductor/pkg/schema"
)

const shutdownTimeout = 10 * time.Second

func serveCommand() *cli.Command {
	flags := append(configFlags(),
		&cli.BoolFlag{Name: "mcp", Usage: "serve MCP tools on stdio", Sources: cli.EnvVars("CONDUCTOR_MCP")},
		&cli.StringFlag{Name: "listen-addr", Usage: "serve MCP tools over streamable HTTP on this address", Sources: cli.EnvVars("CONDUCTOR_LISTEN_ADDR")},
		&cli.StringSliceFlag{Name: "import", Usage: "workflow documents imported on start"},
	)
	return &cli.Command{
		Name:   "serve",
		Usage:  "Start the queue, dispatcher, engine and scheduler",
		Flags:  flags,
		Action: runServe,
	}
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	// Logs go to stderr: stdout carries the MCP stdio transport.
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	svcCfg, err := cfg.serviceConfig()
	if err != nil {
		return err
	}
	if err := ensureDBDir(svcCfg.DBPath); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := service.New(ctx, svcCfg, logger)
	if err != nil {
		return fmt.Errorf("build service: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := svc.Close(closeCtx); err != nil {
			logger.Error("shutdown failed", slog.String("error", err.Error()))
		}
	}()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	importDocuments(ctx, svc, cmd.StringSlice("import"), logger)

	srv := mcp.NewConductorServer(mcp.ServerDeps{
		Queue:     svc.Queue,
		Engine:    svc.Engine,
		Scheduler: svc.Scheduler,
		Agents:    svc.Agents,
		Hub:       svc.Hub,
		Codec:     svc.Codec,
		Version:   version,
		Logger:    logger.With(slog.String("component", "mcp")),
	})

	switch {
	case cfg.ListenAddr != "":
		logger.Info("serving MCP over HTTP", slog.String("addr", cfg.ListenAddr))
		return srv.ServeHTTP(ctx, cfg.ListenAddr)
	case cfg.MCP:
		logger.Info("serving MCP on stdio")
		return srv.Serve(ctx)
	default:
		<-ctx.Done()
		logger.Info("shutting down")
		return nil
	}
}

// importDocuments adds the given workflow files. Workflows already present
// from an earlier start are left untouched.
func importDocuments(ctx context.Context, svc *service.Service, paths []string, logger *slog.Logger) {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("read workflow document failed", slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		wf, err := svc.ImportDocument(ctx, data)
		switch {
		case schema.IsCode(err, schema.ErrCodeConflict):
			logger.Debug("workflow already present", slog.String("path", path))
		case err != nil:
			logger.Warn("import workflow failed", slog.String("path", path), slog.String("error", err.Error()))
		default:
			logger.Info("workflow imported", slog.String("path", path), slog.String("workflow_id", wf.ID))
		}
	}
}

func ensureDBDir(path string) error {
	if path == "" || path == service.MemoryDBPath || strings.Contains(path, "://") {
		return nil
	}
	dir := filepath.Dir(strings.TrimPrefix(path, "file:"))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}
