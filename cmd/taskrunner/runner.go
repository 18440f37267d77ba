package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/nixpig/taskrunner/internal/control"
	"github.com/nixpig/taskrunner/internal/execp"
	"github.com/nixpig/taskrunner/internal/shutdown"
	"github.com/nixpig/taskrunner/internal/supervisor"
	"github.com/nixpig/taskrunner/internal/task"
	"github.com/nixpig/taskrunner/internal/taskfile"
	"google.golang.org/grpc"
)

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// runTasks runs names from the task file and then keeps running while any
// task is active or the control plane is served. Signals are handled by the
// shutdown ladder, which exits the process.
func runTasks(ctx context.Context, cfg *config, names []string) error {
	logger := newLogger(cfg.debug)

	file, err := taskfile.Load(cfg.file)
	if err != nil {
		return err
	}

	registry := task.NewRegistry(logger)

	ladder := shutdown.New(registry, shutdown.WithLogger(logger))
	ladder.Listen(ctx)

	sup, err := supervisor.New(supervisor.Config{Logger: logger})
	if err != nil {
		return fmt.Errorf("create supervisor: %w", err)
	}

	executor := execp.New(execp.Config{
		Runner:   sup,
		Lines:    registry,
		Logger:   logger,
		Stopping: ladder.Started,
	})

	compiler := taskfile.NewCompiler(file, registry, executor, logger)

	var server *control.Server

	if cfg.controlSocket != "" {
		server, err = serveControl(cfg.controlSocket, registry, compiler, logger)
		if err != nil {
			return err
		}

		defer func() {
			server.Shutdown()
			os.Remove(cfg.controlSocket)
		}()
	}

	if err := compiler.Run(ctx, cfg.series, names...); err != nil {
		if errors.Is(err, execp.ErrShuttingDown) {
			// The ladder exits the process once shutdown completes.
			select {}
		}

		logger.Error("task run failed", "err", err)

		registry.AbortAll()
		registry.Wait()

		return err
	}

	if server != nil {
		<-ctx.Done()
		return nil
	}

	registry.Wait()

	logger.Debug("all tasks finished")

	return nil
}

func serveControl(
	path string,
	registry *task.Registry,
	compiler *taskfile.Compiler,
	logger *slog.Logger,
) (*control.Server, error) {
	listener, err := control.Listen(path)
	if err != nil {
		return nil, err
	}

	server := control.NewServer(control.Config{
		Registry: registry,
		Tasks:    compiler,
		Logger:   logger,
	})

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) && !errors.Is(err, net.ErrClosed) {
			logger.Error("control server failed", "err", err)
		}
	}()

	return server, nil
}
