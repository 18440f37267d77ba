package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nixpig/taskrunner/internal/control"
	"github.com/nixpig/taskrunner/internal/task"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestMapError(t *testing.T) {
	t.Parallel()

	scenarios := map[string]struct {
		err  error
		want string
	}{
		"Test not found": {
			err:  status.Error(codes.NotFound, "task not found: build"),
			want: "not found",
		},
		"Test permission denied": {
			err:  status.Error(codes.PermissionDenied, "forbidden"),
			want: "permission denied",
		},
		"Test unauthenticated": {
			err:  status.Error(codes.Unauthenticated, "no peer"),
			want: "not authenticated",
		},
		"Test invalid argument keeps message": {
			err:  status.Error(codes.InvalidArgument, "unknown signal: SIGWAT"),
			want: "unknown signal: SIGWAT",
		},
		"Test unavailable": {
			err:  status.Error(codes.Unavailable, "connection refused"),
			want: "taskrunner unavailable",
		},
		"Test non-status error": {
			err:  errors.New("boom"),
			want: "boom",
		},
	}

	for scenario, config := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			t.Parallel()

			if got := mapError(config.err).Error(); got != config.want {
				t.Errorf("expected error: got '%s', want '%s'", got, config.want)
			}
		})
	}
}

func TestCommands(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "control.sock")

	listener, err := control.Listen(path)
	if err != nil {
		t.Fatalf("failed to setup listener: '%v'", err)
	}

	registry := task.NewRegistry(nil)

	server := control.NewServer(control.Config{Registry: registry})

	go server.Serve(listener)

	t.Cleanup(func() {
		server.Shutdown()
		registry.AbortAll()
		registry.Wait()
	})

	started := make(chan struct{})

	if _, err := registry.Start(context.Background(), "serve", func(ctx context.Context, ctrl *task.Controller) error {
		close(started)
		<-ctrl.Done()
		return nil
	}); err != nil {
		t.Fatalf("expected not to get error: got '%v'", err)
	}

	<-started

	execute := func(args ...string) (string, error) {
		out := &bytes.Buffer{}

		cmd := newCLI().rootCmd()
		cmd.SetOut(out)
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs(append([]string{"--socket", path}, args...))

		err := cmd.ExecuteContext(context.Background())

		return out.String(), err
	}

	t.Run("Test list", func(t *testing.T) {
		out, err := execute("list")
		if err != nil {
			t.Fatalf("expected not to get error: got '%v'", err)
		}

		if !strings.Contains(out, "NAME") || !strings.Contains(out, "serve") {
			t.Errorf("expected list output: got '%s'", out)
		}
	})

	t.Run("Test kill unknown task", func(t *testing.T) {
		_, err := execute("kill", "missing")
		if err == nil || err.Error() != "not found" {
			t.Errorf("expected not found error: got '%v'", err)
		}
	})

	t.Run("Test kill bad signal", func(t *testing.T) {
		_, err := execute("killall", "--signal", "WAT")
		if err == nil || !strings.Contains(err.Error(), "WAT") {
			t.Errorf("expected invalid signal error: got '%v'", err)
		}
	})

	t.Run("Test abort", func(t *testing.T) {
		if _, err := execute("abort", "serve"); err != nil {
			t.Errorf("expected not to get error: got '%v'", err)
		}
	})
}
