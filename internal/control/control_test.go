package control_test

import (
	"context"
	"math"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/nixpig/taskrunner/internal/control"
	"github.com/nixpig/taskrunner/internal/task"
	"github.com/nixpig/taskrunner/internal/taskfile"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type tasks struct {
	mu      sync.Mutex
	started []string
	names   []string
}

func (ts *tasks) Task(name string) (taskfile.Task, error) {
	if !slices.Contains(ts.names, name) {
		return nil, taskfile.ErrUnknownTask
	}

	return func(ctx context.Context) error {
		ts.mu.Lock()
		defer ts.mu.Unlock()

		ts.started = append(ts.started, name)

		return nil
	}, nil
}

func (ts *tasks) get() []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	return slices.Clone(ts.started)
}

func setupTestClientAndServer(
	t *testing.T,
	registry *task.Registry,
	ts *tasks,
	operators []uint32,
) *control.Client {
	t.Helper()

	path := filepath.Join(t.TempDir(), "control.sock")

	listener, err := control.Listen(path)
	if err != nil {
		t.Fatalf("failed to setup listener: '%v'", err)
	}

	s := control.NewServer(control.Config{
		Registry:     registry,
		Tasks:        ts,
		OperatorUIDs: operators,
	})

	go func() {
		if err := s.Serve(listener); err != nil {
			t.Logf("failed to start server: '%v'", err)
		}
	}()

	client, err := control.Dial(path)
	if err != nil {
		t.Fatalf("failed to connect: '%v'", err)
	}

	t.Cleanup(func() {
		client.Close()
		s.Shutdown()
		s.Wait()
		registry.AbortAll()
		registry.Wait()
	})

	return client
}

// block runs a task until it is aborted, recording kill signals.
func block(t *testing.T, registry *task.Registry, name string, signals chan<- syscall.Signal) {
	t.Helper()

	started := make(chan struct{})

	_, err := registry.Start(context.Background(), name, func(ctx context.Context, ctrl *task.Controller) error {
		remove := ctrl.OnKill(func(sig syscall.Signal) {
			if signals != nil {
				signals <- sig
			}
		})
		defer remove()

		close(started)
		<-ctrl.Done()

		return nil
	})
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	<-started
}

func testCode(t *testing.T, err error, want codes.Code) {
	t.Helper()

	if got := status.Code(err); got != want {
		t.Errorf("expected code: got '%s', want '%s' (%v)", got, want, err)
	}
}

func TestControlServer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("Test task lifecycle", func(t *testing.T) {
		t.Parallel()

		registry := task.NewRegistry(nil)
		ts := &tasks{names: []string{"build"}}

		client := setupTestClientAndServer(t, registry, ts, nil)

		block(t, registry, "serve", nil)

		names, err := client.List(ctx)
		if err != nil {
			t.Fatalf("expected not to get error: got '%v'", err)
		}

		if !slices.Equal(names, []string{"serve"}) {
			t.Errorf("expected names: got '%v', want '%v'", names, []string{"serve"})
		}

		if err := client.Start(ctx, "build"); err != nil {
			t.Errorf("expected not to get error: got '%v'", err)
		}

		deadline := time.Now().Add(5 * time.Second)
		for !slices.Equal(ts.get(), []string{"build"}) {
			if time.Now().After(deadline) {
				t.Fatalf("expected task to start: got '%v'", ts.get())
			}

			time.Sleep(5 * time.Millisecond)
		}

		if err := client.Abort(ctx, "serve"); err != nil {
			t.Errorf("expected not to get error: got '%v'", err)
		}

		// The body is removed once it returns after the abort.
		deadline = time.Now().Add(5 * time.Second)
		for {
			names, err = client.List(ctx)
			if err != nil {
				t.Fatalf("expected not to get error: got '%v'", err)
			}

			if !slices.Contains(names, "serve") {
				break
			}

			if time.Now().After(deadline) {
				t.Fatalf("expected aborted task to be gone: got '%v'", names)
			}

			time.Sleep(5 * time.Millisecond)
		}
	})

	t.Run("Test kill", func(t *testing.T) {
		t.Parallel()

		registry := task.NewRegistry(nil)
		client := setupTestClientAndServer(t, registry, &tasks{}, nil)

		signals := make(chan syscall.Signal, 10)
		block(t, registry, "serve", signals)

		if err := client.Kill(ctx, "serve", "hup"); err != nil {
			t.Errorf("expected not to get error: got '%v'", err)
		}

		if sig := <-signals; sig != syscall.SIGHUP {
			t.Errorf("expected signal: got '%v', want '%v'", sig, syscall.SIGHUP)
		}

		if err := client.KillAll(ctx, ""); err != nil {
			t.Errorf("expected not to get error: got '%v'", err)
		}

		if sig := <-signals; sig != syscall.SIGTERM {
			t.Errorf("expected signal: got '%v', want '%v'", sig, syscall.SIGTERM)
		}
	})

	t.Run("Test errors", func(t *testing.T) {
		t.Parallel()

		registry := task.NewRegistry(nil)
		client := setupTestClientAndServer(t, registry, &tasks{}, nil)

		testCode(t, client.Start(ctx, "missing"), codes.NotFound)
		testCode(t, client.Start(ctx, ""), codes.InvalidArgument)
		testCode(t, client.Abort(ctx, "missing"), codes.NotFound)
		testCode(t, client.Kill(ctx, "missing", ""), codes.NotFound)
		testCode(t, client.Kill(ctx, "missing", "SIGWAT"), codes.InvalidArgument)
		testCode(t, client.KillAll(ctx, "SIGWAT"), codes.InvalidArgument)
	})

	t.Run("Test stream lines", func(t *testing.T) {
		t.Parallel()

		registry := task.NewRegistry(nil)
		client := setupTestClientAndServer(t, registry, &tasks{}, nil)

		streamCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := client.StreamLines(streamCtx, "serve")
		if err != nil {
			t.Fatalf("expected not to get error: got '%v'", err)
		}

		received := make(chan string, 1000)

		go func() {
			for {
				line, err := stream.Recv()
				if err != nil {
					close(received)
					return
				}

				received <- line.GetValue()
			}
		}()

		// The subscription is made by the server handler, so publish until
		// the first line gets through.
		deadline := time.Now().Add(5 * time.Second)

		var first string

	publish:
		for {
			registry.Publish("serve", "ready")

			select {
			case first = <-received:
				break publish
			case <-time.After(10 * time.Millisecond):
			}

			if time.Now().After(deadline) {
				t.Fatalf("expected to receive a line")
			}
		}

		if first != "ready" {
			t.Errorf("expected line: got '%s', want 'ready'", first)
		}

		registry.Publish("other", "ignored")
		registry.Publish("serve", "done")

		for line := range received {
			if line == "ready" {
				continue
			}

			if line != "done" {
				t.Errorf("expected line: got '%s', want 'done'", line)
			}

			break
		}
	})

	t.Run("Test viewer permissions", func(t *testing.T) {
		t.Parallel()

		registry := task.NewRegistry(nil)
		ts := &tasks{names: []string{"build"}}

		// Nobody connecting is an operator.
		client := setupTestClientAndServer(t, registry, ts, []uint32{math.MaxUint32 - 1})

		block(t, registry, "serve", nil)

		if _, err := client.List(ctx); err != nil {
			t.Errorf("expected viewer to list: got '%v'", err)
		}

		testCode(t, client.Start(ctx, "build"), codes.PermissionDenied)
		testCode(t, client.Abort(ctx, "serve"), codes.PermissionDenied)
		testCode(t, client.Kill(ctx, "serve", ""), codes.PermissionDenied)
		testCode(t, client.KillAll(ctx, ""), codes.PermissionDenied)

		if got := ts.get(); len(got) != 0 {
			t.Errorf("expected no tasks to start: got '%v'", got)
		}
	})
}

func TestIsAuthorised(t *testing.T) {
	t.Parallel()

	scenarios := map[string]struct {
		role         control.Role
		method       string
		isAuthorised bool
	}{
		"Test operator can list tasks": {
			role:         control.RoleOperator,
			method:       control.TaskService_List_FullMethodName,
			isAuthorised: true,
		},
		"Test operator can start task": {
			role:         control.RoleOperator,
			method:       control.TaskService_Start_FullMethodName,
			isAuthorised: true,
		},
		"Test operator can abort task": {
			role:         control.RoleOperator,
			method:       control.TaskService_Abort_FullMethodName,
			isAuthorised: true,
		},
		"Test operator can kill task": {
			role:         control.RoleOperator,
			method:       control.TaskService_Kill_FullMethodName,
			isAuthorised: true,
		},
		"Test operator can kill all tasks": {
			role:         control.RoleOperator,
			method:       control.TaskService_KillAll_FullMethodName,
			isAuthorised: true,
		},
		"Test operator can stream lines": {
			role:         control.RoleOperator,
			method:       control.TaskService_StreamLines_FullMethodName,
			isAuthorised: true,
		},
		"Test viewer can list tasks": {
			role:         control.RoleViewer,
			method:       control.TaskService_List_FullMethodName,
			isAuthorised: true,
		},
		"Test viewer cannot start task": {
			role:         control.RoleViewer,
			method:       control.TaskService_Start_FullMethodName,
			isAuthorised: false,
		},
		"Test viewer cannot abort task": {
			role:         control.RoleViewer,
			method:       control.TaskService_Abort_FullMethodName,
			isAuthorised: false,
		},
		"Test viewer cannot kill task": {
			role:         control.RoleViewer,
			method:       control.TaskService_Kill_FullMethodName,
			isAuthorised: false,
		},
		"Test viewer cannot kill all tasks": {
			role:         control.RoleViewer,
			method:       control.TaskService_KillAll_FullMethodName,
			isAuthorised: false,
		},
		"Test viewer can stream lines": {
			role:         control.RoleViewer,
			method:       control.TaskService_StreamLines_FullMethodName,
			isAuthorised: true,
		},
		"Test unknown role": {
			role:         control.Role("admin"),
			method:       control.TaskService_List_FullMethodName,
			isAuthorised: false,
		},
		"Test unknown method": {
			role:         control.RoleOperator,
			method:       "/" + control.ServiceName + "/Delete",
			isAuthorised: false,
		},
	}

	for scenario, config := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			t.Parallel()

			err := control.IsAuthorised(config.role, config.method)

			if config.isAuthorised && err != nil {
				t.Errorf("expected to be authorised: got '%v'", err)
			}

			if !config.isAuthorised && err == nil {
				t.Errorf("expected not to be authorised")
			}
		})
	}
}

func TestGetClientIdentity(t *testing.T) {
	t.Parallel()

	_, err := control.GetClientIdentity(context.Background())
	if err == nil || !strings.Contains(err.Error(), "peer info") {
		t.Errorf("expected missing peer error: got '%v'", err)
	}
}
