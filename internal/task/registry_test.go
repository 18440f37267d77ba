package task_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/nixpig/taskrunner/internal/task"
)

// abortable is a task body that runs until aborted.
func abortable(ctx context.Context, ctrl *task.Controller) error {
	<-ctrl.Done()
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)

	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("expected %s", what)
		}

		time.Sleep(5 * time.Millisecond)
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	t.Run("Test start and complete", func(t *testing.T) {
		t.Parallel()

		r := task.NewRegistry(nil)

		release := make(chan struct{})

		ctrl, err := r.Start(context.Background(), "build", func(ctx context.Context, ctrl *task.Controller) error {
			<-release
			return nil
		})
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if got := r.Names(); !slices.Equal(got, []string{"build"}) {
			t.Errorf("expected names: got '%v', want '[build]'", got)
		}

		if ctrl.State() != task.StateRunning {
			t.Errorf("expected state: got '%s', want '%s'", ctrl.State(), task.StateRunning)
		}

		close(release)
		r.Wait()

		if ctrl.State() != task.StateCompleted {
			t.Errorf("expected state: got '%s', want '%s'", ctrl.State(), task.StateCompleted)
		}

		if _, err := r.Get("build"); !errors.Is(err, task.ErrTaskNotFound) {
			t.Errorf("expected ErrTaskNotFound: got '%v'", err)
		}
	})

	t.Run("Test at most one controller under concurrent start", func(t *testing.T) {
		t.Parallel()

		r := task.NewRegistry(nil)

		var (
			mu    sync.Mutex
			ctrls []*task.Controller
		)

		var wg sync.WaitGroup

		for range 50 {
			wg.Go(func() {
				ctrl, err := r.Start(context.Background(), "serve", abortable)
				if err != nil {
					t.Errorf("expected not to receive error: got '%v'", err)
					return
				}

				mu.Lock()
				defer mu.Unlock()

				ctrls = append(ctrls, ctrl)
			})
		}

		wg.Wait()

		if got := r.Names(); !slices.Equal(got, []string{"serve"}) {
			t.Errorf("expected one controller: got '%v'", got)
		}

		current, err := r.Get("serve")
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		var live int

		for _, ctrl := range ctrls {
			if ctrl.Aborted() {
				continue
			}

			live++

			if ctrl != current {
				t.Errorf("expected the only live controller to be the current one")
			}
		}

		if live != 1 {
			t.Errorf("expected one live controller: got '%d'", live)
		}

		r.AbortAll()
		r.Wait()

		if len(r.Names()) != 0 {
			t.Errorf("expected all controllers removed: got '%v'", r.Names())
		}
	})

	t.Run("Test restart aborts previous before new body", func(t *testing.T) {
		t.Parallel()

		r := task.NewRegistry(nil)

		var (
			mu     sync.Mutex
			events []string
		)

		record := func(e string) {
			mu.Lock()
			defer mu.Unlock()

			events = append(events, e)
		}

		run := func(id string) task.Body {
			return func(ctx context.Context, ctrl *task.Controller) error {
				record("start " + id)

				ctrl.OnAbort(func() {
					time.Sleep(50 * time.Millisecond)
					record("aborted " + id)
				})

				<-ctrl.Done()

				return nil
			}
		}

		first, _ := r.Start(context.Background(), "serve", run("1"))

		waitFor(t, "first body to start", func() bool {
			mu.Lock()
			defer mu.Unlock()

			return len(events) == 1
		})

		r.Start(context.Background(), "serve", run("2"))

		if !first.Aborted() {
			t.Errorf("expected previous controller to be aborted")
		}

		waitFor(t, "second body to start", func() bool {
			mu.Lock()
			defer mu.Unlock()

			return len(events) == 3
		})

		mu.Lock()
		got := slices.Clone(events)
		mu.Unlock()

		want := []string{"start 1", "aborted 1", "start 2"}
		if !slices.Equal(got, want) {
			t.Errorf("expected events: got '%v', want '%v'", got, want)
		}

		r.AbortAll()
		r.Wait()
	})

	t.Run("Test exec runs to completion", func(t *testing.T) {
		t.Parallel()

		r := task.NewRegistry(nil)

		wantErr := errors.New("boom")

		err := r.Exec(context.Background(), "lint", func(ctx context.Context, ctrl *task.Controller) error {
			if _, err := r.Get("lint"); err != nil {
				t.Errorf("expected controller during exec: got '%v'", err)
			}

			return wantErr
		})
		if !errors.Is(err, wantErr) {
			t.Errorf("expected body error: got '%v', want '%v'", err, wantErr)
		}

		if len(r.Names()) != 0 {
			t.Errorf("expected controller to be removed: got '%v'", r.Names())
		}
	})

	t.Run("Test exec with cancelled context", func(t *testing.T) {
		t.Parallel()

		r := task.NewRegistry(nil)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		var ran atomic.Bool

		err := r.Exec(ctx, "lint", func(ctx context.Context, ctrl *task.Controller) error {
			ran.Store(true)
			return nil
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled: got '%v'", err)
		}

		if ran.Load() {
			t.Errorf("expected body not to run")
		}

		if _, err := r.Start(ctx, "serve", abortable); !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled: got '%v'", err)
		}

		if len(r.Names()) != 0 {
			t.Errorf("expected no controllers: got '%v'", r.Names())
		}
	})

	t.Run("Test missing tasks", func(t *testing.T) {
		t.Parallel()

		r := task.NewRegistry(nil)

		if err := r.Abort("missing"); !errors.Is(err, task.ErrTaskNotFound) {
			t.Errorf("expected ErrTaskNotFound: got '%v'", err)
		}

		if err := r.Kill("missing", syscall.SIGTERM); !errors.Is(err, task.ErrTaskNotFound) {
			t.Errorf("expected ErrTaskNotFound: got '%v'", err)
		}

		r.AbortAll()
		r.KillAll(syscall.SIGTERM)
	})

	t.Run("Test kill and kill all", func(t *testing.T) {
		t.Parallel()

		r := task.NewRegistry(nil)

		var (
			mu     sync.Mutex
			killed = make(map[string][]syscall.Signal)
		)

		body := func(ctx context.Context, ctrl *task.Controller) error {
			ctrl.OnKill(func(sig syscall.Signal) {
				mu.Lock()
				defer mu.Unlock()

				killed[ctrl.Name()] = append(killed[ctrl.Name()], sig)
			})

			<-ctrl.Done()

			return nil
		}

		r.Start(context.Background(), "a", body)
		r.Start(context.Background(), "b", body)

		waitFor(t, "kill handlers to register", func() bool {
			r.KillAll(syscall.Signal(0))

			mu.Lock()
			defer mu.Unlock()

			return len(killed["a"]) > 0 && len(killed["b"]) > 0
		})

		mu.Lock()
		clear(killed)
		mu.Unlock()

		if err := r.Kill("a", syscall.SIGHUP); err != nil {
			t.Errorf("expected not to receive error: got '%v'", err)
		}

		r.KillAll(syscall.SIGTERM)

		mu.Lock()
		gotA := slices.Clone(killed["a"])
		gotB := slices.Clone(killed["b"])
		mu.Unlock()

		if !slices.Equal(gotA, []syscall.Signal{syscall.SIGHUP, syscall.SIGTERM}) {
			t.Errorf("expected signals for a: got '%v'", gotA)
		}

		if !slices.Equal(gotB, []syscall.Signal{syscall.SIGTERM}) {
			t.Errorf("expected signals for b: got '%v'", gotB)
		}

		if err := r.Abort("a"); err != nil {
			t.Errorf("expected not to receive error: got '%v'", err)
		}

		r.AbortAll()
		r.Wait()

		if len(r.Names()) != 0 {
			t.Errorf("expected all controllers removed: got '%v'", r.Names())
		}
	})

	t.Run("Test body context is not cancelled with caller", func(t *testing.T) {
		t.Parallel()

		r := task.NewRegistry(nil)

		ctx, cancel := context.WithCancel(context.Background())

		bodyErr := make(chan error, 1)

		r.Start(ctx, "serve", func(ctx context.Context, ctrl *task.Controller) error {
			<-ctrl.Done()
			bodyErr <- ctx.Err()
			return nil
		})

		cancel()
		r.AbortAll()
		r.Wait()

		if err := <-bodyErr; err != nil {
			t.Errorf("expected body context to be live: got '%v'", err)
		}
	})

	t.Run("Test line bus", func(t *testing.T) {
		t.Parallel()

		r := task.NewRegistry(nil)

		var got []string

		unsubscribe := r.Subscribe("serve", func(line string) {
			got = append(got, line)
		})

		r.Publish("serve", "one")
		r.Publish("other", "ignored")
		r.Publish("serve", "two")

		unsubscribe()

		r.Publish("serve", "three")

		if !slices.Equal(got, []string{"one", "two"}) {
			t.Errorf("expected lines: got '%v', want '[one two]'", got)
		}
	})
}
