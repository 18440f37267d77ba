package watch_test

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/nixpig/taskrunner/internal/watch"
)

func start(t *testing.T, cfg watch.Config) <-chan []string {
	t.Helper()

	w, err := watch.New(cfg)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	batches := make(chan []string, 10)
	done := make(chan error, 1)

	go func() {
		done <- w.Run(ctx, func(paths []string) {
			batches <- paths
		})
	}()

	t.Cleanup(func() {
		cancel()

		if err := <-done; err != nil {
			t.Errorf("expected not to receive error: got '%v'", err)
		}

		w.Close()
	})

	return batches
}

func next(t *testing.T, batches <-chan []string) []string {
	t.Helper()

	select {
	case paths := <-batches:
		return paths
	case <-time.After(10 * time.Second):
		t.Fatalf("expected a batch of changes")
		return nil
	}
}

func write(t *testing.T, path string) {
	t.Helper()

	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}
}

func resolve(t *testing.T, path string) string {
	t.Helper()

	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	return resolved
}

func TestWatcher(t *testing.T) {
	t.Parallel()

	t.Run("Test changes are batched", func(t *testing.T) {
		t.Parallel()

		dir := resolve(t, t.TempDir())

		batches := start(t, watch.Config{
			Paths:    []string{dir},
			Debounce: 300 * time.Millisecond,
		})

		a := filepath.Join(dir, "a.txt")
		b := filepath.Join(dir, "b.txt")

		write(t, a)
		write(t, b)

		got := next(t, batches)

		if !slices.Contains(got, a) || !slices.Contains(got, b) {
			t.Errorf("expected batch to contain both files: got '%v'", got)
		}

		if !slices.IsSorted(got) {
			t.Errorf("expected sorted batch: got '%v'", got)
		}
	})

	t.Run("Test nested and new directories are watched", func(t *testing.T) {
		t.Parallel()

		dir := resolve(t, t.TempDir())

		nested := filepath.Join(dir, "nested")
		if err := os.Mkdir(nested, 0o755); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		batches := start(t, watch.Config{
			Paths:    []string{dir},
			Debounce: 50 * time.Millisecond,
		})

		file := filepath.Join(nested, "file.txt")
		write(t, file)

		if got := next(t, batches); !slices.Contains(got, file) {
			t.Errorf("expected nested change: got '%v'", got)
		}

		created := filepath.Join(dir, "created")
		if err := os.Mkdir(created, 0o755); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if got := next(t, batches); !slices.Contains(got, created) {
			t.Errorf("expected new directory: got '%v'", got)
		}

		inner := filepath.Join(created, "inner.txt")
		write(t, inner)

		if got := next(t, batches); !slices.Contains(got, inner) {
			t.Errorf("expected change in new directory: got '%v'", got)
		}
	})

	t.Run("Test ignored paths", func(t *testing.T) {
		t.Parallel()

		dir := resolve(t, t.TempDir())

		batches := start(t, watch.Config{
			Paths:    []string{dir},
			Ignore:   []string{"*.tmp"},
			Debounce: 300 * time.Millisecond,
		})

		ignored := filepath.Join(dir, "scratch.tmp")
		kept := filepath.Join(dir, "kept.txt")

		write(t, ignored)
		write(t, kept)

		got := next(t, batches)

		if slices.Contains(got, ignored) {
			t.Errorf("expected ignored file to be skipped: got '%v'", got)
		}

		if !slices.Contains(got, kept) {
			t.Errorf("expected kept file: got '%v'", got)
		}
	})

	t.Run("Test single file", func(t *testing.T) {
		t.Parallel()

		dir := resolve(t, t.TempDir())

		file := filepath.Join(dir, "config.yaml")
		write(t, file)

		batches := start(t, watch.Config{
			Paths:    []string{file},
			Debounce: 50 * time.Millisecond,
		})

		write(t, file)

		if got := next(t, batches); !slices.Equal(got, []string{file}) {
			t.Errorf("expected file change: got '%v', want '%v'", got, []string{file})
		}
	})
}

func TestNew(t *testing.T) {
	t.Parallel()

	scenarios := map[string]watch.Config{
		"No paths":        {},
		"Missing path":    {Paths: []string{"/does/not/exist"}},
		"Invalid pattern": {Paths: []string{os.TempDir()}, Ignore: []string{"["}},
	}

	for scenario, cfg := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			t.Parallel()

			if _, err := watch.New(cfg); err == nil {
				t.Errorf("expected to receive error")
			}
		})
	}
}
