package taskfile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/nixpig/taskrunner/internal/execp"
	"github.com/nixpig/taskrunner/internal/protocol"
	"github.com/nixpig/taskrunner/internal/task"
	"github.com/nixpig/taskrunner/internal/watch"
	"golang.org/x/sync/errgroup"
)

// Task is a runnable task.
type Task func(ctx context.Context) error

// Series runs tasks one after another, stopping at the first error.
func Series(tasks ...Task) Task {
	return func(ctx context.Context) error {
		for _, t := range tasks {
			if err := t(ctx); err != nil {
				return err
			}
		}

		return nil
	}
}

// Parallel runs tasks concurrently and waits for all of them, returning the
// first error. A failure does not interrupt the other tasks.
func Parallel(tasks ...Task) Task {
	return func(ctx context.Context) error {
		var g errgroup.Group

		for _, t := range tasks {
			g.Go(func() error {
				return t(ctx)
			})
		}

		return g.Wait()
	}
}

// Executor runs commands for tasks.
type Executor interface {
	Exec(
		ctx context.Context,
		ctrl *task.Controller,
		label string,
		command string,
		opts protocol.Options,
	) (execp.Result, error)
}

// Compiler turns the definitions of a File into Tasks on a Registry. Each
// definition is compiled at most once, so watchers keep a stable name.
type Compiler struct {
	file     *File
	registry *task.Registry
	executor Executor
	logger   *slog.Logger

	mu    sync.Mutex
	tasks map[string]Task
}

// NewCompiler creates a Compiler for file.
func NewCompiler(
	file *File,
	registry *task.Registry,
	executor Executor,
	logger *slog.Logger,
) *Compiler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Compiler{
		file:     file,
		registry: registry,
		executor: executor,
		logger:   logger,
		tasks:    make(map[string]Task),
	}
}

// ErrUnknownTask is returned for names the File doesn't define.
var ErrUnknownTask = errors.New("unknown task")

// Task returns the compiled task called name.
func (c *Compiler) Task(name string) (Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.tasks[name]; ok {
		return t, nil
	}

	def, ok := c.file.Tasks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}

	t, err := c.compile(name, def)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}

	c.tasks[name] = t

	return t, nil
}

// Run runs the named tasks, concurrently unless series is set.
func (c *Compiler) Run(ctx context.Context, series bool, names ...string) error {
	tasks := make([]Task, 0, len(names))

	for _, name := range names {
		t, err := c.Task(name)
		if err != nil {
			return err
		}

		tasks = append(tasks, t)
	}

	if series {
		return Series(tasks...)(ctx)
	}

	return Parallel(tasks...)(ctx)
}

// ref defers compiling name until the task runs, so that definitions can
// refer to each other in any order.
func (c *Compiler) ref(name string) Task {
	return func(ctx context.Context) error {
		t, err := c.Task(name)
		if err != nil {
			return err
		}

		return t(ctx)
	}
}

func (c *Compiler) refs(names []string) Task {
	tasks := make([]Task, 0, len(names))
	for _, name := range names {
		tasks = append(tasks, c.ref(name))
	}

	return Series(tasks...)
}

func (c *Compiler) compile(name string, def *Def) (Task, error) {
	switch {
	case def.Exec != "":
		return c.exec(name, def.Exec, c.options(def)), nil

	case def.Spawn != "":
		return c.spawn(name, def.Spawn, c.options(def)), nil

	case def.On != nil:
		match, err := matcher(def.On)
		if err != nil {
			return nil, err
		}

		return Task(c.registry.On(def.On.Task, match, task.Trigger(c.refs(def.On.Run)))), nil

	case def.Once != nil:
		match, err := matcher(def.Once)
		if err != nil {
			return nil, err
		}

		return Task(c.registry.Once(def.Once.Task, match, task.Trigger(c.refs(def.Once.Run)))), nil

	case def.Kill != nil:
		sig, err := ParseSignal(def.Kill.Signal)
		if err != nil {
			return nil, err
		}

		target := def.Kill.Task

		return func(ctx context.Context) error {
			if err := c.registry.Kill(target, sig); err != nil && !errors.Is(err, task.ErrTaskNotFound) {
				return err
			}

			return nil
		}, nil

	case def.KillAll != nil:
		sig, err := ParseSignal(def.KillAll.Signal)
		if err != nil {
			return nil, err
		}

		return func(ctx context.Context) error {
			c.registry.KillAll(sig)
			return nil
		}, nil

	case def.Abort != "":
		target := def.Abort

		return func(ctx context.Context) error {
			if err := c.registry.Abort(target); err != nil && !errors.Is(err, task.ErrTaskNotFound) {
				return err
			}

			return nil
		}, nil

	case def.Series != nil:
		return c.refs(def.Series), nil

	case def.Parallel != nil:
		tasks := make([]Task, 0, len(def.Parallel))
		for _, ref := range def.Parallel {
			tasks = append(tasks, c.ref(ref))
		}

		return Parallel(tasks...), nil

	case def.Watch != nil:
		return c.watch(name, def.Watch), nil
	}

	return nil, errors.New("no kind set")
}

func (c *Compiler) options(def *Def) protocol.Options {
	return def.Options.Resolve(c.file.Options.Resolve(protocol.DefaultOptions()))
}

// exec runs command to completion as the task called name.
func (c *Compiler) exec(name, command string, opts protocol.Options) Task {
	return func(ctx context.Context) error {
		return c.registry.Exec(ctx, name, func(ctx context.Context, ctrl *task.Controller) error {
			c.logger.Info("Executing " + command + "...")

			if _, err := c.executor.Exec(ctx, ctrl, name, command, opts); err != nil {
				return err
			}

			c.logger.Info("Finished " + command)

			return nil
		})
	}
}

// spawn starts command as the task called name and returns immediately.
func (c *Compiler) spawn(name, command string, opts protocol.Options) Task {
	return func(ctx context.Context) error {
		_, err := c.registry.Start(ctx, name, func(ctx context.Context, ctrl *task.Controller) error {
			c.logger.Info("Executing " + command + "...")

			if _, err := c.executor.Exec(ctx, ctrl, name, command, opts); err != nil {
				return err
			}

			c.logger.Info("Finished " + command)

			return nil
		})

		return err
	}
}

// watch starts a task called name that runs def.Run whenever files under
// def.Paths change, until it is aborted.
func (c *Compiler) watch(name string, def *WatchDef) Task {
	child := c.refs(def.Run)

	return func(ctx context.Context) error {
		_, err := c.registry.Start(ctx, name, func(ctx context.Context, ctrl *task.Controller) error {
			w, err := watch.New(watch.Config{
				Paths:    def.Paths,
				Ignore:   def.Ignore,
				Debounce: time.Duration(def.Debounce),
				Logger:   c.logger.With("task", name),
			})
			if err != nil {
				return fmt.Errorf("watch %s: %w", name, err)
			}
			defer w.Close()

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()

			go func() {
				select {
				case <-ctrl.Done():
				case <-runCtx.Done():
				}

				cancel()
			}()

			c.logger.Info("Watching for changes...", "task", name, "paths", def.Paths)

			return w.Run(runCtx, func(paths []string) {
				c.logger.Info("Files changed", "task", name, "paths", paths)

				if err := child(ctx); err != nil {
					c.logger.Error("watch trigger failed", "task", name, "err", err)
				}
			})
		})

		return err
	}
}

func matcher(w *WatcherDef) (task.Matcher, error) {
	if w.Contains != "" {
		return task.Contains(w.Contains), nil
	}

	re, err := regexp.Compile(w.Match)
	if err != nil {
		return nil, err
	}

	return task.Pattern(re), nil
}
