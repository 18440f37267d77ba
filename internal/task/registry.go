package task

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Body is the work done by one run of a named task. It receives the run's
// Controller and should return once its work is complete or it has been
// aborted.
type Body func(ctx context.Context, ctrl *Controller) error

// Registry holds the Controller of every active named task, at most one per
// name.
type Registry struct {
	controllers map[string]*Controller
	mu          sync.Mutex

	lines  lineBus
	logger *slog.Logger

	watchersMu sync.Mutex
	watchers   map[string]int

	wg sync.WaitGroup
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Registry{
		controllers: make(map[string]*Controller),
		lines:       lineBus{subs: make(map[string]map[int]func(string))},
		logger:      logger,
		watchers:    make(map[string]int),
	}
}

// Start runs body in the background as the task called name and returns its
// Controller.
//
// If a task called name is already running it is replaced in the registry
// immediately and aborted; Start returns only after that abort has
// completed, so bodies for the same name never overlap. If the new
// Controller is itself aborted while waiting, body is not run.
//
// body receives a context that carries ctx's values but is not cancelled
// with it.
func (r *Registry) Start(ctx context.Context, name string, body Body) (*Controller, error) {
	ctrl := r.replace(name)

	if err := ctx.Err(); err != nil {
		r.remove(name, ctrl)
		return nil, err
	}

	if err := ctrl.start(); err != nil {
		r.logger.Debug("task aborted before it started", "task", name, "err", err)
		return ctrl, nil
	}

	bodyCtx := context.WithoutCancel(ctx)

	r.wg.Go(func() {
		if err := body(bodyCtx, ctrl); err != nil {
			r.logger.Error("task failed", "task", name, "err", err)
		}

		ctrl.complete()
		r.remove(name, ctrl)
	})

	return ctrl, nil
}

// Exec runs body as the task called name and waits for it to return. A task
// already running under name is aborted first, as with Start. The Controller
// is removed once body returns.
func (r *Registry) Exec(ctx context.Context, name string, body Body) error {
	ctrl := r.replace(name)
	defer r.remove(name, ctrl)

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := ctrl.start(); err != nil {
		r.logger.Debug("task aborted before it started", "task", name, "err", err)
		return nil
	}

	err := body(ctx, ctrl)

	ctrl.complete()

	return err
}

// replace installs a new Controller for name and, if one was already
// installed, aborts it and waits for the abort to finish.
func (r *Registry) replace(name string) *Controller {
	ctrl := NewController(name, r.logger.With("task", name))

	r.mu.Lock()
	prev, exists := r.controllers[name]
	r.controllers[name] = ctrl
	if exists {
		ctrl.after = prev.Done()
	}
	r.mu.Unlock()

	if exists {
		r.logger.Info(name + " was already running. Aborting...")
		prev.Abort()
	}

	return ctrl
}

// remove deletes the entry for name if it still belongs to ctrl.
func (r *Registry) remove(name string, ctrl *Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.controllers[name] == ctrl {
		delete(r.controllers, name)
	}
}

// Get returns the Controller of the task called name or ErrTaskNotFound if
// it isn't running.
func (r *Registry) Get(name string) (*Controller, error) {
	r.mu.Lock()
	ctrl, exists := r.controllers[name]
	r.mu.Unlock()

	if !exists {
		return nil, ErrTaskNotFound
	}

	return ctrl, nil
}

// Names returns the names of all running tasks in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Sorted(maps.Keys(r.controllers))
}

// Abort aborts the task called name and waits for it. A missing task is
// reported as ErrTaskNotFound and otherwise ignored.
func (r *Registry) Abort(name string) error {
	ctrl, err := r.Get(name)
	if err != nil {
		return err
	}

	ctrl.Abort()

	return nil
}

// Kill sends sig to the task called name and waits for its kill handlers. A
// missing task is reported as ErrTaskNotFound and otherwise ignored.
func (r *Registry) Kill(name string, sig syscall.Signal) error {
	ctrl, err := r.Get(name)
	if err != nil {
		return err
	}

	r.logger.Info("Killing "+name+"...", "signal", unix.SignalName(sig))
	ctrl.Kill(sig)
	r.logger.Info("Killed " + name)

	return nil
}

// AbortAll aborts every running task concurrently and waits for them all.
func (r *Registry) AbortAll() {
	var wg sync.WaitGroup

	for _, ctrl := range r.snapshot() {
		wg.Go(ctrl.Abort)
	}

	wg.Wait()
}

// KillAll sends sig to every running task concurrently and waits for them
// all.
func (r *Registry) KillAll(sig syscall.Signal) {
	r.logger.Info("Killing all tasks...", "signal", unix.SignalName(sig))

	var wg sync.WaitGroup

	for _, ctrl := range r.snapshot() {
		wg.Go(func() {
			r.logger.Info("Killing " + ctrl.Name() + "...")
			ctrl.Kill(sig)
			r.logger.Info("Killed " + ctrl.Name())
		})
	}

	wg.Wait()
}

// Wait blocks until every body started with Start, and every watcher
// trigger, has returned.
func (r *Registry) Wait() {
	r.wg.Wait()
}

// Subscribe registers fn for every line published by the task called name.
// The returned func unsubscribes.
func (r *Registry) Subscribe(name string, fn func(line string)) func() {
	return r.lines.subscribe(name, fn)
}

// Publish delivers line to the subscribers of the task called name, in the
// caller's goroutine.
func (r *Registry) Publish(name, line string) {
	r.lines.publish(name, line)
}

func (r *Registry) snapshot() []*Controller {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Collect(maps.Values(r.controllers))
}
