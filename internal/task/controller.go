package task

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"syscall"
)

// Controller represents one run of a named task. It provides cooperative
// abort (every abort handler runs once, concurrently, and Abort waits for
// them all) and signal forwarding through kill handlers.
type Controller struct {
	name    string
	state   AtomicState
	aborted atomic.Bool
	logger  *slog.Logger

	mu       sync.Mutex
	nextID   int
	aborters map[int]func()
	killers  map[int]func(sig syscall.Signal)

	abortOnce sync.Once
	done      chan struct{}

	// after is the completion signal of the run this one replaced. An abort
	// is not complete until the replaced run's abort is.
	after <-chan struct{}
}

// NewController creates a Controller for a run of the task called name.
func NewController(name string, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	c := &Controller{
		name:     name,
		logger:   logger,
		aborters: make(map[int]func()),
		killers:  make(map[int]func(syscall.Signal)),
		done:     make(chan struct{}),
	}

	c.state.Store(StateCreated)

	return c
}

// Name returns the name of the task.
func (c *Controller) Name() string {
	return c.name
}

// State returns the state of the Controller.
func (c *Controller) State() State {
	return c.state.Load()
}

// Aborted reports whether Abort has been called. Once true it stays true.
func (c *Controller) Aborted() bool {
	return c.aborted.Load()
}

// Done returns a channel that is closed once an abort has completed.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// OnAbort registers fn to run when the task is aborted. It returns
// ErrAborted if the abort has already begun. The returned func removes the
// handler.
func (c *Controller) OnAbort(fn func()) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.aborted.Load() {
		return nil, ErrAborted
	}

	c.nextID++
	id := c.nextID
	c.aborters[id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		delete(c.aborters, id)
	}, nil
}

// OnKill registers fn to run with the signal every time the task is killed.
// The returned func removes the handler.
func (c *Controller) OnKill(fn func(sig syscall.Signal)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	c.killers[id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		delete(c.killers, id)
	}
}

// Abort runs every abort handler concurrently and waits for them, then
// closes Done. Only the first call does any work; later and concurrent calls
// block until that work has finished.
func (c *Controller) Abort() {
	c.abortOnce.Do(func() {
		c.mu.Lock()
		c.aborted.Store(true)

		aborters := make([]func(), 0, len(c.aborters))
		for _, fn := range c.aborters {
			aborters = append(aborters, fn)
		}
		c.mu.Unlock()

		c.state.Store(StateAborting)

		c.logger.Info("Aborting " + c.name + "...")

		var wg sync.WaitGroup

		for _, fn := range aborters {
			wg.Go(fn)
		}

		wg.Wait()

		if c.after != nil {
			<-c.after
		}

		c.state.Store(StateAborted)

		c.logger.Info("Aborted " + c.name)

		close(c.done)
	})
}

// Kill runs every kill handler concurrently with sig and waits for them.
// Every call runs the handlers again.
func (c *Controller) Kill(sig syscall.Signal) {
	c.mu.Lock()
	killers := make([]func(syscall.Signal), 0, len(c.killers))
	for _, fn := range c.killers {
		killers = append(killers, fn)
	}
	c.mu.Unlock()

	var wg sync.WaitGroup

	for _, fn := range killers {
		wg.Go(func() {
			fn(sig)
		})
	}

	wg.Wait()
}

// start moves a created Controller to running.
func (c *Controller) start() error {
	if !c.state.CompareAndSwap(StateCreated, StateRunning) {
		return NewInvalidStateError(c.state.Load(), StateRunning)
	}

	return nil
}

// complete marks a running Controller as completed. It has no effect on a
// Controller that is being or has been aborted.
func (c *Controller) complete() {
	c.state.CompareAndSwap(StateRunning, StateCompleted)
}
