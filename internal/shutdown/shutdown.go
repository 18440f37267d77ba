// Package shutdown escalates repeated termination signals from a graceful
// abort of every task to an unconditional exit.
package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// Signals drive the ladder.
var Signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT}

// Coordinator aborts and kills every active task.
type Coordinator interface {
	AbortAll()
	KillAll(sig syscall.Signal)
}

// Ladder advances one stage per delivered signal:
//
//	0: abort every task, then exit 0
//	1: send the signal to every task
//	2: SIGKILL every task, then exit 1
//	3: exit 1
type Ladder struct {
	stage       atomic.Int32
	coordinator Coordinator
	exit        func(code int)
	logger      *slog.Logger
}

// Option configures a Ladder.
type Option func(*Ladder)

// WithExit replaces os.Exit.
func WithExit(exit func(code int)) Option {
	return func(l *Ladder) {
		l.exit = exit
	}
}

// WithLogger sets the ladder's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ladder) {
		l.logger = logger
	}
}

// New creates a Ladder over coordinator.
func New(coordinator Coordinator, opts ...Option) *Ladder {
	l := &Ladder{
		coordinator: coordinator,
		exit:        os.Exit,
		logger:      slog.New(slog.DiscardHandler),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Started reports whether a signal has been handled.
func (l *Ladder) Started() bool {
	return l.stage.Load() > 0
}

// Stage returns the number of signals handled, saturating at 3.
func (l *Ladder) Stage() int {
	return int(l.stage.Load())
}

// Handle advances the ladder for sig. The first call blocks until every task
// has been aborted; later calls may run concurrently with it.
func (l *Ladder) Handle(sig syscall.Signal) {
	var stage int32

	for {
		stage = l.stage.Load()
		if stage >= 3 || l.stage.CompareAndSwap(stage, stage+1) {
			break
		}
	}

	switch stage {
	case 0:
		l.logger.Info("Shutting down...", "signal", unix.SignalName(sig))
		l.coordinator.AbortAll()
		l.exit(0)

	case 1:
		l.logger.Warn("Killing tasks...", "signal", unix.SignalName(sig))
		l.coordinator.KillAll(sig)

	case 2:
		l.logger.Warn("Killing tasks...", "signal", "SIGKILL")
		l.coordinator.KillAll(syscall.SIGKILL)
		l.exit(1)

	default:
		l.logger.Error("Forced exit")
		l.exit(1)
	}
}

// Listen delivers Signals to Handle until ctx is done.
func (l *Ladder) Listen(ctx context.Context) {
	sigCh := make(chan os.Signal, len(Signals))
	signal.Notify(sigCh, Signals...)

	go func() {
		defer signal.Stop(sigCh)

		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigCh:
				go l.Handle(sig.(syscall.Signal))
			}
		}
	}()
}
