// Package execp drives a single supervised command execution on behalf of a
// named task: it publishes output lines, echoes them to the console, hooks
// the task's abort and kill handlers up to the command and classifies how
// the command ended.
package execp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nixpig/taskrunner/internal/broker"
	"github.com/nixpig/taskrunner/internal/output"
	"github.com/nixpig/taskrunner/internal/protocol"
	"github.com/nixpig/taskrunner/internal/supervisor"
	"github.com/nixpig/taskrunner/internal/task"
)

// Runner starts supervised commands.
type Runner interface {
	Execute(ctx context.Context, command string, opts protocol.Options) (*supervisor.Run, error)
}

// Publisher receives complete output lines keyed by task name.
type Publisher interface {
	Publish(name, line string)
}

// Config configures an Executor.
type Config struct {
	Runner Runner

	// Lines receives every output line of a task that has not been aborted.
	// Optional.
	Lines Publisher

	// Stdout and Stderr receive labelled output. Default to os.Stdout and
	// os.Stderr.
	Stdout io.Writer
	Stderr io.Writer

	Logger *slog.Logger

	// Stopping reports whether shutdown has begun. Optional.
	Stopping func() bool
}

// Executor runs commands for tasks.
type Executor struct {
	runner   Runner
	lines    Publisher
	console  *console
	logger   *slog.Logger
	stopping func() bool
}

// Result describes how an execution ended without error.
type Result struct {
	// ExitCode is the command's exit code, 128 plus the signal number when it
	// was terminated by a signal.
	ExitCode int

	// Signal names the signal that terminated the command, if any.
	Signal string

	// Aborted is set when the task was aborted while the command ran.
	Aborted bool

	// Killed is set when a kill handler's signal terminated the command.
	Killed bool
}

// New creates an Executor.
func New(cfg Config) *Executor {
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	return &Executor{
		runner:   cfg.Runner,
		lines:    cfg.Lines,
		console:  &console{stdout: cfg.Stdout, stderr: cfg.Stderr},
		logger:   cfg.Logger,
		stopping: cfg.Stopping,
	}
}

// Exec runs command for the task controlled by ctrl and waits for it.
//
// It returns a nil error when the command succeeds, when the task is aborted
// while the command runs, when a kill signal terminates it, and when it
// fails but opts.Savage is set. A non-zero exit is otherwise reported as an
// *ExitError and a command that could not be run as a *SpawnError.
//
// While the command runs, aborting ctrl interrupts it and escalates to
// SIGKILL after opts.GracePeriod, and killing ctrl forwards the signal.
func (e *Executor) Exec(
	ctx context.Context,
	ctrl *task.Controller,
	label string,
	command string,
	opts protocol.Options,
) (Result, error) {
	if e.stopping != nil && e.stopping() {
		return Result{}, ErrShuttingDown
	}

	opts = opts.WithDefaults()

	// Handlers are registered before spawning and see run once started is
	// closed. A nil run means nothing was spawned.
	var run *supervisor.Run

	started := make(chan struct{})
	settled := make(chan struct{})
	defer close(settled)

	var killed atomic.Bool

	removeAbort, err := ctrl.OnAbort(func() {
		<-started
		if run != nil {
			e.abort(e.runLogger(ctrl, run), run, label, opts.GracePeriod, settled)
		}
	})
	if errors.Is(err, task.ErrAborted) {
		e.logger.Info(label + "... ⚠️  Aborted")
		return Result{Aborted: true}, nil
	}

	removeKill := ctrl.OnKill(func(sig syscall.Signal) {
		<-started
		if run != nil {
			e.kill(e.runLogger(ctrl, run), run, label, sig, &killed, settled)
		}
	})

	if ctrl.Aborted() {
		close(started)
		removeAbort()
		removeKill()

		e.logger.Info(label + "... ⚠️  Aborted")

		return Result{Aborted: true}, nil
	}

	spawned, err := e.runner.Execute(ctx, command, opts)
	if err != nil {
		close(started)
		removeAbort()
		removeKill()

		e.logger.Error(label + "... ❌  Errored")

		return Result{}, &SpawnError{Command: command, Err: err}
	}

	run = spawned
	close(started)

	stdout := e.lineSplitter(ctrl, e.console.stdout, tag(stdoutLabel, label))
	stderr := e.lineSplitter(ctrl, e.console.stderr, tag(stderrLabel, label))

	// Chunks arrive one at a time in relay order, so lines from both streams
	// are published in that order too.
	unsubscribeOutput := run.OnOutput(func(chunk supervisor.Chunk) {
		if chunk.Stderr {
			stderr.Write(chunk.Data)
		} else {
			stdout.Write(chunk.Data)
		}
	})

	unsubscribe := run.OnLog(func(record protocol.LogRecord) {
		e.relay(label, record)
	})
	defer unsubscribe()

	<-run.Done()

	unsubscribeOutput()
	stdout.Flush()
	stderr.Flush()

	removeAbort()
	removeKill()

	return e.classify(ctrl, run, label, command, opts, killed.Load())
}

func (e *Executor) runLogger(ctrl *task.Controller, run *supervisor.Run) *slog.Logger {
	return e.logger.With("task", ctrl.Name(), "run", run.ID())
}

func (e *Executor) classify(
	ctrl *task.Controller,
	run *supervisor.Run,
	label string,
	command string,
	opts protocol.Options,
	killed bool,
) (Result, error) {
	code, _ := run.ExitCode()

	result := Result{ExitCode: code, Signal: run.Signaled()}

	if err := run.Err(); err != nil {
		e.logger.Error(label + "... ❌  Errored")
		return result, &SpawnError{Command: command, Err: err}
	}

	if ctrl.Aborted() {
		e.logger.Info(label + "... ⚠️  Aborted")
		result.Aborted = true
		return result, nil
	}

	if killed && result.Signal != "" {
		e.logger.Info(label + "... Killed (" + result.Signal + ")")
		result.Killed = true
		return result, nil
	}

	if code != 0 {
		e.logger.Info(label + "... ❌  Failed")

		if opts.Savage {
			return result, nil
		}

		return result, &ExitError{Command: command, ExitCode: code}
	}

	e.logger.Info(label + "... ✅  Success")

	return result, nil
}

// abort interrupts the command, escalates to SIGKILL after grace and waits
// for the execution to settle.
func (e *Executor) abort(logger *slog.Logger, run *supervisor.Run, label string, grace time.Duration, settled <-chan struct{}) {
	if code, exited := run.ExitCode(); exited {
		logger.Debug(label + " was already killed (exit code " + strconv.Itoa(code) + ")")
		return
	}

	logger.Debug("Sending SIGINT to " + label + "...")
	run.Signal(syscall.SIGINT)

	timer := time.AfterFunc(grace, func() {
		logger.Debug("Sending SIGKILL to " + label + "...")
		run.Signal(syscall.SIGKILL)
	})

	<-run.Done()
	timer.Stop()

	logger.Debug(label + " exited")

	<-settled
}

// kill forwards sig to the command and waits for the execution to settle.
func (e *Executor) kill(
	logger *slog.Logger,
	run *supervisor.Run,
	label string,
	sig syscall.Signal,
	killed *atomic.Bool,
	settled <-chan struct{},
) {
	if code, exited := run.ExitCode(); exited {
		logger.Debug(label + " was already killed (exit code " + strconv.Itoa(code) + ")")
		return
	}

	killed.Store(true)

	logger.Info("Killing " + label + "...")
	run.Signal(sig)

	<-settled

	logger.Info("Killed " + label)
}

// lineSplitter reassembles output into lines, publishes each line under the
// task's name unless the task has been aborted and echoes it to dst.
func (e *Executor) lineSplitter(ctrl *task.Controller, dst io.Writer, prefix string) *output.LineSplitter {
	return output.NewLineSplitter(func(line string) {
		if e.lines != nil && !ctrl.Aborted() {
			e.lines.Publish(ctrl.Name(), line)
		}

		e.console.println(dst, prefix, line)
	})
}

// relay logs a broker log record at its own level with the label attached.
func (e *Executor) relay(name string, record protocol.LogRecord) {
	level := broker.ParseLevel(record.Level)

	var prefix string

	switch level {
	case slog.LevelDebug:
		prefix = tag(debugLabel, name)
	case slog.LevelWarn:
		prefix = tag(warnLabel, name)
	case slog.LevelError:
		prefix = tag(stderrLabel, name)
	default:
		prefix = "[" + name + "]"
	}

	e.logger.Log(context.Background(), level, prefix+" "+record.Message)
}
