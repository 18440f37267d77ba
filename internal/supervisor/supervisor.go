// Package supervisor is the parent side of supervised execution. It forks a
// broker process per command, keeps it alive with heartbeats and turns the
// broker's messages into a Run handle.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/nixpig/taskrunner/internal/broker"
	"github.com/nixpig/taskrunner/internal/output"
	"github.com/nixpig/taskrunner/internal/protocol"
)

// DefaultHeartbeatInterval is how often a heartbeat is sent to each broker.
const DefaultHeartbeatInterval = time.Second

// Config configures a Supervisor.
type Config struct {
	// BrokerPath is the binary re-executed in broker mode. Defaults to the
	// current executable.
	BrokerPath string

	// BrokerArgs are passed to the broker binary.
	BrokerArgs []string

	// HeartbeatInterval defaults to DefaultHeartbeatInterval.
	HeartbeatInterval time.Duration

	// Stderr receives anything the broker itself writes, such as log lines
	// once its channel is gone. Defaults to os.Stderr.
	Stderr io.Writer

	Logger *slog.Logger
}

// Supervisor starts commands inside broker processes.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Supervisor. It fails when no broker binary can be resolved.
func New(cfg Config) (*Supervisor, error) {
	if cfg.BrokerPath == "" {
		path, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve broker binary: %w", err)
		}

		cfg.BrokerPath = path
	}

	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}

	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	return &Supervisor{cfg: cfg, logger: cfg.Logger}, nil
}

// Execute forks one broker, asks it to run command and returns the Run
// handle. The broker is kept alive with heartbeats until the run closes.
// Cancelling ctx before the run closes force kills the command tree.
//
// An error is returned only when the broker itself cannot be started;
// failures to spawn the command are reported through the Run.
func (s *Supervisor) Execute(ctx context.Context, command string, opts protocol.Options) (*Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	local, remote, err := protocol.Socketpair()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(s.cfg.BrokerPath, s.cfg.BrokerArgs...)
	cmd.Env = append(os.Environ(), broker.EnvBroker+"=1")
	cmd.ExtraFiles = []*os.File{remote} // becomes fd 3 in the broker
	cmd.Stdout = s.cfg.Stderr
	cmd.Stderr = s.cfg.Stderr

	// Keep the broker out of the runner's process group so terminal
	// signals reach only the runner.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		local.Close()
		remote.Close()

		return nil, fmt.Errorf("start broker %q: %w", s.cfg.BrokerPath, err)
	}

	// The broker has its own copy.
	remote.Close()

	id := uuid.NewString()

	r := &Run{
		id:        id,
		command:   command,
		cmd:       cmd,
		conn:      protocol.NewConn(local),
		logger:    s.logger.With("run", id, "broker_pid", cmd.Process.Pid),
		stdout:    output.NewStreamer(),
		stderr:    output.NewStreamer(),
		spawned:   make(chan struct{}),
		done:      make(chan struct{}),
		brokerEnd: make(chan struct{}),
		closeSubs: make(map[int]func(int)),
		errSubs:   make(map[int]func(error)),
		logSubs:   make(map[int]func(protocol.LogRecord)),
		outSubs:   make(map[int]func(Chunk)),
	}

	r.logger.Debug("started broker", "command", command)

	if err := r.conn.Send(protocol.NewStartMessage(command, opts.WithDefaults())); err != nil {
		r.logger.Warn("failed to send start message", "err", err)
	}

	go r.heartbeat(s.cfg.HeartbeatInterval)
	go r.receive()

	stop := context.AfterFunc(ctx, func() {
		r.logger.Debug("context cancelled, killing run")
		r.Signal(syscall.SIGKILL)
	})

	go func() {
		<-r.done
		stop()
	}()

	return r, nil
}
