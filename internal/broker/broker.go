package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nixpig/taskrunner/internal/protocol"
)

const (
	// EnvBroker is the environment variable that puts the runner binary into
	// broker mode when set to "1".
	EnvBroker = "TASKRUNNER_BROKER"

	// ChannelFD is the inherited file descriptor of the broker's end of the
	// channel.
	ChannelFD = 3

	// DefaultLivenessInterval is how often the parent process is probed.
	DefaultLivenessInterval = time.Second

	// DefaultHeartbeatTimeout is how long the broker tolerates silence from
	// the parent before treating it as gone.
	DefaultHeartbeatTimeout = 5 * time.Second

	readChunkSize = 4096
)

// IsBroker reports whether the current process was started as a broker.
func IsBroker() bool {
	return os.Getenv(EnvBroker) == "1"
}

// Main runs the broker on the inherited channel and returns the process exit
// status. It is called from main before any other initialisation.
func Main() int {
	conn, err := protocol.FileConn(ChannelFD)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s%v\n", disconnectedPrefix, err)
		return 1
	}

	return Serve(context.Background(), conn, Config{Signals: RelaySignals})
}

// Config configures a broker. The zero value is usable; Main relays
// RelaySignals in addition.
type Config struct {
	// ParentPID is the process probed for liveness. Defaults to the parent
	// of the current process, in which case re-parenting is also treated as
	// parent death.
	ParentPID int

	// LivenessInterval is the parent probe interval.
	LivenessInterval time.Duration

	// HeartbeatTimeout is the maximum gap between heartbeats.
	HeartbeatTimeout time.Duration

	// Signals are relayed to the command's process group while it runs.
	Signals []os.Signal

	// Stderr receives log lines once the channel is gone. Defaults to
	// os.Stderr.
	Stderr io.Writer
}

func (c Config) withDefaults() Config {
	if c.LivenessInterval <= 0 {
		c.LivenessInterval = DefaultLivenessInterval
	}

	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}

	if c.Stderr == nil {
		c.Stderr = os.Stderr
	}

	return c
}

type broker struct {
	cfg           Config
	conn          *protocol.Conn
	logger        *slog.Logger
	pid           int
	ppid          int
	checkReparent bool

	starts     chan *protocol.Message
	heartbeats chan struct{}
}

// process is a spawned command.
type process struct {
	cmd     *exec.Cmd
	exited  chan struct{}
	killing atomic.Bool

	exitCode int
	signal   string
}

// Serve runs a broker over conn until the command it was asked to run has
// exited and its exit status has been reported. It returns the status the
// broker process should exit with: 0 once a command has run to completion,
// 1 when the command could not be spawned or the parent went away before a
// start message arrived. Cancelling ctx force kills the command.
//
// conn is closed when Serve returns.
func Serve(ctx context.Context, conn *protocol.Conn, cfg Config) int {
	cfg = cfg.withDefaults()

	b := &broker{
		cfg:        cfg,
		conn:       conn,
		pid:        os.Getpid(),
		ppid:       cfg.ParentPID,
		starts:     make(chan *protocol.Message, 1),
		heartbeats: make(chan struct{}, 1),
	}

	if b.ppid == 0 {
		b.ppid = os.Getppid()
		b.checkReparent = true
	}

	b.logger = slog.New(newChannelHandler(conn, b.pid, cfg.Stderr))

	defer conn.Close()

	go b.receive()

	return b.run(ctx)
}

func (b *broker) run(ctx context.Context) int {
	probe := time.NewTicker(b.cfg.LivenessInterval)
	defer probe.Stop()

	heartbeat := time.NewTimer(b.cfg.HeartbeatTimeout)
	defer heartbeat.Stop()

	var (
		proc    *process
		exited  <-chan struct{}
		signals chan os.Signal
	)

	defer func() {
		if signals != nil {
			signal.Stop(signals)
		}
	}()

	for {
		select {
		case msg := <-b.starts:
			if proc != nil {
				b.logger.Warn("Ignoring start message, command already running")
				continue
			}

			opts := protocol.DefaultOptions()
			if msg.Options != nil {
				opts = *msg.Options
			}

			p, err := b.spawn(msg.Command, opts.WithDefaults())
			if err != nil {
				b.logger.Error(fmt.Sprintf("Unable to execute `%s`: %v", msg.Command, err))
				b.conn.Send(protocol.NewErrorMessage(b.pid, err))
				return 1
			}

			proc = p
			exited = p.exited

			if len(b.cfg.Signals) > 0 {
				signals = make(chan os.Signal, 1)
				signal.Notify(signals, b.cfg.Signals...)
			}

		case sig := <-signals:
			if proc == nil {
				continue
			}

			b.logger.Debug(fmt.Sprintf("Relaying %s to %d", sig, proc.cmd.Process.Pid))
			proc.signalGroup(sig.(syscall.Signal))

		case <-b.heartbeats:
			heartbeat.Reset(b.cfg.HeartbeatTimeout)

		case <-heartbeat.C:
			reason := fmt.Sprintf("Have not received heartbeat from parent in %s.", b.cfg.HeartbeatTimeout)
			if !b.lost(proc, reason) {
				return 1
			}

		case <-probe.C:
			if b.parentAlive() {
				continue
			}

			reason := fmt.Sprintf("Parent process %d has exited.", b.ppid)
			if !b.lost(proc, reason) {
				return 1
			}

		case <-ctx.Done():
			if !b.lost(proc, "Broker cancelled.") {
				return 1
			}

			ctx = context.Background()

		case <-exited:
			if signals != nil {
				signal.Stop(signals)
				signals = nil
			}

			b.logger.Info(fmt.Sprintf("Command %d has exited.", proc.cmd.Process.Pid))
			b.conn.Send(protocol.NewExitMessage(b.pid, proc.exitCode, proc.signal))

			return 0
		}
	}
}

// lost handles the loss of the parent. It force kills a running command and
// reports true so the broker keeps waiting for the command's exit, or
// reports false when there is nothing to wait for.
func (b *broker) lost(proc *process, reason string) bool {
	if proc == nil {
		b.logger.Warn(reason + " Exiting...")
		return false
	}

	if proc.killing.Swap(true) {
		return true
	}

	b.logger.Warn(fmt.Sprintf("%s Killing %d...", reason, proc.cmd.Process.Pid))
	proc.signalGroup(unix.SIGKILL)

	return true
}

func (b *broker) parentAlive() bool {
	if b.checkReparent && os.Getppid() != b.ppid {
		return false
	}

	// EPERM still proves the process exists.
	err := unix.Kill(b.ppid, 0)

	return err == nil || errors.Is(err, unix.EPERM)
}

// receive reads supervisor messages until the channel fails.
func (b *broker) receive() {
	for {
		msg, err := b.conn.Receive()
		if err != nil {
			return
		}

		switch msg.Type {
		case protocol.MessageTypeStart:
			select {
			case b.starts <- msg:
			default:
				b.logger.Warn("Dropping duplicate start message")
			}

		case protocol.MessageTypeHeartbeat:
			select {
			case b.heartbeats <- struct{}{}:
			default:
			}
		}
	}
}

func (b *broker) spawn(command string, opts protocol.Options) (*process, error) {
	name, args := "/bin/sh", []string{"-c", command}

	if opts.NoShell {
		fields := strings.Fields(command)
		if len(fields) == 0 {
			return nil, fmt.Errorf("command cannot be empty")
		}

		name, args = fields[0], fields[1:]
	}

	cmd := exec.Command(name, args...)
	cmd.Dir = opts.Cwd
	cmd.Env = buildEnvironment(opts.Env)

	// The command leads its own process group so the whole tree can be
	// signalled as -pid without reaching the broker.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	b.logger.Debug(fmt.Sprintf("Executing `%s`...", command))

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &process{
		cmd:    cmd,
		exited: make(chan struct{}),
	}

	b.conn.Send(&protocol.Message{Pid: b.pid, CommandPid: cmd.Process.Pid})

	var wg sync.WaitGroup

	wg.Go(func() {
		b.relay(stdout, func(chunk []byte) *protocol.Message {
			return &protocol.Message{Pid: b.pid, Stdout: chunk}
		})
	})

	wg.Go(func() {
		b.relay(stderr, func(chunk []byte) *protocol.Message {
			return &protocol.Message{Pid: b.pid, Stderr: chunk}
		})
	})

	go func() {
		// Pipes must be drained before Wait closes them.
		wg.Wait()

		cmd.Wait()

		p.exitCode, p.signal = exitStatus(cmd.ProcessState)

		close(p.exited)
	}()

	return p, nil
}

// relay forwards chunks read from r until it is exhausted. Send failures are
// ignored so the pipe keeps draining after the channel is lost.
func (b *broker) relay(r io.Reader, wrap func([]byte) *protocol.Message) {
	buf := make([]byte, readChunkSize)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			b.conn.Send(wrap(chunk))
		}

		if err != nil {
			return
		}
	}
}

func (p *process) signalGroup(sig syscall.Signal) {
	// ESRCH means the group is already gone.
	unix.Kill(-p.cmd.Process.Pid, sig)
}

// exitStatus converts a process state into the reported exit code. A
// command terminated by a signal reports 128 plus the signal number along
// with the signal's name.
func exitStatus(state *os.ProcessState) (int, string) {
	if state == nil {
		return 1, ""
	}

	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal()), unix.SignalName(ws.Signal())
	}

	return state.ExitCode(), ""
}

// buildEnvironment merges env over the broker's own environment. The broker
// marker is removed so a command that runs the runner binary gets a runner.
func buildEnvironment(env map[string]string) []string {
	base := os.Environ()

	result := make([]string, 0, len(base)+len(env))

	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if key == EnvBroker {
			continue
		}

		if _, overridden := env[key]; overridden {
			continue
		}

		result = append(result, kv)
	}

	for k, v := range env {
		result = append(result, k+"="+v)
	}

	return result
}
