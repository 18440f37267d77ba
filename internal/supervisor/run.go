package supervisor

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nixpig/taskrunner/internal/output"
	"github.com/nixpig/taskrunner/internal/protocol"
)

const (
	// spawnWait bounds how long Signal waits for the broker to report the
	// command pid before signalling the broker instead.
	spawnWait = time.Second

	// closeGrace bounds how long Close waits for a killed command to be
	// reported before killing the broker itself.
	closeGrace = 5 * time.Second

	// logHistory is the number of recent log records replayed to late
	// subscribers.
	logHistory = 1000
)

// Chunk is a piece of command output as the broker relayed it.
type Chunk struct {
	// Stderr is set for output written to stderr.
	Stderr bool
	Data   []byte
}

// BrokerError is reported through OnError when the broker could not spawn
// the command.
type BrokerError struct {
	Message string
}

func (e *BrokerError) Error() string {
	return e.Message
}

// Run is the handle to one command executing inside a broker.
//
// The exit code is unset until the run closes. Close and error events fire
// at most once; late subscribers to either are called immediately. The most
// recent log records are replayed to late subscribers.
type Run struct {
	id      string
	command string
	cmd     *exec.Cmd
	conn    *protocol.Conn
	logger  *slog.Logger

	stdout *output.Streamer
	stderr *output.Streamer

	exitCode   atomic.Pointer[int]
	signal     atomic.Pointer[string]
	commandPid atomic.Int64

	spawned     chan struct{}
	spawnedOnce sync.Once

	// mu guards the subscriber sets and recorded events. emitMu serialises
	// delivery so every subscriber sees events in arrival order.
	mu        sync.Mutex
	emitMu    sync.Mutex
	nextSub   int
	closeSubs map[int]func(int)
	errSubs   map[int]func(error)
	logSubs   map[int]func(protocol.LogRecord)
	logs      []protocol.LogRecord
	outSubs   map[int]func(Chunk)
	chunks    []Chunk
	chunkSize int
	err       error
	closed    bool

	closeOnce sync.Once
	done      chan struct{}

	brokerEnd    chan struct{}
	brokerStatus int
}

// ID returns the run's unique id.
func (r *Run) ID() string {
	return r.id
}

// Command returns the command the run executes.
func (r *Run) Command() string {
	return r.command
}

// Pid returns the broker's pid.
func (r *Run) Pid() int {
	return r.cmd.Process.Pid
}

// CommandPid returns the command's pid, which is also its process group id,
// or 0 if the broker has not reported it yet.
func (r *Run) CommandPid() int {
	return int(r.commandPid.Load())
}

// ExitCode returns the exit code and true once the run has closed.
func (r *Run) ExitCode() (int, bool) {
	code := r.exitCode.Load()
	if code == nil {
		return 0, false
	}

	return *code, true
}

// Signaled returns the name of the signal that terminated the command, or an
// empty string.
func (r *Run) Signaled() string {
	if s := r.signal.Load(); s != nil {
		return *s
	}

	return ""
}

// Stdout returns a reader over what the command has written to stdout, from
// the oldest retained byte. Reads block for new output and return io.EOF
// once the run has closed.
func (r *Run) Stdout() io.ReadCloser {
	return r.stdout.Subscribe()
}

// Stderr is Stdout for the command's stderr.
func (r *Run) Stderr() io.ReadCloser {
	return r.stderr.Subscribe()
}

// Done returns a channel that is closed once the run has closed and all
// close subscribers have returned.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Err returns the broker error, if one ended the run.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.err
}

// Wait blocks until the run closes and returns its exit code and broker
// error.
func (r *Run) Wait() (int, error) {
	<-r.done

	code, _ := r.ExitCode()

	return code, r.Err()
}

// OnClose registers fn to be called with the exit code when the run closes.
// If the run has already closed fn is called immediately. The returned func
// unsubscribes.
func (r *Run) OnClose(fn func(exitCode int)) func() {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()

		code, _ := r.ExitCode()
		fn(code)

		return func() {}
	}

	id := r.subscribeLocked()
	r.closeSubs[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		delete(r.closeSubs, id)
	}
}

// OnError registers fn to be called if the broker reports an error. If that
// has already happened fn is called immediately.
func (r *Run) OnError(fn func(err error)) func() {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	if r.err != nil {
		err := r.err
		r.mu.Unlock()

		fn(err)

		return func() {}
	}

	if r.closed {
		r.mu.Unlock()
		return func() {}
	}

	id := r.subscribeLocked()
	r.errSubs[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		delete(r.errSubs, id)
	}
}

// OnLog registers fn for every log record the broker sends. Up to the last
// 1000 records received before the call are replayed first. fn must not
// subscribe to the same run.
func (r *Run) OnLog(fn func(record protocol.LogRecord)) func() {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	history := append([]protocol.LogRecord(nil), r.logs...)
	id := r.subscribeLocked()
	r.logSubs[id] = fn
	r.mu.Unlock()

	for _, record := range history {
		fn(record)
	}

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		delete(r.logSubs, id)
	}
}

// OnOutput registers fn for every chunk of stdout and stderr, across both
// streams in the order the broker relayed them. Recent chunks received before
// the call are replayed first. Once the returned func has returned, fn is not
// running and will not be called again; it must not be called from fn.
func (r *Run) OnOutput(fn func(chunk Chunk)) func() {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	history := append([]Chunk(nil), r.chunks...)
	id := r.subscribeLocked()
	r.outSubs[id] = fn
	r.mu.Unlock()

	for _, chunk := range history {
		fn(chunk)
	}

	return func() {
		r.emitMu.Lock()
		defer r.emitMu.Unlock()

		r.mu.Lock()
		defer r.mu.Unlock()

		delete(r.outSubs, id)
	}
}

func (r *Run) subscribeLocked() int {
	r.nextSub++
	return r.nextSub
}

// Signal delivers sig to the command's process group. Signalling a run that
// has already closed is a no-op. If the broker has not yet reported the
// command's pid the signal goes to the broker, which relays it.
func (r *Run) Signal(sig syscall.Signal) error {
	if _, exited := r.ExitCode(); exited {
		return nil
	}

	pid := r.CommandPid()
	if pid == 0 {
		select {
		case <-r.spawned:
			pid = r.CommandPid()
		case <-r.done:
			return nil
		case <-time.After(spawnWait):
		}
	}

	if pid == 0 {
		r.logger.Debug("command pid unknown, signalling broker", "signal", unix.SignalName(sig))

		if err := r.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}

		return nil
	}

	r.logger.Debug("signalling command", "signal", unix.SignalName(sig), "pgid", pid)

	if err := unix.Kill(-pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}

	return nil
}

// Close force kills a running command and waits for the run to close. It is
// safe to call more than once.
func (r *Run) Close() error {
	select {
	case <-r.done:
		return nil
	default:
	}

	r.Signal(syscall.SIGKILL)

	select {
	case <-r.done:
	case <-time.After(closeGrace):
		r.logger.Warn("run did not close, killing broker")
		r.cmd.Process.Kill()
		<-r.done
	}

	return nil
}

// heartbeat sends a heartbeat every interval until the run closes or a send
// fails.
func (r *Run) heartbeat(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			if err := r.conn.Send(protocol.NewHeartbeatMessage()); err != nil {
				r.logger.Debug("stopping heartbeat", "err", err)
				return
			}
		}
	}
}

// receive demultiplexes broker messages until a terminal message arrives or
// the channel ends.
func (r *Run) receive() {
	go r.reap()

	pid := r.Pid()

	for {
		msg, err := r.conn.Receive()
		if err != nil {
			break
		}

		if msg.Pid != pid {
			r.logger.Debug("discarding message from unknown broker", "pid", msg.Pid)
			continue
		}

		if msg.CommandPid != 0 {
			r.commandPid.Store(int64(msg.CommandPid))
			r.spawnedOnce.Do(func() { close(r.spawned) })
		}

		if len(msg.Stdout) > 0 {
			r.stdout.Write(msg.Stdout)
			r.emitOutput(Chunk{Data: msg.Stdout})
		}

		if len(msg.Stderr) > 0 {
			r.stderr.Write(msg.Stderr)
			r.emitOutput(Chunk{Stderr: true, Data: msg.Stderr})
		}

		if msg.Log != nil {
			r.emitLog(*msg.Log)
		}

		if msg.Error != "" {
			r.finish(1, "", &BrokerError{Message: msg.Error})
			return
		}

		if msg.ExitCode != nil {
			r.finish(*msg.ExitCode, msg.Signal, nil)
			return
		}
	}

	// The channel ended without a terminal message.
	<-r.brokerEnd
	r.logger.Debug("broker channel ended without exit status", "status", r.brokerStatus)
	r.finish(r.brokerStatus, "", nil)
}

// reap waits for the broker process to exit.
func (r *Run) reap() {
	r.cmd.Wait()

	status := 1
	if state := r.cmd.ProcessState; state != nil {
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			status = 128 + int(ws.Signal())
		} else {
			status = state.ExitCode()
		}
	}

	r.brokerStatus = status
	close(r.brokerEnd)
}

func (r *Run) emitLog(record protocol.LogRecord) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	r.logs = append(r.logs, record)
	if over := len(r.logs) - logHistory; over > 0 {
		r.logs = r.logs[over:]
	}
	subs := make([]func(protocol.LogRecord), 0, len(r.logSubs))
	for _, fn := range r.logSubs {
		subs = append(subs, fn)
	}
	r.mu.Unlock()

	for _, fn := range subs {
		fn(record)
	}
}

func (r *Run) emitOutput(chunk Chunk) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	r.chunks = append(r.chunks, chunk)
	r.chunkSize += len(chunk.Data)
	for r.chunkSize > output.DefaultLimit && len(r.chunks) > 1 {
		r.chunkSize -= len(r.chunks[0].Data)
		r.chunks = r.chunks[1:]
	}
	subs := make([]func(Chunk), 0, len(r.outSubs))
	for _, fn := range r.outSubs {
		subs = append(subs, fn)
	}
	r.mu.Unlock()

	for _, fn := range subs {
		fn(chunk)
	}
}

// finish closes the run exactly once: the exit code is set, streams are
// finalised, the channel is torn down, then error and close subscribers are
// notified.
func (r *Run) finish(code int, signal string, err error) {
	r.closeOnce.Do(func() {
		r.exitCode.Store(&code)
		if signal != "" {
			r.signal.Store(&signal)
		}

		r.stdout.Close()
		r.stderr.Close()
		r.conn.Close()

		r.emitMu.Lock()

		r.mu.Lock()
		r.err = err
		r.closed = true

		errSubs := make([]func(error), 0, len(r.errSubs))
		for _, fn := range r.errSubs {
			errSubs = append(errSubs, fn)
		}

		closeSubs := make([]func(int), 0, len(r.closeSubs))
		for _, fn := range r.closeSubs {
			closeSubs = append(closeSubs, fn)
		}

		r.errSubs = nil
		r.closeSubs = nil
		r.mu.Unlock()

		if err != nil {
			r.logger.Debug("run errored", "err", err)

			for _, fn := range errSubs {
				fn(err)
			}
		}

		r.logger.Debug("run closed", "exit_code", code, "signal", signal)

		for _, fn := range closeSubs {
			fn(code)
		}

		r.emitMu.Unlock()

		close(r.done)
	})
}
