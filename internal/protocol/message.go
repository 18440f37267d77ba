package protocol

import (
	"time"
)

// DefaultGracePeriod is the delay between an interrupt and a forced kill
// when a run is aborted.
const DefaultGracePeriod = 5 * time.Second

// MessageType identifies a supervisor to broker message.
type MessageType string

const (
	MessageTypeStart     MessageType = "start"
	MessageTypeHeartbeat MessageType = "heartbeat"
)

// Options configures how the broker spawns a command. Options are immutable
// once sent in a start message.
type Options struct {
	// NoShell splits the command on whitespace and executes it directly
	// instead of interpreting it through /bin/sh -c.
	NoShell bool `cbor:"no_shell,omitempty"`

	// Cwd is the working directory of the command. Empty means inherit.
	Cwd string `cbor:"cwd,omitempty"`

	// Env is merged over the broker's environment.
	Env map[string]string `cbor:"env,omitempty"`

	// GracePeriod is the delay between SIGINT and SIGKILL on abort.
	GracePeriod time.Duration `cbor:"grace_period,omitempty"`

	// Savage resolves a non-zero exit instead of failing.
	Savage bool `cbor:"savage,omitempty"`
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		GracePeriod: DefaultGracePeriod,
	}
}

// WithDefaults returns a copy of o with zero-valued defaulted fields filled
// in. The zero Options runs commands through the shell.
func (o Options) WithDefaults() Options {
	if o.GracePeriod <= 0 {
		o.GracePeriod = DefaultGracePeriod
	}

	return o
}

// LogRecord is a leveled log line emitted by the broker.
type LogRecord struct {
	Level   string `cbor:"level"`
	Message string `cbor:"message"`
}

// Message is the tagged union exchanged over the broker channel. Supervisor
// messages set Type. Broker messages set Pid and one or more of the payload
// fields.
type Message struct {
	Type    MessageType `cbor:"type,omitempty"`
	Command string      `cbor:"command,omitempty"`
	Options *Options    `cbor:"options,omitempty"`

	Pid        int        `cbor:"pid,omitempty"`
	CommandPid int        `cbor:"command_pid,omitempty"`
	Stdout     []byte     `cbor:"stdout,omitempty"`
	Stderr     []byte     `cbor:"stderr,omitempty"`
	Log        *LogRecord `cbor:"log,omitempty"`
	ExitCode   *int       `cbor:"exit_code,omitempty"`
	Signal     string     `cbor:"signal,omitempty"`
	Error      string     `cbor:"error,omitempty"`
}

// NewStartMessage builds the message that asks a broker to run command.
func NewStartMessage(command string, opts Options) *Message {
	return &Message{
		Type:    MessageTypeStart,
		Command: command,
		Options: &opts,
	}
}

// NewHeartbeatMessage builds a heartbeat.
func NewHeartbeatMessage() *Message {
	return &Message{Type: MessageTypeHeartbeat}
}

// NewExitMessage builds a terminal message carrying the command's exit code
// and, when it was terminated by a signal, the signal name.
func NewExitMessage(pid, exitCode int, signal string) *Message {
	return &Message{Pid: pid, ExitCode: &exitCode, Signal: signal}
}

// NewErrorMessage builds a terminal message reporting a spawn failure.
func NewErrorMessage(pid int, err error) *Message {
	return &Message{Pid: pid, Error: err.Error()}
}

// Terminal reports whether m ends a run.
func (m *Message) Terminal() bool {
	return m.ExitCode != nil || m.Error != ""
}
