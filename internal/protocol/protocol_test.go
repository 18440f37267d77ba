package protocol_test

import (
	"errors"
	"testing"
	"time"

	"github.com/nixpig/taskrunner/internal/protocol"
)

func newTestPair(t *testing.T) (*protocol.Conn, *protocol.Conn) {
	t.Helper()

	local, remote, err := protocol.Socketpair()
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	remoteConn, err := protocol.NewFileConn(remote)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	a := protocol.NewConn(local)
	t.Cleanup(func() {
		a.Close()
		remoteConn.Close()
	})

	return a, remoteConn
}

func TestConn(t *testing.T) {
	t.Parallel()

	t.Run("Test messages arrive in order", func(t *testing.T) {
		t.Parallel()

		supervisorEnd, brokerEnd := newTestPair(t)

		opts := protocol.DefaultOptions()
		opts.Cwd = "/tmp"
		opts.Env = map[string]string{"FOO": "bar"}

		go func() {
			supervisorEnd.Send(protocol.NewStartMessage("echo hi", opts))
			supervisorEnd.Send(protocol.NewHeartbeatMessage())
		}()

		start, err := brokerEnd.Receive()
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if start.Type != protocol.MessageTypeStart {
			t.Errorf("expected message type: got '%s', want '%s'", start.Type, protocol.MessageTypeStart)
		}

		if start.Command != "echo hi" {
			t.Errorf("expected command: got '%s', want 'echo hi'", start.Command)
		}

		if start.Options == nil || start.Options.NoShell || start.Options.Env["FOO"] != "bar" {
			t.Errorf("expected options to survive the channel: got '%+v'", start.Options)
		}

		heartbeat, err := brokerEnd.Receive()
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if heartbeat.Type != protocol.MessageTypeHeartbeat {
			t.Errorf("expected message type: got '%s', want '%s'", heartbeat.Type, protocol.MessageTypeHeartbeat)
		}
	})

	t.Run("Test terminal messages", func(t *testing.T) {
		t.Parallel()

		supervisorEnd, brokerEnd := newTestPair(t)

		go func() {
			brokerEnd.Send(&protocol.Message{Pid: 42, Stdout: []byte("a\nb")})
			brokerEnd.Send(protocol.NewExitMessage(42, 130, "SIGINT"))
		}()

		chunk, err := supervisorEnd.Receive()
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if chunk.Terminal() {
			t.Errorf("expected output chunk not to be terminal")
		}

		if string(chunk.Stdout) != "a\nb" {
			t.Errorf("expected stdout: got '%s', want 'a\\nb'", chunk.Stdout)
		}

		exit, err := supervisorEnd.Receive()
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if !exit.Terminal() || exit.ExitCode == nil || *exit.ExitCode != 130 {
			t.Errorf("expected terminal exit code 130: got '%+v'", exit)
		}

		if exit.Pid != 42 || exit.Signal != "SIGINT" {
			t.Errorf("expected pid 42 and SIGINT: got '%d' '%s'", exit.Pid, exit.Signal)
		}
	})

	t.Run("Test peer disconnect", func(t *testing.T) {
		t.Parallel()

		supervisorEnd, brokerEnd := newTestPair(t)

		supervisorEnd.Close()

		if _, err := brokerEnd.Receive(); !errors.Is(err, protocol.ErrClosed) {
			t.Errorf("expected ErrClosed: got '%v'", err)
		}

		if brokerEnd.Connected() {
			t.Errorf("expected channel to be disconnected")
		}

		if err := brokerEnd.Send(protocol.NewHeartbeatMessage()); !errors.Is(err, protocol.ErrClosed) {
			t.Errorf("expected ErrClosed: got '%v'", err)
		}
	})

	t.Run("Test double close", func(t *testing.T) {
		t.Parallel()

		supervisorEnd, _ := newTestPair(t)

		if err := supervisorEnd.Close(); err != nil {
			t.Errorf("expected not to receive error: got '%v'", err)
		}

		if err := supervisorEnd.Close(); err != nil {
			t.Errorf("expected not to receive error: got '%v'", err)
		}
	})
}

func TestOptions(t *testing.T) {
	t.Parallel()

	opts := protocol.Options{}.WithDefaults()

	if opts.GracePeriod != 5*time.Second {
		t.Errorf("expected grace period: got '%v', want '%v'", opts.GracePeriod, 5*time.Second)
	}

	if opts.NoShell {
		t.Errorf("expected zero options to use the shell")
	}

	custom := protocol.Options{GracePeriod: time.Second}.WithDefaults()
	if custom.GracePeriod != time.Second {
		t.Errorf("expected grace period: got '%v', want '%v'", custom.GracePeriod, time.Second)
	}
}
