package broker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/nixpig/taskrunner/internal/protocol"
)

// disconnectedPrefix marks broker log lines written to stderr because the
// channel to the supervisor is gone.
const disconnectedPrefix = "[DISCONNECTED] "

// channelHandler is a slog.Handler that sends each record to the supervisor
// as a log message. When the channel is unusable the record is written to a
// fallback writer instead. Records are best effort: a failed send is never
// retried.
type channelHandler struct {
	conn   *protocol.Conn
	pid    int
	attrs  []slog.Attr
	groups []string

	// mu guards fallback, shared by every derived handler.
	mu       *sync.Mutex
	fallback io.Writer
}

func newChannelHandler(conn *protocol.Conn, pid int, fallback io.Writer) *channelHandler {
	return &channelHandler{
		conn:     conn,
		pid:      pid,
		mu:       &sync.Mutex{},
		fallback: fallback,
	}
}

// Enabled always returns true. The supervisor decides what to print.
func (h *channelHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *channelHandler) Handle(_ context.Context, record slog.Record) error {
	var b strings.Builder

	b.WriteString(record.Message)

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}

	for _, attr := range h.attrs {
		fmt.Fprintf(&b, " %s%s=%s", prefix, attr.Key, attr.Value)
	}

	record.Attrs(func(attr slog.Attr) bool {
		fmt.Fprintf(&b, " %s%s=%s", prefix, attr.Key, attr.Value)
		return true
	})

	message := b.String()

	err := h.conn.Send(&protocol.Message{
		Pid: h.pid,
		Log: &protocol.LogRecord{
			Level:   levelName(record.Level),
			Message: message,
		},
	})
	if err == nil {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	fmt.Fprintf(h.fallback, "%s%s\n", disconnectedPrefix, message)

	return nil
}

func (h *channelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)

	return &clone
}

func (h *channelHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}

	clone := *h
	clone.groups = append(append([]string(nil), h.groups...), name)

	return &clone
}

func levelName(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "error"
	case level >= slog.LevelWarn:
		return "warn"
	case level >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}

// ParseLevel maps a log record level name back to a slog.Level. Unknown
// names map to slog.LevelInfo.
func ParseLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
