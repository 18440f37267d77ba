package protocol

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/sys/unix"
)

// ErrClosed is returned when sending or receiving on a channel whose peer
// has gone away or which has been closed locally.
var ErrClosed = errors.New("channel closed")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// Conn is a message channel over a stream connection. Send is safe for
// concurrent use; Receive must only be called from one goroutine.
type Conn struct {
	rwc io.ReadWriteCloser
	enc *cbor.Encoder
	dec *cbor.Decoder

	sendMu    sync.Mutex
	connected atomic.Bool
	closeOnce sync.Once
}

// NewConn wraps rwc as a message channel.
func NewConn(rwc io.ReadWriteCloser) *Conn {
	c := &Conn{
		rwc: rwc,
		enc: encMode.NewEncoder(rwc),
		dec: decMode.NewDecoder(rwc),
	}

	c.connected.Store(true)

	return c
}

// Send writes m to the channel. Once the channel has failed every further
// Send returns ErrClosed without writing.
func (c *Conn) Send(m *Message) error {
	if !c.connected.Load() {
		return ErrClosed
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := c.enc.Encode(m); err != nil {
		c.connected.Store(false)
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}

	return nil
}

// Receive blocks for the next message. It returns ErrClosed when the peer
// closes the channel or the channel is closed locally.
func (c *Conn) Receive() (*Message, error) {
	var m Message

	if err := c.dec.Decode(&m); err != nil {
		c.connected.Store(false)

		if errors.Is(err, io.EOF) ||
			errors.Is(err, io.ErrUnexpectedEOF) ||
			errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}

		return nil, fmt.Errorf("%w: decode message: %w", ErrClosed, err)
	}

	return &m, nil
}

// Connected reports whether the channel is still usable.
func (c *Conn) Connected() bool {
	return c.connected.Load()
}

// Close tears down the channel. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error

	c.closeOnce.Do(func() {
		c.connected.Store(false)
		err = c.rwc.Close()
	})

	return err
}

// Socketpair creates a connected pair of unix stream sockets. The local end
// is returned as a net.Conn; the remote end is returned as a file suitable
// for exec.Cmd.ExtraFiles.
func Socketpair() (net.Conn, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("create socketpair: %w", err)
	}

	localFile := os.NewFile(uintptr(fds[0]), "supervisor-channel")
	remoteFile := os.NewFile(uintptr(fds[1]), "broker-channel")

	// FileConn dups the fd, so the original file is closed either way.
	local, err := net.FileConn(localFile)
	localFile.Close()
	if err != nil {
		remoteFile.Close()
		return nil, nil, fmt.Errorf("convert socket to conn: %w", err)
	}

	return local, remoteFile, nil
}

// FileConn opens the inherited channel file descriptor fd as a Conn.
func FileConn(fd uintptr) (*Conn, error) {
	f := os.NewFile(fd, "broker-channel")
	if f == nil {
		return nil, fmt.Errorf("invalid channel fd %d", fd)
	}

	return NewFileConn(f)
}

// NewFileConn converts a socket file into a Conn. The file is closed; the
// returned Conn owns a duplicate of its descriptor.
func NewFileConn(f *os.File) (*Conn, error) {
	nc, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("open channel %s: %w", f.Name(), err)
	}

	return NewConn(nc), nil
}
