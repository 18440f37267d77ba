package broker

import (
	"os"

	"golang.org/x/sys/unix"
)

// RelaySignals are the termination and job control signals a broker
// forwards to its command's process group while the command is running.
//
// SIGKILL and SIGSTOP cannot be caught. SIGCHLD and SIGURG are delivered to
// the broker by the Go runtime for its own purposes and are never relayed.
// SIGPIPE is raised by writes to a severed channel and would otherwise kill
// the command with it. SIGSEGV and SIGPROF are left to the runtime.
var RelaySignals = []os.Signal{
	unix.SIGABRT,
	unix.SIGALRM,
	unix.SIGBUS,
	unix.SIGCONT,
	unix.SIGFPE,
	unix.SIGHUP,
	unix.SIGILL,
	unix.SIGINT,
	unix.SIGIO,
	unix.SIGPWR,
	unix.SIGQUIT,
	unix.SIGSTKFLT,
	unix.SIGSYS,
	unix.SIGTERM,
	unix.SIGTRAP,
	unix.SIGTSTP,
	unix.SIGTTIN,
	unix.SIGTTOU,
	unix.SIGVTALRM,
	unix.SIGWINCH,
	unix.SIGXCPU,
	unix.SIGXFSZ,
}
