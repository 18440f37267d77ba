// Package broker implements the child side of supervised execution.
//
// A broker is the runner binary re-executed with TASKRUNNER_BROKER=1 and one
// end of a socketpair inherited as fd 3. It waits for a start message,
// spawns the requested command in its own process group and relays the
// command's output, its own log records and the command's exit status back
// over the channel.
//
// The broker watches two liveness signals: a probe of its parent process and
// the heartbeat messages the parent sends. When either fails it force kills
// the command's process group, or exits with status 1 if no command has
// been started yet.
package broker
