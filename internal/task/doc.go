// Package task provides named, cancellable and restartable tasks.
//
// A Controller carries the cancellation state of one run of a named task:
// abort handlers for a graceful stop, kill handlers for forwarding signals
// and a completion signal that fires once an abort has finished.
//
// A Registry holds at most one Controller per name. Starting a task whose
// name is already running aborts the previous run and waits for it before
// the new body starts. The Registry also carries a line bus that task bodies
// publish output lines to, and the On and Once watchers built on it.
package task
