// Package protocol defines the messages exchanged between a supervisor and
// the broker process it forks, and the CBOR stream codec used to carry them
// over a unix socketpair.
//
// The supervisor sends a single start message followed by periodic
// heartbeats. The broker replies with output chunks, log records and
// exactly one terminal message carrying either an exit code or an error.
// Every broker message is tagged with the broker's pid.
package protocol
