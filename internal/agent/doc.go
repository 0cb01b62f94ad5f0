// Package agent supervises units of work that follow a collect, process,
// publish lifecycle. A Controller runs one worker at a time with a per-attempt
// timeout, exponential backoff between attempts and an instance-scoped
// execution log from which all run metrics are derived.
package agent
