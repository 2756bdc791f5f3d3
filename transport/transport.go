// Package transport defines the asynchronous fetch-to-file contract used by
// the resource cache device to download content from the origin.
package transport

import (
	"errors"
	"net/http"
)

// ErrClosed is reported to completions of requests that never ran because
// the transport was closed.
var ErrClosed = errors.New("transport: closed")

// Priority is the scheduling class of a request. Higher classes are served
// first; within a class, higher weights are served first.
type Priority int

const (
	// PriorityBackground marks a request nobody is waiting for yet.
	PriorityBackground Priority = iota

	// PriorityNormal is the class every request starts in.
	PriorityNormal

	// PriorityUrgent marks a request a reader is actively waiting for.
	PriorityUrgent
)

// String returns the string representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityBackground:
		return "background"
	case PriorityNormal:
		return "normal"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// ProgressFunc receives the bytes written so far and the expected total.
// total is zero when unknown. It is called from transport goroutines.
type ProgressFunc func(done, total int64)

// Options tune a single fetch.
type Options struct {
	// Progress, if set, is called as bytes arrive.
	Progress ProgressFunc

	// Header holds extra request headers.
	Header http.Header

	// Weight orders requests within a priority class.
	Weight int
}

// Result is the outcome of a fetch.
type Result struct {
	// Size is the number of bytes written to the destination.
	Size int64

	// Err is nil on success.
	Err error
}

// Completion is called exactly once per fetch, on a transport goroutine.
type Completion func(Result)

// Request is a handle to an in-flight fetch.
type Request interface {
	// ID identifies the request in logs.
	ID() string

	// SetPriority moves the request to another scheduling class.
	SetPriority(Priority)
}

// Transport downloads URLs into local files.
// Implementations must be safe for concurrent use.
type Transport interface {
	// FetchToFile downloads url into destPath and calls done with the result.
	// The returned Request stays valid after completion; changing its
	// priority then has no effect.
	FetchToFile(url, destPath string, opts Options, done Completion) Request
}
