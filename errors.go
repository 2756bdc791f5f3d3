package rescache

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/meigma/rescache/vfs"
)

// ReadFailed is the read size reported for handles whose download failed.
const ReadFailed = -1

var (
	// ErrNotFound is returned when a path does not resolve to a manifest entry.
	ErrNotFound = errors.New("rescache: not found")

	// ErrReadOnly is returned when a caller asks for write access.
	ErrReadOnly = errors.New("rescache: device is read-only")

	// ErrHandlesExhausted is returned when every handle slot is in use.
	// Callers should treat it as fatal: the table is sized for the expected
	// number of concurrently open files.
	ErrHandlesExhausted = errors.New("rescache: handle table exhausted")

	// ErrInvalidHandle is returned for unknown or closed handles.
	ErrInvalidHandle = vfs.ErrInvalidHandle

	// ErrNotReady is returned by reads on a non-blocking device while the
	// content is still downloading. Callers retry later.
	ErrNotReady = errors.New("rescache: content not ready")

	// ErrFetchFailed is matched by every *FetchError.
	ErrFetchFailed = errors.New("rescache: fetch failed")

	// ErrNotFetched is returned by Seek on handles whose content is not local yet.
	ErrNotFetched = errors.New("rescache: content not fetched")

	// ErrUnsupported is returned for directory enumeration and unknown
	// extension controls.
	ErrUnsupported = vfs.ErrUnsupported

	// ErrInvalidExtData is returned when manifest extension fields cannot be parsed.
	ErrInvalidExtData = errors.New("rescache: invalid extension data")
)

// FetchError describes a failed download.
type FetchError struct {
	// Path is the logical path that was being read.
	Path string

	// URL is the origin the content was downloaded from.
	URL string

	// Hash is the content hash of the entry.
	Hash string

	// Reason carries diagnostics gathered when the failure was recorded,
	// such as the caller that triggered the load.
	Reason string

	// Elapsed is the time between dispatch and failure.
	Elapsed time.Duration

	// Err is the underlying cause.
	Err error
}

func (e *FetchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "fetch %s from %s", e.Path, e.URL)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Reason != "" {
		b.WriteString(" (")
		b.WriteString(e.Reason)
		b.WriteString(")")
	}
	return b.String()
}

// Unwrap returns ErrFetchFailed and the underlying cause.
func (e *FetchError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrFetchFailed}
	}
	return []error{ErrFetchFailed, e.Err}
}
