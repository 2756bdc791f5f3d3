package rescache

// ProgressEvent reports download progress for one logical path.
type ProgressEvent struct {
	// Path is the logical path, including the device prefix.
	Path string

	// BytesDone is the number of bytes received so far.
	BytesDone int64

	// BytesTotal is the expected size. Events are only emitted once it is known.
	BytesTotal int64
}

// ProgressFunc receives progress updates. It is called from transport
// goroutines and must be safe for concurrent calls.
type ProgressFunc func(ProgressEvent)
