package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/meigma/rescache"
	"github.com/meigma/rescache/vfs"
)

// pollInterval is how often non-blocking handles are re-checked.
const pollInterval = 50 * time.Millisecond

// copyFile streams the file at p to w. Paths on the non-blocking mount are
// polled until their download settles.
func copyFile(ctx context.Context, ns *vfs.Namespace, p string, w io.Writer) (int64, error) {
	dev, err := ns.Resolve(p)
	if err != nil {
		return 0, err
	}
	h, err := dev.Open(p, true)
	if err != nil {
		return 0, err
	}
	defer dev.Close(h) //nolint:errcheck // read-only handle

	return io.Copy(w, &pollingReader{ctx: ctx, rd: vfs.NewReader(dev, h)})
}

// pollingReader is a vfs.Reader that waits out rescache.ErrNotReady.
type pollingReader struct {
	ctx context.Context
	rd  *vfs.Reader
}

func (r *pollingReader) Read(p []byte) (int, error) {
	for {
		n, err := r.rd.Read(p)
		if !errors.Is(err, rescache.ErrNotReady) {
			return n, err
		}
		if err := sleep(r.ctx, pollInterval); err != nil {
			return 0, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// qualify prefixes bare "resource/file" paths with prefix.
func qualify(prefix, p string) string {
	if strings.Contains(p, ":/") {
		return p
	}
	return prefix + strings.TrimPrefix(p, "/")
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
