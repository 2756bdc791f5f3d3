package rescache

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/meigma/rescache/cache"
	"github.com/meigma/rescache/manifest"
	"github.com/meigma/rescache/transport"
)

// Metadata keys registered with the cache for every download.
const (
	MetaFilename = "filename"
	MetaResource = "resource"
	MetaFrom     = "from"
)

var errEmptyFile = errors.New("downloaded file is empty")

// fetchJob is what a completion needs to know about the download it settles.
type fetchJob struct {
	gen     uint64
	path    string
	entry   manifest.Entry
	bulk    bool
	dest    string
	started time.Time
}

// ensureFetched drives the slot toward a settled state and returns its view.
// A NotFetched slot dispatches a download. When wait is true the call
// returns only once the slot is Fetched or Error.
func (d *Device) ensureFetched(s *slot, wait bool) (view, error) {
	for {
		s.mu.Lock()
		switch s.status {
		case statusEmpty:
			s.mu.Unlock()
			return view{}, ErrInvalidHandle
		case statusNotFetched:
			job, ch, err := d.beginFetch(s)
			s.mu.Unlock()
			if err != nil {
				d.fail(s, job, err, "")
			} else {
				d.dispatch(s, job)
			}
			if !wait {
				return d.current(s)
			}
			<-ch
			continue
		case statusFetching:
			ch := s.resolved
			if !wait {
				v := s.snapshot()
				s.mu.Unlock()
				return v, nil
			}
			s.mu.Unlock()
			<-ch
			continue
		default:
			v := s.snapshot()
			s.mu.Unlock()
			return v, nil
		}
	}
}

// current returns the slot view, failing for released slots.
func (d *Device) current(s *slot) (view, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == statusEmpty {
		return view{}, ErrInvalidHandle
	}
	return s.snapshot(), nil
}

// beginFetch moves the slot to Fetching. It must be called with s.mu held.
// The transport is called after the lock is dropped, so a completion that
// runs synchronously cannot deadlock on the slot.
func (d *Device) beginFetch(s *slot) (fetchJob, chan struct{}, error) {
	job := fetchJob{
		gen:     s.gen.Load(),
		path:    s.path,
		entry:   s.entry,
		bulk:    s.bulk,
		started: time.Now(),
	}
	s.status = statusFetching
	s.resolved = make(chan struct{})
	s.hasPending = false
	s.progress.Store(0)
	s.total.Store(0)

	dest, err := d.stagingPath(s.entry)
	job.dest = dest
	return job, s.resolved, err
}

// dispatch hands the download to the transport.
func (d *Device) dispatch(s *slot, job fetchJob) {
	d.logger.Info("downloading",
		slog.String("path", job.path),
		slog.String("hash", job.entry.ReferenceHash),
		slog.String("url", job.entry.RemoteURL))

	opts := transport.Options{
		Progress: d.progressFunc(s, job),
		Weight:   weightFor(job.entry.Basename),
	}
	if token, ok := d.state.Get(StateConnectionToken); ok && token != "" {
		opts.Header = http.Header{}
		opts.Header.Set(d.tokenHeader, token)
	}

	req := d.transport.FetchToFile(job.entry.RemoteURL, job.dest, opts, func(res transport.Result) {
		d.complete(s, job, res)
	})

	s.mu.Lock()
	if s.gen.Load() == job.gen && s.status == statusFetching {
		s.request = req
		if s.hasPending {
			req.SetPriority(s.pendingPriority)
			s.hasPending = false
		}
	}
	s.mu.Unlock()
}

func (d *Device) progressFunc(s *slot, job fetchJob) transport.ProgressFunc {
	return func(done, total int64) {
		if s.gen.Load() != job.gen {
			return
		}
		s.progress.Store(done)
		s.total.Store(total)
		if total != 0 && d.progress != nil {
			d.progress(ProgressEvent{Path: job.path, BytesDone: done, BytesTotal: total})
		}
	}
}

// complete settles a download. It runs on a transport goroutine, exactly
// once per dispatch, and always resolves the slot unless it was released.
func (d *Device) complete(s *slot, job fetchJob, res transport.Result) {
	size, err := d.checkDownload(job, res)
	if err != nil {
		reason := ""
		if errors.Is(err, errEmptyFile) {
			reason = "file was empty"
		}
		// dest is shared by every handle on this hash; only a file this
		// fetch wrote is removed.
		if res.Err == nil {
			_ = os.Remove(job.dest)
		}
		d.fail(s, job, err, reason)
		return
	}

	elapsed := time.Since(job.started)
	d.logger.Info("downloaded",
		slog.String("path", job.path),
		slog.Int64("size", size),
		slog.Duration("elapsed", elapsed))

	if d.downloads.Record(job.entry.ReferenceHash) {
		d.logger.Warn("downloaded the same content twice",
			slog.String("path", job.path),
			slog.String("hash", job.entry.ReferenceHash))
	}

	meta := map[string]string{
		MetaFilename: job.entry.Basename,
		MetaResource: job.entry.ResourceName,
		MetaFrom:     job.entry.RemoteURL,
	}
	if err := d.bridge.Register(job.dest, meta); err != nil {
		d.logger.Warn("cache registration failed",
			slog.String("path", job.dest),
			slog.Any("error", err))
	}

	parent, err := d.openLocal(job.dest, job.bulk)
	if err != nil {
		d.fail(s, job, fmt.Errorf("open downloaded file: %w", err), "")
		return
	}

	s.mu.Lock()
	if s.gen.Load() != job.gen {
		s.mu.Unlock()
		if err := closeLocal(parent); err != nil {
			d.logger.Debug("close orphaned download", slog.Any("error", err))
		}
		return
	}
	s.status = statusFetched
	s.parentDev = parent.parentDev
	s.parent = parent.parent
	s.bulkBase = parent.bulkBase
	s.meta = meta
	s.request = nil
	s.hasPending = false
	close(s.resolved)
	s.resolved = nil
	s.mu.Unlock()

	d.metrics.ObserveFetch(true, size, elapsed)
}

// checkDownload validates a transport result and returns the local size.
func (d *Device) checkDownload(job fetchJob, res transport.Result) (int64, error) {
	if res.Err != nil {
		return 0, res.Err
	}
	info, err := os.Stat(job.dest)
	if err != nil {
		return 0, err
	}
	if info.Size() == 0 {
		return 0, errEmptyFile
	}
	if d.verify {
		if err := verifyContent(job.dest, job.entry.ReferenceHash); err != nil {
			return 0, err
		}
	}
	return info.Size(), nil
}

// verifyContent checks the file at p against hash when hash is a digest.
func verifyContent(p, hash string) error {
	want, err := cache.Key(hash)
	if err != nil {
		return nil //nolint:nilerr // hashes that are not digests are not verified
	}
	f, err := os.Open(p) //nolint:gosec // staging path built by the device
	if err != nil {
		return err
	}
	defer f.Close()
	got, err := want.Algorithm().FromReader(f)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("content digest mismatch: want %s, got %s", want, got)
	}
	return nil
}

// fail records a failed download and resolves the slot to Error.
func (d *Device) fail(s *slot, job fetchJob, cause error, reason string) {
	elapsed := time.Since(job.started)
	fe := &FetchError{
		Path:    job.path,
		URL:     job.entry.RemoteURL,
		Hash:    job.entry.ReferenceHash,
		Reason:  d.diagnose(reason),
		Elapsed: elapsed,
		Err:     cause,
	}
	d.logger.Warn("download failed",
		slog.String("path", job.path),
		slog.String("url", job.entry.RemoteURL),
		slog.String("reason", fe.Reason),
		slog.Any("error", cause))
	d.lastErr.Store(fe)
	d.metrics.ObserveFetch(false, 0, elapsed)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen.Load() != job.gen {
		return
	}
	s.status = statusError
	s.err = fe
	s.request = nil
	s.hasPending = false
	if s.resolved != nil {
		close(s.resolved)
		s.resolved = nil
	}
}

// diagnose appends load context from the state store to reason.
func (d *Device) diagnose(reason string) string {
	caller, ok := d.state.Get(StateLoadCaller)
	if !ok || caller == "" {
		return reason
	}
	msg := "during a forced load from " + caller
	if raw, ok := d.state.Get(StateLoadStartedAt); ok {
		if startedMs, err := strconv.ParseInt(raw, 10, 64); err == nil {
			took := time.Since(time.UnixMilli(startedMs)).Round(time.Millisecond)
			msg += fmt.Sprintf(", which has taken %s so far", took)
		}
	}
	if reason == "" {
		return msg
	}
	return msg + "; " + reason
}

// stagingPath returns stagingDir/{ext}_{hash} for entry.
func (d *Device) stagingPath(entry manifest.Entry) (string, error) {
	hash := strings.ReplaceAll(entry.ReferenceHash, ":", "_")
	if hash == "" || hash == "." || hash == ".." || strings.ContainsAny(hash, `/\`) {
		return "", fmt.Errorf("unusable content hash %q", entry.ReferenceHash)
	}
	base := path.Base(entry.Basename)
	ext := base
	if i := strings.LastIndexByte(base, '.'); i >= 0 {
		ext = base[i+1:]
	}
	return filepath.Join(d.stagingDir, ext+"_"+hash), nil
}
