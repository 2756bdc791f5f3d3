package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/rescache"
)

var (
	prefetchWorkers int
	prefetchQuiet   bool
)

var prefetchCmd = &cobra.Command{
	Use:   "prefetch PATH...",
	Short: "Download files into the cache",
	Long: `Download files into the cache without reading them. Each download is
raised to urgent priority and reported as it completes.

Examples:
  rescache prefetch base/props/crate.ydr base/maps/town.ymap
  rescache prefetch --workers 2 cache_nb:/base/maps/town.ymap`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPrefetch,
}

func init() {
	prefetchCmd.Flags().IntVar(&prefetchWorkers, "workers", 0, "Concurrent prefetches (default: fetch.workers)")
	prefetchCmd.Flags().BoolVarP(&prefetchQuiet, "quiet", "q", false, "Only report failures")
}

func runPrefetch(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	var mu sync.Mutex
	progress := func(ev rescache.ProgressEvent) {
		if prefetchQuiet {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(out, "  %s: %s / %s\n", ev.Path, humanBytes(ev.BytesDone), humanBytes(ev.BytesTotal))
	}

	a, err := newApp(cfgFile, progress)
	if err != nil {
		return err
	}
	defer a.Close()

	workers := prefetchWorkers
	if workers <= 0 {
		workers = a.cfg.Fetch.Workers
	}
	return prefetch(cmd.Context(), a.session.NonBlocking(), args, workers, out, &mu)
}

// prefetch fetches every path through dev, which must be non-blocking.
func prefetch(ctx context.Context, dev *rescache.Device, paths []string, workers int, out io.Writer, mu *sync.Mutex) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, p := range paths {
		p = qualify(dev.Prefix(), p)
		g.Go(func() error {
			size, err := prefetchOne(ctx, dev, p)
			if err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
			if !prefetchQuiet {
				mu.Lock()
				fmt.Fprintf(out, "%s: ready (%s)\n", p, humanBytes(size))
				mu.Unlock()
			}
			return nil
		})
	}
	return g.Wait()
}

func prefetchOne(ctx context.Context, dev *rescache.Device, p string) (int64, error) {
	h, _, err := dev.OpenBulk(p)
	if err != nil {
		return 0, err
	}
	defer dev.CloseBulk(h) //nolint:errcheck // read-only handle

	for {
		n, err := dev.ReadBulkSized(h, 0, nil, rescache.SizeRaisePriority)
		if err != nil {
			return 0, err
		}
		if n == rescache.ProbeReady {
			return dev.Length(h)
		}
		if _, err := dev.ReadBulk(h, 0, nil); !errors.Is(err, rescache.ErrNotReady) {
			if err != nil {
				return 0, err
			}
			return dev.Length(h)
		}
		if err := sleep(ctx, pollInterval); err != nil {
			return 0, err
		}
	}
}
