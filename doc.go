// Package rescache provides a file device that materializes resource files
// lazily: the first read of a file either opens it from a local
// content-addressed cache or downloads it from its origin, then proxies all
// further I/O to the downloaded copy.
//
// Paths have the form {prefix}{resource}/{item}. The resource and item are
// resolved to a [manifest.Entry] holding the content hash, origin URL, size,
// and format-specific metadata.
//
// # Quick Start
//
// Build a session with a blocking and a non-blocking device and mount both:
//
//	store, err := disk.New("/var/cache/rescache")
//	if err != nil {
//	    return err
//	}
//	fetcher := http.New(http.WithWorkers(8))
//	defer fetcher.Close()
//
//	s, err := rescache.NewSession(manifests, store, fetcher,
//	    rescache.WithStagingDir(store.Dir()),
//	)
//	if err != nil {
//	    return err
//	}
//	ns := vfs.NewNamespace()
//	if err := s.Mount(ns); err != nil {
//	    return err
//	}
//
// # Read outcomes
//
// A read against a file that is still downloading returns (0, [ErrNotReady])
// on a non-blocking device. A read against a file whose download failed
// returns ([ReadFailed], err) where err is a [*FetchError]. Blocking devices
// wait for the download to settle before answering.
//
// # Streaming priority
//
// Bulk handles accept two reserved read sizes through [Device.ReadBulkSized]:
// [SizeRaisePriority] and [SizeLowerPriority]. They move the in-flight
// download between scheduling classes and report readiness without doing
// any I/O.
package rescache
