package rescache

import "sync"

// DownloadLog records which content hashes were downloaded during a session.
// It only feeds diagnostics: it never merges or blocks concurrent downloads
// of the same content.
type DownloadLog struct {
	mu   sync.Mutex
	seen map[string]int
}

// NewDownloadLog returns an empty log.
func NewDownloadLog() *DownloadLog {
	return &DownloadLog{seen: make(map[string]int)}
}

// Record notes a completed download of hash and reports whether the same
// hash had already been downloaded.
func (l *DownloadLog) Record(hash string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen[hash]++
	return l.seen[hash] > 1
}

// Seen reports whether hash was downloaded before.
func (l *DownloadLog) Seen(hash string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seen[hash] > 0
}

// Count returns how many times hash was downloaded.
func (l *DownloadLog) Count(hash string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seen[hash]
}

// Len returns the number of distinct hashes downloaded.
func (l *DownloadLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}
