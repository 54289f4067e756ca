package transcript

import (
	"github.com/zeebo/blake3"

	"github.com/p-blackswan/ijoka/internal/lru"
)

// DefaultTrackedFiles bounds how many transcripts the tracker remembers.
const DefaultTrackedFiles = 512

// Tracker remembers a digest of the last recorded line per transcript. A
// notification whose last line matches it appended nothing new.
type Tracker struct {
	seen *lru.Cache[string, [32]byte]
}

// NewTracker creates a tracker for up to size files.
func NewTracker(size int) *Tracker {
	if size < 1 {
		size = DefaultTrackedFiles
	}
	return &Tracker{seen: lru.New[string, [32]byte](size)}
}

// Seen reports whether line is the remembered last line of path.
func (t *Tracker) Seen(path string, line []byte) bool {
	prev, ok := t.seen.Get(path)
	return ok && prev == blake3.Sum256(line)
}

// Remember stores line as the last handled line of path.
func (t *Tracker) Remember(path string, line []byte) {
	t.seen.Put(path, blake3.Sum256(line))
}

// Forget drops what is known about path.
func (t *Tracker) Forget(path string) {
	t.seen.Delete(path)
}
