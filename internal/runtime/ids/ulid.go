// Package ids generates identifiers for messages produced on the bus.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
	now       = time.Now
)

// NewTaskID returns a time-sortable ULID encoded as a 26-character string.
// IDs created by one process are strictly increasing.
func NewTaskID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(now()), entropy).String()
}

// Time extracts the creation time embedded in an ID produced by NewTaskID.
// ok is false for IDs that are not ULIDs, such as caller supplied task ids.
func Time(id string) (t time.Time, ok bool) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(parsed.Time()), true
}
