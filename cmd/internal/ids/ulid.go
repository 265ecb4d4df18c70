// Package ids provides the identifier primitives shared by the livedesk engines.
package ids

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// ULIDs sort by creation time, which keeps assignment and transfer audit trails ordered in logs.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustULID is NewULID for call sites that cannot surface an error.
// It falls back to a monotonic-entropy ULID if the system random source fails.
func MustULID(now time.Time) string {
	id, err := NewULID(now)
	if err == nil {
		return id
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return ulid.MustNew(ulid.Timestamp(now), ulid.Monotonic(fallbackEntropy{now: now}, 0)).String()
}

type fallbackEntropy struct{ now time.Time }

func (f fallbackEntropy) Read(p []byte) (int, error) {
	n := uint64(f.now.UnixNano())
	for i := range p {
		p[i] = byte(n >> (8 * (i % 8)))
		n = n*6364136223846793005 + 1442695040888963407
	}
	return len(p), nil
}
