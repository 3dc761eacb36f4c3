package xid

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a prefixed, lexicographically sortable identifier such as
// "pay-01J9Z3K4TQ8X6W2N5R7M0B1C3D".
func New(prefix string) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
	return prefix + "-" + strings.ToLower(id)
}
