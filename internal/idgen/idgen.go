// Package idgen generates prefixed, time-ordered identifiers.
package idgen

import (
	"crypto/rand"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Prefixes used across the service.
const (
	PrefixUser        = "usr_"
	PrefixProduct     = "prd_"
	PrefixNegotiation = "neg_"
	PrefixMessage     = "msg_"
)

var (
	mu      sync.Mutex
	entropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// New returns a lowercase ULID. IDs generated in the same process sort by
// creation time.
func New() string {
	return newAt(time.Now())
}

// WithPrefix returns prefix + New(), e.g. "neg_01j9...".
func WithPrefix(prefix string) string {
	return prefix + New()
}

// Time extracts the creation timestamp from an id produced by WithPrefix.
// The second return is false when the suffix is not a ULID.
func Time(id string) (time.Time, bool) {
	if i := strings.LastIndexByte(id, '_'); i >= 0 {
		id = id[i+1:]
	}
	u, err := ulid.ParseStrict(strings.ToUpper(id))
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(u.Time()), true
}

func newAt(t time.Time) string {
	mu.Lock()
	defer mu.Unlock()
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(t), entropy).String())
}
