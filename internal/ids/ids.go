// Package ids generates identifiers and owns the engine's injectable sources
// of randomness and time.
package ids

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	mu   sync.Mutex
	mono io.Reader
)

func init() {
	mono = ulid.Monotonic(rand.New(rand.NewSource(cryptoSeed())), 0)
}

// NewULID returns a time-sortable identifier. IDs generated within the same
// millisecond stay lexicographically increasing.
func NewULID() string {
	mu.Lock()
	defer mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(time.Now().UTC()), mono)
	if err != nil {
		panic(err)
	}
	return id.String()
}

// Prefixed returns "{prefix}-{ULID}".
func Prefixed(prefix string) string {
	return prefix + "-" + NewULID()
}

// Artifact returns "{prefix}-{UUID}" with the full random UUID in upper case.
// Confirmations, reports, instructions and ledger entries are keyed by it.
func Artifact(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, strings.ToUpper(uuid.NewString()))
}

// Clock returns the current time. Agents take one so tests can pin dates.
type Clock func() time.Time

// SystemClock is the wall clock in UTC.
func SystemClock() time.Time {
	return time.Now().UTC()
}

// FixedClock always returns t.
func FixedClock(t time.Time) Clock {
	return func() time.Time { return t }
}

func cryptoSeed() int64 {
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return seed
}
