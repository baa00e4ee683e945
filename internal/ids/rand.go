package ids

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// Rand is a concurrency-safe pseudo-random source. Every placeholder that
// needs randomness (market prices, sensitivities, failure reasons, UTI
// suffixes) draws from one of these so scenarios replay from a seed.
type Rand struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewRand seeds a source. A zero seed draws one from crypto/rand.
func NewRand(seed int64) *Rand {
	if seed == 0 {
		seed = cryptoSeed()
	}
	return &Rand{r: rand.New(rand.NewSource(seed))}
}

// Float64 returns a value in [0, 1).
func (s *Rand) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Float64()
}

// Intn returns a value in [0, n).
func (s *Rand) Intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Intn(n)
}

// Hex returns n upper-case hexadecimal characters.
func (s *Rand) Hex(n int) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	for b.Len() < n {
		fmt.Fprintf(&b, "%08X", s.r.Uint32())
	}
	return b.String()[:n]
}

// Between returns a decimal in [lo, lo+span), rounded to cents.
func (s *Rand) Between(lo, span decimal.Decimal) decimal.Decimal {
	f := decimal.NewFromFloat(s.Float64())
	return lo.Add(span.Mul(f)).Round(2)
}
