package ledger

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ReferenceGenerator produces sortable, unique transaction references such as
// TRX-01HZX3K4Q8J7W5N2B6C9D0E1F2.
type ReferenceGenerator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func NewReferenceGenerator() *ReferenceGenerator {
	return &ReferenceGenerator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (g *ReferenceGenerator) Next(prefix string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
	return prefix + "-" + id.String()
}
