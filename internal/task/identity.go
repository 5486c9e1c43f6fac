package task

import (
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

const identityTimestampLayout = "20060102150405"

// IdentityGenerator assigns task identities of the form "{type}_{YYYYMMDDhhmmssffffff}".
// Within one generator the timestamp part never repeats: when two calls land in the same
// microsecond the later one is bumped forward by one microsecond.
type IdentityGenerator struct {
	clock clock.Clock
	mu    sync.Mutex
	last  time.Time
}

func NewIdentityGenerator(clk clock.Clock) *IdentityGenerator {
	return &IdentityGenerator{clock: clk}
}

// Next returns a fresh identity for taskType along with the instant it encodes.
func (g *IdentityGenerator) Next(taskType string) (string, time.Time) {
	g.mu.Lock()
	now := g.clock.Now().Truncate(time.Microsecond)
	if !now.After(g.last) {
		now = g.last.Add(time.Microsecond)
	}
	g.last = now
	g.mu.Unlock()
	return FormatIdentity(taskType, now), now
}

// FormatIdentity renders the identity for taskType at t using local wall-clock time.
func FormatIdentity(taskType string, t time.Time) string {
	t = t.Local()
	return fmt.Sprintf("%s_%s%06d", taskType, t.Format(identityTimestampLayout), t.Nanosecond()/int(time.Microsecond))
}
