package health

import (
	"sync"

	"github.com/pkg/errors"
)

// StartupCompleteChecker fails until MarkComplete is called.
type StartupCompleteChecker struct {
	mu       sync.Mutex
	complete bool
}

func (c *StartupCompleteChecker) MarkComplete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.complete = true
}

func (c *StartupCompleteChecker) Check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.complete {
		return nil
	}
	return errors.New("startup is not complete")
}
