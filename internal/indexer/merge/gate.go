package merge

import (
	"context"
	"sync"
)

// StallGate parks foreground callers while merging is behind. Release wakes
// every goroutine waiting on the channel returned by the latest Arm.
type StallGate struct {
	mu       sync.Mutex
	ch       chan struct{}
	released bool
	releases uint64
}

func NewStallGate() *StallGate {
	return &StallGate{ch: make(chan struct{})}
}

// Arm resets the gate if it was released and returns the channel the next
// Release will close. Callers must arm before checking their wait condition,
// otherwise a release between the check and the wait is lost.
func (g *StallGate) Arm() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		g.ch = make(chan struct{})
		g.released = false
	}
	return g.ch
}

// Release opens the gate. Releasing an open gate is a no-op.
func (g *StallGate) Release() {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.releases++
	if !g.released {
		close(g.ch)
		g.released = true
	}
}

// Wait blocks until the armed channel closes or ctx is done.
func (g *StallGate) Wait(ctx context.Context, armed <-chan struct{}) error {
	select {
	case <-armed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Releases is the number of Release calls so far.
func (g *StallGate) Releases() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.releases
}
