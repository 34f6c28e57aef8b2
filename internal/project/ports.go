package project

import "sync"

// BasePort is where project port allocation starts.
const BasePort = 3100

// PortAllocator hands out ports from a monotonic counter. It never reuses a
// port within a process lifetime so two projects cannot collide even across
// restarts of one of them.
type PortAllocator struct {
	mu   sync.Mutex
	next int
}

func NewPortAllocator() *PortAllocator {
	return &PortAllocator{next: BasePort}
}

// Next returns a fresh port.
func (a *PortAllocator) Next() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	port := a.next
	a.next++
	return port
}

// Restore advances the counter past ports already in use, typically after a
// server restart with projects still recorded as running.
func (a *PortAllocator) Restore(existing []int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, port := range existing {
		if port >= a.next {
			a.next = port + 1
		}
	}
}
