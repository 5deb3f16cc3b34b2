package procman

import (
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"sync"
)

// ErrPortSpaceExhausted means no port could be produced at all: the
// configured range is fully used or burned and the OS scan came up empty.
// This is a configuration fault, not a transient condition.
var ErrPortSpaceExhausted = errors.New("worker port space exhausted")

// osScanAttempts bounds how many times the allocator asks the OS for an
// arbitrary free port once the configured range is exhausted.
const osScanAttempts = 8

// PreferredPort derives the stable preferred port for a session by folding
// an FNV-1a hash of its id into [portMin, portMax]. The same session always
// lands on the same port, so restarts tend to reuse the address a client
// already knows.
func PreferredPort(sessionID string, portMin, portMax int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	span := portMax - portMin + 1
	if span <= 0 {
		return portMin
	}
	return portMin + int(h.Sum32()%uint32(span))
}

// Allocator hands out worker ports. It is bookkeeping only: a port it
// returns is not reserved with the OS, so the caller must treat a bind
// conflict at spawn time as a signal to MarkUnavailable and retry.
type Allocator struct {
	portMin int
	portMax int

	mu sync.Mutex
	// used maps port -> session id for ports handed out and not yet released.
	used map[int]string
	// unavailable holds ports that failed to bind. They stay burned until
	// the process restarts.
	unavailable map[int]struct{}
}

func NewAllocator(portMin, portMax int) *Allocator {
	return &Allocator{
		portMin:     portMin,
		portMax:     portMax,
		used:        make(map[int]string),
		unavailable: make(map[int]struct{}),
	}
}

// FindAvailablePort returns a port for the session: its preferred port when
// free, otherwise the first free port in the configured range, otherwise an
// OS-assigned port outside the range. It never returns a port currently
// marked used or unavailable.
func (a *Allocator) FindAvailablePort(sessionID string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	preferred := PreferredPort(sessionID, a.portMin, a.portMax)
	if a.free(preferred) {
		a.used[preferred] = sessionID
		return preferred, nil
	}

	for port := a.portMin; port <= a.portMax; port++ {
		if a.free(port) {
			a.used[port] = sessionID
			return port, nil
		}
	}

	// Range exhausted. Let the OS pick something ephemeral.
	for i := 0; i < osScanAttempts; i++ {
		port, err := osAssignedPort()
		if err != nil {
			return 0, fmt.Errorf("%w: range %d-%d used and OS scan failed: %v",
				ErrPortSpaceExhausted, a.portMin, a.portMax, err)
		}
		if a.free(port) {
			a.used[port] = sessionID
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w: no port for session %s in range %d-%d",
		ErrPortSpaceExhausted, sessionID, a.portMin, a.portMax)
}

// Release returns a port to the pool.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.used, port)
}

// MarkUnavailable burns a port that failed to bind so it is never handed
// out again.
func (a *Allocator) MarkUnavailable(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.used, port)
	a.unavailable[port] = struct{}{}
}

func (a *Allocator) free(port int) bool {
	if _, taken := a.used[port]; taken {
		return false
	}
	_, burned := a.unavailable[port]
	return !burned
}

func osAssignedPort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port, nil
}
