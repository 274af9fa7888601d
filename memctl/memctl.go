// Package memctl scopes a batch step against the general allocator. A scope
// records the heap allocation counters when it is entered; checks compare
// the bytes allocated since then with the scope's budget.
package memctl

import (
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"golang.org/x/sys/unix"
)

// Mode selects what happens when a scope allocates more than its budget.
type Mode int

const (
	// Off disables accounting.
	Off Mode = iota
	// Warning logs the first overrun of a scope.
	Warning
	// Strict turns an overrun into an errors.Unavailable error: the budgeted
	// memory is exhausted.
	Strict
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case Off:
		return "off"
	case Warning:
		return "warning"
	case Strict:
		return "strict"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode parses the output of Mode.String, ignoring case.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "off", "":
		return Off, nil
	case "warning":
		return Warning, nil
	case "strict":
		return Strict, nil
	}
	return Off, errors.E(errors.Invalid, "unknown memory control mode:", s)
}

// Scope is an entered memory control block. Its methods may be called
// concurrently.
type Scope struct {
	mode       Mode
	budget     uint64
	name       string
	totalAlloc uint64
	mallocs    uint64

	warnOnce sync.Once
	mu       sync.Mutex
	exited   bool
}

// Enter opens a scope named name that may allocate up to budget bytes.
func Enter(name string, mode Mode, budget uint64) *Scope {
	s := &Scope{mode: mode, budget: budget, name: name}
	if mode == Off {
		return s
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	s.totalAlloc, s.mallocs = ms.TotalAlloc, ms.Mallocs
	log.Debug.Printf("%s: memory control %v, budget %d bytes", name, mode, budget)
	return s
}

// Allocated returns the bytes and objects allocated since Enter, by any
// goroutine.
func (s *Scope) Allocated() (bytes, objects uint64) {
	if s.mode == Off {
		return 0, 0
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.TotalAlloc - s.totalAlloc, ms.Mallocs - s.mallocs
}

// PeakRSS returns the largest resident set size of the process so far, in
// bytes, or 0 if the kernel does not report it.
func PeakRSS() uint64 {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		log.Debug.Printf("getrusage: %v", err)
		return 0
	}
	if runtime.GOOS == "darwin" {
		return uint64(ru.Maxrss)
	}
	return uint64(ru.Maxrss) << 10
}

// Check compares the allocation since Enter against the budget. where
// names the checkpoint in messages.
func (s *Scope) Check(where string) error {
	if s.mode == Off {
		return nil
	}
	bytes, objects := s.Allocated()
	if bytes <= s.budget {
		return nil
	}
	msg := fmt.Sprintf("%s: %s: allocated %d bytes in %d objects, budget %d, peak rss %d",
		s.name, where, bytes, objects, s.budget, PeakRSS())
	if s.mode == Strict {
		return errors.E(errors.Unavailable, msg)
	}
	s.warnOnce.Do(func() { log.Error.Printf("%s", msg) })
	return nil
}

// Exit closes the scope with a final check. Later calls return nil.
func (s *Scope) Exit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exited {
		return nil
	}
	s.exited = true
	if s.mode != Off {
		bytes, _ := s.Allocated()
		log.Debug.Printf("%s: allocated %d bytes, peak rss %d", s.name, bytes, PeakRSS())
	}
	return s.Check("exit")
}
