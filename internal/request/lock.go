package request

import (
	"sync"

	"github.com/thellimist/oidcauth/internal/autherr"
)

// ExclusionLock admits one interactive request at a time. It never queues: a
// second request fails immediately.
type ExclusionLock struct {
	mu      sync.Mutex
	current *Request
}

// NewExclusionLock returns an unheld lock.
func NewExclusionLock() *ExclusionLock {
	return &ExclusionLock{}
}

// TryTake makes r the current modal request, or fails with
// autherr.CodeInteractionInProgress if another request holds the lock.
func (l *ExclusionLock) TryTake(r *Request) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current != nil {
		if l.current == r {
			panic("request: exclusion lock taken twice by the same request")
		}
		return autherr.InteractionInProgress().WithCorrelationID(r.CorrelationID())
	}
	l.current = r
	r.lockRelease = &sync.Once{}
	return nil
}

// Current returns the request holding the lock, or nil.
func (l *ExclusionLock) Current() *Request {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Release gives up r's acquisition. Only the first call per acquisition has
// an effect, and releasing a lock held by another request does nothing.
func (l *ExclusionLock) Release(r *Request) {
	l.mu.Lock()
	once := r.lockRelease
	l.mu.Unlock()
	if once == nil {
		return
	}
	once.Do(func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.current == r {
			l.current = nil
		}
	})
}

var (
	sharedMu   sync.Mutex
	sharedLock = NewExclusionLock()
)

// SharedExclusionLock returns the process-wide lock used when a request is
// not given one.
func SharedExclusionLock() *ExclusionLock {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	return sharedLock
}

// ResetSharedExclusionLock replaces the process-wide lock. Intended for tests.
func ResetSharedExclusionLock() {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	sharedLock = NewExclusionLock()
}
