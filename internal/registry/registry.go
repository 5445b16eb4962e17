// Package registry enforces at most one active run per user and owns each
// run's heartbeat and hard stream-timeout timers. This is concurrency control
// for the user's own runs; wallet contention is the ledger's job.
package registry

import (
	"context"
	"log"
	"sync"
	"time"
)

// Handle is the registry's view of one active run.
type Handle struct {
	RunID  string
	UserID string
	Cancel context.CancelFunc

	stopOnce sync.Once
	stopc    chan struct{}
}

func (h *Handle) stop() {
	h.stopOnce.Do(func() { close(h.stopc) })
}

// Registry tracks active runs keyed by user.
type Registry struct {
	heartbeatInterval time.Duration
	streamTimeout     time.Duration

	mu     sync.Mutex
	byUser map[string]*Handle
	byRun  map[string]*Handle
}

// New creates a registry with the given timer durations.
func New(heartbeatInterval, streamTimeout time.Duration) *Registry {
	return &Registry{
		heartbeatInterval: heartbeatInterval,
		streamTimeout:     streamTimeout,
		byUser:            make(map[string]*Handle),
		byRun:             make(map[string]*Handle),
	}
}

// TryAdmit atomically admits a run for a user. It fails when the user already
// has an active run. On success the registry starts the run's heartbeat
// ticker and hard stream-timeout timer; both are cleared on eviction.
func (r *Registry) TryAdmit(userID, runID string, cancel context.CancelFunc, onHeartbeat func(), onTimeout func()) bool {
	r.mu.Lock()
	if _, exists := r.byUser[userID]; exists {
		r.mu.Unlock()
		return false
	}
	h := &Handle{
		RunID:  runID,
		UserID: userID,
		Cancel: cancel,
		stopc:  make(chan struct{}),
	}
	r.byUser[userID] = h
	r.byRun[runID] = h
	r.mu.Unlock()

	go r.runTimers(h, onHeartbeat, onTimeout)
	return true
}

func (r *Registry) runTimers(h *Handle, onHeartbeat func(), onTimeout func()) {
	ticker := time.NewTicker(r.heartbeatInterval)
	timeout := time.NewTimer(r.streamTimeout)
	defer ticker.Stop()
	defer timeout.Stop()

	for {
		select {
		case <-ticker.C:
			if onHeartbeat != nil {
				onHeartbeat()
			}
		case <-timeout.C:
			log.Printf("WARN: run %s exceeded stream timeout %s", h.RunID, r.streamTimeout)
			if onTimeout != nil {
				onTimeout()
			}
			return
		case <-h.stopc:
			return
		}
	}
}

// Evict removes a user's active run and stops its timers. Idempotent.
func (r *Registry) Evict(userID string) {
	r.mu.Lock()
	h, ok := r.byUser[userID]
	if ok {
		delete(r.byUser, userID)
		delete(r.byRun, h.RunID)
	}
	r.mu.Unlock()
	if ok {
		h.stop()
	}
}

// Lookup returns the user's active run, if any.
func (r *Registry) Lookup(userID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byUser[userID]
	return h, ok
}

// LookupRun returns the active run by run id, if any.
func (r *Registry) LookupRun(runID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byRun[runID]
	return h, ok
}

// CancelRun cancels an active run's context. The run itself evicts on its
// way out, through its cleanup path.
func (r *Registry) CancelRun(runID string) bool {
	h, ok := r.LookupRun(runID)
	if !ok {
		return false
	}
	h.Cancel()
	return true
}

// ActiveCount returns the number of currently active runs.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser)
}
