package engine

import "sync"

// flowLocks serializes control operations per flowId. Transitions on a
// single flow are strictly ordered; across flows no ordering holds.
type flowLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newFlowLocks() *flowLocks {
	return &flowLocks{
		locks: make(map[string]*sync.Mutex),
	}
}

func (l *flowLocks) Lock(flowId string) func() {
	l.mu.Lock()
	lock, ok := l.locks[flowId]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[flowId] = lock
	}
	l.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

// Forget drops the lock entry once a flow reached a terminal status.
// Safe only after that status is persisted: every control operation
// re-reads persisted state and no-ops on a terminal flow, so a straggler
// holding the old mutex can not mutate anything a fresh entry guards.
func (l *flowLocks) Forget(flowId string) {
	l.mu.Lock()
	delete(l.locks, flowId)
	l.mu.Unlock()
}

// runnerGuard tracks which flows have a live run loop. A resume must
// tell "loop still draining the in flight step" apart from "loop
// exited": dispatching a second loop while the first drains would
// double-execute every remaining step. The slot is released inside the
// flow lock at the point the loop decides to stop, so whoever takes the
// lock next sees the persisted status and the slot state together.
type runnerGuard struct {
	mu     sync.Mutex
	active map[string]bool
}

func newRunnerGuard() *runnerGuard {
	return &runnerGuard{active: make(map[string]bool)}
}

func (g *runnerGuard) acquire(flowId string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active[flowId] {
		return false
	}
	g.active[flowId] = true
	return true
}

func (g *runnerGuard) release(flowId string) {
	g.mu.Lock()
	delete(g.active, flowId)
	g.mu.Unlock()
}
