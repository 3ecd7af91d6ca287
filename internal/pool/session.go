package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Session is the subset of *agentsession.AgentSession the pool needs.
// Defined here, satisfied structurally, so the pool's tests can drive
// it against a fake without spawning a real subprocess.
type Session interface {
	ID() string
	Prompt(ctx context.Context, text string, onChunk func(string)) (string, error)
	Close()
	RSS() int64
	Uptime() time.Duration
	LastContextPct() float64
	Dead() bool
}

// ManagedSession pairs a live Session with the pool's own bookkeeping:
// the prompt lock serializing turns for one key, the send-count used
// for delta computation, and the consecutive-error counter the bridge
// drives its recovery state machine from.
type ManagedSession struct {
	key   string
	agent Session

	promptMu sync.Mutex

	mu                sync.Mutex
	sendCount         int
	consecutiveErrors int
	lastContextPct    float64
	pendingClose      bool
	closeReason       string

	lastTouchNano atomic.Int64
}

func newManagedSession(key string, agent Session) *ManagedSession {
	ms := &ManagedSession{key: key, agent: agent}
	ms.touch()
	return ms
}

// Key is the session key this entry is filed under.
func (ms *ManagedSession) Key() string { return ms.key }

// Agent exposes the underlying session for the bridge to call Prompt
// on directly once the pool has resolved which one to use.
func (ms *ManagedSession) Agent() Session { return ms.agent }

func (ms *ManagedSession) touch() {
	ms.lastTouchNano.Store(time.Now().UnixNano())
}

func (ms *ManagedSession) lastTouch() time.Time {
	return time.Unix(0, ms.lastTouchNano.Load())
}

func (ms *ManagedSession) idleFor() time.Duration {
	return time.Since(ms.lastTouch())
}

// SendCount returns the number of caller-visible messages already
// turned into prompts for this session.
func (ms *ManagedSession) SendCount() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.sendCount
}

// SeedSendCount overwrites send-count, used after a recovery retry
// that forwards only the latest user turn but must seed the count to
// the full caller message count per the reset-in-flight invariant.
func (ms *ManagedSession) SeedSendCount(n int) {
	ms.mu.Lock()
	ms.sendCount = n
	ms.mu.Unlock()
}

// LastContextPct returns the most recently reported context-usage
// percentage, 0 if none has been reported yet.
func (ms *ManagedSession) LastContextPct() float64 {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.lastContextPct
}

func (ms *ManagedSession) setContextPct(pct float64) {
	ms.mu.Lock()
	ms.lastContextPct = pct
	ms.mu.Unlock()
}

// RecordSuccess resets the consecutive-error counter on a successful
// turn.
func (ms *ManagedSession) RecordSuccess() {
	ms.mu.Lock()
	ms.consecutiveErrors = 0
	ms.mu.Unlock()
}

// RecordError increments and returns the consecutive-error counter.
func (ms *ManagedSession) RecordError() int {
	ms.mu.Lock()
	ms.consecutiveErrors++
	n := ms.consecutiveErrors
	ms.mu.Unlock()
	return n
}

// Release is always deferred by whoever acquired the prompt lock via
// GetOrCreate, regardless of how the turn ended. If a reset was
// requested while the lock was held, the underlying agent is closed
// here before the lock is released, so the next caller's GetOrCreate
// never observes a killed-but-still-mapped entry.
func (ms *ManagedSession) Release() {
	ms.mu.Lock()
	pending := ms.pendingClose
	ms.mu.Unlock()
	if pending {
		ms.agent.Close()
	}
	ms.promptMu.Unlock()
}

// markPendingClose requests that the agent be closed the next time the
// prompt lock is released, used when a reset arrives while a turn is
// in flight so the in-flight completion is not interrupted.
func (ms *ManagedSession) markPendingClose(reason string) {
	ms.mu.Lock()
	ms.pendingClose = true
	ms.closeReason = reason
	ms.mu.Unlock()
}
