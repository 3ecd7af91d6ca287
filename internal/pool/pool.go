// Package pool maps session keys to live agent subprocesses: one
// AgentSession per distinct conversation, with delta computation,
// per-session turn serialization, idle eviction, and reset-on-demand.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Veraticus/kirogate/internal/agentsession"
	"github.com/Veraticus/kirogate/internal/message"
	"github.com/Veraticus/kirogate/internal/router"
)

// Context-usage thresholds the pool logs at. The bridge keeps its own
// copies of the 80/90 thresholds for user-visible warning chunks (§6);
// the pool only logs and, at the reset threshold, evicts.
const (
	contextLogWarnPct     = 80.0
	contextLogEscalated   = 90.0
	contextAutoResetPct   = 95.0
	defaultIdleTimeout    = 30 * time.Minute
	minIdleGCInterval     = 60 * time.Second
	idleGCIntervalDivisor = 6
	heartbeatInterval     = 5 * time.Minute
)

// Spawner creates a new agent subprocess session. DefaultSpawner wraps
// agentsession.New; tests substitute a fake to avoid spawning real
// subprocesses.
type Spawner func(ctx context.Context, opts agentsession.Options, events agentsession.Events) (Session, error)

// DefaultSpawner is the production Spawner.
func DefaultSpawner(ctx context.Context, opts agentsession.Options, events agentsession.Events) (Session, error) {
	return agentsession.New(ctx, opts, events)
}

// Options configures the pool's defaults and policy knobs.
type Options struct {
	Command     string
	Subcommand  string
	ExtraArgs   []string
	Cwd         string
	IdleTimeout time.Duration
	Routes      *router.Table
	Spawn       Spawner

	// OnReset, if set, is called with the reset reason every time
	// ResetSession or idle GC kills and evicts a session. Used by
	// internal/metrics to drive the resets-by-reason counter.
	OnReset func(reason string)
}

// Pool owns every live agent subprocess, keyed by session key.
type Pool struct {
	opts Options
	log  *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*ManagedSession

	// creationLocks serializes the spawn-then-insert sequence in create
	// per key, so two concurrent first-turn requests for the same new
	// key cannot both spawn a subprocess (the loser re-checks
	// tryExisting instead). Entries are never removed; the set is
	// bounded by the number of distinct keys ever seen, same as
	// sessions itself.
	creationLocks sync.Map // key string -> *sync.Mutex

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Pool and starts its idle-GC sweep and heartbeat
// timer. Call Shutdown to stop both and kill every live subprocess.
func New(opts Options) *Pool {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.Spawn == nil {
		opts.Spawn = DefaultSpawner
	}

	p := &Pool{
		opts:     opts,
		log:      slog.Default().With("component", "pool"),
		sessions: make(map[string]*ManagedSession),
		stop:     make(chan struct{}),
	}

	p.wg.Add(2)
	go p.runIdleGC()
	go p.runHeartbeat()

	return p
}

// SetOnReset installs the reset-reason callback after construction,
// used when the callback closes over a metrics collector built from
// the pool itself.
func (p *Pool) SetOnReset(fn func(reason string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opts.OnReset = fn
}

func (p *Pool) idleGCInterval() time.Duration {
	interval := p.opts.IdleTimeout / idleGCIntervalDivisor
	if interval < minIdleGCInterval {
		interval = minIdleGCInterval
	}
	return interval
}

// GetOrCreate resolves key to a managed session, computing the text
// delta to prompt with. The returned session's prompt lock is held on
// return; callers MUST defer ManagedSession.Release().
func (p *Pool) GetOrCreate(ctx context.Context, key string, messages []message.Message, channelKey string) (*ManagedSession, string, error) {
	if ms, deltaText, ok, err := p.tryExisting(key, messages); ok || err != nil {
		return ms, deltaText, err
	}

	// No session yet. Serialize creation per key so two concurrent
	// first-turn requests can't both spawn a subprocess for the same
	// key — the loser blocks here, then re-checks tryExisting and
	// reuses the winner's session instead of creating its own.
	lock := p.creationLock(key)
	lock.Lock()
	defer lock.Unlock()

	if ms, deltaText, ok, err := p.tryExisting(key, messages); ok || err != nil {
		return ms, deltaText, err
	}
	return p.create(ctx, key, messages, channelKey)
}

func (p *Pool) creationLock(key string) *sync.Mutex {
	m, _ := p.creationLocks.LoadOrStore(key, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// tryExisting attempts the fast path: reuse the existing managed
// session for key. ok is false when the caller must fall through to
// create (no entry, dead entry, or an upstream reset was detected).
func (p *Pool) tryExisting(key string, messages []message.Message) (*ManagedSession, string, bool, error) {
	p.mu.RLock()
	ms, found := p.sessions[key]
	p.mu.RUnlock()
	if !found {
		return nil, "", false, nil
	}

	ms.promptMu.Lock()

	if ms.agent.Dead() {
		ms.promptMu.Unlock()
		p.evict(key, ms)
		return nil, "", false, nil
	}

	sendCount := ms.SendCount()
	if len(messages) < sendCount {
		// Upstream reset: the caller's own history shrank. Kill this
		// subprocess and fall through to a fresh create.
		ms.agent.Close()
		ms.promptMu.Unlock()
		p.evict(key, ms)
		return nil, "", false, nil
	}

	deltaText := message.UserText(messages[sendCount:])
	ms.SeedSendCount(len(messages))
	ms.touch()
	return ms, deltaText, true, nil
}

func (p *Pool) create(ctx context.Context, key string, messages []message.Message, channelKey string) (*ManagedSession, string, error) {
	opts := p.optionsFor(channelKey)

	var ms *ManagedSession
	events := agentsession.Events{
		OnActivity: func() {
			if ms != nil {
				ms.touch()
			}
		},
		OnContextUsage: func(pct float64) {
			if ms != nil {
				p.handleContextUsage(key, ms, pct)
			}
		},
	}

	agent, err := p.opts.Spawn(ctx, opts, events)
	if err != nil {
		return nil, "", fmt.Errorf("pool: spawning session %q: %w", key, err)
	}

	ms = newManagedSession(key, agent)
	ms.promptMu.Lock()
	ms.SeedSendCount(len(messages))
	deltaText := message.UserText(messages)

	p.mu.Lock()
	p.sessions[key] = ms
	p.mu.Unlock()

	p.log.Info("spawned session", "key", keyPrefix(key), "sessionId", ms.agent.ID(), "cwd", opts.Cwd)
	return ms, deltaText, nil
}

// optionsFor builds the AgentSession options for a new session, applying
// a router override when channelKey names a routed channel.
func (p *Pool) optionsFor(channelKey string) agentsession.Options {
	args := append([]string{p.opts.Subcommand}, p.opts.ExtraArgs...)
	cwd := p.opts.Cwd

	if route, ok := p.opts.Routes.Resolve(channelKey); ok {
		cwd = route.Cwd
		if len(route.ExtraArgs) > 0 {
			args = append([]string{p.opts.Subcommand}, route.ExtraArgs...)
		}
	}

	return agentsession.Options{
		Command: p.opts.Command,
		Args:    args,
		Cwd:     cwd,
	}
}

func (p *Pool) handleContextUsage(key string, ms *ManagedSession, pct float64) {
	ms.setContextPct(pct)
	switch {
	case pct >= contextAutoResetPct:
		p.log.Warn("context usage critical, resetting session", "key", keyPrefix(key), "pct", pct)
		p.ResetSession(key, "context-critical")
	case pct >= contextLogEscalated:
		p.log.Warn("context usage high", "key", keyPrefix(key), "pct", pct)
	case pct >= contextLogWarnPct:
		p.log.Info("context usage elevated", "key", keyPrefix(key), "pct", pct)
	}
}

// ResetSession kills and evicts the session for key. If a turn is
// currently in flight for it, the close is deferred until that turn's
// ManagedSession.Release() runs, so the in-flight completion finishes
// normally.
func (p *Pool) ResetSession(key, reason string) {
	p.mu.Lock()
	ms, ok := p.sessions[key]
	if ok {
		delete(p.sessions, key)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	p.log.Info("session reset", "key", keyPrefix(key), "reason", reason)
	if p.opts.OnReset != nil {
		p.opts.OnReset(reason)
	}

	if ms.promptMu.TryLock() {
		ms.agent.Close()
		ms.promptMu.Unlock()
		return
	}
	ms.markPendingClose(reason)
}

func (p *Pool) evict(key string, ms *ManagedSession) {
	p.mu.Lock()
	if current, ok := p.sessions[key]; ok && current == ms {
		delete(p.sessions, key)
	}
	p.mu.Unlock()
}

// SessionInfo is one entry of the pool diagnostics snapshot served by
// GET /sessions.
type SessionInfo struct {
	KeyPrefix   string  `json:"keyPrefix"`
	SessionID   string  `json:"sessionId"`
	ContextPct  float64 `json:"contextPct"`
	IdleSeconds float64 `json:"idleSeconds"`
	RSSBytes    int64   `json:"rssBytes"`
	ErrorCount  int     `json:"errorCount"`
	Prompting   bool    `json:"prompting"`
}

// Diagnostics snapshots every live entry for the /sessions route and
// the heartbeat log.
func (p *Pool) Diagnostics() []SessionInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(p.sessions))
	for key, ms := range p.sessions {
		ms.mu.Lock()
		errCount := ms.consecutiveErrors
		pct := ms.lastContextPct
		ms.mu.Unlock()

		prompting := !ms.promptMu.TryLock()
		if !prompting {
			ms.promptMu.Unlock()
		}

		infos = append(infos, SessionInfo{
			KeyPrefix:   keyPrefix(key),
			SessionID:   ms.agent.ID(),
			ContextPct:  pct,
			IdleSeconds: ms.idleFor().Seconds(),
			RSSBytes:    ms.agent.RSS(),
			ErrorCount:  errCount,
			Prompting:   prompting,
		})
	}
	return infos
}

// Size returns the number of live managed sessions.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions)
}

func (p *Pool) runIdleGC() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.idleGCInterval())
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.sweepIdle()
		}
	}
}

func (p *Pool) sweepIdle() {
	p.mu.RLock()
	snapshot := make(map[string]*ManagedSession, len(p.sessions))
	for k, v := range p.sessions {
		snapshot[k] = v
	}
	p.mu.RUnlock()

	for key, ms := range snapshot {
		if ms.agent.Dead() {
			p.evict(key, ms)
			continue
		}
		if ms.idleFor() <= p.opts.IdleTimeout {
			continue
		}
		if !ms.promptMu.TryLock() {
			// A prompt is in flight; GC never kills a busy session.
			continue
		}
		p.evict(key, ms)
		ms.agent.Close()
		ms.promptMu.Unlock()
		p.log.Info("idle session evicted", "key", keyPrefix(key), "idleFor", ms.idleFor())
		if p.opts.OnReset != nil {
			p.opts.OnReset("idle-timeout")
		}
	}
}

func (p *Pool) runHeartbeat() {
	defer p.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			for _, info := range p.Diagnostics() {
				p.log.Info("heartbeat",
					"key", info.KeyPrefix,
					"contextPct", info.ContextPct,
					"idleSeconds", info.IdleSeconds,
					"rssBytes", info.RSSBytes,
					"errorCount", info.ErrorCount,
					"prompting", info.Prompting,
				)
			}
		}
	}
}

// Shutdown stops both timers and kills every live subprocess.
func (p *Pool) Shutdown() {
	close(p.stop)
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	prompting := 0
	for _, ms := range p.sessions {
		if ms.promptMu.TryLock() {
			ms.promptMu.Unlock()
		} else {
			prompting++
		}
	}
	p.log.Info("pool shutdown", "sessions", len(p.sessions), "prompting", prompting)
	for _, ms := range p.sessions {
		ms.agent.Close()
	}
	p.sessions = make(map[string]*ManagedSession)
}

func keyPrefix(key string) string {
	const n = 8
	if len(key) <= n {
		return key
	}
	return key[:n]
}
