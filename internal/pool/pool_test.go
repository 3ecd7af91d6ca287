package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/kirogate/internal/agentsession"
	"github.com/Veraticus/kirogate/internal/message"
)

type fakeAgent struct {
	mu         sync.Mutex
	id         string
	dead       bool
	closed     bool
	closeCount int
	promptFn   func(ctx context.Context, text string, onChunk func(string)) (string, error)
}

func (f *fakeAgent) ID() string { return f.id }

func (f *fakeAgent) Prompt(ctx context.Context, text string, onChunk func(string)) (string, error) {
	if f.promptFn != nil {
		return f.promptFn(ctx, text, onChunk)
	}
	onChunk("ok")
	return "end_turn", nil
}

func (f *fakeAgent) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCount++
}

func (f *fakeAgent) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeAgent) RSS() int64              { return 1024 }
func (f *fakeAgent) Uptime() time.Duration   { return time.Second }
func (f *fakeAgent) LastContextPct() float64 { return 0 }
func (f *fakeAgent) Dead() bool              { return f.dead }

func fakeSpawner(agents ...*fakeAgent) Spawner {
	i := 0
	var mu sync.Mutex
	return func(ctx context.Context, opts agentsession.Options, events agentsession.Events) (Session, error) {
		mu.Lock()
		defer mu.Unlock()
		a := agents[i]
		i++
		return a, nil
	}
}

func newTestPool(t *testing.T, spawn Spawner) *Pool {
	t.Helper()
	p := New(Options{Command: "noop", Subcommand: "run", Cwd: "/tmp", Spawn: spawn})
	t.Cleanup(p.Shutdown)
	return p
}

func userMsgs(texts ...string) []message.Message {
	var msgs []message.Message
	for _, t := range texts {
		msgs = append(msgs, message.Message{Role: message.RoleUser, Content: message.NewTextContent(t)})
	}
	return msgs
}

func TestGetOrCreate_NewSessionRendersFullText(t *testing.T) {
	agent := &fakeAgent{id: "pid-1"}
	p := newTestPool(t, fakeSpawner(agent))

	ms, delta, err := p.GetOrCreate(context.Background(), "key-1", userMsgs("hello"), "")
	require.NoError(t, err)
	defer ms.Release()

	assert.Equal(t, "hello", delta)
	assert.Equal(t, 1, ms.SendCount())
	assert.Equal(t, 1, p.Size())
}

func TestGetOrCreate_SameConversationOnlyDeltaSent(t *testing.T) {
	agent := &fakeAgent{id: "pid-1"}
	p := newTestPool(t, fakeSpawner(agent))

	ms1, _, err := p.GetOrCreate(context.Background(), "key-1", userMsgs("hello"), "")
	require.NoError(t, err)
	ms1.Release()

	ms2, delta, err := p.GetOrCreate(context.Background(), "key-1", userMsgs("hello", "more?"), "")
	require.NoError(t, err)
	defer ms2.Release()

	assert.Equal(t, "more?", delta)
	assert.Equal(t, 2, ms2.SendCount())
	assert.Equal(t, 1, p.Size())
	assert.Same(t, ms1, ms2)
}

func TestGetOrCreate_UpstreamResetSpawnsFresh(t *testing.T) {
	first := &fakeAgent{id: "pid-1"}
	second := &fakeAgent{id: "pid-2"}
	p := newTestPool(t, fakeSpawner(first, second))

	ms1, _, err := p.GetOrCreate(context.Background(), "key-1", userMsgs("a", "b", "c"), "")
	require.NoError(t, err)
	ms1.Release()

	ms2, delta, err := p.GetOrCreate(context.Background(), "key-1", userMsgs("a"), "")
	require.NoError(t, err)
	defer ms2.Release()

	assert.True(t, first.isClosed())
	assert.Equal(t, "a", delta)
	assert.Equal(t, "pid-2", ms2.Agent().ID())
}

func TestGetOrCreate_DeadSessionReplaced(t *testing.T) {
	dead := &fakeAgent{id: "pid-1", dead: true}
	fresh := &fakeAgent{id: "pid-2"}
	p := newTestPool(t, fakeSpawner(dead, fresh))

	ms1, _, err := p.GetOrCreate(context.Background(), "key-1", userMsgs("hello"), "")
	require.NoError(t, err)
	ms1.Release()
	// Force the entry to be observed dead on next lookup.
	dead.mu.Lock()
	dead.dead = true
	dead.mu.Unlock()

	ms2, _, err := p.GetOrCreate(context.Background(), "key-1", userMsgs("hello"), "")
	require.NoError(t, err)
	defer ms2.Release()

	assert.Equal(t, "pid-2", ms2.Agent().ID())
}

func TestResetSession_ImmediateWhenNoPromptInFlight(t *testing.T) {
	agent := &fakeAgent{id: "pid-1"}
	p := newTestPool(t, fakeSpawner(agent))

	ms, _, err := p.GetOrCreate(context.Background(), "key-1", userMsgs("hello"), "")
	require.NoError(t, err)
	ms.Release()

	p.ResetSession("key-1", "context-critical")

	assert.True(t, agent.isClosed())
	assert.Equal(t, 0, p.Size())
}

func TestResetSession_DeferredUntilReleaseWhilePromptInFlight(t *testing.T) {
	agent := &fakeAgent{id: "pid-1"}
	p := newTestPool(t, fakeSpawner(agent))

	ms, _, err := p.GetOrCreate(context.Background(), "key-1", userMsgs("hello"), "")
	require.NoError(t, err)

	// Prompt lock is still held (no Release yet), simulating an
	// in-flight turn.
	p.ResetSession("key-1", "context-critical")
	assert.False(t, agent.isClosed(), "close must wait for Release")
	assert.Equal(t, 0, p.Size(), "entry is evicted immediately even though close is deferred")

	ms.Release()
	assert.True(t, agent.isClosed())
}

func TestSweepIdle_EvictsPastIdleTimeoutNotInFlight(t *testing.T) {
	agent := &fakeAgent{id: "pid-1"}
	p := newTestPool(t, fakeSpawner(agent))
	p.opts.IdleTimeout = time.Millisecond

	ms, _, err := p.GetOrCreate(context.Background(), "key-1", userMsgs("hello"), "")
	require.NoError(t, err)
	ms.Release()

	time.Sleep(5 * time.Millisecond)
	p.sweepIdle()

	assert.True(t, agent.isClosed())
	assert.Equal(t, 0, p.Size())
}

func TestSweepIdle_NeverKillsSessionWithPromptInFlight(t *testing.T) {
	agent := &fakeAgent{id: "pid-1"}
	p := newTestPool(t, fakeSpawner(agent))
	p.opts.IdleTimeout = time.Millisecond

	ms, _, err := p.GetOrCreate(context.Background(), "key-1", userMsgs("hello"), "")
	require.NoError(t, err)
	defer ms.Release()

	time.Sleep(5 * time.Millisecond)
	p.sweepIdle()

	assert.False(t, agent.isClosed())
	assert.Equal(t, 1, p.Size())
}

func TestDiagnostics_ReportsPromptingFlag(t *testing.T) {
	agent := &fakeAgent{id: "pid-1"}
	p := newTestPool(t, fakeSpawner(agent))

	ms, _, err := p.GetOrCreate(context.Background(), "key-1", userMsgs("hello"), "")
	require.NoError(t, err)

	infos := p.Diagnostics()
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Prompting)

	ms.Release()
	infos = p.Diagnostics()
	require.Len(t, infos, 1)
	assert.False(t, infos[0].Prompting)
}

func TestGetOrCreate_ConcurrentFirstTurnsForSameKeySpawnOnlyOneSession(t *testing.T) {
	var spawnCount atomic.Int32
	spawn := func(ctx context.Context, opts agentsession.Options, events agentsession.Events) (Session, error) {
		// Widen the race window so two racing callers are both past
		// tryExisting's miss check before either finishes spawning.
		time.Sleep(5 * time.Millisecond)
		n := spawnCount.Add(1)
		return &fakeAgent{id: "pid-" + string(rune('0'+n))}, nil
	}
	p := newTestPool(t, spawn)

	const callers = 8
	var wg sync.WaitGroup
	sessions := make([]*ManagedSession, callers)
	errs := make([]error, callers)
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			ms, _, err := p.GetOrCreate(context.Background(), "same-key", userMsgs("hello"), "")
			sessions[i] = ms
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i := range sessions {
		require.NoError(t, errs[i])
		ms := sessions[i]
		ms.Release()
		assert.Same(t, sessions[0], ms, "every concurrent caller must reuse the same session")
	}
	assert.Equal(t, int32(1), spawnCount.Load(), "only one subprocess should be spawned for a brand-new key")
	assert.Equal(t, 1, p.Size())
}

func TestShutdown_ClosesEverySession(t *testing.T) {
	agent := &fakeAgent{id: "pid-1"}
	p := New(Options{Command: "noop", Subcommand: "run", Cwd: "/tmp", Spawn: fakeSpawner(agent)})

	ms, _, err := p.GetOrCreate(context.Background(), "key-1", userMsgs("hello"), "")
	require.NoError(t, err)
	ms.Release()

	p.Shutdown()
	assert.True(t, agent.isClosed())
	assert.Equal(t, 0, p.Size())
}
