package agentsession

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSpawnProcess_KillStopsIt(t *testing.T) {
	p, err := spawnProcess("sh", []string{"-c", "sleep 30"}, "")
	require.NoError(t, err)

	select {
	case <-p.Done():
		t.Fatal("process exited before Kill")
	default:
	}

	start := time.Now()
	p.Kill()
	require.Less(t, time.Since(start), killGrace)

	select {
	case <-p.Done():
	default:
		t.Fatal("process still running after Kill")
	}
}

func TestSpawnProcess_BadCommandFails(t *testing.T) {
	_, err := spawnProcess("definitely-not-a-real-binary-xyz", nil, "")
	require.Error(t, err)
	var spawnErr *SpawnFailure
	require.ErrorAs(t, err, &spawnErr)
}

func TestProcess_RSSNonZeroWhileRunning(t *testing.T) {
	p, err := spawnProcess("sh", []string{"-c", "sleep 2"}, "")
	require.NoError(t, err)
	defer p.Kill()

	time.Sleep(50 * time.Millisecond)
	require.Greater(t, p.rss(), int64(0))
}
