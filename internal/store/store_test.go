package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/browserpilot/internal/agent"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestHintsFromSuccessfulRuns(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	signIn := []string{"Click #login", "Type \"me@example.com\"", "Done"}
	require.NoError(t, s.Record(ctx, agent.Outcome{Domain: "example.com", Task: "sign in", Success: true, Steps: 3, Actions: signIn}))
	require.NoError(t, s.Record(ctx, agent.Outcome{Domain: "example.com", Task: "sign in", Success: true, Steps: 5, Actions: signIn}))
	require.NoError(t, s.Record(ctx, agent.Outcome{Domain: "example.com", Task: "search", Success: true, Steps: 2, Actions: []string{"Click #search", "Done"}}))
	require.NoError(t, s.Record(ctx, agent.Outcome{Domain: "other.org", Success: true, Steps: 1, Actions: []string{"Go back"}}))

	hints, err := s.Hints(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"Click #login", "Type \"me@example.com\"", "Click #search"}, hints)

	var avg float64
	var used int
	require.NoError(t, s.db.QueryRow(
		`SELECT avg_steps, times_used FROM success_patterns WHERE domain = ? AND last_task = ?`, "example.com", "sign in",
	).Scan(&avg, &used))
	assert.Equal(t, 2, used)
	assert.InDelta(t, 4.0, avg, 0.001)
}

func TestFailuresDoNotProduceHints(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, agent.Outcome{
		Domain: "example.com", Task: "buy", Steps: 4, Actions: []string{"Click #buy"}, Error: "Step budget exhausted",
		FinishedAt: time.Now(),
	}))

	hints, err := s.Hints(ctx, "example.com")
	require.NoError(t, err)
	assert.Empty(t, hints)

	st, err := s.Stats(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, Stats{Successes: 0, Failures: 1}, st)
}

func TestRecordWithoutDomainIsIgnored(t *testing.T) {
	s := openMemory(t)
	require.NoError(t, s.Record(context.Background(), agent.Outcome{Success: true, Actions: []string{"Wait"}}))

	st, err := s.Stats(context.Background(), "")
	require.NoError(t, err)
	assert.Zero(t, st.Successes)
}

func TestOpenFileIsReusable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "learning.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Record(ctx, agent.Outcome{Domain: "example.com", Success: true, Steps: 1, Actions: []string{"Click #ok"}}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	hints, err := s.Hints(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"Click #ok"}, hints)
}
