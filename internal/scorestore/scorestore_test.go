package scorestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "scores.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveRoundAndTopSurvivors(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	roundID, err := s.SaveRound(ctx, "game1", []Result{
		{Username: "alice", SurvivedMs: 5000, Won: true},
		{Username: "bob", SurvivedMs: 1200},
		{Username: "carol", SurvivedMs: 3400},
	})
	require.NoError(t, err)
	require.NotEmpty(t, roundID)

	top, err := s.TopSurvivors(ctx, "game1", 2)
	require.NoError(t, err)
	require.Len(t, top, 2)

	assert.Equal(t, "alice", top[0].Username)
	assert.True(t, top[0].Won)
	assert.Equal(t, int64(5000), top[0].SurvivedMs)
	assert.Equal(t, roundID, top[0].RoundID)
	assert.False(t, top[0].RecordedAt.IsZero())

	assert.Equal(t, "carol", top[1].Username)
	assert.False(t, top[1].Won)
}

func TestTopSurvivorsScopedToGame(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.SaveRound(ctx, "game1", []Result{{Username: "alice", SurvivedMs: 100}})
	require.NoError(t, err)
	_, err = s.SaveRound(ctx, "game2", []Result{{Username: "bob", SurvivedMs: 9000}})
	require.NoError(t, err)

	top, err := s.TopSurvivors(ctx, "game1", 10)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "alice", top[0].Username)
}

func TestTopSurvivorsDefaultsLimit(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	results := make([]Result, 15)
	for i := range results {
		results[i] = Result{Username: string(rune('a' + i)), SurvivedMs: int64(i * 100)}
	}
	_, err := s.SaveRound(ctx, "game1", results)
	require.NoError(t, err)

	top, err := s.TopSurvivors(ctx, "game1", 0)
	require.NoError(t, err)
	assert.Len(t, top, 10)
}

func TestMultipleRoundsAccumulate(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.SaveRound(ctx, "game1", []Result{{Username: "alice", SurvivedMs: 100}})
	require.NoError(t, err)
	second, err := s.SaveRound(ctx, "game1", []Result{{Username: "alice", SurvivedMs: 200}})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	top, err := s.TopSurvivors(ctx, "game1", 10)
	require.NoError(t, err)
	assert.Len(t, top, 2)
}

func TestDiscardStore(t *testing.T) {
	t.Parallel()

	var s Store = Discard{}
	ctx := context.Background()

	roundID, err := s.SaveRound(ctx, "game1", []Result{{Username: "alice"}})
	require.NoError(t, err)
	assert.NotEmpty(t, roundID)

	top, err := s.TopSurvivors(ctx, "game1", 10)
	require.NoError(t, err)
	assert.Empty(t, top)
	assert.NoError(t, s.Close())
}
