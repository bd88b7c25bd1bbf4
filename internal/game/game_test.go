package game

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G1nga-synn3r/smirkle-sub001/internal/facetrack"
	"github.com/G1nga-synn3r/smirkle-sub001/internal/tuning"
)

func testCfg() tuning.Smirk {
	return tuning.Smirk{
		EnterThreshold: 0.45,
		ExitThreshold:  0.30,
		GraceFrames:    3,
	}
}

func scored(score float64) facetrack.Record {
	return facetrack.Record{FaceDetected: true, EyesOpen: true, HappinessScore: score}
}

func TestRoundEliminatesAfterGraceFrames(t *testing.T) {
	t.Parallel()

	r := NewRound(testCfg())
	r.Start([]string{"alice"}, 1000)

	// Three smirking frames are grace; the fourth eliminates.
	for i := 0; i < 3; i++ {
		v := r.ProcessDetection("alice", scored(0.6), 1000+int64(i)*33)
		require.False(t, v.Eliminated, "frame %d", i+1)
		require.True(t, v.Smirking)
	}

	v := r.ProcessDetection("alice", scored(0.6), 1100)
	assert.True(t, v.Eliminated)
	assert.Equal(t, 4, v.Streak)
	assert.False(t, r.Alive("alice"))

	p, ok := r.Player("alice")
	require.True(t, ok)
	assert.Equal(t, int64(100), p.SurvivedMs)
	assert.Equal(t, int64(1100), p.EliminatedAt)
}

func TestRoundExitThresholdResetsStreak(t *testing.T) {
	t.Parallel()

	r := NewRound(testCfg())
	r.Start([]string{"alice"}, 0)

	r.ProcessDetection("alice", scored(0.6), 33)
	r.ProcessDetection("alice", scored(0.6), 66)

	// Dropping below exit wipes the streak entirely.
	v := r.ProcessDetection("alice", scored(0.1), 99)
	assert.False(t, v.Smirking)
	assert.Equal(t, 0, v.Streak)

	// The grace budget is fresh again afterwards.
	for i := 0; i < 3; i++ {
		v = r.ProcessDetection("alice", scored(0.6), 132+int64(i)*33)
		require.False(t, v.Eliminated)
	}
}

func TestRoundHysteresisBand(t *testing.T) {
	t.Parallel()

	r := NewRound(testCfg())
	r.Start([]string{"alice", "bob"}, 0)

	// Not smirking: a mid-band score does not start a streak.
	v := r.ProcessDetection("alice", scored(0.38), 33)
	assert.False(t, v.Smirking)
	assert.Equal(t, 0, v.Streak)

	// Smirking: a mid-band score holds the state and keeps counting.
	r.ProcessDetection("bob", scored(0.6), 33)
	v = r.ProcessDetection("bob", scored(0.38), 66)
	assert.True(t, v.Smirking)
	assert.Equal(t, 2, v.Streak)
}

func TestRoundNoFaceIsNoUpdate(t *testing.T) {
	t.Parallel()

	r := NewRound(testCfg())
	r.Start([]string{"alice"}, 0)

	r.ProcessDetection("alice", scored(0.6), 33)
	r.ProcessDetection("alice", scored(0.6), 66)

	// Camera dropout mid-streak: state freezes, nobody gets eliminated.
	for i := 0; i < 10; i++ {
		v := r.ProcessDetection("alice", facetrack.NoFaceRecord(0), 99+int64(i)*33)
		require.False(t, v.Eliminated)
		require.True(t, v.Smirking)
		require.Equal(t, 2, v.Streak)
	}

	// The streak resumes where it left off.
	r.ProcessDetection("alice", scored(0.6), 500)
	v := r.ProcessDetection("alice", scored(0.6), 533)
	assert.True(t, v.Eliminated)
}

func TestRoundIgnoresUnknownAndDeadPlayers(t *testing.T) {
	t.Parallel()

	r := NewRound(testCfg())
	r.Start([]string{"alice"}, 0)

	v := r.ProcessDetection("ghost", scored(0.9), 33)
	assert.False(t, v.Eliminated)
	assert.False(t, v.Smirking)

	for i := 0; i < 4; i++ {
		r.ProcessDetection("alice", scored(0.9), int64(i)*33)
	}
	require.False(t, r.Alive("alice"))

	// Further ticks on an eliminated player change nothing.
	v = r.ProcessDetection("alice", scored(0.9), 500)
	assert.False(t, v.Eliminated)
	assert.Equal(t, 0, r.AliveCount())
}

func TestRoundInactiveIgnoresTicks(t *testing.T) {
	t.Parallel()

	r := NewRound(testCfg())
	assert.False(t, r.Active())

	v := r.ProcessDetection("alice", scored(0.9), 0)
	assert.False(t, v.Smirking)
}

func TestRoundFinishOrdersResults(t *testing.T) {
	t.Parallel()

	r := NewRound(testCfg())
	r.Start([]string{"alice", "bob", "carol"}, 0)

	// Bob cracks early, carol later, alice survives.
	for i := 0; i < 4; i++ {
		r.ProcessDetection("bob", scored(0.9), 100+int64(i)*33)
	}
	for i := 0; i < 4; i++ {
		r.ProcessDetection("carol", scored(0.9), 2000+int64(i)*33)
	}

	results := r.Finish(5000)
	require.Len(t, results, 3)

	assert.Equal(t, "alice", results[0].PlayerID)
	assert.True(t, results[0].Won)
	assert.Equal(t, int64(5000), results[0].SurvivedMs)

	assert.Equal(t, "carol", results[1].PlayerID)
	assert.False(t, results[1].Won)

	assert.Equal(t, "bob", results[2].PlayerID)
	assert.Greater(t, results[1].SurvivedMs, results[2].SurvivedMs)

	assert.False(t, r.Active())
}

func TestRoundWinner(t *testing.T) {
	t.Parallel()

	r := NewRound(testCfg())
	r.Start([]string{"alice", "bob"}, 0)

	// Two alive: no sole winner yet.
	assert.Equal(t, "", r.Winner())

	for i := 0; i < 4; i++ {
		r.ProcessDetection("bob", scored(0.9), int64(i)*33)
	}
	assert.Equal(t, "alice", r.Winner())
	assert.Equal(t, 1, r.AliveCount())
}

func TestRoundRemoveDropsWithoutElimination(t *testing.T) {
	t.Parallel()

	r := NewRound(testCfg())
	r.Start([]string{"alice", "bob"}, 0)

	r.Remove("bob")
	assert.False(t, r.Alive("bob"))
	assert.Equal(t, 1, r.AliveCount())

	results := r.Finish(1000)
	require.Len(t, results, 1)
	assert.Equal(t, "alice", results[0].PlayerID)
}
