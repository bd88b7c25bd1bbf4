package facetrack

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G1nga-synn3r/smirkle-sub001/internal/tuning"
)

func testFrame(lm []Point) Frame {
	return Frame{
		Landmarks:   lm,
		Confidence:  0.9,
		Width:       640,
		Height:      480,
		TimestampMs: 1000,
	}
}

func TestDetectNoFaceSafety(t *testing.T) {
	t.Parallel()

	det := NewDetector(NewGeometryBackend(), tuning.Defaults())

	t.Run("zero-face frame returns safe defaults", func(t *testing.T) {
		t.Parallel()

		rec, err := det.Detect(Frame{Width: 640, Height: 480, TimestampMs: 42}, 42)
		require.NoError(t, err)
		assert.False(t, rec.FaceDetected)
		assert.True(t, rec.EyesOpen)
		assert.Zero(t, rec.HappinessScore)
		assert.False(t, rec.FaceCentered)
		assert.Equal(t, int64(42), rec.TimestampMs)
	})

	t.Run("low-confidence face counts as no face", func(t *testing.T) {
		t.Parallel()

		frame := testFrame(neutralFace())
		frame.Confidence = 0.1
		rec, err := det.Detect(frame, 1000)
		require.NoError(t, err)
		assert.False(t, rec.FaceDetected)
		assert.True(t, rec.EyesOpen)
	})

	t.Run("partial landmarks keep the face but default the scores", func(t *testing.T) {
		t.Parallel()

		frame := testFrame(neutralFace()[:8])
		rec, err := det.Detect(frame, 1000)
		require.NoError(t, err)
		assert.True(t, rec.FaceDetected)
		assert.True(t, rec.EyesOpen)
		assert.Zero(t, rec.HappinessScore)
		assert.False(t, rec.FaceCentered)
	})
}

func TestDetectMalformedFrame(t *testing.T) {
	t.Parallel()

	det := NewDetector(NewGeometryBackend(), tuning.Defaults())

	t.Run("bad dimensions error but still return a default record", func(t *testing.T) {
		t.Parallel()

		rec, err := det.Detect(Frame{Width: 0, Height: 480}, 7)
		require.Error(t, err)
		assert.False(t, rec.FaceDetected)
		assert.True(t, rec.EyesOpen)
	})

	t.Run("NaN landmark coordinates are rejected", func(t *testing.T) {
		t.Parallel()

		lm := neutralFace()
		lm[NoseTip].X = math.NaN()
		_, err := det.Detect(testFrame(lm), 7)
		assert.Error(t, err)
	})
}

func TestDetectScoring(t *testing.T) {
	t.Parallel()

	det := NewDetector(NewGeometryBackend(), tuning.Defaults())

	t.Run("neutral face is neutral, centered, eyes open", func(t *testing.T) {
		t.Parallel()

		rec, err := det.Detect(testFrame(neutralFace()), 1000)
		require.NoError(t, err)
		assert.True(t, rec.FaceDetected)
		assert.True(t, rec.NeutralExpression)
		assert.False(t, rec.IsSmirking)
		assert.True(t, rec.EyesOpen)
		assert.True(t, rec.FaceCentered)
	})

	t.Run("smiling face trips the smirk flag", func(t *testing.T) {
		t.Parallel()

		rec, err := det.Detect(testFrame(smilingFace()), 1000)
		require.NoError(t, err)
		assert.True(t, rec.IsSmirking)
		assert.False(t, rec.NeutralExpression)
		assert.GreaterOrEqual(t, rec.HappinessScore, tuning.Defaults().Smirk.EnterThreshold)
	})

	t.Run("closed eyes clear the eyes-open flag", func(t *testing.T) {
		t.Parallel()

		lm := neutralFace()
		lm[LeftEyeTop] = Point{X: 220, Y: 200}
		lm[LeftEyeBottom] = Point{X: 220, Y: 201}
		rec, err := det.Detect(testFrame(lm), 1000)
		require.NoError(t, err)
		assert.False(t, rec.EyesOpen)
	})
}

func TestBlendBackend(t *testing.T) {
	t.Parallel()

	t.Run("prefers client scores when present", func(t *testing.T) {
		t.Parallel()

		b := NewBlendBackend(true)
		require.NoError(t, b.Load(context.Background()))

		frame := testFrame(neutralFace())
		frame.Scores = &BlendScores{MouthHappy: 0.9}
		obs, err := b.Infer(frame)
		require.NoError(t, err)
		assert.InDelta(t, 0.9, obs.Scores.MouthHappy, 1e-9)
	})

	t.Run("falls back to geometry without client scores", func(t *testing.T) {
		t.Parallel()

		b := NewBlendBackend(true)
		obs, err := b.Infer(testFrame(smilingFace()))
		require.NoError(t, err)
		assert.Greater(t, obs.Scores.MouthHappy, 0.5)
	})

	t.Run("load fails when the client has no model", func(t *testing.T) {
		t.Parallel()

		b := NewBlendBackend(false)
		err := b.Load(context.Background())
		assert.True(t, errors.Is(err, ErrAccelerationUnavailable))
	})
}
