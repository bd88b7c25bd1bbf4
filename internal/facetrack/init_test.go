package facetrack

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G1nga-synn3r/smirkle-sub001/internal/tuning"
)

// stubBackend is a scriptable perception backend for init tests.
type stubBackend struct {
	accel    bool
	failures *int // remaining Load failures, shared across factory calls
	loads    *int // total Load attempts, shared across factory calls
}

func (s *stubBackend) Name() string {
	if s.accel {
		return "stub-accel"
	}
	return "stub-cpu"
}

func (s *stubBackend) Accelerated() bool { return s.accel }

func (s *stubBackend) Load(context.Context) error {
	*s.loads++
	if *s.failures > 0 {
		*s.failures--
		return errors.New("stub load failure")
	}
	return nil
}

func (s *stubBackend) Infer(frame Frame) (Observation, error) {
	return (&geometryBackend{}).Infer(frame)
}

func (s *stubBackend) Close() error { return nil }

func stubFactory(accelFailures, cpuFailures int) (Factory, *int, *int) {
	accelLoads, cpuLoads := new(int), new(int)
	accelFails, cpuFails := &accelFailures, &cpuFailures
	factory := func(accelerated bool) Backend {
		if accelerated {
			return &stubBackend{accel: true, failures: accelFails, loads: accelLoads}
		}
		return &stubBackend{accel: false, failures: cpuFails, loads: cpuLoads}
	}
	return factory, accelLoads, cpuLoads
}

func TestInitProgress(t *testing.T) {
	t.Parallel()

	factory, _, _ := stubFactory(0, 0)

	var stages []string
	var pcts []int
	det, res, err := Init(context.Background(), InitOptions{
		PreferGPU:  true,
		MaxRetries: 2,
		Factory:    factory,
		Tuning:     tuning.Defaults(),
	}, func(stage string, pct int) {
		stages = append(stages, stage)
		pcts = append(pcts, pct)
	})
	require.NoError(t, err)
	require.NotNil(t, det)

	assert.Equal(t, []int{0, 10, 30, 50, 70, 90, 100}, pcts)
	for i := 1; i < len(pcts); i++ {
		assert.GreaterOrEqual(t, pcts[i], pcts[i-1], "progress must be monotonic")
	}
	assert.Equal(t, StageGeneric, stages[len(stages)-1])

	assert.True(t, res.GPUEnabled)
	assert.False(t, res.CPUFallback)
	assert.Equal(t, "stub-accel", res.Backend)
}

func TestInitRetriesThenDowngrades(t *testing.T) {
	t.Parallel()

	// Accelerated backend never loads; CPU succeeds on the second try.
	factory, accelLoads, cpuLoads := stubFactory(99, 1)

	det, res, err := Init(context.Background(), InitOptions{
		PreferGPU:  true,
		MaxRetries: 2,
		Factory:    factory,
		Tuning:     tuning.Defaults(),
	}, nil)
	require.NoError(t, err)
	require.NotNil(t, det)

	assert.Equal(t, 3, *accelLoads, "accelerated path gets retries+1 attempts")
	assert.Equal(t, 2, *cpuLoads)
	assert.False(t, res.GPUEnabled)
	assert.True(t, res.CPUFallback)
	assert.Equal(t, "stub-cpu", res.Backend)
}

func TestInitExhaustedRetriesFail(t *testing.T) {
	t.Parallel()

	factory, accelLoads, cpuLoads := stubFactory(99, 99)

	_, _, err := Init(context.Background(), InitOptions{
		PreferGPU:  true,
		MaxRetries: 1,
		Factory:    factory,
		Tuning:     tuning.Defaults(),
	}, nil)
	require.Error(t, err)

	var initErr *InitError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, StageBackend, initErr.Stage)
	assert.False(t, initErr.Recoverable)
	assert.Equal(t, 2, *accelLoads)
	assert.Equal(t, 2, *cpuLoads)
}

func TestInitErrorPayload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name            string
		err             error
		wantStage       string
		wantRecoverable bool
	}{
		{
			name:      "stage tag carries through",
			err:       &InitError{Stage: StageBackend, Recoverable: false, Err: errors.New("no backend")},
			wantStage: StageBackend,
		},
		{
			name:            "recoverable flag carries through",
			err:             &InitError{Stage: StageModel, Recoverable: true, Err: errors.New("warmup flake")},
			wantStage:       StageModel,
			wantRecoverable: true,
		},
		{
			name:      "untyped error falls back to the generic stage",
			err:       errors.New("something broke"),
			wantStage: StageGeneric,
		},
		{
			name:      "sentinel marks resource exhaustion",
			err:       &InitError{Stage: StageBackend, Err: fmt.Errorf("gpu context: %w", ErrResourceExhausted)},
			wantStage: StageResources,
		},
		{
			name:      "memory wording marks resource exhaustion",
			err:       &InitError{Stage: StageModel, Err: errors.New("WebGL: out of MEMORY creating texture")},
			wantStage: StageResources,
		},
		{
			name:      "quota wording marks resource exhaustion",
			err:       errors.New("storage quota exceeded"),
			wantStage: StageResources,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			payload := initErrorPayload(tc.err)
			assert.Equal(t, tc.wantStage, payload.Stage)
			assert.Equal(t, tc.wantRecoverable, payload.Recoverable)
			assert.NotEmpty(t, payload.Message)
			if tc.wantStage == StageResources {
				assert.Contains(t, payload.Message, "out of memory or quota")
			}
		})
	}
}

func TestInitInvalidTuning(t *testing.T) {
	t.Parallel()

	cfg := tuning.Defaults()
	cfg.Smirk.EnterThreshold = 0 // below exit threshold

	factory, _, _ := stubFactory(0, 0)
	_, _, err := Init(context.Background(), InitOptions{Factory: factory, Tuning: cfg}, nil)

	var initErr *InitError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, StageAssets, initErr.Stage)
}
