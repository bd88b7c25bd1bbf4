package facetrack

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G1nga-synn3r/smirkle-sub001/internal/tuning"
)

func collectUntil(t *testing.T, w *Worker, want ResponseType) []Response {
	t.Helper()

	var got []Response
	deadline := time.After(5 * time.Second)
	for {
		select {
		case resp, ok := <-w.Responses():
			require.True(t, ok, "worker response channel closed while waiting for %s", want)
			got = append(got, resp)
			if resp.Type == want {
				return got
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s, got %d responses", want, len(got))
		}
	}
}

func startedWorker(t *testing.T) *Worker {
	t.Helper()

	w := NewWorker(nil)
	w.Start()
	t.Cleanup(w.Stop)

	factory, _, _ := stubFactory(0, 0)
	id, ok := w.Submit(Request{
		Type: ReqInit,
		Init: &InitOptions{
			PreferGPU:  true,
			MaxRetries: 1,
			Factory:    factory,
			Tuning:     tuning.Defaults(),
		},
		InitialQuality: "high",
	})
	require.True(t, ok)

	responses := collectUntil(t, w, RespModelsLoaded)
	ready := responses[len(responses)-1]
	assert.Equal(t, id, ready.ID)
	require.NotNil(t, ready.Ready)
	assert.Equal(t, "high", ready.Ready.CurrentQuality)
	assert.True(t, ready.Ready.GPUEnabled)

	// Every progress report precedes the ready signal and climbs.
	last := -1
	for _, resp := range responses[:len(responses)-1] {
		require.Equal(t, RespLoadingProgress, resp.Type)
		require.NotNil(t, resp.Progress)
		assert.Greater(t, resp.Progress.Progress, last)
		last = resp.Progress.Progress
	}
	assert.Equal(t, 100, last)

	return w
}

func TestWorkerInitAndDetect(t *testing.T) {
	t.Parallel()

	w := startedWorker(t)

	frame := testFrame(neutralFace())
	id, ok := w.Submit(Request{Type: ReqDetect, Frame: &frame})
	require.True(t, ok)

	responses := collectUntil(t, w, RespDetectResult)
	result := responses[len(responses)-1]
	assert.Equal(t, id, result.ID, "result must correlate with its request")
	require.NotNil(t, result.Result)
	assert.True(t, result.Result.Record.FaceDetected)
	assert.True(t, result.Result.Performance.GPUEnabled)
}

func TestWorkerInitFailure(t *testing.T) {
	t.Parallel()

	w := NewWorker(nil)
	w.Start()
	t.Cleanup(w.Stop)

	// Both backends fail past the retry budget, so INIT must surface a
	// terminal, stage-tagged error instead of going quiet.
	factory, _, _ := stubFactory(99, 99)
	id, ok := w.Submit(Request{
		Type: ReqInit,
		Init: &InitOptions{
			PreferGPU:  true,
			MaxRetries: 1,
			Factory:    factory,
			Tuning:     tuning.Defaults(),
		},
		InitialQuality: "high",
	})
	require.True(t, ok)

	responses := collectUntil(t, w, RespInitError)
	errResp := responses[len(responses)-1]
	assert.Equal(t, id, errResp.ID)
	require.NotNil(t, errResp.Error)
	assert.Equal(t, StageBackend, errResp.Error.Stage)
	assert.False(t, errResp.Error.Recoverable)
	assert.NotEmpty(t, errResp.Error.Message)
}

func TestWorkerDetectBeforeInit(t *testing.T) {
	t.Parallel()

	w := NewWorker(nil)
	w.Start()
	t.Cleanup(w.Stop)

	frame := testFrame(neutralFace())
	id, ok := w.Submit(Request{Type: ReqDetect, Frame: &frame})
	require.True(t, ok)

	responses := collectUntil(t, w, RespDetectError)
	errResp := responses[len(responses)-1]
	assert.Equal(t, id, errResp.ID)
	require.NotNil(t, errResp.Error)
	assert.True(t, errResp.Error.Recoverable)
}

func TestWorkerMalformedFrameIsTypedError(t *testing.T) {
	t.Parallel()

	w := startedWorker(t)

	frame := Frame{Width: -1, Height: 480, TimestampMs: 9}
	_, ok := w.Submit(Request{Type: ReqDetect, Frame: &frame})
	require.True(t, ok)

	responses := collectUntil(t, w, RespDetectError)
	errResp := responses[len(responses)-1]
	require.NotNil(t, errResp.Error)
	assert.True(t, errResp.Error.Recoverable, "a bad frame skips a tick, it does not end the session")

	// The worker keeps serving after a bad frame.
	good := testFrame(neutralFace())
	_, ok = w.Submit(Request{Type: ReqDetect, Frame: &good})
	require.True(t, ok)
	collectUntil(t, w, RespDetectResult)
}

func TestWorkerMailboxDropsStaleFrames(t *testing.T) {
	t.Parallel()

	// Submit against a stopped-clock worker goroutine: the second frame
	// must overwrite the first in the mailbox.
	w := NewWorker(nil)

	f1 := testFrame(neutralFace())
	f1.TimestampMs = 1
	f2 := testFrame(neutralFace())
	f2.TimestampMs = 2

	_, ok := w.Submit(Request{Type: ReqDetect, Frame: &f1})
	require.True(t, ok)
	_, ok = w.Submit(Request{Type: ReqDetect, Frame: &f2})
	require.True(t, ok)

	w.mu.Lock()
	defer w.mu.Unlock()
	require.NotNil(t, w.pending)
	assert.Equal(t, int64(2), w.pending.req.Frame.TimestampMs, "latest frame wins")
	assert.Equal(t, uint64(1), w.droppedFrames)
}

func TestWorkerGetPerformance(t *testing.T) {
	t.Parallel()

	w := startedWorker(t)

	_, ok := w.Submit(Request{Type: ReqGetPerformance})
	require.True(t, ok)

	responses := collectUntil(t, w, RespPerformanceMetrics)
	metrics := responses[len(responses)-1]
	require.NotNil(t, metrics.Metrics)
	assert.True(t, metrics.Metrics.GPUEnabled)
}

func TestWorkerSetAccelMode(t *testing.T) {
	t.Parallel()

	w := startedWorker(t)

	id, ok := w.Submit(Request{Type: ReqSetAccelMode, PreferGPU: false})
	require.True(t, ok)

	responses := collectUntil(t, w, RespModelsLoaded)
	ready := responses[len(responses)-1]
	assert.Equal(t, id, ready.ID)
	require.NotNil(t, ready.Ready)
	assert.False(t, ready.Ready.GPUEnabled)
	assert.True(t, ready.Ready.CPUFallback)
}

func TestWorkerStopIsIdempotent(t *testing.T) {
	t.Parallel()

	w := NewWorker(nil)
	w.Start()
	w.Stop()
	w.Stop()

	_, ok := w.Submit(Request{Type: ReqGetPerformance})
	assert.False(t, ok)
}
