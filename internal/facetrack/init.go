package facetrack

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/G1nga-synn3r/smirkle-sub001/internal/tuning"
)

// Initialization stages, reported to the loading UI in order.
const (
	StageAssets  = "loading-assets"
	StageBackend = "initializing-backend"
	StageModel   = "instantiating-model"
	StageGeneric = "initializing"

	// StageResources tags failures caused by memory or quota pressure.
	// Never part of the ordinary loading sequence.
	StageResources = "exhausted-resources"
)

// ErrResourceExhausted marks a backend failure caused by memory or quota
// pressure rather than a broken asset or model.
var ErrResourceExhausted = errors.New("device resources exhausted")

// InitError is a fatal, user-facing initialization failure tagged with the
// stage that produced it.
type InitError struct {
	Stage       string
	Recoverable bool
	Err         error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("detector init failed during %s: %v", e.Stage, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// initErrorPayload converts an initialization failure into the typed
// message sent to the client. Memory and quota failures get their own
// stage and wording, separate from asset and backend loading failures.
func initErrorPayload(err error) ErrorPayload {
	payload := ErrorPayload{
		Stage:       StageGeneric,
		Message:     err.Error(),
		Recoverable: false,
	}

	var initErr *InitError
	if errors.As(err, &initErr) {
		payload.Stage = initErr.Stage
		payload.Recoverable = initErr.Recoverable
	}

	if resourceExhausted(err) {
		payload.Stage = StageResources
		payload.Message = "out of memory or quota: " + err.Error()
	}
	return payload
}

// resourceExhausted reports whether an init failure looks like memory or
// quota pressure. Backend errors arrive from several runtimes, so the
// sentinel check is backed by a message heuristic.
func resourceExhausted(err error) bool {
	if errors.Is(err, ErrResourceExhausted) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"memory", "quota", "allocat"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// InitOptions parameterizes detector initialization.
type InitOptions struct {
	PreferGPU  bool
	MaxRetries int
	Factory    Factory
	Tuning     tuning.Config
	Log        *logrus.Entry
}

// InitResult describes the outcome of a successful initialization.
type InitResult struct {
	Backend     string
	GPUEnabled  bool
	CPUFallback bool
}

// ProgressFunc receives monotonically increasing loading progress. The
// final call is always (StageGeneric, 100), made exactly once, after every
// stage has succeeded.
type ProgressFunc func(stage string, pct int)

// Init builds a ready Detector: load assets (tuning validation), probe and
// load the preferred backend with bounded retries, downgrade accelerated →
// plain once the retry budget is spent, and run a warmup inference. All
// failure paths surface an *InitError.
func Init(ctx context.Context, opts InitOptions, progress ProgressFunc) (*Detector, InitResult, error) {
	if progress == nil {
		progress = func(string, int) {}
	}
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Factory == nil {
		opts.Factory = DefaultFactory(false)
	}

	progress(StageAssets, 0)
	if err := opts.Tuning.Validate(); err != nil {
		return nil, InitResult{}, &InitError{Stage: StageAssets, Recoverable: false, Err: err}
	}
	progress(StageAssets, 10)

	progress(StageBackend, 30)
	backend, downgraded, err := loadBackend(ctx, opts, log)
	if err != nil {
		return nil, InitResult{}, err
	}
	progress(StageBackend, 50)

	progress(StageModel, 70)
	det := NewDetector(backend, opts.Tuning)

	// Warmup: one inference over an empty frame exercises the whole path
	// and must produce the no-face default, not an error.
	if _, err := det.Detect(Frame{Width: 2, Height: 2, TimestampMs: 0}, 0); err != nil {
		_ = backend.Close()
		return nil, InitResult{}, &InitError{Stage: StageModel, Recoverable: false, Err: err}
	}
	progress(StageModel, 90)

	progress(StageGeneric, 100)

	res := InitResult{
		Backend:     backend.Name(),
		GPUEnabled:  backend.Accelerated(),
		CPUFallback: downgraded || !backend.Accelerated(),
	}
	log.WithFields(logrus.Fields{
		"backend":      res.Backend,
		"gpu_enabled":  res.GPUEnabled,
		"cpu_fallback": res.CPUFallback,
	}).Info("detector ready")

	return det, res, nil
}

// loadBackend retries the preferred backend up to the retry budget, then
// falls back to the non-accelerated backend with the same budget.
func loadBackend(ctx context.Context, opts InitOptions, log *logrus.Entry) (Backend, bool, error) {
	attempts := opts.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	tryLoad := func(accelerated bool) (Backend, error) {
		var lastErr error
		for i := 0; i < attempts; i++ {
			backend := opts.Factory(accelerated)
			if err := backend.Load(ctx); err != nil {
				lastErr = err
				_ = backend.Close()
				log.WithError(err).WithFields(logrus.Fields{
					"backend": backend.Name(),
					"attempt": i + 1,
				}).Warn("backend load failed")
				if ctx.Err() != nil {
					break
				}
				continue
			}
			return backend, nil
		}
		return nil, lastErr
	}

	if opts.PreferGPU {
		backend, err := tryLoad(true)
		if err == nil {
			return backend, false, nil
		}
		log.WithError(err).Warn("accelerated backend exhausted retries, downgrading")
	}

	backend, err := tryLoad(false)
	if err != nil {
		return nil, false, &InitError{Stage: StageBackend, Recoverable: false, Err: err}
	}
	return backend, opts.PreferGPU, nil
}
