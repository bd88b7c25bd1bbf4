package facetrack

import (
	"context"
	"errors"
)

// ErrAccelerationUnavailable is returned by an accelerated backend whose
// client never reported a working on-device model.
var ErrAccelerationUnavailable = errors.New("accelerated expression model unavailable")

// Observation is the raw per-frame output of a perception backend, before
// the scoring policy is applied.
type Observation struct {
	FaceFound  bool
	Confidence float64
	Box        *Rect
	Landmarks  []Point
	Scores     BlendScores
}

// Backend is a pluggable perception source. Implementations must treat a
// zero-face frame as a normal observation, never an error.
type Backend interface {
	Name() string
	Accelerated() bool
	Load(ctx context.Context) error
	Infer(frame Frame) (Observation, error)
	Close() error
}

// Factory builds the backend for the requested acceleration mode. The
// initializer uses it to retry and to downgrade accelerated → plain.
type Factory func(accelerated bool) Backend

// geometryBackend recomputes every expression signal from raw landmark
// geometry server-side. Always available; this is the CPU fallback path.
type geometryBackend struct{}

// NewGeometryBackend returns the landmark-geometry backend.
func NewGeometryBackend() Backend { return &geometryBackend{} }

func (*geometryBackend) Name() string      { return "landmark-geometry" }
func (*geometryBackend) Accelerated() bool { return false }

func (*geometryBackend) Load(ctx context.Context) error {
	return ctx.Err()
}

func (*geometryBackend) Infer(frame Frame) (Observation, error) {
	if len(frame.Landmarks) == 0 {
		return Observation{}, nil
	}
	obs := Observation{
		FaceFound:  true,
		Confidence: frame.Confidence,
		Box:        frame.Box,
		Landmarks:  frame.Landmarks,
	}
	if len(frame.Landmarks) >= LandmarkCount {
		obs.Scores = mouthScores(frame.Landmarks)
	}
	return obs, nil
}

func (*geometryBackend) Close() error { return nil }

// blendBackend trusts the expression scores computed by the client's
// GPU-accelerated model and only falls back to geometry for frames that
// arrive without them.
type blendBackend struct {
	modelReady bool
	geom       geometryBackend
}

// NewBlendBackend returns the accelerated backend. modelReady reflects the
// client's capability report; a false value makes Load fail so the
// initializer downgrades to the geometry backend.
func NewBlendBackend(modelReady bool) Backend {
	return &blendBackend{modelReady: modelReady}
}

func (*blendBackend) Name() string      { return "client-blendshape" }
func (*blendBackend) Accelerated() bool { return true }

func (b *blendBackend) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !b.modelReady {
		return ErrAccelerationUnavailable
	}
	return nil
}

func (b *blendBackend) Infer(frame Frame) (Observation, error) {
	obs, err := b.geom.Infer(frame)
	if err != nil || !obs.FaceFound {
		return obs, err
	}
	if frame.Scores != nil {
		obs.Scores = *frame.Scores
	}
	return obs, nil
}

func (*blendBackend) Close() error { return nil }

// DefaultFactory wires the two built-in backends. clientModelReady comes
// from the client's hello message.
func DefaultFactory(clientModelReady bool) Factory {
	return func(accelerated bool) Backend {
		if accelerated {
			return NewBlendBackend(clientModelReady)
		}
		return NewGeometryBackend()
	}
}
