package facetrack

import (
	"fmt"

	"github.com/G1nga-synn3r/smirkle-sub001/internal/tuning"
)

// Detector scores backend observations into Records. Not safe for
// concurrent use; the worker owns one and drives it sequentially.
type Detector struct {
	backend Backend
	cfg     tuning.Config
}

// NewDetector wraps a loaded backend with the scoring policy.
func NewDetector(backend Backend, cfg tuning.Config) *Detector {
	return &Detector{backend: backend, cfg: cfg}
}

// Backend returns the active perception backend.
func (d *Detector) Backend() Backend { return d.backend }

// SetBackend swaps the perception backend, used when the acceleration mode
// changes mid-session.
func (d *Detector) SetBackend(b Backend) { d.backend = b }

// Retune replaces the scoring policy, used on tuning-file hot reload.
func (d *Detector) Retune(cfg tuning.Config) { d.cfg = cfg }

// Detect scores one frame. A frame with no detectable face yields the safe
// default record; only a structurally corrupt frame or a backend failure
// is an error, and those are reported as typed DETECT_ERROR messages by
// the worker, never raised to game logic.
func (d *Detector) Detect(frame Frame, timestampMs int64) (Record, error) {
	if !frame.Valid() {
		return NoFaceRecord(timestampMs), fmt.Errorf("malformed frame at %dms: bad dimensions or landmark coordinates", timestampMs)
	}

	obs, err := d.backend.Infer(frame)
	if err != nil {
		return NoFaceRecord(timestampMs), fmt.Errorf("backend %s: %w", d.backend.Name(), err)
	}

	if !obs.FaceFound || obs.Confidence < d.cfg.Detector.MinFaceConfidence {
		return NoFaceRecord(timestampMs), nil
	}
	if len(obs.Landmarks) < LandmarkCount {
		// Partial landmark sets still count as a face, but every derived
		// score falls back to its safe default.
		rec := NoFaceRecord(timestampMs)
		rec.FaceDetected = true
		rec.FaceConfidence = obs.Confidence
		rec.BoundingBox = obs.Box
		return rec, nil
	}

	score := happiness(obs.Scores, d.cfg.Happiness)
	left := eyeOpenness(obs.Landmarks, LeftEyeOuter, LeftEyeInner, LeftEyeTop, LeftEyeBottom, d.cfg.Eyes)
	right := eyeOpenness(obs.Landmarks, RightEyeOuter, RightEyeInner, RightEyeTop, RightEyeBottom, d.cfg.Eyes)
	pose := headPose(obs.Landmarks, d.cfg.Pose)

	return Record{
		FaceDetected:      true,
		FaceConfidence:    obs.Confidence,
		HappinessScore:    score,
		IsSmirking:        score >= d.cfg.Smirk.EnterThreshold,
		NeutralExpression: score < d.cfg.Calibration.NeutralThreshold,
		EyesOpen:          left >= d.cfg.Eyes.ClosedThreshold && right >= d.cfg.Eyes.ClosedThreshold,
		LeftEyeOpenness:   left,
		RightEyeOpenness:  right,
		HeadPose:          pose,
		FaceCentered:      centered(pose, d.cfg.Pose),
		BoundingBox:       obs.Box,
		TimestampMs:       timestampMs,
	}, nil
}
