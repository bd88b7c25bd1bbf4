package facetrack

import (
	"math"

	"github.com/G1nga-synn3r/smirkle-sub001/internal/tuning"
)

func distance(a, b Point) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	return math.Sqrt(dx*dx + dy*dy)
}

func midpoint(a, b Point) Point {
	return Point{X: (a.X + b.X) / 2, Y: (a.Y + b.Y) / 2}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// mouthScores derives the three raw expression signals from mouth geometry.
// mouthHappy tracks corner lift above the lip midline, mouthSmile tracks
// mouth width against interocular distance, mouthOpen tracks inner lip gap.
func mouthScores(lm []Point) BlendScores {
	left := lm[MouthLeft]
	right := lm[MouthRight]
	topOuter := lm[MouthTopOuter]
	bottomOuter := lm[MouthBottomOuter]
	topInner := lm[MouthTopInner]
	bottomInner := lm[MouthBottomInner]

	interocular := distance(midpoint(lm[LeftEyeOuter], lm[LeftEyeInner]), midpoint(lm[RightEyeOuter], lm[RightEyeInner]))
	if interocular <= 0 {
		return BlendScores{}
	}

	// Corner lift: positive when mouth corners sit above the lip midline.
	midY := (topOuter.Y + bottomOuter.Y) / 2
	lift := midY - (left.Y+right.Y)/2
	happy := clamp01(lift / (0.22 * interocular))

	// Width stretch: resting mouths sit around 0.8x interocular distance.
	width := distance(left, right)
	smile := clamp01((width/interocular - 0.8) / 0.5)

	// Lip gap normalized against interocular distance.
	gap := bottomInner.Y - topInner.Y
	open := clamp01(gap / (0.5 * interocular))

	return BlendScores{MouthHappy: happy, MouthSmile: smile, MouthOpen: open}
}

// happiness applies the weighted blend to raw scores.
func happiness(s BlendScores, w tuning.HappinessWeights) float64 {
	return clamp01(s.MouthHappy*w.MouthHappy + s.MouthSmile*w.MouthSmile + s.MouthOpen*w.MouthOpen)
}

// eyeOpenness scores one eye from the vertical extent of its lid landmarks,
// normalized by eye width. Insufficient landmark data defaults to fully
// open rather than risking a divide by zero.
func eyeOpenness(lm []Point, outer, inner, top, bottom int, cfg tuning.Eyes) float64 {
	if len(lm) < cfg.MinLandmarks {
		return 1
	}

	width := distance(lm[outer], lm[inner])
	if width <= 0 {
		return 1
	}

	extent := math.Abs(lm[bottom].Y - lm[top].Y)
	return clamp01((extent / width) / cfg.OpenRatio)
}

// headPose estimates pitch/yaw/roll from four key landmarks: the two eye
// centers, the nose tip, and the chin. Degree-equivalent units only; this
// is a centering gate, not photogrammetry.
func headPose(lm []Point, cfg tuning.Pose) HeadPose {
	leftEye := midpoint(lm[LeftEyeOuter], lm[LeftEyeInner])
	rightEye := midpoint(lm[RightEyeOuter], lm[RightEyeInner])
	nose := lm[NoseTip]
	chin := lm[Chin]

	roll := math.Atan2(rightEye.Y-leftEye.Y, rightEye.X-leftEye.X) * 180 / math.Pi

	interocular := distance(leftEye, rightEye)
	mid := midpoint(leftEye, rightEye)

	var yaw float64
	if interocular > 0 {
		yaw = (nose.X - mid.X) / interocular * cfg.YawScale
	}

	var pitch float64
	if vertical := chin.Y - mid.Y; vertical > 0 {
		pitch = ((nose.Y-mid.Y)/vertical - cfg.PitchNeutralRatio) * cfg.PitchScale
	}

	return HeadPose{Pitch: pitch, Yaw: yaw, Roll: roll}
}

// centered is true iff yaw and pitch are each within tolerance.
func centered(pose HeadPose, cfg tuning.Pose) bool {
	return math.Abs(pose.Yaw) <= cfg.YawTolerance && math.Abs(pose.Pitch) <= cfg.PitchTolerance
}
