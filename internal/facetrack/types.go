// Package facetrack turns per-frame face observations into the detection
// records that drive calibration and gameplay. The perception backend is
// pluggable; the scoring policy on top of it lives here.
package facetrack

import "math"

// Point is a 2D landmark position in frame pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Rect is an axis-aligned bounding box in frame pixels.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Reduced landmark layout submitted by clients: four points per eye, six
// around the mouth, nose tip and chin. Indices are fixed wire format.
const (
	LeftEyeOuter = iota
	LeftEyeInner
	LeftEyeTop
	LeftEyeBottom
	RightEyeOuter
	RightEyeInner
	RightEyeTop
	RightEyeBottom
	MouthLeft
	MouthRight
	MouthTopOuter
	MouthBottomOuter
	MouthTopInner
	MouthBottomInner
	NoseTip
	Chin
	LandmarkCount
)

// BlendScores are raw expression signals from a client-side model, carried
// on frames when the accelerated path is available.
type BlendScores struct {
	MouthHappy float64 `json:"mouthHappy"`
	MouthSmile float64 `json:"mouthSmile"`
	MouthOpen  float64 `json:"mouthOpen"`
}

// Frame is one camera frame's worth of observation data. Zero landmarks
// means the client found no face; that is a valid frame, not an error.
type Frame struct {
	Landmarks   []Point      `json:"landmarks"`
	Confidence  float64      `json:"confidence"`
	Box         *Rect        `json:"box,omitempty"`
	Scores      *BlendScores `json:"scores,omitempty"`
	Width       int          `json:"width"`
	Height      int          `json:"height"`
	TimestampMs int64        `json:"timestampMs"`
}

// Valid reports whether the frame is structurally usable. Malformed frames
// are the only thing Detect treats as an error.
func (f Frame) Valid() bool {
	if f.Width <= 0 || f.Height <= 0 {
		return false
	}
	for _, p := range f.Landmarks {
		if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
			return false
		}
	}
	return true
}

// HeadPose is a simplified orientation estimate in degree-equivalent units.
type HeadPose struct {
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
	Roll  float64 `json:"roll"`
}

// Record is the per-frame detection result. Immutable once produced;
// consumers never mutate a record after receipt.
type Record struct {
	FaceDetected      bool     `json:"faceDetected"`
	FaceConfidence    float64  `json:"faceConfidence"`
	HappinessScore    float64  `json:"happinessScore"`
	IsSmirking        bool     `json:"isSmirking"`
	NeutralExpression bool     `json:"neutralExpression"`
	EyesOpen          bool     `json:"eyesOpen"`
	LeftEyeOpenness   float64  `json:"leftEyeOpenness"`
	RightEyeOpenness  float64  `json:"rightEyeOpenness"`
	HeadPose          HeadPose `json:"headPose"`
	FaceCentered      bool     `json:"faceCentered"`
	BoundingBox       *Rect    `json:"boundingBox,omitempty"`
	TimestampMs       int64    `json:"timestampMs"`
}

// NoFaceRecord returns the safe default for frames with no detected face:
// eyes assumed open, happiness zero, not centered. Callers never see a
// missing face as an error.
func NoFaceRecord(timestampMs int64) Record {
	return Record{
		FaceDetected:      false,
		HappinessScore:    0,
		NeutralExpression: true,
		EyesOpen:          true,
		LeftEyeOpenness:   1,
		RightEyeOpenness:  1,
		FaceCentered:      false,
		TimestampMs:       timestampMs,
	}
}
