// Package calibrate gates the start of a round: the player must hold a
// visible, eyes-open, neutral face continuously for the stability duration
// before play begins. The requirement is strictly continuous — any failing
// tick zeroes the accumulated time.
package calibrate

import (
	"sync"

	"github.com/G1nga-synn3r/smirkle-sub001/internal/facetrack"
	"github.com/G1nga-synn3r/smirkle-sub001/internal/tuning"
)

// Status is the machine's externally visible state.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusChecking   Status = "checking"
	StatusNoFace     Status = "no_face"
	StatusEyesClosed Status = "eyes_closed"
	StatusSmiling    Status = "smiling"
	StatusStable     Status = "stable"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// FailReason says why a calibration ended in failure.
type FailReason string

const (
	FailTimeout  FailReason = "timeout"
	FailExplicit FailReason = "explicit"
)

// State is the snapshot handed to the UI on every processed tick.
type State struct {
	Status       Status     `json:"status"`
	FaceDetected bool       `json:"faceDetected"`
	EyesOpen     bool       `json:"eyesOpen"`
	NotSmiling   bool       `json:"notSmiling"`
	TimerMs      int        `json:"timerValue"`
	TimerActive  bool       `json:"timerActive"`
	Complete     bool       `json:"complete"`
	FailedReason FailReason `json:"failedReason,omitempty"`
	Progress     float64    `json:"progress"`
}

// CompleteFunc fires exactly once per calibration attempt, at success or
// failure. UpdateFunc fires on every processed tick.
type (
	CompleteFunc func(success bool)
	UpdateFunc   func(State)
)

// Machine is the calibration state machine. Wall-clock polling is
// decoupled from substantive state: the internal timer only advances when
// an actual detection tick arrives, so a missed tick delays stabilization
// rather than failing it. Callbacks always fire outside the lock.
type Machine struct {
	mu  sync.Mutex
	cfg tuning.Calibration

	state      State
	elapsedMs  int
	onComplete CompleteFunc
	onUpdate   UpdateFunc
	running    bool
}

// New builds an idle machine.
func New(cfg tuning.Calibration) *Machine {
	return &Machine{cfg: cfg, state: State{Status: StatusIdle}}
}

// Start arms the machine. onUpdate may be nil.
func (m *Machine) Start(onComplete CompleteFunc, onUpdate UpdateFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.resetLocked()
	m.onComplete = onComplete
	m.onUpdate = onUpdate
	m.running = true
	m.state.Status = StatusChecking
}

// ProcessDetection consumes one detection tick and returns the resulting
// status. Ticks arriving before Start or after a terminal state are
// ignored.
func (m *Machine) ProcessDetection(rec facetrack.Record) Status {
	m.mu.Lock()

	if !m.running {
		status := m.state.Status
		m.mu.Unlock()
		return status
	}

	var completed *bool

	m.elapsedMs += m.cfg.CheckIntervalMs
	if m.cfg.TimeoutMs > 0 && m.elapsedMs > m.cfg.TimeoutMs {
		m.terminateLocked(StatusFailed, FailTimeout)
		completed = ptrBool(false)
	} else {
		completed = m.advanceLocked(rec)
	}

	st := m.state
	update := m.onUpdate
	var done CompleteFunc
	if completed != nil {
		done = m.onComplete
		m.onComplete = nil
	}
	m.mu.Unlock()

	if update != nil {
		update(st)
	}
	if completed != nil && done != nil {
		done(*completed)
	}
	return st.Status
}

// advanceLocked applies one tick's conditions. Returns non-nil when the
// machine reached a terminal state this tick. Caller holds mu.
func (m *Machine) advanceLocked(rec facetrack.Record) *bool {
	notSmiling := rec.HappinessScore < m.cfg.NeutralThreshold
	m.state.FaceDetected = rec.FaceDetected
	m.state.EyesOpen = rec.EyesOpen
	m.state.NotSmiling = notSmiling

	if rec.FaceDetected && rec.EyesOpen && notSmiling {
		if !m.state.TimerActive {
			m.state.TimerActive = true
			m.state.TimerMs = 0
		}
		// Each passing tick banks one check interval of stable time.
		m.state.TimerMs += m.cfg.CheckIntervalMs
		m.state.Status = StatusStable
		m.state.Progress = progress(m.state.TimerMs, m.cfg.StabilityDurationMs)

		if m.state.TimerMs >= m.cfg.StabilityDurationMs {
			m.state.Status = StatusComplete
			m.state.Complete = true
			m.state.Progress = 100
			m.state.TimerActive = false
			m.running = false
			return ptrBool(true)
		}
		return nil
	}

	// No partial credit: a single failing tick resets the timer.
	m.state.TimerMs = 0
	m.state.TimerActive = false
	m.state.Progress = 0

	// Most specific failing condition wins: a missing face explains
	// everything else.
	switch {
	case !rec.FaceDetected:
		m.state.Status = StatusNoFace
	case !rec.EyesOpen:
		m.state.Status = StatusEyesClosed
	case !notSmiling:
		m.state.Status = StatusSmiling
	default:
		m.state.Status = StatusChecking
	}
	return nil
}

// terminateLocked seals a terminal failure. Caller holds mu.
func (m *Machine) terminateLocked(status Status, reason FailReason) {
	m.state.Status = status
	m.state.FailedReason = reason
	m.state.TimerActive = false
	m.state.TimerMs = 0
	m.state.Progress = 0
	m.running = false
}

// Fail moves the machine to the terminal failed state and fires the
// completion callback once. A no-op on terminal or unstarted machines.
func (m *Machine) Fail(reason FailReason) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.terminateLocked(StatusFailed, reason)
	st := m.state
	update := m.onUpdate
	done := m.onComplete
	m.onComplete = nil
	m.mu.Unlock()

	if update != nil {
		update(st)
	}
	if done != nil {
		done(false)
	}
}

// State returns a snapshot of the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Reset returns the machine to idle and drops the callbacks. Idempotent;
// calling it repeatedly is identical to calling it once.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
}

// Stop is an alias for Reset, matching the driving interval's teardown
// path. Safe to call any number of times.
func (m *Machine) Stop() {
	m.Reset()
}

func (m *Machine) resetLocked() {
	m.state = State{Status: StatusIdle}
	m.elapsedMs = 0
	m.running = false
	m.onComplete = nil
	m.onUpdate = nil
}

func progress(timerMs, durationMs int) float64 {
	if durationMs <= 0 {
		return 100
	}
	p := float64(timerMs) / float64(durationMs) * 100
	if p > 100 {
		return 100
	}
	return p
}

func ptrBool(v bool) *bool { return &v }
