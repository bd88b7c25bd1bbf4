// Package quality adapts capture resolution and processing cadence to
// observed performance. Three tiers, single-step transitions, and an
// emergency drop when frame rate collapses.
package quality

import (
	"math"

	"github.com/G1nga-synn3r/smirkle-sub001/internal/perfmon"
	"github.com/G1nga-synn3r/smirkle-sub001/internal/tuning"
)

// Tier is a capture quality level.
type Tier string

const (
	High   Tier = "high"
	Medium Tier = "medium"
	Low    Tier = "low"
)

// Resolution is the capture geometry the client should use next.
type Resolution struct {
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	Scale     float64 `json:"scale"`
	TargetFPS int     `json:"targetFps"`
	Quality   Tier    `json:"quality"`
}

// Controller owns the quality state machine and its performance history.
// Not thread-safe by design: a single detection-result handler feeds it.
type Controller struct {
	cfg tuning.Quality
	mon *perfmon.Monitor

	tier      Tier
	targetFPS int
	forced    bool
}

// New starts a controller at the given tier (usually High, or whatever the
// fallback strategy dictated).
func New(cfg tuning.Quality, start Tier) *Controller {
	c := &Controller{
		cfg: cfg,
		mon: perfmon.New(cfg.MaxSamples, cfg.MinSamples),
	}
	c.setTier(start)
	return c
}

func (c *Controller) spec(t Tier) tuning.TierSpec {
	switch t {
	case High:
		return c.cfg.High
	case Low:
		return c.cfg.Low
	default:
		return c.cfg.Medium
	}
}

func (c *Controller) setTier(t Tier) {
	c.tier = t
	c.targetFPS = c.spec(t).TargetFPS
}

// RecordPerformance appends one sample and runs a single evaluation step.
// At most one tier transition happens per call.
func (c *Controller) RecordPerformance(fps, latencyMs float64) {
	c.mon.Record(fps, latencyMs)
	if c.forced {
		return
	}

	avg, ok := c.mon.Averages()
	if !ok {
		return
	}

	switch {
	case avg.FPS < c.cfg.MinAcceptableFPS && c.tier != Low:
		// Emergency: bypass intermediate tiers entirely.
		c.tier = Low
		c.targetFPS = c.cfg.EmergencyFPS
	case avg.FPS < c.cfg.DowngradeFPS:
		c.downgrade()
	case avg.FPS >= c.cfg.UpgradeFPS && avg.LatencyMs < c.cfg.UpgradeLatencyMs:
		c.upgrade()
	}
}

func (c *Controller) upgrade() {
	switch c.tier {
	case Low:
		c.setTier(Medium)
	case Medium:
		c.setTier(High)
	}
}

func (c *Controller) downgrade() {
	switch c.tier {
	case High:
		c.setTier(Medium)
	case Medium:
		c.setTier(Low)
	}
}

// Quality returns the current tier.
func (c *Controller) Quality() Tier { return c.tier }

// TargetFPS returns the current processing cadence target.
func (c *Controller) TargetFPS() int { return c.targetFPS }

// Scale returns the current resolution scale factor.
func (c *Controller) Scale() float64 { return c.spec(c.tier).Scale }

// GetResolution returns the full capture profile for the current tier.
// CurrentFPS is the windowed average when enough samples exist.
func (c *Controller) GetResolution() Resolution {
	scale := c.spec(c.tier).Scale
	return Resolution{
		Width:     int(math.Floor(float64(c.cfg.BaseWidth) * scale)),
		Height:    int(math.Floor(float64(c.cfg.BaseHeight) * scale)),
		Scale:     scale,
		TargetFPS: c.targetFPS,
		Quality:   c.tier,
	}
}

// CurrentFPS returns the windowed average FPS, zero until the minimum
// sample guard is satisfied.
func (c *Controller) CurrentFPS() float64 {
	avg, ok := c.mon.Averages()
	if !ok {
		return 0
	}
	return avg.FPS
}

// SetForcedQuality pins the tier, disabling automatic evaluation until
// Reset. Used when the player overrides quality by hand.
func (c *Controller) SetForcedQuality(t Tier) {
	c.setTier(t)
	c.forced = true
}

// Reset restores high quality, clears the performance history, and lifts
// any forced tier. Idempotent; used when the camera or session restarts.
func (c *Controller) Reset() {
	c.mon.Reset()
	c.forced = false
	c.setTier(High)
}
