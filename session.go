package main

import (
	"github.com/sirupsen/logrus"

	"github.com/G1nga-synn3r/smirkle-sub001/internal/calibrate"
	"github.com/G1nga-synn3r/smirkle-sub001/internal/facetrack"
	"github.com/G1nga-synn3r/smirkle-sub001/internal/gpuprobe"
	"github.com/G1nga-synn3r/smirkle-sub001/internal/quality"
	"github.com/G1nga-synn3r/smirkle-sub001/internal/tuning"
)

// pipeline is the per-player detection stack: one worker goroutine, one
// quality controller, one calibration machine. Built when the client sends
// its device capability report, torn down when the player leaves.
type pipeline struct {
	playerID string

	strategy gpuprobe.Strategy
	gpuInfo  gpuprobe.Info

	worker  *facetrack.Worker
	quality *quality.Controller
	calib   *calibrate.Machine

	// lastPushed is the resolution most recently sent to the client, so
	// quality changes are only pushed when they actually change something.
	lastPushed quality.Resolution

	ready      bool // detector finished loading
	calibrated bool // passed the pre-round stability check
	spectating bool // failed calibration or joined mid-round
}

// initialTier maps the one-shot capability strategy onto a starting quality
// tier. Continuous adaptation takes over from there.
func initialTier(s gpuprobe.Strategy) quality.Tier {
	if s == gpuprobe.WeakGPU {
		return quality.Medium
	}
	return quality.Low
}

// newPipeline classifies the capability report, starts the worker, and
// submits INIT. Detector readiness arrives later on the worker's response
// stream.
func newPipeline(log *logrus.Entry, tun tuning.Config, playerID string, report gpuprobe.Report) *pipeline {
	tables := gpuprobe.DefaultTables().
		WithOverrides(tun.GPU.SoftwareRenderers, tun.GPU.WeakRenderers)
	info := tables.Classify(report)
	strategy := gpuprobe.SelectStrategy(info)
	profile := gpuprobe.ConfigFor(strategy)

	tier := initialTier(strategy)

	p := &pipeline{
		playerID: playerID,
		strategy: strategy,
		gpuInfo:  info,
		worker:   facetrack.NewWorker(log.WithField("player", playerID)),
		quality:  quality.New(tun.Quality, tier),
		calib:    calibrate.New(tun.Calibration),
	}
	p.lastPushed = p.quality.GetResolution()

	p.worker.Start()
	p.worker.Submit(facetrack.Request{
		Type: facetrack.ReqInit,
		Init: &facetrack.InitOptions{
			PreferGPU:  !profile.UseCPU,
			MaxRetries: tun.Detector.MaxInitRetries,
			Factory:    facetrack.DefaultFactory(report.ModelReady),
			Tuning:     tun,
		},
		InitialQuality: string(tier),
	})

	return p
}

// submitFrame hands one observation to the worker. Stale frames are dropped
// by the worker's mailbox, never queued.
func (p *pipeline) submitFrame(frame facetrack.Frame) {
	p.worker.Submit(facetrack.Request{
		Type:  facetrack.ReqDetect,
		Frame: &frame,
	})
}

// resolutionIfChanged returns the current capture profile when it differs
// from the last one pushed to the client.
func (p *pipeline) resolutionIfChanged() (quality.Resolution, bool) {
	res := p.quality.GetResolution()
	if res == p.lastPushed {
		return res, false
	}
	p.lastPushed = res
	return res, true
}

// stop tears the pipeline down. Safe to call more than once.
func (p *pipeline) stop() {
	p.calib.Stop()
	p.worker.Stop()
}
