package facetrack

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/G1nga-synn3r/smirkle-sub001/internal/perfmon"
)

// Request types accepted by the worker.
type RequestType string

const (
	ReqInit           RequestType = "INIT"
	ReqDetect         RequestType = "DETECT"
	ReqSetAccelMode   RequestType = "SET_ACCEL_MODE"
	ReqGetPerformance RequestType = "GET_PERFORMANCE"
)

// Response types emitted by the worker.
type ResponseType string

const (
	RespLoadingProgress    ResponseType = "loadingProgress"
	RespModelsLoaded       ResponseType = "modelsLoaded"
	RespInitError          ResponseType = "initError"
	RespDetectResult       ResponseType = "DETECT_RESULT"
	RespDetectError        ResponseType = "DETECT_ERROR"
	RespPerformanceMetrics ResponseType = "PERFORMANCE_METRICS"
)

// Request is one message into the worker. Every request carries a
// correlation id so responses can be matched to submissions.
type Request struct {
	Type RequestType
	ID   string

	// DETECT
	Frame *Frame

	// INIT
	Init           *InitOptions
	InitialQuality string

	// SET_ACCEL_MODE
	PreferGPU bool
}

// ProgressPayload reports one loading stage.
type ProgressPayload struct {
	Stage    string `json:"stage"`
	Progress int    `json:"progress"`
	Error    string `json:"error,omitempty"`
}

// ReadyPayload is emitted exactly once, after every init stage succeeds.
type ReadyPayload struct {
	CPUFallback    bool   `json:"cpuFallback"`
	CurrentQuality string `json:"currentQuality"`
	GPUEnabled     bool   `json:"gpuEnabled"`
	TimestampMs    int64  `json:"timestamp"`
}

// PerfPayload accompanies every detection result and answers
// GET_PERFORMANCE.
type PerfPayload struct {
	LatencyMs     float64 `json:"latency"`
	FPS           float64 `json:"fps"`
	AvgLatencyMs  float64 `json:"avgLatency"`
	AvgFPS        float64 `json:"avgFps"`
	GPUEnabled    bool    `json:"gpuEnabled"`
	CPUFallback   bool    `json:"cpuFallback"`
	DroppedFrames uint64  `json:"droppedFrames"`
}

// ResultPayload is a detection record plus its performance accounting.
type ResultPayload struct {
	Record      Record      `json:"record"`
	Performance PerfPayload `json:"performance"`
}

// ErrorPayload is a typed worker-side failure.
type ErrorPayload struct {
	Stage       string `json:"stage"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// Response is one message out of the worker.
type Response struct {
	Type     ResponseType     `json:"type"`
	ID       string           `json:"id,omitempty"`
	Progress *ProgressPayload `json:"progress,omitempty"`
	Ready    *ReadyPayload    `json:"ready,omitempty"`
	Result   *ResultPayload   `json:"result,omitempty"`
	Error    *ErrorPayload    `json:"error,omitempty"`
	Metrics  *PerfPayload     `json:"metrics,omitempty"`
}

type detectJob struct {
	req         Request
	submittedAt time.Time
}

// Worker runs the detector on its own goroutine and communicates only via
// messages. Control requests (INIT, SET_ACCEL_MODE, GET_PERFORMANCE) are
// strictly FIFO. DETECT requests ride a single-slot mailbox: a new frame
// overwrites an unprocessed one, so a slow backend drops stale frames
// instead of queueing them. Stale frames are worse than missing ones.
type Worker struct {
	log       *logrus.Entry
	control   chan Request
	kick      chan struct{}
	responses chan Response
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	stopOnce  sync.Once

	// Mailbox state, protected by mu.
	mu            sync.Mutex
	pending       *detectJob
	droppedFrames uint64

	// Owned by the worker goroutine after Start.
	det         *Detector
	initRes     InitResult
	factory     Factory
	quality     string
	mon         *perfmon.Monitor
	lastFrameMs int64
}

// NewWorker builds a stopped worker. Call Start before submitting.
func NewWorker(log *logrus.Entry) *Worker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		log:       log,
		control:   make(chan Request, 16),
		kick:      make(chan struct{}, 1),
		responses: make(chan Response, 128),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Responses returns the worker's outbound message stream. Closed when the
// worker stops.
func (w *Worker) Responses() <-chan Response { return w.responses }

// Start launches the worker goroutine.
func (w *Worker) Start() {
	go w.run()
}

// Stop shuts the worker down. Idempotent and safe to call concurrently.
func (w *Worker) Stop() {
	w.stopOnce.Do(w.cancel)
	<-w.done
}

// Submit enqueues a request and returns its correlation id. DETECT frames
// use the overwrite mailbox; everything else is FIFO on the control
// channel. Returns false if the worker is stopped or the control channel
// is saturated.
func (w *Worker) Submit(req Request) (string, bool) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	if req.Type == ReqDetect {
		w.mu.Lock()
		if w.pending != nil {
			w.droppedFrames++
		}
		w.pending = &detectJob{req: req, submittedAt: time.Now()}
		w.mu.Unlock()

		select {
		case w.kick <- struct{}{}:
		default:
		}
		return req.ID, true
	}

	select {
	case <-w.ctx.Done():
		return req.ID, false
	default:
	}

	select {
	case w.control <- req:
		return req.ID, true
	default:
		return req.ID, false
	}
}

func (w *Worker) run() {
	defer close(w.done)
	defer close(w.responses)

	for {
		select {
		case <-w.ctx.Done():
			if w.det != nil {
				_ = w.det.Backend().Close()
			}
			return
		case req := <-w.control:
			w.handleControl(req)
		case <-w.kick:
			w.drainMailbox()
		}
	}
}

func (w *Worker) drainMailbox() {
	for {
		w.mu.Lock()
		job := w.pending
		w.pending = nil
		w.mu.Unlock()

		if job == nil {
			return
		}
		w.handleDetect(*job)
	}
}

func (w *Worker) handleControl(req Request) {
	switch req.Type {
	case ReqInit:
		w.handleInit(req)
	case ReqSetAccelMode:
		w.handleSetAccelMode(req)
	case ReqGetPerformance:
		metrics := w.perf(0, 0)
		w.emit(Response{Type: RespPerformanceMetrics, ID: req.ID, Metrics: &metrics})
	default:
		w.emit(Response{Type: RespDetectError, ID: req.ID, Error: &ErrorPayload{
			Stage:       StageGeneric,
			Message:     fmt.Sprintf("unknown request type %q", req.Type),
			Recoverable: true,
		}})
	}
}

func (w *Worker) handleInit(req Request) {
	if req.Init == nil {
		w.emit(Response{Type: RespInitError, ID: req.ID, Error: &ErrorPayload{
			Stage:       StageGeneric,
			Message:     "INIT without options",
			Recoverable: false,
		}})
		return
	}

	opts := *req.Init
	if opts.Log == nil {
		opts.Log = w.log
	}

	det, res, err := Init(w.ctx, opts, func(stage string, pct int) {
		w.emit(Response{Type: RespLoadingProgress, ID: req.ID, Progress: &ProgressPayload{
			Stage:    stage,
			Progress: pct,
		}})
	})
	if err != nil {
		payload := initErrorPayload(err)
		w.emit(Response{Type: RespInitError, ID: req.ID, Error: &payload})
		return
	}

	w.det = det
	w.initRes = res
	w.factory = opts.Factory
	w.quality = req.InitialQuality
	w.mon = perfmon.New(opts.Tuning.Quality.MaxSamples, opts.Tuning.Quality.MinSamples)
	w.lastFrameMs = 0

	w.emit(Response{Type: RespModelsLoaded, ID: req.ID, Ready: &ReadyPayload{
		CPUFallback:    res.CPUFallback,
		CurrentQuality: req.InitialQuality,
		GPUEnabled:     res.GPUEnabled,
		TimestampMs:    time.Now().UnixMilli(),
	}})
}

func (w *Worker) handleSetAccelMode(req Request) {
	if w.det == nil || w.factory == nil {
		w.emit(Response{Type: RespInitError, ID: req.ID, Error: &ErrorPayload{
			Stage:       StageBackend,
			Message:     "SET_ACCEL_MODE before INIT",
			Recoverable: true,
		}})
		return
	}

	backend := w.factory(req.PreferGPU)
	if err := backend.Load(w.ctx); err != nil {
		_ = backend.Close()
		// Keep the current backend; the mode switch failed, the session
		// did not.
		w.emit(Response{Type: RespInitError, ID: req.ID, Error: &ErrorPayload{
			Stage:       StageBackend,
			Message:     err.Error(),
			Recoverable: true,
		}})
		return
	}

	old := w.det.Backend()
	w.det.SetBackend(backend)
	_ = old.Close()
	w.initRes.GPUEnabled = backend.Accelerated()
	w.initRes.CPUFallback = !backend.Accelerated()

	w.emit(Response{Type: RespModelsLoaded, ID: req.ID, Ready: &ReadyPayload{
		CPUFallback:    w.initRes.CPUFallback,
		CurrentQuality: w.quality,
		GPUEnabled:     w.initRes.GPUEnabled,
		TimestampMs:    time.Now().UnixMilli(),
	}})
}

func (w *Worker) handleDetect(job detectJob) {
	req := job.req

	if w.det == nil {
		w.emit(Response{Type: RespDetectError, ID: req.ID, Error: &ErrorPayload{
			Stage:       StageGeneric,
			Message:     "DETECT before INIT",
			Recoverable: true,
		}})
		return
	}
	if req.Frame == nil {
		w.emit(Response{Type: RespDetectError, ID: req.ID, Error: &ErrorPayload{
			Stage:       StageGeneric,
			Message:     "DETECT without frame",
			Recoverable: true,
		}})
		return
	}

	rec, err := w.safeDetect(*req.Frame)
	if err != nil {
		// A failed tick is a no-update for the game, never a crash.
		w.log.WithError(err).Debug("detection tick skipped")
		w.emit(Response{Type: RespDetectError, ID: req.ID, Error: &ErrorPayload{
			Stage:       StageGeneric,
			Message:     err.Error(),
			Recoverable: true,
		}})
		return
	}

	latency := float64(time.Since(job.submittedAt).Microseconds()) / 1000

	var fps float64
	if w.lastFrameMs > 0 && req.Frame.TimestampMs > w.lastFrameMs {
		fps = 1000 / float64(req.Frame.TimestampMs-w.lastFrameMs)
	}
	w.lastFrameMs = req.Frame.TimestampMs
	if fps > 0 {
		w.mon.Record(fps, latency)
	}

	perf := w.perf(latency, fps)
	w.emit(Response{Type: RespDetectResult, ID: req.ID, Result: &ResultPayload{
		Record:      rec,
		Performance: perf,
	}})
}

// safeDetect converts detector panics into errors so a corrupt frame can
// never take the worker down.
func (w *Worker) safeDetect(frame Frame) (rec Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			rec = NoFaceRecord(frame.TimestampMs)
			err = fmt.Errorf("detector panic: %v", r)
		}
	}()
	return w.det.Detect(frame, frame.TimestampMs)
}

func (w *Worker) perf(latency, fps float64) PerfPayload {
	w.mu.Lock()
	dropped := w.droppedFrames
	w.mu.Unlock()

	payload := PerfPayload{
		LatencyMs:     latency,
		FPS:           fps,
		GPUEnabled:    w.initRes.GPUEnabled,
		CPUFallback:   w.initRes.CPUFallback,
		DroppedFrames: dropped,
	}
	if w.mon != nil {
		if avg, ok := w.mon.Averages(); ok {
			payload.AvgFPS = avg.FPS
			payload.AvgLatencyMs = avg.LatencyMs
		}
	}
	return payload
}

func (w *Worker) emit(resp Response) {
	select {
	case w.responses <- resp:
	case <-w.ctx.Done():
	}
}
