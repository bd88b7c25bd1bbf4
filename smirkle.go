// Smirkle game server.
//
// Each game session is a watch party: players join a lobby, share their
// webcam-derived face landmarks, and once the moderator starts a round the
// first player caught smirking is eliminated. The last straight face wins.
//
// Features:
// - WebSockets per game ID: /smirkle/:gameid and /smirkle/:gameid/ws
// - First connection to a game becomes moderator
// - Moderator can lock/unlock the lobby and kick players
// - Players identified by cookie (playerID), duplicate usernames rejected
// - Per-player detection pipeline: capability probe, worker, calibration,
//   adaptive quality with server-pushed resolution changes
// - Pre-round calibration gate: hold a neutral face before play begins
// - Survival-time scoring, optional sqlite persistence of round results
// - Games auto-reaped after configurable idle timeout
// - Random 8-char game IDs via crypto/rand, with server-side collision check
// - In-browser QR button to share the current session, backed by go-qrcode

package main

import (
	"context"
	"crypto/rand"
	_ "embed"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"
	"github.com/skip2/go-qrcode"

	"github.com/G1nga-synn3r/smirkle-sub001/internal/calibrate"
	"github.com/G1nga-synn3r/smirkle-sub001/internal/facetrack"
	"github.com/G1nga-synn3r/smirkle-sub001/internal/game"
	"github.com/G1nga-synn3r/smirkle-sub001/internal/gpuprobe"
	"github.com/G1nga-synn3r/smirkle-sub001/internal/quality"
	"github.com/G1nga-synn3r/smirkle-sub001/internal/scorestore"
	"github.com/G1nga-synn3r/smirkle-sub001/internal/tuning"
)

// Player holds the data we store server-side.
type Player struct {
	PlayerID string
	Username string
}

// ClientMessage covers everything a browser can send.
type ClientMessage struct {
	Type           string            `json:"type"`                      // "join", "hello", "frame", "set_accel_mode", "get_performance", "force_quality", "lock_lobby", "kick", "start_round", "end_round"
	Username       string            `json:"username,omitempty"`        // join
	GPU            *gpuprobe.Report  `json:"gpu,omitempty"`             // hello
	Frame          *facetrack.Frame  `json:"frame,omitempty"`           // frame
	PreferGPU      *bool             `json:"prefer_gpu,omitempty"`      // set_accel_mode
	Quality        string            `json:"quality,omitempty"`         // force_quality
	Lock           *bool             `json:"lock,omitempty"`            // lock_lobby
	TargetUsername string            `json:"target_username,omitempty"` // kick
}

// SimpleMessage is for generic notifications ("kicked", "lobby_locked",
// "collision", etc.)
type SimpleMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// LobbyStateMessage informs clients about lock/unlock changes.
type LobbyStateMessage struct {
	Type   string `json:"type"` // "lobby_state"
	Locked bool   `json:"locked"`
}

// SessionInfoMessage is sent immediately on connect so the client knows
// whether the lobby is locked and what role this cookie has.
type SessionInfoMessage struct {
	Type        string `json:"type"`               // "session_info"
	LobbyLocked bool   `json:"lobby_locked"`       // current lobby lock state
	IsExisting  bool   `json:"is_existing"`        // true if this cookie already has a player
	IsModerator bool   `json:"is_moderator"`       // true if this cookie is the moderator
	Username    string `json:"username,omitempty"` // known username for this cookie, if any
	Phase       string `json:"phase"`              // current session phase
}

// PlayerListMessage shows everyone who is in the lobby.
type PlayerListMessage struct {
	Type    string   `json:"type"` // "player_list"
	Players []string `json:"players"`
}

// StrategyMessage answers the client's capability hello with the chosen
// processing strategy and initial capture profile.
type StrategyMessage struct {
	Type           string             `json:"type"` // "strategy"
	Strategy       gpuprobe.Strategy  `json:"strategy"`
	Renderer       string             `json:"renderer,omitempty"`
	FallbackReason string             `json:"fallback_reason,omitempty"`
	Profile        gpuprobe.Config    `json:"profile"`
	Resolution     quality.Resolution `json:"resolution"`
}

// DetectionMessage forwards one processed frame back to its player.
type DetectionMessage struct {
	Type        string                `json:"type"` // "detection"
	Record      facetrack.Record      `json:"record"`
	Performance facetrack.PerfPayload `json:"performance"`
}

// ResolutionMessage pushes a new capture profile to the client.
type ResolutionMessage struct {
	Type       string             `json:"type"` // "resolution"
	Resolution quality.Resolution `json:"resolution"`
}

// CalibrationMessage streams pre-round calibration state to its player.
type CalibrationMessage struct {
	Type  string          `json:"type"` // "calibration"
	State calibrate.State `json:"state"`
}

// CountdownMessage announces play is about to start.
type CountdownMessage struct {
	Type    string `json:"type"` // "countdown"
	Seconds int    `json:"seconds"`
}

// EliminationMessage announces a player got caught.
type EliminationMessage struct {
	Type       string `json:"type"` // "elimination"
	Username   string `json:"username"`
	SurvivedMs int64  `json:"survived_ms"`
}

// RoundResult is one line of the final standings.
type RoundResult struct {
	Username   string `json:"username"`
	SurvivedMs int64  `json:"survived_ms"`
	Won        bool   `json:"won"`
}

// RoundOverMessage broadcasts final standings.
type RoundOverMessage struct {
	Type    string        `json:"type"` // "round_over"
	Winner  string        `json:"winner,omitempty"`
	Results []RoundResult `json:"results"`
}

// ModeratorViewMessage is sent only to the moderator.
type ModeratorViewMessage struct {
	Type        string            `json:"type"` // "moderator_view"
	Players     []ModeratorPlayer `json:"players"`
	LobbyLocked bool              `json:"lobby_locked"`
	Phase       string            `json:"phase"`
	CreatedAt   time.Time         `json:"created_at"`
	LastActive  time.Time         `json:"last_active"`
}

type ModeratorPlayer struct {
	Username   string            `json:"username"`
	Strategy   gpuprobe.Strategy `json:"strategy,omitempty"`
	Ready      bool              `json:"ready"`
	Calibrated bool              `json:"calibrated"`
	Spectating bool              `json:"spectating"`
}

type Client struct {
	conn     *websocket.Conn
	send     chan any
	playerID string
}

type inboundMessage struct {
	client *Client
	msg    ClientMessage
}

type workerEvent struct {
	playerID string
	resp     facetrack.Response
}

type perfSample struct {
	AtMs      int64
	FPS       float64
	LatencyMs float64
}

// Session phases.
const (
	phaseLobby       = "lobby"
	phaseCalibrating = "calibrating"
	phaseCountdown   = "countdown"
	phasePlaying     = "playing"
)

const (
	countdownSeconds = 3
	perfHistoryMax   = 240
)

type Hub struct {
	id    string
	log   *logrus.Entry
	store scorestore.Store

	clients map[*Client]bool
	players []Player
	pipes   map[string]*pipeline

	register   chan *Client
	unreg      chan *Client
	inbound    chan inboundMessage
	events     chan workerEvent
	startRound chan struct{}
	retuneCh   chan tuning.Config

	mu sync.RWMutex

	createdAt         time.Time
	lastActive        time.Time
	lobbyLocked       bool
	moderatorPlayerID string // cookie/playerID of moderator (never in players)

	tun         tuning.Config
	phase       string
	round       *game.Round
	perfHistory map[string][]perfSample
}

func newHub(gameID string, log *logrus.Entry, tun tuning.Config, store scorestore.Store) *Hub {
	now := time.Now()
	return &Hub{
		id:          gameID,
		log:         log.WithField("game", gameID),
		store:       store,
		clients:     make(map[*Client]bool),
		pipes:       make(map[string]*pipeline),
		register:    make(chan *Client),
		unreg:       make(chan *Client),
		inbound:     make(chan inboundMessage, 64),
		events:      make(chan workerEvent, 256),
		startRound:  make(chan struct{}, 1),
		retuneCh:    make(chan tuning.Config, 1),
		createdAt:   now,
		lastActive:  now,
		tun:         tun,
		phase:       phaseLobby,
		round:       game.NewRound(tun.Smirk),
		perfHistory: make(map[string][]perfSample),
	}
}

func (h *Hub) run(cfg *Config) {
	for {
		select {
		case c := <-h.register:
			h.handleRegister(c)

		case c := <-h.unreg:
			h.handleUnregister(cfg, c)

		case in := <-h.inbound:
			h.handleInbound(in)

		case ev := <-h.events:
			h.handleWorkerEvent(ev)

		case <-h.startRound:
			h.beginRound()

		case next := <-h.retuneCh:
			h.mu.Lock()
			h.tun = next
			h.mu.Unlock()
		}
	}
}

func (h *Hub) handleRegister(c *Client) {
	h.mu.Lock()
	h.lastActive = time.Now()

	// First connection becomes moderator
	if h.moderatorPlayerID == "" {
		h.moderatorPlayerID = c.playerID
	}

	isExisting := false
	existingName := ""
	for _, p := range h.players {
		if p.PlayerID == c.playerID {
			isExisting = true
			existingName = p.Username
			break
		}
	}
	isModerator := (h.moderatorPlayerID == c.playerID)

	h.clients[c] = true

	c.send <- SessionInfoMessage{
		Type:        "session_info",
		LobbyLocked: h.lobbyLocked,
		IsExisting:  isExisting,
		IsModerator: isModerator,
		Username:    existingName,
		Phase:       h.phase,
	}

	if isModerator {
		h.sendModeratorViewLocked()
	}
	h.broadcastPlayerListLocked()
	h.mu.Unlock()
}

func (h *Hub) handleUnregister(cfg *Config, c *Client) {
	h.mu.Lock()
	h.lastActive = time.Now()

	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	playerID := c.playerID
	isModerator := (playerID == h.moderatorPlayerID)
	h.mu.Unlock()

	// Moderator "leaving" does not erase players.
	if playerID != "" && !isModerator {
		go h.scheduleRemoval(playerID, cfg.playerTimeout)
	}
}

func (h *Hub) handleInbound(in inboundMessage) {
	switch in.msg.Type {
	case "join":
		h.handleJoin(in)
	case "hello":
		h.handleHello(in)
	case "frame":
		h.handleFrame(in)
	case "set_accel_mode", "get_performance", "force_quality":
		h.handlePipelineCommand(in)
	case "lock_lobby", "kick", "start_round", "end_round":
		h.handleModCommand(in)
	}
}

// handleJoin processes "join" messages.
func (h *Hub) handleJoin(in inboundMessage) {
	msg := in.msg
	c := in.client

	if msg.Username == "" || c.playerID == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()

	existingIndex := -1
	for i, p := range h.players {
		if p.PlayerID == c.playerID {
			existingIndex = i
			break
		}
	}

	if h.lobbyLocked && existingIndex == -1 {
		trySend(c, SimpleMessage{
			Type:    "lobby_locked",
			Message: "The lobby is locked; no new players may join.",
		})
		return
	}

	for _, p := range h.players {
		if p.PlayerID == c.playerID {
			continue
		}
		if p.Username == msg.Username {
			trySend(c, SimpleMessage{
				Type:    "collision",
				Message: "That username is already taken. Please choose a different username.",
			})
			return
		}
	}

	if existingIndex >= 0 {
		h.players[existingIndex].Username = msg.Username
	} else {
		h.players = append(h.players, Player{
			PlayerID: c.playerID,
			Username: msg.Username,
		})
		h.log.WithField("player", msg.Username).Info("player joined")
	}

	h.broadcastPlayerListLocked()
	h.sendModeratorViewLocked()
}

// handleHello builds the player's detection pipeline from their capability
// report and answers with the chosen strategy.
func (h *Hub) handleHello(in inboundMessage) {
	msg := in.msg
	c := in.client

	if msg.GPU == nil || c.playerID == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()

	if !h.isPlayerLocked(c.playerID) {
		return
	}
	if _, ok := h.pipes[c.playerID]; ok {
		// Only the first capability report counts.
		return
	}

	p := newPipeline(h.log, h.tun, c.playerID, *msg.GPU)
	if h.phase != phaseLobby {
		p.spectating = true
	}
	h.pipes[c.playerID] = p

	go h.pumpWorker(c.playerID, p.worker)

	h.log.WithFields(logrus.Fields{
		"player":   h.usernameLocked(c.playerID),
		"strategy": p.strategy,
		"renderer": p.gpuInfo.Renderer,
	}).Debug("capability report classified")

	trySend(c, StrategyMessage{
		Type:           "strategy",
		Strategy:       p.strategy,
		Renderer:       p.gpuInfo.Renderer,
		FallbackReason: p.gpuInfo.FallbackReason,
		Profile:        gpuprobe.ConfigFor(p.strategy),
		Resolution:     p.quality.GetResolution(),
	})
	h.sendModeratorViewLocked()
}

func (h *Hub) handleFrame(in inboundMessage) {
	if in.msg.Frame == nil {
		return
	}

	h.mu.Lock()
	p, ok := h.pipes[in.client.playerID]
	h.lastActive = time.Now()
	h.mu.Unlock()

	if ok {
		p.submitFrame(*in.msg.Frame)
	}
}

func (h *Hub) handlePipelineCommand(in inboundMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p, ok := h.pipes[in.client.playerID]
	if !ok {
		return
	}
	h.lastActive = time.Now()

	switch in.msg.Type {
	case "set_accel_mode":
		if in.msg.PreferGPU == nil {
			return
		}
		p.worker.Submit(facetrack.Request{
			Type:      facetrack.ReqSetAccelMode,
			PreferGPU: *in.msg.PreferGPU,
		})

	case "get_performance":
		p.worker.Submit(facetrack.Request{Type: facetrack.ReqGetPerformance})

	case "force_quality":
		switch tier := quality.Tier(in.msg.Quality); tier {
		case quality.High, quality.Medium, quality.Low:
			p.quality.SetForcedQuality(tier)
			if res, changed := p.resolutionIfChanged(); changed {
				trySend(in.client, ResolutionMessage{Type: "resolution", Resolution: res})
			}
		}
	}
}

// handleModCommand processes moderator commands: lock/unlock lobby, kick
// users, start and end rounds.
func (h *Hub) handleModCommand(in inboundMessage) {
	c := in.client
	msg := in.msg

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()

	// Only moderator may issue these commands
	if h.moderatorPlayerID == "" || c.playerID != h.moderatorPlayerID {
		return
	}

	switch msg.Type {
	case "lock_lobby":
		locked := msg.Lock != nil && *msg.Lock
		h.lobbyLocked = locked

		h.broadcastLocked(LobbyStateMessage{Type: "lobby_state", Locked: locked})
		h.sendModeratorViewLocked()

	case "kick":
		h.kickLocked(msg.TargetUsername)

	case "start_round":
		h.startCalibrationLocked()

	case "end_round":
		if h.phase == phasePlaying {
			h.finishRoundLocked(time.Now().UnixMilli())
		} else if h.phase == phaseCalibrating || h.phase == phaseCountdown {
			h.returnToLobbyLocked()
		}
	}
}

func (h *Hub) kickLocked(target string) {
	if target == "" {
		return
	}

	dst := h.players[:0]
	kickedPlayerID := ""

	for _, p := range h.players {
		if p.Username == target {
			kickedPlayerID = p.PlayerID
			continue
		}
		dst = append(dst, p)
	}
	h.players = dst

	if kickedPlayerID == "" {
		return
	}

	if pipe, ok := h.pipes[kickedPlayerID]; ok {
		delete(h.pipes, kickedPlayerID)
		go pipe.stop()
	}
	if h.round.Active() {
		h.round.Remove(kickedPlayerID)
	}

	for client := range h.clients {
		if client.playerID == kickedPlayerID {
			client.send <- SimpleMessage{
				Type:    "kicked",
				Message: "You have been removed by the moderator.",
			}
			delete(h.clients, client)
			close(client.send)
		}
	}

	h.log.WithField("player", target).Info("player kicked")
	h.broadcastPlayerListLocked()
	h.sendModeratorViewLocked()
}

// startCalibrationLocked arms every ready pipeline's calibration machine.
// Players without a working detector spectate the round.
func (h *Hub) startCalibrationLocked() {
	if h.phase != phaseLobby {
		return
	}

	armed := 0
	for pid, p := range h.pipes {
		if !p.ready {
			p.spectating = true
			continue
		}
		p.spectating = false
		p.calibrated = false

		// The callbacks fire from ProcessDetection, which only runs while
		// h.mu is held, so the lookup below is safe without extra locking.
		pid := pid
		p.calib.Start(
			func(success bool) {
				if c := h.clientForLocked(pid); c != nil {
					trySend(c, SimpleMessage{Type: "calibration_done", Message: statusWord(success)})
				}
			},
			func(st calibrate.State) {
				if c := h.clientForLocked(pid); c != nil {
					trySend(c, CalibrationMessage{Type: "calibration", State: st})
				}
			},
		)
		armed++
	}

	if armed == 0 {
		h.broadcastLocked(SimpleMessage{
			Type:    "round_error",
			Message: "No player has a ready detector; cannot start a round.",
		})
		return
	}

	h.phase = phaseCalibrating
	h.log.WithField("players", armed).Info("calibration started")
	h.broadcastLocked(SimpleMessage{Type: "calibration_started", Message: "Hold a neutral face."})
	h.sendModeratorViewLocked()
}

func statusWord(success bool) string {
	if success {
		return "success"
	}
	return "failed"
}

// maybeBeginCountdownLocked starts the countdown once every armed player
// has either completed calibration or washed out to spectating.
func (h *Hub) maybeBeginCountdownLocked() {
	if h.phase != phaseCalibrating {
		return
	}

	calibrated := 0
	for _, p := range h.pipes {
		if p.spectating || !p.ready {
			continue
		}
		if !p.calibrated {
			return
		}
		calibrated++
	}
	if calibrated == 0 {
		h.returnToLobbyLocked()
		return
	}

	h.phase = phaseCountdown
	h.broadcastLocked(CountdownMessage{Type: "countdown", Seconds: countdownSeconds})

	time.AfterFunc(countdownSeconds*time.Second, func() {
		select {
		case h.startRound <- struct{}{}:
		default:
		}
	})
}

func (h *Hub) beginRound() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.phase != phaseCountdown {
		return
	}

	ids := make([]string, 0, len(h.pipes))
	names := make([]string, 0, len(h.pipes))
	for pid, p := range h.pipes {
		if p.calibrated && !p.spectating {
			ids = append(ids, pid)
			names = append(names, h.usernameLocked(pid))
		}
	}
	if len(ids) == 0 {
		h.returnToLobbyLocked()
		return
	}

	h.round = game.NewRound(h.tun.Smirk)
	h.round.Start(ids, time.Now().UnixMilli())
	h.phase = phasePlaying

	h.log.WithField("players", len(ids)).Info("round started")
	h.broadcastLocked(PlayerListMessage{Type: "round_started", Players: names})
	h.sendModeratorViewLocked()
}

func (h *Hub) returnToLobbyLocked() {
	h.phase = phaseLobby
	for _, p := range h.pipes {
		p.calib.Reset()
		p.calibrated = false
		p.spectating = false
	}
	h.broadcastLocked(SimpleMessage{Type: "lobby", Message: "Back to the lobby."})
	h.sendModeratorViewLocked()
}

// finishRoundLocked ends the round, persists standings, and broadcasts the
// results.
func (h *Hub) finishRoundLocked(atMs int64) {
	results := h.round.Finish(atMs)

	out := make([]RoundResult, 0, len(results))
	stored := make([]scorestore.Result, 0, len(results))
	winner := ""
	for _, res := range results {
		name := h.usernameLocked(res.PlayerID)
		if name == "" {
			name = res.PlayerID
		}
		if res.Won && winner == "" {
			winner = name
		}
		out = append(out, RoundResult{Username: name, SurvivedMs: res.SurvivedMs, Won: res.Won})
		stored = append(stored, scorestore.Result{Username: name, SurvivedMs: res.SurvivedMs, Won: res.Won})
	}

	store := h.store
	gameID := h.id
	log := h.log
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := store.SaveRound(ctx, gameID, stored); err != nil {
			log.WithError(err).Warn("round results not persisted")
		}
	}()

	h.log.WithField("winner", winner).Info("round over")
	h.broadcastLocked(RoundOverMessage{Type: "round_over", Winner: winner, Results: out})
	h.returnToLobbyLocked()
}

// pumpWorker forwards one worker's responses into the hub's event loop.
func (h *Hub) pumpWorker(playerID string, w *facetrack.Worker) {
	for resp := range w.Responses() {
		h.events <- workerEvent{playerID: playerID, resp: resp}
	}
}

func (h *Hub) handleWorkerEvent(ev workerEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p, ok := h.pipes[ev.playerID]
	if !ok {
		return
	}
	client := h.clientForLocked(ev.playerID)

	switch ev.resp.Type {
	case facetrack.RespLoadingProgress:
		if client != nil && ev.resp.Progress != nil {
			trySend(client, struct {
				Type     string `json:"type"`
				Stage    string `json:"stage"`
				Progress int    `json:"progress"`
			}{"loading_progress", ev.resp.Progress.Stage, ev.resp.Progress.Progress})
		}

	case facetrack.RespModelsLoaded:
		p.ready = true
		if client != nil && ev.resp.Ready != nil {
			trySend(client, struct {
				Type  string                 `json:"type"`
				Ready facetrack.ReadyPayload `json:"ready"`
			}{"detector_ready", *ev.resp.Ready})
		}
		h.sendModeratorViewLocked()

	case facetrack.RespInitError:
		if client != nil && ev.resp.Error != nil {
			trySend(client, struct {
				Type  string                 `json:"type"`
				Error facetrack.ErrorPayload `json:"error"`
			}{"init_error", *ev.resp.Error})
		}
		if ev.resp.Error != nil && !ev.resp.Error.Recoverable {
			p.spectating = true
			h.sendModeratorViewLocked()
		}

	case facetrack.RespDetectResult:
		if ev.resp.Result != nil {
			h.handleDetectionLocked(p, client, *ev.resp.Result)
		}

	case facetrack.RespDetectError:
		// A failed tick is a no-update for calibration and the round.
		if ev.resp.Error != nil {
			h.log.WithField("player", h.usernameLocked(ev.playerID)).
				WithField("message", ev.resp.Error.Message).Debug("detection tick skipped")
		}

	case facetrack.RespPerformanceMetrics:
		if client != nil && ev.resp.Metrics != nil {
			trySend(client, struct {
				Type    string                `json:"type"`
				Metrics facetrack.PerfPayload `json:"metrics"`
			}{"performance", *ev.resp.Metrics})
		}
	}
}

// handleDetectionLocked routes one detection record into the quality
// controller and whichever phase logic is active, then forwards it to the
// player.
func (h *Hub) handleDetectionLocked(p *pipeline, client *Client, res facetrack.ResultPayload) {
	perf := res.Performance
	if perf.FPS > 0 {
		p.quality.RecordPerformance(perf.FPS, perf.LatencyMs)
		if out, changed := p.resolutionIfChanged(); changed && client != nil {
			trySend(client, ResolutionMessage{Type: "resolution", Resolution: out})
		}
	}

	name := h.usernameLocked(p.playerID)
	if name != "" {
		samples := append(h.perfHistory[name], perfSample{
			AtMs:      res.Record.TimestampMs,
			FPS:       perf.FPS,
			LatencyMs: perf.LatencyMs,
		})
		if len(samples) > perfHistoryMax {
			samples = samples[len(samples)-perfHistoryMax:]
		}
		h.perfHistory[name] = samples
	}

	if client != nil {
		trySend(client, DetectionMessage{Type: "detection", Record: res.Record, Performance: perf})
	}

	switch h.phase {
	case phaseCalibrating:
		if p.spectating || p.calibrated {
			return
		}
		switch p.calib.ProcessDetection(res.Record) {
		case calibrate.StatusComplete:
			p.calibrated = true
			h.maybeBeginCountdownLocked()
		case calibrate.StatusFailed:
			p.spectating = true
			h.maybeBeginCountdownLocked()
		}

	case phasePlaying:
		nowMs := time.Now().UnixMilli()
		v := h.round.ProcessDetection(p.playerID, res.Record, nowMs)
		if v.Eliminated {
			state, _ := h.round.Player(p.playerID)
			h.broadcastLocked(EliminationMessage{
				Type:       "elimination",
				Username:   name,
				SurvivedMs: state.SurvivedMs,
			})
			if h.round.AliveCount() <= 1 {
				h.finishRoundLocked(nowMs)
			}
		}
	}
}

// scheduleRemoval waits for d, and if no client with this playerID is
// currently connected, removes that player and tears down their pipeline.
func (h *Hub) scheduleRemoval(playerID string, d time.Duration) {
	time.Sleep(d)

	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		if client.playerID == playerID {
			return
		}
	}

	dst := h.players[:0]
	changed := false

	for _, p := range h.players {
		if p.PlayerID == playerID {
			changed = true
			continue
		}
		dst = append(dst, p)
	}
	h.players = dst

	if !changed {
		return
	}

	if pipe, ok := h.pipes[playerID]; ok {
		delete(h.pipes, playerID)
		go pipe.stop()
	}
	if h.round.Active() {
		h.round.Remove(playerID)
	}

	h.lastActive = time.Now()

	h.broadcastPlayerListLocked()
	h.sendModeratorViewLocked()
}

func (h *Hub) isPlayerLocked(playerID string) bool {
	for _, p := range h.players {
		if p.PlayerID == playerID {
			return true
		}
	}
	return false
}

func (h *Hub) usernameLocked(playerID string) string {
	for _, p := range h.players {
		if p.PlayerID == playerID {
			return p.Username
		}
	}
	return ""
}

func (h *Hub) clientForLocked(playerID string) *Client {
	for c := range h.clients {
		if c.playerID == playerID {
			return c
		}
	}
	return nil
}

func (h *Hub) broadcastPlayerListLocked() {
	names := make([]string, 0, len(h.players))
	for _, p := range h.players {
		names = append(names, p.Username)
	}
	h.broadcastLocked(PlayerListMessage{Type: "player_list", Players: names})
}

func (h *Hub) broadcastLocked(msg any) {
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			delete(h.clients, client)
			close(client.send)
		}
	}
}

// sendModeratorViewLocked assumes h.mu is already held.
func (h *Hub) sendModeratorViewLocked() {
	if h.moderatorPlayerID == "" {
		return
	}

	modClient := h.clientForLocked(h.moderatorPlayerID)
	if modClient == nil {
		return
	}

	players := make([]ModeratorPlayer, 0, len(h.players))
	for _, p := range h.players {
		mp := ModeratorPlayer{Username: p.Username}
		if pipe, ok := h.pipes[p.PlayerID]; ok {
			mp.Strategy = pipe.strategy
			mp.Ready = pipe.ready
			mp.Calibrated = pipe.calibrated
			mp.Spectating = pipe.spectating
		}
		players = append(players, mp)
	}

	msg := ModeratorViewMessage{
		Type:        "moderator_view",
		Players:     players,
		LobbyLocked: h.lobbyLocked,
		Phase:       h.phase,
		CreatedAt:   h.createdAt,
		LastActive:  h.lastActive,
	}

	select {
	case modClient.send <- msg:
	default:
		delete(h.clients, modClient)
		close(modClient.send)
	}
}

// trySend delivers a message to one client, dropping it when the client's
// buffer is full. Slow consumers lose updates, not the session.
func trySend(c *Client, msg any) {
	select {
	case c.send <- msg:
	default:
	}
}

// closeAll disconnects all clients and tears down every pipeline (used by
// the reaper).
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		close(c.send)
		_ = c.conn.Close()
		delete(h.clients, c)
	}
	for pid, p := range h.pipes {
		delete(h.pipes, pid)
		go p.stop()
	}
}

// perfSnapshot copies the recent per-player performance samples for the
// report page.
func (h *Hub) perfSnapshot() map[string][]perfSample {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string][]perfSample, len(h.perfHistory))
	for name, samples := range h.perfHistory {
		out[name] = append([]perfSample(nil), samples...)
	}
	return out
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const playerCookieName = "smirkle_id"

func getOrSetPlayerID(w http.ResponseWriter, r *http.Request, log *logrus.Logger) string {
	if c, err := r.Cookie(playerCookieName); err == nil && c.Value != "" {
		return c.Value
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		log.WithError(err).Error("generating player id")
		return ""
	}
	id := hex.EncodeToString(buf)

	http.SetCookie(w, &http.Cookie{
		Name:     playerCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return id
}

// GameManager holds a set of hubs keyed by game ID, so each /smirkle/:gameid
// is its own isolated session.
type GameManager struct {
	mu          sync.Mutex
	hubs        map[string]*Hub
	idleTimeout time.Duration

	log   *logrus.Logger
	tun   tuning.Config
	store scorestore.Store
}

func newGameManager(idleTimeout time.Duration, log *logrus.Logger, tun tuning.Config, store scorestore.Store) *GameManager {
	gm := &GameManager{
		hubs:        make(map[string]*Hub),
		idleTimeout: idleTimeout,
		log:         log,
		tun:         tun,
		store:       store,
	}
	if idleTimeout > 0 {
		go gm.reaperLoop()
	}
	return gm
}

func (gm *GameManager) getHub(cfg *Config, gameID string) *Hub {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	if hub, ok := gm.hubs[gameID]; ok {
		return hub
	}

	hub := newHub(gameID, logrus.NewEntry(gm.log), gm.tun, gm.store)
	gm.hubs[gameID] = hub
	go hub.run(cfg)
	return hub
}

func (gm *GameManager) findHub(gameID string) *Hub {
	gm.mu.Lock()
	defer gm.mu.Unlock()
	return gm.hubs[gameID]
}

// retune pushes a reloaded tuning config to new sessions and, best-effort,
// to running hubs.
func (gm *GameManager) retune(next tuning.Config) {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	gm.tun = next
	for _, hub := range gm.hubs {
		select {
		case hub.retuneCh <- next:
		default:
		}
	}
}

// newGameID generates a crypto-random game ID and ensures it doesn't
// collide with existing games.
func (gm *GameManager) newGameID() string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	for {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, 8)
		for i := range out {
			out[i] = letters[int(buf[i])%len(letters)]
		}
		id := string(out)

		gm.mu.Lock()
		_, exists := gm.hubs[id]
		gm.mu.Unlock()

		if !exists {
			return id
		}
	}
}

// reaperLoop periodically removes hubs that have been idle longer than
// idleTimeout.
func (gm *GameManager) reaperLoop() {
	ticker := time.NewTicker(gm.idleTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-gm.idleTimeout)

		gm.mu.Lock()
		for id, hub := range gm.hubs {
			hub.mu.RLock()
			last := hub.lastActive
			hub.mu.RUnlock()

			if last.Before(cutoff) {
				delete(gm.hubs, id)
				go hub.closeAll()
			}
		}
		gm.mu.Unlock()
	}
}

// WebSocket handler that picks the hub based on :gameid
func serveWSForManager(cfg *Config, gm *GameManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		gameID := ps.ByName("gameid")
		if gameID == "" {
			http.Error(w, "missing game id", http.StatusBadRequest)
			return
		}

		playerID := getOrSetPlayerID(w, r, gm.log)
		if playerID == "" {
			http.Error(w, "unable to assign player id", http.StatusInternalServerError)
			return
		}

		hub := gm.getHub(cfg, gameID)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			gm.log.WithError(err).Error("websocket upgrade failed")
			return
		}

		client := &Client{
			conn:     conn,
			send:     make(chan any, 32),
			playerID: playerID,
		}

		hub.register <- client

		go client.writePump()
		client.readPump(hub)
	}
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		h.unreg <- c
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		h.inbound <- inboundMessage{client: c, msg: msg}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// QR handler: generates a PNG QR code for the current game URL using
// go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	gameID := ps.ByName("gameid")
	if gameID == "" {
		http.Error(w, "missing game id", http.StatusBadRequest)
		return
	}

	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /.../:gameid/qr; strip trailing "/qr" to get the game URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

//go:embed smirkle/index.html
var indexHTML []byte

func getIndexHandler(cfg *Config, gm *GameManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_ = getOrSetPlayerID(w, r, gm.log)

		_, _ = w.Write(indexHTML)
	}
}

// redirectNewGame handles GET /path by generating a new random game ID
// (with server-side collision detection) and redirecting to /path/:gameid.
func redirectNewGame(cfg *Config, path string, gm *GameManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		gameID := gm.newGameID()
		gm.log.WithField("game", path+"/"+gameID).Debug("created game")
		http.Redirect(w, r, path+"/"+gameID, http.StatusTemporaryRedirect)
	}
}

// registerSmirkleGame sets up routes so that:
//   - $path                  → redirects to new random game (8-char ID)
//   - $path/:gameid          → HTML client
//   - $path/:gameid/ws       → WebSocket for that game
//   - $path/:gameid/qr       → PNG QR code for that game URL
//   - $path/:gameid/perf     → FPS/latency chart for that game
func registerSmirkleGame(cfg *Config, path string, mux *httprouter.Router, log *logrus.Logger, tun tuning.Config, store scorestore.Store) *GameManager {
	gm := newGameManager(cfg.sessionTimeout, log, tun, store)

	// Root path → redirect to new random game
	mux.GET(path, redirectNewGame(cfg, path, gm))

	// Per-game client view (HTML)
	mux.GET(cfg.prefix+path+"/:gameid", getIndexHandler(cfg, gm))

	// Per-game websocket
	mux.GET(cfg.prefix+path+"/:gameid/ws", serveWSForManager(cfg, gm))

	// Per-game QR code
	mux.GET(cfg.prefix+path+"/:gameid/qr", qrHandler)

	// Per-game performance chart
	mux.GET(cfg.prefix+path+"/:gameid/perf", perfReportHandler(cfg, gm))

	return gm
}
