// Package game decides pass/fail during a round. Smirk detection uses
// enter/exit hysteresis plus grace-frame debouncing so a single noisy
// frame never eliminates anyone; the score is survival time.
package game

import (
	"sort"

	"github.com/G1nga-synn3r/smirkle-sub001/internal/facetrack"
	"github.com/G1nga-synn3r/smirkle-sub001/internal/tuning"
)

// PlayerState tracks one player's progress through the round.
type PlayerState struct {
	PlayerID string

	Alive        bool
	Smirking     bool
	SmirkStreak  int
	PeakScore    float64
	SurvivedMs   int64
	EliminatedAt int64
}

// Verdict is the outcome of applying one detection tick to a player.
type Verdict struct {
	PlayerID   string
	Eliminated bool
	Smirking   bool
	Streak     int
	Score      float64
}

// Result is one player's final standing for persistence.
type Result struct {
	PlayerID   string
	SurvivedMs int64
	Won        bool
}

// Round runs the pass/fail logic for one video playback. Single-writer:
// the hub's event loop drives it sequentially.
type Round struct {
	cfg       tuning.Smirk
	players   map[string]*PlayerState
	startedMs int64
	active    bool
}

// NewRound builds an idle round.
func NewRound(cfg tuning.Smirk) *Round {
	return &Round{cfg: cfg, players: make(map[string]*PlayerState)}
}

// Start begins the round for the given players at the given timestamp.
func (r *Round) Start(playerIDs []string, atMs int64) {
	r.players = make(map[string]*PlayerState, len(playerIDs))
	for _, id := range playerIDs {
		r.players[id] = &PlayerState{PlayerID: id, Alive: true}
	}
	r.startedMs = atMs
	r.active = true
}

// Active reports whether a round is in progress.
func (r *Round) Active() bool { return r.active }

// ProcessDetection applies one detection tick. No-face frames are a
// no-update: the player neither gains nor loses smirk streak, because an
// absent face is not evidence either way.
func (r *Round) ProcessDetection(playerID string, rec facetrack.Record, atMs int64) Verdict {
	v := Verdict{PlayerID: playerID}

	p, ok := r.players[playerID]
	if !ok || !r.active || !p.Alive {
		return v
	}
	if !rec.FaceDetected {
		v.Smirking = p.Smirking
		v.Streak = p.SmirkStreak
		return v
	}

	v.Score = rec.HappinessScore
	if rec.HappinessScore > p.PeakScore {
		p.PeakScore = rec.HappinessScore
	}

	switch {
	case rec.HappinessScore >= r.cfg.EnterThreshold:
		p.Smirking = true
		p.SmirkStreak++
	case rec.HappinessScore <= r.cfg.ExitThreshold:
		p.Smirking = false
		p.SmirkStreak = 0
	default:
		// Between thresholds: hold the current state, but an active
		// streak keeps counting.
		if p.Smirking {
			p.SmirkStreak++
		}
	}

	if p.Smirking && p.SmirkStreak > r.cfg.GraceFrames {
		p.Alive = false
		p.EliminatedAt = atMs
		p.SurvivedMs = atMs - r.startedMs
		v.Eliminated = true
	}

	v.Smirking = p.Smirking
	v.Streak = p.SmirkStreak
	return v
}

// AliveCount returns how many players are still in.
func (r *Round) AliveCount() int {
	n := 0
	for _, p := range r.players {
		if p.Alive {
			n++
		}
	}
	return n
}

// Alive reports whether a player is still in the round.
func (r *Round) Alive(playerID string) bool {
	p, ok := r.players[playerID]
	return ok && p.Alive
}

// Remove drops a player from the round (disconnect or kick) without
// awarding an elimination.
func (r *Round) Remove(playerID string) {
	delete(r.players, playerID)
}

// Finish ends the round at the given timestamp, credits survivors with
// full survival time, and returns final standings sorted best-first.
// Survivors win; among the eliminated, later is better.
func (r *Round) Finish(atMs int64) []Result {
	r.active = false

	results := make([]Result, 0, len(r.players))
	for _, p := range r.players {
		res := Result{PlayerID: p.PlayerID}
		if p.Alive {
			res.SurvivedMs = atMs - r.startedMs
			res.Won = true
		} else {
			res.SurvivedMs = p.SurvivedMs
		}
		results = append(results, res)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Won != results[j].Won {
			return results[i].Won
		}
		if results[i].SurvivedMs != results[j].SurvivedMs {
			return results[i].SurvivedMs > results[j].SurvivedMs
		}
		return results[i].PlayerID < results[j].PlayerID
	})
	return results
}

// Winner returns the sole surviving player's id when exactly one remains,
// otherwise "".
func (r *Round) Winner() string {
	winner := ""
	for _, p := range r.players {
		if !p.Alive {
			continue
		}
		if winner != "" {
			return ""
		}
		winner = p.PlayerID
	}
	return winner
}

// Player returns a copy of a player's state for inspection.
func (r *Round) Player(playerID string) (PlayerState, bool) {
	p, ok := r.players[playerID]
	if !ok {
		return PlayerState{}, false
	}
	return *p, true
}
