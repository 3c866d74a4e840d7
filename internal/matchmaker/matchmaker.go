// Package matchmaker searches a channel's waiting queues for the most
// balanced feasible ten-player game.
//
// The search space is bounded: only the longest-waiting candidates per
// role are eligible (default 2, configurable), and every way of filling
// the two side slots of each role from those candidates is scored. With
// the default config that is 16 distinct games (2 per role, halved by the
// blue/red mirror symmetry), small enough to enumerate exhaustively on
// every queue change.
//
// The imbalance score of a game is |P(blue wins) - 0.5|; the search
// minimizes it. Ties prefer the ten who joined earliest, then fall back
// to ordering by player id so results are deterministic.
package matchmaker

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/inhouse/match-engine/internal/model"
	"github.com/inhouse/match-engine/internal/rating"
)

// MaxImbalance is the policy gate for proposing a game: candidates at or
// above it (predicted winrate outside (0.3, 0.7)) should not be started.
// The gate is applied by the caller; the search itself always returns
// the best candidate it found.
var MaxImbalance = decimal.NewFromFloat(0.2)

// ErrCandidatesPerRole is returned when the config allows fewer than two
// eligible candidates per role.
var ErrCandidatesPerRole = errors.New("matchmaker: candidates per role must be at least 2")

// Config bounds the matchmaking search.
type Config struct {
	// CandidatesPerRole is how many longest-waiting entries per role are
	// eligible. Must be >= 2 (a game needs two distinct players per role).
	CandidatesPerRole int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{CandidatesPerRole: 2}
}

// Validate checks the config invariants.
func (c Config) Validate() error {
	if c.CandidatesPerRole < 2 {
		return fmt.Errorf("%w: got %d", ErrCandidatesPerRole, c.CandidatesPerRole)
	}
	return nil
}

// Candidate is the best game found by a search. Assignments hold the blue
// five (in role order) followed by the red five.
type Candidate struct {
	Assignments        []model.Assignment
	BlueWinProbability decimal.Decimal
	Imbalance          decimal.Decimal
}

// PlayerIDs returns the ten player ids in assignment order.
func (c *Candidate) PlayerIDs() []string {
	ids := make([]string, 0, len(c.Assignments))
	for _, a := range c.Assignments {
		ids = append(ids, a.Player.ID)
	}
	return ids
}

// half is the balanced-probability reference point.
var half = decimal.NewFromFloat(0.5)

// FindBestGame searches the given channel snapshot for the most balanced
// game. Returns nil (and no error) when a full game is infeasible: any
// role with fewer than two waiting entries, or no way to fill the ten
// slots with ten distinct players.
func FindBestGame(snapshot map[model.Role][]model.WaitingEntry, src rating.Source, pred rating.Predictor, cfg Config) (*Candidate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Eligibility: the longest-waiting candidates per role, in queue order.
	eligible := make([][]model.WaitingEntry, len(model.Roles))
	for i, role := range model.Roles {
		q := snapshot[role]
		if len(q) < 2 {
			return nil, nil
		}
		n := cfg.CandidatesPerRole
		if n > len(q) {
			n = len(q)
		}
		eligible[i] = q[:n]
	}

	var best *Candidate
	var bestJoinSum int64
	var bestKey string

	// slots[i] = (blue index, red index) into eligible[i]. A player
	// waiting in several role queues may fill only one of the ten slots,
	// so selections are pruned against the ids already chosen.
	var slots [5][2]int
	used := make(map[string]bool, 10)
	var walk func(roleIdx int) error
	walk = func(roleIdx int) error {
		if roleIdx == len(model.Roles) {
			cand, joinSum, key, err := score(eligible, slots, src, pred)
			if err != nil {
				return err
			}
			if better(cand, joinSum, key, best, bestJoinSum, bestKey) {
				best, bestJoinSum, bestKey = cand, joinSum, key
			}
			return nil
		}
		for b := range eligible[roleIdx] {
			for r := range eligible[roleIdx] {
				if b == r {
					continue
				}
				// Mirror symmetry: swapping both full sides yields the
				// complementary probability, so fix the first role's pair
				// to one orientation.
				if roleIdx == 0 && b > r {
					continue
				}
				blueID := eligible[roleIdx][b].Player.ID
				redID := eligible[roleIdx][r].Player.ID
				if used[blueID] || used[redID] {
					continue
				}
				used[blueID], used[redID] = true, true
				slots[roleIdx] = [2]int{b, r}
				err := walk(roleIdx + 1)
				delete(used, blueID)
				delete(used, redID)
				if err != nil {
					return err
				}
			}
		}
		return nil
	}

	if err := walk(0); err != nil {
		return nil, err
	}
	return best, nil
}

// score builds and evaluates one fully assigned game.
func score(eligible [][]model.WaitingEntry, slots [5][2]int, src rating.Source, pred rating.Predictor) (*Candidate, int64, string, error) {
	assignments := make([]model.Assignment, 0, 10)
	blueRatings := make([]decimal.Decimal, 0, 5)
	redRatings := make([]decimal.Decimal, 0, 5)
	var joinSum int64
	var keyParts []string

	for _, side := range []model.Side{model.SideBlue, model.SideRed} {
		for i, role := range model.Roles {
			idx := slots[i][0]
			if side == model.SideRed {
				idx = slots[i][1]
			}
			e := eligible[i][idx]
			r := src.Rating(e.Player.ID, role)
			assignments = append(assignments, model.Assignment{
				Player: e.Player,
				Role:   role,
				Side:   side,
				Rating: r,
			})
			if side == model.SideBlue {
				blueRatings = append(blueRatings, r)
			} else {
				redRatings = append(redRatings, r)
			}
			joinSum += e.JoinedAt.UnixNano()
			keyParts = append(keyParts, e.Player.ID)
		}
	}

	prob, err := pred.Predict(blueRatings, redRatings)
	if err != nil {
		return nil, 0, "", err
	}

	return &Candidate{
		Assignments:        assignments,
		BlueWinProbability: prob,
		Imbalance:          prob.Sub(half).Abs(),
	}, joinSum, strings.Join(keyParts, "|"), nil
}

// better applies the selection order: lower imbalance, then earlier total
// join time (the longest-waiting ten win ties), then player-id order.
func better(cand *Candidate, joinSum int64, key string, best *Candidate, bestJoinSum int64, bestKey string) bool {
	if best == nil {
		return true
	}
	switch cand.Imbalance.Cmp(best.Imbalance) {
	case -1:
		return true
	case 1:
		return false
	}
	if joinSum != bestJoinSum {
		return joinSum < bestJoinSum
	}
	return key < bestKey
}
