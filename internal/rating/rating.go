// Package rating provides the skill-rating lookup and the win-probability
// predictor consumed by the matchmaker. The engine never updates ratings
// itself; it only reads them through Source and feeds them to a Predictor.
//
// The default predictor is the logistic (Elo-style) expected score over
// total team rating:
//
//	P(blue wins) = 1 / (1 + 10^((R_red - R_blue) / scale))
//
// Probabilities use shopspring/decimal at rest. Internal transcendental
// math uses float64, with results immediately converted to decimal and
// rounded to ProbabilityScale places.
package rating

import (
	"errors"
	"math"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/inhouse/match-engine/internal/model"
)

var (
	// ErrInvalidScale is returned when the predictor scale is not positive.
	ErrInvalidScale = errors.New("rating: scale must be positive")

	// ErrTeamSize is returned when the two rating slices differ in length
	// or are empty.
	ErrTeamSize = errors.New("rating: sides must be non-empty and equal-sized")
)

// ProbabilityScale is the number of decimal places for probability rounding.
var ProbabilityScale int32 = 8

// Source looks up a player's rating for a role. Implementations are
// expected to be safe for concurrent use.
type Source interface {
	Rating(playerID string, role model.Role) decimal.Decimal
}

// Predictor computes the probability that the blue side wins given the
// five ratings on each side.
type Predictor interface {
	Predict(blue, red []decimal.Decimal) (decimal.Decimal, error)
}

// LogisticPredictor is the Elo-style expected-score predictor. It is
// stateless; ratings are passed as arguments, not stored.
type LogisticPredictor struct {
	scale float64
}

// NewLogisticPredictor creates a predictor with the given scale. Higher
// scale → rating differences matter less. The conventional Elo scale
// is 400 per player, so team-sum comparisons use 400 * teamSize; pass
// the per-player scale here and the team adjustment is applied in Predict.
func NewLogisticPredictor(scale float64) (*LogisticPredictor, error) {
	if scale <= 0 {
		return nil, ErrInvalidScale
	}
	return &LogisticPredictor{scale: scale}, nil
}

// Predict returns P(blue wins) as a decimal in (0, 1), rounded to
// ProbabilityScale places. Symmetric: swapping the sides yields 1 - p.
func (p *LogisticPredictor) Predict(blue, red []decimal.Decimal) (decimal.Decimal, error) {
	if len(blue) == 0 || len(blue) != len(red) {
		return decimal.Zero, ErrTeamSize
	}

	var sumBlue, sumRed float64
	for i := range blue {
		sumBlue += blue[i].InexactFloat64()
		sumRed += red[i].InexactFloat64()
	}

	// Team-sum comparison: the per-player scale stretches with team size
	// so that a 1-player rating edge means the same in any team size.
	exponent := (sumRed - sumBlue) / (p.scale * float64(len(blue)))
	prob := 1.0 / (1.0 + math.Pow(10, exponent))

	return decimal.NewFromFloat(prob).Round(ProbabilityScale), nil
}

// MemorySource is a Source backed by an in-memory map, used for testing
// and for deployments that seed ratings at startup. Unknown
// (player, role) pairs fall back to the default rating.
type MemorySource struct {
	mu       sync.RWMutex
	ratings  map[ratingKey]decimal.Decimal
	fallback decimal.Decimal
}

type ratingKey struct {
	playerID string
	role     model.Role
}

// NewMemorySource creates a MemorySource with the given default rating.
func NewMemorySource(defaultRating decimal.Decimal) *MemorySource {
	return &MemorySource{
		ratings:  make(map[ratingKey]decimal.Decimal),
		fallback: defaultRating,
	}
}

// Set records a rating for a (player, role) pair.
func (s *MemorySource) Set(playerID string, role model.Role, r decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ratings[ratingKey{playerID, role}] = r
}

// Rating returns the stored rating, or the default when none is set.
func (s *MemorySource) Rating(playerID string, role model.Role) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.ratings[ratingKey{playerID, role}]; ok {
		return r
	}
	return s.fallback
}
