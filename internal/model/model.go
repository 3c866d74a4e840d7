// Package model defines the core domain types shared across the match engine.
// Ratings and win probabilities use shopspring/decimal at rest; float64
// appears only inside transcendental math.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Role is one of the five positions filling a team.
type Role string

// The five roles, in display order.
const (
	RoleTop     Role = "TOP"
	RoleJungle  Role = "JGL"
	RoleMid     Role = "MID"
	RoleBot     Role = "BOT"
	RoleSupport Role = "SUP"
)

// Roles lists all five roles in display order. A full game needs exactly
// one participant per role per side.
var Roles = []Role{RoleTop, RoleJungle, RoleMid, RoleBot, RoleSupport}

// roleAliases maps accepted spellings to canonical roles.
var roleAliases = map[string]Role{
	"TOP":     RoleTop,
	"JGL":     RoleJungle,
	"JUNGLE":  RoleJungle,
	"MID":     RoleMid,
	"MIDDLE":  RoleMid,
	"BOT":     RoleBot,
	"ADC":     RoleBot,
	"SUP":     RoleSupport,
	"SUPPORT": RoleSupport,
}

var (
	ErrInvalidRole = errors.New("model: invalid role")
	ErrInvalidSide = errors.New("model: invalid side")
)

// ParseRole parses a role name, accepting common aliases (JUNGLE, ADC,
// SUPPORT). Case-insensitive.
func ParseRole(s string) (Role, error) {
	r, ok := roleAliases[strings.ToUpper(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("%w: %q (expected one of TOP, JGL, MID, BOT, SUP)", ErrInvalidRole, s)
	}
	return r, nil
}

// Side is one of the two five-participant teams in a game.
type Side string

const (
	SideBlue Side = "BLUE"
	SideRed  Side = "RED"
)

// ParseSide parses a side name. Case-insensitive.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BLUE":
		return SideBlue, nil
	case "RED":
		return SideRed, nil
	}
	return "", fmt.Errorf("%w: %q (expected BLUE or RED)", ErrInvalidSide, s)
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBlue {
		return SideRed
	}
	return SideBlue
}

// Player identifies a participant. Referenced, never owned, by pools and
// games; identity comes from the external command layer.
type Player struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// WaitingEntry is one player waiting in one role of one channel's queue.
type WaitingEntry struct {
	Player    Player    `json:"player"`
	Role      Role      `json:"role"`
	ServerID  string    `json:"server_id"`
	ChannelID string    `json:"channel_id"`
	JoinedAt  time.Time `json:"joined_at"`
}

// Assignment places one player in one role on one side of a game.
type Assignment struct {
	Player Player          `json:"player"`
	Role   Role            `json:"role"`
	Side   Side            `json:"side"`
	Rating decimal.Decimal `json:"rating"`
}

// Game is a committed contest record. Immutable once scored, except that
// an unscored game may be cancelled (deleted).
type Game struct {
	ID                 string          `json:"id" db:"id"`
	ServerID           string          `json:"server_id" db:"server_id"`
	ChannelID          string          `json:"channel_id" db:"channel_id"`
	Assignments        []Assignment    `json:"assignments"`
	BlueWinProbability decimal.Decimal `json:"blue_win_probability" db:"blue_win_probability"`
	Winner             Side            `json:"winner,omitempty" db:"winner"` // empty until scored
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
	ScoredAt           *time.Time      `json:"scored_at,omitempty" db:"scored_at"`
}

// Scored reports whether a winner has been recorded.
func (g *Game) Scored() bool {
	return g.Winner != ""
}

// HasPlayer reports whether the given player is one of the ten assigned.
func (g *Game) HasPlayer(playerID string) bool {
	for _, a := range g.Assignments {
		if a.Player.ID == playerID {
			return true
		}
	}
	return false
}

// SideOf returns the side the given player is assigned to, or "" if the
// player is not part of the game.
func (g *Game) SideOf(playerID string) Side {
	for _, a := range g.Assignments {
		if a.Player.ID == playerID {
			return a.Side
		}
	}
	return ""
}
