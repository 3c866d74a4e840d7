// Package readycheck runs the confirmation protocol between a proposed
// game and a committed record.
//
// Each proposal is a state machine: Proposed, then exactly one of
// Validated, Cancelled, or TimedOut. Terminal states are absorbing.
// Confirmations and the deadline timer race; a single coordinator mutex
// serializes them so exactly one terminal transition ever happens.
//
// On entry the ten players are reserved: every waiting entry they hold
// in every channel is removed from the pool, which is what enforces
// "at most one active proposal per player". The reserved entries are kept
// so the non-dropped players can be restored in their original join order
// after a cancel or timeout.
//
// Lock order: coordinator mutex first, pool mutex second (the pool never
// calls back into the coordinator). The contest store is only ever called
// with the coordinator mutex released.
package readycheck

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inhouse/match-engine/internal/contest"
	"github.com/inhouse/match-engine/internal/matchmaker"
	"github.com/inhouse/match-engine/internal/model"
	"github.com/inhouse/match-engine/internal/queue"
)

// State is a proposal's state-machine state.
type State string

const (
	StateProposed  State = "PROPOSED"
	StateValidated State = "VALIDATED"
	StateCancelled State = "CANCELLED"
	StateTimedOut  State = "TIMED_OUT"
)

// ConfirmState is one player's answer within a proposal.
type ConfirmState string

const (
	ConfirmPending  ConfirmState = "PENDING"
	ConfirmAccepted ConfirmState = "ACCEPTED"
	ConfirmDeclined ConfirmState = "DECLINED"
)

var (
	// ErrAlreadyProposed is returned when a player in the candidate is
	// already reserved by another active proposal.
	ErrAlreadyProposed = errors.New("readycheck: player already in an active proposal")

	// ErrInvalidConfirmation is returned for a confirm from a player not
	// in the proposal, or after the proposal reached a terminal state.
	// The proposal state is unchanged.
	ErrInvalidConfirmation = errors.New("readycheck: invalid confirmation")

	// ErrUnknownProposal is returned when no active proposal has the id.
	ErrUnknownProposal = errors.New("readycheck: unknown proposal")

	// ErrThreshold is returned when the validation threshold is outside
	// [1, 10].
	ErrThreshold = errors.New("readycheck: validation threshold must be between 1 and 10")
)

// Config holds the ready-check policy knobs.
type Config struct {
	// Timeout is the deadline for the whole check, measured from
	// proposal creation and never renewed.
	Timeout time.Duration

	// ValidationThreshold is how many accepts (with zero declines)
	// validate the proposal. Default 10: unanimous.
	ValidationThreshold int
}

// DefaultConfig returns the production defaults: 3 minutes, unanimous.
func DefaultConfig() Config {
	return Config{
		Timeout:             3 * time.Minute,
		ValidationThreshold: 10,
	}
}

// Validate checks the config invariants.
func (c Config) Validate() error {
	if c.ValidationThreshold < 1 || c.ValidationThreshold > 10 {
		return fmt.Errorf("%w: got %d", ErrThreshold, c.ValidationThreshold)
	}
	if c.Timeout <= 0 {
		return errors.New("readycheck: timeout must be positive")
	}
	return nil
}

// Outcome describes one terminal transition and its side effects.
type Outcome struct {
	ProposalID string
	Channel    queue.ChannelKey
	State      State

	// Game is the committed record, set only for StateValidated.
	Game *model.Game

	// Dropped are the players removed from queue membership: the
	// decliner (channel-local) on cancel, every still-pending player
	// (global) on timeout.
	Dropped []string

	// Requeued are the waiting entries restored to the pool.
	Requeued []model.WaitingEntry
}

// Proposal is one in-flight ready check.
type Proposal struct {
	ID        string
	Channel   queue.ChannelKey
	Candidate *matchmaker.Candidate
	CreatedAt time.Time
	Deadline  time.Time

	// Guarded by the coordinator mutex.
	state            State
	confirmations    map[string]ConfirmState
	reserved         []model.WaitingEntry
	committing       bool
	expiredWhileBusy bool
	timer            *time.Timer
	done             chan Outcome
}

// Done delivers the proposal's single terminal outcome.
func (p *Proposal) Done() <-chan Outcome {
	return p.done
}

// View is a read-only snapshot of a proposal for display.
type View struct {
	ID            string                  `json:"id"`
	Channel       queue.ChannelKey        `json:"channel"`
	State         State                   `json:"state"`
	Deadline      time.Time               `json:"deadline"`
	Assignments   []model.Assignment      `json:"assignments"`
	Confirmations map[string]ConfirmState `json:"confirmations"`
}

// Coordinator owns all active proposals and the index enforcing one
// proposal per player.
type Coordinator struct {
	pool  *queue.Pool
	games *contest.Service
	cfg   Config

	mu        sync.Mutex
	proposals map[string]*Proposal
	byPlayer  map[string]string // player id → proposal id

	now func() time.Time
}

// NewCoordinator creates a coordinator over the given pool and contest
// service.
func NewCoordinator(pool *queue.Pool, games *contest.Service, cfg Config) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Coordinator{
		pool:      pool,
		games:     games,
		cfg:       cfg,
		proposals: make(map[string]*Proposal),
		byPlayer:  make(map[string]string),
		now:       time.Now,
	}, nil
}

// Propose reserves the candidate's ten players and starts the deadline
// timer. Fails with ErrAlreadyProposed if any of them is already held by
// another active proposal; nothing is reserved in that case.
func (c *Coordinator) Propose(ch queue.ChannelKey, cand *matchmaker.Candidate) (*Proposal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := cand.PlayerIDs()
	for _, id := range ids {
		if pid, busy := c.byPlayer[id]; busy {
			return nil, fmt.Errorf("%w: player %s in proposal %s", ErrAlreadyProposed, id, pid)
		}
	}

	now := c.now()
	p := &Proposal{
		ID:            uuid.New().String(),
		Channel:       ch,
		Candidate:     cand,
		CreatedAt:     now,
		Deadline:      now.Add(c.cfg.Timeout),
		state:         StateProposed,
		confirmations: make(map[string]ConfirmState, len(ids)),
		done:          make(chan Outcome, 1),
	}
	for _, id := range ids {
		p.confirmations[id] = ConfirmPending
		c.byPlayer[id] = p.ID
	}

	// Atomic reservation: the pool's own lock makes this exclusive with
	// concurrent enqueue/leave; an entry a concurrent leave already
	// removed is simply absent from the reserved set.
	p.reserved = c.pool.Reserve(ids)

	c.proposals[p.ID] = p
	p.timer = time.AfterFunc(c.cfg.Timeout, func() { c.expire(p.ID) })
	return p, nil
}

// Confirm records one player's answer. Re-confirming the same value is a
// no-op; a changed value overwrites while the proposal is still Proposed
// and not yet committing. Returns the terminal outcome when this
// confirmation ends the check, nil otherwise.
func (c *Coordinator) Confirm(ctx context.Context, proposalID, playerID string, accept bool) (*Outcome, error) {
	c.mu.Lock()

	p, ok := c.proposals[proposalID]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownProposal, proposalID)
	}
	if p.state != StateProposed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: proposal %s is %s", ErrInvalidConfirmation, proposalID, p.state)
	}
	prev, member := p.confirmations[playerID]
	if !member {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: player %s not in proposal %s", ErrInvalidConfirmation, playerID, proposalID)
	}

	next := ConfirmAccepted
	if !accept {
		next = ConfirmDeclined
	}
	if prev == next {
		c.mu.Unlock()
		return nil, nil // idempotent re-confirmation
	}
	if p.committing {
		// The threshold was met and the commit is being persisted with
		// the lock released; answers are frozen so the commit's success
		// path stays the only possible transition. Late accepts are
		// absorbed, a flip to decline is rejected.
		c.mu.Unlock()
		if next == ConfirmDeclined {
			return nil, fmt.Errorf("%w: proposal %s is committing", ErrInvalidConfirmation, proposalID)
		}
		return nil, nil
	}
	p.confirmations[playerID] = next

	if next == ConfirmDeclined {
		// First decline wins: cancel immediately, drop only the decliner.
		outcome := c.cancelLocked(p, playerID)
		c.mu.Unlock()
		c.applySideEffects(p, outcome)
		return &outcome, nil
	}

	if c.acceptedCountLocked(p) < c.cfg.ValidationThreshold {
		c.mu.Unlock()
		return nil, nil
	}

	// Threshold met: commit with the lock released. The committing flag
	// suppresses the deadline handler and freezes confirmations, so no
	// second transition can race the commit.
	p.committing = true
	c.mu.Unlock()

	game, err := c.games.Commit(ctx, p.Channel.ServerID, p.Channel.ChannelID, p.Candidate)

	c.mu.Lock()
	p.committing = false
	if err != nil {
		// Not validated: the proposal stays Proposed with its original
		// deadline. If that deadline already passed, resolve the timeout
		// the suppressed timer skipped.
		if p.expiredWhileBusy || !c.now().Before(p.Deadline) {
			outcome := c.timeoutLocked(p)
			c.mu.Unlock()
			c.applySideEffects(p, outcome)
			return nil, err
		}
		c.mu.Unlock()
		return nil, err
	}

	p.state = StateValidated
	p.timer.Stop()
	c.unregisterLocked(p)
	outcome := Outcome{
		ProposalID: p.ID,
		Channel:    p.Channel,
		State:      StateValidated,
		Game:       game,
	}
	c.mu.Unlock()

	p.done <- outcome
	return &outcome, nil
}

// Get returns a snapshot view of an active proposal.
func (c *Coordinator) Get(proposalID string) (*View, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.proposals[proposalID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProposal, proposalID)
	}

	confirmations := make(map[string]ConfirmState, len(p.confirmations))
	for id, st := range p.confirmations {
		confirmations[id] = st
	}
	return &View{
		ID:            p.ID,
		Channel:       p.Channel,
		State:         p.state,
		Deadline:      p.Deadline,
		Assignments:   append([]model.Assignment(nil), p.Candidate.Assignments...),
		Confirmations: confirmations,
	}, nil
}

// ProposalFor returns the view of the active proposal holding the given
// player, if any.
func (c *Coordinator) ProposalFor(playerID string) (*View, error) {
	c.mu.Lock()
	id, ok := c.byPlayer[playerID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no active proposal for player %s", ErrUnknownProposal, playerID)
	}
	return c.Get(id)
}

// expire is the deadline timer handler.
func (c *Coordinator) expire(proposalID string) {
	c.mu.Lock()

	p, ok := c.proposals[proposalID]
	if !ok || p.state != StateProposed {
		c.mu.Unlock()
		return
	}
	if p.committing {
		// A commit is in flight; let the confirm path resolve the race.
		p.expiredWhileBusy = true
		c.mu.Unlock()
		return
	}

	outcome := c.timeoutLocked(p)
	c.mu.Unlock()
	c.applySideEffects(p, outcome)
}

// cancelLocked performs the Cancelled transition. The drop set is the
// decliner only; their entries in the proposing channel are not restored,
// but entries they held in other channels are.
func (c *Coordinator) cancelLocked(p *Proposal, decliner string) Outcome {
	p.state = StateCancelled
	p.timer.Stop()
	c.unregisterLocked(p)

	var requeue []model.WaitingEntry
	for _, e := range p.reserved {
		if e.Player.ID == decliner && e.ServerID == p.Channel.ServerID && e.ChannelID == p.Channel.ChannelID {
			continue
		}
		requeue = append(requeue, e)
	}

	return Outcome{
		ProposalID: p.ID,
		Channel:    p.Channel,
		State:      StateCancelled,
		Dropped:    []string{decliner},
		Requeued:   requeue,
	}
}

// timeoutLocked performs the TimedOut transition. Every still-pending
// player is dropped globally; accepted players are restored everywhere.
func (c *Coordinator) timeoutLocked(p *Proposal) Outcome {
	p.state = StateTimedOut
	p.timer.Stop()
	c.unregisterLocked(p)

	dropped := make(map[string]bool)
	for id, st := range p.confirmations {
		if st == ConfirmPending {
			dropped[id] = true
		}
	}

	var requeue []model.WaitingEntry
	for _, e := range p.reserved {
		if !dropped[e.Player.ID] {
			requeue = append(requeue, e)
		}
	}

	droppedIDs := make([]string, 0, len(dropped))
	for id := range dropped {
		droppedIDs = append(droppedIDs, id)
	}

	return Outcome{
		ProposalID: p.ID,
		Channel:    p.Channel,
		State:      StateTimedOut,
		Dropped:    droppedIDs,
		Requeued:   requeue,
	}
}

// applySideEffects runs the drop and re-queue passes for a non-validated
// terminal outcome. Called with the coordinator mutex released; exactly
// one drop pass and one re-queue pass, never retried.
func (c *Coordinator) applySideEffects(p *Proposal, outcome Outcome) {
	switch outcome.State {
	case StateCancelled:
		// Channel-local drop: clears anything the decliner re-queued in
		// the proposing channel during the check.
		for _, id := range outcome.Dropped {
			c.pool.Dequeue(id, p.Channel)
		}
	case StateTimedOut:
		// Global drop: a non-responder is treated as gone everywhere.
		for _, id := range outcome.Dropped {
			c.pool.DequeueEverywhere(id)
		}
	}
	c.pool.Requeue(outcome.Requeued)

	p.done <- outcome
}

// unregisterLocked removes the proposal from the active indexes.
func (c *Coordinator) unregisterLocked(p *Proposal) {
	delete(c.proposals, p.ID)
	for id := range p.confirmations {
		if c.byPlayer[id] == p.ID {
			delete(c.byPlayer, id)
		}
	}
}

func (c *Coordinator) acceptedCountLocked(p *Proposal) int {
	n := 0
	for _, st := range p.confirmations {
		if st == ConfirmAccepted {
			n++
		}
	}
	return n
}
