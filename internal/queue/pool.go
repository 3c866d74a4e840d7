// Package queue implements the waiting pool: per-channel, per-role FIFO
// queues of players waiting for a game.
//
// All mutation goes through a single mutex. Cross-channel operations
// (DequeueEverywhere, Reserve) therefore need no lock ordering: the pool
// is one serialization point, which is also what makes a reservation
// atomic with respect to concurrent enqueue/leave on any channel.
package queue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/inhouse/match-engine/internal/model"
)

// ErrAlreadyQueued is returned when a player enqueues for a
// (role, channel) they already occupy.
var ErrAlreadyQueued = errors.New("queue: player already queued for this role in this channel")

// ChannelKey identifies one waiting channel within one server.
type ChannelKey struct {
	ServerID  string `json:"server_id"`
	ChannelID string `json:"channel_id"`
}

func (k ChannelKey) String() string {
	return fmt.Sprintf("%s/%s", k.ServerID, k.ChannelID)
}

// Pool is the shared waiting pool across all channels.
type Pool struct {
	mu       sync.Mutex
	channels map[ChannelKey]map[model.Role][]model.WaitingEntry
	now      func() time.Time
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{
		channels: make(map[ChannelKey]map[model.Role][]model.WaitingEntry),
		now:      time.Now,
	}
}

// Enqueue appends a waiting entry for (player, role) in the given channel.
// Fails with ErrAlreadyQueued if the identical (player, role, channel)
// triple already exists. Entries the player holds for other roles or in
// other channels are unaffected.
func (p *Pool) Enqueue(player model.Player, role model.Role, ch ChannelKey) (model.WaitingEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	roleQueues, ok := p.channels[ch]
	if !ok {
		roleQueues = make(map[model.Role][]model.WaitingEntry)
		p.channels[ch] = roleQueues
	}

	for _, e := range roleQueues[role] {
		if e.Player.ID == player.ID {
			return model.WaitingEntry{}, fmt.Errorf("%w: player %s role %s channel %s",
				ErrAlreadyQueued, player.ID, role, ch)
		}
	}

	entry := model.WaitingEntry{
		Player:    player,
		Role:      role,
		ServerID:  ch.ServerID,
		ChannelID: ch.ChannelID,
		JoinedAt:  p.now(),
	}
	roleQueues[role] = append(roleQueues[role], entry)
	return entry, nil
}

// Dequeue removes all of the player's entries (every role) in the given
// channel. Removing a player who is not queued is a no-op, not an error.
func (p *Pool) Dequeue(playerID string, ch ChannelKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeFromChannel(playerID, ch)
}

// DequeueEverywhere removes all of the player's entries across every
// channel. Used for global drops after a ready-check timeout.
func (p *Pool) DequeueEverywhere(playerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for ch := range p.channels {
		p.removeFromChannel(playerID, ch)
	}
}

// Snapshot returns a copy of the channel's role → ordered-entries view.
// The copy is taken under the lock; callers may hold it indefinitely.
func (p *Pool) Snapshot(ch ChannelKey) map[model.Role][]model.WaitingEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[model.Role][]model.WaitingEntry, len(model.Roles))
	for role, entries := range p.channels[ch] {
		out[role] = append([]model.WaitingEntry(nil), entries...)
	}
	return out
}

// Reserve atomically removes every entry the given players hold in every
// channel and returns the removed entries. A concurrent leave that already
// removed an entry is fine; the entry is simply absent from the result.
// The returned entries carry enough state (role, channel, join time) to be
// restored by Requeue.
func (p *Pool) Reserve(playerIDs []string) []model.WaitingEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make(map[string]bool, len(playerIDs))
	for _, id := range playerIDs {
		ids[id] = true
	}

	var removed []model.WaitingEntry
	for _, roleQueues := range p.channels {
		for role, entries := range roleQueues {
			kept := entries[:0]
			for _, e := range entries {
				if ids[e.Player.ID] {
					removed = append(removed, e)
				} else {
					kept = append(kept, e)
				}
			}
			roleQueues[role] = kept
		}
	}
	return removed
}

// Requeue restores previously reserved entries, preserving their original
// join times. Each entry is inserted in join order so matchmaking sees the
// queue as it was before the reservation. An entry whose triple is
// already present (the player re-queued manually in the meantime) is
// skipped rather than duplicated.
func (p *Pool) Requeue(entries []model.WaitingEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range entries {
		ch := ChannelKey{ServerID: e.ServerID, ChannelID: e.ChannelID}
		roleQueues, ok := p.channels[ch]
		if !ok {
			roleQueues = make(map[model.Role][]model.WaitingEntry)
			p.channels[ch] = roleQueues
		}

		q := roleQueues[e.Role]
		dup := false
		for _, existing := range q {
			if existing.Player.ID == e.Player.ID {
				dup = true
				break
			}
		}
		if dup {
			continue
		}

		// Insert before the first entry that joined later.
		pos := len(q)
		for i, existing := range q {
			if e.JoinedAt.Before(existing.JoinedAt) {
				pos = i
				break
			}
		}
		q = append(q, model.WaitingEntry{})
		copy(q[pos+1:], q[pos:])
		q[pos] = e
		roleQueues[e.Role] = q
	}
}

// Depth returns the number of entries waiting in the channel per role.
func (p *Pool) Depth(ch ChannelKey) map[model.Role]int {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[model.Role]int, len(model.Roles))
	for role, entries := range p.channels[ch] {
		out[role] = len(entries)
	}
	return out
}

// Channels returns the keys of every channel that currently has entries.
func (p *Pool) Channels() []ChannelKey {
	p.mu.Lock()
	defer p.mu.Unlock()

	var keys []ChannelKey
	for ch, roleQueues := range p.channels {
		for _, entries := range roleQueues {
			if len(entries) > 0 {
				keys = append(keys, ch)
				break
			}
		}
	}
	return keys
}

func (p *Pool) removeFromChannel(playerID string, ch ChannelKey) {
	roleQueues, ok := p.channels[ch]
	if !ok {
		return
	}
	for role, entries := range roleQueues {
		kept := entries[:0]
		for _, e := range entries {
			if e.Player.ID != playerID {
				kept = append(kept, e)
			}
		}
		roleQueues[role] = kept
	}
}

