// Package lobby provides the HTTP handlers and orchestration for the
// match engine: queue joins and leaves, the matchmaking loop, ready-check
// confirmations, and game scoring.
package lobby

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/inhouse/match-engine/internal/contest"
	"github.com/inhouse/match-engine/internal/matchmaker"
	"github.com/inhouse/match-engine/internal/metrics"
	"github.com/inhouse/match-engine/internal/model"
	"github.com/inhouse/match-engine/internal/queue"
	"github.com/inhouse/match-engine/internal/rating"
	"github.com/inhouse/match-engine/internal/readycheck"
	"github.com/inhouse/match-engine/internal/store"
)

// Service wires the waiting pool, matchmaker, ready-check coordinator,
// and game lifecycle behind the HTTP surface. One matchmaking loop runs
// per channel at a time.
type Service struct {
	pool        *queue.Pool
	ratings     rating.Source
	predictor   rating.Predictor
	coordinator *readycheck.Coordinator
	games       *contest.Service
	searchCfg   matchmaker.Config
	hub         *WSHub // optional; nil disables broadcasts

	mu      sync.Mutex
	running map[queue.ChannelKey]bool
	pending map[queue.ChannelKey]bool
}

// NewService creates a lobby service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(pool *queue.Pool, ratings rating.Source, predictor rating.Predictor,
	coordinator *readycheck.Coordinator, games *contest.Service,
	searchCfg matchmaker.Config, hub *WSHub) *Service {
	return &Service{
		pool:        pool,
		ratings:     ratings,
		predictor:   predictor,
		coordinator: coordinator,
		games:       games,
		searchCfg:   searchCfg,
		hub:         hub,
		running:     make(map[queue.ChannelKey]bool),
		pending:     make(map[queue.ChannelKey]bool),
	}
}

// --- Request/Response types ---

// JoinRequest is the JSON body for POST /queue.
type JoinRequest struct {
	ServerID   string `json:"server_id"`
	ChannelID  string `json:"channel_id"`
	PlayerID   string `json:"player_id"`
	PlayerName string `json:"player_name"`
	Role       string `json:"role"` // TOP, JGL, MID, BOT/ADC, SUP
}

// LeaveRequest is the JSON body for DELETE /queue.
type LeaveRequest struct {
	ServerID  string `json:"server_id"`
	ChannelID string `json:"channel_id"`
	PlayerID  string `json:"player_id"`
}

// ConfirmRequest is the JSON body for POST /proposals/{proposalID}/confirm.
type ConfirmRequest struct {
	PlayerID string `json:"player_id"`
	Accept   bool   `json:"accept"`
}

// ScoreRequest is the JSON body for POST /games/score.
type ScoreRequest struct {
	ServerID    string `json:"server_id"`
	PlayerID    string `json:"player_id"`
	WinningSide string `json:"winning_side"` // BLUE or RED
}

// CancelRequest is the JSON body for POST /games/cancel.
type CancelRequest struct {
	ServerID string `json:"server_id"`
	PlayerID string `json:"player_id"`
}

// --- HTTP Handlers ---

// JoinQueue handles POST /api/v1/queue
// Enqueues the player and kicks off matchmaking for the channel.
func (s *Service) JoinQueue(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ServerID == "" || req.ChannelID == "" || req.PlayerID == "" {
		writeError(w, "server_id, channel_id and player_id are required", http.StatusBadRequest)
		return
	}
	role, err := model.ParseRole(req.Role)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ch := queue.ChannelKey{ServerID: req.ServerID, ChannelID: req.ChannelID}
	player := model.Player{ID: req.PlayerID, Name: req.PlayerName}

	entry, err := s.pool.Enqueue(player, role, ch)
	if err != nil {
		if errors.Is(err, queue.ErrAlreadyQueued) {
			writeError(w, err.Error(), http.StatusConflict)
			return
		}
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	metrics.EnqueuesTotal.WithLabelValues(string(role)).Inc()
	s.publishQueue(ch)

	slog.Info("player queued",
		"player", req.PlayerID,
		"role", role,
		"channel", ch.String(),
	)

	s.kickMatchmaking(ch)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(entry)
}

// LeaveQueue handles DELETE /api/v1/queue
// Removes all the player's entries in the channel. Leaving while not
// queued succeeds.
func (s *Service) LeaveQueue(w http.ResponseWriter, r *http.Request) {
	var req LeaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ch := queue.ChannelKey{ServerID: req.ServerID, ChannelID: req.ChannelID}
	s.pool.Dequeue(req.PlayerID, ch)
	s.publishQueue(ch)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "left"})
}

// GetQueue handles GET /api/v1/queue/{serverID}/{channelID}
// Returns the role → ordered-players view of the channel.
func (s *Service) GetQueue(w http.ResponseWriter, r *http.Request) {
	ch := queue.ChannelKey{
		ServerID:  chi.URLParam(r, "serverID"),
		ChannelID: chi.URLParam(r, "channelID"),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshotView(s.pool.Snapshot(ch)))
}

// ConfirmProposal handles POST /api/v1/proposals/{proposalID}/confirm
func (s *Service) ConfirmProposal(w http.ResponseWriter, r *http.Request) {
	proposalID := chi.URLParam(r, "proposalID")

	var req ConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	outcome, err := s.coordinator.Confirm(r.Context(), proposalID, req.PlayerID, req.Accept)
	if err != nil {
		switch {
		case errors.Is(err, readycheck.ErrUnknownProposal):
			writeError(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, readycheck.ErrInvalidConfirmation):
			writeError(w, err.Error(), http.StatusConflict)
		case errors.Is(err, contest.ErrPersistence):
			writeError(w, err.Error(), http.StatusInternalServerError)
		default:
			writeError(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	resp := map[string]string{"state": string(readycheck.StateProposed)}
	if outcome != nil {
		resp["state"] = string(outcome.State)
		if outcome.Game != nil {
			resp["game_id"] = outcome.Game.ID
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// GetPlayerProposal handles GET /api/v1/players/{playerID}/proposal
// Returns the active proposal holding the player, if any.
func (s *Service) GetPlayerProposal(w http.ResponseWriter, r *http.Request) {
	view, err := s.coordinator.ProposalFor(chi.URLParam(r, "playerID"))
	if err != nil {
		writeError(w, "no active proposal", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(view)
}

// GetProposal handles GET /api/v1/proposals/{proposalID}
func (s *Service) GetProposal(w http.ResponseWriter, r *http.Request) {
	view, err := s.coordinator.Get(chi.URLParam(r, "proposalID"))
	if err != nil {
		writeError(w, "proposal not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(view)
}

// ScoreGame handles POST /api/v1/games/score
// Records the winning side on the reporter's latest game.
func (s *Service) ScoreGame(w http.ResponseWriter, r *http.Request) {
	var req ScoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	side, err := model.ParseSide(req.WinningSide)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	game, err := s.games.Score(r.Context(), req.ServerID, req.PlayerID, side)
	if err != nil {
		writeContestError(w, err)
		return
	}

	metrics.GamesScored.WithLabelValues(string(side)).Inc()
	slog.Info("game scored",
		"game", game.ID,
		"winner", side,
		"reporter", req.PlayerID,
	)

	if s.hub != nil {
		s.hub.Broadcast(WSMessage{
			Type:      "game_scored",
			ServerID:  game.ServerID,
			ChannelID: game.ChannelID,
			GameID:    game.ID,
			State:     string(side),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(game)
}

// CancelGame handles POST /api/v1/games/cancel
// Deletes the reporter's latest game if it has not been scored yet. The
// ten players are not re-queued automatically.
func (s *Service) CancelGame(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	game, err := s.games.CancelLast(r.Context(), req.ServerID, req.PlayerID)
	if err != nil {
		writeContestError(w, err)
		return
	}

	slog.Info("game cancelled", "game", game.ID, "reporter", req.PlayerID)

	if s.hub != nil {
		s.hub.Broadcast(WSMessage{
			Type:      "game_cancelled",
			ServerID:  game.ServerID,
			ChannelID: game.ChannelID,
			GameID:    game.ID,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "cancelled", "game_id": game.ID})
}

// ListGames handles GET /api/v1/channels/{serverID}/{channelID}/games
// Returns the channel's game history, newest first.
func (s *Service) ListGames(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			writeError(w, "limit must be between 1 and 100", http.StatusBadRequest)
			return
		}
		limit = n
	}

	games, err := s.games.List(r.Context(),
		chi.URLParam(r, "serverID"), chi.URLParam(r, "channelID"), limit)
	if err != nil {
		writeContestError(w, err)
		return
	}
	if games == nil {
		games = []model.Game{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(games)
}

// GetGame handles GET /api/v1/games/{gameID}
func (s *Service) GetGame(w http.ResponseWriter, r *http.Request) {
	game, err := s.games.Get(r.Context(), chi.URLParam(r, "gameID"))
	if err != nil {
		writeError(w, "game not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(game)
}

// --- Matchmaking orchestration ---

// kickMatchmaking starts the channel's matchmaking loop, or schedules one
// more pass when a loop is already running. The pending mark closes the
// window where a join lands after the running loop's last snapshot but
// before it exits, which would otherwise leave a complete queue unsearched.
func (s *Service) kickMatchmaking(ch queue.ChannelKey) {
	s.mu.Lock()
	if s.running[ch] {
		s.pending[ch] = true
		s.mu.Unlock()
		return
	}
	s.running[ch] = true
	s.mu.Unlock()

	go func() {
		for {
			s.RunMatchmaking(context.Background(), ch)
			if s.loopDone(ch) {
				return
			}
		}
	}()
}

// loopDone clears the channel's running mark, unless a kick arrived while
// the loop was finishing; then the loop owes another pass instead.
func (s *Service) loopDone(ch queue.ChannelKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[ch] {
		delete(s.pending, ch)
		return false
	}
	delete(s.running, ch)
	return true
}

// RunMatchmaking searches the channel, proposes the best candidate, and
// runs the ready check to completion. Cancelled and timed-out checks
// re-enter the loop (queue membership changed); the loop terminates when
// no candidate remains, when the best candidate is too lopsided to
// propose, or when a game is validated.
func (s *Service) RunMatchmaking(ctx context.Context, ch queue.ChannelKey) {
	for {
		snapshot := s.pool.Snapshot(ch)
		cand, err := matchmaker.FindBestGame(snapshot, s.ratings, s.predictor, s.searchCfg)
		if err != nil {
			slog.Error("matchmaking search failed", "channel", ch.String(), "err", err)
			return
		}
		if cand == nil {
			return
		}

		if cand.Imbalance.GreaterThanOrEqual(matchmaker.MaxImbalance) {
			// One side is predicted over the fairness cutoff; report and
			// keep everyone queued.
			slog.Info("no fair match found",
				"channel", ch.String(),
				"best_imbalance", cand.Imbalance.String(),
			)
			if s.hub != nil {
				s.hub.Broadcast(WSMessage{
					Type:               "no_fair_match",
					ServerID:           ch.ServerID,
					ChannelID:          ch.ChannelID,
					BlueWinProbability: cand.BlueWinProbability.String(),
				})
			}
			return
		}

		proposal, err := s.coordinator.Propose(ch, cand)
		if err != nil {
			// A player got reserved by another channel between the
			// snapshot and the proposal; nothing to start here.
			slog.Info("proposal rejected", "channel", ch.String(), "err", err)
			return
		}

		slog.Info("match found",
			"proposal", proposal.ID,
			"channel", ch.String(),
			"blue_win_probability", cand.BlueWinProbability.String(),
		)
		if s.hub != nil {
			s.hub.Broadcast(WSMessage{
				Type:               "match_found",
				ServerID:           ch.ServerID,
				ChannelID:          ch.ChannelID,
				ProposalID:         proposal.ID,
				BlueWinProbability: cand.BlueWinProbability.String(),
			})
		}
		s.publishQueue(ch)

		var outcome readycheck.Outcome
		select {
		case outcome = <-proposal.Done():
		case <-ctx.Done():
			return
		}

		metrics.ProposalsTotal.WithLabelValues(string(outcome.State)).Inc()
		metrics.ReadyCheckDuration.WithLabelValues(string(outcome.State)).
			Observe(time.Since(proposal.CreatedAt).Seconds())

		s.publishOutcome(outcome)
		s.publishQueue(ch)

		if outcome.State == readycheck.StateValidated {
			return
		}
		// Cancelled or timed out: membership changed, search again.
	}
}

// publishOutcome tells clients who was dropped versus re-queued, the
// part that makes cancels and timeouts feel predictable.
func (s *Service) publishOutcome(outcome readycheck.Outcome) {
	requeued := make([]string, 0, len(outcome.Requeued))
	seen := make(map[string]bool)
	for _, e := range outcome.Requeued {
		if !seen[e.Player.ID] {
			seen[e.Player.ID] = true
			requeued = append(requeued, e.Player.ID)
		}
	}

	slog.Info("ready check resolved",
		"proposal", outcome.ProposalID,
		"state", outcome.State,
		"dropped", outcome.Dropped,
		"requeued", requeued,
	)

	if s.hub == nil {
		return
	}
	msg := WSMessage{
		Type:       "ready_check_resolved",
		ServerID:   outcome.Channel.ServerID,
		ChannelID:  outcome.Channel.ChannelID,
		ProposalID: outcome.ProposalID,
		State:      string(outcome.State),
		Dropped:    outcome.Dropped,
		Requeued:   requeued,
	}
	if outcome.Game != nil {
		msg.GameID = outcome.Game.ID
	}
	s.hub.Broadcast(msg)
}

// publishQueue refreshes metrics and broadcasts the channel snapshot.
func (s *Service) publishQueue(ch queue.ChannelKey) {
	snapshot := s.pool.Snapshot(ch)
	for _, role := range model.Roles {
		metrics.QueueDepth.WithLabelValues(ch.String(), string(role)).
			Set(float64(len(snapshot[role])))
	}

	if s.hub == nil {
		return
	}
	data, err := json.Marshal(snapshotView(snapshot))
	if err != nil {
		return
	}
	s.hub.Broadcast(WSMessage{
		Type:      "queue_updated",
		ServerID:  ch.ServerID,
		ChannelID: ch.ChannelID,
		Queue:     data,
	})
}

// snapshotView shapes a snapshot for JSON: roles in display order, each
// with its ordered players.
func snapshotView(snapshot map[model.Role][]model.WaitingEntry) map[model.Role][]model.Player {
	view := make(map[model.Role][]model.Player, len(model.Roles))
	for _, role := range model.Roles {
		players := make([]model.Player, 0, len(snapshot[role]))
		for _, e := range snapshot[role] {
			players = append(players, e.Player)
		}
		view[role] = players
	}
	return view
}

// writeContestError maps contest lifecycle errors to HTTP statuses.
func writeContestError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, contest.ErrAlreadyScored):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, contest.ErrNotParticipant):
		writeError(w, err.Error(), http.StatusForbidden)
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
