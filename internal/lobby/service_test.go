package lobby_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/inhouse/match-engine/internal/contest"
	"github.com/inhouse/match-engine/internal/lobby"
	"github.com/inhouse/match-engine/internal/matchmaker"
	"github.com/inhouse/match-engine/internal/model"
	"github.com/inhouse/match-engine/internal/queue"
	"github.com/inhouse/match-engine/internal/rating"
	"github.com/inhouse/match-engine/internal/readycheck"
	"github.com/inhouse/match-engine/internal/store"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()

	pool := queue.NewPool()
	ms := store.NewMemoryStore()
	games := contest.NewService(ms)
	ratings := rating.NewMemorySource(decimal.NewFromInt(1500))
	predictor, err := rating.NewLogisticPredictor(400)
	if err != nil {
		t.Fatalf("new predictor: %v", err)
	}
	coordinator, err := readycheck.NewCoordinator(pool, games, readycheck.Config{
		Timeout:             time.Hour,
		ValidationThreshold: 10,
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}

	svc := lobby.NewService(pool, ratings, predictor, coordinator, games, matchmaker.DefaultConfig(), nil)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/queue", svc.JoinQueue)
		r.Delete("/queue", svc.LeaveQueue)
		r.Get("/queue/{serverID}/{channelID}", svc.GetQueue)
		r.Post("/proposals/{proposalID}/confirm", svc.ConfirmProposal)
		r.Get("/proposals/{proposalID}", svc.GetProposal)
		r.Get("/players/{playerID}/proposal", svc.GetPlayerProposal)
		r.Post("/games/score", svc.ScoreGame)
		r.Post("/games/cancel", svc.CancelGame)
		r.Get("/games/{gameID}", svc.GetGame)
		r.Get("/channels/{serverID}/{channelID}/games", svc.ListGames)
	})
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func joinReq(playerID, role string) lobby.JoinRequest {
	return lobby.JoinRequest{
		ServerID:   "s1",
		ChannelID:  "main",
		PlayerID:   playerID,
		PlayerName: playerID,
		Role:       role,
	}
}

func TestJoinQueue(t *testing.T) {
	h := newTestRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/queue", joinReq("alice", "TOP"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("join status = %d, body %s", rec.Code, rec.Body)
	}
	var entry model.WaitingEntry
	if err := json.NewDecoder(rec.Body).Decode(&entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if entry.Player.ID != "alice" || entry.Role != model.RoleTop {
		t.Errorf("unexpected entry %+v", entry)
	}
	if entry.JoinedAt.IsZero() {
		t.Error("joined_at should be set")
	}

	// Same (player, role, channel) again conflicts.
	if rec := doJSON(t, h, http.MethodPost, "/api/v1/queue", joinReq("alice", "TOP")); rec.Code != http.StatusConflict {
		t.Errorf("duplicate join status = %d, want 409", rec.Code)
	}
	// A second role for the same player is fine.
	if rec := doJSON(t, h, http.MethodPost, "/api/v1/queue", joinReq("alice", "MID")); rec.Code != http.StatusCreated {
		t.Errorf("second-role join status = %d, want 201", rec.Code)
	}
}

func TestJoinQueue_Validation(t *testing.T) {
	h := newTestRouter(t)

	if rec := doJSON(t, h, http.MethodPost, "/api/v1/queue", joinReq("alice", "FEED")); rec.Code != http.StatusBadRequest {
		t.Errorf("bad role status = %d, want 400", rec.Code)
	}

	req := joinReq("", "TOP")
	if rec := doJSON(t, h, http.MethodPost, "/api/v1/queue", req); rec.Code != http.StatusBadRequest {
		t.Errorf("missing player_id status = %d, want 400", rec.Code)
	}
}

func TestJoinQueue_RoleAliases(t *testing.T) {
	h := newTestRouter(t)

	for i, alias := range []string{"jungle", "ADC", "support"} {
		id := fmt.Sprintf("p%d", i)
		if rec := doJSON(t, h, http.MethodPost, "/api/v1/queue", joinReq(id, alias)); rec.Code != http.StatusCreated {
			t.Errorf("alias %q status = %d, want 201", alias, rec.Code)
		}
	}
}

func TestLeaveQueue_AbsentIsOK(t *testing.T) {
	h := newTestRouter(t)

	rec := doJSON(t, h, http.MethodDelete, "/api/v1/queue", lobby.LeaveRequest{
		ServerID: "s1", ChannelID: "main", PlayerID: "ghost",
	})
	if rec.Code != http.StatusOK {
		t.Errorf("leave-while-absent status = %d, want 200", rec.Code)
	}
}

func TestGetQueue_Ordered(t *testing.T) {
	h := newTestRouter(t)

	for _, id := range []string{"first", "second", "third"} {
		if rec := doJSON(t, h, http.MethodPost, "/api/v1/queue", joinReq(id, "SUP")); rec.Code != http.StatusCreated {
			t.Fatalf("join %s: %d %s", id, rec.Code, rec.Body)
		}
	}
	doJSON(t, h, http.MethodDelete, "/api/v1/queue", lobby.LeaveRequest{
		ServerID: "s1", ChannelID: "main", PlayerID: "second",
	})

	rec := doJSON(t, h, http.MethodGet, "/api/v1/queue/s1/main", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get queue status = %d", rec.Code)
	}
	var view map[model.Role][]model.Player
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	sup := view[model.RoleSupport]
	if len(sup) != 2 || sup[0].ID != "first" || sup[1].ID != "third" {
		t.Errorf("SUP queue = %+v, want [first third]", sup)
	}
	if len(view[model.RoleTop]) != 0 {
		t.Errorf("TOP queue should be empty, got %+v", view[model.RoleTop])
	}
}

// waitForProposal polls the player-proposal endpoint until the
// matchmaking goroutine has proposed a game.
func waitForProposal(t *testing.T, h http.Handler, playerID string) readycheck.View {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec := doJSON(t, h, http.MethodGet, "/api/v1/players/"+playerID+"/proposal", nil)
		if rec.Code == http.StatusOK {
			var view readycheck.View
			if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
				t.Fatalf("decode proposal view: %v", err)
			}
			return view
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no proposal appeared for player " + playerID)
	return readycheck.View{}
}

func TestFullFlow_QueueToScoredGame(t *testing.T) {
	h := newTestRouter(t)

	// Two players per role; with identical ratings the best candidate is
	// perfectly balanced and a ready check starts.
	var ids []string
	for _, role := range model.Roles {
		for i := 0; i < 2; i++ {
			id := fmt.Sprintf("%s-%d", role, i)
			ids = append(ids, id)
			if rec := doJSON(t, h, http.MethodPost, "/api/v1/queue", joinReq(id, string(role))); rec.Code != http.StatusCreated {
				t.Fatalf("join %s: %d %s", id, rec.Code, rec.Body)
			}
		}
	}

	view := waitForProposal(t, h, ids[0])
	if view.State != readycheck.StateProposed {
		t.Fatalf("proposal state = %s, want PROPOSED", view.State)
	}
	if len(view.Confirmations) != 10 {
		t.Fatalf("expected 10 confirmations, got %d", len(view.Confirmations))
	}

	// The proposing channel is drained while the check runs.
	rec := doJSON(t, h, http.MethodGet, "/api/v1/queue/s1/main", nil)
	var queued map[model.Role][]model.Player
	if err := json.NewDecoder(rec.Body).Decode(&queued); err != nil {
		t.Fatalf("decode queue: %v", err)
	}
	for role, players := range queued {
		if len(players) != 0 {
			t.Errorf("role %s still has %d queued during ready check", role, len(players))
		}
	}

	// All ten accept; the last confirmation validates and reports the game.
	var gameID string
	for id := range view.Confirmations {
		rec := doJSON(t, h, http.MethodPost, "/api/v1/proposals/"+view.ID+"/confirm", lobby.ConfirmRequest{
			PlayerID: id, Accept: true,
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("confirm %s: %d %s", id, rec.Code, rec.Body)
		}
		var resp map[string]string
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("decode confirm response: %v", err)
		}
		if resp["state"] == string(readycheck.StateValidated) {
			gameID = resp["game_id"]
		}
	}
	if gameID == "" {
		t.Fatal("unanimous accept did not validate a game")
	}

	// The committed game is readable and unscored.
	rec = doJSON(t, h, http.MethodGet, "/api/v1/games/"+gameID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get game status = %d", rec.Code)
	}
	var game model.Game
	if err := json.NewDecoder(rec.Body).Decode(&game); err != nil {
		t.Fatalf("decode game: %v", err)
	}
	if game.Scored() {
		t.Error("freshly committed game must be unscored")
	}
	if len(game.Assignments) != 10 {
		t.Errorf("expected 10 assignments, got %d", len(game.Assignments))
	}

	// Any participant may score it once.
	rec = doJSON(t, h, http.MethodPost, "/api/v1/games/score", lobby.ScoreRequest{
		ServerID: "s1", PlayerID: ids[0], WinningSide: "BLUE",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("score status = %d, body %s", rec.Code, rec.Body)
	}

	// Scoring again conflicts.
	rec = doJSON(t, h, http.MethodPost, "/api/v1/games/score", lobby.ScoreRequest{
		ServerID: "s1", PlayerID: ids[1], WinningSide: "RED",
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("second score status = %d, want 409", rec.Code)
	}

	// And cancelling a scored game conflicts too.
	rec = doJSON(t, h, http.MethodPost, "/api/v1/games/cancel", lobby.CancelRequest{
		ServerID: "s1", PlayerID: ids[0],
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("cancel-after-score status = %d, want 409", rec.Code)
	}

	// The channel history shows the scored game.
	rec = doJSON(t, h, http.MethodGet, "/api/v1/channels/s1/main/games", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list games status = %d", rec.Code)
	}
	var history []model.Game
	if err := json.NewDecoder(rec.Body).Decode(&history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history) != 1 || history[0].ID != gameID {
		t.Errorf("history = %d games, want the scored game %s", len(history), gameID)
	}
}

func TestListGames_EmptyAndBadLimit(t *testing.T) {
	h := newTestRouter(t)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/channels/s1/main/games", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list games status = %d", rec.Code)
	}
	var history []model.Game
	if err := json.NewDecoder(rec.Body).Decode(&history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("expected empty history, got %d games", len(history))
	}

	if rec := doJSON(t, h, http.MethodGet, "/api/v1/channels/s1/main/games?limit=0", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("limit=0 status = %d, want 400", rec.Code)
	}
}

func TestFullFlow_DeclineRequeues(t *testing.T) {
	h := newTestRouter(t)

	var ids []string
	for _, role := range model.Roles {
		for i := 0; i < 2; i++ {
			id := fmt.Sprintf("%s-%d", role, i)
			ids = append(ids, id)
			if rec := doJSON(t, h, http.MethodPost, "/api/v1/queue", joinReq(id, string(role))); rec.Code != http.StatusCreated {
				t.Fatalf("join %s: %d %s", id, rec.Code, rec.Body)
			}
		}
	}

	view := waitForProposal(t, h, ids[0])
	decliner := ids[0]
	rec := doJSON(t, h, http.MethodPost, "/api/v1/proposals/"+view.ID+"/confirm", lobby.ConfirmRequest{
		PlayerID: decliner, Accept: false,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("decline status = %d, body %s", rec.Code, rec.Body)
	}
	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode decline response: %v", err)
	}
	if resp["state"] != string(readycheck.StateCancelled) {
		t.Fatalf("decline should cancel, got state %q", resp["state"])
	}

	// The matchmaking loop re-enters after a cancel and, with only nine
	// players, proposes nothing more. Give it a moment, then check the
	// decliner is gone and the other nine are queued again.
	var queued map[model.Role][]model.Player
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec = doJSON(t, h, http.MethodGet, "/api/v1/queue/s1/main", nil)
		if err := json.NewDecoder(rec.Body).Decode(&queued); err != nil {
			t.Fatalf("decode queue: %v", err)
		}
		n := 0
		for _, players := range queued {
			n += len(players)
		}
		if n == 9 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	n := 0
	for _, players := range queued {
		for _, p := range players {
			n++
			if p.ID == decliner {
				t.Error("decliner must not be re-queued")
			}
		}
	}
	if n != 9 {
		t.Errorf("expected 9 players re-queued, got %d", n)
	}
}

func TestConfirm_UnknownProposal(t *testing.T) {
	h := newTestRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/proposals/nope/confirm", lobby.ConfirmRequest{
		PlayerID: "alice", Accept: true,
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown proposal status = %d, want 404", rec.Code)
	}
}

func TestScoreGame_Validation(t *testing.T) {
	h := newTestRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/games/score", lobby.ScoreRequest{
		ServerID: "s1", PlayerID: "alice", WinningSide: "GREEN",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad side status = %d, want 400", rec.Code)
	}

	// No game on record for the reporter.
	rec = doJSON(t, h, http.MethodPost, "/api/v1/games/score", lobby.ScoreRequest{
		ServerID: "s1", PlayerID: "alice", WinningSide: "BLUE",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("no-game score status = %d, want 404", rec.Code)
	}
}
