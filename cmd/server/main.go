package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/inhouse/match-engine/internal/contest"
	"github.com/inhouse/match-engine/internal/lobby"
	"github.com/inhouse/match-engine/internal/matchmaker"
	"github.com/inhouse/match-engine/internal/metrics"
	"github.com/inhouse/match-engine/internal/queue"
	"github.com/inhouse/match-engine/internal/rating"
	"github.com/inhouse/match-engine/internal/readycheck"
	"github.com/inhouse/match-engine/internal/store"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (games will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Ratings and prediction ---
	ratings := rating.NewMemorySource(decimal.NewFromInt(1500))
	predictor, err := rating.NewLogisticPredictor(400)
	if err != nil {
		slog.Error("invalid predictor configuration", "err", err)
		os.Exit(1)
	}

	// --- Matchmaking and ready-check policy ---
	searchCfg := matchmaker.DefaultConfig()
	if v := os.Getenv("CANDIDATES_PER_ROLE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			slog.Error("invalid CANDIDATES_PER_ROLE", "value", v)
			os.Exit(1)
		}
		searchCfg.CandidatesPerRole = n
	}
	if err := searchCfg.Validate(); err != nil {
		slog.Error("invalid matchmaker configuration", "err", err)
		os.Exit(1)
	}

	checkCfg := readycheck.DefaultConfig()
	if v := os.Getenv("READY_CHECK_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Error("invalid READY_CHECK_TIMEOUT", "value", v)
			os.Exit(1)
		}
		checkCfg.Timeout = d
	}
	if v := os.Getenv("VALIDATION_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			slog.Error("invalid VALIDATION_THRESHOLD", "value", v)
			os.Exit(1)
		}
		checkCfg.ValidationThreshold = n
	}

	// --- Core components ---
	pool := queue.NewPool()
	games := contest.NewService(st)
	coordinator, err := readycheck.NewCoordinator(pool, games, checkCfg)
	if err != nil {
		slog.Error("invalid ready-check configuration", "err", err)
		os.Exit(1)
	}

	// --- WebSocket hub ---
	wsHub := lobby.NewWSHub()
	go wsHub.Run()

	// --- Lobby service ---
	lobbySvc := lobby.NewService(pool, ratings, predictor, coordinator, games, searchCfg, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"match-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for queue and ready-check events.
		r.Get("/ws", wsHub.HandleWS)

		// Waiting pool.
		r.Post("/queue", lobbySvc.JoinQueue)
		r.Delete("/queue", lobbySvc.LeaveQueue)
		r.Get("/queue/{serverID}/{channelID}", lobbySvc.GetQueue)

		// Ready checks.
		r.Get("/proposals/{proposalID}", lobbySvc.GetProposal)
		r.Post("/proposals/{proposalID}/confirm", lobbySvc.ConfirmProposal)
		r.Get("/players/{playerID}/proposal", lobbySvc.GetPlayerProposal)

		// Games.
		r.Post("/games/score", lobbySvc.ScoreGame)
		r.Post("/games/cancel", lobbySvc.CancelGame)
		r.Get("/games/{gameID}", lobbySvc.GetGame)
		r.Get("/channels/{serverID}/{channelID}/games", lobbySvc.ListGames)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("match-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down match-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("match-engine stopped")
}
