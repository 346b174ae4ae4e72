package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"buzzmatch/internal/app"
	"buzzmatch/internal/config"
	"buzzmatch/internal/domain"
	"buzzmatch/internal/infra/memory"
	pgbank "buzzmatch/internal/infra/postgres"
	redisinfra "buzzmatch/internal/infra/redis"
	transport "buzzmatch/internal/transport/http"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the match server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if cfg.Postgres.URL != "" {
		if err := runMigrations(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	lockTTL := config.TTLDuration(cfg.Match.LockTTL, 0)

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
	}

	var bank app.QuestionBank = memory.NewStaticQuestionBank(sampleCatalog())
	if pool != nil {
		bank = pgbank.NewQuestionBank(pool)
	}
	if redisClient != nil {
		questionTTL := config.TTLDuration(cfg.Redis.QuestionTTL, 10*time.Minute)
		bank = redisinfra.NewQuestionCache(redisClient, bank, questionTTL)
	}

	var store app.MatchStore
	if redisClient != nil {
		store = redisinfra.NewMatchStore(redisClient, lockTTL)
		log.Info("using redis match store")
	} else {
		store = memory.NewMatchStore(lockTTL)
		log.Warn("using in-memory match store; matches are lost on restart")
	}

	service := app.NewMatchService(store, bank, app.Settings{
		PoolCap:        cfg.Match.PoolCap,
		JoinCodeLength: cfg.Match.JoinCodeLength,
	})
	router := transport.NewRouter(transport.NewHandler(service))

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Infof("starting buzzmatch on :%s", finalPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("failed to start server")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Info("shutting down server...")
	case <-ctx.Done():
		log.Info("context canceled, shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// sampleCatalog keeps the memory backend playable without a database; swap in
// Postgres for real content.
func sampleCatalog() []domain.CatalogQuestion {
	return []domain.CatalogQuestion{
		{
			Question: domain.Question{
				ID:          "q-sci-1",
				Prompt:      "Which planet has the most moons?",
				Choices:     []string{"Earth", "Mars", "Saturn", "Venus"},
				AnswerIndex: 2,
			},
			Category:   "science",
			Difficulty: "normal",
		},
		{
			Question: domain.Question{
				ID:          "q-sci-2",
				Prompt:      "What gas do plants absorb from the atmosphere?",
				Choices:     []string{"Oxygen", "Carbon dioxide", "Nitrogen", "Helium"},
				AnswerIndex: 1,
			},
			Category:   "science",
			Difficulty: "normal",
		},
		{
			Question: domain.Question{
				ID:          "q-sci-3",
				Prompt:      "What is the chemical symbol for gold?",
				Choices:     []string{"Go", "Gd", "Au", "Ag"},
				AnswerIndex: 2,
			},
			Category:   "science",
			Difficulty: "normal",
		},
		{
			Question: domain.Question{
				ID:          "q-hist-1",
				Prompt:      "In which year did the Berlin Wall fall?",
				Choices:     []string{"1987", "1989", "1991", "1993"},
				AnswerIndex: 1,
			},
			Category:   "history",
			Difficulty: "normal",
		},
	}
}
