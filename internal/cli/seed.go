package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"buzzmatch/internal/config"
	"buzzmatch/internal/domain"
	pgbank "buzzmatch/internal/infra/postgres"

	"github.com/jackc/pgx/v4/pgxpool"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// NewSeedCmd loads a JSON question catalog into Postgres.
func NewSeedCmd(configPath *string) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed the question bank from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd.Context(), *configPath, file)
		},
	}
	cmd.Flags().StringVar(&file, "file", "data/questions.json", "path to question catalog JSON")
	return cmd
}

func runSeed(ctx context.Context, configPath, file string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Postgres.URL == "" {
		return fmt.Errorf("postgres url not configured")
	}

	catalog, err := loadCatalog(file)
	if err != nil {
		return err
	}

	if err := runMigrations(ctx, cfg); err != nil {
		return err
	}

	pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	inserted, err := pgbank.SeedQuestions(ctx, pool, catalog)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"total": len(catalog), "inserted": inserted}).Info("question bank seeded")
	return nil
}

type catalogEntry struct {
	ID          string   `json:"id"`
	Category    string   `json:"category"`
	Difficulty  string   `json:"difficulty"`
	Prompt      string   `json:"prompt"`
	Choices     []string `json:"choices"`
	AnswerIndex int      `json:"answerIndex"`
}

func loadCatalog(path string) ([]domain.CatalogQuestion, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []catalogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	catalog := make([]domain.CatalogQuestion, 0, len(entries))
	for _, e := range entries {
		if len(e.Choices) != 4 {
			return nil, fmt.Errorf("question %s: expected 4 choices, got %d", e.ID, len(e.Choices))
		}
		if e.AnswerIndex < 0 || e.AnswerIndex > 3 {
			return nil, fmt.Errorf("question %s: answerIndex out of range", e.ID)
		}
		catalog = append(catalog, domain.CatalogQuestion{
			Question: domain.Question{
				ID:          e.ID,
				Prompt:      e.Prompt,
				Choices:     e.Choices,
				AnswerIndex: e.AnswerIndex,
			},
			Category:   e.Category,
			Difficulty: e.Difficulty,
		})
	}
	return catalog, nil
}
