package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"buzzmatch/internal/domain"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// QuestionBank reads question content from Postgres. The match engine never
// writes through this type; seeding goes through SeedQuestions.
type QuestionBank struct {
	pool *pgxpool.Pool
}

func NewQuestionBank(pool *pgxpool.Pool) *QuestionBank {
	return &QuestionBank{pool: pool}
}

func (b *QuestionBank) ListQuestionIDs(ctx context.Context, category, difficulty string, limit int) ([]string, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT id FROM questions WHERE category=$1 AND difficulty=$2 LIMIT $3`,
		category, difficulty, limit)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan question id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (b *QuestionBank) GetQuestion(ctx context.Context, id string) (domain.Question, error) {
	var (
		prompt      string
		rawChoices  []byte
		answerIndex int
	)
	err := b.pool.QueryRow(ctx,
		`SELECT prompt, choices, answer_index FROM questions WHERE id=$1`, id).
		Scan(&prompt, &rawChoices, &answerIndex)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Question{}, domain.NotFound("unknown question")
	}
	if err != nil {
		return domain.Question{}, fmt.Errorf("load question: %w", err)
	}

	var choices []string
	if err := json.Unmarshal(rawChoices, &choices); err != nil {
		return domain.Question{}, fmt.Errorf("unmarshal choices: %w", err)
	}
	return domain.Question{ID: id, Prompt: prompt, Choices: choices, AnswerIndex: answerIndex}, nil
}

// SeedQuestions upserts catalog questions; existing rows keep their content
// so seeding is idempotent.
func SeedQuestions(ctx context.Context, pool *pgxpool.Pool, catalog []domain.CatalogQuestion) (int, error) {
	inserted := 0
	for _, q := range catalog {
		choices, err := json.Marshal(q.Choices)
		if err != nil {
			return inserted, fmt.Errorf("marshal choices for %s: %w", q.ID, err)
		}
		tag, err := pool.Exec(ctx,
			`INSERT INTO questions (id, category, difficulty, prompt, choices, answer_index)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (id) DO NOTHING`,
			q.ID, q.Category, q.Difficulty, q.Prompt, choices, q.AnswerIndex)
		if err != nil {
			return inserted, fmt.Errorf("insert question %s: %w", q.ID, err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}
