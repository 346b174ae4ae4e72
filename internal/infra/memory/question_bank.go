package memory

import (
	"context"

	"buzzmatch/internal/domain"
)

// StaticQuestionBank serves questions from an in-memory catalog (useful for
// tests/demos and the memory-backend dev mode).
type StaticQuestionBank struct {
	questions map[string]domain.CatalogQuestion
	order     []string // insertion order keeps listings deterministic
}

func NewStaticQuestionBank(catalog []domain.CatalogQuestion) *StaticQuestionBank {
	bank := &StaticQuestionBank{questions: make(map[string]domain.CatalogQuestion, len(catalog))}
	for _, q := range catalog {
		if _, seen := bank.questions[q.ID]; seen {
			continue
		}
		bank.questions[q.ID] = q
		bank.order = append(bank.order, q.ID)
	}
	return bank
}

func (b *StaticQuestionBank) ListQuestionIDs(_ context.Context, category, difficulty string, limit int) ([]string, error) {
	var ids []string
	for _, id := range b.order {
		q := b.questions[id]
		if q.Category != category || q.Difficulty != difficulty {
			continue
		}
		ids = append(ids, id)
		if limit > 0 && len(ids) >= limit {
			break
		}
	}
	return ids, nil
}

func (b *StaticQuestionBank) GetQuestion(_ context.Context, id string) (domain.Question, error) {
	q, ok := b.questions[id]
	if !ok {
		return domain.Question{}, domain.NotFound("unknown question")
	}
	return q.Question, nil
}
