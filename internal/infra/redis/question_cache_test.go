package redis

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"buzzmatch/internal/domain"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

// countingBank records how often the backing bank is hit.
type countingBank struct {
	questions map[string]domain.Question
	hits      int64
}

func (b *countingBank) ListQuestionIDs(_ context.Context, _, _ string, _ int) ([]string, error) {
	ids := make([]string, 0, len(b.questions))
	for id := range b.questions {
		ids = append(ids, id)
	}
	return ids, nil
}

func (b *countingBank) GetQuestion(_ context.Context, id string) (domain.Question, error) {
	atomic.AddInt64(&b.hits, 1)
	question, ok := b.questions[id]
	if !ok {
		return domain.Question{}, domain.NotFound("unknown question")
	}
	return question, nil
}

func TestQuestionCacheReadThrough(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	bank := &countingBank{questions: map[string]domain.Question{
		"q1": {ID: "q1", Prompt: "Which planet has the most moons?", Choices: []string{"Earth", "Mars", "Saturn", "Venus"}, AnswerIndex: 2},
	}}
	cache := NewQuestionCache(client, bank, time.Minute)

	first, err := cache.GetQuestion(ctx, "q1")
	if err != nil {
		t.Fatalf("first get: %v", err)
	}
	second, err := cache.GetQuestion(ctx, "q1")
	if err != nil {
		t.Fatalf("second get: %v", err)
	}

	if atomic.LoadInt64(&bank.hits) != 1 {
		t.Fatalf("expected one bank hit, got %d", bank.hits)
	}
	if second.ID != first.ID || second.AnswerIndex != 2 || len(second.Choices) != 4 {
		t.Fatalf("cached question lost fields: %+v", second)
	}

	if _, err := cache.GetQuestion(ctx, "missing"); !domain.IsKind(err, domain.KindNotFound) {
		t.Fatalf("expected not_found passthrough, got %v", err)
	}

	// After expiry the cache refills from the bank.
	mr.FastForward(2 * time.Minute)
	if _, err := cache.GetQuestion(ctx, "q1"); err != nil {
		t.Fatalf("get after expiry: %v", err)
	}
	if atomic.LoadInt64(&bank.hits) != 3 {
		t.Fatalf("expected refill bank hit, got %d", bank.hits)
	}
}
