package redis

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"buzzmatch/internal/app"
	"buzzmatch/internal/domain"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// QuestionCache is a read-through cache over a QuestionBank. Question content
// is immutable, so cached entries are stored as JSON under question:{id} with
// a jittered TTL. ID listings stay fresh and go straight to the bank.
type QuestionCache struct {
	client *redis.Client
	bank   app.QuestionBank
	ttl    time.Duration
	sf     singleflight.Group
	rnd    *rand.Rand
}

func NewQuestionCache(client *redis.Client, bank app.QuestionBank, ttl time.Duration) *QuestionCache {
	return &QuestionCache{
		client: client,
		bank:   bank,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// cachedQuestion carries the answer key explicitly: domain.Question hides it
// from wire payloads, but the cache is server-side state.
type cachedQuestion struct {
	ID          string   `json:"id"`
	Prompt      string   `json:"prompt"`
	Choices     []string `json:"choices"`
	AnswerIndex int      `json:"answerIndex"`
}

func (c *QuestionCache) ListQuestionIDs(ctx context.Context, category, difficulty string, limit int) ([]string, error) {
	return c.bank.ListQuestionIDs(ctx, category, difficulty, limit)
}

func (c *QuestionCache) GetQuestion(ctx context.Context, id string) (domain.Question, error) {
	key := c.key(id)

	if raw, err := c.client.Get(ctx, key).Result(); err == nil {
		var cached cachedQuestion
		if err := json.Unmarshal([]byte(raw), &cached); err == nil {
			return cached.question(), nil
		}
	}

	result, err, _ := c.sf.Do(id, func() (interface{}, error) {
		// Re-check cache in case another goroutine filled it.
		if raw, err := c.client.Get(ctx, key).Result(); err == nil {
			var cached cachedQuestion
			if err := json.Unmarshal([]byte(raw), &cached); err == nil {
				return cached.question(), nil
			}
		}

		question, err := c.bank.GetQuestion(ctx, id)
		if err != nil {
			return domain.Question{}, err
		}

		raw, err := json.Marshal(cachedQuestion{
			ID:          question.ID,
			Prompt:      question.Prompt,
			Choices:     question.Choices,
			AnswerIndex: question.AnswerIndex,
		})
		if err == nil {
			_ = c.client.Set(ctx, key, raw, c.ttlWithJitter()).Err()
		}
		return question, nil
	})
	if err != nil {
		return domain.Question{}, err
	}
	return result.(domain.Question), nil
}

func (c *cachedQuestion) question() domain.Question {
	return domain.Question{
		ID:          c.ID,
		Prompt:      c.Prompt,
		Choices:     c.Choices,
		AnswerIndex: c.AnswerIndex,
	}
}

func (c *QuestionCache) key(id string) string {
	return "question:" + id
}

func (c *QuestionCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	// add up to 10% jitter to spread expirations
	jitterMax := int64(c.ttl) / 10
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}
