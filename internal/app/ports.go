package app

import (
	"context"
	"time"

	"buzzmatch/internal/domain"
)

// MatchStore abstracts durable shared match state (in-memory, Redis, etc).
// Every conditional transition is a single store primitive so backends can
// implement it as one atomic update; the service never does read-then-write
// on contended fields.
type MatchStore interface {
	// CreateMatch persists the match, its host, its full question sequence
	// and the created event as one unit. A half-created match must never be
	// visible to joiners. Returns a conflict error when the join code is
	// already reserved.
	CreateMatch(ctx context.Context, match domain.Match, host domain.Player, questionIDs []string, event domain.Event) error

	GetMatch(ctx context.Context, matchID string) (domain.Match, error)
	GetMatchByCode(ctx context.Context, joinCode string) (domain.Match, error)

	// GetPlayerByToken resolves a token to the one player it authenticates
	// within the match, or an unauthorized error.
	GetPlayerByToken(ctx context.Context, matchID, token string) (domain.Player, error)

	// ListPlayers returns the roster ordered by join time.
	ListPlayers(ctx context.Context, matchID string) ([]domain.Player, error)

	// QuestionID returns the question bound at the given position of the
	// match's sequence.
	QuestionID(ctx context.Context, matchID string, orderNo int) (string, error)

	// AddPlayer appends a player and the join event, but only while the
	// match is still waiting; otherwise it returns a conflict error.
	AddPlayer(ctx context.Context, player domain.Player, event domain.Event) error

	// StartMatch moves waiting -> in_progress, resets the question pointer
	// and lock, and appends the first question event, all atomically.
	StartMatch(ctx context.Context, matchID string, event domain.Event) error

	// TryLock is the buzz CAS: it sets locked_by to playerID only if the
	// match is in progress and no one holds the lock. Exactly one of N
	// simultaneous callers wins; the rest get domain.ErrAlreadyLocked
	// (or domain.ErrNotAcceptingBuzz when the match is not in progress).
	TryLock(ctx context.Context, matchID, playerID string, at time.Time) error

	// CompleteQuestion advances or finishes the match and releases the lock
	// in one atomic step, guarded by lock ownership: it fails with
	// domain.ErrNotLockOwner unless locked_by equals ownerID. The owner's
	// point (when adv awards one) and the given events (answer, then
	// question or finish) are applied in the same step, so a rejected
	// completion leaves no trace.
	CompleteQuestion(ctx context.Context, matchID, ownerID string, adv Advance, events ...domain.Event) error

	AppendEvent(ctx context.Context, event domain.Event) error

	// LatestAnswerEvent returns the most recent answer event, or nil when
	// no one has answered yet.
	LatestAnswerEvent(ctx context.Context, matchID string) (*domain.Event, error)

	// LatestEvent returns the newest log entry of any type, or nil.
	LatestEvent(ctx context.Context, matchID string) (*domain.Event, error)
}

// Advance tells CompleteQuestion where the state machine goes next and
// whether the lock owner earned a point on the way.
type Advance struct {
	NextIndex  int
	Finished   bool
	AwardPoint bool
}

// QuestionBank is the read-only port to the external question collaborator.
// The match engine never writes through it.
type QuestionBank interface {
	// ListQuestionIDs returns up to limit distinct question IDs matching the
	// category and difficulty.
	ListQuestionIDs(ctx context.Context, category, difficulty string, limit int) ([]string, error)
	GetQuestion(ctx context.Context, id string) (domain.Question, error)
}
