package domain

import (
	"encoding/json"
	"time"
)

// MatchState is the lifecycle phase of a match. Transitions are forward-only:
// waiting -> in_progress -> finished.
type MatchState string

const (
	MatchWaiting    MatchState = "waiting"
	MatchInProgress MatchState = "in_progress"
	MatchFinished   MatchState = "finished"
)

// Match is the server-authoritative record of one buzzer session.
type Match struct {
	ID            string
	JoinCode      string
	Category      string
	Difficulty    string
	QuestionCount int
	State         MatchState
	// CurrentIndex points into the match's question sequence. Meaningful
	// only once the match has started.
	CurrentIndex int
	// LockedBy holds the ID of the player with exclusive answer rights for
	// the current question, or "" when the buzz race is open.
	LockedBy  string
	BuzzedAt  *time.Time
	CreatedAt time.Time
}

// Player belongs to exactly one match. The token is an opaque secret issued
// at join time and never re-issued.
type Player struct {
	ID       string
	MatchID  string
	Name     string
	Token    string
	IsHost   bool
	Score    int
	JoinedAt time.Time
}

// Question is owned by the question bank; the match engine only reads it.
// AnswerIndex must never reach a wire payload.
type Question struct {
	ID          string   `json:"id"`
	Prompt      string   `json:"prompt"`
	Choices     []string `json:"choices"`
	AnswerIndex int      `json:"-"`
}

// CatalogQuestion is a bank-side question together with the pool attributes
// matches select on.
type CatalogQuestion struct {
	Question
	Category   string `json:"category"`
	Difficulty string `json:"difficulty"`
}

// EventType classifies entries of a match's append-only event log.
type EventType string

const (
	EventCreated  EventType = "created"
	EventJoin     EventType = "join"
	EventQuestion EventType = "question"
	EventBuzz     EventType = "buzz"
	EventAnswer   EventType = "answer"
	EventFinish   EventType = "finish"
)

// Event is one entry of a match's log. Events are appended in commit order
// and never updated or deleted; polling clients derive what happened between
// polls from them.
type Event struct {
	MatchID   string          `json:"matchId"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// AnswerOutcome is the payload of an answer event. Every poller, not just the
// answering player, reads the most recent one as shared feedback.
type AnswerOutcome struct {
	PlayerID    string `json:"playerId"`
	Correct     bool   `json:"correct"`
	AnswerIndex int    `json:"answerIndex"`
	Index       int    `json:"index"`
}

// QuestionView is the client-visible form of a question: prompt and choices,
// never the answer key.
type QuestionView struct {
	ID      string   `json:"id"`
	Prompt  string   `json:"prompt"`
	Choices []string `json:"choices"`
}

// ViewOf strips a question down to what clients may see.
func ViewOf(q Question) QuestionView {
	return QuestionView{ID: q.ID, Prompt: q.Prompt, Choices: q.Choices}
}

// MatchView is the snapshot form of a match.
type MatchView struct {
	ID            string     `json:"id"`
	JoinCode      string     `json:"joinCode"`
	Category      string     `json:"category"`
	Difficulty    string     `json:"difficulty"`
	QuestionCount int        `json:"questionCount"`
	State         MatchState `json:"state"`
	CurrentIndex  int        `json:"currentIndex"`
	LockedBy      string     `json:"lockedBy,omitempty"`
}

// PlayerView is the snapshot form of a roster entry. Tokens stay server-side.
type PlayerView struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	IsHost   bool      `json:"isHost"`
	Score    int       `json:"score"`
	JoinedAt time.Time `json:"joinedAt"`
}

// EventMeta identifies the newest log entry so pollers can deduplicate
// across overlapping polls.
type EventMeta struct {
	Type      EventType `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
}

// Snapshot is the externally visible state of a match, safe to serve at any
// polling interval.
type Snapshot struct {
	Match      MatchView      `json:"match"`
	Players    []PlayerView   `json:"players"`
	Question   *QuestionView  `json:"question"`
	LastAnswer *AnswerOutcome `json:"lastAnswer"`
	LastEvent  *EventMeta     `json:"lastEvent"`
}
