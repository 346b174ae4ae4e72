package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	mathrand "math/rand"
	"time"

	"buzzmatch/internal/domain"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const joinCodeAttempts = 5

// Settings tunes match creation. Zero values fall back to defaults.
type Settings struct {
	PoolCap        int // candidate question pool size cap
	JoinCodeLength int
}

func (s Settings) withDefaults() Settings {
	if s.PoolCap <= 0 {
		s.PoolCap = 200
	}
	if s.JoinCodeLength <= 0 {
		s.JoinCodeLength = 6
	}
	return s
}

// MatchService contains the buzzer match use cases: creation, join, start,
// the buzz/answer lock arbiter and snapshot assembly. Handlers are stateless;
// all shared mutable state lives behind the MatchStore.
type MatchService struct {
	store    MatchStore
	bank     QuestionBank
	settings Settings
	now      func() time.Time
	newID    func() string
}

func NewMatchService(store MatchStore, bank QuestionBank, settings Settings) *MatchService {
	return &MatchService{
		store:    store,
		bank:     bank,
		settings: settings.withDefaults(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

type CreateMatchInput struct {
	Category      string
	Difficulty    string
	QuestionCount int
	HostName      string
}

type CreateMatchResult struct {
	MatchID      string `json:"matchId"`
	JoinCode     string `json:"joinCode"`
	HostToken    string `json:"hostToken"`
	HostPlayerID string `json:"hostPlayerId"`
}

// CreateMatch materializes a match: a shuffled question sequence drawn from
// the bank, the host roster entry and the created event, persisted as one
// unit. No partial matches: fewer available questions than requested fails.
func (s *MatchService) CreateMatch(ctx context.Context, in CreateMatchInput) (CreateMatchResult, error) {
	if in.Category == "" || in.Difficulty == "" {
		return CreateMatchResult{}, domain.Invalid("category and difficulty are required")
	}
	if in.QuestionCount < 1 {
		return CreateMatchResult{}, domain.Invalid("questionCount must be at least 1")
	}
	if in.HostName == "" {
		return CreateMatchResult{}, domain.Invalid("hostName is required")
	}

	pool, err := s.bank.ListQuestionIDs(ctx, in.Category, in.Difficulty, s.settings.PoolCap)
	if err != nil {
		return CreateMatchResult{}, err
	}
	if len(pool) == 0 {
		return CreateMatchResult{}, domain.NotFound("no questions for this category and difficulty")
	}
	if len(pool) < in.QuestionCount {
		return CreateMatchResult{}, domain.NotFound("not enough questions for this category and difficulty")
	}

	sequence := make([]string, len(pool))
	copy(sequence, pool)
	mathrand.Shuffle(len(sequence), func(i, j int) {
		sequence[i], sequence[j] = sequence[j], sequence[i]
	})
	sequence = sequence[:in.QuestionCount]

	now := s.now()
	match := domain.Match{
		ID:            s.newID(),
		Category:      in.Category,
		Difficulty:    in.Difficulty,
		QuestionCount: in.QuestionCount,
		State:         domain.MatchWaiting,
		CreatedAt:     now,
	}
	host := domain.Player{
		ID:       s.newID(),
		MatchID:  match.ID,
		Name:     in.HostName,
		Token:    newToken(),
		IsHost:   true,
		JoinedAt: now,
	}
	event := mustEvent(match.ID, domain.EventCreated, map[string]any{
		"category":      in.Category,
		"difficulty":    in.Difficulty,
		"questionCount": in.QuestionCount,
	}, now)

	// Join codes live in a small alphabet, so reserve with a bounded retry
	// instead of assuming the first candidate is free.
	for attempt := 0; attempt < joinCodeAttempts; attempt++ {
		match.JoinCode = newJoinCode(s.settings.JoinCodeLength)
		err = s.store.CreateMatch(ctx, match, host, sequence, event)
		if domain.IsKind(err, domain.KindConflict) {
			continue
		}
		break
	}
	if err != nil {
		return CreateMatchResult{}, err
	}

	log.WithFields(log.Fields{"match_id": match.ID, "join_code": match.JoinCode, "questions": in.QuestionCount}).
		Info("match created")
	return CreateMatchResult{
		MatchID:      match.ID,
		JoinCode:     match.JoinCode,
		HostToken:    host.Token,
		HostPlayerID: host.ID,
	}, nil
}

type JoinInput struct {
	MatchID  string
	JoinCode string
	Name     string
}

type JoinResult struct {
	MatchID  string `json:"matchId"`
	PlayerID string `json:"playerId"`
	Token    string `json:"token"`
}

// Join adds a player to a waiting match, resolving the join code when no
// match ID is given. The roster closes once play starts.
func (s *MatchService) Join(ctx context.Context, in JoinInput) (JoinResult, error) {
	if in.Name == "" {
		return JoinResult{}, domain.Invalid("name is required")
	}
	if in.MatchID == "" && in.JoinCode == "" {
		return JoinResult{}, domain.Invalid("matchId or joinCode is required")
	}

	var (
		match domain.Match
		err   error
	)
	if in.MatchID != "" {
		match, err = s.store.GetMatch(ctx, in.MatchID)
	} else {
		match, err = s.store.GetMatchByCode(ctx, in.JoinCode)
	}
	if err != nil {
		return JoinResult{}, err
	}

	now := s.now()
	player := domain.Player{
		ID:       s.newID(),
		MatchID:  match.ID,
		Name:     in.Name,
		Token:    newToken(),
		JoinedAt: now,
	}
	event := mustEvent(match.ID, domain.EventJoin, map[string]any{
		"playerId": player.ID,
		"name":     player.Name,
	}, now)

	if err := s.store.AddPlayer(ctx, player, event); err != nil {
		return JoinResult{}, err
	}

	log.WithFields(log.Fields{"match_id": match.ID, "player_id": player.ID}).Info("player joined")
	return JoinResult{MatchID: match.ID, PlayerID: player.ID, Token: player.Token}, nil
}

// Start moves a waiting match in progress and publishes the first question.
// Host only.
func (s *MatchService) Start(ctx context.Context, matchID, token string) error {
	player, err := s.store.GetPlayerByToken(ctx, matchID, token)
	if err != nil {
		return err
	}
	if !player.IsHost {
		return domain.Forbidden("host token required")
	}

	questionEvent, err := s.questionEvent(ctx, matchID, 0)
	if err != nil {
		return err
	}
	if err := s.store.StartMatch(ctx, matchID, questionEvent); err != nil {
		return err
	}

	log.WithFields(log.Fields{"match_id": matchID}).Info("match started")
	return nil
}

// Buzz races for the answer lock on the current question. Exactly one of N
// simultaneous callers wins; the rest observe the taken lock and fail.
func (s *MatchService) Buzz(ctx context.Context, matchID, token string) error {
	player, err := s.store.GetPlayerByToken(ctx, matchID, token)
	if err != nil {
		return err
	}

	now := s.now()
	if err := s.store.TryLock(ctx, matchID, player.ID, now); err != nil {
		return err
	}

	return s.store.AppendEvent(ctx, mustEvent(matchID, domain.EventBuzz, map[string]any{
		"playerId": player.ID,
	}, now))
}

type AnswerResult struct {
	Correct   bool `json:"correct"`
	Finished  bool `json:"finished"`
	NextIndex *int `json:"nextIndex,omitempty"`
}

// Answer adjudicates the current question for the lock holder and advances
// the match. A caller who has not buzzed first races for the lock here (an
// implicit buzz); losing that race means it was never their turn, so they are
// rejected rather than silently adjudicated.
func (s *MatchService) Answer(ctx context.Context, matchID, token string, answerIndex int) (AnswerResult, error) {
	if answerIndex < 0 || answerIndex > 3 {
		return AnswerResult{}, domain.Invalid("answerIndex must be between 0 and 3")
	}

	player, err := s.store.GetPlayerByToken(ctx, matchID, token)
	if err != nil {
		return AnswerResult{}, err
	}

	match, err := s.store.GetMatch(ctx, matchID)
	if err != nil {
		return AnswerResult{}, err
	}
	if match.State != domain.MatchInProgress {
		return AnswerResult{}, domain.Conflict("match is not in progress")
	}

	if match.LockedBy != player.ID {
		switch err := s.store.TryLock(ctx, matchID, player.ID, s.now()); {
		case err == nil:
			// Implicit buzz won; the lock is ours until CompleteQuestion.
		case errors.Is(err, domain.ErrAlreadyLocked):
			return AnswerResult{}, domain.ErrNotLockOwner
		case errors.Is(err, domain.ErrNotAcceptingBuzz):
			return AnswerResult{}, domain.Conflict("match is not in progress")
		default:
			return AnswerResult{}, err
		}
	}

	// Re-read now that the lock is held: the question pointer cannot move
	// under us, but it may have advanced between the first read and the CAS.
	match, err = s.store.GetMatch(ctx, matchID)
	if err != nil {
		return AnswerResult{}, err
	}

	questionID, err := s.store.QuestionID(ctx, matchID, match.CurrentIndex)
	if err != nil {
		return AnswerResult{}, err
	}
	question, err := s.bank.GetQuestion(ctx, questionID)
	if err != nil {
		return AnswerResult{}, err
	}

	// The point rides inside CompleteQuestion so a completion rejected by the
	// owner guard leaves neither a score change nor an answer event behind.
	correct := answerIndex == question.AnswerIndex

	now := s.now()
	answerEvent := mustEvent(matchID, domain.EventAnswer, domain.AnswerOutcome{
		PlayerID:    player.ID,
		Correct:     correct,
		AnswerIndex: answerIndex,
		Index:       match.CurrentIndex,
	}, now)

	nextIndex := match.CurrentIndex + 1
	if nextIndex >= match.QuestionCount {
		finishEvent := mustEvent(matchID, domain.EventFinish, map[string]any{
			"questionCount": match.QuestionCount,
		}, now)
		if err := s.store.CompleteQuestion(ctx, matchID, player.ID, Advance{Finished: true, AwardPoint: correct}, answerEvent, finishEvent); err != nil {
			return AnswerResult{}, err
		}
		log.WithFields(log.Fields{"match_id": matchID}).Info("match finished")
		return AnswerResult{Correct: correct, Finished: true}, nil
	}

	questionEvent, err := s.questionEvent(ctx, matchID, nextIndex)
	if err != nil {
		return AnswerResult{}, err
	}
	if err := s.store.CompleteQuestion(ctx, matchID, player.ID, Advance{NextIndex: nextIndex, AwardPoint: correct}, answerEvent, questionEvent); err != nil {
		return AnswerResult{}, err
	}
	return AnswerResult{Correct: correct, NextIndex: &nextIndex}, nil
}

// State assembles the poll snapshot: match view, roster with live scores, the
// current question without its answer key, and the latest shared answer
// feedback. Read-only and side-effect-free.
func (s *MatchService) State(ctx context.Context, matchID string) (domain.Snapshot, error) {
	match, err := s.store.GetMatch(ctx, matchID)
	if err != nil {
		return domain.Snapshot{}, err
	}

	players, err := s.store.ListPlayers(ctx, matchID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	roster := make([]domain.PlayerView, 0, len(players))
	for _, p := range players {
		roster = append(roster, domain.PlayerView{
			ID:       p.ID,
			Name:     p.Name,
			IsHost:   p.IsHost,
			Score:    p.Score,
			JoinedAt: p.JoinedAt,
		})
	}

	snapshot := domain.Snapshot{
		Match: domain.MatchView{
			ID:            match.ID,
			JoinCode:      match.JoinCode,
			Category:      match.Category,
			Difficulty:    match.Difficulty,
			QuestionCount: match.QuestionCount,
			State:         match.State,
			CurrentIndex:  match.CurrentIndex,
			LockedBy:      match.LockedBy,
		},
		Players: roster,
	}

	if match.State == domain.MatchInProgress {
		questionID, err := s.store.QuestionID(ctx, matchID, match.CurrentIndex)
		if err != nil {
			return domain.Snapshot{}, err
		}
		question, err := s.bank.GetQuestion(ctx, questionID)
		if err != nil {
			return domain.Snapshot{}, err
		}
		view := domain.ViewOf(question)
		snapshot.Question = &view
	}

	if answerEvent, err := s.store.LatestAnswerEvent(ctx, matchID); err != nil {
		return domain.Snapshot{}, err
	} else if answerEvent != nil {
		var outcome domain.AnswerOutcome
		if err := json.Unmarshal(answerEvent.Payload, &outcome); err != nil {
			return domain.Snapshot{}, domain.Internal("corrupt answer event")
		}
		snapshot.LastAnswer = &outcome
	}

	if latest, err := s.store.LatestEvent(ctx, matchID); err != nil {
		return domain.Snapshot{}, err
	} else if latest != nil {
		snapshot.LastEvent = &domain.EventMeta{Type: latest.Type, CreatedAt: latest.CreatedAt}
	}

	return snapshot, nil
}

type questionPayload struct {
	Index    int                 `json:"index"`
	Question domain.QuestionView `json:"question"`
}

// questionEvent builds the event published when a question opens. The payload
// carries prompt and choices only; the answer key stays server-side.
func (s *MatchService) questionEvent(ctx context.Context, matchID string, index int) (domain.Event, error) {
	questionID, err := s.store.QuestionID(ctx, matchID, index)
	if err != nil {
		return domain.Event{}, err
	}
	question, err := s.bank.GetQuestion(ctx, questionID)
	if err != nil {
		return domain.Event{}, err
	}
	return mustEvent(matchID, domain.EventQuestion, questionPayload{
		Index:    index,
		Question: domain.ViewOf(question),
	}, s.now()), nil
}

func mustEvent(matchID string, typ domain.EventType, payload any, at time.Time) domain.Event {
	raw, err := json.Marshal(payload)
	if err != nil {
		// Payloads are built from plain structs and maps; a marshal failure
		// is a programming error.
		panic(err)
	}
	return domain.Event{MatchID: matchID, Type: typ, Payload: raw, CreatedAt: at}
}

func newToken() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func newJoinCode(length int) string {
	b := make([]byte, (length+1)/2)
	rand.Read(b)
	return hex.EncodeToString(b)[:length]
}
