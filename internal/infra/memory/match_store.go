package memory

import (
	"context"
	"sync"
	"time"

	"buzzmatch/internal/app"
	"buzzmatch/internal/domain"
)

// MatchStore is an in-memory implementation of app.MatchStore. One mutex
// guards all matches, which makes every conditional transition trivially
// atomic; fine for tests and single-process dev mode.
type MatchStore struct {
	lockTTL time.Duration
	clock   func() time.Time

	mu      sync.Mutex
	matches map[string]*matchRecord
	codes   map[string]string // join code -> match ID
}

type matchRecord struct {
	match       domain.Match
	players     map[string]*domain.Player
	order       []string          // player IDs in join order
	tokens      map[string]string // token -> player ID
	questionIDs []string
	events      []domain.Event
}

// NewMatchStore creates a store. lockTTL > 0 lets a fresh buzz steal a lock
// older than the TTL; zero keeps locks until the holder answers.
func NewMatchStore(lockTTL time.Duration) *MatchStore {
	return newMatchStoreWithClock(lockTTL, time.Now)
}

// newMatchStoreWithClock allows deterministic lock expiry in tests.
func newMatchStoreWithClock(lockTTL time.Duration, clock func() time.Time) *MatchStore {
	return &MatchStore{
		lockTTL: lockTTL,
		clock:   clock,
		matches: make(map[string]*matchRecord),
		codes:   make(map[string]string),
	}
}

func (s *MatchStore) CreateMatch(_ context.Context, match domain.Match, host domain.Player, questionIDs []string, event domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.codes[match.JoinCode]; taken {
		return domain.Conflict("join code already in use")
	}
	if _, exists := s.matches[match.ID]; exists {
		return domain.Conflict("match already exists")
	}

	hostCopy := host
	rec := &matchRecord{
		match:       match,
		players:     map[string]*domain.Player{host.ID: &hostCopy},
		order:       []string{host.ID},
		tokens:      map[string]string{host.Token: host.ID},
		questionIDs: append([]string(nil), questionIDs...),
		events:      []domain.Event{event},
	}
	s.matches[match.ID] = rec
	s.codes[match.JoinCode] = match.ID
	return nil
}

func (s *MatchStore) GetMatch(_ context.Context, matchID string) (domain.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.record(matchID)
	if err != nil {
		return domain.Match{}, err
	}
	return rec.match, nil
}

func (s *MatchStore) GetMatchByCode(_ context.Context, joinCode string) (domain.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matchID, ok := s.codes[joinCode]
	if !ok {
		return domain.Match{}, domain.NotFound("unknown join code")
	}
	return s.matches[matchID].match, nil
}

func (s *MatchStore) GetPlayerByToken(_ context.Context, matchID, token string) (domain.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.record(matchID)
	if err != nil {
		return domain.Player{}, err
	}
	playerID, ok := rec.tokens[token]
	if !ok {
		return domain.Player{}, domain.Unauthorized("unknown token")
	}
	return *rec.players[playerID], nil
}

func (s *MatchStore) ListPlayers(_ context.Context, matchID string) ([]domain.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.record(matchID)
	if err != nil {
		return nil, err
	}
	players := make([]domain.Player, 0, len(rec.order))
	for _, id := range rec.order {
		players = append(players, *rec.players[id])
	}
	return players, nil
}

func (s *MatchStore) QuestionID(_ context.Context, matchID string, orderNo int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.record(matchID)
	if err != nil {
		return "", err
	}
	if orderNo < 0 || orderNo >= len(rec.questionIDs) {
		return "", domain.NotFound("no question at this position")
	}
	return rec.questionIDs[orderNo], nil
}

func (s *MatchStore) AddPlayer(_ context.Context, player domain.Player, event domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.record(player.MatchID)
	if err != nil {
		return err
	}
	if rec.match.State != domain.MatchWaiting {
		return domain.Conflict("match already started")
	}
	playerCopy := player
	rec.players[player.ID] = &playerCopy
	rec.order = append(rec.order, player.ID)
	rec.tokens[player.Token] = player.ID
	rec.events = append(rec.events, event)
	return nil
}

func (s *MatchStore) StartMatch(_ context.Context, matchID string, event domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.record(matchID)
	if err != nil {
		return err
	}
	if rec.match.State != domain.MatchWaiting {
		return domain.Conflict("match already started")
	}
	rec.match.State = domain.MatchInProgress
	rec.match.CurrentIndex = 0
	rec.match.LockedBy = ""
	rec.match.BuzzedAt = nil
	rec.events = append(rec.events, event)
	return nil
}

func (s *MatchStore) TryLock(_ context.Context, matchID, playerID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.record(matchID)
	if err != nil {
		return err
	}
	if rec.match.State != domain.MatchInProgress {
		return domain.ErrNotAcceptingBuzz
	}
	if rec.match.LockedBy != "" && !s.lockExpired(rec.match) {
		return domain.ErrAlreadyLocked
	}
	rec.match.LockedBy = playerID
	buzzed := at
	rec.match.BuzzedAt = &buzzed
	return nil
}

func (s *MatchStore) CompleteQuestion(_ context.Context, matchID, ownerID string, adv app.Advance, events ...domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.record(matchID)
	if err != nil {
		return err
	}
	if rec.match.LockedBy != ownerID {
		return domain.ErrNotLockOwner
	}
	if adv.Finished {
		rec.match.State = domain.MatchFinished
	} else {
		rec.match.CurrentIndex = adv.NextIndex
	}
	if adv.AwardPoint {
		if player, ok := rec.players[ownerID]; ok {
			player.Score++
		}
	}
	rec.match.LockedBy = ""
	rec.match.BuzzedAt = nil
	rec.events = append(rec.events, events...)
	return nil
}

func (s *MatchStore) AppendEvent(_ context.Context, event domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.record(event.MatchID)
	if err != nil {
		return err
	}
	rec.events = append(rec.events, event)
	return nil
}

func (s *MatchStore) LatestAnswerEvent(_ context.Context, matchID string) (*domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.record(matchID)
	if err != nil {
		return nil, err
	}
	for i := len(rec.events) - 1; i >= 0; i-- {
		if rec.events[i].Type == domain.EventAnswer {
			event := rec.events[i]
			return &event, nil
		}
	}
	return nil, nil
}

func (s *MatchStore) LatestEvent(_ context.Context, matchID string) (*domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.record(matchID)
	if err != nil {
		return nil, err
	}
	if len(rec.events) == 0 {
		return nil, nil
	}
	event := rec.events[len(rec.events)-1]
	return &event, nil
}

// Events returns a copy of the full log; used by tests to check ordering and
// conservation properties.
func (s *MatchStore) Events(matchID string) []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.matches[matchID]
	if !ok {
		return nil
	}
	return append([]domain.Event(nil), rec.events...)
}

func (s *MatchStore) record(matchID string) (*matchRecord, error) {
	rec, ok := s.matches[matchID]
	if !ok {
		return nil, domain.NotFound("unknown match")
	}
	return rec, nil
}

func (s *MatchStore) lockExpired(match domain.Match) bool {
	if s.lockTTL <= 0 || match.BuzzedAt == nil {
		return false
	}
	return s.clock().Sub(*match.BuzzedAt) >= s.lockTTL
}
