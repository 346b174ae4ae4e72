package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"buzzmatch/internal/app"
	"buzzmatch/internal/domain"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

var fixedTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, lockTTL time.Duration) *MatchStore {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewMatchStore(client, lockTTL)
}

func seedMatch(t *testing.T, store *MatchStore) (domain.Match, domain.Player) {
	t.Helper()
	match := domain.Match{
		ID:            "m1",
		JoinCode:      "abc123",
		Category:      "science",
		Difficulty:    "normal",
		QuestionCount: 2,
		State:         domain.MatchWaiting,
		CreatedAt:     fixedTime,
	}
	host := domain.Player{
		ID: "p1", MatchID: "m1", Name: "Alice", Token: "tok-host", IsHost: true, JoinedAt: fixedTime,
	}
	event := domain.Event{MatchID: "m1", Type: domain.EventCreated, CreatedAt: fixedTime}
	if err := store.CreateMatch(context.Background(), match, host, []string{"q1", "q2"}, event); err != nil {
		t.Fatalf("create match: %v", err)
	}
	return match, host
}

func TestCreateAndGetMatch(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, 0)
	match, host := seedMatch(t, store)

	got, err := store.GetMatch(ctx, match.ID)
	if err != nil {
		t.Fatalf("get match: %v", err)
	}
	if got.ID != match.ID || got.JoinCode != match.JoinCode || got.State != domain.MatchWaiting ||
		got.QuestionCount != 2 || got.LockedBy != "" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if !got.CreatedAt.Equal(fixedTime) {
		t.Fatalf("expected created_at %v, got %v", fixedTime, got.CreatedAt)
	}

	byCode, err := store.GetMatchByCode(ctx, match.JoinCode)
	if err != nil || byCode.ID != match.ID {
		t.Fatalf("lookup by code: %v %+v", err, byCode)
	}
	if _, err := store.GetMatchByCode(ctx, "zzzzzz"); !domain.IsKind(err, domain.KindNotFound) {
		t.Fatalf("expected not_found for unknown code, got %v", err)
	}

	player, err := store.GetPlayerByToken(ctx, match.ID, host.Token)
	if err != nil {
		t.Fatalf("player by token: %v", err)
	}
	if player.ID != host.ID || !player.IsHost || !player.JoinedAt.Equal(fixedTime) {
		t.Fatalf("player round trip mismatch: %+v", player)
	}
	if _, err := store.GetPlayerByToken(ctx, match.ID, "nope"); !domain.IsKind(err, domain.KindUnauthorized) {
		t.Fatalf("expected unauthorized for bad token, got %v", err)
	}

	if id, err := store.QuestionID(ctx, match.ID, 1); err != nil || id != "q2" {
		t.Fatalf("question at 1: %q %v", id, err)
	}
	if _, err := store.QuestionID(ctx, match.ID, 5); !domain.IsKind(err, domain.KindNotFound) {
		t.Fatalf("expected not_found past the sequence, got %v", err)
	}
}

func TestCreateMatchJoinCodeConflict(t *testing.T) {
	store := newTestStore(t, 0)
	seedMatch(t, store)

	dup := domain.Match{ID: "m2", JoinCode: "abc123", State: domain.MatchWaiting, CreatedAt: fixedTime}
	err := store.CreateMatch(context.Background(), dup,
		domain.Player{ID: "p9", MatchID: "m2", Token: "tok-9", JoinedAt: fixedTime},
		nil, domain.Event{MatchID: "m2", CreatedAt: fixedTime})
	if !domain.IsKind(err, domain.KindConflict) {
		t.Fatalf("expected conflict for reused join code, got %v", err)
	}
	// The reservation still points at the original match.
	byCode, err := store.GetMatchByCode(context.Background(), "abc123")
	if err != nil || byCode.ID != "m1" {
		t.Fatalf("expected original match behind code, got %+v %v", byCode, err)
	}
}

func TestAddPlayerGateAndOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, 0)
	match, host := seedMatch(t, store)

	bob := domain.Player{ID: "p2", MatchID: match.ID, Name: "Bob", Token: "tok-bob", JoinedAt: fixedTime.Add(time.Second)}
	if err := store.AddPlayer(ctx, bob, domain.Event{MatchID: match.ID, Type: domain.EventJoin, CreatedAt: bob.JoinedAt}); err != nil {
		t.Fatalf("add player: %v", err)
	}

	ghost := domain.Player{ID: "p3", MatchID: "missing", Token: "tok-3", JoinedAt: fixedTime}
	if err := store.AddPlayer(ctx, ghost, domain.Event{MatchID: "missing"}); !domain.IsKind(err, domain.KindNotFound) {
		t.Fatalf("expected not_found for unknown match, got %v", err)
	}

	if err := store.StartMatch(ctx, match.ID, domain.Event{MatchID: match.ID, Type: domain.EventQuestion, CreatedAt: fixedTime}); err != nil {
		t.Fatalf("start: %v", err)
	}
	late := domain.Player{ID: "p4", MatchID: match.ID, Token: "tok-4", JoinedAt: fixedTime}
	if err := store.AddPlayer(ctx, late, domain.Event{MatchID: match.ID}); !domain.IsKind(err, domain.KindConflict) {
		t.Fatalf("expected conflict after start, got %v", err)
	}

	players, err := store.ListPlayers(ctx, match.ID)
	if err != nil {
		t.Fatalf("list players: %v", err)
	}
	if len(players) != 2 || players[0].ID != host.ID || players[1].ID != bob.ID {
		t.Fatalf("expected join order roster, got %+v", players)
	}
}

func TestStartMatchTransitions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, 0)
	match, _ := seedMatch(t, store)

	if err := store.StartMatch(ctx, "missing", domain.Event{MatchID: "missing"}); !domain.IsKind(err, domain.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
	if err := store.StartMatch(ctx, match.ID, domain.Event{MatchID: match.ID, CreatedAt: fixedTime}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := store.StartMatch(ctx, match.ID, domain.Event{MatchID: match.ID}); !domain.IsKind(err, domain.KindConflict) {
		t.Fatalf("expected conflict on double start, got %v", err)
	}

	got, err := store.GetMatch(ctx, match.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != domain.MatchInProgress || got.CurrentIndex != 0 || got.LockedBy != "" {
		t.Fatalf("expected fresh in_progress match, got %+v", got)
	}
}

func TestTryLockCAS(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, 0)
	match, host := seedMatch(t, store)

	if err := store.TryLock(ctx, match.ID, host.ID, fixedTime); err != domain.ErrNotAcceptingBuzz {
		t.Fatalf("expected not accepting before start, got %v", err)
	}
	if err := store.StartMatch(ctx, match.ID, domain.Event{MatchID: match.ID}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := store.TryLock(ctx, match.ID, host.ID, fixedTime); err != nil {
		t.Fatalf("first lock: %v", err)
	}
	if err := store.TryLock(ctx, match.ID, "p2", fixedTime); err != domain.ErrAlreadyLocked {
		t.Fatalf("expected already locked, got %v", err)
	}

	got, _ := store.GetMatch(ctx, match.ID)
	if got.LockedBy != host.ID || got.BuzzedAt == nil {
		t.Fatalf("expected recorded lock, got %+v", got)
	}
}

func TestTryLockTTLSteal(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, 30*time.Second)
	match, host := seedMatch(t, store)
	if err := store.StartMatch(ctx, match.ID, domain.Event{MatchID: match.ID}); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := store.TryLock(ctx, match.ID, host.ID, fixedTime); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := store.TryLock(ctx, match.ID, "p2", fixedTime.Add(10*time.Second)); err != domain.ErrAlreadyLocked {
		t.Fatalf("expected fresh lock to hold, got %v", err)
	}
	if err := store.TryLock(ctx, match.ID, "p2", fixedTime.Add(35*time.Second)); err != nil {
		t.Fatalf("expected expired lock steal, got %v", err)
	}

	got, _ := store.GetMatch(ctx, match.ID)
	if got.LockedBy != "p2" {
		t.Fatalf("expected p2 to hold the lock, got %q", got.LockedBy)
	}
}

func TestCompleteQuestion(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, 0)
	match, host := seedMatch(t, store)
	if err := store.StartMatch(ctx, match.ID, domain.Event{MatchID: match.ID}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := store.TryLock(ctx, match.ID, host.ID, fixedTime); err != nil {
		t.Fatalf("lock: %v", err)
	}

	if err := store.CompleteQuestion(ctx, match.ID, "p2", app.Advance{NextIndex: 1, AwardPoint: true}); err != domain.ErrNotLockOwner {
		t.Fatalf("expected owner guard, got %v", err)
	}
	if err := store.CompleteQuestion(ctx, "missing", host.ID, app.Advance{NextIndex: 1}); !domain.IsKind(err, domain.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
	// The rejected completion must award nothing.
	if player, err := store.GetPlayerByToken(ctx, match.ID, host.Token); err != nil || player.Score != 0 {
		t.Fatalf("expected untouched score after rejected completion, got %+v %v", player, err)
	}

	answer := domain.Event{MatchID: match.ID, Type: domain.EventAnswer, CreatedAt: fixedTime}
	question := domain.Event{MatchID: match.ID, Type: domain.EventQuestion, CreatedAt: fixedTime}
	if err := store.CompleteQuestion(ctx, match.ID, host.ID, app.Advance{NextIndex: 1, AwardPoint: true}, answer, question); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, _ := store.GetMatch(ctx, match.ID)
	if got.CurrentIndex != 1 || got.LockedBy != "" || got.BuzzedAt != nil {
		t.Fatalf("expected advanced unlocked match, got %+v", got)
	}
	if player, err := store.GetPlayerByToken(ctx, match.ID, host.Token); err != nil || player.Score != 1 {
		t.Fatalf("expected awarded point, got %+v %v", player, err)
	}
	latest, err := store.LatestEvent(ctx, match.ID)
	if err != nil || latest == nil || latest.Type != domain.EventQuestion {
		t.Fatalf("expected question as latest event, got %+v %v", latest, err)
	}

	// Finishing the last question freezes the match.
	if err := store.TryLock(ctx, match.ID, host.ID, fixedTime); err != nil {
		t.Fatalf("relock: %v", err)
	}
	finish := domain.Event{MatchID: match.ID, Type: domain.EventFinish, CreatedAt: fixedTime}
	if err := store.CompleteQuestion(ctx, match.ID, host.ID, app.Advance{Finished: true}, answer, finish); err != nil {
		t.Fatalf("finish: %v", err)
	}
	got, _ = store.GetMatch(ctx, match.ID)
	if got.State != domain.MatchFinished || got.LockedBy != "" {
		t.Fatalf("expected finished unlocked match, got %+v", got)
	}
	if err := store.TryLock(ctx, match.ID, host.ID, fixedTime); err != domain.ErrNotAcceptingBuzz {
		t.Fatalf("expected not accepting after finish, got %v", err)
	}
}

func TestEventQueries(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, 0)
	match, host := seedMatch(t, store)

	outcome, _ := json.Marshal(domain.AnswerOutcome{PlayerID: host.ID, Correct: true, AnswerIndex: 2})
	answer := domain.Event{MatchID: match.ID, Type: domain.EventAnswer, Payload: outcome, CreatedAt: fixedTime.Add(time.Second)}
	buzz := domain.Event{MatchID: match.ID, Type: domain.EventBuzz, CreatedAt: fixedTime.Add(2 * time.Second)}
	for _, event := range []domain.Event{answer, buzz} {
		if err := store.AppendEvent(ctx, event); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	latest, err := store.LatestEvent(ctx, match.ID)
	if err != nil || latest == nil || latest.Type != domain.EventBuzz {
		t.Fatalf("expected buzz as latest, got %+v %v", latest, err)
	}
	lastAnswer, err := store.LatestAnswerEvent(ctx, match.ID)
	if err != nil || lastAnswer == nil {
		t.Fatalf("expected answer event, got %v", err)
	}
	var parsed domain.AnswerOutcome
	if err := json.Unmarshal(lastAnswer.Payload, &parsed); err != nil || parsed.PlayerID != host.ID || !parsed.Correct {
		t.Fatalf("answer payload round trip: %+v %v", parsed, err)
	}

	if lastAnswer, err := store.LatestAnswerEvent(ctx, "missing"); err != nil || lastAnswer != nil {
		t.Fatalf("expected empty log for unknown match, got %+v %v", lastAnswer, err)
	}
}
