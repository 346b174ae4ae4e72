package redis

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"buzzmatch/internal/app"
	"buzzmatch/internal/domain"

	"github.com/redis/go-redis/v9"
)

// MatchStore keeps match state in Redis so any number of stateless server
// instances can serve the same match. Every conditional transition (join
// gate, start, buzz CAS, question completion) runs as one Lua script, which
// makes a single EVAL the only mutual-exclusion point.
//
// Key scheme per match:
//
//	match:{id}            hash of match fields
//	match:{id}:players    zset of player IDs scored by join time
//	match:{id}:player:{p} hash of player fields
//	match:{id}:tokens     hash token -> player ID
//	match:{id}:questions  list of question IDs in sequence order
//	match:{id}:events     list of JSON events in commit order
//	match:code:{code}     join code -> match ID
type MatchStore struct {
	client  *redis.Client
	lockTTL time.Duration
}

// NewMatchStore creates a store. lockTTL > 0 lets a fresh buzz steal a lock
// older than the TTL; zero keeps locks until the holder answers.
func NewMatchStore(client *redis.Client, lockTTL time.Duration) *MatchStore {
	return &MatchStore{client: client, lockTTL: lockTTL}
}

var addPlayerScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then return 'missing' end
if state ~= 'waiting' then return 'state' end
redis.call('HSET', KEYS[2],
  'id', ARGV[1], 'match_id', ARGV[2], 'name', ARGV[3], 'token', ARGV[4],
  'is_host', '0', 'score', '0', 'joined_at', ARGV[5])
redis.call('ZADD', KEYS[3], ARGV[5], ARGV[1])
redis.call('HSET', KEYS[4], ARGV[4], ARGV[1])
redis.call('RPUSH', KEYS[5], ARGV[6])
return 'ok'
`)

var startMatchScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then return 'missing' end
if state ~= 'waiting' then return 'state' end
redis.call('HSET', KEYS[1], 'state', 'in_progress', 'current_index', '0', 'locked_by', '', 'buzzed_at', '')
redis.call('RPUSH', KEYS[2], ARGV[1])
return 'ok'
`)

// tryLockScript is the buzz CAS: the lock is granted only when locked_by is
// empty (or expired past the TTL), so exactly one of N simultaneous buzzers
// wins.
var tryLockScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then return 'missing' end
if state ~= 'in_progress' then return 'state' end
local holder = redis.call('HGET', KEYS[1], 'locked_by')
if holder and holder ~= '' then
  local ttl = tonumber(ARGV[3])
  local at = tonumber(redis.call('HGET', KEYS[1], 'buzzed_at') or '0') or 0
  if not (ttl > 0 and at > 0 and tonumber(ARGV[2]) - at >= ttl) then
    return 'locked'
  end
end
redis.call('HSET', KEYS[1], 'locked_by', ARGV[1], 'buzzed_at', ARGV[2])
return 'ok'
`)

// completeQuestionScript applies the transition before releasing the lock so
// no racer can slip into the old question's answer window. The owner's point
// lives inside the same script, so failing the owner check leaves neither a
// score change nor an event.
var completeQuestionScript = redis.NewScript(`
local holder = redis.call('HGET', KEYS[1], 'locked_by')
if holder == false then return 'missing' end
if holder ~= ARGV[1] then return 'owner' end
if ARGV[2] == '1' then
  redis.call('HSET', KEYS[1], 'state', 'finished', 'locked_by', '', 'buzzed_at', '')
else
  redis.call('HSET', KEYS[1], 'current_index', ARGV[3], 'locked_by', '', 'buzzed_at', '')
end
if ARGV[4] == '1' then
  redis.call('HINCRBY', KEYS[3], 'score', 1)
end
for i = 5, #ARGV do
  redis.call('RPUSH', KEYS[2], ARGV[i])
end
return 'ok'
`)

func (s *MatchStore) CreateMatch(ctx context.Context, match domain.Match, host domain.Player, questionIDs []string, event domain.Event) error {
	reserved, err := s.client.SetNX(ctx, codeKey(match.JoinCode), match.ID, 0).Result()
	if err != nil {
		return storeErr(err)
	}
	if !reserved {
		return domain.Conflict("join code already in use")
	}

	raw, err := json.Marshal(event)
	if err != nil {
		return storeErr(err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, matchKey(match.ID), matchFields(match))
	pipe.HSet(ctx, playerKey(match.ID, host.ID), playerFields(host))
	pipe.ZAdd(ctx, playersKey(match.ID), redis.Z{Score: float64(host.JoinedAt.UnixMilli()), Member: host.ID})
	pipe.HSet(ctx, tokensKey(match.ID), host.Token, host.ID)
	for _, id := range questionIDs {
		pipe.RPush(ctx, questionsKey(match.ID), id)
	}
	pipe.RPush(ctx, eventsKey(match.ID), raw)
	if _, err := pipe.Exec(ctx); err != nil {
		// Undo the code reservation so a failed creation is never joinable.
		s.client.Del(ctx, codeKey(match.JoinCode), matchKey(match.ID))
		return storeErr(err)
	}
	return nil
}

func (s *MatchStore) GetMatch(ctx context.Context, matchID string) (domain.Match, error) {
	fields, err := s.client.HGetAll(ctx, matchKey(matchID)).Result()
	if err != nil {
		return domain.Match{}, storeErr(err)
	}
	if len(fields) == 0 {
		return domain.Match{}, domain.NotFound("unknown match")
	}
	return parseMatch(fields), nil
}

func (s *MatchStore) GetMatchByCode(ctx context.Context, joinCode string) (domain.Match, error) {
	matchID, err := s.client.Get(ctx, codeKey(joinCode)).Result()
	if err == redis.Nil {
		return domain.Match{}, domain.NotFound("unknown join code")
	}
	if err != nil {
		return domain.Match{}, storeErr(err)
	}
	return s.GetMatch(ctx, matchID)
}

func (s *MatchStore) GetPlayerByToken(ctx context.Context, matchID, token string) (domain.Player, error) {
	playerID, err := s.client.HGet(ctx, tokensKey(matchID), token).Result()
	if err == redis.Nil {
		return domain.Player{}, domain.Unauthorized("unknown token")
	}
	if err != nil {
		return domain.Player{}, storeErr(err)
	}
	return s.getPlayer(ctx, matchID, playerID)
}

func (s *MatchStore) ListPlayers(ctx context.Context, matchID string) ([]domain.Player, error) {
	if exists, err := s.client.Exists(ctx, matchKey(matchID)).Result(); err != nil {
		return nil, storeErr(err)
	} else if exists == 0 {
		return nil, domain.NotFound("unknown match")
	}
	ids, err := s.client.ZRange(ctx, playersKey(matchID), 0, -1).Result()
	if err != nil {
		return nil, storeErr(err)
	}
	players := make([]domain.Player, 0, len(ids))
	for _, id := range ids {
		player, err := s.getPlayer(ctx, matchID, id)
		if err != nil {
			return nil, err
		}
		players = append(players, player)
	}
	return players, nil
}

func (s *MatchStore) QuestionID(ctx context.Context, matchID string, orderNo int) (string, error) {
	id, err := s.client.LIndex(ctx, questionsKey(matchID), int64(orderNo)).Result()
	if err == redis.Nil {
		return "", domain.NotFound("no question at this position")
	}
	if err != nil {
		return "", storeErr(err)
	}
	return id, nil
}

func (s *MatchStore) AddPlayer(ctx context.Context, player domain.Player, event domain.Event) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return storeErr(err)
	}
	keys := []string{
		matchKey(player.MatchID),
		playerKey(player.MatchID, player.ID),
		playersKey(player.MatchID),
		tokensKey(player.MatchID),
		eventsKey(player.MatchID),
	}
	res, err := addPlayerScript.Run(ctx, s.client, keys,
		player.ID, player.MatchID, player.Name, player.Token,
		strconv.FormatInt(player.JoinedAt.UnixMilli(), 10), raw).Result()
	if err != nil {
		return storeErr(err)
	}
	switch res {
	case "missing":
		return domain.NotFound("unknown match")
	case "state":
		return domain.Conflict("match already started")
	}
	return nil
}

func (s *MatchStore) StartMatch(ctx context.Context, matchID string, event domain.Event) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return storeErr(err)
	}
	res, err := startMatchScript.Run(ctx, s.client, []string{matchKey(matchID), eventsKey(matchID)}, raw).Result()
	if err != nil {
		return storeErr(err)
	}
	switch res {
	case "missing":
		return domain.NotFound("unknown match")
	case "state":
		return domain.Conflict("match already started")
	}
	return nil
}

func (s *MatchStore) TryLock(ctx context.Context, matchID, playerID string, at time.Time) error {
	res, err := tryLockScript.Run(ctx, s.client, []string{matchKey(matchID)},
		playerID,
		strconv.FormatInt(at.UnixMilli(), 10),
		strconv.FormatInt(s.lockTTL.Milliseconds(), 10)).Result()
	if err != nil {
		return storeErr(err)
	}
	switch res {
	case "missing":
		return domain.NotFound("unknown match")
	case "state":
		return domain.ErrNotAcceptingBuzz
	case "locked":
		return domain.ErrAlreadyLocked
	}
	return nil
}

func (s *MatchStore) CompleteQuestion(ctx context.Context, matchID, ownerID string, adv app.Advance, events ...domain.Event) error {
	finished := "0"
	if adv.Finished {
		finished = "1"
	}
	award := "0"
	if adv.AwardPoint {
		award = "1"
	}
	args := []interface{}{ownerID, finished, strconv.Itoa(adv.NextIndex), award}
	for _, event := range events {
		raw, err := json.Marshal(event)
		if err != nil {
			return storeErr(err)
		}
		args = append(args, raw)
	}
	keys := []string{matchKey(matchID), eventsKey(matchID), playerKey(matchID, ownerID)}
	res, err := completeQuestionScript.Run(ctx, s.client, keys, args...).Result()
	if err != nil {
		return storeErr(err)
	}
	switch res {
	case "missing":
		return domain.NotFound("unknown match")
	case "owner":
		return domain.ErrNotLockOwner
	}
	return nil
}

func (s *MatchStore) AppendEvent(ctx context.Context, event domain.Event) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return storeErr(err)
	}
	if err := s.client.RPush(ctx, eventsKey(event.MatchID), raw).Err(); err != nil {
		return storeErr(err)
	}
	return nil
}

func (s *MatchStore) LatestAnswerEvent(ctx context.Context, matchID string) (*domain.Event, error) {
	entries, err := s.client.LRange(ctx, eventsKey(matchID), 0, -1).Result()
	if err != nil {
		return nil, storeErr(err)
	}
	for i := len(entries) - 1; i >= 0; i-- {
		var event domain.Event
		if err := json.Unmarshal([]byte(entries[i]), &event); err != nil {
			return nil, storeErr(err)
		}
		if event.Type == domain.EventAnswer {
			return &event, nil
		}
	}
	return nil, nil
}

func (s *MatchStore) LatestEvent(ctx context.Context, matchID string) (*domain.Event, error) {
	raw, err := s.client.LIndex(ctx, eventsKey(matchID), -1).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(err)
	}
	var event domain.Event
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		return nil, storeErr(err)
	}
	return &event, nil
}

func (s *MatchStore) getPlayer(ctx context.Context, matchID, playerID string) (domain.Player, error) {
	fields, err := s.client.HGetAll(ctx, playerKey(matchID, playerID)).Result()
	if err != nil {
		return domain.Player{}, storeErr(err)
	}
	if len(fields) == 0 {
		return domain.Player{}, domain.NotFound("unknown player")
	}
	return parsePlayer(fields), nil
}

func matchKey(matchID string) string            { return "match:" + matchID }
func playersKey(matchID string) string          { return "match:" + matchID + ":players" }
func playerKey(matchID, playerID string) string { return "match:" + matchID + ":player:" + playerID }
func tokensKey(matchID string) string           { return "match:" + matchID + ":tokens" }
func questionsKey(matchID string) string        { return "match:" + matchID + ":questions" }
func eventsKey(matchID string) string           { return "match:" + matchID + ":events" }
func codeKey(code string) string                { return "match:code:" + code }

func matchFields(m domain.Match) map[string]interface{} {
	buzzedAt := ""
	if m.BuzzedAt != nil {
		buzzedAt = strconv.FormatInt(m.BuzzedAt.UnixMilli(), 10)
	}
	return map[string]interface{}{
		"id":             m.ID,
		"join_code":      m.JoinCode,
		"category":       m.Category,
		"difficulty":     m.Difficulty,
		"question_count": strconv.Itoa(m.QuestionCount),
		"state":          string(m.State),
		"current_index":  strconv.Itoa(m.CurrentIndex),
		"locked_by":      m.LockedBy,
		"buzzed_at":      buzzedAt,
		"created_at":     strconv.FormatInt(m.CreatedAt.UnixMilli(), 10),
	}
}

func playerFields(p domain.Player) map[string]interface{} {
	isHost := "0"
	if p.IsHost {
		isHost = "1"
	}
	return map[string]interface{}{
		"id":        p.ID,
		"match_id":  p.MatchID,
		"name":      p.Name,
		"token":     p.Token,
		"is_host":   isHost,
		"score":     strconv.Itoa(p.Score),
		"joined_at": strconv.FormatInt(p.JoinedAt.UnixMilli(), 10),
	}
}

func parseMatch(fields map[string]string) domain.Match {
	match := domain.Match{
		ID:         fields["id"],
		JoinCode:   fields["join_code"],
		Category:   fields["category"],
		Difficulty: fields["difficulty"],
		State:      domain.MatchState(fields["state"]),
		LockedBy:   fields["locked_by"],
	}
	match.QuestionCount, _ = strconv.Atoi(fields["question_count"])
	match.CurrentIndex, _ = strconv.Atoi(fields["current_index"])
	if ms, err := strconv.ParseInt(fields["buzzed_at"], 10, 64); err == nil {
		at := time.UnixMilli(ms)
		match.BuzzedAt = &at
	}
	if ms, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		match.CreatedAt = time.UnixMilli(ms)
	}
	return match
}

func parsePlayer(fields map[string]string) domain.Player {
	player := domain.Player{
		ID:      fields["id"],
		MatchID: fields["match_id"],
		Name:    fields["name"],
		Token:   fields["token"],
		IsHost:  fields["is_host"] == "1",
	}
	player.Score, _ = strconv.Atoi(fields["score"])
	if ms, err := strconv.ParseInt(fields["joined_at"], 10, 64); err == nil {
		player.JoinedAt = time.UnixMilli(ms)
	}
	return player
}

// storeErr wraps redis failures as internal errors. Transports replace
// internal reasons with a generic message, so the cause only reaches logs.
func storeErr(err error) error {
	return domain.Internal("match store: " + err.Error())
}
