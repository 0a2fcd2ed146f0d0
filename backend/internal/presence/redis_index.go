package presence

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"docsync/backend/internal/channel"
)

// Member 跨节点在线索引里的一条记录
type Member struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// 清理过期成员并返回清理数量
// KEYS[1] = roomKey  KEYS[2] = namesKey  ARGV[1] = now (unix seconds)
var cleanupScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

// RedisIndex 跨节点的“谁在线”索引。每个节点本地的 Roster 只知道频道上看到的人，
// HTTP 接口查询在线列表时走这里。
type RedisIndex struct {
	rdb redis.UniversalClient
	now func() time.Time
}

func NewRedisIndex(rdb redis.UniversalClient) *RedisIndex {
	return &RedisIndex{rdb: rdb, now: time.Now}
}

// Touch 加入或续期，逻辑 TTL 记在 score 上
func (x *RedisIndex) Touch(ctx context.Context, docID string, user User, ttl time.Duration) error {
	expireAt := x.now().Add(ttl).Unix()
	tx := x.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: user.ID})
	tx.HSet(ctx, namesKey(docID), user.ID, user.DisplayName)
	_, err := tx.Exec(ctx)
	if err != nil {
		return err
	}
	// docs 集合和房间键不在同一个 slot，单独写
	return x.rdb.SAdd(ctx, docsKey(), docID).Err()
}

func (x *RedisIndex) Remove(ctx context.Context, docID, userID string) error {
	tx := x.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(docID), userID)
	tx.HDel(ctx, namesKey(docID), userID)
	tx.Del(ctx, cursorKey(docID, userID))
	_, err := tx.Exec(ctx)
	return err
}

// Documents 有人在线过的文档
func (x *RedisIndex) Documents(ctx context.Context) ([]string, error) {
	return x.rdb.SMembers(ctx, docsKey()).Result()
}

// Alive 先清理过期成员，再返回在线成员
func (x *RedisIndex) Alive(ctx context.Context, docID string) ([]Member, error) {
	now := x.now().Unix()
	err := cleanupScript.Run(ctx, x.rdb, []string{roomKey(docID), namesKey(docID)}, now).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	ids, err := x.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	names, err := x.rdb.HMGet(ctx, namesKey(docID), ids...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	members := make([]Member, 0, len(ids))
	for i, id := range ids {
		name := ""
		if i < len(names) && names[i] != nil {
			name, _ = names[i].(string)
		}
		members = append(members, Member{UserID: id, DisplayName: name})
	}
	return members, nil
}

func (x *RedisIndex) SetCursor(ctx context.Context, docID, userID string, c channel.Cursor, ttl time.Duration) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return x.rdb.Set(ctx, cursorKey(docID, userID), b, ttl).Err()
}

// GetCursor 没有光标时返回 ok=false
func (x *RedisIndex) GetCursor(ctx context.Context, docID, userID string) (channel.Cursor, bool, error) {
	var c channel.Cursor
	b, err := x.rdb.Get(ctx, cursorKey(docID, userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return c, false, nil
	}
	if err != nil {
		return c, false, err
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return c, false, err
	}
	return c, true, nil
}
