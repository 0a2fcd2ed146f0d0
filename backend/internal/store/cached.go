package store

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"docsync/backend/internal/errs"
)

const (
	stateBaseTTL = 10 * time.Minute
	stateJitter  = 2 * time.Minute // 随机抖动，防止缓存雪崩
	nullTTL      = 30 * time.Second
	nullMarker   = "-1" // 空值标记，防止缓存穿透
)

func stateKey(kind, docID string) string {
	return "docsync:state:" + kind + ":{" + docID + "}"
}

func randomStateTTL() time.Duration {
	return stateBaseTTL + time.Duration(rand.Int63n(int64(stateJitter)))
}

// CachedStateStore 最新状态的读穿缓存：redis + singleflight。
// 写操作先落库再覆盖缓存；读回源后只在缓存为空时回填，
// 回源期间发生的写不会被旧值盖掉。
type CachedStateStore struct {
	inner StateStore
	rdb   redis.UniversalClient
	sf    singleflight.Group
}

func NewCachedStateStore(inner StateStore, rdb redis.UniversalClient) *CachedStateStore {
	return &CachedStateStore{inner: inner, rdb: rdb}
}

func (c *CachedStateStore) readCache(ctx context.Context, key string) (LatestState, bool, bool, error) {
	res, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return LatestState{}, false, false, nil
		}
		return LatestState{}, false, false, err
	}
	if res == nullMarker {
		return LatestState{}, true, true, nil
	}
	var st LatestState
	if err := json.Unmarshal([]byte(res), &st); err != nil {
		return LatestState{}, false, false, err
	}
	return st, true, false, nil
}

func (c *CachedStateStore) GetLatestState(ctx context.Context, kind, docID string) (LatestState, error) {
	key := stateKey(kind, docID)
	v, err, _ := c.sf.Do(key, func() (interface{}, error) {
		st, hit, null, err := c.readCache(ctx, key)
		if err == nil && hit {
			if null {
				return nil, errs.NotFound("getLatestState", docID, nil)
			}
			return st, nil
		}
		// 缓存读失败也回源，缓存只是加速

		st, err = c.inner.GetLatestState(ctx, kind, docID)
		if errs.IsNotFound(err) {
			_ = c.rdb.SetNX(ctx, key, nullMarker, nullTTL).Err()
			return nil, err
		}
		if err != nil {
			return nil, err
		}
		c.fill(ctx, key, st)
		return st, nil
	})
	if err != nil {
		return LatestState{}, err
	}
	st, ok := v.(LatestState)
	if !ok {
		return LatestState{}, errors.New("internal type error")
	}
	return st, nil
}

// fill 回源结果回填，key 已有值时不动
func (c *CachedStateStore) fill(ctx context.Context, key string, st LatestState) {
	if b, err := json.Marshal(st); err == nil {
		_ = c.rdb.SetNX(ctx, key, b, randomStateTTL()).Err()
	}
}

func (c *CachedStateStore) PutLatestState(ctx context.Context, st LatestState) error {
	if err := c.inner.PutLatestState(ctx, st); err != nil {
		return err
	}
	key := stateKey(st.Kind, st.DocumentID)
	b, err := json.Marshal(st)
	if err == nil {
		err = c.rdb.Set(ctx, key, b, randomStateTTL()).Err()
	}
	if err != nil {
		// 覆盖失败就删掉，宁可多回源一次
		return c.rdb.Del(ctx, key).Err()
	}
	return nil
}
