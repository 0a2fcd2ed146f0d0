package store

import "context"

// WithStateCache 把 Store 的最新状态读写换成带缓存的实现，快照和版本仍然直连
func WithStateCache(s Store, cache *CachedStateStore) Store {
	return cachedStore{Store: s, cache: cache}
}

type cachedStore struct {
	Store
	cache *CachedStateStore
}

func (c cachedStore) GetLatestState(ctx context.Context, kind, docID string) (LatestState, error) {
	return c.cache.GetLatestState(ctx, kind, docID)
}

func (c cachedStore) PutLatestState(ctx context.Context, st LatestState) error {
	return c.cache.PutLatestState(ctx, st)
}
