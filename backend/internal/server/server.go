// Package server 按配置装配存储、频道、事件和 HTTP 路由。
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/apex/log"
	"github.com/redis/go-redis/v9"

	"docsync/backend/internal/channel"
	"docsync/backend/internal/collab"
	"docsync/backend/internal/config"
	"docsync/backend/internal/events"
	"docsync/backend/internal/httpapi"
	"docsync/backend/internal/httpapi/handlers"
	"docsync/backend/internal/httpapi/middleware"
	"docsync/backend/internal/logging"
	"docsync/backend/internal/offline"
	"docsync/backend/internal/presence"
	"docsync/backend/internal/sem"
	"docsync/backend/internal/store"
	"docsync/backend/internal/ws"
)

const shutdownTimeout = 30 * time.Second

// Server 持有所有外部连接，Close 按相反顺序释放
type Server struct {
	Config   *config.Config
	Store    store.Store
	Registry *collab.Registry
	Index    *presence.RedisIndex
	Handler  http.Handler

	logger  log.Interface
	closers []func()
}

// OpenStore 只打开持久化层，inspect/versions 命令也用它
func OpenStore(ctx context.Context, cfg *config.Config, rdb redis.UniversalClient) (store.Store, func(), error) {
	var (
		st      store.Store
		closeFn = func() {}
	)
	switch cfg.Store.Driver {
	case "mysql":
		db, err := store.OpenMySQL(cfg.Mysql.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open mysql: %w", err)
		}
		gs := store.NewGormStore(db)
		if err := gs.AutoMigrate(); err != nil {
			return nil, nil, fmt.Errorf("migrate mysql: %w", err)
		}
		if sqlDB, err := db.DB(); err == nil {
			closeFn = func() { _ = sqlDB.Close() }
		}
		st = gs
	case "postgres":
		ps, err := store.NewPgStore(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := ps.Migrate(ctx); err != nil {
			ps.Close()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		closeFn = ps.Close
		st = ps
	default:
		st = store.NewMemoryStore()
	}
	if cfg.Store.CacheState && rdb != nil {
		st = store.WithStateCache(st, store.NewCachedStateStore(st, rdb))
	}
	return st, closeFn, nil
}

// OpenRedis 未配置地址时返回 nil
func OpenRedis(ctx context.Context, cfg *config.Config) (redis.UniversalClient, error) {
	if len(cfg.Redis.Addrs) == 0 {
		return nil, nil
	}
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return rdb, nil
}

func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	s := &Server{Config: cfg, logger: logging.Module("server")}
	ok := false
	defer func() {
		if !ok {
			s.Close(context.Background())
		}
	}()

	rdb, err := OpenRedis(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if rdb != nil {
		s.closers = append(s.closers, func() { _ = rdb.Close() })
	}

	st, closeStore, err := OpenStore(ctx, cfg, rdb)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, closeStore)
	s.Store = st

	var ch channel.Channel = channel.NewMemoryBus()
	if rdb != nil {
		ch = channel.NewRedisChannel(rdb, logging.Module("channel"))
		s.Index = presence.NewRedisIndex(rdb)
	}

	var sink events.Sink = events.Nop{}
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := events.NewSyncProducer(cfg.Kafka.Brokers)
		if err != nil {
			return nil, fmt.Errorf("connect kafka: %w", err)
		}
		d := events.NewKafkaDispatcher(producer, cfg.Kafka.Topic, sem.New(16),
			events.DefaultKafkaDispatcherOptions(), logging.Module("events"))
		s.closers = append(s.closers, func() {
			d.Close()
			_ = producer.Close()
		})
		sink = d
	}

	sc := collab.SessionConfig{
		Channel:            ch,
		Store:              st,
		Logger:             logging.Module("collab"),
		Events:             sink,
		PersistDebounce:    cfg.Sync.PersistDebounce,
		CheckpointInterval: cfg.Checkpoint.Interval,
		CheckpointOps:      cfg.Checkpoint.OpThreshold,
		AutosaveDelay:      cfg.History.AutosaveDelay,
		TypingIdle:         cfg.Presence.TypingIdle,
		TypingTimeout:      cfg.Presence.TypingTimeout,
		EntryTTL:           cfg.Presence.EntryTTL,
	}
	if cfg.Offline.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Offline.Path), 0o755); err != nil {
			return nil, fmt.Errorf("offline cache dir: %w", err)
		}
		oc, err := offline.Open(cfg.Offline.Path)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() { _ = oc.Close() })
		sc.Offline = oc
	}

	s.Registry = collab.NewRegistry(sc)
	manager := ws.NewManager(ws.NewHub(s.Index), s.Registry, sem.New(cfg.Running.WsConcurrency),
		cfg.Presence.IndexTTL, logging.Module("ws"))
	s.Handler = httpapi.NewRouter(httpapi.Deps{
		Documents: handlers.NewDocumentHandler(st, s.Registry, s.Index, logging.Module("http")),
		WS:        manager,
		JWTSecret: middleware.Secret(cfg.Auth.JWTSecret),
	})
	ok = true
	return s, nil
}

// Run 阻塞直到 ctx 取消，然后优雅退出：先停 HTTP，再关闭所有会话（落库），最后断开外部连接
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.Config.Running.Port),
		Handler: s.Handler,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", srv.Addr).Info("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			s.Close(context.Background())
			return err
		}
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		s.logger.WithError(err).Warn("http shutdown")
	}
	return s.Close(sctx)
}

func (s *Server) Close(ctx context.Context) error {
	var err error
	if s.Registry != nil {
		err = s.Registry.Close(ctx)
		s.Registry = nil
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
	return err
}
