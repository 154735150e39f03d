// Package backend 按配置选择权威存储的实现
package backend

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"projectplanner/internal/config"
	"projectplanner/internal/remote"
	"projectplanner/internal/remote/httpstore"
	"projectplanner/internal/remote/memstore"
	"projectplanner/internal/remote/pgstore"
	"projectplanner/pkg/db"
)

// Store 同时支持读写和就绪检查
type Store interface {
	remote.Store
	remote.Pinger
}

// Open 返回配置指定的存储，以及释放其资源的函数
func Open(ctx context.Context, cfg *config.Config, log *zap.Logger) (Store, func(), error) {
	switch cfg.Remote.Backend {
	case config.BackendPostgres:
		log.Info("Initializing database connection...")
		pool, err := db.NewConnection(ctx, cfg.DB, log)
		if err != nil {
			return nil, nil, err
		}
		store := pgstore.New(pool, log)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to ensure schema: %w", err)
		}
		log.Info("Database connection established successfully")
		return store, pool.Close, nil

	case config.BackendMemory:
		log.Warn("Using in-memory store, data is lost on restart")
		return memstore.New(), func() {}, nil

	case config.BackendHTTP:
		client, err := httpstore.New(httpstore.Config{
			BaseURL:     cfg.Remote.BaseURL,
			Timeout:     cfg.Remote.Timeout,
			TokenSecret: cfg.Remote.TokenSecret,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		return client, func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown remote backend %q", cfg.Remote.Backend)
}
