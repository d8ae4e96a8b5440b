package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"call-orchestrator/internal/audit"
	"call-orchestrator/internal/config"
	"call-orchestrator/internal/history"
	"call-orchestrator/internal/scope"
	"call-orchestrator/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// storage holds the persistence side of the process. Postgres and Redis are optional;
// without them call logs and audit events stay in memory and scope ids are only
// exclusive within this process.
type storage struct {
	History *history.Service
	Audit   *audit.Service
	Leases  scope.LeaseStore

	db  *sql.DB
	rdb *redis.Client
}

func openStorage(ctx context.Context, cfg config.Config, log *slog.Logger) (*storage, error) {
	s := &storage{}

	if cfg.HasPostgres() {
		db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		s.db = db
		stmts := append(append([]string{}, history.Schema...), audit.Schema...)
		if err := utils.EnsureSchema(ctx, db, stmts...); err != nil {
			s.Close()
			return nil, err
		}
		logs := history.NewPostgresRepo(db)
		logs.Retain = cfg.Call.LogRetain
		s.History = history.NewService(logs)
		s.Audit = audit.NewService(audit.NewPostgresRepo(db))
	} else {
		log.Warn("postgres not configured; call logs are kept in memory")
		logs := history.NewMemoryRepo()
		logs.Retain = cfg.Call.LogRetain
		s.History = history.NewService(logs)
		s.Audit = audit.NewService(audit.NewMemoryRepo())
	}

	if cfg.HasRedis() {
		rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr()})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		s.rdb = rdb
		s.Leases = scope.NewRedisLeases(rdb)
	} else {
		log.Warn("redis not configured; scope ids are not leased across processes")
	}
	return s, nil
}

func (s *storage) Close() {
	if s.rdb != nil {
		_ = s.rdb.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}
