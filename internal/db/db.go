package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"english-tutor/internal/config"
	"english-tutor/internal/repository"
)

// NewPool construye y devuelve un pool de conexiones configurado.
func NewPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 30 * time.Second
	poolCfg.ConnConfig.ConnectTimeout = 5 * time.Second

	return pgxpool.NewWithConfig(ctx, poolCfg)
}

// Stores agrupa los repositorios que usa el servicio, sea cual sea el backend.
type Stores struct {
	Lessons repository.LessonRepository
	Records repository.DialogueRecordRepository
	// SQLite solo se setea en modo local, para sembrar lecciones.
	SQLite *repository.SQLiteStore
}

// OpenStores usa Postgres si hay DATABASE_URL y si no un archivo SQLite local.
// La funcion devuelta libera las conexiones.
func OpenStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Stores, func(), error) {
	if cfg.DatabaseURL != "" {
		pool, err := NewPool(ctx, cfg)
		if err != nil {
			return Stores{}, nil, fmt.Errorf("db connect: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := pool.Ping(pingCtx); err != nil {
			pool.Close()
			return Stores{}, nil, fmt.Errorf("db ping: %w", err)
		}
		logger.Info("using postgres store")
		return Stores{
			Lessons: repository.NewPgLessonRepository(pool),
			Records: repository.NewPgDialogueRecordRepository(pool),
		}, pool.Close, nil
	}

	store, err := repository.NewSQLiteStore(cfg.SQLitePath)
	if err != nil {
		return Stores{}, nil, fmt.Errorf("open sqlite: %w", err)
	}
	logger.Info("using sqlite store", zap.String("path", cfg.SQLitePath))
	return Stores{
		Lessons: store,
		Records: store,
		SQLite:  store,
	}, func() { _ = store.Close() }, nil
}
