package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type migration struct {
	version int
	name    string
	up      string
}

// migrations применяются по порядку, каждая в своей транзакции.
var migrations = []migration{
	{
		version: 1,
		name:    "records",
		up: `
			CREATE TABLE IF NOT EXISTS conveyor_records (
				path       TEXT PRIMARY KEY,
				version    BIGINT NOT NULL,
				fields     JSONB NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			);
			CREATE INDEX IF NOT EXISTS idx_conveyor_records_path_prefix
				ON conveyor_records (path text_pattern_ops);
			CREATE INDEX IF NOT EXISTS idx_conveyor_records_job_id
				ON conveyor_records ((fields -> 'job.id' ->> 'value'));
		`,
	},
	{
		version: 2,
		name:    "instances",
		up: `
			CREATE TABLE IF NOT EXISTS conveyor_instances (
				id        TEXT PRIMARY KEY,
				capacity  INT NOT NULL DEFAULT 1,
				topics    TEXT[] NOT NULL DEFAULT '{}',
				last_seen TIMESTAMPTZ NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_conveyor_instances_last_seen
				ON conveyor_instances (last_seen);
		`,
	},
}

// Migrate применяет недостающие миграции.
// Конкурентный запуск на нескольких экземплярах сериализуется
// advisory-блокировкой.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	const lockKey = 0x636f6e76 // "conv"
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, lockKey); err != nil {
		return fmt.Errorf("lock migrations: %w", err)
	}
	defer conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, lockKey)

	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS conveyor_schema_migrations (
			version    INT PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	if err := conn.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM conveyor_schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		err := pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.up); err != nil {
				return err
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO conveyor_schema_migrations (version, name) VALUES ($1, $2)`,
				m.version, m.name,
			)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", m.version, m.name, err)
		}
	}
	return nil
}
