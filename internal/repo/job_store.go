package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/store"
)

// JobStore — хранилище записей в PostgreSQL.
//
// Поля записи хранятся в jsonb как {"name": {"kind": ..., "value": ...}}.
// Оптимистичная проверка версии выполняется в WHERE того же UPDATE/DELETE,
// Move выполняется в транзакции.
type JobStore struct {
	pool *pgxpool.Pool
}

// NewJobStore создаёт JobStore.
func NewJobStore(pool *pgxpool.Pool) *JobStore {
	return &JobStore{pool: pool}
}

var _ store.Store = (*JobStore)(nil)

// Get возвращает запись по пути.
func (s *JobStore) Get(ctx context.Context, path string) (*store.Record, error) {
	query := `SELECT path, version, fields FROM conveyor_records WHERE path = $1`
	rec, err := scanRecord(s.pool.QueryRow(ctx, query, path))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get %s: %w", path, store.ErrNotFound)
	}
	if err != nil {
		return nil, mapError("get", path, err)
	}
	return rec, nil
}

// Exists проверяет наличие записи.
func (s *JobStore) Exists(ctx context.Context, path string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM conveyor_records WHERE path = $1)`, path).Scan(&ok)
	if err != nil {
		return false, mapError("exists", path, err)
	}
	return ok, nil
}

// Create создаёт запись с версией 1.
func (s *JobStore) Create(ctx context.Context, path string, fields domain.Properties) (*store.Record, error) {
	data, err := encodeFields(fields)
	if err != nil {
		return nil, err
	}

	query := `INSERT INTO conveyor_records (path, version, fields) VALUES ($1, 1, $2)`
	if _, err := s.pool.Exec(ctx, query, path, data); err != nil {
		return nil, mapError("create", path, err)
	}
	return &store.Record{Path: path, Version: 1, Fields: fields.Clone()}, nil
}

// Put создаёт или заменяет запись.
func (s *JobStore) Put(ctx context.Context, path string, fields domain.Properties) (*store.Record, error) {
	data, err := encodeFields(fields)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO conveyor_records (path, version, fields)
		VALUES ($1, 1, $2)
		ON CONFLICT (path) DO UPDATE
		SET fields = EXCLUDED.fields,
		    version = conveyor_records.version + 1,
		    updated_at = now()
		RETURNING version
	`
	var version int64
	if err := s.pool.QueryRow(ctx, query, path, data).Scan(&version); err != nil {
		return nil, mapError("put", path, err)
	}
	return &store.Record{Path: path, Version: version, Fields: fields.Clone()}, nil
}

// Commit применяет set и remove к записи с версией version.
func (s *JobStore) Commit(ctx context.Context, path string, version int64, set domain.Properties, remove []string) (*store.Record, error) {
	data, err := encodeFields(set)
	if err != nil {
		return nil, err
	}
	if remove == nil {
		remove = []string{}
	}

	query := `
		UPDATE conveyor_records
		SET fields = (fields - $3::text[]) || $4::jsonb,
		    version = version + 1,
		    updated_at = now()
		WHERE path = $1 AND version = $2
		RETURNING path, version, fields
	`
	rec, err := scanRecord(s.pool.QueryRow(ctx, query, path, version, remove, data))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.missOrConflict(ctx, s.pool, "commit", path)
	}
	if err != nil {
		return nil, mapError("commit", path, err)
	}
	return rec, nil
}

// Move переносит запись с from на to в одной транзакции.
func (s *JobStore) Move(ctx context.Context, from string, version int64, to string, fields domain.Properties) (*store.Record, error) {
	data, err := encodeFields(fields)
	if err != nil {
		return nil, err
	}

	var moved *store.Record
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if from == to {
			query := `
				UPDATE conveyor_records
				SET fields = $3, version = version + 1, updated_at = now()
				WHERE path = $1 AND version = $2
				RETURNING version
			`
			var v int64
			if err := tx.QueryRow(ctx, query, from, version, data).Scan(&v); err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return s.missOrConflict(ctx, tx, "move", from)
				}
				return mapError("move", from, err)
			}
			moved = &store.Record{Path: to, Version: v, Fields: fields.Clone()}
			return nil
		}

		tag, err := tx.Exec(ctx, `DELETE FROM conveyor_records WHERE path = $1 AND version = $2`, from, version)
		if err != nil {
			return mapError("move", from, err)
		}
		if tag.RowsAffected() == 0 {
			return s.missOrConflict(ctx, tx, "move", from)
		}

		if _, err := tx.Exec(ctx, `INSERT INTO conveyor_records (path, version, fields) VALUES ($1, 1, $2)`, to, data); err != nil {
			return mapError("move", to, err)
		}
		moved = &store.Record{Path: to, Version: 1, Fields: fields.Clone()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return moved, nil
}

// Delete удаляет запись. version == store.AnyVersion удаляет без проверки.
func (s *JobStore) Delete(ctx context.Context, path string, version int64) error {
	query := `DELETE FROM conveyor_records WHERE path = $1 AND ($2::bigint = 0 OR version = $2::bigint)`
	tag, err := s.pool.Exec(ctx, query, path, version)
	if err != nil {
		return mapError("delete", path, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, s.pool, "delete", path)
	}
	return nil
}

// List возвращает записи под prefix, отсортированные по пути.
func (s *JobStore) List(ctx context.Context, prefix string) ([]store.Record, error) {
	query := `
		SELECT path, version, fields
		FROM conveyor_records
		WHERE path LIKE $1
		ORDER BY path
	`
	return s.query(ctx, prefix, query, likePrefix(prefix))
}

// FindByField возвращает записи под prefix с совпадающим полем.
func (s *JobStore) FindByField(ctx context.Context, prefix, name, value string) ([]store.Record, error) {
	query := `
		SELECT path, version, fields
		FROM conveyor_records
		WHERE path LIKE $1 AND fields -> $2 ->> 'value' = $3
		ORDER BY path
	`
	return s.query(ctx, prefix, query, likePrefix(prefix), name, value)
}

// --- Helpers ---

// querier — общее у пула и транзакции.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// missOrConflict различает отсутствие записи и несовпадение версии.
func (s *JobStore) missOrConflict(ctx context.Context, q querier, op, path string) error {
	var exists bool
	err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM conveyor_records WHERE path = $1)`, path).Scan(&exists)
	if err != nil {
		return mapError(op, path, err)
	}
	if exists {
		return fmt.Errorf("%s %s: %w", op, path, store.ErrConflict)
	}
	return fmt.Errorf("%s %s: %w", op, path, store.ErrNotFound)
}

func (s *JobStore) query(ctx context.Context, prefix, query string, args ...any) ([]store.Record, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError("list", prefix, err)
	}
	defer rows.Close()

	var records []store.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, mapError("list", prefix, err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list", prefix, err)
	}
	return records, nil
}

// scanRecord сканирует (path, version, fields).
func scanRecord(row pgx.Row) (*store.Record, error) {
	var (
		rec  store.Record
		data []byte
	)
	if err := row.Scan(&rec.Path, &rec.Version, &data); err != nil {
		return nil, err
	}
	fields, err := decodeFields(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", rec.Path, err)
	}
	rec.Fields = fields
	return &rec, nil
}

func encodeFields(fields domain.Properties) ([]byte, error) {
	if fields == nil {
		fields = domain.Properties{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal fields: %w", err)
	}
	return data, nil
}

func decodeFields(data []byte) (domain.Properties, error) {
	fields := domain.Properties{}
	if len(data) == 0 {
		return fields, nil
	}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}
