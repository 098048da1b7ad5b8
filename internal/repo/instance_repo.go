package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/conveyor/internal/topology"
)

// InstanceRepo — реестр экземпляров кластера (таблица heartbeat).
type InstanceRepo struct {
	pool *pgxpool.Pool
}

// NewInstanceRepo создаёт InstanceRepo.
func NewInstanceRepo(pool *pgxpool.Pool) *InstanceRepo {
	return &InstanceRepo{pool: pool}
}

var _ topology.Source = (*InstanceRepo)(nil)

// Heartbeat регистрирует экземпляр или продлевает его запись.
func (r *InstanceRepo) Heartbeat(ctx context.Context, inst topology.Instance) error {
	topics := inst.Topics
	if topics == nil {
		topics = []string{}
	}

	query := `
		INSERT INTO conveyor_instances (id, capacity, topics, last_seen)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET capacity = EXCLUDED.capacity,
		    topics = EXCLUDED.topics,
		    last_seen = EXCLUDED.last_seen
	`
	if _, err := r.pool.Exec(ctx, query, inst.ID, inst.Capacity, topics, inst.LastSeen); err != nil {
		return fmt.Errorf("heartbeat %s: %w", inst.ID, err)
	}
	return nil
}

// ListLive возвращает экземпляры с heartbeat не раньше since.
func (r *InstanceRepo) ListLive(ctx context.Context, since time.Time) ([]topology.Instance, error) {
	query := `
		SELECT id, capacity, topics, last_seen
		FROM conveyor_instances
		WHERE last_seen >= $1
		ORDER BY id
	`
	rows, err := r.pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var instances []topology.Instance
	for rows.Next() {
		var inst topology.Instance
		if err := rows.Scan(&inst.ID, &inst.Capacity, &inst.Topics, &inst.LastSeen); err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		if len(inst.Topics) == 0 {
			inst.Topics = nil
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// Deregister удаляет запись экземпляра.
func (r *InstanceRepo) Deregister(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM conveyor_instances WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deregister %s: %w", id, err)
	}
	return nil
}
