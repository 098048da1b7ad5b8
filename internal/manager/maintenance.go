package manager

import (
	"context"
	"time"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/handler"
	"github.com/shaiso/conveyor/internal/queueconf"
	"github.com/shaiso/conveyor/internal/topology"
)

// sweepLoop периодически обходит хранилище.
func (m *Manager) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	// Сразу при старте подхватываем накопившиеся job
	m.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// topologyLoop переназначает job при изменении состава кластера.
func (m *Manager) topologyLoop(ctx context.Context, updates <-chan *topology.Capabilities) {
	for {
		select {
		case <-ctx.Done():
			return
		case caps := <-updates:
			m.logger.Info("cluster membership changed",
				"instances", len(caps.Instances()),
				"leader", caps.Leader(),
				"seq", caps.Seq(),
			)
			if caps.IsLeader() {
				m.rebalance(ctx, caps)
			}
		}
	}
}

// configLoop перезапускает очереди при изменении конфигураций.
func (m *Manager) configLoop(ctx context.Context, updates <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-updates:
			m.reconfigure(ctx)
		}
	}
}

// Sweep выполняет один обход хранилища:
//   - свои QUEUED job ставятся в очереди
//   - свои ACTIVE job, которых нет в очередях (остались от прошлого
//     запуска), считаются неудачной попыткой и возвращаются в очередь
//   - на лидере: job ушедших экземпляров и неназначенные job получают
//     нового владельца, ACTIVE job с истёкшей арендой возвращаются в очередь
func (m *Manager) Sweep(ctx context.Context) {
	m.pickUpLocal(ctx)

	if caps := m.env.Capabilities(); caps.IsLeader() {
		m.rebalance(ctx, caps)
	}
}

// pickUpLocal подхватывает job, назначенные локальному экземпляру.
func (m *Manager) pickUpLocal(ctx context.Context) {
	local := m.env.LocalID()
	recs, err := m.env.Store().List(ctx, m.env.Layout().InstancePrefix(local))
	if err != nil {
		m.logger.Error("failed to list local jobs", "error", err)
		return
	}

	picked, recovered := 0, 0
	for _, rec := range recs {
		job := m.toJob(rec)
		if job == nil || m.tracked(job.ID) {
			continue
		}

		switch job.State {
		case domain.JobStateQueued:
			if m.enqueue(job) {
				picked++
			}
		case domain.JobStateActive:
			if job.StartedInstance != local && !m.leaseExpired(job) {
				continue
			}
			if m.recoverAbandoned(ctx, job) {
				recovered++
			}
		}
	}

	if picked > 0 || recovered > 0 {
		m.logger.Debug("local jobs picked up", "queued", picked, "recovered", recovered)
	}
}

// recoverAbandoned возвращает брошенный ACTIVE job в очередь как неудачную попытку.
// Если история job уже записана, обработка завершилась, но живая запись
// не удалилась: Finished с записанным состоянием доводит удаление до конца.
func (m *Manager) recoverAbandoned(ctx context.Context, job *domain.Job) bool {
	h := handler.New(m.env, job)
	if state, ok := h.RecordedOutcome(ctx); ok {
		if !h.Finished(ctx, state, true, 0) {
			return false
		}
		m.logger.Info("finished job cleaned up", "job_id", job.ID, "state", state)
		return true
	}

	h.SetResult("processing abandoned", 0)
	if !h.Reschedule(ctx) {
		return false
	}

	m.logger.Info("abandoned job rescheduled",
		"job_id", job.ID,
		"started_instance", job.StartedInstance,
	)

	recovered := h.Job()
	if recovered.TargetInstance == m.env.LocalID() {
		m.enqueue(recovered)
	}
	return true
}

func (m *Manager) leaseExpired(job *domain.Job) bool {
	return job.LeaseUntil != nil && m.env.Now().After(*job.LeaseUntil)
}

// rebalance назначает владельцев job, чей владелец ушёл из кластера,
// и неназначенным job, для которых появился владелец.
func (m *Manager) rebalance(ctx context.Context, caps *topology.Capabilities) {
	layout := m.env.Layout()

	assigned, err := m.env.Store().List(ctx, layout.AssignedPrefix())
	if err != nil {
		m.logger.Error("failed to list assigned jobs", "error", err)
		return
	}

	moved := 0
	for _, rec := range assigned {
		owner := layout.InstanceFromPath(rec.Path)
		if owner == caps.LocalID() {
			continue
		}

		job := m.toJob(rec)
		if job == nil {
			continue
		}

		if caps.IsLive(owner) {
			if job.State == domain.JobStateActive && m.leaseExpired(job) {
				m.recoverAbandoned(ctx, job)
			}
			continue
		}

		if m.reassign(ctx, job) {
			moved++
		}
	}

	unassigned, err := m.env.Store().List(ctx, layout.UnassignedPrefix())
	if err != nil {
		m.logger.Error("failed to list unassigned jobs", "error", err)
		return
	}
	for _, rec := range unassigned {
		job := m.toJob(rec)
		if job == nil || job.State != domain.JobStateQueued {
			continue
		}
		info := m.infoFor(job)
		switch {
		case info.Config.Type == queueconf.TypeDrop:
			handler.New(m.env, job).Reassign(ctx)
		case !info.Config.Type.IsProcessing():
			// IGNORE: job остаётся неназначенным
		case caps.DetectTarget(job.Topic, rec.Fields, info) == "":
		default:
			if m.reassign(ctx, job) {
				moved++
			}
		}
	}

	if moved > 0 {
		m.logger.Info("jobs reassigned", "count", moved, "seq", caps.Seq())
	}
}

// reassign переносит job к текущему владельцу и сообщает ему.
func (m *Manager) reassign(ctx context.Context, job *domain.Job) bool {
	h := handler.New(m.env, job)
	if !h.Reassign(ctx) {
		return false
	}

	moved := h.Job()
	if moved.Path == job.Path {
		return false
	}
	m.announce(ctx, moved)
	return true
}
