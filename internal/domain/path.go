package domain

import (
	"path"
	"strings"
)

// DefaultRoot — корень дерева job в хранилище.
const DefaultRoot = "jobs"

// Сегменты дерева хранилища.
const (
	segmentAssigned   = "assigned"
	segmentUnassigned = "unassigned"
	segmentFinished   = "finished"
	segmentCancelled  = "cancelled"
	segmentScheduled  = "scheduled"
)

// Layout вычисляет пути записей в хранилище.
//
// Путь job — чистая функция от (topic, target instance, id), поэтому любой
// экземпляр кластера находит запись без отдельного каталога:
//
//	<root>/assigned/<instance>/<topic>/<id>
//	<root>/unassigned/<topic>/<id>
//	<root>/finished/<topic>/<id>      история SUCCEEDED
//	<root>/cancelled/<topic>/<id>     история остальных финальных состояний
type Layout struct {
	Root string
}

// DefaultLayout возвращает Layout с корнем DefaultRoot.
func DefaultLayout() Layout {
	return Layout{Root: DefaultRoot}
}

func (l Layout) root() string {
	if l.Root == "" {
		return DefaultRoot
	}
	return strings.TrimSuffix(l.Root, "/")
}

// TopicSegment преобразует topic в один сегмент пути.
func TopicSegment(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}

// JobPath возвращает путь живой записи job.
func (l Layout) JobPath(topic, targetInstance, id string) string {
	if targetInstance == "" {
		return path.Join(l.root(), segmentUnassigned, TopicSegment(topic), id)
	}
	return path.Join(l.root(), segmentAssigned, targetInstance, TopicSegment(topic), id)
}

// HistoryPath возвращает путь записи истории.
func (l Layout) HistoryPath(topic, id string, success bool) string {
	segment := segmentCancelled
	if success {
		segment = segmentFinished
	}
	return path.Join(l.root(), segment, TopicSegment(topic), id)
}

// LivePrefixes возвращает префиксы всех живых записей.
func (l Layout) LivePrefixes() []string {
	return []string{l.AssignedPrefix(), l.UnassignedPrefix()}
}

// AssignedPrefix возвращает префикс записей, назначенных экземплярам.
func (l Layout) AssignedPrefix() string {
	return path.Join(l.root(), segmentAssigned) + "/"
}

// InstancePrefix возвращает префикс записей одного экземпляра.
func (l Layout) InstancePrefix(instance string) string {
	return path.Join(l.root(), segmentAssigned, instance) + "/"
}

// UnassignedPrefix возвращает префикс неназначенных записей.
func (l Layout) UnassignedPrefix() string {
	return path.Join(l.root(), segmentUnassigned) + "/"
}

// FinishedPrefix возвращает префикс истории успешных job.
func (l Layout) FinishedPrefix() string {
	return path.Join(l.root(), segmentFinished) + "/"
}

// CancelledPrefix возвращает префикс истории неуспешных job.
func (l Layout) CancelledPrefix() string {
	return path.Join(l.root(), segmentCancelled) + "/"
}

// HistoryPrefixes возвращает префиксы истории.
func (l Layout) HistoryPrefixes() []string {
	return []string{l.FinishedPrefix(), l.CancelledPrefix()}
}

// ScheduledPath возвращает путь определения scheduled job.
func (l Layout) ScheduledPath(name string) string {
	return path.Join(l.root(), segmentScheduled, name)
}

// ScheduledPrefix возвращает префикс scheduled job.
func (l Layout) ScheduledPrefix() string {
	return path.Join(l.root(), segmentScheduled) + "/"
}

// InstanceFromPath извлекает экземпляр-владельца из пути живой записи.
// Для unassigned записей возвращает пустую строку.
func (l Layout) InstanceFromPath(p string) string {
	rest, ok := strings.CutPrefix(p, l.AssignedPrefix())
	if !ok {
		return ""
	}
	instance, _, _ := strings.Cut(rest, "/")
	return instance
}

// IsHistoryPath проверяет, относится ли путь к истории.
func (l Layout) IsHistoryPath(p string) bool {
	return strings.HasPrefix(p, l.FinishedPrefix()) || strings.HasPrefix(p, l.CancelledPrefix())
}
