package manager

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/store"
)

// QueryType — выборка FindJobs.
type QueryType string

const (
	QueryAll       QueryType = "ALL"
	QueryActive    QueryType = "ACTIVE"
	QueryQueued    QueryType = "QUEUED"
	QueryHistory   QueryType = "HISTORY"
	QueryCancelled QueryType = "CANCELLED"
	QuerySucceeded QueryType = "SUCCEEDED"
	QueryStopped   QueryType = "STOPPED"
	QueryGivenUp   QueryType = "GIVEN_UP"
	QueryError     QueryType = "ERROR"
	QueryDropped   QueryType = "DROPPED"
)

// ParseQueryType парсит тип запроса без учёта регистра.
func ParseQueryType(s string) (QueryType, error) {
	t := QueryType(strings.ToUpper(s))
	switch t {
	case QueryAll, QueryActive, QueryQueued, QueryHistory, QueryCancelled,
		QuerySucceeded, QueryStopped, QueryGivenUp, QueryError, QueryDropped:
		return t, nil
	case "":
		return QueryAll, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownQueryType, s)
	}
}

// Template — шаблон запроса: все поля должны совпасть.
//
// Ключ может начинаться с оператора: "=", "<", "<=", ">", ">=".
// Без оператора сравнение на равенство. Текстовое значение шаблона
// приводится к типу значения в записи, так что ">=count": "5"
// сравнивает числа.
type Template map[string]domain.Value

type operator string

const (
	opEq operator = "="
	opLt operator = "<"
	opLe operator = "<="
	opGt operator = ">"
	opGe operator = ">="
)

// condition — разобранное поле шаблона.
type condition struct {
	name  string
	op    operator
	value domain.Value
}

func parseTemplate(t Template) ([]condition, error) {
	conds := make([]condition, 0, len(t))
	for key, v := range t {
		name, op := key, opEq
		// Двухсимвольные операторы проверяются первыми
		for _, candidate := range []operator{opLe, opGe, opEq, opLt, opGt} {
			if rest, ok := strings.CutPrefix(key, string(candidate)); ok {
				name, op = rest, candidate
				break
			}
		}
		if name == "" {
			return nil, fmt.Errorf("%w: empty property name in %q", ErrInvalidTemplate, key)
		}
		conds = append(conds, condition{name: name, op: op, value: v})
	}
	return conds, nil
}

func (c condition) match(props domain.Properties) bool {
	actual, ok := props[c.name]
	if !ok {
		return false
	}

	expected := c.value
	if expected.Kind != actual.Kind && expected.Kind == domain.KindText {
		parsed, err := domain.ParseValue(actual.Kind, expected.Text())
		if err != nil {
			return false
		}
		expected = parsed
	}

	if c.op == opEq {
		return actual.Equal(expected)
	}
	cmp, ok := actual.Compare(expected)
	if !ok {
		return false
	}
	switch c.op {
	case opLt:
		return cmp < 0
	case opLe:
		return cmp <= 0
	case opGt:
		return cmp > 0
	default:
		return cmp >= 0
	}
}

// GetJobByID возвращает снимок job по id или nil.
// Живая запись предпочитается записи истории.
func (m *Manager) GetJobByID(ctx context.Context, id string) *domain.Job {
	layout := m.env.Layout()
	prefixes := append(layout.LivePrefixes(), layout.HistoryPrefixes()...)

	for _, prefix := range prefixes {
		recs, err := m.env.Store().FindByField(ctx, prefix, domain.PropID, id)
		if err != nil {
			m.logger.Error("failed to look up job", "job_id", id, "error", err)
			return nil
		}
		for _, rec := range recs {
			if job := m.toJob(rec); job != nil {
				return job
			}
		}
	}
	return nil
}

// GetJob возвращает первый job с topic, подходящий под шаблон, или nil.
func (m *Manager) GetJob(ctx context.Context, topic string, template Template) *domain.Job {
	jobs, err := m.FindJobs(ctx, QueryAll, topic, 1, template)
	if err != nil || len(jobs) == 0 {
		return nil
	}
	return jobs[0]
}

// FindJobs возвращает job выборки queryType.
//
// Пустой topic — любой topic. Job подходит, если совпадает хотя бы один
// шаблон (без шаблонов подходят все). Незавершённые job упорядочены от
// старых к новым по времени создания, история от новых к старым по
// времени завершения. limit < 1 — без ограничения.
func (m *Manager) FindJobs(ctx context.Context, queryType QueryType, topic string, limit int, templates ...Template) ([]*domain.Job, error) {
	layout := m.env.Layout()

	var (
		prefixes []string
		states   map[domain.JobState]bool
	)
	switch queryType {
	case QueryAll, "":
		prefixes = append(layout.LivePrefixes(), layout.HistoryPrefixes()...)
	case QueryActive:
		prefixes = layout.LivePrefixes()
		states = map[domain.JobState]bool{domain.JobStateActive: true}
	case QueryQueued:
		prefixes = layout.LivePrefixes()
		states = map[domain.JobState]bool{domain.JobStateQueued: true}
	case QueryHistory:
		prefixes = layout.HistoryPrefixes()
	case QueryCancelled:
		prefixes = []string{layout.CancelledPrefix()}
	case QuerySucceeded:
		prefixes = []string{layout.FinishedPrefix()}
	case QueryStopped, QueryGivenUp, QueryError, QueryDropped:
		prefixes = []string{layout.CancelledPrefix()}
		states = map[domain.JobState]bool{domain.JobState(queryType): true}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueryType, queryType)
	}

	var anyOf [][]condition
	for _, t := range templates {
		conds, err := parseTemplate(t)
		if err != nil {
			return nil, err
		}
		anyOf = append(anyOf, conds)
	}

	var live, history []*domain.Job
	for _, prefix := range prefixes {
		recs, err := m.env.Store().List(ctx, prefix)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, rec := range recs {
			if topic != "" && rec.Fields.Text(domain.PropTopic) != topic {
				continue
			}
			if !matchAny(anyOf, rec.Fields) {
				continue
			}
			job := m.toJob(rec)
			if job == nil || (states != nil && !states[job.State]) {
				continue
			}
			if layout.IsHistoryPath(rec.Path) {
				history = append(history, job)
			} else {
				live = append(live, job)
			}
		}
	}

	sort.SliceStable(live, func(i, j int) bool {
		return live[i].CreatedAt.Before(live[j].CreatedAt)
	})
	sort.SliceStable(history, func(i, j int) bool {
		return finishedAt(history[i]).After(finishedAt(history[j]))
	})

	result := append(live, history...)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func matchAny(anyOf [][]condition, props domain.Properties) bool {
	if len(anyOf) == 0 {
		return true
	}
	for _, conds := range anyOf {
		matched := true
		for _, c := range conds {
			if !c.match(props) {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}

func finishedAt(job *domain.Job) time.Time {
	if job.FinishedAt != nil {
		return *job.FinishedAt
	}
	return job.CreatedAt
}

// toJob разбирает запись; повреждённые записи пропускаются.
func (m *Manager) toJob(rec store.Record) *domain.Job {
	job, err := domain.JobFromProperties(rec.Path, rec.Version, rec.Fields)
	if err != nil {
		m.logger.Warn("skipping invalid job record", "path", rec.Path, "error", err)
		return nil
	}
	return job
}
