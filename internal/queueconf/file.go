package queueconf

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/shaiso/conveyor/internal/domain"
)

// File — содержимое YAML-файла конфигурации очередей.
//
//	default:
//	  max_parallel: 4
//	queues:
//	  - name: "mail"
//	    type: ORDERED
//	    topics: ["mail/send"]
//	  - name: "import-{0}"
//	    type: TOPIC_ROUND_ROBIN
//	    topics: ["import/*"]
//	    max_parallel: 5
//	schedules:
//	  - name: nightly-cleanup
//	    topic: maintenance/cleanup
//	    cron: "0 3 * * *"
//	    enabled: true
//	    properties:
//	      scope: uploads
type File struct {
	Default   *Configuration  `yaml:"default"`
	Queues    []Configuration `yaml:"queues"`
	Schedules []ScheduleEntry `yaml:"schedules"`
}

// ScheduleEntry — описание scheduled job в файле.
type ScheduleEntry struct {
	domain.ScheduledJob `yaml:",inline"`

	// Properties — свойства создаваемых job (только строки и числа).
	Properties map[string]any `yaml:"properties"`
}

// ToScheduledJob конвертирует запись файла в ScheduledJob.
func (e ScheduleEntry) ToScheduledJob() (*domain.ScheduledJob, error) {
	s := e.ScheduledJob
	s.Properties = domain.Properties{}
	for k, raw := range e.Properties {
		v, err := domain.FromAny(raw)
		if err != nil {
			return nil, fmt.Errorf("schedule %s property %s: %w", s.Name, k, err)
		}
		s.Properties[k] = v
	}
	if s.Timezone == "" {
		s.Timezone = "UTC"
	}
	return &s, nil
}

// LoadFile читает YAML-файл конфигурации.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read queue config: %w", err)
	}
	return Parse(data)
}

// Parse разбирает YAML-конфигурацию.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse queue config: %w", err)
	}
	return &f, nil
}

// NewManagerFromFile создаёт Manager из разобранного файла.
func NewManagerFromFile(f *File) (*Manager, error) {
	def := Default()
	if f.Default != nil {
		override := *f.Default
		if override.Name == "" {
			override.Name = def.Name
		}
		if len(override.Topics) == 0 {
			override.Topics = def.Topics
		}
		if override.MaxParallel == 0 {
			override.MaxParallel = def.MaxParallel
		}
		if override.RetryDelay == 0 {
			override.RetryDelay = def.RetryDelay
		}
		def = override
	}
	return NewManager(def, f.Queues...)
}
