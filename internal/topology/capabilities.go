package topology

import (
	"math"
	"slices"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/queueconf"
)

// Instance — живой экземпляр кластера.
type Instance struct {
	// ID — идентификатор экземпляра.
	ID string `json:"id"`

	// Capacity — подсказка о ёмкости, вес при выборе владельца.
	// Значения <= 0 считаются равными 1.
	Capacity int `json:"capacity"`

	// Topics — шаблоны topic, для которых у экземпляра есть consumer.
	// Пустой список — экземпляр принимает любые topic.
	Topics []string `json:"topics,omitempty"`

	// LastSeen — время последнего heartbeat.
	LastSeen time.Time `json:"last_seen"`
}

func (i Instance) weight() float64 {
	if i.Capacity <= 0 {
		return 1
	}
	return float64(i.Capacity)
}

// Capabilities — неизменяемый снимок членства в кластере.
//
// DetectTarget — чистая функция над снимком: одни и те же входные данные
// на одном снимке всегда дают одного владельца.
type Capabilities struct {
	local     string
	instances []Instance
	byID      map[string]int
	takenAt   time.Time
	seq       uint64
}

// NewCapabilities создаёт снимок. Экземпляры сортируются по ID.
func NewCapabilities(local string, instances []Instance, takenAt time.Time, seq uint64) *Capabilities {
	sorted := make([]Instance, len(instances))
	copy(sorted, instances)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	byID := make(map[string]int, len(sorted))
	for i, inst := range sorted {
		byID[inst.ID] = i
		sorted[i].Topics = slices.Clone(inst.Topics)
	}

	return &Capabilities{
		local:     local,
		instances: sorted,
		byID:      byID,
		takenAt:   takenAt,
		seq:       seq,
	}
}

// LocalID возвращает идентификатор локального экземпляра.
func (c *Capabilities) LocalID() string {
	return c.local
}

// Instances возвращает копию списка экземпляров.
func (c *Capabilities) Instances() []Instance {
	out := make([]Instance, len(c.instances))
	copy(out, c.instances)
	return out
}

// IsLive проверяет, входит ли экземпляр в снимок.
func (c *Capabilities) IsLive(id string) bool {
	_, ok := c.byID[id]
	return ok
}

// Leader возвращает экземпляр с наименьшим ID.
func (c *Capabilities) Leader() string {
	if len(c.instances) == 0 {
		return ""
	}
	return c.instances[0].ID
}

// IsLeader проверяет, является ли локальный экземпляр лидером.
func (c *Capabilities) IsLeader() bool {
	return c.local != "" && c.Leader() == c.local
}

// TakenAt возвращает время снимка.
func (c *Capabilities) TakenAt() time.Time {
	return c.takenAt
}

// Seq возвращает порядковый номер снимка.
func (c *Capabilities) Seq() uint64 {
	return c.seq
}

// Candidates возвращает экземпляры, способные обработать topic.
func (c *Capabilities) Candidates(topic string) []Instance {
	var out []Instance
	for _, inst := range c.instances {
		if domain.AnyTopicMatches(inst.Topics, topic) {
			out = append(out, inst)
		}
	}
	return out
}

// DetectTarget выбирает экземпляр-владельца для job.
//
// Пустая строка означает, что подходящего владельца нет
// (или тип очереди не выполняет job).
//   - RunLocal: локальный экземпляр, если он кандидат
//   - ORDERED: один владелец на очередь (rendezvous по имени очереди)
//   - остальные: взвешенный rendezvous по topic и id job
func (c *Capabilities) DetectTarget(topic string, props domain.Properties, info queueconf.Info) string {
	if !info.Config.Type.IsProcessing() {
		return ""
	}

	candidates := c.Candidates(topic)
	if len(candidates) == 0 {
		return ""
	}

	if info.Config.RunLocal {
		for _, inst := range candidates {
			if inst.ID == c.local {
				return c.local
			}
		}
	}

	var key string
	if info.Config.Type == queueconf.TypeOrdered {
		key = "queue:" + info.QueueName
	} else {
		key = "job:" + topic + "/" + props.Text(domain.PropID)
	}

	return rendezvous(key, candidates)
}

// rendezvous выбирает экземпляр с наибольшим взвешенным весом
// highest-random-weight хеширования.
func rendezvous(key string, candidates []Instance) string {
	best := ""
	bestScore := math.Inf(-1)

	for _, inst := range candidates {
		h := xxhash.Sum64String(key + "\x00" + inst.ID)
		// Равномерное число в (0, 1)
		u := (float64(h>>11) + 0.5) / float64(uint64(1)<<53)
		score := -inst.weight() / math.Log(u)

		if score > bestScore || (score == bestScore && inst.ID < best) {
			best, bestScore = inst.ID, score
		}
	}
	return best
}

// SameMembership сравнивает состав и ёмкости двух снимков.
func (c *Capabilities) SameMembership(o *Capabilities) bool {
	if o == nil || len(c.instances) != len(o.instances) {
		return false
	}
	for i, inst := range c.instances {
		other := o.instances[i]
		if inst.ID != other.ID || inst.Capacity != other.Capacity || !slices.Equal(inst.Topics, other.Topics) {
			return false
		}
	}
	return true
}

// Departed возвращает экземпляры prev, отсутствующие в текущем снимке.
func (c *Capabilities) Departed(prev *Capabilities) []string {
	if prev == nil {
		return nil
	}
	var gone []string
	for _, inst := range prev.instances {
		if !c.IsLive(inst.ID) {
			gone = append(gone, inst.ID)
		}
	}
	return gone
}
