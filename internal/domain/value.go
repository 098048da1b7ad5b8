package domain

import (
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"
)

// ValueKind — тип значения в property bag.
type ValueKind string

const (
	// KindText — произвольная строка.
	KindText ValueKind = "text"

	// KindNumber — число (float64).
	KindNumber ValueKind = "number"

	// KindTime — момент времени, хранится в RFC 3339 UTC.
	KindTime ValueKind = "timestamp"

	// KindState — имя JobState.
	KindState ValueKind = "state"
)

// Value — типизированное значение свойства job.
//
// Контракт сериализации: значение хранится как пара (kind, строка),
// где строка — текст как есть, число через strconv, время в RFC 3339
// с наносекундами, состояние — своё имя.
type Value struct {
	Kind   ValueKind
	text   string
	number float64
	time   time.Time
}

// Text создаёт текстовое значение.
func Text(s string) Value {
	return Value{Kind: KindText, text: s}
}

// Number создаёт числовое значение.
func Number(f float64) Value {
	return Value{Kind: KindNumber, number: f}
}

// Int создаёт числовое значение из int.
func Int(i int) Value {
	return Number(float64(i))
}

// Timestamp создаёт значение-время.
func Timestamp(t time.Time) Value {
	return Value{Kind: KindTime, time: t.UTC()}
}

// StateValue создаёт значение-состояние.
func StateValue(s JobState) Value {
	return Value{Kind: KindState, text: string(s)}
}

// IsZero возвращает true для незаданного значения.
func (v Value) IsZero() bool {
	return v.Kind == ""
}

// Text возвращает текст (для KindText и KindState) или строковую форму.
func (v Value) Text() string {
	return v.String()
}

// Number возвращает число. Для других типов — false.
func (v Value) Number() (float64, bool) {
	if v.Kind != KindNumber {
		return 0, false
	}
	return v.number, true
}

// Int возвращает число как int.
func (v Value) Int() (int, bool) {
	f, ok := v.Number()
	return int(f), ok
}

// Time возвращает время. Для других типов — false.
func (v Value) Time() (time.Time, bool) {
	if v.Kind != KindTime {
		return time.Time{}, false
	}
	return v.time, true
}

// State возвращает состояние. Для других типов — false.
func (v Value) State() (JobState, bool) {
	if v.Kind != KindState {
		return "", false
	}
	return ParseJobState(v.text)
}

// String возвращает строку хранения значения.
func (v Value) String() string {
	switch v.Kind {
	case KindNumber:
		return strconv.FormatFloat(v.number, 'f', -1, 64)
	case KindTime:
		return v.time.Format(time.RFC3339Nano)
	default:
		return v.text
	}
}

// Any возвращает значение в виде, пригодном для JSON API.
func (v Value) Any() any {
	switch v.Kind {
	case KindNumber:
		return v.number
	case KindTime:
		return v.time
	default:
		return v.text
	}
}

// Equal сравнивает два значения.
func (v Value) Equal(o Value) bool {
	c, ok := v.Compare(o)
	return ok && c == 0
}

// Compare сравнивает значения одного типа.
// Значения разных типов несравнимы (ok=false).
func (v Value) Compare(o Value) (int, bool) {
	if v.Kind != o.Kind {
		return 0, false
	}
	switch v.Kind {
	case KindNumber:
		switch {
		case v.number < o.number:
			return -1, true
		case v.number > o.number:
			return 1, true
		}
		return 0, true
	case KindTime:
		return v.time.Compare(o.time), true
	default:
		return strings.Compare(v.text, o.text), true
	}
}

// ParseValue восстанавливает значение из пары (kind, строка).
func ParseValue(kind ValueKind, raw string) (Value, error) {
	switch kind {
	case KindText:
		return Text(raw), nil
	case KindNumber:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: number %q", ErrInvalidValue, raw)
		}
		return Number(f), nil
	case KindTime:
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Value{}, fmt.Errorf("%w: timestamp %q", ErrInvalidValue, raw)
		}
		return Timestamp(t), nil
	case KindState:
		st, ok := ParseJobState(raw)
		if !ok {
			return Value{}, fmt.Errorf("%w: state %q", ErrInvalidValue, raw)
		}
		return StateValue(st), nil
	default:
		return Value{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidValue, kind)
	}
}

// FromAny конвертирует простое JSON-значение в Value.
// Строки становятся текстом, числа — числами, bool — текстом "true"/"false".
func FromAny(v any) (Value, error) {
	switch x := v.(type) {
	case Value:
		return x, nil
	case string:
		return Text(x), nil
	case float64:
		return Number(x), nil
	case int:
		return Int(x), nil
	case int64:
		return Number(float64(x)), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		return Number(f), nil
	case bool:
		return Text(strconv.FormatBool(x)), nil
	case time.Time:
		return Timestamp(x), nil
	case JobState:
		return StateValue(x), nil
	default:
		return Value{}, fmt.Errorf("%w: unsupported type %T", ErrInvalidValue, v)
	}
}

// encodedValue — JSON-форма Value.
type encodedValue struct {
	Kind  ValueKind `json:"kind"`
	Value string    `json:"value"`
}

// MarshalJSON сериализует значение как {"kind": ..., "value": ...}.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(encodedValue{Kind: v.Kind, Value: v.String()})
}

// UnmarshalJSON восстанавливает значение из {"kind": ..., "value": ...}.
func (v *Value) UnmarshalJSON(data []byte) error {
	var ev encodedValue
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	parsed, err := ParseValue(ev.Kind, ev.Value)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Properties — property bag job: строковые ключи, типизированные значения.
type Properties map[string]Value

// Clone возвращает копию.
func (p Properties) Clone() Properties {
	if p == nil {
		return Properties{}
	}
	return maps.Clone(p)
}

// Get возвращает значение по ключу.
func (p Properties) Get(name string) (Value, bool) {
	v, ok := p[name]
	return v, ok
}

// Text возвращает текстовую форму значения или пустую строку.
func (p Properties) Text(name string) string {
	if v, ok := p[name]; ok {
		return v.String()
	}
	return ""
}

// Int возвращает числовое значение как int или def.
func (p Properties) Int(name string, def int) int {
	if v, ok := p[name]; ok {
		if i, ok := v.Int(); ok {
			return i
		}
	}
	return def
}

// Time возвращает значение-время или nil.
func (p Properties) Time(name string) *time.Time {
	if v, ok := p[name]; ok {
		if t, ok := v.Time(); ok {
			return &t
		}
	}
	return nil
}
