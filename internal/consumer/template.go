package consumer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/shaiso/conveyor/internal/domain"
)

// TemplateData — данные job, доступные в шаблонах свойств:
//
//	{{ .ID }}, {{ .Topic }}, {{ .RetryCount }}
//	{{ .Properties.customer }}
//	{{ .Properties | json }}
type TemplateData struct {
	ID         string
	Topic      string
	RetryCount int
	Properties map[string]any
}

// NewTemplateData собирает данные шаблона из job.
func NewTemplateData(job domain.Job) *TemplateData {
	props := make(map[string]any, len(job.Properties))
	for name, v := range job.Properties {
		props[name] = v.Any()
	}
	return &TemplateData{
		ID:         job.ID,
		Topic:      job.Topic,
		RetryCount: job.RetryCount,
		Properties: props,
	}
}

var templateFuncs = template.FuncMap{
	"json": func(v any) string {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return string(b)
	},

	// default — значение по умолчанию для пустого аргумента
	"default": func(def, val any) any {
		if val == nil {
			return def
		}
		if s, ok := val.(string); ok && s == "" {
			return def
		}
		return val
	},

	"coalesce": func(values ...any) any {
		for _, v := range values {
			if v == nil {
				continue
			}
			if s, ok := v.(string); ok && s == "" {
				continue
			}
			return v
		}
		return nil
	},

	"lower":     strings.ToLower,
	"upper":     strings.ToUpper,
	"trim":      strings.TrimSpace,
	"replace":   strings.ReplaceAll,
	"hasPrefix": strings.HasPrefix,
	"query":     template.URLQueryEscaper,
}

// Render рендерит строковый шаблон. Строка без "{{" возвращается как есть.
// Обращение к отсутствующему свойству — ошибка.
func Render(tmpl string, data *TemplateData) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	t, err := template.New("").Funcs(templateFuncs).Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplate, err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplate, err)
	}
	return buf.String(), nil
}
