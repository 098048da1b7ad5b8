package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/telemetry"
)

const defaultHTTPTimeout = 30 * time.Second

// Свойства job, которые читает HTTPConsumer.
const (
	HTTPPropURL     = "url"
	HTTPPropMethod  = "method"
	HTTPPropTimeout = "timeout_sec"
	HTTPPropBody    = "body"

	// HTTPHeaderPrefix — свойства "header.X-Name" становятся заголовками запроса.
	HTTPHeaderPrefix = "header."
)

// HTTPConsumer — consumer, отправляющий свойства job на webhook.
//
// Config (из свойств job):
//   - url (text): URL для запроса (обязательно)
//   - method (text): HTTP-метод. Default: POST
//   - timeout_sec (number): таймаут запроса в секундах. Default: 30
//   - header.<Name> (text): заголовки запроса
//   - body (text): шаблон тела запроса
//
// url, body и заголовки — Go templates над данными job (см. TemplateData).
// Без body тело — JSON объект с id, topic и остальными свойствами job.
// Ошибка шаблона отменяет job: повтор даст тот же результат.
//
// Результат:
//   - 2xx — succeeded
//   - 5xx, 429 и сетевые ошибки — failed (повтор)
//   - прочие 4xx — cancelled (повтор бессмысленен)
type HTTPConsumer struct {
	Client *http.Client
}

// Execute выполняет HTTP-запрос синхронно.
func (c *HTTPConsumer) Execute(ctx context.Context, job domain.Job, token *Token, updates UpdateListener, done DoneFunc) error {
	done(c.call(ctx, job, token, updates))
	return nil
}

func (c *HTTPConsumer) call(ctx context.Context, job domain.Job, token *Token, updates UpdateListener) Result {
	if job.Properties.Text(HTTPPropURL) == "" {
		return Cancelled(fmt.Sprintf("%v: url is required", ErrHTTPRequest))
	}
	data := NewTemplateData(job)
	url, err := Render(job.Properties.Text(HTTPPropURL), data)
	if err != nil {
		return Cancelled(fmt.Sprintf("url: %v", err))
	}
	method := strings.ToUpper(job.Properties.Text(HTTPPropMethod))
	if method == "" {
		method = http.MethodPost
	}

	timeout := defaultHTTPTimeout
	if sec, ok := job.Properties[HTTPPropTimeout].Number(); ok && sec > 0 {
		timeout = time.Duration(sec * float64(time.Second))
	}

	// Таймаут и остановка по токену
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	go func() {
		select {
		case <-token.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	body, err := buildBody(job, data)
	if err != nil {
		return Cancelled(err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return Cancelled(fmt.Sprintf("%v: create request: %v", ErrHTTPRequest, err))
	}
	req.Header.Set("Content-Type", "application/json")
	for name, v := range job.Properties {
		if header, ok := strings.CutPrefix(name, HTTPHeaderPrefix); ok {
			value, err := Render(v.String(), data)
			if err != nil {
				return Cancelled(fmt.Sprintf("header %s: %v", header, err))
			}
			req.Header.Set(header, value)
		}
	}

	updates.Update("phase", domain.Text("requesting"))

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if token.Stopped() {
			return Cancelled("stopped")
		}
		return Failed(fmt.Sprintf("%v: %v", ErrHTTPRequest, err))
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	updates.Update("status_code", domain.Int(resp.StatusCode))
	telemetry.FromContext(ctx).Debug("webhook responded", "method", method, "status", resp.StatusCode)

	switch {
	case resp.StatusCode < 300:
		return Result{Outcome: OutcomeSucceeded, Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return Failed(fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 200)))
	default:
		return Cancelled(fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 200)))
	}
}

// buildBody формирует тело запроса: шаблон body или JSON из свойств job.
func buildBody(job domain.Job, data *TemplateData) ([]byte, error) {
	if tmpl := job.Properties.Text(HTTPPropBody); tmpl != "" {
		body, err := Render(tmpl, data)
		if err != nil {
			return nil, fmt.Errorf("body: %w", err)
		}
		return []byte(body), nil
	}

	body, err := json.Marshal(requestBody(job))
	if err != nil {
		return nil, fmt.Errorf("%w: marshal body: %v", ErrHTTPRequest, err)
	}
	return body, nil
}

// requestBody формирует JSON-тело запроса из job.
func requestBody(job domain.Job) map[string]any {
	props := make(map[string]any, len(job.Properties))
	for name, v := range job.Properties {
		if name == HTTPPropURL || name == HTTPPropMethod || name == HTTPPropTimeout || strings.HasPrefix(name, HTTPHeaderPrefix) {
			continue
		}
		props[name] = v.Any()
	}
	return map[string]any{
		"id":          job.ID,
		"topic":       job.Topic,
		"retry_count": job.RetryCount,
		"properties":  props,
	}
}

// truncate обрезает строку до указанной длины.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
