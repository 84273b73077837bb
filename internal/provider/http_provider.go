package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultHTTPTimeout = 30 * time.Second

// HTTPProvider — провайдер, вызывающий вендора по HTTP.
//
// Отправляет POST с JSON payload на endpoint вендора и парсит JSON
// ответа. Классификация ошибок:
//   - таймаут, транспортная ошибка, 5xx → transient
//   - 4xx (явный отказ вендора) → permanent
//
// Конкретная логика вендора (трансформации изображений, генерация
// видео и т.д.) живёт за endpoint'ом и движку не видна.
type HTTPProvider struct {
	ref     string
	url     string
	timeout time.Duration
	client  *http.Client
}

// NewHTTPProvider создаёт HTTP-провайдера из конфигурации.
func NewHTTPProvider(cfg Config) *HTTPProvider {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSec > 0 {
		timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}

	return &HTTPProvider{
		ref:     cfg.Ref,
		url:     cfg.URL,
		timeout: timeout,
		client:  &http.Client{},
	}
}

// Ref возвращает ссылку на провайдера.
func (p *HTTPProvider) Ref() string {
	return p.ref
}

// Execute выполняет один вызов вендора.
//
// Таймаут ставится на контекст вызова и снимается на любом пути
// выхода; тело ответа закрывается всегда.
func (p *HTTPProvider) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	body, err := json.Marshal(input)
	if err != nil {
		return nil, NewPermanentError(p.ref, fmt.Errorf("marshal input: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, NewPermanentError(p.ref, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		// Таймаут и транспортные ошибки — transient.
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, NewTransientError(p.ref, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewTransientError(p.ref, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode >= 500 {
		return nil, NewTransientError(p.ref,
			fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 200)))
	}
	if resp.StatusCode >= 400 {
		return nil, NewPermanentError(p.ref,
			fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 200)))
	}

	var output map[string]any
	if err := json.Unmarshal(respBody, &output); err != nil {
		return nil, NewPermanentError(p.ref, fmt.Errorf("parse response: %w", err))
	}

	return output, nil
}

// truncate обрезает строку до указанной длины.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
