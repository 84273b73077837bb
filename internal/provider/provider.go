package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// Provider — контракт исполнителя одного шага.
//
// Единственный интерфейс возможностей: вендорные реализации выбираются
// конфигурацией, а не инспекцией типов. Ошибки обязаны быть
// классифицированы (ProviderError / CircuitOpenError).
type Provider interface {
	// Ref возвращает ссылку-идентификатор провайдера.
	Ref() string

	// Execute выполняет один вызов: структурированный payload на входе,
	// структурированный payload на выходе.
	Execute(ctx context.Context, input map[string]any) (map[string]any, error)
}

// Config — конфигурация одного провайдера.
//
// Провайдеры регистрируются out-of-band: конфигурация загружается
// внешним коллаборатором (файл, задаваемый PROVIDERS_CONFIG) и
// передаётся в Registry при старте.
type Config struct {
	// Ref — уникальная ссылка на провайдера.
	Ref string `json:"ref"`

	// Type — группа эквивалентных провайдеров для взвешенного выбора.
	Type string `json:"type"`

	// Weight — вес при выборе внутри группы (default: 1).
	Weight int `json:"weight,omitempty"`

	// URL — endpoint вендора (для HTTP-провайдеров).
	URL string `json:"url"`

	// TimeoutSec — таймаут одного вызова. Default: 30.
	TimeoutSec int `json:"timeout_sec,omitempty"`
}

// LoadConfigs читает конфигурацию провайдеров из JSON-файла.
func LoadConfigs(path string) ([]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read providers config: %w", err)
	}

	var configs []Config
	if err := json.Unmarshal(data, &configs); err != nil {
		return nil, fmt.Errorf("parse providers config: %w", err)
	}

	for i := range configs {
		if configs[i].Ref == "" {
			return nil, fmt.Errorf("providers config: entry %d has empty ref", i)
		}
		if configs[i].Weight <= 0 {
			configs[i].Weight = 1
		}
	}

	return configs, nil
}
