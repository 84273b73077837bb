package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/lpding888/aiygw4.0-sub012/internal/domain"
)

// fakeProvider — провайдер со сценарием ответов для тестов.
type fakeProvider struct {
	ref   string
	calls int
	fail  bool
}

func (p *fakeProvider) Ref() string {
	return p.ref
}

func (p *fakeProvider) Execute(_ context.Context, input map[string]any) (map[string]any, error) {
	p.calls++
	if p.fail {
		return nil, NewTransientError(p.ref, fmt.Errorf("vendor unavailable"))
	}
	return map[string]any{"echo": input["v"]}, nil
}

func TestRegistryExecuteUnknownProvider(t *testing.T) {
	r := NewRegistry(RegistryConfig{})

	_, err := r.Execute(context.Background(), "ghost", nil)
	if !errors.Is(err, ErrProviderNotFound) {
		t.Fatalf("ожидался ErrProviderNotFound, получено %v", err)
	}
}

func TestRegistryExecuteSuccess(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	p := &fakeProvider{ref: "vendorA"}
	r.Register(p, Config{Ref: "vendorA", Type: "image"})

	out, err := r.Execute(context.Background(), "vendorA", map[string]any{"v": "x"})
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if out["echo"] != "x" {
		t.Errorf("ожидался echo=x, получено %v", out["echo"])
	}

	state, err := r.GetState("vendorA")
	if err != nil || state != BreakerClosed {
		t.Errorf("ожидался closed, получено %s (%v)", state, err)
	}
}

func TestRegistryShortCircuitsOpenBreaker(t *testing.T) {
	r := NewRegistry(RegistryConfig{Breaker: BreakerConfig{FailureThreshold: 2}})
	p := &fakeProvider{ref: "vendorA", fail: true}
	r.Register(p, Config{Ref: "vendorA"})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := r.Execute(ctx, "vendorA", nil); err == nil {
			t.Fatal("ожидалась ошибка провайдера")
		}
	}
	if p.calls != 2 {
		t.Fatalf("ожидалось 2 вызова провайдера, получено %d", p.calls)
	}

	// Breaker открыт: вызов отклоняется без обращения к провайдеру.
	_, err := r.Execute(ctx, "vendorA", nil)
	var openErr *CircuitOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("ожидался CircuitOpenError, получено %v", err)
	}
	if p.calls != 2 {
		t.Errorf("провайдер не должен вызываться при открытом breaker'е, вызовов: %d", p.calls)
	}
	if !IsTransient(err) {
		t.Error("открытый breaker должен классифицироваться как transient")
	}
}

func TestRegistryExecuteWithFallback(t *testing.T) {
	r := NewRegistry(RegistryConfig{Breaker: BreakerConfig{FailureThreshold: 1}})
	p := &fakeProvider{ref: "vendorA", fail: true}
	r.Register(p, Config{Ref: "vendorA"})

	ctx := context.Background()
	if _, err := r.Execute(ctx, "vendorA", nil); err == nil {
		t.Fatal("ожидалась ошибка провайдера")
	}

	fallbackCalled := false
	out, err := r.ExecuteWithFallback(ctx, "vendorA", map[string]any{"v": "y"},
		func(_ context.Context, input map[string]any) (map[string]any, error) {
			fallbackCalled = true
			return map[string]any{"echo": input["v"]}, nil
		})
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if !fallbackCalled {
		t.Fatal("fallback не вызван при открытом breaker'е")
	}
	if out["echo"] != "y" {
		t.Errorf("ожидался echo=y, получено %v", out["echo"])
	}
}

func TestRegistryFallbackNotUsedOnProviderError(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	p := &fakeProvider{ref: "vendorA", fail: true}
	r.Register(p, Config{Ref: "vendorA"})

	_, err := r.ExecuteWithFallback(context.Background(), "vendorA", nil,
		func(_ context.Context, _ map[string]any) (map[string]any, error) {
			t.Fatal("fallback должен вызываться только при открытом breaker'е")
			return nil, nil
		})
	if err == nil {
		t.Fatal("ожидалась исходная ошибка провайдера")
	}
}

func TestPickByTypeExcludesOpenBreakers(t *testing.T) {
	r := NewRegistry(RegistryConfig{Breaker: BreakerConfig{FailureThreshold: 1}})
	a := &fakeProvider{ref: "vendorA", fail: true}
	b := &fakeProvider{ref: "vendorB"}
	r.Register(a, Config{Ref: "vendorA", Type: "image", Weight: 10})
	r.Register(b, Config{Ref: "vendorB", Type: "image", Weight: 1})

	// Открываем breaker vendorA.
	if _, err := r.Execute(context.Background(), "vendorA", nil); err == nil {
		t.Fatal("ожидалась ошибка провайдера")
	}

	for i := 0; i < 10; i++ {
		ref, err := r.PickByType("image", nil)
		if err != nil {
			t.Fatalf("неожиданная ошибка выбора: %v", err)
		}
		if ref != "vendorB" {
			t.Fatalf("провайдер с открытым breaker'ом не должен выбираться, получен %s", ref)
		}
	}
}

func TestPickByTypeExhausted(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	r.Register(&fakeProvider{ref: "vendorA"}, Config{Ref: "vendorA", Type: "image"})

	_, err := r.PickByType("image", map[string]bool{"vendorA": true})
	if !errors.Is(err, ErrNoProviderAvailable) {
		t.Fatalf("ожидался ErrNoProviderAvailable, получено %v", err)
	}

	_, err = r.PickByType("video", nil)
	if !errors.Is(err, ErrNoProviderAvailable) {
		t.Fatalf("ожидался ErrNoProviderAvailable для пустой группы, получено %v", err)
	}
}

func TestRegistryHealthSnapshot(t *testing.T) {
	r := NewRegistry(RegistryConfig{Breaker: BreakerConfig{FailureThreshold: 2}})
	p := &fakeProvider{ref: "vendorA", fail: true}
	r.Register(p, Config{Ref: "vendorA"})

	ctx := context.Background()
	r.Execute(ctx, "vendorA", nil)
	r.Execute(ctx, "vendorA", nil)

	health := r.Health()
	h, ok := health["vendorA"]
	if !ok {
		t.Fatal("нет снимка здоровья vendorA")
	}
	if h.Status != domain.ProviderDown {
		t.Errorf("ожидался DOWN при открытом breaker'е, получен %s", h.Status)
	}
	if h.ConsecutiveFailures != 2 {
		t.Errorf("ожидалось 2 подряд неудачи, получено %d", h.ConsecutiveFailures)
	}
	if h.SuccessRate != 0 {
		t.Errorf("ожидался success rate 0, получено %f", h.SuccessRate)
	}
}

func TestKnownRefs(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	r.Register(&fakeProvider{ref: "vendorA"}, Config{Ref: "vendorA"})
	r.Register(&fakeProvider{ref: "vendorB"}, Config{Ref: "vendorB"})

	refs := r.KnownRefs()
	if len(refs) != 2 || !refs["vendorA"] || !refs["vendorB"] {
		t.Fatalf("неожиданный набор ссылок: %v", refs)
	}
}
