package provider

import (
	"errors"
	"testing"
	"time"
)

// fakeClock — управляемое время для breaker'а.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time {
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newTestBreaker(cfg BreakerConfig) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	b := NewBreaker(cfg)
	b.now = clock.now
	return b, clock
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{})

	for i := 0; i < 4; i++ {
		b.OnFailure()
	}
	if b.State() != BreakerClosed {
		t.Fatalf("ожидался closed после 4 неудач, получен %s", b.State())
	}

	b.OnFailure()
	if b.State() != BreakerOpen {
		t.Fatalf("ожидался open после 5 неудач, получен %s", b.State())
	}

	err := b.Allow("vendorA")
	var openErr *CircuitOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("ожидался CircuitOpenError, получено %v", err)
	}
	if openErr.Ref != "vendorA" {
		t.Errorf("ожидался ref vendorA, получен %s", openErr.Ref)
	}
	if !errors.Is(err, ErrCircuitOpen) {
		t.Error("CircuitOpenError должен разворачиваться в ErrCircuitOpen")
	}
}

func TestBreakerSuccessResetsCounter(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{})

	for i := 0; i < 4; i++ {
		b.OnFailure()
	}
	b.OnSuccess()

	// После сброса снова нужно threshold неудач.
	for i := 0; i < 4; i++ {
		b.OnFailure()
	}
	if b.State() != BreakerOpen {
		if b.Failures() != 4 {
			t.Fatalf("ожидалось 4 неудачи после сброса, получено %d", b.Failures())
		}
	} else {
		t.Fatal("breaker открылся раньше порога после сброса")
	}
}

func TestBreakerWindowExpiry(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{})

	for i := 0; i < 4; i++ {
		b.OnFailure()
	}

	// Неудача за пределами окна начинает счёт заново.
	clock.advance(2 * time.Minute)
	b.OnFailure()

	if b.State() != BreakerClosed {
		t.Fatalf("ожидался closed: неудачи вне окна не накапливаются, получен %s", b.State())
	}
	if b.Failures() != 1 {
		t.Errorf("ожидалась 1 неудача в новом окне, получено %d", b.Failures())
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{})

	for i := 0; i < 5; i++ {
		b.OnFailure()
	}
	if b.State() != BreakerOpen {
		t.Fatal("breaker должен быть open")
	}

	// До истечения cooldown запросы отклоняются.
	clock.advance(10 * time.Second)
	if err := b.Allow("vendorA"); err == nil {
		t.Fatal("ожидался отказ до истечения cooldown")
	}

	// После cooldown — ровно одна проба.
	clock.advance(25 * time.Second)
	if err := b.Allow("vendorA"); err != nil {
		t.Fatalf("ожидалась проба после cooldown, получено %v", err)
	}
	if b.State() != BreakerHalfOpen {
		t.Fatalf("ожидался half_open, получен %s", b.State())
	}
	if err := b.Allow("vendorA"); err == nil {
		t.Fatal("вторая проба до исхода первой должна отклоняться")
	}
}

func TestBreakerProbeSuccessCloses(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{})

	for i := 0; i < 5; i++ {
		b.OnFailure()
	}
	clock.advance(31 * time.Second)

	if err := b.Allow("vendorA"); err != nil {
		t.Fatalf("проба не выдана: %v", err)
	}
	b.OnSuccess()

	if b.State() != BreakerClosed {
		t.Fatalf("ожидался closed после успешной пробы, получен %s", b.State())
	}
	if b.Failures() != 0 {
		t.Errorf("счётчик неудач должен обнулиться, получено %d", b.Failures())
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{})

	for i := 0; i < 5; i++ {
		b.OnFailure()
	}
	clock.advance(31 * time.Second)

	if err := b.Allow("vendorA"); err != nil {
		t.Fatalf("проба не выдана: %v", err)
	}
	b.OnFailure()

	if b.State() != BreakerOpen {
		t.Fatalf("ожидался open после неудачной пробы, получен %s", b.State())
	}

	// Cooldown начинается заново с момента неудачной пробы.
	clock.advance(10 * time.Second)
	if err := b.Allow("vendorA"); err == nil {
		t.Fatal("ожидался отказ: cooldown после неудачной пробы начинается заново")
	}
	clock.advance(25 * time.Second)
	if err := b.Allow("vendorA"); err != nil {
		t.Fatalf("ожидалась новая проба, получено %v", err)
	}
}
