package provider

import (
	"sync"
	"time"
)

// BreakerState — состояние circuit breaker.
type BreakerState string

const (
	// BreakerClosed — запросы проходят, неудачи считаются.
	BreakerClosed BreakerState = "closed"

	// BreakerOpen — запросы отклоняются без обращения к провайдеру.
	BreakerOpen BreakerState = "open"

	// BreakerHalfOpen — после cooldown пропускается ровно одна проба.
	BreakerHalfOpen BreakerState = "half_open"
)

// Параметры breaker по умолчанию.
const (
	defaultFailureThreshold = 5
	defaultFailureWindow    = time.Minute
	defaultCooldown         = 30 * time.Second
)

// BreakerConfig — конфигурация circuit breaker.
type BreakerConfig struct {
	// FailureThreshold — подряд идущие неудачи до открытия (default: 5).
	FailureThreshold int

	// FailureWindow — скользящее окно учёта неудач (default: 1m).
	FailureWindow time.Duration

	// Cooldown — время до half-open пробы (default: 30s).
	Cooldown time.Duration
}

// withDefaults заполняет нулевые поля значениями по умолчанию.
func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = defaultFailureWindow
	}
	if c.Cooldown <= 0 {
		c.Cooldown = defaultCooldown
	}
	return c
}

// Breaker — изолятор отказов одного провайдера.
//
// Машина состояний:
//
//	closed → open        (threshold подряд неудач внутри окна)
//	open → half_open     (истёк cooldown; пропускается одна проба)
//	half_open → closed   (проба успешна; счётчик сбрасывается в 0)
//	half_open → open     (проба неудачна; cooldown начинается заново)
//
// Счётчики мутируются только под мьютексом breaker'а — ветки разных
// tasks, бьющие в одного провайдера, сериализуются здесь.
type Breaker struct {
	cfg BreakerConfig

	mu            sync.Mutex
	state         BreakerState
	failures      int       // подряд идущие неудачи
	windowStart   time.Time // начало текущего окна учёта
	openedAt      time.Time // момент перехода в open
	probeInFlight bool      // half-open проба уже выдана

	// now подменяется в тестах.
	now func() time.Time
}

// NewBreaker создаёт breaker в состоянии closed.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{
		cfg:   cfg.withDefaults(),
		state: BreakerClosed,
		now:   time.Now,
	}
}

// Allow решает, можно ли отправить запрос.
//
// Возвращает nil, если запрос пропущен (в half_open — это единственная
// проба), или *CircuitOpenError, если breaker открыт.
func (b *Breaker) Allow(ref string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	switch b.state {
	case BreakerClosed:
		return nil

	case BreakerOpen:
		elapsed := now.Sub(b.openedAt)
		if elapsed < b.cfg.Cooldown {
			return &CircuitOpenError{Ref: ref, RetryAfter: b.cfg.Cooldown - elapsed}
		}
		// Cooldown истёк — переходим в half_open и выдаём пробу.
		b.state = BreakerHalfOpen
		b.probeInFlight = true
		return nil

	case BreakerHalfOpen:
		if b.probeInFlight {
			return &CircuitOpenError{Ref: ref, RetryAfter: b.cfg.Cooldown}
		}
		b.probeInFlight = true
		return nil
	}

	return nil
}

// OnSuccess регистрирует успешный вызов.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probeInFlight = false
	b.state = BreakerClosed
}

// OnFailure регистрирует неудачный вызов.
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	if b.state == BreakerHalfOpen {
		// Проба не удалась — обратно в open, cooldown заново.
		b.state = BreakerOpen
		b.openedAt = now
		b.probeInFlight = false
		return
	}

	// Скользящее окно: неудачи вне окна не накапливаются.
	if b.failures == 0 || now.Sub(b.windowStart) > b.cfg.FailureWindow {
		b.windowStart = now
		b.failures = 0
	}
	b.failures++

	if b.failures >= b.cfg.FailureThreshold {
		b.state = BreakerOpen
		b.openedAt = now
	}
}

// State возвращает текущее состояние.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures возвращает текущий счётчик подряд идущих неудач.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
