package circuitbreaker

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var ErrOpen = errors.New("circuit breaker is open")

// Config holds circuit breaker configuration
type Config struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // successes in half-open before closing
	ResetTimeout     time.Duration // time to wait before probing an open breaker
	MaxHalfOpen      int           // max in-flight probes while half-open
}

// DefaultConfig returns sensible defaults for an upstream HTTP dependency.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     30 * time.Second,
		MaxHalfOpen:      1,
	}
}

// Breaker implements a consecutive-failure circuit breaker shielding the
// research provider. Transport errors and 5xx responses count as failures;
// 4xx responses do not trip the breaker.
type Breaker struct {
	name   string
	config Config
	logger *zap.Logger

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	inflight  int
	openedAt  time.Time
}

// New creates a breaker. Zero-valued config fields fall back to defaults.
func New(name string, config Config, logger *zap.Logger) *Breaker {
	def := DefaultConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = def.SuccessThreshold
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = def.ResetTimeout
	}
	if config.MaxHalfOpen <= 0 {
		config.MaxHalfOpen = def.MaxHalfOpen
	}
	return &Breaker{name: name, config: config, logger: logger, state: StateClosed}
}

// State returns the current state, accounting for reset timeout expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(time.Now())
}

// Execute runs fn if the breaker admits the call.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn()
	b.after(err == nil)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState(time.Now()) {
	case StateOpen:
		return ErrOpen
	case StateHalfOpen:
		if b.inflight >= b.config.MaxHalfOpen {
			return ErrOpen
		}
	}
	b.inflight++
	return nil
}

func (b *Breaker) after(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.inflight--
	state := b.currentState(time.Now())

	if success {
		b.failures = 0
		if state == StateHalfOpen {
			b.successes++
			if b.successes >= b.config.SuccessThreshold {
				b.transition(StateClosed)
			}
		}
		return
	}

	b.successes = 0
	b.failures++
	if state == StateHalfOpen || b.failures >= b.config.FailureThreshold {
		b.transition(StateOpen)
	}
}

// currentState moves open to half-open once the reset timeout has elapsed.
// Callers must hold b.mu.
func (b *Breaker) currentState(now time.Time) State {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.config.ResetTimeout {
		b.transition(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) transition(next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	switch next {
	case StateOpen:
		b.openedAt = time.Now()
	case StateClosed:
		b.failures = 0
		b.successes = 0
	case StateHalfOpen:
		b.successes = 0
	}
	if b.logger != nil {
		b.logger.Warn("Circuit breaker state change",
			zap.String("breaker", b.name),
			zap.String("from", prev.String()),
			zap.String("to", next.String()),
		)
	}
}

// HTTPWrapper wraps an http.Client with a breaker. 5xx responses count as
// breaker failures but the response is still returned to the caller.
type HTTPWrapper struct {
	client *http.Client
	cb     *Breaker
}

func NewHTTPWrapper(client *http.Client, name string, config Config, logger *zap.Logger) *HTTPWrapper {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPWrapper{client: client, cb: New(name, config, logger)}
}

type httpStatusError struct{ code int }

func (e *httpStatusError) Error() string { return http.StatusText(e.code) }

// Do executes an HTTP request through the breaker.
func (w *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := w.cb.Execute(func() error {
		var callErr error
		resp, callErr = w.client.Do(req)
		if callErr != nil {
			return callErr
		}
		if resp.StatusCode >= 500 {
			return &httpStatusError{code: resp.StatusCode}
		}
		return nil
	})
	if _, ok := err.(*httpStatusError); ok {
		return resp, nil
	}
	return resp, err
}

// Breaker exposes the underlying breaker for health checks.
func (w *HTTPWrapper) Breaker() *Breaker { return w.cb }
