package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gorilla/websocket"
)

const (
	DefaultMaxAttempts    = 5
	DefaultBaseDelay      = time.Second
	DefaultMaxDelay       = 60 * time.Second
	DefaultRateLimitDelay = 60 * time.Second

	closeAuthenticationFailed = 4004
)

var (
	ErrLoginFailed      = errors.New("discord login failed")
	ErrRetriesExhausted = errors.New("retries exhausted")
)

type State string

const (
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateBackingOff State = "backing_off"
	StateFailed     State = "failed"
	StateStopped    State = "stopped"
)

type Policy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	RateLimitDelay time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    DefaultMaxAttempts,
		BaseDelay:      DefaultBaseDelay,
		MaxDelay:       DefaultMaxDelay,
		RateLimitDelay: DefaultRateLimitDelay,
	}
}

// RunFunc runs one session. It calls connected once the session is up and
// returns when the session ends; a nil error means a clean shutdown.
type RunFunc func(ctx context.Context, connected func()) error

// Supervisor restarts a RunFunc after recoverable failures with bounded
// exponential backoff.
type Supervisor struct {
	policy Policy
	logger *log.Logger

	mu      sync.Mutex
	state   State
	onState func(State)

	sleep func(ctx context.Context, d time.Duration) error
}

func New(policy Policy, logger *log.Logger) *Supervisor {
	defaults := DefaultPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = defaults.MaxAttempts
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = defaults.BaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = defaults.MaxDelay
	}
	if policy.RateLimitDelay <= 0 {
		policy.RateLimitDelay = defaults.RateLimitDelay
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Supervisor{
		policy: policy,
		logger: logger,
		state:  StateStopped,
		sleep:  sleepContext,
	}
}

// OnStateChange registers fn to observe every state transition.
func (s *Supervisor) OnStateChange(fn func(State)) {
	s.mu.Lock()
	s.onState = fn
	s.mu.Unlock()
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run blocks until run returns cleanly, ctx is done, a login failure occurs,
// or the retry budget is spent. The budget resets after every successful
// connection.
func (s *Supervisor) Run(ctx context.Context, run RunFunc) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if run == nil {
		return fmt.Errorf("run func is required")
	}

	attempts := 0
	for {
		s.setState(StateConnecting)
		var connectedThisRun atomic.Bool
		err := run(ctx, func() {
			connectedThisRun.Store(true)
			s.setState(StateConnected)
		})
		if err == nil || ctx.Err() != nil {
			s.setState(StateStopped)
			return nil
		}
		if connectedThisRun.Load() {
			attempts = 0
		}

		f := classify(err)
		if f.kind == failureLogin {
			s.logger.Printf("login rejected, check the bot token: %v", err)
			s.setState(StateFailed)
			return fmt.Errorf("%w: %w", ErrLoginFailed, err)
		}

		attempts++
		if attempts >= s.policy.MaxAttempts {
			s.logger.Printf("giving up after %d attempts: %v", attempts, err)
			s.setState(StateFailed)
			return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, err)
		}

		delay := s.delayFor(f, attempts)
		if f.kind == failureRateLimited {
			s.logger.Printf("rate limited, waiting %s before retry attempt=%d", delay, attempts)
		} else {
			s.logger.Printf("session failed, waiting %s before retry attempt=%d err=%v", delay, attempts, err)
		}

		s.setState(StateBackingOff)
		if err := s.sleep(ctx, delay); err != nil {
			s.setState(StateStopped)
			return nil
		}
	}
}

func (s *Supervisor) delayFor(f failure, attempt int) time.Duration {
	if f.kind == failureRateLimited {
		if f.retryAfter > 0 {
			return f.retryAfter
		}
		return s.policy.RateLimitDelay
	}
	return Backoff(s.policy.BaseDelay, s.policy.MaxDelay, attempt)
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	fn := s.onState
	s.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

// Backoff returns base*2^attempt capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

type failureKind int

const (
	failureTransient failureKind = iota
	failureRateLimited
	failureLogin
)

type failure struct {
	kind       failureKind
	retryAfter time.Duration
}

func classify(err error) failure {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code == closeAuthenticationFailed {
		return failure{kind: failureLogin}
	}

	var rateLimitErr *discordgo.RateLimitError
	if errors.As(err, &rateLimitErr) {
		return rateLimitFailure(rateLimitErr.RateLimit)
	}

	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case http.StatusUnauthorized:
			return failure{kind: failureLogin}
		case http.StatusTooManyRequests:
			return failure{kind: failureRateLimited, retryAfter: retryAfterHeader(restErr.Response.Header)}
		}
		return failure{kind: failureTransient}
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") {
		return failure{kind: failureRateLimited}
	}
	return failure{kind: failureTransient}
}

func rateLimitFailure(rl *discordgo.RateLimit) failure {
	f := failure{kind: failureRateLimited}
	if rl != nil && rl.TooManyRequests != nil {
		f.retryAfter = rl.RetryAfter
	}
	return f
}

func retryAfterHeader(header http.Header) time.Duration {
	raw := strings.TrimSpace(header.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
