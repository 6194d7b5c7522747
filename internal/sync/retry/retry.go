// Package retry classifies replay failures and computes backoff delays.
package retry

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"net"
	"sync"
	"syscall"
	"time"

	apperrors "github.com/kimhsiao/shiftsync/internal/errors"
)

// Class is the retry classification of an error.
type Class string

const (
	// Retryable errors are transient: network, timeout, 5xx, 408, 429.
	Retryable Class = "retryable"
	// Fatal errors will fail again unchanged: validation, other 4xx, unknown.
	Fatal Class = "fatal"
)

// StatusCoder is implemented by errors that carry an HTTP status code.
type StatusCoder interface {
	HTTPStatus() int
}

// Policy holds backoff configuration.
type Policy struct {
	Base time.Duration // delay for attempt 0 before jitter
	Max  time.Duration // cap
}

// DefaultPolicy returns default backoff configuration.
func DefaultPolicy() Policy {
	return Policy{
		Base: 1 * time.Second,
		Max:  5 * time.Minute,
	}
}

// Scheduler classifies errors and computes jittered exponential backoff.
type Scheduler struct {
	policy Policy

	mu   sync.Mutex
	rand *rand.Rand
}

// NewScheduler creates a Scheduler. A nil src uses a time-seeded source.
func NewScheduler(policy Policy, src rand.Source) *Scheduler {
	def := DefaultPolicy()
	if policy.Base <= 0 {
		policy.Base = def.Base
	}
	if policy.Max < policy.Base {
		policy.Max = policy.Base
	}
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &Scheduler{policy: policy, rand: rand.New(src)}
}

// Policy returns the effective policy.
func (s *Scheduler) Policy() Policy {
	return s.policy
}

// NextDelay returns the wait before retry number attempts (0-based):
// min(Max, Base·2^attempts·(1+j)) with j drawn from [0,1).
//
// Every draw for attempts n lies below Base·2^(n+1), which is the smallest
// possible draw for n+1, so delays never decrease as attempts grow.
func (s *Scheduler) NextDelay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}

	s.mu.Lock()
	j := s.rand.Float64()
	s.mu.Unlock()

	exp := float64(s.policy.Base) * math.Pow(2, float64(attempts))
	d := exp * (1 + j)
	if d >= float64(s.policy.Max) || math.IsInf(d, 0) {
		return s.policy.Max
	}
	return time.Duration(d)
}

// Classify reports whether err is worth retrying. Unrecognized errors are
// Fatal so that they surface to the user instead of looping forever.
func (s *Scheduler) Classify(err error) Class {
	return Classify(err)
}

// Classify is the package-level form of Scheduler.Classify.
func Classify(err error) Class {
	if err == nil {
		return Fatal
	}

	switch {
	case apperrors.Is(err, apperrors.ErrValidation), apperrors.Is(err, apperrors.ErrInvalid):
		return Fatal
	case apperrors.Is(err, apperrors.ErrTransientIO), apperrors.Is(err, apperrors.ErrTimeout):
		return Retryable
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		return ClassifyStatus(sc.HTTPStatus())
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable
	}
	if errors.Is(err, context.Canceled) {
		// Cancelled by shutdown, not by the server; the operation stays queued.
		return Retryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Retryable
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EHOSTUNREACH) {
		return Retryable
	}

	return Fatal
}

// ClassifyStatus classifies an HTTP status code.
func ClassifyStatus(code int) Class {
	switch {
	case code == 408 || code == 429:
		return Retryable
	case code >= 500:
		return Retryable
	default:
		return Fatal
	}
}

// IsRetryable is shorthand for Classify(err) == Retryable.
func IsRetryable(err error) bool {
	return Classify(err) == Retryable
}
