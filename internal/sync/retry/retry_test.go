package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/url"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	apperrors "github.com/kimhsiao/shiftsync/internal/errors"
)

type statusErr int

func (e statusErr) Error() string   { return fmt.Sprintf("status %d", int(e)) }
func (e statusErr) HTTPStatus() int { return int(e) }

// =====================================================
// Classification Tests
// =====================================================

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"500", statusErr(500), Retryable},
		{"503 wrapped", fmt.Errorf("replay: %w", statusErr(503)), Retryable},
		{"408", statusErr(408), Retryable},
		{"429", statusErr(429), Retryable},
		{"400", statusErr(400), Fatal},
		{"404", statusErr(404), Fatal},
		{"422", statusErr(422), Fatal},
		{"deadline", context.DeadlineExceeded, Retryable},
		{"deadline wrapped", fmt.Errorf("post /users: %w", context.DeadlineExceeded), Retryable},
		{"url error", &url.Error{Op: "Post", URL: "http://api/users", Err: errors.New("dial tcp: lookup api")}, Retryable},
		{"op error", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, Retryable},
		{"conn reset", fmt.Errorf("read: %w", syscall.ECONNRESET), Retryable},
		{"eof", io.ErrUnexpectedEOF, Retryable},
		{"transient app error", apperrors.New(apperrors.ErrTransientIO, "offline"), Retryable},
		{"timeout app error", apperrors.New(apperrors.ErrTimeout, "slow"), Retryable},
		{"validation app error", apperrors.New(apperrors.ErrValidation, "name required"), Fatal},
		{"validation wrapping 5xx", apperrors.Wrap(apperrors.ErrValidation, "rejected", statusErr(500)), Fatal},
		{"unclassified", errors.New("something odd"), Fatal},
		{"nil", nil, Fatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	assert.Equal(t, Retryable, ClassifyStatus(502))
	assert.Equal(t, Fatal, ClassifyStatus(409))
	assert.Equal(t, Fatal, ClassifyStatus(200))
}

// =====================================================
// Backoff Tests
// =====================================================

// TestNextDelay_monotonic verifies delays never decrease up to the cap,
// across many random sources.
func TestNextDelay_monotonic(t *testing.T) {
	policy := Policy{Base: 500 * time.Millisecond, Max: 2 * time.Minute}
	for seed := int64(0); seed < 50; seed++ {
		s := NewScheduler(policy, rand.NewSource(seed))
		prev := time.Duration(0)
		for n := 0; n < 20; n++ {
			d := s.NextDelay(n)
			assert.GreaterOrEqual(t, d, prev, "seed %d attempt %d", seed, n)
			assert.LessOrEqual(t, d, policy.Max)
			prev = d
		}
		assert.Equal(t, policy.Max, prev, "large attempts reach the cap")
	}
}

// TestNextDelay_bounds verifies each delay lies in [base·2^n, base·2^(n+1)).
func TestNextDelay_bounds(t *testing.T) {
	s := NewScheduler(Policy{Base: time.Second, Max: time.Hour}, rand.NewSource(7))
	for n := 0; n < 8; n++ {
		lo := time.Second << n
		d := s.NextDelay(n)
		assert.GreaterOrEqual(t, d, lo)
		assert.Less(t, d, 2*lo)
	}
}

// TestNextDelay_jitter verifies two clients do not compute identical delays.
func TestNextDelay_jitter(t *testing.T) {
	a := NewScheduler(DefaultPolicy(), rand.NewSource(1))
	b := NewScheduler(DefaultPolicy(), rand.NewSource(2))
	assert.NotEqual(t, a.NextDelay(3), b.NextDelay(3))
}

func TestNewScheduler_defaults(t *testing.T) {
	s := NewScheduler(Policy{}, nil)
	assert.Equal(t, DefaultPolicy().Base, s.Policy().Base)
	assert.Equal(t, DefaultPolicy().Base, s.Policy().Max, "max is raised to base when unset")
	assert.Equal(t, s.Policy().Max, s.NextDelay(-1))
}
