package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/joseph-ayodele/gradeflow/internal/common"
)

// Kind is the failure class of a collaborator error.
type Kind string

const (
	KindNone       Kind = ""
	KindNetwork    Kind = "network"
	KindServer     Kind = "server"
	KindRateLimit  Kind = "rate_limit"
	KindClient     Kind = "client"
	KindValidation Kind = "validation"
	KindCanceled   Kind = "canceled"
	KindUnknown    Kind = "unknown"
)

// Classification is the outcome of Policy.Classify.
type Classification struct {
	Kind       Kind
	Retryable  bool
	HTTPStatus int
}

// Message is the short user-facing text for a failure of this class.
func (c Classification) Message() string {
	switch c.Kind {
	case KindRateLimit:
		return "rate limited upstream, retrying…"
	case KindNetwork, KindServer:
		return "retrying…"
	case KindClient, KindValidation:
		return "input rejected"
	case KindCanceled:
		return "canceled"
	default:
		return "failed"
	}
}

// Policy decides whether a failure is retried and how long to wait.
type Policy struct {
	MaxRetries     int
	BaseDelay      time.Duration
	CapDelay       time.Duration
	RateLimitDelay time.Duration // floor applied to rate-limit retries
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     3,
		BaseDelay:      time.Second,
		CapDelay:       8 * time.Second,
		RateLimitDelay: 15 * time.Second,
	}
}

// Classify maps an error (and the HTTP status observed with it, 0 if none) onto a failure class.
// Unknown errors are not retryable.
func (p Policy) Classify(err error, httpStatus int) Classification {
	if err == nil {
		return Classification{Kind: KindNone}
	}
	if httpStatus == 0 {
		httpStatus = HTTPStatus(err)
	}
	c := Classification{HTTPStatus: httpStatus}

	switch {
	case errors.Is(err, common.ErrValidation), errors.Is(err, common.ErrInvalidInput):
		c.Kind = KindValidation
	case errors.Is(err, context.Canceled):
		c.Kind = KindCanceled
	case errors.Is(err, ErrRateLimited) || httpStatus == http.StatusTooManyRequests:
		c.Kind, c.Retryable = KindRateLimit, true
	case errors.Is(err, ErrOverloaded) || httpStatus >= 500:
		c.Kind, c.Retryable = KindServer, true
	case httpStatus >= 400:
		c.Kind = KindClient
	case errors.Is(err, context.DeadlineExceeded) || isNetwork(err):
		c.Kind, c.Retryable = KindNetwork, true
	default:
		c.Kind, c.Retryable = classifyGRPC(err)
	}
	return c
}

// ShouldRetry reports whether a job that has already been retried retryCount times gets another attempt.
func (p Policy) ShouldRetry(c Classification, retryCount int) bool {
	return c.Retryable && retryCount < p.MaxRetries
}

// Delay is min(base * 2^attempt, cap).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.CapDelay || d <= 0 {
			return p.CapDelay
		}
	}
	if d > p.CapDelay {
		return p.CapDelay
	}
	return d
}

// DelayFor applies the rate-limit floor on top of Delay.
func (p Policy) DelayFor(c Classification, attempt int) time.Duration {
	d := p.Delay(attempt)
	if c.Kind == KindRateLimit && d < p.RateLimitDelay {
		return p.RateLimitDelay
	}
	return d
}

func isNetwork(err error) bool {
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

func classifyGRPC(err error) (Kind, bool) {
	s, ok := status.FromError(err)
	if !ok {
		return KindUnknown, false
	}
	switch s.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted:
		return KindNetwork, true
	case codes.ResourceExhausted:
		return KindRateLimit, true
	case codes.InvalidArgument, codes.FailedPrecondition, codes.NotFound,
		codes.PermissionDenied, codes.Unauthenticated, codes.OutOfRange, codes.AlreadyExists:
		return KindClient, false
	case codes.Canceled:
		return KindCanceled, false
	default:
		return KindUnknown, false
	}
}
