package inference

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/aws/smithy-go"

	"chat-backend/internal/domain"
	"chat-backend/internal/metrics"
)

var (
	// ErrUnavailable marks a failed inference call (backend error, throttling,
	// malformed or empty reply).
	ErrUnavailable = errors.New("inference: backend unavailable")
	// ErrTimeout marks an inference call that ran out of time.
	ErrTimeout = errors.New("inference: timed out")
)

// Provider is a model backend that turns an ordered history into one reply.
type Provider interface {
	Chat(ctx context.Context, messages []domain.ChatMessage) (string, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// Gateway is the stateless adapter the chat service calls for a reply. It
// bounds each call with a timeout and classifies failures as ErrTimeout or
// ErrUnavailable. It never retries.
type Gateway struct {
	name     string
	provider Provider
	timeout  time.Duration
}

// NewGateway wraps provider. A zero timeout leaves the caller's deadline as the only bound.
func NewGateway(name string, provider Provider, timeout time.Duration) (*Gateway, error) {
	if provider == nil {
		return nil, errors.New("inference: provider must not be nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("inference: provider name must not be empty")
	}
	return &Gateway{name: name, provider: provider, timeout: timeout}, nil
}

// GenerateReply returns the provider's complete reply for history.
func (g *Gateway) GenerateReply(ctx context.Context, history []domain.ChatMessage) (string, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	reply, err := g.provider.Chat(ctx, history)
	metrics.InferenceLatency.WithLabelValues(g.name).Observe(time.Since(start).Seconds())

	if err == nil && strings.TrimSpace(reply) == "" {
		err = errors.New("empty reply")
	}
	if err != nil {
		kind := classify(ctx, err)
		result := "unavailable"
		if kind == ErrTimeout {
			result = "timeout"
		}
		metrics.InferenceRequests.WithLabelValues(g.name, result).Inc()
		return "", fmt.Errorf("%w: %s: %w", kind, g.name, err)
	}

	metrics.InferenceRequests.WithLabelValues(g.name, "ok").Inc()
	return reply, nil
}

func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	var statusErr httpStatusCoder
	if errors.As(err, &statusErr) {
		switch statusErr.HTTPStatusCode() {
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return ErrTimeout
		}
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ModelTimeoutException" {
		return ErrTimeout
	}
	return ErrUnavailable
}
