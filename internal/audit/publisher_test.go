package audit

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNoopPublisher_DoesNotPanicWithoutConnection(t *testing.T) {
	p := NewNoop()
	defer p.Close()

	p.PublishRateLimitDenied(t.Context(), RateLimitDeniedRecord{
		Principal: "acme", LimitType: "minute", RetryAfter: 1.5, At: time.Now(),
	})
	p.PublishBatchCompleted(t.Context(), BatchCompletedRecord{
		BatchSize: 4, WaitSeconds: 0.01, Succeeded: true, At: time.Now(),
	})
}

func TestNilPublisher_DoesNotPanic(t *testing.T) {
	var p *Publisher
	p.PublishRateLimitDenied(t.Context(), RateLimitDeniedRecord{})
	p.Close()
	_ = zerolog.Nop()
}
