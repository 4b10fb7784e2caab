// Package audit publishes a best-effort record of serving decisions
// (gateway rate-limit denials, inference completed batches) to NATS
// JetStream, adapted from the teacher's event publisher. Publish failures
// are logged and never returned, so they never fail the request/batch
// path. Each publish is synchronous: it waits for the stream's
// acknowledgement, bounded only by the context the caller passes.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	streamName             = "BATCHGATE"
	streamSubjectPattern   = "BATCHGATE.*"
	streamCreateTimeout    = 10 * time.Second
	streamRetention        = 24 * time.Hour
	subjectRateLimitDenied = "BATCHGATE.ratelimit.denied"
	subjectBatchCompleted  = "BATCHGATE.batch.completed"
)

// RateLimitDeniedRecord is published whenever ProxyHandler turns away a
// request for exceeding its sliding-window budget (spec §4.7).
type RateLimitDeniedRecord struct {
	Principal  string    `json:"principal"`
	LimitType  string    `json:"limit_type"`
	RetryAfter float64   `json:"retry_after_seconds"`
	At         time.Time `json:"at"`
}

// BatchCompletedRecord is published once per dispatched batch, win or
// lose, for offline auditing of batching behavior (spec §4.3).
type BatchCompletedRecord struct {
	BatchSize   int       `json:"batch_size"`
	WaitSeconds float64   `json:"wait_seconds"`
	Succeeded   bool      `json:"succeeded"`
	At          time.Time `json:"at"`
}

// Publisher publishes audit records to NATS JetStream. A nil Publisher
// (see NewNoop) discards everything, letting callers always hold a
// non-nil reference.
type Publisher struct {
	js     jetstream.JetStream
	nc     *nats.Conn
	logger zerolog.Logger
}

// New connects to natsURL and ensures the BATCHGATE stream exists.
func New(natsURL string, logger zerolog.Logger) (*Publisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("batchgate-gateway"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error().Err(err).Msg("audit: nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("audit: nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("audit: connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("audit: create jetstream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), streamCreateTimeout)
	defer cancel()

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{streamSubjectPattern},
		MaxAge:    streamRetention,
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("audit: create stream: %w", err)
	}

	logger.Info().Str("stream", streamName).Msg("audit publisher initialized")
	return &Publisher{js: js, nc: nc, logger: logger}, nil
}

// NewNoop returns a Publisher that discards every record, for
// deployments that leave audit_nats_url unset.
func NewNoop() *Publisher { return &Publisher{} }

// PublishRateLimitDenied publishes a RateLimitDeniedRecord. Failures are
// logged, never returned: a missing audit trail must not take down the
// request path (spec §4.7 — auditing is observability, not a gate).
func (p *Publisher) PublishRateLimitDenied(ctx context.Context, rec RateLimitDeniedRecord) {
	p.publish(ctx, subjectRateLimitDenied, rec)
}

// PublishBatchCompleted publishes a BatchCompletedRecord.
func (p *Publisher) PublishBatchCompleted(ctx context.Context, rec BatchCompletedRecord) {
	p.publish(ctx, subjectBatchCompleted, rec)
}

func (p *Publisher) publish(ctx context.Context, subject string, rec interface{}) {
	if p == nil || p.js == nil {
		return
	}

	data, err := json.Marshal(rec)
	if err != nil {
		p.logger.Error().Err(err).Str("subject", subject).Msg("audit: marshal record")
		return
	}

	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		p.logger.Error().Err(err).Str("subject", subject).Msg("audit: publish record")
	}
}

// Close closes the underlying NATS connection, if one was opened.
func (p *Publisher) Close() {
	if p != nil && p.nc != nil {
		p.nc.Close()
	}
}
