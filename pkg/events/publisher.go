// Package events publishes offer resolutions to NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/hotride/internal/offer/domain"
)

// DefaultSubject carries every terminal offer resolution.
const DefaultSubject = "driver.offers.resolved"

var (
	publishTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hotride",
		Name:      "events_publish_total",
		Help:      "Total number of resolution events published.",
	})
	failTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hotride",
		Name:      "events_fail_total",
		Help:      "Total number of resolution events dropped after exhausting retries.",
	})
)

type natsPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Config defines tunables for the publisher.
type Config struct {
	Subject  string
	RetryMax int
	Backoff  time.Duration
}

// Publisher writes resolution events to a NATS subject.
type Publisher struct {
	conn   natsPublisher
	logger *zap.Logger
	tracer trace.Tracer
	cfg    Config
}

// NewPublisher builds a Publisher on the provided NATS connection. A nil
// connection yields a publisher that drops every event.
func NewPublisher(conn *nats.Conn, logger *zap.Logger, cfg Config) *Publisher {
	if conn == nil {
		return newPublisher(nil, logger, cfg)
	}
	return newPublisher(conn, logger, cfg)
}

func newPublisher(conn natsPublisher, logger *zap.Logger, cfg Config) *Publisher {
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{conn: conn, logger: logger, tracer: otel.Tracer("offer.events"), cfg: cfg}
}

// Publish satisfies domain.EventPublisher.
func (p *Publisher) Publish(ctx context.Context, event domain.ResolutionEvent) error {
	if p == nil || p.conn == nil {
		return nil
	}
	ctx, span := p.tracer.Start(ctx, "offers.publish")
	defer span.End()

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := nats.NewMsg(p.cfg.Subject)
	msg.Data = payload
	msg.Header.Set("x-event-type", string(event.Type))
	msg.Header.Set("x-offer-id", event.OfferID)
	if sc := span.SpanContext(); sc.IsValid() {
		msg.Header.Set("traceparent", fmt.Sprintf("00-%s-%s-01", sc.TraceID(), sc.SpanID()))
	}

	var attempt int
	for {
		attempt++
		err := p.conn.PublishMsg(msg)
		if err == nil {
			publishTotal.Inc()
			return nil
		}
		p.logger.Warn("publish failed", zap.Error(err), zap.Int("attempt", attempt), zap.String("offer_id", event.OfferID))
		if attempt >= p.cfg.RetryMax {
			failTotal.Inc()
			return fmt.Errorf("publish %s event for %s: %w", event.Type, event.OfferID, err)
		}
		backoff := time.Duration(attempt*attempt) * p.cfg.Backoff
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
