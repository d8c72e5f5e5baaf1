package manager

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/example/hotride/internal/offer/domain"
)

type fetchResult struct {
	seq   uint64
	epoch uint64
	batch domain.Batch
	err   error
}

// startFetch issues one listing request in the background. The result is
// posted back to the loop, which decides whether it is still wanted.
func (m *Manager) startFetch() {
	if m.fetchCtx == nil {
		return
	}
	m.seq++
	ctx, seq, epoch := m.fetchCtx, m.seq, m.epoch
	go func() {
		batch, err := m.fetch(ctx, seq)
		select {
		case m.fetched <- fetchResult{seq: seq, epoch: epoch, batch: batch, err: err}:
		case <-m.stopped:
		}
	}()
}

func (m *Manager) fetch(ctx context.Context, seq uint64) (domain.Batch, error) {
	ctx, span := m.tracer.Start(ctx, "offers.refresh")
	defer span.End()
	span.SetAttributes(attribute.Int64("offers.fetch_seq", int64(seq)))

	ctx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
	defer cancel()
	batch, err := m.backend.ListOffers(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list offers")
		return domain.Batch{}, err
	}
	if m.collab.Ledger == nil {
		return batch, nil
	}
	fresh := batch.Offers[:0:0]
	for _, o := range batch.Offers {
		done, err := m.collab.Ledger.Resolved(ctx, o.Key())
		if err != nil {
			m.logger.Warn("resolution ledger lookup failed", zap.String("offer_id", o.ID), zap.Error(err))
		}
		if done {
			continue
		}
		fresh = append(fresh, o)
	}
	batch.Offers = fresh
	return batch, nil
}

// applyFetch replaces the offer set with the fetched batch. Results from a
// previous online session, or older than one already applied, are dropped
// whether they succeeded or failed.
func (m *Manager) applyFetch(res fetchResult) {
	if res.epoch != m.epoch || !m.online {
		fetchTotal.WithLabelValues("discarded").Inc()
		return
	}
	if res.seq < m.applied {
		fetchTotal.WithLabelValues("stale").Inc()
		m.logger.Debug("stale offer batch discarded", zap.Uint64("seq", res.seq), zap.Uint64("applied", m.applied), zap.Error(res.err))
		return
	}
	if res.err != nil {
		m.fetchFailed(res.err)
		return
	}
	m.applied = res.seq
	fetchTotal.WithLabelValues("ok").Inc()

	for _, rejected := range res.batch.Rejected {
		offersRejected.Inc()
		m.logger.Warn("malformed offer dropped", zap.Error(rejected))
	}

	now := m.clock.Now()
	seen := make(map[string]struct{}, len(res.batch.Offers))
	next := make([]domain.Offer, 0, len(res.batch.Offers))
	for _, o := range res.batch.Offers {
		if _, dup := seen[o.ID]; dup {
			continue
		}
		seen[o.ID] = struct{}{}
		if _, busy := m.inflight[o.ID]; busy {
			continue
		}
		if _, done := m.resolved[o.Key()]; done {
			continue
		}
		if o.Expired(now) {
			continue
		}
		next = append(next, o)
	}
	m.offers = next
	m.publish(now)
}

func (m *Manager) fetchFailed(err error) {
	switch {
	case errors.Is(err, context.Canceled):
		fetchTotal.WithLabelValues("discarded").Inc()
		return
	case errors.Is(err, domain.ErrAuth):
		fetchTotal.WithLabelValues("auth").Inc()
		m.emit(effect{authErr: err, notice: &domain.Notice{
			Level:   domain.NoticeError,
			Message: "Your session has expired. Please log in again.",
			Err:     err,
		}})
	case errors.Is(err, domain.ErrTransport), errors.Is(err, context.DeadlineExceeded):
		fetchTotal.WithLabelValues("transport").Inc()
		m.emit(effect{notice: &domain.Notice{
			Level:   domain.NoticeWarning,
			Message: "Could not refresh ride requests. Retrying shortly.",
			Err:     err,
		}})
	default:
		fetchTotal.WithLabelValues("error").Inc()
		m.emit(effect{notice: &domain.Notice{
			Level:   domain.NoticeWarning,
			Message: "Could not load ride requests.",
			Err:     err,
		}})
	}
	m.logger.Warn("offer refresh failed", zap.Error(err))
}
