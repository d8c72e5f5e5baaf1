package manager

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/example/hotride/internal/offer/domain"
)

type acceptResult struct {
	offer   domain.Offer
	result  domain.AcceptResult
	err     error
	elapsed time.Duration
}

// effect is work handed to the collaborators outside the loop.
type effect struct {
	resolution *domain.Resolution
	ride       *domain.AcceptedRide
	notice     *domain.Notice
	authErr    error
}

func (m *Manager) accept(id string) Outcome {
	now := m.clock.Now()
	next := domain.StatusAccepting
	if i := m.find(id); i >= 0 && domain.RemainingSeconds(m.offers[i], now) == 0 {
		next = domain.StatusExpired
	}
	offer, ok := m.take(id, next)
	if !ok {
		return Outcome{Status: m.lastStatus(id)}
	}
	result := m.waiter(offer)
	if next == domain.StatusExpired {
		m.resolve(offer, domain.StatusPending, domain.StatusExpired, domain.ErrGone, now)
		m.publish(now)
		return Outcome{Applied: true, Status: domain.StatusExpired, Result: result}
	}

	m.inflight[offer.ID] = offer
	m.publish(now)
	ctx := m.runCtx
	go func() {
		start := time.Now()
		res, err := m.callAccept(ctx, offer)
		select {
		case m.accepted <- acceptResult{offer: offer, result: res, err: err, elapsed: time.Since(start)}:
		case <-m.stopped:
		}
	}()
	return Outcome{Applied: true, Status: domain.StatusAccepting, Result: result}
}

func (m *Manager) callAccept(ctx context.Context, offer domain.Offer) (domain.AcceptResult, error) {
	ctx, span := m.tracer.Start(ctx, "offers.accept")
	defer span.End()
	span.SetAttributes(attribute.String("offer.id", offer.ID))

	ctx, cancel := context.WithTimeout(ctx, m.cfg.AcceptTimeout)
	defer cancel()
	res, err := m.backend.AcceptOffer(ctx, offer.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "accept offer")
	}
	return res, err
}

func (m *Manager) finishAccept(res acceptResult) {
	offer, ok := m.inflight[res.offer.ID]
	if !ok {
		return
	}
	delete(m.inflight, offer.ID)
	now := m.clock.Now()

	if res.err == nil {
		acceptDuration.WithLabelValues("accepted").Observe(res.elapsed.Seconds())
		ride := acceptedRide(offer, res.result)
		m.logger.Info("offer accepted", zap.String("offer_id", offer.ID), zap.String("booking_id", ride.BookingID))
		m.resolve(offer, domain.StatusAccepting, domain.StatusAccepted, nil, now)
		m.emit(effect{ride: &ride, notice: &domain.Notice{
			Level:   domain.NoticeInfo,
			OfferID: offer.ID,
			Message: "Ride accepted. Head to the pickup location.",
		}})
		m.publish(now)
		return
	}

	status := domain.StatusUnavailable
	if errors.Is(res.err, domain.ErrGone) {
		status = domain.StatusExpired
	}
	acceptDuration.WithLabelValues(string(status)).Observe(res.elapsed.Seconds())
	m.logger.Warn("offer accept failed", zap.String("offer_id", offer.ID), zap.String("status", string(status)), zap.Error(res.err))
	m.resolve(offer, domain.StatusAccepting, status, res.err, now)
	notice := domain.NoticeFor(offer.ID, res.err)
	e := effect{notice: &notice}
	if errors.Is(res.err, domain.ErrAuth) {
		e.authErr = res.err
	}
	m.emit(e)
	m.publish(now)
}

func (m *Manager) dismiss(id string) Outcome {
	offer, ok := m.take(id, domain.StatusDismissed)
	if !ok {
		return Outcome{Status: m.lastStatus(id)}
	}
	now := m.clock.Now()
	result := m.waiter(offer)
	m.resolve(offer, domain.StatusPending, domain.StatusDismissed, nil, now)
	m.publish(now)
	return Outcome{Applied: true, Status: domain.StatusDismissed, Result: result}
}

// take removes the pending offer id from the set when the driver's decision
// moves it to next. A decision on an offer that is being accepted or already
// resolved is rejected and leaves state untouched.
func (m *Manager) take(id string, next domain.Status) (domain.Offer, bool) {
	i := m.find(id)
	from := domain.StatusPending
	if i < 0 {
		from = m.lastStatus(id)
	}
	if i < 0 || !from.CanTransitionTo(next) {
		if from != "" {
			m.logger.Debug("offer transition rejected",
				zap.String("offer_id", id), zap.String("from", string(from)), zap.String("to", string(next)))
		}
		return domain.Offer{}, false
	}
	return m.remove(i), true
}

func (m *Manager) waiter(offer domain.Offer) <-chan domain.Resolution {
	ch := make(chan domain.Resolution, 1)
	m.waiters[offer.Key()] = ch
	return ch
}

// resolve records the terminal state an offer instance reached from its
// current state. Callers remove the offer from the set or the in-flight map
// first, so a second decision on the same instance finds nothing to act on.
func (m *Manager) resolve(offer domain.Offer, from, status domain.Status, reason error, now time.Time) {
	key := offer.Key()
	if !status.Terminal() || !from.CanTransitionTo(status) {
		m.logger.Debug("offer transition rejected",
			zap.String("offer_id", offer.ID), zap.String("from", string(from)), zap.String("to", string(status)))
		return
	}
	if _, done := m.resolved[key]; done {
		return
	}
	// Cleared offers were never decided on; the same instance may be shown
	// again once the driver is back online.
	if status != domain.StatusCleared {
		m.resolved[key] = status
	}
	resolutionsTotal.WithLabelValues(string(status)).Inc()
	res := domain.Resolution{OfferID: offer.ID, ExpiresAt: offer.ExpiresAt, Status: status, Reason: reason, At: now}
	if ch, ok := m.waiters[key]; ok {
		ch <- res
		delete(m.waiters, key)
	}
	m.emit(effect{resolution: &res})
}

func (m *Manager) emit(e effect) {
	m.effects <- e
}

func (m *Manager) runEffects(ctx context.Context) {
	for e := range m.effects {
		if e.resolution != nil {
			m.record(ctx, *e.resolution)
		}
		if e.ride != nil && m.collab.Navigator != nil {
			m.collab.Navigator.StartRide(ctx, *e.ride)
		}
		if e.authErr != nil && m.collab.Auth != nil {
			m.collab.Auth.Invalidate(ctx, e.authErr)
		}
		if e.notice != nil && m.collab.Notifier != nil {
			m.collab.Notifier.Notify(ctx, *e.notice)
		}
	}
}

func (m *Manager) record(ctx context.Context, res domain.Resolution) {
	if m.collab.Ledger != nil && res.Status != domain.StatusCleared {
		if err := m.collab.Ledger.Record(ctx, res); err != nil {
			m.logger.Warn("record resolution", zap.String("offer_id", res.OfferID), zap.Error(err))
		}
	}
	if m.collab.Events == nil {
		return
	}
	event := domain.ResolutionEvent{
		Type:      domain.EventTypeFor(res.Status),
		OfferID:   res.OfferID,
		Status:    res.Status,
		ExpiresAt: res.ExpiresAt,
		At:        res.At,
	}
	if res.Reason != nil {
		event.Reason = res.Reason.Error()
	}
	if err := m.collab.Events.Publish(ctx, event); err != nil {
		m.logger.Warn("publish resolution", zap.String("offer_id", res.OfferID), zap.Error(err))
	}
}

func acceptedRide(offer domain.Offer, res domain.AcceptResult) domain.AcceptedRide {
	ride := domain.AcceptedRide{
		BookingID: res.BookingID,
		Fare:      offer.Fare,
		Pickup:    offer.Pickup,
		Dropoff:   offer.Dropoff,
		Passenger: offer.Passenger,
		Message:   res.Message,
	}
	if ride.BookingID == "" {
		ride.BookingID = offer.ID
	}
	if res.Fare != "" {
		ride.Fare = res.Fare
	}
	if res.PickupLocation != "" {
		ride.Pickup.Address = res.PickupLocation
	}
	if res.PassengerName != "" {
		ride.Passenger.Name = res.PassengerName
	}
	if res.PassengerPhone != nil {
		ride.Passenger.Phone = res.PassengerPhone
	}
	return ride
}
