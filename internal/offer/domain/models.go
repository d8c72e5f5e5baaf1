package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a single offer instance.
type Status string

const (
	StatusPending     Status = "pending"
	StatusAccepting   Status = "accepting"
	StatusAccepted    Status = "accepted"
	StatusDismissed   Status = "dismissed"
	StatusExpired     Status = "expired"
	StatusUnavailable Status = "unavailable"
	StatusCleared     Status = "cleared"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusAccepted, StatusDismissed, StatusExpired, StatusUnavailable, StatusCleared:
		return true
	default:
		return false
	}
}

var allowedTransitions = map[Status][]Status{
	StatusPending:   {StatusAccepting, StatusDismissed, StatusExpired, StatusCleared},
	StatusAccepting: {StatusAccepted, StatusUnavailable, StatusExpired},
}

// CanTransitionTo reports whether next is reachable from s in one step.
func (s Status) CanTransitionTo(next Status) bool {
	for _, candidate := range allowedTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Location is a free text address with an optional coordinate.
type Location struct {
	Address string
	Point   *GeoPoint
}

type Passenger struct {
	Name   string
	Phone  *string
	Rating *float64
}

// Offer is a perishable ride proposal. Fare and Distance keep the literal the
// backend sent so they can be displayed without reformatting.
type Offer struct {
	ID                string
	Fare              json.Number
	Distance          json.Number
	Pickup            Location
	Dropoff           Location
	Passenger         Passenger
	EstimatedDuration *int
	CreatedAt         time.Time
	ExpiresAt         time.Time
}

// Expired reports whether the offer can no longer be accepted at now.
func (o Offer) Expired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}

// Key identifies one instance of an offer. A backend may reissue an id with a
// new expiry, which is a different instance.
func (o Offer) Key() InstanceKey {
	return InstanceKey{ID: o.ID, ExpiresAt: o.ExpiresAt.UnixMilli()}
}

type InstanceKey struct {
	ID        string
	ExpiresAt int64
}

// Resolution records the terminal state reached by an offer instance.
type Resolution struct {
	OfferID   string
	ExpiresAt time.Time
	Status    Status
	Reason    error
	At        time.Time
}

func (r Resolution) Key() InstanceKey {
	return InstanceKey{ID: r.OfferID, ExpiresAt: r.ExpiresAt.UnixMilli()}
}

// AcceptedRide is handed to the navigation collaborator once the backend
// confirms an accept.
type AcceptedRide struct {
	BookingID string
	Fare      json.Number
	Pickup    Location
	Dropoff   Location
	Passenger Passenger
	Message   string
}

// AcceptResult is the backend's confirmation payload.
type AcceptResult struct {
	BookingID      string
	Message        string
	PickupLocation string
	PassengerName  string
	PassengerPhone *string
	Fare           json.Number
}

// Batch is one listing response. Rejected holds per-offer validation errors
// for entries that were dropped from Offers.
type Batch struct {
	Offers   []Offer
	Rejected []error
}

type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeWarning NoticeLevel = "warning"
	NoticeError   NoticeLevel = "error"
)

// Notice is a short user visible message, the equivalent of a toast.
type Notice struct {
	Level   NoticeLevel
	OfferID string
	Message string
	Err     error
}

type ResolutionEventType string

const (
	EventOfferAccepted    ResolutionEventType = "OfferAccepted"
	EventOfferDismissed   ResolutionEventType = "OfferDismissed"
	EventOfferExpired     ResolutionEventType = "OfferExpired"
	EventOfferUnavailable ResolutionEventType = "OfferUnavailable"
	EventOfferCleared     ResolutionEventType = "OfferCleared"
)

func EventTypeFor(s Status) ResolutionEventType {
	switch s {
	case StatusAccepted:
		return EventOfferAccepted
	case StatusDismissed:
		return EventOfferDismissed
	case StatusExpired:
		return EventOfferExpired
	case StatusUnavailable:
		return EventOfferUnavailable
	default:
		return EventOfferCleared
	}
}

type ResolutionEvent struct {
	Type      ResolutionEventType `json:"type"`
	OfferID   string              `json:"offer_id"`
	Status    Status              `json:"status"`
	Reason    string              `json:"reason,omitempty"`
	ExpiresAt time.Time           `json:"expires_at"`
	At        time.Time           `json:"at"`
}

// Backend is the remote dispatch API as seen by the offer manager.
type Backend interface {
	ListOffers(ctx context.Context) (Batch, error)
	AcceptOffer(ctx context.Context, id string) (AcceptResult, error)
}

// Authenticator owns the bearer credential.
type Authenticator interface {
	Token(ctx context.Context) (string, error)
	Invalidate(ctx context.Context, cause error)
}

type Navigator interface {
	StartRide(ctx context.Context, ride AcceptedRide)
}

type Notifier interface {
	Notify(ctx context.Context, notice Notice)
}

type EventPublisher interface {
	Publish(ctx context.Context, event ResolutionEvent) error
}

// ResolutionLedger remembers resolved offer instances so that a refresh does
// not bring them back.
type ResolutionLedger interface {
	Record(ctx context.Context, res Resolution) error
	Resolved(ctx context.Context, key InstanceKey) (bool, error)
}

type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

func (SystemClock) NewTicker(d time.Duration) Ticker {
	return systemTicker{t: time.NewTicker(d)}
}

type systemTicker struct{ t *time.Ticker }

func (s systemTicker) C() <-chan time.Time { return s.t.C }
func (s systemTicker) Stop()               { s.t.Stop() }
