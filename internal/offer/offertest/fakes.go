package offertest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/example/hotride/internal/offer/domain"
)

// NewOffer builds a valid offer expiring ttl after now.
func NewOffer(id string, now time.Time, ttl time.Duration) domain.Offer {
	phone := "+15550100"
	rating := 4.8
	minutes := 15
	return domain.Offer{
		ID:                id,
		Fare:              json.Number("18.50"),
		Distance:          json.Number("7.2"),
		Pickup:            domain.Location{Address: fmt.Sprintf("Pickup for %s", id)},
		Dropoff:           domain.Location{Address: fmt.Sprintf("Dropoff for %s", id)},
		Passenger:         domain.Passenger{Name: "Ada " + id, Phone: &phone, Rating: &rating},
		EstimatedDuration: &minutes,
		CreatedAt:         now,
		ExpiresAt:         now.Add(ttl),
	}
}

// Backend is a scripted domain.Backend that counts calls.
type Backend struct {
	mu          sync.Mutex
	offers      []domain.Offer
	listErr     error
	listCalls   int
	acceptCalls map[string]int
	ListFn      func(ctx context.Context, call int) (domain.Batch, error)
	AcceptFn    func(ctx context.Context, id string) (domain.AcceptResult, error)
}

func NewBackend(offers ...domain.Offer) *Backend {
	return &Backend{offers: offers, acceptCalls: make(map[string]int)}
}

func (b *Backend) SetOffers(offers ...domain.Offer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offers = offers
	b.listErr = nil
}

func (b *Backend) FailList(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listErr = err
}

func (b *Backend) ListCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listCalls
}

func (b *Backend) AcceptCalls(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acceptCalls[id]
}

func (b *Backend) ListOffers(ctx context.Context) (domain.Batch, error) {
	b.mu.Lock()
	b.listCalls++
	call := b.listCalls
	fn := b.ListFn
	offers := append([]domain.Offer(nil), b.offers...)
	err := b.listErr
	b.mu.Unlock()
	if fn != nil {
		return fn(ctx, call)
	}
	if err != nil {
		return domain.Batch{}, err
	}
	return domain.Batch{Offers: offers}, nil
}

func (b *Backend) AcceptOffer(ctx context.Context, id string) (domain.AcceptResult, error) {
	b.mu.Lock()
	b.acceptCalls[id]++
	fn := b.AcceptFn
	b.mu.Unlock()
	if fn != nil {
		return fn(ctx, id)
	}
	return domain.AcceptResult{BookingID: id, Message: "Booking accepted successfully"}, nil
}

// Recorder captures everything the manager hands to its collaborators.
type Recorder struct {
	mu          sync.Mutex
	Rides       []domain.AcceptedRide
	Notices     []domain.Notice
	Events      []domain.ResolutionEvent
	Invalidated []error
}

func (r *Recorder) StartRide(_ context.Context, ride domain.AcceptedRide) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Rides = append(r.Rides, ride)
}

func (r *Recorder) Notify(_ context.Context, n domain.Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Notices = append(r.Notices, n)
}

func (r *Recorder) Publish(_ context.Context, e domain.ResolutionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, e)
	return nil
}

func (r *Recorder) Token(context.Context) (string, error) { return "token", nil }

func (r *Recorder) Invalidate(_ context.Context, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Invalidated = append(r.Invalidated, cause)
}

func (r *Recorder) RideList() []domain.AcceptedRide {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.AcceptedRide(nil), r.Rides...)
}

func (r *Recorder) NoticeList() []domain.Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Notice(nil), r.Notices...)
}

func (r *Recorder) EventList() []domain.ResolutionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ResolutionEvent(nil), r.Events...)
}

func (r *Recorder) InvalidatedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Invalidated)
}
