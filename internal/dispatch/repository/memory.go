package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/hotride/internal/dispatch/domain"
)

// MemoryRepository keeps drivers and bookings in process memory. It backs the
// local dispatch stub and tests.
type MemoryRepository struct {
	mu       sync.RWMutex
	bookings map[string]domain.Booking
	drivers  map[string]domain.Driver
}

// NewMemoryRepository constructs an empty memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		bookings: make(map[string]domain.Booking),
		drivers:  make(map[string]domain.Driver),
	}
}

func (m *MemoryRepository) CreateBooking(_ context.Context, booking domain.Booking) (domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	booking.Version = 1
	m.bookings[booking.ID] = booking
	return booking, nil
}

func (m *MemoryRepository) GetBooking(_ context.Context, id string) (domain.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	booking, ok := m.bookings[id]
	if !ok {
		return domain.Booking{}, domain.ErrBookingNotFound
	}
	return booking, nil
}

// UpdateBooking replaces the stored booking, performing optimistic locking on version.
func (m *MemoryRepository) UpdateBooking(_ context.Context, booking domain.Booking) (domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.bookings[booking.ID]
	if !ok {
		return domain.Booking{}, domain.ErrBookingNotFound
	}
	if existing.Version != booking.Version {
		return domain.Booking{}, domain.ErrVersionConflict
	}
	booking.Version++
	m.bookings[booking.ID] = booking
	return booking, nil
}

// ListBookings returns matching bookings ordered by creation time.
func (m *MemoryRepository) ListBookings(_ context.Context, filter domain.BookingFilter) ([]domain.Booking, error) {
	m.mu.RLock()
	out := make([]domain.Booking, 0, len(m.bookings))
	for _, b := range m.bookings {
		if !filter.OpenAt.IsZero() && !b.Open(filter.OpenAt) {
			continue
		}
		if filter.DriverID != "" && b.AssignedDriverID != filter.DriverID {
			continue
		}
		if filter.Status != "" && b.Status != filter.Status {
			continue
		}
		if !filter.CompletedOn.IsZero() && !sameDay(b.CompletedAt, filter.CompletedOn) {
			continue
		}
		out = append(out, b)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryRepository) CreateDriver(_ context.Context, driver domain.Driver) (domain.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[driver.ID] = driver
	return driver, nil
}

func (m *MemoryRepository) GetDriver(_ context.Context, id string) (domain.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	driver, ok := m.drivers[id]
	if !ok {
		return domain.Driver{}, domain.ErrDriverNotFound
	}
	return driver, nil
}

// FindDriverByLogin matches the email case-insensitively or the username exactly.
func (m *MemoryRepository) FindDriverByLogin(_ context.Context, emailOrUsername string) (domain.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.drivers {
		if strings.EqualFold(d.Email, emailOrUsername) || d.Username == emailOrUsername {
			return d, nil
		}
	}
	return domain.Driver{}, domain.ErrDriverNotFound
}

func (m *MemoryRepository) UpdateDriver(_ context.Context, driver domain.Driver) (domain.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.drivers[driver.ID]; !ok {
		return domain.Driver{}, domain.ErrDriverNotFound
	}
	m.drivers[driver.ID] = driver
	return driver, nil
}

func sameDay(t *time.Time, day time.Time) bool {
	if t == nil {
		return false
	}
	y1, m1, d1 := t.UTC().Date()
	y2, m2, d2 := day.UTC().Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}
