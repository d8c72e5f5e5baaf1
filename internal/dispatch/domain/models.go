package domain

import (
	"context"
	"errors"
	"time"
)

type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingAccepted  BookingStatus = "accepted"
	BookingCompleted BookingStatus = "completed"
	BookingCancelled BookingStatus = "cancelled"
)

type DriverStatus string

const (
	DriverPending  DriverStatus = "pending"
	DriverApproved DriverStatus = "approved"
	DriverRejected DriverStatus = "rejected"
)

var (
	ErrInvalidID          = errors.New("invalid booking id")
	ErrBookingNotFound    = errors.New("booking not found")
	ErrDriverNotFound     = errors.New("driver not found")
	ErrNotAvailable       = errors.New("booking is no longer available")
	ErrAlreadyAssigned    = errors.New("booking already assigned to another driver")
	ErrExpired            = errors.New("booking request has expired")
	ErrNotAssigned        = errors.New("booking not assigned to driver")
	ErrVersionConflict    = errors.New("booking was modified concurrently")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNotApproved        = errors.New("driver account not approved")
)

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Booking is a ride request waiting for, or served by, a driver.
type Booking struct {
	ID                string
	Fare              float64
	Distance          float64
	PickupLocation    string
	DropoffLocation   string
	PickupPoint       *GeoPoint
	DropoffPoint      *GeoPoint
	PassengerName     string
	PassengerPhone    *string
	PassengerRating   float64
	EstimatedDuration int

	Status           BookingStatus
	AssignedDriverID string
	DriverName       string
	CreatedAt        time.Time
	ExpiresAt        time.Time
	AcceptedAt       *time.Time
	CompletedAt      *time.Time
	Version          int64
}

// Open reports whether a driver may still be offered the booking.
func (b Booking) Open(now time.Time) bool {
	return b.Status == BookingPending && b.AssignedDriverID == "" && b.ExpiresAt.After(now)
}

type Driver struct {
	ID               string
	Email            string
	Username         string
	FirstName        string
	Surname          string
	Status           DriverStatus
	PasswordHash     []byte
	IsOnline         bool
	Busy             bool
	CurrentBookingID string
	LastOnlineUpdate time.Time
}

func (d Driver) FullName() string {
	return d.FirstName + " " + d.Surname
}

// BookingFilter selects bookings for listing. Zero values match everything.
type BookingFilter struct {
	OpenAt      time.Time
	DriverID    string
	Status      BookingStatus
	CompletedOn time.Time
	Limit       int
}

type BookingRepository interface {
	CreateBooking(ctx context.Context, booking Booking) (Booking, error)
	GetBooking(ctx context.Context, id string) (Booking, error)
	// UpdateBooking stores booking if its Version still matches the stored one.
	UpdateBooking(ctx context.Context, booking Booking) (Booking, error)
	ListBookings(ctx context.Context, filter BookingFilter) ([]Booking, error)
}

type DriverRepository interface {
	CreateDriver(ctx context.Context, driver Driver) (Driver, error)
	GetDriver(ctx context.Context, id string) (Driver, error)
	FindDriverByLogin(ctx context.Context, emailOrUsername string) (Driver, error)
	UpdateDriver(ctx context.Context, driver Driver) (Driver, error)
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
