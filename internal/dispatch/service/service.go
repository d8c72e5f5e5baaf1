package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/hotride/internal/auth"
	"github.com/example/hotride/internal/dispatch/domain"
)

// Config defines tunables for the dispatch service.
type Config struct {
	BookingTTL   time.Duration
	ListLimit    int
	PasswordCost int
}

// Service coordinates driver and booking operations between handlers and repositories.
type Service struct {
	bookings domain.BookingRepository
	drivers  domain.DriverRepository
	issuer   *auth.Issuer
	clock    domain.Clock
	logger   *zap.Logger
	cfg      Config
}

// New constructs a Service with the required collaborators.
func New(bookings domain.BookingRepository, drivers domain.DriverRepository, issuer *auth.Issuer, clock domain.Clock, logger *zap.Logger, cfg Config) *Service {
	if cfg.BookingTTL <= 0 {
		cfg.BookingTTL = 45 * time.Second
	}
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = 10
	}
	if cfg.PasswordCost == 0 {
		cfg.PasswordCost = bcrypt.DefaultCost
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{bookings: bookings, drivers: drivers, issuer: issuer, clock: clock, logger: logger, cfg: cfg}
}

// RegisterDriverRequest describes a driver account to create.
type RegisterDriverRequest struct {
	Email     string
	Username  string
	FirstName string
	Surname   string
	Password  string
	Status    domain.DriverStatus
}

// RegisterDriver stores a driver with a hashed password.
func (s *Service) RegisterDriver(ctx context.Context, req RegisterDriverRequest) (domain.Driver, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cfg.PasswordCost)
	if err != nil {
		return domain.Driver{}, fmt.Errorf("hash password: %w", err)
	}
	status := req.Status
	if status == "" {
		status = domain.DriverPending
	}
	driver, err := s.drivers.CreateDriver(ctx, domain.Driver{
		ID:           uuid.NewString(),
		Email:        req.Email,
		Username:     req.Username,
		FirstName:    req.FirstName,
		Surname:      req.Surname,
		Status:       status,
		PasswordHash: hash,
	})
	if err != nil {
		return domain.Driver{}, fmt.Errorf("create driver: %w", err)
	}
	return driver, nil
}

// LoginResult is returned after a successful login.
type LoginResult struct {
	Driver      domain.Driver
	AccessToken string
}

// Login checks credentials. Only approved drivers receive a token.
func (s *Service) Login(ctx context.Context, emailOrUsername, password string) (LoginResult, error) {
	driver, err := s.drivers.FindDriverByLogin(ctx, emailOrUsername)
	if err != nil {
		if errors.Is(err, domain.ErrDriverNotFound) {
			return LoginResult{}, domain.ErrInvalidCredentials
		}
		return LoginResult{}, err
	}
	if len(driver.PasswordHash) == 0 {
		return LoginResult{}, domain.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(driver.PasswordHash, []byte(password)); err != nil {
		return LoginResult{}, domain.ErrInvalidCredentials
	}
	if driver.Status != domain.DriverApproved {
		return LoginResult{}, domain.ErrNotApproved
	}
	token, err := s.issuer.Issue(driver.ID, driver.Email, string(driver.Status))
	if err != nil {
		return LoginResult{}, err
	}
	s.logger.Info("driver logged in", zap.String("driver_id", driver.ID))
	return LoginResult{Driver: driver, AccessToken: token}, nil
}

// Driver returns the driver behind an authenticated request.
func (s *Service) Driver(ctx context.Context, id string) (domain.Driver, error) {
	return s.drivers.GetDriver(ctx, id)
}

// SetOnline records the driver's availability.
func (s *Service) SetOnline(ctx context.Context, driverID string, online bool) (bool, error) {
	driver, err := s.drivers.GetDriver(ctx, driverID)
	if err != nil {
		return false, err
	}
	driver.IsOnline = online
	driver.LastOnlineUpdate = s.clock.Now()
	if _, err := s.drivers.UpdateDriver(ctx, driver); err != nil {
		return false, fmt.Errorf("update driver: %w", err)
	}
	s.logger.Info("driver availability changed", zap.String("driver_id", driverID), zap.Bool("online", online))
	return online, nil
}

// Stats summarises the driver's completed trips for the current UTC day.
type Stats struct {
	TodayEarnings  float64
	TripsCompleted int
	Driver         domain.Driver
}

func (s *Service) Stats(ctx context.Context, driverID string) (Stats, error) {
	driver, err := s.drivers.GetDriver(ctx, driverID)
	if err != nil {
		return Stats{}, err
	}
	trips, err := s.bookings.ListBookings(ctx, domain.BookingFilter{
		DriverID:    driverID,
		Status:      domain.BookingCompleted,
		CompletedOn: s.clock.Now(),
	})
	if err != nil {
		return Stats{}, fmt.Errorf("list completed trips: %w", err)
	}
	stats := Stats{TripsCompleted: len(trips), Driver: driver}
	for _, trip := range trips {
		stats.TodayEarnings += trip.Fare
	}
	return stats, nil
}

// BookingRequests lists the open bookings offered to an online driver, oldest
// first. Offline drivers get nothing.
func (s *Service) BookingRequests(ctx context.Context, driverID string) ([]domain.Booking, bool, error) {
	driver, err := s.drivers.GetDriver(ctx, driverID)
	if err != nil {
		return nil, false, err
	}
	if !driver.IsOnline {
		return nil, false, nil
	}
	bookings, err := s.bookings.ListBookings(ctx, domain.BookingFilter{OpenAt: s.clock.Now(), Limit: s.cfg.ListLimit})
	if err != nil {
		return nil, true, fmt.Errorf("list bookings: %w", err)
	}
	return bookings, true, nil
}

// AcceptBooking assigns an open booking to the driver.
func (s *Service) AcceptBooking(ctx context.Context, bookingID, driverID string) (domain.Booking, error) {
	if _, err := uuid.Parse(bookingID); err != nil {
		return domain.Booking{}, domain.ErrInvalidID
	}
	driver, err := s.drivers.GetDriver(ctx, driverID)
	if err != nil {
		return domain.Booking{}, err
	}
	booking, err := s.bookings.GetBooking(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, err
	}

	now := s.clock.Now()
	switch {
	case booking.Status != domain.BookingPending:
		return domain.Booking{}, domain.ErrNotAvailable
	case booking.AssignedDriverID != "":
		return domain.Booking{}, domain.ErrAlreadyAssigned
	case booking.ExpiresAt.Before(now):
		return domain.Booking{}, domain.ErrExpired
	}

	booking.Status = domain.BookingAccepted
	booking.AssignedDriverID = driver.ID
	booking.DriverName = driver.FullName()
	booking.AcceptedAt = &now
	updated, err := s.bookings.UpdateBooking(ctx, booking)
	if err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			return domain.Booking{}, domain.ErrNotAvailable
		}
		return domain.Booking{}, fmt.Errorf("assign booking: %w", err)
	}

	driver.Busy = true
	driver.CurrentBookingID = updated.ID
	if _, err := s.drivers.UpdateDriver(ctx, driver); err != nil {
		return domain.Booking{}, fmt.Errorf("mark driver busy: %w", err)
	}
	s.logger.Info("booking accepted", zap.String("booking_id", updated.ID), zap.String("driver_id", driver.ID))
	return updated, nil
}

// CompleteBooking finishes the driver's current trip.
func (s *Service) CompleteBooking(ctx context.Context, bookingID, driverID string) (domain.Booking, error) {
	if _, err := uuid.Parse(bookingID); err != nil {
		return domain.Booking{}, domain.ErrInvalidID
	}
	booking, err := s.bookings.GetBooking(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, err
	}
	if booking.AssignedDriverID != driverID {
		return domain.Booking{}, domain.ErrNotAssigned
	}
	if booking.Status != domain.BookingAccepted {
		return domain.Booking{}, domain.ErrNotAvailable
	}

	now := s.clock.Now()
	booking.Status = domain.BookingCompleted
	booking.CompletedAt = &now
	updated, err := s.bookings.UpdateBooking(ctx, booking)
	if err != nil {
		return domain.Booking{}, fmt.Errorf("complete booking: %w", err)
	}

	driver, err := s.drivers.GetDriver(ctx, driverID)
	if err != nil {
		return domain.Booking{}, err
	}
	driver.Busy = false
	driver.CurrentBookingID = ""
	if _, err := s.drivers.UpdateDriver(ctx, driver); err != nil {
		return domain.Booking{}, fmt.Errorf("release driver: %w", err)
	}
	return updated, nil
}

// CreateBookingRequest contains the passenger-side details of a new booking.
type CreateBookingRequest struct {
	Fare              float64
	Distance          float64
	PickupLocation    string
	DropoffLocation   string
	PickupPoint       *domain.GeoPoint
	DropoffPoint      *domain.GeoPoint
	PassengerName     string
	PassengerPhone    *string
	PassengerRating   float64
	EstimatedDuration int
	TTL               time.Duration
}

// CreateBooking opens a booking that expires after the request TTL, or the
// configured default.
func (s *Service) CreateBooking(ctx context.Context, req CreateBookingRequest) (domain.Booking, error) {
	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.cfg.BookingTTL
	}
	now := s.clock.Now()
	booking, err := s.bookings.CreateBooking(ctx, domain.Booking{
		ID:                uuid.NewString(),
		Fare:              req.Fare,
		Distance:          req.Distance,
		PickupLocation:    req.PickupLocation,
		DropoffLocation:   req.DropoffLocation,
		PickupPoint:       req.PickupPoint,
		DropoffPoint:      req.DropoffPoint,
		PassengerName:     req.PassengerName,
		PassengerPhone:    req.PassengerPhone,
		PassengerRating:   req.PassengerRating,
		EstimatedDuration: req.EstimatedDuration,
		Status:            domain.BookingPending,
		CreatedAt:         now,
		ExpiresAt:         now.Add(ttl),
	})
	if err != nil {
		return domain.Booking{}, fmt.Errorf("create booking: %w", err)
	}
	return booking, nil
}
