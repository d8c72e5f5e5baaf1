package service_test

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/hotride/internal/auth"
	"github.com/example/hotride/internal/dispatch/domain"
	"github.com/example/hotride/internal/dispatch/repository"
	"github.com/example/hotride/internal/dispatch/service"
)

type stubClock struct{ t time.Time }

func (s *stubClock) Now() time.Time { return s.t }

func newService(t *testing.T) (*service.Service, *stubClock, domain.Driver) {
	t.Helper()
	repo := repository.NewMemoryRepository()
	clock := &stubClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	svc := service.New(repo, repo, auth.NewIssuer("secret", time.Hour), clock, nil, service.Config{
		BookingTTL:   30 * time.Second,
		PasswordCost: bcrypt.MinCost,
	})
	driver, err := svc.RegisterDriver(context.Background(), service.RegisterDriverRequest{
		Email:     "ada@example.com",
		Username:  "ada",
		FirstName: "Ada",
		Surname:   "Lovelace",
		Password:  "correct horse",
		Status:    domain.DriverApproved,
	})
	require.NoError(t, err)
	return svc, clock, driver
}

func TestLogin(t *testing.T) {
	svc, _, driver := newService(t)
	ctx := context.Background()

	res, err := svc.Login(ctx, "ADA@example.com", "correct horse")
	require.NoError(t, err)
	require.Equal(t, driver.ID, res.Driver.ID)
	require.NotEmpty(t, res.AccessToken)

	_, err = svc.Login(ctx, "ada", "wrong")
	require.ErrorIs(t, err, domain.ErrInvalidCredentials)
	_, err = svc.Login(ctx, "nobody", "correct horse")
	require.ErrorIs(t, err, domain.ErrInvalidCredentials)

	_, err = svc.RegisterDriver(ctx, service.RegisterDriverRequest{Username: "new", Password: "pw"})
	require.NoError(t, err)
	_, err = svc.Login(ctx, "new", "pw")
	require.ErrorIs(t, err, domain.ErrNotApproved)
}

func TestBookingRequestsOnlyWhenOnline(t *testing.T) {
	svc, clock, driver := newService(t)
	ctx := context.Background()

	first, err := svc.CreateBooking(ctx, service.CreateBookingRequest{Fare: 12.5, PassengerName: "A"})
	require.NoError(t, err)
	clock.t = clock.t.Add(time.Second)
	second, err := svc.CreateBooking(ctx, service.CreateBookingRequest{Fare: 9, PassengerName: "B", TTL: 5 * time.Second})
	require.NoError(t, err)

	list, online, err := svc.BookingRequests(ctx, driver.ID)
	require.NoError(t, err)
	require.False(t, online)
	require.Empty(t, list)

	_, err = svc.SetOnline(ctx, driver.ID, true)
	require.NoError(t, err)
	list, online, err = svc.BookingRequests(ctx, driver.ID)
	require.NoError(t, err)
	require.True(t, online)
	require.Len(t, list, 2)
	require.Equal(t, first.ID, list[0].ID)
	require.Equal(t, second.ID, list[1].ID)

	clock.t = clock.t.Add(5 * time.Second)
	list, _, err = svc.BookingRequests(ctx, driver.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, first.ID, list[0].ID)
}

func TestAcceptBookingRules(t *testing.T) {
	svc, clock, driver := newService(t)
	ctx := context.Background()

	_, err := svc.AcceptBooking(ctx, "not-a-uuid", driver.ID)
	require.ErrorIs(t, err, domain.ErrInvalidID)
	_, err = svc.AcceptBooking(ctx, "6f1c1f5e-2f55-4a43-9f3e-8b5f6f0c8a11", driver.ID)
	require.ErrorIs(t, err, domain.ErrBookingNotFound)

	booking, err := svc.CreateBooking(ctx, service.CreateBookingRequest{Fare: 20})
	require.NoError(t, err)
	accepted, err := svc.AcceptBooking(ctx, booking.ID, driver.ID)
	require.NoError(t, err)
	require.Equal(t, domain.BookingAccepted, accepted.Status)
	require.Equal(t, "Ada Lovelace", accepted.DriverName)

	_, err = svc.AcceptBooking(ctx, booking.ID, driver.ID)
	require.ErrorIs(t, err, domain.ErrNotAvailable)

	stale, err := svc.CreateBooking(ctx, service.CreateBookingRequest{Fare: 20, TTL: time.Second})
	require.NoError(t, err)
	clock.t = clock.t.Add(2 * time.Second)
	_, err = svc.AcceptBooking(ctx, stale.ID, driver.ID)
	require.ErrorIs(t, err, domain.ErrExpired)
}

func TestStatsCountTodaysCompletedTrips(t *testing.T) {
	svc, _, driver := newService(t)
	ctx := context.Background()

	for _, fare := range []float64{10.25, 4.75} {
		booking, err := svc.CreateBooking(ctx, service.CreateBookingRequest{Fare: fare})
		require.NoError(t, err)
		_, err = svc.AcceptBooking(ctx, booking.ID, driver.ID)
		require.NoError(t, err)
		_, err = svc.CompleteBooking(ctx, booking.ID, driver.ID)
		require.NoError(t, err)
	}
	open, err := svc.CreateBooking(ctx, service.CreateBookingRequest{Fare: 99})
	require.NoError(t, err)
	_, err = svc.CompleteBooking(ctx, open.ID, driver.ID)
	require.ErrorIs(t, err, domain.ErrNotAssigned)

	stats, err := svc.Stats(ctx, driver.ID)
	require.NoError(t, err)
	require.Equal(t, 2, stats.TripsCompleted)
	require.InDelta(t, 15.0, stats.TodayEarnings, 1e-9)
	require.Equal(t, "Ada Lovelace", stats.Driver.FullName())
}

func TestRandomBookingIsWellFormed(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		req := service.RandomBooking(rnd)
		require.NotEqual(t, req.PickupLocation, req.DropoffLocation)
		require.Greater(t, req.Fare, 0.0)
		require.GreaterOrEqual(t, req.PassengerRating, 4.0)
		require.LessOrEqual(t, req.PassengerRating, 5.0)
		require.NotNil(t, req.PassengerPhone)
	}
}
