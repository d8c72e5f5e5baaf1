package service

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/example/hotride/internal/dispatch/domain"
)

var (
	seedPlaces = []struct {
		name  string
		point domain.GeoPoint
	}{
		{"Central Station", domain.GeoPoint{Lat: 52.3791, Lng: 4.9003}},
		{"Museum Square", domain.GeoPoint{Lat: 52.3580, Lng: 4.8814}},
		{"Airport Arrivals Hall 2", domain.GeoPoint{Lat: 52.3105, Lng: 4.7683}},
		{"Vondelpark East Gate", domain.GeoPoint{Lat: 52.3613, Lng: 4.8790}},
		{"RAI Convention Centre", domain.GeoPoint{Lat: 52.3407, Lng: 4.8888}},
		{"Harbour Ferry Terminal", domain.GeoPoint{Lat: 52.3843, Lng: 4.9012}},
	}
	seedPassengers = []string{"Maya Lindqvist", "Omar Haddad", "Lucia Ferreira", "Tomasz Nowak", "Aiko Tanaka", "Ben Okafor"}
)

// RandomBooking builds a plausible booking between two distinct places.
func RandomBooking(rnd *rand.Rand) CreateBookingRequest {
	from := rnd.Intn(len(seedPlaces))
	to := (from + 1 + rnd.Intn(len(seedPlaces)-1)) % len(seedPlaces)
	pickup, dropoff := seedPlaces[from], seedPlaces[to]

	km := haversineKm(pickup.point, dropoff.point)
	phone := fmt.Sprintf("+31 6 %04d %04d", rnd.Intn(10000), rnd.Intn(10000))
	return CreateBookingRequest{
		Fare:              math.Round((3.5+km*2.15)*100) / 100,
		Distance:          math.Round(km*10) / 10,
		PickupLocation:    pickup.name,
		DropoffLocation:   dropoff.name,
		PickupPoint:       &domain.GeoPoint{Lat: pickup.point.Lat, Lng: pickup.point.Lng},
		DropoffPoint:      &domain.GeoPoint{Lat: dropoff.point.Lat, Lng: dropoff.point.Lng},
		PassengerName:     seedPassengers[rnd.Intn(len(seedPassengers))],
		PassengerPhone:    &phone,
		PassengerRating:   math.Round((4+rnd.Float64())*10) / 10,
		EstimatedDuration: 5 + int(km*2.5),
	}
}

// Seed creates bookings on every tick until ctx is done.
func (s *Service) Seed(ctx context.Context, interval time.Duration, rnd *rand.Rand) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			booking, err := s.CreateBooking(ctx, RandomBooking(rnd))
			if err != nil {
				s.logger.Warn("seed booking failed", zap.Error(err))
				continue
			}
			s.logger.Debug("seeded booking", zap.String("booking_id", booking.ID), zap.Time("expires_at", booking.ExpiresAt))
		}
	}
}

func haversineKm(a, b domain.GeoPoint) float64 {
	const earthRadiusKm = 6371.0
	lat1, lat2 := a.Lat*math.Pi/180, b.Lat*math.Pi/180
	dLat := lat2 - lat1
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}
