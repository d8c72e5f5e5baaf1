package backend

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/example/hotride/internal/offer/domain"
)

// wireOffer is one entry of the booking-requests listing.
type wireOffer struct {
	ID                 string           `json:"id"`
	Fare               json.Number      `json:"fare"`
	Distance           json.Number      `json:"distance"`
	PickupLocation     string           `json:"pickup_location"`
	DropoffLocation    string           `json:"dropoff_location"`
	PickupCoordinates  *domain.GeoPoint `json:"pickup_coordinates,omitempty"`
	DropoffCoordinates *domain.GeoPoint `json:"dropoff_coordinates,omitempty"`
	PassengerName      string           `json:"passenger_name"`
	PassengerPhone     *string          `json:"passenger_phone"`
	PassengerRating    *float64         `json:"passenger_rating"`
	EstimatedDuration  *int             `json:"estimated_duration"`
	CreatedAt          string           `json:"created_at"`
	ExpiresAt          string           `json:"expires_at"`
}

type listResponse struct {
	Success  bool              `json:"success"`
	Bookings []json.RawMessage `json:"bookings"`
	Count    int               `json:"count"`
	Message  string            `json:"message,omitempty"`
}

type acceptResponse struct {
	Success        bool        `json:"success"`
	Message        string      `json:"message"`
	BookingID      string      `json:"booking_id"`
	PickupLocation string      `json:"pickup_location"`
	PassengerName  string      `json:"passenger_name"`
	PassengerPhone *string     `json:"passenger_phone"`
	Fare           json.Number `json:"fare"`
}

type errorResponse struct {
	Detail  string `json:"detail"`
	Message string `json:"message"`
}

// Timestamps arrive either as RFC 3339 or as a naive ISO string that is
// implicitly UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func parseTime(v string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, v, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", v)
}

// DecodeOffers reads a booking-requests response. A malformed entry is
// dropped and reported in Batch.Rejected; the rest of the batch is kept.
func DecodeOffers(r io.Reader) (domain.Batch, error) {
	var resp listResponse
	if err := json.NewDecoder(r).Decode(&resp); err != nil {
		return domain.Batch{}, fmt.Errorf("decode booking requests: %w", err)
	}
	batch := domain.Batch{Offers: make([]domain.Offer, 0, len(resp.Bookings))}
	for i, raw := range resp.Bookings {
		offer, err := decodeOffer(raw)
		if err != nil {
			batch.Rejected = append(batch.Rejected, fmt.Errorf("booking %d: %w", i, err))
			continue
		}
		batch.Offers = append(batch.Offers, offer)
	}
	return batch, nil
}

func decodeOffer(raw json.RawMessage) (domain.Offer, error) {
	var w wireOffer
	if err := json.Unmarshal(raw, &w); err != nil {
		return domain.Offer{}, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return w.toDomain()
}

func (w wireOffer) toDomain() (domain.Offer, error) {
	invalid := func(format string, args ...any) (domain.Offer, error) {
		return domain.Offer{}, fmt.Errorf("%w: offer %q: %s", domain.ErrValidation, w.ID, fmt.Sprintf(format, args...))
	}
	if w.ID == "" {
		return invalid("missing id")
	}
	if err := nonNegative(w.Fare); err != nil {
		return invalid("fare: %v", err)
	}
	if err := nonNegative(w.Distance); err != nil {
		return invalid("distance: %v", err)
	}
	if w.PassengerRating != nil && (*w.PassengerRating < 0 || *w.PassengerRating > 5) {
		return invalid("passenger rating %v outside [0,5]", *w.PassengerRating)
	}
	if w.EstimatedDuration != nil && *w.EstimatedDuration < 0 {
		return invalid("negative estimated duration")
	}
	created, err := parseTime(w.CreatedAt)
	if err != nil {
		return invalid("created_at: %v", err)
	}
	expires, err := parseTime(w.ExpiresAt)
	if err != nil {
		return invalid("expires_at: %v", err)
	}
	if !expires.After(created) {
		return invalid("expires_at %s not after created_at %s", w.ExpiresAt, w.CreatedAt)
	}
	return domain.Offer{
		ID:                w.ID,
		Fare:              w.Fare,
		Distance:          w.Distance,
		Pickup:            domain.Location{Address: w.PickupLocation, Point: w.PickupCoordinates},
		Dropoff:           domain.Location{Address: w.DropoffLocation, Point: w.DropoffCoordinates},
		Passenger:         domain.Passenger{Name: w.PassengerName, Phone: w.PassengerPhone, Rating: w.PassengerRating},
		EstimatedDuration: w.EstimatedDuration,
		CreatedAt:         created,
		ExpiresAt:         expires,
	}, nil
}

func nonNegative(n json.Number) error {
	if n == "" {
		return fmt.Errorf("missing")
	}
	v, err := strconv.ParseFloat(n.String(), 64)
	if err != nil {
		return err
	}
	if v < 0 {
		return fmt.Errorf("negative value %s", n)
	}
	return nil
}
