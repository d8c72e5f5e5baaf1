package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/example/hotride/internal/auth"
	"github.com/example/hotride/internal/dispatch/domain"
	"github.com/example/hotride/internal/dispatch/service"
	ratelimitmw "github.com/example/hotride/internal/http/middleware"
)

// naiveISO mirrors the timestamps of the production API: UTC without an offset.
const naiveISO = "2006-01-02T15:04:05.999999"

// HTTP exposes the driver dashboard and login endpoints.
type HTTP struct {
	svc     *service.Service
	issuer  *auth.Issuer
	apiKey  string
	limiter *ratelimitmw.RateLimiter
	logger  *zap.Logger
}

// NewHTTP constructs a handler. An empty apiKey disables the X-API-Key check
// and a nil limiter disables throttling.
func NewHTTP(svc *service.Service, issuer *auth.Issuer, apiKey string, limiter *ratelimitmw.RateLimiter, logger *zap.Logger) *HTTP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{svc: svc, issuer: issuer, apiKey: apiKey, limiter: limiter, logger: logger}
}

// Router builds the chi router with all endpoints and middlewares.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Get("/api/v1/dashboard/health", h.health)

	r.Group(func(r chi.Router) {
		r.Use(auth.APIKey(h.apiKey))
		r.With(h.limiter.Middleware).Post("/api/v1/auth/login", h.login)

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(h.issuer), h.limiter.Middleware)
			r.Get("/api/v1/dashboard/stats", h.stats)
			r.Post("/api/v1/dashboard/online-status", h.onlineStatus)
			r.Get("/api/v1/dashboard/booking-requests", h.bookingRequests)
			r.Post("/api/v1/dashboard/bookings/{id}/accept", h.acceptBooking)
			r.Post("/api/v1/dashboard/bookings/{id}/complete", h.completeBooking)
		})
	})
	return r
}

func (h *HTTP) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "Dashboard API"})
}

type loginRequest struct {
	EmailOrUsername string `json:"email_or_username"`
	Password        string `json:"password"`
}

type loginData struct {
	DriverID    string `json:"driver_id"`
	Email       string `json:"email"`
	Username    string `json:"username"`
	FirstName   string `json:"first_name"`
	Surname     string `json:"surname"`
	Status      string `json:"status"`
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

func (h *HTTP) login(w http.ResponseWriter, r *http.Request) {
	var payload loginRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.EmailOrUsername == "" || payload.Password == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "email_or_username and password are required")
		return
	}
	res, err := h.svc.Login(r.Context(), payload.EmailOrUsername, payload.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	d := res.Driver
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Login successful",
		"data": loginData{
			DriverID:    d.ID,
			Email:       d.Email,
			Username:    d.Username,
			FirstName:   d.FirstName,
			Surname:     d.Surname,
			Status:      string(d.Status),
			AccessToken: res.AccessToken,
			TokenType:   "bearer",
		},
	})
}

func (h *HTTP) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context(), driverID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"today_earnings":  stats.TodayEarnings,
		"trips_completed": stats.TripsCompleted,
		"driver_id":       stats.Driver.ID,
		"driver_name":     stats.Driver.FullName(),
		"is_online":       stats.Driver.IsOnline,
	})
}

func (h *HTTP) onlineStatus(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		IsOnline bool `json:"is_online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	online, err := h.svc.SetOnline(r.Context(), driverID(r), payload.IsOnline)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	message := "Status updated to offline"
	if online {
		message = "Status updated to online"
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": message, "is_online": online})
}

type bookingView struct {
	ID                 string           `json:"id"`
	Fare               float64          `json:"fare"`
	Distance           float64          `json:"distance"`
	PickupLocation     string           `json:"pickup_location"`
	DropoffLocation    string           `json:"dropoff_location"`
	PickupCoordinates  *domain.GeoPoint `json:"pickup_coordinates,omitempty"`
	DropoffCoordinates *domain.GeoPoint `json:"dropoff_coordinates,omitempty"`
	PassengerName      string           `json:"passenger_name"`
	PassengerPhone     *string          `json:"passenger_phone"`
	PassengerRating    float64          `json:"passenger_rating"`
	ExpiresAt          string           `json:"expires_at"`
	CreatedAt          string           `json:"created_at"`
	EstimatedDuration  int              `json:"estimated_duration"`
}

func (h *HTTP) bookingRequests(w http.ResponseWriter, r *http.Request) {
	bookings, online, err := h.svc.BookingRequests(r.Context(), driverID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !online {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "bookings": []bookingView{}, "message": "Driver is offline"})
		return
	}
	views := make([]bookingView, 0, len(bookings))
	for _, b := range bookings {
		name := b.PassengerName
		if name == "" {
			name = "Unknown"
		}
		views = append(views, bookingView{
			ID:                 b.ID,
			Fare:               b.Fare,
			Distance:           b.Distance,
			PickupLocation:     b.PickupLocation,
			DropoffLocation:    b.DropoffLocation,
			PickupCoordinates:  b.PickupPoint,
			DropoffCoordinates: b.DropoffPoint,
			PassengerName:      name,
			PassengerPhone:     b.PassengerPhone,
			PassengerRating:    b.PassengerRating,
			ExpiresAt:          b.ExpiresAt.UTC().Format(naiveISO),
			CreatedAt:          b.CreatedAt.UTC().Format(naiveISO),
			EstimatedDuration:  b.EstimatedDuration,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "bookings": views, "count": len(views)})
}

func (h *HTTP) acceptBooking(w http.ResponseWriter, r *http.Request) {
	booking, err := h.svc.AcceptBooking(r.Context(), chi.URLParam(r, "id"), driverID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"message":         "Booking accepted successfully",
		"booking_id":      booking.ID,
		"pickup_location": booking.PickupLocation,
		"passenger_name":  booking.PassengerName,
		"passenger_phone": booking.PassengerPhone,
		"fare":            booking.Fare,
	})
}

func (h *HTTP) completeBooking(w http.ResponseWriter, r *http.Request) {
	booking, err := h.svc.CompleteBooking(r.Context(), chi.URLParam(r, "id"), driverID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"message":    "Trip completed",
		"booking_id": booking.ID,
		"fare":       booking.Fare,
	})
}

func (h *HTTP) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, detail := http.StatusInternalServerError, "Internal server error"
	switch {
	case errors.Is(err, domain.ErrInvalidID):
		status, detail = http.StatusBadRequest, "Invalid booking ID"
	case errors.Is(err, domain.ErrBookingNotFound):
		status, detail = http.StatusNotFound, "Booking not found"
	case errors.Is(err, domain.ErrDriverNotFound):
		status, detail = http.StatusNotFound, "Driver not found"
	case errors.Is(err, domain.ErrNotAvailable):
		status, detail = http.StatusConflict, "Booking is no longer available"
	case errors.Is(err, domain.ErrAlreadyAssigned):
		status, detail = http.StatusConflict, "Booking already assigned to another driver"
	case errors.Is(err, domain.ErrNotAssigned):
		status, detail = http.StatusConflict, "Booking not assigned to driver"
	case errors.Is(err, domain.ErrExpired):
		status, detail = http.StatusGone, "Booking request has expired"
	case errors.Is(err, domain.ErrInvalidCredentials):
		status, detail = http.StatusUnauthorized, "Invalid email/username or password"
	case errors.Is(err, domain.ErrNotApproved):
		status, detail = http.StatusForbidden, "Account is not approved"
	default:
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.String("request_id", middleware.GetReqID(r.Context())), zap.Error(err))
	}
	writeDetail(w, status, detail)
}

func driverID(r *http.Request) string {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		return ""
	}
	return claims.DriverID
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
