// Package backend talks to the dispatch REST API on behalf of a driver.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/hotride/internal/offer/domain"
)

const (
	bookingRequestsPath = "/api/v1/dashboard/booking-requests"
	acceptPathFormat    = "/api/v1/dashboard/bookings/%s/accept"
	onlineStatusPath    = "/api/v1/dashboard/online-status"
	statsPath           = "/api/v1/dashboard/stats"
	loginPath           = "/api/v1/auth/login"
)

// Config configures the REST client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client implements domain.Backend over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	auth    domain.Authenticator
	logger  *zap.Logger
	tracer  trace.Tracer
}

// New builds a client. auth may be nil for endpoints that need no bearer
// token, such as Login.
func New(cfg Config, auth domain.Authenticator, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		auth:    auth,
		logger:  logger,
		tracer:  otel.Tracer("offer.backend"),
	}
}

// ListOffers fetches the open booking requests for the driver.
func (c *Client) ListOffers(ctx context.Context) (domain.Batch, error) {
	var batch domain.Batch
	err := c.do(ctx, http.MethodGet, bookingRequestsPath, nil, true, func(body io.Reader) error {
		var err error
		batch, err = DecodeOffers(body)
		return err
	})
	if err != nil {
		return domain.Batch{}, fmt.Errorf("get booking requests: %w", err)
	}
	return batch, nil
}

// AcceptOffer asks the backend to assign the booking to the driver.
func (c *Client) AcceptOffer(ctx context.Context, id string) (domain.AcceptResult, error) {
	var resp acceptResponse
	err := c.do(ctx, http.MethodPost, fmt.Sprintf(acceptPathFormat, url.PathEscape(id)), nil, true, decodeInto(&resp))
	if err != nil {
		return domain.AcceptResult{}, fmt.Errorf("accept booking %s: %w", id, err)
	}
	return domain.AcceptResult{
		BookingID:      resp.BookingID,
		Message:        resp.Message,
		PickupLocation: resp.PickupLocation,
		PassengerName:  resp.PassengerName,
		PassengerPhone: resp.PassengerPhone,
		Fare:           resp.Fare,
	}, nil
}

// SetOnline reports the driver's availability and returns the stored value.
func (c *Client) SetOnline(ctx context.Context, online bool) (bool, error) {
	var resp struct {
		IsOnline bool `json:"is_online"`
	}
	err := c.do(ctx, http.MethodPost, onlineStatusPath, map[string]bool{"is_online": online}, true, decodeInto(&resp))
	if err != nil {
		return false, fmt.Errorf("update online status: %w", err)
	}
	return resp.IsOnline, nil
}

// Stats is the driver's dashboard summary for today.
type Stats struct {
	TodayEarnings  json.Number `json:"today_earnings"`
	TripsCompleted int         `json:"trips_completed"`
	DriverID       string      `json:"driver_id"`
	DriverName     string      `json:"driver_name"`
	IsOnline       bool        `json:"is_online"`
}

func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := c.do(ctx, http.MethodGet, statsPath, nil, true, decodeInto(&stats)); err != nil {
		return Stats{}, fmt.Errorf("get dashboard stats: %w", err)
	}
	return stats, nil
}

// LoginResult carries the issued access token.
type LoginResult struct {
	DriverID    string `json:"driver_id"`
	Email       string `json:"email"`
	FirstName   string `json:"first_name"`
	Surname     string `json:"surname"`
	Status      string `json:"status"`
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

func (c *Client) Login(ctx context.Context, emailOrUsername, password string) (LoginResult, error) {
	var resp struct {
		Success bool        `json:"success"`
		Data    LoginResult `json:"data"`
	}
	payload := map[string]string{"email_or_username": emailOrUsername, "password": password}
	if err := c.do(ctx, http.MethodPost, loginPath, payload, false, decodeInto(&resp)); err != nil {
		return LoginResult{}, fmt.Errorf("login: %w", err)
	}
	return resp.Data, nil
}

func decodeInto(v any) func(io.Reader) error {
	return func(body io.Reader) error {
		if err := json.NewDecoder(body).Decode(v); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
}

func (c *Client) do(ctx context.Context, method, path string, payload any, bearer bool, decode func(io.Reader) error) error {
	ctx, span := c.tracer.Start(ctx, method+" "+path)
	defer span.End()
	requestID := uuid.NewString()
	span.SetAttributes(attribute.String("http.method", method), attribute.String("request.id", requestID))

	err := c.roundTrip(ctx, method, path, payload, bearer, requestID, span, decode)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Debug("backend request failed", zap.String("method", method), zap.String("path", path), zap.String("request_id", requestID), zap.Error(err))
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, payload any, bearer bool, requestID string, span trace.Span, decode func(io.Reader) error) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if bearer {
		if c.auth == nil {
			return fmt.Errorf("%w: no credentials configured", domain.ErrAuth)
		}
		token, err := c.auth.Token(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %w", domain.ErrTransport, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if decode == nil {
		return nil
	}
	return decode(resp.Body)
}

func statusError(resp *http.Response) error {
	var payload errorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	detail := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &payload) == nil {
		switch {
		case payload.Detail != "":
			detail = payload.Detail
		case payload.Message != "":
			detail = payload.Message
		}
	}

	var kind error
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = domain.ErrAuth
	case http.StatusNotFound, http.StatusBadRequest:
		kind = domain.ErrNotFound
	case http.StatusConflict:
		kind = domain.ErrConflict
	case http.StatusGone:
		kind = domain.ErrGone
	default:
		kind = domain.ErrBackend
	}
	if detail == "" {
		detail = http.StatusText(resp.StatusCode)
	}
	return fmt.Errorf("%w: %d %s", kind, resp.StatusCode, detail)
}
