package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// BookingResult is the outcome of one Cal.com call. StatusCode 0 means the
// request never got a response; Err then holds the transport error, with any
// credential removed. It is for logs only and never spoken.
type BookingResult struct {
	StatusCode int
	Body       []byte
	JSON       map[string]any
	Err        string
}

// OK reports a 2xx response.
func (r BookingResult) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// BookingID returns the created booking's id, looked up as id, booking.id or
// data.id.
func (r BookingResult) BookingID() string {
	if r.JSON == nil {
		return ""
	}
	if id := idString(r.JSON["id"]); id != "" {
		return id
	}
	for _, key := range []string{"booking", "data"} {
		if nested, ok := r.JSON[key].(map[string]any); ok {
			if id := idString(nested["id"]); id != "" {
				return id
			}
		}
	}
	return ""
}

// ErrorDetail describes why the booking failed, for the spoken reply.
func (r BookingResult) ErrorDetail() string {
	if r.StatusCode == 0 {
		return "the scheduling service could not be reached"
	}
	if r.JSON != nil {
		for _, key := range []string{"message", "error"} {
			if s, ok := r.JSON[key].(string); ok && s != "" {
				return s
			}
		}
	}
	return fmt.Sprintf("Cal.com returned status %d", r.StatusCode)
}

func idString(v any) string {
	switch id := v.(type) {
	case float64:
		return strconv.FormatInt(int64(id), 10)
	case string:
		return id
	case json.Number:
		return id.String()
	default:
		return ""
	}
}

// BookingClient creates bookings with a tenant's Cal.com key.
type BookingClient interface {
	CreateBooking(ctx context.Context, apiKey string, payload any) BookingResult
}

// CalService talks to the Cal.com bookings API
type CalService struct {
	baseURL    string
	authMode   string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewCalService creates a new Cal.com service instance
func NewCalService(config *Config, logger *zap.Logger) *CalService {
	return &CalService{
		baseURL:    strings.TrimRight(config.CalBaseURL, "/"),
		authMode:   config.CalAuthMode,
		httpClient: &http.Client{Timeout: config.CalTimeout},
		logger:     logger,
	}
}

// CreateBooking posts payload to /bookings. It never returns an error: callers
// inspect the result, where StatusCode 0 marks a transport failure.
func (s *CalService) CreateBooking(ctx context.Context, apiKey string, payload any) BookingResult {
	resp, body, err := s.makeCalRequest(ctx, http.MethodPost, "/bookings", apiKey, payload)
	if err != nil {
		s.logger.Error("cal.com request failed", zap.Error(err))
		return BookingResult{Err: err.Error()}
	}

	result := BookingResult{StatusCode: resp.StatusCode, Body: body}
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err == nil {
		result.JSON = parsed
	}

	if result.OK() {
		s.logger.Info("cal.com booking created",
			zap.Int("status", resp.StatusCode),
			zap.String("booking_id", result.BookingID()),
		)
	} else {
		s.logger.Warn("cal.com booking rejected",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", body),
		)
	}
	return result
}

// makeCalRequest makes an HTTP request to the Cal.com API and returns the
// fully read body.
func (s *CalService) makeCalRequest(ctx context.Context, method, endpoint, apiKey string, body any) (*http.Response, []byte, error) {
	u, err := url.Parse(s.baseURL + endpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid Cal.com URL: %w", err)
	}
	if s.authMode == CalAuthQuery {
		q := u.Query()
		q.Set("apiKey", apiKey)
		u.RawQuery = q.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonData)
		s.logger.Debug("cal.com request body", zap.ByteString("body", jsonData))
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", redactURLError(err, s.baseURL+endpoint))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if s.authMode != CalAuthQuery {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	s.logger.Info("calling cal.com", zap.String("method", method), zap.String("endpoint", endpoint))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to make request: %w", redactURLError(err, s.baseURL+endpoint))
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp, bodyBytes, nil
}

// redactURLError replaces the URL inside a *url.Error, which would otherwise
// carry the apiKey query parameter into error text.
func redactURLError(err error, safeURL string) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		urlErr.URL = safeURL
	}
	return err
}

// BuildBookingPayload maps a booking request onto the Cal.com payload for
// tenant. The tenant's timezone wins over fallbackTZ.
func BuildBookingPayload(tenant Tenant, req BookingRequest, fallbackTZ, language, agentID, callID string) CalBookingPayload {
	tz := tenant.TimeZone
	if tz == "" {
		tz = fallbackTZ
	}
	metadata := map[string]string{"agent_id": agentID}
	if callID != "" {
		metadata["call_id"] = callID
	}
	return CalBookingPayload{
		EventTypeID: int64(tenant.CalEventTypeID),
		Start:       req.TimeSlot,
		TimeZone:    tz,
		Language:    language,
		Responses: CalBookingResponses{
			Name:    req.Name,
			Email:   req.Email,
			Phone:   req.Phone,
			Address: req.Address,
			Notes:   req.Notes(),
		},
		Description: fmt.Sprintf("Booked by voice agent for %s", req.Name),
		Metadata:    metadata,
	}
}
