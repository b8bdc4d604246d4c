package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Version is reported by the health and root endpoints.
const Version = "1.0.0"

// ErrMissingBookingDetails is returned when a booking request has none of
// name, email or time slot. The text is spoken to the caller.
var ErrMissingBookingDetails = errors.New("I need a name, an email address or a time slot to make the booking")

const noTenantMessage = "I'm sorry, I couldn't find the account for this line, so I can't book the appointment right now."

// completionEvents are the Retell events that close a call. An empty event is
// how older flat payloads arrive.
var completionEvents = map[string]bool{
	"":               true,
	"call_ended":     true,
	"call_analyzed":  true,
	"call.completed": true,
	"call.ended":     true,
}

// App holds what the handlers share.
type App struct {
	Config *Config
	Repo   *Repository
	Cal    BookingClient
	Logger *zap.Logger
}

// NewApp wires an App from its parts.
func NewApp(config *Config, repo *Repository, cal BookingClient, logger *zap.Logger) *App {
	return &App{Config: config, Repo: repo, Cal: cal, Logger: logger}
}

// RetellWebhookHandler records call-lifecycle events as call logs. Logging is
// best-effort: once the payload parses, Retell always gets a 200.
func RetellWebhookHandler(app *App) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := requestLogger(c, app.Logger)

		raw, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Could not read request body"})
			return
		}

		if app.Config.HasWebhookSecret() {
			if !VerifySignature(app.Config.RetellWebhookSecret, raw, signatureFrom(c)) {
				logger.Warn("retell webhook signature rejected")
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
				return
			}
		}

		var payload RetellWebhookPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			logger.Warn("retell webhook: invalid JSON", zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON"})
			return
		}

		if !completionEvents[payload.Event] {
			logger.Debug("retell webhook: event ignored", zap.String("event", payload.Event))
			c.JSON(http.StatusOK, gin.H{"received": true})
			return
		}

		callID := payload.callID()
		if callID == "" {
			logger.Warn("retell webhook: missing call_id", zap.String("event", payload.Event))
			c.JSON(http.StatusOK, gin.H{"received": true})
			return
		}

		transcript := payload.transcript()
		if transcript == "" {
			transcript = NoTranscript
		}
		// Booked starts false; RecordCall carries over a booking already made
		// for this call.
		entry, err := app.Repo.RecordCall(c.Request.Context(), CallLog{
			CallID:     callID,
			AgentID:    payload.agentID(),
			Transcript: transcript,
			Status:     payload.status(),
		})
		if err != nil {
			logger.Error("failed to record call log", zap.String("call_id", callID), zap.Error(err))
		} else {
			logger.Info("call log recorded",
				zap.String("call_id", entry.CallID),
				zap.String("agent_id", entry.AgentID),
				zap.String("client_name", entry.ClientName),
				zap.String("status", entry.Status),
			)
		}

		c.JSON(http.StatusOK, gin.H{"received": true})
	}
}

func signatureFrom(c *gin.Context) string {
	for _, h := range signatureHeaders {
		if v := c.GetHeader(h); v != "" {
			return v
		}
	}
	return ""
}

// RetellBookingHandler books a Cal.com appointment for the tenant owning the
// calling agent. The voice agent reads the reply aloud, so every handled
// outcome is a 200 with a sentence; only a request with no agent id at all
// is rejected.
func RetellBookingHandler(app *App) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := requestLogger(c, app.Logger)
		ctx := c.Request.Context()

		body := map[string]any{}
		if raw, err := c.GetRawData(); err == nil && len(bytes.TrimSpace(raw)) > 0 {
			if err := json.Unmarshal(raw, &body); err != nil {
				logger.Warn("retell booking: body is not a JSON object", zap.Error(err))
				body = map[string]any{}
			}
		}

		agentID, source := extractAgentID(c.Request, body)
		callID := extractCallID(body)
		if agentID == "" && callID != "" {
			entry, ok, err := app.Repo.FindLog(ctx, callID)
			if err != nil {
				logger.Error("retell booking: call log lookup failed", zap.String("call_id", callID), zap.Error(err))
			} else if ok && entry.AgentID != "" {
				agentID, source = entry.AgentID, "log:call_id"
			}
		}
		if agentID == "" {
			c.JSON(http.StatusBadRequest, SpokenResponse{Message: "Missing agent_id"})
			return
		}
		logger = logger.With(zap.String("agent_id", agentID), zap.String("agent_id_source", source))

		message, err := app.book(ctx, logger, agentID, callID, body)
		if err != nil {
			logger.Warn("retell booking failed", zap.Error(err))
		}
		c.JSON(http.StatusOK, SpokenResponse{Message: message})
	}
}

// book performs the booking and returns the sentence to speak. The error is
// for logging only.
func (app *App) book(ctx context.Context, logger *zap.Logger, agentID, callID string, body map[string]any) (string, error) {
	tenant, err := app.Repo.FindTenantByAgent(ctx, agentID)
	if errors.Is(err, ErrTenantNotFound) {
		return noTenantMessage, err
	}
	if err != nil {
		return bookingFailedMessage("the account settings could not be loaded"), err
	}

	req, source := extractBooking(body)
	if !req.hasPrimaryField() {
		return bookingFailedMessage(ErrMissingBookingDetails.Error()), ErrMissingBookingDetails
	}
	logger.Info("booking request",
		zap.String("tenant", tenant.Name),
		zap.String("fields_source", source),
		zap.String("time_slot", req.TimeSlot),
	)

	payload := BuildBookingPayload(tenant, req, app.Config.DefaultTimeZone, app.Config.BookingLanguage, agentID, callID)
	result := app.Cal.CreateBooking(ctx, tenant.CalAPIKey, payload)
	if !result.OK() {
		return bookingFailedMessage(result.ErrorDetail()), fmt.Errorf("cal.com booking: status %d: %s", result.StatusCode, result.ErrorDetail())
	}

	if callID != "" {
		if _, err := app.Repo.MarkBooked(ctx, callID, result.BookingID()); err != nil {
			logger.Error("failed to mark call log booked", zap.String("call_id", callID), zap.Error(err))
		}
	}
	return bookingSuccessMessage(req.Name), nil
}

func bookingSuccessMessage(name string) string {
	if name == "" {
		name = "you"
	}
	return fmt.Sprintf("Success. I have booked the appointment for %s at that time.", name)
}

func bookingFailedMessage(detail string) string {
	return fmt.Sprintf("I'm sorry, I couldn't book the appointment: %s", detail)
}

// HealthCheckHandler provides a simple health check endpoint
func HealthCheckHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "Retell Cal Relay",
		"version": Version,
	})
}
