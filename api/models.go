package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// UnknownClientName is recorded on call logs whose agent id matches no tenant.
const UnknownClientName = "Unknown Client"

// NoTranscript is stored when a call event carries no transcript.
const NoTranscript = "No transcript available yet."

// Tenant maps one Retell agent to one Cal.com credential and event type
type Tenant struct {
	ID             int64       `json:"id"`
	Name           string      `json:"name"`
	RetellAgentID  string      `json:"retell_agent_id"`
	CalAPIKey      string      `json:"cal_api_key"`
	CalEventTypeID EventTypeID `json:"cal_event_type_id"`
	TimeZone       string      `json:"timezone,omitempty"`
}

// decodeTenant applies a JSON object onto t. The id key is dropped first, so a
// form that posts it in any shape cannot break or change the record.
func decodeTenant(data []byte, t *Tenant) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	delete(fields, "id")
	stripped, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(stripped, t)
}

// CallLog is the dashboard summary of one call
type CallLog struct {
	CallID       string     `json:"call_id"`
	ClientName   string     `json:"client_name"`
	AgentID      string     `json:"agent_id"`
	Transcript   string     `json:"transcript"`
	Status       string     `json:"status"`
	Booked       bool       `json:"booked"`
	CalBookingID BookingRef `json:"cal_booking_id,omitempty"`
	Timestamp    time.Time  `json:"timestamp"`
}

// Document is the whole persisted state.
type Document struct {
	Clients []Tenant  `json:"clients"`
	Logs    []CallLog `json:"logs"`
}

// NewDocument returns an empty document with non-nil collections.
func NewDocument() *Document {
	return &Document{
		Clients: []Tenant{},
		Logs:    []CallLog{},
	}
}

// normalize replaces nil collections so the document always encodes as arrays.
func (d *Document) normalize() *Document {
	if d.Clients == nil {
		d.Clients = []Tenant{}
	}
	if d.Logs == nil {
		d.Logs = []CallLog{}
	}
	return d
}

// clone returns a deep enough copy for handing out of the repository.
func (d *Document) clone() *Document {
	out := &Document{
		Clients: make([]Tenant, len(d.Clients)),
		Logs:    make([]CallLog, len(d.Logs)),
	}
	copy(out.Clients, d.Clients)
	copy(out.Logs, d.Logs)
	return out
}

// BookingRef is a Cal.com booking id as stored on a call log. Older documents
// hold it as a JSON number; it is always written back as a string.
type BookingRef string

// UnmarshalJSON accepts 12345, "12345" and null.
func (b *BookingRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*b = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*b = BookingRef(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid cal_booking_id %s", data)
	}
	*b = BookingRef(n.String())
	return nil
}

// EventTypeID is a Cal.com event type id. The dashboard form posts it either as
// a JSON number or as a numeric string, so both are accepted.
type EventTypeID int64

// UnmarshalJSON accepts 42, "42", "", and null.
func (e *EventTypeID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = 0
		return nil
	}
	raw := string(data)
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = strings.TrimSpace(s)
		if raw == "" {
			*e = 0
			return nil
		}
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid cal_event_type_id %q", raw)
	}
	*e = EventTypeID(v)
	return nil
}

// RetellCall is the call object nested in Retell webhook events
type RetellCall struct {
	CallID              string `json:"call_id"`
	AgentID             string `json:"agent_id"`
	Transcript          string `json:"transcript"`
	DisconnectionReason string `json:"disconnection_reason"`
	CallStatus          string `json:"call_status"`
}

// RetellWebhookPayload covers both the nested Retell event shape and the
// flat shape older integrations still send.
type RetellWebhookPayload struct {
	Event      string      `json:"event"`
	Call       *RetellCall `json:"call"`
	CallID     string      `json:"call_id"`
	AgentID    string      `json:"agent_id"`
	Transcript string      `json:"transcript"`
	Status     string      `json:"status"`
}

// callID returns the nested call id, falling back to the flat field.
func (p RetellWebhookPayload) callID() string {
	if p.Call != nil && p.Call.CallID != "" {
		return p.Call.CallID
	}
	return p.CallID
}

func (p RetellWebhookPayload) agentID() string {
	if p.Call != nil && p.Call.AgentID != "" {
		return p.Call.AgentID
	}
	return p.AgentID
}

func (p RetellWebhookPayload) transcript() string {
	if p.Call != nil && p.Call.Transcript != "" {
		return p.Call.Transcript
	}
	return p.Transcript
}

func (p RetellWebhookPayload) status() string {
	if p.Call != nil {
		if p.Call.DisconnectionReason != "" {
			return p.Call.DisconnectionReason
		}
		if p.Call.CallStatus != "" {
			return p.Call.CallStatus
		}
	}
	return p.Status
}

// BookingRequest holds the caller details pulled out of a booking-intent body.
type BookingRequest struct {
	Name     string
	Email    string
	Phone    string
	Address  string
	TimeSlot string
}

// hasPrimaryField reports whether any of name, email or time slot was supplied.
func (b BookingRequest) hasPrimaryField() bool {
	return b.Name != "" || b.Email != "" || b.TimeSlot != ""
}

// Notes joins phone and address into the free-text notes Cal.com shows the host.
func (b BookingRequest) Notes() string {
	var parts []string
	if b.Phone != "" {
		parts = append(parts, "Phone: "+b.Phone)
	}
	if b.Address != "" {
		parts = append(parts, "Address: "+b.Address)
	}
	return strings.Join(parts, ", ")
}

// CalBookingResponses is the attendee form block of a Cal.com booking.
type CalBookingResponses struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

// CalBookingPayload is the body sent to POST /bookings.
type CalBookingPayload struct {
	EventTypeID int64               `json:"eventTypeId"`
	Start       string              `json:"start"`
	TimeZone    string              `json:"timeZone"`
	Language    string              `json:"language"`
	Responses   CalBookingResponses `json:"responses"`
	Description string              `json:"description"`
	Metadata    map[string]string   `json:"metadata"`
}

// WebhookResponse is the dashboard response envelope.
type WebhookResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Client  any    `json:"client,omitempty"`
}

// SpokenResponse is returned to the voice agent, which reads Message aloud.
type SpokenResponse struct {
	Message string `json:"message"`
}
