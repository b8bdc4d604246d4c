package handler

import (
	"net/http"
	"strconv"
	"strings"
)

// agentIDSource is one place a booking request may carry the agent id.
type agentIDSource struct {
	Name    string
	Extract func(r *http.Request, body map[string]any) string
}

// agentIDExtractors lists the agent id sources in precedence order. Retell
// has moved the id between these locations across integration versions; the
// first non-empty value wins.
var agentIDExtractors = []agentIDSource{
	{Name: "query:agent_id", Extract: func(r *http.Request, _ map[string]any) string {
		return r.URL.Query().Get("agent_id")
	}},
	{Name: "header:x-agent-id", Extract: func(r *http.Request, _ map[string]any) string {
		return r.Header.Get("X-Agent-Id")
	}},
	{Name: "body:agent_id", Extract: func(_ *http.Request, body map[string]any) string {
		return stringField(body, "agent_id")
	}},
	{Name: "body:call.agent_id", Extract: func(_ *http.Request, body map[string]any) string {
		return stringField(objectField(body, "call"), "agent_id")
	}},
}

// extractAgentID runs agentIDExtractors and returns the first value found and
// the name of the source it came from.
func extractAgentID(r *http.Request, body map[string]any) (agentID, source string) {
	for _, src := range agentIDExtractors {
		if v := strings.TrimSpace(src.Extract(r, body)); v != "" {
			return v, src.Name
		}
	}
	return "", ""
}

// bookingSource selects the object holding booking fields.
type bookingSource struct {
	Name   string
	Object func(body map[string]any) map[string]any
}

// bookingSources: Retell custom functions wrap arguments in "args"; direct
// callers post the fields flat.
var bookingSources = []bookingSource{
	{Name: "args", Object: func(body map[string]any) map[string]any { return objectField(body, "args") }},
	{Name: "body", Object: func(body map[string]any) map[string]any { return body }},
}

// extractBooking reads booking fields from the first source that exists.
func extractBooking(body map[string]any) (BookingRequest, string) {
	for _, src := range bookingSources {
		obj := src.Object(body)
		if obj == nil {
			continue
		}
		return BookingRequest{
			Name:     stringField(obj, "name"),
			Email:    stringField(obj, "email"),
			Phone:    stringField(obj, "phone"),
			Address:  stringField(obj, "address"),
			TimeSlot: stringField(obj, "time_slot"),
		}, src.Name
	}
	return BookingRequest{}, ""
}

// extractCallID returns the call id from the body, flat or nested.
func extractCallID(body map[string]any) string {
	if v := stringField(body, "call_id"); v != "" {
		return v
	}
	return stringField(objectField(body, "call"), "call_id")
}

func objectField(obj map[string]any, key string) map[string]any {
	if obj == nil {
		return nil
	}
	m, _ := obj[key].(map[string]any)
	return m
}

// stringField returns obj[key] as trimmed text; numbers are formatted.
func stringField(obj map[string]any, key string) string {
	if obj == nil {
		return ""
	}
	switch v := obj[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}
