package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeCal stands in for the Cal.com bookings API and keeps what it received.
type fakeCal struct {
	mu       sync.Mutex
	status   int
	response string
	auth     []string
	payloads []map[string]any
	server   *httptest.Server
}

func newFakeCal(t *testing.T) *fakeCal {
	t.Helper()
	f := &fakeCal{status: http.StatusOK, response: `{"id": 555}`}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var payload map[string]any
		_ = json.Unmarshal(raw, &payload)

		f.mu.Lock()
		f.auth = append(f.auth, r.Header.Get("Authorization"))
		f.payloads = append(f.payloads, payload)
		status, response := f.status, f.response
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeCal) respond(status int, response string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status, f.response = status, response
}

func (f *fakeCal) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

type testApp struct {
	app    *App
	router *gin.Engine
	cal    *fakeCal
}

func newTestApp(t *testing.T, mutate func(*Config)) *testApp {
	t.Helper()
	cal := newFakeCal(t)

	config := DefaultConfig()
	config.GinMode = "test"
	config.CalBaseURL = cal.server.URL
	config.CalTimeout = 5 * time.Second
	if mutate != nil {
		mutate(config)
	}

	logger := zap.NewNop()
	repo := NewRepository(NewMemoryStore(), config.MaxCallLogs)
	app := NewApp(config, repo, NewCalService(config, logger), logger)
	return &testApp{app: app, router: NewRouter(app), cal: cal}
}

func (ta *testApp) seedTenant(t *testing.T, tenant Tenant) Tenant {
	t.Helper()
	created, err := ta.app.Repo.CreateTenant(context.Background(), tenant)
	require.NoError(t, err)
	return created
}

func (ta *testApp) do(method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ta.router.ServeHTTP(w, req)
	return w
}

func decodeMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp SpokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Message
}

var acme = Tenant{Name: "Acme", RetellAgentID: "a1", CalAPIKey: "cal_acme", CalEventTypeID: 42}

func TestRetellWebhook_CallEndedRecordsLog(t *testing.T) {
	ta := newTestApp(t, nil)
	ta.seedTenant(t, acme)

	w := ta.do(http.MethodPost, "/retell-webhook",
		`{"event":"call_ended","call":{"call_id":"c1","agent_id":"a1","transcript":"Hello there","disconnection_reason":"user_hangup"}}`, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"received":true}`, w.Body.String())

	logs, err := ta.app.Repo.ListLogs(context.Background())
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "c1", logs[0].CallID)
	assert.Equal(t, "Acme", logs[0].ClientName)
	assert.Equal(t, "a1", logs[0].AgentID)
	assert.Equal(t, "Hello there", logs[0].Transcript)
	assert.Equal(t, "user_hangup", logs[0].Status)
	assert.False(t, logs[0].Booked)
}

func TestRetellWebhook_FlatPayloadAndUnknownAgent(t *testing.T) {
	ta := newTestApp(t, nil)

	w := ta.do(http.MethodPost, "/retell-webhook", `{"call_id":"c9","agent_id":"nobody","status":"ended"}`, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	logs, err := ta.app.Repo.ListLogs(context.Background())
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, UnknownClientName, logs[0].ClientName)
	assert.Equal(t, NoTranscript, logs[0].Transcript)
	assert.Equal(t, "ended", logs[0].Status)
}

func TestRetellWebhook_IgnoredEvents(t *testing.T) {
	ta := newTestApp(t, nil)

	w := ta.do(http.MethodPost, "/retell-webhook", `{"event":"call_started","call":{"call_id":"c1","agent_id":"a1"}}`, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"received":true}`, w.Body.String())

	w = ta.do(http.MethodPost, "/retell-webhook", `{"event":"call_ended","call":{"agent_id":"a1"}}`, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	logs, err := ta.app.Repo.ListLogs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestRetellWebhook_InvalidJSON(t *testing.T) {
	ta := newTestApp(t, nil)

	w := ta.do(http.MethodPost, "/retell-webhook", `{"event":`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"Invalid JSON"}`, w.Body.String())
}

func TestRetellWebhook_Signature(t *testing.T) {
	ta := newTestApp(t, func(c *Config) { c.RetellWebhookSecret = "whsec" })
	body := `{"event":"call_ended","call":{"call_id":"c1","agent_id":"a1"}}`

	w := ta.do(http.MethodPost, "/retell-webhook", body, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ta.do(http.MethodPost, "/retell-webhook", body, map[string]string{"X-Retell-Signature": SignBody("wrong", []byte(body))})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"error":"Invalid signature"}`, w.Body.String())

	w = ta.do(http.MethodPost, "/retell-webhook", body, map[string]string{"X-Retell-Signature": SignBody("whsec", []byte(body))})
	assert.Equal(t, http.StatusOK, w.Code)

	w = ta.do(http.MethodPost, "/retell-webhook", body, map[string]string{"X-Hub-Signature": "sha256=" + SignBody("whsec", []byte(body))})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRetellBooking_Success(t *testing.T) {
	ta := newTestApp(t, nil)
	ta.seedTenant(t, acme)

	w := ta.do(http.MethodPost, "/retell-booking?agent_id=a1",
		`{"name":"Jane","email":"j@x.com","time_slot":"2024-01-01T10:00:00Z"}`, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message":"Success. I have booked the appointment for Jane at that time."}`, w.Body.String())

	require.Equal(t, 1, ta.cal.calls())
	payload := ta.cal.payloads[0]
	assert.Equal(t, float64(42), payload["eventTypeId"])
	assert.Equal(t, "2024-01-01T10:00:00Z", payload["start"])
	assert.Equal(t, "America/Los_Angeles", payload["timeZone"])
	assert.Equal(t, "en", payload["language"])
	responses := payload["responses"].(map[string]any)
	assert.Equal(t, "Jane", responses["name"])
	assert.Equal(t, "j@x.com", responses["email"])
	assert.Equal(t, "Bearer cal_acme", ta.cal.auth[0])
}

func TestRetellBooking_ArgsWrapperAndHeaderAgent(t *testing.T) {
	ta := newTestApp(t, nil)
	ta.seedTenant(t, Tenant{Name: "Acme", RetellAgentID: "a1", CalAPIKey: "k", CalEventTypeID: 42, TimeZone: "Europe/Berlin"})

	w := ta.do(http.MethodPost, "/retell-booking",
		`{"args":{"name":"Jane","phone":"555","address":"1 Main St","time_slot":"2024-01-01T10:00:00Z"}}`,
		map[string]string{"X-Agent-Id": "a1"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decodeMessage(t, w), "Success")
	require.Equal(t, 1, ta.cal.calls())
	payload := ta.cal.payloads[0]
	assert.Equal(t, "Europe/Berlin", payload["timeZone"])
	responses := payload["responses"].(map[string]any)
	assert.Equal(t, "Phone: 555, Address: 1 Main St", responses["notes"])
}

func TestRetellBooking_NestedCallAgentMarksLogBooked(t *testing.T) {
	ta := newTestApp(t, nil)
	ta.seedTenant(t, acme)
	_, err := ta.app.Repo.RecordCall(context.Background(), CallLog{CallID: "c1", AgentID: "a1", Transcript: "hi"})
	require.NoError(t, err)

	w := ta.do(http.MethodPost, "/retell-booking",
		`{"call":{"call_id":"c1","agent_id":"a1"},"args":{"name":"Jane","time_slot":"2024-01-01T10:00:00Z"}}`, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decodeMessage(t, w), "Jane")

	entry, ok, err := ta.app.Repo.FindLog(context.Background(), "c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, entry.Booked)
	assert.Equal(t, BookingRef("555"), entry.CalBookingID)
	assert.Equal(t, "c1", ta.cal.payloads[0]["metadata"].(map[string]any)["call_id"])
}

func TestRetellBooking_AgentFromCallLog(t *testing.T) {
	ta := newTestApp(t, nil)
	ta.seedTenant(t, acme)
	_, err := ta.app.Repo.RecordCall(context.Background(), CallLog{CallID: "c7", AgentID: "a1"})
	require.NoError(t, err)

	w := ta.do(http.MethodPost, "/retell-booking", `{"call_id":"c7","email":"j@x.com"}`, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Success. I have booked the appointment for you at that time.", decodeMessage(t, w))
	assert.Equal(t, 1, ta.cal.calls())
}

func TestRetellBooking_MissingAgentID(t *testing.T) {
	ta := newTestApp(t, nil)

	w := ta.do(http.MethodPost, "/retell-booking", `{"name":"Jane"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Missing agent_id", decodeMessage(t, w))

	w = ta.do(http.MethodPost, "/retell-booking", `not json`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0, ta.cal.calls())
}

func TestRetellBooking_UnknownTenant(t *testing.T) {
	ta := newTestApp(t, nil)

	w := ta.do(http.MethodPost, "/retell-booking?agent_id=ghost", `{"name":"Jane"}`, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, noTenantMessage, decodeMessage(t, w))
	assert.Equal(t, 0, ta.cal.calls())
}

func TestRetellBooking_MissingDetails(t *testing.T) {
	ta := newTestApp(t, nil)
	ta.seedTenant(t, acme)

	w := ta.do(http.MethodPost, "/retell-booking?agent_id=a1", `{"phone":"555"}`, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, bookingFailedMessage(ErrMissingBookingDetails.Error()), decodeMessage(t, w))
	assert.Equal(t, 0, ta.cal.calls())
}

func TestRetellBooking_ProviderRejects(t *testing.T) {
	ta := newTestApp(t, nil)
	ta.seedTenant(t, acme)
	ta.cal.respond(http.StatusBadRequest, `{"message":"That slot is no longer available"}`)

	w := ta.do(http.MethodPost, "/retell-booking?agent_id=a1", `{"name":"Jane","time_slot":"2024-01-01T10:00:00Z"}`, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "I'm sorry, I couldn't book the appointment: That slot is no longer available", decodeMessage(t, w))
}

func TestRetellBooking_ProviderUnreachable(t *testing.T) {
	ta := newTestApp(t, nil)
	ta.seedTenant(t, acme)
	ta.cal.server.Close()

	w := ta.do(http.MethodPost, "/retell-booking?agent_id=a1", `{"name":"Jane"}`, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decodeMessage(t, w), "I'm sorry, I couldn't book the appointment")
}

func TestHealthAndRoot(t *testing.T) {
	ta := newTestApp(t, nil)

	for _, path := range []string{"/health", "/api/health"} {
		w := ta.do(http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"status":"healthy","service":"Retell Cal Relay","version":"1.0.0"}`, w.Body.String())
	}

	w := ta.do(http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/retell-booking")
}

func TestCORSPreflight(t *testing.T) {
	ta := newTestApp(t, nil)

	w := ta.do(http.MethodOptions, "/api/clients", "", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-Agent-Id")
}

func TestRetellBooking_QueryAuthKeyNeverSpokenOrLogged(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	downURL := down.URL
	down.Close()

	config := DefaultConfig()
	config.GinMode = "test"
	config.CalBaseURL = downURL
	config.CalAuthMode = CalAuthQuery
	config.CalTimeout = 5 * time.Second

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	repo := NewRepository(NewMemoryStore(), 0)
	router := NewRouter(NewApp(config, repo, NewCalService(config, logger), logger))

	_, err := repo.CreateTenant(context.Background(), Tenant{Name: "Acme", RetellAgentID: "a1", CalAPIKey: "cal_live_SECRET123", CalEventTypeID: 42})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/retell-booking?agent_id=a1", bytes.NewBufferString(`{"name":"Jane","time_slot":"2024-01-01T10:00:00Z"}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "I'm sorry, I couldn't book the appointment: the scheduling service could not be reached", decodeMessage(t, w))
	assert.NotContains(t, w.Body.String(), "SECRET123")

	require.NotEmpty(t, logs.FilterMessage("cal.com request failed").All())
	for _, entry := range logs.All() {
		for k, v := range entry.ContextMap() {
			assert.NotContains(t, fmt.Sprint(v), "SECRET123", "log %q field %s", entry.Message, k)
		}
	}
}
