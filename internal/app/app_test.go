package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sosguard/go-sos-server/internal/backend"
	"sosguard/go-sos-server/internal/config"
	"sosguard/go-sos-server/internal/location"
	"sosguard/go-sos-server/internal/metrics"
	"sosguard/go-sos-server/internal/model"
	"sosguard/go-sos-server/internal/sos"
	"sosguard/go-sos-server/internal/state"
	"sosguard/go-sos-server/internal/store"
)

// idleTicker never ticks, so armed timers stay armed until cancelled.
type idleTicker struct{ c chan time.Time }

func (t idleTicker) C() <-chan time.Time { return t.c }
func (idleTicker) Stop()                 {}

func newIdleTicker(time.Duration) sos.Ticker { return idleTicker{c: make(chan time.Time)} }

func newTestApp(t *testing.T, backendURL string) *App {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := store.Open(filepath.Join(t.TempDir(), "sos.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.InitSchema(ctx))

	st := state.New(db, state.Options{PersistAlerts: true})
	require.NoError(t, st.Rehydrate(ctx))

	a := New(config.Config{HTTPPort: 8080, MetricsPort: 9090, DeviceID: "dev-1"}, logger)
	a.store = db
	a.state = st
	a.metrics = metrics.New()
	a.hub = newEventHub(logger)
	a.backend = backend.New(backendURL, "anon-key", logger)
	a.tracker = location.NewTracker(location.NewProvider(nil, logger), time.Second, 10, logger)

	now := time.Date(2023, 6, 15, 14, 30, 0, 0, time.UTC)
	a.controller = sos.NewController(st, a.tracker, nil, sos.Options{
		NewTicker: newIdleTicker,
		Now:       func() time.Time { return now },
	}, logger)
	a.observe()
	t.Cleanup(a.controller.Close)
	t.Cleanup(a.hub.close)
	return a
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, reader))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

const johnDoe = `{"name":"John Doe","phone":"+1 987 654 321","relationship":"Family","isEmergencyContact":true}`

func TestHealthAndReadiness(t *testing.T) {
	h := newTestApp(t, "").routes()

	rec := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", decode[map[string]any](t, rec)["status"])

	notReady := New(config.Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	notReady.hub = newEventHub(notReady.logger)
	rec = do(t, notReady.routes(), http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTriggerWithoutContactsRecordsNothing(t *testing.T) {
	a := newTestApp(t, "")
	h := a.routes()

	rec := do(t, h, http.MethodPost, "/api/sos/trigger", "")
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.Empty(t, a.state.Alerts())
}

func TestTriggerRecordsAndManagesAlert(t *testing.T) {
	a := newTestApp(t, "")
	h := a.routes()

	rec := do(t, h, http.MethodPost, "/api/contacts", johnDoe)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	contact := decode[model.Contact](t, rec)
	assert.NotEmpty(t, contact.ID)

	a.tracker.Record(model.LocationSample{Latitude: 6.7106, Longitude: 79.9074, CapturedAt: time.Now()})

	rec = do(t, h, http.MethodPost, "/api/sos/trigger", "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	result := decode[sos.FireResult](t, rec)
	assert.Equal(t, sos.TriggerHold, result.Trigger)
	assert.Equal(t, 1, result.Notified)
	assert.Equal(t, model.AlertTypeSOS, result.Alert.Type)
	assert.Equal(t, sos.EmergencyMessage, result.Alert.Message)
	assert.Equal(t, "2023-06-15T14:30:00.000Z", result.Alert.Timestamp)
	require.NotNil(t, result.Alert.Location)
	assert.Equal(t, "6.7106,79.9074", *result.Alert.Location)

	path := "/api/alerts/" + result.Alert.ID

	rec = do(t, h, http.MethodPatch, path, `{"status":"delivered"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, model.AlertStatusDelivered, decode[model.Alert](t, rec).Status)

	rec = do(t, h, http.MethodPatch, path, `{"status":"sent"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPatch, path, `{"status":"lost"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPatch, "/api/alerts/unknown", `{"status":"resolved"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/alerts", "")
	assert.EqualValues(t, 1, decode[map[string]any](t, rec)["count"])

	rec = do(t, h, http.MethodDelete, path, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, h, http.MethodDelete, path, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, a.state.Alerts())
}

func TestReportUsesDefaultMessage(t *testing.T) {
	a := newTestApp(t, "")
	h := a.routes()
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/api/contacts", johnDoe).Code)

	rec := do(t, h, http.MethodPost, "/api/alerts", "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	result := decode[sos.FireResult](t, rec)
	assert.Equal(t, model.AlertTypeAlert, result.Alert.Type)
	assert.Equal(t, sos.UnsafeMessage, result.Alert.Message)
	require.NotNil(t, result.Alert.Location)
	assert.Equal(t, model.LocationUnavailable, *result.Alert.Location)

	rec = do(t, h, http.MethodPost, "/api/alerts", `{"message":"followed home"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "followed home", decode[sos.FireResult](t, rec).Alert.Message)
}

func TestArmCancelAndToggle(t *testing.T) {
	a := newTestApp(t, "")
	h := a.routes()

	rec := do(t, h, http.MethodPost, "/api/sos/arm", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	status := decode[sos.Status](t, rec)
	assert.True(t, status.Armed)
	assert.Equal(t, sos.DefaultCountdownSeconds, status.Remaining)

	assert.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, "/api/sos/arm", "").Code)

	rec = do(t, h, http.MethodPost, "/api/sos/cancel", "")
	assert.Equal(t, map[string]bool{"cancelled": true}, decode[map[string]bool](t, rec))
	rec = do(t, h, http.MethodPost, "/api/sos/cancel", "")
	assert.Equal(t, map[string]bool{"cancelled": false}, decode[map[string]bool](t, rec))

	rec = do(t, h, http.MethodPost, "/api/sos/toggle", "")
	assert.True(t, decode[sos.Status](t, rec).Armed)
	rec = do(t, h, http.MethodPost, "/api/sos/toggle", "")
	assert.False(t, decode[sos.Status](t, rec).Armed)

	rec = do(t, h, http.MethodGet, "/api/sos", "")
	assert.False(t, decode[sos.Status](t, rec).Armed)
	assert.Empty(t, a.state.Alerts())
}

func TestSafetyCheckOnFreshInstall(t *testing.T) {
	a := newTestApp(t, "")
	h := a.routes()

	require.False(t, a.state.Settings().AutoSOS)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/safety-check", `{"minutes":0}`).Code)

	rec := do(t, h, http.MethodPost, "/api/safety-check", `{"minutes":1}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	status := decode[sos.Status](t, rec)
	assert.True(t, status.SafetyCheckArmed)
	assert.Equal(t, 60, status.SafetyCheckRemaining)
	assert.False(t, status.Armed)

	assert.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, "/api/safety-check", `{"minutes":1}`).Code)

	rec = do(t, h, http.MethodPatch, "/api/settings", `{"autoSOS":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[model.Settings](t, rec).AutoSOS)

	rec = do(t, h, http.MethodDelete, "/api/safety-check", "")
	assert.Equal(t, map[string]bool{"cancelled": true}, decode[map[string]bool](t, rec))

	rec = do(t, h, http.MethodPost, "/api/settings/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.DefaultSettings(), decode[model.Settings](t, rec))
}

func TestContactValidationAndUpdate(t *testing.T) {
	a := newTestApp(t, "")
	h := a.routes()

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/contacts", `{"name":"","phone":"123"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/contacts", `{`).Code)

	rec := do(t, h, http.MethodPost, "/api/contacts", johnDoe)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[model.Contact](t, rec).ID

	rec = do(t, h, http.MethodPut, "/api/contacts/"+id, `{"name":"John D.","phone":"+1987654321","relationship":"Brother"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[model.Contact](t, rec)
	assert.Equal(t, id, updated.ID)
	assert.Equal(t, "Brother", updated.Relationship)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPut, "/api/contacts/nope", johnDoe).Code)
	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/api/contacts/"+id, "").Code)
	assert.Empty(t, a.state.Contacts())
}

func TestLocationEndpoint(t *testing.T) {
	a := newTestApp(t, "")
	h := a.routes()

	rec := do(t, h, http.MethodGet, "/api/location", "")
	resp := decode[locationResponse](t, rec)
	assert.Equal(t, model.LocationUnavailable, resp.Location)
	assert.Equal(t, fixPending, resp.Fix)
	assert.Nil(t, resp.Sample)
	assert.Equal(t, location.PermissionUndetermined, resp.Permission)

	a.tracker.Record(model.LocationSample{Latitude: 6.7106, Longitude: 79.9074, CapturedAt: time.Now()})

	resp = decode[locationResponse](t, do(t, h, http.MethodGet, "/api/location", ""))
	assert.Equal(t, fixOK, resp.Fix)
	assert.Equal(t, "6.7106,79.9074", resp.Location)
	require.NotNil(t, resp.Sample)
}

// staticSource answers Current with a fixed sample or error and never streams.
type staticSource struct {
	sample model.LocationSample
	err    error
}

func (s staticSource) RequestPermission(context.Context) (location.Permission, error) {
	if errors.Is(s.err, location.ErrPermissionDenied) {
		return location.PermissionDenied, nil
	}
	return location.PermissionGranted, nil
}

func (s staticSource) Current(context.Context) (model.LocationSample, error) {
	return s.sample, s.err
}

func (s staticSource) Watch(context.Context) (<-chan model.LocationSample, error) {
	return nil, location.ErrNoFix
}

func TestLocationEndpointReadsSourceWhenNothingTracked(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	a := newTestApp(t, "")
	a.tracker = location.NewTracker(location.NewProvider(staticSource{err: location.ErrPermissionDenied}, logger), time.Second, 10, logger)
	resp := decode[locationResponse](t, do(t, a.routes(), http.MethodGet, "/api/location", ""))
	assert.Equal(t, fixDenied, resp.Fix)
	assert.Equal(t, location.PermissionDenied, resp.Permission)
	assert.Equal(t, model.LocationUnavailable, resp.Location)

	fix := model.LocationSample{Latitude: 6.7106, Longitude: 79.9074, CapturedAt: time.Now()}
	a.tracker = location.NewTracker(location.NewProvider(staticSource{sample: fix}, logger), time.Second, 10, logger)
	resp = decode[locationResponse](t, do(t, a.routes(), http.MethodGet, "/api/location", ""))
	assert.Equal(t, fixOK, resp.Fix)
	assert.Equal(t, "6.7106,79.9074", resp.Location)

	held, ok := a.tracker.Latest()
	require.True(t, ok)
	assert.Equal(t, fix.Latitude, held.Latitude)
}

func TestResourcesEndpoint(t *testing.T) {
	a := newTestApp(t, "")

	rec := do(t, a.routes(), http.MethodGet, "/api/resources", "")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[model.Resources](t, rec)
	require.NotEmpty(t, res.Hotlines)
	assert.Equal(t, "tel:911", res.Hotlines[0].Dial)
	assert.Equal(t, "Personal Safety", res.SafetyTips[0].Title)
}

func TestWipeRequiresConfirmation(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t, "")
	h := a.routes()

	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/api/contacts", johnDoe).Code)
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/api/sos/trigger", "").Code)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPatch, "/api/settings", `{"theme":"dark"}`).Code)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/admin/wipe", `{"confirm":"yes"}`).Code)
	assert.Len(t, a.state.Contacts(), 1)

	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodPost, "/api/admin/wipe", `{"confirm":" WIPE "}`).Code)
	assert.Empty(t, a.state.Contacts())
	assert.Empty(t, a.state.Alerts())

	reloaded := state.New(a.store, state.Options{PersistAlerts: true})
	require.NoError(t, reloaded.Rehydrate(ctx))
	assert.Empty(t, reloaded.Contacts())
	assert.Empty(t, reloaded.Alerts())
	assert.Equal(t, model.ThemeDark, reloaded.Settings().Theme)
}

func TestRoutesRejectWrongMethod(t *testing.T) {
	h := newTestApp(t, "").routes()
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodPost, "/healthz", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/unknown", "").Code)
}

func TestRequestsAreCountedByRoute(t *testing.T) {
	a := newTestApp(t, "")
	h := a.routes()

	do(t, h, http.MethodGet, "/api/sos", "")
	do(t, h, http.MethodPatch, "/api/alerts/abc", `{"status":"resolved"}`)

	rec := httptest.NewRecorder()
	a.metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, `sosguard_http_requests_total{code="200",route="/api/sos"} 1`)
	assert.Contains(t, body, `sosguard_http_requests_total{code="404",route="/api/alerts/{id}"} 1`)
}

type fakeBackend struct {
	mu        sync.Mutex
	upserts   int
	loggedOut bool
}

func (f *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/auth/v1/token":
		_, _ = w.Write([]byte(`{"access_token":"opaque","expires_in":3600,"user":{"id":"user-42","email":"jane@example.com","user_metadata":{"name":"Jane"}}}`))
	case r.Method == http.MethodGet && r.URL.Path == "/rest/v1/emergency_contacts":
		_, _ = w.Write([]byte(`[{"id":"remote-1","name":"Mary Major","phone":"+1555000111","relationship":"Friend","is_emergency_contact":true},{"id":"bad","name":"","phone":"x"}]`))
	case r.Method == http.MethodPost && r.URL.Path == "/rest/v1/user_locations":
		f.upserts++
		w.WriteHeader(http.StatusCreated)
	case r.Method == http.MethodPost && r.URL.Path == "/auth/v1/logout":
		f.loggedOut = true
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeBackend) counts() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upserts, f.loggedOut
}

func TestSessionSignInMergesRemoteContacts(t *testing.T) {
	fb := &fakeBackend{}
	srv := httptest.NewServer(fb)
	t.Cleanup(srv.Close)

	a := newTestApp(t, srv.URL)
	h := a.routes()

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/session", `{"email":"jane@example.com"}`).Code)

	rec := do(t, h, http.MethodPost, "/api/session", `{"email":"jane@example.com","password":"secret"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[map[string]any](t, rec)
	assert.EqualValues(t, 1, resp["merged_contacts"])

	user, ok := a.state.User()
	require.True(t, ok)
	assert.Equal(t, "user-42", user.ID)
	assert.Equal(t, "Jane", user.Name)
	require.Len(t, a.state.Contacts(), 1)
	assert.Equal(t, "remote-1", a.state.Contacts()[0].ID)

	a.tracker.Record(model.LocationSample{Latitude: 6.7106, Longitude: 79.9074, CapturedAt: time.Now()})
	a.syncLocation()
	a.syncLocation()
	upserts, _ := fb.counts()
	assert.Equal(t, 1, upserts)

	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/api/session", "").Code)
	_, ok = a.state.User()
	assert.False(t, ok)
	_, loggedOut := fb.counts()
	assert.True(t, loggedOut)
}

func TestSessionWithoutBackend(t *testing.T) {
	h := newTestApp(t, "").routes()
	rec := do(t, h, http.MethodPost, "/api/session", `{"email":"jane@example.com","password":"secret"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSyncSkipsWhenTrackingDisabled(t *testing.T) {
	fb := &fakeBackend{}
	srv := httptest.NewServer(fb)
	t.Cleanup(srv.Close)

	a := newTestApp(t, srv.URL)
	h := a.routes()
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/session", `{"email":"jane@example.com","password":"secret"}`).Code)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPatch, "/api/settings", `{"locationTracking":false}`).Code)

	a.tracker.Record(model.LocationSample{Latitude: 1, Longitude: 2, CapturedAt: time.Now()})
	a.syncLocation()

	upserts, _ := fb.counts()
	assert.Zero(t, upserts)
}

func TestEventsStreamOverWebSocket(t *testing.T) {
	a := newTestApp(t, "")
	srv := httptest.NewServer(a.routes())
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/events", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool { return a.hub.clientCount() == 1 }, time.Second, 10*time.Millisecond)

	resp, err := http.Post(srv.URL+"/api/sos/arm", "application/json", bytes.NewReader(nil))
	require.NoError(t, err)
	_ = resp.Body.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev sos.Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, sos.EventArmed, ev.Type)
	assert.Equal(t, sos.DefaultCountdownSeconds, ev.Remaining)

	a.tracker.Record(model.LocationSample{Latitude: 6.7106, Longitude: 79.9074, CapturedAt: time.Now()})
	_, msg, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), `"type":"location.sample"`)

	a.hub.close()
	require.Eventually(t, func() bool { return a.hub.clientCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestStatusForMapsDomainErrors(t *testing.T) {
	cases := map[error]int{
		model.ErrInvalidInput:      http.StatusBadRequest,
		state.ErrNotFound:          http.StatusNotFound,
		state.ErrInvalidTransition: http.StatusConflict,
		sos.ErrAlreadyArmed:        http.StatusConflict,
		sos.ErrNoContacts:          http.StatusPreconditionFailed,
		backend.ErrNotSignedIn:     http.StatusUnauthorized,
		backend.ErrRemote:          http.StatusBadGateway,
		state.ErrPersistence:       http.StatusInternalServerError,
		io.ErrUnexpectedEOF:        http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}

func TestMDNSNames(t *testing.T) {
	assert.Equal(t, "SOSGuard Server (my host local)", sanitizeMDNSInstance("SOSGuard Server (my_host.local)"))
	assert.Equal(t, "SOSGuard Server", sanitizeMDNSInstance("  \n "))
	assert.Equal(t, "my-laptop", sanitizeMDNSHost("My Laptop"))
	assert.Len(t, []rune(sanitizeMDNSHost(strings.Repeat("a", 100))), mdnsMaxLabel)

	a := New(config.Config{HTTPPort: 8080, MetricsPort: 9090, DeviceID: "dev-1"}, nil)
	txt := a.mdnsTXT("phone")
	assert.Contains(t, txt, "http_port=8080")
	assert.Contains(t, txt, "device=dev-1")
	assert.Contains(t, txt, "host=phone.local")
}
