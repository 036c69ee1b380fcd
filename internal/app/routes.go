package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"sosguard/go-sos-server/internal/backend"
	"sosguard/go-sos-server/internal/location"
	"sosguard/go-sos-server/internal/model"
	"sosguard/go-sos-server/internal/sos"
	"sosguard/go-sos-server/internal/state"
)

const requestTimeout = 2 * time.Second

func (a *App) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", a.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.handleReadyz).Methods(http.MethodGet)
	r.HandleFunc("/ws/events", a.hub.serveWS).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(a.instrument)

	api.HandleFunc("/sos", a.handleSOSStatus).Methods(http.MethodGet)
	api.HandleFunc("/sos/toggle", a.handleSOSToggle).Methods(http.MethodPost)
	api.HandleFunc("/sos/arm", a.handleSOSArm).Methods(http.MethodPost)
	api.HandleFunc("/sos/cancel", a.handleSOSCancel).Methods(http.MethodPost)
	api.HandleFunc("/sos/trigger", a.handleSOSTrigger).Methods(http.MethodPost)

	api.HandleFunc("/safety-check", a.handleSafetyCheckStart).Methods(http.MethodPost)
	api.HandleFunc("/safety-check", a.handleSafetyCheckCancel).Methods(http.MethodDelete)

	api.HandleFunc("/alerts", a.handleListAlerts).Methods(http.MethodGet)
	api.HandleFunc("/alerts", a.handleReportAlert).Methods(http.MethodPost)
	api.HandleFunc("/alerts/{id}", a.handleUpdateAlert).Methods(http.MethodPatch)
	api.HandleFunc("/alerts/{id}", a.handleDeleteAlert).Methods(http.MethodDelete)

	api.HandleFunc("/contacts", a.handleListContacts).Methods(http.MethodGet)
	api.HandleFunc("/contacts", a.handleAddContact).Methods(http.MethodPost)
	api.HandleFunc("/contacts/{id}", a.handleUpdateContact).Methods(http.MethodPut)
	api.HandleFunc("/contacts/{id}", a.handleDeleteContact).Methods(http.MethodDelete)

	api.HandleFunc("/settings", a.handleGetSettings).Methods(http.MethodGet)
	api.HandleFunc("/settings", a.handlePatchSettings).Methods(http.MethodPatch)
	api.HandleFunc("/settings/reset", a.handleResetSettings).Methods(http.MethodPost)

	api.HandleFunc("/location", a.handleLocation).Methods(http.MethodGet)
	api.HandleFunc("/resources", a.handleResources).Methods(http.MethodGet)

	api.HandleFunc("/session", a.handleSignIn).Methods(http.MethodPost)
	api.HandleFunc("/session", a.handleSignOut).Methods(http.MethodDelete)

	api.HandleFunc("/admin/wipe", a.handleWipe).Methods(http.MethodPost)

	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (a *App) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		if a.metrics != nil {
			a.metrics.ObserveRequest(route, rec.status)
		}
		a.logger.Debug("http request", "method", r.Method, "route", route, "status", rec.status, "duration", time.Since(start))
	})
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if a.store == nil || a.controller == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if err := a.store.Ping(ctx); err != nil {
		a.logger.Warn("readiness: store ping failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "store unavailable"})
		return
	}

	resp := map[string]any{"status": "ready"}
	if a.mqtt != nil {
		resp["mqtt_connected"] = a.mqtt.IsConnected()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleSOSStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.controller.Status())
}

func (a *App) handleSOSToggle(w http.ResponseWriter, r *http.Request) {
	armed, err := a.controller.Toggle()
	if err != nil {
		a.writeError(w, err)
		return
	}
	status := a.controller.Status()
	status.Armed = armed
	writeJSON(w, http.StatusOK, status)
}

func (a *App) handleSOSArm(w http.ResponseWriter, r *http.Request) {
	if err := a.controller.Arm(); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, a.controller.Status())
}

func (a *App) handleSOSCancel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": a.controller.Cancel()})
}

func (a *App) handleSOSTrigger(w http.ResponseWriter, r *http.Request) {
	// Dispatch is detached from the request once the alert is recorded.
	result, err := a.controller.TriggerNow(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (a *App) handleSafetyCheckStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Minutes int `json:"minutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if err := a.controller.StartSafetyCheck(req.Minutes); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, a.controller.Status())
}

func (a *App) handleSafetyCheckCancel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": a.controller.CancelSafetyCheck()})
}

func (a *App) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := a.state.Alerts()
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "count": len(alerts)})
}

func (a *App) handleReportAlert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	result, err := a.controller.Report(r.Context(), req.Message)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (a *App) handleUpdateAlert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status model.AlertStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	alert, err := a.controller.UpdateAlertStatus(ctx, mux.Vars(r)["id"], req.Status)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (a *App) handleDeleteAlert(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if err := a.controller.DeleteAlert(ctx, mux.Vars(r)["id"]); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleListContacts(w http.ResponseWriter, r *http.Request) {
	contacts := a.state.Contacts()
	writeJSON(w, http.StatusOK, map[string]any{"contacts": contacts, "count": len(contacts)})
}

func (a *App) handleAddContact(w http.ResponseWriter, r *http.Request) {
	var contact model.Contact
	if err := json.NewDecoder(r.Body).Decode(&contact); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	added, err := a.state.AddContact(ctx, contact)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, added)
}

func (a *App) handleUpdateContact(w http.ResponseWriter, r *http.Request) {
	var contact model.Contact
	if err := json.NewDecoder(r.Body).Decode(&contact); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	contact.ID = mux.Vars(r)["id"]

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	updated, err := a.state.UpdateContact(ctx, contact)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *App) handleDeleteContact(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if err := a.state.DeleteContact(ctx, mux.Vars(r)["id"]); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.state.Settings())
}

func (a *App) handlePatchSettings(w http.ResponseWriter, r *http.Request) {
	var patch model.SettingsPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	settings, err := a.state.UpdateSettings(ctx, patch)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (a *App) handleResetSettings(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	settings, err := a.state.ResetSettings(ctx)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// Fix states reported by GET /api/location.
const (
	fixOK      = "ok"
	fixPending = "no_fix"
	fixDenied  = "denied"
)

type locationResponse struct {
	Permission location.Permission   `json:"permission"`
	Tracking   bool                  `json:"tracking"`
	Fix        string                `json:"fix"`
	Location   string                `json:"location"`
	Sample     *model.LocationSample `json:"sample,omitempty"`
}

func (a *App) handleLocation(w http.ResponseWriter, r *http.Request) {
	resp := locationResponse{
		Permission: location.PermissionUndetermined,
		Tracking:   a.state.Settings().LocationTracking,
		Fix:        fixPending,
		Location:   model.LocationUnavailable,
	}
	if a.tracker != nil {
		sample, err := a.tracker.Current(r.Context())
		switch {
		case err == nil:
			resp.Fix = fixOK
			resp.Sample = &sample
			resp.Location = sample.Format()
		case errors.Is(err, location.ErrPermissionDenied):
			resp.Fix = fixDenied
		case !errors.Is(err, location.ErrNoFix):
			a.logger.Warn("read current location", "error", err)
		}
		resp.Permission = a.tracker.Permission()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleResources(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, model.DefaultResources())
}

func (a *App) handleSignIn(w http.ResponseWriter, r *http.Request) {
	if !a.backend.Enabled() {
		http.Error(w, "backend not configured", http.StatusServiceUnavailable)
		return
	}

	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		http.Error(w, "email and password required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	user, err := a.backend.SignIn(ctx, strings.TrimSpace(req.Email), req.Password)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if err := a.state.SetUser(ctx, user); err != nil {
		a.writeError(w, err)
		return
	}

	merged := 0
	remote, err := a.backend.SelectContacts(ctx, user.ID)
	if err != nil {
		a.logger.Warn("session: contact sync failed", "user", user.ID, "error", err)
	} else if merged, err = a.state.MergeContacts(ctx, remote); err != nil {
		a.writeError(w, err)
		return
	}

	a.logger.Info("session: signed in", "user", user.ID, "merged_contacts", merged)
	writeJSON(w, http.StatusOK, map[string]any{"user": user, "merged_contacts": merged})
}

func (a *App) handleSignOut(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if err := a.backend.SignOut(ctx); err != nil {
		a.logger.Warn("session: backend sign-out failed", "error", err)
	}
	if err := a.state.ClearUser(ctx); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleWipe(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		http.Error(w, "store not initialized", http.StatusServiceUnavailable)
		return
	}

	var body struct {
		Confirm string `json:"confirm"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if strings.ToLower(strings.TrimSpace(body.Confirm)) != "wipe" {
		http.Error(w, "confirmation required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	a.controller.Cancel()
	a.controller.CancelSafetyCheck()
	if err := a.state.ClearHistory(ctx); err != nil {
		a.logger.Error("wipe: failed", "error", err)
		a.writeError(w, err)
		return
	}
	if err := a.store.Wipe(ctx); err != nil {
		a.logger.Error("wipe: failed", "error", err)
		http.Error(w, "failed to wipe data", http.StatusInternalServerError)
		return
	}

	a.logger.Warn("wipe: all contacts and alerts cleared")
	w.WriteHeader(http.StatusNoContent)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, state.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, state.ErrInvalidTransition),
		errors.Is(err, sos.ErrAlreadyArmed):
		return http.StatusConflict
	case errors.Is(err, sos.ErrNoContacts):
		return http.StatusPreconditionFailed
	case errors.Is(err, backend.ErrNotSignedIn):
		return http.StatusUnauthorized
	case errors.Is(err, backend.ErrRemote):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (a *App) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		a.logger.Error("request failed", "error", err)
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
