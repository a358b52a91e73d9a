// ABOUTME: HTTP API handlers for the console: login, attempts, tasks, session ops
// ABOUTME: Wires the permission gate and session resolution middleware into the router

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/2389/console-gateway/internal/auth"
	"github.com/2389/console-gateway/internal/events"
	"github.com/2389/console-gateway/internal/gate"
	"github.com/2389/console-gateway/internal/metrics"
	"github.com/2389/console-gateway/internal/session"
	"github.com/2389/console-gateway/internal/store"
	"github.com/2389/console-gateway/internal/task"
)

const (
	// SessionCookieName is the name of the session cookie
	SessionCookieName = "console_session"

	// headlessTokenTTL bounds issued bearer tokens.
	headlessTokenTTL = 30 * 24 * time.Hour
)

// API serves the console HTTP surface.
type API struct {
	sessions    *session.Registry
	coord       *auth.Coordinator
	gate        *gate.Gate
	broadcaster *events.Broadcaster
	verifier    *auth.JWTVerifier
	runner      task.Runner
	metrics     *metrics.Metrics
	logger      *slog.Logger

	// proxy is the trusted header provider, when configured. Credentials
	// for it are injected from the request header, never the body.
	proxy *auth.ProxyProvider

	eventBuffer int
}

// Options carries the API dependencies.
type Options struct {
	Sessions    *session.Registry
	Coordinator *auth.Coordinator
	Gate        *gate.Gate
	Broadcaster *events.Broadcaster
	Verifier    *auth.JWTVerifier
	Runner      task.Runner
	Metrics     *metrics.Metrics
	Proxy       *auth.ProxyProvider
	EventBuffer int
	Logger      *slog.Logger
}

// New creates the API. Pass nil logger for default.
func New(opts Options) *API {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	buffer := opts.EventBuffer
	if buffer <= 0 {
		buffer = 64
	}
	return &API{
		sessions:    opts.Sessions,
		coord:       opts.Coordinator,
		gate:        opts.Gate,
		broadcaster: opts.Broadcaster,
		verifier:    opts.Verifier,
		runner:      opts.Runner,
		metrics:     opts.Metrics,
		proxy:       opts.Proxy,
		eventBuffer: buffer,
		logger:      logger.With("component", "api"),
	}
}

// Router builds the console route table. Requirements are plain data per
// route; the gate applies them in its fixed order.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()

	sessionBound := func(req gate.Requirements, h http.HandlerFunc) http.Handler {
		return a.withSession(true, a.gate.Require(req)(h))
	}

	r.Handle("/api/auth/providers", a.withSession(true, http.HandlerFunc(a.handleListProviders))).Methods(http.MethodGet)
	r.Handle("/api/auth/login", sessionBound(gate.Requirements{PastSetup: true}, a.handleLogin)).Methods(http.MethodPost)
	r.Handle("/api/auth/attempt", sessionBound(gate.Requirements{PastSetup: true}, a.handleAttempt)).Methods(http.MethodPost)
	r.Handle("/api/auth/logout", sessionBound(gate.Requirements{PastSetup: true, Authenticated: true}, a.handleLogout)).Methods(http.MethodPost)
	r.Handle("/api/auth/token", sessionBound(gate.Requirements{PastSetup: true, Authenticated: true}, a.handleIssueToken)).Methods(http.MethodPost)

	r.Handle("/api/tasks", sessionBound(gate.Requirements{PastSetup: true, Permissions: []string{store.PermissionRunQueries}}, a.handleStartTask)).Methods(http.MethodPost)
	r.Handle("/api/tasks/{id}", sessionBound(gate.Requirements{PastSetup: true, Authenticated: true}, a.handleTaskStatus)).Methods(http.MethodGet)
	r.Handle("/api/tasks/{id}/cancel", sessionBound(gate.Requirements{PastSetup: true, Authenticated: true}, a.handleTaskCancel)).Methods(http.MethodPost)

	r.Handle("/api/session", sessionBound(gate.Requirements{}, a.handleSessionInfo)).Methods(http.MethodGet)
	r.Handle("/api/session/touch", sessionBound(gate.Requirements{}, a.handleTouch)).Methods(http.MethodPost)
	r.Handle("/api/session/close", sessionBound(gate.Requirements{}, a.handleClose)).Methods(http.MethodPost)
	r.Handle("/api/session/preferences", sessionBound(gate.Requirements{PastSetup: true}, a.handlePreferences)).Methods(http.MethodPost)

	// The stream handler resolves its own session so it can answer an
	// expired bearer token with a token_expired frame instead of a 401.
	r.HandleFunc("/api/events", a.handleEventStream).Methods(http.MethodGet)
	r.Handle("/api/events/subscribe", sessionBound(gate.Requirements{}, a.handleSubscribe)).Methods(http.MethodPost)
	r.Handle("/api/events/unsubscribe", sessionBound(gate.Requirements{}, a.handleUnsubscribe)).Methods(http.MethodPost)
	r.Handle("/api/events/projects", sessionBound(gate.Requirements{}, a.handleSetProjects)).Methods(http.MethodPost)
	r.Handle("/api/events/ping", sessionBound(gate.Requirements{}, a.handlePing)).Methods(http.MethodPost)

	r.HandleFunc("/healthz", a.handleHealth).Methods(http.MethodGet)

	return r
}

// correlation extracts the session correlation from a request. Bearer token
// beats cookie when both are present.
func correlation(r *http.Request) session.Correlation {
	var corr session.Correlation
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		corr.BearerToken = strings.TrimPrefix(h, "Bearer ")
	}
	if c, err := r.Cookie(SessionCookieName); err == nil {
		corr.CookieID = c.Value
	}
	return corr
}

// resolveSession resolves (or creates) the request's session. Expired
// bearer tokens soft-reset any cookie-correlated session on the same
// request and surface the error for the caller to map.
func (a *API) resolveSession(w http.ResponseWriter, r *http.Request, create bool) (*session.Session, error) {
	corr := correlation(r)

	var sess *session.Session
	var err error
	if create {
		sess, err = a.sessions.GetOrCreate(corr)
	} else {
		sess, err = a.sessions.Find(corr)
	}
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			// The refresh backing was invalidated externally: recover once
			// with a soft reset, then re-raise so the client can log in
			// again on the same session.
			if corr.CookieID != "" {
				if cs, findErr := a.sessions.Find(session.Correlation{CookieID: corr.CookieID}); findErr == nil && cs != nil {
					cs.SoftReset()
				}
			}
		}
		return nil, err
	}
	if sess == nil {
		return nil, nil
	}

	sess.Touch()
	if sess.Kind() == session.KindInteractive && corr.CookieID == "" {
		http.SetCookie(w, &http.Cookie{
			Name:     SessionCookieName,
			Value:    sess.ID(),
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}

	a.sideChannelLogin(r, sess)
	return sess, nil
}

// sideChannelLogin performs trusted reverse-proxy header authentication for
// anonymous sessions. This is the only path that reaches trusted providers.
func (a *API) sideChannelLogin(r *http.Request, sess *session.Session) {
	if a.proxy == nil || sess.User() != nil {
		return
	}
	username := r.Header.Get(a.proxy.Header())
	if username == "" {
		return
	}
	view, err := a.coord.BeginLogin(r.Context(), sess, auth.LoginRequest{
		ProviderID:  a.proxy.ID(),
		Parameters:  map[string]string{"user": username},
		SideChannel: true,
	})
	if err != nil || view.Status != auth.StatusSuccess {
		a.logger.Warn("proxy header login failed",
			"session_id", sess.ID(),
			"error", err)
	}
}

// withSession resolves the session and attaches it to the request context.
func (a *API) withSession(create bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := a.resolveSession(w, r, create)
		if err != nil {
			writeTaxonomyError(w, err)
			return
		}
		if sess != nil {
			r = r.WithContext(session.WithSession(r.Context(), sess))
		}
		next.ServeHTTP(w, r)
	})
}

// providerInfo is one entry of GET /api/auth/providers.
type providerInfo struct {
	ID        string `json:"id"`
	Federated bool   `json:"federated"`
}

func (a *API) handleListProviders(w http.ResponseWriter, r *http.Request) {
	var out []providerInfo
	for _, p := range a.coord.Providers().ListEnabled() {
		if p.Trusted() {
			// Trusted providers are not client-addressable.
			continue
		}
		out = append(out, providerInfo{ID: p.ID(), Federated: p.Federated()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}

// loginRequest is the JSON request body for POST /api/auth/login.
type loginRequest struct {
	ProviderID          string            `json:"providerId"`
	ConfigID            string            `json:"configId,omitempty"`
	Parameters          map[string]string `json:"parameters,omitempty"`
	LinkWithActiveUser  bool              `json:"linkWithActiveUser,omitempty"`
	ForceSessionsLogout bool              `json:"forceSessionsLogout,omitempty"`
}

// identityView is one linked identity in login/attempt responses.
type identityView struct {
	ProviderID  string `json:"providerId"`
	ConfigID    string `json:"configId,omitempty"`
	UserID      string `json:"userId"`
	Subject     string `json:"subject"`
	DisplayName string `json:"displayName,omitempty"`
}

// attemptResponse mirrors the login entry point's shapes for both login and
// attempt-poll endpoints.
type attemptResponse struct {
	Status           string         `json:"status"`
	AttemptID        string         `json:"attemptId,omitempty"`
	RedirectURL      string         `json:"redirectUrl,omitempty"`
	LinkedIdentities []identityView `json:"linkedIdentities,omitempty"`
	Error            string         `json:"error,omitempty"`
}

func attemptToResponse(view *auth.AttemptView) *attemptResponse {
	resp := &attemptResponse{
		Status:      string(view.Status),
		RedirectURL: view.RedirectURL,
		Error:       view.ErrMessage,
	}
	if view.Status == auth.StatusInProgress {
		resp.AttemptID = view.ID
	}
	for _, id := range view.Identities {
		resp.LinkedIdentities = append(resp.LinkedIdentities, identityView{
			ProviderID:  id.ProviderID,
			ConfigID:    id.ConfigID,
			UserID:      id.UserID,
			Subject:     id.Subject,
			DisplayName: id.DisplayName,
		})
	}
	return resp
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "", "invalid request body")
		return
	}

	sess := session.FromContext(r.Context())
	view, err := a.coord.BeginLogin(r.Context(), sess, auth.LoginRequest{
		ProviderID:          req.ProviderID,
		ConfigID:            req.ConfigID,
		Parameters:          req.Parameters,
		LinkWithActiveUser:  req.LinkWithActiveUser,
		ForceSessionsLogout: req.ForceSessionsLogout,
	})
	if err != nil {
		if a.metrics != nil {
			a.metrics.LoginAttempt(req.ProviderID, "rejected")
		}
		writeTaxonomyError(w, err)
		return
	}
	if a.metrics != nil && view.Status != auth.StatusInProgress {
		a.metrics.LoginAttempt(req.ProviderID, string(view.Status))
	}
	writeJSON(w, http.StatusOK, attemptToResponse(view))
}

// attemptPollRequest is the JSON request body for POST /api/auth/attempt.
type attemptPollRequest struct {
	AttemptID string `json:"attemptId"`
}

func (a *API) handleAttempt(w http.ResponseWriter, r *http.Request) {
	var req attemptPollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "", "invalid request body")
		return
	}

	view, err := a.coord.Resolve(r.Context(), req.AttemptID)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, attemptToResponse(view))
}

// logoutRequest is the JSON request body for POST /api/auth/logout.
// Omitted provider id means "all providers".
type logoutRequest struct {
	ProviderID string `json:"providerId,omitempty"`
	ConfigID   string `json:"configId,omitempty"`
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if r.Body != nil {
		// Body is optional for full logout.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	sess := session.FromContext(r.Context())
	urls, err := a.coord.Logout(r.Context(), sess, req.ProviderID, req.ConfigID)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	if urls == nil {
		urls = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"signOutUrls": urls})
}

func (a *API) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	token, err := a.verifier.Generate(uuid.New().String(), headlessTokenTTL)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// startTaskRequest is the JSON request body for POST /api/tasks.
type startTaskRequest struct {
	Name       string            `json:"name"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

func (a *API) handleStartTask(w http.ResponseWriter, r *http.Request) {
	var req startTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "", "task name is required")
		return
	}

	sess := session.FromContext(r.Context())
	taskID := sess.Tasks().Start(req.Name, func(ctx context.Context, mon *task.Monitor) (any, error) {
		return a.runner.Run(ctx, req.Name, req.Parameters, mon)
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"taskId": taskID})
}

func (a *API) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["id"]
	removeOnFinish := r.URL.Query().Get("removeOnFinish") == "true"

	sess := session.FromContext(r.Context())
	snapshot, err := sess.Tasks().Status(taskID, removeOnFinish)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (a *API) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["id"]

	sess := session.FromContext(r.Context())
	cancelled := sess.Tasks().Cancel(taskID)
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// sessionInfo is the response body of GET /api/session.
type sessionInfo struct {
	SessionID   string            `json:"sessionId"`
	Kind        string            `json:"kind"`
	Username    string            `json:"username,omitempty"`
	UserID      string            `json:"userId,omitempty"`
	Identities  []identityView    `json:"identities,omitempty"`
	Locale      string            `json:"locale,omitempty"`
	Preferences map[string]string `json:"preferences,omitempty"`
}

func (a *API) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	sess := session.FromContext(r.Context())

	info := sessionInfo{
		SessionID:   sess.ID(),
		Kind:        string(sess.Kind()),
		Locale:      sess.Locale(),
		Preferences: sess.Preferences(),
	}
	if u := sess.User(); u != nil {
		info.Username = u.Username
		info.UserID = u.ID
	}
	for _, id := range sess.Identities() {
		info.Identities = append(info.Identities, identityView{
			ProviderID:  id.ProviderID,
			ConfigID:    id.ConfigID,
			UserID:      id.UserID,
			Subject:     id.Subject,
			DisplayName: id.DisplayName,
		})
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *API) handleTouch(w http.ResponseWriter, r *http.Request) {
	// Resolution already touched the session.
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleClose(w http.ResponseWriter, r *http.Request) {
	closed, err := a.sessions.Close(correlation(r))
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"closed": closed != nil})
}

// preferencesRequest is the JSON request body for POST /api/session/preferences.
type preferencesRequest struct {
	Locale      string            `json:"locale,omitempty"`
	Preferences map[string]string `json:"preferences,omitempty"`
}

func (a *API) handlePreferences(w http.ResponseWriter, r *http.Request) {
	var req preferencesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "", "invalid request body")
		return
	}

	sess := session.FromContext(r.Context())
	if req.Locale != "" {
		sess.SetLocale(req.Locale)
	}
	for k, v := range req.Preferences {
		sess.SetPreference(k, v)
	}

	a.broadcaster.Publish(&events.Event{
		Topic:           events.TopicSettings,
		Type:            "preferences",
		OriginSessionID: sess.ID(),
		Payload:         events.Marshal(sess.Preferences()),
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
