// ABOUTME: HTTP route table for the coordinator API built on gorilla/mux
// ABOUTME: Health probes are open; /api routes require a bearer token and a role per route

package gateway

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/mux"

	"github.com/2389/rig-gateway/internal/auth"
)

// Handler returns the gateway's full HTTP handler.
func (g *Gateway) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(g.recoverMiddleware, g.logMiddleware)

	r.HandleFunc("/health", g.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", g.handleReady).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(auth.HTTPAuthMiddleware(g.verifier, g.accounts, g.logger))

	agent := roleGate(auth.RoleAgent)
	user := roleGate(auth.RoleUser, auth.RoleAdmin)
	admin := roleGate(auth.RoleAdmin)

	// Agent mailbox and device reporting.
	api.Handle("/devices/register", agent(g.handleRegisterDevice)).Methods(http.MethodPost)
	api.Handle("/devices/{id}/heartbeat", agent(g.handleHeartbeat)).Methods(http.MethodPost)
	api.Handle("/devices/{id}/telemetry", agent(g.handleTelemetry)).Methods(http.MethodPost)
	api.Handle("/devices/{id}/commands", agent(g.handlePollCommands)).Methods(http.MethodGet)
	api.Handle("/commands/{cid}/start", agent(g.handleStartCommand)).Methods(http.MethodPost)
	api.Handle("/commands/{cid}/complete", agent(g.handleCompleteCommand)).Methods(http.MethodPost)

	// Devices.
	api.Handle("/devices", user(g.handleListDevices)).Methods(http.MethodGet)
	api.Handle("/devices/{id}", user(g.handleGetDevice)).Methods(http.MethodGet)
	api.Handle("/devices/{id}/claim", admin(g.handleClaimDevice)).Methods(http.MethodPost)
	api.Handle("/devices/{id}/release", admin(g.handleReleaseDevice)).Methods(http.MethodPost)
	api.Handle("/devices/{id}/deactivate", admin(g.handleDeactivateDevice)).Methods(http.MethodPost)
	api.Handle("/devices/{id}/commands", admin(g.handleEnqueueCommand)).Methods(http.MethodPost)

	// Queue and session.
	api.Handle("/devices/{id}/queue", user(g.handleJoinQueue)).Methods(http.MethodPost)
	api.Handle("/devices/{id}/queue", user(g.handleLeaveQueue)).Methods(http.MethodDelete)
	api.Handle("/devices/{id}/queue", user(g.handleListQueue)).Methods(http.MethodGet)
	api.Handle("/devices/{id}/session", user(g.handleActivateSession)).Methods(http.MethodPost)
	api.Handle("/devices/{id}/session", user(g.handleCancelSession)).Methods(http.MethodDelete)
	api.Handle("/devices/{id}/session", user(g.handleGetSession)).Methods(http.MethodGet)

	// Commands and signaling.
	api.Handle("/commands/{cid}", user(g.handleGetCommand)).Methods(http.MethodGet)
	api.Handle("/devices/{id}/signaling/offer", user(g.handleCreateOffer)).Methods(http.MethodPost)
	api.Handle("/signaling/{corr}", user(g.handleAnswerStatus)).Methods(http.MethodGet)
	api.Handle("/signaling/{corr}/ice", user(g.handleAddICECandidate)).Methods(http.MethodPost)

	// Users and audit.
	api.Handle("/me", user(g.handleMe)).Methods(http.MethodGet)
	api.Handle("/users", admin(g.handleCreateUser)).Methods(http.MethodPost)
	api.Handle("/users/{id}/credits", admin(g.handleGrantCredits)).Methods(http.MethodPost)
	api.Handle("/audit", admin(g.handleListAudit)).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: errorDetail{Kind: "NotFound", Message: "no such route"}})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: errorDetail{Kind: "MethodNotAllowed", Message: r.Method + " not allowed"}})
	})
	return r
}

// roleGate wraps a handler func with auth.RequireRole.
func roleGate(roles ...auth.Role) func(http.HandlerFunc) http.Handler {
	gate := auth.RequireRole(roles...)
	return func(h http.HandlerFunc) http.Handler {
		return gate(h)
	}
}

// recoverMiddleware turns a handler panic into a 500 instead of a dropped
// connection.
func (g *Gateway) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				g.logger.Error("handler panic",
					"method", r.Method,
					"path", r.URL.Path,
					"panic", rec,
					"stack", string(debug.Stack()),
				)
				writeJSON(w, http.StatusInternalServerError, errorBody{Error: errorDetail{Kind: "Internal", Message: "internal error"}})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (g *Gateway) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		g.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
