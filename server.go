package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// server wires the token service, store and hub behind the HTTP surface.
type server struct {
	tokens *tokenService
	store  *fileStore
	hub    *hub
	log    *slog.Logger
}

func (s *server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/health", requireMethod(http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))

	mux.HandleFunc("/generateToken", requireMethod(http.MethodGet, s.handleGenerateToken))
	mux.HandleFunc("/location", requireMethod(http.MethodPost, s.handleLocation))
	mux.HandleFunc("/ws", requireMethod(http.MethodGet, s.handleWebSocket))
}

// requireMethod restricts a route to one HTTP method, answering other methods
// with 405 and an Allow header the way a method-qualified mux pattern would.
func requireMethod(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

// handleGenerateToken issues a bearer token to any caller. There is no
// identity check here; callers needing one are expected to gate this
// endpoint upstream.
func (s *server) handleGenerateToken(w http.ResponseWriter, r *http.Request) {
	token, err := s.tokens.issue()
	if err != nil {
		s.log.Error("token issuance failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// handleLocation is the ingest path: authenticate, decode, validate, persist,
// broadcast, respond. The fan-out is queued under the entity's write lock so
// subscribers see reports in the order their writes completed; the hand-off
// is non-blocking, so a slow subscriber never delays the reporter.
func (s *server) handleLocation(w http.ResponseWriter, r *http.Request) {
	if _, err := s.tokens.verify(r.Header.Get("Authorization")); err != nil {
		msg := "invalid or expired token"
		if errors.Is(err, errMissingCredential) {
			msg = "missing authorization header"
		}
		writeError(w, http.StatusUnauthorized, msg)
		return
	}

	var report LocationReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if err := validateReport(&report); err != nil {
		writeError(w, http.StatusBadRequest, "invalid location payload")
		return
	}
	report.Timestamp = time.Now().UnixMilli()

	if err := s.store.saveAndNotify(report, func() { s.hub.broadcast(report) }); err != nil {
		if errors.Is(err, errInvalidEntityID) {
			writeError(w, http.StatusBadRequest, "invalid entity id")
			return
		}
		s.log.Error("failed to persist location", "entity", report.UUID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to persist location")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "location updated"})
}

// handleWebSocket upgrades a subscriber connection and registers it with the
// hub. The channel is push-only: inbound frames are read and discarded so
// that peers cannot inject messages into the relay, and the read loop exists
// solely to notice disconnects. No credential is required to subscribe,
// matching the upstream contract.
func (s *server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sub, err := s.hub.register(conn)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber limit reached"),
			time.Now().Add(writeTimeout))
		conn.Close()
		return
	}
	s.log.Info("subscriber connected", "remote", conn.RemoteAddr())

	defer func() {
		s.hub.unregister(sub)
		s.log.Info("subscriber disconnected", "remote", conn.RemoteAddr())
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func withLogging(log *slog.Logger, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Info("request", "method", r.Method, "path", r.URL.Path)
		h.ServeHTTP(w, r)
	})
}
