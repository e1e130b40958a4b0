// Package statusapi serves the field UI: queue inspection, manual sync
// control, run snapshots, execution actions, and a live event stream.
package statusapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/outreachworks/fieldsync/internal/fieldsync"
)

type ServerConfig struct {
	JWTSecret    string
	MaxBodyBytes int64
}

type Server struct {
	queue      fieldsync.ActionQueue
	engine     *fieldsync.Engine
	session    *fieldsync.RunSession
	controller *fieldsync.Controller
	cfg        ServerConfig
}

func NewServer(queue fieldsync.ActionQueue, engine *fieldsync.Engine, session *fieldsync.RunSession, controller *fieldsync.Controller, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{
		queue:      queue,
		engine:     engine,
		session:    session,
		controller: controller,
		cfg:        cfg,
	}
}

type queueSnapshot struct {
	Pending      []fieldsync.QueuedAction `json:"pending"`
	Failed       []fieldsync.QueuedAction `json:"failed"`
	PendingCount int                      `json:"pendingCount"`
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && parts[1] == "queue" && r.Method == http.MethodGet:
		requiredScope = "exec:read"
		route = "queue"
	case len(parts) == 4 && parts[1] == "queue" && parts[3] == "retry" && r.Method == http.MethodPost:
		requiredScope = "exec:write"
		route = "queue_retry"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "trigger" && r.Method == http.MethodPost:
		requiredScope = "exec:write"
		route = "sync_trigger"
	case len(parts) == 2 && parts[1] == "connectivity" && r.Method == http.MethodPost:
		requiredScope = "exec:write"
		route = "connectivity"
	case len(parts) == 2 && parts[1] == "run" && r.Method == http.MethodGet:
		requiredScope = "exec:read"
		route = "run"
	case len(parts) == 3 && parts[1] == "run" && r.Method == http.MethodPost:
		requiredScope = "exec:write"
		route = "run_" + parts[2]
	case len(parts) == 4 && parts[1] == "requests" && r.Method == http.MethodPost:
		requiredScope = "exec:write"
		route = "request_" + parts[3]
	case len(parts) == 3 && parts[1] == "events" && parts[2] == "stream" && r.Method == http.MethodGet:
		requiredScope = "exec:read"
		route = "events_stream"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}

	if _, authErr := authorizeBearer(bearerHeader(r), s.cfg.JWTSecret, requiredScope, time.Now()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}

	switch route {
	case "queue":
		s.handleQueue(w)
	case "queue_retry":
		s.handleQueueRetry(w, parts[2])
	case "sync_trigger":
		s.engine.TriggerSync()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	case "connectivity":
		s.handleConnectivity(w, r)
	case "run":
		writeJSON(w, http.StatusOK, s.session.Snapshot())
	case "run_start":
		s.respondAction(w, s.controller.StartRun())
	case "run_advance":
		s.respondAction(w, s.controller.AdvanceStop())
	case "run_previous":
		s.respondAction(w, s.controller.PreviousStop())
	case "run_delivery":
		s.handleDelivery(w, r)
	case "run_spot":
		s.handleSpot(w, r)
	case "request_delivered":
		s.handleRequestStatus(w, r, parts[2], true)
	case "request_delivery-failed":
		s.handleRequestStatus(w, r, parts[2], false)
	case "events_stream":
		s.handleEventStream(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleQueue(w http.ResponseWriter) {
	pending, err := s.queue.ListPending()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "queue_error", err.Error())
		return
	}
	failed, err := s.queue.ListFailed()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "queue_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, queueSnapshot{
		Pending:      pending,
		Failed:       failed,
		PendingCount: len(pending),
	})
}

func (s *Server) handleQueueRetry(w http.ResponseWriter, rawID string) {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid action id")
		return
	}
	if err := s.queue.Retry(id); err != nil {
		switch {
		case errors.Is(err, fieldsync.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", "action not found")
		case errors.Is(err, fieldsync.ErrInvalidState):
			writeError(w, http.StatusConflict, "invalid_state", "action is not failed")
		default:
			writeError(w, http.StatusInternalServerError, "queue_error", err.Error())
		}
		return
	}
	s.engine.TriggerSync()
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "id": id})
}

func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Online bool `json:"online"`
	}
	if !s.decodeJSONBody(w, r, &body) {
		return
	}
	s.engine.SetOnline(body.Online)
	writeJSON(w, http.StatusOK, map[string]bool{"online": body.Online})
}

func (s *Server) handleDelivery(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MealsDelivered *int   `json:"mealsDelivered"`
		Notes          string `json:"notes"`
	}
	if !s.decodeJSONBody(w, r, &body) {
		return
	}
	if body.MealsDelivered == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "mealsDelivered is required")
		return
	}
	s.respondAction(w, s.controller.RecordDelivery(*body.MealsDelivered, body.Notes))
}

func (s *Server) handleSpot(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FriendID int64  `json:"friendId"`
		Notes    string `json:"notes"`
	}
	if !s.decodeJSONBody(w, r, &body) {
		return
	}
	if body.FriendID <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "friendId is required")
		return
	}
	s.respondAction(w, s.controller.SpotFriend(body.FriendID, body.Notes))
}

func (s *Server) handleRequestStatus(w http.ResponseWriter, r *http.Request, rawID string, delivered bool) {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request id")
		return
	}
	var body struct {
		Notes string `json:"notes"`
	}
	if !s.decodeJSONBody(w, r, &body) {
		return
	}
	if delivered {
		s.respondAction(w, s.controller.MarkDelivered(id, body.Notes))
		return
	}
	s.respondAction(w, s.controller.DeliveryFailed(id, body.Notes))
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	events, dispose := s.engine.Events().Subscribe(64)
	defer dispose()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, event); err != nil {
				return
			}
		}
	}
}

func (s *Server) respondAction(w http.ResponseWriter, err error) {
	if err == nil {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
		return
	}
	switch {
	case errors.Is(err, fieldsync.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, fieldsync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, fieldsync.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, fieldsync.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, "queue_full", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return false
	}
	return true
}

func bearerHeader(r *http.Request) string {
	return r.Header.Get("Authorization")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
