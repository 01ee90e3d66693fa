package agentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/a-h/templ"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/todo-1m/offline/internal/actions"
	"github.com/todo-1m/offline/internal/broadcast"
	"github.com/todo-1m/offline/internal/contracts"
	"github.com/todo-1m/offline/internal/notify"
	platformauth "github.com/todo-1m/offline/internal/platform/auth"
	"github.com/todo-1m/offline/internal/queue"
	"github.com/todo-1m/offline/internal/replay"
	"github.com/todo-1m/offline/services/frontend"
)

type Caller interface {
	Call(ctx context.Context, req actions.Request) (actions.Outcome, error)
}

type QueueAdmin interface {
	GetAll(ctx context.Context) ([]contracts.Command, error)
	Len(ctx context.Context) int
	Clear(ctx context.Context) (contracts.Durability, error)
	Retries(ctx context.Context) (map[string]queue.Retry, error)
	DeadLetters(ctx context.Context) ([]queue.DeadLetter, error)
	Requeue(ctx context.Context, id string) (contracts.Durability, error)
	Discard(ctx context.Context, id string) (contracts.Durability, error)
	Degraded() bool
}

type Replayer interface {
	SyncNow() replay.Report
	Kick()
	Status() contracts.ActionStatus
	Running() bool
	LastReport() replay.Report
}

type Connectivity interface {
	IsOnline() bool
	Set(online bool)
}

type Dispatcher interface {
	Status() contracts.ActionStatus
	ForgetAll()
}

// Handler serves the agent API. Tokens is optional; when set every /v1
// route needs a bearer token.
type Handler struct {
	Caller         Caller
	Queue          QueueAdmin
	Replayer       Replayer
	Conn           Connectivity
	Dispatcher     Dispatcher
	Bus            *broadcast.Bus
	Hub            *notify.Hub
	Policy         *actions.Policy
	Metrics        http.Handler
	Ready          func(ctx context.Context) error
	Tokens         *platformauth.Manager
	AllowedOrigins []string
	Heartbeat      time.Duration
	Title          string

	log      logrus.FieldLogger
	upgrader websocket.Upgrader
}

func NewHandler(log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	h := &Handler{
		Heartbeat: 15 * time.Second,
		Title:     "Offline agent",
		log:       log.WithField("component", "agentapi"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return h.originAllowed(r.Header.Get("Origin")) },
	}
	return h
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(h.corsMiddleware)

	r.Get("/healthz", h.handleHealth)
	r.Get("/readyz", h.handleReady)
	if h.Metrics != nil {
		r.Handle("/metrics", h.Metrics)
	}
	r.Handle("/static/*", http.StripPrefix("/static/", frontend.StaticHandler()))
	r.Handle("/", templ.Handler(frontend.Dashboard(h.Title)))

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(h.authMiddleware)
		v1.Post("/commands", h.handleCommand)
		v1.Get("/status", h.handleStatus)
		v1.Get("/queue", h.handleQueue)
		v1.Delete("/queue", h.handleClearQueue)
		v1.Post("/sync", h.handleSync)
		v1.Get("/dead-letters", h.handleDeadLetters)
		v1.Post("/dead-letters/{id}/requeue", h.handleRequeue)
		v1.Delete("/dead-letters/{id}", h.handleDiscard)
		v1.Get("/actions", h.handleActions)
		v1.Get("/actions/rules", h.handleRules)
		v1.Delete("/actions/{id}", h.handleClearAction)
		v1.Post("/connectivity", h.handleConnectivity)
		v1.Get("/notifications", h.handleNotifications)
		v1.Get("/notifications/stream", h.handleStream)
		v1.Get("/notifications/ws", h.handleWebsocket)
	})
	return r
}

func (h *Handler) heartbeat() time.Duration {
	if h.Heartbeat <= 0 {
		return 15 * time.Second
	}
	return h.Heartbeat
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.Ready != nil {
		if err := h.Ready(r.Context()); err != nil {
			h.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type commandRequest struct {
	CorrelationID  string          `json:"correlation_id"`
	Endpoint       string          `json:"endpoint"`
	Method         string          `json:"method"`
	Payload        json.RawMessage `json:"payload"`
	Silent         *bool           `json:"silent"`
	SuccessMessage string          `json:"success_message"`
}

type commandError struct {
	Error         string              `json:"error"`
	Status        int                 `json:"status"`
	Errors        map[string][]string `json:"errors,omitempty"`
	CorrelationID string              `json:"correlation_id,omitempty"`
}

func (h *Handler) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	method, ok := contracts.ParseMethod(req.Method)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "unsupported method")
		return
	}
	endpoint := strings.TrimSpace(req.Endpoint)
	if !strings.HasPrefix(endpoint, "/") {
		h.writeError(w, http.StatusBadRequest, "endpoint must start with /")
		return
	}

	out, err := h.Caller.Call(r.Context(), actions.Request{
		CorrelationID:  strings.TrimSpace(req.CorrelationID),
		Endpoint:       endpoint,
		Method:         method,
		Payload:        req.Payload,
		Silent:         req.Silent,
		SuccessMessage: req.SuccessMessage,
	})
	if claims, ok := claimsFromContext(r.Context()); ok {
		h.log.WithFields(logrus.Fields{
			"subject":   claims.Subject,
			"action_id": out.CorrelationID,
			"status":    out.Status,
		}).Debug("command submitted")
	}
	if err != nil {
		apiErr := contracts.AsAPIError(err)
		status := apiErr.Status
		if status < 400 {
			status = http.StatusServiceUnavailable
		}
		h.writeJSON(w, status, commandError{
			Error:         apiErr.Message,
			Status:        apiErr.Status,
			Errors:        apiErr.Errors,
			CorrelationID: out.CorrelationID,
		})
		return
	}
	if out.Status == contracts.StatusQueued {
		h.writeJSON(w, http.StatusAccepted, out)
		return
	}
	h.writeJSON(w, http.StatusOK, out)
}

type statusResponse struct {
	Online      bool                   `json:"online"`
	QueueDepth  int                    `json:"queue_depth"`
	DeadLetters int                    `json:"dead_letters"`
	Degraded    bool                   `json:"degraded"`
	Dispatcher  contracts.ActionStatus `json:"dispatcher"`
	Replay      replayStatus           `json:"replay"`
	Listeners   int                    `json:"listeners"`
}

type replayStatus struct {
	Status  contracts.ActionStatus `json:"status"`
	Running bool                   `json:"running"`
	Last    replay.Report          `json:"last"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.status(r.Context()))
}

func (h *Handler) status(ctx context.Context) statusResponse {
	dead, _ := h.Queue.DeadLetters(ctx)
	resp := statusResponse{
		Online:      h.Conn.IsOnline(),
		QueueDepth:  h.Queue.Len(ctx),
		DeadLetters: len(dead),
		Degraded:    h.Queue.Degraded(),
		Replay: replayStatus{
			Status:  h.Replayer.Status(),
			Running: h.Replayer.Running(),
			Last:    h.Replayer.LastReport(),
		},
	}
	if h.Dispatcher != nil {
		resp.Dispatcher = h.Dispatcher.Status()
	}
	if h.Hub != nil {
		resp.Listeners = h.Hub.Listeners()
	}
	return resp
}

type queueResponse struct {
	Commands []contracts.Command    `json:"commands"`
	Retries  map[string]queue.Retry `json:"retries"`
	Degraded bool                   `json:"degraded"`
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	items, err := h.Queue.GetAll(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	retries, err := h.Queue.Retries(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, queueResponse{Commands: items, Retries: retries, Degraded: h.Queue.Degraded()})
}

func (h *Handler) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	durability, err := h.Queue.Clear(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if h.Dispatcher != nil {
		h.Dispatcher.ForgetAll()
	}
	h.writeJSON(w, http.StatusOK, map[string]contracts.Durability{"durability": durability})
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	if !h.Conn.IsOnline() {
		h.writeError(w, http.StatusConflict, "agent is offline")
		return
	}
	rep := h.Replayer.SyncNow()
	if rep.Skipped {
		h.writeJSON(w, http.StatusConflict, rep)
		return
	}
	h.writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	dead, err := h.Queue.DeadLetters(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, dead)
}

func (h *Handler) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	durability, err := h.Queue.Requeue(r.Context(), id)
	if err != nil {
		h.writeQueueError(w, err)
		return
	}
	if h.Conn.IsOnline() {
		h.Replayer.Kick()
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"id": id, "durability": durability})
}

func (h *Handler) handleDiscard(w http.ResponseWriter, r *http.Request) {
	if _, err := h.Queue.Discard(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeQueueError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleActions(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.Bus.Snapshot())
}

func (h *Handler) handleRules(w http.ResponseWriter, _ *http.Request) {
	if h.Policy == nil {
		h.writeJSON(w, http.StatusOK, []actions.Rule{})
		return
	}
	h.writeJSON(w, http.StatusOK, h.Policy.Rules())
}

func (h *Handler) handleClearAction(w http.ResponseWriter, r *http.Request) {
	h.Bus.Clear(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

type connectivityRequest struct {
	Online *bool `json:"online"`
}

func (h *Handler) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	var req connectivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Online == nil {
		h.writeError(w, http.StatusBadRequest, "online is required")
		return
	}
	h.Conn.Set(*req.Online)
	h.writeJSON(w, http.StatusOK, map[string]bool{"online": h.Conn.IsOnline()})
}

func (h *Handler) handleNotifications(w http.ResponseWriter, r *http.Request) {
	recent := h.Hub.Recent()
	if wantsHTML(r) {
		var buf bytes.Buffer
		if err := frontend.ToastList(recent).Render(r.Context(), &buf); err != nil {
			h.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(buf.Bytes())
		return
	}
	h.writeJSON(w, http.StatusOK, recent)
}

func wantsHTML(r *http.Request) bool {
	switch strings.ToLower(r.URL.Query().Get("format")) {
	case "html":
		return true
	case "json":
		return false
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func (h *Handler) writeQueueError(w http.ResponseWriter, err error) {
	if errors.Is(err, queue.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "dead letter not found")
		return
	}
	if errors.Is(err, queue.ErrUnavailable) {
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	h.writeError(w, http.StatusInternalServerError, err.Error())
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}
