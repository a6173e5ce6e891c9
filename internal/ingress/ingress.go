// Package ingress exposes the platform over HTTP: command submission with
// optional synchronous reply waiting, process lifecycle operations, dead
// letter inspection and the Prometheus scrape endpoint.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/FreeSideNomad/messaging-platform-sub000/internal/bus"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/envelope"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/log"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/process"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/store"
)

// IdempotencyKeyHeader is the required request header on command submission.
const IdempotencyKeyHeader = "Idempotency-Key"

// BusinessKeyHeader optionally carries the business key on command
// submission.
const BusinessKeyHeader = "X-Business-Key"

// CommandIDHeader carries the assigned command id on every submission
// response.
const CommandIDHeader = "X-Command-Id"

const dlqListLimit = 100

// Handler provides the HTTP endpoints over the platform ports.
type Handler struct {
	bus       *bus.Bus
	responses *bus.Responses
	manager   *process.Manager
	store     store.Store
}

// HandlerConfig wires the handler dependencies.
type HandlerConfig struct {
	// Bus accepts commands (required).
	Bus *bus.Bus
	// Responses is the reply waiter registry. Optional; without it the
	// wait query parameter is ignored and submission always returns 202.
	Responses *bus.Responses
	// Manager exposes process operations. Optional; without it the
	// process endpoints return 404.
	Manager *process.Manager
	// Store backs command status and dead letter reads (required).
	Store store.Store
}

// NewHandler creates the API handler.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		bus:       cfg.Bus,
		responses: cfg.Responses,
		manager:   cfg.Manager,
		store:     cfg.Store,
	}
}

// Routes returns the chi router with all endpoints registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/commands/{name}", h.SubmitCommand)
	r.Get("/commands/{id}", h.GetCommand)

	if h.manager != nil {
		r.Post("/processes", h.StartProcess)
		r.Get("/processes/{id}", h.GetProcess)
		r.Get("/processes/{id}/events", h.GetProcessEvents)
		r.Post("/processes/{id}/pause", h.PauseProcess)
		r.Post("/processes/{id}/resume", h.ResumeProcess)
	}

	r.Get("/dlq", h.ListDeadLetters)
	r.Get("/health", h.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

// === Request/Response Types ===

// SubmitCommandResponse is the response body for command submission.
type SubmitCommandResponse struct {
	CommandID string `json:"command_id"`
	Status    string `json:"status"`
	// Result carries the handler result when the reply arrived in time.
	Result map[string]any `json:"result,omitempty"`
	// Error carries the failure reason for failed or timed out commands.
	Error string `json:"error,omitempty"`
}

// CommandResponse is the response body for a single command.
type CommandResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	BusinessKey string    `json:"business_key,omitempty"`
	Status      string    `json:"status"`
	Retries     int       `json:"retries"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// StartProcessRequest is the request body for starting a process.
type StartProcessRequest struct {
	// ProcessType selects the registered process definition (required).
	ProcessType string `json:"process_type"`
	// BusinessKey is the domain identifier the process acts on.
	BusinessKey string `json:"business_key,omitempty"`
	// Data seeds the instance data map.
	Data map[string]any `json:"data,omitempty"`
}

// StartProcessResponse is the response body for starting a process.
type StartProcessResponse struct {
	ProcessID string `json:"process_id"`
}

// ProcessResponse is the response body for a single process instance.
type ProcessResponse struct {
	ProcessID   string         `json:"process_id"`
	ProcessType string         `json:"process_type"`
	BusinessKey string         `json:"business_key,omitempty"`
	Status      string         `json:"status"`
	CurrentStep string         `json:"current_step"`
	Data        map[string]any `json:"data,omitempty"`
	Retries     int            `json:"retries"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ProcessEventsResponse is the response body for a process event history.
type ProcessEventsResponse struct {
	ProcessID string          `json:"process_id"`
	Events    []process.Event `json:"events"`
	Total     int             `json:"total"`
}

// DeadLetterResponse is the response body for a single dead letter.
type DeadLetterResponse struct {
	ID           int64     `json:"id"`
	CommandID    string    `json:"command_id"`
	CommandName  string    `json:"command_name"`
	BusinessKey  string    `json:"business_key,omitempty"`
	FailedStatus string    `json:"failed_status"`
	ErrorClass   string    `json:"error_class"`
	ErrorMessage string    `json:"error_message"`
	Attempts     int       `json:"attempts"`
	ParkedBy     string    `json:"parked_by"`
	ParkedAt     time.Time `json:"parked_at"`
}

// ListDeadLettersResponse is the response body for listing dead letters.
type ListDeadLettersResponse struct {
	DeadLetters []DeadLetterResponse `json:"dead_letters"`
	Total       int                  `json:"total"`
}

// ErrorResponse is the response body for errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// === Handlers ===

// SubmitCommand accepts a command. The Idempotency-Key header is required;
// resubmitting the same key returns the original command id. With
// ?wait=<duration> the request blocks for the reply up to the waiter TTL.
// POST /commands/{name}
func (h *Handler) SubmitCommand(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	idempotencyKey := r.Header.Get(IdempotencyKeyHeader)
	if idempotencyKey == "" {
		h.writeError(w, http.StatusBadRequest, "missing_idempotency_key",
			IdempotencyKeyHeader+" header is required")
		return
	}

	var payload json.RawMessage
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
			return
		}
	}

	wait, err := waitDuration(r.URL.Query().Get("wait"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_wait", err.Error())
		return
	}

	// The waiter goes in before Accept; a reply that lands between the
	// accepting commit and the await still finds it.
	waiting := wait > 0 && h.responses != nil
	if waiting {
		h.responses.Expect(idempotencyKey)
	}

	commandID, err := h.bus.Accept(r.Context(), name, idempotencyKey,
		r.Header.Get(BusinessKeyHeader), payload, nil)
	if err != nil {
		if waiting {
			h.responses.Forget(idempotencyKey)
		}
		h.writeError(w, http.StatusBadRequest, "accept_failed", err.Error())
		return
	}
	w.Header().Set(CommandIDHeader, commandID)

	if !waiting {
		h.writeJSON(w, http.StatusAccepted, SubmitCommandResponse{
			CommandID: commandID,
			Status:    string(store.CommandPending),
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()
	reply, err := h.responses.Await(ctx, idempotencyKey)
	if err != nil {
		// No reply in time; the command still runs to completion.
		h.writeJSON(w, http.StatusAccepted, SubmitCommandResponse{
			CommandID: commandID,
			Status:    string(store.CommandPending),
		})
		return
	}
	h.writeReply(w, commandID, reply)
}

func (h *Handler) writeReply(w http.ResponseWriter, commandID string, reply *envelope.Envelope) {
	switch reply.Type {
	case envelope.TypeCommandCompleted:
		result, err := reply.Result()
		if err != nil {
			h.writeError(w, http.StatusInternalServerError, "bad_reply", err.Error())
			return
		}
		h.writeJSON(w, http.StatusOK, SubmitCommandResponse{
			CommandID: commandID,
			Status:    string(store.CommandSucceeded),
			Result:    result,
		})
	case envelope.TypeCommandTimedOut:
		h.writeJSON(w, http.StatusOK, SubmitCommandResponse{
			CommandID: commandID,
			Status:    string(store.CommandTimedOut),
			Error:     reply.Error,
		})
	default:
		h.writeJSON(w, http.StatusOK, SubmitCommandResponse{
			CommandID: commandID,
			Status:    string(store.CommandFailed),
			Error:     reply.Error,
		})
	}
}

// GetCommand returns a command's lifecycle state.
// GET /commands/{id}
func (h *Handler) GetCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cmd, err := h.store.Commands().Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "command not found")
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "get_failed", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, CommandResponse{
		ID:          cmd.ID,
		Name:        cmd.Name,
		BusinessKey: cmd.BusinessKey,
		Status:      string(cmd.Status),
		Retries:     cmd.Retries,
		LastError:   cmd.LastError,
		CreatedAt:   cmd.CreatedAt,
		UpdatedAt:   cmd.UpdatedAt,
	})
}

// StartProcess starts a new process instance.
// POST /processes
func (h *Handler) StartProcess(w http.ResponseWriter, r *http.Request) {
	var req StartProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}
	if req.ProcessType == "" {
		h.writeError(w, http.StatusBadRequest, "validation_error", "process_type is required")
		return
	}

	processID, err := h.manager.StartProcess(r.Context(), req.ProcessType, req.BusinessKey, req.Data)
	if err != nil {
		if processID == "" {
			h.writeError(w, http.StatusBadRequest, "start_failed", err.Error())
			return
		}
		// Instance persisted but the first step issuance failed; the
		// operator can resume after fixing the cause.
		log.ErrorErr(log.CatHTTP, "process started with failed first step", err, "processId", processID)
	}
	h.writeJSON(w, http.StatusCreated, StartProcessResponse{ProcessID: processID})
}

// GetProcess returns a process instance.
// GET /processes/{id}
func (h *Handler) GetProcess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	inst, err := h.manager.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "process not found")
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "get_failed", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, ProcessResponse{
		ProcessID:   inst.ProcessID,
		ProcessType: inst.ProcessType,
		BusinessKey: inst.BusinessKey,
		Status:      string(inst.Status),
		CurrentStep: inst.CurrentStep,
		Data:        inst.Data,
		Retries:     inst.Retries,
		CreatedAt:   inst.CreatedAt,
		UpdatedAt:   inst.UpdatedAt,
	})
}

// GetProcessEvents returns the full event history of a process.
// GET /processes/{id}/events
func (h *Handler) GetProcessEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	events, err := h.manager.Replay(r.Context(), id)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "replay_failed", err.Error())
		return
	}
	if len(events) == 0 {
		h.writeError(w, http.StatusNotFound, "not_found", "process not found")
		return
	}
	h.writeJSON(w, http.StatusOK, ProcessEventsResponse{
		ProcessID: id,
		Events:    events,
		Total:     len(events),
	})
}

// PauseProcess suspends step issuance for a running process.
// POST /processes/{id}/pause
func (h *Handler) PauseProcess(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.manager.Pause)
}

// ResumeProcess returns a paused process to running.
// POST /processes/{id}/resume
func (h *Handler) ResumeProcess(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.manager.Resume)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error) {
	id := chi.URLParam(r, "id")
	err := op(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "process not found")
		return
	}
	if err != nil {
		h.writeError(w, http.StatusConflict, "invalid_transition", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListDeadLetters returns the most recently parked dead letters.
// GET /dlq
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := dlqListLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}

	letters, err := h.store.DLQ().List(r.Context(), limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	resp := ListDeadLettersResponse{
		DeadLetters: make([]DeadLetterResponse, 0, len(letters)),
		Total:       len(letters),
	}
	for _, l := range letters {
		resp.DeadLetters = append(resp.DeadLetters, DeadLetterResponse{
			ID:           l.ID,
			CommandID:    l.CommandID,
			CommandName:  l.CommandName,
			BusinessKey:  l.BusinessKey,
			FailedStatus: string(l.FailedStatus),
			ErrorClass:   l.ErrorClass,
			ErrorMessage: l.ErrorMessage,
			Attempts:     l.Attempts,
			ParkedBy:     l.ParkedBy,
			ParkedAt:     l.ParkedAt,
		})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Health reports liveness.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// === Helpers ===

// waitDuration parses the wait query parameter. "true" means one second;
// otherwise the value must be a positive Go duration.
func waitDuration(s string) (time.Duration, error) {
	switch s {
	case "":
		return 0, nil
	case "true":
		return time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("wait must be \"true\" or a positive duration")
	}
	return d, nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.ErrorErr(log.CatHTTP, "failed to encode response", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// Server wraps the Handler with an http.Server for lifecycle management.
type Server struct {
	server   *http.Server
	listener net.Listener
	port     int
}

// NewServer binds the listener immediately so port 0 resolves to the actual
// port before Start.
func NewServer(addr string, handler *Handler) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	port := 0
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}
	return &Server{
		listener: listener,
		port:     port,
		server: &http.Server{
			Handler:           handler.Routes(),
			ReadTimeout:       30 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Start serves until Stop or failure. http.ErrServerClosed is returned on
// graceful shutdown.
func (s *Server) Start() error {
	log.Info(log.CatHTTP, "http ingress listening", "addr", s.listener.Addr().String())
	return s.server.Serve(s.listener)
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	log.Info(log.CatHTTP, "stopping http ingress")
	return s.server.Shutdown(ctx)
}

// Port returns the bound port, useful with addr ":0".
func (s *Server) Port() int {
	return s.port
}
