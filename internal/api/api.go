// Package api exposes the HTTP surface: document upload, confirmation
// replies, and read access to logs, transactions, and metrics.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quipufin/quipu/internal/confirm"
	"github.com/quipufin/quipu/internal/model"
	"github.com/quipufin/quipu/internal/monitoring"
	"github.com/quipufin/quipu/internal/store"
)

// maxUploadBytes caps multipart uploads; receipts and statements are
// small, anything bigger is a mistake.
const maxUploadBytes = 20 << 20

// BlobStore is where uploaded files land.
type BlobStore interface {
	Put(userID, filename string, r io.Reader) (string, error)
}

// Enqueuer submits jobs to the queue layer.
type Enqueuer interface {
	Enqueue(ctx context.Context, job model.Job) error
}

// Responder applies a confirmation answer synchronously.
type Responder interface {
	ProcessResponse(ctx context.Context, job model.ConfirmationResponseJob) (*confirm.Outcome, error)
}

// Server carries the handler dependencies.
type Server struct {
	store     store.Store
	blobs     BlobStore
	enqueuer  Enqueuer
	responder Responder
	collector *monitoring.Collector
}

// NewServer wires the HTTP handlers.
func NewServer(st store.Store, blobs BlobStore, enqueuer Enqueuer, responder Responder, collector *monitoring.Collector) *Server {
	return &Server{
		store:     st,
		blobs:     blobs,
		enqueuer:  enqueuer,
		responder: responder,
		collector: collector,
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/documents", s.handleUpload)
		r.Post("/users/{userID}/confirmation", s.handleConfirmation)
		r.Get("/logs/{id}", s.handleGetLog)
		r.Get("/logs", s.handleListLogs)
		r.Get("/transactions", s.handleListTransactions)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	lookback := queryInt(r, "lookback_hours", 24)
	snap, err := s.collector.Collect(r.Context(), lookback)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to collect metrics")
		zap.L().Error("api: metrics collection failed", zap.Error(err))
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// handleUpload accepts a multipart document and queues it for processing.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		respondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	userID := r.FormValue("user_id")
	if userID == "" {
		respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close() //nolint:errcheck

	mime, ok := model.SupportedExtension(header.Filename)
	if !ok {
		respondError(w, http.StatusUnsupportedMediaType, "unsupported file type")
		return
	}

	ref, err := s.blobs.Put(userID, header.Filename, file)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to store document")
		zap.L().Error("api: blob store failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	now := time.Now().UTC()
	hint := model.GuessDocumentType(header.Filename + " " + r.FormValue("hint"))
	job := model.UploadJob{
		ID: model.NewUploadJobID(ref, now),
		Document: model.Document{
			ID:         ref,
			UserID:     userID,
			Channel:    "api",
			StorageRef: ref,
			FileName:   header.Filename,
			MimeType:   mime,
			TypeHint:   hint,
			UploadedAt: now,
		},
		EnqueuedAt: now,
	}
	if err := s.enqueuer.Enqueue(r.Context(), job); err != nil {
		respondError(w, http.StatusServiceUnavailable, "processing queue unavailable")
		zap.L().Error("api: enqueue failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{
		"job_id":      job.ID,
		"storage_ref": ref,
		"status":      string(model.LogStatusQueued),
	})
}

// handleConfirmation applies a yes/no answer for the user's pending
// proposal and returns the outcome synchronously.
func (s *Server) handleConfirmation(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req struct {
		Confirmed *bool  `json:"confirmed"`
		Message   string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	confirmed := false
	switch {
	case req.Confirmed != nil:
		confirmed = *req.Confirmed
	case req.Message != "":
		var ok bool
		confirmed, ok = confirm.IsConfirmationMessage(req.Message)
		if !ok {
			respondError(w, http.StatusBadRequest, "message is not a clear yes or no")
			return
		}
	default:
		respondError(w, http.StatusBadRequest, "confirmed or message is required")
		return
	}

	outcome, err := s.responder.ProcessResponse(r.Context(), model.ConfirmationResponseJob{
		ID:         uuid.NewString(),
		UserID:     userID,
		Confirmed:  confirmed,
		RawMessage: req.Message,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to process confirmation")
		zap.L().Error("api: confirmation failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	body := map[string]any{
		"status": string(outcome.Status),
		"reply":  outcome.Reply,
	}
	if outcome.Transaction != nil {
		body["transaction"] = outcome.Transaction
	}
	respondJSON(w, http.StatusOK, body)
}

func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	log, err := s.store.GetLog(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load log")
		zap.L().Error("api: get log failed", zap.String("log_id", id), zap.Error(err))
		return
	}
	if log == nil {
		respondError(w, http.StatusNotFound, "log not found")
		return
	}
	respondJSON(w, http.StatusOK, log)
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	filter := store.LogFilter{
		UserID: r.URL.Query().Get("user_id"),
		Status: model.LogStatus(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	logs, err := s.store.ListLogs(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list logs")
		zap.L().Error("api: list logs failed", zap.Error(err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"logs": logs, "count": len(logs)})
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	filter := store.TxnFilter{
		UserID:   r.URL.Query().Get("user_id"),
		Type:     model.TransactionType(r.URL.Query().Get("type")),
		Category: r.URL.Query().Get("category"),
		Limit:    queryInt(r, "limit", 50),
		Offset:   queryInt(r, "offset", 0),
	}
	txns, err := s.store.ListTransactions(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list transactions")
		zap.L().Error("api: list transactions failed", zap.Error(err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"transactions": txns, "count": len(txns)})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zap.L().Warn("api: response encode failed", zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
