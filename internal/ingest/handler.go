package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/pos-relay/internal/idempotency"
	"github.com/example/pos-relay/internal/models"
	"github.com/example/pos-relay/internal/pipeline"
	"github.com/example/pos-relay/internal/repository"
)

// HealthCheck reports readiness of one dependency.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HandlerDeps collects the collaborators the HTTP layer needs.
type HandlerDeps struct {
	Service      *Service
	Submissions  repository.SubmissionRepository
	Transactions repository.TransactionRepository
	Forwards     repository.ForwardAttemptRepository
	Health       []HealthCheck
	MaxBodyBytes int64
	Logger       zerolog.Logger
}

// Handler is the ingest HTTP surface.
type Handler struct {
	service      *Service
	submissions  repository.SubmissionRepository
	transactions repository.TransactionRepository
	forwards     repository.ForwardAttemptRepository
	health       []HealthCheck
	maxBodyBytes int64
	logger       zerolog.Logger
}

// NewHandler constructs the Handler.
func NewHandler(deps HandlerDeps) (*Handler, error) {
	if deps.Service == nil {
		return nil, errors.New("ingest: service dependency is required")
	}
	if deps.Submissions == nil || deps.Transactions == nil || deps.Forwards == nil {
		return nil, errors.New("ingest: repository dependencies are required")
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	maxBody := deps.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}

	return &Handler{
		service:      deps.Service,
		submissions:  deps.Submissions,
		transactions: deps.Transactions,
		forwards:     deps.Forwards,
		health:       deps.Health,
		maxBodyBytes: maxBody,
		logger:       logger.With().Str("component", "ingest_http").Logger(),
	}, nil
}

// Router wires the handler into a ServeMux.
func (h *Handler) Router() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/submissions", h.handleSubmit)
	mux.HandleFunc("GET /v1/submissions/{terminal_id}/{submission_uuid}", h.handleGetSubmission)
	mux.HandleFunc("POST /v1/forwards/{id}/requeue", h.handleRequeue)
	mux.HandleFunc("GET /healthz", h.handleHealth)
	return mux
}

type submitResponse struct {
	Result           string `json:"result"`
	SubmissionUUID   string `json:"submission_uuid"`
	Status           string `json:"status"`
	TransactionCount int    `json:"transaction_count"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusRequestEntityTooLarge, pipeline.WrapMalformed(errors.New("request body too large")))
		return
	}

	outcome, err := h.service.Submit(r.Context(), body)
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrConflictingReplay):
			h.writeError(w, http.StatusConflict, err)
		case errors.Is(err, pipeline.ErrMalformedPayload), errors.Is(err, pipeline.ErrChecksumMismatch):
			h.writeError(w, http.StatusBadRequest, err)
		default:
			h.logger.Error().Err(err).Msg("submission failed")
			h.writeError(w, http.StatusInternalServerError, errors.New("internal error"))
		}
		return
	}

	status := http.StatusOK
	if outcome.Result == idempotency.ResultNew {
		status = http.StatusAccepted
	}
	h.writeJSON(w, status, submitResponse{
		Result:           string(outcome.Result),
		SubmissionUUID:   outcome.Submission.SubmissionUUID,
		Status:           outcome.Submission.Status,
		TransactionCount: outcome.Submission.TransactionCount,
	})
}

type submissionView struct {
	Submission   *models.Submission    `json:"submission"`
	Transactions []*models.Transaction `json:"transactions"`
}

func (h *Handler) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	terminalID := r.PathValue("terminal_id")
	submissionUUID := r.PathValue("submission_uuid")

	sub, err := h.submissions.GetByKey(r.Context(), terminalID, submissionUUID)
	if errors.Is(err, repository.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, errors.New("submission not found"))
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("load submission failed")
		h.writeError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}

	txns, err := h.transactions.ListBySubmission(r.Context(), sub.ID)
	if err != nil {
		h.logger.Error().Err(err).Msg("list transactions failed")
		h.writeError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}

	h.writeJSON(w, http.StatusOK, submissionView{Submission: sub, Transactions: txns})
}

// handleRequeue resets a terminally failed forward attempt so delivery is
// tried again with a fresh budget. Operator intervention only.
func (h *Handler) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, http.StatusBadRequest, errors.New("invalid forward attempt id"))
		return
	}

	if err := h.forwards.Requeue(r.Context(), id, time.Now()); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, errors.New("no failed forward attempt with that id"))
			return
		}
		h.logger.Error().Int64("forward_id", id).Err(err).Msg("requeue failed")
		h.writeError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}

	h.logger.Info().Int64("forward_id", id).Msg("forward attempt requeued")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	statuses := make(map[string]string, len(h.health))
	healthy := true
	for _, hc := range h.health {
		if err := hc.Check(ctx); err != nil {
			statuses[hc.Name] = err.Error()
			healthy = false
			continue
		}
		statuses[hc.Name] = "ok"
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, statuses)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error().Err(err).Msg("failed to encode response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, pipeline.NewClientError(err))
}
