package handlers

import (
	"context"
	"net/http"
	"strconv"

	outboxApp "github.com/cassiomorais/payflow/internal/application/outbox"
	domainErrors "github.com/cassiomorais/payflow/internal/domain/errors"
	"github.com/cassiomorais/payflow/internal/interfaces/http/dto"
	"github.com/cassiomorais/payflow/internal/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DeadLetterAdmin inspects and requeues dead-lettered outbox events.
type DeadLetterAdmin interface {
	List(ctx context.Context, limit int) ([]outboxApp.DeadLetterView, error)
	Count(ctx context.Context) (int64, error)
	Requeue(ctx context.Context, id uuid.UUID) error
}

type OutboxHandler struct {
	admin DeadLetterAdmin
}

func NewOutboxHandler(admin DeadLetterAdmin) *OutboxHandler {
	return &OutboxHandler{admin: admin}
}

// ListDeadLetters handles GET /outbox/dead-letters?limit=N
func (h *OutboxHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || validate.Var(n, "min=1,max=500") != nil {
			writeError(w, r, domainErrors.NewValidationError("limit", "must be between 1 and 500"))
			return
		}
		limit = n
	}

	items, err := h.admin.List(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	total, err := h.admin.Count(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.DeadLettersResponse{Total: total, Items: items})
}

// Requeue handles POST /outbox/dead-letters/{id}/requeue
func (h *OutboxHandler) Requeue(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.admin.Requeue(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}

	operator, _ := middleware.Operator(r.Context())
	zerolog.Ctx(r.Context()).Info().
		Str("event_id", id.String()).
		Str("operator", operator).
		Msg("dead-lettered event requeued")
	writeJSON(w, http.StatusAccepted, dto.RequeueResponse{ID: id.String(), Status: "requeued", RequestedBy: operator})
}
