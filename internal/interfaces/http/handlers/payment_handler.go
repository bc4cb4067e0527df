package handlers

import (
	"context"
	"net/http"

	paymentApp "github.com/cassiomorais/payflow/internal/application/payment"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// PaymentStatusReader is the read side of payments.
type PaymentStatusReader interface {
	Execute(ctx context.Context, id uuid.UUID) (*paymentApp.PaymentStatusView, error)
}

type PaymentHandler struct {
	status PaymentStatusReader
}

func NewPaymentHandler(status PaymentStatusReader) *PaymentHandler {
	return &PaymentHandler{status: status}
}

// GetPayment handles GET /payments/{id}
func (h *PaymentHandler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	view, err := h.status.Execute(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
