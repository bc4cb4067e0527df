package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/cassiomorais/payflow/internal/domain/payment"
	"github.com/google/uuid"
)

// GetPaymentStatusUseCase reads a payment with its history and refunds.
type GetPaymentStatusUseCase struct {
	payments payment.Repository
}

func NewGetPaymentStatusUseCase(payments payment.Repository) *GetPaymentStatusUseCase {
	return &GetPaymentStatusUseCase{payments: payments}
}

// StatusChangeView is one entry of a payment's status history.
type StatusChangeView struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	ChangedAt time.Time `json:"changed_at"`
}

// PaymentStatusView is the full read model of a payment.
type PaymentStatusView struct {
	Payment PaymentSnapshot    `json:"payment"`
	History []StatusChangeView `json:"history"`
	Refunds []RefundSnapshot   `json:"refunds"`
}

func (uc *GetPaymentStatusUseCase) Execute(ctx context.Context, id uuid.UUID) (*PaymentStatusView, error) {
	p, err := uc.payments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	history, err := uc.payments.History(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	refunds, err := uc.payments.ListRefunds(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load refunds: %w", err)
	}

	view := &PaymentStatusView{
		Payment: SnapshotOf(p),
		History: make([]StatusChangeView, 0, len(history)),
		Refunds: make([]RefundSnapshot, 0, len(refunds)),
	}
	for _, h := range history {
		view.History = append(view.History, StatusChangeView{
			From:      string(h.From),
			To:        string(h.To),
			Reason:    h.Reason,
			ChangedAt: h.CreatedAt,
		})
	}
	for _, r := range refunds {
		view.Refunds = append(view.Refunds, RefundSnapshotOf(r))
	}
	return view, nil
}
