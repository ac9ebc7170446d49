package billing

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Sentinel repository errors, mapped to dispatch error kinds by the service.
var (
	ErrCodeNotFound    = errors.New("procedure code not found")
	ErrInvoiceNotFound = errors.New("invoice not found")
	ErrClaimNotFound   = errors.New("claim not found")
)

type ProcedureCodeRepository interface {
	GetByCode(ctx context.Context, code string) (*ProcedureCode, error)
}

type InvoiceRepository interface {
	Create(ctx context.Context, inv *Invoice) error
	AddItem(ctx context.Context, item *InvoiceItem) error
	GetByID(ctx context.Context, id uuid.UUID) (*Invoice, error)
	GetItems(ctx context.Context, invoiceID uuid.UUID) ([]*InvoiceItem, error)
	// UpdatePaymentState persists the reconciliation outcome on the invoice
	// row; payment rows themselves are owned by PaymentRepository.
	UpdatePaymentState(ctx context.Context, id uuid.UUID, amountPaid, balance float64, status string) error
}

type PaymentRepository interface {
	Create(ctx context.Context, p *Payment) error
	ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error)
}

type ClaimRepository interface {
	Create(ctx context.Context, c *InsuranceClaim) error
	GetByID(ctx context.Context, id uuid.UUID) (*InsuranceClaim, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
}
