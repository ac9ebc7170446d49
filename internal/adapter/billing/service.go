package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinbridge/clinbridge/internal/dispatch"
)

// TxFunc runs fn with transactional context. The production wiring backs it
// with a database transaction; tests substitute a passthrough.
type TxFunc func(ctx context.Context, fn func(ctx context.Context) error) error

// InvoiceLineRequest is one requested invoice line.
type InvoiceLineRequest struct {
	ProcedureCode string
	Quantity      int
}

// InvoiceRequest carries one invoice creation request.
type InvoiceRequest struct {
	PatientMRN string
	Lines      []InvoiceLineRequest
	DueDays    int
}

// ClaimRequest carries one claim submission, which creates its invoice
// in-process before submitting.
type ClaimRequest struct {
	InvoiceRequest
	Payer string
}

type Service struct {
	codes    ProcedureCodeRepository
	invoices InvoiceRepository
	payments PaymentRepository
	claims   ClaimRepository
	inTx     TxFunc
	log      zerolog.Logger

	// now is a test seam for document numbering and dates.
	now func() time.Time
}

func NewService(codes ProcedureCodeRepository, invoices InvoiceRepository, payments PaymentRepository, claims ClaimRepository, inTx TxFunc, log zerolog.Logger) *Service {
	return &Service{
		codes:    codes,
		invoices: invoices,
		payments: payments,
		claims:   claims,
		inTx:     inTx,
		log:      log,
		now:      time.Now,
	}
}

func numberWithEntropy(prefix string, at time.Time) string {
	suffix := strings.ToUpper(uuid.NewString()[:4])
	return fmt.Sprintf("%s-%s-%s", prefix, at.UTC().Format("20060102150405"), suffix)
}

// CreateInvoice prices every requested line against the procedure-code list,
// derives the invoice amounts and inserts invoice and lines in one
// transaction. One unknown code fails the whole invoice before any insert.
func (s *Service) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, []*InvoiceItem, error) {
	if req.PatientMRN == "" {
		return nil, nil, dispatch.Errorf(dispatch.ErrValidation, "patient_id is required")
	}
	if len(req.Lines) == 0 {
		return nil, nil, dispatch.Errorf(dispatch.ErrValidation, "an invoice needs at least one line")
	}

	now := s.now().UTC()
	inv := &Invoice{
		ID:            uuid.New(),
		InvoiceNumber: numberWithEntropy("INV", now),
		PatientMRN:    req.PatientMRN,
		InvoiceDate:   now,
		Status:        InvoicePending,
	}

	items := make([]*InvoiceItem, 0, len(req.Lines))
	subtotal := 0.0
	for _, line := range req.Lines {
		if line.Quantity <= 0 {
			return nil, nil, dispatch.Errorf(dispatch.ErrValidation,
				"procedure %s has non-positive quantity %d", line.ProcedureCode, line.Quantity)
		}
		pc, err := s.codes.GetByCode(ctx, line.ProcedureCode)
		if err != nil {
			if errors.Is(err, ErrCodeNotFound) {
				return nil, nil, dispatch.Errorf(dispatch.ErrValidation,
					"procedure code %s is not in the price list", line.ProcedureCode)
			}
			return nil, nil, dispatch.WrapErr(dispatch.ErrConnection, err, "price procedure %s", line.ProcedureCode)
		}
		lineTotal := roundCents(pc.BasePrice * float64(line.Quantity))
		subtotal = roundCents(subtotal + lineTotal)
		items = append(items, &InvoiceItem{
			InvoiceID:     inv.ID,
			ProcedureCode: pc.Code,
			Description:   pc.Description,
			UnitPrice:     pc.BasePrice,
			Quantity:      line.Quantity,
			LineTotal:     lineTotal,
		})
	}

	dueDays := req.DueDays
	if dueDays <= 0 {
		dueDays = defaultDueDays
	}
	inv.DueDate = now.AddDate(0, 0, dueDays)
	inv.Subtotal = subtotal
	inv.Tax = roundCents(subtotal * taxRate)
	inv.Total = roundCents(inv.Subtotal + inv.Tax)
	inv.Balance = inv.Total

	// The invoice and all of its lines land or none do.
	err := s.inTx(ctx, func(ctx context.Context) error {
		if err := s.invoices.Create(ctx, inv); err != nil {
			return err
		}
		for _, item := range items {
			if err := s.invoices.AddItem(ctx, item); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, dispatch.WrapErr(dispatch.ErrConnection, err, "persist invoice %s", inv.InvoiceNumber)
	}

	s.log.Info().
		Str("invoice_number", inv.InvoiceNumber).
		Str("patient_mrn", inv.PatientMRN).
		Float64("total", inv.Total).
		Msg("invoice created")
	return inv, items, nil
}

// ReconcilePayment records one payment against an invoice. Payments are
// append-only; the invoice flips to paid exactly when the balance reaches
// zero, and a payment above the remaining balance is rejected outright.
func (s *Service) ReconcilePayment(ctx context.Context, invoiceID uuid.UUID, amount float64, method string, reference string) (*Invoice, *Payment, error) {
	amount = roundCents(amount)
	if amount <= 0 {
		return nil, nil, dispatch.Errorf(dispatch.ErrValidation, "payment amount must be positive")
	}
	if method == "" {
		method = "unspecified"
	}

	var (
		inv     *Invoice
		payment *Payment
	)
	err := s.inTx(ctx, func(ctx context.Context) error {
		var err error
		inv, err = s.invoices.GetByID(ctx, invoiceID)
		if err != nil {
			if errors.Is(err, ErrInvoiceNotFound) {
				return dispatch.Errorf(dispatch.ErrNotFound, "invoice %s does not exist", invoiceID)
			}
			return dispatch.WrapErr(dispatch.ErrConnection, err, "load invoice %s", invoiceID)
		}
		if amount > inv.Balance {
			return dispatch.Errorf(dispatch.ErrValidation,
				"payment %.2f exceeds the remaining balance %.2f on invoice %s",
				amount, inv.Balance, inv.InvoiceNumber)
		}

		payment = &Payment{
			InvoiceID: inv.ID,
			Amount:    amount,
			Method:    method,
			PaidAt:    s.now().UTC(),
		}
		if reference != "" {
			payment.Reference = &reference
		}
		if err := s.payments.Create(ctx, payment); err != nil {
			return dispatch.WrapErr(dispatch.ErrConnection, err, "record payment on invoice %s", inv.InvoiceNumber)
		}

		inv.AmountPaid = roundCents(inv.AmountPaid + amount)
		inv.Balance = roundCents(inv.Total - inv.AmountPaid)
		if inv.Balance <= 0 {
			inv.Balance = 0
			inv.Status = InvoicePaid
		}
		if err := s.invoices.UpdatePaymentState(ctx, inv.ID, inv.AmountPaid, inv.Balance, inv.Status); err != nil {
			return dispatch.WrapErr(dispatch.ErrConnection, err, "update invoice %s", inv.InvoiceNumber)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.log.Info().
		Str("invoice_number", inv.InvoiceNumber).
		Float64("amount", amount).
		Float64("balance", inv.Balance).
		Str("status", inv.Status).
		Msg("payment reconciled")
	return inv, payment, nil
}

// SubmitClaim creates the underlying invoice in-process and submits a claim
// over its total.
func (s *Service) SubmitClaim(ctx context.Context, req ClaimRequest) (*InsuranceClaim, *Invoice, error) {
	if req.Payer == "" {
		return nil, nil, dispatch.Errorf(dispatch.ErrValidation, "payer is required")
	}
	inv, _, err := s.CreateInvoice(ctx, req.InvoiceRequest)
	if err != nil {
		return nil, nil, err
	}

	now := s.now().UTC()
	claim := &InsuranceClaim{
		ClaimNumber: numberWithEntropy("CLM", now),
		InvoiceID:   inv.ID,
		PatientMRN:  inv.PatientMRN,
		Payer:       req.Payer,
		ClaimAmount: inv.Total,
		Status:      ClaimSubmitted,
		SubmittedAt: now,
	}
	if err := s.claims.Create(ctx, claim); err != nil {
		return nil, nil, dispatch.WrapErr(dispatch.ErrConnection, err, "submit claim for invoice %s", inv.InvoiceNumber)
	}

	s.log.Info().
		Str("claim_number", claim.ClaimNumber).
		Str("invoice_number", inv.InvoiceNumber).
		Float64("claim_amount", claim.ClaimAmount).
		Msg("claim submitted")
	return claim, inv, nil
}

// GetInvoice returns an invoice with its lines and payment history.
func (s *Service) GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, []*InvoiceItem, []*Payment, error) {
	inv, err := s.invoices.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrInvoiceNotFound) {
			return nil, nil, nil, dispatch.Errorf(dispatch.ErrNotFound, "invoice %s does not exist", id)
		}
		return nil, nil, nil, dispatch.WrapErr(dispatch.ErrConnection, err, "load invoice %s", id)
	}
	items, err := s.invoices.GetItems(ctx, id)
	if err != nil {
		return nil, nil, nil, dispatch.WrapErr(dispatch.ErrConnection, err, "load invoice %s lines", id)
	}
	payments, err := s.payments.ListByInvoice(ctx, id)
	if err != nil {
		return nil, nil, nil, dispatch.WrapErr(dispatch.ErrConnection, err, "load invoice %s payments", id)
	}
	return inv, items, payments, nil
}

// UpdateClaimStatus applies one adjudication transition.
func (s *Service) UpdateClaimStatus(ctx context.Context, id uuid.UUID, newStatus string) (*InsuranceClaim, error) {
	if !ValidClaimStatus(newStatus) {
		return nil, dispatch.Errorf(dispatch.ErrValidation, "unknown claim status %q", newStatus)
	}
	claim, err := s.claims.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrClaimNotFound) {
			return nil, dispatch.Errorf(dispatch.ErrNotFound, "claim %s does not exist", id)
		}
		return nil, dispatch.WrapErr(dispatch.ErrConnection, err, "load claim %s", id)
	}
	if !CanTransitionClaim(claim.Status, newStatus) {
		return nil, dispatch.Errorf(dispatch.ErrValidation,
			"claim %s cannot move from %s to %s", claim.ClaimNumber, claim.Status, newStatus)
	}
	if err := s.claims.UpdateStatus(ctx, id, newStatus); err != nil {
		return nil, dispatch.WrapErr(dispatch.ErrConnection, err, "update claim %s", id)
	}
	claim.Status = newStatus
	return claim, nil
}
