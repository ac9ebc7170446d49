// Package billing adapts the invoice/claims ledger to the uniform dispatch
// contract: invoice creation from a procedure-code price list, payment
// reconciliation and insurance claim adjudication.
package billing

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// taxRate applies to every invoice subtotal.
const taxRate = 0.08

// defaultDueDays is the payment term when the caller does not provide one.
const defaultDueDays = 30

// roundCents keeps every monetary value at two decimal places, so derived
// amounts compare exactly.
func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

// ProcedureCode maps to the procedure_codes price list.
type ProcedureCode struct {
	Code        string  `db:"code" json:"code"`
	Description string  `db:"description" json:"description"`
	BasePrice   float64 `db:"base_price" json:"base_price"`
}

// Invoice maps to the invoices table.
type Invoice struct {
	ID            uuid.UUID `db:"id" json:"id"`
	InvoiceNumber string    `db:"invoice_number" json:"invoice_number"`
	PatientMRN    string    `db:"patient_mrn" json:"patient_mrn"`
	InvoiceDate   time.Time `db:"invoice_date" json:"invoice_date"`
	DueDate       time.Time `db:"due_date" json:"due_date"`
	Subtotal      float64   `db:"subtotal" json:"subtotal"`
	Tax           float64   `db:"tax" json:"tax"`
	Total         float64   `db:"total" json:"total"`
	AmountPaid    float64   `db:"amount_paid" json:"amount_paid"`
	Balance       float64   `db:"balance" json:"balance"`
	Status        string    `db:"status" json:"status"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// InvoiceItem maps to the invoice_items table.
type InvoiceItem struct {
	ID            uuid.UUID `db:"id" json:"id"`
	InvoiceID     uuid.UUID `db:"invoice_id" json:"invoice_id"`
	ProcedureCode string    `db:"procedure_code" json:"procedure_code"`
	Description   string    `db:"description" json:"description"`
	UnitPrice     float64   `db:"unit_price" json:"unit_price"`
	Quantity      int       `db:"quantity" json:"quantity"`
	LineTotal     float64   `db:"line_total" json:"line_total"`
}

// Payment maps to the payments table. Rows are append-only: reconciliation
// never mutates or removes a recorded payment.
type Payment struct {
	ID        uuid.UUID `db:"id" json:"id"`
	InvoiceID uuid.UUID `db:"invoice_id" json:"invoice_id"`
	Amount    float64   `db:"amount" json:"amount"`
	Method    string    `db:"method" json:"method"`
	Reference *string   `db:"reference" json:"reference,omitempty"`
	PaidAt    time.Time `db:"paid_at" json:"paid_at"`
}

// InsuranceClaim maps to the insurance_claims table.
type InsuranceClaim struct {
	ID          uuid.UUID `db:"id" json:"id"`
	ClaimNumber string    `db:"claim_number" json:"claim_number"`
	InvoiceID   uuid.UUID `db:"invoice_id" json:"invoice_id"`
	PatientMRN  string    `db:"patient_mrn" json:"patient_mrn"`
	Payer       string    `db:"payer" json:"payer"`
	ClaimAmount float64   `db:"claim_amount" json:"claim_amount"`
	Status      string    `db:"status" json:"status"`
	SubmittedAt time.Time `db:"submitted_at" json:"submitted_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Invoice statuses. An invoice starts pending and becomes paid when its
// balance reaches zero; paid never reverts.
const (
	InvoicePending = "pending"
	InvoicePaid    = "paid"
)

// Claim statuses.
const (
	ClaimSubmitted = "submitted"
	ClaimPending   = "pending"
	ClaimApproved  = "approved"
	ClaimDenied    = "denied"
	ClaimAppealed  = "appealed"
)

// claimTransitions is the adjudication lifecycle. Approval and denial are
// terminal except that a denied claim may be appealed.
var claimTransitions = map[string][]string{
	ClaimSubmitted: {ClaimPending},
	ClaimPending:   {ClaimApproved, ClaimDenied},
	ClaimApproved:  {},
	ClaimDenied:    {ClaimAppealed},
	ClaimAppealed:  {},
}

// ValidClaimStatus reports whether s is a known claim status.
func ValidClaimStatus(s string) bool {
	_, ok := claimTransitions[s]
	return ok
}

// CanTransitionClaim reports whether adjudication permits from -> to.
func CanTransitionClaim(from, to string) bool {
	for _, next := range claimTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
