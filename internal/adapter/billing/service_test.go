package billing

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinbridge/clinbridge/internal/dispatch"
)

// -- Mock Repositories --

type mockCodeRepo struct {
	items map[string]*ProcedureCode
}

func newMockCodeRepo() *mockCodeRepo {
	return &mockCodeRepo{items: map[string]*ProcedureCode{
		"70450": {Code: "70450", Description: "CT head without contrast", BasePrice: 1200.00},
		"70553": {Code: "70553", Description: "MRI brain with and without contrast", BasePrice: 2400.00},
		"76700": {Code: "76700", Description: "Ultrasound abdomen complete", BasePrice: 450.00},
	}}
}

func (m *mockCodeRepo) GetByCode(_ context.Context, code string) (*ProcedureCode, error) {
	pc, ok := m.items[code]
	if !ok {
		return nil, ErrCodeNotFound
	}
	return pc, nil
}

type mockInvoiceRepo struct {
	items   map[uuid.UUID]*Invoice
	lines   map[uuid.UUID][]*InvoiceItem
	creates int
}

func newMockInvoiceRepo() *mockInvoiceRepo {
	return &mockInvoiceRepo{
		items: make(map[uuid.UUID]*Invoice),
		lines: make(map[uuid.UUID][]*InvoiceItem),
	}
}

func (m *mockInvoiceRepo) Create(_ context.Context, inv *Invoice) error {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	inv.CreatedAt = time.Now()
	inv.UpdatedAt = inv.CreatedAt
	cp := *inv
	m.items[inv.ID] = &cp
	m.creates++
	return nil
}

func (m *mockInvoiceRepo) AddItem(_ context.Context, item *InvoiceItem) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	m.lines[item.InvoiceID] = append(m.lines[item.InvoiceID], item)
	return nil
}

func (m *mockInvoiceRepo) GetByID(_ context.Context, id uuid.UUID) (*Invoice, error) {
	inv, ok := m.items[id]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	cp := *inv
	return &cp, nil
}

func (m *mockInvoiceRepo) GetItems(_ context.Context, invoiceID uuid.UUID) ([]*InvoiceItem, error) {
	return m.lines[invoiceID], nil
}

func (m *mockInvoiceRepo) UpdatePaymentState(_ context.Context, id uuid.UUID, amountPaid, balance float64, status string) error {
	inv, ok := m.items[id]
	if !ok {
		return ErrInvoiceNotFound
	}
	inv.AmountPaid = amountPaid
	inv.Balance = balance
	inv.Status = status
	return nil
}

type mockPaymentRepo struct {
	items map[uuid.UUID][]*Payment
}

func newMockPaymentRepo() *mockPaymentRepo {
	return &mockPaymentRepo{items: make(map[uuid.UUID][]*Payment)}
}

func (m *mockPaymentRepo) Create(_ context.Context, p *Payment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	m.items[p.InvoiceID] = append(m.items[p.InvoiceID], p)
	return nil
}

func (m *mockPaymentRepo) ListByInvoice(_ context.Context, invoiceID uuid.UUID) ([]*Payment, error) {
	return m.items[invoiceID], nil
}

type mockClaimRepo struct {
	items map[uuid.UUID]*InsuranceClaim
}

func newMockClaimRepo() *mockClaimRepo {
	return &mockClaimRepo{items: make(map[uuid.UUID]*InsuranceClaim)}
}

func (m *mockClaimRepo) Create(_ context.Context, c *InsuranceClaim) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	m.items[c.ID] = c
	return nil
}

func (m *mockClaimRepo) GetByID(_ context.Context, id uuid.UUID) (*InsuranceClaim, error) {
	c, ok := m.items[id]
	if !ok {
		return nil, ErrClaimNotFound
	}
	return c, nil
}

func (m *mockClaimRepo) UpdateStatus(_ context.Context, id uuid.UUID, status string) error {
	c, ok := m.items[id]
	if !ok {
		return ErrClaimNotFound
	}
	c.Status = status
	return nil
}

func passthroughTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type testRepos struct {
	codes    *mockCodeRepo
	invoices *mockInvoiceRepo
	payments *mockPaymentRepo
	claims   *mockClaimRepo
}

func newTestService() (*Service, *testRepos) {
	r := &testRepos{
		codes:    newMockCodeRepo(),
		invoices: newMockInvoiceRepo(),
		payments: newMockPaymentRepo(),
		claims:   newMockClaimRepo(),
	}
	svc := NewService(r.codes, r.invoices, r.payments, r.claims, passthroughTx, zerolog.Nop())
	return svc, r
}

// -- Invoice creation --

func TestCreateInvoice_Amounts(t *testing.T) {
	svc, _ := newTestService()

	inv, items, err := svc.CreateInvoice(context.Background(), InvoiceRequest{
		PatientMRN: "P00001",
		Lines:      []InvoiceLineRequest{{ProcedureCode: "70450", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	if inv.Subtotal != 1200.00 {
		t.Errorf("expected subtotal 1200.00, got %.2f", inv.Subtotal)
	}
	if inv.Tax != 96.00 {
		t.Errorf("expected tax 96.00, got %.2f", inv.Tax)
	}
	if inv.Total != 1296.00 {
		t.Errorf("expected total 1296.00, got %.2f", inv.Total)
	}
	if inv.Balance != inv.Total {
		t.Errorf("expected opening balance %.2f, got %.2f", inv.Total, inv.Balance)
	}
	if inv.AmountPaid != 0 {
		t.Errorf("expected zero paid, got %.2f", inv.AmountPaid)
	}
	if inv.Status != InvoicePending {
		t.Errorf("expected pending, got %s", inv.Status)
	}
	if got := inv.DueDate.Sub(inv.InvoiceDate); got != 30*24*time.Hour {
		t.Errorf("expected 30-day term, got %v", got)
	}
	if len(items) != 1 || items[0].LineTotal != 1200.00 {
		t.Errorf("unexpected items %+v", items)
	}
	if !strings.HasPrefix(inv.InvoiceNumber, "INV-") {
		t.Errorf("malformed invoice number %q", inv.InvoiceNumber)
	}
}

func TestCreateInvoice_QuantityAndMultipleLines(t *testing.T) {
	svc, _ := newTestService()

	inv, items, err := svc.CreateInvoice(context.Background(), InvoiceRequest{
		PatientMRN: "P00001",
		Lines: []InvoiceLineRequest{
			{ProcedureCode: "70450", Quantity: 2},
			{ProcedureCode: "76700", Quantity: 1},
		},
	})
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	if inv.Subtotal != 2850.00 {
		t.Errorf("expected subtotal 2850.00, got %.2f", inv.Subtotal)
	}
	if inv.Tax != 228.00 {
		t.Errorf("expected tax 228.00, got %.2f", inv.Tax)
	}
	if inv.Total != 3078.00 {
		t.Errorf("expected total 3078.00, got %.2f", inv.Total)
	}
	if len(items) != 2 || items[0].LineTotal != 2400.00 {
		t.Errorf("unexpected items %+v", items)
	}
}

func TestCreateInvoice_UnknownCodeFailsWholeInvoice(t *testing.T) {
	svc, repos := newTestService()

	_, _, err := svc.CreateInvoice(context.Background(), InvoiceRequest{
		PatientMRN: "P00001",
		Lines: []InvoiceLineRequest{
			{ProcedureCode: "70450", Quantity: 1},
			{ProcedureCode: "99999", Quantity: 1},
		},
	})
	if !errors.Is(err, dispatch.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if repos.invoices.creates != 0 {
		t.Error("failed invoice reached the store")
	}
}

func TestCreateInvoice_Validation(t *testing.T) {
	svc, _ := newTestService()

	if _, _, err := svc.CreateInvoice(context.Background(), InvoiceRequest{
		Lines: []InvoiceLineRequest{{ProcedureCode: "70450", Quantity: 1}},
	}); !errors.Is(err, dispatch.ErrValidation) {
		t.Errorf("missing patient: expected validation error, got %v", err)
	}
	if _, _, err := svc.CreateInvoice(context.Background(), InvoiceRequest{
		PatientMRN: "P00001",
	}); !errors.Is(err, dispatch.ErrValidation) {
		t.Errorf("no lines: expected validation error, got %v", err)
	}
	if _, _, err := svc.CreateInvoice(context.Background(), InvoiceRequest{
		PatientMRN: "P00001",
		Lines:      []InvoiceLineRequest{{ProcedureCode: "70450", Quantity: 0}},
	}); !errors.Is(err, dispatch.ErrValidation) {
		t.Errorf("zero quantity: expected validation error, got %v", err)
	}
}

// -- Payment reconciliation --

func mustInvoice(t *testing.T, svc *Service) *Invoice {
	t.Helper()
	inv, _, err := svc.CreateInvoice(context.Background(), InvoiceRequest{
		PatientMRN: "P00001",
		Lines:      []InvoiceLineRequest{{ProcedureCode: "70450", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	return inv
}

func TestReconcilePayment_PartialThenPaid(t *testing.T) {
	svc, repos := newTestService()
	inv := mustInvoice(t, svc)

	after, pay, err := svc.ReconcilePayment(context.Background(), inv.ID, 500.00, "card", "AUTH123")
	if err != nil {
		t.Fatalf("first payment: %v", err)
	}
	if after.AmountPaid != 500.00 || after.Balance != 796.00 {
		t.Errorf("after partial payment: paid %.2f balance %.2f", after.AmountPaid, after.Balance)
	}
	if after.Status != InvoicePending {
		t.Errorf("partial payment should not settle the invoice, got %s", after.Status)
	}
	if pay.Reference == nil || *pay.Reference != "AUTH123" {
		t.Errorf("payment reference lost: %+v", pay)
	}

	after, _, err = svc.ReconcilePayment(context.Background(), inv.ID, 796.00, "card", "")
	if err != nil {
		t.Fatalf("settling payment: %v", err)
	}
	if after.Balance != 0 {
		t.Errorf("expected zero balance, got %.2f", after.Balance)
	}
	if after.Status != InvoicePaid {
		t.Errorf("expected paid, got %s", after.Status)
	}
	if len(repos.payments.items[inv.ID]) != 2 {
		t.Errorf("expected 2 recorded payments, got %d", len(repos.payments.items[inv.ID]))
	}
}

func TestReconcilePayment_OverpaymentRejected(t *testing.T) {
	svc, repos := newTestService()
	inv := mustInvoice(t, svc)

	_, _, err := svc.ReconcilePayment(context.Background(), inv.ID, 2000.00, "card", "")
	if !errors.Is(err, dispatch.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(repos.payments.items[inv.ID]) != 0 {
		t.Error("rejected payment was still recorded")
	}
	stored, _ := repos.invoices.GetByID(context.Background(), inv.ID)
	if stored.Balance != inv.Total || stored.Status != InvoicePending {
		t.Errorf("rejected payment mutated the invoice: %+v", stored)
	}
}

func TestReconcilePayment_PaidNeverReverts(t *testing.T) {
	svc, _ := newTestService()
	inv := mustInvoice(t, svc)

	if _, _, err := svc.ReconcilePayment(context.Background(), inv.ID, inv.Total, "card", ""); err != nil {
		t.Fatalf("settle: %v", err)
	}
	_, _, err := svc.ReconcilePayment(context.Background(), inv.ID, 0.01, "card", "")
	if !errors.Is(err, dispatch.ErrValidation) {
		t.Errorf("payment on settled invoice: expected validation error, got %v", err)
	}
}

func TestReconcilePayment_Validation(t *testing.T) {
	svc, _ := newTestService()
	inv := mustInvoice(t, svc)

	for _, amount := range []float64{0, -10} {
		if _, _, err := svc.ReconcilePayment(context.Background(), inv.ID, amount, "card", ""); !errors.Is(err, dispatch.ErrValidation) {
			t.Errorf("amount %.2f: expected validation error, got %v", amount, err)
		}
	}
}

func TestReconcilePayment_UnknownInvoice(t *testing.T) {
	svc, _ := newTestService()

	_, _, err := svc.ReconcilePayment(context.Background(), uuid.New(), 100.00, "card", "")
	if !errors.Is(err, dispatch.ErrNotFound) {
		t.Errorf("expected not-found error, got %v", err)
	}
}

// -- Claims --

func TestSubmitClaim(t *testing.T) {
	svc, repos := newTestService()

	claim, inv, err := svc.SubmitClaim(context.Background(), ClaimRequest{
		InvoiceRequest: InvoiceRequest{
			PatientMRN: "P00001",
			Lines:      []InvoiceLineRequest{{ProcedureCode: "70450", Quantity: 1}},
		},
		Payer: "Acme Health",
	})
	if err != nil {
		t.Fatalf("submit claim: %v", err)
	}
	if claim.Status != ClaimSubmitted {
		t.Errorf("expected submitted, got %s", claim.Status)
	}
	if claim.ClaimAmount != inv.Total {
		t.Errorf("claim amount %.2f differs from invoice total %.2f", claim.ClaimAmount, inv.Total)
	}
	if !strings.HasPrefix(claim.ClaimNumber, "CLM-") {
		t.Errorf("malformed claim number %q", claim.ClaimNumber)
	}
	if claim.InvoiceID != inv.ID {
		t.Error("claim not linked to its invoice")
	}
	if repos.invoices.creates != 1 {
		t.Errorf("expected the invoice created in-process, got %d creates", repos.invoices.creates)
	}
}

func TestSubmitClaim_InvoiceFailurePropagates(t *testing.T) {
	svc, repos := newTestService()

	_, _, err := svc.SubmitClaim(context.Background(), ClaimRequest{
		InvoiceRequest: InvoiceRequest{
			PatientMRN: "P00001",
			Lines:      []InvoiceLineRequest{{ProcedureCode: "99999", Quantity: 1}},
		},
		Payer: "Acme Health",
	})
	if !errors.Is(err, dispatch.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(repos.claims.items) != 0 {
		t.Error("claim recorded despite invoice failure")
	}
}

func TestUpdateClaimStatus_Adjudication(t *testing.T) {
	svc, _ := newTestService()

	claim, _, err := svc.SubmitClaim(context.Background(), ClaimRequest{
		InvoiceRequest: InvoiceRequest{
			PatientMRN: "P00001",
			Lines:      []InvoiceLineRequest{{ProcedureCode: "70450", Quantity: 1}},
		},
		Payer: "Acme Health",
	})
	if err != nil {
		t.Fatalf("submit claim: %v", err)
	}

	for _, next := range []string{ClaimPending, ClaimDenied, ClaimAppealed} {
		updated, err := svc.UpdateClaimStatus(context.Background(), claim.ID, next)
		if err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
		if updated.Status != next {
			t.Errorf("expected %s, got %s", next, updated.Status)
		}
	}

	_, err = svc.UpdateClaimStatus(context.Background(), claim.ID, ClaimApproved)
	if !errors.Is(err, dispatch.ErrValidation) {
		t.Errorf("appealed -> approved: expected validation error, got %v", err)
	}
}

func TestUpdateClaimStatus_InvalidAndUnknown(t *testing.T) {
	svc, _ := newTestService()

	claim, _, err := svc.SubmitClaim(context.Background(), ClaimRequest{
		InvoiceRequest: InvoiceRequest{
			PatientMRN: "P00001",
			Lines:      []InvoiceLineRequest{{ProcedureCode: "70450", Quantity: 1}},
		},
		Payer: "Acme Health",
	})
	if err != nil {
		t.Fatalf("submit claim: %v", err)
	}

	if _, err := svc.UpdateClaimStatus(context.Background(), claim.ID, ClaimApproved); !errors.Is(err, dispatch.ErrValidation) {
		t.Errorf("submitted -> approved: expected validation error, got %v", err)
	}
	if _, err := svc.UpdateClaimStatus(context.Background(), claim.ID, "lost"); !errors.Is(err, dispatch.ErrValidation) {
		t.Errorf("unknown status: expected validation error, got %v", err)
	}
	if _, err := svc.UpdateClaimStatus(context.Background(), uuid.New(), ClaimPending); !errors.Is(err, dispatch.ErrNotFound) {
		t.Errorf("unknown claim: expected not-found error, got %v", err)
	}
}

// -- Reads --

func TestGetInvoice(t *testing.T) {
	svc, _ := newTestService()
	inv := mustInvoice(t, svc)

	if _, _, err := svc.ReconcilePayment(context.Background(), inv.ID, 100.00, "cash", ""); err != nil {
		t.Fatalf("payment: %v", err)
	}

	got, items, payments, err := svc.GetInvoice(context.Background(), inv.ID)
	if err != nil {
		t.Fatalf("get invoice: %v", err)
	}
	if got.ID != inv.ID {
		t.Error("wrong invoice returned")
	}
	if len(items) != 1 || len(payments) != 1 {
		t.Errorf("expected 1 item and 1 payment, got %d/%d", len(items), len(payments))
	}

	if _, _, _, err := svc.GetInvoice(context.Background(), uuid.New()); !errors.Is(err, dispatch.ErrNotFound) {
		t.Errorf("expected not-found error, got %v", err)
	}
}
