package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/clinbridge/clinbridge/internal/dispatch"
	"github.com/clinbridge/clinbridge/internal/platform/db"
)

// AdapterName is the registry name of the billing adapter.
const AdapterName = "billing"

// Config holds the billing ledger connection settings.
type Config struct {
	DatabaseURL string
	MaxConns    int32
	MinConns    int32
}

// Adapter exposes the invoice/claims ledger through the dispatch contract.
// It owns its database pool: acquired in Initialize, released in Shutdown.
type Adapter struct {
	cfg  Config
	log  zerolog.Logger
	ops  *dispatch.OperationTable
	pool *pgxpool.Pool
	svc  *Service
}

func New(cfg Config, log zerolog.Logger) *Adapter {
	a := &Adapter{
		cfg: cfg,
		log: log.With().Str("adapter", AdapterName).Logger(),
		ops: dispatch.NewOperationTable(),
	}

	a.ops.Register(dispatch.ToolDefinition{
		Name:        "create_invoice",
		Description: "Create an invoice priced from the procedure-code list",
		Adapter:     AdapterName,
		Params: []dispatch.ParamSpec{
			{Name: "patient_id", Type: "string", Required: true},
			{Name: "items", Type: "array", Required: true, Description: "objects with procedure_code and quantity"},
			{Name: "due_days", Type: "integer", Description: "payment term, defaults to 30"},
		},
	}, a.createInvoice)

	a.ops.Register(dispatch.ToolDefinition{
		Name:        "reconcile_payment",
		Description: "Record a payment against an invoice and settle its balance",
		Adapter:     AdapterName,
		Params: []dispatch.ParamSpec{
			{Name: "invoice_id", Type: "string", Required: true},
			{Name: "amount", Type: "number", Required: true},
			{Name: "method", Type: "string"},
			{Name: "reference", Type: "string"},
		},
	}, a.reconcilePayment)

	a.ops.Register(dispatch.ToolDefinition{
		Name:        "submit_claim",
		Description: "Create an invoice and submit an insurance claim over its total",
		Adapter:     AdapterName,
		Params: []dispatch.ParamSpec{
			{Name: "patient_id", Type: "string", Required: true},
			{Name: "items", Type: "array", Required: true},
			{Name: "payer", Type: "string", Required: true},
			{Name: "due_days", Type: "integer"},
		},
	}, a.submitClaim)

	a.ops.Register(dispatch.ToolDefinition{
		Name:        "get_invoice",
		Description: "Fetch an invoice with its lines and payment history",
		Adapter:     AdapterName,
		Params: []dispatch.ParamSpec{
			{Name: "invoice_id", Type: "string", Required: true},
		},
	}, a.getInvoice)

	a.ops.Register(dispatch.ToolDefinition{
		Name:        "update_claim_status",
		Description: "Move an insurance claim through adjudication",
		Adapter:     AdapterName,
		Params: []dispatch.ParamSpec{
			{Name: "claim_id", Type: "string", Required: true},
			{Name: "new_status", Type: "string", Required: true},
		},
	}, a.updateClaimStatus)

	return a
}

func (a *Adapter) Name() string { return AdapterName }

func (a *Adapter) Initialize(ctx context.Context) error {
	if a.cfg.DatabaseURL == "" {
		return dispatch.Errorf(dispatch.ErrConfiguration, "billing database URL is not configured")
	}
	pool, err := db.NewPool(ctx, a.cfg.DatabaseURL, a.cfg.MaxConns, a.cfg.MinConns)
	if err != nil {
		return dispatch.WrapErr(dispatch.ErrConfiguration, err, "connect billing ledger")
	}
	a.pool = pool
	inTx := func(ctx context.Context, fn func(ctx context.Context) error) error {
		return db.WithTx(ctx, pool, fn)
	}
	a.svc = NewService(
		NewProcedureCodeRepoPG(pool),
		NewInvoiceRepoPG(pool),
		NewPaymentRepoPG(pool),
		NewClaimRepoPG(pool),
		inTx,
		a.log,
	)
	a.log.Info().Msg("billing ledger connected")
	return nil
}

func (a *Adapter) HealthCheck(ctx context.Context) bool {
	if a.pool == nil {
		return false
	}
	if !db.Ping(ctx, a.pool, 5*time.Second) {
		stats := db.GetPoolStats(a.pool)
		a.log.Warn().
			Int32("total_conns", stats.TotalConns).
			Int32("acquired_conns", stats.AcquiredConns).
			Int32("max_conns", stats.MaxConns).
			Msg("billing ledger unreachable")
		return false
	}
	return true
}

func (a *Adapter) Operations() []dispatch.ToolDefinition { return a.ops.Definitions() }

func (a *Adapter) Invoke(ctx context.Context, name string, params dispatch.Params) (dispatch.Result, error) {
	return a.ops.Invoke(ctx, name, params)
}

func (a *Adapter) Shutdown(ctx context.Context) error {
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
	return nil
}

// setService is a test seam: it lets tests run the adapter against mock
// repositories without a database pool.
func (a *Adapter) setService(svc *Service) { a.svc = svc }

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

// parseLines decodes the items parameter into line requests. Pricing and
// code validation happen in the service.
func parseLines(p dispatch.Params) ([]InvoiceLineRequest, error) {
	raw, ok := p.Slice("items")
	if !ok || len(raw) == 0 {
		return nil, dispatch.Errorf(dispatch.ErrValidation, "items must be a non-empty list")
	}
	lines := make([]InvoiceLineRequest, 0, len(raw))
	for i, item := range raw {
		obj, ok := item.(map[string]interface{})
		if !ok {
			return nil, dispatch.Errorf(dispatch.ErrValidation, "items[%d] must be an object", i)
		}
		entry := dispatch.Params(obj)
		code, ok := entry.String("procedure_code")
		if !ok || code == "" {
			return nil, dispatch.Errorf(dispatch.ErrValidation, "items[%d] is missing procedure_code", i)
		}
		qty, ok := entry.Int("quantity")
		if !ok {
			qty = 1
		}
		lines = append(lines, InvoiceLineRequest{ProcedureCode: code, Quantity: qty})
	}
	return lines, nil
}

func (a *Adapter) createInvoice(ctx context.Context, p dispatch.Params) (dispatch.Result, error) {
	patientID, ok := p.String("patient_id")
	if !ok || patientID == "" {
		return nil, dispatch.Errorf(dispatch.ErrValidation, "patient_id is required")
	}
	lines, err := parseLines(p)
	if err != nil {
		return nil, err
	}
	dueDays, _ := p.Int("due_days")

	inv, items, err := a.svc.CreateInvoice(ctx, InvoiceRequest{
		PatientMRN: patientID,
		Lines:      lines,
		DueDays:    dueDays,
	})
	if err != nil {
		return nil, err
	}
	res := invoiceResult(inv)
	res["items"] = itemResults(items)
	return res, nil
}

func (a *Adapter) reconcilePayment(ctx context.Context, p dispatch.Params) (dispatch.Result, error) {
	id, err := invoiceIDParam(p, "invoice_id")
	if err != nil {
		return nil, err
	}
	amount, ok := p.Float("amount")
	if !ok {
		return nil, dispatch.Errorf(dispatch.ErrValidation, "amount is required")
	}

	inv, payment, err := a.svc.ReconcilePayment(ctx, id, amount,
		p.StringOr("method", ""), p.StringOr("reference", ""))
	if err != nil {
		return nil, err
	}
	res := invoiceResult(inv)
	res["payment_id"] = payment.ID.String()
	res["amount_applied"] = payment.Amount
	return res, nil
}

func (a *Adapter) submitClaim(ctx context.Context, p dispatch.Params) (dispatch.Result, error) {
	patientID, ok := p.String("patient_id")
	if !ok || patientID == "" {
		return nil, dispatch.Errorf(dispatch.ErrValidation, "patient_id is required")
	}
	payer, ok := p.String("payer")
	if !ok || payer == "" {
		return nil, dispatch.Errorf(dispatch.ErrValidation, "payer is required")
	}
	lines, err := parseLines(p)
	if err != nil {
		return nil, err
	}
	dueDays, _ := p.Int("due_days")

	claim, inv, err := a.svc.SubmitClaim(ctx, ClaimRequest{
		InvoiceRequest: InvoiceRequest{PatientMRN: patientID, Lines: lines, DueDays: dueDays},
		Payer:          payer,
	})
	if err != nil {
		return nil, err
	}
	return dispatch.Result{
		"claim_id":     claim.ID.String(),
		"claim_number": claim.ClaimNumber,
		"claim_amount": claim.ClaimAmount,
		"status":       claim.Status,
		"payer":        claim.Payer,
		"patient_id":   claim.PatientMRN,
		"submitted_at": claim.SubmittedAt.Format(time.RFC3339),
		"invoice":      map[string]interface{}(invoiceResult(inv)),
	}, nil
}

func (a *Adapter) getInvoice(ctx context.Context, p dispatch.Params) (dispatch.Result, error) {
	id, err := invoiceIDParam(p, "invoice_id")
	if err != nil {
		return nil, err
	}
	inv, items, payments, err := a.svc.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}

	paymentsOut := make([]interface{}, 0, len(payments))
	for _, pay := range payments {
		entry := map[string]interface{}{
			"payment_id": pay.ID.String(),
			"amount":     pay.Amount,
			"method":     pay.Method,
			"paid_at":    pay.PaidAt.Format(time.RFC3339),
		}
		if pay.Reference != nil {
			entry["reference"] = *pay.Reference
		}
		paymentsOut = append(paymentsOut, entry)
	}

	res := invoiceResult(inv)
	res["items"] = itemResults(items)
	res["payments"] = paymentsOut
	return res, nil
}

func (a *Adapter) updateClaimStatus(ctx context.Context, p dispatch.Params) (dispatch.Result, error) {
	rawID, ok := p.String("claim_id")
	if !ok || rawID == "" {
		return nil, dispatch.Errorf(dispatch.ErrValidation, "claim_id is required")
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, dispatch.Errorf(dispatch.ErrValidation, "claim_id %q is not a valid identifier", rawID)
	}
	newStatus, ok := p.String("new_status")
	if !ok || newStatus == "" {
		return nil, dispatch.Errorf(dispatch.ErrValidation, "new_status is required")
	}

	claim, err := a.svc.UpdateClaimStatus(ctx, id, newStatus)
	if err != nil {
		return nil, err
	}
	return dispatch.Result{
		"claim_id":     claim.ID.String(),
		"claim_number": claim.ClaimNumber,
		"claim_amount": claim.ClaimAmount,
		"status":       claim.Status,
		"payer":        claim.Payer,
		"patient_id":   claim.PatientMRN,
	}, nil
}

func invoiceIDParam(p dispatch.Params, key string) (uuid.UUID, error) {
	raw, ok := p.String(key)
	if !ok || raw == "" {
		return uuid.Nil, dispatch.Errorf(dispatch.ErrValidation, "%s is required", key)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, dispatch.Errorf(dispatch.ErrValidation, "%s %q is not a valid identifier", key, raw)
	}
	return id, nil
}

// invoiceResult shapes an invoice for the orchestrator. Total, balance and
// status also appear under the total_amount/remaining_balance/invoice_status
// names the orchestrator contract uses.
func invoiceResult(inv *Invoice) dispatch.Result {
	return dispatch.Result{
		"invoice_id":        inv.ID.String(),
		"invoice_number":    inv.InvoiceNumber,
		"patient_id":        inv.PatientMRN,
		"invoice_date":      inv.InvoiceDate.Format(time.RFC3339),
		"due_date":          inv.DueDate.Format(time.RFC3339),
		"subtotal":          inv.Subtotal,
		"tax":               inv.Tax,
		"total":             inv.Total,
		"total_amount":      inv.Total,
		"amount_paid":       inv.AmountPaid,
		"balance":           inv.Balance,
		"remaining_balance": inv.Balance,
		"status":            inv.Status,
		"invoice_status":    inv.Status,
	}
}

func itemResults(items []*InvoiceItem) []interface{} {
	out := make([]interface{}, 0, len(items))
	for _, item := range items {
		out = append(out, map[string]interface{}{
			"procedure_code": item.ProcedureCode,
			"description":    item.Description,
			"unit_price":     item.UnitPrice,
			"quantity":       item.Quantity,
			"line_total":     item.LineTotal,
		})
	}
	return out
}
