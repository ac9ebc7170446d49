package billing

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinbridge/clinbridge/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// =========== Procedure Code Repository ===========

type procedureCodeRepoPG struct{ pool *pgxpool.Pool }

func NewProcedureCodeRepoPG(pool *pgxpool.Pool) ProcedureCodeRepository {
	return &procedureCodeRepoPG{pool: pool}
}

func (r *procedureCodeRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *procedureCodeRepoPG) GetByCode(ctx context.Context, code string) (*ProcedureCode, error) {
	var pc ProcedureCode
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT code, description, base_price FROM procedure_codes WHERE code = $1`, code).
		Scan(&pc.Code, &pc.Description, &pc.BasePrice)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCodeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pc, nil
}

// =========== Invoice Repository ===========

type invoiceRepoPG struct{ pool *pgxpool.Pool }

func NewInvoiceRepoPG(pool *pgxpool.Pool) InvoiceRepository { return &invoiceRepoPG{pool: pool} }

func (r *invoiceRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const invoiceCols = `id, invoice_number, patient_mrn, invoice_date, due_date,
	subtotal, tax, total, amount_paid, balance, status, created_at, updated_at`

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	err := row.Scan(&inv.ID, &inv.InvoiceNumber, &inv.PatientMRN, &inv.InvoiceDate, &inv.DueDate,
		&inv.Subtotal, &inv.Tax, &inv.Total, &inv.AmountPaid, &inv.Balance, &inv.Status,
		&inv.CreatedAt, &inv.UpdatedAt)
	return &inv, err
}

func (r *invoiceRepoPG) Create(ctx context.Context, inv *Invoice) error {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO invoices (id, invoice_number, patient_mrn, invoice_date, due_date,
			subtotal, tax, total, amount_paid, balance, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		inv.ID, inv.InvoiceNumber, inv.PatientMRN, inv.InvoiceDate, inv.DueDate,
		inv.Subtotal, inv.Tax, inv.Total, inv.AmountPaid, inv.Balance, inv.Status)
	return err
}

func (r *invoiceRepoPG) AddItem(ctx context.Context, item *InvoiceItem) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO invoice_items (id, invoice_id, procedure_code, description, unit_price, quantity, line_total)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		item.ID, item.InvoiceID, item.ProcedureCode, item.Description,
		item.UnitPrice, item.Quantity, item.LineTotal)
	return err
}

func (r *invoiceRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	inv, err := scanInvoice(r.conn(ctx).QueryRow(ctx,
		`SELECT `+invoiceCols+` FROM invoices WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvoiceNotFound
	}
	if err != nil {
		return nil, err
	}
	return inv, nil
}

func (r *invoiceRepoPG) GetItems(ctx context.Context, invoiceID uuid.UUID) ([]*InvoiceItem, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, invoice_id, procedure_code, description, unit_price, quantity, line_total
		FROM invoice_items WHERE invoice_id = $1 ORDER BY procedure_code`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*InvoiceItem
	for rows.Next() {
		var it InvoiceItem
		if err := rows.Scan(&it.ID, &it.InvoiceID, &it.ProcedureCode, &it.Description,
			&it.UnitPrice, &it.Quantity, &it.LineTotal); err != nil {
			return nil, err
		}
		items = append(items, &it)
	}
	return items, rows.Err()
}

func (r *invoiceRepoPG) UpdatePaymentState(ctx context.Context, id uuid.UUID, amountPaid, balance float64, status string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE invoices SET amount_paid = $2, balance = $3, status = $4, updated_at = NOW()
		WHERE id = $1`, id, amountPaid, balance, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

// =========== Payment Repository ===========

type paymentRepoPG struct{ pool *pgxpool.Pool }

func NewPaymentRepoPG(pool *pgxpool.Pool) PaymentRepository { return &paymentRepoPG{pool: pool} }

func (r *paymentRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *paymentRepoPG) Create(ctx context.Context, p *Payment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO payments (id, invoice_id, amount, method, reference, paid_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		p.ID, p.InvoiceID, p.Amount, p.Method, p.Reference, p.PaidAt)
	return err
}

func (r *paymentRepoPG) ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, invoice_id, amount, method, reference, paid_at
		FROM payments WHERE invoice_id = $1 ORDER BY paid_at ASC`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Payment
	for rows.Next() {
		var p Payment
		if err := rows.Scan(&p.ID, &p.InvoiceID, &p.Amount, &p.Method, &p.Reference, &p.PaidAt); err != nil {
			return nil, err
		}
		items = append(items, &p)
	}
	return items, rows.Err()
}

// =========== Claim Repository ===========

type claimRepoPG struct{ pool *pgxpool.Pool }

func NewClaimRepoPG(pool *pgxpool.Pool) ClaimRepository { return &claimRepoPG{pool: pool} }

func (r *claimRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const claimCols = `id, claim_number, invoice_id, patient_mrn, payer, claim_amount, status, submitted_at, updated_at`

func (r *claimRepoPG) Create(ctx context.Context, c *InsuranceClaim) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO insurance_claims (id, claim_number, invoice_id, patient_mrn, payer, claim_amount, status, submitted_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		c.ID, c.ClaimNumber, c.InvoiceID, c.PatientMRN, c.Payer, c.ClaimAmount, c.Status, c.SubmittedAt)
	return err
}

func (r *claimRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*InsuranceClaim, error) {
	var c InsuranceClaim
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT `+claimCols+` FROM insurance_claims WHERE id = $1`, id).
		Scan(&c.ID, &c.ClaimNumber, &c.InvoiceID, &c.PatientMRN, &c.Payer,
			&c.ClaimAmount, &c.Status, &c.SubmittedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrClaimNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *claimRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE insurance_claims SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimNotFound
	}
	return nil
}
