package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

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

// =========== Patient Repository ===========

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewPatientRepoPG(pool *pgxpool.Pool) PatientRepository { return &patientRepoPG{pool: pool} }

func (r *patientRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *patientRepoPG) GetByMRN(ctx context.Context, mrn string) (*Patient, error) {
	var p Patient
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT mrn, first_name, last_name, date_of_birth, sex, created_at
		FROM patients WHERE mrn = $1`, mrn).
		Scan(&p.MRN, &p.FirstName, &p.LastName, &p.DateOfBirth, &p.Sex, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPatientNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ pool *pgxpool.Pool }

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const apptCols = `id, patient_mrn, modality, procedure_description, scheduled_datetime,
	duration_minutes, status, priority, accession_number, room, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.PatientMRN, &a.Modality, &a.Procedure, &a.ScheduledAt,
		&a.DurationMinutes, &a.Status, &a.Priority, &a.AccessionNumber, &a.Room,
		&a.CreatedAt, &a.UpdatedAt)
	return &a, err
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO appointments (id, patient_mrn, modality, procedure_description,
			scheduled_datetime, duration_minutes, status, priority, accession_number, room)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		a.ID, a.PatientMRN, a.Modality, a.Procedure,
		a.ScheduledAt, a.DurationMinutes, a.Status, a.Priority, a.AccessionNumber, a.Room)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "uq_appointments_active_slot" {
		return ErrSlotConflict
	}
	return err
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := scanAppointment(r.conn(ctx).QueryRow(ctx,
		`SELECT `+apptCols+` FROM appointments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAppointmentNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (r *appointmentRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointments SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *appointmentRepoPG) SlotTaken(ctx context.Context, modality string, at time.Time) (bool, error) {
	var taken bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointments
			WHERE modality = $1 AND scheduled_datetime = $2 AND status <> $3
		)`, modality, at, StatusCancelled).Scan(&taken)
	return taken, err
}

func (r *appointmentRepoPG) Worklist(ctx context.Context, f WorklistFilter) ([]*WorklistEntry, error) {
	query := `
		SELECT a.` + apptColsPrefixed + `, p.first_name, p.last_name
		FROM appointments a
		JOIN patients p ON p.mrn = a.patient_mrn
		WHERE 1=1`
	args := []interface{}{}
	if f.Date != nil {
		day := f.Date.Truncate(24 * time.Hour)
		args = append(args, day)
		query += fmt.Sprintf(` AND a.scheduled_datetime >= $%d`, len(args))
		args = append(args, day.Add(24*time.Hour))
		query += fmt.Sprintf(` AND a.scheduled_datetime < $%d`, len(args))
	}
	if f.Modality != "" {
		args = append(args, f.Modality)
		query += fmt.Sprintf(` AND a.modality = $%d`, len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(` AND a.status = $%d`, len(args))
	}
	query += ` ORDER BY a.scheduled_datetime ASC`

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*WorklistEntry
	for rows.Next() {
		var e WorklistEntry
		if err := rows.Scan(&e.ID, &e.PatientMRN, &e.Modality, &e.Procedure, &e.ScheduledAt,
			&e.DurationMinutes, &e.Status, &e.Priority, &e.AccessionNumber, &e.Room,
			&e.CreatedAt, &e.UpdatedAt, &e.PatientFirstName, &e.PatientLastName); err != nil {
			return nil, err
		}
		items = append(items, &e)
	}
	return items, rows.Err()
}

func (r *appointmentRepoPG) ListByPatient(ctx context.Context, mrn string, limit, offset int) ([]*Appointment, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM appointments WHERE patient_mrn = $1`, mrn).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+apptCols+` FROM appointments
		WHERE patient_mrn = $1
		ORDER BY scheduled_datetime DESC
		LIMIT $2 OFFSET $3`, mrn, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

const apptColsPrefixed = `id, a.patient_mrn, a.modality, a.procedure_description, a.scheduled_datetime,
	a.duration_minutes, a.status, a.priority, a.accession_number, a.room, a.created_at, a.updated_at`
