package scheduling

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel repository errors, mapped to dispatch error kinds by the service.
var (
	ErrPatientNotFound     = errors.New("patient not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	// ErrSlotConflict means a concurrent booking claimed the slot between the
	// availability check and the insert.
	ErrSlotConflict = errors.New("slot already booked")
)

// WorklistFilter narrows the worklist query. Zero-valued fields are not
// applied; provided filters combine additively.
type WorklistFilter struct {
	Date     *time.Time
	Modality string
	Status   string
}

type PatientRepository interface {
	GetByMRN(ctx context.Context, mrn string) (*Patient, error)
}

type AppointmentRepository interface {
	// Create inserts the appointment. The active-slot uniqueness constraint
	// makes it return ErrSlotConflict when another booking won the slot first.
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
	// SlotTaken reports whether a non-cancelled appointment already occupies
	// the exact slot for the modality.
	SlotTaken(ctx context.Context, modality string, at time.Time) (bool, error)
	Worklist(ctx context.Context, f WorklistFilter) ([]*WorklistEntry, error)
	ListByPatient(ctx context.Context, mrn string, limit, offset int) ([]*Appointment, int, error)
}
