package scheduling

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

const (
	// Slot probing advances in fixed steps from the requested time and gives
	// up after maxSlotProbes steps beyond the requested slot.
	slotProbeStep = 30 * time.Minute
	maxSlotProbes = 20

	defaultDurationMinutes = 30
)

// ScheduleRequest carries one slot-finding request.
type ScheduleRequest struct {
	PatientMRN      string
	Modality        string
	RequestedAt     time.Time
	Procedure       string
	Priority        string
	DurationMinutes int
}

type Service struct {
	patients     PatientRepository
	appointments AppointmentRepository
	log          zerolog.Logger

	// now is a test seam for accession generation.
	now func() time.Time
}

func NewService(patients PatientRepository, appointments AppointmentRepository, log zerolog.Logger) *Service {
	return &Service{
		patients:     patients,
		appointments: appointments,
		log:          log,
		now:          time.Now,
	}
}

// Schedule books the requested slot if it is free for the modality, otherwise
// probes forward in 30-minute steps. An appointment is never booked earlier
// than the requested time. Cancelled appointments do not block a slot.
func (s *Service) Schedule(ctx context.Context, req ScheduleRequest) (*Appointment, error) {
	patient, err := s.patients.GetByMRN(ctx, req.PatientMRN)
	if err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, dispatch.Errorf(dispatch.ErrNotFound, "patient %s is not registered", req.PatientMRN)
		}
		return nil, dispatch.WrapErr(dispatch.ErrConnection, err, "look up patient %s", req.PatientMRN)
	}

	modality := strings.ToUpper(req.Modality)
	duration := req.DurationMinutes
	if duration <= 0 {
		duration = defaultDurationMinutes
	}
	priority := strings.ToLower(req.Priority)
	if priority == "" {
		priority = PriorityRoutine
	}
	var procedure *string
	if req.Procedure != "" {
		procedure = &req.Procedure
	}

	// The insert is the authoritative conflict check: the store's active-slot
	// uniqueness constraint rejects a slot a concurrent booking claimed after
	// SlotTaken saw it free, and the loop moves on to the next candidate.
	slot := req.RequestedAt
	for probe := 0; ; probe++ {
		taken, err := s.appointments.SlotTaken(ctx, modality, slot)
		if err != nil {
			return nil, dispatch.WrapErr(dispatch.ErrConnection, err, "check %s slot at %s", modality, slot.Format(time.RFC3339))
		}
		if !taken {
			appt := &Appointment{
				PatientMRN:      patient.MRN,
				Modality:        modality,
				Procedure:       procedure,
				ScheduledAt:     slot,
				DurationMinutes: duration,
				Status:          StatusScheduled,
				Priority:        priority,
				AccessionNumber: s.newAccession(),
				Room:            modality + "-ROOM-1",
			}
			err := s.appointments.Create(ctx, appt)
			if err == nil {
				s.log.Info().
					Str("accession_number", appt.AccessionNumber).
					Str("patient_mrn", appt.PatientMRN).
					Str("modality", appt.Modality).
					Time("scheduled_at", appt.ScheduledAt).
					Msg("appointment booked")
				return appt, nil
			}
			if !errors.Is(err, ErrSlotConflict) {
				return nil, dispatch.WrapErr(dispatch.ErrConnection, err, "book %s appointment", modality)
			}
		}
		if probe == maxSlotProbes {
			return nil, dispatch.Errorf(dispatch.ErrCapacityExceeded,
				"no %s slot available within %d probes of %s",
				modality, maxSlotProbes, req.RequestedAt.Format(time.RFC3339))
		}
		slot = slot.Add(slotProbeStep)
	}
}

// newAccession derives the accession number from the wall clock, with a short
// random suffix so two bookings in the same second stay distinct.
func (s *Service) newAccession() string {
	suffix := strings.ToUpper(uuid.NewString()[:4])
	return fmt.Sprintf("ACC-%s-%s", s.now().UTC().Format("20060102150405"), suffix)
}

// Worklist returns appointments matching the filter, ordered by scheduled
// time ascending. An empty status filter defaults to scheduled entries only.
func (s *Service) Worklist(ctx context.Context, f WorklistFilter) ([]*WorklistEntry, error) {
	if f.Status == "" {
		f.Status = StatusScheduled
	} else if !ValidStatus(f.Status) {
		return nil, dispatch.Errorf(dispatch.ErrValidation, "unknown appointment status %q", f.Status)
	}
	if f.Modality != "" {
		f.Modality = strings.ToUpper(f.Modality)
	}
	entries, err := s.appointments.Worklist(ctx, f)
	if err != nil {
		return nil, dispatch.WrapErr(dispatch.ErrConnection, err, "load worklist")
	}
	return entries, nil
}

// UpdateStatus applies one transition of the appointment status machine.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, newStatus string) (*Appointment, error) {
	if !ValidStatus(newStatus) {
		return nil, dispatch.Errorf(dispatch.ErrValidation, "unknown appointment status %q", newStatus)
	}
	appt, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, dispatch.Errorf(dispatch.ErrNotFound, "appointment %s does not exist", id)
		}
		return nil, dispatch.WrapErr(dispatch.ErrConnection, err, "load appointment %s", id)
	}
	if !CanTransition(appt.Status, newStatus) {
		return nil, dispatch.Errorf(dispatch.ErrValidation,
			"appointment %s cannot move from %s to %s", id, appt.Status, newStatus)
	}
	if err := s.appointments.UpdateStatus(ctx, id, newStatus); err != nil {
		return nil, dispatch.WrapErr(dispatch.ErrConnection, err, "update appointment %s", id)
	}
	appt.Status = newStatus
	return appt, nil
}

// ListByPatient returns a patient's appointments, most recent first.
func (s *Service) ListByPatient(ctx context.Context, mrn string, limit, offset int) ([]*Appointment, int, error) {
	items, total, err := s.appointments.ListByPatient(ctx, mrn, limit, offset)
	if err != nil {
		return nil, 0, dispatch.WrapErr(dispatch.ErrConnection, err, "list appointments for %s", mrn)
	}
	return items, total, nil
}
