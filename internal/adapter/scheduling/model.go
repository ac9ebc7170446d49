// Package scheduling adapts the appointment/worklist store to the uniform
// dispatch contract: slot finding with conflict resolution, worklist
// assembly and the appointment status machine.
package scheduling

import (
	"time"

	"github.com/google/uuid"
)

// Patient is the externally seeded patient reference, keyed by the medical
// record number the orchestrator uses across adapters.
type Patient struct {
	MRN         string     `db:"mrn" json:"mrn"`
	FirstName   string     `db:"first_name" json:"first_name"`
	LastName    string     `db:"last_name" json:"last_name"`
	DateOfBirth *time.Time `db:"date_of_birth" json:"date_of_birth,omitempty"`
	Sex         *string    `db:"sex" json:"sex,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

// Appointment maps to the appointments table.
type Appointment struct {
	ID              uuid.UUID `db:"id" json:"id"`
	PatientMRN      string    `db:"patient_mrn" json:"patient_mrn"`
	Modality        string    `db:"modality" json:"modality"`
	Procedure       *string   `db:"procedure_description" json:"procedure_description,omitempty"`
	ScheduledAt     time.Time `db:"scheduled_datetime" json:"scheduled_datetime"`
	DurationMinutes int       `db:"duration_minutes" json:"duration_minutes"`
	Status          string    `db:"status" json:"status"`
	Priority        string    `db:"priority" json:"priority"`
	AccessionNumber string    `db:"accession_number" json:"accession_number"`
	Room            string    `db:"room" json:"room"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// WorklistEntry is one appointment joined with patient identity, as shown on
// a modality worklist.
type WorklistEntry struct {
	Appointment
	PatientFirstName string `db:"first_name" json:"patient_first_name"`
	PatientLastName  string `db:"last_name" json:"patient_last_name"`
}

// PriorityRoutine is the default request priority when the caller omits one.
const PriorityRoutine = "routine"

// Appointment statuses.
const (
	StatusScheduled  = "scheduled"
	StatusConfirmed  = "confirmed"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
	StatusNoShow     = "no_show"
)

// statusTransitions is the appointment lifecycle. Forward-only through the
// working states; cancellation is allowed before work starts, no-show only
// from the initial state. Terminal states allow nothing.
var statusTransitions = map[string][]string{
	StatusScheduled:  {StatusConfirmed, StatusCancelled, StatusNoShow},
	StatusConfirmed:  {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted},
	StatusCompleted:  {},
	StatusCancelled:  {},
	StatusNoShow:     {},
}

// ValidStatus reports whether s is a known appointment status.
func ValidStatus(s string) bool {
	_, ok := statusTransitions[s]
	return ok
}

// CanTransition reports whether the status machine permits from -> to.
func CanTransition(from, to string) bool {
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
