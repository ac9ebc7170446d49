package scheduling

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/clinbridge/clinbridge/internal/dispatch"
)

func newTestAdapter() (*Adapter, *mockAppointmentRepo) {
	a := New(Config{DatabaseURL: "postgres://unused"}, zerolog.Nop())
	appts := newMockAppointmentRepo()
	a.setService(NewService(newMockPatientRepo(), appts, zerolog.Nop()))
	return a, appts
}

func TestScheduleAppointmentOperation(t *testing.T) {
	a, _ := newTestAdapter()

	res, err := a.Invoke(context.Background(), "schedule_appointment", dispatch.Params{
		"patient_id":         "P00001",
		"modality":           "CT",
		"requested_datetime": "2025-06-02T09:00:00Z",
	})
	if err != nil {
		t.Fatalf("schedule_appointment: %v", err)
	}
	if res["scheduled_datetime"] != "2025-06-02T09:00:00Z" {
		t.Errorf("unexpected scheduled_datetime %v", res["scheduled_datetime"])
	}
	if res["scheduled_time"] != "2025-06-02T09:00:00Z" {
		t.Errorf("unexpected scheduled_time %v", res["scheduled_time"])
	}
	if res["room"] != "CT-ROOM-1" {
		t.Errorf("unexpected room %v", res["room"])
	}
	if res["status"] != StatusScheduled {
		t.Errorf("unexpected status %v", res["status"])
	}
	if res["priority"] != PriorityRoutine {
		t.Errorf("expected default priority routine, got %v", res["priority"])
	}
	if res["appointment_id"] == "" || res["accession_number"] == "" {
		t.Error("expected identifiers in result")
	}
}

func TestScheduleAppointment_PriorityParam(t *testing.T) {
	a, _ := newTestAdapter()

	res, err := a.Invoke(context.Background(), "schedule_appointment", dispatch.Params{
		"patient_id":         "P00001",
		"modality":           "CT",
		"requested_datetime": "2025-06-02T09:00:00Z",
		"priority":           "urgent",
	})
	if err != nil {
		t.Fatalf("schedule_appointment: %v", err)
	}
	if res["priority"] != "urgent" {
		t.Errorf("expected priority urgent, got %v", res["priority"])
	}
}

func TestScheduleAppointment_ParamValidation(t *testing.T) {
	a, _ := newTestAdapter()

	cases := []dispatch.Params{
		{"modality": "CT", "requested_datetime": "2025-06-02T09:00:00Z"},
		{"patient_id": "P00001", "requested_datetime": "2025-06-02T09:00:00Z"},
		{"patient_id": "P00001", "modality": "CT"},
		{"patient_id": "P00001", "modality": "CT", "requested_datetime": "next tuesday"},
	}
	for i, p := range cases {
		if _, err := a.Invoke(context.Background(), "schedule_appointment", p); !errors.Is(err, dispatch.ErrValidation) {
			t.Errorf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestScheduleAppointment_PlainTimestamp(t *testing.T) {
	a, _ := newTestAdapter()

	res, err := a.Invoke(context.Background(), "schedule_appointment", dispatch.Params{
		"patient_id":         "P00001",
		"modality":           "MR",
		"requested_datetime": "2025-06-02 14:30",
	})
	if err != nil {
		t.Fatalf("schedule_appointment: %v", err)
	}
	if res["scheduled_datetime"] != "2025-06-02T14:30:00Z" {
		t.Errorf("unexpected scheduled_datetime %v", res["scheduled_datetime"])
	}
}

func TestGetWorklistOperation(t *testing.T) {
	a, _ := newTestAdapter()

	for _, p := range []dispatch.Params{
		{"patient_id": "P00001", "modality": "CT", "requested_datetime": "2025-06-02T09:00:00Z"},
		{"patient_id": "P00002", "modality": "CT", "requested_datetime": "2025-06-02T10:00:00Z"},
	} {
		if _, err := a.Invoke(context.Background(), "schedule_appointment", p); err != nil {
			t.Fatalf("seed appointment: %v", err)
		}
	}

	res, err := a.Invoke(context.Background(), "get_worklist", dispatch.Params{
		"date":     "2025-06-02",
		"modality": "CT",
	})
	if err != nil {
		t.Fatalf("get_worklist: %v", err)
	}
	if res["count"] != 2 {
		t.Fatalf("expected 2 worklist entries, got %v", res["count"])
	}
	entries := res["worklist"].([]interface{})
	first := entries[0].(map[string]interface{})
	if first["patient_name"] != "Doe^Jane" {
		t.Errorf("expected joined patient identity, got %v", first["patient_name"])
	}

	_, err = a.Invoke(context.Background(), "get_worklist", dispatch.Params{"date": "06/02/2025"})
	if !errors.Is(err, dispatch.ErrValidation) {
		t.Errorf("expected validation error for bad date, got %v", err)
	}
}

func TestUpdateAppointmentStatusOperation(t *testing.T) {
	a, _ := newTestAdapter()

	created, err := a.Invoke(context.Background(), "schedule_appointment", dispatch.Params{
		"patient_id":         "P00001",
		"modality":           "CT",
		"requested_datetime": "2025-06-02T09:00:00Z",
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	res, err := a.Invoke(context.Background(), "update_appointment_status", dispatch.Params{
		"appointment_id": created["appointment_id"],
		"new_status":     StatusConfirmed,
	})
	if err != nil {
		t.Fatalf("update_appointment_status: %v", err)
	}
	if res["status"] != StatusConfirmed {
		t.Errorf("expected confirmed, got %v", res["status"])
	}

	_, err = a.Invoke(context.Background(), "update_appointment_status", dispatch.Params{
		"appointment_id": "not-a-uuid",
		"new_status":     StatusConfirmed,
	})
	if !errors.Is(err, dispatch.ErrValidation) {
		t.Errorf("expected validation error for malformed id, got %v", err)
	}
}

func TestListAppointmentsOperation(t *testing.T) {
	a, _ := newTestAdapter()

	for i := 0; i < 3; i++ {
		_, err := a.Invoke(context.Background(), "schedule_appointment", dispatch.Params{
			"patient_id":         "P00001",
			"modality":           "CT",
			"requested_datetime": "2025-06-02T09:00:00Z",
		})
		if err != nil {
			t.Fatalf("seed appointment: %v", err)
		}
	}

	res, err := a.Invoke(context.Background(), "list_appointments", dispatch.Params{
		"patient_id": "P00001",
		"limit":      float64(2),
	})
	if err != nil {
		t.Fatalf("list_appointments: %v", err)
	}
	if res["total"] != 3 {
		t.Errorf("expected total 3, got %v", res["total"])
	}
	if len(res["appointments"].([]interface{})) != 2 {
		t.Errorf("expected 2 appointments on the page")
	}
	if res["has_more"] != true {
		t.Errorf("expected has_more true")
	}
}

func TestSchedulingOperationsListing(t *testing.T) {
	a, _ := newTestAdapter()

	defs := a.Operations()
	if len(defs) != 4 {
		t.Fatalf("expected 4 operations, got %d", len(defs))
	}
	for _, def := range defs {
		if def.Adapter != AdapterName {
			t.Errorf("operation %s has adapter %s", def.Name, def.Adapter)
		}
	}
}
