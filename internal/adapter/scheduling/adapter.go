package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/clinbridge/clinbridge/internal/dispatch"
	"github.com/clinbridge/clinbridge/internal/platform/db"
	"github.com/clinbridge/clinbridge/pkg/pagination"
)

// AdapterName is the registry name of the scheduling adapter.
const AdapterName = "scheduling"

// Config holds the scheduling store connection settings.
type Config struct {
	DatabaseURL string
	MaxConns    int32
	MinConns    int32
}

// Adapter exposes the appointment store through the dispatch contract. It
// owns its database pool: acquired in Initialize, released in Shutdown.
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
		Name:        "schedule_appointment",
		Description: "Book the requested slot or the next free 30-minute slot for the modality",
		Adapter:     AdapterName,
		Params: []dispatch.ParamSpec{
			{Name: "patient_id", Type: "string", Required: true},
			{Name: "modality", Type: "string", Required: true},
			{Name: "requested_datetime", Type: "string", Required: true, Description: "RFC 3339 or YYYY-MM-DD HH:MM"},
			{Name: "procedure_description", Type: "string"},
			{Name: "priority", Type: "string", Description: "defaults to routine"},
			{Name: "duration_minutes", Type: "integer"},
		},
	}, a.scheduleAppointment)

	a.ops.Register(dispatch.ToolDefinition{
		Name:        "get_worklist",
		Description: "List appointments for a day, modality or status in scheduled-time order",
		Adapter:     AdapterName,
		Params: []dispatch.ParamSpec{
			{Name: "date", Type: "string", Description: "YYYY-MM-DD"},
			{Name: "modality", Type: "string"},
			{Name: "status", Type: "string", Description: "defaults to scheduled"},
		},
	}, a.getWorklist)

	a.ops.Register(dispatch.ToolDefinition{
		Name:        "update_appointment_status",
		Description: "Move an appointment through its status lifecycle",
		Adapter:     AdapterName,
		Params: []dispatch.ParamSpec{
			{Name: "appointment_id", Type: "string", Required: true},
			{Name: "new_status", Type: "string", Required: true},
		},
	}, a.updateAppointmentStatus)

	a.ops.Register(dispatch.ToolDefinition{
		Name:        "list_appointments",
		Description: "List a patient's appointments, most recent first",
		Adapter:     AdapterName,
		Params: []dispatch.ParamSpec{
			{Name: "patient_id", Type: "string", Required: true},
			{Name: "limit", Type: "integer"},
			{Name: "offset", Type: "integer"},
		},
	}, a.listAppointments)

	return a
}

func (a *Adapter) Name() string { return AdapterName }

func (a *Adapter) Initialize(ctx context.Context) error {
	if a.cfg.DatabaseURL == "" {
		return dispatch.Errorf(dispatch.ErrConfiguration, "scheduling database URL is not configured")
	}
	pool, err := db.NewPool(ctx, a.cfg.DatabaseURL, a.cfg.MaxConns, a.cfg.MinConns)
	if err != nil {
		return dispatch.WrapErr(dispatch.ErrConfiguration, err, "connect scheduling store")
	}
	a.pool = pool
	a.svc = NewService(NewPatientRepoPG(pool), NewAppointmentRepoPG(pool), a.log)
	a.log.Info().Msg("scheduling store connected")
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
			Msg("scheduling store unreachable")
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

// Accepted scheduled-time layouts, tried in order.
var requestTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

func parseRequestedTime(v string) (time.Time, error) {
	for _, layout := range requestTimeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, dispatch.Errorf(dispatch.ErrValidation,
		"requested_datetime %q is not a recognized timestamp", v)
}

func (a *Adapter) scheduleAppointment(ctx context.Context, p dispatch.Params) (dispatch.Result, error) {
	patientID, ok := p.String("patient_id")
	if !ok || patientID == "" {
		return nil, dispatch.Errorf(dispatch.ErrValidation, "patient_id is required")
	}
	modality, ok := p.String("modality")
	if !ok || modality == "" {
		return nil, dispatch.Errorf(dispatch.ErrValidation, "modality is required")
	}
	rawTime, ok := p.String("requested_datetime")
	if !ok || rawTime == "" {
		return nil, dispatch.Errorf(dispatch.ErrValidation, "requested_datetime is required")
	}
	requestedAt, err := parseRequestedTime(rawTime)
	if err != nil {
		return nil, err
	}
	duration, _ := p.Int("duration_minutes")

	appt, err := a.svc.Schedule(ctx, ScheduleRequest{
		PatientMRN:      patientID,
		Modality:        modality,
		RequestedAt:     requestedAt,
		Procedure:       p.StringOr("procedure_description", ""),
		Priority:        p.StringOr("priority", PriorityRoutine),
		DurationMinutes: duration,
	})
	if err != nil {
		return nil, err
	}
	return appointmentResult(appt), nil
}

func (a *Adapter) getWorklist(ctx context.Context, p dispatch.Params) (dispatch.Result, error) {
	var filter WorklistFilter
	if v, ok := p.String("date"); ok && v != "" {
		day, err := time.Parse("2006-01-02", v)
		if err != nil {
			return nil, dispatch.Errorf(dispatch.ErrValidation, "date %q must be YYYY-MM-DD", v)
		}
		filter.Date = &day
	}
	filter.Modality = p.StringOr("modality", "")
	filter.Status = p.StringOr("status", "")

	entries, err := a.svc.Worklist(ctx, filter)
	if err != nil {
		return nil, err
	}

	out := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		entry := appointmentResult(&e.Appointment)
		entry["patient_name"] = e.PatientLastName + "^" + e.PatientFirstName
		out = append(out, map[string]interface{}(entry))
	}
	return dispatch.Result{"worklist": out, "count": len(out)}, nil
}

func (a *Adapter) updateAppointmentStatus(ctx context.Context, p dispatch.Params) (dispatch.Result, error) {
	rawID, ok := p.String("appointment_id")
	if !ok || rawID == "" {
		return nil, dispatch.Errorf(dispatch.ErrValidation, "appointment_id is required")
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, dispatch.Errorf(dispatch.ErrValidation, "appointment_id %q is not a valid identifier", rawID)
	}
	newStatus, ok := p.String("new_status")
	if !ok || newStatus == "" {
		return nil, dispatch.Errorf(dispatch.ErrValidation, "new_status is required")
	}

	appt, err := a.svc.UpdateStatus(ctx, id, newStatus)
	if err != nil {
		return nil, err
	}
	return appointmentResult(appt), nil
}

func (a *Adapter) listAppointments(ctx context.Context, p dispatch.Params) (dispatch.Result, error) {
	patientID, ok := p.String("patient_id")
	if !ok || patientID == "" {
		return nil, dispatch.Errorf(dispatch.ErrValidation, "patient_id is required")
	}
	limit, _ := p.Int("limit")
	offset, _ := p.Int("offset")
	page := pagination.Clamp(limit, offset)

	items, total, err := a.svc.ListByPatient(ctx, patientID, page.Limit, page.Offset)
	if err != nil {
		return nil, err
	}

	out := make([]interface{}, 0, len(items))
	for _, appt := range items {
		out = append(out, map[string]interface{}(appointmentResult(appt)))
	}
	return dispatch.Result{
		"appointments": out,
		"total":        total,
		"limit":        page.Limit,
		"offset":       page.Offset,
		"has_more":     page.HasNext(total),
	}, nil
}

// appointmentResult shapes an appointment for the orchestrator. The slot is
// reported as both scheduled_datetime and the scheduled_time name the
// orchestrator contract uses.
func appointmentResult(a *Appointment) dispatch.Result {
	slot := a.ScheduledAt.Format(time.RFC3339)
	res := dispatch.Result{
		"appointment_id":     a.ID.String(),
		"patient_id":         a.PatientMRN,
		"modality":           a.Modality,
		"scheduled_datetime": slot,
		"scheduled_time":     slot,
		"duration_minutes":   a.DurationMinutes,
		"status":             a.Status,
		"priority":           a.Priority,
		"accession_number":   a.AccessionNumber,
		"room":               a.Room,
	}
	if a.Procedure != nil {
		res["procedure_description"] = *a.Procedure
	}
	return res
}
