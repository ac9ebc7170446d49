package imaging

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinbridge/clinbridge/internal/dispatch"
)

// AdapterName is the registry name of the imaging archive adapter.
const AdapterName = "imaging"

// Date filters accept a single day or an inclusive range.
var studyDateRe = regexp.MustCompile(`^\d{8}(-\d{8})?$`)

// Adapter translates normalized search/retrieve/store invocations into the
// archive's tag-keyed wire format.
type Adapter struct {
	cfg    Config
	log    zerolog.Logger
	ops    *dispatch.OperationTable
	client *Client
}

// New wires the adapter's operation table. The archive connection itself is
// acquired in Initialize.
func New(cfg Config, log zerolog.Logger) *Adapter {
	a := &Adapter{
		cfg: cfg,
		log: log.With().Str("adapter", AdapterName).Logger(),
		ops: dispatch.NewOperationTable(),
	}

	a.ops.Register(dispatch.ToolDefinition{
		Name:        "search_studies",
		Description: "Search the imaging archive for studies matching the given filters",
		Adapter:     AdapterName,
		Params: []dispatch.ParamSpec{
			{Name: "patient_id", Type: "string"},
			{Name: "patient_name", Type: "string"},
			{Name: "study_date", Type: "string", Description: "YYYYMMDD or YYYYMMDD-YYYYMMDD"},
			{Name: "modality", Type: "string"},
			{Name: "accession_number", Type: "string"},
		},
	}, a.searchStudies)

	a.ops.Register(dispatch.ToolDefinition{
		Name:        "retrieve_study",
		Description: "Retrieve the full series and instance structure of one study",
		Adapter:     AdapterName,
		Params: []dispatch.ParamSpec{
			{Name: "study_instance_uid", Type: "string", Required: true},
			{Name: "include_instance_uris", Type: "boolean"},
		},
	}, a.retrieveStudy)

	a.ops.Register(dispatch.ToolDefinition{
		Name:        "upload_instances",
		Description: "Store a batch of instances in the archive as one all-or-nothing upload",
		Adapter:     AdapterName,
		Params: []dispatch.ParamSpec{
			{Name: "binary_payloads", Type: "array", Required: true, Description: "base64-encoded instance payloads"},
			{Name: "patient_id", Type: "string", Required: true},
		},
	}, a.uploadInstances)

	a.ops.Register(dispatch.ToolDefinition{
		Name:        "patient_history",
		Description: "List a patient's studies grouped by modality, most recent first",
		Adapter:     AdapterName,
		Params: []dispatch.ParamSpec{
			{Name: "patient_id", Type: "string", Required: true},
		},
	}, a.patientHistory)

	a.ops.Register(dispatch.ToolDefinition{
		Name:        "archive_info",
		Description: "Report the archive's name, version and resource counts",
		Adapter:     AdapterName,
	}, a.archiveInfo)

	return a
}

func (a *Adapter) Name() string { return AdapterName }

// Initialize builds the pooled HTTP client and verifies the archive answers.
func (a *Adapter) Initialize(ctx context.Context) error {
	if a.cfg.BaseURL == "" {
		return dispatch.Errorf(dispatch.ErrConfiguration, "imaging archive URL is not configured")
	}
	a.client = NewClient(a.cfg)
	if _, err := a.client.System(ctx); err != nil {
		return dispatch.WrapErr(dispatch.ErrConfiguration, err, "imaging archive unreachable at %s", a.cfg.BaseURL)
	}
	a.log.Info().Str("archive_url", a.cfg.BaseURL).Msg("imaging archive connected")
	return nil
}

func (a *Adapter) HealthCheck(ctx context.Context) bool {
	if a.client == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := a.client.System(ctx)
	return err == nil
}

func (a *Adapter) Operations() []dispatch.ToolDefinition { return a.ops.Definitions() }

func (a *Adapter) Invoke(ctx context.Context, name string, params dispatch.Params) (dispatch.Result, error) {
	return a.ops.Invoke(ctx, name, params)
}

// Shutdown releases pooled connections. Safe to call after a failed
// Initialize, when no client exists.
func (a *Adapter) Shutdown(ctx context.Context) error {
	if a.client != nil {
		a.client.Close()
		a.client = nil
	}
	return nil
}

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

func (a *Adapter) searchStudies(ctx context.Context, p dispatch.Params) (dispatch.Result, error) {
	filters, err := buildSearchFilters(p)
	if err != nil {
		return nil, err
	}
	studies, err := a.findStudies(ctx, filters)
	if err != nil {
		return nil, err
	}
	out := make([]interface{}, 0, len(studies))
	for _, s := range studies {
		out = append(out, s)
	}
	return dispatch.Result{"studies": out, "count": len(studies)}, nil
}

// buildSearchFilters maps provided parameters to archive query attributes.
// Absent filters are omitted entirely, never sent as empty values. The date
// format is checked before any network I/O happens.
func buildSearchFilters(p dispatch.Params) (url.Values, error) {
	filters := url.Values{}
	if v, ok := p.String("patient_id"); ok && v != "" {
		filters.Set("PatientID", v)
	}
	if v, ok := p.String("patient_name"); ok && v != "" {
		filters.Set("PatientName", v)
	}
	if v, ok := p.String("study_date"); ok && v != "" {
		if !studyDateRe.MatchString(v) {
			return nil, dispatch.Errorf(dispatch.ErrValidation, "study_date %q must be YYYYMMDD or YYYYMMDD-YYYYMMDD", v)
		}
		filters.Set("StudyDate", v)
	}
	if v, ok := p.String("modality"); ok && v != "" {
		filters.Set("ModalitiesInStudy", v)
	}
	if v, ok := p.String("accession_number"); ok && v != "" {
		filters.Set("AccessionNumber", v)
	}
	return filters, nil
}

// findStudies queries the archive and normalizes each tag-keyed result.
// Result ordering is whatever the backend returned.
func (a *Adapter) findStudies(ctx context.Context, filters url.Values) ([]map[string]interface{}, error) {
	raw, err := a.client.SearchStudies(ctx, filters)
	if err != nil {
		return nil, err
	}
	studies := make([]map[string]interface{}, 0, len(raw))
	for _, obj := range raw {
		studies = append(studies, map[string]interface{}{
			"study_instance_uid": obj.StringTag(tagStudyInstanceUID, ""),
			"patient_id":         obj.StringTag(tagPatientID, ""),
			"patient_name":       obj.StringTag(tagPatientName, ""),
			"study_date":         obj.StringTag(tagStudyDate, ""),
			"study_description":  obj.StringTag(tagStudyDescription, ""),
			"accession_number":   obj.StringTag(tagAccessionNumber, ""),
			"modality":           obj.StringTag(tagModalitiesInStudy, "OT"),
			"instance_count":     obj.IntTag(tagNumberOfInstances, 0),
		})
	}
	return studies, nil
}

func (a *Adapter) retrieveStudy(ctx context.Context, p dispatch.Params) (dispatch.Result, error) {
	studyUID, ok := p.String("study_instance_uid")
	if !ok || studyUID == "" {
		return nil, dispatch.Errorf(dispatch.ErrValidation, "study_instance_uid is required")
	}
	includeURIs, _ := p.Bool("include_instance_uris")

	matches, err := a.client.SearchStudies(ctx, url.Values{"StudyInstanceUID": []string{studyUID}})
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, dispatch.Errorf(dispatch.ErrNotFound, "study %s is not in the archive", studyUID)
	}
	study := matches[0]

	seriesObjs, err := a.client.StudySeries(ctx, studyUID)
	if err != nil {
		return nil, err
	}

	series := make([]interface{}, 0, len(seriesObjs))
	total := 0
	for _, so := range seriesObjs {
		seriesUID := so.StringTag(tagSeriesInstanceUID, "")
		instObjs, err := a.client.SeriesInstances(ctx, studyUID, seriesUID)
		if err != nil {
			return nil, err
		}

		instances := make([]interface{}, 0, len(instObjs))
		for _, in := range instObjs {
			instUID := in.StringTag(tagSOPInstanceUID, "")
			inst := map[string]interface{}{
				"sop_instance_uid": instUID,
				"instance_number":  in.IntTag(tagInstanceNumber, 0),
			}
			if includeURIs {
				// Locator construction only, no extra archive round trips.
				inst["retrieve_uri"] = fmt.Sprintf("%s/studies/%s/series/%s/instances/%s",
					a.client.BaseURL(), studyUID, seriesUID, instUID)
			}
			instances = append(instances, inst)
		}

		total += len(instObjs)
		series = append(series, map[string]interface{}{
			"series_instance_uid": seriesUID,
			"modality":            so.StringTag(tagModality, "OT"),
			"series_number":       so.IntTag(tagSeriesNumber, 0),
			"series_description":  so.StringTag(tagSeriesDescription, ""),
			"instance_count":      len(instObjs),
			"instances":           instances,
		})
	}

	return dispatch.Result{
		"study_instance_uid": studyUID,
		"patient_id":         study.StringTag(tagPatientID, ""),
		"patient_name":       study.StringTag(tagPatientName, ""),
		"study_date":         study.StringTag(tagStudyDate, ""),
		"accession_number":   study.StringTag(tagAccessionNumber, ""),
		"series":             series,
		"total_instances":    total,
	}, nil
}

func (a *Adapter) uploadInstances(ctx context.Context, p dispatch.Params) (dispatch.Result, error) {
	patientID, ok := p.String("patient_id")
	if !ok || patientID == "" {
		return nil, dispatch.Errorf(dispatch.ErrValidation, "patient_id is required")
	}
	raw, ok := p.Slice("binary_payloads")
	if !ok || len(raw) == 0 {
		return nil, dispatch.Errorf(dispatch.ErrValidation, "binary_payloads must be a non-empty list")
	}

	payloads := make([][]byte, 0, len(raw))
	for i, item := range raw {
		switch v := item.(type) {
		case []byte:
			payloads = append(payloads, v)
		case string:
			b, err := base64.StdEncoding.DecodeString(v)
			if err != nil {
				return nil, dispatch.WrapErr(dispatch.ErrValidation, err, "binary_payloads[%d] is not valid base64", i)
			}
			payloads = append(payloads, b)
		default:
			return nil, dispatch.Errorf(dispatch.ErrValidation, "binary_payloads[%d] must be base64-encoded bytes", i)
		}
	}

	res, err := a.client.StoreInstances(ctx, payloads)
	if err != nil {
		return nil, err
	}

	studyUID := ""
	if u := res.StringTag(tagRetrieveURL, ""); u != "" {
		if i := strings.LastIndex(u, "/studies/"); i >= 0 {
			studyUID = strings.Trim(u[i+len("/studies/"):], "/")
		}
	}

	a.log.Info().
		Str("patient_id", patientID).
		Str("study_instance_uid", studyUID).
		Int("instances", len(payloads)).
		Msg("stored instance batch")

	return dispatch.Result{
		"study_instance_uid": studyUID,
		"instances_uploaded": len(payloads),
	}, nil
}

func (a *Adapter) patientHistory(ctx context.Context, p dispatch.Params) (dispatch.Result, error) {
	patientID, ok := p.String("patient_id")
	if !ok || patientID == "" {
		return nil, dispatch.Errorf(dispatch.ErrValidation, "patient_id is required")
	}

	studies, err := a.findStudies(ctx, url.Values{"PatientID": []string{patientID}})
	if err != nil {
		return nil, err
	}

	// YYYYMMDD compares lexicographically, so string order is date order.
	sort.SliceStable(studies, func(i, j int) bool {
		return studies[i]["study_date"].(string) > studies[j]["study_date"].(string)
	})

	byModality := make(map[string][]interface{})
	all := make([]interface{}, 0, len(studies))
	for _, s := range studies {
		all = append(all, s)
		m := s["modality"].(string)
		byModality[m] = append(byModality[m], s)
	}
	grouped := make(map[string]interface{}, len(byModality))
	for m, list := range byModality {
		grouped[m] = list
	}

	return dispatch.Result{
		"patient_id":    patientID,
		"total_studies": len(studies),
		"studies":       all,
		"by_modality":   grouped,
	}, nil
}

func (a *Adapter) archiveInfo(ctx context.Context, p dispatch.Params) (dispatch.Result, error) {
	info, err := a.client.System(ctx)
	if err != nil {
		return nil, err
	}
	return dispatch.Result(info), nil
}
