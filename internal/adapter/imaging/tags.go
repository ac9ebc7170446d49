package imaging

import (
	"strconv"
	"strings"
)

// Attribute tags the adapter reads from or writes to the archive.
const (
	tagSOPInstanceUID    = "00080018"
	tagStudyDate         = "00080020"
	tagAccessionNumber   = "00080050"
	tagModality          = "00080060"
	tagModalitiesInStudy = "00080061"
	tagStudyDescription  = "00081030"
	tagSeriesDescription = "0008103E"
	tagRetrieveURL       = "00081190"
	tagFailedSOPSequence = "00081198"
	tagPatientName       = "00100010"
	tagPatientID         = "00100020"
	tagStudyInstanceUID  = "0020000D"
	tagSeriesInstanceUID = "0020000E"
	tagSeriesNumber      = "00200011"
	tagInstanceNumber    = "00200013"
	tagNumberOfInstances = "00201208"
)

// TagValue is one attribute of a tag-keyed metadata object: a value
// representation code and a value list.
type TagValue struct {
	VR    string        `json:"vr"`
	Value []interface{} `json:"Value,omitempty"`
}

// TagObject is one tag-keyed metadata object as returned by the archive's
// search and metadata endpoints.
type TagObject map[string]TagValue

// StringTag returns the first value of a string-like tag, or def when the tag
// is absent or has no values. Person-name values arrive as
// {"Alphabetic": "..."} objects and are flattened to the alphabetic form.
func (o TagObject) StringTag(tag, def string) string {
	tv, ok := o[tag]
	if !ok || len(tv.Value) == 0 {
		return def
	}
	switch v := tv.Value[0].(type) {
	case string:
		return v
	case map[string]interface{}:
		if s, ok := v["Alphabetic"].(string); ok {
			return s
		}
	}
	return def
}

// IntTag returns the first value of a numeric tag as an int, or def when the
// tag is absent. IS-represented values may arrive as JSON numbers or as
// decimal strings depending on the backend.
func (o TagObject) IntTag(tag string, def int) int {
	tv, ok := o[tag]
	if !ok || len(tv.Value) == 0 {
		return def
	}
	switch v := tv.Value[0].(type) {
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}
