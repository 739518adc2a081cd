package job

import (
	"encoding/json"
	"strconv"
	"time"
)

// marshalJob flattens a Job into a field map suitable for HSET. Scalars are
// stored directly; composite fields (flags, error/warning lists) are
// JSON-encoded sub-values, mirroring the teacher's flat-hash-of-scalars
// pattern while still accommodating the richer job model.
func marshalJob(j *Job) (map[string]interface{}, error) {
	flags, err := json.Marshal(j.Flags)
	if err != nil {
		return nil, err
	}
	errs, err := json.Marshal(j.Errors)
	if err != nil {
		return nil, err
	}
	warns, err := json.Marshal(j.Warnings)
	if err != nil {
		return nil, err
	}

	m := map[string]interface{}{
		"id":                      j.ID,
		"submitter":               j.Submitter,
		"filename":                j.Filename,
		"file_size":               j.FileSize,
		"sha256":                  j.SHA256,
		"analysis_depth":          string(j.Depth),
		"llm_provider":            j.ProviderID,
		"llm_model":               j.ModelID,
		"translation_detail":      string(j.Detail),
		"flags":                   string(flags),
		"max_functions_translate": j.MaxFunctionsTranslate,
		"cost_limit_usd":          j.CostLimitUSD,
		"timeout_seconds":         j.TimeoutSeconds,
		"priority":                string(j.Priority),
		"status":                  string(j.Status),
		"progress_percentage":     j.ProgressPercentage,
		"created_at":              j.CreatedAt.Format(time.RFC3339Nano),
		"errors":                  string(errs),
		"warnings":                string(warns),
		"temp_blob_path":          j.TempBlobPath,
	}
	if j.StartedAt != nil {
		m["started_at"] = j.StartedAt.Format(time.RFC3339Nano)
	}
	if j.CompletedAt != nil {
		m["completed_at"] = j.CompletedAt.Format(time.RFC3339Nano)
	}
	return m, nil
}

func unmarshalJob(data map[string]string) (*Job, error) {
	j := &Job{
		ID:         data["id"],
		Submitter:  data["submitter"],
		Filename:   data["filename"],
		SHA256:     data["sha256"],
		Depth:      Depth(data["analysis_depth"]),
		ProviderID: data["llm_provider"],
		ModelID:    data["llm_model"],
		Detail:     Detail(data["translation_detail"]),
		Priority:   Priority(data["priority"]),
		Status:     Status(data["status"]),

		TempBlobPath: data["temp_blob_path"],
	}
	j.FileSize, _ = strconv.ParseInt(data["file_size"], 10, 64)
	j.MaxFunctionsTranslate, _ = strconv.Atoi(data["max_functions_translate"])
	j.CostLimitUSD, _ = strconv.ParseFloat(data["cost_limit_usd"], 64)
	j.TimeoutSeconds, _ = strconv.Atoi(data["timeout_seconds"])
	j.ProgressPercentage, _ = strconv.Atoi(data["progress_percentage"])

	if v := data["flags"]; v != "" {
		_ = json.Unmarshal([]byte(v), &j.Flags)
	}
	if v := data["errors"]; v != "" {
		_ = json.Unmarshal([]byte(v), &j.Errors)
	}
	if v := data["warnings"]; v != "" {
		_ = json.Unmarshal([]byte(v), &j.Warnings)
	}
	if v := data["created_at"]; v != "" {
		j.CreatedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	if v := data["started_at"]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err == nil {
			j.StartedAt = &t
		}
	}
	if v := data["completed_at"]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err == nil {
			j.CompletedAt = &t
		}
	}
	return j, nil
}
