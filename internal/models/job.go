package models

import (
	"encoding/json"
	"time"
)

// Stage 流水线阶段
type Stage string

const (
	StageIngest Stage = "ingest"
	StageOCR    Stage = "ocr"
	StageEmbed  Stage = "embed"

	// StageUnknown marks a row whose stage is outside the registry.
	StageUnknown Stage = "unknown"
)

// ParseStage maps a raw column value onto the closed Stage set.
func ParseStage(raw string) Stage {
	switch Stage(raw) {
	case StageIngest, StageOCR, StageEmbed:
		return Stage(raw)
	default:
		return StageUnknown
	}
}

// JobStatus 阶段任务状态
type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobError   JobStatus = "error"
)

// Known reports whether s is one of the four statuses the pipeline writes.
// Anything else is carried through as-is and never counts as done or error.
func (s JobStatus) Known() bool {
	switch s {
	case JobQueued, JobRunning, JobDone, JobError:
		return true
	}
	return false
}

// JobRecord is the persisted status row for one (document, stage) pair.
type JobRecord struct {
	DocumentID   string          `json:"documentId"`
	Stage        Stage           `json:"stage"`
	RawStage     string          `json:"rawStage,omitempty"`
	Status       JobStatus       `json:"status"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	OutputData   json.RawMessage `json:"outputData,omitempty"`
	// Version is a per-row sequence assigned by the store; zero means unknown.
	Version   int64     `json:"version,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// UnmarshalJSON normalises the stage through ParseStage so that values
// decoded off the wire never leak an unrecognised stage name.
func (r *JobRecord) UnmarshalJSON(data []byte) error {
	type alias JobRecord
	var tmp alias
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	raw := string(tmp.Stage)
	if tmp.RawStage != "" {
		raw = tmp.RawStage
	}
	tmp.Stage = ParseStage(raw)
	if tmp.Stage == StageUnknown {
		tmp.RawStage = raw
	} else {
		tmp.RawStage = ""
	}
	*r = JobRecord(tmp)
	return nil
}

// Duration returns CompletedAt - StartedAt when both are set.
func (r JobRecord) Duration() (time.Duration, bool) {
	return duration(r.StartedAt, r.CompletedAt)
}

func duration(start, end *time.Time) (time.Duration, bool) {
	if start == nil || end == nil {
		return 0, false
	}
	return end.Sub(*start), true
}
