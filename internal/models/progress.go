package models

import (
	"encoding/json"
	"time"
)

// OverallStatus 文档整体处理状态
type OverallStatus string

const (
	OverallNotStarted OverallStatus = "not_started"
	OverallInProgress OverallStatus = "in_progress"
	OverallCompleted  OverallStatus = "completed"
	OverallError      OverallStatus = "error"
)

// StageView is the per-stage part of a ProgressView.
type StageView struct {
	Status      JobStatus       `json:"status"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	Error       string          `json:"error,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

func (v StageView) Duration() (time.Duration, bool) {
	return duration(v.StartedAt, v.CompletedAt)
}

// ProgressView is an immutable, point-in-time summary of all stages of one
// document. It is derived entirely from the known JobRecords.
type ProgressView struct {
	DocumentID         string              `json:"documentId,omitempty"`
	Stages             map[Stage]StageView `json:"stages"`
	OverallStatus      OverallStatus       `json:"overallStatus"`
	CompletedStages    int                 `json:"completedStages"`
	TotalStages        int                 `json:"totalStages"`
	ProgressPercentage int                 `json:"progressPercentage"`
	Error              string              `json:"error,omitempty"`
	// SyncError is set when the backing store could not be read or the
	// change channel dropped; the stage data is then the last known state.
	SyncError string `json:"syncError,omitempty"`
}

// Stage returns the sub-view for s; the zero StageView if absent.
func (v ProgressView) Stage(s Stage) StageView {
	return v.Stages[s]
}
