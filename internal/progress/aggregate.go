package progress

import (
	"math"

	"github.com/feichai0017/document-pipeline/internal/models"
)

// Aggregate folds job rows into a ProgressView.
//
// Rows are applied in slice order and the last row seen for a stage wins;
// no timestamp or version comparison happens here. Rows for stages outside
// the registry are ignored. Callers are responsible for passing rows of a
// single document only.
func Aggregate(records []models.JobRecord) models.ProgressView {
	view := models.ProgressView{
		Stages:      make(map[models.Stage]models.StageView, TotalStages),
		TotalStages: TotalStages,
	}
	for _, s := range stageOrder {
		view.Stages[s] = models.StageView{Status: models.JobQueued}
	}

	var (
		hasError    bool
		latestError string
	)
	for _, rec := range records {
		if !IsKnownStage(string(rec.Stage)) {
			continue
		}
		if view.DocumentID == "" {
			view.DocumentID = rec.DocumentID
		}
		view.Stages[rec.Stage] = models.StageView{
			Status:      rec.Status,
			StartedAt:   rec.StartedAt,
			CompletedAt: rec.CompletedAt,
			Error:       rec.ErrorMessage,
			Metadata:    rec.OutputData,
		}
	}

	running := false
	for _, rec := range records {
		// the error message tie-break follows input order, but only rows that
		// survived last-write-wins for their stage are eligible
		if !IsKnownStage(string(rec.Stage)) {
			continue
		}
		if sv := view.Stages[rec.Stage]; sv.Status == models.JobError && rec.Status == models.JobError {
			hasError = true
			latestError = sv.Error
		}
	}
	for _, s := range stageOrder {
		switch view.Stages[s].Status {
		case models.JobDone:
			view.CompletedStages++
		case models.JobRunning:
			running = true
		}
	}

	switch {
	case hasError:
		view.OverallStatus = models.OverallError
		view.Error = latestError
	case view.CompletedStages == TotalStages:
		view.OverallStatus = models.OverallCompleted
	case view.CompletedStages > 0 || running:
		view.OverallStatus = models.OverallInProgress
	default:
		view.OverallStatus = models.OverallNotStarted
	}

	view.ProgressPercentage = int(math.Round(float64(view.CompletedStages) / float64(TotalStages) * 100))
	return view
}
