package progress

import "github.com/feichai0017/document-pipeline/internal/models"

var runningMessages = map[models.Stage]string{
	models.StageIngest: "Uploading document...",
	models.StageOCR:    "Performing OCR analysis...",
	models.StageEmbed:  "Creating AI embeddings...",
}

var stageLabels = map[models.Stage]string{
	models.StageIngest: "Document Upload",
	models.StageOCR:    "OCR Processing",
	models.StageEmbed:  "AI Embeddings",
}

// Describe renders a one-line status sentence for view.
func Describe(view models.ProgressView) string {
	switch view.OverallStatus {
	case models.OverallInProgress:
		for _, s := range stageOrder {
			if view.Stages[s].Status == models.JobRunning {
				return runningMessages[s]
			}
		}
		return "Processing document..."
	case models.OverallCompleted:
		return "Processing complete!"
	case models.OverallError:
		msg := view.Error
		if msg == "" {
			msg = "Unknown error occurred"
		}
		return "Processing failed: " + msg
	default:
		return "Waiting to start processing..."
	}
}

// StageLabel is the display name of a stage.
func StageLabel(s models.Stage) string {
	if l, ok := stageLabels[s]; ok {
		return l
	}
	return string(s)
}

// StatusLabel is the badge text for a per-stage status.
func StatusLabel(s models.JobStatus) string {
	switch s {
	case models.JobQueued:
		return "Pending"
	case models.JobRunning:
		return "In Progress"
	case models.JobDone:
		return "Complete"
	case models.JobError:
		return "Failed"
	default:
		return string(s)
	}
}
