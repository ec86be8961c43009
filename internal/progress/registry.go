package progress

import "github.com/feichai0017/document-pipeline/internal/models"

var stageOrder = [...]models.Stage{
	models.StageIngest,
	models.StageOCR,
	models.StageEmbed,
}

// TotalStages is the size of the stage registry.
const TotalStages = len(stageOrder)

// AllStages returns the pipeline stages in execution order.
func AllStages() []models.Stage {
	out := make([]models.Stage, len(stageOrder))
	copy(out, stageOrder[:])
	return out
}

// IsKnownStage reports whether name is a registered stage.
func IsKnownStage(name string) bool {
	for _, s := range stageOrder {
		if string(s) == name {
			return true
		}
	}
	return false
}

// stageIndex returns the position of s in the registry, or -1.
func stageIndex(s models.Stage) int {
	for i, known := range stageOrder {
		if known == s {
			return i
		}
	}
	return -1
}
