package jobstore

import (
	"sort"

	"github.com/feichai0017/document-pipeline/internal/models"
)

// SortByUpdate orders rows oldest update first, which is the arrival
// order the aggregator expects.
func SortByUpdate(records []models.JobRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].UpdatedAt.Equal(records[j].UpdatedAt) {
			return records[i].UpdatedAt.Before(records[j].UpdatedAt)
		}
		return records[i].Stage < records[j].Stage
	})
}
