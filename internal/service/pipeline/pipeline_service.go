package pipeline

import (
	"context"
	"io"
	"mime/multipart"

	"github.com/feichai0017/document-pipeline/internal/models"
	"github.com/feichai0017/document-pipeline/pkg/queue"
)

type DocumentPipeline interface {
	Submit(ctx context.Context, file io.Reader, header *multipart.FileHeader) (*models.Document, error)
	SubmitBatch(ctx context.Context, files []*multipart.FileHeader) []BatchResult
	RunStage(ctx context.Context, task *queue.StageTask) error
	Progress(ctx context.Context, documentID string) (*ProgressReport, error)
	Cancel(ctx context.Context, documentID string) (int, error)
	CleanupArtifacts(ctx context.Context) error
}

// ProgressReport is a progress view with its display message.
type ProgressReport struct {
	Progress models.ProgressView `json:"progress"`
	Message  string              `json:"message"`
}

// BatchResult is the outcome of one file of a batch upload.
type BatchResult struct {
	FileName string           `json:"fileName"`
	Document *models.Document `json:"document,omitempty"`
	Error    string           `json:"error,omitempty"`
}
