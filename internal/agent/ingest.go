package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/feichai0017/document-pipeline/internal/models"
	"github.com/feichai0017/document-pipeline/internal/utils/validator"
	"github.com/feichai0017/document-pipeline/pkg/logger"
	"github.com/feichai0017/document-pipeline/pkg/storage"
)

// IngestExecutor checks the stored upload and records what it really is.
type IngestExecutor struct {
	storage   storage.Storage
	validator *validator.DocumentValidator
	logger    logger.Logger
}

func NewIngestExecutor(store storage.Storage, v *validator.DocumentValidator, log logger.Logger) *IngestExecutor {
	return &IngestExecutor{
		storage:   store,
		validator: v,
		logger:    log.Named("ingest"),
	}
}

func (e *IngestExecutor) Stage() models.Stage { return models.StageIngest }

func (e *IngestExecutor) Execute(ctx context.Context, in StageInput) (json.RawMessage, error) {
	if in.StorageKey == "" {
		return nil, errors.New("document has no stored upload")
	}

	rc, err := e.storage.Get(ctx, in.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load upload: %w", err)
	}
	defer rc.Close()

	result, err := e.validator.Validate(in.FileName, rc)
	if err != nil {
		return nil, err
	}
	if !result.IsValid {
		return nil, fmt.Errorf("invalid document: %s", result.Error())
	}

	info := result.FileInfo
	out := models.IngestOutput{
		StorageKey:  in.StorageKey,
		ContentType: info.MimeType,
		FileType:    string(fileTypeOf(info.MimeType)),
		Size:        info.Size,
		SHA256:      info.Hash,
	}
	out.Pages, _ = info.Metadata["pages"].(int)
	out.Width, _ = info.Metadata["width"].(int)
	out.Height, _ = info.Metadata["height"].(int)

	e.logger.Info("Document ingested",
		logger.String("documentId", in.DocumentID),
		logger.String("contentType", out.ContentType),
		logger.Int64("size", out.Size),
	)
	return marshalOutput(out)
}

func fileTypeOf(mime string) models.FileType {
	if strings.HasPrefix(mime, "image/") {
		return models.Image
	}
	return models.PDF
}
