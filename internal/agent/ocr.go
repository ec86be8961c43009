package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/feichai0017/document-pipeline/internal/agent/document/pdf"
	"github.com/feichai0017/document-pipeline/internal/models"
	"github.com/feichai0017/document-pipeline/pkg/converters"
	"github.com/feichai0017/document-pipeline/pkg/logger"
	"github.com/feichai0017/document-pipeline/pkg/storage"
)

// OCRArtifact is the object name of the extracted text.
const OCRArtifact = "ocr.json"

// OCRExecutor extracts the text of a document and stores it as a
// ProcessedDocument.
type OCRExecutor struct {
	storage   storage.Storage
	factory   *ProcessorFactory
	converter converters.DocumentConverter
	logger    logger.Logger
}

func NewOCRExecutor(store storage.Storage, factory *ProcessorFactory, log logger.Logger) *OCRExecutor {
	return &OCRExecutor{
		storage:   store,
		factory:   factory,
		converter: converters.NewJSONConverter(),
		logger:    log.Named("ocr"),
	}
}

func (e *OCRExecutor) Stage() models.Stage { return models.StageOCR }

func (e *OCRExecutor) Execute(ctx context.Context, in StageInput) (json.RawMessage, error) {
	start := time.Now()

	var ingest models.IngestOutput
	if _, err := in.Output(models.StageIngest, &ingest); err != nil {
		return nil, err
	}
	contentType := ingest.ContentType
	if contentType == "" {
		contentType = in.ContentType
	}
	if contentType == "" {
		contentType, _ = MIMEFromFilename(in.FileName)
	}
	key := in.StorageKey
	if ingest.StorageKey != "" {
		key = ingest.StorageKey
	}

	processor, err := e.factory.GetProcessor(contentType)
	if err != nil {
		return nil, err
	}

	rc, err := e.storage.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load upload: %w", err)
	}
	defer rc.Close()

	chunks, err := processor.Process(ctx, rc)
	if errors.Is(err, pdf.ErrNoText) {
		return nil, errors.New("no extractable text found in PDF")
	}
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, errors.New("no text recognised in document")
	}

	doc, err := e.converter.Convert(chunks)
	if err != nil {
		return nil, fmt.Errorf("failed to convert document: %w", err)
	}
	doc.DocumentID = in.DocumentID
	doc.Metadata.FileName = in.FileName
	doc.Metadata.FileType = contentType
	doc.Metadata.FileSize = ingest.Size
	doc.Metadata.ProcessingMs = time.Since(start).Milliseconds()

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	artifact := storage.ArtifactKey(in.DocumentID, OCRArtifact)
	if _, err := e.storage.Store(ctx, bytes.NewReader(data), artifact); err != nil {
		return nil, fmt.Errorf("failed to store result: %w", err)
	}

	e.logger.Info("Text extracted",
		logger.String("documentId", in.DocumentID),
		logger.Int("chunks", len(chunks)),
		logger.Int("characters", doc.Metadata.Characters),
	)
	return marshalOutput(models.OCROutput{
		ArtifactKey: artifact,
		Pages:       doc.Metadata.PageCount,
		Chunks:      len(doc.Content),
		Characters:  doc.Metadata.Characters,
		Confidence:  doc.Metadata.Confidence,
	})
}
