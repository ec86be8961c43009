package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/document-pipeline/internal/agent/embedding"
	"github.com/feichai0017/document-pipeline/internal/models"
	"github.com/feichai0017/document-pipeline/pkg/converters"
	"github.com/feichai0017/document-pipeline/pkg/logger"
	"github.com/feichai0017/document-pipeline/pkg/storage"
)

// EmbeddingsArtifact is the object name of the stored vectors.
const EmbeddingsArtifact = "embeddings.json"

type EmbedConfig struct {
	ChunkSize    int `yaml:"chunkSize"`
	ChunkOverlap int `yaml:"chunkOverlap"`
	Concurrency  int `yaml:"concurrency"`
}

// EmbeddingSet is the embeddings artifact of a document.
type EmbeddingSet struct {
	DocumentID string          `json:"documentId"`
	Model      string          `json:"model"`
	Chunks     []EmbeddedChunk `json:"chunks"`
}

type EmbeddedChunk struct {
	Position int       `json:"position"`
	Text     string    `json:"text"`
	Vector   []float32 `json:"vector"`
}

// EmbedExecutor splits the extracted text and embeds every piece.
type EmbedExecutor struct {
	storage  storage.Storage
	embedder embedding.Embedder
	config   EmbedConfig
	logger   logger.Logger
}

func NewEmbedExecutor(store storage.Storage, embedder embedding.Embedder, cfg EmbedConfig, log logger.Logger) *EmbedExecutor {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1000
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &EmbedExecutor{
		storage:  store,
		embedder: embedder,
		config:   cfg,
		logger:   log.Named("embed"),
	}
}

func (e *EmbedExecutor) Stage() models.Stage { return models.StageEmbed }

func (e *EmbedExecutor) Execute(ctx context.Context, in StageInput) (json.RawMessage, error) {
	var ocr models.OCROutput
	if _, err := in.Output(models.StageOCR, &ocr); err != nil {
		return nil, err
	}
	key := ocr.ArtifactKey
	if key == "" {
		key = storage.ArtifactKey(in.DocumentID, OCRArtifact)
	}

	data, err := storage.ReadAll(ctx, e.storage, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load extracted text: %w", err)
	}
	var doc converters.ProcessedDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode extracted text: %w", err)
	}

	pieces := embedding.Chunk(doc.Text(), e.config.ChunkSize, e.config.ChunkOverlap)
	if len(pieces) == 0 {
		return nil, errors.New("no text to embed")
	}

	set := EmbeddingSet{
		DocumentID: in.DocumentID,
		Model:      e.embedder.Model(),
		Chunks:     make([]EmbeddedChunk, len(pieces)),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.Concurrency)
	for i, text := range pieces {
		i, text := i, text
		g.Go(func() error {
			vec, err := e.embedder.Embed(gctx, text)
			if err != nil {
				return fmt.Errorf("failed to embed chunk %d: %w", i+1, err)
			}
			set.Chunks[i] = EmbeddedChunk{Position: i + 1, Text: text, Vector: vec}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	dims := len(set.Chunks[0].Vector)
	for _, c := range set.Chunks {
		if len(c.Vector) != dims {
			return nil, fmt.Errorf("embedding model returned vectors of %d and %d dimensions", dims, len(c.Vector))
		}
	}

	out, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embeddings: %w", err)
	}
	artifact := storage.ArtifactKey(in.DocumentID, EmbeddingsArtifact)
	if _, err := e.storage.Store(ctx, bytes.NewReader(out), artifact); err != nil {
		return nil, fmt.Errorf("failed to store embeddings: %w", err)
	}

	e.logger.Info("Embeddings created",
		logger.String("documentId", in.DocumentID),
		logger.String("model", set.Model),
		logger.Int("vectors", len(set.Chunks)),
	)
	return marshalOutput(models.EmbedOutput{
		ArtifactKey: artifact,
		Model:       set.Model,
		Vectors:     len(set.Chunks),
		Dimensions:  dims,
	})
}
