package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/document-pipeline/internal/models"
	"github.com/feichai0017/document-pipeline/internal/utils/validator"
	"github.com/feichai0017/document-pipeline/pkg/converters"
	"github.com/feichai0017/document-pipeline/pkg/logger"
	"github.com/feichai0017/document-pipeline/pkg/storage"
	"github.com/feichai0017/document-pipeline/pkg/storage/memory"
)

type fakeProcessor struct {
	mime   string
	chunks []models.DocumentChunk
	err    error
	read   string
	closed int
}

func (p *fakeProcessor) CanProcess(mime string) bool { return mime == p.mime }

func (p *fakeProcessor) Process(_ context.Context, r io.Reader) ([]models.DocumentChunk, error) {
	data, _ := io.ReadAll(r)
	p.read = string(data)
	return p.chunks, p.err
}

func (p *fakeProcessor) Close() error {
	p.closed++
	return nil
}

type fakeEmbedder struct {
	mu    sync.Mutex
	texts []string
	dims  func(text string) int
	err   error
}

func (f *fakeEmbedder) Model() string { return "test-embed" }

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	n := 3
	if f.dims != nil {
		n = f.dims(text)
	}
	return make([]float32, n), nil
}

func put(t *testing.T, s storage.Storage, key string, data []byte) {
	t.Helper()
	_, err := s.Store(context.Background(), bytes.NewReader(data), key)
	require.NoError(t, err)
}

func raw(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestRegistry(t *testing.T) {
	store := memory.New()
	log := logger.NewTestLogger()
	r := NewRegistry(
		NewIngestExecutor(store, validator.NewDocumentValidator(log, nil), log),
		NewOCRExecutor(store, NewProcessorFactory(log), log),
	)

	e, err := r.Get(models.StageOCR)
	require.NoError(t, err)
	assert.Equal(t, models.StageOCR, e.Stage())

	_, err = r.Get(models.StageEmbed)
	assert.ErrorIs(t, err, ErrNoExecutor)
}

func TestProcessorFactory(t *testing.T) {
	log := logger.NewTestLogger()
	pdfProc := &fakeProcessor{mime: "application/pdf"}
	pngProc := &fakeProcessor{mime: "image/png"}
	f := NewProcessorFactory(log, pdfProc, pngProc)

	p, err := f.GetProcessor("APPLICATION/PDF")
	require.NoError(t, err)
	assert.Same(t, pdfProc, p)

	_, err = f.GetProcessor("image/jpeg")
	assert.ErrorContains(t, err, "no processor found")

	require.NoError(t, f.Close())
	assert.Equal(t, 1, pdfProc.closed)
	assert.Equal(t, 1, pngProc.closed)

	mime, ok := MIMEFromFilename("Scan.TIF")
	assert.True(t, ok)
	assert.Equal(t, "image/tiff", mime)
}

func TestIngestExecutor(t *testing.T) {
	store := memory.New()
	log := logger.NewTestLogger()
	e := NewIngestExecutor(store, validator.NewDocumentValidator(log, nil), log)

	var img bytes.Buffer
	require.NoError(t, png.Encode(&img, image.NewGray(image.Rect(0, 0, 80, 60))))
	put(t, store, "documents/doc-1/original/scan.png", img.Bytes())

	out, err := e.Execute(context.Background(), StageInput{
		DocumentID: "doc-1",
		FileName:   "scan.png",
		StorageKey: "documents/doc-1/original/scan.png",
	})
	require.NoError(t, err)

	var ingest models.IngestOutput
	require.NoError(t, json.Unmarshal(out, &ingest))
	assert.Equal(t, "image/png", ingest.ContentType)
	assert.Equal(t, "image", ingest.FileType)
	assert.Equal(t, int64(img.Len()), ingest.Size)
	assert.Equal(t, 80, ingest.Width)
	assert.Len(t, ingest.SHA256, 64)
}

func TestIngestExecutor_Rejects(t *testing.T) {
	store := memory.New()
	log := logger.NewTestLogger()
	e := NewIngestExecutor(store, validator.NewDocumentValidator(log, nil), log)
	put(t, store, "k", []byte("plain words"))

	_, err := e.Execute(context.Background(), StageInput{DocumentID: "doc-1", FileName: "a.pdf", StorageKey: "k"})
	assert.ErrorContains(t, err, "invalid document: Invalid MIME type text/plain")

	_, err = e.Execute(context.Background(), StageInput{DocumentID: "doc-1", FileName: "a.pdf", StorageKey: "missing"})
	assert.ErrorContains(t, err, "failed to load upload")

	_, err = e.Execute(context.Background(), StageInput{DocumentID: "doc-1", FileName: "a.pdf"})
	assert.Error(t, err)
}

func TestOCRExecutor(t *testing.T) {
	store := memory.New()
	log := logger.NewTestLogger()
	proc := &fakeProcessor{mime: "application/pdf", chunks: []models.DocumentChunk{
		{Content: "page one", Metadata: map[string]interface{}{"pageNumber": 1, "pageCount": 2}},
		{Content: "page two", Metadata: map[string]interface{}{"pageNumber": 2, "pageCount": 2}},
	}}
	e := NewOCRExecutor(store, NewProcessorFactory(log, proc), log)
	put(t, store, "upload", []byte("%PDF-fake"))

	out, err := e.Execute(context.Background(), StageInput{
		DocumentID: "doc-1",
		FileName:   "a.pdf",
		Previous: map[models.Stage]json.RawMessage{
			models.StageIngest: raw(t, models.IngestOutput{StorageKey: "upload", ContentType: "application/pdf", Size: 9}),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "%PDF-fake", proc.read)

	var ocr models.OCROutput
	require.NoError(t, json.Unmarshal(out, &ocr))
	assert.Equal(t, "documents/doc-1/ocr.json", ocr.ArtifactKey)
	assert.Equal(t, 2, ocr.Pages)
	assert.Equal(t, 2, ocr.Chunks)
	assert.Equal(t, 16, ocr.Characters)

	data, err := storage.ReadAll(context.Background(), store, ocr.ArtifactKey)
	require.NoError(t, err)
	var doc converters.ProcessedDocument
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "doc-1", doc.DocumentID)
	assert.Equal(t, "a.pdf", doc.Metadata.FileName)
	assert.Equal(t, int64(9), doc.Metadata.FileSize)
}

func TestOCRExecutor_Failures(t *testing.T) {
	store := memory.New()
	log := logger.NewTestLogger()
	put(t, store, "upload", []byte("x"))

	t.Run("no processor", func(t *testing.T) {
		e := NewOCRExecutor(store, NewProcessorFactory(log), log)
		_, err := e.Execute(context.Background(), StageInput{DocumentID: "d", FileName: "a.png", StorageKey: "upload"})
		assert.ErrorContains(t, err, "no processor found for mime type: image/png")
	})

	t.Run("processor error", func(t *testing.T) {
		proc := &fakeProcessor{mime: "image/png", err: errors.New("textract throttled")}
		e := NewOCRExecutor(store, NewProcessorFactory(log, proc), log)
		_, err := e.Execute(context.Background(), StageInput{DocumentID: "d", FileName: "a.png", StorageKey: "upload"})
		assert.ErrorContains(t, err, "textract throttled")
	})

	t.Run("nothing recognised", func(t *testing.T) {
		proc := &fakeProcessor{mime: "image/png"}
		e := NewOCRExecutor(store, NewProcessorFactory(log, proc), log)
		_, err := e.Execute(context.Background(), StageInput{DocumentID: "d", FileName: "a.png", StorageKey: "upload"})
		assert.ErrorContains(t, err, "no text recognised")
	})

	t.Run("bad ingest output", func(t *testing.T) {
		e := NewOCRExecutor(store, NewProcessorFactory(log), log)
		_, err := e.Execute(context.Background(), StageInput{
			DocumentID: "d",
			Previous:   map[models.Stage]json.RawMessage{models.StageIngest: json.RawMessage(`[`)},
		})
		assert.ErrorContains(t, err, "failed to decode ingest output")
	})
}

func storeOCR(t *testing.T, s storage.Storage, documentID string, texts ...string) {
	t.Helper()
	doc := converters.ProcessedDocument{DocumentID: documentID}
	for i, text := range texts {
		doc.Content = append(doc.Content, converters.ChunkContent{Text: text, Position: i + 1})
	}
	put(t, s, storage.ArtifactKey(documentID, OCRArtifact), raw(t, doc))
}

func TestEmbedExecutor(t *testing.T) {
	store := memory.New()
	log := logger.NewTestLogger()
	storeOCR(t, store, "doc-1", "alpha beta gamma", "delta epsilon")

	embedder := &fakeEmbedder{}
	e := NewEmbedExecutor(store, embedder, EmbedConfig{ChunkSize: 12, Concurrency: 2}, log)

	out, err := e.Execute(context.Background(), StageInput{DocumentID: "doc-1"})
	require.NoError(t, err)

	var res models.EmbedOutput
	require.NoError(t, json.Unmarshal(out, &res))
	assert.Equal(t, "documents/doc-1/embeddings.json", res.ArtifactKey)
	assert.Equal(t, "test-embed", res.Model)
	assert.Equal(t, 3, res.Dimensions)
	assert.Equal(t, len(embedder.texts), res.Vectors)

	data, err := storage.ReadAll(context.Background(), store, res.ArtifactKey)
	require.NoError(t, err)
	var set EmbeddingSet
	require.NoError(t, json.Unmarshal(data, &set))
	require.Len(t, set.Chunks, res.Vectors)
	for i, c := range set.Chunks {
		assert.Equal(t, i+1, c.Position)
		assert.LessOrEqual(t, len(c.Text), 12)
	}
	joined := make([]string, len(set.Chunks))
	for i, c := range set.Chunks {
		joined[i] = c.Text
	}
	assert.Equal(t, "alpha beta gamma delta epsilon", strings.Join(strings.Fields(strings.Join(joined, " ")), " "))
}

func TestEmbedExecutor_Failures(t *testing.T) {
	log := logger.NewTestLogger()

	t.Run("missing artifact", func(t *testing.T) {
		e := NewEmbedExecutor(memory.New(), &fakeEmbedder{}, EmbedConfig{}, log)
		_, err := e.Execute(context.Background(), StageInput{DocumentID: "doc-1"})
		assert.ErrorContains(t, err, "failed to load extracted text")
	})

	t.Run("embedder error", func(t *testing.T) {
		store := memory.New()
		storeOCR(t, store, "doc-1", "some text")
		e := NewEmbedExecutor(store, &fakeEmbedder{err: errors.New("connection refused")}, EmbedConfig{}, log)
		_, err := e.Execute(context.Background(), StageInput{DocumentID: "doc-1"})
		assert.ErrorContains(t, err, "connection refused")
	})

	t.Run("inconsistent dimensions", func(t *testing.T) {
		store := memory.New()
		storeOCR(t, store, "doc-1", "aa bbbb")
		embedder := &fakeEmbedder{dims: func(text string) int { return len(text) }}
		e := NewEmbedExecutor(store, embedder, EmbedConfig{ChunkSize: 5}, log)
		_, err := e.Execute(context.Background(), StageInput{DocumentID: "doc-1"})
		assert.ErrorContains(t, err, "dimensions")
	})

	t.Run("empty text", func(t *testing.T) {
		store := memory.New()
		storeOCR(t, store, "doc-1", "   ")
		e := NewEmbedExecutor(store, &fakeEmbedder{}, EmbedConfig{}, log)
		_, err := e.Execute(context.Background(), StageInput{DocumentID: "doc-1"})
		assert.ErrorContains(t, err, "no text to embed")
	})
}
