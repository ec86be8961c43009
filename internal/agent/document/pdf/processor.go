package pdf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/document-pipeline/internal/models"
	"github.com/feichai0017/document-pipeline/pkg/logger"
)

// ErrNoText is returned when a PDF has no extractable text layer, which is
// the case for scanned documents.
var ErrNoText = errors.New("pdf: no text layer")

const defaultMaxWorkers = 4

type Processor struct {
	logger     logger.Logger
	maxWorkers int
}

func NewProcessor(log logger.Logger, maxWorkers int) *Processor {
	if maxWorkers <= 0 {
		maxWorkers = defaultMaxWorkers
	}
	return &Processor{
		logger:     log.Named("pdf"),
		maxWorkers: maxWorkers,
	}
}

func (p *Processor) CanProcess(mimeType string) bool {
	return mimeType == "application/pdf"
}

// Process extracts the text of every page, one chunk per non-empty page in
// page order.
func (p *Processor) Process(ctx context.Context, file io.Reader) ([]models.DocumentChunk, error) {
	// 首先将文件读入内存
	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read pdf: %w", err)
	}

	reader := bytes.NewReader(content)
	pdfReader, err := pdf.NewReader(reader, reader.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to open pdf: %w", err)
	}

	numPages := pdfReader.NumPage()
	pages := make([]string, numPages)

	// 并行处理每一页
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.maxWorkers)
	for i := 1; i <= numPages; i++ {
		pageNum := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			page := pdfReader.Page(pageNum)
			if page.V.IsNull() {
				return nil
			}

			text, err := page.GetPlainText(nil)
			if err != nil {
				return fmt.Errorf("failed to get text from page %d: %w", pageNum, err)
			}
			pages[pageNum-1] = cleanText(text)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	chunks := make([]models.DocumentChunk, 0, numPages)
	for i, text := range pages {
		if text == "" {
			continue
		}
		chunks = append(chunks, models.DocumentChunk{
			Content: text,
			Metadata: map[string]interface{}{
				"pageNumber": i + 1,
				"pageCount":  numPages,
				"section":    fmt.Sprintf("page_%d", i+1),
				"source":     "pdf",
			},
		})
	}

	if len(chunks) == 0 {
		p.logger.Debug("PDF has no text layer", logger.Int("pages", numPages))
		return nil, ErrNoText
	}
	return chunks, nil
}

// cleanText trims every line and drops blank ones.
func cleanText(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

// Close 实现 document.Processor 接口的 Close 方法
func (p *Processor) Close() error {
	return nil
}
