package image

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"

	"github.com/feichai0017/document-pipeline/internal/models"
	"github.com/feichai0017/document-pipeline/pkg/logger"
)

// TextractAPI is the part of the Textract client the processor uses.
type TextractAPI interface {
	AnalyzeDocument(ctx context.Context, params *textract.AnalyzeDocumentInput, optFns ...func(*textract.Options)) (*textract.AnalyzeDocumentOutput, error)
}

type TextractConfig struct {
	Region        string  `yaml:"region"`
	Endpoint      string  `yaml:"endpoint"`
	AccessKey     string  `yaml:"accessKey"`
	SecretKey     string  `yaml:"secretKey"`
	MinConfidence float32 `yaml:"minConfidence"`
	EnableTable   bool    `yaml:"enableTable"`
	EnableForm    bool    `yaml:"enableForm"`
	MaxDimension  int     `yaml:"maxDimension"`
	Grayscale     bool    `yaml:"grayscale"`
}

func (c *TextractConfig) featureTypes() []types.FeatureType {
	var features []types.FeatureType
	if c.EnableTable {
		features = append(features, types.FeatureTypeTables)
	}
	if c.EnableForm {
		features = append(features, types.FeatureTypeForms)
	}
	// AnalyzeDocument needs at least one feature
	if len(features) == 0 {
		features = append(features, types.FeatureTypeLayout)
	}
	return features
}

type TextractProcessor struct {
	client       TextractAPI
	preprocessor *Preprocessor
	logger       logger.Logger
	config       *TextractConfig
}

func NewTextractProcessor(ctx context.Context, cfg *TextractConfig, log logger.Logger) (*TextractProcessor, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)))
	}

	// load aws config
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	client := textract.NewFromConfig(awsCfg, func(o *textract.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewTextractProcessorWithClient(client, cfg, log), nil
}

// NewTextractProcessorWithClient builds a processor around an existing client.
func NewTextractProcessorWithClient(client TextractAPI, cfg *TextractConfig, log logger.Logger) *TextractProcessor {
	return &TextractProcessor{
		client:       client,
		preprocessor: NewPreprocessor(cfg.MaxDimension, cfg.Grayscale),
		logger:       log.Named("textract"),
		config:       cfg,
	}
}

func (p *TextractProcessor) CanProcess(mimeType string) bool {
	switch strings.ToLower(mimeType) {
	case "image/jpeg", "image/jpg", "image/png", "image/tiff":
		return true
	}
	return false
}

func (p *TextractProcessor) Process(ctx context.Context, reader io.Reader) ([]models.DocumentChunk, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	prepared, err := p.preprocessor.Prepare(data)
	if err != nil {
		return nil, err
	}
	if len(prepared) != len(data) {
		p.logger.Debug("Image downscaled before OCR",
			logger.Int("originalBytes", len(data)),
			logger.Int("preparedBytes", len(prepared)),
		)
	}

	result, err := p.client.AnalyzeDocument(ctx, &textract.AnalyzeDocumentInput{
		Document:     &types.Document{Bytes: prepared},
		FeatureTypes: p.config.featureTypes(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to analyze document: %w", err)
	}

	return p.chunksFromBlocks(result.Blocks), nil
}

func (p *TextractProcessor) chunksFromBlocks(blocks []types.Block) []models.DocumentChunk {
	index := make(map[string]types.Block, len(blocks))
	for _, b := range blocks {
		if b.Id != nil {
			index[*b.Id] = b
		}
	}

	var chunks []models.DocumentChunk
	lines, confidence := p.processLines(blocks)
	if len(lines) > 0 {
		chunks = append(chunks, models.DocumentChunk{
			Content: strings.Join(lines, "\n"),
			Metadata: map[string]interface{}{
				"source":     "textract",
				"imageType":  "text",
				"confidence": confidence,
			},
		})
	}

	if p.config.EnableTable {
		for _, table := range processTables(blocks, index) {
			chunks = append(chunks, models.DocumentChunk{
				Content: table.Content,
				Metadata: map[string]interface{}{
					"source":    "textract",
					"imageType": "table",
					"rows":      table.Rows,
					"cols":      table.Cols,
				},
			})
		}
	}

	if p.config.EnableForm {
		for _, form := range processForms(blocks, index) {
			chunks = append(chunks, models.DocumentChunk{
				Content: fmt.Sprintf("%s: %s", form.Key, form.Value),
				Metadata: map[string]interface{}{
					"source":    "textract",
					"imageType": "form",
					"key":       form.Key,
				},
			})
		}
	}

	return chunks
}

func (p *TextractProcessor) Close() error {
	return nil
}

// processLines returns LINE texts above the confidence floor and their mean
// confidence as a fraction.
func (p *TextractProcessor) processLines(blocks []types.Block) ([]string, float64) {
	var texts []string
	var total float64
	for _, block := range blocks {
		if block.BlockType != types.BlockTypeLine || block.Text == nil {
			continue
		}
		if block.Confidence == nil || *block.Confidence < p.config.MinConfidence {
			continue
		}
		texts = append(texts, *block.Text)
		total += float64(*block.Confidence)
	}
	if len(texts) == 0 {
		return nil, 0
	}
	return texts, total / float64(len(texts)) / 100
}

// Table is a Textract table flattened to rows of tab separated cells.
type Table struct {
	Content string
	Rows    int
	Cols    int
	Cells   [][]string
}

func processTables(blocks []types.Block, index map[string]types.Block) []Table {
	var tables []Table
	for _, block := range blocks {
		if block.BlockType != types.BlockTypeTable {
			continue
		}

		var cells []types.Block
		var rows, cols int32
		for _, id := range childIDs(block) {
			cell, ok := index[id]
			if !ok || cell.BlockType != types.BlockTypeCell || cell.RowIndex == nil || cell.ColumnIndex == nil {
				continue
			}
			cells = append(cells, cell)
			rows = max(rows, *cell.RowIndex)
			cols = max(cols, *cell.ColumnIndex)
		}
		if rows == 0 || cols == 0 {
			continue
		}

		table := Table{Rows: int(rows), Cols: int(cols), Cells: make([][]string, rows)}
		for i := range table.Cells {
			table.Cells[i] = make([]string, cols)
		}
		for _, cell := range cells {
			table.Cells[*cell.RowIndex-1][*cell.ColumnIndex-1] = textOf(cell, index)
		}

		lines := make([]string, len(table.Cells))
		for i, row := range table.Cells {
			lines[i] = strings.Join(row, "\t")
		}
		table.Content = strings.Join(lines, "\n")
		tables = append(tables, table)
	}
	return tables
}

type FormField struct {
	Key   string
	Value string
}

func processForms(blocks []types.Block, index map[string]types.Block) []FormField {
	var forms []FormField
	for _, block := range blocks {
		if block.BlockType != types.BlockTypeKeyValueSet || !hasEntity(block, types.EntityTypeKey) {
			continue
		}
		key := textOf(block, index)
		value := valueOf(block, index)
		if key != "" && value != "" {
			forms = append(forms, FormField{Key: key, Value: value})
		}
	}
	return forms
}

func hasEntity(block types.Block, entity types.EntityType) bool {
	for _, e := range block.EntityTypes {
		if e == entity {
			return true
		}
	}
	return false
}

func childIDs(block types.Block) []string {
	var ids []string
	for _, rel := range block.Relationships {
		if rel.Type == types.RelationshipTypeChild {
			ids = append(ids, rel.Ids...)
		}
	}
	return ids
}

// textOf joins the WORD children of block.
func textOf(block types.Block, index map[string]types.Block) string {
	var text strings.Builder
	for _, id := range childIDs(block) {
		child, ok := index[id]
		if !ok || child.Text == nil {
			continue
		}
		if text.Len() > 0 {
			text.WriteByte(' ')
		}
		text.WriteString(*child.Text)
	}
	return text.String()
}

func valueOf(keyBlock types.Block, index map[string]types.Block) string {
	for _, rel := range keyBlock.Relationships {
		if rel.Type != types.RelationshipTypeValue {
			continue
		}
		for _, id := range rel.Ids {
			if value, ok := index[id]; ok {
				return textOf(value, index)
			}
		}
	}
	return ""
}
