package converters

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/feichai0017/document-pipeline/internal/models"
)

// DocumentConverter 定义文档转换器接口
type DocumentConverter interface {
	Convert(chunks []models.DocumentChunk) (*ProcessedDocument, error)
}

// ProcessedDocument is the OCR artifact of a document.
type ProcessedDocument struct {
	DocumentID  string           `json:"documentId"`
	Status      string           `json:"status"`
	Content     []ChunkContent   `json:"content"`
	Metadata    DocumentMetadata `json:"metadata"`
	ProcessedAt time.Time        `json:"processedAt"`
}

// Text concatenates the chunk texts in position order.
func (d *ProcessedDocument) Text() string {
	parts := make([]string, 0, len(d.Content))
	for _, c := range d.Content {
		parts = append(parts, c.Text)
	}
	return strings.Join(parts, "\n\n")
}

// ChunkContent 定义文档块内容
type ChunkContent struct {
	Text     string                 `json:"text"`
	Position int                    `json:"position"`
	Type     string                 `json:"type"` // "page", "text", "table", "form"
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// DocumentMetadata 定义文档元数据
type DocumentMetadata struct {
	FileName     string   `json:"fileName"`
	FileType     string   `json:"fileType"`
	FileSize     int64    `json:"fileSize"`
	PageCount    int      `json:"pageCount,omitempty"`
	Sections     []string `json:"sections"`
	Characters   int      `json:"characters"`
	Confidence   float64  `json:"confidence"`
	ProcessingMs int64    `json:"processingMs"`
}

// JSONConverter 实现文档转换器
type JSONConverter struct {
	now func() time.Time
}

func NewJSONConverter() *JSONConverter {
	return &JSONConverter{now: time.Now}
}

func (c *JSONConverter) Convert(chunks []models.DocumentChunk) (*ProcessedDocument, error) {
	if len(chunks) == 0 {
		return nil, fmt.Errorf("no chunks to convert")
	}

	doc := &ProcessedDocument{
		Status:      "completed",
		ProcessedAt: c.now(),
		Content:     make([]ChunkContent, 0, len(chunks)),
		Metadata: DocumentMetadata{
			Sections:   make([]string, 0),
			Confidence: 1.0,
		},
	}

	sections := make(map[string]bool)
	var totalConfidence float64
	var scored int

	for i, chunk := range chunks {
		content := ChunkContent{
			Text:     chunk.Content,
			Position: i + 1,
			Type:     "text",
			Metadata: chunk.Metadata,
		}

		// 根据元数据设置类型
		if _, ok := chunk.Metadata["pageNumber"]; ok {
			content.Type = "page"
		} else if imgType, ok := chunk.Metadata["imageType"].(string); ok {
			content.Type = imgType
		}

		doc.Content = append(doc.Content, content)
		doc.Metadata.Characters += len([]rune(chunk.Content))

		// 收集元数据
		if section, ok := chunk.Metadata["section"].(string); ok {
			sections[section] = true
		}
		if conf, ok := chunk.Metadata["confidence"].(float64); ok {
			totalConfidence += conf
			scored++
		}
		if pageCount, ok := chunk.Metadata["pageCount"].(int); ok && pageCount > doc.Metadata.PageCount {
			doc.Metadata.PageCount = pageCount
		}
	}

	for section := range sections {
		doc.Metadata.Sections = append(doc.Metadata.Sections, section)
	}
	sort.Strings(doc.Metadata.Sections)

	// 计算平均置信度
	if scored > 0 {
		doc.Metadata.Confidence = totalConfidence / float64(scored)
	}
	if doc.Metadata.PageCount == 0 {
		doc.Metadata.PageCount = 1
	}

	return doc, nil
}
