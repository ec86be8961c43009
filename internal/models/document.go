package models

import (
	"time"
)

// FileType 文件类型
type FileType string

const (
	PDF   FileType = "pdf"
	Image FileType = "image"
)

// Document is an uploaded file waiting for, or going through, the stages.
type Document struct {
	ID          string    `json:"documentId"`
	FileName    string    `json:"fileName"`
	FileType    FileType  `json:"fileType"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	StorageKey  string    `json:"storageKey"`
	UploadedAt  time.Time `json:"uploadedAt"`
}

// DocumentChunk 文档块
type DocumentChunk struct {
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata"`
}

// IngestOutput is the outputData of a finished ingest row.
type IngestOutput struct {
	StorageKey  string `json:"storageKey"`
	ContentType string `json:"contentType"`
	FileType    string `json:"fileType"`
	Size        int64  `json:"size"`
	SHA256      string `json:"sha256"`
	Pages       int    `json:"pages,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
}

// OCROutput is the outputData of a finished ocr row.
type OCROutput struct {
	ArtifactKey string  `json:"artifactKey"`
	Pages       int     `json:"pages"`
	Chunks      int     `json:"chunks"`
	Characters  int     `json:"characters"`
	Confidence  float64 `json:"confidence,omitempty"`
}

// EmbedOutput is the outputData of a finished embed row.
type EmbedOutput struct {
	ArtifactKey string `json:"artifactKey"`
	Model       string `json:"model"`
	Vectors     int    `json:"vectors"`
	Dimensions  int    `json:"dimensions"`
}
