package validator

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	// image decoders for DecodeConfig
	_ "github.com/disintegration/imaging"

	"github.com/feichai0017/document-pipeline/pkg/logger"
)

// DocumentValidator 文档验证器
type DocumentValidator struct {
	logger logger.Logger
	config *ValidatorConfig
}

// ValidatorConfig 验证器配置
type ValidatorConfig struct {
	MaxFileSize  int64               `yaml:"maxFileSize"`  // 最大文件大小（字节）
	AllowedTypes map[string][]string `yaml:"allowedTypes"` // 允许的文件类型 {扩展名: []MIME类型}
	MinDimension int                 `yaml:"minDimension"` // 图片最小尺寸
	MaxDimension int                 `yaml:"maxDimension"` // 图片最大尺寸
	MaxPageCount int                 `yaml:"maxPageCount"` // PDF最大页数
}

// DefaultConfig accepts PDFs and the image formats Textract reads.
func DefaultConfig() *ValidatorConfig {
	return &ValidatorConfig{
		MaxFileSize: 50 * 1024 * 1024, // 50MB
		AllowedTypes: map[string][]string{
			".pdf":  {"application/pdf"},
			".jpg":  {"image/jpeg"},
			".jpeg": {"image/jpeg"},
			".png":  {"image/png"},
			".tif":  {"image/tiff"},
			".tiff": {"image/tiff"},
		},
		MinDimension: 32,
		MaxDimension: 10000,
		MaxPageCount: 1000,
	}
}

// ValidationResult 验证结果
type ValidationResult struct {
	IsValid  bool              `json:"isValid"`
	Errors   []ValidationError `json:"errors,omitempty"`
	FileInfo FileInfo          `json:"fileInfo"`
}

// Error joins the messages of all validation errors.
func (r *ValidationResult) Error() string {
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.Message
	}
	return strings.Join(msgs, "; ")
}

// ValidationError 验证错误
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// FileInfo 文件信息
type FileInfo struct {
	Filename  string                 `json:"filename"`
	Size      int64                  `json:"size"`
	MimeType  string                 `json:"mimeType"`
	Extension string                 `json:"extension"`
	Hash      string                 `json:"hash"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// NewDocumentValidator 创建新的文档验证器
func NewDocumentValidator(log logger.Logger, config *ValidatorConfig) *DocumentValidator {
	if config == nil {
		config = DefaultConfig()
	}
	return &DocumentValidator{
		logger: log.Named("validator"),
		config: config,
	}
}

// ValidateHeader checks what can be known before the content is read: the
// extension and the declared size.
func (v *DocumentValidator) ValidateHeader(filename string, size int64) *ValidationResult {
	info := FileInfo{
		Filename:  filename,
		Size:      size,
		Extension: strings.ToLower(filepath.Ext(filename)),
	}
	return v.result(info, v.performBasicValidation(info))
}

// Validate reads the content, hashes it, sniffs its type and runs the checks
// specific to that type.
func (v *DocumentValidator) Validate(filename string, r io.Reader) (*ValidationResult, error) {
	// read one byte past the limit so oversize files are detected
	data, err := io.ReadAll(io.LimitReader(r, v.config.MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	sum := sha256.Sum256(data)
	info := FileInfo{
		Filename:  filename,
		Size:      int64(len(data)),
		Extension: strings.ToLower(filepath.Ext(filename)),
		Hash:      hex.EncodeToString(sum[:]),
		MimeType:  DetectMimeType(data),
		Metadata:  make(map[string]interface{}),
	}

	errs := v.performBasicValidation(info)
	if len(errs) == 0 {
		errs = append(errs, v.validateMimeType(info)...)
	}
	if len(errs) == 0 {
		errs = append(errs, v.performTypeSpecificValidation(data, &info)...)
	}

	result := v.result(info, errs)
	if !result.IsValid {
		v.logger.Info("Document rejected",
			logger.String("filename", filename),
			logger.String("mimeType", info.MimeType),
			logger.String("reason", result.Error()),
		)
	}
	return result, nil
}

func (v *DocumentValidator) result(info FileInfo, errs []ValidationError) *ValidationResult {
	return &ValidationResult{
		IsValid:  len(errs) == 0,
		Errors:   errs,
		FileInfo: info,
	}
}

// 基本验证
func (v *DocumentValidator) performBasicValidation(info FileInfo) []ValidationError {
	var errors []ValidationError

	if info.Size == 0 {
		errors = append(errors, ValidationError{
			Code:    "EMPTY_FILE",
			Message: "File is empty",
			Field:   "size",
		})
	}

	// 检查文件大小
	if info.Size > v.config.MaxFileSize {
		errors = append(errors, ValidationError{
			Code:    "FILE_TOO_LARGE",
			Message: fmt.Sprintf("File size exceeds maximum limit of %d bytes", v.config.MaxFileSize),
			Field:   "size",
		})
	}

	// 检查文件扩展名
	if _, ok := v.config.AllowedTypes[info.Extension]; !ok {
		errors = append(errors, ValidationError{
			Code:    "INVALID_FILE_TYPE",
			Message: fmt.Sprintf("File type %s is not allowed", info.Extension),
			Field:   "extension",
		})
	}

	return errors
}

// MIME类型验证
func (v *DocumentValidator) validateMimeType(info FileInfo) []ValidationError {
	for _, mime := range v.config.AllowedTypes[info.Extension] {
		if mime == info.MimeType {
			return nil
		}
	}
	return []ValidationError{{
		Code:    "INVALID_MIME_TYPE",
		Message: fmt.Sprintf("Invalid MIME type %s for extension %s", info.MimeType, info.Extension),
		Field:   "mimeType",
	}}
}

// 特定类型验证
func (v *DocumentValidator) performTypeSpecificValidation(data []byte, info *FileInfo) []ValidationError {
	switch {
	case info.MimeType == "application/pdf":
		return v.validatePDF(data, info)
	case strings.HasPrefix(info.MimeType, "image/"):
		return v.validateImage(data, info)
	}
	return nil
}

// PDF特定验证
func (v *DocumentValidator) validatePDF(data []byte, info *FileInfo) []ValidationError {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return []ValidationError{{
			Code:    "INVALID_PDF",
			Message: fmt.Sprintf("PDF cannot be opened: %v", err),
		}}
	}

	pages := reader.NumPage()
	info.Metadata["pages"] = pages
	if pages == 0 {
		return []ValidationError{{Code: "INVALID_PDF", Message: "PDF has no pages"}}
	}
	if v.config.MaxPageCount > 0 && pages > v.config.MaxPageCount {
		return []ValidationError{{
			Code:    "TOO_MANY_PAGES",
			Message: fmt.Sprintf("PDF has %d pages, the limit is %d", pages, v.config.MaxPageCount),
		}}
	}
	return nil
}

// 图片特定验证
func (v *DocumentValidator) validateImage(data []byte, info *FileInfo) []ValidationError {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return []ValidationError{{
			Code:    "INVALID_IMAGE",
			Message: fmt.Sprintf("Image cannot be decoded: %v", err),
		}}
	}

	info.Metadata["width"] = cfg.Width
	info.Metadata["height"] = cfg.Height

	if cfg.Width < v.config.MinDimension || cfg.Height < v.config.MinDimension {
		return []ValidationError{{
			Code:    "IMAGE_TOO_SMALL",
			Message: fmt.Sprintf("Image is %dx%d, the minimum is %d pixels per side", cfg.Width, cfg.Height, v.config.MinDimension),
		}}
	}
	if v.config.MaxDimension > 0 && (cfg.Width > v.config.MaxDimension || cfg.Height > v.config.MaxDimension) {
		return []ValidationError{{
			Code:    "IMAGE_TOO_LARGE",
			Message: fmt.Sprintf("Image is %dx%d, the maximum is %d pixels per side", cfg.Width, cfg.Height, v.config.MaxDimension),
		}}
	}
	return nil
}

// DetectMimeType sniffs the content type of data. TIFF is recognised by its
// byte-order mark since net/http does not sniff it.
func DetectMimeType(data []byte) string {
	if bytes.HasPrefix(data, []byte("II*\x00")) || bytes.HasPrefix(data, []byte("MM\x00*")) {
		return "image/tiff"
	}
	mime := http.DetectContentType(data)
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return mime
}
