package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/document-pipeline/internal/models"
	"github.com/feichai0017/document-pipeline/internal/progress"
	"github.com/feichai0017/document-pipeline/internal/service/pipeline"
	"github.com/feichai0017/document-pipeline/pkg/logger"
)

type DocumentHandler struct {
	service       pipeline.DocumentPipeline
	logger        logger.Logger
	maxUploadSize int64
}

// SubmitResponse 定义上传响应结构
type SubmitResponse struct {
	DocumentID  string    `json:"documentId"`
	Status      string    `json:"status"`
	FileName    string    `json:"fileName"`
	FileSize    int64     `json:"fileSize"`
	FileType    string    `json:"fileType"`
	ContentType string    `json:"contentType"`
	UploadedAt  time.Time `json:"uploadedAt"`
}

// StageRow is one line of the per-stage progress table.
type StageRow struct {
	Stage       models.Stage     `json:"stage"`
	Label       string           `json:"label"`
	Status      models.JobStatus `json:"status"`
	StatusLabel string           `json:"statusLabel"`
	DurationMs  *int64           `json:"durationMs,omitempty"`
}

// ProgressResponse 定义进度响应结构
type ProgressResponse struct {
	Progress models.ProgressView `json:"progress"`
	Message  string              `json:"message"`
	Stages   []StageRow          `json:"stages"`
}

// ErrorResponse 定义错误响应结构
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func NewDocumentHandler(service pipeline.DocumentPipeline, maxUploadSize int64, log logger.Logger) *DocumentHandler {
	return &DocumentHandler{
		service:       service,
		logger:        log.Named("document-handler"),
		maxUploadSize: maxUploadSize,
	}
}

func newSubmitResponse(doc *models.Document) SubmitResponse {
	return SubmitResponse{
		DocumentID:  doc.ID,
		Status:      string(models.JobQueued),
		FileName:    doc.FileName,
		FileSize:    doc.Size,
		FileType:    string(doc.FileType),
		ContentType: doc.ContentType,
		UploadedAt:  doc.UploadedAt,
	}
}

// NewProgressResponse renders a view with its message and stage rows.
func NewProgressResponse(view models.ProgressView) ProgressResponse {
	rows := make([]StageRow, 0, progress.TotalStages)
	for _, s := range progress.AllStages() {
		sv := view.Stage(s)
		status := sv.Status
		if status == "" {
			status = models.JobQueued
		}
		row := StageRow{
			Stage:       s,
			Label:       progress.StageLabel(s),
			Status:      status,
			StatusLabel: progress.StatusLabel(status),
		}
		if d, ok := sv.Duration(); ok {
			ms := d.Milliseconds()
			row.DurationMs = &ms
		}
		rows = append(rows, row)
	}
	return ProgressResponse{
		Progress: view,
		Message:  progress.Describe(view),
		Stages:   rows,
	}
}

// Submit 上传单个文档
func (h *DocumentHandler) Submit(c *gin.Context) {
	h.limitBody(c)
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid file upload", err)
		return
	}
	defer file.Close()

	doc, err := h.service.Submit(c.Request.Context(), file, header)
	if err != nil {
		h.handleError(c, statusFor(err), "Failed to submit document", err)
		return
	}

	c.JSON(http.StatusAccepted, newSubmitResponse(doc))
}

// SubmitBatch 批量上传文档
func (h *DocumentHandler) SubmitBatch(c *gin.Context) {
	h.limitBody(c)
	form, err := c.MultipartForm()
	if err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid form data", err)
		return
	}

	files := form.File["files"]
	if len(files) == 0 {
		h.handleError(c, http.StatusBadRequest, "No files provided", nil)
		return
	}

	results := h.service.SubmitBatch(c.Request.Context(), files)

	type item struct {
		FileName string          `json:"fileName"`
		Document *SubmitResponse `json:"document,omitempty"`
		Error    string          `json:"error,omitempty"`
	}
	items := make([]item, len(results))
	var accepted int
	for i, r := range results {
		items[i] = item{FileName: r.FileName, Error: r.Error}
		if r.Document != nil {
			resp := newSubmitResponse(r.Document)
			items[i].Document = &resp
			accepted++
		}
	}

	status := http.StatusAccepted
	if accepted == 0 {
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{
		"message":  fmt.Sprintf("Accepted %d of %d documents", accepted, len(files)),
		"accepted": accepted,
		"results":  items,
	})
}

// GetProgress 获取处理进度
func (h *DocumentHandler) GetProgress(c *gin.Context) {
	documentID := c.Param("documentId")

	report, err := h.service.Progress(c.Request.Context(), documentID)
	if err != nil {
		h.handleError(c, http.StatusServiceUnavailable, "Failed to load progress", err)
		return
	}

	c.JSON(http.StatusOK, NewProgressResponse(report.Progress))
}

// Cancel 取消文档处理
func (h *DocumentHandler) Cancel(c *gin.Context) {
	documentID := c.Param("documentId")

	marked, err := h.service.Cancel(c.Request.Context(), documentID)
	if err != nil {
		h.handleError(c, statusFor(err), "Failed to cancel document", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":         "Document cancelled",
		"documentId":      documentID,
		"cancelledStages": marked,
	})
}

func (h *DocumentHandler) limitBody(c *gin.Context) {
	if h.maxUploadSize > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadSize)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrInvalidDocument):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrDocumentNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// handleError 统一错误处理
func (h *DocumentHandler) handleError(c *gin.Context, status int, message string, err error) {
	fields := []logger.Field{logger.String("path", c.Request.URL.Path), logger.Int("status", status)}
	if err != nil {
		fields = append(fields, logger.Error(err))
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, fields...)
	} else {
		h.logger.Warn(message, fields...)
	}

	response := ErrorResponse{
		Message: message,
	}
	if err != nil {
		response.Error = err.Error()
	}

	c.JSON(status, response)
}
