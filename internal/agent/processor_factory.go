package agent

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/feichai0017/document-pipeline/internal/agent/document"
	"github.com/feichai0017/document-pipeline/pkg/logger"
)

// 添加扩展名到 MIME 类型的映射
var extToMIME = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".pdf":  "application/pdf",
}

// MIMEFromFilename guesses a content type from the file extension.
func MIMEFromFilename(name string) (string, bool) {
	mime, ok := extToMIME[strings.ToLower(filepath.Ext(name))]
	return mime, ok
}

// ProcessorFactory maps content types to text extractors.
type ProcessorFactory struct {
	processors map[string]document.Processor
	logger     logger.Logger
}

// NewProcessorFactory registers each processor for every MIME type it
// accepts. Later processors win.
func NewProcessorFactory(log logger.Logger, processors ...document.Processor) *ProcessorFactory {
	factory := &ProcessorFactory{
		processors: make(map[string]document.Processor),
		logger:     log.Named("processor-factory"),
	}
	for _, p := range processors {
		factory.Register(p)
	}
	return factory
}

func (f *ProcessorFactory) Register(p document.Processor) {
	for _, mime := range extToMIME {
		if p.CanProcess(mime) {
			f.processors[mime] = p
		}
	}
}

func (f *ProcessorFactory) GetProcessor(mimeType string) (document.Processor, error) {
	processor, ok := f.processors[strings.ToLower(mimeType)]
	if !ok {
		f.logger.Warn("No processor found",
			logger.String("mimeType", mimeType),
		)
		return nil, fmt.Errorf("no processor found for mime type: %s", mimeType)
	}
	return processor, nil
}

// Close closes every distinct registered processor.
func (f *ProcessorFactory) Close() error {
	seen := make(map[document.Processor]bool)
	var firstErr error
	for _, p := range f.processors {
		if seen[p] {
			continue
		}
		seen[p] = true
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
