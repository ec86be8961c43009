package validator

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/document-pipeline/pkg/logger"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

// onePagePDF is the smallest PDF the reader accepts.
func onePagePDF() []byte {
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>",
	}
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

func codes(r *ValidationResult) []string {
	out := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		out[i] = e.Code
	}
	return out
}

func TestValidate(t *testing.T) {
	v := NewDocumentValidator(logger.NewTestLogger(), nil)

	tests := []struct {
		name     string
		filename string
		data     []byte
		codes    []string
		mime     string
	}{
		{name: "png", filename: "scan.PNG", data: pngBytes(t, 64, 48), mime: "image/png"},
		{name: "pdf", filename: "report.pdf", data: onePagePDF(), mime: "application/pdf"},
		{name: "tiny image", filename: "icon.png", data: pngBytes(t, 8, 8), codes: []string{"IMAGE_TOO_SMALL"}, mime: "image/png"},
		{name: "png named pdf", filename: "fake.pdf", data: pngBytes(t, 64, 64), codes: []string{"INVALID_MIME_TYPE"}, mime: "image/png"},
		{name: "broken pdf", filename: "broken.pdf", data: []byte("%PDF-1.4 garbage"), codes: []string{"INVALID_PDF"}, mime: "application/pdf"},
		{name: "extension", filename: "notes.txt", data: []byte("hello"), codes: []string{"INVALID_FILE_TYPE"}, mime: "text/plain"},
		{name: "empty", filename: "empty.pdf", data: nil, codes: []string{"EMPTY_FILE"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := v.Validate(tt.filename, bytes.NewReader(tt.data))
			require.NoError(t, err)
			if len(tt.codes) == 0 {
				assert.True(t, result.IsValid, result.Error())
				assert.Empty(t, result.Errors)
			} else {
				assert.False(t, result.IsValid)
				assert.Equal(t, tt.codes, codes(result))
			}
			if tt.mime != "" {
				assert.Equal(t, tt.mime, result.FileInfo.MimeType)
			}
			assert.Len(t, result.FileInfo.Hash, 64)
		})
	}
}

func TestValidate_Metadata(t *testing.T) {
	v := NewDocumentValidator(logger.NewTestLogger(), nil)

	result, err := v.Validate("a.png", bytes.NewReader(pngBytes(t, 64, 48)))
	require.NoError(t, err)
	assert.Equal(t, 64, result.FileInfo.Metadata["width"])
	assert.Equal(t, 48, result.FileInfo.Metadata["height"])

	result, err = v.Validate("a.pdf", bytes.NewReader(onePagePDF()))
	require.NoError(t, err)
	assert.Equal(t, 1, result.FileInfo.Metadata["pages"])
}

func TestValidate_TooLarge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxFileSize = 10
	v := NewDocumentValidator(logger.NewTestLogger(), cfg)

	result, err := v.Validate("a.png", bytes.NewReader(pngBytes(t, 64, 64)))
	require.NoError(t, err)
	assert.Equal(t, []string{"FILE_TOO_LARGE"}, codes(result))
	assert.Equal(t, int64(11), result.FileInfo.Size)
}

func TestValidateHeader(t *testing.T) {
	v := NewDocumentValidator(logger.NewTestLogger(), nil)

	assert.True(t, v.ValidateHeader("a.pdf", 100).IsValid)
	assert.Equal(t, []string{"INVALID_FILE_TYPE"}, codes(v.ValidateHeader("a.docx", 100)))
	assert.Equal(t, []string{"FILE_TOO_LARGE"}, codes(v.ValidateHeader("a.pdf", 51*1024*1024)))

	r := v.ValidateHeader("a.exe", 0)
	assert.Equal(t, []string{"EMPTY_FILE", "INVALID_FILE_TYPE"}, codes(r))
	assert.Equal(t, "File is empty; File type .exe is not allowed", r.Error())
}

func TestDetectMimeType(t *testing.T) {
	assert.Equal(t, "image/tiff", DetectMimeType([]byte("II*\x00rest")))
	assert.Equal(t, "image/tiff", DetectMimeType([]byte("MM\x00*rest")))
	assert.Equal(t, "application/pdf", DetectMimeType([]byte("%PDF-1.7")))
	assert.Equal(t, "text/plain", DetectMimeType([]byte("hello")))
}
