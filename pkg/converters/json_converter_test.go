package converters

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/document-pipeline/internal/models"
)

func TestJSONConverter_Pages(t *testing.T) {
	doc, err := NewJSONConverter().Convert([]models.DocumentChunk{
		{Content: "first", Metadata: map[string]interface{}{"pageNumber": 1, "pageCount": 3, "section": "page_1"}},
		{Content: "third", Metadata: map[string]interface{}{"pageNumber": 3, "pageCount": 3, "section": "page_3"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "completed", doc.Status)
	require.Len(t, doc.Content, 2)
	assert.Equal(t, "page", doc.Content[0].Type)
	assert.Equal(t, 2, doc.Content[1].Position)
	assert.Equal(t, 3, doc.Metadata.PageCount)
	assert.Equal(t, []string{"page_1", "page_3"}, doc.Metadata.Sections)
	assert.Equal(t, 10, doc.Metadata.Characters)
	assert.Equal(t, 1.0, doc.Metadata.Confidence)
	assert.Equal(t, "first\n\nthird", doc.Text())
}

func TestJSONConverter_ImageChunks(t *testing.T) {
	doc, err := NewJSONConverter().Convert([]models.DocumentChunk{
		{Content: "Total 4", Metadata: map[string]interface{}{"imageType": "text", "confidence": 0.9}},
		{Content: "a\tb", Metadata: map[string]interface{}{"imageType": "table"}},
		{Content: "plain"},
	})
	require.NoError(t, err)

	assert.Equal(t, "text", doc.Content[0].Type)
	assert.Equal(t, "table", doc.Content[1].Type)
	assert.Equal(t, "text", doc.Content[2].Type)
	assert.InDelta(t, 0.9, doc.Metadata.Confidence, 1e-9)
	assert.Equal(t, 1, doc.Metadata.PageCount)
}

func TestJSONConverter_Empty(t *testing.T) {
	_, err := NewJSONConverter().Convert(nil)
	assert.Error(t, err)
}
