package storage

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/document-pipeline/pkg/logger"
)

func TestNewStorage_Memory(t *testing.T) {
	ctx := context.Background()
	s, err := NewStorage(ctx, &Config{Type: StorageTypeMemory}, logger.NewTestLogger())
	require.NoError(t, err)

	key := ArtifactKey("doc-1", "ocr.json")
	_, err = s.Store(ctx, strings.NewReader(`{"ok":true}`), key)
	require.NoError(t, err)

	data, err := ReadAll(ctx, s, key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(data))

	_, err = ReadAll(ctx, s, "missing")
	assert.Error(t, err)
}

func TestNewStorage_Unsupported(t *testing.T) {
	_, err := NewStorage(context.Background(), &Config{Type: "ftp"}, logger.NewTestLogger())
	assert.ErrorContains(t, err, "unsupported storage type")
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "documents/doc-1/original/scan.png", UploadKey("doc-1", "scan.png"))
	assert.Equal(t, "documents/doc-1/embeddings.json", ArtifactKey("doc-1", "embeddings.json"))
}
