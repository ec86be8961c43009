package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ollamaServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestOllamaClient_Embed(t *testing.T) {
	srv := ollamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "nomic-embed-text", body["model"])
		assert.Equal(t, "hello", body["prompt"])

		_, _ = w.Write([]byte(`{"embedding":[0.1,0.2,0.3]}`))
	})

	c := NewOllamaClient(&OllamaConfig{Endpoint: srv.URL, Model: "nomic-embed-text"})
	vec, err := c.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestOllamaClient_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{name: "status", status: http.StatusNotFound, body: `model not found`, wantErr: "unexpected status code 404"},
		{name: "error field", status: http.StatusOK, body: `{"error":"out of memory"}`, wantErr: "out of memory"},
		{name: "empty vector", status: http.StatusOK, body: `{"embedding":[]}`, wantErr: "empty embedding"},
		{name: "bad json", status: http.StatusOK, body: `{`, wantErr: "failed to decode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := ollamaServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			c := NewOllamaClient(&OllamaConfig{Endpoint: srv.URL, Model: "m"})
			_, err := c.Embed(context.Background(), "x")
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestOllamaClientPool_BoundsConcurrency(t *testing.T) {
	var inflight, peak int32
	srv := ollamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inflight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inflight, -1)
		_, _ = w.Write([]byte(`{"embedding":[1]}`))
	})

	pool := NewOllamaClientPool(&OllamaConfig{Endpoint: srv.URL, Model: "m", MaxPoolSize: 2})
	defer pool.Close()

	done := make(chan error, 6)
	for i := 0; i < 6; i++ {
		go func() {
			_, err := pool.Embed(context.Background(), "x")
			done <- err
		}()
	}
	for i := 0; i < 6; i++ {
		require.NoError(t, <-done)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestOllamaClientPool_Closed(t *testing.T) {
	pool := NewOllamaClientPool(&OllamaConfig{Endpoint: "http://127.0.0.1:0", MaxPoolSize: 1})
	require.NoError(t, pool.Close())
	require.NoError(t, pool.Close())

	_, err := pool.Get(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestOllamaClientPool_Timeout(t *testing.T) {
	pool := NewOllamaClientPool(&OllamaConfig{MaxPoolSize: 1, PoolTimeout: 10 * time.Millisecond})
	c, err := pool.Get(context.Background())
	require.NoError(t, err)
	defer pool.Put(c)

	_, err = pool.Get(context.Background())
	assert.ErrorContains(t, err, "timeout")
}

func TestChunk(t *testing.T) {
	assert.Nil(t, Chunk("", 10, 0))
	assert.Nil(t, Chunk("abc", 0, 0))
	assert.Equal(t, []string{"short"}, Chunk("  short  ", 100, 10))

	chunks := Chunk("alpha beta gamma delta epsilon", 12, 0)
	assert.Equal(t, []string{"alpha beta", "gamma delta", "epsilon"}, chunks)
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c)), 12)
	}

	assert.Equal(t, []string{"abcd", "efgh", "ij"}, Chunk("abcdefghij", 4, 0))

	overlapped := Chunk(strings.Repeat("word ", 20), 20, 5)
	require.Greater(t, len(overlapped), 1)
	for _, c := range overlapped {
		assert.LessOrEqual(t, len([]rune(c)), 20)
	}
}
