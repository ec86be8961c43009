package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
}

type OllamaConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	Model       string        `yaml:"model"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxPoolSize int           `yaml:"maxPoolSize"`
	PoolTimeout time.Duration `yaml:"poolTimeout"`
}

// ErrPoolClosed is returned by Get after Close.
var ErrPoolClosed = errors.New("ollama client pool closed")

// embeddingResponse 定义 Ollama /api/embeddings 响应结构
type embeddingResponse struct {
	Embedding []float32 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

type OllamaClient struct {
	endpoint   string
	model      string
	httpClient *http.Client
}

func NewOllamaClient(config *OllamaConfig) *OllamaClient {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OllamaClient{
		endpoint: config.Endpoint,
		model:    config.Model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *OllamaClient) Model() string { return c.model }

func (c *OllamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	reqData, err := json.Marshal(map[string]interface{}{
		"model":  c.model,
		"prompt": text,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/embeddings", bytes.NewReader(reqData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(body))
	}

	var result embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("ollama error: %s", result.Error)
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("ollama returned an empty embedding for model %s", c.model)
	}

	return result.Embedding, nil
}

func (c *OllamaClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// OllamaClientPool bounds the number of concurrent requests to the server.
type OllamaClientPool struct {
	clients chan *OllamaClient
	config  *OllamaConfig
	closed  chan struct{}
}

func NewOllamaClientPool(config *OllamaConfig) *OllamaClientPool {
	size := config.MaxPoolSize
	if size <= 0 {
		size = 1
	}
	pool := &OllamaClientPool{
		clients: make(chan *OllamaClient, size),
		config:  config,
		closed:  make(chan struct{}),
	}

	// 预创建客户端
	for i := 0; i < size; i++ {
		pool.clients <- NewOllamaClient(config)
	}

	return pool
}

func (p *OllamaClientPool) Get(ctx context.Context) (*OllamaClient, error) {
	var timeout <-chan time.Time
	if p.config.PoolTimeout > 0 {
		timer := time.NewTimer(p.config.PoolTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case client := <-p.clients:
		return client, nil
	case <-p.closed:
		return nil, ErrPoolClosed
	case <-timeout:
		return nil, fmt.Errorf("timeout waiting for available client")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *OllamaClientPool) Put(client *OllamaClient) {
	select {
	case <-p.closed:
		client.Close()
		return
	default:
	}
	select {
	case p.clients <- client:
	default:
		// 池已满，丢弃客户端
		client.Close()
	}
}

func (p *OllamaClientPool) Model() string { return p.config.Model }

// Embed borrows a client for one request.
func (p *OllamaClientPool) Embed(ctx context.Context, text string) ([]float32, error) {
	client, err := p.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer p.Put(client)
	return client.Embed(ctx, text)
}

// Close closes idle clients; clients still borrowed are closed by Put.
func (p *OllamaClientPool) Close() error {
	select {
	case <-p.closed:
		return nil
	default:
	}
	close(p.closed)
	for {
		select {
		case client := <-p.clients:
			client.Close()
		default:
			return nil
		}
	}
}
