// Package memory keeps objects in process memory. It backs local runs and
// tests where no bucket is available.
package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

var ErrObjectNotFound = errors.New("storage: object not found")

type object struct {
	data     []byte
	modified time.Time
}

type Storage struct {
	mu      sync.RWMutex
	objects map[string]object
	now     func() time.Time
}

func New() *Storage {
	return &Storage{
		objects: make(map[string]object),
		now:     time.Now,
	}
}

func (s *Storage) Store(ctx context.Context, reader io.Reader, key string) (string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("failed to store file: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = object{data: data, modified: s.now()}
	return key, nil
}

func (s *Storage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("failed to get file %s: %w", key, ErrObjectNotFound)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *Storage) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *Storage) CleanupBefore(ctx context.Context, threshold time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, obj := range s.objects {
		if obj.modified.Before(threshold) {
			delete(s.objects, key)
		}
	}
	return nil
}

// Keys lists stored keys in lexical order.
func (s *Storage) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SetClock replaces the modification clock.
func (s *Storage) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}
