// Package agent holds the work done for each pipeline stage.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/feichai0017/document-pipeline/internal/models"
)

// ErrNoExecutor is returned by Registry.Get for a stage without executor.
var ErrNoExecutor = errors.New("agent: no executor for stage")

// StageInput describes the document a stage runs on.
type StageInput struct {
	DocumentID  string
	FileName    string
	ContentType string
	StorageKey  string
	// Previous holds the outputData of stages that already finished.
	Previous map[models.Stage]json.RawMessage
}

// Output decodes the outputData of an earlier stage into v. It reports
// false when that stage left no output.
func (in StageInput) Output(stage models.Stage, v interface{}) (bool, error) {
	raw, ok := in.Previous[stage]
	if !ok || len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("failed to decode %s output: %w", stage, err)
	}
	return true, nil
}

// StageExecutor performs one stage and returns its outputData.
type StageExecutor interface {
	Stage() models.Stage
	Execute(ctx context.Context, in StageInput) (json.RawMessage, error)
}

// Registry maps stages to their executors.
type Registry struct {
	executors map[models.Stage]StageExecutor
}

func NewRegistry(executors ...StageExecutor) *Registry {
	r := &Registry{executors: make(map[models.Stage]StageExecutor, len(executors))}
	for _, e := range executors {
		r.executors[e.Stage()] = e
	}
	return r
}

func (r *Registry) Get(stage models.Stage) (StageExecutor, error) {
	e, ok := r.executors[stage]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoExecutor, stage)
	}
	return e, nil
}

func marshalOutput(v interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stage output: %w", err)
	}
	return data, nil
}
