package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"copilot-gateway/internal/models"
)

// ErrUnknownModel indicates the requested model is not registered.
var ErrUnknownModel = errors.New("unknown model")

// ErrDuplicateModel indicates an attempt to register the same model twice.
var ErrDuplicateModel = errors.New("model already registered")

// Upstream is the canonical chat-completions provider.
type Upstream interface {
	Chat(ctx context.Context, bearer string, req *models.ChatRequest) (*models.ChatResponse, error)
	Stream(ctx context.Context, bearer string, req *models.ChatRequest) (ChunkStream, error)
}

// ChunkStream is a pull iterator over upstream streaming chunks. Next returns
// io.EOF after the terminating frame and io.ErrUnexpectedEOF when the body
// ends without one. Close cancels the underlying request.
type ChunkStream interface {
	Next() (*models.ChatChunk, error)
	Close() error
}

type modelEntry struct {
	model models.Model
	alias bool
}

// Registry is the model capability catalog. It resolves aliases and reports
// the default output token limit of each model.
type Registry struct {
	mu     sync.RWMutex
	models map[string]modelEntry
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		models: make(map[string]modelEntry),
	}
}

// Register adds a model and its aliases to the registry.
func (r *Registry) Register(model models.Model, aliases ...string) error {
	if model.ID == "" {
		return errors.New("model id must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.models[model.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateModel, model.ID)
	}
	for _, alias := range aliases {
		if _, exists := r.models[alias]; exists {
			return fmt.Errorf("alias %q conflicts with existing model", alias)
		}
	}

	r.models[model.ID] = modelEntry{model: model}
	for _, alias := range aliases {
		r.models[alias] = modelEntry{model: model, alias: true}
	}
	return nil
}

// LookupModel returns the metadata for a model ID or alias.
func (r *Registry) LookupModel(modelID string) (models.Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.models[modelID]
	if !ok {
		return models.Model{}, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	return entry.model, nil
}

// Resolve maps an alias onto its model ID. Unknown names are returned
// unchanged so the upstream can decide.
func (r *Registry) Resolve(name string) string {
	model, err := r.LookupModel(name)
	if err != nil {
		return name
	}
	return model.ID
}

// MaxOutputTokens reports the default output token limit for a model.
func (r *Registry) MaxOutputTokens(modelID string) (int, bool) {
	model, err := r.LookupModel(modelID)
	if err != nil || model.MaxOutputTokens <= 0 {
		return 0, false
	}
	return model.MaxOutputTokens, true
}

// Models lists registered models, aliases excluded, sorted by ID.
func (r *Registry) Models() []models.Model {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Model, 0, len(r.models))
	for _, entry := range r.models {
		if !entry.alias {
			out = append(out, entry.model)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
