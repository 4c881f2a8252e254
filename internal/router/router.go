// Package router dispatches inbound dialect requests to the upstream through
// the admission gate and the credential manager.
package router

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"copilot-gateway/internal/apierror"
	"copilot-gateway/internal/models"
	"copilot-gateway/internal/provider"
	"copilot-gateway/internal/translator"
)

// Admitter gates upstream calls.
type Admitter interface {
	Admit(ctx context.Context) error
}

// CredentialSource supplies bearers for the upstream.
type CredentialSource interface {
	GetValid(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// TokenCounter estimates prompt tokens.
type TokenCounter interface {
	Count(req *models.ChatRequest) (int, error)
}

// Observer is told about every finished dispatch. For streams it fires when
// the stream completes or is closed.
type Observer interface {
	ObserveRequest(model string, start time.Time, success bool)
}

// Inbound is one client request.
type Inbound struct {
	Dialect translator.Dialect
	Body    []byte
	// Preamble overrides the configured preamble when set.
	Preamble string
}

// Result holds either a rendered body or an open stream.
type Result struct {
	Model  string
	Body   any
	Stream *EventStream
}

// Router dispatches requests.
type Router struct {
	registry    *provider.Registry
	upstream    provider.Upstream
	admission   Admitter
	credentials CredentialSource
	counter     TokenCounter
	observers   []Observer
	preamble    string
}

// Option customises a Router.
type Option func(*Router)

// WithObserver registers an observer.
func WithObserver(observer Observer) Option {
	return func(r *Router) { r.observers = append(r.observers, observer) }
}

// WithTokenCounter enables CountTokens.
func WithTokenCounter(counter TokenCounter) Option {
	return func(r *Router) { r.counter = counter }
}

// WithPreamble sets the default preamble.
func WithPreamble(preamble string) Option {
	return func(r *Router) { r.preamble = preamble }
}

// New constructs a router.
func New(registry *provider.Registry, upstream provider.Upstream, admission Admitter, credentials CredentialSource, opts ...Option) (*Router, error) {
	switch {
	case registry == nil:
		return nil, errors.New("registry must not be nil")
	case upstream == nil:
		return nil, errors.New("upstream must not be nil")
	case admission == nil:
		return nil, errors.New("admission controller must not be nil")
	case credentials == nil:
		return nil, errors.New("credential source must not be nil")
	}

	r := &Router{
		registry:    registry,
		upstream:    upstream,
		admission:   admission,
		credentials: credentials,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Dispatch translates the request, waits for admission, obtains a bearer and
// calls the upstream. Malformed requests fail before they use an admission
// slot.
func (r *Router) Dispatch(ctx context.Context, in Inbound) (*Result, error) {
	start := time.Now()

	req, err := r.translate(in)
	if err != nil {
		r.observe("", start, false)
		return nil, err
	}
	clientModel := req.Model
	req.Model = r.registry.Resolve(req.Model)

	if err := r.admission.Admit(ctx); err != nil {
		r.observe(clientModel, start, false)
		return nil, err
	}

	if req.Stream {
		return r.stream(ctx, in.Dialect, req, clientModel, start)
	}

	resp, err := withCredential(ctx, r.credentials, func(bearer string) (*models.ChatResponse, error) {
		return r.upstream.Chat(ctx, bearer, req)
	})
	if err != nil {
		r.observe(clientModel, start, false)
		return nil, err
	}

	body, err := translator.TranslateResponse(in.Dialect, resp, clientModel)
	r.observe(clientModel, start, err == nil)
	if err != nil {
		return nil, err
	}
	return &Result{Model: clientModel, Body: body}, nil
}

func (r *Router) stream(ctx context.Context, dialect translator.Dialect, req *models.ChatRequest, clientModel string, start time.Time) (*Result, error) {
	// The upstream call always asks for usage; the client only sees it when
	// it asked too.
	includeUsage := req.StreamOptions != nil && req.StreamOptions.IncludeUsage
	converter, err := translator.NewStreamConverter(dialect, clientModel, includeUsage)
	if err != nil {
		r.observe(clientModel, start, false)
		return nil, err
	}

	chunks, err := withCredential(ctx, r.credentials, func(bearer string) (provider.ChunkStream, error) {
		return r.upstream.Stream(ctx, bearer, req)
	})
	if err != nil {
		r.observe(clientModel, start, false)
		return nil, err
	}

	stream := NewEventStream(chunks, converter, func(success bool) {
		r.observe(clientModel, start, success)
	})
	return &Result{Model: clientModel, Stream: stream}, nil
}

// CountTokens estimates the prompt tokens the request would send upstream.
func (r *Router) CountTokens(_ context.Context, in Inbound) (int, error) {
	if r.counter == nil {
		return 0, errors.New("token counting is not configured")
	}
	req, err := r.translate(in)
	if err != nil {
		return 0, err
	}
	return r.counter.Count(req)
}

// Models lists the catalog.
func (r *Router) Models() []models.Model {
	return r.registry.Models()
}

func (r *Router) translate(in Inbound) (*models.ChatRequest, error) {
	preamble := r.preamble
	if in.Preamble != "" {
		preamble = in.Preamble
	}
	return translator.TranslateRequest(in.Dialect, in.Body, translator.Options{
		Preamble:     preamble,
		Capabilities: r.registry,
	})
}

func (r *Router) observe(model string, start time.Time, success bool) {
	for _, observer := range r.observers {
		observer.ObserveRequest(model, start, success)
	}
}

// withCredential runs call with a valid bearer. An upstream 401 triggers one
// forced refresh and one retry.
func withCredential[T any](ctx context.Context, credentials CredentialSource, call func(bearer string) (T, error)) (T, error) {
	var zero T

	bearer, err := credentials.GetValid(ctx)
	if err != nil {
		return zero, err
	}
	out, err := call(bearer)
	if !unauthorized(err) {
		return out, err
	}

	slog.Warn("upstream rejected bearer, refreshing once", "error", err)
	bearer, err = credentials.Refresh(ctx)
	if err != nil {
		return zero, err
	}
	return call(bearer)
}

func unauthorized(err error) bool {
	var upstreamErr *apierror.UpstreamError
	return errors.As(err, &upstreamErr) && upstreamErr.Status == http.StatusUnauthorized
}
