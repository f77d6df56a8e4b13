// Package executor maps action types to the handlers that carry them out.
// The engine never knows what an action does; it only looks up the
// registered handler and runs it once the action is approved.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	ErrNoHandler      = errors.New("executor: no handler registered")
	ErrInvalidParams  = errors.New("executor: params rejected by schema")
	ErrHandlerTimeout = errors.New("executor: handler timed out")
	ErrHandlerPanic   = errors.New("executor: handler panicked")
)

// Handler performs one action type. target and params are the action's
// opaque JSON; the returned value becomes the action result.
type Handler interface {
	Execute(ctx context.Context, target, params json.RawMessage) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, target, params json.RawMessage) (any, error)

func (f HandlerFunc) Execute(ctx context.Context, target, params json.RawMessage) (any, error) {
	return f(ctx, target, params)
}

type entry struct {
	handler    Handler
	schemaText string
	schema     *jsonschema.Schema
	timeout    time.Duration
}

// Option configures a registration.
type Option func(*entry)

// WithParamsSchema validates params against a JSON Schema (draft 2020-12)
// when actions of this type are created.
func WithParamsSchema(schema string) Option {
	return func(e *entry) { e.schemaText = schema }
}

// WithTimeout overrides the dispatcher's default timeout for this type.
func WithTimeout(d time.Duration) Option {
	return func(e *entry) { e.timeout = d }
}

// Registry is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]*entry)}
}

// Register binds a handler to an action type, replacing any previous one.
func (r *Registry) Register(actionType string, h Handler, opts ...Option) error {
	if strings.TrimSpace(actionType) == "" {
		return errors.New("executor: action type is required")
	}
	if h == nil {
		return fmt.Errorf("executor: nil handler for %q", actionType)
	}
	e := &entry{handler: h}
	for _, opt := range opts {
		opt(e)
	}
	if e.schemaText != "" {
		compiled, err := compileSchema(actionType, e.schemaText)
		if err != nil {
			return err
		}
		e.schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[actionType] = e
	return nil
}

// MustRegister panics on registration errors. Meant for wiring at startup.
func (r *Registry) MustRegister(actionType string, h Handler, opts ...Option) {
	if err := r.Register(actionType, h, opts...); err != nil {
		panic(err)
	}
}

// Lookup returns the handler for an action type.
func (r *Registry) Lookup(actionType string) (Handler, bool) {
	e, ok := r.lookup(actionType)
	if !ok {
		return nil, false
	}
	return e.handler, true
}

func (r *Registry) lookup(actionType string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.handlers[actionType]
	return e, ok
}

// Types lists registered action types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ValidateParams checks params against the type's schema. Types without
// a schema, and unregistered types, accept anything.
func (r *Registry) ValidateParams(actionType string, params json.RawMessage) error {
	e, ok := r.lookup(actionType)
	if !ok || e.schema == nil {
		return nil
	}
	if len(params) == 0 {
		params = json.RawMessage("null")
	}
	dec := json.NewDecoder(bytes.NewReader(params))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if err := e.schema.Validate(v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidParams, actionType, err)
	}
	return nil
}

func compileSchema(actionType, schema string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://opsgate.schemas.local/params/%s.schema.json", actionType)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("params schema load failed for %q: %w", actionType, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("params schema compile failed for %q: %w", actionType, err)
	}
	return compiled, nil
}
