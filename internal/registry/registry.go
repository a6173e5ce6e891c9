// Package registry indexes command handlers by command-type string. Handlers
// are registered explicitly or discovered by scanning components for methods
// that take a DomainCommand parameter. Transactional handlers are built by
// composing a plain function with the WithTx combinator at registration
// time.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/FreeSideNomad/messaging-platform-sub000/internal/log"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/store"
)

// Registry errors
var (
	ErrUnknownCommand   = errors.New("unknown command")
	ErrAmbiguousHandler = errors.New("ambiguous handler")
)

// Handler processes a command payload and returns the reply result map.
type Handler func(ctx context.Context, payload json.RawMessage) (map[string]any, error)

// TxHandler is a handler body that runs inside a store transaction. Compose
// it with WithTx to obtain a plain Handler.
type TxHandler func(ctx context.Context, tx store.Tx, payload json.RawMessage) (map[string]any, error)

// WithTx wraps fn so every invocation runs in a single transaction on st.
// A returned error rolls the transaction back.
func WithTx(st store.Store, fn TxHandler) Handler {
	return func(ctx context.Context, payload json.RawMessage) (map[string]any, error) {
		var result map[string]any
		err := st.WithTx(ctx, func(tx store.Tx) error {
			var err error
			result, err = fn(ctx, tx, payload)
			return err
		})
		if err != nil {
			return nil, err
		}
		return result, nil
	}
}

// registration tracks a handler and whether it is the transactional variant.
// When discovery finds a second candidate for a name, the transactional one
// wins; two candidates of the same kind fail startup.
type registration struct {
	handler       Handler
	transactional bool
	source        string
}

// Registry maps command-type strings to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]registration
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{handlers: make(map[string]registration)}
}

// Register binds a plain handler to a command name.
func (r *Registry) Register(name string, h Handler) error {
	return r.add(name, registration{handler: h, source: "explicit"})
}

// RegisterTx binds a transactional handler to a command name. It is
// preferred over a plain candidate for the same name.
func (r *Registry) RegisterTx(name string, st store.Store, fn TxHandler) error {
	return r.add(name, registration{handler: WithTx(st, fn), transactional: true, source: "explicit"})
}

func (r *Registry) add(name string, reg registration) error {
	if name == "" {
		return fmt.Errorf("command name cannot be empty")
	}
	if reg.handler == nil {
		return fmt.Errorf("handler for %s cannot be nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.handlers[name]
	if !ok {
		r.handlers[name] = reg
		log.Debug(log.CatBus, "handler registered", "command", name, "source", reg.source)
		return nil
	}
	// Conflict pass: exactly one transactional candidate wins.
	if existing.transactional != reg.transactional {
		if reg.transactional {
			r.handlers[name] = reg
		}
		return nil
	}
	return fmt.Errorf("%w: %s registered by both %s and %s",
		ErrAmbiguousHandler, name, existing.source, reg.source)
}

// Resolve returns the handler for a command name.
func (r *Registry) Resolve(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	return reg.handler, nil
}

// Names returns all registered command names, sorted. The application uses
// it to derive the set of command queues to consume.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
