package jsonrpc

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
)

var (
	ErrUnknownModule = errors.New("jsonrpc: unknown module type")
	ErrEmptyName     = errors.New("jsonrpc: empty method name")
)

// Handler serves one JSON-RPC method.
//
// ServeRPC must eventually call exactly one reply method on c (SendResult,
// SendError, SendParamsError or End). It may do so after returning, from any
// goroutine. user, req and resp are supplied by the transport and passed
// through untouched.
type Handler interface {
	ServeRPC(c *Call, user, req, resp any)
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(c *Call, user, req, resp any)

func (f HandlerFunc) ServeRPC(c *Call, user, req, resp any) {
	f(c, user, req, resp)
}

// Module is a node of a method tree passed to RegisterModule. It is either a
// leaf Handler (a HandlerFunc, or any Handler wrapped with Leaf) or a Group.
type Module interface {
	module()
}

// Group maps sub-names to Modules. Keys starting with "_" are private and
// never exposed.
type Group map[string]Module

type leaf struct {
	Handler
}

func (HandlerFunc) module() {}
func (Group) module()       {}
func (leaf) module()        {}

// Leaf wraps h so it can be used as a Module.
func Leaf(h Handler) Module {
	if f, ok := h.(HandlerFunc); ok {
		return f
	}
	return leaf{h}
}

// Registry maps lower-cased method names to handlers.
//
// A Registry is built before serving starts and is read-only afterwards, so
// lookups take no locks. Registering while requests are being handled is a
// data race.
type Registry struct {
	methods map[string]Handler
	logger  *slog.Logger
}

// NewRegistry returns an empty Registry. A nil logger uses slog.Default().
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		methods: make(map[string]Handler),
		logger:  logger,
	}
}

// Register stores h under the lower-cased name. A later registration for the
// same name replaces the earlier one.
func (r *Registry) Register(name string, h Handler) {
	if name == "" || h == nil {
		r.logger.Warn("ignoring method registration", "method", name, "nil_handler", h == nil)
		return
	}
	r.logger.Info("exposing method", "method", name)
	r.methods[strings.ToLower(name)] = h
}

// RegisterModule registers every leaf of m. A leaf is registered under
// prefix; a Group registers each public entry under prefix + "." + key. An
// empty prefix registers group entries under their bare keys.
func (r *Registry) RegisterModule(prefix string, m Module) error {
	switch m := m.(type) {
	case HandlerFunc:
		if m == nil {
			return fmt.Errorf("%w: nil handler for %q", ErrUnknownModule, prefix)
		}
		return r.registerLeaf(prefix, m)
	case leaf:
		if m.Handler == nil {
			return fmt.Errorf("%w: nil handler for %q", ErrUnknownModule, prefix)
		}
		return r.registerLeaf(prefix, m.Handler)
	case Group:
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			if k == "" || strings.HasPrefix(k, "_") {
				continue
			}
			name := k
			if prefix != "" {
				name = prefix + "." + k
			}
			if err := r.RegisterModule(name, m[k]); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: %T at %q", ErrUnknownModule, m, prefix)
	}
}

func (r *Registry) registerLeaf(name string, h Handler) error {
	if name == "" {
		return ErrEmptyName
	}
	r.Register(name, h)
	return nil
}

// Lookup returns the handler for name, ignoring case.
func (r *Registry) Lookup(name string) (Handler, bool) {
	h, ok := r.methods[strings.ToLower(name)]
	return h, ok
}

// Methods returns the registered (lower-cased) method names, sorted.
func (r *Registry) Methods() []string {
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Len returns the number of registered methods.
func (r *Registry) Len() int {
	return len(r.methods)
}
