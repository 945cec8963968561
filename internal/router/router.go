// Package router owns the connections to remote tool backends and dispatches
// tool calls to whichever backend advertises the tool.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"browserpilot-mcp-client/internal/config"
	"browserpilot-mcp-client/internal/tools"
)

var (
	// ErrConnect wraps failures to open or list a backend during Initialize.
	ErrConnect = errors.New("backend connection failed")
	// ErrToolNotFound is returned when no backend advertises the requested tool.
	ErrToolNotFound = errors.New("tool not found")
	// ErrBackendNotReady is returned when the owning backend has no live connection.
	ErrBackendNotReady = errors.New("backend not ready")
)

// Conn is a live session with one remote backend.
type Conn interface {
	ListTools(ctx context.Context) ([]tools.Descriptor, error)
	CallTool(ctx context.Context, name string, args map[string]any) (tools.Result, error)
	Close() error
}

// Dialer opens a connection for one backend config.
type Dialer func(ctx context.Context, cfg config.BackendConfig) (Conn, error)

type backend struct {
	name  string
	conn  Conn
	tools []tools.Descriptor
}

// Router aggregates the tool catalogs of all backends in registration order.
type Router struct {
	dial   Dialer
	logger *zap.Logger

	mu       sync.RWMutex
	backends []*backend
	catalog  []tools.Descriptor
	shadowed []tools.Descriptor
}

// New creates an empty router.
func New(dial Dialer, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{dial: dial, logger: logger.Named("router")}
}

// Initialize connects to every backend in order and loads their catalogs.
// If any backend fails, connections opened so far are closed and the error is
// returned wrapped in ErrConnect.
func (r *Router) Initialize(ctx context.Context, cfgs []config.BackendConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.backends) > 0 {
		return errors.New("router already initialized")
	}

	opened := make([]*backend, 0, len(cfgs))
	abort := func(name string, cause error) error {
		for _, b := range opened {
			if err := b.conn.Close(); err != nil {
				r.logger.Warn("Failed to close backend during rollback", zap.String("backend", b.name), zap.Error(err))
			}
		}
		return fmt.Errorf("%w: %s: %w", ErrConnect, name, cause)
	}

	for _, cfg := range cfgs {
		r.logger.Info("Connecting to backend",
			zap.String("backend", cfg.Name),
			zap.String("command", cfg.Command),
			zap.Strings("args", cfg.Args))

		conn, err := r.dial(ctx, cfg)
		if err != nil {
			return abort(cfg.Name, err)
		}
		b := &backend{name: cfg.Name, conn: conn}
		opened = append(opened, b)

		list, err := conn.ListTools(ctx)
		if err != nil {
			return abort(cfg.Name, err)
		}
		b.tools = tagBackend(list, cfg.Name)
		r.logger.Info("Backend connected", zap.String("backend", cfg.Name), zap.Int("tools", len(b.tools)))
	}

	r.backends = opened
	r.rebuildLocked()
	return nil
}

// Refresh re-lists every backend and rebuilds the aggregate catalog.
func (r *Router) Refresh(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range r.backends {
		if b.conn == nil {
			continue
		}
		list, err := b.conn.ListTools(ctx)
		if err != nil {
			return fmt.Errorf("refreshing %s: %w", b.name, err)
		}
		b.tools = tagBackend(list, b.name)
	}
	r.rebuildLocked()
	return nil
}

func (r *Router) rebuildLocked() {
	seen := make(map[string]struct{})
	r.catalog = r.catalog[:0]
	r.shadowed = r.shadowed[:0]
	for _, b := range r.backends {
		for _, d := range b.tools {
			if _, dup := seen[d.Name]; dup {
				r.shadowed = append(r.shadowed, d)
				r.logger.Warn("Tool name shadowed by earlier backend",
					zap.String("tool", d.Name),
					zap.String("backend", d.Backend))
				continue
			}
			seen[d.Name] = struct{}{}
			r.catalog = append(r.catalog, d)
		}
	}
}

// Dispatch routes a call to the first backend, in registration order, that
// advertises name. Calls are not retried.
func (r *Router) Dispatch(ctx context.Context, name string, args map[string]any) (tools.Result, error) {
	r.mu.RLock()
	var owner *backend
	for _, b := range r.backends {
		for _, d := range b.tools {
			if d.Name == name {
				owner = b
				break
			}
		}
		if owner != nil {
			break
		}
	}
	var conn Conn
	if owner != nil {
		conn = owner.conn
	}
	r.mu.RUnlock()

	if owner == nil {
		return tools.Result{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if conn == nil {
		return tools.Result{}, fmt.Errorf("%w: %s (tool %s)", ErrBackendNotReady, owner.name, name)
	}

	r.logger.Debug("Dispatching tool call", zap.String("tool", name), zap.String("backend", owner.name))
	res, err := conn.CallTool(ctx, name, args)
	if err != nil {
		return tools.Result{}, fmt.Errorf("calling %s on %s: %w", name, owner.name, err)
	}
	return res, nil
}

// Shutdown closes every connection. Close failures are logged and joined;
// state is cleared regardless.
func (r *Router) Shutdown() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, b := range r.backends {
		if b.conn == nil {
			continue
		}
		if err := b.conn.Close(); err != nil {
			r.logger.Warn("Failed to close backend", zap.String("backend", b.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", b.name, err))
		}
		b.conn = nil
	}
	r.backends = nil
	r.catalog = nil
	r.shadowed = nil
	return errors.Join(errs...)
}

// Disconnect closes one backend but keeps its catalog registered, so calls to
// its tools fail with ErrBackendNotReady instead of falling through to another
// backend.
func (r *Router) Disconnect(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.backends {
		if b.name != name {
			continue
		}
		if b.conn == nil {
			return nil
		}
		err := b.conn.Close()
		b.conn = nil
		return err
	}
	return fmt.Errorf("unknown backend %q", name)
}

// Tools returns the aggregate catalog, first registration of each name only.
func (r *Router) Tools() []tools.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]tools.Descriptor(nil), r.catalog...)
}

// ToolsByBackend returns each backend's full catalog keyed by backend name.
func (r *Router) ToolsByBackend() map[string][]tools.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]tools.Descriptor, len(r.backends))
	for _, b := range r.backends {
		out[b.name] = append([]tools.Descriptor(nil), b.tools...)
	}
	return out
}

// Backends returns backend names in registration order.
func (r *Router) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.backends))
	for _, b := range r.backends {
		out = append(out, b.name)
	}
	return out
}

// Shadowed returns descriptors hidden because an earlier backend uses the same name.
func (r *Router) Shadowed() []tools.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]tools.Descriptor(nil), r.shadowed...)
}

func tagBackend(list []tools.Descriptor, name string) []tools.Descriptor {
	out := make([]tools.Descriptor, len(list))
	for i, d := range list {
		d.Backend = name
		out[i] = d
	}
	return out
}
