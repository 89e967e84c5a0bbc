package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"dbagent/internal/domain"
)

// catalog pairs a snapshot with the validators compiled for it so both are
// swapped together.
type catalog struct {
	snapshot   *domain.ToolSnapshot
	validators map[string]*jsonschema.Schema
}

// changeNotifier is implemented by providers that announce tool list changes.
type changeNotifier interface {
	OnToolsChanged(fn func())
}

// Registry discovers tools from its providers and caches an immutable
// snapshot. It implements domain.ToolRegistry.
type Registry struct {
	providers []domain.ToolProvider
	byName    map[string]domain.ToolProvider
	timeout   time.Duration
	logger    *slog.Logger
	bus       domain.EventBus

	discoverMu sync.Mutex
	version    uint64
	current    atomic.Pointer[catalog]
	stale      atomic.Bool
}

// NewRegistry creates a registry over providers. A zero discoveryTimeout
// leaves discovery bounded only by the caller's context.
func NewRegistry(providers []domain.ToolProvider, discoveryTimeout time.Duration, logger *slog.Logger) *Registry {
	r := &Registry{
		providers: providers,
		byName:    make(map[string]domain.ToolProvider, len(providers)),
		timeout:   discoveryTimeout,
		logger:    logger,
	}
	for _, p := range providers {
		r.byName[p.Name()] = p
		if n, ok := p.(changeNotifier); ok {
			n.OnToolsChanged(r.MarkStale)
		}
	}
	return r
}

// SetEventBus makes the registry publish tools.discovered events.
func (r *Registry) SetEventBus(bus domain.EventBus) { r.bus = bus }

// Discover lists tools from every provider and swaps in a new snapshot. If
// any provider fails the previous snapshot stays current.
func (r *Registry) Discover(ctx context.Context) ([]domain.ToolDescriptor, error) {
	r.discoverMu.Lock()
	defer r.discoverMu.Unlock()

	// Clear the flag before listing so a change announced mid-discovery
	// survives; a failed discovery puts it back.
	wasStale := r.stale.Swap(false)
	ok := false
	defer func() {
		if !ok && wasStale {
			r.stale.Store(true)
		}
	}()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	var tools []domain.ToolDescriptor
	seen := make(map[string]string)
	validators := make(map[string]*jsonschema.Schema)

	for _, p := range r.providers {
		listed, err := p.ListTools(ctx)
		if err != nil {
			if errors.Is(err, domain.ErrProtocol) || errors.Is(err, domain.ErrProviderUnreachable) {
				return nil, err
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %s: %w", domain.ErrProviderUnreachable, p.Name(), err)
		}

		for _, d := range listed {
			if owner, dup := seen[d.Name]; dup {
				return nil, fmt.Errorf("%w: tool %q offered by both %q and %q",
					domain.ErrProtocol, d.Name, owner, p.Name())
			}
			seen[d.Name] = p.Name()

			schema, err := compileSchema(d)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", domain.ErrProtocol, err)
			}
			if schema != nil {
				validators[d.Name] = schema
			}
			tools = append(tools, d)
		}
	}

	r.version++
	snap := domain.NewToolSnapshot(r.version, time.Now(), tools)
	r.current.Store(&catalog{snapshot: snap, validators: validators})
	ok = true

	r.logger.Info("tools discovered", "count", snap.Len(), "version", snap.Version)
	r.publish(ctx, snap)
	return snap.Tools(), nil
}

func (r *Registry) publish(ctx context.Context, snap *domain.ToolSnapshot) {
	if r.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"version": snap.Version,
		"count":   snap.Len(),
	})
	r.bus.Publish(context.WithoutCancel(ctx), domain.Event{
		Type:      domain.EventToolsDiscovered,
		Timestamp: snap.FetchedAt,
		Payload:   payload,
	})
}

// ListCached returns the descriptors of the last successful discovery.
func (r *Registry) ListCached() []domain.ToolDescriptor {
	return r.Snapshot().Tools()
}

// Snapshot returns the current snapshot, or nil before the first discovery.
func (r *Registry) Snapshot() *domain.ToolSnapshot {
	c := r.current.Load()
	if c == nil {
		return nil
	}
	return c.snapshot
}

// Stale reports whether a provider announced a tool list change since the
// last discovery.
func (r *Registry) Stale() bool { return r.stale.Load() }

// MarkStale flags the snapshot for rediscovery.
func (r *Registry) MarkStale() { r.stale.Store(true) }

// resolve finds a tool in the current snapshot along with its provider and
// compiled argument schema.
func (r *Registry) resolve(name string) (domain.ToolDescriptor, domain.ToolProvider, *jsonschema.Schema, bool) {
	c := r.current.Load()
	if c == nil {
		return domain.ToolDescriptor{}, nil, nil, false
	}
	d, ok := c.snapshot.Lookup(name)
	if !ok {
		return domain.ToolDescriptor{}, nil, nil, false
	}
	p, ok := r.byName[d.Provider]
	if !ok {
		return domain.ToolDescriptor{}, nil, nil, false
	}
	return d, p, c.validators[name], true
}

// Providers returns the configured providers in order.
func (r *Registry) Providers() []domain.ToolProvider {
	out := make([]domain.ToolProvider, len(r.providers))
	copy(out, r.providers)
	return out
}

// Close closes every provider.
func (r *Registry) Close() error {
	var errs []error
	for _, p := range r.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

var _ domain.ToolRegistry = (*Registry)(nil)
