package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type route struct {
	adapter ModuleAdapter
	def     ToolDefinition
}

// Dispatcher owns the process-wide operation registry. It is populated during
// application startup, immutable during normal operation, and cleared only at
// shutdown. Cross-adapter correlation is the caller's job: no adapter ever
// calls another adapter through the Dispatcher.
type Dispatcher struct {
	log zerolog.Logger

	mu       sync.RWMutex
	adapters []ModuleAdapter
	routes   map[string]route
	started  bool
}

// New returns a Dispatcher with an empty registry.
func New(logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		log:    logger,
		routes: make(map[string]route),
	}
}

// Register adds an adapter and all of its operations to the registry.
// Registration happens before Startup; duplicate operation names across
// adapters are a wiring error.
func (d *Dispatcher) Register(a ModuleAdapter) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return fmt.Errorf("dispatch: cannot register adapter %q after startup", a.Name())
	}
	for _, def := range a.Operations() {
		if existing, ok := d.routes[def.Name]; ok {
			return fmt.Errorf("dispatch: operation %q registered by both %q and %q",
				def.Name, existing.adapter.Name(), a.Name())
		}
		d.routes[def.Name] = route{adapter: a, def: def}
	}
	d.adapters = append(d.adapters, a)
	d.log.Info().
		Str("adapter", a.Name()).
		Int("operations", len(a.Operations())).
		Msg("adapter registered")
	return nil
}

// Startup initializes every registered adapter in registration order. If any
// adapter fails, the adapters initialized so far are shut down in reverse
// order before the error is returned, so no pool is left acquired on a failed
// startup path.
func (d *Dispatcher) Startup(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, a := range d.adapters {
		if err := a.Initialize(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				if serr := d.adapters[j].Shutdown(ctx); serr != nil {
					d.log.Error().Err(serr).
						Str("adapter", d.adapters[j].Name()).
						Msg("shutdown after failed startup")
				}
			}
			return fmt.Errorf("initialize adapter %s: %w", a.Name(), err)
		}
		d.log.Info().Str("adapter", a.Name()).Msg("adapter initialized")
	}
	d.started = true
	return nil
}

// Shutdown releases every adapter in reverse registration order and clears
// the registry. It runs all shutdowns even when some fail, returning the
// first failure.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var first error
	for i := len(d.adapters) - 1; i >= 0; i-- {
		a := d.adapters[i]
		if err := a.Shutdown(ctx); err != nil {
			d.log.Error().Err(err).Str("adapter", a.Name()).Msg("adapter shutdown")
			if first == nil {
				first = fmt.Errorf("shutdown adapter %s: %w", a.Name(), err)
			}
		}
	}
	d.adapters = nil
	d.routes = make(map[string]route)
	d.started = false
	return first
}

// Invoke routes one named operation to its owning adapter. Unknown names
// report ErrUnknownOperation; adapter errors come back annotated with the
// operation name and invocation timestamp, original kind intact.
func (d *Dispatcher) Invoke(ctx context.Context, name string, params Params) (Result, error) {
	d.mu.RLock()
	rt, ok := d.routes[name]
	d.mu.RUnlock()

	at := time.Now().UTC()
	if !ok {
		return nil, &Error{
			Kind: ErrUnknownOperation,
			Op:   name,
			Time: at,
			msg:  fmt.Sprintf("no adapter registered for operation %q", name),
		}
	}

	result, err := rt.adapter.Invoke(ctx, name, params)
	if err != nil {
		d.log.Error().Err(err).
			Str("operation", name).
			Str("adapter", rt.adapter.Name()).
			Msg("invocation failed")
		return nil, withInvocation(err, name, at)
	}
	return result, nil
}

// Health probes every adapter. It never returns an error: a probe failure is
// recorded as healthy=false for that adapter.
func (d *Dispatcher) Health(ctx context.Context) []AdapterHealth {
	d.mu.RLock()
	adapters := d.adapters
	d.mu.RUnlock()

	out := make([]AdapterHealth, 0, len(adapters))
	for _, a := range adapters {
		out = append(out, AdapterHealth{
			Adapter:     a.Name(),
			Healthy:     a.HealthCheck(ctx),
			LastChecked: time.Now().UTC(),
		})
	}
	return out
}

// Operations returns every registered operation definition, grouped by
// adapter registration order.
func (d *Dispatcher) Operations() []ToolDefinition {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []ToolDefinition
	for _, a := range d.adapters {
		out = append(out, a.Operations()...)
	}
	return out
}
