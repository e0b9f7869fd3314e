package breaker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Name: "agentwall_breaker_state",
	Help: "Circuit breaker state by dependency: 0=closed, 1=open, 2=half-open.",
}, []string{"name"})

func init() {
	prometheus.MustRegister(breakerState)
}

// Well-known dependency names.
const (
	Database   = "database"
	Classifier = "classifier"
	Upstream   = "upstream"
	Edge       = "edge"
)

// Registry owns one Breaker per dependency name. Breakers are created on
// first use and live as long as the registry.
type Registry struct {
	defaults  Config
	overrides map[string]Config
	now       func() time.Time

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry returns an empty registry. overrides are keyed by dependency
// name and take precedence over defaults.
func NewRegistry(defaults Config, overrides map[string]Config, opts ...Option) *Registry {
	r := &Registry{
		defaults:  defaults,
		overrides: overrides,
		now:       time.Now,
		breakers:  make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the breaker for name, creating it if needed.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	cfg := r.defaults
	if o, ok := r.overrides[name]; ok {
		cfg = o
	}
	b := newBreaker(name, cfg, r.now, func(n string, to State) {
		breakerState.WithLabelValues(n).Set(float64(to))
	})
	breakerState.WithLabelValues(name).Set(float64(Closed))
	r.breakers[name] = b
	return b
}

// Execute runs fn through the named breaker.
func (r *Registry) Execute(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return r.Get(name).Execute(ctx, fn)
}

// Stats lists every breaker created so far, sorted by name.
func (r *Registry) Stats() []Stats {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]Stats, 0, len(list))
	for _, b := range list {
		out = append(out, b.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
