package chain

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"keeper/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Endpoint is one configured RPC target. Configuration data only: health and
// failure counts are tracked out-of-band by the HealthTracker, never written
// back into the endpoint record.
type Endpoint struct {
	Name    string        `mapstructure:"name"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type endpointFile struct {
	Endpoints []Endpoint `mapstructure:"endpoints"`
}

// ChangeListener fires after the endpoint set is reloaded.
type ChangeListener func([]Endpoint)

// Registry loads the endpoint list from a config file and hot-reloads it on
// change, so operators can rotate providers without restarting the daemon.
type Registry struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	endpoints []Endpoint
	listeners []ChangeListener
}

func NewRegistry(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("endpoint registry requires a path")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read endpoint config failed: %w", err)
	}
	r := &Registry{path: path, v: v}
	if err := r.reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := r.reload(); err != nil {
			logger.Errorf("endpoint reload failed: %v", err)
			return
		}
		r.notifyListeners()
	})
	v.WatchConfig()
	return r, nil
}

// NewStaticRegistry wraps a fixed endpoint list, mainly for tests.
func NewStaticRegistry(endpoints []Endpoint) *Registry {
	return &Registry{endpoints: normalizeEndpoints(endpoints)}
}

func (r *Registry) reload() error {
	var file endpointFile
	if err := r.v.Unmarshal(&file); err != nil {
		return fmt.Errorf("parse endpoint config failed: %w", err)
	}
	endpoints := normalizeEndpoints(file.Endpoints)
	if len(endpoints) == 0 {
		return fmt.Errorf("endpoint config %s declares no usable endpoints", r.path)
	}
	r.mu.Lock()
	r.endpoints = endpoints
	r.mu.Unlock()
	logger.Infof("loaded %d RPC endpoints from %s", len(endpoints), r.path)
	return nil
}

// Endpoints returns the current endpoint list in priority order.
func (r *Registry) Endpoints() []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Endpoint, len(r.endpoints))
	copy(out, r.endpoints)
	return out
}

// OnChange registers a listener invoked after each successful reload.
func (r *Registry) OnChange(fn ChangeListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Registry) notifyListeners() {
	r.mu.RLock()
	listeners := make([]ChangeListener, len(r.listeners))
	copy(listeners, r.listeners)
	endpoints := make([]Endpoint, len(r.endpoints))
	copy(endpoints, r.endpoints)
	r.mu.RUnlock()
	for _, fn := range listeners {
		fn(endpoints)
	}
}

func normalizeEndpoints(in []Endpoint) []Endpoint {
	out := make([]Endpoint, 0, len(in))
	for _, ep := range in {
		ep.Name = strings.TrimSpace(ep.Name)
		ep.URL = strings.TrimSpace(ep.URL)
		if ep.URL == "" {
			continue
		}
		if ep.Name == "" {
			ep.Name = ep.URL
		}
		if ep.Timeout <= 0 {
			ep.Timeout = 30 * time.Second
		}
		out = append(out, ep)
	}
	return out
}
