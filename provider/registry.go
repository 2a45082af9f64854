package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/poiesic/curupira/core"
	"golang.org/x/sync/errgroup"
)

// Registry maps each source to its client.
type Registry struct {
	clients map[core.Source]Client
}

// NewRegistry creates a registry holding the given clients.
// A later client replaces an earlier one with the same name.
func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[core.Source]Client, len(clients))}
	for _, c := range clients {
		r.clients[c.Name()] = c
	}
	return r
}

// Get returns the client for source.
func (r *Registry) Get(source core.Source) (Client, error) {
	c, ok := r.clients[source]
	if !ok {
		return nil, fmt.Errorf("%w: %q", core.ErrUnsupportedSource, source)
	}
	return c, nil
}

// Sources lists registered providers in core.Sources order.
func (r *Registry) Sources() []core.Source {
	var out []core.Source
	for _, s := range core.Sources {
		if _, ok := r.clients[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// HealthCheckAll checks every provider concurrently.
func (r *Registry) HealthCheckAll(ctx context.Context) map[core.Source]Health {
	results := make(map[core.Source]Health, len(r.clients))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for source, client := range r.clients {
		g.Go(func() error {
			h := client.HealthCheck(gctx)
			mu.Lock()
			results[source] = h
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}
