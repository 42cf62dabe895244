/**
 * Session Registry
 *
 * Holds workspaces by id and reaps the ones left idle.
 */

package workspace

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adverant/nexus/comic-typesetter/internal/annotation"
	"github.com/adverant/nexus/comic-typesetter/internal/logging"
	"github.com/adverant/nexus/comic-typesetter/internal/render"
)

// RegistryConfig holds registry dependencies
type RegistryConfig struct {
	Pipeline    *Pipeline
	Exporter    *render.Exporter
	Defaults    annotation.Defaults
	IdleTimeout time.Duration
	Logger      *logging.Logger
}

// Registry owns all live workspaces
type Registry struct {
	cfg RegistryConfig
	log *logging.Logger

	mu       sync.RWMutex
	sessions map[string]*Workspace
}

// NewRegistry creates an empty registry
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &Registry{
		cfg:      cfg,
		log:      cfg.Logger.Named("sessions"),
		sessions: make(map[string]*Workspace),
	}
}

// Create starts a new workspace
func (r *Registry) Create() *Workspace {
	id := uuid.New().String()
	ws := New(id, r.cfg.Pipeline, r.cfg.Exporter, r.cfg.Defaults, r.cfg.Logger)

	r.mu.Lock()
	r.sessions[id] = ws
	n := len(r.sessions)
	r.mu.Unlock()

	r.log.Info("Session created", "session", id, "sessions", n)
	return ws
}

// Get returns the workspace with id
func (r *Registry) Get(id string) (*Workspace, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ws, ok := r.sessions[id]
	return ws, ok
}

// Delete drops the workspace with id
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	ws, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if ok {
		ws.Close()
		r.log.Info("Session deleted", "session", id)
	}
	return ok
}

// Len returns the number of live workspaces
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Reap deletes workspaces idle since before now-IdleTimeout that have no
// upload running and no event subscriber
func (r *Registry) Reap(now time.Time) int {
	if r.cfg.IdleTimeout <= 0 {
		return 0
	}
	cutoff := now.Add(-r.cfg.IdleTimeout)

	var stale []*Workspace
	r.mu.Lock()
	for id, ws := range r.sessions {
		if ws.idleSince(cutoff) {
			stale = append(stale, ws)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, ws := range stale {
		ws.Close()
	}
	if len(stale) > 0 {
		r.log.Info("Reaped idle sessions", "count", len(stale))
	}
	return len(stale)
}

// Run reaps idle sessions until ctx is cancelled
func (r *Registry) Run(ctx context.Context) error {
	if r.cfg.IdleTimeout <= 0 {
		<-ctx.Done()
		return nil
	}

	interval := r.cfg.IdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			r.Reap(now)
		}
	}
}

// Wait blocks until every workspace's uploads have finished
func (r *Registry) Wait(ctx context.Context) error {
	r.mu.RLock()
	all := make([]*Workspace, 0, len(r.sessions))
	for _, ws := range r.sessions {
		all = append(all, ws)
	}
	r.mu.RUnlock()

	for _, ws := range all {
		if err := ws.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
