// Package server exposes the latest published snapshot over a small JSON API
// and pushes fresh snapshots to websocket subscribers.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	appconfig "maflow/config"
	"maflow/internal/aggregate"
	"maflow/internal/cache"
	"maflow/internal/publish"
	"maflow/logger"
)

// StateFunc reports the pipeline's current phase for the health endpoint.
type StateFunc func() string

// Server serves read-only snapshot endpoints backed by a TTL cache in front
// of the document store.
type Server struct {
	cfg     appconfig.Config
	store   publish.Publisher
	cache   *cache.Snapshot
	state   StateFunc
	hub     *hub
	log     *logger.Log
	http    *http.Server
	mu      sync.Mutex
	running bool
}

func New(cfg *appconfig.Config, store publish.Publisher, state StateFunc) *Server {
	s := &Server{
		cfg:   *cfg,
		store: store,
		cache: cache.NewSnapshot(cfg.Server.CacheTTL.Std()),
		state: state,
		hub:   newHub(),
		log:   logger.GetLogger(),
	}
	s.http = &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	s.log.WithComponent("server").WithFields(logger.Fields{
		"address":   cfg.Server.Address,
		"cache_ttl": cfg.Server.CacheTTL.Std().String(),
	}).Info("api server initialized")
	return s
}

// Start runs the listener until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.mu.Unlock()

	go s.hub.run(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			s.log.WithComponent("server").WithError(err).Warn("shutdown did not finish cleanly")
		}
	}()

	s.log.WithComponent("server").Info("api server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the listener down outside of context cancellation.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		s.log.WithComponent("server").WithError(err).Warn("shutdown did not finish cleanly")
	}
	s.log.WithComponent("server").Info("api server stopped")
}

// RunCompleted caches the fresh snapshot and pushes it to stream subscribers,
// so reads after a refresh never hit a stale store.
func (s *Server) RunCompleted(ctx context.Context, record aggregate.PublishedRecord) {
	rec := record
	s.cache.Put(&rec)
	s.hub.broadcast(&rec)
}

// latest returns the current snapshot, reading through the cache.
func (s *Server) latest(ctx context.Context) (*aggregate.PublishedRecord, error) {
	if rec := s.cache.Get(); rec != nil {
		return rec, nil
	}
	rec, err := s.store.Latest(ctx)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		s.cache.Put(rec)
	}
	return rec, nil
}
