// Package server exposes the conductor over HTTP: the tenant-facing
// inquiry API and the cluster-internal consensus RPC endpoints.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/inquest/internal/auth"
	"github.com/danmuck/inquest/internal/conductor"
	"github.com/danmuck/inquest/internal/observability"
	"github.com/danmuck/inquest/internal/raft"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type Server struct {
	id       string
	addr     string
	appeared time.Time

	router    *gin.Engine
	conductor *conductor.Conductor
	node      *raft.Node
	ident     auth.Identifier
}

func New(id, addr string, corsOrigins []string, ident auth.Identifier, cond *conductor.Conductor, node *raft.Node) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(id))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		id:        id,
		addr:      addr,
		appeared:  time.Now(),
		router:    r,
		conductor: cond,
		node:      node,
		ident:     ident,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Router() *gin.Engine { return s.router }

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
