// Package server provides http server exposing certificate metrics
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v8"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/routegroup"
)

// Rest implements http api serving prometheus scrapes
type Rest struct {
	Listen  string
	Version string
	Metrics http.Handler // runs probe pass and writes exposition
}

// Run starts http server and closes on context cancellation
func (s *Rest) Run(ctx context.Context) error {
	log.Printf("[INFO] start http server on %s", s.Listen)

	// no write timeout, scrape duration grows with the number of targets
	httpServer := &http.Server{
		Addr:              s.Listen,
		Handler:           s.router(),
		ReadHeaderTimeout: time.Second,
		IdleTimeout:       time.Second,
		ErrorLog:          log.ToStdLogger(log.Default(), "WARN"),
	}

	go func() {
		<-ctx.Done()
		if err := httpServer.Close(); err != nil {
			log.Printf("[ERROR] failed to close http server, %v", err)
		}
	}()

	return httpServer.ListenAndServe()
}

func (s *Rest) router() http.Handler {
	router := routegroup.New(http.NewServeMux())
	router.Use(rest.Recoverer(log.Default()))
	router.Use(rest.Throttle(100)) // limit the total number of the running requests
	router.Use(rest.AppInfo("cert-watcher", "umputun", s.Version))
	router.Use(tollbooth.HTTPMiddleware(tollbooth.NewLimiter(10, nil)))

	router.Handle("GET /metrics", s.Metrics)
	return router
}
