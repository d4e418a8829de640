// Package api exposes the alert feed over HTTP: paginated browse and search,
// bulk delete, export, dashboard statistics and the live websocket feed.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"alertfeed/config"
	"alertfeed/core"
	"alertfeed/fanout"
	"alertfeed/service"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// rateLimiterEntry holds a rate limiter with last seen time
type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// AlertPlanner answers the read and delete requests.
type AlertPlanner interface {
	Browse(ctx context.Context, c service.Caller, req service.BrowseRequest) (*service.BrowsePage, error)
	Search(ctx context.Context, c service.Caller, req service.SearchRequest) (*service.SearchPage, error)
	Replay(ctx context.Context, c service.Caller, afterIndex uint64, limit int) ([]core.IndexedAlert, error)
	Delete(ctx context.Context, c service.Caller, req service.DeleteRequest) error
	Export(ctx context.Context, c service.Caller) ([]core.Alert, error)
	Stats(ctx context.Context, c service.Caller) (*core.Stats, error)
}

// LiveFeed hands out live subscriptions.
type LiveFeed interface {
	Subscribe() (*fanout.Subscriber, error)
	Unsubscribe(s *fanout.Subscriber)
}

// HealthChecker reports store reachability.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// API holds the API server
type API struct {
	router   *mux.Router
	server   *http.Server
	planner  AlertPlanner
	feed     LiveFeed
	health   HealthChecker
	config   *config.Config
	logger   *zap.SugaredLogger
	upgrader websocket.Upgrader

	rateLimiters   map[string]*rateLimiterEntry
	rateLimitersMu sync.Mutex
	stopCh         chan struct{}
	stopOnce       sync.Once
}

// NewAPI creates a new API server
func NewAPI(planner AlertPlanner, feed LiveFeed, health HealthChecker, cfg *config.Config, logger *zap.SugaredLogger) *API {
	a := &API{
		router:       mux.NewRouter(),
		planner:      planner,
		feed:         feed,
		health:       health,
		config:       cfg,
		logger:       logger,
		rateLimiters: make(map[string]*rateLimiterEntry),
		stopCh:       make(chan struct{}),
	}
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     a.checkOrigin,
	}
	a.setupRoutes()
	go a.cleanupRateLimiters()
	return a
}

// setupRoutes sets up the API routes
func (a *API) setupRoutes() {
	a.router.Use(a.requestIDMiddleware)
	a.router.Use(a.corsMiddleware)
	a.router.Use(a.rateLimitMiddleware)

	api := a.router.PathPrefix("/api").Subrouter()
	api.Use(a.authMiddleware)
	api.HandleFunc("/alerts", a.getAlerts).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/alerts/search", a.searchAlerts).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/alerts/delete", a.deleteAlerts).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/alerts/export", a.exportAlerts).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/stats", a.getStats).Methods(http.MethodGet, http.MethodOptions)

	ws := a.router.PathPrefix("/ws").Subrouter()
	ws.Use(a.authMiddleware)
	ws.HandleFunc("/alerts", a.serveLiveFeed).Methods(http.MethodGet)

	a.router.HandleFunc("/health", a.healthCheck).Methods(http.MethodGet)
	a.router.Handle("/metrics", promhttp.Handler())
}

// Handler returns the root handler, mainly for tests.
func (a *API) Handler() http.Handler {
	return a.router
}

func (a *API) newServer() *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", a.config.API.Port),
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Start starts the API server
func (a *API) Start() error {
	a.server = a.newServer()
	return a.server.ListenAndServe()
}

// StartTLS starts the API server with TLS
func (a *API) StartTLS(certFile, keyFile string) error {
	a.server = a.newServer()
	return a.server.ListenAndServeTLS(certFile, keyFile)
}

// Stop stops the API server
func (a *API) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.stopCh) })
	if a.server != nil {
		return a.server.Shutdown(ctx)
	}
	return nil
}
