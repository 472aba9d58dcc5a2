// Package api serves the simulation engine over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jellydator/ttlcache/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/pulkyeet/forksim/internal/config"
	"github.com/pulkyeet/forksim/internal/engine"
	"github.com/pulkyeet/forksim/internal/storage"
)

// EngineParams selects the fork a request runs against.
type EngineParams struct {
	ChainID     uint64
	GasLimit    uint64
	BlockNumber *uint64
}

// EngineFactory creates a traced Engine for params.
type EngineFactory func(ctx context.Context, params EngineParams) (*engine.Engine, error)

type Options struct {
	Config *config.Config
	// StateCache is shared by every Engine the server creates.
	StateCache *storage.CacheDB
	// Engines replaces dialing the configured fork urls.
	Engines EngineFactory
	// Registry receives the server's metrics; nil uses a private registry.
	Registry *prometheus.Registry
}

type session struct {
	id      string
	engine  *engine.Engine
	created time.Time
}

type Server struct {
	cfg        *config.Config
	stateCache *storage.CacheDB
	engines    EngineFactory

	sessions *ttlcache.Cache[string, *session]
	// guards serialises requests per session; Engines are not concurrent.
	guards *xsync.MapOf[string, *sync.Mutex]

	registry *prometheus.Registry
	metrics  *metrics
	router   chi.Router
}

func New(opts Options) *Server {
	cfg := opts.Config
	if cfg == nil {
		cfg = &config.Config{MaxRequestSize: 16 * 1024, SessionTTL: 15 * time.Minute}
	}
	s := &Server{
		cfg:        cfg,
		stateCache: opts.StateCache,
		engines:    opts.Engines,
		sessions:   ttlcache.New(ttlcache.WithTTL[string, *session](cfg.SessionTTL)),
		guards:     xsync.NewMapOf[string, *sync.Mutex](),
		registry:   opts.Registry,
	}
	if s.engines == nil {
		s.engines = s.dialEngine
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	s.metrics = newMetrics(s.registry)
	if s.stateCache != nil {
		s.registry.MustRegister(newCacheCollector(s.stateCache))
	}

	s.sessions.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *session]) {
		go s.closeSession(item.Value(), reason)
	})
	go s.sessions.Start()

	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(accessLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-API-KEY"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.limitBody)

		r.Post("/simulate", s.handleSimulate)
		r.Post("/simulate-bundle", s.handleSimulateBundle)
		r.Post("/simulate-stateful", s.handleStartStateful)
		r.Post("/simulate-stateful/{id}", s.handleStatefulSimulate)
		r.Get("/simulate-stateful/{id}", s.handleStatefulInfo)
		r.Delete("/simulate-stateful/{id}", s.handleEndStateful)
	})
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close ends every stateful simulation.
func (s *Server) Close() {
	s.sessions.Stop()
	s.sessions.DeleteAll()
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey != "" {
			key := r.Header.Get("X-API-KEY")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APIKey)) != 1 {
				writeJSON(w, http.StatusForbidden, errorResponse{Message: "invalid api key"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.MaxRequestSize > 0 {
			if r.ContentLength > s.cfg.MaxRequestSize {
				writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Message: "request body too large"})
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestSize)
		}
		next.ServeHTTP(w, r)
	})
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Info("Served request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "elapsed", time.Since(started))
	})
}

// dialEngine forks the chain from its configured url.
func (s *Server) dialEngine(ctx context.Context, params EngineParams) (*engine.Engine, error) {
	url, ok := s.cfg.ForkURLFor(params.ChainID)
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrUnknownChain, params.ChainID)
	}
	return engine.New(ctx, engine.Options{
		ForkURL:         url,
		ForkBlockNumber: params.BlockNumber,
		Tracing:         true,
		LabelKey:        s.cfg.EtherscanKey,
		SignaturesPath:  s.cfg.SignaturesDB,
		StateCache:      s.stateCache,
		FetchTimeout:    s.cfg.FetchTimeout,
		GasLimit:        params.GasLimit,
	})
}

func (s *Server) newEngine(ctx context.Context, params EngineParams) (*engine.Engine, error) {
	e, err := s.engines(ctx, params)
	if err != nil {
		return nil, err
	}
	if e.ChainID() != params.ChainID {
		e.Close()
		return nil, badRequest("fork for chain %d serves chain %d", params.ChainID, e.ChainID())
	}
	return e, nil
}

// lockSession returns the live session with its guard held.
func (s *Server) lockSession(id string) (*session, func(), error) {
	if s.sessions.Get(id) == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrSessionUnknown, id)
	}
	guard, _ := s.guards.LoadOrStore(id, &sync.Mutex{})
	guard.Lock()

	// the session may have ended while we waited
	item := s.sessions.Get(id)
	if item == nil {
		guard.Unlock()
		return nil, nil, fmt.Errorf("%w: %s", ErrSessionUnknown, id)
	}
	return item.Value(), guard.Unlock, nil
}

func (s *Server) closeSession(sess *session, reason ttlcache.EvictionReason) {
	guard, _ := s.guards.LoadOrStore(sess.id, &sync.Mutex{})
	guard.Lock()
	sess.engine.Close()
	s.guards.Delete(sess.id)
	guard.Unlock()

	s.metrics.sessions.Dec()
	log.Info("Ended stateful simulation", "id", sess.id, "expired", reason == ttlcache.EvictionReasonExpired, "age", time.Since(sess.created))
}
