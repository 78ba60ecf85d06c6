package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"

	"drawchain/cfg"
	"drawchain/svc/lim"
	"drawchain/svc/svc"
	"drawchain/svc/util"
)

// Pinger is a dependency the readiness probe can check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps wires the server. Journal and Cache may be nil.
type Deps struct {
	Storage *svc.Storage
	Limiter *lim.Limiter
	Journal Pinger
	Cache   Pinger
}

type Server struct {
	router     *chi.Mux
	storage    *svc.Storage
	lim        *lim.Limiter
	cfg        *cfg.Cfg
	journal    Pinger
	cache      Pinger
	httpServer *http.Server
}

func NewServer(c *cfg.Cfg, d Deps) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		storage: d.Storage,
		lim:     d.Limiter,
		cfg:     c,
		journal: d.Journal,
		cache:   d.Cache,
	}
	mw := NewMw(d.Limiter, c)
	h := &Hdl{storage: d.Storage, cfg: c}

	// preflight requests never match a route, so CORS sits above the router
	s.router.Use(mw.CORS)
	s.router.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Get("/health", s.Health)
		r.Get("/ready", s.Ready)
	})
	s.router.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))
	if c.Environment != "production" {
		s.router.Mount("/debug", middleware.Profiler())
	}

	s.router.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(accessLog))
		if len(c.TrustedProxies) > 0 {
			r.Use(middleware.RealIP)
		}
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		r.Use(mw.JSONContentType)
		r.Use(mw.AnomalyDetection)

		r.Route("/documents", func(r chi.Router) {
			r.Use(mw.RequireOwner)
			r.With(mw.RateLimit(lim.EndpointWrite)).Post("/", h.CreateDocument)
			r.With(mw.RateLimit(lim.EndpointRead)).Get("/", h.ListDocuments)
			r.Route("/{id}", func(r chi.Router) {
				r.With(mw.RateLimit(lim.EndpointRead)).Get("/", h.GetDocument)
				r.Group(func(r chi.Router) {
					r.Use(mw.RateLimit(lim.EndpointWrite))
					r.Delete("/", h.DeleteDocument)
					r.Patch("/title", h.RenameDocument)
					r.Patch("/retention", h.ChangeRetention)
					r.Post("/protect", h.ProtectDocument)
				})
			})
		})
		r.With(mw.RequireOwner, mw.RateLimit(lim.EndpointRead)).Post("/search", h.Search)

		r.Route("/shares", func(r chi.Router) {
			r.Use(mw.RateLimit(lim.EndpointShare))
			r.Get("/{token}", h.ResolveShare)
			r.Group(func(r chi.Router) {
				r.Use(mw.RequireOwner)
				r.Post("/", h.CreateShare)
				r.Get("/", h.ListShares)
				r.Delete("/{token}", h.RevokeShare)
			})
		})

		r.Route("/config", func(r chi.Router) {
			r.Use(mw.RequireOwner)
			r.With(mw.RateLimit(lim.EndpointRead)).Get("/", h.GetConfig)
			r.With(mw.RateLimit(lim.EndpointWrite)).Put("/", h.PutConfig)
		})
		r.With(mw.RateLimit(lim.EndpointRead)).Get("/operations/{id}", h.GetOperation)
	})
	return s
}

func accessLog(r *http.Request, status, size int, duration time.Duration) {
	hlog.FromRequest(r).Info().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Int("size", size).
		Dur("duration", duration).
		Str("request_id", util.GetRequestID(r.Context())).
		Msg("request")
	observeRequest(r, status, duration)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.ContextTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	util.Info().Str("addr", addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "listen")
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
