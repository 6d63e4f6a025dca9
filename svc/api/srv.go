package api

import (
	"context"
	"net/http"
	"time"

	"pastelite/cfg"
	"pastelite/svc/svc"
	"pastelite/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

type Server struct {
	router     *chi.Mux
	paste      *svc.Paste
	cfg        *cfg.Cfg
	httpServer *http.Server
}

func NewServer(c *cfg.Cfg, p *svc.Paste) (*Server, error) {
	ui, err := NewUI(p, c)
	if err != nil {
		return nil, err
	}
	s := &Server{paste: p, cfg: c}
	r := chi.NewRouter()
	mw := NewMw(c)
	r.Use(mw.Recoverer)
	if len(c.TrustedProxies) > 0 {
		r.Use(middleware.RealIP)
	}

	r.Group(func(r chi.Router) {
		r.Get("/health", s.Health)
		r.Get("/ready", s.Ready)
		r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))
	})
	if c.Environment == "development" {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Group(func(r chi.Router) {
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(accessLog)
		r.Use(mw.Metrics)
		r.Use(mw.ContextTimeout)

		r.Route("/api", func(r chi.Router) {
			r.Use(mw.SecurityHeaders)
			r.Use(mw.CORS)
			r.Use(mw.JSONContentType)
			hdl := &Hdl{paste: p, cfg: c}
			r.Post("/pastes", hdl.CreatePaste)
			r.Get("/pastes/{id}", hdl.GetPaste)
			r.Get("/healthz", s.Healthz)
		})

		r.Group(func(r chi.Router) {
			r.Use(mw.UISecurityHeaders)
			r.Get("/", ui.Index)
			r.Post("/", ui.Submit)
			r.Get("/p/{id}", ui.View)
			r.Handle("/static/*", ui.Static())
		})
	})

	s.router = r
	s.httpServer = &http.Server{
		Addr:              ":" + c.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    64 * 1024,
	}
	return s, nil
}

var accessLog = hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
	hlog.FromRequest(req).Info().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Str("client_ip", util.RedactIP(req.RemoteAddr)).
		Int("status", status).
		Int("size", size).
		Dur("duration", dur).
		Str("request_id", util.GetRequestID(req.Context())).
		Msg("http request")
})

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
