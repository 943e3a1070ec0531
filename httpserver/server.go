package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nimbusota/release-storage-backend/common"
	"github.com/nimbusota/release-storage-backend/metrics"
	"go.uber.org/atomic"
)

type HTTPServerConfig struct {
	ListenAddr  string
	MetricsAddr string
	EnablePprof bool
	Log         *slog.Logger

	DrainDuration            time.Duration
	GracefulShutdownDuration time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
}

// Server hosts the management API, the device-facing acquisition API and
// an optional metrics sidecar on a separate listener.
type Server struct {
	cfg     *HTTPServerConfig
	isReady atomic.Bool
	log     *slog.Logger

	srv        *http.Server
	metricsSrv *metrics.MetricsServer
	handler    *Handler
}

func New(cfg *HTTPServerConfig, handler *Handler) (srv *Server, err error) {
	metricsSrv, err := metrics.New(common.PackageName, cfg.MetricsAddr)
	if err != nil {
		return nil, err
	}
	handler.metrics = metricsSrv.Collector()

	srv = &Server{
		cfg:        cfg,
		log:        cfg.Log,
		srv:        nil,
		metricsSrv: metricsSrv,
		handler:    handler,
	}
	srv.isReady.Store(true)

	srv.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.getRouter(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return srv, nil
}

func (srv *Server) getRouter() http.Handler {
	mux := chi.NewRouter()

	// Management API. Account registration is driven by a trusted upstream
	// and carries no credentials of its own; everything else resolves the
	// calling account first.
	mux.Route("/management", func(r chi.Router) {
		r.Use(srv.httpLogger)

		r.Post("/accounts", srv.handler.HandleAddAccount)

		r.Group(func(r chi.Router) {
			r.Use(srv.handler.RequireAccount)

			r.Get("/account", srv.handler.HandleGetAccount)
			r.Patch("/account", srv.handler.HandleUpdateAccount)

			r.Get("/accessKeys", srv.handler.HandleGetAccessKeys)
			r.Post("/accessKeys", srv.handler.HandleAddAccessKey)
			r.Get("/accessKeys/{keyName}", srv.handler.HandleGetAccessKey)
			r.Patch("/accessKeys/{keyName}", srv.handler.HandleUpdateAccessKey)
			r.Delete("/accessKeys/{keyName}", srv.handler.HandleRemoveAccessKey)

			r.Get("/apps", srv.handler.HandleGetApps)
			r.Post("/apps", srv.handler.HandleAddApp)
			r.Get("/apps/{appID}", srv.handler.HandleGetApp)
			r.Patch("/apps/{appID}", srv.handler.HandleUpdateApp)
			r.Delete("/apps/{appID}", srv.handler.HandleRemoveApp)
			r.Post("/apps/{appID}/transfer/{email}", srv.handler.HandleTransferApp)

			r.Get("/apps/{appID}/collaborators", srv.handler.HandleGetCollaborators)
			r.Post("/apps/{appID}/collaborators/{email}", srv.handler.HandleAddCollaborator)
			r.Delete("/apps/{appID}/collaborators/{email}", srv.handler.HandleRemoveCollaborator)

			r.Get("/apps/{appID}/deployments", srv.handler.HandleGetDeployments)
			r.Post("/apps/{appID}/deployments", srv.handler.HandleAddDeployment)
			r.Get("/apps/{appID}/deployments/{deploymentID}", srv.handler.HandleGetDeployment)
			r.Patch("/apps/{appID}/deployments/{deploymentID}", srv.handler.HandleUpdateDeployment)
			r.Delete("/apps/{appID}/deployments/{deploymentID}", srv.handler.HandleRemoveDeployment)

			r.Post("/apps/{appID}/deployments/{deploymentID}/release", srv.handler.HandleReleaseUpload)
			r.Post("/apps/{appID}/deployments/{deploymentID}/promote/{destDeploymentID}", srv.handler.HandlePromote)
			r.Post("/apps/{appID}/deployments/{deploymentID}/rollback", srv.handler.HandleRollback)
			r.Get("/apps/{appID}/deployments/{deploymentID}/history", srv.handler.HandleGetHistory)
			r.Patch("/apps/{appID}/deployments/{deploymentID}/history", srv.handler.HandleUpdateHistory)
			r.Delete("/apps/{appID}/deployments/{deploymentID}/history", srv.handler.HandleClearHistory)
		})
	})

	// Acquisition API, consumed by devices. Deployment keys stand in for
	// credentials here.
	mux.With(srv.httpLogger).Get("/updateCheck", srv.handler.HandleUpdateCheck)
	mux.With(srv.httpLogger).Get("/blobs/{blobID}", srv.handler.HandleDownloadBlob)

	// Health and diagnostic endpoints
	mux.With(srv.httpLogger).Get("/livez", srv.handleLivenessCheck)
	mux.With(srv.httpLogger).Get("/readyz", srv.handleReadinessCheck)
	mux.With(srv.httpLogger).Get("/drain", srv.handleDrain)
	mux.With(srv.httpLogger).Get("/undrain", srv.handleUndrain)

	if srv.cfg.EnablePprof {
		srv.log.Info("pprof API enabled")
		mux.Mount("/debug", middleware.Profiler())
	}
	return mux
}

func (srv *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

// Handler exposes the fully wired router for tests and for embedding the
// server behind custom listeners.
func (srv *Server) Handler() http.Handler {
	return srv.srv.Handler
}

func (srv *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"alive"}`))
}

func (srv *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if !srv.isReady.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"draining"}`))
		return
	}

	if err := srv.handler.store.CheckHealth(r.Context()); err != nil {
		srv.log.Warn("Readiness check failed", "err", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"storage unavailable"}`))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

func (srv *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Swap(false) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"already draining"}`))
		return
	}

	srv.log.Info("Server marked as not ready")

	// Wait out the drain duration in the background so load balancers can
	// detect the readiness change without blocking this request.
	go func() {
		time.Sleep(srv.cfg.DrainDuration)
		srv.log.Info("Drain period completed")
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"draining"}`))
}

func (srv *Server) handleUndrain(w http.ResponseWriter, r *http.Request) {
	if srv.isReady.Swap(true) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"already ready"}`))
		return
	}

	srv.log.Info("Server marked as ready")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

func (srv *Server) RunInBackground() {
	// metrics
	if srv.cfg.MetricsAddr != "" {
		go func() {
			srv.log.With("metricsAddress", srv.cfg.MetricsAddr).Info("Starting metrics server")
			err := srv.metricsSrv.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				srv.log.Error("HTTP server failed", "err", err)
			}
		}()
	}

	// api
	go func() {
		srv.log.Info("Starting HTTP server", "listenAddress", srv.cfg.ListenAddr)
		if err := srv.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error("HTTP server failed", "err", err)
		}
	}()
}

func (srv *Server) Shutdown() {
	// api
	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := srv.srv.Shutdown(ctx); err != nil {
		srv.log.Error("Graceful HTTP server shutdown failed", "err", err)
	} else {
		srv.log.Info("HTTP server gracefully stopped")
	}

	// metrics
	if len(srv.cfg.MetricsAddr) != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
		defer cancel()

		if err := srv.metricsSrv.Shutdown(ctx); err != nil {
			srv.log.Error("Graceful metrics server shutdown failed", "err", err)
		} else {
			srv.log.Info("Metrics server gracefully stopped")
		}
	}
}
