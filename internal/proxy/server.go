package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/iTrooz/offline-cache-worker/internal/cache/httpcache"
	"github.com/iTrooz/offline-cache-worker/internal/config"
	"github.com/iTrooz/offline-cache-worker/internal/worker"

	"github.com/elazarl/goproxy"
	"github.com/sirupsen/logrus"
)

// Values of the X-Cache header added to every proxied response
const (
	cacheWorker  = "WORKER"
	cacheBypass  = "BYPASS"
	cacheOffline = "OFFLINE"
)

// Server hosts the offline worker behind an HTTP(S) proxy. It delivers the
// install and activate events on Start, then dispatches proxied requests
// to the worker once it has claimed the server.
type Server struct {
	config     *config.Config
	proxy      *goproxy.ProxyHttpServer
	storage    *httpcache.Storage
	worker     *worker.Worker
	claimed    atomic.Bool
	httpServer *http.Server
}

// New creates a new proxy server
func New(cfg *config.Config) (*Server, error) {
	backend, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:  cfg,
		proxy:   goproxy.NewProxyHttpServer(),
		storage: httpcache.New(backend),
	}
	s.proxy.Logger = logrus.StandardLogger()
	s.proxy.Verbose = logrus.IsLevelEnabled(logrus.TraceLevel)
	s.proxy.CertStore = newCertStore()

	origin, err := cfg.GetOrigin()
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("invalid worker origin: %w", err)
	}

	s.worker, err = worker.New(worker.Options{
		Origin:     origin,
		Scope:      cfg.Worker.Scope,
		Version:    cfg.Worker.Version,
		Prefix:     cfg.Worker.Prefix,
		CoreAssets: cfg.Worker.CoreAssets,
		Shell:      cfg.Worker.Shell,
		DevOrigins: cfg.Worker.DevOrigins,
		Network:    s.proxy.Tr,
		Caches:     s.storage,
		Clients:    s,
	})
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("failed to create worker: %w", err)
	}

	if cfg.Server.HTTPS.Enabled {
		if err := s.setupHTTPSProxyHandler(); err != nil {
			_ = backend.Close()
			return nil, err
		}
	}

	s.proxy.OnRequest().DoFunc(s.handleRequest)
	s.proxy.OnResponse().DoFunc(s.handleResponse)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: s.proxy,
	}

	return s, nil
}

// GetProxy returns the proxy handler
func (s *Server) GetProxy() http.Handler {
	return s.proxy
}

// Worker returns the hosted worker
func (s *Server) Worker() *worker.Worker {
	return s.worker
}

// Claim routes proxied requests through the worker
func (s *Server) Claim(ctx context.Context) error {
	if s.claimed.Swap(true) {
		return nil
	}
	logrus.Infof("Worker %s now controls %s", s.worker.Version(), s.config.Worker.Origin)
	return nil
}

// Controlled reports whether requests are dispatched to the worker
func (s *Server) Controlled() bool {
	return s.claimed.Load()
}

// RunLifecycle delivers the install then activate events
func (s *Server) RunLifecycle(ctx context.Context) error {
	if err := s.worker.OnInstall(ctx); err != nil {
		return fmt.Errorf("install failed: %w", err)
	}
	if !s.worker.SkipWaitingRequested() {
		logrus.Warnf("Core assets of %s are not cached, pages will not work offline until they are visited", s.worker.Version())
	}

	if err := s.worker.OnActivate(ctx); err != nil {
		return fmt.Errorf("activate failed: %w", err)
	}
	return nil
}

// Start runs the worker lifecycle and serves the proxy until Shutdown
func (s *Server) Start() error {
	if err := s.RunLifecycle(context.Background()); err != nil {
		// the worker still serves, only the cleanup or claim step failed
		logrus.Errorf("Worker lifecycle: %v", err)
	}

	if addr := s.config.Server.HTTPS.TransparentAddr; addr != "" {
		go func() {
			if err := s.StartTransparentHTTPS(addr); err != nil {
				logrus.Errorf("Transparent HTTPS listener failed: %v", err)
			}
		}()
	}

	logrus.Infof("Starting offline worker proxy on port %d", s.config.Server.Port)
	logrus.Infof("Worker origin: %s", s.config.Worker.Origin)
	logrus.Infof("Cache version: %s", s.config.Worker.Version)
	logrus.Infof("Cache backend: %s", s.config.Cache.Backend)

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the listener, waits for pending cache writes and closes
// the cache backend
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.worker.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logrus.Warnf("Shutdown before pending cache writes finished")
	}

	if cerr := s.storage.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (s *Server) handleRequest(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	ctx.UserData = cacheBypass
	if !s.claimed.Load() {
		return req, nil
	}

	if !s.proxy.KeepHeader {
		goproxy.RemoveProxyHeaders(ctx, req)
	}

	resp, err := s.worker.OnFetch(req.Context(), req)
	switch {
	case errors.Is(err, worker.ErrNotHandled):
		logrus.Debugf("Passing through %s %s", req.Method, req.URL)
		return req, nil
	case err != nil:
		logrus.Infof("No response for %s: %v", req.URL, err)
		ctx.UserData = cacheOffline
		return req, goproxy.NewResponse(req, goproxy.ContentTypeText, http.StatusGatewayTimeout,
			"Offline and not cached: "+req.URL.Path+"\n")
	}

	ctx.UserData = cacheWorker
	logrus.Debugf("Worker answered %s %s -> %d", req.Method, req.URL, resp.StatusCode)
	return req, resp
}

func (s *Server) handleResponse(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	if resp == nil {
		return nil
	}
	if source, ok := ctx.UserData.(string); ok {
		resp.Header.Set("X-Cache", source)
	}
	return resp
}
