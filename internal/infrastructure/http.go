package infrastructure

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const (
	defaultHTTPAddr          = ":8080"
	defaultReadTimeout       = 5 * time.Second
	defaultReadHeaderTimeout = 2 * time.Second
	defaultWriteTimeout      = 15 * time.Second
	defaultIdleTimeout       = 60 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultMaxHeaderBytes    = 1 << 20
)

// StatsFunc supplies the /statsz payload.
type StatsFunc func() map[string]any

// HTTPServer is the operational sidecar of the bridge: health probes, JSON
// stats, prometheus metrics, and the static UI. The WebSocket protocol runs
// on its own listener; nothing latency-sensitive passes through here.
type HTTPServer struct {
	server          *http.Server
	shutdownTimeout time.Duration
}

type HTTPServerConfig struct {
	Addr              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	MaxHeaderBytes    int
}

func NewHTTPServer(cfg HTTPServerConfig, handler http.Handler) *HTTPServer {
	if cfg.Addr == "" {
		cfg.Addr = defaultHTTPAddr
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.MaxHeaderBytes <= 0 {
		cfg.MaxHeaderBytes = defaultMaxHeaderBytes
	}

	return &HTTPServer{
		server: &http.Server{
			Addr:              cfg.Addr,
			Handler:           opsHandler(handler),
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       cfg.IdleTimeout,
			MaxHeaderBytes:    cfg.MaxHeaderBytes,
		},
		shutdownTimeout: cfg.ShutdownTimeout,
	}
}

func (h *HTTPServer) Start() error {
	logrus.WithField("addr", h.server.Addr).Info("http server starting")
	err := h.server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func (h *HTTPServer) Shutdown(ctx context.Context) error {
	shutdownCtx := ctx
	if shutdownCtx == nil {
		innerCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		shutdownCtx = innerCtx
	}

	return h.server.Shutdown(shutdownCtx)
}

// NewBridgeMux builds the operational surface: health probes, JSON stats,
// prometheus metrics, and the static UI directory.
func NewBridgeMux(stats StatsFunc, metrics *Metrics, staticDir string) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	mux.HandleFunc("/statsz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		payload := map[string]any{}
		if stats != nil {
			payload = stats()
		}
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			logrus.Errorf("failed to encode stats: %v", err)
		}
	})

	if metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	}

	if staticDir != "" {
		if _, err := os.Stat(staticDir); err == nil {
			mux.Handle("/", http.FileServer(http.Dir(staticDir)))
		} else {
			logrus.Warnf("static dir %s not found, ui disabled", staticDir)
		}
	}

	return mux
}

// opsHandler guards the single ops surface with panic recovery and debug
// access logging. One wrapper, not a middleware chain: the bridge's real
// request logging lives with the WebSocket hub, and this server only ever
// answers probes and dashboards.
func opsHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			if panicked := recover(); panicked != nil {
				logrus.WithFields(logrus.Fields{
					"method": r.Method,
					"path":   r.URL.Path,
					"panic":  panicked,
				}).Error("panic recovered in ops handler")

				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte("internal server error"))
				return
			}

			logrus.WithFields(logrus.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"remote_addr": r.RemoteAddr,
				"status":      rec.status,
				"duration_ms": time.Since(started).Milliseconds(),
			}).Debug("ops request handled")
		}()

		next.ServeHTTP(rec, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
