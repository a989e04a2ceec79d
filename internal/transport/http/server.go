// Package httptransport runs the local HTTP listeners of fitsync: the metrics
// endpoint and the OAuth callback receiver.
package httptransport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServerConfig contains tunables for the HTTP server.
type ServerConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultServerConfig returns timeouts suitable for loopback listeners.
func DefaultServerConfig(address string) ServerConfig {
	return ServerConfig{
		Address:      address,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
}

// NewServer creates *http.Server with provided handler.
func NewServer(cfg ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.Address,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

// MetricsHandler serves the default Prometheus registry on /metrics.
func MetricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Listener is a started server. Close shuts it down.
type Listener struct {
	server *http.Server
	addr   net.Addr
	done   chan struct{}
}

// Start binds cfg.Address and serves handler in the background.
func Start(cfg ServerConfig, handler http.Handler, logger *slog.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, err
	}

	l := &Listener{
		server: NewServer(cfg, handler),
		addr:   ln.Addr(),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(l.done)
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http listener stopped", "address", l.addr.String(), "error", err)
		}
	}()
	return l, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() string {
	return l.addr.String()
}

// Close gracefully shuts the server down.
func (l *Listener) Close(ctx context.Context) error {
	err := l.server.Shutdown(ctx)
	<-l.done
	return err
}
