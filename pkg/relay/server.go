package relay

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Server drives the HTTP server and relay lifecycle.
type Server struct {
	httpSrv         *http.Server
	registry        *Registry
	shutdownTimeout time.Duration
	closers         []func() error
}

// NewServer wires httpSrv and reg. closers run after shutdown, in order.
func NewServer(httpSrv *http.Server, reg *Registry, shutdownTimeout time.Duration, closers ...func() error) (*Server, error) {
	if httpSrv == nil {
		return nil, errors.New("http server is nil")
	}
	if reg == nil {
		return nil, errors.New("relay registry is nil")
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	return &Server{httpSrv: httpSrv, registry: reg, shutdownTimeout: shutdownTimeout, closers: closers}, nil
}

func (s *Server) HTTPServer() *http.Server { return s.httpSrv }

// Run serves until ctx is done or the process receives SIGINT/SIGTERM, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	eg := errgroup.Group{}
	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()

	eg.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			log.Info().Msg("received interrupt signal, shutting down gracefully...")
		case <-srvCtx.Done():
		}
		srvCancel()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
		defer cancel()
		var shutdownErr error
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
			shutdownErr = err
		}
		// hijacked websocket connections are not tracked by http.Server
		s.registry.CloseAll()
		for _, c := range s.closers {
			if err := c(); err != nil {
				log.Error().Err(err).Msg("close error")
			}
		}
		log.Info().Msg("server shutdown complete")
		return shutdownErr
	})

	eg.Go(func() error {
		log.Info().Str("addr", s.httpSrv.Addr).Msg("starting chat relay server")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server listen error")
			srvCancel()
			return err
		}
		return nil
	})

	return eg.Wait()
}
