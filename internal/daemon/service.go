// Package daemon runs a long-lived OCapN peer: one captp.Client listening
// on the configured netlayer, the configured sturdy refs and the admin
// HTTP surface.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/danmuck/ocapn/internal/admin"
	"github.com/danmuck/ocapn/internal/captp"
	"github.com/danmuck/ocapn/internal/config"
	"github.com/danmuck/ocapn/internal/netlayer"
	"github.com/danmuck/ocapn/internal/objects"
	"github.com/danmuck/ocapn/internal/observability"
	"github.com/danmuck/ocapn/internal/protocol/ops"
)

const shutdownTimeout = 5 * time.Second

type Service struct {
	cfg       config.Config
	catalogue *objects.Catalogue

	mu       sync.Mutex
	client   *captp.Client
	admin    *admin.Server
	refs     []ops.SturdyRef
	ready    chan struct{}
	listener captp.Listener
	stop     func()
	logger   zerolog.Logger
}

func NewService(cfg config.Config, catalogue *objects.Catalogue) *Service {
	if catalogue == nil {
		catalogue = objects.Builtin()
	}
	return &Service{
		cfg:       cfg,
		catalogue: catalogue,
		ready:     make(chan struct{}),
		logger:    observability.ComponentLogger("daemon", cfg.Designator),
	}
}

// Run serves until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.RunContext(ctx)
}

// RunContext serves until ctx is done.
func (s *Service) RunContext(ctx context.Context) error {
	if err := s.bootstrap(); err != nil {
		return err
	}
	return s.serve(ctx)
}

// Ready is closed once the listener accepts sessions.
func (s *Service) Ready() <-chan struct{} { return s.ready }

func (s *Service) Client() *captp.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// SturdyRefs lists the refs registered from config.
func (s *Service) SturdyRefs() []ops.SturdyRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ops.SturdyRef(nil), s.refs...)
}

func (s *Service) bootstrap() error {
	observability.RegisterMetrics()
	listener, loc, stop, err := s.listen()
	if err != nil {
		return err
	}
	client, err := captp.NewClient(loc, s.cfg.Session)
	if err != nil {
		stop()
		return err
	}
	client.AddNetlayer(netlayer.NewTCP(s.cfg.Frame))
	client.AddNetlayer(netlayer.NewGRPC())

	refs := make([]ops.SturdyRef, 0, len(s.cfg.SturdyRefs))
	for _, entry := range s.cfg.SturdyRefs {
		obj, err := s.catalogue.New(entry.Object)
		if err != nil {
			client.Close()
			stop()
			return fmt.Errorf("daemon: sturdyref %q: %w", entry.SwissNum, err)
		}
		ref := client.Register([]byte(entry.SwissNum), obj)
		refs = append(refs, ref)
		s.logger.Info().Str("object", entry.Object).Str("sturdyref", ref.String()).Msg("sturdy ref registered")
	}

	s.mu.Lock()
	s.client = client
	s.refs = refs
	s.listener = listener
	s.stop = stop
	if s.cfg.AdminAddr != "" {
		s.admin = admin.New(client, admin.Options{CorsOrigins: s.cfg.CorsOrigins, Token: s.cfg.AdminToken})
	}
	s.mu.Unlock()

	s.logger.Info().
		Str("location", loc.String()).
		Int("sturdyrefs", len(refs)).
		Msg("daemon bootstrap ready")
	return nil
}

// listen binds the configured transport and returns the listener, the
// advertised location and a stop func for transport resources.
func (s *Service) listen() (captp.Listener, ops.Location, func(), error) {
	switch s.cfg.Transport {
	case netlayer.TransportTCP:
		l, err := netlayer.ListenTCP(s.cfg.ListenAddr, s.cfg.Frame)
		if err != nil {
			return nil, ops.Location{}, nil, err
		}
		loc, err := l.Location(s.cfg.Designator, s.cfg.AdvertiseHost)
		if err != nil {
			_ = l.Close()
			return nil, ops.Location{}, nil, err
		}
		return l, loc, func() { _ = l.Close() }, nil
	case netlayer.TransportGRPC:
		lis, err := net.Listen("tcp", s.cfg.ListenAddr)
		if err != nil {
			return nil, ops.Location{}, nil, fmt.Errorf("daemon: listen %s: %w", s.cfg.ListenAddr, err)
		}
		loc, err := netlayer.AddrLocation(s.cfg.Designator, netlayer.TransportGRPC, lis.Addr(), s.cfg.AdvertiseHost)
		if err != nil {
			_ = lis.Close()
			return nil, ops.Location{}, nil, err
		}
		srv := grpc.NewServer()
		gl := netlayer.NewGRPCListener()
		gl.Register(srv)
		go func() {
			if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				s.logger.Warn().Err(err).Msg("grpc server stopped")
			}
		}()
		return gl, loc, srv.Stop, nil
	default:
		return nil, ops.Location{}, nil, fmt.Errorf("daemon: unsupported transport %q", s.cfg.Transport)
	}
}

func (s *Service) serve(ctx context.Context) error {
	s.mu.Lock()
	client, listener, adminSrv, stop := s.client, s.listener, s.admin, s.stop
	s.mu.Unlock()
	defer stop()
	defer client.Close()

	var httpSrv *http.Server
	if adminSrv != nil {
		httpSrv = &http.Server{Addr: s.cfg.AdminAddr, Handler: adminSrv.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error().Err(err).Str("addr", s.cfg.AdminAddr).Msg("admin server failed")
			}
		}()
	}

	served := make(chan error, 1)
	go func() { served <- client.Serve(ctx, listener) }()
	if adminSrv != nil {
		adminSrv.MarkReady(true)
	}
	close(s.ready)

	var err error
	select {
	case <-ctx.Done():
		err = <-served
	case err = <-served:
	}
	if adminSrv != nil {
		adminSrv.MarkReady(false)
	}
	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}
	s.logger.Info().Msg("daemon stopped")
	if ctx.Err() != nil {
		return nil
	}
	return err
}
