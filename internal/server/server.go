// ABOUTME: Server wires config, store, auth, sessions, events, and HTTP together
// ABOUTME: Owns startup ordering, background loops, and graceful shutdown

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"log/slog"

	"github.com/gorilla/mux"

	"github.com/2389/console-gateway/internal/api"
	"github.com/2389/console-gateway/internal/auth"
	"github.com/2389/console-gateway/internal/config"
	"github.com/2389/console-gateway/internal/events"
	"github.com/2389/console-gateway/internal/gate"
	"github.com/2389/console-gateway/internal/license"
	"github.com/2389/console-gateway/internal/metrics"
	"github.com/2389/console-gateway/internal/session"
	"github.com/2389/console-gateway/internal/store"
	"github.com/2389/console-gateway/internal/task"
)

// Options are the pluggable collaborators that cannot come from the config
// file: directory bindings for ldap providers, identity brokers for sso
// providers, the task runner, and an optional license checker.
type Options struct {
	Directories map[string]auth.Directory      // provider id -> directory
	Brokers     map[string]auth.IdentityBroker // provider id -> broker
	Runner      task.Runner
	License     license.Checker
	Store       store.Store // overrides the sqlite store when set (tests)
}

// Server is the assembled console gateway.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    store.Store
	sessions *session.Registry
	coord    *auth.Coordinator
	bcast    *events.Broadcaster
	prober   *events.Prober
	gate     *gate.Gate
	metrics  *metrics.Metrics
	http     *http.Server

	cancel context.CancelFunc
}

// publisherProxy defers the broadcaster binding so the session registry and
// the broadcaster can reference each other without a constructor cycle.
type publisherProxy struct {
	b *events.Broadcaster
}

func (p *publisherProxy) Publish(ev *events.Event) {
	if p.b != nil {
		p.b.Publish(ev)
	}
}

// New builds a server from configuration. Nothing is listening yet; call
// Start.
func New(cfg *config.Config, opts Options, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "server")

	st := opts.Store
	if st == nil {
		var err error
		st, err = store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
	}

	providers, proxyProvider, err := buildProviders(cfg, st, opts)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))

	proxy := &publisherProxy{}
	sessions := session.NewRegistry(cfg.Sessions.IdleTimeout, verifier, proxy, m, logger)
	bcast := events.NewBroadcaster(sessions, m, logger)
	proxy.b = bcast

	coord := auth.NewCoordinator(providers, st, sessions, bcast,
		cfg.Auth.AttemptTTL, cfg.Auth.MaxSessionsPerUser, logger)

	checker := opts.License
	if checker == nil {
		checker = license.NewStatic(!cfg.License.Required)
	}
	g := gate.New(checker, cfg.License.Required, cfg.Setup.Complete, logger)

	runner := opts.Runner
	if runner == nil {
		runner = task.NewMuxRunner()
	}

	a := api.New(api.Options{
		Sessions:    sessions,
		Coordinator: coord,
		Gate:        g,
		Broadcaster: bcast,
		Verifier:    verifier,
		Runner:      runner,
		Metrics:     m,
		Proxy:       proxyProvider,
		EventBuffer: cfg.Events.Buffer,
		Logger:      logger,
	})

	router := a.Router()
	if cfg.Metrics.Enabled {
		router.Handle(cfg.Metrics.Path, m.Handler()).Methods(http.MethodGet)
	}

	return &Server{
		cfg:      cfg,
		logger:   log,
		store:    st,
		sessions: sessions,
		coord:    coord,
		bcast:    bcast,
		prober:   events.NewProber(sessions, cfg.Events.PingInterval, logger),
		gate:     g,
		metrics:  m,
		http: &http.Server{
			Addr:              cfg.Server.HTTPAddr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// buildProviders instantiates the configured auth providers. Providers that
// need out-of-config collaborators (ldap directories, sso brokers) fail fast
// when the binding is missing.
func buildProviders(cfg *config.Config, st store.Store, opts Options) (*auth.Registry, *auth.ProxyProvider, error) {
	var list []auth.Provider
	var proxyProvider *auth.ProxyProvider

	for _, pc := range cfg.Auth.Providers {
		switch pc.Type {
		case "local":
			list = append(list, auth.NewLocalProvider(pc.ID, st))
		case "ldap":
			dir, ok := opts.Directories[pc.ID]
			if !ok {
				return nil, nil, fmt.Errorf("ldap provider %q has no directory binding", pc.ID)
			}
			list = append(list, auth.NewLDAPProvider(pc.ID, dir))
		case "proxy":
			header := pc.Header
			if header == "" {
				header = auth.DefaultProxyUserHeader
			}
			p := auth.NewProxyProvider(pc.ID, header)
			if proxyProvider != nil {
				return nil, nil, fmt.Errorf("multiple proxy providers configured")
			}
			proxyProvider = p
			list = append(list, p)
		case "sso":
			broker, ok := opts.Brokers[pc.ID]
			if !ok {
				return nil, nil, fmt.Errorf("sso provider %q has no broker binding", pc.ID)
			}
			list = append(list, auth.NewSSOProvider(pc.ID, broker))
		default:
			return nil, nil, fmt.Errorf("unknown provider type %q", pc.Type)
		}
	}

	return auth.NewRegistry(list...), proxyProvider, nil
}

// Gate exposes the permission gate, mainly so init tooling can flip setup
// state.
func (s *Server) Gate() *gate.Gate { return s.gate }

// Sessions exposes the session registry for tests and tooling.
func (s *Server) Sessions() *session.Registry { return s.sessions }

// Start launches the background loops and the HTTP listener. It blocks until
// the listener stops.
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go s.sessions.RunReaper(ctx, s.cfg.Sessions.ReapInterval)
	go s.prober.Run(ctx)
	go s.coord.RunAttemptSweeper(ctx, s.cfg.Auth.SweepInterval)

	s.logger.Info("console gateway listening",
		"addr", s.cfg.Server.HTTPAddr,
		"setup_complete", s.gate.SetupComplete())

	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the listener, closes every session, and releases the store.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	var firstErr error
	if err := s.http.Shutdown(ctx); err != nil {
		firstErr = err
	}

	s.sessions.CloseAll()

	if err := s.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	s.logger.Info("console gateway stopped")
	return firstErr
}

// Router exposes the HTTP handler for tests.
func (s *Server) Router() *mux.Router {
	return s.http.Handler.(*mux.Router)
}
