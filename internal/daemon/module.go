package daemon

import (
	"context"
	"fmt"
	"net/url"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/roomsync/internal/api"
	"github.com/matheus3301/roomsync/internal/backend"
	"github.com/matheus3301/roomsync/internal/bus"
	"github.com/matheus3301/roomsync/internal/cache"
	"github.com/matheus3301/roomsync/internal/config"
	"github.com/matheus3301/roomsync/internal/lifecycle"
	"github.com/matheus3301/roomsync/internal/lock"
	"github.com/matheus3301/roomsync/internal/logging"
	"github.com/matheus3301/roomsync/internal/search"
	"github.com/matheus3301/roomsync/internal/session"
	"github.com/matheus3301/roomsync/internal/status"
	"github.com/matheus3301/roomsync/internal/store"
	"github.com/matheus3301/roomsync/internal/subscription"
	intsync "github.com/matheus3301/roomsync/internal/sync"
	"github.com/matheus3301/roomsync/internal/transport"
)

// loopQueue bounds the frames and results waiting for the event loop.
const loopQueue = 1024

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	ConfigPath  string // empty = session.ConfigPath()
	// Credential logs in at startup when set.
	Credential string
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideTransport,
			provideRegistry,
			provideCache,
			provideLoop,
			provideSessionState,
			provideEngine,
			provideBackend,
			provideRefetcher,
			provideReconciler,
			provideSearch,
			provideController,
			provideRoomService,
			provideHealth,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, cfg.Log.Level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", db.Path()))
	return db, nil
}

// provideTransport picks the dialer from the broker URL scheme.
func provideTransport(cfg *config.Config, logger *zap.Logger) (*transport.Manager, error) {
	u, err := url.Parse(cfg.Server.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("broker url: %w", err)
	}
	var d transport.Dialer
	switch u.Scheme {
	case "ws", "wss":
		d = transport.WebSocketDialer{URL: cfg.Server.BrokerURL}
	case "tcp":
		d = transport.TCPDialer{Addr: u.Host, Timeout: cfg.Server.RequestTimeout.Duration}
	default:
		return nil, fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
	opts := transport.Options{
		HeartBeat:      cfg.Server.Heartbeat.Duration,
		ReconnectDelay: cfg.Server.ReconnectDelay.Duration,
		Host:           u.Hostname(),
	}
	return transport.NewManager(d, opts, logger.Named("transport")), nil
}

func provideRegistry(cfg *config.Config, logger *zap.Logger) *subscription.Registry {
	return subscription.NewRegistry(subscription.Options{
		TopicPrefix: cfg.Server.TopicPrefix,
		UserPrefix:  cfg.Server.UserPrefix,
	}, logger.Named("subscription"))
}

func provideCache(b *bus.Bus) *cache.Store {
	return cache.New(b)
}

func provideLoop(logger *zap.Logger) *intsync.Loop {
	return intsync.NewLoop(loopQueue, logger.Named("loop"))
}

func provideSessionState() (*intsync.Generation, *intsync.Active, *intsync.Member) {
	return new(intsync.Generation), new(intsync.Active), new(intsync.Member)
}

func provideEngine(loop *intsync.Loop, c *cache.Store, gen *intsync.Generation, active *intsync.Active, member *intsync.Member, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(loop, c, gen, active, member, b, logger.Named("engine"))
}

func provideBackend(cfg *config.Config) *backend.Client {
	return backend.NewClient(cfg.Server.APIURL, backend.WithTimeout(cfg.Server.RequestTimeout.Duration))
}

func provideRefetcher(client *backend.Client, c *cache.Store, loop *intsync.Loop, gen *intsync.Generation, cfg *config.Config, logger *zap.Logger) *intsync.Refetcher {
	return intsync.NewRefetcher(client, c, loop, gen, cfg.Server.RequestTimeout.Duration, logger.Named("refetch"))
}

func provideReconciler(db *store.DB, b *bus.Bus, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(db, b, logger.Named("reconciler"))
}

func provideSearch(client *backend.Client, c *cache.Store, cfg *config.Config, b *bus.Bus, logger *zap.Logger) (*search.Engine, *search.Input) {
	e := search.NewEngine(client, c, search.Options{
		MinQueryLength: cfg.Search.MinQueryLength,
		Debounce:       cfg.Search.Debounce.Duration,
	}, logger.Named("search"))
	return e, search.NewInput(e, b)
}

type controllerIn struct {
	fx.In

	Config     *config.Config
	Transport  *transport.Manager
	Registry   *subscription.Registry
	Engine     *intsync.Engine
	Refetcher  *intsync.Refetcher
	Reconciler *intsync.Reconciler
	Cache      *cache.Store
	Loop       *intsync.Loop
	Gen        *intsync.Generation
	Active     *intsync.Active
	Member     *intsync.Member
	Machine    *status.Machine
	Search     *search.Input
	Backend    *backend.Client
	Bus        *bus.Bus
	Logger     *zap.Logger
}

func provideController(in controllerIn) *lifecycle.Controller {
	return lifecycle.New(lifecycle.Deps{
		Transport:      in.Transport,
		Registry:       in.Registry,
		Engine:         in.Engine,
		Refetcher:      in.Refetcher,
		Reconciler:     in.Reconciler,
		Cache:          in.Cache,
		Loop:           in.Loop,
		Gen:            in.Gen,
		Active:         in.Active,
		Member:         in.Member,
		Machine:        in.Machine,
		Search:         in.Search,
		Tokens:         in.Backend,
		Bus:            in.Bus,
		MemberOverride: in.Config.Identity.MemberID,
		SyncRetry:      in.Config.Server.ReconnectDelay.Duration,
	}, in.Logger.Named("lifecycle"))
}

func provideRoomService(p Params, ctrl *lifecycle.Controller, c *cache.Store, e *search.Engine, in *search.Input, b *bus.Bus) *api.RoomService {
	return api.NewRoomService(p.SessionName, ctrl, c, e, in, b)
}

func provideHealth(b *bus.Bus, m *status.Machine, logger *zap.Logger) *api.Health {
	return api.NewHealth(b, m, logger.Named("health"))
}

type lifecycleIn struct {
	fx.In

	Params     Params
	Server     *Server
	Lock       *lock.Lock
	DB         *store.DB
	Loop       *intsync.Loop
	Reconciler *intsync.Reconciler
	Health     *api.Health
	Controller *lifecycle.Controller
	Transport  *transport.Manager
	Search     *search.Input
	Logger     *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, in lifecycleIn) {
	logger := in.Logger
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			in.Loop.Start(ctx)
			in.Reconciler.Start(ctx)
			in.Health.Start(ctx)

			// Start gRPC server in background.
			go func() {
				if err := in.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if in.Params.Credential != "" {
				go func() {
					if _, err := in.Controller.Login(ctx, in.Params.Credential); err != nil {
						logger.Error("auto-login failed", zap.Error(err))
					}
				}()
			} else {
				logger.Info("no credential supplied, waiting for login")
			}
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			// The snapshot is kept for the next warm start, so this is not a logout.
			in.Transport.Disconnect()
			in.Search.Close()
			in.Server.Stop(stopCtx)
			in.Health.Stop()
			cancel()
			in.Reconciler.Stop()
			in.Loop.Stop()
			if err := in.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := in.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
