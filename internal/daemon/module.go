package daemon

import (
	"context"
	"time"

	"github.com/matheus3301/lcsync/internal/api"
	"github.com/matheus3301/lcsync/internal/auth"
	"github.com/matheus3301/lcsync/internal/bus"
	"github.com/matheus3301/lcsync/internal/cache"
	"github.com/matheus3301/lcsync/internal/config"
	"github.com/matheus3301/lcsync/internal/device"
	"github.com/matheus3301/lcsync/internal/lock"
	"github.com/matheus3301/lcsync/internal/logging"
	"github.com/matheus3301/lcsync/internal/outbox"
	"github.com/matheus3301/lcsync/internal/remote"
	"github.com/matheus3301/lcsync/internal/status"
	"github.com/matheus3301/lcsync/internal/store"
	syncer "github.com/matheus3301/lcsync/internal/sync"
	"github.com/matheus3301/lcsync/internal/transport"
	"github.com/matheus3301/lcsync/internal/workspace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved account configuration passed to the fx module.
type Params struct {
	Account    string
	SocketPath string         // optional override for testing; empty = use default
	Config     *config.Config // optional; nil = load config.toml
	Logger     *zap.Logger    // optional; nil = rotating file logger
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
			provideDevice,
			provideTransport,
			provideCoordinator,
			provideRemote,
			provideProfileCache,
			provideFriendCache,
			provideBlacklistCache,
			provideApplyCache,
			provideChatCache,
			providePresenceCache,
			provideSyncEngine,
			provideSender,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, nil
	}
	return config.LoadOrDefault(workspace.ConfigPath())
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	if p.Logger != nil {
		return p.Logger.With(zap.String("account", p.Account)), nil
	}
	return logging.New(logging.Options{
		Path:    workspace.LogPath(p.Account),
		Account: p.Account,
		Level:   cfg.LogLevel,
		Console: true,
	})
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := workspace.EnsureDir(p.Account); err != nil {
		return nil, err
	}
	logger.Info("acquiring account lock", zap.String("account", p.Account))
	l, err := lock.Acquire(workspace.AccountDir(p.Account), p.Account)
	if err != nil {
		return nil, err
	}
	logger.Info("account lock acquired")
	return l, nil
}

// provideStore takes the lock as a dependency so the store file is only
// opened by the lock holder.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := workspace.DBPath(p.Account)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("store initialized",
		zap.String("path", dbPath),
		zap.Uint("schema_from", result.From),
		zap.Uint("schema", result.Version),
		zap.Bool("migrated", result.Changed))
	return db, nil
}

func provideDevice(db *store.DB, logger *zap.Logger) *device.Provider {
	return device.NewProvider(db, logger)
}

func provideTransport(cfg *config.Config, dev *device.Provider, logger *zap.Logger) *transport.HTTP {
	return transport.NewHTTP(cfg.APIBaseURL,
		transport.WithTimeout(cfg.RequestTimeout.Duration),
		transport.WithDeviceID(dev.ID),
		transport.WithLogger(logger),
	)
}

func provideCoordinator(p Params, h *transport.HTTP, m *status.Machine, b *bus.Bus, dev *device.Provider, logger *zap.Logger) *auth.Coordinator {
	sessions := auth.NewSessionStore(workspace.SessionPath(p.Account))
	return auth.NewCoordinator(h, sessions, m, b, dev.ID, logger)
}

func provideRemote(c *auth.Coordinator) *remote.Client {
	return remote.New(c)
}

func provideProfileCache(db *store.DB, rc *remote.Client, b *bus.Bus, logger *zap.Logger) *cache.ProfileCache {
	return cache.NewProfileCache(db, rc, b, logger)
}

func provideFriendCache(db *store.DB, rc *remote.Client, b *bus.Bus, logger *zap.Logger, cfg *config.Config) *cache.FriendCache {
	return cache.NewFriendCache(db, rc, b, logger, cfg.Limits())
}

func provideBlacklistCache(db *store.DB, rc *remote.Client, friends *cache.FriendCache, b *bus.Bus, logger *zap.Logger, cfg *config.Config) *cache.BlacklistCache {
	return cache.NewBlacklistCache(db, rc, friends, b, logger, cfg.Limits())
}

func provideApplyCache(db *store.DB, rc *remote.Client, friends *cache.FriendCache, b *bus.Bus, logger *zap.Logger, cfg *config.Config) *cache.ApplyCache {
	return cache.NewApplyCache(db, rc, friends, b, logger, cfg.Limits())
}

func provideChatCache(db *store.DB, b *bus.Bus, logger *zap.Logger) *cache.ChatCache {
	return cache.NewChatCache(db, b, logger)
}

func providePresenceCache(rc *remote.Client, b *bus.Bus, logger *zap.Logger, cfg *config.Config) *cache.PresenceCache {
	return cache.NewPresenceCache(rc, b, logger, cache.PresenceOptions{
		ChunkSize: cfg.Presence.ChunkSize,
		PerSecond: cfg.Presence.RequestsPerSecond,
	})
}

type engineParams struct {
	fx.In

	Bus       *bus.Bus
	Logger    *zap.Logger
	Profile   *cache.ProfileCache
	Friends   *cache.FriendCache
	Blacklist *cache.BlacklistCache
	Applies   *cache.ApplyCache
	Chat      *cache.ChatCache
	Presence  *cache.PresenceCache
}

func provideSyncEngine(ep engineParams) *syncer.Engine {
	collections := []syncer.Collection{ep.Profile, ep.Friends, ep.Blacklist, ep.Applies}
	resetters := []syncer.Resetter{ep.Profile, ep.Friends, ep.Blacklist, ep.Applies, ep.Chat, ep.Presence}
	return syncer.NewEngine(ep.Bus, ep.Logger, collections, resetters)
}

func provideSender(db *store.DB, rc *remote.Client, chat *cache.ChatCache, coord *auth.Coordinator, b *bus.Bus, logger *zap.Logger, cfg *config.Config) *outbox.Sender {
	return outbox.NewSender(db, rc, chat, coord.Owner, b, logger, outbox.Options{
		PollInterval: cfg.Outbox.PollInterval.Duration,
	})
}

type serviceParams struct {
	fx.In

	Params    Params
	Auth      *auth.Coordinator
	DB        *store.DB
	Engine    *syncer.Engine
	Profile   *cache.ProfileCache
	Friends   *cache.FriendCache
	Blacklist *cache.BlacklistCache
	Applies   *cache.ApplyCache
	Chat      *cache.ChatCache
	Presence  *cache.PresenceCache
	Bus       *bus.Bus
	Logger    *zap.Logger
}

func provideService(sp serviceParams) *api.Service {
	return api.NewService(api.Deps{
		Account:   sp.Params.Account,
		Auth:      sp.Auth,
		DB:        sp.DB,
		Engine:    sp.Engine,
		Profile:   sp.Profile,
		Friends:   sp.Friends,
		Blacklist: sp.Blacklist,
		Applies:   sp.Applies,
		Chat:      sp.Chat,
		Presence:  sp.Presence,
		Bus:       sp.Bus,
		Logger:    sp.Logger,
	})
}

// initialSyncTimeout bounds the reconciliation run for a restored session.
const initialSyncTimeout = 2 * time.Minute

type lifecycleParams struct {
	fx.In

	LC     fx.Lifecycle
	Server *Server
	Lock   *lock.Lock
	DB     *store.DB
	Auth   *auth.Coordinator
	Chat   *cache.ChatCache
	Engine *syncer.Engine
	Sender *outbox.Sender
	Logger *zap.Logger
}

func registerLifecycle(lp lifecycleParams) {
	logger := lp.Logger
	runCtx, cancel := context.WithCancel(context.Background())

	lp.LC.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Start sync engine (subscribes to session.* bus events).
			lp.Engine.Start(runCtx)

			go func() {
				if err := lp.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			lp.Sender.Start(runCtx)

			sess := lp.Auth.Hydrate()
			if sess == nil {
				logger.Info("no stored session, sign-in required")
				return nil
			}
			logger.Info("session restored", zap.String("owner", sess.UserUUID))
			if err := lp.Chat.Bootstrap(runCtx, sess.UserUUID); err != nil {
				logger.Warn("bootstrap chat failed", zap.Error(err))
			}
			// Engine.Stop waits for this run before the store is closed.
			lp.Engine.Trigger(sess.UserUUID, initialSyncTimeout)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			lp.Sender.Stop()
			lp.Engine.Stop()
			lp.Server.Stop(ctx)
			if err := lp.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lp.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
