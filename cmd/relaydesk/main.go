package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/jackc/pgx/v5/pgxpool"

	relaydb "github.com/relaydesk/relaydesk/db"
	"github.com/relaydesk/relaydesk/internal/config"
	"github.com/relaydesk/relaydesk/internal/db"
	"github.com/relaydesk/relaydesk/internal/handlers"
	"github.com/relaydesk/relaydesk/internal/logger"
	"github.com/relaydesk/relaydesk/internal/mux"
	"github.com/relaydesk/relaydesk/internal/operators"
	"github.com/relaydesk/relaydesk/internal/rtm"
	"github.com/relaydesk/relaydesk/internal/server"
	"github.com/relaydesk/relaydesk/internal/session"
	"github.com/relaydesk/relaydesk/internal/shift"
	"github.com/relaydesk/relaydesk/internal/version"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:          "relaydesk",
		Short:        "Operator chat connection and shift admission server",
		Version:      version.GetInfo(),
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.toml (defaults to CONFIG_PATH env)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the relaydesk server",
		RunE: func(*cobra.Command, []string) error {
			runApp()
			return nil
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "migrate <up|down|version|force>",
		Short: "Apply or roll back database migrations",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runMigrate(args[0], args[1:])
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runApp() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBPool,

			session.NewService,
			operators.NewService,
			func(s *operators.Service) shift.GroupSource { return s },
			fx.Annotate(shift.NewPGStore, fx.As(new(shift.Store))),
			shift.NewService,

			provideRegistry,
			provideMultiplexer,

			provideServerHandler(handlers.NewPingHandler),
			provideServerHandler(provideAuthHandler),
			provideServerHandler(handlers.NewShiftHandler),
			provideServerHandler(handlers.NewLinkHandler),
			provideServerHandler(handlers.NewWatchHandler),

			provideServer,
		),
		fx.Invoke(
			bindDelivery,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func runMigrate(command string, args []string) error {
	cfg, err := provideConfig()
	if err != nil {
		return err
	}
	log := provideLogger(cfg)

	migrations, err := fs.Sub(relaydb.MigrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrations fs: %w", err)
	}
	return db.RunMigrate(log, cfg.Postgres, migrations, command, args)
}

func provideConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.Open(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})
	return pool, nil
}

func provideRegistry(lc fx.Lifecycle, log *slog.Logger, cfg config.Config, sessions *session.Service) *rtm.Registry {
	registry := rtm.NewRegistry(log,
		&rtm.WebsocketDialer{Endpoint: cfg.RTM.Endpoint},
		sessions,
		rtm.RegistryOptions{
			Link: rtm.Options{
				HandshakeTimeout:  config.Duration(cfg.RTM.HandshakeTimeout, 10*time.Second),
				KeepaliveInterval: config.Duration(cfg.RTM.KeepaliveInterval, 30*time.Second),
				WatchdogInterval:  config.Duration(cfg.RTM.WatchdogInterval, 20*time.Second),
				PongTimeout:       config.Duration(cfg.RTM.PongTimeout, 15*time.Second),
				RetryDelay:        config.Duration(cfg.RTM.RetryDelay, 5*time.Second),
			},
			IdleGrace:     config.Duration(cfg.RTM.IdleGrace, 30*time.Second),
			ReconnectRate: cfg.RTM.ReconnectRate,
		})
	lc.Append(fx.Hook{
		OnStop: registry.Close,
	})
	return registry
}

// registryLinks bridges *rtm.Registry to mux.LinkProvider.
type registryLinks struct {
	registry *rtm.Registry
}

func (r *registryLinks) Acquire(ctx context.Context, profile rtm.ProfileID) (mux.LinkHandle, error) {
	handle, err := r.registry.Acquire(ctx, profile)
	if err != nil {
		return nil, err
	}
	return handle, nil
}

func provideMultiplexer(lc fx.Lifecycle, log *slog.Logger, cfg config.Config, registry *rtm.Registry) *mux.Multiplexer {
	m := mux.New(log, &registryLinks{registry: registry}, mux.Options{
		QueueSize: cfg.RTM.ViewerQueueSize,
	})
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			m.Close()
			return nil
		},
	})
	return m
}

// bindDelivery points the registry's event stream at the multiplexer. The
// registry refuses link acquisition until this runs.
func bindDelivery(registry *rtm.Registry, m *mux.Multiplexer) {
	registry.Route(m.Deliver)
}

func provideAuthHandler(log *slog.Logger, operatorService *operators.Service, cfg config.Config) *handlers.AuthHandler {
	expiresIn := config.Duration(cfg.Auth.JWTExpiresIn, 24*time.Hour)
	return handlers.NewAuthHandler(log, operatorService, cfg.Auth.JWTSecret, expiresIn)
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

type serverParams struct {
	fx.In

	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.Config.Auth.JWTSecret, params.ServerHandlers...)
}

func startServer(
	lc fx.Lifecycle,
	log *slog.Logger,
	srv *server.Server,
	shutdowner fx.Shutdowner,
	cfg config.Config,
	operatorService *operators.Service,
) {
	fmt.Printf("Starting relaydesk %s\n", version.GetInfo())

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := operatorService.EnsureAdmin(ctx, cfg.Admin.Username, cfg.Admin.Password); err != nil {
				return err
			}

			go func() {
				if err := srv.Start(); err != nil { // block until server is stopped
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
