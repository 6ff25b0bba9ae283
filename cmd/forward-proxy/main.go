package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"go.uber.org/multierr"

	"forward-proxy-go/internal/cache"
	"forward-proxy-go/internal/client"
	"forward-proxy-go/internal/config"
	"forward-proxy-go/internal/events"
	"forward-proxy-go/internal/handler"
	"forward-proxy-go/internal/metrics"
	"forward-proxy-go/internal/middleware"
	"forward-proxy-go/internal/proxy"
	"forward-proxy-go/internal/service"
	"forward-proxy-go/internal/settings"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("forward-proxy"),
		kong.Description("Forwarding HTTP proxy with access lists, response caching and an admin API."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newEventSink,
			settings.FromConfig,
			cache.New,
			client.NewOriginClient,
			service.NewForwardingEngine,
			handler.NewProxyHandler,
			newEchoes,
			newProxyServer,
			func(s *proxy.Server) handler.ProxyController { return s },
			handler.NewAdminHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(
			registerRoutes,
			warnConfigPermissions,
			startProxy,
			startAdmin,
		),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newEventSink(cfg *config.Config, m *metrics.Metrics) *events.Sink {
	sink := events.NewSink(cfg.Events.Capacity)
	m.RegisterEventSink(sink)
	return sink
}

// echoes holds the two Echo instances: the forwarding listener and the admin API.
type echoes struct {
	fx.Out

	Proxy *echo.Echo `name:"proxy"`
	Admin *echo.Echo `name:"admin"`
}

func newEchoes(cfg *config.Config, logger *slog.Logger, sink *events.Sink, m *metrics.Metrics) echoes {
	return echoes{
		Proxy: newProxyEcho(cfg, logger, sink, m),
		Admin: newAdminEcho(cfg, logger, m),
	}
}

func newProxyEcho(cfg *config.Config, logger *slog.Logger, sink *events.Sink, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Pre(middleware.RouteAnyTarget())
	e.Use(middleware.AccessLog(logger.With("component", "access"), sink))
	e.Use(echomw.Recover())
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m, metrics.ServerProxy))
	}
	e.Use(middleware.StripHopByHop())
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Proxy.BodyMaxBytes)))

	if cfg.Proxy.RateLimit.Enabled {
		e.Use(middleware.ClientRateLimiter(cfg.Proxy.RateLimit.RequestsPerSecond))
		logger.Info("rate limiter enabled", "rps", cfg.Proxy.RateLimit.RequestsPerSecond)
	}

	return e
}

func newAdminEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks. WriteTimeout stays 0
	// so the log stream is not cut off.
	e.Server.ReadTimeout = 30 * time.Second
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger.With("component", "admin")))
	e.Use(middleware.SecurityHeaders())
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m, metrics.ServerAdmin))
	}

	return e
}

type proxyServerParams struct {
	fx.In

	Config *config.Config
	Echo   *echo.Echo `name:"proxy"`
	Events *events.Sink
	Logger *slog.Logger
}

func newProxyServer(p proxyServerParams) *proxy.Server {
	return proxy.NewServer(p.Config, p.Echo, p.Events, p.Logger)
}

type routeParams struct {
	fx.In

	Config  *config.Config
	Metrics *metrics.Metrics
	Proxy   *echo.Echo `name:"proxy"`
	Admin   *echo.Echo `name:"admin"`

	ProxyHandler  *handler.ProxyHandler
	AdminHandler  *handler.AdminHandler
	HealthHandler *handler.HealthHandler
}

func registerRoutes(p routeParams) {
	handler.RegisterProxyRoutes(p.Proxy, p.ProxyHandler)
	handler.RegisterAdminRoutes(p.Admin, p.AdminHandler, p.HealthHandler, p.Config, p.Metrics)
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startProxy(lc fx.Lifecycle, s *proxy.Server, c cache.Cache, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if p, ok := c.(interface{ Ping(context.Context) error }); ok {
				if err := p.Ping(ctx); err != nil {
					logger.Warn("cache backend unreachable; requests will be forwarded uncached until it recovers",
						"backend", cfg.Cache.Backend, "err", err)
				}
			}
			if cfg.Proxy.StartPaused {
				logger.Info("proxy start paused; use POST /api/proxy/start", "addr", cfg.Proxy.Addr())
				return nil
			}
			return s.Start()
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down proxy")
			err := s.Stop(ctx)
			if closer, ok := c.(io.Closer); ok {
				err = multierr.Append(err, closer.Close())
			}
			return err
		},
	})
}

type adminServerParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Echo      *echo.Echo `name:"admin"`
	Config    *config.Config
	Logger    *slog.Logger
}

func startAdmin(p adminServerParams) {
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := p.Config.Admin.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			p.Logger.Info("starting admin server", "addr", addr)
			go func() {
				if err := p.Echo.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					p.Logger.Error("admin server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			p.Logger.Info("shutting down admin server")
			return p.Echo.Shutdown(ctx)
		},
	})
}
