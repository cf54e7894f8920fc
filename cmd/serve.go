package main

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"market-analysis-bot/internal/analysis"
	"market-analysis-bot/internal/bot"
	"market-analysis-bot/internal/handler"
	"market-analysis-bot/internal/util"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, bot webhook and expiry sweeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions) error {
	cfg, log := opts.cfg, opts.log
	if err := cfg.RequireSecrets(); err != nil {
		return err
	}

	a, err := openApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	a.engine.Store.OnChange(a.sheets.Hook)

	analyzer := analysis.New(cfg.Analysis, log)
	h := handler.New(handler.Options{
		DB:         a.db,
		Engine:     a.engine,
		Audit:      a.audit,
		Sheets:     a.sheets,
		Tokens:     util.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL),
		Dispatcher: bot.NewDispatcher(a.engine, analyzer, cfg.Bot.AdminIDs, log),
		Analyzer:   analyzer,
		Logger:     log,

		WebhookSecret: cfg.Bot.WebhookSecret,
	})

	server := fiber.New(fiber.Config{
		AppName:               "market-analysis-bot",
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error": err.Error(),
			})
		},
	})

	// 中间件
	server.Use(recover.New())
	server.Use(logger.New())
	server.Use(cors.New())

	server.Get("/healthz", func(c *fiber.Ctx) error {
		sqlDB, err := a.db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.UserContext())
		}
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable"})
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})
	server.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))
	h.Register(server)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.Addr).Msg("http server listening")
		return server.Listen(cfg.Server.Addr)
	})
	g.Go(func() error {
		return a.engine.Sweeper.Run(gctx)
	})
	g.Go(func() error {
		return a.sheets.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		return server.ShutdownWithTimeout(shutdownTimeout(cfg.Server.ShutdownTimeout))
	})

	// 收到退出信号后关闭过程中的错误不再上报
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func shutdownTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}
