package routes

import (
	"context"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/offgate/offgate/internal/metrics"
	"github.com/offgate/offgate/internal/router"
	"github.com/offgate/offgate/internal/store"
	"github.com/offgate/offgate/internal/version"
)

// LifecycleReporter 暴露路由层的生命周期状态，供诊断接口查询。
type LifecycleReporter interface {
	State() router.State
	Version() string
}

// Options 汇总诊断接口的依赖。
type Options struct {
	AppName  string
	Router   LifecycleReporter
	Store    store.Store
	Recorder *metrics.Recorder
}

// RegisterDiagnosticsRoutes 暴露 /-/healthz、/-/generations 诊断接口
// 与 /metrics 采集端点，供 SRE 查询网关状态。
func RegisterDiagnosticsRoutes(app *fiber.App, opts Options) {
	if app == nil || opts.Router == nil {
		return
	}

	app.Get("/-/healthz", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"app":     opts.AppName,
			"state":   opts.Router.State().String(),
			"version": opts.Router.Version(),
			"build":   version.Full(),
		})
	})

	app.Get("/-/generations", func(c fiber.Ctx) error {
		if opts.Store == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "store_unavailable"})
		}
		ctx := c.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		namespaces, err := opts.Store.Namespaces(ctx)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "namespaces_failed"})
		}
		if namespaces == nil {
			namespaces = []string{}
		}
		return c.JSON(fiber.Map{
			"current":    opts.Router.Version(),
			"namespaces": namespaces,
		})
	})

	app.Get("/metrics", adaptor.HTTPHandler(opts.Recorder.Handler()))
}
