package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/offgate/offgate/internal/config"
	"github.com/offgate/offgate/internal/fetcher"
	"github.com/offgate/offgate/internal/logging"
	"github.com/offgate/offgate/internal/metrics"
	"github.com/offgate/offgate/internal/router"
	"github.com/offgate/offgate/internal/server"
	"github.com/offgate/offgate/internal/server/routes"
	"github.com/offgate/offgate/internal/store"
	"github.com/offgate/offgate/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["app"] = cfg.App.Name
		fields["assets"] = len(cfg.App.Assets)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	route, err := server.NewOriginRoute(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "构建应用路由失败: %v\n", err)
		return 1
	}

	// 启动遵循「配置 → 存储 → Fetcher → Router 生命周期 → Fiber server」
	// 顺序：install/activate 全部结束后才开始对外服务，
	// 保证新代次接管流量时旧代次已经清空。
	cacheStore, err := store.New(cfg.Global.StoreDriver, cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}
	defer cacheStore.Close()

	originURL, err := url.Parse(cfg.App.Origin)
	if err != nil {
		fmt.Fprintf(stdErr, "解析源站地址失败: %v\n", err)
		return 1
	}

	timeout := cfg.Global.UpstreamTimeout.DurationValue()
	cleanFetcher := fetcher.New(fetcher.NewUpstreamClient(timeout), originURL, logger)
	recorder := metrics.NewRecorder(nil)

	rt, err := router.New(context.Background(), router.Options{
		Store:        cacheStore,
		Fetcher:      cleanFetcher,
		Logger:       logger,
		Metrics:      recorder,
		Runtime:      server.NewLifecycleSignals(logger, cfg.App.Name),
		AppName:      cfg.App.Name,
		Version:      cfg.App.CacheVersion,
		Origin:       originURL,
		RootDocument: cfg.App.RootDocument,
		Assets:       cfg.App.Assets,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "构建路由器失败: %v\n", err)
		return 1
	}

	if err := rt.Install(context.Background()); err != nil {
		fmt.Fprintf(stdErr, "安装阶段失败: %v\n", err)
		return 1
	}
	if err := rt.Activate(context.Background()); err != nil {
		fmt.Fprintf(stdErr, "激活阶段失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["app"] = cfg.App.Name
	fields["cache_version"] = cfg.App.CacheVersion
	fields["listen_port"] = cfg.Global.ListenPort
	fields["store_driver"] = cfg.Global.StoreDriver
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(cfg, route, rt, cacheStore, recorder, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("offgate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 OFFGATE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("OFFGATE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func startHTTPServer(
	cfg *config.Config,
	route *server.OriginRoute,
	rt *router.Router,
	cacheStore store.Store,
	recorder *metrics.Recorder,
	logger *logrus.Logger,
) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:      logger,
		Route:       route,
		Handler:     rt,
		Passthrough: fetcher.NewPassthroughClient(cfg.Global.UpstreamTimeout.DurationValue()),
		ListenPort:  port,
	})
	if err != nil {
		return err
	}
	routes.RegisterDiagnosticsRoutes(app, routes.Options{
		AppName:  cfg.App.Name,
		Router:   rt,
		Store:    cacheStore,
		Recorder: recorder,
	})

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
