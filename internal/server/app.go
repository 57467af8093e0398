package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/offgate/offgate/internal/fetcher"
	"github.com/offgate/offgate/internal/logging"
	"github.com/offgate/offgate/internal/router"
)

// FetchHandler describes the component that decides how an intercepted
// request is answered. It allows injecting fake routers during tests.
type FetchHandler interface {
	HandleFetch(ctx context.Context, ev router.FetchEvent) router.FetchResult
}

// FetchHandlerFunc adapts a function to the FetchHandler interface.
type FetchHandlerFunc func(ctx context.Context, ev router.FetchEvent) router.FetchResult

// HandleFetch makes FetchHandlerFunc satisfy FetchHandler.
func (f FetchHandlerFunc) HandleFetch(ctx context.Context, ev router.FetchEvent) router.FetchResult {
	return f(ctx, ev)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger  *logrus.Logger
	Route   *OriginRoute
	Handler FetchHandler
	// Passthrough 用于未被拦截的请求，原样转发到网络。
	Passthrough *http.Client
	ListenPort  int
}

const contextKeyRequestID = "_offgate_request_id"

// NewApp builds a Fiber application that turns every incoming request into a
// fetch event for the router, with structured error handling.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Route == nil {
		return nil, errors.New("origin route is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("fetch handler is required")
	}
	if opts.Passthrough == nil {
		return nil, errors.New("passthrough client is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware())

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		return handleFetchEvent(c, opts)
	})

	return app, nil
}

// requestIDMiddleware 为每个请求生成 ID 并回写响应头。
func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// RequestID returns the request identifier stored by the middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

// handleFetchEvent 把 HTTP 请求翻译为拦截事件交给路由层；
// 透传结果由本层替宿主执行真正的网络转发。
func handleFetchEvent(c fiber.Ctx, opts AppOptions) error {
	started := time.Now()
	requestID := RequestID(c)

	ev := buildFetchEvent(c, opts.Route)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	result := opts.Handler.HandleFetch(ctx, ev)
	if result.PassThrough {
		return passthrough(c, opts, ev, requestID, started, result.Reason)
	}

	return writeRouterResponse(c, opts, ev, result, requestID, started)
}

// buildFetchEvent 还原请求的绝对 URL：托管域名解析到配置的源站，
// 其余 Host 保持原样，由路由层按跨源透传处理。
func buildFetchEvent(c fiber.Ctx, route *OriginRoute) router.FetchEvent {
	uri := c.Request().URI()
	path := string(uri.Path())
	if path == "" {
		path = "/"
	}
	query := string(uri.QueryString())

	host := getHostHeader(c)

	var rawURL string
	if route.MatchesHost(host) {
		u := *route.OriginURL
		u.Path = path
		u.RawQuery = query
		rawURL = u.String()
	} else {
		rawURL = c.Scheme() + "://" + host + path
		if query != "" {
			rawURL += "?" + query
		}
	}

	return router.FetchEvent{
		Method:     c.Method(),
		URL:        rawURL,
		Header:     requestHeaders(c),
		Navigation: isNavigationRequest(c),
	}
}

// isNavigationRequest 识别顶层文档加载：浏览器的 Sec-Fetch-Mode
// 优先，退化场景看 GET + Accept: text/html。
func isNavigationRequest(c fiber.Ctx) bool {
	if c.Method() != fiber.MethodGet {
		return false
	}
	if mode := string(c.Request().Header.Peek("Sec-Fetch-Mode")); mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	accept := string(c.Request().Header.Peek(fiber.HeaderAccept))
	return strings.Contains(accept, "text/html")
}

func writeRouterResponse(
	c fiber.Ctx,
	opts AppOptions,
	ev router.FetchEvent,
	result router.FetchResult,
	requestID string,
	started time.Time,
) error {
	resp := result.Response
	for key, values := range resp.Header {
		if fetcher.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
	c.Set("X-Offgate-Cache-Hit", fmt.Sprintf("%t", result.CacheHit))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}

	logFetchResult(opts, ev, result, resp.Status, started)
	return c.Status(resp.Status).Send(resp.Body)
}

// passthrough 替宿主执行一次原样网络转发，不做任何缓存动作。
// 网络失败时返回网关错误，这是宿主的原生行为，不属于离线兜底。
func passthrough(
	c fiber.Ctx,
	opts AppOptions,
	ev router.FetchEvent,
	requestID string,
	started time.Time,
	reason string,
) error {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := http.NewRequestWithContext(ctx, ev.Method, ev.URL, bytesReader(c.Body()))
	if err != nil {
		return writeError(c, fiber.StatusBadGateway, "passthrough_failed")
	}
	fetcher.CopyHeaders(req.Header, ev.Header)

	resp, err := opts.Passthrough.Do(req)
	if err != nil {
		fields := logging.FetchFields(opts.Route.App.Name, ev.Method, ev.URL, "passthrough", ev.Navigation, false)
		fields["reason"] = reason
		fields["elapsed_ms"] = time.Since(started).Milliseconds()
		opts.Logger.WithError(err).WithFields(fields).Error("透传请求失败")
		return writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		if fetcher.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)

	fields := logging.FetchFields(opts.Route.App.Name, ev.Method, ev.URL, "passthrough", ev.Navigation, false)
	fields["reason"] = reason
	fields["upstream_status"] = resp.StatusCode
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	opts.Logger.WithFields(fields).Info("透传完成")

	if ev.Method == fiber.MethodHead {
		return nil
	}
	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("passthrough stream failed: %v", err))
	}
	return nil
}

func logFetchResult(opts AppOptions, ev router.FetchEvent, result router.FetchResult, status int, started time.Time) {
	strategy := "cache_first"
	if ev.Navigation {
		strategy = "network_first"
	}
	fields := logging.FetchFields(opts.Route.App.Name, ev.Method, ev.URL, strategy, ev.Navigation, result.CacheHit)
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	opts.Logger.WithFields(fields).Info("请求处理完成")
}

func writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func requestHeaders(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// getHostHeader 返回请求的 Host（保留端口），跨源透传需要原样的地址。
func getHostHeader(c fiber.Ctx) string {
	return strings.TrimSpace(c.Host())
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/") || path == "/metrics"
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(b)
}
