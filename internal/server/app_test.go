package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/offgate/offgate/internal/config"
	"github.com/offgate/offgate/internal/fetcher"
	"github.com/offgate/offgate/internal/router"
	"github.com/offgate/offgate/internal/store"
)

// recordingHandler 记录收到的拦截事件并返回预设结果。
type recordingHandler struct {
	mu     sync.Mutex
	events []router.FetchEvent
	result router.FetchResult
}

func (h *recordingHandler) HandleFetch(_ context.Context, ev router.FetchEvent) router.FetchResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return h.result
}

func (h *recordingHandler) lastEvent(t *testing.T) router.FetchEvent {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.events) == 0 {
		t.Fatalf("未收到任何拦截事件")
	}
	return h.events[len(h.events)-1]
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func silentLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestApp(t *testing.T, handler FetchHandler) (*fiber.App, *OriginRoute) {
	t.Helper()
	route, err := NewOriginRoute(&config.Config{
		Global: config.GlobalConfig{ListenPort: 5000},
		App: config.AppConfig{
			Name:         "speedo",
			Domain:       "speed.local",
			Origin:       "https://speed.example.com",
			CacheVersion: "static-v2",
			RootDocument: "/",
		},
	})
	if err != nil {
		t.Fatalf("构建路由失败: %v", err)
	}

	app, err := NewApp(AppOptions{
		Logger:      silentLogger(),
		Route:       route,
		Handler:     handler,
		Passthrough: fetcher.NewPassthroughClient(3 * time.Second),
		ListenPort:  5000,
	})
	if err != nil {
		t.Fatalf("构建应用失败: %v", err)
	}
	return app, route
}

func doTestRequest(t *testing.T, app *fiber.App, req *http.Request) *http.Response {
	t.Helper()
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	return resp
}

func TestNewAppValidatesOptions(t *testing.T) {
	route, _ := NewOriginRoute(&config.Config{
		Global: config.GlobalConfig{ListenPort: 5000},
		App:    config.AppConfig{Name: "speedo", Domain: "speed.local", Origin: "https://speed.example.com"},
	})
	handler := &recordingHandler{}
	client := fetcher.NewPassthroughClient(time.Second)
	logger := silentLogger()

	cases := []AppOptions{
		{Route: route, Handler: handler, Passthrough: client, ListenPort: 5000},
		{Logger: logger, Handler: handler, Passthrough: client, ListenPort: 5000},
		{Logger: logger, Route: route, Passthrough: client, ListenPort: 5000},
		{Logger: logger, Route: route, Handler: handler, ListenPort: 5000},
		{Logger: logger, Route: route, Handler: handler, Passthrough: client},
	}
	for i, opts := range cases {
		if _, err := NewApp(opts); err == nil {
			t.Fatalf("用例 %d 缺失依赖应失败", i)
		}
	}
}

func TestRouterResponseIsWrittenWithHeaders(t *testing.T) {
	handler := &recordingHandler{
		result: router.FetchResult{
			Response: &store.Response{
				Status: 200,
				Header: http.Header{
					"Content-Type": {"text/html; charset=utf-8"},
					"Connection":   {"keep-alive"}, // hop-by-hop 头应被过滤
				},
				Body: []byte("<html>hit</html>"),
			},
			CacheHit: true,
		},
	}
	app, _ := newTestApp(t, handler)

	req := httptest.NewRequest(http.MethodGet, "http://speed.local/index.html", nil)
	req.Host = "speed.local"
	resp := doTestRequest(t, app, req)
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("状态码应为 200，得到 %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "<html>hit</html>" {
		t.Fatalf("正文不一致: %s", body)
	}
	if got := resp.Header.Get("X-Offgate-Cache-Hit"); got != "true" {
		t.Fatalf("缓存命中头应为 true，得到 %q", got)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("响应应携带请求 ID")
	}
	if resp.Header.Get("Content-Type") != "text/html; charset=utf-8" {
		t.Fatalf("业务头应转发")
	}
	if resp.Header.Get("Connection") == "keep-alive" {
		t.Fatalf("hop-by-hop 头不应转发")
	}
}

func TestFetchEventResolvesManagedHostToOrigin(t *testing.T) {
	handler := &recordingHandler{
		result: router.FetchResult{Response: &store.Response{Status: 200, Body: []byte("ok")}},
	}
	app, _ := newTestApp(t, handler)

	req := httptest.NewRequest(http.MethodGet, "http://speed.local/app.js?v=1", nil)
	req.Host = "speed.local"
	resp := doTestRequest(t, app, req)
	resp.Body.Close()

	ev := handler.lastEvent(t)
	if ev.URL != "https://speed.example.com/app.js?v=1" {
		t.Fatalf("托管域名应解析到源站 URL，得到 %s", ev.URL)
	}
	if ev.Method != http.MethodGet {
		t.Fatalf("方法不一致: %s", ev.Method)
	}
}

func TestFetchEventKeepsForeignHostVerbatim(t *testing.T) {
	handler := &recordingHandler{result: router.FetchResult{PassThrough: true, Reason: "cross_origin"}}
	app, _ := newTestApp(t, handler)

	// 透传会真正发起网络请求，用本地上游代替外部主机。
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tile"))
	}))
	defer upstream.Close()
	foreignHost := strings.TrimPrefix(upstream.URL, "http://")

	req := httptest.NewRequest(http.MethodGet, "http://"+foreignHost+"/z/1/1.png", nil)
	req.Host = foreignHost
	resp := doTestRequest(t, app, req)
	defer resp.Body.Close()

	ev := handler.lastEvent(t)
	if ev.URL != "http://"+foreignHost+"/z/1/1.png" {
		t.Fatalf("非托管域名应保持原样，得到 %s", ev.URL)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("透传应返回上游状态码，得到 %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "tile" {
		t.Fatalf("透传正文不一致: %s", body)
	}
}

// 事件 URL 必须以 scheme 开头并保留 Host 中的端口，否则透传会指向错误地址。
func TestFetchEventPreservesSchemeAndPortForForeignHost(t *testing.T) {
	handler := &recordingHandler{
		result: router.FetchResult{Response: &store.Response{Status: 200, Body: []byte("ok")}},
	}
	app, _ := newTestApp(t, handler)

	req := httptest.NewRequest(http.MethodGet, "http://maps.example.net:8443/tiles/1.png", nil)
	req.Host = "maps.example.net:8443"
	resp := doTestRequest(t, app, req)
	resp.Body.Close()

	ev := handler.lastEvent(t)
	if !strings.HasPrefix(ev.URL, "http://") {
		t.Fatalf("事件 URL 应以 scheme 开头，得到 %s", ev.URL)
	}
	if ev.URL != "http://maps.example.net:8443/tiles/1.png" {
		t.Fatalf("Host 端口应保留，得到 %s", ev.URL)
	}
}

func TestPassthroughUpstreamFailureReturns502(t *testing.T) {
	handler := &recordingHandler{result: router.FetchResult{PassThrough: true, Reason: "cross_origin"}}
	app, _ := newTestApp(t, handler)

	upstream := httptest.NewServer(http.NewServeMux())
	deadHost := strings.TrimPrefix(upstream.URL, "http://")
	upstream.Close()

	req := httptest.NewRequest(http.MethodGet, "http://"+deadHost+"/font.woff2", nil)
	req.Host = deadHost
	resp := doTestRequest(t, app, req)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("上游不可达的透传应返回 502，得到 %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "upstream_failed") {
		t.Fatalf("错误码不一致: %s", body)
	}
}

func TestNavigationDetection(t *testing.T) {
	handler := &recordingHandler{
		result: router.FetchResult{Response: &store.Response{Status: 200, Body: []byte("ok")}},
	}
	app, _ := newTestApp(t, handler)

	cases := []struct {
		name    string
		method  string
		headers map[string]string
		want    bool
	}{
		{"SecFetchMode导航", http.MethodGet, map[string]string{"Sec-Fetch-Mode": "navigate"}, true},
		{"SecFetchMode子资源", http.MethodGet, map[string]string{"Sec-Fetch-Mode": "cors", "Accept": "text/html"}, false},
		{"Accept回退", http.MethodGet, map[string]string{"Accept": "text/html,application/xhtml+xml"}, true},
		{"普通GET", http.MethodGet, map[string]string{"Accept": "application/json"}, false},
		{"POST永不导航", http.MethodPost, map[string]string{"Sec-Fetch-Mode": "navigate"}, false},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, "http://speed.local/page", nil)
		req.Host = "speed.local"
		for k, v := range tc.headers {
			req.Header.Set(k, v)
		}
		resp := doTestRequest(t, app, req)
		resp.Body.Close()

		ev := handler.lastEvent(t)
		if ev.Navigation != tc.want {
			t.Fatalf("%s: Navigation = %v, 期望 %v", tc.name, ev.Navigation, tc.want)
		}
	}
}

func TestDiagnosticsPathsBypassFetchHandler(t *testing.T) {
	handler := &recordingHandler{
		result: router.FetchResult{Response: &store.Response{Status: 200, Body: []byte("ok")}},
	}
	app, _ := newTestApp(t, handler)

	for _, path := range []string{"/-/healthz", "/-/generations", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, "http://speed.local"+path, nil)
		req.Host = "speed.local"
		resp := doTestRequest(t, app, req)
		resp.Body.Close()
	}

	if handler.count() != 0 {
		t.Fatalf("诊断路径不应进入拦截处理，收到 %d 个事件", handler.count())
	}
}
