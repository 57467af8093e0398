// Package router 实现请求拦截的核心策略：生命周期状态机（安装/激活）、
// 三种分发策略（导航 network-first、静态 GET cache-first、透传），
// 以及“重定向产物永不出缓存”的读取侧防御。
package router

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/offgate/offgate/internal/fetcher"
	"github.com/offgate/offgate/internal/logging"
	"github.com/offgate/offgate/internal/metrics"
	"github.com/offgate/offgate/internal/store"
)

// State 表示生命周期阶段，按 Installing -> Activating -> Active 单向推进。
type State int32

const (
	StateInstalling State = iota
	StateActivating
	StateActive
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// Runtime 是宿主运行时的信号面：安装完成后跳过等待期、
// 激活完成后立即接管已打开的客户端会话。
type Runtime interface {
	SkipWaiting()
	ClaimClients()
}

// NopRuntime 在未注入宿主信号时使用。
type NopRuntime struct{}

func (NopRuntime) SkipWaiting()  {}
func (NopRuntime) ClaimClients() {}

// FetchEvent 是一次被拦截的出站请求描述。
type FetchEvent struct {
	Method string
	URL    string
	Header http.Header
	// Navigation 标记顶层文档加载，与子资源请求区分。
	Navigation bool
}

// FetchResult 是路由决策结果：要么给出具体响应，要么声明不拦截。
// 任何分支都不会向宿主传播错误。
type FetchResult struct {
	Response    *store.Response
	PassThrough bool
	// Reason 说明透传原因（cross_origin / non_get），便于日志与观测。
	Reason string
	// CacheHit 标记响应是否来自缓存。
	CacheHit bool
}

// Options 汇总 Router 的全部依赖；Version 为显式传入的当前代次标签，
// 不允许以包级全局形式存在。
type Options struct {
	Store   store.Store
	Fetcher *fetcher.Fetcher
	Logger  *logrus.Logger
	Metrics *metrics.Recorder
	Runtime Runtime

	AppName      string
	Version      string
	Origin       *url.URL
	RootDocument string
	Assets       []string
}

// Router 对每个拦截事件分类并执行对应策略，读写都经由当前代次句柄。
type Router struct {
	store   store.Store
	fetcher *fetcher.Fetcher
	logger  *logrus.Logger
	metrics *metrics.Recorder
	runtime Runtime

	appName  string
	version  string
	origin   *url.URL
	rootDoc  string
	assets   []string
	assetSet map[string]struct{}

	gen   store.Generation
	state atomic.Int32
}

// New 构造 Router 并打开当前代次命名空间（幂等）。初始状态为 Installing。
func New(ctx context.Context, opts Options) (*Router, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Origin == nil {
		return nil, errors.New("origin is required")
	}
	if opts.Version == "" {
		return nil, errors.New("version label is required")
	}
	if opts.Runtime == nil {
		opts.Runtime = NopRuntime{}
	}
	if opts.RootDocument == "" {
		opts.RootDocument = "/"
	}

	gen, err := opts.Store.Open(ctx, opts.Version)
	if err != nil {
		return nil, err
	}

	assetSet := make(map[string]struct{}, len(opts.Assets))
	for _, p := range opts.Assets {
		assetSet[p] = struct{}{}
	}

	r := &Router{
		store:    opts.Store,
		fetcher:  opts.Fetcher,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		runtime:  opts.Runtime,
		appName:  opts.AppName,
		version:  opts.Version,
		origin:   opts.Origin,
		rootDoc:  opts.RootDocument,
		assets:   append([]string(nil), opts.Assets...),
		assetSet: assetSet,
		gen:      gen,
	}
	r.state.Store(int32(StateInstalling))
	return r, nil
}

// State 返回当前生命周期阶段。
func (r *Router) State() State {
	return State(r.state.Load())
}

// Version 返回当前代次标签。
func (r *Router) Version() string {
	return r.version
}

// Install 将资源清单逐项预缓存进当前代次。单个资源失败只记录日志，
// 不会中断启动；全部处理完后向宿主发出 skip-waiting 信号。
func (r *Router) Install(ctx context.Context) error {
	fields := logging.LifecycleFields(r.appName, "install", r.version)
	fields["assets"] = len(r.assets)
	r.logger.WithFields(fields).Info("开始预缓存资源清单")

	for _, path := range r.assets {
		rawURL := r.resolve(path)
		key := store.NewGetKey(rawURL)

		resp, finalURL, err := r.fetcher.FetchClean(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			r.precacheFailure(path, err)
			continue
		}
		if !r.fetcher.Cacheable(http.MethodGet, finalURL, resp) {
			r.precacheFailure(path, errors.New("response not cacheable"))
			continue
		}
		if err := r.fetcher.CacheUnderBothKeys(ctx, r.gen, key, finalURL, resp); err != nil {
			r.precacheFailure(path, err)
			continue
		}
	}

	r.runtime.SkipWaiting()
	r.state.Store(int32(StateActivating))
	r.logger.WithFields(logging.LifecycleFields(r.appName, "install", r.version)).Info("安装完成")
	return nil
}

// Activate 枚举并删除除当前代次外的全部命名空间，删除完成后才向宿主
// 发出 claim-clients 信号并进入 Active，保证新代次开始服务前旧代次已清空。
func (r *Router) Activate(ctx context.Context) error {
	namespaces, err := r.store.Namespaces(ctx)
	if err != nil {
		return err
	}

	pruned := 0
	for _, ns := range namespaces {
		if ns == r.version {
			continue
		}
		if err := r.store.Delete(ctx, ns); err != nil {
			return err
		}
		pruned++
	}
	r.metrics.GenerationsPruned(pruned)

	r.runtime.ClaimClients()
	r.state.Store(int32(StateActive))

	fields := logging.LifecycleFields(r.appName, "activate", r.version)
	fields["pruned"] = pruned
	r.logger.WithFields(fields).Info("激活完成，旧代次已清理")
	return nil
}

// HandleFetch 对单个拦截事件分类并分发。每个事件独立处理，
// 相互之间无共享可变状态（存储自身保证单键原子）。
func (r *Router) HandleFetch(ctx context.Context, ev FetchEvent) FetchResult {
	if !r.fetcher.SameOrigin(ev.URL) {
		r.metrics.ObserveFetch(metrics.StrategyPassthrough, metrics.OutcomePassthrough)
		return FetchResult{PassThrough: true, Reason: "cross_origin"}
	}
	if ev.Method != http.MethodGet {
		r.metrics.ObserveFetch(metrics.StrategyPassthrough, metrics.OutcomePassthrough)
		return FetchResult{PassThrough: true, Reason: "non_get"}
	}
	if ev.Navigation {
		return r.networkFirst(ctx, ev)
	}
	return r.cacheFirst(ctx, ev)
}

// networkFirst 处理同源 GET 导航：先走网络，失败时回退到已缓存的
// 根文档，最后兜底为合成的离线响应。
func (r *Router) networkFirst(ctx context.Context, ev FetchEvent) FetchResult {
	key := store.NewGetKey(ev.URL)

	resp, finalURL, err := r.fetcher.FetchClean(ctx, ev.Method, ev.URL, ev.Header)
	if err == nil {
		if r.fetcher.Cacheable(ev.Method, finalURL, resp) {
			if putErr := r.fetcher.CacheUnderBothKeys(ctx, r.gen, key, finalURL, resp); putErr != nil {
				r.logCacheWriteError(ev, putErr)
			}
		}
		r.metrics.ObserveFetch(metrics.StrategyNetworkFirst, metrics.OutcomeNetwork)
		return FetchResult{Response: resp}
	}

	r.logNetworkFailure(ev, metrics.StrategyNetworkFirst, err)

	if cached := r.matchClean(ctx, store.NewGetKey(r.resolve(r.rootDoc))); cached != nil {
		r.metrics.ObserveFetch(metrics.StrategyNetworkFirst, metrics.OutcomeCacheHit)
		return FetchResult{Response: cached, CacheHit: true}
	}

	r.metrics.ObserveFetch(metrics.StrategyNetworkFirst, metrics.OutcomeOffline)
	return FetchResult{Response: offlineResponse()}
}

// cacheFirst 处理同源静态 GET：命中即返回零网络流量；未命中回源并
// 双键写缓存；网络不可达且路径属于清单时再做一次缓存查找兜底。
func (r *Router) cacheFirst(ctx context.Context, ev FetchEvent) FetchResult {
	key := store.NewGetKey(ev.URL)

	if cached := r.matchClean(ctx, key); cached != nil {
		r.metrics.ObserveFetch(metrics.StrategyCacheFirst, metrics.OutcomeCacheHit)
		return FetchResult{Response: cached, CacheHit: true}
	}

	resp, finalURL, err := r.fetcher.FetchClean(ctx, ev.Method, ev.URL, ev.Header)
	if err == nil {
		if r.fetcher.Cacheable(ev.Method, finalURL, resp) {
			if putErr := r.fetcher.CacheUnderBothKeys(ctx, r.gen, key, finalURL, resp); putErr != nil {
				r.logCacheWriteError(ev, putErr)
			}
		}
		r.metrics.ObserveFetch(metrics.StrategyCacheFirst, metrics.OutcomeNetwork)
		return FetchResult{Response: resp}
	}

	r.logNetworkFailure(ev, metrics.StrategyCacheFirst, err)

	if r.isManifestPath(ev.URL) {
		if cached := r.matchClean(ctx, key); cached != nil {
			r.metrics.ObserveFetch(metrics.StrategyCacheFirst, metrics.OutcomeCacheHit)
			return FetchResult{Response: cached, CacheHit: true}
		}
	}

	r.metrics.ObserveFetch(metrics.StrategyCacheFirst, metrics.OutcomeOffline)
	return FetchResult{Response: offlineResponse()}
}

// matchClean 执行读取侧防御：查找失败按未命中处理；
// 带重定向标记的条目视为不存在，永远不会返回给调用方。
func (r *Router) matchClean(ctx context.Context, key store.Key) *store.Response {
	resp, err := r.gen.Match(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"action": "cache_match_failed",
				"key":    key.String(),
			}).Warn("缓存读取失败，按未命中处理")
		}
		return nil
	}
	if resp.Redirected {
		r.logger.WithFields(logrus.Fields{
			"action": "redirected_entry_rejected",
			"key":    key.String(),
		}).Warn("发现带重定向标记的条目，按未命中处理")
		return nil
	}
	return resp
}

// isManifestPath 判断 URL 的路径是否属于资源清单。
func (r *Router) isManifestPath(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	path := parsed.Path
	if path == "" {
		path = "/"
	}
	_, ok := r.assetSet[path]
	return ok
}

// resolve 将同源路径拼成绝对 URL。
func (r *Router) resolve(path string) string {
	return r.origin.ResolveReference(&url.URL{Path: path}).String()
}

func (r *Router) precacheFailure(path string, err error) {
	r.metrics.PrecacheFailure()
	fields := logging.LifecycleFields(r.appName, "install", r.version)
	fields["asset"] = path
	r.logger.WithError(err).WithFields(fields).Warn("预缓存资源失败，已跳过")
}

func (r *Router) logNetworkFailure(ev FetchEvent, strategy string, err error) {
	fields := logging.FetchFields(r.appName, ev.Method, ev.URL, strategy, ev.Navigation, false)
	fields["action"] = "network_failed"
	r.logger.WithError(err).WithFields(fields).Warn("网络抓取失败，尝试缓存回退")
}

func (r *Router) logCacheWriteError(ev FetchEvent, err error) {
	r.logger.WithError(err).WithFields(logrus.Fields{
		"action": "cache_write_failed",
		"url":    ev.URL,
	}).Warn("缓存写入失败，响应仍正常返回")
}
