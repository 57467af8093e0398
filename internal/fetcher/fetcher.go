package fetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/offgate/offgate/internal/store"
)

// ErrRedirectedResponse 表示调用方试图持久化一个重定向产物，属于编程错误。
var ErrRedirectedResponse = errors.New("refusing to cache redirected response")

// Fetcher 封装源站抓取：保证产出的响应不是未解析的重定向产物，
// 并负责把干净响应按原始键与最终 URL 双键写入缓存。
type Fetcher struct {
	client *http.Client
	origin *url.URL
	logger *logrus.Logger
}

// New 构造 Fetcher。origin 为应用源站地址，用于同源判定。
func New(client *http.Client, origin *url.URL, logger *logrus.Logger) *Fetcher {
	return &Fetcher{
		client: client,
		origin: origin,
		logger: logger,
	}
}

// FetchClean 抓取 rawURL 并返回干净响应与最终 URL。
// 若首次抓取经由重定向到达，则丢弃该结果，并对最终 URL 追加一次
// 显式 GET（无论原始方法为何），以第二次结果为准；第一次的响应体
// 永远不会进入缓存。网络不可达时错误原样向外传播，回退策略由调用方决定。
func (f *Fetcher) FetchClean(ctx context.Context, method, rawURL string, header http.Header) (*store.Response, string, error) {
	resp, err := f.do(ctx, method, rawURL, header)
	if err != nil {
		return nil, "", err
	}

	finalURL := resp.Request.URL.String()
	if urlChanged(rawURL, finalURL) {
		// 重定向产物：排空并丢弃，换用对最终地址的直接 GET。
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		f.logger.WithFields(logrus.Fields{
			"action": "redirect_resolved",
			"from":   rawURL,
			"to":     finalURL,
		}).Debug("重定向已解析为直接抓取")

		resp, err = f.do(ctx, http.MethodGet, finalURL, header)
		if err != nil {
			return nil, "", err
		}
		finalURL = resp.Request.URL.String()
	}

	stored, err := readResponse(resp)
	if err != nil {
		return nil, "", err
	}
	return stored, finalURL, nil
}

// Cacheable 判断响应是否允许持久化：仅限同源、2xx 的 GET 干净响应。
func (f *Fetcher) Cacheable(method, finalURL string, resp *store.Response) bool {
	if resp == nil || resp.Redirected {
		return false
	}
	if method != http.MethodGet {
		return false
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return false
	}
	return f.SameOrigin(finalURL)
}

// CacheUnderBothKeys 将干净响应写入原始请求键；若最终 URL 与原始 URL
// 不同且仍为同源，再以合成的 GET 键写入一份，使后续直接请求规范 URL
// 的调用方无需重复重定向跳转即可命中。
func (f *Fetcher) CacheUnderBothKeys(ctx context.Context, gen store.Generation, originalKey store.Key, finalURL string, resp *store.Response) error {
	if resp == nil || resp.Redirected {
		return ErrRedirectedResponse
	}
	if err := gen.Put(ctx, originalKey, resp); err != nil {
		return err
	}
	if finalURL != "" && urlChanged(originalKey.URL, finalURL) && f.SameOrigin(finalURL) {
		return gen.Put(ctx, store.NewGetKey(finalURL), resp)
	}
	return nil
}

// SameOrigin 判断 rawURL 是否与配置的应用源站同源（scheme + host）。
func (f *Fetcher) SameOrigin(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(parsed.Scheme, f.origin.Scheme) &&
		strings.EqualFold(parsed.Host, f.origin.Host)
}

// Do 直接执行一次网络请求，供透传路径复用共享客户端配置。
func (f *Fetcher) Do(req *http.Request) (*http.Response, error) {
	return f.client.Do(req)
}

func (f *Fetcher) do(ctx context.Context, method, rawURL string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, http.NoBody)
	if err != nil {
		return nil, err
	}
	if header != nil {
		CopyHeaders(req.Header, header)
	}
	// 不透传编码协商，缓存中始终保存解码后的正文。
	req.Header.Del("Accept-Encoding")
	return f.client.Do(req)
}

// readResponse 读完正文并转换为存储条目，Redirected 恒为 false：
// 条目永远不会以重定向标记写入。
func readResponse(resp *http.Response) (*store.Response, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	header := make(http.Header, len(resp.Header))
	CopyHeaders(header, resp.Header)

	return &store.Response{
		Status:     resp.StatusCode,
		Header:     header,
		Body:       body,
		Redirected: false,
	}, nil
}

// urlChanged 比较两个 URL 是否指向不同地址，解析失败时按字符串比较。
func urlChanged(a, b string) bool {
	ua, errA := url.Parse(a)
	ub, errB := url.Parse(b)
	if errA != nil || errB != nil {
		return a != b
	}
	ua.Fragment = ""
	ub.Fragment = ""
	return ua.String() != ub.String()
}
