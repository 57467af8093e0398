package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/offgate/offgate/internal/config"
)

// OriginRoute 将应用配置与派生属性（解析后的源站 URL、监听端口）
// 聚合在一起，供服务层直接复用，避免重复解析配置。
type OriginRoute struct {
	// App 是 config.toml 中声明的应用字段副本，避免外部修改。
	App config.AppConfig
	// ListenPort 记录当前监听端口，方便日志输出。
	ListenPort int
	// OriginURL 在构造时提前解析完成，后续请求直接复用。
	OriginURL *url.URL

	domain string
}

// NewOriginRoute 根据配置构建应用路由。调用方应在启动阶段创建一次并复用。
func NewOriginRoute(cfg *config.Config) (*OriginRoute, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	originURL, err := url.Parse(cfg.App.Origin)
	if err != nil {
		return nil, fmt.Errorf("解析 Origin 失败: %w", err)
	}

	domain := normalizeDomain(cfg.App.Domain)
	if domain == "" {
		return nil, fmt.Errorf("invalid domain for app %s", cfg.App.Name)
	}

	return &OriginRoute{
		App:        cfg.App,
		ListenPort: cfg.Global.ListenPort,
		OriginURL:  originURL,
		domain:     domain,
	}, nil
}

// MatchesHost 判断请求 Host（可带端口）是否属于被托管的应用域名。
func (r *OriginRoute) MatchesHost(host string) bool {
	return normalizeDomain(host) == r.domain
}

// normalizeDomain 去除端口与大小写差异，返回可比较的域名形式。
func normalizeDomain(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
