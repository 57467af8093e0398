package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	switch g.StoreDriver {
	case StoreDriverFilesystem, StoreDriverLevelDB:
	default:
		return newFieldError("Global.StoreDriver", "仅支持 filesystem|leveldb")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	a := c.App
	if a.Name == "" {
		return newFieldError(appField("Name"), "不能为空")
	}
	if err := validateDomain(a.Domain); err != nil {
		return fmt.Errorf("%s: %w", appField("Domain"), err)
	}
	if err := validateOrigin(a.Origin); err != nil {
		return fmt.Errorf("%s: %w", appField("Origin"), err)
	}
	if err := validateVersionLabel(a.CacheVersion); err != nil {
		return fmt.Errorf("%s: %w", appField("CacheVersion"), err)
	}
	if !strings.HasPrefix(a.RootDocument, "/") {
		return newFieldError(appField("RootDocument"), "必须以 / 开头")
	}

	seen := map[string]struct{}{}
	for _, asset := range a.Assets {
		if !strings.HasPrefix(asset, "/") {
			return newFieldError(appField("Assets"), fmt.Sprintf("路径必须以 / 开头: %s", asset))
		}
		if _, exists := seen[asset]; exists {
			return newFieldError(appField("Assets"), fmt.Sprintf("路径重复: %s", asset))
		}
		seen[asset] = struct{}{}
	}

	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	return nil
}

func validateOrigin(origin string) error {
	if origin == "" {
		return errors.New("Origin 不能为空")
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("Origin 解析失败: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errors.New("Origin 仅支持 http/https")
	}
	if parsed.Host == "" {
		return errors.New("Origin 缺少主机名")
	}
	return nil
}

// validateVersionLabel 保证代次标签可以安全用作存储命名空间。
func validateVersionLabel(version string) error {
	if version == "" {
		return errors.New("CacheVersion 不能为空")
	}
	if strings.ContainsAny(version, "/\\ ") {
		return errors.New("CacheVersion 不允许包含路径分隔符或空格")
	}
	if version == "." || version == ".." {
		return errors.New("CacheVersion 非法")
	}
	return nil
}
