package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 支持的缓存存储驱动。
const (
	StoreDriverFilesystem = "filesystem"
	StoreDriverLevelDB    = "leveldb"
)

// GlobalConfig 描述全局运行时行为，网关进程共享同一份参数。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	StoreDriver     string   `mapstructure:"StoreDriver"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
}

// AppConfig 描述被网关托管的单个应用源站：域名、上游地址、
// 当前缓存代次以及需要离线可用的静态资源清单。
type AppConfig struct {
	Name string `mapstructure:"Name"`
	// Domain 是网关对外应答的 Host；其它 Host 的请求直接透传网络。
	Domain string `mapstructure:"Domain"`
	// Origin 是应用源站的绝对地址，所有同源请求都会解析到该源。
	Origin string `mapstructure:"Origin"`
	// CacheVersion 是当前代次标签，由发布流程递增。
	CacheVersion string `mapstructure:"CacheVersion"`
	// RootDocument 是导航请求离线回退使用的文档路径，默认 "/"。
	RootDocument string `mapstructure:"RootDocument"`
	// Assets 为安装阶段预缓存的同源路径清单（构建期产物，运行期只读）。
	Assets []string `mapstructure:"Assets"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	App    AppConfig    `mapstructure:"App"`
}

// AssetSet 将清单路径转换为集合，供路由层 O(1) 判断是否为关键资源。
func (a AppConfig) AssetSet() map[string]struct{} {
	set := make(map[string]struct{}, len(a.Assets))
	for _, p := range a.Assets {
		set[p] = struct{}{}
	}
	return set
}
