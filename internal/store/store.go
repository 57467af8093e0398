package store

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Store 管理按代次（版本标签）划分命名空间的持久化字节存储。
// 原子替换的最小单位是整个命名空间：安装阶段写入新代次，
// 激活阶段整体删除旧代次。存储本身不做任何语义校验。
type Store interface {
	// Open 打开（必要时创建）一个代次命名空间，幂等。
	Open(ctx context.Context, version string) (Generation, error)

	// Namespaces 枚举当前存在的全部代次标签。
	Namespaces(ctx context.Context) ([]string, error)

	// Delete 整体删除一个代次及其全部条目。删除不存在的代次不报错。
	Delete(ctx context.Context, version string) error

	// Close 释放底层资源。关闭后的句柄不可再使用。
	Close() error
}

// Generation 是单个代次的读写句柄，语义为最后写者胜的平面映射。
type Generation interface {
	// Version 返回该代次的版本标签。
	Version() string

	// Put 以覆盖语义写入条目。并发写同一 Key 允许竞争，单键写入保证原子。
	Put(ctx context.Context, key Key, resp *Response) error

	// Match 精确查找条目，未命中返回 ErrNotFound。
	// 调用方需在读取侧自行拒绝 Redirected 标记为 true 的条目。
	Match(ctx context.Context, key Key) (*Response, error)
}

// Key 唯一定位一个缓存条目：HTTP 方法 + 绝对 URL。
type Key struct {
	Method string
	URL    string
}

// NewGetKey 为给定 URL 合成 GET 键，用于双键缓存的规范 URL 写入。
func NewGetKey(rawURL string) Key {
	return Key{Method: http.MethodGet, URL: rawURL}
}

// String 返回键的规范字符串形式，存储后端以此作为底层主键。
func (k Key) String() string {
	return k.Method + " " + k.URL
}

// Response 是缓存条目的值：状态、头、正文字节以及重定向标记。
// Redirected 永远不会以 true 写入存储；读取侧发现 true 视为损坏数据。
type Response struct {
	Status     int
	Header     http.Header
	Body       []byte
	Redirected bool
}

// Clone 返回深拷贝，避免调用方修改头/正文影响缓存内容。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	dup := &Response{
		Status:     r.Status,
		Header:     r.Header.Clone(),
		Body:       append([]byte(nil), r.Body...),
		Redirected: r.Redirected,
	}
	return dup
}

// ErrNotFound 表示缓存条目不存在。
var ErrNotFound = errors.New("cache entry not found")

// ErrClosed 表示存储已关闭。
var ErrClosed = errors.New("store closed")

// New 根据驱动名构建存储实例。
func New(driver, basePath string) (Store, error) {
	switch driver {
	case "", "filesystem":
		return NewFileStore(basePath)
	case "leveldb":
		return NewLevelStore(basePath)
	default:
		return nil, fmt.Errorf("unknown store driver: %s", driver)
	}
}
