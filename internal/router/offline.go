package router

import (
	"net/http"

	"github.com/offgate/offgate/internal/store"
)

// offlineBody 是离线兜底响应的固定正文。
const offlineBody = "Offline"

// offlineResponse 合成网络与缓存都无法满足请求时的 503 纯文本响应。
// 每次调用返回新实例，避免调用方共享可变头。
func offlineResponse() *store.Response {
	header := make(http.Header, 1)
	header.Set("Content-Type", "text/plain; charset=utf-8")
	return &store.Response{
		Status: http.StatusServiceUnavailable,
		Header: header,
		Body:   []byte(offlineBody),
	}
}
