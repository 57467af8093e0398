package server

import "github.com/sirupsen/logrus"

// LifecycleSignals 是宿主运行时信号的服务端实现：网关没有「等待中的
// 旧版本」与「已打开的客户端会话」这类浏览器语义，两个信号在这里
// 退化为结构化日志，保留生命周期的可观测性。
type LifecycleSignals struct {
	logger *logrus.Logger
	app    string
}

// NewLifecycleSignals 构造带日志的生命周期信号实现。
func NewLifecycleSignals(logger *logrus.Logger, app string) *LifecycleSignals {
	return &LifecycleSignals{logger: logger, app: app}
}

// SkipWaiting 记录安装完成、跳过等待期的信号。
func (s *LifecycleSignals) SkipWaiting() {
	s.logger.WithFields(logrus.Fields{
		"action": "skip_waiting",
		"app":    s.app,
	}).Info("安装完成，立即进入激活阶段")
}

// ClaimClients 记录激活完成、立即接管流量的信号。
func (s *LifecycleSignals) ClaimClients() {
	s.logger.WithFields(logrus.Fields{
		"action": "claim_clients",
		"app":    s.app,
	}).Info("激活完成，开始接管请求")
}
