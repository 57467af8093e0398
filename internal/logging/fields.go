package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// FetchFields 提供单次拦截请求的公共字段，供路由/服务层日志复用。
func FetchFields(app, method, rawURL, strategy string, navigation, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"app":        app,
		"method":     method,
		"url":        rawURL,
		"strategy":   strategy,
		"navigation": navigation,
		"cache_hit":  cacheHit,
	}
}

// LifecycleFields 提供 install/activate 阶段的公共字段。
func LifecycleFields(app, stage, version string) logrus.Fields {
	return logrus.Fields{
		"app":     app,
		"stage":   stage,
		"version": version,
	}
}
