package main

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// configFixture 返回 internal/config/testdata 下指定夹具的绝对路径。
// 本文件位于模块根目录，直接以源文件所在目录为根，无需向上查找。
func configFixture(t *testing.T, name string) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("无法定位测试源文件")
	}
	root := filepath.Dir(file)
	if _, err := os.Stat(filepath.Join(root, "go.mod")); err != nil {
		t.Fatalf("测试助手不在模块根目录: %v", err)
	}
	return filepath.Join(root, "internal", "config", "testdata", name)
}
