// Package main 是 logflow 命令行工具的入口点
// logflow 通过 HTTP API 提交日志、发起分析、查询会话和管理服务配置
package main

import (
	"os"

	"github.com/oriys/logflow/cmd/logflow/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
