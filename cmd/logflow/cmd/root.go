// Package cmd 包含 logflow CLI 工具的所有命令实现
// 使用 cobra 框架构建命令行接口
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/oriys/logflow/internal/gatewayclient"
)

// 全局命令行标志变量
var (
	cfgFile   string // 配置文件路径
	apiURL    string // API 服务器地址
	outputFmt string // 输出格式（table/json/yaml）
)

// rootCmd 是 CLI 的根命令
var rootCmd = &cobra.Command{
	Use:   "logflow",
	Short: "logflow - log ingestion and analysis CLI",
	Long: `logflow 是日志摄取与分析管道的命令行工具。

使用示例:
  # 提交一条日志
  logflow ingest checkout "payment gateway timeout" --level error

  # 从 JSON Lines 文件批量提交
  logflow ingest --file app.jsonl

  # 分析最近一小时的日志并等待结果
  logflow analyze checkout --since 1h --wait

  # 修改服务保留期
  logflow config set checkout --ttl-days 7`,
	SilenceUsage: true,
}

// Execute 执行根命令
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件路径（默认为 $HOME/.logflow.yaml）")
	rootCmd.PersistentFlags().StringVarP(&apiURL, "api-url", "u", "http://localhost:8080", "API 服务器地址")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "输出格式（table、json、yaml）")

	viper.BindPFlag("api_url", rootCmd.PersistentFlags().Lookup("api-url"))
	viper.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))
}

// initConfig 按优先级加载配置：命令行标志 > 环境变量 > 配置文件
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".logflow")
	}

	// 环境变量格式：LOGFLOW_<KEY>，如 LOGFLOW_API_URL
	viper.SetEnvPrefix("LOGFLOW")
	viper.AutomaticEnv()

	_ = viper.ReadInConfig()
}

// newClient 使用当前配置创建 API 客户端
func newClient() *gatewayclient.Client {
	return gatewayclient.New(viper.GetString("api_url"))
}
