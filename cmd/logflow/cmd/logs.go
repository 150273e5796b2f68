package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/logflow/internal/gatewayclient"
)

var (
	logsSince    time.Duration
	logsSearch   string
	logsLimit    int
	logsArchived bool
)

var logsCmd = &cobra.Command{
	Use:   "logs [service]",
	Short: "Query stored logs",
	Long: `查询元数据存储中的日志，不指定服务时查询所有服务。

Examples:
  logflow logs checkout --since 30m
  logflow logs --search timeout --limit 20 -o json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLogs,
}

var getLogCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a single log record",
	Long: `显示一条日志。默认读取元数据行（消息最多 1000 字符），
--archived 从归档读取完整记录。`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := newClient().GetLog(cmd.Context(), args[0], logsArchived)
		if err != nil {
			return err
		}
		return NewPrinter().PrintLog(rec)
	},
}

func init() {
	logsCmd.Flags().DurationVar(&logsSince, "since", time.Hour, "查询最近多长时间的日志")
	logsCmd.Flags().StringVarP(&logsSearch, "search", "s", "", "消息子串过滤")
	logsCmd.Flags().IntVarP(&logsLimit, "limit", "n", 100, "最多返回的记录数")
	getLogCmd.Flags().BoolVar(&logsArchived, "archived", false, "从归档读取完整记录")

	logsCmd.AddCommand(getLogCmd)
	rootCmd.AddCommand(logsCmd)
}

func runLogs(cmd *cobra.Command, args []string) error {
	if logsSince <= 0 {
		return fmt.Errorf("--since must be positive")
	}
	opts := gatewayclient.QueryOptions{
		Start:  time.Now().Add(-logsSince).UnixMilli(),
		Search: logsSearch,
		Limit:  logsLimit,
	}
	if len(args) == 1 {
		opts.Service = args[0]
	}
	logs, err := newClient().QueryLogs(cmd.Context(), opts)
	if err != nil {
		return err
	}
	return NewPrinter().PrintLogs(logs)
}
