package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/logflow/internal/domain"
)

var (
	analyzeSince   time.Duration
	analyzeSearch  string
	analyzeGlobal  bool
	analyzeWait    bool
	analyzeTimeout time.Duration
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze [service]",
	Short: "Request a log analysis",
	Long: `提交一次分析请求，分析在服务端异步执行。
--global 分析所有服务的日志，此时不需要服务名。
--wait 轮询会话直到完成并打印结果。

Examples:
  logflow analyze checkout --since 1h --wait
  logflow analyze --global --since 24h`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAnalyze,
}

var statusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show analysis session status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := newClient().GetSession(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return NewPrinter().PrintSession(sess)
	},
}

func init() {
	analyzeCmd.Flags().DurationVar(&analyzeSince, "since", time.Hour, "分析最近多长时间的日志")
	analyzeCmd.Flags().StringVarP(&analyzeSearch, "search", "s", "", "只分析包含该子串的日志")
	analyzeCmd.Flags().BoolVar(&analyzeGlobal, "global", false, "分析所有服务")
	analyzeCmd.Flags().BoolVarP(&analyzeWait, "wait", "w", false, "等待分析完成")
	analyzeCmd.Flags().DurationVar(&analyzeTimeout, "timeout", 5*time.Minute, "--wait 的最长等待时间")

	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(statusCmd)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	end := time.Now()
	req := domain.AnalysisRequest{
		Kind:   domain.AnalysisOnDemand,
		Start:  end.Add(-analyzeSince).UnixMilli(),
		End:    end.UnixMilli(),
		Search: analyzeSearch,
	}
	switch {
	case analyzeGlobal:
		req.Kind = domain.AnalysisGlobal
	case len(args) == 1:
		req.Service = args[0]
	default:
		return fmt.Errorf("service name required unless --global is set")
	}

	client := newClient()
	id, err := client.EnqueueAnalysis(cmd.Context(), req)
	if err != nil {
		return err
	}
	if !analyzeWait {
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), analyzeTimeout)
	defer cancel()
	sess, err := client.WaitSession(ctx, id, time.Second)
	if err != nil {
		return fmt.Errorf("waiting for session %s: %w", id, err)
	}
	return NewPrinter().PrintSession(sess)
}
