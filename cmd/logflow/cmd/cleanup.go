package cmd

import (
	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Run retention cleanup now",
	Long: `立即按各服务的保留期删除过期日志（元数据行和归档副本），
并打印本次清理的统计。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := newClient().RunCleanup(cmd.Context())
		if err != nil {
			return err
		}
		return NewPrinter().PrintCleanupStats(stats)
	},
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}
